package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendo-health/counselling-platform/internal/model"
	"github.com/pendo-health/counselling-platform/internal/store"
	"github.com/pendo-health/counselling-platform/pkg/logger"
)

// fakePublisher records published events in order.
type fakePublisher struct {
	mu            sync.Mutex
	messages      []model.Message
	queueEvents   []model.QueueEvent
	notifications []model.Notification
}

func (p *fakePublisher) PublishMessage(ctx context.Context, msg *model.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, *msg)
	return nil
}

func (p *fakePublisher) PublishQueueEvent(ctx context.Context, ev *model.QueueEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueEvents = append(p.queueEvents, *ev)
	return nil
}

func (p *fakePublisher) PublishNotification(ctx context.Context, n *model.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, *n)
	return nil
}

func (p *fakePublisher) queueEventTypes() []model.QueueEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]model.QueueEventType, len(p.queueEvents))
	for i, ev := range p.queueEvents {
		types[i] = ev.Type
	}
	return types
}

type fixture struct {
	store        *store.Store
	publisher    *fakePublisher
	conversation *ConversationService
	queue        *QueueService
	session      *SessionService
}

func newFixture(t *testing.T, idleTimeout time.Duration) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pub := &fakePublisher{}
	log := logger.NewNop()
	conv := NewConversationService(st, pub, log)
	queue := NewQueueService(st, pub, log)
	session := NewSessionService(st, conv, pub, log, idleTimeout)

	return &fixture{
		store:        st,
		publisher:    pub,
		conversation: conv,
		queue:        queue,
		session:      session,
	}
}

func TestGetOrCreatePublishesWaitingOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	first, err := f.conversation.GetOrCreate(ctx, "NRB-1234")
	require.NoError(t, err)

	second, err := f.conversation.GetOrCreate(ctx, "NRB-1234")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	types := f.publisher.queueEventTypes()
	assert.Equal(t, []model.QueueEventType{model.QueueEventWaiting}, types,
		"only the creating call announces the conversation")
}

func TestAppendWhitespaceIsNoOp(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	conv, err := f.conversation.GetOrCreate(ctx, "NRB-1234")
	require.NoError(t, err)

	msg, err := f.conversation.Append(ctx, conv.ID, model.RoleStudent, "NRB-1234", "   \n\t ")
	require.NoError(t, err)
	assert.Nil(t, msg)

	resp, err := f.conversation.Messages(ctx, conv.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, resp.Messages)
	assert.Empty(t, f.publisher.messages)
}

func TestAppendPublishesAndTrims(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	conv, err := f.conversation.GetOrCreate(ctx, "NRB-1234")
	require.NoError(t, err)

	msg, err := f.conversation.Append(ctx, conv.ID, model.RoleStudent, "NRB-1234", "  I need help  ")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "I need help", msg.Text)

	require.Len(t, f.publisher.messages, 1)
	assert.Equal(t, msg.ID, f.publisher.messages[0].ID)
}

func TestAppendOrderIsCallOrder(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	conv, err := f.conversation.GetOrCreate(ctx, "NRB-1234")
	require.NoError(t, err)

	texts := []string{"first", "second", "third"}
	for _, text := range texts {
		_, err := f.conversation.Append(ctx, conv.ID, model.RoleStudent, "NRB-1234", text)
		require.NoError(t, err)
	}

	resp, err := f.conversation.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 3)
	for i, text := range texts {
		assert.Equal(t, text, resp.Messages[i].Text)
	}
}

func TestClaimAnnouncesAssignmentAndJoinNotice(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	conv, err := f.conversation.GetOrCreate(ctx, "NRB-1234")
	require.NoError(t, err)

	claimed, err := f.session.Claim(ctx, conv.ID, "counsellor-1")
	require.NoError(t, err)
	require.NotNil(t, claimed.CounsellorID)
	assert.Equal(t, "counsellor-1", *claimed.CounsellorID)

	types := f.publisher.queueEventTypes()
	assert.Contains(t, types, model.QueueEventAssigned)

	resp, err := f.conversation.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, model.RoleSystem, resp.Messages[0].Role)
}

func TestClaimLoserGetsConflict(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	conv, err := f.conversation.GetOrCreate(ctx, "NRB-1234")
	require.NoError(t, err)

	_, err = f.session.Claim(ctx, conv.ID, "counsellor-1")
	require.NoError(t, err)

	_, err = f.session.Claim(ctx, conv.ID, "counsellor-2")
	assert.ErrorIs(t, err, store.ErrConflict)

	// The winner keeps the session.
	resp, err := f.conversation.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "counsellor-1", *resp.Conversation.CounsellorID)
}

func TestEndIsIdempotentWithoutDuplicateSideEffects(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	conv, err := f.conversation.GetOrCreate(ctx, "NRB-1234")
	require.NoError(t, err)
	_, err = f.session.Claim(ctx, conv.ID, "counsellor-1")
	require.NoError(t, err)

	first, err := f.session.End(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateEnded, first.State())

	second, err := f.session.End(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateEnded, second.State())

	// One join notice plus one end notice, never two end notices.
	msgs, _, err := f.store.Messages(ctx, conv.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	types := f.publisher.queueEventTypes()
	endedCount := 0
	for _, typ := range types {
		if typ == model.QueueEventEnded {
			endedCount++
		}
	}
	assert.Equal(t, 1, endedCount)
}

func TestEscalatePublishesOnlyOnChange(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	conv, err := f.conversation.GetOrCreate(ctx, "NRB-1234")
	require.NoError(t, err)

	_, err = f.queue.Escalate(ctx, conv.ID, model.RiskMedium)
	require.NoError(t, err)
	_, err = f.queue.Escalate(ctx, conv.ID, model.RiskNone)
	require.NoError(t, err)

	escalations := 0
	for _, typ := range f.publisher.queueEventTypes() {
		if typ == model.QueueEventEscalated {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations, "a same-or-lower escalate publishes nothing")

	resp, err := f.conversation.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RiskMedium, resp.Conversation.Risk)
}

func TestQueueListExcludesAssigned(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	a, err := f.conversation.GetOrCreate(ctx, "student-a")
	require.NoError(t, err)
	_, err = f.conversation.GetOrCreate(ctx, "student-b")
	require.NoError(t, err)

	_, err = f.session.Claim(ctx, a.ID, "counsellor-1")
	require.NoError(t, err)

	snapshot, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snapshot.Total)
	assert.Equal(t, "student-b", snapshot.Conversations[0].StudentID)
}

func TestJanitorEndsIdleSessions(t *testing.T) {
	f := newFixture(t, time.Nanosecond)
	ctx := context.Background()

	conv, err := f.conversation.GetOrCreate(ctx, "NRB-1234")
	require.NoError(t, err)
	_, err = f.session.Claim(ctx, conv.ID, "counsellor-1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	f.session.sweepStale(ctx)

	resp, err := f.conversation.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateEnded, resp.Conversation.State())
}

func TestJanitorLeavesActiveSessionsAlone(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	conv, err := f.conversation.GetOrCreate(ctx, "NRB-1234")
	require.NoError(t, err)
	_, err = f.session.Claim(ctx, conv.ID, "counsellor-1")
	require.NoError(t, err)

	f.session.sweepStale(ctx)

	resp, err := f.conversation.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAssigned, resp.Conversation.State())
}

func TestOwnedSessionsForRejoin(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	a, err := f.conversation.GetOrCreate(ctx, "student-a")
	require.NoError(t, err)
	b, err := f.conversation.GetOrCreate(ctx, "student-b")
	require.NoError(t, err)

	_, err = f.session.Claim(ctx, a.ID, "counsellor-1")
	require.NoError(t, err)
	_, err = f.session.Claim(ctx, b.ID, "counsellor-1")
	require.NoError(t, err)

	owned, err := f.session.OwnedSessions(ctx, "counsellor-1")
	require.NoError(t, err)
	assert.Len(t, owned, 2)
}
