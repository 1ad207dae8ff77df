package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendo-health/counselling-platform/internal/middleware"
	"github.com/pendo-health/counselling-platform/internal/model"
	"github.com/pendo-health/counselling-platform/internal/service"
	"github.com/pendo-health/counselling-platform/internal/store"
	"github.com/pendo-health/counselling-platform/pkg/logger"
)

const testSecret = "test-secret"

// fakeBus is an in-process stand-in for the NATS stream manager. Publishes
// are delivered synchronously to any registered subscriber.
type fakeBus struct {
	mu            sync.Mutex
	convHandlers  map[string][]func(model.Message)
	queueHandlers []func(model.QueueEvent)
	notifHandlers []func(model.Notification)
}

func newFakeBus() *fakeBus {
	return &fakeBus{convHandlers: make(map[string][]func(model.Message))}
}

func (b *fakeBus) PublishMessage(ctx context.Context, msg *model.Message) error {
	b.mu.Lock()
	handlers := append([]func(model.Message){}, b.convHandlers[msg.ConversationID]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(*msg)
	}
	return nil
}

func (b *fakeBus) PublishQueueEvent(ctx context.Context, ev *model.QueueEvent) error {
	b.mu.Lock()
	handlers := append([]func(model.QueueEvent){}, b.queueHandlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(*ev)
	}
	return nil
}

func (b *fakeBus) PublishNotification(ctx context.Context, n *model.Notification) error {
	b.mu.Lock()
	handlers := append([]func(model.Notification){}, b.notifHandlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(*n)
	}
	return nil
}

func (b *fakeBus) SubscribeConversation(conversationID string, handler func(model.Message)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convHandlers[conversationID] = append(b.convHandlers[conversationID], handler)
	return func() {}, nil
}

func (b *fakeBus) SubscribeQueue(handler func(model.QueueEvent)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueHandlers = append(b.queueHandlers, handler)
	return func() {}, nil
}

func (b *fakeBus) SubscribeNotifications(handler func(model.Notification)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifHandlers = append(b.notifHandlers, handler)
	return func() {}, nil
}

type testServer struct {
	router *chi.Mux
	store  *store.Store
	bus    *fakeBus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := newFakeBus()
	log := logger.NewNop()

	convSvc := service.NewConversationService(st, bus, log)
	queueSvc := service.NewQueueService(st, bus, log)
	sessionSvc := service.NewSessionService(st, convSvc, bus, log, 0)
	companionSvc := service.NewCompanionService(nil, convSvc, queueSvc, log, "")

	convHandler := NewConversationHandler(convSvc, log)
	msgHandler := NewMessageHandler(convSvc, companionSvc, log)
	queueHandler := NewQueueHandler(queueSvc, log)
	sessionHandler := NewSessionHandler(sessionSvc, log)
	streamHandler := NewStreamHandler(convSvc, queueSvc, bus, log)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(testSecret))

		r.Route("/conversations", func(r chi.Router) {
			r.With(middleware.RequireRole(middleware.RoleStudent)).
				Post("/", convHandler.GetOrCreate)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", convHandler.Get)
				r.Get("/messages", msgHandler.List)
				r.Post("/messages", msgHandler.Append)
				r.Get("/stream", streamHandler.Conversation)

				r.With(middleware.RequireRole(middleware.RoleCounsellor)).
					Post("/claim", sessionHandler.Claim)
				r.With(middleware.RequireRole(middleware.RoleCounsellor, middleware.RoleAdmin)).
					Post("/end", sessionHandler.End)
				r.With(middleware.RequireRole(middleware.RoleTriage, middleware.RoleAdmin)).
					Post("/escalate", queueHandler.Escalate)
			})
		})

		r.Route("/queue", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleCounsellor, middleware.RoleAdmin))
			r.Get("/", queueHandler.List)
			r.Get("/stream", streamHandler.Queue)
		})

		r.With(middleware.RequireRole(middleware.RoleCounsellor)).
			Get("/sessions", sessionHandler.Owned)
	})

	return &testServer{router: r, store: st, bus: bus}
}

func signToken(t *testing.T, subject, role string) string {
	t.Helper()
	claims := &middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createConversation(t *testing.T, studentID string) *model.Conversation {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/conversations",
		signToken(t, studentID, middleware.RoleStudent),
		&model.GetOrCreateConversationRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	return &conv
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/queue/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetOrCreateReturnsSameConversation(t *testing.T) {
	s := newTestServer(t)

	first := s.createConversation(t, "NRB-1234")
	second := s.createConversation(t, "NRB-1234")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "NRB-1234", first.StudentID)
}

func TestGetOrCreateForbiddenForCounsellor(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/conversations",
		signToken(t, "counsellor-1", middleware.RoleCounsellor),
		&model.GetOrCreateConversationRequest{StudentID: "NRB-1234"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetUnknownConversation(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet,
		"/api/v1/conversations/0191f5de-0000-7000-8000-000000000000",
		signToken(t, "NRB-1234", middleware.RoleStudent), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMalformedConversationID(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/conversations/not-a-uuid",
		signToken(t, "NRB-1234", middleware.RoleStudent), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAppendAndList(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "NRB-1234")
	token := signToken(t, "NRB-1234", middleware.RoleStudent)

	rec := s.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages",
		token, &model.AppendMessageRequest{Text: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var appended model.AppendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &appended))
	assert.Equal(t, model.RoleStudent, appended.Message.Role, "role comes from the token")
	assert.Equal(t, "NRB-1234", appended.Message.SenderID)
	assert.Equal(t, int64(1), appended.Message.Seq)

	rec = s.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list model.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "hello", list.Messages[0].Text)
}

func TestAppendWhitespaceReturnsNoContent(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "NRB-1234")

	rec := s.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages",
		signToken(t, "NRB-1234", middleware.RoleStudent),
		&model.AppendMessageRequest{Text: "   \n  "})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClaimConflictForLoser(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "NRB-1234")

	rec := s.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/claim",
		signToken(t, "counsellor-1", middleware.RoleCounsellor), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/claim",
		signToken(t, "counsellor-2", middleware.RoleCounsellor), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestClaimIgnoresCounsellorIDInBody(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "NRB-1234")

	rec := s.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/claim",
		signToken(t, "counsellor-2", middleware.RoleCounsellor),
		map[string]string{"counsellor_id": "counsellor-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var claimed model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimed))
	require.NotNil(t, claimed.CounsellorID)
	assert.Equal(t, "counsellor-2", *claimed.CounsellorID,
		"the claimant is the token subject, never the body")
}

func TestClaimForbiddenForStudent(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "NRB-1234")

	rec := s.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/claim",
		signToken(t, "NRB-1234", middleware.RoleStudent), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEndIdempotentOverHTTP(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "NRB-1234")
	token := signToken(t, "counsellor-1", middleware.RoleCounsellor)

	rec := s.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/claim", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	for i := 0; i < 2; i++ {
		rec = s.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/end", token, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

func TestEndUnassignedConflicts(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "NRB-1234")

	rec := s.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/end",
		signToken(t, "counsellor-1", middleware.RoleCounsellor), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEscalateInvalidRiskLevel(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "NRB-1234")

	rec := s.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/escalate",
		signToken(t, "triage-bot", middleware.RoleTriage),
		map[string]string{"risk_level": "catastrophic"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueOrderedEscalatedFirst(t *testing.T) {
	s := newTestServer(t)
	_ = s.createConversation(t, "student-a")
	later := s.createConversation(t, "student-b")

	rec := s.do(t, http.MethodPost, "/api/v1/conversations/"+later.ID+"/escalate",
		signToken(t, "triage-bot", middleware.RoleTriage),
		&model.EscalateRequest{RiskLevel: model.RiskHigh})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/queue/",
		signToken(t, "counsellor-1", middleware.RoleCounsellor), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var queue model.QueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queue))
	require.Equal(t, 2, queue.Total)
	assert.Equal(t, "student-b", queue.Conversations[0].StudentID,
		"escalated jumps ahead of earlier arrivals")
}

func TestOwnedSessionsListsOpenClaims(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "NRB-1234")
	token := signToken(t, "counsellor-1", middleware.RoleCounsellor)

	rec := s.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/claim", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/sessions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions model.SessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions.Conversations, 1)
	assert.Equal(t, conv.ID, sessions.Conversations[0].ID)
}
