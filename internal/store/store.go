// Package store provides the durable SQLite-backed conversation store.
//
// The store is the single source of truth for conversation state and the
// append-only message log. The one point of mutual exclusion in the whole
// system is the counsellor assignment column, guarded by a conditional
// UPDATE in Claim.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pendo-health/counselling-platform/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	student_id    TEXT NOT NULL,
	counsellor_id TEXT,
	risk          TEXT NOT NULL DEFAULT 'none',
	escalated     INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	completed_at  TIMESTAMP
);

-- At most one open conversation per student. Concurrent getOrCreate calls
-- race on this index instead of on a read-then-write.
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_student
	ON conversations (student_id) WHERE completed_at IS NULL;

CREATE INDEX IF NOT EXISTS idx_conversations_queue
	ON conversations (counsellor_id, completed_at);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	text            TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	UNIQUE (conversation_id, seq)
);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the store at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// spurious SQLITE_BUSY from the pool racing itself.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return wrapErr(s.db.PingContext(ctx))
}

// GetOrCreate returns the most recent open conversation for studentID,
// creating one if none exists. The unique partial index on open
// conversations makes concurrent creation a compare-and-insert: the loser
// re-reads the winner's row.
func (s *Store) GetOrCreate(ctx context.Context, studentID string) (*model.Conversation, bool, error) {
	conv, err := s.openConversation(ctx, studentID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	id := uuid.Must(uuid.NewV7()).String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, student_id, risk, escalated, created_at, updated_at)
		 VALUES (?, ?, 'none', 0, ?, ?)`,
		id, studentID, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race; another caller created the open conversation.
			conv, rerr := s.openConversation(ctx, studentID)
			if rerr != nil {
				return nil, false, rerr
			}
			return conv, false, nil
		}
		return nil, false, wrapErr(err)
	}

	return &model.Conversation{
		ID:        id,
		StudentID: studentID,
		Risk:      model.RiskNone,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

func (s *Store) openConversation(ctx context.Context, studentID string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		selectConversation+` WHERE student_id = ? AND completed_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		studentID,
	)
	return scanConversation(row)
}

// Get returns the conversation with the given id, including its message count.
func (s *Store) Get(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, selectConversation+` WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, id,
	).Scan(&conv.MessageCount); err != nil {
		return nil, wrapErr(err)
	}
	return conv, nil
}

// Append adds a message to the end of a conversation's log. The sequence
// number is assigned inside the transaction, so append order is total per
// conversation regardless of caller interleaving.
func (s *Store) Append(ctx context.Context, conversationID string, role model.Role, senderID, text string) (*model.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID,
	).Scan(&exists); err != nil {
		return nil, wrapErr(err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&seq); err != nil {
		return nil, wrapErr(err)
	}

	now := time.Now().UTC()
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Seq:            seq,
		Role:           role,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      now,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, sender_id, text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Seq, msg.Role, msg.SenderID, msg.Text, msg.CreatedAt,
	); err != nil {
		return nil, wrapErr(err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID,
	); err != nil {
		return nil, wrapErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr(err)
	}
	return msg, nil
}

// Messages returns the conversation log after afterSeq, in append order.
func (s *Store) Messages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]model.Message, bool, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, seq, role, sender_id, text, created_at
		 FROM messages
		 WHERE conversation_id = ? AND seq > ?
		 ORDER BY seq ASC LIMIT ?`,
		conversationID, afterSeq, limit+1,
	)
	if err != nil {
		return nil, false, wrapErr(err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, false, wrapErr(err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, wrapErr(err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// LatestMessages returns the newest limit messages of a conversation, in
// append order. This is the tail of the log, not the head: a long
// conversation yields its most recent window.
func (s *Store) LatestMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, seq, role, sender_id, text, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY seq DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, wrapErr(err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListQueue returns the waiting conversations ordered by priority:
// escalated first, then risk, then first-come-first-served.
func (s *Store) ListQueue(ctx context.Context) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		selectConversation+`
		 WHERE counsellor_id IS NULL AND completed_at IS NULL
		 ORDER BY escalated DESC,
		          CASE risk WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END DESC,
		          created_at ASC`,
	)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// Claim atomically assigns a queued conversation to a counsellor. The
// guard condition makes exactly one concurrent claimant win; losers get
// ErrConflict and should refresh their queue view.
func (s *Store) Claim(ctx context.Context, conversationID, counsellorID string) (*model.Conversation, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET counsellor_id = ?, updated_at = ?
		 WHERE id = ? AND counsellor_id IS NULL AND completed_at IS NULL`,
		counsellorID, time.Now().UTC(), conversationID,
	)
	if err != nil {
		return nil, wrapErr(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, wrapErr(err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, conversationID); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}

	return s.Get(ctx, conversationID)
}

// End closes an assigned conversation. Ending an already-ended conversation
// is a no-op returning the terminal state; ending an unassigned one is a
// conflict. The second return value reports whether this call performed
// the transition.
func (s *Store) End(ctx context.Context, conversationID string) (*model.Conversation, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET completed_at = ?, updated_at = ?
		 WHERE id = ? AND counsellor_id IS NOT NULL AND completed_at IS NULL`,
		now, now, conversationID,
	)
	if err != nil {
		return nil, false, wrapErr(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, wrapErr(err)
	}

	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, false, err
	}
	if n == 0 && conv.State() != model.StateEnded {
		return nil, false, ErrConflict
	}
	return conv, n > 0, nil
}

// Escalate raises a conversation's risk level. Risk only ever goes up; a
// call with the same or lower level keeps the current one. Escalating to
// high also sets the escalated flag.
func (s *Store) Escalate(ctx context.Context, conversationID string, level model.RiskLevel) (*model.Conversation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, wrapErr(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectConversation+` WHERE id = ?`, conversationID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, false, err
	}

	newRisk := conv.Risk.Max(level)
	newEscalated := conv.Escalated || level == model.RiskHigh
	if newRisk == conv.Risk && newEscalated == conv.Escalated {
		return conv, false, tx.Commit()
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET risk = ?, escalated = ?, updated_at = ? WHERE id = ?`,
		string(newRisk), newEscalated, now, conversationID,
	); err != nil {
		return nil, false, wrapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, wrapErr(err)
	}

	conv.Risk = newRisk
	conv.Escalated = newEscalated
	conv.UpdatedAt = now
	return conv, true, nil
}

// OwnedSessions returns the open conversations assigned to a counsellor.
// Reconnecting clients call this to re-subscribe from current state rather
// than trusting buffered events.
func (s *Store) OwnedSessions(ctx context.Context, counsellorID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		selectConversation+`
		 WHERE counsellor_id = ? AND completed_at IS NULL
		 ORDER BY updated_at DESC`,
		counsellorID,
	)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// ListAll returns every conversation, newest first. Admin view.
func (s *Store) ListAll(ctx context.Context) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		selectConversation+` ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// StaleAssigned returns assigned, open conversations with no activity since
// the cutoff. The session janitor ends these.
func (s *Store) StaleAssigned(ctx context.Context, cutoff time.Time) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		selectConversation+`
		 WHERE counsellor_id IS NOT NULL AND completed_at IS NULL AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

const selectConversation = `SELECT id, student_id, counsellor_id, risk, escalated, created_at, updated_at, completed_at
 FROM conversations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var c model.Conversation
	var counsellorID sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&c.ID, &c.StudentID, &counsellorID, &c.Risk, &c.Escalated,
		&c.CreatedAt, &c.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	if counsellorID.Valid {
		c.CounsellorID = &counsellorID.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	return &c, nil
}

func scanConversations(rows *sql.Rows) ([]model.Conversation, error) {
	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return convs, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
