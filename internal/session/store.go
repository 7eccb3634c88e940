// Package session persists chat sessions, their messages, and the
// per-turn reasoning trail.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/tom-mart/chatbot-base/internal/logging"
)

// ErrNotFound is returned for lookups of sessions that do not exist.
var ErrNotFound = errors.New("session not found")

// Session is one conversation plus its generation settings. Parameter
// pointers distinguish "unset, use backend default" from zero values.
type Session struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Model         string   `json:"model"`
	SystemPrompt  string   `json:"system_prompt"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	NumPredict    *int     `json:"num_predict,omitempty"`
	NumCtx        *int     `json:"num_ctx,omitempty"`

	// ToolsEnabled is an explicit tool allowlist; empty means
	// auto-select per query.
	ToolsEnabled []string `json:"tools_enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored conversation entry.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // user, assistant, system, tool
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StepRecord is one persisted reasoning step, kept for debugging.
type StepRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	MessageID   string    `json:"message_id"`
	StepNumber  int       `json:"step_number"`
	Thought     string    `json:"thought,omitempty"`
	Action      string    `json:"action,omitempty"`
	ActionInput string    `json:"action_input,omitempty"`
	Observation string    `json:"observation,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema.
// The connection pool is capped at one; SQLite does not handle
// concurrent writers well, so all access serializes here.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}

	logging.Infof("session store ready at %s", path)
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for collaborators that keep their
// own tables (the embedding cache).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func ensureSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT 'New Conversation',
		model TEXT NOT NULL,
		system_prompt TEXT NOT NULL DEFAULT '',
		temperature REAL,
		top_k INTEGER,
		top_p REAL,
		repeat_penalty REAL,
		seed INTEGER,
		num_predict INTEGER,
		num_ctx INTEGER,
		tools_enabled TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL DEFAULT (unixepoch()),
		updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user','assistant','system','tool')),
		content TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS agent_steps (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		step_number INTEGER NOT NULL,
		thought TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		action_input TEXT NOT NULL DEFAULT '',
		observation TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	);
	CREATE INDEX IF NOT EXISTS idx_steps_message ON agent_steps(message_id, step_number);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreateSession inserts a new session, assigning an id if absent.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Title == "" {
		sess.Title = "New Conversation"
	}
	toolsJSON, err := json.Marshal(append([]string{}, sess.ToolsEnabled...))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, model, system_prompt, temperature, top_k, top_p,
			repeat_penalty, seed, num_predict, num_ctx, tools_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Model, sess.SystemPrompt,
		sess.Temperature, sess.TopK, sess.TopP, sess.RepeatPenalty,
		sess.Seed, sess.NumPredict, sess.NumCtx, string(toolsJSON))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, model, system_prompt, temperature, top_k, top_p,
			repeat_penalty, seed, num_predict, num_ctx, tools_enabled,
			created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, model, system_prompt, temperature, top_k, top_p,
			repeat_penalty, seed, num_predict, num_ctx, tools_enabled,
			created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session; messages and steps cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var toolsJSON string
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ID, &sess.Title, &sess.Model, &sess.SystemPrompt,
		&sess.Temperature, &sess.TopK, &sess.TopP, &sess.RepeatPenalty,
		&sess.Seed, &sess.NumPredict, &sess.NumCtx, &toolsJSON,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(toolsJSON), &sess.ToolsEnabled); err != nil {
		sess.ToolsEnabled = nil
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

// AddMessage appends a message and bumps the session's updated_at.
func (s *Store) AddMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, model)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Model)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	msg.CreatedAt = time.Now()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = unixepoch() WHERE id = ?`, msg.SessionID); err != nil {
		logging.Warnf("session: touch %s failed: %v", msg.SessionID, err)
	}
	return nil
}

// GetMessages returns all of a session's messages, oldest first.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	return s.getMessages(ctx, sessionID, 0)
}

// RecentMessages returns the newest limit messages, oldest first, for
// building the prompt history window.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	return s.getMessages(ctx, sessionID, limit)
}

func (s *Store) getMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	// rowid breaks ties between messages stored in the same second.
	q := `SELECT id, session_id, role, content, model, created_at
		FROM messages WHERE session_id = ? ORDER BY rowid ASC`
	args := []any{sessionID}
	if limit > 0 {
		// Window from the tail, then restore chronological order.
		q = `SELECT id, session_id, role, content, model, created_at FROM (
			SELECT rowid AS rid, id, session_id, role, content, model, created_at
			FROM messages WHERE session_id = ?
			ORDER BY rowid DESC LIMIT ?
		) ORDER BY rid ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Model, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// SaveSteps persists the reasoning trail attached to one assistant
// message, in one transaction.
func (s *Store) SaveSteps(ctx context.Context, sessionID, messageID string, steps []StepRecord) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, st := range steps {
		id := st.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_steps (id, session_id, message_id, step_number,
				thought, action, action_input, observation)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, sessionID, messageID, st.StepNumber,
			st.Thought, st.Action, st.ActionInput, st.Observation)
		if err != nil {
			return fmt.Errorf("save step %d: %w", st.StepNumber, err)
		}
	}
	return tx.Commit()
}

// GetSteps returns the reasoning trail for one assistant message.
func (s *Store) GetSteps(ctx context.Context, messageID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, message_id, step_number, thought, action,
			action_input, observation, created_at
		FROM agent_steps WHERE message_id = ? ORDER BY step_number ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StepRecord
	for rows.Next() {
		var st StepRecord
		var createdAt int64
		if err := rows.Scan(&st.ID, &st.SessionID, &st.MessageID, &st.StepNumber,
			&st.Thought, &st.Action, &st.ActionInput, &st.Observation, &createdAt); err != nil {
			return nil, err
		}
		st.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &st)
	}
	return out, rows.Err()
}
