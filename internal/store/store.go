// Package store persists sessions and their messages in SQLite.
//
// Writes go through IMMEDIATE transactions so that multi-statement
// updates (the active-flag swap, message appends) are atomic. Reads
// run on any pooled connection.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zhubert/ensemble/internal/errors"
	"github.com/zhubert/ensemble/internal/ids"
)

// Message roles. No other values are permitted.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is a stored chat session bound to a git branch.
type Session struct {
	ID            string
	Title         string
	RootDirectory string
	BranchName    string
	BaseBranch    string
	GitStatus     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastMessageAt *time.Time
	Metadata      map[string]string
	IsActive      bool
}

// Message is a single conversation turn. Messages are append-only.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	ToolCalls json.RawMessage
	Timestamp time.Time
}

// SessionUpdate holds the fields a caller may change. Nil pointers are
// left untouched. A non-nil Metadata replaces the whole map.
type SessionUpdate struct {
	Title         *string
	GitStatus     *string
	BaseBranch    *string
	LastMessageAt *time.Time
	Metadata      map[string]string
}

// Store is the SQLite-backed session and message repository.
type Store struct {
	pool   *pool
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at path.
func Open(path string, poolSize int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p, err := openPool(path, poolSize, logger)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// CreateSession inserts a new session record. CreatedAt and UpdatedAt
// are filled in if zero.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.BaseBranch == "" {
		sess.BaseBranch = "main"
	}

	metadataJSON, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return fmt.Errorf("store: create session %s: %w", sess.ID, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (id, title, root_directory, branch_name, base_branch,
			git_status, created_at, updated_at, last_message_at, metadata, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				sess.ID,
				sess.Title,
				sess.RootDirectory,
				sess.BranchName,
				sess.BaseBranch,
				nullableText(sess.GitStatus),
				sess.CreatedAt.UnixNano(),
				sess.UpdatedAt.UnixNano(),
				nullableTime(sess.LastMessageAt),
				metadataJSON,
				boolToInt(sess.IsActive),
			},
		})
	if err != nil {
		return fmt.Errorf("store: create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	return getSession(conn, id)
}

func getSession(conn *sqlite.Conn, id string) (*Session, error) {
	var found *Session
	err := sqlitex.Execute(conn, `
		SELECT id, title, root_directory, branch_name, base_branch, git_status,
			created_at, updated_at, last_message_at, metadata, is_active
		FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sess, err := scanSession(stmt)
				if err != nil {
					return err
				}
				found = sess
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", id, err)
	}
	if found == nil {
		return nil, errors.SessionNotFound(id)
	}
	return found, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var sessions []*Session
	err = sqlitex.Execute(conn, `
		SELECT id, title, root_directory, branch_name, base_branch, git_status,
			created_at, updated_at, last_message_at, metadata, is_active
		FROM sessions ORDER BY updated_at DESC, id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sess, err := scanSession(stmt)
				if err != nil {
					return err
				}
				sessions = append(sessions, sess)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return sessions, nil
}

// ActiveSessions returns every session currently flagged active. The
// invariant is at most one; callers should treat more as corruption
// worth logging.
func (s *Store) ActiveSessions(ctx context.Context) ([]*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var sessions []*Session
	err = sqlitex.Execute(conn, `
		SELECT id, title, root_directory, branch_name, base_branch, git_status,
			created_at, updated_at, last_message_at, metadata, is_active
		FROM sessions WHERE is_active = 1 ORDER BY updated_at DESC, id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sess, err := scanSession(stmt)
				if err != nil {
					return err
				}
				sessions = append(sessions, sess)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: active sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSession merges the provided fields into the session and bumps
// its update timestamp. Returns the updated session.
func (s *Store) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("store: update session %s: %w", id, err)
	}
	defer endTransaction(&err)

	sess, err := getSession(conn, id)
	if err != nil {
		return nil, err
	}

	if upd.Title != nil {
		sess.Title = *upd.Title
	}
	if upd.GitStatus != nil {
		sess.GitStatus = *upd.GitStatus
	}
	if upd.BaseBranch != nil {
		sess.BaseBranch = *upd.BaseBranch
	}
	if upd.LastMessageAt != nil {
		t := *upd.LastMessageAt
		sess.LastMessageAt = &t
	}
	if upd.Metadata != nil {
		sess.Metadata = upd.Metadata
	}
	sess.UpdatedAt = time.Now().UTC()

	if err = writeSession(conn, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// MergeMetadata sets the given keys in the session's metadata map,
// preserving keys not mentioned.
func (s *Store) MergeMetadata(ctx context.Context, id string, kv map[string]string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: merge metadata %s: %w", id, err)
	}
	defer endTransaction(&err)

	sess, err := getSession(conn, id)
	if err != nil {
		return err
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]string, len(kv))
	}
	for k, v := range kv {
		sess.Metadata[k] = v
	}
	sess.UpdatedAt = time.Now().UTC()

	return writeSession(conn, sess)
}

// SetActive marks the session with the given id active and clears the
// flag on every other session. Both updates happen in one transaction
// so at most one session is ever active.
func (s *Store) SetActive(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: set active %s: %w", id, err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET is_active = 0 WHERE is_active = 1 AND id != ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: set active %s: %w", id, err)
	}

	now := time.Now().UTC().UnixNano()
	err = sqlitex.Execute(conn,
		`UPDATE sessions SET is_active = 1, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{now, id}})
	if err != nil {
		return fmt.Errorf("store: set active %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		err = errors.SessionNotFound(id)
		return err
	}
	return nil
}

// Deactivate clears the active flag on the given session, if set.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET is_active = 0 WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: deactivate %s: %w", id, err)
	}
	return nil
}

// DeleteSession removes a session. Its messages go with it via the
// foreign-key cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: delete session %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return errors.SessionNotFound(id)
	}
	return nil
}

// AppendMessage inserts a message and bumps the owning session's
// last-message and update timestamps in the same transaction.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return fmt.Errorf("store: append message: invalid role %q", msg.Role)
	}
	if !ids.ValidMessageID(msg.ID) {
		return fmt.Errorf("store: append message: invalid message id %q", msg.ID)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	defer endTransaction(&err)

	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		toolCalls = string(msg.ToolCalls)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO messages (id, session_id, role, content, tool_calls, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				msg.ID,
				msg.SessionID,
				msg.Role,
				msg.Content,
				toolCalls,
				msg.Timestamp.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: append message %s: %w", msg.ID, err)
	}

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET last_message_at = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			msg.Timestamp.UnixNano(),
			msg.Timestamp.UnixNano(),
			msg.SessionID,
		}})
	if err != nil {
		return fmt.Errorf("store: append message %s: %w", msg.ID, err)
	}
	if conn.Changes() == 0 {
		err = errors.SessionNotFound(msg.SessionID)
		return err
	}
	return nil
}

// ListMessages returns a session's messages in conversation order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var messages []*Message
	err = sqlitex.Execute(conn, `
		SELECT id, session_id, role, content, tool_calls, timestamp
		FROM messages WHERE session_id = ?
		ORDER BY timestamp ASC, rowid ASC`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				msg := &Message{
					ID:        stmt.ColumnText(0),
					SessionID: stmt.ColumnText(1),
					Role:      stmt.ColumnText(2),
					Content:   stmt.ColumnText(3),
					Timestamp: time.Unix(0, stmt.ColumnInt64(5)).UTC(),
				}
				if stmt.ColumnType(4) != sqlite.TypeNull {
					msg.ToolCalls = json.RawMessage(stmt.ColumnText(4))
				}
				messages = append(messages, msg)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list messages %s: %w", sessionID, err)
	}
	return messages, nil
}

// writeSession rewrites every mutable column of an existing row.
func writeSession(conn *sqlite.Conn, sess *Session) error {
	metadataJSON, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return fmt.Errorf("store: write session %s: %w", sess.ID, err)
	}

	err = sqlitex.Execute(conn, `
		UPDATE sessions SET title = ?, root_directory = ?, branch_name = ?,
			base_branch = ?, git_status = ?, updated_at = ?, last_message_at = ?,
			metadata = ?, is_active = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				sess.Title,
				sess.RootDirectory,
				sess.BranchName,
				sess.BaseBranch,
				nullableText(sess.GitStatus),
				sess.UpdatedAt.UnixNano(),
				nullableTime(sess.LastMessageAt),
				metadataJSON,
				boolToInt(sess.IsActive),
				sess.ID,
			},
		})
	if err != nil {
		return fmt.Errorf("store: write session %s: %w", sess.ID, err)
	}
	return nil
}

func scanSession(stmt *sqlite.Stmt) (*Session, error) {
	sess := &Session{
		ID:            stmt.ColumnText(0),
		Title:         stmt.ColumnText(1),
		RootDirectory: stmt.ColumnText(2),
		BranchName:    stmt.ColumnText(3),
		BaseBranch:    stmt.ColumnText(4),
		CreatedAt:     time.Unix(0, stmt.ColumnInt64(6)).UTC(),
		UpdatedAt:     time.Unix(0, stmt.ColumnInt64(7)).UTC(),
		IsActive:      stmt.ColumnInt64(10) != 0,
	}
	if stmt.ColumnType(5) != sqlite.TypeNull {
		sess.GitStatus = stmt.ColumnText(5)
	}
	if stmt.ColumnType(8) != sqlite.TypeNull {
		t := time.Unix(0, stmt.ColumnInt64(8)).UTC()
		sess.LastMessageAt = &t
	}
	if stmt.ColumnType(9) != sqlite.TypeNull {
		raw := stmt.ColumnText(9)
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &sess.Metadata); err != nil {
				return nil, fmt.Errorf("store: decoding metadata for %s: %w", sess.ID, err)
			}
		}
	}
	return sess, nil
}

func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return string(data), nil
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
