// Package storage persists chat sessions in a SQLite database under the
// data directory.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"plume/model"
)

// Session is one persisted conversation.
type Session struct {
	ID           string
	Name         string
	Engine       string
	Model        string
	SystemPrompt string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Messages     []model.Message
}

// SessionMetadata is the lightweight listing view of a session.
type SessionMetadata struct {
	ID           string
	Name         string
	Engine       string
	Model        string
	MessageCount int
	UpdatedAt    time.Time
}

// SessionStore handles session persistence.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore opens (and if needed creates) the session database
// under dataDir.
func NewSessionStore(dataDir string) (*SessionStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping session database: %w", err)
	}

	store := &SessionStore{db: db}
	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize session database: %w", err)
	}
	return store, nil
}

func (s *SessionStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		engine TEXT NOT NULL,
		model TEXT NOT NULL,
		system_prompt TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		attachment_format TEXT NOT NULL DEFAULT '',
		attachment_url TEXT NOT NULL DEFAULT '',
		attachment_data TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// Save writes a session and its messages. A session without an ID gets
// one assigned; messages are rewritten wholesale, which keeps the store
// simple at the session sizes a chat client sees.
func (s *SessionStore) Save(session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	session.UpdatedAt = time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = session.UpdatedAt
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (id, name, engine, model, system_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			engine = excluded.engine,
			model = excluded.model,
			system_prompt = excluded.system_prompt,
			updated_at = excluded.updated_at`,
		session.ID, session.Name, session.Engine, session.Model,
		session.SystemPrompt, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	for i, msg := range session.Messages {
		var format, url, data string
		if msg.Attachment != nil && msg.Attachment.Kind == model.AttachmentImage {
			format = msg.Attachment.Format
			url = msg.Attachment.URL
			data = msg.Attachment.Contents
		}
		_, err := tx.Exec(`
			INSERT INTO messages (id, session_id, position, role, content,
				attachment_format, attachment_url, attachment_data, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), session.ID, i, msg.Role, msg.Content,
			format, url, data, msg.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to save message %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Load reads a session and its messages by id.
func (s *SessionStore) Load(id string) (*Session, error) {
	session := &Session{ID: id}
	err := s.db.QueryRow(`
		SELECT name, engine, model, system_prompt, created_at, updated_at
		FROM sessions WHERE id = ?`, id).
		Scan(&session.Name, &session.Engine, &session.Model,
			&session.SystemPrompt, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	rows, err := s.db.Query(`
		SELECT role, content, attachment_format, attachment_url, attachment_data, created_at
		FROM messages WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg model.Message
		var format, url, data string
		if err := rows.Scan(&msg.Role, &msg.Content, &format, &url, &data, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if format != "" || url != "" || data != "" {
			msg.Attachment = &model.Attachment{
				Kind:       model.AttachmentImage,
				Format:     format,
				URL:        url,
				Contents:   data,
				Downloaded: data != "",
			}
		}
		session.Messages = append(session.Messages, msg)
	}
	return session, rows.Err()
}

// List returns metadata for all sessions, newest first.
func (s *SessionStore) List() ([]SessionMetadata, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.name, s.engine, s.model, s.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionMetadata
	for rows.Next() {
		var meta SessionMetadata
		if err := rows.Scan(&meta.ID, &meta.Name, &meta.Engine, &meta.Model,
			&meta.UpdatedAt, &meta.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, meta)
	}
	return sessions, rows.Err()
}

// Delete removes a session and its messages.
func (s *SessionStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
