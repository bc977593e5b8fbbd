package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Thread is a conversation owned by one user.
type Thread struct {
	ID            string
	UserID        string
	CreatedAt     int64
	LastMessageAt int64
}

// Message is one stored conversation turn.
type Message struct {
	ThreadID  string
	Role      string
	Content   string
	CreatedAt int64
}

// CreateThread records a new conversation.
func (s *Store) CreateThread(id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`INSERT INTO threads (id, user_id, created_at, last_message_at) VALUES (?, ?, ?, ?)`,
		id, userID, now, now)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

// GetThread returns a thread by id.
func (s *Store) GetThread(id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := &Thread{}
	err := s.db.QueryRow(`SELECT id, user_id, created_at, last_message_at FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.UserID, &t.CreatedAt, &t.LastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

// AppendMessage adds a message to a thread and bumps its activity time.
func (s *Store) AppendMessage(threadID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE threads SET last_message_at = ? WHERE id = ?`, now, threadID)
		if err != nil {
			return fmt.Errorf("failed to touch thread: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(`INSERT INTO messages (thread_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			threadID, role, content, now); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
		return nil
	})
}

// Messages returns a thread's most recent messages, oldest first. limit <= 0
// returns all of them.
func (s *Store) Messages(threadID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
	SELECT thread_id, role, content, created_at FROM (
		SELECT id, thread_id, role, content, created_at FROM messages
		WHERE thread_id = ? ORDER BY id DESC LIMIT ?
	) ORDER BY id`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ThreadID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
