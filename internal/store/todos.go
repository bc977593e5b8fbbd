package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Todo is a persisted todo item.
type Todo struct {
	ID             string
	UserID         string
	Task           string
	TimeToComplete *int
	Deadline       *string
	Solutions      []string
	Status         string
	CreatedAt      int64 // unix ms
	UpdatedAt      int64 // unix ms
}

// SaveTodo inserts or replaces a todo.
func (s *Store) SaveTodo(t *Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = "not started"
	}
	if t.Solutions == nil {
		t.Solutions = []string{}
	}
	solutions, err := json.Marshal(t.Solutions)
	if err != nil {
		return fmt.Errorf("failed to encode solutions: %w", err)
	}

	_, err = s.db.Exec(`
	INSERT OR REPLACE INTO todos (
		id, user_id, task, time_to_complete, deadline, solutions, status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Task,
		nullInt(t.TimeToComplete), nullString(t.Deadline),
		string(solutions), t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save todo: %w", err)
	}
	return nil
}

// GetTodo returns one of userID's todos.
func (s *Store) GetTodo(userID, id string) (*Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
	SELECT id, user_id, task, time_to_complete, deadline, solutions, status, created_at, updated_at
	FROM todos WHERE user_id = ? AND id = ?`, userID, id)
	t, err := scanTodo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTodos returns userID's todos, oldest first.
func (s *Store) ListTodos(userID string) ([]*Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT id, user_id, task, time_to_complete, deadline, solutions, status, created_at, updated_at
	FROM todos WHERE user_id = ? ORDER BY created_at, rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list todos: %w", err)
	}
	defer rows.Close()

	var todos []*Todo
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		todos = append(todos, t)
	}
	return todos, rows.Err()
}

// FindTodo returns userID's first todo whose task contains query, ignoring
// case.
func (s *Store) FindTodo(userID, query string) (*Todo, error) {
	todos, err := s.ListTodos(userID)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	for _, t := range todos {
		if q != "" && strings.Contains(strings.ToLower(t.Task), q) {
			return t, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateTodoStatus changes a todo's status.
func (s *Store) UpdateTodoStatus(userID, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE todos SET status = ?, updated_at = ? WHERE user_id = ? AND id = ?`,
		status, time.Now().UnixMilli(), userID, id)
	if err != nil {
		return fmt.Errorf("failed to update todo status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTodo removes a todo.
func (s *Store) DeleteTodo(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM todos WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to delete todo: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTodo(sc scanner) (*Todo, error) {
	t := &Todo{}
	var ttc sql.NullInt64
	var deadline sql.NullString
	var solutions string
	if err := sc.Scan(&t.ID, &t.UserID, &t.Task, &ttc, &deadline, &solutions, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan todo: %w", err)
	}
	if ttc.Valid {
		v := int(ttc.Int64)
		t.TimeToComplete = &v
	}
	if deadline.Valid {
		v := deadline.String
		t.Deadline = &v
	}
	if err := json.Unmarshal([]byte(solutions), &t.Solutions); err != nil {
		return nil, fmt.Errorf("failed to decode solutions: %w", err)
	}
	return t, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
