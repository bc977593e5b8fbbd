package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func intPtr(v int) *int { return &v }

func TestNew_CreatesSchema(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"todos", "threads", "messages", "meta"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	var version string
	require.NoError(t, s.db.QueryRow(`SELECT value FROM meta WHERE key='schema_version'`).Scan(&version))
	assert.Equal(t, "2", version)
}

func TestNew_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.SaveTodo(&Todo{ID: "a", UserID: "u1", Task: "buy milk"}))
	require.NoError(t, s.Close())

	s, err = New(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	todos, err := s.ListTodos("u1")
	require.NoError(t, err)
	assert.Len(t, todos, 1)
}

func TestPing(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "ping.db"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))

	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}

func TestNew_BadPath(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing", "dir", "x.db"), zerolog.Nop())
	assert.Error(t, err)
}

func TestTodo_CRUD(t *testing.T) {
	s := newTestStore(t)
	deadline := "2026-10-20T17:00:00Z"

	todo := &Todo{
		ID:             "t-1",
		UserID:         "u1",
		Task:           "Buy milk",
		TimeToComplete: intPtr(15),
		Deadline:       &deadline,
		Solutions:      []string{"corner shop"},
	}
	require.NoError(t, s.SaveTodo(todo))
	require.NoError(t, s.SaveTodo(&Todo{ID: "t-2", UserID: "u1", Task: "Walk dog"}))
	require.NoError(t, s.SaveTodo(&Todo{ID: "t-3", UserID: "u2", Task: "Other user"}))

	got, err := s.GetTodo("u1", "t-1")
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", got.Task)
	assert.Equal(t, 15, *got.TimeToComplete)
	assert.Equal(t, deadline, *got.Deadline)
	assert.Equal(t, []string{"corner shop"}, got.Solutions)
	assert.Equal(t, "not started", got.Status)

	plain, err := s.GetTodo("u1", "t-2")
	require.NoError(t, err)
	assert.Nil(t, plain.TimeToComplete)
	assert.Nil(t, plain.Deadline)
	assert.Empty(t, plain.Solutions)

	_, err = s.GetTodo("u2", "t-1")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListTodos("u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	found, err := s.FindTodo("u1", "MILK")
	require.NoError(t, err)
	assert.Equal(t, "t-1", found.ID)
	_, err = s.FindTodo("u1", "nothing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpdateTodoStatus("u1", "t-1", "done"))
	got, err = s.GetTodo("u1", "t-1")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)
	assert.ErrorIs(t, s.UpdateTodoStatus("u1", "missing", "done"), ErrNotFound)

	require.NoError(t, s.DeleteTodo("u1", "t-2"))
	assert.ErrorIs(t, s.DeleteTodo("u1", "t-2"), ErrNotFound)
}

func TestThreadsAndMessages(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateThread("th-1", "u1"))
	assert.Error(t, s.CreateThread("th-1", "u1"))

	th, err := s.GetThread("th-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", th.UserID)

	_, err = s.GetThread("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.AppendMessage("th-1", "user", "add buy milk"))
	require.NoError(t, s.AppendMessage("th-1", "assistant", "Added buy milk"))
	require.NoError(t, s.AppendMessage("th-1", "user", "thanks"))
	assert.ErrorIs(t, s.AppendMessage("missing", "user", "x"), ErrNotFound)

	all, err := s.Messages("th-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "add buy milk", all[0].Content)

	recent, err := s.Messages("th-1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "Added buy milk", recent[0].Content)
	assert.Equal(t, "thanks", recent[1].Content)
}

func TestRunRetention(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateThread("old", "u1"))
	require.NoError(t, s.AppendMessage("old", "user", "hi"))
	require.NoError(t, s.CreateThread("fresh", "u1"))

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	_, err := s.db.Exec(`UPDATE threads SET last_message_at = ? WHERE id = 'old'`, old)
	require.NoError(t, err)

	n, err := s.RunRetention(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetThread("old")
	assert.ErrorIs(t, err, ErrNotFound)
	msgs, err := s.Messages("old", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = s.GetThread("fresh")
	assert.NoError(t, err)
}
