package devserver

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/todo-maistro/internal/errors"
	"github.com/p-blackswan/todo-maistro/internal/frame"
)

func newTestRedisBroker(t *testing.T, ttl time.Duration) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := NewRedisBroker(t.Context(), RedisConfig{Addr: mr.Addr(), TTL: ttl}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

// testBrokers runs fn against every broker implementation.
func testBrokers(t *testing.T, fn func(t *testing.T, b Broker)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryBroker(100, time.Hour, zerolog.Nop()))
	})
	t.Run("redis", func(t *testing.T) {
		b, _ := newTestRedisBroker(t, time.Hour)
		fn(t, b)
	})
}

func TestBroker_MetaLifecycle(t *testing.T) {
	testBrokers(t, func(t *testing.T, b Broker) {
		ctx := t.Context()
		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, b.Create(ctx, JobMeta{JobID: "j1", UserID: "u1", ThreadID: "t1", Status: JobQueued, CreatedAt: created}))

		meta, err := b.Meta(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, "u1", meta.UserID)
		assert.Equal(t, "t1", meta.ThreadID)
		assert.Equal(t, JobQueued, meta.Status)
		assert.True(t, created.Equal(meta.CreatedAt))

		require.NoError(t, b.SetStatus(ctx, "j1", JobFailed, "boom"))
		meta, err = b.Meta(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, JobFailed, meta.Status)
		assert.Equal(t, "boom", meta.Error)
	})
}

func TestBroker_MetaNotFound(t *testing.T) {
	testBrokers(t, func(t *testing.T, b Broker) {
		_, err := b.Meta(t.Context(), "missing")
		assert.ErrorIs(t, err, perrors.ErrNotFound)
	})
}

func TestBroker_PublishAndRead(t *testing.T) {
	testBrokers(t, func(t *testing.T, b Broker) {
		ctx := t.Context()
		require.NoError(t, b.Create(ctx, JobMeta{JobID: "j1", Status: JobQueued}))
		require.NoError(t, b.Publish(ctx, "j1", frame.Chunk("j1", "Hel", 0)))
		require.NoError(t, b.Publish(ctx, "j1", frame.Chunk("j1", "lo", 1)))

		entries, err := b.Read(ctx, "j1", FirstID, 100*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, frame.KindChunk, entries[0].Frame.Kind)
		assert.Equal(t, "Hel", entries[0].Frame.Content)
		assert.Equal(t, "lo", entries[1].Frame.Content)

		require.NoError(t, b.Publish(ctx, "j1", frame.End("j1", "!")))
		entries, err = b.Read(ctx, "j1", entries[1].ID, 100*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, frame.KindEnd, entries[0].Frame.Kind)
		assert.Equal(t, "!", entries[0].Frame.Content)
	})
}

func TestBroker_ReadTimesOutEmpty(t *testing.T) {
	testBrokers(t, func(t *testing.T, b Broker) {
		ctx := t.Context()
		require.NoError(t, b.Create(ctx, JobMeta{JobID: "j1", Status: JobQueued}))

		entries, err := b.Read(ctx, "j1", FirstID, 20*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestBroker_Ping(t *testing.T) {
	testBrokers(t, func(t *testing.T, b Broker) {
		assert.NoError(t, b.Ping(t.Context()))
	})
}

func TestMemoryBroker_ReadWakesOnPublish(t *testing.T) {
	b := NewMemoryBroker(10, time.Hour, zerolog.Nop())
	ctx := t.Context()
	require.NoError(t, b.Create(ctx, JobMeta{JobID: "j1"}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Publish(context.Background(), "j1", frame.Chunk("j1", "x", 0))
	}()

	start := time.Now()
	entries, err := b.Read(ctx, "j1", FirstID, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMemoryBroker_ReadHonorsContext(t *testing.T) {
	b := NewMemoryBroker(10, time.Hour, zerolog.Nop())
	require.NoError(t, b.Create(t.Context(), JobMeta{JobID: "j1"}))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := b.Read(ctx, "j1", FirstID, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryBroker_Expiry(t *testing.T) {
	b := NewMemoryBroker(10, 30*time.Millisecond, zerolog.Nop())
	ctx := t.Context()
	require.NoError(t, b.Create(ctx, JobMeta{JobID: "j1"}))

	time.Sleep(60 * time.Millisecond)
	_, err := b.Meta(ctx, "j1")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
	assert.ErrorIs(t, b.Publish(ctx, "j1", frame.Keepalive()), perrors.ErrNotFound)
}

func TestMemoryBroker_BadCursor(t *testing.T) {
	b := NewMemoryBroker(10, time.Hour, zerolog.Nop())
	_, err := b.Read(t.Context(), "j1", "abc", time.Millisecond)
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestRedisBroker_Keys(t *testing.T) {
	b, mr := newTestRedisBroker(t, time.Hour)
	ctx := t.Context()
	require.NoError(t, b.Create(ctx, JobMeta{JobID: "j1", UserID: "u1", ThreadID: "t1", Status: JobQueued}))
	require.NoError(t, b.Publish(ctx, "j1", frame.Chunk("j1", "hi", 0)))

	assert.True(t, mr.Exists("job:j1:meta"))
	assert.True(t, mr.Exists("job:j1:stream"))
	assert.Equal(t, "queued", mr.HGet("job:j1:meta", "status"))
	assert.Equal(t, time.Hour, mr.TTL("job:j1:meta"))
	assert.Equal(t, time.Hour, mr.TTL("job:j1:stream"))
}

func TestRedisBroker_Expiry(t *testing.T) {
	b, mr := newTestRedisBroker(t, time.Minute)
	ctx := t.Context()
	require.NoError(t, b.Create(ctx, JobMeta{JobID: "j1", Status: JobQueued}))

	mr.FastForward(2 * time.Minute)
	_, err := b.Meta(ctx, "j1")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestRedisBroker_UndecodableEntryAdvancesCursor(t *testing.T) {
	b, mr := newTestRedisBroker(t, time.Hour)
	ctx := t.Context()
	_, err := mr.XAdd("job:j1:stream", "*", []string{"data", "not json"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "j1", frame.End("j1", "")))

	entries, err := b.Read(ctx, "j1", FirstID, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, frame.KindUnknown, entries[0].Frame.Kind)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, frame.KindEnd, entries[1].Frame.Kind)
}

func TestNewRedisBroker_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	_, err := NewRedisBroker(ctx, RedisConfig{Addr: "127.0.0.1:1"}, zerolog.Nop())
	assert.Error(t, err)
}
