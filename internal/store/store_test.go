package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberq/chatbot/backend/internal/config"
	"github.com/cyberq/chatbot/backend/internal/model/chat"
)

type recorder struct {
	mu        sync.Mutex
	snapshots [][]chat.Message
	errs      []error
}

func (r *recorder) onUpdate(msgs []chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, msgs)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) last() []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func message(id, text string, sender chat.Sender, at time.Time) chat.Message {
	return chat.Message{ID: id, Text: text, Sender: sender, AuthorID: "uid-ada", DisplayName: "Ada", CreatedAt: at}
}

func ids(msgs []chat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

// runStoreContract exercises the behavior every MessageStore shares.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("subscribe delivers current log", func(t *testing.T) {
		s := open(t)
		rec := &recorder{}
		stop := s.Subscribe(rec.onUpdate, rec.onError)
		defer stop()

		require.Equal(t, 1, rec.count())
		assert.Empty(t, rec.last())
	})

	t.Run("appends arrive ordered by createdAt", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		rec := &recorder{}
		stop := s.Subscribe(rec.onUpdate, rec.onError)
		defer stop()

		require.NoError(t, s.Append(ctx, message("b", "reply", chat.SenderBot, base.Add(time.Second))))
		require.NoError(t, s.Append(ctx, message("a", "hello", chat.SenderUser, base)))

		require.Eventually(t, func() bool { return len(rec.last()) == 2 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"a", "b"}, ids(rec.last()))

		got := rec.last()[0]
		assert.Equal(t, "hello", got.Text)
		assert.Equal(t, chat.SenderUser, got.Sender)
		assert.Equal(t, "uid-ada", got.AuthorID)
		assert.True(t, base.Equal(got.CreatedAt))

		listed, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(listed))
	})

	t.Run("equal timestamps keep arrival order", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, s.Append(ctx, message("zzz", "first", chat.SenderUser, at)))
		require.NoError(t, s.Append(ctx, message("aaa", "second", chat.SenderBot, at)))
		require.NoError(t, s.Append(ctx, message("mmm", "third", chat.SenderUser, at)))

		listed, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"zzz", "aaa", "mmm"}, ids(listed))
		assert.Equal(t, "first", listed[0].Text)
	})

	t.Run("duplicate ids are ignored", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		msg := message("dup", "once", chat.SenderUser, time.Now())

		require.NoError(t, s.Append(ctx, msg))
		require.NoError(t, s.Append(ctx, msg))

		listed, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, listed, 1)
	})

	t.Run("invalid sender is rejected", func(t *testing.T) {
		s := open(t)
		err := s.Append(context.Background(), message("x", "?", chat.Sender("system"), time.Now()))
		require.Error(t, err)
	})

	t.Run("missing id and timestamp are filled", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, chat.Message{Text: "hi", Sender: chat.SenderUser, AuthorID: "a", DisplayName: "A"}))

		listed, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.NotEmpty(t, listed[0].ID)
		assert.False(t, listed[0].CreatedAt.IsZero())
	})

	t.Run("unsubscribe stops deliveries", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		rec := &recorder{}
		stop := s.Subscribe(rec.onUpdate, rec.onError)
		stop()
		stop()

		require.NoError(t, s.Append(ctx, message("late", "late", chat.SenderUser, time.Now())))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, rec.count())
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s := NewMemory()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "chat.db"), "chats")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "chat.db")

	first, err := NewSQLite(ctx, path, "chats")
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, message("a", "hello", chat.SenderUser, time.Now())))
	require.NoError(t, first.Close())

	second, err := NewSQLite(ctx, path, "chats")
	require.NoError(t, err)
	defer second.Close()

	listed, err := second.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(listed))

	other, err := NewSQLite(ctx, path, "other")
	require.NoError(t, err)
	defer other.Close()

	listed, err = other.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	open := func(t *testing.T) Store {
		s, err := NewRedis(context.Background(), RedisOptions{Addr: addr, Collection: "test-" + uuid.NewString()})
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.rdb.Del(context.Background(), s.logKey, s.idsKey, s.seqKey).Err()
			_ = s.Close()
		})
		return s
	}
	runStoreContract(t, open)

	t.Run("instances share one live view", func(t *testing.T) {
		collection := "test-" + uuid.NewString()
		a, err := NewRedis(context.Background(), RedisOptions{Addr: addr, Collection: collection})
		require.NoError(t, err)
		b, err := NewRedis(context.Background(), RedisOptions{Addr: addr, Collection: collection})
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = a.rdb.Del(context.Background(), a.logKey, a.idsKey, a.seqKey).Err()
			_ = a.Close()
			_ = b.Close()
		})

		rec := &recorder{}
		stop := b.Subscribe(rec.onUpdate, rec.onError)
		defer stop()

		require.NoError(t, a.Append(context.Background(), message("x", "from a", chat.SenderUser, time.Now())))
		require.Eventually(t, func() bool { return len(rec.last()) == 1 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())

	err := s.Append(context.Background(), message("a", "hi", chat.SenderUser, time.Now()))
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, s.Ping(context.Background()), ErrClosed)

	rec := &recorder{}
	stop := s.Subscribe(rec.onUpdate, rec.onError)
	defer stop()
	assert.Zero(t, rec.count())
	require.Len(t, rec.errs, 1)
}

func TestHubNeverDeliversOlderSnapshots(t *testing.T) {
	h := newHub()
	rec := &recorder{}
	_, stop := h.add(rec.onUpdate, rec.onError)

	two := []chat.Message{{ID: "a"}, {ID: "b"}}
	h.publish(two)
	h.publish(two[:1])
	h.publish(two)

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, h.count())

	stop()
	stop()
	assert.Equal(t, 0, h.count())
	h.publish(append(two, chat.Message{ID: "c"}))
	assert.Equal(t, 1, rec.count())
}

func TestNewSelectsDriver(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, config.StoreConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	require.NoError(t, s.Close())

	s, err = New(ctx, config.StoreConfig{Driver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "x.db"), Collection: "chats"})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = New(ctx, config.StoreConfig{Driver: "mongo"})
	require.Error(t, err)
}

func TestRedisMembersSortInArrivalOrder(t *testing.T) {
	members := []string{
		encodeMember(10, []byte(`{"id":"aaa"}`)),
		encodeMember(9, []byte(`{"id":"zzz"}`)),
		encodeMember(100, []byte(`{"id":"mmm"}`)),
	}
	sort.Strings(members)

	var order []int64
	for _, m := range members {
		seq, payload, err := decodeMember(m)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(payload, `{"id":`))
		order = append(order, seq)
	}
	assert.Equal(t, []int64{9, 10, 100}, order)

	_, _, err := decodeMember(`{"id":"legacy"}`)
	assert.Error(t, err)
}
