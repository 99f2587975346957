package store

import (
	"sync"
	"sync/atomic"

	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/internal/session"
)

// hub fans snapshots of an append-only log out to subscribers. A snapshot is
// never older than the last one a subscriber has seen: the log only grows, so
// its length orders snapshots.
type hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
}

type subscriber struct {
	mu       sync.Mutex
	onUpdate func([]chat.Message)
	onError  func(error)
	seen     int
	closed   atomic.Bool
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]*subscriber)}
}

// add registers a subscriber. The returned Unsubscribe is idempotent and may be
// called from any goroutine, but not from inside one of the callbacks.
func (h *hub) add(onUpdate func([]chat.Message), onError func(error)) (*subscriber, session.Unsubscribe) {
	sub := &subscriber{onUpdate: onUpdate, onError: onError, seen: -1}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			sub.closed.Store(true)
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) snapshotSubs() []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		out = append(out, sub)
	}
	return out
}

func (h *hub) publish(msgs []chat.Message) {
	for _, sub := range h.snapshotSubs() {
		sub.update(msgs)
	}
}

func (h *hub) fail(err error) {
	for _, sub := range h.snapshotSubs() {
		sub.fail(err)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.closed.Store(true)
	}
}

func (s *subscriber) update(msgs []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() || len(msgs) <= s.seen {
		return
	}
	s.seen = len(msgs)
	if s.onUpdate != nil {
		s.onUpdate(append([]chat.Message(nil), msgs...))
	}
}

func (s *subscriber) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() || s.onError == nil {
		return
	}
	s.onError(err)
}
