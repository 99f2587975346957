package store

import (
	"context"
	"sync"

	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/internal/session"
)

// MemoryStore keeps the log in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []chat.Message
	ids      map[string]struct{}
	closed   bool

	hub *hub
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{}), hub: newHub()}
}

// Append adds msg to the log. Appending an id that is already stored is a no-op.
func (s *MemoryStore) Append(_ context.Context, msg chat.Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	msg = normalize(msg)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, dup := s.ids[msg.ID]; dup {
		s.mu.Unlock()
		return nil
	}
	s.ids[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	sortByCreatedAt(s.messages)
	snapshot := s.copyLocked()
	s.mu.Unlock()

	s.hub.publish(snapshot)
	return nil
}

// Subscribe delivers the current log immediately and again after every append.
func (s *MemoryStore) Subscribe(onUpdate func([]chat.Message), onError func(error)) session.Unsubscribe {
	sub, stop := s.hub.add(onUpdate, onError)

	s.mu.RLock()
	closed := s.closed
	snapshot := s.copyLocked()
	s.mu.RUnlock()

	if closed {
		sub.fail(ErrClosed)
		return stop
	}
	sub.update(snapshot)
	return stop
}

// List returns a copy of the log.
func (s *MemoryStore) List(_ context.Context) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked(), nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close drops every subscriber.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.closeAll()
	return nil
}

func (s *MemoryStore) copyLocked() []chat.Message {
	copied := make([]chat.Message, len(s.messages))
	copy(copied, s.messages)
	return copied
}
