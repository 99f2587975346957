package session

import (
	"context"
	"sync"

	"github.com/cyberq/chatbot/backend/internal/model/chat"
)

// Unsubscribe releases a listener registered with a capability.
type Unsubscribe func()

// AuthService is the identity provider boundary.
type AuthService interface {
	SignIn(ctx context.Context) (chat.UserIdentity, error)
	SignOut(ctx context.Context) error
	// Subscribe registers onChange for every auth transition. nil means signed out.
	Subscribe(onChange func(*chat.UserIdentity)) Unsubscribe
}

// MessageStore is the hosted message log. Subscribers receive the full log
// ordered by CreatedAt ascending on every update.
type MessageStore interface {
	Append(ctx context.Context, msg chat.Message) error
	Subscribe(onUpdate func([]chat.Message), onError func(error)) Unsubscribe
}

// CompletionService produces a single-turn reply for a prompt.
type CompletionService interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompletionFunc adapts a function to CompletionService.
type CompletionFunc func(ctx context.Context, prompt string) (string, error)

// Complete calls f.
func (f CompletionFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// subscription guarantees its Unsubscribe runs exactly once, even when it is
// released before the capability has handed the Unsubscribe back.
type subscription struct {
	id       uint64
	mu       sync.Mutex
	stop     Unsubscribe
	released bool
}

func (s *subscription) set(stop Unsubscribe) {
	if stop == nil {
		return
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		stop()
		return
	}
	s.stop = stop
	s.mu.Unlock()
}

func (s *subscription) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}
