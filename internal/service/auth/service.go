// Package auth tracks the signed-in identity of one conversation view.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cyberq/chatbot/backend/internal/config"
	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/internal/session"
)

// ErrNoIdentity is returned when a provider has nobody to sign in.
var ErrNoIdentity = errors.New("no identity available")

// Provider resolves the identity to sign in.
type Provider interface {
	Identify(ctx context.Context) (chat.UserIdentity, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (chat.UserIdentity, error)

// Identify calls f.
func (f ProviderFunc) Identify(ctx context.Context) (chat.UserIdentity, error) {
	return f(ctx)
}

// Service holds the current identity and notifies subscribers on every
// transition. It implements session.AuthService.
type Service struct {
	provider Provider

	mu        sync.Mutex
	current   *chat.UserIdentity
	listeners map[int]func(*chat.UserIdentity)
	nextID    int
}

var _ session.AuthService = (*Service)(nil)

// NewService creates a signed-out service backed by provider.
func NewService(provider Provider) *Service {
	return &Service{provider: provider, listeners: make(map[int]func(*chat.UserIdentity))}
}

// Current returns the signed-in identity, or nil.
func (s *Service) Current() *chat.UserIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneIdentity(s.current)
}

// SignIn resolves an identity through the provider and broadcasts it.
func (s *Service) SignIn(ctx context.Context) (chat.UserIdentity, error) {
	if s.provider == nil {
		return chat.UserIdentity{}, &chat.AuthError{Reason: chat.AuthOther, Err: ErrNoIdentity}
	}
	if err := ctx.Err(); err != nil {
		return chat.UserIdentity{}, &chat.AuthError{Reason: chat.AuthCancelled, Err: err}
	}

	user, err := s.provider.Identify(ctx)
	if err != nil {
		return chat.UserIdentity{}, err
	}
	if user.ID == "" {
		return chat.UserIdentity{}, &chat.AuthError{Reason: chat.AuthOther, Err: ErrNoIdentity}
	}

	s.mu.Lock()
	s.current = cloneIdentity(&user)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	log.Info().Str("component", "auth").Str("user_id", user.ID).Msg("signed in")
	for _, fn := range listeners {
		fn(cloneIdentity(&user))
	}
	return user, nil
}

// SignOut clears the identity and broadcasts nil.
func (s *Service) SignOut(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	userID := s.current.ID
	s.current = nil
	listeners := s.listenersLocked()
	s.mu.Unlock()

	log.Info().Str("component", "auth").Str("user_id", userID).Msg("signed out")
	for _, fn := range listeners {
		fn(nil)
	}
	return nil
}

// Subscribe registers onChange and immediately reports the current identity.
func (s *Service) Subscribe(onChange func(*chat.UserIdentity)) session.Unsubscribe {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = onChange
	current := cloneIdentity(s.current)
	s.mu.Unlock()

	onChange(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Service) listenersLocked() []func(*chat.UserIdentity) {
	out := make([]func(*chat.UserIdentity), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

func cloneIdentity(user *chat.UserIdentity) *chat.UserIdentity {
	if user == nil {
		return nil
	}
	u := *user
	return &u
}

// StaticProvider always signs in the same identity.
type StaticProvider struct {
	Identity chat.UserIdentity
}

// Identify implements Provider.
func (p StaticProvider) Identify(context.Context) (chat.UserIdentity, error) {
	if p.Identity.ID == "" {
		return chat.UserIdentity{}, &chat.AuthError{Reason: chat.AuthOther, Err: ErrNoIdentity}
	}
	return p.Identity, nil
}

// Headers set by an authenticating reverse proxy.
const (
	HeaderUser        = "X-Forwarded-User"
	HeaderEmail       = "X-Forwarded-Email"
	HeaderDisplayName = "X-Forwarded-Preferred-Username"
	HeaderAvatar      = "X-Forwarded-Avatar"
)

// ForwardedHeaderProvider reads the identity asserted by a trusted auth proxy.
type ForwardedHeaderProvider struct {
	Header http.Header
}

// Identify implements Provider.
func (p ForwardedHeaderProvider) Identify(context.Context) (chat.UserIdentity, error) {
	id := strings.TrimSpace(p.Header.Get(HeaderUser))
	if id == "" {
		return chat.UserIdentity{}, &chat.AuthError{Reason: chat.AuthOther, Err: ErrNoIdentity}
	}

	name := strings.TrimSpace(p.Header.Get(HeaderDisplayName))
	if name == "" {
		name = strings.TrimSpace(p.Header.Get(HeaderEmail))
	}
	return chat.UserIdentity{
		ID:          id,
		DisplayName: name,
		AvatarURL:   strings.TrimSpace(p.Header.Get(HeaderAvatar)),
	}, nil
}

// ProviderFor picks the identity source for a request. Forwarded headers win
// when trusted and present; otherwise the development identity is used.
func ProviderFor(cfg config.AuthConfig, header http.Header) Provider {
	forwarded := ForwardedHeaderProvider{Header: header}
	static := StaticProvider{Identity: chat.UserIdentity{
		ID:          cfg.DevUserID,
		DisplayName: cfg.DevDisplayName,
		AvatarURL:   cfg.DevAvatarURL,
	}}

	return ProviderFunc(func(ctx context.Context) (chat.UserIdentity, error) {
		if cfg.TrustForwardedHeaders && header.Get(HeaderUser) != "" {
			return forwarded.Identify(ctx)
		}
		return static.Identify(ctx)
	})
}
