// Package ai provides the completion backends that answer a single prompt.
package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cyberq/chatbot/backend/internal/config"
	"github.com/cyberq/chatbot/backend/internal/model/chat"
)

// Completer produces a reply for a single prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// NewCompleter builds the completer selected by cfg. Missing credentials are
// not an error: the returned completer fails every call with
// chat.ErrNotConfigured so the conversation can explain the problem.
func NewCompleter(ctx context.Context, cfg config.AIConfig) (Completer, error) {
	if !cfg.Enabled() {
		log.Warn().Str("component", "ai").Str("provider", cfg.Provider).Msg("completion credentials missing, replies will report a configuration error")
		return Unconfigured{}, nil
	}

	var (
		completer Completer
		err       error
	)
	switch cfg.Provider {
	case config.ProviderArk:
		completer, err = NewArkCompleter(ctx, cfg)
	default:
		completer, err = NewGeminiCompleter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s completer: %w", cfg.Provider, err)
	}

	log.Info().Str("component", "ai").Str("provider", cfg.Provider).Dur("timeout", cfg.Timeout).Msg("completion service initialized")
	return WithTimeout(completer, cfg.Timeout), nil
}

// Unconfigured fails every call with chat.ErrNotConfigured.
type Unconfigured struct{}

// Complete implements Completer.
func (Unconfigured) Complete(context.Context, string) (string, error) {
	return "", chat.ErrNotConfigured
}

type timeoutCompleter struct {
	next    Completer
	timeout time.Duration
}

// WithTimeout bounds every call to next by d. A non-positive d returns next.
func WithTimeout(next Completer, d time.Duration) Completer {
	if d <= 0 {
		return next
	}
	return &timeoutCompleter{next: next, timeout: d}
}

func (t *timeoutCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Complete(ctx, prompt)
}

// credentialError reports provider errors that point at a bad or missing key.
func credentialError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "API key")
}
