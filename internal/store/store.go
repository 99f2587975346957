// Package store provides MessageStore implementations with a live ordered view.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cyberq/chatbot/backend/internal/config"
	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/internal/session"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store is a MessageStore that can also be read and health-checked directly.
type Store interface {
	session.MessageStore

	// List returns every message ordered by CreatedAt ascending.
	List(ctx context.Context) ([]chat.Message, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend and every subscription.
	Close() error
}

// New opens the store selected by cfg.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return NewSQLite(ctx, cfg.SQLitePath, cfg.Collection)
	case config.DriverRedis:
		return NewRedis(ctx, RedisOptions{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			Collection: cfg.Collection,
		})
	case config.DriverMemory, "":
		return NewMemory(), nil
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// normalize fills the id and timestamp of msg when the caller left them empty.
func normalize(msg chat.Message) chat.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Microsecond)
	return msg
}

func validate(msg chat.Message) error {
	switch msg.Sender {
	case chat.SenderUser, chat.SenderBot:
		return nil
	default:
		return errors.Errorf("invalid sender %q", msg.Sender)
	}
}

// sortByCreatedAt orders msgs by CreatedAt, keeping insertion order for ties.
func sortByCreatedAt(msgs []chat.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
