package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/internal/session"
)

// SQLiteStore keeps the log in a SQLite table, one collection per store.
type SQLiteStore struct {
	db         *sql.DB
	collection string
	writeMu    sync.Mutex

	hub *hub
}

// NewSQLite opens (and creates if needed) the database at dbPath.
func NewSQLite(ctx context.Context, dbPath, collection string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	store := &SQLiteStore{db: db, collection: collection, hub: newHub()}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initialize schema")
	}

	log.Info().Str("component", "store").Str("driver", "sqlite").Str("path", dbPath).Str("collection", collection).Msg("message store opened")
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		text TEXT NOT NULL,
		sender TEXT NOT NULL,
		author_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_order ON messages(collection, created_at, seq);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return errors.Wrap(err, "create schema")
	}
	return nil
}

// Append inserts msg. Appending an id that is already stored is a no-op.
func (s *SQLiteStore) Append(ctx context.Context, msg chat.Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	msg = normalize(msg)

	s.writeMu.Lock()
	res, err := s.db.ExecContext(ctx, `
	INSERT OR IGNORE INTO messages (collection, id, text, sender, author_id, display_name, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.collection, msg.ID, msg.Text, string(msg.Sender), msg.AuthorID, msg.DisplayName, msg.CreatedAt.UnixMicro(),
	)
	s.writeMu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "insert message %s", msg.ID)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	snapshot, err := s.List(ctx)
	if err != nil {
		s.hub.fail(err)
		return nil
	}
	s.hub.publish(snapshot)
	return nil
}

// Subscribe delivers the current log immediately and again after every append.
func (s *SQLiteStore) Subscribe(onUpdate func([]chat.Message), onError func(error)) session.Unsubscribe {
	sub, stop := s.hub.add(onUpdate, onError)

	snapshot, err := s.List(context.Background())
	if err != nil {
		sub.fail(err)
		return stop
	}
	sub.update(snapshot)
	return stop
}

// List returns the collection ordered by CreatedAt ascending.
func (s *SQLiteStore) List(ctx context.Context) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, text, sender, author_id, display_name, created_at
	FROM messages WHERE collection = ?
	ORDER BY created_at ASC, seq ASC`, s.collection)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			msg       chat.Message
			sender    string
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.Text, &sender, &msg.AuthorID, &msg.DisplayName, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan message row")
		}
		msg.Sender = chat.Sender(sender)
		msg.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate message rows")
	}
	return out, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close drops every subscriber and closes the database.
func (s *SQLiteStore) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}
