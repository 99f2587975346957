package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/internal/session"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	Collection string
}

// RedisStore keeps the log in a sorted set scored by CreatedAt and announces
// appends on a pub/sub channel, so every instance sharing the server sees one
// live view. Members are prefixed with a zero-padded arrival sequence so equal
// scores keep arrival order.
type RedisStore struct {
	rdb      *redis.Client
	pubsub   *redis.PubSub
	logKey   string
	idsKey   string
	seqKey   string
	eventKey string

	hub *hub

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis connects to Redis and starts following the collection's channel.
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis %s", opts.Addr)
	}

	prefix := "chatbot:" + opts.Collection
	s := &RedisStore{
		rdb:      rdb,
		logKey:   prefix + ":messages",
		idsKey:   prefix + ":ids",
		seqKey:   prefix + ":seq",
		eventKey: prefix + ":events",
		hub:      newHub(),
	}

	s.pubsub = rdb.Subscribe(ctx, s.eventKey)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "subscribe %s", s.eventKey)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.watch(watchCtx, s.pubsub.Channel())

	log.Info().Str("component", "store").Str("driver", "redis").Str("addr", opts.Addr).Str("collection", opts.Collection).Msg("message store opened")
	return s, nil
}

// watch reloads the log whenever any instance announces an append.
func (s *RedisStore) watch(ctx context.Context, events <-chan *redis.Message) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			s.refresh(ctx)
		}
	}
}

func (s *RedisStore) refresh(ctx context.Context) {
	snapshot, err := s.List(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Str("component", "store").Err(err).Msg("failed to reload messages")
		s.hub.fail(err)
		return
	}
	s.hub.publish(snapshot)
}

// Append stores msg and announces it. Appending an id that is already stored is
// a no-op.
func (s *RedisStore) Append(ctx context.Context, msg chat.Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	msg = normalize(msg)

	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}

	fresh, err := s.rdb.HSetNX(ctx, s.idsKey, msg.ID, msg.CreatedAt.UnixMicro()).Result()
	if err != nil {
		return errors.Wrapf(err, "reserve message id %s", msg.ID)
	}
	if !fresh {
		return nil
	}

	seq, err := s.rdb.Incr(ctx, s.seqKey).Result()
	if err != nil {
		_ = s.rdb.HDel(context.WithoutCancel(ctx), s.idsKey, msg.ID).Err()
		return errors.Wrapf(err, "allocate sequence for %s", msg.ID)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.logKey, redis.Z{Score: float64(msg.CreatedAt.UnixMicro()), Member: encodeMember(seq, payload)})
		pipe.Publish(ctx, s.eventKey, msg.ID)
		return nil
	})
	if err != nil {
		_ = s.rdb.HDel(context.WithoutCancel(ctx), s.idsKey, msg.ID).Err()
		return errors.Wrapf(err, "append message %s", msg.ID)
	}

	s.refresh(ctx)
	return nil
}

// Subscribe delivers the current log immediately and again after every append
// made by any instance.
func (s *RedisStore) Subscribe(onUpdate func([]chat.Message), onError func(error)) session.Unsubscribe {
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
func (s *RedisStore) List(ctx context.Context) ([]chat.Message, error) {
	members, err := s.rdb.ZRange(ctx, s.logKey, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.logKey)
	}

	out := make([]chat.Message, 0, len(members))
	for _, member := range members {
		_, payload, err := decodeMember(member)
		if err != nil {
			return nil, err
		}
		var msg chat.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, errors.Wrap(err, "decode message")
		}
		out = append(out, msg)
	}
	sortByCreatedAt(out)
	return out, nil
}

// encodeMember prefixes payload with seq, padded so members with equal scores
// sort lexically in arrival order.
func encodeMember(seq int64, payload []byte) string {
	return fmt.Sprintf("%020d:%s", seq, payload)
}

func decodeMember(member string) (int64, string, error) {
	prefix, payload, ok := strings.Cut(member, ":")
	if !ok {
		return 0, "", errors.Errorf("malformed log member %q", member)
	}
	seq, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, "", errors.Wrapf(err, "malformed log sequence %q", prefix)
	}
	return seq, payload, nil
}

// Ping verifies the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close stops the watcher, drops every subscriber and closes the client.
func (s *RedisStore) Close() error {
	s.cancel()
	s.hub.closeAll()
	err := s.pubsub.Close()
	s.wg.Wait()
	if cerr := s.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}
