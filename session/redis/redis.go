// Package redis provides a Redis-backed session store for deployments
// that run more than one chat instance against shared conversation
// state. Each thread is one JSON-encoded record under a prefixed key.
// Durability follows the Redis server's own persistence configuration.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/fiscalchat/chat-server-go/session"
)

// Config for the Redis-backed store.
type Config struct {
	// Addr like "localhost:6379". ENV: CHAT_REDIS_ADDR
	Addr string `env:"CHAT_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all thread keys. ENV: CHAT_REDIS_KEY_PREFIX
	KeyPrefix string `env:"CHAT_REDIS_KEY_PREFIX,default=chat:threads:"`

	// Client overrides Addr with a pre-built client. Useful in tests.
	Client *redis.Client

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// Store implements session.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	log       *slog.Logger
}

var _ session.Store = (*Store)(nil)

// New creates the store and verifies connectivity with a ping.
func New(cfg Config) (*Store, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "chat:threads:"
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Store{client: client, keyPrefix: prefix, log: log}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("redis: decoding environment: %w", err)
	}
	return New(cfg)
}

func (s *Store) key(id string) string { return s.keyPrefix + id }

func (s *Store) Load(ctx context.Context, id string) (*session.Thread, error) {
	res := s.client.Get(ctx, s.key(id))
	if err := res.Err(); err != nil {
		if err == redis.Nil {
			return &session.Thread{ID: id}, nil
		}
		return nil, fmt.Errorf("redis: load thread %q: %w", id, err)
	}

	var thread session.Thread
	if err := json.Unmarshal([]byte(res.Val()), &thread); err != nil {
		return nil, fmt.Errorf("redis: decode thread %q: %w", id, err)
	}
	thread.ID = id
	return &thread, nil
}

func (s *Store) save(ctx context.Context, thread *session.Thread) error {
	data, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("redis: encode thread %q: %w", thread.ID, err)
	}
	if err := s.client.Set(ctx, s.key(thread.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: store thread %q: %w", thread.ID, err)
	}
	return nil
}

func (s *Store) AppendTurn(ctx context.Context, id string, user, assistant session.Message) error {
	thread, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	thread.Messages = append(thread.Messages, user, assistant)
	return s.save(ctx, thread)
}

func (s *Store) UpdateSummary(ctx context.Context, id string, summary string, through int) error {
	thread, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	thread.Summary = summary
	thread.SummarizedThrough = through
	return s.save(ctx, thread)
}

func (s *Store) Clear(ctx context.Context, id string) error {
	s.log.InfoContext(ctx, "clear requested; thread retained", "thread_id", id)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("redis: delete thread %q: %w", id, err)
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }
