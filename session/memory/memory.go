// Package memory provides an in-memory session store using
// github.com/hashicorp/golang-lru/v2 so that resident conversation
// state stays bounded. Intended for tests and single-process
// development; it does not survive restarts.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fiscalchat/chat-server-go/session"
)

// Store implements session.Store in memory. Least recently used
// threads are evicted once maxThreads is exceeded.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *session.Thread]
	log   *slog.Logger
}

var _ session.Store = (*Store)(nil)

// New creates an in-memory store holding at most maxThreads
// conversations.
func New(maxThreads int, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	cache, err := lru.New[string, *session.Thread](maxThreads)
	if err != nil {
		return nil, fmt.Errorf("memory: creating cache: %w", err)
	}
	return &Store{cache: cache, log: log}, nil
}

func (s *Store) Load(ctx context.Context, id string) (*session.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.cache.Get(id)
	if !ok {
		return &session.Thread{ID: id}, nil
	}
	return copyThread(thread), nil
}

func (s *Store) AppendTurn(ctx context.Context, id string, user, assistant session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.cache.Get(id)
	if !ok {
		thread = &session.Thread{ID: id}
	}
	thread.Messages = append(thread.Messages, user, assistant)
	s.cache.Add(id, thread)
	return nil
}

func (s *Store) UpdateSummary(ctx context.Context, id string, summary string, through int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.cache.Get(id)
	if !ok {
		thread = &session.Thread{ID: id}
	}
	thread.Summary = summary
	thread.SummarizedThrough = through
	s.cache.Add(id, thread)
	return nil
}

func (s *Store) Clear(ctx context.Context, id string) error {
	s.log.InfoContext(ctx, "clear requested; thread retained", "thread_id", id)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok := s.cache.Remove(id); !ok {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

// copyThread returns a snapshot so callers cannot mutate cached state
// through the returned pointer.
func copyThread(t *session.Thread) *session.Thread {
	out := &session.Thread{ID: t.ID, Summary: t.Summary, SummarizedThrough: t.SummarizedThrough}
	out.Messages = make([]session.Message, len(t.Messages))
	copy(out.Messages, t.Messages)
	return out
}
