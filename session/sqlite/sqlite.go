// Package sqlite provides the default durable session store, backed by
// a SQLite database file. State survives process restarts. The pool is
// opened once at process start and closed once at shutdown.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/fiscalchat/chat-server-go/session"
)

// Config holds the parameters for opening the store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// file and its parent directory are created if absent.
	// ENV: CHAT_DB_PATH
	Path string `env:"CHAT_DB_PATH,default=db/chat_memory.db"`

	// PoolSize is the number of connections. Defaults to 4. SQLite
	// serializes writes regardless of pool size; extra connections
	// only help concurrent reads.
	PoolSize int `env:"CHAT_DB_POOL_SIZE,default=4"`

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// Store implements session.Store on a SQLite file.
type Store struct {
	pool *sqlitex.Pool
	log  *slog.Logger
}

var _ session.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	id                 TEXT PRIMARY KEY,
	summary            TEXT NOT NULL DEFAULT '',
	summarized_through INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
	thread_id TEXT    NOT NULL,
	seq       INTEGER NOT NULL,
	role      TEXT    NOT NULL,
	content   TEXT    NOT NULL,
	tokens    INTEGER NOT NULL,
	PRIMARY KEY (thread_id, seq)
);
`

// Open creates the store, applying WAL-mode pragmas and the schema to
// every connection. The caller must Close the store when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: Path is required")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: creating %s: %w", dir, err)
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", cfg.Path, err)
	}

	log.Info("session store opened", "path", cfg.Path, "pool_size", poolSize)

	return &Store{pool: pool, log: log}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlite: applying schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*session.Thread, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take conn: %w", err)
	}
	defer s.pool.Put(conn)

	thread := &session.Thread{ID: id}

	err = sqlitex.Execute(conn, `SELECT summary, summarized_through FROM threads WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			thread.Summary = stmt.ColumnText(0)
			thread.SummarizedThrough = stmt.ColumnInt(1)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: load thread %q: %w", id, err)
	}

	err = sqlitex.Execute(conn, `SELECT role, content, tokens FROM messages WHERE thread_id = ? ORDER BY seq`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			thread.Messages = append(thread.Messages, session.Message{
				Role:    session.Role(stmt.ColumnText(0)),
				Content: stmt.ColumnText(1),
				Tokens:  stmt.ColumnInt(2),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: load messages for %q: %w", id, err)
	}

	return thread, nil
}

func (s *Store) AppendTurn(ctx context.Context, id string, user, assistant session.Message) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take conn: %w", err)
	}
	defer s.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	if err := sqlitex.Execute(conn, `INSERT INTO threads (id) VALUES (?) ON CONFLICT (id) DO NOTHING`, &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("sqlite: upsert thread %q: %w", id, err)
	}

	next := 0
	if err := sqlitex.Execute(conn, `SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE thread_id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			next = stmt.ColumnInt(0)
			return nil
		},
	}); err != nil {
		return fmt.Errorf("sqlite: next seq for %q: %w", id, err)
	}

	for i, msg := range []session.Message{user, assistant} {
		if err := sqlitex.Execute(conn, `INSERT INTO messages (thread_id, seq, role, content, tokens) VALUES (?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{id, next + i, string(msg.Role), msg.Content, msg.Tokens},
		}); err != nil {
			return fmt.Errorf("sqlite: append message to %q: %w", id, err)
		}
	}

	return nil
}

func (s *Store) UpdateSummary(ctx context.Context, id string, summary string, through int) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take conn: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, `
		INSERT INTO threads (id, summary, summarized_through) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			summary = excluded.summary,
			summarized_through = excluded.summarized_through`, &sqlitex.ExecOptions{
		Args: []any{id, summary, through},
	}); err != nil {
		return fmt.Errorf("sqlite: update summary for %q: %w", id, err)
	}
	return nil
}

// Clear acknowledges the request without deleting anything. The thread
// remains retrievable; callers that want real removal use Delete.
func (s *Store) Clear(ctx context.Context, id string) error {
	s.log.InfoContext(ctx, "clear requested; thread retained", "thread_id", id)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take conn: %w", err)
	}
	defer s.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	if err := sqlitex.Execute(conn, `DELETE FROM threads WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("sqlite: delete thread %q: %w", id, err)
	}
	deleted := conn.Changes() > 0

	if err := sqlitex.Execute(conn, `DELETE FROM messages WHERE thread_id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("sqlite: delete messages for %q: %w", id, err)
	}
	if conn.Changes() > 0 {
		deleted = true
	}

	if !deleted {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	return nil
}
