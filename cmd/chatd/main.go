// Command chatd serves the chat API: rate-limited streaming chat with
// durable per-thread history and rolling summarization.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/fiscalchat/chat-server-go/chathttp"
	"github.com/fiscalchat/chat-server-go/compaction"
	"github.com/fiscalchat/chat-server-go/llm/openaicompat"
	"github.com/fiscalchat/chat-server-go/prompt"
	"github.com/fiscalchat/chat-server-go/ratelimit"
	"github.com/fiscalchat/chat-server-go/session"
	memorystore "github.com/fiscalchat/chat-server-go/session/memory"
	redisstore "github.com/fiscalchat/chat-server-go/session/redis"
	sqlitestore "github.com/fiscalchat/chat-server-go/session/sqlite"
	"github.com/fiscalchat/chat-server-go/stream"
)

type config struct {
	ListenAddr string `env:"CHAT_LISTEN_ADDR,default=:8080"`
	LogLevel   string `env:"CHAT_LOG_LEVEL,default=info"`
	HTTPPrefix string `env:"CHAT_HTTP_PREFIX"`

	// StoreDriver selects the session backend: sqlite, memory, or
	// redis.
	StoreDriver      string `env:"CHAT_STORE_DRIVER,default=sqlite"`
	MemoryMaxThreads int    `env:"CHAT_MEMORY_MAX_THREADS,default=1024"`

	PromptPath string `env:"CHAT_PROMPT_PATH,default=prompts/system.txt"`

	// AllowedOrigins is a comma-separated CORS allow list.
	AllowedOrigins string `env:"CHAT_ALLOWED_ORIGINS,default=*"`

	IdentityLimit  int           `env:"CHAT_IDENTITY_LIMIT,default=10"`
	IdentityWindow time.Duration `env:"CHAT_IDENTITY_WINDOW,default=120s"`
	GlobalLimit    int           `env:"CHAT_GLOBAL_LIMIT,default=60"`
	GlobalWindow   time.Duration `env:"CHAT_GLOBAL_WINDOW,default=1h"`

	Compaction compaction.Config
	Stream     stream.Config

	ShutdownGrace time.Duration `env:"CHAT_SHUTDOWN_GRACE,default=10s"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("decoding environment: %w", err)
	}

	log := newLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	promptSrc, err := prompt.Watch(cfg.PromptPath, log)
	if err != nil {
		return err
	}
	defer promptSrc.Close()

	llmClient, err := openaicompat.NewFromEnv(promptSrc, log)
	if err != nil {
		return err
	}

	idLim, err := ratelimit.New(ratelimit.Config{
		Limit:  cfg.IdentityLimit,
		Window: cfg.IdentityWindow,
		Scope:  ratelimit.ScopeIdentity,
	}, nil)
	if err != nil {
		return err
	}
	glLim, err := ratelimit.New(ratelimit.Config{
		Limit:  cfg.GlobalLimit,
		Window: cfg.GlobalWindow,
		Scope:  ratelimit.ScopeGlobal,
	}, nil)
	if err != nil {
		return err
	}

	streamCfg := cfg.Stream
	streamCfg.Logger = log

	handler, err := chathttp.New(chathttp.Config{
		Prefix:          cfg.HTTPPrefix,
		AllowedOrigins:  splitOrigins(cfg.AllowedOrigins),
		Store:           store,
		Generator:       llmClient,
		Compactor:       compaction.New(cfg.Compaction, llmClient, log),
		Emitter:         stream.New(streamCfg),
		IdentityLimiter: idLim,
		GlobalLimiter:   glLim,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("chatd listening",
			"addr", cfg.ListenAddr,
			"store", cfg.StoreDriver,
			"prefix", cfg.HTTPPrefix,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", "grace", cfg.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func openStore(cfg config, log *slog.Logger) (session.Store, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "sqlite":
		var scfg sqlitestore.Config
		if err := envdecode.StrictDecode(&scfg); err != nil {
			return nil, fmt.Errorf("decoding sqlite config: %w", err)
		}
		scfg.Logger = log
		return sqlitestore.Open(scfg)
	case "memory":
		return memorystore.New(cfg.MemoryMaxThreads, log)
	case "redis":
		return redisstore.NewFromEnv()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
