// Package ratelimit implements admission control: every inbound chat
// request is gated against sliding-window quotas before any session or
// model work happens.
//
// The window is a fixed sliding window, not a leaky bucket: a counter
// resets based on elapsed time since its own window start, never on a
// globally aligned tick. Two limiter instances typically guard one
// route, one keyed per caller identity and one global, and a request
// proceeds only when both allow it.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/fiscalchat/chat-server-go/internal/clock"
)

// Scope selects how admission keys are built.
type Scope string

const (
	// ScopeIdentity counts requests per caller identity (network
	// address) and route.
	ScopeIdentity Scope = "identity"
	// ScopeGlobal counts requests per route across all callers.
	ScopeGlobal Scope = "global"
)

// Key identifies one counter. Immutable; used only as a map key.
type Key struct {
	Scope    Scope
	Route    string
	Identity string // empty for ScopeGlobal
}

func (k Key) String() string {
	if k.Scope == ScopeGlobal {
		return string(k.Scope) + ":" + k.Route
	}
	return string(k.Scope) + ":" + k.Identity + ":" + k.Route
}

// Config describes one limiter instance.
type Config struct {
	// Limit is the maximum number of admitted requests per window.
	Limit int
	// Window is the sliding window length.
	Window time.Duration
	// Scope selects the key dimension this limiter counts on.
	Scope Scope
}

// DeniedError reports a denial. Deny is a first-class outcome, not a
// failure: the caller surfaces it as a rejection before any downstream
// work, and the client may retry once the window elapses.
type DeniedError struct {
	Scope  Scope
	Limit  int
	Window time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s scope, %d per %s)", e.Scope, e.Limit, e.Window)
}

type counter struct {
	windowStart time.Time
	count       int
}

// Limiter is one admission-control instance. Safe for concurrent use:
// the check-and-mutate sequence on a counter is atomic under the
// limiter's mutex, so races can neither over-admit nor corrupt a
// counter.
type Limiter struct {
	cfg Config
	clk clock.Clock

	mu       sync.Mutex
	counters map[string]*counter
}

// New validates cfg and builds a Limiter. A nil clk falls back to the
// real clock.
func New(cfg Config, clk clock.Clock) (*Limiter, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("ratelimit: Limit must be positive, got %d", cfg.Limit)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: Window must be positive, got %s", cfg.Window)
	}
	switch cfg.Scope {
	case ScopeIdentity, ScopeGlobal:
	default:
		return nil, fmt.Errorf("ratelimit: unknown scope %q", cfg.Scope)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		cfg:      cfg,
		clk:      clk,
		counters: make(map[string]*counter),
	}, nil
}

// Check admits or denies one request for key. It returns nil on
// admission and a *DeniedError on denial. Denials never mutate the
// counter: quota already exceeded is not consumed further.
//
// Every call also evicts counters whose window has expired, so the map
// stays bounded by the number of currently active keys rather than all
// keys ever seen.
func (l *Limiter) Check(key Key) error {
	now := l.clk.Now()
	mapKey := key.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictExpired(now)

	c, ok := l.counters[mapKey]
	if !ok {
		l.counters[mapKey] = &counter{windowStart: now, count: 1}
		return nil
	}

	if now.Sub(c.windowStart) > l.cfg.Window {
		// The window has lapsed; this request starts a new one.
		c.windowStart = now
		c.count = 1
		return nil
	}

	if c.count < l.cfg.Limit {
		c.count++
		return nil
	}

	return &DeniedError{Scope: l.cfg.Scope, Limit: l.cfg.Limit, Window: l.cfg.Window}
}

// evictExpired removes counters whose window has lapsed. Caller holds
// l.mu.
func (l *Limiter) evictExpired(now time.Time) {
	for k, c := range l.counters {
		if now.Sub(c.windowStart) > l.cfg.Window {
			delete(l.counters, k)
		}
	}
}

// ActiveKeys reports how many counters are currently resident. Useful
// for tests and telemetry.
func (l *Limiter) ActiveKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}
