// Package stream implements the streaming emitter: it translates the
// model collaborator's raw incremental output into an ordered, finite
// sequence of wire events with exactly one terminal.
//
// Ordering and termination guarantees: Token events preserve the
// upstream generation order; a stream ends with exactly one End (normal
// exhaustion) or exactly one Error (upstream failure or generation
// timeout), never both, and no Token follows the terminal.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fiscalchat/chat-server-go/internal/clock"
	"github.com/fiscalchat/chat-server-go/llm"
)

// EventType tags an Event.
type EventType int

const (
	// EventToken carries one non-empty text delta.
	EventToken EventType = iota
	// EventEnd terminates a stream that completed normally.
	EventEnd
	// EventError terminates a stream whose upstream generation failed.
	EventError
)

// Event is one element of the rendered stream.
type Event struct {
	Type EventType
	// Text is set for EventToken.
	Text string
	// Message is set for EventError.
	Message string
}

// UpstreamError reports that generation failed mid-stream. The emitter
// has already delivered the terminal Error event when this is
// returned; the caller must not persist the partial turn.
type UpstreamError struct {
	Detail string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream generation failed: %s", e.Detail)
}

// Config tunes the emitter.
type Config struct {
	// PaceDelay is the bounded delay inserted after each delivered
	// event so slow consumers are not overwhelmed. Flow-control
	// nicety, not a correctness requirement.
	PaceDelay time.Duration `env:"CHAT_STREAM_PACE,default=10ms"`

	// GenerationTimeout bounds the whole upstream generation. On
	// expiry the stream terminates exactly like an upstream error.
	// Zero disables the timeout.
	GenerationTimeout time.Duration `env:"CHAT_GENERATION_TIMEOUT,default=120s"`

	// Clock is injectable for tests; nil falls back to the real clock.
	Clock clock.Clock

	// Logger receives degradation messages. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// Emitter renders llm.Streams into Event sequences.
type Emitter struct {
	pace    time.Duration
	timeout time.Duration
	clk     clock.Clock
	log     *slog.Logger
}

// New builds an Emitter from cfg.
func New(cfg Config) *Emitter {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Emitter{
		pace:    cfg.PaceDelay,
		timeout: cfg.GenerationTimeout,
		clk:     clk,
		log:     log,
	}
}

// Emit pulls chunks from src until exhaustion and invokes send for
// each rendered event, in order. Chunks without displayable text are
// skipped silently.
//
// Return values:
//   - nil: the stream completed and the End terminal was delivered.
//     The caller may persist the completed turn.
//   - *UpstreamError: generation failed (or timed out); the Error
//     terminal was delivered. Do not persist.
//   - ctx.Err(): the caller went away mid-stream; no terminal was
//     delivered because there is nobody left to read it. Do not
//     persist.
//   - any error returned by send: the consumer failed (disconnect
//     detected on write). Do not persist.
func (e *Emitter) Emit(ctx context.Context, src llm.Stream, send func(Event) error) error {
	genCtx := ctx
	cancel := func() {}
	if e.timeout > 0 {
		genCtx, cancel = context.WithTimeout(ctx, e.timeout)
	}
	defer cancel()

	for {
		chunk, err := src.Next(genCtx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return send(Event{Type: EventEnd})
			}

			// The caller disconnecting is not an upstream failure:
			// stop pulling and report it without a terminal event.
			if ctx.Err() != nil && genCtx.Err() != context.DeadlineExceeded {
				return ctx.Err()
			}

			detail := err.Error()
			if genCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				detail = fmt.Sprintf("generation timed out after %s", e.timeout)
			}
			e.log.WarnContext(ctx, "generation stream failed", "error", err)

			uerr := &UpstreamError{Detail: detail}
			if sendErr := send(Event{Type: EventError, Message: detail}); sendErr != nil {
				return sendErr
			}
			return uerr
		}

		if chunk.Text == "" {
			// Tool invocations and other non-displayable events
			// produce no wire output.
			continue
		}

		if err := send(Event{Type: EventToken, Text: chunk.Text}); err != nil {
			return err
		}
		e.clk.Sleep(e.pace)
	}
}
