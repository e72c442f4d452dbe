// Package llm defines the boundary to the language-model
// collaborators. The chat core consumes the model as an opaque
// generator of incremental output chunks and the summarizer as a
// one-shot condenser; everything behind these interfaces (providers,
// tool-calling loops, retrieval) is outside the core.
package llm

import (
	"context"

	"github.com/fiscalchat/chat-server-go/session"
)

// Chunk is one raw incremental generation event. Text may be empty:
// some events (tool invocations, reasoning steps) carry no displayable
// text and produce no wire output.
type Chunk struct {
	Text string
}

// Stream is a pull-based, finite, non-restartable sequence of chunks.
// Next returns io.EOF after the final chunk when generation completes
// normally, and any other error when generation fails mid-stream.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
}

// Generator produces a streamed answer for one request's effective
// context.
type Generator interface {
	Generate(ctx context.Context, threadID string, msgs []session.Message) (Stream, error)
}

// Summarizer condenses conversation history into a rolling summary.
// priorSummary carries the cumulative summary so far (empty on first
// compaction); msgs are only the raw messages not yet folded into it.
type Summarizer interface {
	Summarize(ctx context.Context, priorSummary string, msgs []session.Message) (string, error)
}
