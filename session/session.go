// Package session defines the conversation data model and the store
// contract for durable per-thread history.
//
// A Thread is the single source of truth for "what happened before" in
// one conversation. Its message sequence is append-only: compaction
// never rewrites persisted history, it only attaches a rolling summary
// alongside it. Thread IDs are supplied by the caller; the store never
// generates them.
//
// Operations on different thread IDs are independent. Operations on
// the same thread ID must be serialized by the caller: the request
// layer holds a per-thread execution lock for the duration of one
// request. The store does not arbitrate cross-request ordering.
package session

import (
	"context"
	"errors"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one turn fragment in a conversation. Immutable once
// created. Tokens is an approximate count (see EstimateTokens), not
// tokenizer-exact.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
}

// NewMessage builds a Message with its approximate token count filled
// in.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Tokens: EstimateTokens(content)}
}

// Thread is one conversation's persisted state.
type Thread struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`

	// Summary is the rolling summary: the cumulative condensation of
	// all messages folded out of the active context so far. Empty
	// until the first compaction.
	Summary string `json:"summary,omitempty"`

	// SummarizedThrough counts how many leading messages have been
	// folded into Summary. Those messages stay in Messages (history is
	// append-only) but are never re-presented to the summarizer as raw
	// text.
	SummarizedThrough int `json:"summarized_through,omitempty"`
}

// ErrNotFound is returned by Delete when the thread does not exist.
// Load never returns it: loading an unknown thread yields an empty
// Thread, because a conversation starts existing with its first
// message.
var ErrNotFound = errors.New("session: thread not found")

// Store is the durable mapping from thread ID to conversation state.
//
// Clear is deliberately not a deletion: the deployed behavior is to
// acknowledge and log the request while the thread remains
// retrievable. Delete is the distinct operation that really removes a
// thread, for callers that want it.
type Store interface {
	// Load returns the thread for id, or an empty thread (ID set,
	// no messages) if none has been persisted yet.
	Load(ctx context.Context, id string) (*Thread, error)

	// AppendTurn appends exactly one completed exchange: the user
	// message followed by the assistant message.
	AppendTurn(ctx context.Context, id string, user, assistant Message) error

	// UpdateSummary replaces the thread's rolling summary and records
	// how many leading messages it now covers. The message history is
	// untouched.
	UpdateSummary(ctx context.Context, id string, summary string, through int) error

	// Clear acknowledges a caller's request to forget a thread without
	// deleting anything. A subsequent Load returns the prior history
	// unchanged.
	Clear(ctx context.Context, id string) error

	// Delete removes the thread's persisted state. Returns ErrNotFound
	// if nothing was stored under id.
	Delete(ctx context.Context, id string) error

	// Close releases the store's resources.
	Close() error
}
