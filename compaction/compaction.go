// Package compaction implements the context window manager: it bounds
// the tokens sent upstream per request while preserving recency and,
// through a cumulative rolling summary, long-range coherence.
//
// Token counts here are approximate (see session.EstimateTokens), not
// tokenizer parity. The budgets only need a consistent estimate to
// decide when to fold history into a summary.
package compaction

import (
	"context"
	"log/slog"

	"github.com/fiscalchat/chat-server-go/llm"
	"github.com/fiscalchat/chat-server-go/session"
)

// Defaults mirror the deployed configuration.
const (
	DefaultMaxTotalTokens       = 3072
	DefaultSummarizeAboveTokens = 1024
	DefaultPreserveLastN        = 1
)

// Config bounds the effective context.
type Config struct {
	// MaxTotalTokens is the hard budget for the effective context.
	// Exceeding it after summarization triggers last-resort truncation.
	MaxTotalTokens int `env:"CHAT_MAX_TOTAL_TOKENS,default=3072"`

	// SummarizeAboveTokens is the older-slice token count above which
	// summarization kicks in.
	SummarizeAboveTokens int `env:"CHAT_SUMMARIZE_ABOVE_TOKENS,default=1024"`

	// PreserveLastN messages are always kept verbatim and never
	// summarized.
	PreserveLastN int `env:"CHAT_PRESERVE_LAST_N,default=1"`
}

func (c Config) withDefaults() Config {
	if c.MaxTotalTokens <= 0 {
		c.MaxTotalTokens = DefaultMaxTotalTokens
	}
	if c.SummarizeAboveTokens <= 0 {
		c.SummarizeAboveTokens = DefaultSummarizeAboveTokens
	}
	if c.PreserveLastN <= 0 {
		c.PreserveLastN = DefaultPreserveLastN
	}
	return c
}

// Result is the per-request outcome. It is ephemeral: the caller sends
// Effective upstream and, when NewSummary is set, persists it (with
// NewSummarizedThrough) back onto the thread.
type Result struct {
	// Effective is the bounded message list actually sent to the
	// model.
	Effective []session.Message

	// UsedSummary reports whether a rolling summary (existing or newly
	// produced) is part of Effective.
	UsedSummary bool

	// NewSummary is the freshly produced rolling summary, empty when
	// no summarization ran (or it failed).
	NewSummary string

	// NewSummarizedThrough is the watermark to persist alongside
	// NewSummary: the count of leading thread messages the new summary
	// covers.
	NewSummarizedThrough int

	// SummaryFailed reports that the summarizer collaborator failed
	// and the raw older slice was sent instead. Recoverable: the chat
	// proceeds, possibly over budget, and nothing is persisted.
	SummaryFailed bool

	// Truncated counts messages dropped by last-resort budget
	// truncation.
	Truncated int
}

// Compactor decides, per request, whether history must be folded into
// the rolling summary and what the effective context is.
type Compactor struct {
	cfg        Config
	summarizer llm.Summarizer
	log        *slog.Logger
}

// New builds a Compactor. Zero config fields fall back to defaults; a
// nil logger discards.
func New(cfg Config, summarizer llm.Summarizer, log *slog.Logger) *Compactor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Compactor{cfg: cfg.withDefaults(), summarizer: summarizer, log: log}
}

// Compact computes the effective context for one request. It never
// fails the request: summarizer errors degrade to the unsummarized
// history and are reported on the Result and the log, not to the
// caller.
func (c *Compactor) Compact(ctx context.Context, thread *session.Thread) Result {
	msgs := thread.Messages
	if len(msgs) == 0 {
		return Result{}
	}

	// Messages already folded into the rolling summary are never
	// re-presented raw; only the remainder is live.
	folded := thread.SummarizedThrough
	if folded > len(msgs) {
		folded = len(msgs)
	}
	raw := msgs[folded:]

	n := c.cfg.PreserveLastN
	if n > len(raw) {
		n = len(raw)
	}
	older := raw[:len(raw)-n]
	tail := raw[len(raw)-n:]

	olderTokens := session.MessageTokens(older)
	if len(older) == 0 || olderTokens <= c.cfg.SummarizeAboveTokens {
		return c.passthrough(thread, raw)
	}

	summary, err := c.summarizer.Summarize(ctx, thread.Summary, older)
	if err != nil {
		// Degrade: send the raw older slice with the tail, persist
		// nothing. The turn proceeds at the cost of possibly exceeding
		// the token budget.
		c.log.WarnContext(ctx, "summarization failed; sending unsummarized history",
			"thread_id", thread.ID,
			"older_messages", len(older),
			"older_tokens", olderTokens,
			"error", err,
		)
		res := c.passthrough(thread, raw)
		res.SummaryFailed = true
		return res
	}

	res := Result{
		UsedSummary:          true,
		NewSummary:           summary,
		NewSummarizedThrough: folded + len(older),
	}
	res.Effective = append(res.Effective, summaryMessage(summary))
	res.Effective = append(res.Effective, tail...)

	c.truncateToBudget(ctx, thread.ID, &res)
	return res
}

// passthrough builds the no-summarization effective context: the
// existing rolling summary (if any) followed by all live raw messages.
func (c *Compactor) passthrough(thread *session.Thread, raw []session.Message) Result {
	var res Result
	if thread.Summary != "" {
		res.Effective = append(res.Effective, summaryMessage(thread.Summary))
		res.UsedSummary = true
	}
	res.Effective = append(res.Effective, raw...)
	return res
}

// truncateToBudget drops the oldest non-summary messages until the
// effective context fits MaxTotalTokens. Last resort; keeps at least
// the newest message. Logged as a degradation, never fatal.
func (c *Compactor) truncateToBudget(ctx context.Context, threadID string, res *Result) {
	for session.MessageTokens(res.Effective) > c.cfg.MaxTotalTokens {
		idx := 0
		if res.UsedSummary {
			idx = 1 // the summary message stays
		}
		if idx >= len(res.Effective)-1 {
			break
		}
		res.Effective = append(res.Effective[:idx], res.Effective[idx+1:]...)
		res.Truncated++
	}
	if res.Truncated > 0 {
		c.log.WarnContext(ctx, "effective context truncated to token budget",
			"thread_id", threadID,
			"dropped_messages", res.Truncated,
			"max_total_tokens", c.cfg.MaxTotalTokens,
		)
	}
}

func summaryMessage(summary string) session.Message {
	return session.NewMessage(session.RoleSystem, "Summary of the conversation so far:\n"+summary)
}
