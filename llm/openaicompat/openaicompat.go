// Package openaicompat implements llm.Generator and llm.Summarizer
// against any OpenAI-compatible chat completions endpoint (OpenAI,
// OpenRouter, vLLM, llama.cpp server).
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/fiscalchat/chat-server-go/llm"
	"github.com/fiscalchat/chat-server-go/session"
)

// PromptSource supplies the current system prompt. prompt.Watcher
// satisfies it.
type PromptSource interface {
	Current() string
}

// Config selects the endpoint and models.
type Config struct {
	// BaseURL is the API root, without the /chat/completions suffix.
	BaseURL string `env:"CHAT_LLM_BASE_URL,default=https://api.openai.com/v1"`

	// APIKey is sent as a bearer token. Empty is accepted for local
	// endpoints that do not authenticate.
	APIKey string `env:"CHAT_LLM_API_KEY"`

	// Model answers chat requests.
	Model string `env:"CHAT_LLM_MODEL,default=gpt-4o-mini"`

	// SummaryModel condenses history. Empty falls back to Model.
	SummaryModel string `env:"CHAT_LLM_SUMMARY_MODEL"`

	// MaxSummaryTokens caps the rolling summary's length so it cannot
	// crowd out the live context it exists to protect.
	MaxSummaryTokens int `env:"CHAT_LLM_MAX_SUMMARY_TOKENS,default=256"`

	Temperature float64 `env:"CHAT_LLM_TEMPERATURE,default=0.5"`

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client

	// Prompt supplies the system prompt prepended to every generation
	// request. Nil means no system prompt.
	Prompt PromptSource

	// Logger receives request-level diagnostics. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// Client talks to one chat completions endpoint.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

var (
	_ llm.Generator  = (*Client)(nil)
	_ llm.Summarizer = (*Client)(nil)
)

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openaicompat: BaseURL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openaicompat: Model is required")
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = cfg.Model
	}
	if cfg.MaxSummaryTokens <= 0 {
		cfg.MaxSummaryTokens = 256
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 0} // streaming; deadline comes from the request context
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Client{cfg: cfg, http: hc, log: log}, nil
}

// NewFromEnv builds a Client from CHAT_LLM_* environment variables.
func NewFromEnv(prompt PromptSource, log *slog.Logger) (*Client, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("openaicompat: decoding environment: %w", err)
	}
	cfg.Prompt = prompt
	cfg.Logger = log
	return New(cfg)
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Generate opens a streaming chat completion for the effective context.
func (c *Client) Generate(ctx context.Context, threadID string, msgs []session.Message) (llm.Stream, error) {
	req := chatRequest{
		Model:       c.cfg.Model,
		Messages:    c.wireMessages(msgs, true),
		Stream:      true,
		Temperature: c.cfg.Temperature,
	}

	// The request carries its own cancelable context so a stalled
	// stream can be torn down from Next.
	reqCtx, cancel := context.WithCancel(ctx)
	resp, err := c.post(reqCtx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	c.log.DebugContext(ctx, "generation stream opened",
		"thread_id", threadID,
		"model", c.cfg.Model,
		"messages", len(req.Messages),
	)

	s := &sseStream{
		body:   resp.Body,
		cancel: cancel,
		items:  make(chan streamItem, 8),
		done:   make(chan struct{}),
	}
	go s.read()
	return s, nil
}

// Summarize condenses msgs (plus the prior rolling summary) into an
// updated summary with one non-streaming completion.
func (c *Client) Summarize(ctx context.Context, priorSummary string, msgs []session.Message) (string, error) {
	wire := make([]wireMessage, 0, len(msgs)+2)
	if priorSummary != "" {
		wire = append(wire, wireMessage{
			Role:    string(session.RoleSystem),
			Content: "Summary of the conversation so far:\n" + priorSummary,
		})
	}
	for _, m := range msgs {
		wire = append(wire, wireMessage{Role: roleFor(m.Role), Content: m.Content})
	}
	wire = append(wire, wireMessage{
		Role:    string(session.RoleUser),
		Content: "Create a summary of the conversation above keeping the messages structure if possible:",
	})

	start := time.Now()
	resp, err := c.post(ctx, chatRequest{
		Model:     c.cfg.SummaryModel,
		Messages:  wire,
		MaxTokens: c.cfg.MaxSummaryTokens,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("openaicompat: decoding summary response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openaicompat: summary response has no choices")
	}

	summary := strings.TrimSpace(parsed.Choices[0].Message.Content)
	c.log.DebugContext(ctx, "summary produced",
		"model", c.cfg.SummaryModel,
		"input_messages", len(msgs),
		"elapsed", time.Since(start),
	)
	return summary, nil
}

func (c *Client) wireMessages(msgs []session.Message, withSystemPrompt bool) []wireMessage {
	wire := make([]wireMessage, 0, len(msgs)+1)
	if withSystemPrompt && c.cfg.Prompt != nil {
		if p := c.cfg.Prompt.Current(); p != "" {
			wire = append(wire, wireMessage{Role: string(session.RoleSystem), Content: p})
		}
	}
	for _, m := range msgs {
		wire = append(wire, wireMessage{Role: roleFor(m.Role), Content: m.Content})
	}
	return wire
}

// roleFor maps internal roles onto the chat completions roles. Tool
// output is presented as assistant text: the wire "tool" role requires
// tool_call_id bookkeeping the core does not track.
func roleFor(r session.Role) string {
	if r == session.RoleTool {
		return string(session.RoleAssistant)
	}
	return string(r)
}

func (c *Client) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: encoding request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: %s: %w", c.cfg.BaseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("openaicompat: %s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return resp, nil
}

type streamItem struct {
	text string
	err  error
}

// sseStream adapts a chat completions SSE body to llm.Stream. A reader
// goroutine owns the body; Next only selects, so a canceled context
// unblocks immediately and tears the request down. stop releases the
// reader even when it is parked on a channel send because the consumer
// stopped pulling with chunks still buffered.
type sseStream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	items  chan streamItem
	done   chan struct{}
	once   sync.Once
}

func (s *sseStream) stop() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

// deliver hands one item to Next. Returns false when the stream has
// been stopped and the reader must exit.
func (s *sseStream) deliver(item streamItem) bool {
	select {
	case s.items <- item:
		return true
	case <-s.done:
		return false
	}
}

func (s *sseStream) read() {
	defer s.body.Close()
	defer close(s.items)

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.deliver(streamItem{err: io.EOF})
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			s.deliver(streamItem{err: fmt.Errorf("openaicompat: malformed stream event: %w", err)})
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if !s.deliver(streamItem{text: chunk.Choices[0].Delta.Content}) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.deliver(streamItem{err: fmt.Errorf("openaicompat: reading stream: %w", err)})
		return
	}
	// The server closed the stream without [DONE]; treat it as normal
	// completion.
	s.deliver(streamItem{err: io.EOF})
}

func (s *sseStream) Next(ctx context.Context) (llm.Chunk, error) {
	select {
	case <-ctx.Done():
		s.stop()
		return llm.Chunk{}, ctx.Err()
	case item, ok := <-s.items:
		if !ok {
			return llm.Chunk{}, io.EOF
		}
		if item.err != nil {
			s.stop()
			return llm.Chunk{}, item.err
		}
		return llm.Chunk{Text: item.text}, nil
	}
}
