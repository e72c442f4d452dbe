// Package chathttp exposes the chat core over HTTP: a streaming chat
// endpoint, the goodbye acknowledgment, and a liveness probe.
//
// Request flow for POST {prefix}/chat: decode and validate the body,
// admission control (identity quota then global quota), per-thread
// execution lock, session load, context compaction, upstream
// generation, SSE emission, and finally turn persistence when and only
// when the stream ended with End.
package chathttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/fiscalchat/chat-server-go/compaction"
	"github.com/fiscalchat/chat-server-go/internal/logctx"
	"github.com/fiscalchat/chat-server-go/internal/threadlock"
	"github.com/fiscalchat/chat-server-go/llm"
	"github.com/fiscalchat/chat-server-go/ratelimit"
	"github.com/fiscalchat/chat-server-go/session"
	"github.com/fiscalchat/chat-server-go/stream"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	sseMediaTypes        = []contenttype.MediaType{eventStreamMediaType}
)

// Route identifiers used as the rate-limit key dimension.
const (
	routeChat = "/chat"
)

// writeJSONError emits a transport-level JSON rejection:
// {"error":{"code":<status>,"message":"<reason>"}}. Never used once the
// response has committed to SSE.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Config wires the handler's collaborators. Store, Generator,
// Compactor, Emitter, and both limiters are required.
type Config struct {
	// Prefix mounts all routes under a path prefix ("" or "/" for
	// root). Must not end with a slash otherwise.
	Prefix string

	// AllowedOrigins is the CORS allow list. "*" admits any origin.
	// Empty disables CORS headers entirely.
	AllowedOrigins []string

	Store     session.Store
	Generator llm.Generator
	Compactor *compaction.Compactor
	Emitter   *stream.Emitter

	// IdentityLimiter gates per caller identity; GlobalLimiter gates
	// the route across all callers. Both must admit a chat request.
	IdentityLimiter *ratelimit.Limiter
	GlobalLimiter   *ratelimit.Limiter

	// Logger receives request logs. If nil, logs are discarded.
	Logger *slog.Logger
}

// Handler is the HTTP surface. Create with New; the zero value is not
// usable.
type Handler struct {
	log     *slog.Logger
	store   session.Store
	gen     llm.Generator
	comp    *compaction.Compactor
	emitter *stream.Emitter
	idLim   *ratelimit.Limiter
	glLim   *ratelimit.Limiter
	origins []string
	locks   *threadlock.Registry
	mux     *http.ServeMux
}

// New validates cfg and builds the route table.
func New(cfg Config) (*Handler, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("chathttp: Store is required")
	case cfg.Generator == nil:
		return nil, fmt.Errorf("chathttp: Generator is required")
	case cfg.Compactor == nil:
		return nil, fmt.Errorf("chathttp: Compactor is required")
	case cfg.Emitter == nil:
		return nil, fmt.Errorf("chathttp: Emitter is required")
	case cfg.IdentityLimiter == nil || cfg.GlobalLimiter == nil:
		return nil, fmt.Errorf("chathttp: both rate limiters are required")
	}

	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		return nil, fmt.Errorf("chathttp: Prefix must start with a slash, got %q", cfg.Prefix)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	h := &Handler{
		log:     slog.New(logctx.Handler{Handler: logger.Handler()}),
		store:   cfg.Store,
		gen:     cfg.Generator,
		comp:    cfg.Compactor,
		emitter: cfg.Emitter,
		idLim:   cfg.IdentityLimiter,
		glLim:   cfg.GlobalLimiter,
		origins: cfg.AllowedOrigins,
		locks:   threadlock.New(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s/chat", prefix), h.handleChat)
	mux.HandleFunc(fmt.Sprintf("POST %s/goodbye", prefix), h.handleGoodbye)
	mux.HandleFunc(fmt.Sprintf("GET %s/health", prefix), h.handleHealth)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if done := h.applyCORS(w, r); done {
		return
	}

	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	h.mux.ServeHTTP(w, r)
	h.log.InfoContext(ctx, "http.request", slog.Duration("dur", time.Since(start)))
}

// applyCORS writes the allow headers for admitted origins and answers
// preflight. Returns true when the request was fully handled.
func (h *Handler) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return false
	}

	allowed := ""
	for _, o := range h.origins {
		if o == "*" {
			allowed = "*"
			break
		}
		if strings.EqualFold(o, origin) {
			allowed = origin
			break
		}
	}
	if allowed == "" {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusForbidden)
			return true
		}
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", allowed)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

type chatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

type goodbyeRequest struct {
	ThreadID string `json:"thread_id"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		h.log.WarnContext(ctx, "chat.body.invalid", slog.String("err", err.Error()))
		return
	}
	if strings.TrimSpace(body.ThreadID) == "" {
		writeJSONError(w, http.StatusBadRequest, "thread_id is required")
		return
	}
	if body.Message == "" {
		writeJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx = logctx.WithThreadData(ctx, &logctx.ThreadData{ThreadID: body.ThreadID})

	// Admission first: either denial short-circuits all session and
	// model work.
	identity := callerIdentity(r)
	if err := h.idLim.Check(ratelimit.Key{Scope: ratelimit.ScopeIdentity, Route: routeChat, Identity: identity}); err != nil {
		h.rejectDenied(ctx, w, err)
		return
	}
	if err := h.glLim.Check(ratelimit.Key{Scope: ratelimit.ScopeGlobal, Route: routeChat}); err != nil {
		h.rejectDenied(ctx, w, err)
		return
	}

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, sseMediaTypes); err != nil {
			writeJSONError(w, http.StatusUnsupportedMediaType, "response is text/event-stream")
			h.log.WarnContext(ctx, "chat.accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	// Serialize against other requests on the same thread. The lock is
	// held through persistence so turns never interleave.
	release, err := h.locks.Acquire(ctx, body.ThreadID)
	if err != nil {
		h.log.InfoContext(ctx, "chat.lock.canceled")
		return
	}
	defer release()

	thread, err := h.store.Load(ctx, body.ThreadID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "session load failed")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	// The pending user message is part of the effective context but is
	// only persisted after a completed turn.
	userMsg := session.NewMessage(session.RoleUser, body.Message)
	working := &session.Thread{
		ID:                thread.ID,
		Messages:          append(append([]session.Message{}, thread.Messages...), userMsg),
		Summary:           thread.Summary,
		SummarizedThrough: thread.SummarizedThrough,
	}

	res := h.comp.Compact(ctx, working)
	if res.NewSummary != "" {
		// A summary describes only prior history, so it is persisted
		// right away regardless of how this turn ends.
		if err := h.store.UpdateSummary(ctx, body.ThreadID, res.NewSummary, res.NewSummarizedThrough); err != nil {
			h.log.ErrorContext(ctx, "summary.persist.fail", slog.String("err", err.Error()))
		}
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	wf := &writeFlusher{w: w, f: f}

	src, err := h.gen.Generate(ctx, body.ThreadID, res.Effective)
	if err != nil {
		h.log.ErrorContext(ctx, "generation.open.fail", slog.String("err", err.Error()))
		_ = wf.writeEvent(stream.Event{Type: stream.EventError, Message: "generation failed"})
		return
	}

	var reply strings.Builder
	emitErr := h.emitter.Emit(ctx, src, func(ev stream.Event) error {
		if ev.Type == stream.EventToken {
			reply.WriteString(ev.Text)
		}
		return wf.writeEvent(ev)
	})
	if emitErr != nil {
		var uerr *stream.UpstreamError
		switch {
		case errors.As(emitErr, &uerr):
			h.log.WarnContext(ctx, "chat.turn.failed", slog.String("err", uerr.Detail))
		case errors.Is(emitErr, ctx.Err()):
			h.log.InfoContext(ctx, "chat.client.disconnected")
		default:
			h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", emitErr.Error()))
		}
		return
	}

	// Only a stream that ended with End persists the turn.
	assistantMsg := session.NewMessage(session.RoleAssistant, reply.String())
	if err := h.store.AppendTurn(ctx, body.ThreadID, userMsg, assistantMsg); err != nil {
		// The client already has the full answer; the loss is durability
		// of this turn, surfaced in the log.
		h.log.ErrorContext(ctx, "turn.persist.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "chat.turn.ok",
		slog.Int("reply_chars", reply.Len()),
		slog.Int("context_messages", len(res.Effective)),
		slog.Bool("used_summary", res.UsedSummary),
	)
}

func (h *Handler) rejectDenied(ctx context.Context, w http.ResponseWriter, err error) {
	var denied *ratelimit.DeniedError
	if !errors.As(err, &denied) {
		writeJSONError(w, http.StatusInternalServerError, "admission check failed")
		h.log.ErrorContext(ctx, "admission.check.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(denied.Window.Seconds())))
	writeJSONError(w, http.StatusTooManyRequests,
		fmt.Sprintf("rate limit exceeded (%s)", denied.Scope))
	h.log.InfoContext(ctx, "admission.denied",
		slog.String("scope", string(denied.Scope)),
		slog.Int("limit", denied.Limit),
	)
}

func (h *Handler) handleGoodbye(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body goodbyeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(body.ThreadID) == "" {
		writeJSONError(w, http.StatusBadRequest, "thread_id is required")
		return
	}

	ctx = logctx.WithThreadData(ctx, &logctx.ThreadData{ThreadID: body.ThreadID})

	// Clear acknowledges without deleting; the history stays
	// retrievable. Real deletion is session.Store.Delete, deliberately
	// not exposed on this route.
	if err := h.store.Clear(ctx, body.ThreadID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "goodbye failed")
		h.log.ErrorContext(ctx, "goodbye.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "goodbye acknowledged"})
	h.log.InfoContext(ctx, "goodbye.ok")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// callerIdentity derives the admission identity from the peer address.
func callerIdentity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeFlusher renders stream events in the SSE wire format and flushes
// after every event so tokens reach the client as they are produced.
type writeFlusher struct {
	w io.Writer
	f http.Flusher
}

func (wf *writeFlusher) writeEvent(ev stream.Event) error {
	var payload any
	switch ev.Type {
	case stream.EventToken:
		payload = map[string]string{"token": ev.Text}
	case stream.EventEnd:
		payload = map[string]string{"event": "end"}
	case stream.EventError:
		payload = map[string]string{"error": ev.Message}
	default:
		return fmt.Errorf("chathttp: unknown event type %d", ev.Type)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("chathttp: encoding event: %w", err)
	}
	if _, err := fmt.Fprintf(wf.w, "data: %s\n\n", b); err != nil {
		return err
	}
	wf.f.Flush()
	return nil
}
