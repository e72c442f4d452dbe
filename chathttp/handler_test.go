package chathttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fiscalchat/chat-server-go/compaction"
	"github.com/fiscalchat/chat-server-go/llm"
	"github.com/fiscalchat/chat-server-go/ratelimit"
	"github.com/fiscalchat/chat-server-go/session"
	"github.com/fiscalchat/chat-server-go/session/memory"
	"github.com/fiscalchat/chat-server-go/stream"
)

type scriptedStream struct {
	chunks   []string
	finalErr error
	pos      int
}

func (s *scriptedStream) Next(ctx context.Context) (llm.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return llm.Chunk{}, s.finalErr
	}
	c := s.chunks[s.pos]
	s.pos++
	return llm.Chunk{Text: c}, nil
}

type scriptedGenerator struct {
	chunks   []string
	finalErr error
	gotMsgs  []session.Message
	calls    int
}

func (g *scriptedGenerator) Generate(ctx context.Context, threadID string, msgs []session.Message) (llm.Stream, error) {
	g.calls++
	g.gotMsgs = msgs
	return &scriptedStream{chunks: g.chunks, finalErr: g.finalErr}, nil
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(ctx context.Context, prior string, msgs []session.Message) (string, error) {
	return "stub summary", nil
}

type testEnv struct {
	srv   *httptest.Server
	store session.Store
	gen   *scriptedGenerator
}

func newTestEnv(t *testing.T, gen *scriptedGenerator, identityLimit int) *testEnv {
	t.Helper()

	store, err := memory.New(64, nil)
	if err != nil {
		t.Fatalf("memory.New() = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idLim, err := ratelimit.New(ratelimit.Config{Limit: identityLimit, Window: time.Minute, Scope: ratelimit.ScopeIdentity}, nil)
	if err != nil {
		t.Fatalf("ratelimit.New(identity) = %v", err)
	}
	glLim, err := ratelimit.New(ratelimit.Config{Limit: 1000, Window: time.Hour, Scope: ratelimit.ScopeGlobal}, nil)
	if err != nil {
		t.Fatalf("ratelimit.New(global) = %v", err)
	}

	h, err := New(Config{
		AllowedOrigins:  []string{"https://app.example.com"},
		Store:           store,
		Generator:       gen,
		Compactor:       compaction.New(compaction.Config{SummarizeAboveTokens: 1 << 20}, stubSummarizer{}, nil),
		Emitter:         stream.New(stream.Config{}),
		IdentityLimiter: idLim,
		GlobalLimiter:   glLim,
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, gen: gen}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// readSSE decodes every "data: " frame from an event stream body.
func readSSE(t *testing.T, body io.Reader) []map[string]string {
	t.Helper()
	var events []map[string]string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]string
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("malformed SSE payload %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	return events
}

func TestChatStreamsTokensAndPersistsTurn(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"Hola", ", ", "mundo"}, finalErr: io.EOF}
	env := newTestEnv(t, gen, 100)

	resp := postJSON(t, env.srv.URL+"/chat", chatRequest{Message: "hola", ThreadID: "t1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	events := readSSE(t, resp.Body)
	if len(events) != 4 {
		t.Fatalf("got %d events, want 3 tokens + end: %v", len(events), events)
	}
	for i, want := range []string{"Hola", ", ", "mundo"} {
		if events[i]["token"] != want {
			t.Fatalf("event %d = %v, want token %q", i, events[i], want)
		}
	}
	if events[3]["event"] != "end" {
		t.Fatalf("terminal = %v, want end", events[3])
	}

	// The pending user message reached the generator as context.
	if n := len(gen.gotMsgs); n != 1 {
		t.Fatalf("generator saw %d messages, want 1", n)
	}
	if gen.gotMsgs[0].Content != "hola" {
		t.Fatalf("generator context = %+v", gen.gotMsgs[0])
	}

	thread, err := env.store.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if len(thread.Messages) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(thread.Messages))
	}
	if thread.Messages[1].Role != session.RoleAssistant || thread.Messages[1].Content != "Hola, mundo" {
		t.Fatalf("assistant turn = %+v", thread.Messages[1])
	}
}

func TestChatSecondTurnCarriesHistory(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"ok"}, finalErr: io.EOF}
	env := newTestEnv(t, gen, 100)

	resp := postJSON(t, env.srv.URL+"/chat", chatRequest{Message: "first", ThreadID: "t1"})
	io.Copy(io.Discard, resp.Body)

	resp = postJSON(t, env.srv.URL+"/chat", chatRequest{Message: "second", ThreadID: "t1"})
	io.Copy(io.Discard, resp.Body)

	// first user turn + assistant reply + pending second user message
	if n := len(gen.gotMsgs); n != 3 {
		t.Fatalf("generator saw %d messages on turn 2, want 3", n)
	}
	if gen.gotMsgs[2].Content != "second" {
		t.Fatalf("latest message = %+v", gen.gotMsgs[2])
	}
}

func TestChatUpstreamErrorEmitsErrorAndSkipsPersistence(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"partial"}, finalErr: errors.New("provider down")}
	env := newTestEnv(t, gen, 100)

	resp := postJSON(t, env.srv.URL+"/chat", chatRequest{Message: "hola", ThreadID: "t1"})
	events := readSSE(t, resp.Body)

	last := events[len(events)-1]
	if last["error"] == "" {
		t.Fatalf("terminal = %v, want error event", last)
	}

	thread, err := env.store.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if len(thread.Messages) != 0 {
		t.Fatalf("failed turn was persisted: %+v", thread.Messages)
	}
}

func TestChatInvalidInput(t *testing.T) {
	gen := &scriptedGenerator{finalErr: io.EOF}
	env := newTestEnv(t, gen, 100)

	for name, body := range map[string]chatRequest{
		"missing thread_id": {Message: "hola"},
		"missing message":   {ThreadID: "t1"},
	} {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, env.srv.URL+"/chat", body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
	if gen.calls != 0 {
		t.Fatalf("generator invoked %d times for invalid input", gen.calls)
	}
}

func TestChatRateLimited(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"ok"}, finalErr: io.EOF}
	env := newTestEnv(t, gen, 1)

	resp := postJSON(t, env.srv.URL+"/chat", chatRequest{Message: "one", ThreadID: "t1"})
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}

	resp = postJSON(t, env.srv.URL+"/chat", chatRequest{Message: "two", ThreadID: "t1"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("429 response must carry Retry-After")
	}
	if gen.calls != 1 {
		t.Fatalf("generator invoked %d times, denial must short-circuit", gen.calls)
	}
}

func TestChatUnsupportedAccept(t *testing.T) {
	env := newTestEnv(t, &scriptedGenerator{finalErr: io.EOF}, 100)

	payload, _ := json.Marshal(chatRequest{Message: "hola", ThreadID: "t1"})
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/chat", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/xml")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestGoodbyeAcknowledgesAndKeepsHistory(t *testing.T) {
	env := newTestEnv(t, &scriptedGenerator{finalErr: io.EOF}, 100)

	err := env.store.AppendTurn(context.Background(), "t1",
		session.NewMessage(session.RoleUser, "hola"),
		session.NewMessage(session.RoleAssistant, "Hola"),
	)
	if err != nil {
		t.Fatalf("AppendTurn() = %v", err)
	}

	resp := postJSON(t, env.srv.URL+"/goodbye", goodbyeRequest{ThreadID: "t1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	thread, err := env.store.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if len(thread.Messages) != 2 {
		t.Fatalf("history after goodbye = %d messages, want 2 (no deletion)", len(thread.Messages))
	}
}

func TestGoodbyeRequiresThreadID(t *testing.T) {
	env := newTestEnv(t, &scriptedGenerator{finalErr: io.EOF}, 100)
	resp := postJSON(t, env.srv.URL+"/goodbye", goodbyeRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &scriptedGenerator{finalErr: io.EOF}, 100)

	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, &scriptedGenerator{finalErr: io.EOF}, 100)

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/chat", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Allow-Origin = %q", got)
	}
}

func TestCORSDisallowedOriginPreflight(t *testing.T) {
	env := newTestEnv(t, &scriptedGenerator{finalErr: io.EOF}, 100)

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/chat", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("preflight status = %d, want 403", resp.StatusCode)
	}
}

func TestConcurrentRequestsOnOneThreadSerialize(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"ok"}, finalErr: io.EOF}
	env := newTestEnv(t, gen, 100)

	payload, err := json.Marshal(chatRequest{Message: "hola", ThreadID: "same"})
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := http.Post(env.srv.URL+"/chat", "application/json", bytes.NewReader(payload))
			if err != nil {
				errCh <- err
				return
			}
			defer resp.Body.Close()
			_, err = io.Copy(io.Discard, resp.Body)
			errCh <- err
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("concurrent request: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent requests deadlocked")
		}
	}

	thread, err := env.store.Load(context.Background(), "same")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	// Both turns completed and each appended exactly one pair.
	if len(thread.Messages) != 4 {
		t.Fatalf("persisted %d messages, want 4", len(thread.Messages))
	}
	for i, m := range thread.Messages {
		wantRole := session.RoleUser
		if i%2 == 1 {
			wantRole = session.RoleAssistant
		}
		if m.Role != wantRole {
			t.Fatalf("message %d role = %s, interleaved turns", i, m.Role)
		}
	}
}
