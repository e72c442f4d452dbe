package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/fiscalchat/chat-server-go/internal/clock"
	"github.com/fiscalchat/chat-server-go/llm"
)

// scriptedStream yields its chunks in order, then finalErr (io.EOF for
// normal completion).
type scriptedStream struct {
	chunks   []llm.Chunk
	finalErr error
	pos      int
}

func (s *scriptedStream) Next(ctx context.Context) (llm.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return llm.Chunk{}, err
	}
	if s.pos >= len(s.chunks) {
		return llm.Chunk{}, s.finalErr
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

// blockingStream never produces a chunk; it waits for the context.
type blockingStream struct{}

func (blockingStream) Next(ctx context.Context) (llm.Chunk, error) {
	<-ctx.Done()
	return llm.Chunk{}, ctx.Err()
}

func collect(t *testing.T, e *Emitter, src llm.Stream) ([]Event, error) {
	t.Helper()
	var events []Event
	err := e.Emit(context.Background(), src, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func TestTokensThenEnd(t *testing.T) {
	src := &scriptedStream{
		chunks:   []llm.Chunk{{Text: "Hola"}, {Text: ", "}, {Text: "mundo"}},
		finalErr: io.EOF,
	}
	e := New(Config{Clock: clock.NewFake(time.Now())})

	events, err := collect(t, e, src)
	if err != nil {
		t.Fatalf("Emit() = %v, want nil", err)
	}

	if len(events) != 4 {
		t.Fatalf("got %d events, want 3 tokens + End", len(events))
	}
	for i, want := range []string{"Hola", ", ", "mundo"} {
		if events[i].Type != EventToken || events[i].Text != want {
			t.Fatalf("event %d = %+v, want Token %q", i, events[i], want)
		}
	}
	if events[3].Type != EventEnd {
		t.Fatalf("terminal event = %+v, want End", events[3])
	}
}

func TestEmptyDeltasAreSkipped(t *testing.T) {
	// Tool-invocation events carry no displayable text and must not
	// appear on the wire.
	src := &scriptedStream{
		chunks:   []llm.Chunk{{Text: "a"}, {Text: ""}, {Text: ""}, {Text: "b"}},
		finalErr: io.EOF,
	}
	e := New(Config{Clock: clock.NewFake(time.Now())})

	events, err := collect(t, e, src)
	if err != nil {
		t.Fatalf("Emit() = %v, want nil", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 2 tokens + End", len(events))
	}
}

func TestUpstreamErrorTerminates(t *testing.T) {
	src := &scriptedStream{
		chunks:   []llm.Chunk{{Text: "partial"}, {Text: " answer"}},
		finalErr: errors.New("provider unavailable"),
	}
	e := New(Config{Clock: clock.NewFake(time.Now())})

	events, err := collect(t, e, src)

	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("Emit() = %v, want UpstreamError", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 2 tokens + Error", len(events))
	}
	last := events[len(events)-1]
	if last.Type != EventError || last.Message != "provider unavailable" {
		t.Fatalf("terminal event = %+v, want Error", last)
	}
}

func TestEmptyStreamYieldsOnlyEnd(t *testing.T) {
	src := &scriptedStream{finalErr: io.EOF}
	e := New(Config{Clock: clock.NewFake(time.Now())})

	events, err := collect(t, e, src)
	if err != nil {
		t.Fatalf("Emit() = %v, want nil", err)
	}
	if len(events) != 1 || events[0].Type != EventEnd {
		t.Fatalf("events = %+v, want exactly one End", events)
	}
}

func TestPacingDelayBetweenTokens(t *testing.T) {
	clk := clock.NewFake(time.Now())
	src := &scriptedStream{
		chunks:   []llm.Chunk{{Text: "a"}, {Text: "b"}, {Text: "c"}},
		finalErr: io.EOF,
	}
	e := New(Config{PaceDelay: 10 * time.Millisecond, Clock: clk})

	if _, err := collect(t, e, src); err != nil {
		t.Fatalf("Emit() = %v, want nil", err)
	}
	if got := clk.Slept(); got != 30*time.Millisecond {
		t.Fatalf("paced %s total, want 30ms", got)
	}
}

func TestGenerationTimeoutBehavesLikeUpstreamError(t *testing.T) {
	e := New(Config{GenerationTimeout: 20 * time.Millisecond})

	var events []Event
	err := e.Emit(context.Background(), blockingStream{}, func(ev Event) error {
		events = append(events, ev)
		return nil
	})

	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("Emit() = %v, want UpstreamError", err)
	}
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v, want exactly one Error", events)
	}
}

func TestCallerDisconnectEmitsNoTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(Config{})
	var events []Event
	err := e.Emit(ctx, blockingStream{}, func(ev Event) error {
		events = append(events, ev)
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Emit() = %v, want context.Canceled", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none after disconnect", events)
	}
}

func TestConsumerWriteFailureStopsStream(t *testing.T) {
	src := &scriptedStream{
		chunks:   []llm.Chunk{{Text: "a"}, {Text: "b"}},
		finalErr: io.EOF,
	}
	e := New(Config{Clock: clock.NewFake(time.Now())})

	writeErr := errors.New("broken pipe")
	calls := 0
	err := e.Emit(context.Background(), src, func(ev Event) error {
		calls++
		return writeErr
	})

	if !errors.Is(err, writeErr) {
		t.Fatalf("Emit() = %v, want write error", err)
	}
	if calls != 1 {
		t.Fatalf("send called %d times after failure, want 1", calls)
	}
}
