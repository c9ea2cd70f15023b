package streaming

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentmesh/chatgateway/internal/store"
)

// mockReadCloser wraps a strings.Reader as an io.Reader for consume().
type mockReadCloser struct {
	reader io.Reader
}

func (m *mockReadCloser) Read(p []byte) (int, error) { return m.reader.Read(p) }

func newMockStream(lines []string) io.Reader {
	return &mockReadCloser{reader: strings.NewReader(strings.Join(lines, "\n") + "\n")}
}

// slowMockStream delivers one line per Read call with a delay in between,
// so tests can race a cancellation against an in-flight line.
type slowMockStream struct {
	lines []string
	idx   int
	buf   []byte
	delay time.Duration
}

func (s *slowMockStream) Read(p []byte) (int, error) {
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}
	if s.idx >= len(s.lines) {
		return 0, io.EOF
	}
	if s.idx > 0 {
		time.Sleep(s.delay)
	}
	s.buf = []byte(s.lines[s.idx] + "\n")
	s.idx++
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func newRunnerAndState(t *testing.T, st store.Store) (*Runner, *State, context.CancelFunc) {
	t.Helper()
	r := NewRunner(st, "http://unused", time.Minute, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	state := New("stream-1", "chat-1", "user-1", cancel, testLogger())
	_ = ctx
	return r, state, cancel
}

func TestRunner_ConsumeAppendsContentChunks(t *testing.T) {
	r, state, _ := newRunnerAndState(t, store.NewMemoryStore())
	body := newMockStream([]string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
	})

	chunkReceived, stopped := r.consume(context.Background(), state, "chat-1", body)

	if !chunkReceived {
		t.Fatal("expected chunkReceived=true")
	}
	if !stopped {
		t.Fatal("expected stopped=true on finish_reason=stop")
	}
	if got := state.Content(); got != "Hello" {
		t.Fatalf("expected accumulated content 'Hello', got %q", got)
	}
}

func TestRunner_ConsumeDoneSentinelEquivalentToFinishReasonStop(t *testing.T) {
	r, state, _ := newRunnerAndState(t, store.NewMemoryStore())
	body := newMockStream([]string{
		`data: {"choices":[{"delta":{"content":"hi"}}]}`,
		`data: [DONE]`,
	})

	_, stopped := r.consume(context.Background(), state, "chat-1", body)
	if !stopped {
		t.Fatal("expected [DONE] to stop the loop same as finish_reason=stop")
	}
	if got := state.Content(); got != "hi" {
		t.Fatalf("expected content 'hi', got %q", got)
	}
}

func TestRunner_ConsumeIgnoresCommentsAndBlankLines(t *testing.T) {
	r, state, _ := newRunnerAndState(t, store.NewMemoryStore())
	body := newMockStream([]string{
		"",
		": keep-alive comment",
		`data: {"choices":[{"delta":{"content":"x"},"finish_reason":"stop"}]}`,
	})

	_, stopped := r.consume(context.Background(), state, "chat-1", body)
	if !stopped {
		t.Fatal("expected stop")
	}
	if got := state.Content(); got != "x" {
		t.Fatalf("expected content 'x', got %q", got)
	}
}

func TestRunner_ConsumeInfoLineAppendsMetaAndPersists(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedChat("chat-1", "user-1")
	r, state, _ := newRunnerAndState(t, mem)

	body := newMockStream([]string{
		"info: using tool web_search",
		`data: {"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
	})

	r.consume(context.Background(), state, "chat-1", body)

	metaInfo, err := mem.LoadMetaInfo(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("unexpected error loading meta_info: %v", err)
	}
	if metaInfo != "using tool web_search" {
		t.Fatalf("expected persisted meta_info, got %q", metaInfo)
	}
}

// A malformed data payload makes handleLine return a non-nil error, which
// consume turns into a MarkError call; handleLine is exercised here directly.
func TestRunner_HandleLineMalformedJSONReturnsError(t *testing.T) {
	r, state, _ := newRunnerAndState(t, store.NewMemoryStore())
	var chunkReceived bool
	_, err := r.handleLine(context.Background(), state, "chat-1", "data: not-json", &chunkReceived)
	if err == nil {
		t.Fatal("expected decode error for malformed JSON payload")
	}
}

func TestRunner_HandleLineUpstreamErrorObjectReturnsError(t *testing.T) {
	r, state, _ := newRunnerAndState(t, store.NewMemoryStore())
	var chunkReceived bool
	_, err := r.handleLine(context.Background(), state, "chat-1",
		`data: {"error":{"message":"rate limited"}}`, &chunkReceived)
	if err == nil {
		t.Fatal("expected an error for an upstream error object")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected error message to mention upstream detail, got %v", err)
	}
}

func TestRunner_ExtractTokenUsageSetsOnState(t *testing.T) {
	r, state, _ := newRunnerAndState(t, store.NewMemoryStore())
	var chunkReceived bool
	_, err := r.handleLine(context.Background(), state, "chat-1",
		`data: {"choices":[{"delta":{"content":"x"}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		&chunkReceived)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info := state.Info()
	if info.TokenUsage == nil {
		t.Fatal("expected token usage recorded on state")
	}
	if info.TokenUsage.TotalTokens != 15 {
		t.Fatalf("expected total_tokens 15, got %d", info.TokenUsage.TotalTokens)
	}
}

// Cancellation mid-stream stops consume promptly even with more lines
// pending, and never errors.
func TestRunner_ConsumeStopsOnCancellationMidStream(t *testing.T) {
	r, state, cancel := newRunnerAndState(t, store.NewMemoryStore())
	body := &slowMockStream{
		lines: []string{
			`data: {"choices":[{"delta":{"content":"a"}}]}`,
			`data: {"choices":[{"delta":{"content":"b"}}]}`,
			`data: {"choices":[{"delta":{"content":"c"}}]}`,
		},
		delay: 30 * time.Millisecond,
	}

	go func() {
		time.Sleep(40 * time.Millisecond)
		state.cancelled.Store(true)
		cancel()
	}()

	_, _ = r.consume(context.Background(), state, "chat-1", body)

	if got := state.Content(); len(got) >= 3 {
		t.Fatalf("expected consume to stop before all chunks arrived, got %q", got)
	}
}

// Scenario 5: an upstream HTTP error surfaces through Run as mark_error,
// with the upstream status in the error detail.
func TestRunner_RunMarksErrorOnNonOKStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	mem := store.NewMemoryStore()
	mem.SeedChat("chat-1", "user-1")
	r := NewRunner(mem, upstream.URL, 5*time.Second, testLogger())
	_, state, _ := newRunnerAndState(t, mem)
	sub := newFakeSubscriber("sub")
	state.Subscribe(sub)

	r.Run(context.Background(), state, RunParams{ChatID: "chat-1", UserID: "user-1"})

	frames := sub.Frames()
	last := frames[len(frames)-1]
	if last.Type != FrameError || !strings.Contains(last.Message, "HTTP 500") {
		t.Fatalf("expected error frame describing HTTP 500, got %+v", last)
	}
}

func TestRunner_FinishCompletedPersistsOnlyWhenContentReceived(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedChat("chat-1", "user-1")
	r, state, _ := newRunnerAndState(t, mem)

	r.finishCompleted(state, false)
	history, _ := mem.LoadHistory(context.Background(), "chat-1")
	if len(history) != 0 {
		t.Fatalf("expected no assistant message persisted when no content arrived, got %d", len(history))
	}
	if state.StatusNow() != StatusCompleted {
		t.Fatalf("expected Completed, got %s", state.StatusNow())
	}
}

func TestRunner_FinishCompletedPersistsWhenContentReceived(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedChat("chat-1", "user-1")
	r, state, _ := newRunnerAndState(t, mem)
	state.AppendChunk("hello")

	r.finishCompleted(state, true)

	history, _ := mem.LoadHistory(context.Background(), "chat-1")
	if len(history) != 1 || history[0].Content != "hello" || history[0].Role != "assistant" {
		t.Fatalf("expected assistant message persisted, got %+v", history)
	}
}

func TestRunner_FinishCancelledPersistsPartialContent(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedChat("chat-1", "user-1")
	r, state, _ := newRunnerAndState(t, mem)
	state.AppendChunk("partial")

	r.finishCancelled(state)

	history, _ := mem.LoadHistory(context.Background(), "chat-1")
	if len(history) != 1 || history[0].Content != "partial" {
		t.Fatalf("expected partial content persisted, got %+v", history)
	}
	if history[0].IsError {
		t.Fatal("a cancellation is a user outcome, not an error; IsError must be false")
	}
	if state.StatusNow() != StatusCancelled {
		t.Fatalf("expected Cancelled, got %s", state.StatusNow())
	}
}

func TestRunner_FinishCancelledSkipsPersistWhenNoContent(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedChat("chat-1", "user-1")
	r, state, _ := newRunnerAndState(t, mem)

	r.finishCancelled(state)

	history, _ := mem.LoadHistory(context.Background(), "chat-1")
	if len(history) != 0 {
		t.Fatalf("expected nothing persisted for an empty cancellation, got %+v", history)
	}
}

func TestRunner_BuildUpstreamRequestIncludesHistoryAndParams(t *testing.T) {
	history := []store.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	body, err := buildUpstreamRequest(history, "some meta", RunParams{
		ChatID: "chat-1", UserID: "user-1", Model: "gpt-x",
		EnabledTools: map[string]bool{"web_search": true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(body)
	for _, want := range []string{`"content":"hi"`, `"content":"hello"`, `"meta_info":"some meta"`, `"model":"gpt-x"`, `"user_id":"user-1"`} {
		if !strings.Contains(s, want) {
			t.Fatalf("expected request body to contain %q, got %s", want, s)
		}
	}
}

func TestRunner_CutPrefix(t *testing.T) {
	if rest, ok := cutPrefix("data: hi", "data:"); !ok || rest != " hi" {
		t.Fatalf("expected (' hi', true), got (%q, %v)", rest, ok)
	}
	if _, ok := cutPrefix("info: hi", "data:"); ok {
		t.Fatal("expected no match for a different prefix")
	}
}
