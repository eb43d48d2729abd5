package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/murmurchat/murmur/internal/conversation"
	"github.com/murmurchat/murmur/internal/provider"
	"github.com/murmurchat/murmur/internal/summary"
)

// hubStub is an in-memory ProviderHub.
type hubStub struct {
	mu       sync.Mutex
	calls    int
	requests []provider.Request
	err      error
	content  string
	active   string

	// When set, Generate signals started and waits for release.
	started chan struct{}
	release chan struct{}
}

func newHubStub() *hubStub {
	return &hubStub{content: "assistant reply", active: "ollama"}
}

func (h *hubStub) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	h.mu.Lock()
	h.calls++
	h.requests = append(h.requests, req)
	started, release := h.started, h.release
	h.mu.Unlock()

	if started != nil {
		started <- struct{}{}
		<-release
	}
	if h.err != nil {
		return nil, h.err
	}
	return &provider.Response{Content: h.content}, nil
}

func (h *hubStub) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *hubStub) SetActive(id string) bool { return id == h.active }
func (h *hubStub) ActiveID() string         { return h.active }

func (h *hubStub) UpdateSessionConfig(ctx context.Context, update provider.ConfigUpdate) {}

func (h *hubStub) ListAvailability(ctx context.Context) []provider.Availability { return nil }

// synthStub is an in-memory Synthesizer.
type synthStub struct {
	doc   *summary.Document
	err   error
	calls int
}

func (s *synthStub) Synthesize(ctx context.Context, conv conversation.Context) (*summary.Document, error) {
	s.calls++
	if len(conv.Turns) == 0 {
		return nil, nil
	}
	return s.doc, s.err
}

// storeStub counts saves and keeps the last state.
type storeStub struct {
	mu    sync.Mutex
	saves int
	last  SessionState
}

func (s *storeStub) Save(state SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.last = state
	return nil
}

func (s *storeStub) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func newTestEngine(hub *hubStub, opts Options) *Engine {
	return NewEngine(hub, &synthStub{}, nil, opts, nil)
}

func TestSubmitEnqueues(t *testing.T) {
	e := newTestEngine(newHubStub(), Options{})

	id1 := e.Submit("first")
	id2 := e.Submit("second")
	if id1 == "" || id1 == id2 {
		t.Fatalf("ids = %q, %q, want distinct non-empty", id1, id2)
	}

	stats := e.Stats()
	if stats.TotalMessages != 2 || stats.PendingMessages != 2 || stats.ProcessedMessages != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if q := e.Queue(); len(q) != 2 || q[0].Message.Content != "first" {
		t.Errorf("queue = %+v", q)
	}
	if h := e.History(); len(h) != 2 || h[0].Processed {
		t.Errorf("history = %+v", h)
	}
}

// Rapid successive submissions coalesce into one batched generation: the
// debounce timer restarts per submit, so both messages ride one cycle.
func TestDebounceCoalescesIntoOneBatch(t *testing.T) {
	hub := newHubStub()
	e := newTestEngine(hub, Options{AutoProcess: true, Debounce: 40 * time.Millisecond})
	defer e.Close()

	e.Submit("capital of France?")
	time.Sleep(10 * time.Millisecond)
	e.Submit("and Germany?")

	deadline := time.Now().Add(2 * time.Second)
	for hub.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Allow the post-generation bookkeeping to finish.
	time.Sleep(50 * time.Millisecond)

	if n := hub.callCount(); n != 1 {
		t.Fatalf("generation calls = %d, want exactly 1", n)
	}

	stats := e.Stats()
	if stats.ProcessedMessages != 2 {
		t.Errorf("processed = %d, want 2", stats.ProcessedMessages)
	}
	if stats.PendingMessages != 0 {
		t.Errorf("pending = %d, want 0", stats.PendingMessages)
	}
	if stats.LastProcessedAt.IsZero() {
		t.Error("LastProcessedAt should be stamped")
	}

	// Both user turns and the single assistant turn are in the context.
	conv := e.Context()
	if len(conv.Turns) != 3 {
		t.Fatalf("context turns = %d, want 3", len(conv.Turns))
	}
	if conv.Turns[2].Role != conversation.RoleAssistant {
		t.Errorf("last turn role = %q, want assistant", conv.Turns[2].Role)
	}

	// One combined prompt carrying both messages.
	hub.mu.Lock()
	req := hub.requests[0]
	hub.mu.Unlock()
	userPrompt := req.Messages[1].Content
	if !strings.Contains(userPrompt, "capital of France?") || !strings.Contains(userPrompt, "and Germany?") {
		t.Errorf("batch prompt missing a message:\n%s", userPrompt)
	}
}

func TestAutoProcessOffWaitsForManualDrain(t *testing.T) {
	hub := newHubStub()
	e := newTestEngine(hub, Options{AutoProcess: false, Debounce: 20 * time.Millisecond})

	e.Submit("hello")
	time.Sleep(80 * time.Millisecond)

	if n := hub.callCount(); n != 0 {
		t.Fatalf("generation calls = %d, auto-process off must not drain", n)
	}
	if stats := e.Stats(); stats.PendingMessages != 1 {
		t.Errorf("pending = %d, want 1", stats.PendingMessages)
	}

	if err := e.DrainNow(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := hub.callCount(); n != 1 {
		t.Errorf("generation calls = %d, want 1 after manual drain", n)
	}
	if stats := e.Stats(); stats.PendingMessages != 0 || stats.ProcessedMessages != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDrainNowEmptyQueueIsNoOp(t *testing.T) {
	hub := newHubStub()
	e := newTestEngine(hub, Options{})

	if err := e.DrainNow(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hub.callCount() != 0 {
		t.Error("draining an empty queue must not call the provider")
	}
}

// A failed batch stays consumed: its turns remain in the context and its
// messages stay processed, with no retry and no assistant message.
func TestFailedBatchIsConsumed(t *testing.T) {
	hub := newHubStub()
	hub.err = &provider.GenerationError{Provider: "openai", Reason: provider.ReasonHTTPStatus, Status: 500, Message: "boom"}

	var failures []error
	e := newTestEngine(hub, Options{OnFailure: func(err error) { failures = append(failures, err) }})

	e.Submit("doomed question")
	err := e.DrainNow(context.Background())
	if err == nil {
		t.Fatal("expected the generation error to propagate")
	}

	if q := e.Queue(); len(q) != 0 {
		t.Errorf("queue = %+v, the failed batch must stay consumed", q)
	}
	stats := e.Stats()
	if stats.PendingMessages != 0 {
		t.Errorf("pending = %d, want 0", stats.PendingMessages)
	}
	if stats.ProcessedMessages != 0 {
		t.Errorf("processed = %d, failures do not count as processed", stats.ProcessedMessages)
	}
	if !stats.LastProcessedAt.IsZero() {
		t.Error("LastProcessedAt must not be stamped on failure")
	}

	// No assistant message; the user turn is still in the context.
	for _, m := range e.History() {
		if m.Role == conversation.RoleAssistant {
			t.Error("no assistant message should be recorded on failure")
		}
	}
	if conv := e.Context(); len(conv.Turns) != 1 {
		t.Errorf("context turns = %d, want the consumed user turn", len(conv.Turns))
	}

	if e.LastError() == "" {
		t.Error("last error should be recorded")
	}
	if len(failures) != 1 {
		t.Errorf("failure callback invoked %d times, want 1", len(failures))
	}

	// A subsequent successful cycle clears the error.
	hub.err = nil
	e.Submit("recovery")
	if err := e.DrainNow(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.LastError() != "" {
		t.Errorf("last error = %q, want cleared", e.LastError())
	}
}

func TestConcurrentDrainRunsOneGeneration(t *testing.T) {
	hub := newHubStub()
	hub.started = make(chan struct{}, 1)
	hub.release = make(chan struct{})

	e := newTestEngine(hub, Options{})
	e.Submit("only message")

	done := make(chan error, 1)
	go func() { done <- e.DrainNow(context.Background()) }()
	<-hub.started

	if !e.IsProcessing() {
		t.Error("engine should report processing while a batch is in flight")
	}

	// Second drain while the first is in flight: must be a silent no-op.
	if err := e.DrainNow(context.Background()); err != nil {
		t.Fatalf("concurrent drain returned %v, want nil no-op", err)
	}

	close(hub.release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := hub.callCount(); n != 1 {
		t.Errorf("generation calls = %d, want exactly 1", n)
	}
	if e.IsProcessing() {
		t.Error("engine should be idle after the drain completes")
	}
}

// A message submitted while a batch is in flight never joins that batch; it
// is re-enqueued for the next cycle.
func TestMidDrainSubmitIsRequeued(t *testing.T) {
	hub := newHubStub()
	hub.started = make(chan struct{}, 1)
	hub.release = make(chan struct{})

	e := newTestEngine(hub, Options{})
	e.Submit("in the batch")

	done := make(chan error, 1)
	go func() { done <- e.DrainNow(context.Background()) }()
	<-hub.started

	lateID := e.Submit("arrived mid-drain")

	close(hub.release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	q := e.Queue()
	if len(q) != 1 || q[0].Message.ID != lateID {
		t.Fatalf("queue = %+v, want the late message re-enqueued", q)
	}
	stats := e.Stats()
	if stats.ProcessedMessages != 1 || stats.PendingMessages != 1 {
		t.Errorf("stats = %+v", stats)
	}

	// The late message rides the next cycle.
	if err := e.DrainNow(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hub.callCount() != 2 {
		t.Errorf("generation calls = %d, want 2", hub.callCount())
	}
	if stats := e.Stats(); stats.PendingMessages != 0 || stats.ProcessedMessages != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

// With auto-process on, a message submitted during a drain has its own
// debounce firing as a no-op while the engine is busy; the finishing cycle
// must restart the timer so the message is picked up without any further
// activity.
func TestMidDrainSubmitAutoProcessed(t *testing.T) {
	hub := newHubStub()
	hub.started = make(chan struct{}, 2)
	hub.release = make(chan struct{})

	e := newTestEngine(hub, Options{AutoProcess: true, Debounce: 20 * time.Millisecond})
	defer e.Close()

	e.Submit("first")
	<-hub.started

	e.Submit("arrived mid-drain")
	// Let the late message's own debounce elapse while the drain is still
	// in flight, then release the drain.
	time.Sleep(60 * time.Millisecond)
	close(hub.release)

	deadline := time.Now().Add(2 * time.Second)
	for hub.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if n := hub.callCount(); n != 2 {
		t.Fatalf("generation calls = %d, want 2 (late message must be drained without another submit)", n)
	}
	stats := e.Stats()
	if stats.PendingMessages != 0 || stats.ProcessedMessages != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if q := e.Queue(); len(q) != 0 {
		t.Errorf("queue = %+v, want empty", q)
	}
}

func TestRemoveQueued(t *testing.T) {
	e := newTestEngine(newHubStub(), Options{})
	id1 := e.Submit("keep me")
	id2 := e.Submit("remove me")

	if err := e.RemoveQueued(id2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := e.Stats()
	if stats.TotalMessages != 1 || stats.PendingMessages != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if h := e.History(); len(h) != 1 || h[0].ID != id1 {
		t.Errorf("history = %+v", h)
	}

	if err := e.RemoveQueued(id2); !errors.Is(err, ErrNotQueued) {
		t.Errorf("removing twice: err = %v, want ErrNotQueued", err)
	}
}

func TestRemoveDrainedMessageFails(t *testing.T) {
	e := newTestEngine(newHubStub(), Options{})
	id := e.Submit("processed")
	if err := e.DrainNow(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := e.RemoveQueued(id); !errors.Is(err, ErrNotQueued) {
		t.Errorf("err = %v, want ErrNotQueued for a drained message", err)
	}
}

func TestPromoteQueued(t *testing.T) {
	e := newTestEngine(newHubStub(), Options{})
	id1 := e.Submit("one")
	id2 := e.Submit("two")
	id3 := e.Submit("three")

	// Promoting the head is a no-op.
	if err := e.PromoteQueued(id1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q := e.Queue(); q[0].Message.ID != id1 {
		t.Errorf("queue head = %v, promoting head must not reorder", q[0].Message.ID)
	}

	// Promoting the third swaps it with the second.
	if err := e.PromoteQueued(id3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	q := e.Queue()
	if q[0].Message.ID != id1 || q[1].Message.ID != id3 || q[2].Message.ID != id2 {
		t.Errorf("queue order = %v %v %v", q[0].Message.ID, q[1].Message.ID, q[2].Message.ID)
	}

	// The display history mirrors the swap.
	h := e.History()
	if h[1].ID != id3 || h[2].ID != id2 {
		t.Errorf("history order = %v %v %v", h[0].ID, h[1].ID, h[2].ID)
	}

	if err := e.PromoteQueued("missing"); !errors.Is(err, ErrNotQueued) {
		t.Errorf("err = %v, want ErrNotQueued", err)
	}
}

func TestSynthesizeSummaryEmptyContext(t *testing.T) {
	synth := &synthStub{}
	e := NewEngine(newHubStub(), synth, nil, Options{}, nil)

	doc, err := e.SynthesizeSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc != nil {
		t.Errorf("doc = %+v, want nil for an empty context", doc)
	}
	if e.LastSummary() != nil {
		t.Error("an empty synthesis must not replace the last summary")
	}
}

func TestSynthesizeSummaryRecordsIdeas(t *testing.T) {
	synth := &synthStub{doc: &summary.Document{
		Title:    "Session digest",
		Overview: "We talked about capitals.",
		KeyInsights: []summary.Item{
			{Title: "Geography came up a lot", Priority: "medium"},
		},
		GeneratedIdeas: []summary.Item{
			{Title: "Build a quiz", Priority: "high"},
			{Title: "Add a map view", Priority: "low"},
		},
	}}
	e := NewEngine(newHubStub(), synth, nil, Options{}, nil)

	e.Submit("what is the capital of France?")
	if err := e.DrainNow(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc, err := e.SynthesizeSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc == nil {
		t.Fatal("expected a document")
	}

	if stats := e.Stats(); stats.IdeasExtracted != 2 {
		t.Errorf("ideas extracted = %d, want 2", stats.IdeasExtracted)
	}
	conv := e.Context()
	if len(conv.Ideas) != 2 || conv.Ideas[0] != "Build a quiz" {
		t.Errorf("context ideas = %v", conv.Ideas)
	}
	if len(conv.Insights) != 1 {
		t.Errorf("context insights = %v", conv.Insights)
	}
	if len(conv.SummaryPoints) != 1 || conv.SummaryPoints[0] != "We talked about capitals." {
		t.Errorf("summary points = %v", conv.SummaryPoints)
	}
	if e.LastSummary() != doc {
		t.Error("the new document should replace the last summary")
	}
}

func TestSynthesizeSummaryErrorPropagates(t *testing.T) {
	synth := &synthStub{err: errors.New("summary backend down")}
	e := NewEngine(newHubStub(), synth, nil, Options{}, nil)

	e.Submit("something")
	if err := e.DrainNow(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := e.SynthesizeSummary(context.Background()); err == nil {
		t.Fatal("expected the synthesis error to propagate")
	}
	if e.LastError() == "" {
		t.Error("last error should be recorded")
	}
}

func TestPersistOnStateChanges(t *testing.T) {
	store := &storeStub{}
	e := NewEngine(newHubStub(), &synthStub{}, store, Options{}, nil)

	e.Submit("persist me")
	if store.saveCount() == 0 {
		t.Fatal("submit should persist the session")
	}

	before := store.saveCount()
	if err := e.DrainNow(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.saveCount() <= before {
		t.Error("drain should persist the session")
	}

	store.mu.Lock()
	last := store.last
	store.mu.Unlock()
	if len(last.History) != 2 {
		t.Errorf("persisted history = %d messages, want user + assistant", len(last.History))
	}
	if last.ActiveProvider != "ollama" {
		t.Errorf("persisted active provider = %q", last.ActiveProvider)
	}
}

func TestRestoreFromState(t *testing.T) {
	msg := conversation.NewUserMessage("restored")
	state := &SessionState{
		History: []conversation.Message{msg},
		Queue: []Entry{
			{Message: msg, Priority: 1, EnqueuedAt: time.Now().UTC()},
		},
		Stats:          Stats{TotalMessages: 1},
		ActiveProvider: "ollama",
		AutoProcess:    true,
	}

	hub := newHubStub()
	e := NewEngine(hub, &synthStub{}, nil, Options{}, state)
	defer e.Close()

	if q := e.Queue(); len(q) != 1 || q[0].Message.Content != "restored" {
		t.Errorf("queue = %+v", q)
	}
	stats := e.Stats()
	if stats.TotalMessages != 1 || stats.PendingMessages != 1 {
		t.Errorf("stats = %+v, pending must be recomputed on restore", stats)
	}
	if !e.AutoProcess() {
		t.Error("auto-process flag should be restored")
	}
}

func TestImportTurns(t *testing.T) {
	e := newTestEngine(newHubStub(), Options{})

	turns := []conversation.Turn{
		{Role: conversation.RoleUser, Content: "imported question"},
		{Role: conversation.RoleAssistant, Content: "imported answer"},
	}
	if err := e.ImportTurns(turns); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Imported messages bypass the queue and are born processed.
	if q := e.Queue(); len(q) != 0 {
		t.Errorf("queue = %+v, imports must not enqueue", q)
	}
	if stats := e.Stats(); stats.PendingMessages != 0 {
		t.Errorf("pending = %d, want 0", stats.PendingMessages)
	}
	if h := e.History(); len(h) != 2 || !h[0].Processed {
		t.Errorf("history = %+v", h)
	}
	if conv := e.Context(); len(conv.Turns) != 2 {
		t.Errorf("context turns = %d, want 2", len(conv.Turns))
	}

	if err := e.ImportTurns([]conversation.Turn{{Role: "narrator", Content: "bad"}}); err == nil {
		t.Error("expected an error for an invalid role")
	}
}

func TestSwitchProvider(t *testing.T) {
	e := newTestEngine(newHubStub(), Options{})

	if err := e.SwitchProvider("ollama"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.SwitchProvider("missing"); err == nil {
		t.Error("expected an error for an unknown provider")
	}
}

func TestSetAutoProcessStopsTimer(t *testing.T) {
	hub := newHubStub()
	e := newTestEngine(hub, Options{AutoProcess: true, Debounce: 30 * time.Millisecond})

	e.Submit("queued")
	e.SetAutoProcess(false)

	time.Sleep(100 * time.Millisecond)
	if n := hub.callCount(); n != 0 {
		t.Errorf("generation calls = %d, disabling auto-process must cancel the pending drain", n)
	}
	if q := e.Queue(); len(q) != 1 {
		t.Errorf("queue = %+v, message should still be pending", q)
	}
}
