// Package queue implements the message queue engine: the FIFO list of
// not-yet-answered user messages, the batch-processing cycle that drains the
// queue into one combined generation request, and the statistics derived
// from processing activity.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/murmurchat/murmur/internal/composer"
	"github.com/murmurchat/murmur/internal/conversation"
	"github.com/murmurchat/murmur/internal/provider"
	"github.com/murmurchat/murmur/internal/summary"
)

const defaultDebounce = 2 * time.Second

// ErrNotQueued is returned for queue edits targeting a message that is not
// currently queued — either unknown, already processed, or part of a batch
// that has begun draining.
var ErrNotQueued = errors.New("message is not queued (already processed or draining)")

// Entry wraps a queued message with its priority and enqueue time. All
// entries carry the same priority; reordering swaps positions rather than
// assigning distinct priority values.
type Entry struct {
	Message    conversation.Message `json:"message"`
	Priority   int                  `json:"priority"`
	EnqueuedAt time.Time            `json:"enqueued_at"`
}

// Stats holds counters derived from queue and processing activity.
type Stats struct {
	TotalMessages     int       `json:"total_messages"`
	ProcessedMessages int       `json:"processed_messages"`
	PendingMessages   int       `json:"pending_messages"`
	IdeasExtracted    int       `json:"ideas_extracted"`
	LastProcessedAt   time.Time `json:"last_processed_at,omitzero"`
}

// ProviderHub is the surface of the provider registry the engine depends on.
type ProviderHub interface {
	Generate(ctx context.Context, req provider.Request) (*provider.Response, error)
	SetActive(id string) bool
	ActiveID() string
	UpdateSessionConfig(ctx context.Context, update provider.ConfigUpdate)
	ListAvailability(ctx context.Context) []provider.Availability
}

// Synthesizer is the summary flow the engine delegates to.
type Synthesizer interface {
	Synthesize(ctx context.Context, conv conversation.Context) (*summary.Document, error)
}

// SessionStore persists the serialized session after state changes.
// Implementations must tolerate frequent saves.
type SessionStore interface {
	Save(state SessionState) error
}

// Options configure engine behavior.
type Options struct {
	// AutoProcess enables the automatic drain trigger.
	AutoProcess bool

	// Debounce is the delay between the last enqueue and an automatic
	// drain; every submit restarts it so rapid submissions coalesce into
	// one batch. Zero means the default (2s).
	Debounce time.Duration

	// OnFailure, when set, is invoked with each batch generation failure
	// so the consumer can surface an inline notice.
	OnFailure func(err error)
}

// Engine owns the session's mutable state: message history, queue, stats,
// and the conversation context. It is a state machine with two states — Idle
// and Draining — guarded by a boolean flag; at most one batch cycle runs at
// a time. All methods are safe for concurrent use. A generation call runs
// with the lock released, so submissions, probes, and config changes overlap
// an in-flight drain; an in-flight drain keeps the prompt and adapter it
// captured at drain start.
type Engine struct {
	providers ProviderHub
	synth     Synthesizer
	store     SessionStore
	logger    *slog.Logger

	debounce  time.Duration
	onFailure func(error)

	mu          sync.Mutex
	history     []conversation.Message
	queue       []Entry
	stats       Stats
	conv        conversation.Context
	lastSummary *summary.Document
	autoProcess bool
	draining    bool
	lastError   string
	timer       *time.Timer
}

// NewEngine creates an engine. A nil state starts an empty session; a
// non-nil state restores a previously persisted one. store may be nil to
// disable persistence.
func NewEngine(providers ProviderHub, synth Synthesizer, store SessionStore, opts Options, state *SessionState) *Engine {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	e := &Engine{
		providers:   providers,
		synth:       synth,
		store:       store,
		logger:      slog.Default(),
		debounce:    debounce,
		onFailure:   opts.OnFailure,
		autoProcess: opts.AutoProcess,
	}
	if state != nil {
		e.history = state.History
		e.queue = state.Queue
		e.stats = state.Stats
		e.conv = state.Context
		e.lastSummary = state.LastSummary
		e.autoProcess = state.AutoProcess
		if state.ActiveProvider != "" {
			providers.SetActive(state.ActiveProvider)
		}
	}
	e.recomputePending()
	return e
}

// Submit enqueues a new user message. It always succeeds and returns the
// message id. With auto-process enabled it (re)starts the debounce timer so
// rapid successive submissions coalesce into one batch.
func (e *Engine) Submit(content string) string {
	e.mu.Lock()

	msg := conversation.NewUserMessage(content)
	e.history = append(e.history, msg)
	e.queue = append(e.queue, Entry{
		Message:    msg,
		Priority:   1,
		EnqueuedAt: time.Now().UTC(),
	})
	e.stats.TotalMessages++
	e.recomputePending()
	e.persistLocked()

	auto := e.autoProcess
	if auto {
		e.resetTimerLocked()
	}
	e.mu.Unlock()

	return msg.ID
}

// resetTimerLocked restarts the debounce timer. Caller holds e.mu.
func (e *Engine) resetTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, func() {
		if err := e.DrainNow(context.Background()); err != nil {
			e.logger.Warn("automatic batch cycle failed", "error", err)
		}
	})
}

// SetAutoProcess toggles the automatic drain trigger. Disabling it stops any
// pending debounce timer; queued messages then wait for DrainNow.
func (e *Engine) SetAutoProcess(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.autoProcess = enabled
	if !enabled && e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.persistLocked()
}

// DrainNow attempts one batch cycle immediately. It is a no-op when a cycle
// is already in flight or the queue is empty; concurrent invocations result
// in exactly one generation call. The returned error is the batch's
// generation failure, if any — the batch is consumed either way.
func (e *Engine) DrainNow(ctx context.Context) error {
	e.mu.Lock()

	if e.draining || len(e.queue) == 0 {
		e.mu.Unlock()
		return nil
	}
	e.draining = true

	// Snapshot and clear the entire queue: every entry present now is part
	// of this batch.
	batch := make([]conversation.Message, len(e.queue))
	for i, entry := range e.queue {
		batch[i] = entry.Message
	}
	e.queue = nil

	// Record the batch in the context and mark the originating messages
	// processed in one step, so pending counts are never observed out of
	// sync with the queue.
	turns := make([]conversation.Turn, len(batch))
	for i, m := range batch {
		turns[i] = conversation.Turn{Role: m.Role, Content: m.Content, Timestamp: m.CreatedAt}
	}
	if err := e.conv.AppendBatch(turns, conversation.StrategyAccumulate); err != nil {
		// Unreachable with engine-created messages; restore Idle anyway.
		e.draining = false
		e.mu.Unlock()
		return err
	}
	for i := range e.history {
		for _, m := range batch {
			if e.history[i].ID == m.ID {
				e.history[i].Processed = true
			}
		}
	}
	e.recomputePending()

	prompt := composer.BatchPrompt(e.conv, batch)
	e.logger.Debug("draining batch",
		"batch_size", len(batch),
		"prompt_tokens", composer.EstimateTokens(prompt))
	e.persistLocked()
	e.mu.Unlock()

	resp, genErr := e.providers.Generate(ctx, provider.Request{
		Messages: []provider.Message{
			{Role: "system", Content: composer.BatchSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})

	e.mu.Lock()
	now := time.Now().UTC()
	if genErr != nil {
		// The drained batch stays consumed: its turns remain in the
		// context and its messages stay processed. At-most-once, no retry.
		e.lastError = genErr.Error()
		e.logger.Warn("batch generation failed", "batch_size", len(batch), "error", genErr)
		if e.onFailure != nil {
			e.onFailure(genErr)
		}
	} else {
		reply := conversation.NewAssistantMessage(resp.Content)
		e.history = append(e.history, reply)
		if err := e.conv.AppendBatch([]conversation.Turn{{
			Role:      conversation.RoleAssistant,
			Content:   resp.Content,
			Timestamp: reply.CreatedAt,
		}}, conversation.StrategyGenerate); err != nil {
			e.logger.Warn("recording assistant turn failed", "error", err)
		}
		e.stats.ProcessedMessages += len(batch)
		e.stats.LastProcessedAt = now
		e.lastError = ""
	}
	e.draining = false

	// Messages submitted while the call was in flight landed in the cleared
	// queue (or, if the history was touched directly, are swept back in
	// here); either way they were never joined into the batch that just
	// finished. Their own debounce timers fired as no-ops during the drain,
	// so the timer must be restarted whenever work remains.
	e.requeueStrandedLocked()
	if len(e.queue) > 0 && e.autoProcess {
		e.resetTimerLocked()
	}
	e.recomputePending()
	e.persistLocked()
	e.mu.Unlock()

	return genErr
}

// requeueStrandedLocked re-enqueues unprocessed user messages that are not
// in the queue. Caller holds e.mu. Returns the number re-enqueued.
func (e *Engine) requeueStrandedLocked() int {
	queued := make(map[string]bool, len(e.queue))
	for _, entry := range e.queue {
		queued[entry.Message.ID] = true
	}

	n := 0
	for _, m := range e.history {
		if m.Role != conversation.RoleUser || m.Processed || queued[m.ID] {
			continue
		}
		e.queue = append(e.queue, Entry{
			Message:    m,
			Priority:   1,
			EnqueuedAt: time.Now().UTC(),
		})
		n++
	}
	return n
}

// RemoveQueued removes a queued message from both history and queue and
// decrements the total and pending counters. Messages already snapshotted
// into an in-flight batch are no longer queued; removing them fails with
// ErrNotQueued.
func (e *Engine) RemoveQueued(messageID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := -1
	for i, entry := range e.queue {
		if entry.Message.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotQueued
	}

	e.queue = append(e.queue[:idx], e.queue[idx+1:]...)
	for i, m := range e.history {
		if m.ID == messageID {
			e.history = append(e.history[:i], e.history[i+1:]...)
			break
		}
	}
	e.stats.TotalMessages--
	e.recomputePending()
	e.persistLocked()
	return nil
}

// PromoteQueued moves a queued message one position toward the head,
// swapping it with its immediate predecessor in both the queue order and
// the history order. Promoting the head entry is a no-op. Entries already
// drained into an in-flight batch cannot be reordered.
func (e *Engine) PromoteQueued(messageID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := -1
	for i, entry := range e.queue {
		if entry.Message.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotQueued
	}
	if idx == 0 {
		return nil
	}

	e.queue[idx-1], e.queue[idx] = e.queue[idx], e.queue[idx-1]

	// Mirror the swap in the displayed history order.
	a := e.historyIndexLocked(e.queue[idx-1].Message.ID)
	b := e.historyIndexLocked(e.queue[idx].Message.ID)
	if a >= 0 && b >= 0 {
		e.history[a], e.history[b] = e.history[b], e.history[a]
	}
	e.persistLocked()
	return nil
}

func (e *Engine) historyIndexLocked(id string) int {
	for i, m := range e.history {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// SwitchProvider activates a different backend adapter.
func (e *Engine) SwitchProvider(id string) error {
	if !e.providers.SetActive(id) {
		return fmt.Errorf("unknown provider %q", id)
	}
	e.mu.Lock()
	e.persistLocked()
	e.mu.Unlock()
	return nil
}

// ActiveProvider returns the id of the currently active backend adapter.
func (e *Engine) ActiveProvider() string {
	return e.providers.ActiveID()
}

// ProviderAvailability probes every registered backend concurrently.
func (e *Engine) ProviderAvailability(ctx context.Context) []provider.Availability {
	return e.providers.ListAvailability(ctx)
}

// UpdateConfig applies a partial generation-settings update; nil fields are
// left untouched.
func (e *Engine) UpdateConfig(ctx context.Context, model *string, temperature *float64, maxTokens *int) {
	e.providers.UpdateSessionConfig(ctx, provider.ConfigUpdate{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	e.mu.Lock()
	e.persistLocked()
	e.mu.Unlock()
}

// SetCredential installs a credential for the named backend, refreshing its
// model catalog when the backend supports live listing.
func (e *Engine) SetCredential(ctx context.Context, providerID, key string) {
	e.providers.UpdateSessionConfig(ctx, provider.ConfigUpdate{
		CredentialProvider: providerID,
		Credential:         &key,
	})
}

// SynthesizeSummary produces a fresh summary document over the current
// context snapshot, records extracted ideas and insights, and replaces the
// previous document. With an empty context it returns (nil, nil) without
// invoking the provider.
func (e *Engine) SynthesizeSummary(ctx context.Context) (*summary.Document, error) {
	e.mu.Lock()
	snapshot := e.conv.Clone()
	e.mu.Unlock()

	doc, err := e.synth.Synthesize(ctx, snapshot)
	if err != nil {
		e.mu.Lock()
		e.lastError = err.Error()
		e.mu.Unlock()
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}

	e.mu.Lock()
	e.lastSummary = doc
	e.stats.IdeasExtracted += len(doc.GeneratedIdeas)
	e.conv.RecordIdeas(itemTitles(doc.GeneratedIdeas))
	e.conv.RecordInsights(itemTitles(doc.KeyInsights))
	if doc.Overview != "" {
		e.conv.SummaryPoints = append(e.conv.SummaryPoints, doc.Overview)
	}
	e.persistLocked()
	e.mu.Unlock()

	return doc, nil
}

func itemTitles(items []summary.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Title
	}
	return out
}

// ImportTurns appends externally imported turns to both history and context
// without passing through the queue. Imported messages are born processed.
func (e *Engine) ImportTurns(turns []conversation.Turn) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	msgs := make([]conversation.Message, len(turns))
	for i, t := range turns {
		if !conversation.ValidRole(t.Role) {
			return fmt.Errorf("invalid role %q", t.Role)
		}
		var m conversation.Message
		switch t.Role {
		case conversation.RoleAssistant:
			m = conversation.NewAssistantMessage(t.Content)
		case conversation.RoleSystem:
			m = conversation.NewSystemMessage(t.Content)
		default:
			m = conversation.NewUserMessage(t.Content)
			m.Processed = true
		}
		if !t.Timestamp.IsZero() {
			m.CreatedAt = t.Timestamp
		}
		msgs[i] = m
	}

	if err := e.conv.AppendBatch(turns, conversation.StrategyAccumulate); err != nil {
		return err
	}
	e.history = append(e.history, msgs...)
	e.recomputePending()
	e.persistLocked()
	return nil
}

// recomputePending derives PendingMessages from history. Caller holds e.mu.
func (e *Engine) recomputePending() {
	n := 0
	for _, m := range e.history {
		if m.Role == conversation.RoleUser && !m.Processed {
			n++
		}
	}
	e.stats.PendingMessages = n
}

// persistLocked saves the session best-effort. Caller holds e.mu.
func (e *Engine) persistLocked() {
	if e.store == nil {
		return
	}
	if err := e.store.Save(e.stateLocked()); err != nil {
		e.logger.Warn("session save failed", "error", err)
	}
}

// Close stops the debounce timer and flushes the session to storage.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.persistLocked()
}
