package queue

import (
	"github.com/murmurchat/murmur/internal/conversation"
	"github.com/murmurchat/murmur/internal/summary"
)

// SessionState is the single serialized record persisted for a session.
// Timestamps round-trip through their RFC 3339 JSON form.
type SessionState struct {
	History        []conversation.Message `json:"history"`
	Queue          []Entry                `json:"queue"`
	Stats          Stats                  `json:"stats"`
	Context        conversation.Context   `json:"context"`
	LastSummary    *summary.Document      `json:"last_summary,omitempty"`
	ActiveProvider string                 `json:"active_provider,omitempty"`
	AutoProcess    bool                   `json:"auto_process"`
}

// stateLocked assembles the current session state. Caller holds e.mu.
func (e *Engine) stateLocked() SessionState {
	return SessionState{
		History:        append([]conversation.Message(nil), e.history...),
		Queue:          append([]Entry(nil), e.queue...),
		Stats:          e.stats,
		Context:        e.conv.Clone(),
		LastSummary:    e.lastSummary,
		ActiveProvider: e.providers.ActiveID(),
		AutoProcess:    e.autoProcess,
	}
}

// ExportState returns a copy of the full session state.
func (e *Engine) ExportState() SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

// History returns a copy of the message history in display order.
func (e *Engine) History() []conversation.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]conversation.Message(nil), e.history...)
}

// Queue returns a copy of the current queue order.
func (e *Engine) Queue() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Entry(nil), e.queue...)
}

// Stats returns the current derived counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Context returns a deep copy of the conversation context.
func (e *Engine) Context() conversation.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Clone()
}

// LastSummary returns the latest summary document, or nil.
func (e *Engine) LastSummary() *summary.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSummary
}

// IsProcessing reports whether a batch cycle is in flight.
func (e *Engine) IsProcessing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// AutoProcess reports whether the automatic drain trigger is enabled.
func (e *Engine) AutoProcess() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoProcess
}

// LastError returns the most recent batch or summary failure message, or ""
// if the latest operation succeeded.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}
