// Package provider abstracts LLM backends behind a single generate
// operation. Each backend (local Ollama runtime, hosted OpenAI, Anthropic,
// and Gemini APIs) has its own wire format, streaming framing, and
// safety-block signaling; the adapters in this package absorb that variance
// so the rest of the system is backend-agnostic.
package provider

import "context"

// Message is a single role-tagged turn sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the common generation request shape. Zero-valued Model,
// Temperature, and MaxTokens mean "unset"; the Registry fills them from
// session defaults before dispatching to an adapter.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int
}

// Usage reports token counts when the backend supplies them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the normalized generation result.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Chunk is one increment of streamed output.
type Chunk struct {
	Content string
	Done    bool
}

// Descriptor describes a registered backend for display and configuration.
type Descriptor struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Local              bool     `json:"local"`
	RequiresCredential bool     `json:"requires_credential"`
	RequiresEndpoint   bool     `json:"requires_endpoint"`
	Models             []string `json:"models"`
	DefaultModel       string   `json:"default_model"`
}

// Provider is the uniform adapter contract implemented by every backend.
type Provider interface {
	// Describe returns the current descriptor, including the usable model
	// catalog (static, or the most recently fetched list for dynamic
	// backends).
	Describe() Descriptor

	// SetCredential installs or replaces the backend credential. Local
	// backends ignore it.
	SetCredential(key string)

	// ProbeAvailability performs a lightweight reachability/auth check.
	// It never returns an error; any failure reports false.
	ProbeAvailability(ctx context.Context) bool

	// Generate translates the conversation into the backend's native
	// request shape and returns the normalized response. Failures are
	// *GenerationError values carrying the upstream status and a reason.
	Generate(ctx context.Context, req Request) (*Response, error)
}

// StreamingProvider is the optional incremental-output capability.
// Consumers must tolerate adapters that do not implement it and fall back
// to single-shot Generate.
type StreamingProvider interface {
	// GenerateStream invokes onChunk for each partial-content chunk until
	// the backend signals completion. The sequence is finite and
	// non-restartable.
	GenerateStream(ctx context.Context, req Request, onChunk func(Chunk) error) error
}

// ModelLister is the optional dynamic-catalog capability for backends whose
// model list is not static. It requires a credential; calling it without one
// fails with ErrNoCredential, distinct from a fetch failure.
type ModelLister interface {
	FetchModels(ctx context.Context) ([]string, error)
}
