package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// anthropicModels is the static catalog; Anthropic keys cannot enumerate
// models, so the list is fixed at build time.
var anthropicModels = []string{
	"claude-sonnet-4-20250514",
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
}

// AnthropicProvider adapts the Anthropic messages API. Anthropic takes the
// system prompt as a top-level field rather than a system-role turn, returns
// content as typed blocks, and signals refusals through stop_reason.
type AnthropicProvider struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client

	// mu guards apiKey: credential installs may overlap an in-flight
	// generation.
	mu     sync.RWMutex
	apiKey string
}

// NewAnthropic creates an adapter for the Anthropic API.
func NewAnthropic(apiKey, baseURL, defaultModel string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if defaultModel == "" {
		defaultModel = anthropicModels[0]
	}
	return &AnthropicProvider{
		apiKey:       strings.TrimSpace(apiKey),
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *AnthropicProvider) Describe() Descriptor {
	return Descriptor{
		ID:                 "anthropic",
		Name:               "Anthropic",
		Local:              false,
		RequiresCredential: true,
		Models:             anthropicModels,
		DefaultModel:       p.defaultModel,
	}
}

func (p *AnthropicProvider) SetCredential(key string) {
	p.mu.Lock()
	p.apiKey = strings.TrimSpace(key)
	p.mu.Unlock()
}

func (p *AnthropicProvider) credential() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.apiKey
}

// ProbeAvailability sends a minimal messages request and treats any response
// other than an auth or connectivity failure as available. Anthropic has no
// cheap unauthenticated health endpoint, so a 400 (validation error) still
// proves reachability and a valid key.
func (p *AnthropicProvider) ProbeAvailability(ctx context.Context) bool {
	key := p.credential()
	if key == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body := []byte(`{"model":"` + p.defaultModel + `","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return false
	}
	setAnthropicHeaders(req, key)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden
}

func setAnthropicHeaders(req *http.Request, key string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", anthropicVersion)
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// splitSystem extracts system-role turns into Anthropic's top-level system
// field, leaving only user/assistant turns in the message array.
func splitSystem(messages []Message) (string, []Message) {
	var sys []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			sys = append(sys, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}

func (p *AnthropicProvider) buildRequest(req Request, stream bool) anthropicRequest {
	system, messages := splitSystem(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096 // max_tokens is mandatory on this API
	}
	return anthropicRequest{
		Model:       orDefault(req.Model, p.defaultModel),
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (p *AnthropicProvider) doMessages(ctx context.Context, key string, body anthropicRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	setAnthropicHeaders(req, key)
	return p.httpClient.Do(req)
}

func (p *AnthropicProvider) statusError(resp *http.Response) *GenerationError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	msg := strings.TrimSpace(string(body))
	var apiErr anthropicErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	return &GenerationError{
		Provider: "anthropic",
		Reason:   ReasonHTTPStatus,
		Status:   resp.StatusCode,
		Message:  msg,
	}
}

// Generate performs a messages-API completion.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	key := p.credential()
	if key == "" {
		return nil, &GenerationError{Provider: "anthropic", Reason: ReasonNoCredential, Message: ErrNoCredential.Error()}
	}

	resp, err := p.doMessages(ctx, key, p.buildRequest(req, false))
	if err != nil {
		return nil, &GenerationError{Provider: "anthropic", Reason: ReasonTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var result anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &GenerationError{Provider: "anthropic", Reason: ReasonEmptyResponse, Message: fmt.Sprintf("decoding response: %v", err)}
	}

	if result.StopReason == "refusal" {
		return nil, &GenerationError{Provider: "anthropic", Reason: ReasonSafetyBlocked, Message: "response refused by model policy"}
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &GenerationError{Provider: "anthropic", Reason: ReasonEmptyResponse, Message: "response contained no text blocks"}
	}

	return &Response{
		Content:      text.String(),
		Model:        result.Model,
		FinishReason: result.StopReason,
		Usage: Usage{
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
		},
	}, nil
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// GenerateStream performs an SSE-framed messages completion. Anthropic frames
// events as "event:"/"data:" pairs; only the data payloads are consumed.
func (p *AnthropicProvider) GenerateStream(ctx context.Context, req Request, onChunk func(Chunk) error) error {
	key := p.credential()
	if key == "" {
		return &GenerationError{Provider: "anthropic", Reason: ReasonNoCredential, Message: ErrNoCredential.Error()}
	}

	resp, err := p.doMessages(ctx, key, p.buildRequest(req, true))
	if err != nil {
		return &GenerationError{Provider: "anthropic", Reason: ReasonTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.statusError(resp)
	}

	done := false
	err = scanSSE(resp.Body, func(data []byte) error {
		var ev anthropicStreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text != "" {
				return onChunk(Chunk{Content: ev.Delta.Text})
			}
		case "message_stop":
			done = true
			return onChunk(Chunk{Done: true})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !done {
		return onChunk(Chunk{Done: true})
	}
	return nil
}
