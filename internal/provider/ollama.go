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

// DefaultOllamaBaseURL is the standard local Ollama endpoint.
const DefaultOllamaBaseURL = "http://localhost:11434"

// OllamaProvider adapts a local Ollama instance. Ollama's completion
// endpoint takes one flattened prompt string rather than a role array, so
// the conversation is rendered into role-tagged lines before sending.
// Streaming is framed as newline-delimited JSON.
type OllamaProvider struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client

	// mu guards models: catalog fetches may overlap an in-flight generation.
	mu     sync.RWMutex
	models []string
}

// NewOllama creates an adapter targeting the given Ollama base URL.
func NewOllama(baseURL, defaultModel string) *OllamaProvider {
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	if defaultModel == "" {
		defaultModel = "llama3.2"
	}
	return &OllamaProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: 0},
	}
}

func (p *OllamaProvider) Describe() Descriptor {
	p.mu.RLock()
	models := append([]string(nil), p.models...)
	p.mu.RUnlock()
	if len(models) == 0 {
		models = []string{p.defaultModel}
	}
	return Descriptor{
		ID:                 "ollama",
		Name:               "Ollama (local)",
		Local:              true,
		RequiresCredential: false,
		RequiresEndpoint:   true,
		Models:             models,
		DefaultModel:       p.defaultModel,
	}
}

// SetCredential is a no-op: the local runtime is unauthenticated.
func (p *OllamaProvider) SetCredential(string) {}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ProbeAvailability returns true if the server answers GET /api/tags with 200.
func (p *OllamaProvider) ProbeAvailability(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// FetchModels lists the models present in the local instance. The local
// catalog is live, not static, so it is fetched on demand with no credential.
func (p *OllamaProvider) FetchModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	p.mu.Lock()
	p.models = names
	p.mu.Unlock()
	return names, nil
}

// flattenPrompt renders role-structured messages into Ollama's single prompt
// string. System turns are extracted separately for the system field.
func flattenPrompt(messages []Message) (system string, prompt string) {
	var sys, conv []string
	for _, m := range messages {
		switch m.Role {
		case "system":
			sys = append(sys, m.Content)
		case "assistant":
			conv = append(conv, "Assistant: "+m.Content)
		default:
			conv = append(conv, "User: "+m.Content)
		}
	}
	return strings.Join(sys, "\n\n"), strings.Join(conv, "\n\n")
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

func (p *OllamaProvider) buildRequest(req Request, stream bool) ollamaGenerateRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	system, prompt := flattenPrompt(req.Messages)

	opts := map[string]any{}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	out := ollamaGenerateRequest{
		Model:  model,
		Prompt: prompt,
		System: system,
		Stream: stream,
	}
	if len(opts) > 0 {
		out.Options = opts
	}
	return out
}

func (p *OllamaProvider) post(ctx context.Context, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.httpClient.Do(req)
}

// Generate performs a single-shot completion.
func (p *OllamaProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	or := p.buildRequest(req, false)

	resp, err := p.post(ctx, or)
	if err != nil {
		return nil, &GenerationError{Provider: "ollama", Reason: ReasonTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &GenerationError{
			Provider: "ollama",
			Reason:   ReasonHTTPStatus,
			Status:   resp.StatusCode,
			Message:  strings.TrimSpace(string(body)),
		}
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &GenerationError{Provider: "ollama", Reason: ReasonEmptyResponse, Message: fmt.Sprintf("decoding response: %v", err)}
	}
	if result.Response == "" {
		return nil, &GenerationError{Provider: "ollama", Reason: ReasonEmptyResponse, Message: "backend returned no text"}
	}

	return &Response{
		Content:      result.Response,
		Model:        result.Model,
		FinishReason: result.DoneReason,
		Usage: Usage{
			PromptTokens:     result.PromptEvalCount,
			CompletionTokens: result.EvalCount,
			TotalTokens:      result.PromptEvalCount + result.EvalCount,
		},
	}, nil
}

// GenerateStream performs a chunked completion framed as newline-delimited
// JSON, invoking onChunk per line until the backend reports done.
func (p *OllamaProvider) GenerateStream(ctx context.Context, req Request, onChunk func(Chunk) error) error {
	or := p.buildRequest(req, true)

	resp, err := p.post(ctx, or)
	if err != nil {
		return &GenerationError{Provider: "ollama", Reason: ReasonTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &GenerationError{
			Provider: "ollama",
			Reason:   ReasonHTTPStatus,
			Status:   resp.StatusCode,
			Message:  strings.TrimSpace(string(body)),
		}
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var line ollamaGenerateResponse
		if err := dec.Decode(&line); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		if line.Response != "" {
			if err := onChunk(Chunk{Content: line.Response}); err != nil {
				return err
			}
		}
		if line.Done {
			return onChunk(Chunk{Done: true})
		}
	}
}
