package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider adapts the OpenAI chat completions API. The model catalog
// is dynamic: it is fetched live once a credential is supplied. Streaming is
// SSE-framed "data: <json>" lines terminated by a [DONE] sentinel.
type OpenAIProvider struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client

	// mu guards apiKey and models: credential installs and catalog fetches
	// may overlap an in-flight generation.
	mu     sync.RWMutex
	apiKey string
	models []string
}

// NewOpenAI creates an adapter for the OpenAI API. Pass an empty baseURL for
// the public endpoint.
func NewOpenAI(apiKey, baseURL, defaultModel string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		apiKey:       strings.TrimSpace(apiKey),
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		models:       []string{"gpt-4o", "gpt-4o-mini"},
		httpClient:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OpenAIProvider) Describe() Descriptor {
	p.mu.RLock()
	models := append([]string(nil), p.models...)
	p.mu.RUnlock()
	return Descriptor{
		ID:                 "openai",
		Name:               "OpenAI",
		Local:              false,
		RequiresCredential: true,
		Models:             models,
		DefaultModel:       p.defaultModel,
	}
}

func (p *OpenAIProvider) SetCredential(key string) {
	p.mu.Lock()
	p.apiKey = strings.TrimSpace(key)
	p.mu.Unlock()
}

func (p *OpenAIProvider) credential() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.apiKey
}

// ProbeAvailability checks reachability and auth with a models listing.
func (p *OpenAIProvider) ProbeAvailability(ctx context.Context) bool {
	key := p.credential()
	if key == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type openAIModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// FetchModels retrieves the usable model list. It requires a credential;
// the missing-credential case is distinct from a fetch failure.
func (p *OpenAIProvider) FetchModels(ctx context.Context) ([]string, error) {
	key := p.credential()
	if key == "" {
		return nil, ErrNoCredential
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list openAIModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	names := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		// The listing includes embeddings, TTS, and other non-chat models.
		if strings.HasPrefix(m.ID, "gpt-") || strings.HasPrefix(m.ID, "o1") || strings.HasPrefix(m.ID, "o3") {
			names = append(names, m.ID)
		}
	}
	sort.Strings(names)
	p.mu.Lock()
	p.models = names
	p.mu.Unlock()
	return names, nil
}

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) doChat(ctx context.Context, key string, body openAIChatRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	return p.httpClient.Do(req)
}

func (p *OpenAIProvider) statusError(resp *http.Response) *GenerationError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	msg := strings.TrimSpace(string(body))
	var apiErr openAIErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	return &GenerationError{
		Provider: "openai",
		Reason:   ReasonHTTPStatus,
		Status:   resp.StatusCode,
		Message:  msg,
	}
}

// Generate performs a role-structured chat completion.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	key := p.credential()
	if key == "" {
		return nil, &GenerationError{Provider: "openai", Reason: ReasonNoCredential, Message: ErrNoCredential.Error()}
	}

	body := openAIChatRequest{
		Model:       orDefault(req.Model, p.defaultModel),
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	resp, err := p.doChat(ctx, key, body)
	if err != nil {
		return nil, &GenerationError{Provider: "openai", Reason: ReasonTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var result openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &GenerationError{Provider: "openai", Reason: ReasonEmptyResponse, Message: fmt.Sprintf("decoding response: %v", err)}
	}
	if len(result.Choices) == 0 {
		return nil, &GenerationError{Provider: "openai", Reason: ReasonEmptyResponse, Message: "response contained no choices"}
	}

	choice := result.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, &GenerationError{Provider: "openai", Reason: ReasonSafetyBlocked, Message: "response blocked by content filter"}
	}
	if choice.Message.Content == "" {
		return nil, &GenerationError{Provider: "openai", Reason: ReasonEmptyResponse, Message: "response contained no text"}
	}

	return &Response{
		Content:      choice.Message.Content,
		Model:        result.Model,
		FinishReason: choice.FinishReason,
		Usage:        result.Usage,
	}, nil
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// GenerateStream performs an SSE-framed chat completion.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, req Request, onChunk func(Chunk) error) error {
	key := p.credential()
	if key == "" {
		return &GenerationError{Provider: "openai", Reason: ReasonNoCredential, Message: ErrNoCredential.Error()}
	}

	body := openAIChatRequest{
		Model:       orDefault(req.Model, p.defaultModel),
		Messages:    req.Messages,
		Stream:      true,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	resp, err := p.doChat(ctx, key, body)
	if err != nil {
		return &GenerationError{Provider: "openai", Reason: ReasonTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.statusError(resp)
	}

	err = scanSSE(resp.Body, func(data []byte) error {
		var chunk openAIStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed keep-alive lines.
			return nil
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		if chunk.Choices[0].Delta.Content != "" {
			return onChunk(Chunk{Content: chunk.Choices[0].Delta.Content})
		}
		return nil
	})
	if err != nil {
		return err
	}
	return onChunk(Chunk{Done: true})
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
