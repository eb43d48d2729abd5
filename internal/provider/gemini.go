package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider adapts the Google Generative Language API. The key travels
// as a query parameter, roles are "user"/"model", content is nested in parts,
// and safety blocks surface through promptFeedback.blockReason or a SAFETY
// finish reason. Gemini does not implement StreamingProvider; callers fall
// back to single-shot Generate.
type GeminiProvider struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client

	// mu guards apiKey and models: credential installs and catalog fetches
	// may overlap an in-flight generation.
	mu     sync.RWMutex
	apiKey string
	models []string
}

// NewGemini creates an adapter for the Gemini API.
func NewGemini(apiKey, baseURL, defaultModel string) *GeminiProvider {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	return &GeminiProvider{
		apiKey:       strings.TrimSpace(apiKey),
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		models:       []string{"gemini-2.0-flash", "gemini-1.5-pro"},
		httpClient:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *GeminiProvider) Describe() Descriptor {
	p.mu.RLock()
	models := append([]string(nil), p.models...)
	p.mu.RUnlock()
	return Descriptor{
		ID:                 "gemini",
		Name:               "Google Gemini",
		Local:              false,
		RequiresCredential: true,
		Models:             models,
		DefaultModel:       p.defaultModel,
	}
}

func (p *GeminiProvider) SetCredential(key string) {
	p.mu.Lock()
	p.apiKey = strings.TrimSpace(key)
	p.mu.Unlock()
}

func (p *GeminiProvider) credential() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.apiKey
}

func (p *GeminiProvider) endpoint(path, key string) string {
	return p.baseURL + path + "?key=" + url.QueryEscape(key)
}

// ProbeAvailability checks reachability and key validity via the models listing.
func (p *GeminiProvider) ProbeAvailability(ctx context.Context) bool {
	key := p.credential()
	if key == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/models", key), nil)
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

type geminiModelsResponse struct {
	Models []struct {
		Name                       string   `json:"name"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

// FetchModels retrieves models supporting generateContent. Requires a key.
func (p *GeminiProvider) FetchModels(ctx context.Context) ([]string, error) {
	key := p.credential()
	if key == "" {
		return nil, ErrNoCredential
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/models", key), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list geminiModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	names := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		supported := false
		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" {
				supported = true
				break
			}
		}
		if supported {
			names = append(names, strings.TrimPrefix(m.Name, "models/"))
		}
	}
	p.mu.Lock()
	p.models = names
	p.mu.Unlock()
	return names, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *GeminiProvider) buildRequest(req Request) geminiRequest {
	var system []string
	var contents []geminiContent
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	out := geminiRequest{Contents: contents}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	return out
}

// Generate performs a generateContent call.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	key := p.credential()
	if key == "" {
		return nil, &GenerationError{Provider: "gemini", Reason: ReasonNoCredential, Message: ErrNoCredential.Error()}
	}

	model := orDefault(req.Model, p.defaultModel)
	data, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint("/models/"+url.PathEscape(model)+":generateContent", key), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &GenerationError{Provider: "gemini", Reason: ReasonTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		msg := strings.TrimSpace(string(body))
		var apiErr geminiErrorResponse
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return nil, &GenerationError{
			Provider: "gemini",
			Reason:   ReasonHTTPStatus,
			Status:   resp.StatusCode,
			Message:  msg,
		}
	}

	var result geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &GenerationError{Provider: "gemini", Reason: ReasonEmptyResponse, Message: fmt.Sprintf("decoding response: %v", err)}
	}

	if result.PromptFeedback.BlockReason != "" {
		return nil, &GenerationError{
			Provider: "gemini",
			Reason:   ReasonSafetyBlocked,
			Message:  "prompt blocked: " + result.PromptFeedback.BlockReason,
		}
	}
	if len(result.Candidates) == 0 {
		return nil, &GenerationError{Provider: "gemini", Reason: ReasonEmptyResponse, Message: "response contained no candidates"}
	}

	candidate := result.Candidates[0]
	if candidate.FinishReason == "SAFETY" {
		return nil, &GenerationError{Provider: "gemini", Reason: ReasonSafetyBlocked, Message: "candidate blocked by safety settings"}
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}
	if text.Len() == 0 {
		return nil, &GenerationError{Provider: "gemini", Reason: ReasonEmptyResponse, Message: "response contained no text parts"}
	}

	return &Response{
		Content:      text.String(),
		Model:        model,
		FinishReason: candidate.FinishReason,
		Usage: Usage{
			PromptTokens:     result.UsageMetadata.PromptTokenCount,
			CompletionTokens: result.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      result.UsageMetadata.TotalTokenCount,
		},
	}, nil
}
