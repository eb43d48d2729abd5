package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaGenerate(t *testing.T) {
	var got ollamaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %q, want /api/generate", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Model:           "llama3.2",
			Response:        "batched answer",
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 12,
			EvalCount:       8,
		})
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "")
	resp, err := p.Generate(context.Background(), Request{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "first question"},
			{Role: "assistant", Content: "earlier answer"},
			{Role: "user", Content: "second question"},
		},
		Temperature: 0.5,
		MaxTokens:   100,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "batched answer" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 20 {
		t.Errorf("total tokens = %d, want 20", resp.Usage.TotalTokens)
	}

	if got.Model != "llama3.2" {
		t.Errorf("model = %q, want default llama3.2", got.Model)
	}
	if got.System != "be brief" {
		t.Errorf("system = %q", got.System)
	}
	if got.Stream {
		t.Error("stream should be false for single-shot generate")
	}
	wantPrompt := "User: first question\n\nAssistant: earlier answer\n\nUser: second question"
	if got.Prompt != wantPrompt {
		t.Errorf("prompt = %q, want %q", got.Prompt, wantPrompt)
	}
	if got.Options["temperature"] != 0.5 {
		t.Errorf("options.temperature = %v", got.Options["temperature"])
	}
	if got.Options["num_predict"] != float64(100) {
		t.Errorf("options.num_predict = %v", got.Options["num_predict"])
	}
}

func TestOllamaGenerateEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaGenerateResponse{Done: true})
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "")
	_, err := p.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error for empty response")
	}
	ge, ok := err.(*GenerationError)
	if !ok {
		t.Fatalf("error type = %T, want *GenerationError", err)
	}
	if ge.Reason != ReasonEmptyResponse {
		t.Errorf("reason = %q, want %q", ge.Reason, ReasonEmptyResponse)
	}
}

func TestOllamaGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "")
	_, err := p.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	ge, ok := err.(*GenerationError)
	if !ok {
		t.Fatalf("error type = %T, want *GenerationError", err)
	}
	if ge.Reason != ReasonHTTPStatus || ge.Status != 404 {
		t.Errorf("got reason=%q status=%d, want http_status 404", ge.Reason, ge.Status)
	}
	if !strings.Contains(ge.Message, "model not found") {
		t.Errorf("message = %q, want it to carry the body", ge.Message)
	}
}

func TestOllamaGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaGenerateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream should be true")
		}
		enc := json.NewEncoder(w)
		enc.Encode(ollamaGenerateResponse{Response: "Hel"})
		enc.Encode(ollamaGenerateResponse{Response: "lo"})
		enc.Encode(ollamaGenerateResponse{Done: true, DoneReason: "stop"})
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "")

	var text strings.Builder
	var sawDone bool
	err := p.GenerateStream(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(c Chunk) error {
		if c.Done {
			sawDone = true
			return nil
		}
		text.WriteString(c.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text.String() != "Hello" {
		t.Errorf("streamed text = %q, want Hello", text.String())
	}
	if !sawDone {
		t.Error("expected a final done chunk")
	}
}

func TestOllamaProbeAvailability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(404)
			return
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "")
	if !p.ProbeAvailability(context.Background()) {
		t.Error("probe should succeed against a live server")
	}

	srv.Close()
	if p.ProbeAvailability(context.Background()) {
		t.Error("probe should fail against a closed server")
	}
}

func TestOllamaFetchModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3.2"},{"name":"mistral-nemo"}]}`))
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "")
	models, err := p.FetchModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3.2" || models[1] != "mistral-nemo" {
		t.Errorf("models = %v", models)
	}

	// The fetched catalog should now appear in the descriptor.
	desc := p.Describe()
	if len(desc.Models) != 2 {
		t.Errorf("descriptor models = %v", desc.Models)
	}
}

func TestOllamaDescriptor(t *testing.T) {
	p := NewOllama("", "")
	desc := p.Describe()
	if desc.ID != "ollama" || !desc.Local || desc.RequiresCredential {
		t.Errorf("descriptor = %+v", desc)
	}
	if desc.DefaultModel != "llama3.2" {
		t.Errorf("default model = %q", desc.DefaultModel)
	}
}
