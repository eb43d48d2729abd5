package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAnthropicGenerate(t *testing.T) {
	var gotHeaders http.Header
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{
			"model": "claude-sonnet-4-20250514",
			"content": [
				{"type": "text", "text": "part one "},
				{"type": "tool_use", "text": "ignored"},
				{"type": "text", "text": "part two"}
			],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 7, "output_tokens": 3}
		}`))
	}))
	defer srv.Close()

	p := NewAnthropic("key-test", srv.URL, "")
	resp, err := p.Generate(context.Background(), Request{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotHeaders.Get("x-api-key") != "key-test" {
		t.Errorf("x-api-key = %q", gotHeaders.Get("x-api-key"))
	}
	if gotHeaders.Get("anthropic-version") != "2023-06-01" {
		t.Errorf("anthropic-version = %q", gotHeaders.Get("anthropic-version"))
	}

	// System turns are hoisted into the top-level field.
	if got.System != "be brief" {
		t.Errorf("system = %q", got.System)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Errorf("messages = %+v, want only the user turn", got.Messages)
	}
	if got.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d, want mandatory default 4096", got.MaxTokens)
	}

	// Only text blocks contribute to the content.
	if resp.Content != "part one part two" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}
}

func TestAnthropicGenerateRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content": [], "stop_reason": "refusal"}`))
	}))
	defer srv.Close()

	p := NewAnthropic("key-test", srv.URL, "")
	_, err := p.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if !IsSafetyBlocked(err) {
		t.Errorf("expected safety-blocked error, got %v", err)
	}
}

func TestAnthropicGenerateNoCredential(t *testing.T) {
	p := NewAnthropic("", "", "")
	_, err := p.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	var ge *GenerationError
	if !errors.As(err, &ge) || ge.Reason != ReasonNoCredential {
		t.Errorf("err = %v, want no_credential GenerationError", err)
	}
}

func TestAnthropicStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		w.Write([]byte(`{"error": {"type": "overloaded_error", "message": "Overloaded"}}`))
	}))
	defer srv.Close()

	p := NewAnthropic("key-test", srv.URL, "")
	_, err := p.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	var ge *GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("error type = %T", err)
	}
	if ge.Status != 529 || ge.Message != "Overloaded" {
		t.Errorf("got status=%d message=%q", ge.Status, ge.Message)
	}
}

func TestAnthropicProbeTreats400AsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "max_tokens too small"}}`))
	}))
	defer srv.Close()

	p := NewAnthropic("key-test", srv.URL, "")
	if !p.ProbeAvailability(context.Background()) {
		t.Error("a validation error still proves reachability and a valid key")
	}
}

func TestAnthropicProbeTreats401AsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
	}))
	defer srv.Close()

	p := NewAnthropic("key-test", srv.URL, "")
	if p.ProbeAvailability(context.Background()) {
		t.Error("auth failure should report unavailable")
	}
}

func TestAnthropicGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\ndata: {\"type\":\"message_start\"}\n\n"))
		w.Write([]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n"))
		w.Write([]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n"))
		w.Write([]byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"))
	}))
	defer srv.Close()

	p := NewAnthropic("key-test", srv.URL, "")

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
		t.Errorf("streamed text = %q", text.String())
	}
	if !sawDone {
		t.Error("expected a done chunk on message_stop")
	}
}
