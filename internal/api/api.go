// Package api exposes the queue engine over HTTP for the chat UI and CLI.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/murmurchat/murmur/internal/conversation"
	"github.com/murmurchat/murmur/internal/ingest"
	"github.com/murmurchat/murmur/internal/queue"
)

const maxRequestBodySize = 1 << 20 // 1MB

// NewHandler returns an http.Handler implementing the session REST API.
// importer may be nil to disable transcript import.
func NewHandler(engine *queue.Engine, importer *ingest.Importer) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/v1/state", handleState(engine))
	r.Post("/v1/messages", handleSubmit(engine))
	r.Post("/v1/queue/drain", handleDrain(engine))
	r.Delete("/v1/queue/{id}", handleRemove(engine))
	r.Post("/v1/queue/{id}/promote", handlePromote(engine))
	r.Put("/v1/settings", handleSettings(engine))
	r.Get("/v1/providers", handleProviders(engine))
	r.Put("/v1/providers/active", handleSwitchProvider(engine))
	r.Post("/v1/summary", handleSummary(engine))
	r.Post("/v1/import", handleImport(engine, importer))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// stateResponse is the full session snapshot returned by GET /v1/state.
type stateResponse struct {
	queue.SessionState
	IsProcessing bool   `json:"is_processing"`
	LastError    string `json:"last_error,omitempty"`
}

func handleState(engine *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, stateResponse{
			SessionState: engine.ExportState(),
			IsProcessing: engine.IsProcessing(),
			LastError:    engine.LastError(),
		})
	}
}

type submitRequest struct {
	Content string `json:"content"`
}

func handleSubmit(engine *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		id := engine.Submit(req.Content)
		writeJSON(w, map[string]string{"id": id})
	}
}

func handleDrain(engine *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.DrainNow(r.Context()); err != nil {
			// The batch is consumed; report the failure inline rather than
			// as a transport error so the UI can show a dismissible notice.
			writeJSON(w, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, map[string]any{
			"stats": engine.Stats(),
		})
	}
}

func handleRemove(engine *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := engine.RemoveQueued(id); err != nil {
			status := http.StatusNotFound
			if errors.Is(err, queue.ErrNotQueued) {
				status = http.StatusConflict
			}
			httpError(w, status, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, map[string]string{"removed": id})
	}
}

func handlePromote(engine *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := engine.PromoteQueued(id); err != nil {
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, map[string]string{"promoted": id})
	}
}

// settingsRequest is a partial settings update; nil fields are untouched.
type settingsRequest struct {
	AutoProcess        *bool    `json:"auto_process,omitempty"`
	Model              *string  `json:"model,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	MaxTokens          *int     `json:"max_tokens,omitempty"`
	CredentialProvider string   `json:"credential_provider,omitempty"`
	Credential         *string  `json:"credential,omitempty"`
}

func handleSettings(engine *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req settingsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.AutoProcess != nil {
			engine.SetAutoProcess(*req.AutoProcess)
		}
		engine.UpdateConfig(r.Context(), req.Model, req.Temperature, req.MaxTokens)
		if req.Credential != nil && req.CredentialProvider != "" {
			engine.SetCredential(r.Context(), req.CredentialProvider, *req.Credential)
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func handleProviders(engine *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"active":       engine.ActiveProvider(),
			"availability": engine.ProviderAvailability(r.Context()),
		})
	}
}

type switchProviderRequest struct {
	ID string `json:"id"`
}

func handleSwitchProvider(engine *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req switchProviderRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := engine.SwitchProvider(req.ID); err != nil {
			httpError(w, http.StatusNotFound, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, map[string]string{"active": req.ID})
	}
}

func handleSummary(engine *queue.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := engine.SynthesizeSummary(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "summary generation failed: %v", err)
			return
		}
		if doc == nil {
			writeJSON(w, map[string]string{"status": "empty"})
			return
		}
		writeJSON(w, doc)
	}
}

type importRequest struct {
	Type    string `json:"type"` // "text", "pdf", or "url"
	Content string `json:"content,omitempty"`
	Path    string `json:"path,omitempty"`
	URL     string `json:"url,omitempty"`
}

func handleImport(engine *queue.Engine, importer *ingest.Importer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if importer == nil {
			httpError(w, http.StatusNotImplemented, "invalid_request_error", "import is disabled")
			return
		}
		var req importRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var turns []conversation.Turn
		var err error
		switch req.Type {
		case "text":
			turns = ingest.ParseTranscript(req.Content)
		case "pdf":
			turns, err = importer.ImportPDF(req.Path)
		case "url":
			turns, err = importer.ImportURL(r.Context(), req.URL)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type must be text, pdf, or url")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "import failed: %v", err)
			return
		}
		if len(turns) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "transcript contained no turns")
			return
		}

		if err := engine.ImportTurns(turns); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "recording turns: %v", err)
			return
		}
		writeJSON(w, map[string]int{"imported": len(turns)})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
