package provider

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SessionConfig holds the session-level generation defaults applied to any
// request field the caller leaves unset.
type SessionConfig struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// ConfigUpdate is a partial session-config change. Nil fields are left as-is.
type ConfigUpdate struct {
	Model       *string
	Temperature *float64
	MaxTokens   *int

	// CredentialProvider/Credential install a credential for one backend.
	CredentialProvider string
	Credential         *string
}

// Availability is one adapter's probe result.
type Availability struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Local     bool   `json:"local"`
	Available bool   `json:"available"`
}

// Registry holds the set of adapters, tracks which is active, and is the
// single point through which the rest of the system issues generation
// requests. All methods are safe for concurrent use; generation calls run
// outside the lock, so probes and config changes can overlap an in-flight
// request. An in-flight request keeps using the adapter it captured at
// dispatch time even if the active provider is switched underneath it.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider
	order     []string
	active    string
	cfg       SessionConfig
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		logger:    slog.Default(),
	}
}

// Register adds an adapter. The first registered adapter becomes active.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc := p.Describe()
	if _, exists := r.providers[desc.ID]; !exists {
		r.order = append(r.order, desc.ID)
	}
	r.providers[desc.ID] = p
	if r.active == "" {
		r.active = desc.ID
		r.cfg.Model = desc.DefaultModel
	}
}

// ActiveID returns the identifier of the active adapter, or "" if none.
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Config returns a copy of the current session config.
func (r *Registry) Config() SessionConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Describe returns descriptors for all registered adapters in registration order.
func (r *Registry) Describe() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id].Describe())
	}
	return out
}

// SetActive switches the active adapter and aligns the session default model
// to the new adapter's default. It reports false for an unknown id.
func (r *Registry) SetActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return false
	}
	r.active = id
	r.cfg.Model = p.Describe().DefaultModel
	return true
}

// UpdateSessionConfig merges the partial update into the session config. When
// a credential is newly supplied for a dynamic-catalog backend, the usable
// model list is refreshed; a fetch failure is logged and swallowed.
func (r *Registry) UpdateSessionConfig(ctx context.Context, update ConfigUpdate) {
	r.mu.Lock()
	if update.Model != nil {
		r.cfg.Model = *update.Model
	}
	if update.Temperature != nil {
		r.cfg.Temperature = *update.Temperature
	}
	if update.MaxTokens != nil {
		r.cfg.MaxTokens = *update.MaxTokens
	}

	var target Provider
	if update.Credential != nil && update.CredentialProvider != "" {
		target = r.providers[update.CredentialProvider]
	}
	r.mu.Unlock()

	if target == nil {
		return
	}

	target.SetCredential(*update.Credential)

	lister, ok := target.(ModelLister)
	if !ok {
		return
	}
	if _, err := lister.FetchModels(ctx); err != nil {
		r.logger.Warn("model list refresh failed",
			"provider", update.CredentialProvider, "error", err)
	}
}

// ListAvailability probes every registered adapter concurrently. One
// adapter's probe failure never fails the listing; that adapter simply
// reports unavailable. Probes do not touch queue or context state.
func (r *Registry) ListAvailability(ctx context.Context) []Availability {
	r.mu.Lock()
	ids := append([]string(nil), r.order...)
	providers := make([]Provider, len(ids))
	for i, id := range ids {
		providers[i] = r.providers[id]
	}
	r.mu.Unlock()

	results := make([]Availability, len(ids))
	g, gCtx := errgroup.WithContext(ctx)
	for i := range providers {
		g.Go(func() error {
			desc := providers[i].Describe()
			results[i] = Availability{
				ID:        desc.ID,
				Name:      desc.Name,
				Local:     desc.Local,
				Available: providers[i].ProbeAvailability(gCtx),
			}
			return nil
		})
	}
	g.Wait()
	return results
}

// captureActive snapshots the active adapter and the request with session
// defaults applied.
func (r *Registry) captureActive(req Request) (Provider, Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == "" {
		return nil, req, ErrNoActiveProvider
	}
	p := r.providers[r.active]

	if req.Model == "" {
		req.Model = r.cfg.Model
	}
	if req.Temperature == 0 {
		req.Temperature = r.cfg.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = r.cfg.MaxTokens
	}
	return p, req, nil
}

// Generate delegates to the active adapter with session defaults applied.
func (r *Registry) Generate(ctx context.Context, req Request) (*Response, error) {
	p, filled, err := r.captureActive(req)
	if err != nil {
		return nil, err
	}
	return p.Generate(ctx, filled)
}

// GenerateStream delegates streamed generation to the active adapter. It
// fails with ErrStreamingUnsupported if the adapter lacks the capability.
func (r *Registry) GenerateStream(ctx context.Context, req Request, onChunk func(Chunk) error) error {
	p, filled, err := r.captureActive(req)
	if err != nil {
		return err
	}
	sp, ok := p.(StreamingProvider)
	if !ok {
		return ErrStreamingUnsupported
	}
	return sp.GenerateStream(ctx, filled, onChunk)
}
