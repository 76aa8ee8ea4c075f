package llms

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ozgurkan/chatgate/pkg/protocol"
	"github.com/ozgurkan/chatgate/pkg/registry"
	"github.com/ozgurkan/chatgate/pkg/utils"
)

// DefaultStaleness is how old the model index may get before GetAllModels
// refreshes it.
const DefaultStaleness = 5 * time.Minute

// Registry indexes the models of every registered provider and routes chat
// calls to the provider owning the requested model. When two providers
// advertise the same model name, the earlier-registered provider wins.
type Registry struct {
	providers *registry.OrderedRegistry[Provider]
	staleness time.Duration

	mu          sync.RWMutex
	index       map[string]string // model name -> provider name
	models      []protocol.ModelInfo
	byProvider  map[string][]protocol.ModelInfo
	refreshedAt time.Time

	// refreshMu serializes refreshes so concurrent callers do one fetch.
	refreshMu sync.Mutex
}

// NewRegistry returns an empty registry. A non-positive staleness falls
// back to DefaultStaleness.
func NewRegistry(staleness time.Duration) *Registry {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Registry{
		providers:  registry.NewOrderedRegistry[Provider](),
		staleness:  staleness,
		index:      make(map[string]string),
		byProvider: make(map[string][]protocol.ModelInfo),
	}
}

// Register adds a provider. Registration order decides model collisions.
func (r *Registry) Register(p Provider) error {
	return r.providers.Register(p.Name(), p)
}

// Unregister removes a provider and rebuilds the index from the remaining
// providers' cached models. A model two providers advertise fails over to
// the survivor; models only the removed provider served disappear.
func (r *Registry) Unregister(name string) error {
	if err := r.providers.Remove(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byProvider, name)
	r.rebuildIndexLocked()
	return nil
}

// Providers returns registered providers in registration order.
func (r *Registry) Providers() []Provider {
	return r.providers.List()
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	return r.providers.Get(name)
}

// Refresh re-queries every enabled provider for its models and rebuilds
// the index. A provider that fails to answer keeps its previous entries;
// readers keep seeing the old index until the new one is swapped in whole.
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	providers := r.providers.List()

	type fetchResult struct {
		name   string
		models []protocol.ModelInfo
		err    error
	}
	results := make([]fetchResult, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		if !p.Enabled() {
			results[i] = fetchResult{name: p.Name()}
			continue
		}
		g.Go(func() error {
			models, err := p.ListModels(gctx)
			results[i] = fetchResult{name: p.Name(), models: models, err: err}
			return nil
		})
	}
	// Fetch errors are recorded per provider, never propagated.
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	byProvider := make(map[string][]protocol.ModelInfo, len(providers))
	var lastErr error
	for _, res := range results {
		if res.err != nil {
			lastErr = res.err
			slog.Warn("model refresh failed, keeping previous entries",
				"provider", res.name, "error", res.err)
			byProvider[res.name] = r.byProvider[res.name]
			continue
		}
		byProvider[res.name] = res.models
	}

	r.byProvider = byProvider
	r.rebuildIndexLocked()
	r.refreshedAt = time.Now()
	return lastErr
}

// rebuildIndexLocked derives the model index from the cached per-provider
// lists, in registration order. Callers hold r.mu.
func (r *Registry) rebuildIndexLocked() {
	index := make(map[string]string)
	var models []protocol.ModelInfo
	for _, p := range r.providers.List() {
		for _, m := range r.byProvider[p.Name()] {
			if _, taken := index[m.Name]; taken {
				continue
			}
			index[m.Name] = p.Name()
			models = append(models, m)
		}
	}
	r.index = index
	r.models = models
}

// GetAllModels returns the indexed models, refreshing first when the index
// is empty or stale.
func (r *Registry) GetAllModels(ctx context.Context) ([]protocol.ModelInfo, error) {
	r.mu.RLock()
	fresh := len(r.models) > 0 && time.Since(r.refreshedAt) < r.staleness
	models := r.models
	r.mu.RUnlock()

	if fresh {
		return models, nil
	}

	err := r.Refresh(ctx)

	r.mu.RLock()
	models = r.models
	r.mu.RUnlock()

	if len(models) == 0 && err != nil {
		return nil, err
	}
	return models, nil
}

// ProviderFor resolves the provider owning model. An unknown model, or an
// index entry pointing at a provider that has since gone away, triggers one
// refresh before giving up.
func (r *Registry) ProviderFor(ctx context.Context, model string) (Provider, error) {
	p, err := r.resolve(model)
	if err == nil || protocol.IsKind(err, protocol.KindProviderDisabled) {
		return p, err
	}

	if refreshErr := r.Refresh(ctx); refreshErr != nil {
		slog.Debug("refresh during model lookup failed", "model", model, "error", refreshErr)
	}
	return r.resolve(model)
}

func (r *Registry) resolve(model string) (Provider, error) {
	r.mu.RLock()
	name, ok := r.index[model]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.Errorf(protocol.KindModelNotFound, "model %s is not served by any provider", model)
	}

	p, exists := r.providers.Get(name)
	if !exists {
		return nil, protocol.Errorf(protocol.KindModelNotFound, "model %s is not served by any provider", model)
	}
	if !p.Enabled() {
		return nil, disabledErr(p.Name())
	}
	return p, nil
}

// Chat routes a blocking completion to the provider owning model.
func (r *Registry) Chat(ctx context.Context, model string, messages []protocol.ChatMessage, params protocol.ChatParams) (*protocol.ChatResult, error) {
	p, err := r.ProviderFor(ctx, model)
	if err != nil {
		return nil, err
	}
	return p.Chat(ctx, model, messages, params)
}

// ChatStream routes a streaming completion to the provider owning model.
func (r *Registry) ChatStream(ctx context.Context, model string, messages []protocol.ChatMessage, params protocol.ChatParams) (<-chan protocol.StreamChunk, error) {
	p, err := r.ProviderFor(ctx, model)
	if err != nil {
		return nil, err
	}
	return p.ChatStream(ctx, model, messages, params)
}

// CountTokens estimates tokens for text via the provider owning model,
// falling back to a generic estimate for unknown models.
func (r *Registry) CountTokens(ctx context.Context, text, model string) int {
	p, err := r.ProviderFor(ctx, model)
	if err != nil {
		return utils.EstimateTokens(text)
	}
	return p.CountTokens(text, model)
}

// HealthStatus is one provider's health probe outcome.
type HealthStatus struct {
	Provider string `json:"provider"`
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
}

// Health probes every registered provider concurrently.
func (r *Registry) Health(ctx context.Context) []HealthStatus {
	providers := r.providers.List()
	statuses := make([]HealthStatus, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		g.Go(func() error {
			status := HealthStatus{Provider: p.Name(), Healthy: true}
			if err := p.HealthCheck(gctx); err != nil {
				status.Healthy = false
				status.Error = err.Error()
			}
			statuses[i] = status
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}
