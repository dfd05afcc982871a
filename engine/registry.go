package engine

import (
	"context"
	"errors"
	"sort"

	"plume/config"
	"plume/model"
	"plume/plugin"
)

// Registry holds the configured provider engines and answers capability
// questions (readiness, vision support, routing model) without the caller
// touching vendor specifics.
type Registry struct {
	cfg     *config.Config
	engines map[string]model.LlmEngine
	order   []string
}

// NewRegistry builds every known engine from the configuration. An engine
// whose constructor fails (bad base URL) is skipped with a log line; the
// rest of the application keeps working.
func NewRegistry(cfg *config.Config, plugins *plugin.Registry) *Registry {
	r := &Registry{
		cfg:     cfg,
		engines: make(map[string]model.LlmEngine),
	}
	for _, id := range EngineIDs {
		e, err := New(id, cfg.Engine(id), plugins)
		if err != nil {
			logf("[registry] skipping engine %s: %v", id, err)
			continue
		}
		r.engines[id] = e
		r.order = append(r.order, id)
	}
	return r
}

// Get returns the engine registered under id.
func (r *Registry) Get(id string) (model.LlmEngine, bool) {
	e, ok := r.engines[id]
	return e, ok
}

// IDs returns the registered engine ids in display order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Default returns the configured default engine, falling back to the
// first ready one, then to the first registered one.
func (r *Registry) Default() model.LlmEngine {
	if e, ok := r.engines[r.cfg.DefaultEngine]; ok {
		return e
	}
	for _, id := range r.order {
		if r.IsReady(id) {
			return r.engines[id]
		}
	}
	if len(r.order) > 0 {
		return r.engines[r.order[0]]
	}
	return nil
}

// IsReady reports whether an engine can serve requests. Ollama needs no
// credential; cloud engines need an API key.
func (r *Registry) IsReady(id string) bool {
	if _, ok := r.engines[id]; !ok {
		return false
	}
	if id == "ollama" {
		return true
	}
	return r.cfg.Engine(id).APIKey != ""
}

// RoutingModel returns the engine's cheap model for side tasks such as
// chat titling, or an empty string when none is configured.
func (r *Registry) RoutingModel(id string) string {
	return r.cfg.Engine(id).Model.Routing
}

// HasVision reports whether the engine has a vision model to route image
// threads to.
func (r *Registry) HasVision(id string) bool {
	ec := r.cfg.Engine(id)
	if ec.Model.Vision != "" {
		return true
	}
	if e, ok := r.engines[id]; ok {
		return e.IsVisionModel(ec.Model.Chat)
	}
	return false
}

// AllModels aggregates the model lists of every ready engine, sorted by
// display name. Per-engine failures degrade to that engine contributing
// nothing.
func (r *Registry) AllModels(ctx context.Context) []model.ModelInfo {
	var all []model.ModelInfo
	for _, id := range r.order {
		if !r.IsReady(id) {
			continue
		}
		models, err := r.engines[id].GetModels(ctx)
		if err != nil {
			if !errors.Is(err, model.ErrUnauthenticated) {
				logf("[registry] listing models for %s: %v", id, err)
			}
			continue
		}
		all = append(all, models...)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Engine != all[j].Engine {
			return all[i].Engine < all[j].Engine
		}
		return all[i].Name < all[j].Name
	})
	return all
}
