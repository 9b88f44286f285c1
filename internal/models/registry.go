package models

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/scalyclaw/scalyclaw/internal/config"
)

// Registry resolves config.ModelEntry pool definitions to live Providers
// and implements priority-first, weighted-random-within-priority selection.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider // keyed by ModelEntry.ID ("<provider>:<model>")
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Bind associates a live Provider with a model id ("<provider>:<model>").
func (r *Registry) Bind(modelID string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[modelID] = p
}

// Lookup returns the bound Provider for modelID, if any.
func (r *Registry) Lookup(modelID string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[modelID]
	return p, ok
}

// Select picks a model id: first from scoped (an orchestrator- or
// agent-level pool, by id), then from global (every enabled entry in
// modelsCfg). Selection within a pool is priority-first (smaller wins)
// then weighted-random among ties at the winning priority.
func (r *Registry) Select(scoped []string, modelsCfg config.ModelsConfig) (string, error) {
	enabled := make(map[string]config.ModelEntry, len(modelsCfg.Models))
	for _, m := range modelsCfg.Models {
		if m.Enabled {
			enabled[m.ID] = m
		}
	}

	if len(scoped) > 0 {
		var pool []config.ModelEntry
		for _, id := range scoped {
			if m, ok := enabled[id]; ok {
				pool = append(pool, m)
			}
		}
		if id, ok := selectFromPool(pool); ok {
			return id, nil
		}
	}

	var global []config.ModelEntry
	for _, m := range enabled {
		global = append(global, m)
	}
	if id, ok := selectFromPool(global); ok {
		return id, nil
	}

	return "", ErrNoModelAvailable
}

func selectFromPool(pool []config.ModelEntry) (string, bool) {
	if len(pool) == 0 {
		return "", false
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].Priority < pool[j].Priority })
	topPriority := pool[0].Priority

	var winners []config.ModelEntry
	totalWeight := 0
	for _, m := range pool {
		if m.Priority != topPriority {
			break
		}
		w := m.Weight
		if w <= 0 {
			w = 1
		}
		totalWeight += w
		winners = append(winners, m)
	}
	if len(winners) == 1 {
		return winners[0].ID, true
	}

	pick := rand.Intn(totalWeight)
	for _, m := range winners {
		w := m.Weight
		if w <= 0 {
			w = 1
		}
		if pick < w {
			return m.ID, true
		}
		pick -= w
	}
	return winners[len(winners)-1].ID, true
}

// ContextWindowFor returns the configured context window for modelID, or a
// conservative default if the model is not found.
func ContextWindowFor(modelID string, modelsCfg config.ModelsConfig) int {
	for _, m := range modelsCfg.Models {
		if m.ID == modelID {
			if m.ContextWindow > 0 {
				return m.ContextWindow
			}
			break
		}
	}
	return 8192
}

// ProviderNameFor extracts the provider portion of a "<provider>:<model>" id.
func ProviderNameFor(modelID string) string {
	for i, c := range modelID {
		if c == ':' {
			return modelID[:i]
		}
	}
	return modelID
}

// ModelNameFor extracts the model portion of a "<provider>:<model>" id.
func ModelNameFor(modelID string) string {
	for i, c := range modelID {
		if c == ':' {
			return modelID[i+1:]
		}
	}
	return modelID
}
