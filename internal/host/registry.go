package host

import (
	"fmt"
	"sort"

	"github.com/audiolibrelab/kwikrec/internal/record"
)

// EngineManager describes a recording engine the host can instantiate.
type EngineManager struct {
	ID   string
	Name string
	New  func(host record.ChannelHost, opts ...record.Option) *record.Engine
}

// Registry maps engine ids to their managers.
type Registry struct {
	engines map[string]EngineManager
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]EngineManager)}
}

// DefaultRegistry returns a registry holding every built-in engine.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(EngineManager{ID: record.EngineID, Name: record.EngineName, New: record.New})
	return r
}

func (r *Registry) Register(m EngineManager) error {
	if m.ID == "" || m.New == nil {
		return fmt.Errorf("engine manager needs an id and a constructor")
	}
	if _, ok := r.engines[m.ID]; ok {
		return fmt.Errorf("engine '%s' already registered", m.ID)
	}
	r.engines[m.ID] = m
	return nil
}

func (r *Registry) Lookup(id string) (EngineManager, bool) {
	m, ok := r.engines[id]
	return m, ok
}

// Engines returns every manager sorted by id.
func (r *Registry) Engines() []EngineManager {
	out := make([]EngineManager, 0, len(r.engines))
	for _, m := range r.engines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
