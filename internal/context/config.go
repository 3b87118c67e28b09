package context

import (
	"fmt"
	"sync"
)

// ConfigProvider returns plugin settings. Implementations are consulted at
// call time and must reflect reloads; callers never cache the maps.
type ConfigProvider interface {
	// BackendSettings returns the settings block of one backend.
	// ok is false when the backend has no block at all.
	BackendSettings(slug string) (settings map[string]any, ok bool)
	// GlobalSettings returns the default block shared by every backend.
	GlobalSettings() map[string]any
	// Backends lists every configured backend key.
	Backends() []string
}

// InMemoryConfigProvider is a simple in-memory implementation for tests and
// embedded use.
type InMemoryConfigProvider struct {
	mu       sync.RWMutex
	backends map[string]map[string]any
	global   map[string]any
}

// NewInMemoryConfigProvider creates an empty provider.
func NewInMemoryConfigProvider() *InMemoryConfigProvider {
	return &InMemoryConfigProvider{
		backends: make(map[string]map[string]any),
		global:   make(map[string]any),
	}
}

// SetBackend replaces the settings block of one backend.
func (p *InMemoryConfigProvider) SetBackend(slug string, settings map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backends[slug] = copySettings(settings)
}

// SetGlobal replaces the global block.
func (p *InMemoryConfigProvider) SetGlobal(settings map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.global = copySettings(settings)
}

// BackendSettings implements ConfigProvider.
func (p *InMemoryConfigProvider) BackendSettings(slug string) (map[string]any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.backends[slug]
	if !ok {
		return nil, false
	}
	return copySettings(s), true
}

// GlobalSettings implements ConfigProvider.
func (p *InMemoryConfigProvider) GlobalSettings() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copySettings(p.global)
}

// Backends implements ConfigProvider.
func (p *InMemoryConfigProvider) Backends() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.backends))
	for k := range p.backends {
		keys = append(keys, k)
	}
	return keys
}

// LookupSetting resolves name for slug with the two-level fallback: the
// backend block first, then the global block. An explicit nil in the backend
// block falls through to the global block. ok is false if neither level has
// a non-nil value.
func LookupSetting(p ConfigProvider, slug, name string) (any, bool) {
	if p == nil {
		return nil, false
	}
	if backend, ok := p.BackendSettings(slug); ok {
		if v, ok := backend[name]; ok && v != nil {
			return v, true
		}
	}
	if v, ok := p.GlobalSettings()[name]; ok && v != nil {
		return v, true
	}
	return nil, false
}

func copySettings(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// String renders a setting value for log lines and error messages.
func String(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
