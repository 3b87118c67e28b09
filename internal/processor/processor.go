// Package processor keeps the registry of paywall backends: which plugin
// serves each backend key, and how to instantiate it with its settings and
// the process environment.
package processor

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/paywall-orchestrator/internal/adapter"
	"github.com/yourorg/paywall-orchestrator/internal/context"
	"github.com/yourorg/paywall-orchestrator/internal/logging"
)

// ErrBackendNotRegistered is returned by Resolve for unknown backend keys.
// It wraps adapter.ErrConfiguration.
var ErrBackendNotRegistered = fmt.Errorf("%w: backend not registered", adapter.ErrConfiguration)

// Dependencies is everything a plugin factory may use.
type Dependencies struct {
	Slug        string
	Settings    adapter.Settings
	Environment adapter.Environment
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Factory builds a plugin instance for one backend.
type Factory func(deps Dependencies) (adapter.Processor, error)

// Catalog maps plugin type names to factories.
type Catalog map[string]Factory

type entry struct {
	factory    Factory
	descriptor adapter.Descriptor
}

// Registry resolves backend keys to plugin instances.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]entry
	env        adapter.Environment
	config     context.ConfigProvider
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRegistry creates an empty registry bound to an environment and a config provider.
func NewRegistry(env adapter.Environment, config context.ConfigProvider, logger *zap.Logger) *Registry {
	if config == nil {
		panic("config provider cannot be nil")
	}
	return &Registry{
		entries:    make(map[string]entry),
		env:        env,
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.OrNop(logger),
	}
}

// WithHTTPClient sets the client handed to plugin factories.
func (r *Registry) WithHTTPClient(c *http.Client) *Registry {
	if c != nil {
		r.httpClient = c
	}
	return r
}

// Environment returns the environment the registry was built for.
func (r *Registry) Environment() adapter.Environment {
	return r.env
}

// Register adds a backend. The factory is invoked once to obtain and
// validate the descriptor.
func (r *Registry) Register(backend string, factory Factory) error {
	if backend == "" {
		return fmt.Errorf("%w: empty backend key", adapter.ErrConfiguration)
	}
	if factory == nil {
		return fmt.Errorf("%w: backend %q: nil factory", adapter.ErrConfiguration, backend)
	}
	probe, err := factory(r.deps(backend))
	if err != nil {
		return fmt.Errorf("%w: backend %q: %v", adapter.ErrConfiguration, backend, err)
	}
	desc := probe.Descriptor()
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[backend]; exists {
		return fmt.Errorf("%w: backend %q registered twice", adapter.ErrConfiguration, backend)
	}
	r.entries[backend] = entry{factory: factory, descriptor: desc}
	r.logger.Info("registered paywall backend",
		zap.String("backend", backend),
		zap.String("plugin", desc.Slug),
		zap.String("base_url", desc.BaseURL(r.env)),
	)
	return nil
}

// LoadFromConfig registers every backend listed by the config provider.
// A backend's "plugin" setting names the catalog entry; it defaults to the
// backend key itself.
func (r *Registry) LoadFromConfig(catalog Catalog) error {
	backends := r.config.Backends()
	sort.Strings(backends)

	var errs []error
	for _, backend := range backends {
		pluginName := adapter.NewSettings(r.config, backend).String("plugin", backend)
		factory, ok := catalog[pluginName]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: backend %q: unknown plugin %q", adapter.ErrConfiguration, backend, pluginName))
			continue
		}
		if err := r.Register(backend, factory); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resolve returns a fresh plugin instance and its descriptor for backend.
func (r *Registry) Resolve(backend string) (adapter.Processor, adapter.Descriptor, error) {
	r.mu.RLock()
	e, ok := r.entries[backend]
	r.mu.RUnlock()
	if !ok {
		return nil, adapter.Descriptor{}, fmt.Errorf("%w: %q", ErrBackendNotRegistered, backend)
	}
	plugin, err := e.factory(r.deps(backend))
	if err != nil {
		return nil, e.descriptor, fmt.Errorf("%w: backend %q: %v", adapter.ErrConfiguration, backend, err)
	}
	return plugin, e.descriptor, nil
}

// Descriptor returns the descriptor registered for backend.
func (r *Registry) Descriptor(backend string) (adapter.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[backend]
	return e.descriptor, ok
}

// BackendInfo pairs a backend key with its descriptor and resolved base URL.
type BackendInfo struct {
	Backend    string             `json:"backend"`
	Descriptor adapter.Descriptor `json:"descriptor"`
	BaseURL    string             `json:"base_url"`
}

// Backends lists registered backends sorted by key.
func (r *Registry) Backends() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BackendInfo, 0, len(r.entries))
	for backend, e := range r.entries {
		out = append(out, BackendInfo{
			Backend:    backend,
			Descriptor: e.descriptor,
			BaseURL:    e.descriptor.BaseURL(r.env),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}

// Descriptors lists registered descriptors sorted by backend key.
func (r *Registry) Descriptors() []adapter.Descriptor {
	infos := r.Backends()
	out := make([]adapter.Descriptor, len(infos))
	for i, info := range infos {
		out[i] = info.Descriptor
	}
	return out
}

// BaseURL returns the gateway URL of backend for the registry's environment.
func (r *Registry) BaseURL(backend string) (string, error) {
	desc, ok := r.Descriptor(backend)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrBackendNotRegistered, backend)
	}
	return desc.BaseURL(r.env), nil
}

func (r *Registry) deps(backend string) Dependencies {
	return Dependencies{
		Slug:        backend,
		Settings:    adapter.NewSettings(r.config, backend),
		Environment: r.env,
		HTTPClient:  r.httpClient,
		Logger:      r.logger.With(zap.String("backend", backend)),
	}
}
