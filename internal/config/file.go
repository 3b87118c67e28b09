package config

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/paywall-orchestrator/internal/adapter"
)

// document is the on-disk layout of the settings file.
type document struct {
	Environment string                    `yaml:"environment"`
	Global      map[string]any            `yaml:"global"`
	Backends    map[string]map[string]any `yaml:"backends"`
}

// FileProvider serves plugin settings from a YAML file. Reload re-reads the
// file and swaps the whole snapshot, so readers never see a half-applied
// file.
type FileProvider struct {
	path    string
	current atomic.Pointer[document]
}

// NewFileProvider reads path once. A missing or malformed file is a
// configuration error.
func NewFileProvider(path string) (*FileProvider, error) {
	fp := &FileProvider{path: path}
	if err := fp.Reload(); err != nil {
		return nil, err
	}
	return fp, nil
}

// NewProviderFromYAML builds a provider from an in-memory document. Reload
// is a no-op for it.
func NewProviderFromYAML(data []byte) (*FileProvider, error) {
	doc, err := parse(data)
	if err != nil {
		return nil, err
	}
	fp := &FileProvider{}
	fp.current.Store(doc)
	return fp, nil
}

// Reload re-reads the settings file. On error the previous snapshot stays.
func (fp *FileProvider) Reload() error {
	if fp.path == "" {
		return nil
	}
	data, err := os.ReadFile(fp.path)
	if err != nil {
		return fmt.Errorf("%w: reading settings file: %v", adapter.ErrConfiguration, err)
	}
	doc, err := parse(data)
	if err != nil {
		return err
	}
	fp.current.Store(doc)
	return nil
}

func parse(data []byte) (*document, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing settings file: %v", adapter.ErrConfiguration, err)
	}
	if doc.Global == nil {
		doc.Global = map[string]any{}
	}
	if doc.Backends == nil {
		doc.Backends = map[string]map[string]any{}
	}
	for name, block := range doc.Backends {
		// "stripe:" with no body decodes as nil
		if block == nil {
			doc.Backends[name] = map[string]any{}
		}
	}
	return &doc, nil
}

// Environment returns the environment key of the file, parsed.
func (fp *FileProvider) Environment() (adapter.Environment, error) {
	return adapter.ParseEnvironment(fp.current.Load().Environment)
}

// BackendSettings implements context.ConfigProvider.
func (fp *FileProvider) BackendSettings(slug string) (map[string]any, bool) {
	block, ok := fp.current.Load().Backends[slug]
	if !ok {
		return nil, false
	}
	return copyMap(block), true
}

// GlobalSettings implements context.ConfigProvider.
func (fp *FileProvider) GlobalSettings() map[string]any {
	return copyMap(fp.current.Load().Global)
}

// Backends implements context.ConfigProvider.
func (fp *FileProvider) Backends() []string {
	doc := fp.current.Load()
	keys := make([]string, 0, len(doc.Backends))
	for k := range doc.Backends {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// DefaultSettings is used when no settings file is configured: a single
// dummy backend in push mode.
const DefaultSettings = `
environment: sandbox
global:
  timeout: 10s
backends:
  dummy:
    plugin: dummy
    confirmation_method: push
`

// Settings opens the configured settings file, or the built-in defaults
// when none is set. PAYWALL_ENV overrides the file's environment key.
func (c Config) Settings() (*FileProvider, adapter.Environment, error) {
	var (
		fp  *FileProvider
		err error
	)
	if c.SettingsFile != "" {
		fp, err = NewFileProvider(c.SettingsFile)
	} else {
		fp, err = NewProviderFromYAML([]byte(DefaultSettings))
	}
	if err != nil {
		return nil, "", err
	}
	if c.Environment != "" {
		env, err := adapter.ParseEnvironment(c.Environment)
		return fp, env, err
	}
	env, err := fp.Environment()
	return fp, env, err
}
