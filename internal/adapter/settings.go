package adapter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/paywall-orchestrator/internal/context"
)

// Settings is a plugin's read-only view of its configuration. Every lookup
// goes to the provider, so reloads are picked up on the next call.
type Settings struct {
	provider context.ConfigProvider
	slug     string
}

// NewSettings binds a config provider to one backend slug.
func NewSettings(provider context.ConfigProvider, slug string) Settings {
	return Settings{provider: provider, slug: slug}
}

// Slug returns the backend key the settings are bound to.
func (s Settings) Slug() string { return s.slug }

// Get resolves name from the backend block, then the global block.
func (s Settings) Get(name string) (any, bool) {
	return context.LookupSetting(s.provider, s.slug, name)
}

// String returns the setting rendered as a string, or def if absent.
func (s Settings) String(name, def string) string {
	v, ok := s.Get(name)
	if !ok {
		return def
	}
	return context.String(v)
}

// RequireString returns the setting or an ErrConfiguration error naming it.
func (s Settings) RequireString(name string) (string, error) {
	v := strings.TrimSpace(s.String(name, ""))
	if v == "" {
		return "", fmt.Errorf("%w: backend %q: setting %q is required", ErrConfiguration, s.slug, name)
	}
	return v, nil
}

// Bool returns the setting as a boolean, or def if absent or unparsable.
func (s Settings) Bool(name string, def bool) bool {
	v, ok := s.Get(name)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return def
		}
		return parsed
	}
	return def
}

// Duration accepts Go duration strings ("10s") or a number of seconds.
func (s Settings) Duration(name string, def time.Duration) (time.Duration, error) {
	v, ok := s.Get(name)
	if !ok {
		return def, nil
	}
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(d))
		if err != nil {
			return 0, fmt.Errorf("%w: backend %q: setting %q: %v", ErrConfiguration, s.slug, name, err)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("%w: backend %q: setting %q has unsupported type %T", ErrConfiguration, s.slug, name, v)
}
