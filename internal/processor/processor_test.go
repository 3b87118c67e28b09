package processor_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/paywall-orchestrator/internal/adapter"
	adaptermock "github.com/yourorg/paywall-orchestrator/internal/adapter/mock"
	"github.com/yourorg/paywall-orchestrator/internal/context"
	"github.com/yourorg/paywall-orchestrator/internal/processor"
)

func mockFactory(slug string) processor.Factory {
	return func(deps processor.Dependencies) (adapter.Processor, error) {
		return adaptermock.NewMockAdapter(slug), nil
	}
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	cfg := context.NewInMemoryConfigProvider()
	reg := processor.NewRegistry(adapter.Sandbox, cfg, nil)

	require.NoError(t, reg.Register("alpha", mockFactory("alpha")))

	plugin, desc, err := reg.Resolve("alpha")
	require.NoError(t, err)
	require.NotNil(t, plugin)
	assert.Equal(t, "alpha", desc.Slug)

	t.Run("DuplicateRegistration", func(t *testing.T) {
		err := reg.Register("alpha", mockFactory("alpha"))
		require.Error(t, err)
		assert.ErrorIs(t, err, adapter.ErrConfiguration)
	})

	t.Run("UnknownBackendIsConfigurationError", func(t *testing.T) {
		_, _, err := reg.Resolve("missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, processor.ErrBackendNotRegistered))
		assert.True(t, errors.Is(err, adapter.ErrConfiguration))
	})

	t.Run("InvalidDescriptorRejected", func(t *testing.T) {
		err := reg.Register("broken", func(processor.Dependencies) (adapter.Processor, error) {
			m := adaptermock.NewMockAdapter("broken")
			m.Desc.AcceptedCurrencies = nil
			return m, nil
		})
		assert.ErrorIs(t, err, adapter.ErrConfiguration)
		_, ok := reg.Descriptor("broken")
		assert.False(t, ok)
	})

	t.Run("FactoryErrorRejected", func(t *testing.T) {
		err := reg.Register("failing", func(processor.Dependencies) (adapter.Processor, error) {
			return nil, errors.New("boom")
		})
		assert.ErrorIs(t, err, adapter.ErrConfiguration)
	})
}

func TestRegistry_EnvironmentSelectsBaseURL(t *testing.T) {
	cfg := context.NewInMemoryConfigProvider()

	sandbox := processor.NewRegistry(adapter.Sandbox, cfg, nil)
	require.NoError(t, sandbox.Register("alpha", mockFactory("alpha")))
	production := processor.NewRegistry(adapter.Production, cfg, nil)
	require.NoError(t, production.Register("alpha", mockFactory("alpha")))

	assert.Equal(t, "https://sandbox.alpha.example/", sandbox.Backends()[0].BaseURL)
	assert.Equal(t, "https://alpha.example/", production.Backends()[0].BaseURL)
	assert.Equal(t, adapter.Production, production.Environment())

	url, err := production.BaseURL("alpha")
	require.NoError(t, err)
	assert.Equal(t, "https://alpha.example/", url)
	_, err = production.BaseURL("nope")
	assert.ErrorIs(t, err, processor.ErrBackendNotRegistered)

	descs := sandbox.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, "alpha", descs[0].Slug)
}

func TestRegistry_LoadFromConfig(t *testing.T) {
	cfg := context.NewInMemoryConfigProvider()
	cfg.SetBackend("alpha", map[string]any{})
	cfg.SetBackend("alpha-eu", map[string]any{"plugin": "alpha"})
	reg := processor.NewRegistry(adapter.Sandbox, cfg, nil)

	var seenSlugs []string
	catalog := processor.Catalog{
		"alpha": func(deps processor.Dependencies) (adapter.Processor, error) {
			seenSlugs = append(seenSlugs, deps.Slug)
			return adaptermock.NewMockAdapter("alpha"), nil
		},
	}
	require.NoError(t, reg.LoadFromConfig(catalog))

	backends := reg.Backends()
	require.Len(t, backends, 2)
	assert.Equal(t, "alpha", backends[0].Backend)
	assert.Equal(t, "alpha-eu", backends[1].Backend)
	assert.Contains(t, seenSlugs, "alpha-eu")

	t.Run("UnknownPlugin", func(t *testing.T) {
		cfg := context.NewInMemoryConfigProvider()
		cfg.SetBackend("beta", map[string]any{"plugin": "does.not.exist"})
		reg := processor.NewRegistry(adapter.Sandbox, cfg, nil)
		err := reg.LoadFromConfig(catalog)
		require.Error(t, err)
		assert.ErrorIs(t, err, adapter.ErrConfiguration)
		assert.Contains(t, err.Error(), "unknown plugin")
	})
}

func TestRegistry_ResolvePassesSettings(t *testing.T) {
	cfg := context.NewInMemoryConfigProvider()
	cfg.SetBackend("alpha", map[string]any{"api_key": "k1"})
	reg := processor.NewRegistry(adapter.Production, cfg, nil)

	var gotKey string
	var gotEnv adapter.Environment
	require.NoError(t, reg.Register("alpha", func(deps processor.Dependencies) (adapter.Processor, error) {
		gotKey = deps.Settings.String("api_key", "")
		gotEnv = deps.Environment
		return adaptermock.NewMockAdapter("alpha"), nil
	}))

	cfg.SetBackend("alpha", map[string]any{"api_key": "k2"})
	_, _, err := reg.Resolve("alpha")
	require.NoError(t, err)
	assert.Equal(t, "k2", gotKey, "settings are read at resolve time")
	assert.Equal(t, adapter.Production, gotEnv)
}

func TestNewRegistry_PanicsOnNilConfig(t *testing.T) {
	assert.Panics(t, func() { processor.NewRegistry(adapter.Sandbox, nil, nil) })
}
