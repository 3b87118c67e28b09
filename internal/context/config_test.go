package context

import (
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTraceContext(t *testing.T) {
	tc := NewTraceContext()
	assert.NotEmpty(t, tc.TraceID, "TraceID should not be empty")
	assert.NotEmpty(t, tc.SpanID, "SpanID should not be empty")
	assert.NotNil(t, tc.Baggage, "Baggage should be initialized")

	initialSpanID := tc.SpanID
	newSpanID := tc.NewSpan()
	assert.NotEqual(t, initialSpanID, newSpanID)
	assert.Equal(t, newSpanID, tc.SpanID)
}

func TestLookupSetting_TwoLevelFallback(t *testing.T) {
	provider := NewInMemoryConfigProvider()
	provider.SetGlobal(map[string]any{
		"timeout":       "10s",
		"POST_TEMPLATE": "global.html",
		"return_url":    "https://shop.example/return",
	})
	provider.SetBackend("dummy", map[string]any{
		"timeout":       "2s",
		"POST_TEMPLATE": nil, // explicit nil falls through
	})

	t.Run("BackendValueWins", func(t *testing.T) {
		v, ok := LookupSetting(provider, "dummy", "timeout")
		require.True(t, ok)
		assert.Equal(t, "2s", v)
	})

	t.Run("ExplicitNilFallsThrough", func(t *testing.T) {
		v, ok := LookupSetting(provider, "dummy", "POST_TEMPLATE")
		require.True(t, ok)
		assert.Equal(t, "global.html", v)
	})

	t.Run("AbsentFallsThrough", func(t *testing.T) {
		v, ok := LookupSetting(provider, "dummy", "return_url")
		require.True(t, ok)
		assert.Equal(t, "https://shop.example/return", v)
	})

	t.Run("UnknownBackendUsesGlobal", func(t *testing.T) {
		v, ok := LookupSetting(provider, "stripe", "timeout")
		require.True(t, ok)
		assert.Equal(t, "10s", v)
	})

	t.Run("Missing", func(t *testing.T) {
		_, ok := LookupSetting(provider, "dummy", "api_key")
		assert.False(t, ok)
	})

	t.Run("NilProvider", func(t *testing.T) {
		_, ok := LookupSetting(nil, "dummy", "timeout")
		assert.False(t, ok)
	})
}

func TestInMemoryConfigProvider_ReturnsCopies(t *testing.T) {
	provider := NewInMemoryConfigProvider()
	provider.SetBackend("dummy", map[string]any{"k": "v"})
	provider.SetBackend("stripe", map[string]any{})

	s, ok := provider.BackendSettings("dummy")
	require.True(t, ok)
	s["k"] = "mutated"

	again, _ := provider.BackendSettings("dummy")
	assert.Equal(t, "v", again["k"])

	backends := provider.Backends()
	sort.Strings(backends)
	assert.Equal(t, []string{"dummy", "stripe"}, backends)
}

func TestFromHTTPRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/payments/p1/callback?ref=abc", strings.NewReader("a=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	require.NoError(t, req.ParseForm())

	rc := FromHTTPRequest(req, []byte("a=1"))
	assert.Equal(t, "abc", rc.Form.Get("ref"))
	assert.Equal(t, "1", rc.Form.Get("a"))
	assert.Equal(t, []byte("a=1"), rc.Body)
	assert.Equal(t, "application/x-www-form-urlencoded", rc.Header.Get("Content-Type"))
	assert.Equal(t, 1, rc.AttemptNumber())

	var nilRC *RequestContext
	assert.Equal(t, 1, nilRC.AttemptNumber())
}
