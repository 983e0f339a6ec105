package chaos

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgate/backend/internal/adapters"
)

func invoke(t *testing.T, a adapters.Adapter) (*adapters.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	return a.Invoke(ctx, adapters.Request{
		Tool: "http_fetch", Action: "get", Params: json.RawMessage(`{"url":"https://example.com"}`),
	})
}

func TestInjector_DisabledPassesThrough(t *testing.T) {
	in := New(Config{Enabled: false, ErrorPct: 100})
	mock := adapters.NewMockAdapter("http_fetch", "get")
	wrapped := in.Wrap(mock)

	res, err := invoke(t, wrapped)
	require.NoError(t, err, "a disabled injector must never fire")
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, int64(1), mock.Calls())
}

func TestInjector_FullErrorRate(t *testing.T) {
	in := New(Config{Enabled: true, ErrorPct: 100})
	mock := adapters.NewMockAdapter("http_fetch", "get")
	wrapped := in.Wrap(mock)

	_, err := invoke(t, wrapped)
	var ae *adapters.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, adapters.KindUpstream5xx, ae.Kind)
	assert.Zero(t, mock.Calls(), "the injected failure short-circuits the upstream")
}

func TestInjector_FullTimeoutRate(t *testing.T) {
	in := New(Config{Enabled: true, TimeoutPct: 100})
	wrapped := in.Wrap(adapters.NewMockAdapter("http_fetch", "get"))

	start := time.Now()
	_, err := invoke(t, wrapped)
	var ae *adapters.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, adapters.KindTimeout, ae.Kind)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond,
		"an injected timeout burns the remaining deadline")
}

func TestInjector_ToolBias(t *testing.T) {
	// Globally clean, but 100% 5xx for http_fetch.
	in := New(Config{Enabled: true})
	in.SetToolBias("http_fetch", Config{ErrorPct: 100})

	fetch := in.Wrap(adapters.NewMockAdapter("http_fetch", "get"))
	_, err := invoke(t, fetch)
	assert.Error(t, err)

	serp := in.Wrap(adapters.NewMockAdapter("serpapi", "search"))
	ctx := context.Background()
	_, err = serp.Invoke(ctx, adapters.Request{Tool: "serpapi", Action: "search", Params: json.RawMessage(`{}`)})
	assert.NoError(t, err, "other tools follow the global config")

	in.ClearToolBias("http_fetch")
	_, err = invoke(t, fetch)
	assert.NoError(t, err)
}

func TestInjector_RuntimeToggle(t *testing.T) {
	in := New(Config{Enabled: false, ErrorPct: 100})
	wrapped := in.Wrap(adapters.NewMockAdapter("http_fetch", "get"))

	_, err := invoke(t, wrapped)
	require.NoError(t, err)

	in.SetEnabled(true)
	_, err = invoke(t, wrapped)
	assert.Error(t, err)
}
