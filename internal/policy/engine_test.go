package policy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgate/backend/internal/store"
)

func setupEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewEngine(st), st
}

// ============================================================================
// POLICY ENGINE UNIT TESTS
// ============================================================================

func TestEngine_Evaluate_ScopeMatch(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	_, err := e.Attach(ctx, "agent-1", "research", Spec{
		Scopes: []string{"serpapi:search", "http_fetch:get"},
	})
	require.NoError(t, err)

	d, err := e.Evaluate(ctx, "agent-1", "serpapi", "search", json.RawMessage(`{"q":"x"}`))
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = e.Evaluate(ctx, "agent-1", "gmail_send", "send", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonNoScope, d.Reason)

	// Exact match only: an action mismatch on a known tool is still no_scope.
	d, err = e.Evaluate(ctx, "agent-1", "serpapi", "images", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonNoScope, d.Reason)
}

func TestEngine_Evaluate_NoPolicy(t *testing.T) {
	e, _ := setupEngine(t)

	d, err := e.Evaluate(context.Background(), "ghost", "serpapi", "search", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonNoPolicy, d.Reason)
}

func TestEngine_Evaluate_DomainGuard(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	_, err := e.Attach(ctx, "agent-1", "fetching", Spec{
		Scopes: []string{"http_fetch:get"},
		Guards: &Guards{AllowedDomains: []string{"example.com"}},
	})
	require.NoError(t, err)

	d, err := e.Evaluate(ctx, "agent-1", "http_fetch", "get",
		json.RawMessage(`{"url":"https://api.example.com/data"}`))
	require.NoError(t, err)
	assert.True(t, d.Allow, "subdomain of an allowed domain passes")

	d, err = e.Evaluate(ctx, "agent-1", "http_fetch", "get",
		json.RawMessage(`{"url":"https://evil.net/"}`))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonDomainBlocked, d.Reason)

	// "notexample.com" must not pass a suffix check for "example.com".
	d, err = e.Evaluate(ctx, "agent-1", "http_fetch", "get",
		json.RawMessage(`{"url":"https://notexample.com/"}`))
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestEngine_Evaluate_DomainGuardOnlyNetworkBound(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	_, err := e.Attach(ctx, "agent-1", "searching", Spec{
		Scopes: []string{"serpapi:search"},
		Guards: &Guards{AllowedDomains: []string{"example.com"}},
	})
	require.NoError(t, err)

	// serpapi is not network-bound for guarding purposes: no url to check.
	d, err := e.Evaluate(ctx, "agent-1", "serpapi", "search", json.RawMessage(`{"q":"x"}`))
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestEngine_Evaluate_SizeGuard(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	_, err := e.Attach(ctx, "agent-1", "small", Spec{
		Scopes: []string{"llm_chat:complete"},
		Guards: &Guards{MaxRequestSize: 32},
	})
	require.NoError(t, err)

	d, err := e.Evaluate(ctx, "agent-1", "llm_chat", "complete", json.RawMessage(`{"p":"hi"}`))
	require.NoError(t, err)
	assert.True(t, d.Allow)

	big := json.RawMessage(`{"p":"` + string(make([]byte, 64)) + `"}`)
	d, err = e.Evaluate(ctx, "agent-1", "llm_chat", "complete", big)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonSizeExceeded, d.Reason)
}

func TestEngine_Attach_InvalidatesCache(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	_, err := e.Attach(ctx, "agent-1", "v1", Spec{Scopes: []string{"serpapi:search"}})
	require.NoError(t, err)

	d, err := e.Evaluate(ctx, "agent-1", "http_fetch", "get", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.False(t, d.Allow, "cache primed with the v1 policy set")

	_, err = e.Attach(ctx, "agent-1", "v2", Spec{Scopes: []string{"http_fetch:get"}})
	require.NoError(t, err)

	d, err = e.Evaluate(ctx, "agent-1", "http_fetch", "get", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, d.Allow, "a write through the engine must invalidate the parsed cache")
}

func TestEngine_Attach_ReplacesSameName(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()

	_, err := e.Attach(ctx, "agent-1", "research", Spec{Scopes: []string{"serpapi:search"}})
	require.NoError(t, err)
	_, err = e.Attach(ctx, "agent-1", "research", Spec{Scopes: []string{"http_fetch:get"}})
	require.NoError(t, err)

	active, err := st.ActivePolicies(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, active, 1, "one active policy per (agent, name)")

	d, err := e.Evaluate(ctx, "agent-1", "serpapi", "search", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, d.Allow, "the replaced policy's scopes are gone")
}

func TestEngine_Evaluate_MalformedStoredSpecFailsClosed(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertPolicy(ctx, &store.Policy{
		ID:      "p-bad",
		AgentID: "agent-1",
		Name:    "broken",
		Spec:    json.RawMessage(`{not json`),
		Active:  true,
	}))

	d, err := e.Evaluate(ctx, "agent-1", "serpapi", "search", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, d.Allow)
}
