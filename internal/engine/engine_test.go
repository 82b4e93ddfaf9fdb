// ABOUTME: Tests for the execution engine gates, auth resolution, and
// ABOUTME: the bounded 401 refresh-retry against a fake MCP transport.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/mcpclient"
	"github.com/2389/toolgate/internal/oauth"
	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/toolsets"
	"github.com/2389/toolgate/internal/vault"
)

type transportCall struct {
	url     string
	headers map[string]string
	tool    string
	args    map[string]any
}

// fakeTransport scripts per-call outcomes. Each CallTool consumes the
// next entry of callErrs; nil means success with callResult.
type fakeTransport struct {
	calls      []transportCall
	callErrs   []error
	callResult *mcpclient.Result

	fetchTools []store.ToolSchema
	fetchErr   error
}

func (f *fakeTransport) FetchTools(ctx context.Context, url string, headers map[string]string) ([]store.ToolSchema, error) {
	f.calls = append(f.calls, transportCall{url: url, headers: headers})
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.fetchTools, nil
}

func (f *fakeTransport) CallTool(ctx context.Context, url string, headers map[string]string, name string, args map[string]any) (*mcpclient.Result, error) {
	// Copy headers so later mutation by the caller does not rewrite
	// what we recorded.
	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	f.calls = append(f.calls, transportCall{url: url, headers: copied, tool: name, args: args})
	if len(f.callErrs) > 0 {
		err := f.callErrs[0]
		f.callErrs = f.callErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.callResult != nil {
		return f.callResult, nil
	}
	return &mcpclient.Result{Text: "ok"}, nil
}

// fakeResolver scripts token resolution per auth config.
type fakeResolver struct {
	resolveHeader string
	resolveErr    error
	refreshHeader string
	refreshErr    error
	refreshCalls  int
}

func (f *fakeResolver) ResolveValidToken(ctx context.Context, authConfigID string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.resolveHeader, nil
}

func (f *fakeResolver) ForceRefresh(ctx context.Context, authConfigID string) (string, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	return f.refreshHeader, nil
}

type testEnv struct {
	engine    *Engine
	registry  *registry.Service
	store     *store.SQLiteStore
	transport *fakeTransport
	resolver  *fakeResolver
}

func setupEngine(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	v, err := vault.New([]byte("0123456789abcdef"))
	require.NoError(t, err)

	reg := registry.NewService(s, v)
	transport := &fakeTransport{}
	resolver := &fakeResolver{}

	e := New(reg, s, v, resolver, toolsets.NewRegistry())
	e.mcp = transport

	return &testEnv{engine: e, registry: reg, store: s, transport: transport, resolver: resolver}
}

var discoveredTools = []store.ToolSchema{
	{Name: "alpha", InputSchema: json.RawMessage(`{"type":"object"}`)},
	{Name: "beta", InputSchema: json.RawMessage(`{"type":"object"}`)},
}

func createMCPInstance(t *testing.T, env *testEnv, owner string) (*store.ResourceServer, *store.Instance) {
	t.Helper()
	ctx := context.Background()

	server, err := env.registry.RegisterServer(ctx, fmt.Sprintf("https://%s.example.com/mcp", owner), "Test Server", "", true)
	require.NoError(t, err)

	inst, err := env.registry.CreateMcpInstance(ctx, owner, server.ID, "My Server", "my-server", "", discoveredTools, nil)
	require.NoError(t, err)
	return server, inst
}

func TestExecutePublicInstance(t *testing.T) {
	env := setupEngine(t)
	server, inst := createMCPInstance(t, env, "user-1")
	env.transport.callResult = &mcpclient.Result{Text: "alpha says hi"}

	result, err := env.engine.Execute(context.Background(), "user-1", inst.ID, "alpha", map[string]any{"q": "x"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "alpha says hi", result.Text)

	require.Len(t, env.transport.calls, 1)
	call := env.transport.calls[0]
	assert.Equal(t, server.URL, call.url)
	assert.Equal(t, "alpha", call.tool)
	assert.Empty(t, call.headers)
}

func TestExecuteInstanceDisabled(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")

	_, err := env.registry.UpdateInstance(context.Background(), "user-1", inst.ID, inst.Name, inst.Slug, "", false, nil)
	require.NoError(t, err)

	_, err = env.engine.Execute(context.Background(), "user-1", inst.ID, "alpha", nil)
	assert.ErrorIs(t, err, ErrInstanceDisabled)
	assert.Empty(t, env.transport.calls)
}

func TestExecuteServerDisabled(t *testing.T) {
	env := setupEngine(t)
	server, inst := createMCPInstance(t, env, "user-1")

	require.NoError(t, env.registry.SetServerEnabled(context.Background(), server.ID, false))

	_, err := env.engine.Execute(context.Background(), "user-1", inst.ID, "alpha", nil)
	assert.ErrorIs(t, err, ErrServerDisabled)
	assert.Empty(t, env.transport.calls)
}

func TestExecuteServerDisabledWinsOverInstanceState(t *testing.T) {
	env := setupEngine(t)
	server, inst := createMCPInstance(t, env, "user-1")
	ctx := context.Background()

	require.NoError(t, env.registry.SetServerEnabled(ctx, server.ID, false))

	// Disabled instance: the server gate still decides.
	_, err := env.registry.UpdateInstance(ctx, "user-1", inst.ID, inst.Name, inst.Slug, "", false, nil)
	require.NoError(t, err)
	_, err = env.engine.Execute(ctx, "user-1", inst.ID, "alpha", nil)
	assert.ErrorIs(t, err, ErrServerDisabled)

	// Non-whitelisted tool: the server gate still decides.
	_, err = env.registry.UpdateInstance(ctx, "user-1", inst.ID, inst.Name, inst.Slug, "", true, []string{"alpha"})
	require.NoError(t, err)
	_, err = env.engine.Execute(ctx, "user-1", inst.ID, "beta", nil)
	assert.ErrorIs(t, err, ErrServerDisabled)
	assert.Empty(t, env.transport.calls)
}

func TestExecuteToolNotAllowed(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")
	ctx := context.Background()

	// Narrow the whitelist to alpha only.
	_, err := env.registry.UpdateInstance(ctx, "user-1", inst.ID, inst.Name, inst.Slug, "", true, []string{"alpha"})
	require.NoError(t, err)

	_, err = env.engine.Execute(ctx, "user-1", inst.ID, "beta", nil)
	assert.ErrorIs(t, err, ErrToolNotAllowed)
	assert.Empty(t, env.transport.calls)

	_, err = env.engine.Execute(ctx, "user-1", inst.ID, "alpha", nil)
	assert.NoError(t, err)
}

func TestExecuteEmptyWhitelistBlocksAll(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")
	ctx := context.Background()

	_, err := env.registry.UpdateInstance(ctx, "user-1", inst.ID, inst.Name, inst.Slug, "", true, []string{})
	require.NoError(t, err)

	for _, tool := range []string{"alpha", "beta"} {
		_, err := env.engine.Execute(ctx, "user-1", inst.ID, tool, nil)
		assert.ErrorIs(t, err, ErrToolNotAllowed, "tool %s", tool)
	}
}

func TestExecuteHiddenFromNonOwner(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")

	_, err := env.engine.Execute(context.Background(), "user-2", inst.ID, "alpha", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecuteHeaderAuth(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")
	ctx := context.Background()

	err := env.registry.SetHeaderAuth(ctx, "user-1", inst.ID, registry.HeaderAuthParams{
		HeaderKey: "X-Api-Key",
		Value:     "secret-key",
	})
	require.NoError(t, err)

	_, err = env.engine.Execute(ctx, "user-1", inst.ID, "alpha", nil)
	require.NoError(t, err)

	require.Len(t, env.transport.calls, 1)
	assert.Equal(t, "secret-key", env.transport.calls[0].headers["X-Api-Key"])
}

func setOAuth(t *testing.T, env *testEnv, owner, instanceID string) {
	t.Helper()
	err := env.registry.SetOAuthAuth(context.Background(), owner, instanceID, registry.OAuthParams{
		ClientID:              "client-1",
		ClientSecret:          "shh",
		AuthorizationEndpoint: "https://idp.example.com/authorize",
		TokenEndpoint:         "https://idp.example.com/token",
	})
	require.NoError(t, err)
}

func TestExecuteOAuthAttachesToken(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")
	setOAuth(t, env, "user-1", inst.ID)
	env.resolver.resolveHeader = "Bearer live-token"

	_, err := env.engine.Execute(context.Background(), "user-1", inst.ID, "alpha", nil)
	require.NoError(t, err)

	require.Len(t, env.transport.calls, 1)
	assert.Equal(t, "Bearer live-token", env.transport.calls[0].headers["Authorization"])
}

func TestExecuteAuthExpiredBeforeRemoteCall(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")
	setOAuth(t, env, "user-1", inst.ID)
	env.resolver.resolveErr = oauth.ErrReauthRequired

	_, err := env.engine.Execute(context.Background(), "user-1", inst.ID, "alpha", nil)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Empty(t, env.transport.calls, "remote call must not be attempted")
}

func TestExecute401RefreshRetrySucceeds(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")
	setOAuth(t, env, "user-1", inst.ID)
	env.resolver.resolveHeader = "Bearer stale"
	env.resolver.refreshHeader = "Bearer fresh"
	env.transport.callErrs = []error{mcpclient.ErrUnauthorized, nil}
	env.transport.callResult = &mcpclient.Result{Text: "second try"}

	result, err := env.engine.Execute(context.Background(), "user-1", inst.ID, "alpha", nil)
	require.NoError(t, err)
	assert.Equal(t, "second try", result.Text)

	require.Len(t, env.transport.calls, 2)
	assert.Equal(t, "Bearer stale", env.transport.calls[0].headers["Authorization"])
	assert.Equal(t, "Bearer fresh", env.transport.calls[1].headers["Authorization"])
	assert.Equal(t, 1, env.resolver.refreshCalls)
}

func TestExecute401RetryBounded(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")
	setOAuth(t, env, "user-1", inst.ID)
	env.resolver.resolveHeader = "Bearer stale"
	env.resolver.refreshHeader = "Bearer fresh"
	env.transport.callErrs = []error{mcpclient.ErrUnauthorized, mcpclient.ErrUnauthorized}

	_, err := env.engine.Execute(context.Background(), "user-1", inst.ID, "alpha", nil)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.Len(t, env.transport.calls, 2, "exactly one retry")
	assert.Equal(t, 1, env.resolver.refreshCalls)
}

func TestExecute401RefreshFailsReauth(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")
	setOAuth(t, env, "user-1", inst.ID)
	env.resolver.resolveHeader = "Bearer stale"
	env.resolver.refreshErr = oauth.ErrReauthRequired
	env.transport.callErrs = []error{mcpclient.ErrUnauthorized}

	_, err := env.engine.Execute(context.Background(), "user-1", inst.ID, "alpha", nil)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Len(t, env.transport.calls, 1)
}

func TestExecute401WithoutOAuthNoRetry(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")
	env.transport.callErrs = []error{mcpclient.ErrUnauthorized}

	_, err := env.engine.Execute(context.Background(), "user-1", inst.ID, "alpha", nil)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.Len(t, env.transport.calls, 1)
	assert.Equal(t, 0, env.resolver.refreshCalls)
}

func TestExecuteConnectionFailure(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")
	env.transport.callErrs = []error{mcpclient.ErrConnectionFailed}

	_, err := env.engine.Execute(context.Background(), "user-1", inst.ID, "alpha", nil)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestExecuteProviderToolError(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")
	env.transport.callResult = &mcpclient.Result{IsError: true, Text: "tool blew up"}

	result, err := env.engine.Execute(context.Background(), "user-1", inst.ID, "alpha", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "tool blew up", result.Text)
}

func TestExecuteToolset(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "exa-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"results":[{"id":"r1"}]}`))
	}))
	t.Cleanup(provider.Close)

	reg := toolsets.NewRegistry()
	reg.Register(toolsets.WebSearch(provider.URL))
	env.engine.toolsets = reg

	ws, err := reg.Get(toolsets.TypeWebSearch)
	require.NoError(t, err)
	inst, err := env.registry.CreateToolsetInstance(ctx, "user-1", toolsets.TypeWebSearch, "Search", "search", "", ws.Schemas(), nil)
	require.NoError(t, err)
	require.NoError(t, env.registry.SetHeaderAuth(ctx, "user-1", inst.ID, registry.HeaderAuthParams{
		HeaderKey: "x-api-key",
		Value:     "exa-key",
	}))

	result, err := env.engine.Execute(ctx, "user-1", inst.ID, "search", map[string]any{"query": "golang"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Text, "r1")

	// Provider rejection is a tool error result, not a transport error.
	require.NoError(t, env.registry.SetHeaderAuth(ctx, "user-1", inst.ID, registry.HeaderAuthParams{
		HeaderKey: "x-api-key",
		Value:     "wrong",
	}))
	result, err = env.engine.Execute(ctx, "user-1", inst.ID, "search", map[string]any{"query": "golang"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiscoverTools(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	server, err := env.registry.RegisterServer(ctx, "https://new.example.com/mcp", "New", "", true)
	require.NoError(t, err)
	env.transport.fetchTools = discoveredTools

	tools, err := env.engine.DiscoverTools(ctx, server.ID, map[string]string{"X-Api-Key": "candidate"})
	require.NoError(t, err)
	assert.Len(t, tools, 2)
	require.Len(t, env.transport.calls, 1)
	assert.Equal(t, "candidate", env.transport.calls[0].headers["X-Api-Key"])

	require.NoError(t, env.registry.SetServerEnabled(ctx, server.ID, false))
	_, err = env.engine.DiscoverTools(ctx, server.ID, nil)
	assert.ErrorIs(t, err, ErrServerDisabled)
}

func TestRefreshToolCachePreservesWhitelist(t *testing.T) {
	env := setupEngine(t)
	_, inst := createMCPInstance(t, env, "user-1")
	ctx := context.Background()

	_, err := env.registry.UpdateInstance(ctx, "user-1", inst.ID, inst.Name, inst.Slug, "", true, []string{"alpha"})
	require.NoError(t, err)

	env.transport.fetchTools = []store.ToolSchema{
		{Name: "alpha"}, {Name: "beta"}, {Name: "gamma"},
	}

	updated, err := env.engine.RefreshToolCache(ctx, "user-1", inst.ID)
	require.NoError(t, err)
	assert.Len(t, updated.ToolCache, 3)
	assert.Equal(t, []string{"alpha"}, updated.Whitelist)
}

func TestRefreshToolCacheToolset(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	ws, err := env.engine.toolsets.Get(toolsets.TypeWebSearch)
	require.NoError(t, err)
	inst, err := env.registry.CreateToolsetInstance(ctx, "user-1", toolsets.TypeWebSearch, "Search", "search", "", ws.Schemas()[:1], nil)
	require.NoError(t, err)

	updated, err := env.engine.RefreshToolCache(ctx, "user-1", inst.ID)
	require.NoError(t, err)
	assert.Len(t, updated.ToolCache, 3)
	assert.Equal(t, []string{"search"}, updated.Whitelist)
	assert.Empty(t, env.transport.calls)
}

func TestToolsetTools(t *testing.T) {
	env := setupEngine(t)

	tools, err := env.engine.ToolsetTools(toolsets.TypeWebSearch)
	require.NoError(t, err)
	assert.Len(t, tools, 3)

	_, err = env.engine.ToolsetTools("builtin-missing")
	assert.ErrorIs(t, err, toolsets.ErrUnknownType)
}
