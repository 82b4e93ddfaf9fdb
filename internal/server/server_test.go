// ABOUTME: Integration tests for the HTTP API, driving the full stack
// ABOUTME: against a real SQLite store and an in-process MCP provider.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/engine"
	"github.com/2389/toolgate/internal/ledger"
	"github.com/2389/toolgate/internal/oauth"
	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/toolsets"
	"github.com/2389/toolgate/internal/vault"
)

type testAPI struct {
	ts       *httptest.Server
	verifier *auth.JWTVerifier
	store    *store.SQLiteStore
	registry *registry.Service
	mcpURL   string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	v, err := vault.New([]byte("0123456789abcdef"))
	require.NoError(t, err)

	reg := registry.NewService(st, v)
	om := oauth.NewManager(st, v, "http://localhost:8080/oauth/callback", 10*time.Minute)
	tsReg := toolsets.NewRegistry()
	eng := engine.New(reg, st, v, om, tsReg)
	led := ledger.NewService(st)
	verifier := auth.NewJWTVerifier([]byte("test-secret-test-secret-test-secret!"))

	srv := New("127.0.0.1:0", st, reg, eng, led, om, tsReg, verifier)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testAPI{ts: ts, verifier: verifier, store: st, registry: reg, mcpURL: newEchoMCPServer(t)}
}

// newEchoMCPServer runs an in-process MCP provider with one echo tool.
func newEchoMCPServer(t *testing.T) string {
	t.Helper()

	ms := mcpserver.NewMCPServer("echo-provider", "1.0.0",
		mcpserver.WithToolCapabilities(false),
	)
	ms.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echoes text"),
			mcp.WithString("text", mcp.Required()),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, _ := req.GetArguments()["text"].(string)
			return mcp.NewToolResultText("echo: " + text), nil
		},
	)

	ts := httptest.NewServer(mcpserver.NewStreamableHTTPServer(ms))
	t.Cleanup(ts.Close)
	return ts.URL
}

func (a *testAPI) sessionToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := a.verifier.GenerateSession(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (a *testAPI) appToken(t *testing.T, clientID, userID, accessRequestID string) string {
	t.Helper()
	token, err := a.verifier.GenerateExternalApp(clientID, userID, accessRequestID, time.Hour)
	require.NoError(t, err)
	return token
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, a.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	if len(raw) > 0 {
		// Some endpoints return 204 with no body.
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp.StatusCode, decoded
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	status, body := api.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestServerCRUDRequiresSession(t *testing.T) {
	api := newTestAPI(t)

	status, _ := api.do(t, http.MethodGet, "/api/servers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	appToken := api.appToken(t, "app-1", "user-1", "")
	status, _ = api.do(t, http.MethodGet, "/api/servers", appToken, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestServerCRUD(t *testing.T) {
	api := newTestAPI(t)
	admin := api.sessionToken(t, "admin-1")

	status, created := api.do(t, http.MethodPost, "/api/servers", admin, map[string]any{
		"url":  "https://tools.example.com/mcp",
		"name": "Example Tools",
	})
	require.Equal(t, http.StatusCreated, status)
	serverID := created["id"].(string)
	assert.True(t, created["enabled"].(bool))

	// Duplicate URL, case-insensitively.
	status, _ = api.do(t, http.MethodPost, "/api/servers", admin, map[string]any{
		"url":  "https://TOOLS.example.com/mcp",
		"name": "Dup",
	})
	assert.Equal(t, http.StatusConflict, status)

	status, got := api.do(t, http.MethodGet, "/api/servers/"+serverID, admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Example Tools", got["server"].(map[string]any)["name"])
	counts := got["instances"].(map[string]any)
	assert.Equal(t, float64(0), counts["total"])

	status, _ = api.do(t, http.MethodPost, "/api/servers/"+serverID+"/enabled", admin, map[string]any{"enabled": false})
	assert.Equal(t, http.StatusOK, status)

	status, got = api.do(t, http.MethodGet, "/api/servers/"+serverID, admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, got["server"].(map[string]any)["enabled"].(bool))

	status, _ = api.do(t, http.MethodGet, "/api/servers/missing-id", admin, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// registerMCPInstance walks the two-phase create: discover, then create.
func (a *testAPI) registerMCPInstance(t *testing.T, token, slug string) (serverID, instanceID string) {
	t.Helper()

	status, created := a.do(t, http.MethodPost, "/api/servers", token, map[string]any{
		"url":  a.mcpURL,
		"name": "Echo Provider",
	})
	require.Equal(t, http.StatusCreated, status)
	serverID = created["id"].(string)

	status, discovered := a.do(t, http.MethodPost, "/api/servers/"+serverID+"/discover", token, nil)
	require.Equal(t, http.StatusOK, status)
	tools := discovered["tools"].([]any)
	require.NotEmpty(t, tools)

	return serverID, a.createInstanceOnServer(t, token, serverID, slug, tools)
}

func (a *testAPI) createInstanceOnServer(t *testing.T, token, serverID, slug string, tools []any) string {
	t.Helper()

	status, inst := a.do(t, http.MethodPost, "/api/instances", token, map[string]any{
		"kind":      "mcp",
		"server_id": serverID,
		"name":      "Echo " + slug,
		"slug":      slug,
		"tools":     tools,
	})
	require.Equal(t, http.StatusCreated, status)
	return inst["id"].(string)
}

func TestInstanceLifecycleAndExecute(t *testing.T) {
	api := newTestAPI(t)
	owner := api.sessionToken(t, "user-1")

	_, instanceID := api.registerMCPInstance(t, owner, "my-echo")

	status, inst := api.do(t, http.MethodGet, "/api/instances/"+instanceID, owner, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "public", inst["auth_kind"])
	assert.Equal(t, []any{"echo"}, inst["whitelist"])

	// The lookup path also resolves the owner's slug.
	status, bySlug := api.do(t, http.MethodGet, "/api/instances/my-echo", owner, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, instanceID, bySlug["id"])

	// The owner executes directly through the session passthrough.
	status, result := api.do(t, http.MethodPost, "/api/mcps/"+instanceID+"/execute", owner, map[string]any{
		"tool": "echo",
		"args": map[string]any{"text": "hi"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "echo: hi", result["text"])
	assert.False(t, result["is_error"].(bool))

	// Narrow the whitelist to nothing; execution is now blocked even
	// for the owner.
	status, _ = api.do(t, http.MethodPut, "/api/instances/"+instanceID, owner, map[string]any{
		"name":      "My Echo",
		"slug":      "my-echo",
		"enabled":   true,
		"whitelist": []string{},
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = api.do(t, http.MethodPost, "/api/mcps/"+instanceID+"/execute", owner, map[string]any{
		"tool": "echo",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	// Refresh restores the cache but not the whitelist.
	status, refreshed := api.do(t, http.MethodPost, "/api/instances/"+instanceID+"/refresh", owner, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, refreshed["tool_cache"])
	assert.Empty(t, refreshed["whitelist"])

	// Another user cannot see the instance.
	other := api.sessionToken(t, "user-2")
	status, _ = api.do(t, http.MethodGet, "/api/instances/"+instanceID, other, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = api.do(t, http.MethodDelete, "/api/instances/"+instanceID, owner, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = api.do(t, http.MethodGet, "/api/instances/"+instanceID, owner, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestToolsetInstanceAndAuth(t *testing.T) {
	api := newTestAPI(t)
	owner := api.sessionToken(t, "user-1")

	status, types := api.do(t, http.MethodGet, "/api/toolset-types", owner, nil)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, types["toolset_types"])

	status, inst := api.do(t, http.MethodPost, "/api/instances", owner, map[string]any{
		"kind":         "toolset",
		"toolset_type": toolsets.TypeWebSearch,
		"name":         "Search",
		"slug":         "search",
	})
	require.Equal(t, http.StatusCreated, status)
	instanceID := inst["id"].(string)
	assert.Len(t, inst["tool_cache"], 3)

	status, authResp := api.do(t, http.MethodPut, "/api/instances/"+instanceID+"/auth", owner, map[string]any{
		"kind":       "header",
		"header_key": "x-api-key",
		"value":      "super-secret-key",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "supe************", authResp["value"])

	status, got := api.do(t, http.MethodGet, "/api/instances/"+instanceID, owner, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "header", got["auth_kind"])
}

func TestAccessRequestFlow(t *testing.T) {
	api := newTestAPI(t)
	owner := api.sessionToken(t, "user-1")
	serverID, instanceID := api.registerMCPInstance(t, owner, "my-echo")

	// A session token cannot open a draft; only external apps do.
	status, _ := api.do(t, http.MethodPost, "/api/access-requests", owner, map[string]any{"app_name": "x"})
	assert.Equal(t, http.StatusUnauthorized, status)

	appDraft := api.appToken(t, "app-1", "user-1", "")
	status, draft := api.do(t, http.MethodPost, "/api/access-requests", appDraft, map[string]any{
		"app_name": "Acme Assistant",
		"requested": map[string]any{
			"mcp_servers": []map[string]string{{"url": api.mcpURL}},
		},
	})
	require.Equal(t, http.StatusCreated, status)
	requestID := draft["id"].(string)
	assert.Equal(t, "draft", draft["status"])

	// Approval binding a specific instance.
	status, approved := api.do(t, http.MethodPost, "/api/access-requests/"+requestID+"/approve", owner, map[string]any{
		"approved": map[string]any{
			"mcps": []map[string]any{{
				"url":    api.mcpURL,
				"status": "approved",
				"instance": map[string]any{
					"id":     instanceID,
					"status": "approved",
				},
			}},
		},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "approved", approved["status"])

	// The app now executes with its access request bound in the token.
	appToken := api.appToken(t, "app-1", "user-1", requestID)
	status, result := api.do(t, http.MethodPost, "/api/mcps/"+instanceID+"/execute", appToken, map[string]any{
		"tool": "echo",
		"args": map[string]any{"text": "via app"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "echo: via app", result["text"])

	// A sibling instance of the same owner is not covered.
	status, discovered := api.do(t, http.MethodPost, "/api/servers/"+serverID+"/discover", owner, nil)
	require.Equal(t, http.StatusOK, status)
	siblingID := api.createInstanceOnServer(t, owner, serverID, "second-echo", discovered["tools"].([]any))
	status, body := api.do(t, http.MethodPost, "/api/mcps/"+siblingID+"/execute", appToken, map[string]any{
		"tool": "echo",
		"args": map[string]any{"text": "nope"},
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, string(auth.RejectEntityNotApproved), body["error"])

	// Deciding twice conflicts.
	status, _ = api.do(t, http.MethodPost, "/api/access-requests/"+requestID+"/deny", owner, nil)
	assert.Equal(t, http.StatusConflict, status)

	// Wrong client id on the token is rejected.
	wrongApp := api.appToken(t, "app-2", "user-1", requestID)
	status, body = api.do(t, http.MethodPost, "/api/mcps/"+instanceID+"/execute", wrongApp, map[string]any{
		"tool": "echo",
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, string(auth.RejectAppClientMismatch), body["error"])

	// Unknown access request id is indistinguishable from unauthorized.
	ghost := api.appToken(t, "app-1", "user-1", "no-such-request")
	status, _ = api.do(t, http.MethodPost, "/api/mcps/"+instanceID+"/execute", ghost, map[string]any{
		"tool": "echo",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAccessRequestDenied(t *testing.T) {
	api := newTestAPI(t)
	owner := api.sessionToken(t, "user-1")
	_, instanceID := api.registerMCPInstance(t, owner, "my-echo")

	appDraft := api.appToken(t, "app-1", "user-1", "")
	status, draft := api.do(t, http.MethodPost, "/api/access-requests", appDraft, map[string]any{
		"app_name":  "Acme",
		"requested": map[string]any{"mcp_servers": []map[string]string{{"url": api.mcpURL}}},
	})
	require.Equal(t, http.StatusCreated, status)
	requestID := draft["id"].(string)

	status, denied := api.do(t, http.MethodPost, "/api/access-requests/"+requestID+"/deny", owner, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "denied", denied["status"])

	appToken := api.appToken(t, "app-1", "user-1", requestID)
	status, body := api.do(t, http.MethodPost, "/api/mcps/"+instanceID+"/execute", appToken, map[string]any{
		"tool": "echo",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, string(auth.RejectAccessRequestNotApproved), body["error"])
}

func TestAccessRequestFailed(t *testing.T) {
	api := newTestAPI(t)
	owner := api.sessionToken(t, "user-1")

	appDraft := api.appToken(t, "app-1", "user-1", "")
	status, draft := api.do(t, http.MethodPost, "/api/access-requests", appDraft, map[string]any{
		"app_name":  "Acme",
		"requested": map[string]any{"mcp_servers": []map[string]string{{"url": api.mcpURL}}},
	})
	require.Equal(t, http.StatusCreated, status)
	requestID := draft["id"].(string)

	// The app reports its consent flow broke; the failure and its
	// message stick to the request.
	status, failed := api.do(t, http.MethodPost, "/api/access-requests/"+requestID+"/fail", appDraft, map[string]any{
		"error": "user closed the consent window",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "failed", failed["status"])
	assert.Equal(t, "user closed the consent window", failed["error_message"])

	// A failed request is decided; it cannot be approved afterwards.
	status, _ = api.do(t, http.MethodPost, "/api/access-requests/"+requestID+"/deny", owner, nil)
	assert.Equal(t, http.StatusConflict, status)

	// Anonymous callers cannot record failures.
	status, _ = api.do(t, http.MethodPost, "/api/access-requests/"+requestID+"/fail", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestOAuthEndpoints(t *testing.T) {
	api := newTestAPI(t)
	owner := api.sessionToken(t, "user-1")
	_, instanceID := api.registerMCPInstance(t, owner, "my-echo")

	status, _ := api.do(t, http.MethodPut, "/api/instances/"+instanceID+"/auth", owner, map[string]any{
		"kind":                   "oauth",
		"client_id":              "client-abc",
		"client_secret":          "hush",
		"authorization_endpoint": "https://idp.example.com/authorize",
		"token_endpoint":         "https://idp.example.com/token",
		"scopes":                 []string{"read"},
	})
	require.Equal(t, http.StatusOK, status)

	status, login := api.do(t, http.MethodPost, "/api/instances/"+instanceID+"/oauth/login", owner, nil)
	require.Equal(t, http.StatusOK, status)
	authURL := login["authorization_url"].(string)
	assert.Contains(t, authURL, "client_id=client-abc")
	assert.Contains(t, authURL, "code_challenge_method=S256")

	// Another user cannot start a login on this instance.
	other := api.sessionToken(t, "user-2")
	status, _ = api.do(t, http.MethodPost, "/api/instances/"+instanceID+"/oauth/login", other, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = api.do(t, http.MethodGet, "/oauth/callback?state=bogus&code=xyz", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = api.do(t, http.MethodGet, "/oauth/callback", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestExecuteValidation(t *testing.T) {
	api := newTestAPI(t)
	owner := api.sessionToken(t, "user-1")
	_, instanceID := api.registerMCPInstance(t, owner, "my-echo")

	status, _ := api.do(t, http.MethodPost, fmt.Sprintf("/api/mcps/%s/execute", instanceID), owner, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = api.do(t, http.MethodPost, "/api/mcps/"+instanceID+"/execute", "", map[string]any{"tool": "echo"})
	assert.Equal(t, http.StatusUnauthorized, status)
}
