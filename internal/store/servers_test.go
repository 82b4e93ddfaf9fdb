// ABOUTME: Tests for resource server allow-list persistence
// ABOUTME: Covers URL uniqueness, trailing-slash distinctness, and counts

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateServer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	server := &ResourceServer{
		URL:     "https://mcp.example.com/mcp",
		Name:    "Example",
		Enabled: true,
	}

	err := store.CreateServer(ctx, server)
	require.NoError(t, err)
	require.NotEmpty(t, server.ID)

	retrieved, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://mcp.example.com/mcp", retrieved.URL)
	assert.Equal(t, "Example", retrieved.Name)
	assert.True(t, retrieved.Enabled)
}

func TestStore_CreateServer_DuplicateURLCaseInsensitive(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.CreateServer(ctx, &ResourceServer{URL: "https://mcp.example.com/mcp", Name: "a"})
	require.NoError(t, err)

	err = store.CreateServer(ctx, &ResourceServer{URL: "https://MCP.Example.COM/mcp", Name: "b"})
	assert.ErrorIs(t, err, ErrDuplicateURL)
}

func TestStore_CreateServer_TrailingSlashIsDistinct(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.CreateServer(ctx, &ResourceServer{URL: "https://mcp.example.com/mcp", Name: "a"})
	require.NoError(t, err)

	// The slash variant is a different endpoint, not a duplicate.
	err = store.CreateServer(ctx, &ResourceServer{URL: "https://mcp.example.com/mcp/", Name: "b"})
	require.NoError(t, err)

	servers, err := store.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 2)
}

func TestStore_GetServerByURL(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.CreateServer(ctx, &ResourceServer{URL: "https://mcp.example.com/mcp", Name: "a"})
	require.NoError(t, err)

	// Lookup trims whitespace and ignores case.
	server, err := store.GetServerByURL(ctx, "  https://MCP.example.com/mcp  ")
	require.NoError(t, err)
	assert.Equal(t, "https://mcp.example.com/mcp", server.URL)

	_, err = store.GetServerByURL(ctx, "https://mcp.example.com/other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GetServer_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetServer(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateServer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	server := &ResourceServer{URL: "https://mcp.example.com/mcp", Name: "old", Enabled: true}
	require.NoError(t, store.CreateServer(ctx, server))

	server.Name = "new"
	server.Enabled = false
	require.NoError(t, store.UpdateServer(ctx, server))

	retrieved, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", retrieved.Name)
	assert.False(t, retrieved.Enabled)
}

func TestStore_UpdateServer_DuplicateURL(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateServer(ctx, &ResourceServer{URL: "https://a.example.com", Name: "a"}))
	other := &ResourceServer{URL: "https://b.example.com", Name: "b"}
	require.NoError(t, store.CreateServer(ctx, other))

	other.URL = "https://A.example.com"
	err := store.UpdateServer(ctx, other)
	assert.ErrorIs(t, err, ErrDuplicateURL)
}

func TestStore_SetServerEnabled_NotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.SetServerEnabled(context.Background(), "nonexistent", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CountInstancesForServer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	server := &ResourceServer{URL: "https://mcp.example.com/mcp", Name: "a", Enabled: true}
	require.NoError(t, store.CreateServer(ctx, server))

	require.NoError(t, store.CreateInstance(ctx, &Instance{
		OwnerUserID: "user-1", Kind: InstanceKindMCP, ServerID: server.ID,
		Name: "one", Slug: "one", Enabled: true,
	}))
	require.NoError(t, store.CreateInstance(ctx, &Instance{
		OwnerUserID: "user-2", Kind: InstanceKindMCP, ServerID: server.ID,
		Name: "two", Slug: "two", Enabled: false,
	}))

	enabled, total, err := store.CountInstancesForServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), enabled)
	assert.Equal(t, int64(2), total)
}

func TestStore_ClearToolCachesByServer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	server := &ResourceServer{URL: "https://mcp.example.com/mcp", Name: "a", Enabled: true}
	require.NoError(t, store.CreateServer(ctx, server))

	inst := &Instance{
		OwnerUserID: "user-1", Kind: InstanceKindMCP, ServerID: server.ID,
		Name: "one", Slug: "one", Enabled: true,
		ToolCache: []ToolSchema{{Name: "search"}},
		Whitelist: []string{"search"},
	}
	require.NoError(t, store.CreateInstance(ctx, inst))

	require.NoError(t, store.ClearToolCachesByServer(ctx, server.ID))

	retrieved, err := store.GetInstance(ctx, "user-1", inst.ID)
	require.NoError(t, err)
	assert.Empty(t, retrieved.ToolCache)
	// Whitelist survives a cache clear.
	assert.Equal(t, []string{"search"}, retrieved.Whitelist)
}
