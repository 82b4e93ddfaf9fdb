// ABOUTME: Tool execution engine dispatching over instance kinds.
// ABOUTME: Gates on enablement and whitelist, resolves auth, runs the tool.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/toolgate/internal/mcpclient"
	"github.com/2389/toolgate/internal/oauth"
	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/toolsets"
	"github.com/2389/toolgate/internal/vault"
)

var (
	ErrServerDisabled   = errors.New("server is disabled")
	ErrInstanceDisabled = errors.New("instance is disabled")
	ErrToolNotAllowed   = errors.New("tool is not on the instance whitelist")
	// ErrAuthExpired means the instance's OAuth grant can no longer
	// produce a valid token; the owner must re-authorize. Distinct from
	// connection failure so callers prompt re-auth instead of retrying.
	ErrAuthExpired      = errors.New("authorization expired, re-authorization required")
	ErrConnectionFailed = errors.New("could not reach provider")
	ErrExecutionFailed  = errors.New("tool execution failed")
)

// MCPTransport is the remote MCP client surface the engine needs.
type MCPTransport interface {
	FetchTools(ctx context.Context, url string, headers map[string]string) ([]store.ToolSchema, error)
	CallTool(ctx context.Context, url string, headers map[string]string, name string, args map[string]any) (*mcpclient.Result, error)
}

var _ MCPTransport = (*mcpclient.Client)(nil)

// TokenResolver produces valid Authorization header values for OAuth
// auth configs.
type TokenResolver interface {
	ResolveValidToken(ctx context.Context, authConfigID string) (string, error)
	ForceRefresh(ctx context.Context, authConfigID string) (string, error)
}

var _ TokenResolver = (*oauth.Manager)(nil)

// Result is the outcome of one tool execution. IsError marks a
// provider-reported tool error; transport and gate failures come back
// as Go errors instead.
type Result struct {
	IsError bool   `json:"is_error"`
	Text    string `json:"text"`
}

// Engine executes tools against per-user instances. It is stateless
// per call; every remote invocation opens and closes its own
// connection.
type Engine struct {
	registry *registry.Service
	store    store.Store
	vault    *vault.Vault
	tokens   TokenResolver
	toolsets *toolsets.Registry
	mcp      MCPTransport
	logger   *slog.Logger
}

// New creates an execution engine with the standard MCP transport.
func New(reg *registry.Service, s store.Store, v *vault.Vault, tokens TokenResolver, ts *toolsets.Registry) *Engine {
	return &Engine{
		registry: reg,
		store:    s,
		vault:    v,
		tokens:   tokens,
		toolsets: ts,
		mcp:      mcpclient.New(),
		logger:   slog.Default().With("component", "engine"),
	}
}

// resolvedAuth is the outcome of auth resolution for one call.
type resolvedAuth struct {
	headers      map[string]string
	oauthConfig  string
	usedOAuth    bool
	headerAPIKey string
}

// resolveAuth loads the instance's auth config and turns it into
// request headers. Public instances resolve to no headers.
func (e *Engine) resolveAuth(ctx context.Context, instanceID string) (*resolvedAuth, error) {
	cfg, err := e.store.GetAuthConfigByInstance(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return &resolvedAuth{}, nil
	}
	if err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case store.AuthKindHeader:
		value, err := e.vault.Decrypt(vault.Record{
			Ciphertext: cfg.EncryptedValue,
			Salt:       cfg.ValueSalt,
			Nonce:      cfg.ValueNonce,
		})
		if err != nil {
			e.logger.Error("header credential decrypt failed", "auth_config_id", cfg.ID, "error", err)
			return nil, fmt.Errorf("decrypting header credential: %w", err)
		}
		return &resolvedAuth{
			headers:      map[string]string{cfg.HeaderKey: value},
			headerAPIKey: value,
		}, nil
	case store.AuthKindOAuth:
		header, err := e.tokens.ResolveValidToken(ctx, cfg.ID)
		if err != nil {
			if errors.Is(err, oauth.ErrReauthRequired) {
				return nil, fmt.Errorf("%w: %v", ErrAuthExpired, err)
			}
			return nil, err
		}
		return &resolvedAuth{
			headers:     map[string]string{"Authorization": header},
			oauthConfig: cfg.ID,
			usedOAuth:   true,
		}, nil
	default:
		return &resolvedAuth{}, nil
	}
}

func whitelisted(inst *store.Instance, toolName string) bool {
	for _, name := range inst.Whitelist {
		if name == toolName {
			return true
		}
	}
	return false
}

// Execute runs one tool on an instance owned by userID. The whitelist
// is an execution gate for everyone, the owner included. A disabled
// server wins over every instance-level condition.
func (e *Engine) Execute(ctx context.Context, userID, instanceID, toolName string, args map[string]any) (*Result, error) {
	inst, err := e.registry.GetInstance(ctx, userID, instanceID)
	if err != nil {
		return nil, err
	}

	var server *store.ResourceServer
	if inst.Kind != store.InstanceKindToolset {
		server, err = e.registry.GetServer(ctx, inst.ServerID)
		if err != nil {
			return nil, err
		}
		if !server.Enabled {
			return nil, ErrServerDisabled
		}
	}

	if !inst.Enabled {
		return nil, ErrInstanceDisabled
	}
	if !whitelisted(inst, toolName) {
		return nil, fmt.Errorf("%w: %s", ErrToolNotAllowed, toolName)
	}

	switch inst.Kind {
	case store.InstanceKindToolset:
		return e.executeToolset(ctx, inst, toolName, args)
	default:
		return e.executeMCP(ctx, inst, server, toolName, args)
	}
}

func (e *Engine) executeToolset(ctx context.Context, inst *store.Instance, toolName string, args map[string]any) (*Result, error) {
	ts, err := e.toolsets.Get(inst.ToolsetType)
	if err != nil {
		return nil, err
	}

	auth, err := e.resolveAuth(ctx, inst.ID)
	if err != nil {
		return nil, err
	}

	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}

	out, err := ts.Execute(ctx, auth.headerAPIKey, toolName, input)
	if err != nil {
		if errors.Is(err, toolsets.ErrUnknownTool) {
			return nil, err
		}
		return &Result{IsError: true, Text: err.Error()}, nil
	}
	return &Result{Text: string(out)}, nil
}

func (e *Engine) executeMCP(ctx context.Context, inst *store.Instance, server *store.ResourceServer, toolName string, args map[string]any) (*Result, error) {
	auth, err := e.resolveAuth(ctx, inst.ID)
	if err != nil {
		return nil, err
	}

	result, err := e.mcp.CallTool(ctx, server.URL, auth.headers, toolName, args)
	if err != nil && auth.usedOAuth && errors.Is(err, mcpclient.ErrUnauthorized) {
		// One bounded refresh-and-retry after a provider 401; a second
		// rejection is an execution failure, not a retry loop.
		header, refreshErr := e.tokens.ForceRefresh(ctx, auth.oauthConfig)
		if refreshErr != nil {
			if errors.Is(refreshErr, oauth.ErrReauthRequired) {
				return nil, fmt.Errorf("%w: %v", ErrAuthExpired, refreshErr)
			}
			return nil, refreshErr
		}
		auth.headers["Authorization"] = header
		result, err = e.mcp.CallTool(ctx, server.URL, auth.headers, toolName, args)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
		}
	} else if err != nil {
		if errors.Is(err, mcpclient.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	return &Result{IsError: result.IsError, Text: result.Text}, nil
}

// DiscoverTools fetches a server's tool catalogue ahead of instance
// creation. Headers carry candidate credentials in plaintext; nothing
// is persisted here.
func (e *Engine) DiscoverTools(ctx context.Context, serverID string, headers map[string]string) ([]store.ToolSchema, error) {
	server, err := e.registry.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !server.Enabled {
		return nil, ErrServerDisabled
	}

	tools, err := e.mcp.FetchTools(ctx, server.URL, headers)
	if err != nil {
		if errors.Is(err, mcpclient.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return tools, nil
}

// ToolsetTools returns the fixed catalogue of a built-in toolset type.
func (e *Engine) ToolsetTools(toolsetType string) ([]store.ToolSchema, error) {
	ts, err := e.toolsets.Get(strings.TrimSpace(toolsetType))
	if err != nil {
		return nil, err
	}
	return ts.Schemas(), nil
}

// RefreshToolCache re-discovers an instance's tool catalogue and
// overwrites the cache. The whitelist is left exactly as it was.
func (e *Engine) RefreshToolCache(ctx context.Context, userID, instanceID string) (*store.Instance, error) {
	inst, err := e.registry.GetInstance(ctx, userID, instanceID)
	if err != nil {
		return nil, err
	}

	var tools []store.ToolSchema
	switch inst.Kind {
	case store.InstanceKindToolset:
		tools, err = e.ToolsetTools(inst.ToolsetType)
		if err != nil {
			return nil, err
		}
	default:
		server, err := e.registry.GetServer(ctx, inst.ServerID)
		if err != nil {
			return nil, err
		}
		if !server.Enabled {
			return nil, ErrServerDisabled
		}
		auth, err := e.resolveAuth(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		tools, err = e.mcp.FetchTools(ctx, server.URL, auth.headers)
		if err != nil {
			if errors.Is(err, mcpclient.ErrUnauthorized) {
				return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
	}

	return e.registry.ReplaceToolCache(ctx, userID, instanceID, tools)
}
