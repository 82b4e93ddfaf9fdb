// ABOUTME: Stateless MCP client over streamable HTTP transport
// ABOUTME: Every call pays full connect/initialize/teardown; nothing is pooled

package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/toolgate/internal/store"
)

// Transport errors
var (
	// ErrUnauthorized means the provider rejected the attached
	// credentials. Callers holding an OAuth config may refresh once and
	// retry once.
	ErrUnauthorized = errors.New("provider rejected credentials")
	// ErrConnectionFailed wraps transport-level failures.
	ErrConnectionFailed = errors.New("connection to provider failed")
)

const protocolVersion = "2024-11-05"

// Result is the outcome of one tool invocation. IsError marks a
// provider-reported tool error, distinct from transport failure.
type Result struct {
	IsError bool
	Text    string
}

// Client talks to remote MCP servers. It holds no connections: each
// operation opens, initializes, runs, and closes its own session.
type Client struct {
	logger *slog.Logger
}

// New creates a stateless MCP client.
func New() *Client {
	return &Client{logger: slog.Default().With("component", "mcpclient")}
}

// connect opens and initializes a session. The caller must close the
// returned client on every path.
func (c *Client) connect(ctx context.Context, url string, headers map[string]string) (*client.Client, error) {
	var opts []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}

	mcpClient, err := client.NewStreamableHttpClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	_, err = mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    "toolgate",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		_ = mcpClient.Close()
		return nil, c.classify(err)
	}

	return mcpClient, nil
}

// classify distinguishes credential rejection from other transport
// failures. The transport surfaces HTTP status only in the error text.
func (c *Client) classify(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized") {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}

// FetchTools lists the provider's tool catalogue. Connect, list,
// disconnect: no session survives the call.
func (c *Client) FetchTools(ctx context.Context, url string, headers map[string]string) ([]store.ToolSchema, error) {
	mcpClient, err := c.connect(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	defer func() { _ = mcpClient.Close() }()

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, c.classify(err)
	}

	tools := make([]store.ToolSchema, 0, len(result.Tools))
	for _, tool := range result.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encoding input schema for %s: %w", tool.Name, err)
		}
		tools = append(tools, store.ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	c.logger.Debug("fetched tools", "url", url, "count", len(tools))
	return tools, nil
}

// CallTool invokes one tool. Provider-reported tool errors come back as
// a Result with IsError set, not as a Go error.
func (c *Client) CallTool(ctx context.Context, url string, headers map[string]string, name string, args map[string]any) (*Result, error) {
	mcpClient, err := c.connect(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	defer func() { _ = mcpClient.Close() }()

	result, err := mcpClient.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, c.classify(err)
	}

	var text strings.Builder
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			text.WriteString(tc.Text)
		}
	}

	return &Result{
		IsError: result.IsError,
		Text:    text.String(),
	}, nil
}
