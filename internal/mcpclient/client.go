package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nexus3-rt/nexus3/internal/metrics"
)

// mcpToolTimeout bounds a single tools/call round trip when the owning
// ToolDescriptor does not declare a more specific timeout.
const mcpToolTimeout = 30 * time.Second

// protocolVersion is the MCP protocol version this client negotiates.
const protocolVersion = "2024-11-05"

// Client is an MCP client that connects to a single server over one of the
// two supported transports and caches its tool catalog.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu    sync.RWMutex
	tools []*MCPTool

	serverInfo ServerInfo
}

// NewClient creates a new MCP client for cfg.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("mcp_server", cfg.ID),
	}
}

// Connect performs the MCP handshake: initialize, wait for the response,
// send the initialized notification, then refresh the tool catalog. Only
// after this sequence may tools/list or tools/call be issued.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{"roots": map[string]any{"listChanged": true}},
		"clientInfo":      map[string]any{"name": "nexus3", "version": "1.0.0"},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = initResult.ServerInfo

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.logger.Warn("failed to refresh tools", "error", err)
	}

	c.logger.Info("connected to MCP server",
		"name", c.serverInfo.Name, "version", c.serverInfo.Version, "protocol", initResult.ProtocolVersion)
	return nil
}

// Close closes the underlying transport connection.
func (c *Client) Close() error { return c.transport.Close() }

// Config returns the server configuration this client was built from.
func (c *Client) Config() *ServerConfig { return c.config }

// ServerInfo returns the remote server's self-reported identity.
func (c *Client) ServerInfo() ServerInfo { return c.serverInfo }

// Connected reports whether the transport believes it is still live.
// Dead-connection detection relies on this being checked before each call.
func (c *Client) Connected() bool { return c.transport.Connected() }

// RefreshTools re-lists tools/list, following nextCursor until absent, and
// replaces the cached catalog atomically.
func (c *Client) RefreshTools(ctx context.Context) error {
	var all []*MCPTool
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		result, err := c.transport.Call(ctx, "tools/list", params)
		if err != nil {
			return err
		}
		var resp ListToolsResult
		if err := json.Unmarshal(result, &resp); err != nil {
			return fmt.Errorf("parse tools/list result: %w", err)
		}
		all = append(all, resp.Tools...)
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	c.mu.Lock()
	c.tools = all
	c.mu.Unlock()
	c.logger.Debug("refreshed tools", "count", len(all))
	return nil
}

// Tools returns the cached tool catalog.
func (c *Client) Tools() []*MCPTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool invokes name on the server with arguments.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	start := time.Now()
	result, err := c.callTool(ctx, name, arguments)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.MCPCallDuration.WithLabelValues(c.config.ID, outcome).Observe(time.Since(start).Seconds())
	return result, err
}

func (c *Client) callTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &callResult, nil
}

// Events returns the server-initiated notification channel.
func (c *Client) Events() <-chan *JSONRPCNotification { return c.transport.Events() }
