package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nexus3-rt/nexus3/internal/permission"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

// Manager owns every live MCP server connection for a process and gates
// access to each connection's tools through a per-agent consent model:
// an agent never inherits another agent's allowances, even on a shared
// connection.
type Manager struct {
	config  *Config
	logger  *slog.Logger
	clients map[string]*Client
	mu      sync.RWMutex

	consentMu   sync.Mutex
	connections map[string]*nexusmodel.MCPConnection
}

// Config holds the MCP manager configuration.
type Config struct {
	Enabled bool            `yaml:"enabled"`
	Servers []*ServerConfig `yaml:"servers"`
}

// NewManager creates a new MCP manager.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		config:      cfg,
		logger:      logger.With("component", "mcp"),
		clients:     make(map[string]*Client),
		connections: make(map[string]*nexusmodel.MCPConnection),
	}
}

// Start connects to all configured MCP servers with auto_start enabled.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug("MCP disabled")
		return nil
	}

	for _, serverCfg := range m.config.Servers {
		if !serverCfg.AutoStart {
			continue
		}
		if err := m.Connect(ctx, serverCfg.ID); err != nil {
			m.logger.Error("failed to connect to MCP server", "server", serverCfg.ID, "error", err)
		}
	}

	return nil
}

// Stop disconnects from all MCP servers.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("failed to close MCP client", "server", id, "error", err)
		}
		delete(m.clients, id)
	}

	return nil
}

// Connect connects to a specific MCP server by ID. It records no consent
// policy: Authorize denies every agent access to serverID until
// RegisterConnection is called for it.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	var serverCfg *ServerConfig
	for _, cfg := range m.config.Servers {
		if cfg.ID == serverID {
			serverCfg = cfg
			break
		}
	}
	if serverCfg == nil {
		return fmt.Errorf("server %q not found in config", serverID)
	}

	m.mu.RLock()
	if _, exists := m.clients[serverID]; exists {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	client := NewClient(serverCfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[serverID] = client
	m.mu.Unlock()

	m.logger.Info("connected to MCP server", "server", serverID, "name", client.ServerInfo().Name)
	return nil
}

// Disconnect disconnects from a specific MCP server and drops its consent
// record.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	client, exists := m.clients[serverID]
	if !exists {
		m.mu.Unlock()
		return nil
	}
	err := client.Close()
	delete(m.clients, serverID)
	m.mu.Unlock()

	m.consentMu.Lock()
	delete(m.connections, serverID)
	m.consentMu.Unlock()

	m.logger.Info("disconnected from MCP server", "server", serverID)
	return err
}

// Client returns a client for a specific server.
func (m *Manager) Client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[serverID]
	return client, exists
}

// Clients returns all connected clients.
func (m *Manager) Clients() map[string]*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*Client, len(m.clients))
	for id, client := range m.clients {
		result[id] = client
	}
	return result
}

// AllTools returns all tools from all connected servers.
func (m *Manager) AllTools() map[string][]*MCPTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string][]*MCPTool)
	for id, client := range m.clients {
		if tools := client.Tools(); len(tools) > 0 {
			result[id] = tools
		}
	}
	return result
}

// CallTool calls a tool on a specific server. Callers needing per-agent
// consent enforcement should go through Authorize first; CallTool itself
// performs no consent check so it can also serve as the raw ToolCaller for
// already-authorized bridges.
func (m *Manager) CallTool(ctx context.Context, serverID string, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	client, exists := m.Client(serverID)
	if !exists {
		return nil, fmt.Errorf("server %q not connected", serverID)
	}
	if !client.Connected() {
		return nil, fmt.Errorf("server %q connection is closed", serverID)
	}
	return client.CallTool(ctx, toolName, arguments)
}

// FindTool finds a tool by name across all servers.
func (m *Manager) FindTool(name string) (serverID string, tool *MCPTool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, client := range m.clients {
		for _, t := range client.Tools() {
			if t.Name == name {
				return id, t
			}
		}
	}
	return "", nil
}

// ToolSchema represents the JSON schema for a tool, used by LLMs.
type ToolSchema struct {
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolSchemas returns tool schemas suitable for LLM tool definitions.
func (m *Manager) ToolSchemas() []ToolSchema {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var schemas []ToolSchema
	for id, client := range m.clients {
		for _, tool := range client.Tools() {
			schemas = append(schemas, ToolSchema{
				ServerID:    id,
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	return schemas
}

// ServerStatus represents the status of an MCP server.
type ServerStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server"`
	Tools     int        `json:"tools"`
}

// Status returns the status of all configured servers.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var statuses []ServerStatus
	for _, cfg := range m.config.Servers {
		status := ServerStatus{ID: cfg.ID, Name: cfg.Name}
		if client, exists := m.clients[cfg.ID]; exists {
			status.Connected = client.Connected()
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// RegisterConnection records serverID's consent policy for ownerAgentID. A
// connection is private by default: only its owner may call its tools. A
// connection declared shared may be used by any agent, but allowances
// (nexusmodel.ConsentPerTool grants) are still tracked per-agent, never pooled.
func (m *Manager) RegisterConnection(serverID, ownerAgentID string, visibility nexusmodel.MCPVisibility, consent nexusmodel.MCPConsentMode) {
	m.consentMu.Lock()
	defer m.consentMu.Unlock()
	m.connections[serverID] = &nexusmodel.MCPConnection{
		Name:              serverID,
		OwnerAgentID:      ownerAgentID,
		Visibility:        visibility,
		ConsentMode:       consent,
		PerToolAllowances: make(map[string]map[string]struct{}),
	}
}

// Authorize decides whether agentID may invoke toolName on serverID right
// now, without mutating any allowance. Use GrantToolAllowance after an
// interactive per-tool confirmation to remember the decision for agentID.
func (m *Manager) Authorize(serverID, agentID, toolName string) (permission.Decision, error) {
	m.consentMu.Lock()
	defer m.consentMu.Unlock()

	conn, ok := m.connections[serverID]
	if !ok {
		return permission.Decision{Outcome: permission.Deny, Reason: "connection not registered"},
			fmt.Errorf("mcp connection %q not registered", serverID)
	}

	if conn.Visibility == nexusmodel.MCPVisibilityPrivate && conn.OwnerAgentID != agentID {
		return permission.Decision{Outcome: permission.Deny, Reason: "private connection owned by another agent"}, nil
	}

	switch conn.ConsentMode {
	case nexusmodel.ConsentAllowAll:
		return permission.Decision{Outcome: permission.Allow}, nil
	case nexusmodel.ConsentDeny:
		return permission.Decision{Outcome: permission.Deny, Reason: "connection consent_mode is deny"}, nil
	case nexusmodel.ConsentPerTool:
		if agentAllowances, ok := conn.PerToolAllowances[agentID]; ok {
			if _, granted := agentAllowances[toolName]; granted {
				return permission.Decision{Outcome: permission.Allow}, nil
			}
		}
		return permission.Decision{Outcome: permission.RequireConfirmation}, nil
	default:
		return permission.Decision{Outcome: permission.Deny, Reason: "unknown consent_mode"}, nil
	}
}

// GrantToolAllowance remembers that agentID confirmed toolName on serverID,
// scoped to that agent only; it never becomes visible to any other agent
// sharing the same connection.
func (m *Manager) GrantToolAllowance(serverID, agentID, toolName string) {
	m.consentMu.Lock()
	defer m.consentMu.Unlock()
	conn, ok := m.connections[serverID]
	if !ok {
		return
	}
	if conn.PerToolAllowances[agentID] == nil {
		conn.PerToolAllowances[agentID] = make(map[string]struct{})
	}
	conn.PerToolAllowances[agentID][toolName] = struct{}{}
}
