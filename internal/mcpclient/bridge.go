package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nexus3-rt/nexus3/internal/registry"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

// ToolCaller is the execution contract the bridge needs from a Manager.
type ToolCaller interface {
	CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (*ToolCallResult, error)
}

// ToolBridge adapts one remote MCP tool to the registry.Tool interface,
// namespaced as mcp_<server>_<tool> so it can never collide with a local
// tool of the same bare name.
type ToolBridge struct {
	caller   ToolCaller
	serverID string
	tool     *MCPTool
	name     string
}

// NewToolBridge wraps tool from serverID behind the registry.Tool surface.
func NewToolBridge(caller ToolCaller, serverID string, tool *MCPTool) *ToolBridge {
	return &ToolBridge{
		caller:   caller,
		serverID: serverID,
		tool:     tool,
		name:     registry.MCPToolName(serverID, tool.Name),
	}
}

// Descriptor implements registry.Tool.
func (b *ToolBridge) Descriptor() nexusmodel.ToolDescriptor {
	schema := b.tool.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	desc := strings.TrimSpace(b.tool.Description)
	if desc == "" {
		desc = fmt.Sprintf("MCP tool %s.%s", b.serverID, b.tool.Name)
	} else {
		desc = fmt.Sprintf("MCP tool %s.%s: %s", b.serverID, b.tool.Name, desc)
	}
	return nexusmodel.ToolDescriptor{
		Name:        b.name,
		Description: desc,
		Parameters:  schema,
		Enabled:     true,
		Requires:    []nexusmodel.PermissionRequirement{nexusmodel.PermissionNetwork},
		Timeout:     mcpToolTimeout,
	}
}

// Execute implements registry.Tool by forwarding to the owning connection's
// caller (the Manager), translating the raw MCP tool result to a ToolResult.
func (b *ToolBridge) Execute(ctx context.Context, params json.RawMessage) (*nexusmodel.ToolResult, error) {
	var arguments map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &arguments); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
	}

	result, err := b.caller.CallTool(ctx, b.serverID, b.tool.Name, arguments)
	if err != nil {
		return nil, err
	}

	content, isError := formatToolCallResult(result)
	tr := &nexusmodel.ToolResult{Output: content}
	if isError {
		tr.Error = content
		tr.Output = ""
	}
	return tr, nil
}

// ServerID returns the owning MCP server's connection name.
func (b *ToolBridge) ServerID() string { return b.serverID }

// RemoteName returns the tool's name on the remote server, unnamespaced.
func (b *ToolBridge) RemoteName() string { return b.tool.Name }

// BuildBridges converts every tool currently cached on mgr into sorted,
// deterministically namespaced ToolBridge instances ready for registration.
func BuildBridges(mgr *Manager) []*ToolBridge {
	all := mgr.AllTools()
	if len(all) == 0 {
		return nil
	}
	serverIDs := make([]string, 0, len(all))
	for id := range all {
		serverIDs = append(serverIDs, id)
	}
	sort.Strings(serverIDs)

	var bridges []*ToolBridge
	for _, serverID := range serverIDs {
		tools := append([]*MCPTool(nil), all[serverID]...)
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
		for _, tool := range tools {
			bridges = append(bridges, NewToolBridge(mgr, serverID, tool))
		}
	}
	return bridges
}

func formatToolCallResult(result *ToolCallResult) (string, bool) {
	if result == nil {
		return "", false
	}
	if len(result.Content) == 0 {
		return "", result.IsError
	}

	allText := true
	var combined strings.Builder
	for _, item := range result.Content {
		if item.Type != "text" {
			allText = false
			break
		}
		if item.Text == "" {
			continue
		}
		if combined.Len() > 0 {
			combined.WriteString("\n")
		}
		combined.WriteString(item.Text)
	}

	if allText && combined.Len() > 0 {
		return combined.String(), result.IsError
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return "", result.IsError
	}
	return string(payload), result.IsError
}
