// Package registry holds tool descriptors and factories and produces the
// tool-definition list handed to the LLM provider. A per-agent View applies
// that agent's enable/disable mask on top of the shared registry.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

const (
	// MaxToolNameLength guards against pathological provider output.
	MaxToolNameLength = 256
	// MaxToolParamsSize bounds a single tool call's serialized arguments.
	MaxToolParamsSize = 10 << 20
)

// Tool is the uniform invocation surface over in-process and MCP-backed
// tools; both are registered and invoked identically by the session engine.
type Tool interface {
	Descriptor() nexusmodel.ToolDescriptor
	Execute(ctx context.Context, args json.RawMessage) (*nexusmodel.ToolResult, error)
}

// Registry is the process-wide, shared store of tool factories. Reads and
// writes are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its descriptor's name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Descriptor().Name] = tool
}

// Unregister removes a tool. Used when an MCP connection drops.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Lookup returns the prepared tool instance for name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool's descriptor, sorted by name for
// deterministic provider-facing ordering.
func (r *Registry) All() []nexusmodel.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]nexusmodel.ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MCPToolName namespaces a remote tool so it cannot collide with a local
// tool of the same name: mcp_<server>_<tool>.
func MCPToolName(server, tool string) string {
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// IsMCPToolName reports whether name was produced by MCPToolName and, if so,
// returns the originating server and remote tool name.
func IsMCPToolName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, "mcp_") {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, "mcp_")
	idx := strings.Index(rest, "_")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// View is a per-agent projection of the shared Registry applying that
// agent's disabled-tool mask. get_definitions for an agent excludes tools
// disabled for it without mutating the shared registry.
type View struct {
	registry *Registry
	mu       sync.RWMutex
	disabled map[string]struct{}
}

// NewView creates a View over registry with the given initially-disabled
// tool names.
func NewView(registry *Registry, disabledTools []string) *View {
	v := &View{registry: registry, disabled: make(map[string]struct{})}
	for _, name := range disabledTools {
		v.disabled[name] = struct{}{}
	}
	return v
}

// Disable masks tool out of this view's definitions and lookups.
func (v *View) Disable(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disabled[name] = struct{}{}
}

// Enable unmasks a previously disabled tool.
func (v *View) Enable(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.disabled, name)
}

func (v *View) isDisabled(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.disabled[name]
	return ok
}

// Definitions returns the tool descriptors visible to this agent: every
// registered, enabled tool not present in the view's disabled mask.
func (v *View) Definitions() []nexusmodel.ToolDescriptor {
	all := v.registry.All()
	out := make([]nexusmodel.ToolDescriptor, 0, len(all))
	for _, d := range all {
		if !d.Enabled || v.isDisabled(d.Name) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Lookup resolves name to a Tool only if it is visible in this view.
func (v *View) Lookup(name string) (Tool, bool) {
	if v.isDisabled(name) {
		return nil, false
	}
	t, ok := v.registry.Lookup(name)
	if !ok || !t.Descriptor().Enabled {
		return nil, false
	}
	return t, true
}

// Execute validates basic size limits and dispatches to the named tool,
// never returning a Go error for tool-level failures: those are carried in
// ToolResult.Error so the session engine never has to treat a failed tool as
// an engine-terminating condition.
func (v *View) Execute(ctx context.Context, callID, name string, args json.RawMessage) *nexusmodel.ToolResult {
	if len(name) > MaxToolNameLength {
		return &nexusmodel.ToolResult{ToolCallID: callID, Error: "tool name exceeds maximum length"}
	}
	if len(args) > MaxToolParamsSize {
		return &nexusmodel.ToolResult{ToolCallID: callID, Error: "tool arguments exceed maximum size"}
	}
	tool, ok := v.Lookup(name)
	if !ok {
		return &nexusmodel.ToolResult{ToolCallID: callID, Error: "unknown tool: " + name}
	}
	result, err := tool.Execute(ctx, args)
	if err != nil {
		return &nexusmodel.ToolResult{ToolCallID: callID, Error: err.Error()}
	}
	if result == nil {
		result = &nexusmodel.ToolResult{}
	}
	result.ToolCallID = callID
	return result
}
