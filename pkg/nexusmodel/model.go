// Package nexusmodel defines the wire-level and in-memory data types shared
// across the agent runtime: messages, tool calls, permission policies, and
// the external-tool (MCP) connection descriptors.
package nexusmodel

import (
	"encoding/json"
	"time"
)

// Role indicates the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is the provider's request to invoke a named tool with arguments.
// Immutable once constructed.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry in a Context's append-only log. Immutable after
// insertion. A tool message's ToolCallID must reference a ToolCall.ID
// present in some prior assistant message's ToolCalls.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`

	// compactionReplaced marks a message dropped by compaction; it is kept
	// in the append-only log for audit but excluded from materialization.
	compactionReplaced bool
}

// MarkReplaced flags the message as superseded by a compaction summary.
func (m *Message) MarkReplaced() { m.compactionReplaced = true }

// Replaced reports whether compaction has superseded this message.
func (m *Message) Replaced() bool { return m.compactionReplaced }

// ToolResult is the outcome of a tool invocation. A result is successful iff
// Error is empty; Output may still be populated alongside a nonempty Error
// for diagnostic purposes but must not be treated as meaningful by callers.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
}

// Success reports whether the result represents a successful invocation.
func (r ToolResult) Success() bool { return r.Error == "" }

// PermissionRequirement names the class of side effect a tool may perform.
type PermissionRequirement string

const (
	PermissionRead    PermissionRequirement = "read"
	PermissionWrite   PermissionRequirement = "write"
	PermissionNetwork PermissionRequirement = "network"
	PermissionShell   PermissionRequirement = "shell"
	PermissionSpawn   PermissionRequirement = "spawn"
)

// ToolDescriptor describes a tool's invocation contract. Owned by the
// registry; immutable once registered.
type ToolDescriptor struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Parameters  json.RawMessage         `json:"parameters"`
	Enabled     bool                    `json:"enabled"`
	Requires    []PermissionRequirement `json:"requires,omitempty"`
	Timeout     time.Duration           `json:"timeout"`
}

// PermissionLevel is the coarse-grained trust tier assigned to an agent.
type PermissionLevel string

const (
	LevelYOLO      PermissionLevel = "yolo"
	LevelTrusted   PermissionLevel = "trusted"
	LevelSandboxed PermissionLevel = "sandboxed"
)

// PermissionPolicy is the full permission configuration for an agent.
// Effective policy at check time is self ∧ ParentCeiling: never broader
// than the parent. SessionAllowances is the only field mutated at runtime,
// and only by append.
type PermissionPolicy struct {
	Level             PermissionLevel     `json:"level"`
	AllowedReadPaths  []string            `json:"allowed_read_paths,omitempty"`
	AllowedWritePaths []string            `json:"allowed_write_paths,omitempty"`
	AllowedHosts      []string            `json:"allowed_hosts,omitempty"`
	NetworkAllowed    bool                `json:"network_allowed"`
	DisabledTools     []string            `json:"disabled_tools,omitempty"`
	ToolOverrides     map[string]*Policy  `json:"tool_overrides,omitempty"`
	SessionAllowances map[string]struct{} `json:"-"`
	ParentCeiling     *PermissionPolicy   `json:"-"`
}

// Policy is a per-tool override. It may only upgrade (never downgrade) the
// level-based base decision, e.g. force confirmation or denial on a tool
// that would otherwise be auto-allowed.
type Policy struct {
	RequireConfirmation bool `json:"require_confirmation,omitempty"`
	Deny                bool `json:"deny,omitempty"`
}

// ContextConfig bounds a Context's token budget and compaction behavior.
// Invariant: 0 < ReserveTokens < MaxTokens, and 0 < each ratio < 1.
type ContextConfig struct {
	MaxTokens           int     `json:"max_tokens" yaml:"max_tokens"`
	ReserveTokens       int     `json:"reserve_tokens" yaml:"reserve_tokens"`
	TriggerRatio        float64 `json:"trigger_ratio" yaml:"trigger_ratio"`
	SummaryBudgetRatio  float64 `json:"summary_budget_ratio" yaml:"summary_budget_ratio"`
	RecentPreserveRatio float64 `json:"recent_preserve_ratio" yaml:"recent_preserve_ratio"`
	CompactorModel      string  `json:"compactor_model,omitempty" yaml:"compactor_model,omitempty"`
	TruncationStrategy  string  `json:"truncation_strategy" yaml:"truncation_strategy"`
}

// Validate checks the invariants required of a ContextConfig.
func (c *ContextConfig) Validate() error {
	if c.ReserveTokens <= 0 || c.ReserveTokens >= c.MaxTokens {
		return &ConfigError{Field: "reserve_tokens", Reason: "must satisfy 0 < reserve < max_tokens"}
	}
	for _, r := range []struct {
		name string
		v    float64
	}{
		{"trigger_ratio", c.TriggerRatio},
		{"summary_budget_ratio", c.SummaryBudgetRatio},
		{"recent_preserve_ratio", c.RecentPreserveRatio},
	} {
		if r.v <= 0 || r.v >= 1 {
			return &ConfigError{Field: r.name, Reason: "must satisfy 0 < ratio < 1"}
		}
	}
	switch c.TruncationStrategy {
	case "oldest_first", "middle_out":
	default:
		return &ConfigError{Field: "truncation_strategy", Reason: "must be oldest_first or middle_out"}
	}
	return nil
}

// ConfigError is a fatal-at-startup configuration validation failure.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string { return e.Field + ": " + e.Reason }

// DefaultContextConfig returns sane defaults, mirroring the scenario
// parameters used throughout the testable-properties suite.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		MaxTokens:           180_000,
		ReserveTokens:       8_000,
		TriggerRatio:        0.85,
		SummaryBudgetRatio:  0.15,
		RecentPreserveRatio: 0.25,
		TruncationStrategy:  "middle_out",
	}
}

// MCPTransportKind names the transport an MCPConnection uses.
type MCPTransportKind string

const (
	MCPTransportStdio MCPTransportKind = "stdio"
	MCPTransportHTTP  MCPTransportKind = "http"
)

// MCPVisibility controls which agents see an MCPConnection's tools.
type MCPVisibility string

const (
	MCPVisibilityPrivate MCPVisibility = "private"
	MCPVisibilityShared  MCPVisibility = "shared"
)

// MCPConsentMode controls how tool invocations on a connection are gated.
type MCPConsentMode string

const (
	ConsentAllowAll MCPConsentMode = "allow_all"
	ConsentPerTool  MCPConsentMode = "per_tool"
	ConsentDeny     MCPConsentMode = "deny"
)

// MCPConnection describes one external-tool server attachment. Owner is the
// sole agent permitted to disconnect it; allowances are never shared across
// agents even when Visibility is shared.
type MCPConnection struct {
	Name              string                         `json:"name"`
	Transport         MCPTransportKind               `json:"transport"`
	OwnerAgentID      string                         `json:"owner_agent_id"`
	Visibility        MCPVisibility                  `json:"visibility"`
	ConsentMode       MCPConsentMode                 `json:"consent_mode"`
	PerToolAllowances map[string]map[string]struct{} `json:"-"` // agentID -> tool -> granted
}
