// Package permission resolves the effective policy for a tool invocation:
// whether it may proceed, requires interactive confirmation, or is denied.
// The engine is stateless with respect to any UI; Deny and
// RequireConfirmation are ordinary return values, never exceptions.
package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/nexus3-rt/nexus3/internal/sandbox"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

// Outcome is the result of a Check call.
type Outcome int

const (
	// Allow permits the call to proceed immediately.
	Allow Outcome = iota
	// RequireConfirmation means an interactive confirmer must be consulted;
	// programmatic callers without one treat this as a denial.
	RequireConfirmation
	// Deny forbids the call outright.
	Deny
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case RequireConfirmation:
		return "require_confirmation"
	case Deny:
		return "deny"
	default:
		return "unknown"
	}
}

// Decision is the full result of a Check, including the human-readable
// reason surfaced to callers and logs.
type Decision struct {
	Outcome Outcome
	Reason  string
}

// CallArgs is the subset of a tool call's arguments the engine inspects to
// decide whether a read/write/network side effect stays within policy.
type CallArgs struct {
	ReadPaths  []string
	WritePaths []string
	Hosts      []string
	URLs       []string
}

// Engine resolves PermissionPolicy decisions for tool calls.
type Engine struct{}

// New constructs a permission Engine. The engine holds no mutable state of
// its own; all state lives in the PermissionPolicy passed to Check.
func New() *Engine { return &Engine{} }

// Check resolves the effective decision for invoking tool with args under
// policy, following the resolution order mandated by the spec:
//  1. explicit disabled_tools → Deny
//  2. level-based base policy (YOLO/TRUSTED/SANDBOXED)
//  3. per-tool override may only upgrade (confirm or deny, never downgrade)
//  4. parent_ceiling intersection applied last
func (e *Engine) Check(tool string, desc nexusmodel.ToolDescriptor, args CallArgs, policy *nexusmodel.PermissionPolicy) Decision {
	if policy == nil {
		return Decision{Outcome: Deny, Reason: "no policy present"}
	}

	if containsTool(policy.DisabledTools, tool) {
		return Decision{Outcome: Deny, Reason: "tool is disabled for this agent"}
	}

	base := e.baseDecision(tool, desc, args, policy)
	base = applyOverride(tool, base, policy.ToolOverrides)

	if policy.ParentCeiling != nil {
		ceiling := e.Check(tool, desc, args, policy.ParentCeiling)
		base = intersect(base, ceiling)
	}

	return base
}

func (e *Engine) baseDecision(tool string, desc nexusmodel.ToolDescriptor, args CallArgs, policy *nexusmodel.PermissionPolicy) Decision {
	switch policy.Level {
	case nexusmodel.LevelYOLO:
		return Decision{Outcome: Allow, Reason: "yolo level allows all"}

	case nexusmodel.LevelSandboxed:
		if !desc.Enabled {
			return Decision{Outcome: Deny, Reason: "tool not explicitly enabled under sandboxed policy"}
		}
		if ok, reason := e.sandboxArgsOK(args, policy); !ok {
			return Decision{Outcome: Deny, Reason: reason}
		}
		return Decision{Outcome: Allow, Reason: "sandboxed: tool enabled and arguments within allow-lists"}

	case nexusmodel.LevelTrusted:
		if requiresOnly(desc, nexusmodel.PermissionRead) {
			return Decision{Outcome: Allow, Reason: "trusted level allows reads"}
		}
		if hasSessionAllowance(policy, tool, args) {
			return Decision{Outcome: Allow, Reason: "session allowance previously granted"}
		}
		return Decision{Outcome: RequireConfirmation, Reason: "trusted level requires confirmation for write/network/shell"}

	default:
		return Decision{Outcome: Deny, Reason: "unknown permission level"}
	}
}

func requiresOnly(desc nexusmodel.ToolDescriptor, allowed ...nexusmodel.PermissionRequirement) bool {
	allow := map[nexusmodel.PermissionRequirement]bool{}
	for _, a := range allowed {
		allow[a] = true
	}
	for _, r := range desc.Requires {
		if !allow[r] {
			return false
		}
	}
	return true
}

func (e *Engine) sandboxArgsOK(args CallArgs, policy *nexusmodel.PermissionPolicy) (bool, string) {
	for _, p := range args.ReadPaths {
		if _, err := sandbox.ValidatePath(p, policy.AllowedReadPaths, true); err != nil {
			return false, "read path outside allow-list: " + err.Error()
		}
	}
	for _, p := range args.WritePaths {
		if _, err := sandbox.ValidatePath(p, policy.AllowedWritePaths, true); err != nil {
			return false, "write path outside allow-list: " + err.Error()
		}
	}
	if len(args.Hosts) > 0 || len(args.URLs) > 0 {
		if !policy.NetworkAllowed {
			return false, "network access not allowed"
		}
		for _, u := range args.URLs {
			if _, err := sandbox.ValidateURL(u, policy.AllowedHosts, true, false); err != nil {
				return false, "url outside allow-list: " + err.Error()
			}
		}
		for _, h := range args.Hosts {
			if !hostIn(h, policy.AllowedHosts) {
				return false, "host outside allow-list: " + h
			}
		}
	}
	return true, ""
}

func hostIn(host string, allow []string) bool {
	for _, a := range allow {
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

func applyOverride(tool string, base Decision, overrides map[string]*nexusmodel.Policy) Decision {
	override, ok := overrides[tool]
	if !ok || override == nil {
		return base
	}
	// Overrides may only upgrade restriction, never relax it.
	if override.Deny && base.Outcome != Deny {
		return Decision{Outcome: Deny, Reason: "per-tool override denies " + tool}
	}
	if override.RequireConfirmation && base.Outcome == Allow {
		return Decision{Outcome: RequireConfirmation, Reason: "per-tool override requires confirmation for " + tool}
	}
	return base
}

// intersect combines a child decision with its parent ceiling's decision;
// the result is never more permissive than either input.
func intersect(child, ceiling Decision) Decision {
	if ceiling.Outcome > child.Outcome {
		return Decision{Outcome: ceiling.Outcome, Reason: "parent ceiling restricts: " + ceiling.Reason}
	}
	return child
}

func containsTool(list []string, tool string) bool {
	for _, t := range list {
		if strings.EqualFold(t, tool) {
			return true
		}
	}
	return false
}

// ReasonHash computes the session_allowances key for a tool+resource pair.
func ReasonHash(tool string, resource string) string {
	sum := sha256.Sum256([]byte(tool + "\x00" + resource))
	return hex.EncodeToString(sum[:16])
}

// GrantSessionAllowance records an "always for this session" consent. Grants
// are per-agent and are never copied onto any other policy, including a
// child's ceiling.
func GrantSessionAllowance(policy *nexusmodel.PermissionPolicy, tool string, resource string) {
	if policy.SessionAllowances == nil {
		policy.SessionAllowances = make(map[string]struct{})
	}
	policy.SessionAllowances[ReasonHash(tool, resource)] = struct{}{}
}

func hasSessionAllowance(policy *nexusmodel.PermissionPolicy, tool string, args CallArgs) bool {
	if len(policy.SessionAllowances) == 0 {
		return false
	}
	resources := append(append(append([]string{}, args.ReadPaths...), args.WritePaths...), args.Hosts...)
	resources = append(resources, args.URLs...)
	if len(resources) == 0 {
		resources = []string{""}
	}
	for _, r := range resources {
		if _, ok := policy.SessionAllowances[ReasonHash(tool, r)]; ok {
			return true
		}
	}
	return false
}

// CanSpawnChild reports whether an agent holding policy may spawn a child of
// requestedLevel. A TRUSTED agent may spawn only SANDBOXED children; a
// SANDBOXED agent may not spawn any child; YOLO may spawn at any level up to
// its own.
func CanSpawnChild(policy *nexusmodel.PermissionPolicy, requestedLevel nexusmodel.PermissionLevel) bool {
	switch policy.Level {
	case nexusmodel.LevelSandboxed:
		return false
	case nexusmodel.LevelTrusted:
		return requestedLevel == nexusmodel.LevelSandboxed
	case nexusmodel.LevelYOLO:
		return requestedLevel == nexusmodel.LevelSandboxed || requestedLevel == nexusmodel.LevelTrusted || requestedLevel == nexusmodel.LevelYOLO
	default:
		return false
	}
}
