// Package context implements the Context Manager & Compactor: a bounded
// token-budget materialized view over an append-only message log, with
// group-atomic truncation and LLM-driven compaction.
package context

import (
	"github.com/nexus3-rt/nexus3/internal/tokens"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

// group is either a single non-assistant-with-tool-calls message, or an
// assistant message together with the full set of its matched tool
// results. Truncation and compaction only ever act on whole groups.
type group []*nexusmodel.Message

func (g group) tokens(counter *tokens.Counter) int {
	total := 0
	for _, m := range g {
		total += counter.CountMessage(*m)
	}
	return total
}

// buildGroups walks msgs in order and partitions them into atomic groups.
// An assistant message whose tool_calls are not all matched by a
// following tool message is dropped entirely, along with whatever partial
// tool messages it had accumulated; a tool message with no preceding
// matching assistant is always dropped.
func buildGroups(msgs []*nexusmodel.Message) []group {
	var groups []group
	i := 0
	for i < len(msgs) {
		m := msgs[i]

		if m.Role == nexusmodel.RoleTool {
			// Orphaned tool result: its assistant was dropped or never
			// existed in this view.
			i++
			continue
		}

		if m.Role == nexusmodel.RoleAssistant && len(m.ToolCalls) > 0 {
			need := make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				need[tc.ID] = true
			}
			g := group{m}
			j := i + 1
			for j < len(msgs) && len(need) > 0 {
				next := msgs[j]
				if next.Role != nexusmodel.RoleTool || !need[next.ToolCallID] {
					break
				}
				g = append(g, next)
				delete(need, next.ToolCallID)
				j++
			}
			if len(need) == 0 {
				groups = append(groups, g)
			}
			i = j
			continue
		}

		groups = append(groups, group{m})
		i++
	}
	return groups
}

func flattenGroups(groups []group) []*nexusmodel.Message {
	var out []*nexusmodel.Message
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func sumGroupTokens(groups []group, counter *tokens.Counter) int {
	total := 0
	for _, g := range groups {
		total += g.tokens(counter)
	}
	return total
}
