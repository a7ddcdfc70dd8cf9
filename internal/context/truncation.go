package context

import "github.com/nexus3-rt/nexus3/internal/tokens"

// truncateOldestFirst drops the eldest groups one at a time until the
// remaining set's token count is within available.
func truncateOldestFirst(groups []group, counter *tokens.Counter, available int) []group {
	start := 0
	total := sumGroupTokens(groups, counter)
	for total > available && start < len(groups) {
		total -= groups[start].tokens(counter)
		start++
	}
	return groups[start:]
}

// truncateMiddleOut keeps the first group (typically the system prompt or
// the opening of the conversation) plus the newest groups spanning at
// least recentPreserveRatio*available tokens, dropping the middle. If the
// kept set still exceeds budget it falls back to oldest-first trimming
// across the kept set.
func truncateMiddleOut(groups []group, counter *tokens.Counter, available int, recentPreserveRatio float64) []group {
	if len(groups) == 0 {
		return groups
	}
	if len(groups) == 1 {
		return groups
	}

	target := recentPreserveRatio * float64(available)
	tailStart := len(groups)
	tailTokens := 0
	for tailStart > 1 && float64(tailTokens) < target {
		tailStart--
		tailTokens += groups[tailStart].tokens(counter)
	}

	kept := make([]group, 0, 1+len(groups)-tailStart)
	kept = append(kept, groups[0])
	kept = append(kept, groups[tailStart:]...)

	if sumGroupTokens(kept, counter) > available {
		// Preserve the first group if at all possible by trimming the tail
		// from its oldest end rather than discarding index 0.
		first := kept[0]
		rest := truncateOldestFirst(kept[1:], counter, available-first.tokens(counter))
		kept = append([]group{first}, rest...)
	}
	return kept
}

// truncate applies the configured strategy to fit groups within available
// tokens. An unsupported strategy is a programmer error caught at
// ContextConfig.Validate time, not here.
func truncate(groups []group, counter *tokens.Counter, available int, strategy string, recentPreserveRatio float64) []group {
	if sumGroupTokens(groups, counter) <= available {
		return groups
	}
	switch strategy {
	case "middle_out":
		return truncateMiddleOut(groups, counter, available, recentPreserveRatio)
	default:
		return truncateOldestFirst(groups, counter, available)
	}
}
