// Package tokens estimates the token cost of messages, tool definitions, and
// arbitrary content so the context manager can enforce its budget before a
// provider call is made.
package tokens

import (
	"strings"
	"unicode/utf8"

	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

const (
	// charsPerToken is a conservative approximation; the counter must never
	// underestimate by more than this documented margin, so callers always
	// add ContextConfig.ReserveTokens headroom on top.
	charsPerToken = 4.0

	// perMessageOverhead approximates the fixed cost of role/formatting
	// wrapper tokens the provider adds around each message.
	perMessageOverhead = 4

	// perToolCallOverhead approximates the fixed cost of a tool_call's
	// id/name/type wrapper fields, on top of its serialized arguments.
	perToolCallOverhead = 8
)

// ModelContextWindows maps model IDs (or prefixes) to their context window
// size in tokens, used to size ContextConfig.MaxTokens when not overridden.
var ModelContextWindows = map[string]int{
	"claude-opus-4":     200000,
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-3-opus":     200000,
	"claude-3-sonnet":   200000,
	"claude-3-haiku":    200000,
}

// WindowForModel returns the context window for modelID, matching the
// longest registered prefix, or ok=false if no entry matches.
func WindowForModel(modelID string) (tokens int, ok bool) {
	if n, exact := ModelContextWindows[modelID]; exact {
		return n, true
	}
	bestPrefix, bestTokens := "", 0
	for prefix, n := range ModelContextWindows {
		if strings.HasPrefix(modelID, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix, bestTokens = prefix, n
		}
	}
	if bestPrefix == "" {
		return 0, false
	}
	return bestTokens, true
}

// Tokenizer is implemented by an accurate, model-specific tokenizer.
// Counter falls back to the character-ratio approximation when none is
// supplied.
type Tokenizer interface {
	Count(text string) int
}

// Counter estimates token counts for text, messages, and tool definitions.
type Counter struct {
	tokenizer Tokenizer
}

// NewCounter builds a Counter. A nil tokenizer selects the approximation.
func NewCounter(tokenizer Tokenizer) *Counter {
	return &Counter{tokenizer: tokenizer}
}

// Count estimates the token cost of a single string.
func (c *Counter) Count(text string) int {
	if c.tokenizer != nil {
		return c.tokenizer.Count(text)
	}
	return EstimateTokens(text)
}

// CountMessage estimates the token cost of one message, including its
// content and any tool_calls it carries.
func (c *Counter) CountMessage(m nexusmodel.Message) int {
	total := c.Count(m.Content) + perMessageOverhead
	for _, tc := range m.ToolCalls {
		total += c.Count(tc.Name) + c.Count(string(tc.Arguments)) + perToolCallOverhead
	}
	return total
}

// CountMessages estimates the total token cost of a message slice.
func (c *Counter) CountMessages(msgs []nexusmodel.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.CountMessage(m)
	}
	return total
}

// CountToolDefinitions estimates the token cost of the tool-definition list
// handed to the provider alongside the message window.
func (c *Counter) CountToolDefinitions(defs []nexusmodel.ToolDescriptor) int {
	total := 0
	for _, d := range defs {
		total += c.Count(d.Name) + c.Count(d.Description) + c.Count(string(d.Parameters)) + perToolCallOverhead
	}
	return total
}

// EstimateTokens approximates token count from character count at a
// conservative ratio of one token per ~4 characters.
func EstimateTokens(text string) int {
	chars := utf8.RuneCountInString(text)
	if chars == 0 {
		return 0
	}
	tokens := int(float64(chars) / charsPerToken)
	if tokens == 0 {
		return 1
	}
	return tokens
}
