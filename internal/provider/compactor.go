package provider

import (
	"context"
	"fmt"

	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

// CompactorAdapter satisfies internal/context.Compactor by asking a
// Provider to summarize a message prefix in one Complete call. The
// conversation is rendered as a single user turn so any Provider
// implementation, not just Anthropic, can serve as a compactor.
type CompactorAdapter struct {
	Provider Provider
	Model    string
}

func (c *CompactorAdapter) Summarize(ctx context.Context, messages []*nexusmodel.Message, maxTokens int) (string, error) {
	prompt := renderSummaryPrompt(messages, maxTokens)
	req := []*nexusmodel.Message{
		{Role: nexusmodel.RoleUser, Content: prompt},
	}
	final, err := c.Provider.Complete(ctx, req, nil)
	if err != nil {
		return "", fmt.Errorf("compaction summarize: %w", err)
	}
	return final.Content, nil
}

func renderSummaryPrompt(messages []*nexusmodel.Message, maxTokens int) string {
	prompt := fmt.Sprintf("Summarize the following conversation prefix in under roughly %d tokens. "+
		"Enumerate: (a) long-lived facts the user supplied, (b) decisions made, (c) outstanding work.\n\n", maxTokens)
	for _, m := range messages {
		prompt += fmt.Sprintf("[%s] %s\n", m.Role, m.Content)
		for _, tc := range m.ToolCalls {
			prompt += fmt.Sprintf("  (called tool %s)\n", tc.Name)
		}
	}
	return prompt
}
