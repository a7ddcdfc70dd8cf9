package context

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

// Compactor produces a prose summary of messages, bounded to maxTokens, for
// a compaction event. A real implementation calls a (possibly cheaper)
// provider model; tests may supply a stub.
type Compactor interface {
	Summarize(ctx context.Context, messages []*nexusmodel.Message, maxTokens int) (string, error)
}

// Event records one compaction for the append-only audit trail: what was
// replaced, and by which synthetic message.
type Event struct {
	Timestamp        time.Time
	ReplacedIDs      []string
	SummaryMessageID string
}

// buildCompactionPrompt renders the messages being summarized into the
// instruction given to the compactor model. It asks explicitly for the
// three categories §4.7 requires a summary to enumerate.
func buildCompactionPrompt(messages []*nexusmodel.Message, maxTokens int) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation prefix so it can replace it in context. ")
	fmt.Fprintf(&sb, "Keep the summary under roughly %d tokens. ", maxTokens)
	sb.WriteString("Enumerate: (a) long-lived facts the user supplied, (b) decisions made, (c) outstanding work.\n\n")
	for _, m := range messages {
		sb.WriteString("[")
		sb.WriteString(string(m.Role))
		sb.WriteString("] ")
		sb.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&sb, "\n  (called tool %s)", tc.Name)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// summaryMessage builds the synthetic system message inserted in place of a
// compacted prefix.
func summaryMessage(summary string, at time.Time) *nexusmodel.Message {
	return &nexusmodel.Message{
		ID:        uuid.NewString(),
		Role:      nexusmodel.RoleSystem,
		Content:   fmt.Sprintf("[CONTEXT SUMMARY — Generated %s]\n%s", at.UTC().Format(time.RFC3339), summary),
		CreatedAt: at,
	}
}
