package context

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nexus3-rt/nexus3/internal/tokens"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

type stubCompactor struct {
	summary string
	err     error
}

func (s *stubCompactor) Summarize(ctx context.Context, messages []*nexusmodel.Message, maxTokens int) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.summary != "" {
		return s.summary, nil
	}
	return "summary of prior turns", nil
}

func newTestManager(t *testing.T, config nexusmodel.ContextConfig, compactor Compactor) *Manager {
	t.Helper()
	m, err := New(config, tokens.NewCounter(nil), compactor, func() string { return "you are a helpful agent" }, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func userMsg(content string) *nexusmodel.Message {
	return &nexusmodel.Message{ID: uuid.NewString(), Role: nexusmodel.RoleUser, Content: content, CreatedAt: time.Now()}
}

func assistantWithTool(callID, toolName string) *nexusmodel.Message {
	return &nexusmodel.Message{
		ID:   uuid.NewString(),
		Role: nexusmodel.RoleAssistant,
		ToolCalls: []nexusmodel.ToolCall{
			{ID: callID, Name: toolName, Arguments: []byte(`{}`)},
		},
		CreatedAt: time.Now(),
	}
}

func toolResult(callID string) *nexusmodel.Message {
	return &nexusmodel.Message{ID: uuid.NewString(), Role: nexusmodel.RoleTool, ToolCallID: callID, Content: "ok", CreatedAt: time.Now()}
}

func TestMaterializePreservesToolCallAtomicity(t *testing.T) {
	cfg := nexusmodel.DefaultContextConfig()
	cfg.MaxTokens = 2000
	cfg.ReserveTokens = 100
	m := newTestManager(t, cfg, &stubCompactor{})

	m.Append(userMsg("please run the tool"))
	m.Append(assistantWithTool("call-1", "search"))
	m.Append(toolResult("call-1"))
	// An orphaned tool message: no matching assistant present.
	m.Append(&nexusmodel.Message{ID: uuid.NewString(), Role: nexusmodel.RoleTool, ToolCallID: "missing-call", Content: "orphan"})

	out, err := m.Materialize(context.Background(), nil)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	sawCall, sawResult := false, false
	for _, msg := range out {
		if msg.Role == nexusmodel.RoleAssistant && len(msg.ToolCalls) > 0 {
			sawCall = true
		}
		if msg.Role == nexusmodel.RoleTool && msg.ToolCallID == "call-1" {
			sawResult = true
		}
		if msg.Role == nexusmodel.RoleTool && msg.ToolCallID == "missing-call" {
			t.Fatal("orphaned tool message must never be materialized")
		}
	}
	if sawCall != sawResult {
		t.Fatalf("tool call and its result must appear together: call=%v result=%v", sawCall, sawResult)
	}
}

func TestMaterializeDropsIncompleteToolCallGroup(t *testing.T) {
	cfg := nexusmodel.DefaultContextConfig()
	cfg.MaxTokens = 2000
	cfg.ReserveTokens = 100
	m := newTestManager(t, cfg, &stubCompactor{})

	m.Append(userMsg("hello"))
	// Assistant requests two tools but only one result is ever appended.
	m.Append(&nexusmodel.Message{
		ID:   uuid.NewString(),
		Role: nexusmodel.RoleAssistant,
		ToolCalls: []nexusmodel.ToolCall{
			{ID: "a", Name: "t1", Arguments: []byte(`{}`)},
			{ID: "b", Name: "t2", Arguments: []byte(`{}`)},
		},
	})
	m.Append(toolResult("a"))
	m.Append(userMsg("continue"))

	out, err := m.Materialize(context.Background(), nil)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	for _, msg := range out {
		if msg.Role == nexusmodel.RoleAssistant && len(msg.ToolCalls) == 2 {
			t.Fatal("incomplete tool-call group must be dropped entirely")
		}
		if msg.Role == nexusmodel.RoleTool && msg.ToolCallID == "a" {
			t.Fatal("tool result belonging to a dropped group must not survive alone")
		}
	}
}

func TestMaterializeStaysWithinBudget(t *testing.T) {
	cfg := nexusmodel.DefaultContextConfig()
	cfg.MaxTokens = 600
	cfg.ReserveTokens = 100
	cfg.TriggerRatio = 0.99 // avoid triggering compaction in this test
	m := newTestManager(t, cfg, &stubCompactor{})

	for i := 0; i < 50; i++ {
		m.Append(userMsg(fmt.Sprintf("message number %d with some padding text to consume tokens", i)))
	}

	out, err := m.Materialize(context.Background(), nil)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	counter := tokens.NewCounter(nil)
	systemTokens := counter.Count("you are a helpful agent")
	available := cfg.MaxTokens - cfg.ReserveTokens - systemTokens
	total := 0
	for _, msg := range out {
		total += counter.CountMessage(*msg)
	}
	if total > available {
		t.Fatalf("materialized messages exceed budget: %d tokens > %d available", total, available)
	}
}

func TestCompactionFallsBackToTruncationOnFailure(t *testing.T) {
	cfg := nexusmodel.DefaultContextConfig()
	cfg.MaxTokens = 500
	cfg.ReserveTokens = 50
	cfg.TriggerRatio = 0.1 // force compaction attempt almost immediately
	m := newTestManager(t, cfg, &stubCompactor{err: fmt.Errorf("provider unavailable")})

	for i := 0; i < 20; i++ {
		m.Append(userMsg(fmt.Sprintf("filler message %d to exceed the trigger ratio quickly", i)))
	}

	out, err := m.Materialize(context.Background(), nil)
	if err != nil {
		t.Fatalf("Materialize must not fail when compaction fails: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected truncation fallback to still produce a materialized view")
	}
	if len(m.Events()) != 0 {
		t.Fatal("a failed compaction must not be recorded as an audit event")
	}
}

func TestCompactionMarksReplacedMessages(t *testing.T) {
	cfg := nexusmodel.DefaultContextConfig()
	cfg.MaxTokens = 2000
	cfg.ReserveTokens = 100
	cfg.TriggerRatio = 0.05
	cfg.RecentPreserveRatio = 0.2
	m := newTestManager(t, cfg, &stubCompactor{summary: "short summary"})

	for i := 0; i < 30; i++ {
		m.Append(userMsg(fmt.Sprintf("history entry %d padded out with extra words", i)))
	}

	if _, err := m.Materialize(context.Background(), nil); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	if len(m.Events()) == 0 {
		t.Fatal("expected a compaction event to be recorded")
	}
	sawReplaced, sawSummary := false, false
	for _, msg := range m.Log() {
		if msg.Replaced() {
			sawReplaced = true
		}
		if msg.Role == nexusmodel.RoleSystem && len(msg.Content) > len("[CONTEXT SUMMARY") && msg.Content[:16] == "[CONTEXT SUMMARY" {
			sawSummary = true
		}
	}
	if !sawReplaced {
		t.Fatal("compacted messages should remain in the log marked as replaced, for audit")
	}
	if !sawSummary {
		t.Fatal("expected a synthetic context-summary message inserted into the log")
	}
}
