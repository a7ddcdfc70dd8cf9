package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/nexus3-rt/nexus3/internal/cancel"
	nexuscontext "github.com/nexus3-rt/nexus3/internal/context"
	"github.com/nexus3-rt/nexus3/internal/permission"
	"github.com/nexus3-rt/nexus3/internal/provider"
	"github.com/nexus3-rt/nexus3/internal/registry"
	"github.com/nexus3-rt/nexus3/internal/tokens"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

// scriptedProvider answers Stream calls via respond, counting invocations
// so tests can assert how many provider round-trips a turn made.
type scriptedProvider struct {
	mu      sync.Mutex
	calls   int
	respond func(call int, messages []*nexusmodel.Message) (*nexusmodel.Message, error)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, messages []*nexusmodel.Message, toolDefs []nexusmodel.ToolDescriptor) (*nexusmodel.Message, error) {
	return p.respond(1, messages)
}

func (p *scriptedProvider) Stream(ctx context.Context, messages []*nexusmodel.Message, toolDefs []nexusmodel.ToolDescriptor) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()

	out := make(chan provider.StreamEvent, 2)
	final, err := p.respond(n, messages)
	if err != nil {
		out <- provider.StreamEvent{Kind: provider.StreamError, Err: err}
		close(out)
		return out, nil
	}
	if final.Content != "" {
		out <- provider.StreamEvent{Kind: provider.ContentDelta, Text: final.Content}
	}
	out <- provider.StreamEvent{Kind: provider.StreamComplete, Final: final}
	close(out)
	return out, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeTool struct {
	desc nexusmodel.ToolDescriptor
	fn   func(ctx context.Context, args json.RawMessage) (*nexusmodel.ToolResult, error)
}

func (t *fakeTool) Descriptor() nexusmodel.ToolDescriptor { return t.desc }

func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage) (*nexusmodel.ToolResult, error) {
	return t.fn(ctx, args)
}

func newTestSession(t *testing.T, prov provider.Provider, policy *nexusmodel.PermissionPolicy, tools ...registry.Tool) (*Session, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	for _, tool := range tools {
		reg.Register(tool)
	}
	view := registry.NewView(reg, nil)
	counter := tokens.NewCounter(nil)
	cfg := nexusmodel.DefaultContextConfig()
	mgr, err := nexuscontext.New(cfg, counter, nil, func() string { return "you are a test agent" }, slog.Default())
	if err != nil {
		t.Fatalf("new context manager: %v", err)
	}
	sess := New(mgr, view, registry.NewSchemaValidator(), permission.New(), policy, prov, counter, func() string { return "you are a test agent" }, DefaultConfig(), slog.Default())
	return sess, reg
}

func toolCall(id, name string, args string) nexusmodel.ToolCall {
	return nexusmodel.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestTurnCompletesWithoutToolCalls(t *testing.T) {
	prov := &scriptedProvider{respond: func(call int, messages []*nexusmodel.Message) (*nexusmodel.Message, error) {
		return &nexusmodel.Message{Role: nexusmodel.RoleAssistant, Content: "hello there"}, nil
	}}
	sess, _ := newTestSession(t, prov, &nexusmodel.PermissionPolicy{Level: nexusmodel.LevelYOLO})

	handle := cancel.New(context.Background())
	result, err := sess.Turn(context.Background(), "req-1", "hi", handle, nil)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("expected Completed, got %s", result.Outcome)
	}
	if result.Content != "hello there" {
		t.Fatalf("unexpected content: %q", result.Content)
	}
	if prov.callCount() != 1 {
		t.Fatalf("expected exactly one provider round trip, got %d", prov.callCount())
	}
}

func TestTurnExecutesToolAndLoopsToCompletion(t *testing.T) {
	ranTool := false
	echo := &fakeTool{
		desc: nexusmodel.ToolDescriptor{Name: "echo", Enabled: true},
		fn: func(ctx context.Context, args json.RawMessage) (*nexusmodel.ToolResult, error) {
			ranTool = true
			return &nexusmodel.ToolResult{Output: "echoed"}, nil
		},
	}
	prov := &scriptedProvider{respond: func(call int, messages []*nexusmodel.Message) (*nexusmodel.Message, error) {
		if call == 1 {
			return &nexusmodel.Message{
				Role:      nexusmodel.RoleAssistant,
				ToolCalls: []nexusmodel.ToolCall{toolCall("t1", "echo", `{}`)},
			}, nil
		}
		return &nexusmodel.Message{Role: nexusmodel.RoleAssistant, Content: "done"}, nil
	}}
	sess, _ := newTestSession(t, prov, &nexusmodel.PermissionPolicy{Level: nexusmodel.LevelYOLO}, echo)

	handle := cancel.New(context.Background())
	result, err := sess.Turn(context.Background(), "req-2", "use the tool", handle, nil)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !ranTool {
		t.Fatal("expected the tool to run")
	}
	if result.Outcome != OutcomeCompleted || result.Content != "done" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if prov.callCount() != 2 {
		t.Fatalf("expected two provider round trips, got %d", prov.callCount())
	}
}

func TestSequentialBatchHaltsOnDisabledTool(t *testing.T) {
	var secondCalled bool
	disabledTool := &fakeTool{
		desc: nexusmodel.ToolDescriptor{Name: "blocked", Enabled: false},
		fn: func(ctx context.Context, args json.RawMessage) (*nexusmodel.ToolResult, error) {
			return &nexusmodel.ToolResult{Output: "should not run"}, nil
		},
	}
	secondTool := &fakeTool{
		desc: nexusmodel.ToolDescriptor{Name: "second", Enabled: true},
		fn: func(ctx context.Context, args json.RawMessage) (*nexusmodel.ToolResult, error) {
			secondCalled = true
			return &nexusmodel.ToolResult{Output: "ran"}, nil
		},
	}
	calls := []nexusmodel.ToolCall{toolCall("t1", "blocked", `{}`), toolCall("t2", "second", `{}`)}
	prov := &scriptedProvider{respond: func(call int, messages []*nexusmodel.Message) (*nexusmodel.Message, error) {
		if call == 1 {
			return &nexusmodel.Message{Role: nexusmodel.RoleAssistant, ToolCalls: calls}, nil
		}
		return &nexusmodel.Message{Role: nexusmodel.RoleAssistant, Content: "done"}, nil
	}}
	sess, _ := newTestSession(t, prov, &nexusmodel.PermissionPolicy{Level: nexusmodel.LevelSandboxed}, disabledTool, secondTool)

	handle := cancel.New(context.Background())
	result, err := sess.Turn(context.Background(), "req-3", "go", handle, nil)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if secondCalled {
		t.Fatal("second tool must not run after a call to a disabled tool halts the batch")
	}
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("expected the turn to still complete after the halted batch, got %s", result.Outcome)
	}
}

func TestParallelBatchRunsAllCallsDespiteFailure(t *testing.T) {
	var ranB bool
	toolA := &fakeTool{
		desc: nexusmodel.ToolDescriptor{Name: "a", Enabled: true},
		fn: func(ctx context.Context, args json.RawMessage) (*nexusmodel.ToolResult, error) {
			return &nexusmodel.ToolResult{Error: "boom"}, nil
		},
	}
	toolB := &fakeTool{
		desc: nexusmodel.ToolDescriptor{Name: "b", Enabled: true},
		fn: func(ctx context.Context, args json.RawMessage) (*nexusmodel.ToolResult, error) {
			ranB = true
			return &nexusmodel.ToolResult{Output: "ok"}, nil
		},
	}
	calls := []nexusmodel.ToolCall{
		toolCall("t1", "a", `{"_parallel":true}`),
		toolCall("t2", "b", `{}`),
	}
	prov := &scriptedProvider{respond: func(call int, messages []*nexusmodel.Message) (*nexusmodel.Message, error) {
		if call == 1 {
			return &nexusmodel.Message{Role: nexusmodel.RoleAssistant, ToolCalls: calls}, nil
		}
		return &nexusmodel.Message{Role: nexusmodel.RoleAssistant, Content: "done"}, nil
	}}
	sess, _ := newTestSession(t, prov, &nexusmodel.PermissionPolicy{Level: nexusmodel.LevelYOLO}, toolA, toolB)

	handle := cancel.New(context.Background())
	_, err := sess.Turn(context.Background(), "req-4", "go parallel", handle, nil)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !ranB {
		t.Fatal("expected the second call to still run even though the first failed, since the batch is parallel")
	}
}

func TestTurnCancelledBeforeFirstStream(t *testing.T) {
	prov := &scriptedProvider{respond: func(call int, messages []*nexusmodel.Message) (*nexusmodel.Message, error) {
		t.Fatal("provider must not be called once the handle is already cancelled")
		return nil, nil
	}}
	sess, _ := newTestSession(t, prov, &nexusmodel.PermissionPolicy{Level: nexusmodel.LevelYOLO})

	handle := cancel.New(context.Background())
	handle.Cancel()
	result, err := sess.Turn(context.Background(), "req-5", "hi", handle, nil)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if result.Outcome != OutcomeCancelled {
		t.Fatalf("expected Cancelled, got %s", result.Outcome)
	}
}

func TestTurnHaltsAtMaxIterations(t *testing.T) {
	alwaysTool := &fakeTool{
		desc: nexusmodel.ToolDescriptor{Name: "loopy", Enabled: true},
		fn: func(ctx context.Context, args json.RawMessage) (*nexusmodel.ToolResult, error) {
			return &nexusmodel.ToolResult{Output: "again"}, nil
		},
	}
	prov := &scriptedProvider{respond: func(call int, messages []*nexusmodel.Message) (*nexusmodel.Message, error) {
		return &nexusmodel.Message{
			Role:      nexusmodel.RoleAssistant,
			ToolCalls: []nexusmodel.ToolCall{toolCall("t", "loopy", `{}`)},
		}, nil
	}}
	sess, _ := newTestSession(t, prov, &nexusmodel.PermissionPolicy{Level: nexusmodel.LevelYOLO}, alwaysTool)
	sess.config.MaxIterations = 3

	handle := cancel.New(context.Background())
	result, err := sess.Turn(context.Background(), "req-6", "loop forever", handle, nil)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if result.Outcome != OutcomeHalted {
		t.Fatalf("expected Halted, got %s", result.Outcome)
	}
	if prov.callCount() != 3 {
		t.Fatalf("expected exactly MaxIterations provider round trips, got %d", prov.callCount())
	}
}

func TestTokensAndContextInfo(t *testing.T) {
	prov := &scriptedProvider{respond: func(call int, messages []*nexusmodel.Message) (*nexusmodel.Message, error) {
		return &nexusmodel.Message{Role: nexusmodel.RoleAssistant, Content: "ok"}, nil
	}}
	sess, _ := newTestSession(t, prov, &nexusmodel.PermissionPolicy{Level: nexusmodel.LevelYOLO})

	before := sess.ContextInfo()
	if before.MessageCount != 0 || !before.SystemPrompt {
		t.Fatalf("unexpected initial context info: %+v", before)
	}

	handle := cancel.New(context.Background())
	if _, err := sess.Turn(context.Background(), "req-7", "hi", handle, nil); err != nil {
		t.Fatalf("Turn: %v", err)
	}

	after := sess.ContextInfo()
	if after.MessageCount == 0 {
		t.Fatal("expected message_count to grow after a turn")
	}

	report := sess.Tokens()
	if report.Total != report.System+report.Tools+report.Messages {
		t.Fatalf("total must equal the sum of its parts: %+v", report)
	}
	if report.System == 0 {
		t.Fatal("expected a nonzero system prompt token estimate")
	}
}
