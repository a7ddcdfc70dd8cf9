package dispatcher

import (
	"context"
	"log/slog"
	"testing"
	"time"

	nexuscontext "github.com/nexus3-rt/nexus3/internal/context"
	"github.com/nexus3-rt/nexus3/internal/permission"
	"github.com/nexus3-rt/nexus3/internal/provider"
	"github.com/nexus3-rt/nexus3/internal/registry"
	"github.com/nexus3-rt/nexus3/internal/session"
	"github.com/nexus3-rt/nexus3/internal/tokens"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

type stubProvider struct {
	respond func(messages []*nexusmodel.Message) (*nexusmodel.Message, error)
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Complete(ctx context.Context, messages []*nexusmodel.Message, toolDefs []nexusmodel.ToolDescriptor) (*nexusmodel.Message, error) {
	return p.respond(messages)
}

func (p *stubProvider) Stream(ctx context.Context, messages []*nexusmodel.Message, toolDefs []nexusmodel.ToolDescriptor) (<-chan provider.StreamEvent, error) {
	out := make(chan provider.StreamEvent, 1)
	final, err := p.respond(messages)
	if err != nil {
		out <- provider.StreamEvent{Kind: provider.StreamError, Err: err}
	} else {
		out <- provider.StreamEvent{Kind: provider.StreamComplete, Final: final}
	}
	close(out)
	return out, nil
}

func newTestDispatcher(t *testing.T, prov provider.Provider) *Dispatcher {
	t.Helper()
	reg := registry.New()
	view := registry.NewView(reg, nil)
	counter := tokens.NewCounter(nil)
	mgr, err := nexuscontext.New(nexusmodel.DefaultContextConfig(), counter, nil, func() string { return "system" }, slog.Default())
	if err != nil {
		t.Fatalf("new context manager: %v", err)
	}
	policy := &nexusmodel.PermissionPolicy{Level: nexusmodel.LevelYOLO}
	sess := session.New(mgr, view, registry.NewSchemaValidator(), permission.New(), policy, prov, counter, func() string { return "system" }, session.DefaultConfig(), slog.Default())
	return New("agent-1", sess, time.Second, slog.Default())
}

func TestDispatcherSendReturnsContent(t *testing.T) {
	prov := &stubProvider{respond: func(messages []*nexusmodel.Message) (*nexusmodel.Message, error) {
		return &nexusmodel.Message{Role: nexusmodel.RoleAssistant, Content: "hi back"}, nil
	}}
	d := newTestDispatcher(t, prov)

	result, err := d.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Content != "hi back" || result.Cancelled {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.RequestID == "" {
		t.Fatal("expected a non-empty request id")
	}
}

func TestDispatcherCancelUnknownRequest(t *testing.T) {
	prov := &stubProvider{respond: func(messages []*nexusmodel.Message) (*nexusmodel.Message, error) {
		return &nexusmodel.Message{Role: nexusmodel.RoleAssistant, Content: "done"}, nil
	}}
	d := newTestDispatcher(t, prov)

	result := d.Cancel("does-not-exist")
	if result.Cancelled {
		t.Fatal("expected cancel of an unknown request id to report false")
	}
	if result.Reason != "not_found_or_completed" {
		t.Fatalf("unexpected reason: %q", result.Reason)
	}
}

func TestDispatcherGetTokensAndContext(t *testing.T) {
	prov := &stubProvider{respond: func(messages []*nexusmodel.Message) (*nexusmodel.Message, error) {
		return &nexusmodel.Message{Role: nexusmodel.RoleAssistant, Content: "ok"}, nil
	}}
	d := newTestDispatcher(t, prov)

	if _, err := d.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	tr := d.GetTokens()
	if tr.Total != tr.System+tr.Tools+tr.Messages {
		t.Fatalf("tokens report inconsistent: %+v", tr)
	}

	cr := d.GetContext()
	if cr.MessageCount == 0 {
		t.Fatal("expected nonzero message count after a send")
	}
}

func TestDispatcherShutdownRejectsFurtherSends(t *testing.T) {
	prov := &stubProvider{respond: func(messages []*nexusmodel.Message) (*nexusmodel.Message, error) {
		return &nexusmodel.Message{Role: nexusmodel.RoleAssistant, Content: "ok"}, nil
	}}
	d := newTestDispatcher(t, prov)
	d.Shutdown()

	if _, err := d.Send(context.Background(), "hi"); err == nil {
		t.Fatal("expected Send to fail after Shutdown")
	}
}
