package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus3-rt/nexus3/internal/cancel"
	nexuscontext "github.com/nexus3-rt/nexus3/internal/context"
	"github.com/nexus3-rt/nexus3/internal/metrics"
	"github.com/nexus3-rt/nexus3/internal/permission"
	"github.com/nexus3-rt/nexus3/internal/provider"
	"github.com/nexus3-rt/nexus3/internal/registry"
	"github.com/nexus3-rt/nexus3/internal/tokens"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

// Outcome is how a Turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeHalted    Outcome = "halted"
)

// TurnResult is what a completed Turn call returns to its dispatcher.
type TurnResult struct {
	RequestID string
	Content   string
	Outcome   Outcome
}

type pendingToolCall struct {
	ID   string
	Name string
}

// Session drives one agent's turn engine. It owns no concurrency control
// beyond serializing Turn itself; cancellation delivery and read-only
// queries belong to the dispatcher layered on top.
type Session struct {
	mu sync.Mutex

	ctxMgr       *nexuscontext.Manager
	toolView     *registry.View
	validator    *registry.SchemaValidator
	permEngine   *permission.Engine
	policy       *nexusmodel.PermissionPolicy
	prov         provider.Provider
	counter      *tokens.Counter
	systemPrompt func() string
	config       Config
	logger       *slog.Logger

	pendingMu sync.Mutex
	pending   []pendingToolCall
}

// New constructs a Session over the given agent's resources. policy is
// shared with the owning dispatcher so session-allowance grants recorded
// elsewhere are visible to this turn's permission checks.
func New(
	ctxMgr *nexuscontext.Manager,
	toolView *registry.View,
	validator *registry.SchemaValidator,
	permEngine *permission.Engine,
	policy *nexusmodel.PermissionPolicy,
	prov provider.Provider,
	counter *tokens.Counter,
	systemPrompt func() string,
	config Config,
	logger *slog.Logger,
) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ctxMgr:       ctxMgr,
		toolView:     toolView,
		validator:    validator,
		permEngine:   permEngine,
		policy:       policy,
		prov:         prov,
		counter:      counter,
		systemPrompt: systemPrompt,
		config:       sanitizeConfig(config),
		logger:       logger.With("component", "session"),
	}
}

// Turn runs one user message to Completed, Cancelled, or Halted. Only one
// Turn runs at a time per Session: a concurrent caller blocks on mu until
// the prior turn finishes, giving the dispatcher's "send is serialized"
// guarantee for free.
func (s *Session) Turn(ctx context.Context, requestID string, userInput string, handle *cancel.Handle, sub Subscriber) (*TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushPendingCancelled()

	s.ctxMgr.Append(&nexusmodel.Message{
		ID:        uuid.NewString(),
		Role:      nexusmodel.RoleUser,
		Content:   userInput,
		CreatedAt: time.Now(),
	})

	var accumulated strings.Builder

	for iteration := 1; iteration <= s.config.MaxIterations; iteration++ {
		if handle.IsCancelled() {
			return s.cancelledTurn(requestID, sub, accumulated.String()), nil
		}

		toolDefs := s.toolView.Definitions()
		messages, err := s.ctxMgr.Materialize(ctx, toolDefs)
		if err != nil {
			return nil, fmt.Errorf("session: materialize context: %w", err)
		}

		events, err := s.prov.Stream(handle.Context(), messages, toolDefs)
		if err != nil {
			if handle.IsCancelled() {
				return s.cancelledTurn(requestID, sub, accumulated.String()), nil
			}
			return nil, fmt.Errorf("session: open provider stream: %w", err)
		}

		final, streamErr := s.drainStream(events, requestID, sub, &accumulated)
		if streamErr != nil {
			if handle.IsCancelled() {
				return s.cancelledTurn(requestID, sub, accumulated.String()), nil
			}
			return nil, fmt.Errorf("session: provider stream: %w", streamErr)
		}
		if final == nil {
			if handle.IsCancelled() {
				return s.cancelledTurn(requestID, sub, accumulated.String()), nil
			}
			return nil, fmt.Errorf("session: provider stream closed without completion")
		}

		s.ctxMgr.Append(final)
		emit(sub, Event{Kind: EventIterationCompleted, RequestID: requestID, Iteration: iteration})

		if len(final.ToolCalls) == 0 {
			emit(sub, Event{Kind: EventCompleted, RequestID: requestID})
			metrics.TurnsTotal.WithLabelValues(string(OutcomeCompleted)).Inc()
			return &TurnResult{RequestID: requestID, Content: accumulated.String(), Outcome: OutcomeCompleted}, nil
		}

		results := s.executeBatch(handle.Context(), handle, final.ToolCalls, sub)
		for _, result := range results {
			s.ctxMgr.Append(toolResultToMessage(result))
		}

		if handle.IsCancelled() {
			return s.cancelledTurn(requestID, sub, accumulated.String()), nil
		}
	}

	s.ctxMgr.Append(&nexusmodel.Message{
		ID:        uuid.NewString(),
		Role:      nexusmodel.RoleSystem,
		Content:   "Turn halted: reached the maximum number of tool-use iterations without completing.",
		CreatedAt: time.Now(),
	})
	emit(sub, Event{Kind: EventHalted, RequestID: requestID, Reason: "max_iterations"})
	metrics.TurnsTotal.WithLabelValues(string(OutcomeHalted)).Inc()
	return &TurnResult{RequestID: requestID, Content: accumulated.String(), Outcome: OutcomeHalted}, nil
}

func (s *Session) cancelledTurn(requestID string, sub Subscriber, content string) *TurnResult {
	emit(sub, Event{Kind: EventCancelled, RequestID: requestID})
	metrics.TurnsTotal.WithLabelValues(string(OutcomeCancelled)).Inc()
	return &TurnResult{RequestID: requestID, Outcome: OutcomeCancelled, Content: content}
}

func (s *Session) drainStream(events <-chan provider.StreamEvent, requestID string, sub Subscriber, accumulated *strings.Builder) (*nexusmodel.Message, error) {
	var final *nexusmodel.Message
	var streamErr error
	for ev := range events {
		switch ev.Kind {
		case provider.ContentDelta:
			accumulated.WriteString(ev.Text)
			emit(sub, Event{Kind: EventContentDelta, RequestID: requestID, Text: ev.Text})
		case provider.ReasoningDelta:
			emit(sub, Event{Kind: EventReasoningDelta, RequestID: requestID, Text: ev.Text})
		case provider.ToolCallStarted:
			emit(sub, Event{Kind: EventToolStarted, RequestID: requestID, ToolCallID: ev.ToolCallID, ToolName: ev.ToolCallName})
		case provider.StreamComplete:
			final = ev.Final
		case provider.StreamError:
			streamErr = ev.Err
		}
	}
	return final, streamErr
}

// flushPendingCancelled appends synthetic error="cancelled" tool results for
// every tool_call left unanswered by a prior aborted turn, since a provider
// refuses a request where an assistant's tool_calls lack matching results.
func (s *Session) flushPendingCancelled() {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = nil
	s.pendingMu.Unlock()
	for _, p := range pending {
		s.ctxMgr.Append(toolResultToMessage(nexusmodel.ToolResult{ToolCallID: p.ID, Error: "cancelled"}))
	}
}

func (s *Session) recordPending(call nexusmodel.ToolCall) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending = append(s.pending, pendingToolCall{ID: call.ID, Name: call.Name})
}

func toolResultToMessage(result nexusmodel.ToolResult) *nexusmodel.Message {
	content := result.Output
	if result.Error != "" {
		content = "Error: " + result.Error
	}
	return &nexusmodel.Message{
		ID:         uuid.NewString(),
		Role:       nexusmodel.RoleTool,
		ToolCallID: result.ToolCallID,
		Content:    content,
		CreatedAt:  time.Now(),
	}
}

// TokensReport answers the dispatcher's get_tokens RPC.
type TokensReport struct {
	System   int
	Tools    int
	Messages int
	Total    int
}

// Tokens reports the current token budget breakdown.
func (s *Session) Tokens() TokensReport {
	toolDefs := s.toolView.Definitions()
	system := s.counter.Count(s.systemPrompt())
	tools := s.counter.CountToolDefinitions(toolDefs)
	messages := s.counter.CountMessages(activeMessages(s.ctxMgr.Log()))
	return TokensReport{System: system, Tools: tools, Messages: messages, Total: system + tools + messages}
}

func activeMessages(msgs []*nexusmodel.Message) []nexusmodel.Message {
	out := make([]nexusmodel.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Replaced() {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// ContextReport answers the dispatcher's get_context RPC.
type ContextReport struct {
	MessageCount int
	SystemPrompt bool
}

// ContextInfo reports the current log size and whether a system prompt is set.
func (s *Session) ContextInfo() ContextReport {
	return ContextReport{MessageCount: s.ctxMgr.MessageCount(), SystemPrompt: s.ctxMgr.HasSystemPrompt()}
}

// Compact forces one compaction pass for the dispatcher's compact RPC.
func (s *Session) Compact(ctx context.Context) (nexuscontext.CompactionResult, error) {
	return s.ctxMgr.Compact(ctx, s.toolView.Definitions())
}
