package context

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nexus3-rt/nexus3/internal/metrics"
	"github.com/nexus3-rt/nexus3/internal/tokens"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

// Manager owns one agent's append-only message log and produces the
// per-turn materialized view sent to the provider: a group-atomic,
// budget-bounded, optionally compacted slice of the log plus a timestamped
// preamble.
type Manager struct {
	mu      sync.Mutex
	log     []*nexusmodel.Message
	config  nexusmodel.ContextConfig
	counter *tokens.Counter

	compactor    Compactor
	systemPrompt func() string

	events       []Event
	lastPreamble string
	logger       *slog.Logger
}

// New constructs a Manager. systemPrompt is invoked fresh at every
// compaction and materialization so that live edits to the system prompt
// are always reflected, per §4.7's "reload the live system prompt" step.
func New(config nexusmodel.ContextConfig, counter *tokens.Counter, compactor Compactor, systemPrompt func() string, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:       config,
		counter:      counter,
		compactor:    compactor,
		systemPrompt: systemPrompt,
		logger:       logger.With("component", "context"),
	}, nil
}

// Append adds msg to the end of the log.
func (m *Manager) Append(msg *nexusmodel.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, msg)
}

// Log returns a snapshot of the full append-only log, including messages
// since superseded by compaction (Message.Replaced() reports those).
func (m *Manager) Log() []*nexusmodel.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*nexusmodel.Message, len(m.log))
	copy(out, m.log)
	return out
}

// Events returns the compaction audit trail recorded so far.
func (m *Manager) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Manager) active() []*nexusmodel.Message {
	var out []*nexusmodel.Message
	for _, msg := range m.log {
		if !msg.Replaced() {
			out = append(out, msg)
		}
	}
	return out
}

// available computes the token budget left for conversation messages after
// reserving headroom and the fixed cost of the system prompt and tool
// definitions.
func (m *Manager) available(systemPrompt string, toolDefs []nexusmodel.ToolDescriptor) int {
	used := m.config.ReserveTokens + m.counter.Count(systemPrompt) + m.counter.CountToolDefinitions(toolDefs)
	avail := m.config.MaxTokens - used
	if avail < 0 {
		avail = 0
	}
	return avail
}

// Materialize runs compaction (if over trigger) and truncation (if still
// over budget), returning the exact message slice to send to the provider
// this turn: preamble, then the budget-fitting, group-atomic tail of the
// log.
func (m *Manager) Materialize(ctx context.Context, toolDefs []nexusmodel.ToolDescriptor) ([]*nexusmodel.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	systemPrompt := m.systemPrompt()
	available := m.available(systemPrompt, toolDefs)

	active := m.active()
	if m.counter.CountMessages(derefAll(active)) > int(m.config.TriggerRatio*float64(available)) {
		m.compact(ctx, available)
		active = m.active()
	}

	groups := buildGroups(active)
	groups = truncate(groups, m.counter, available, m.config.TruncationStrategy, m.config.RecentPreserveRatio)

	result := flattenGroups(groups)
	preamble := m.preamble()
	if preamble != nil {
		result = append([]*nexusmodel.Message{preamble}, result...)
	}
	return result, nil
}

// compact attempts one compaction pass. On any failure the original prefix
// is retained untouched and the caller proceeds straight to truncation, per
// §4.7's fallback rule.
func (m *Manager) compact(ctx context.Context, available int) {
	active := m.active()
	groups := buildGroups(active)
	if len(groups) < 2 {
		return
	}

	target := m.config.RecentPreserveRatio * float64(available)
	tailStart := len(groups)
	tailTokens := 0
	for tailStart > 1 && float64(tailTokens) < target {
		tailStart--
		tailTokens += groups[tailStart].tokens(m.counter)
	}
	if tailStart == 0 {
		return
	}

	oldPrefix := flattenGroups(groups[:tailStart])
	if len(oldPrefix) == 0 {
		return
	}

	summaryBudget := int(m.config.SummaryBudgetRatio * float64(available))
	summary, err := m.compactor.Summarize(ctx, oldPrefix, summaryBudget)
	if err != nil {
		m.logger.Warn("compaction failed, falling back to truncation", "error", err)
		return
	}
	if m.counter.Count(summary) > summaryBudget {
		m.logger.Warn("compaction summary exceeded budget, falling back to truncation",
			"budget", summaryBudget, "actual", m.counter.Count(summary))
		return
	}

	now := time.Now()
	synthetic := summaryMessage(summary, now)

	replacedIDs := make([]string, 0, len(oldPrefix))
	for _, msg := range oldPrefix {
		msg.MarkReplaced()
		replacedIDs = append(replacedIDs, msg.ID)
	}

	m.insertAfterLastReplaced(synthetic, oldPrefix)
	m.events = append(m.events, Event{
		Timestamp:        now,
		ReplacedIDs:      replacedIDs,
		SummaryMessageID: synthetic.ID,
	})
	metrics.CompactionsTotal.Inc()
}

// insertAfterLastReplaced splices synthetic into the log immediately after
// the position of the last message in replaced, so the summary occupies the
// place the old prefix used to hold.
func (m *Manager) insertAfterLastReplaced(synthetic *nexusmodel.Message, replaced []*nexusmodel.Message) {
	if len(replaced) == 0 {
		m.log = append(m.log, synthetic)
		return
	}
	lastID := replaced[len(replaced)-1].ID
	for i, msg := range m.log {
		if msg.ID == lastID {
			out := make([]*nexusmodel.Message, 0, len(m.log)+1)
			out = append(out, m.log[:i+1]...)
			out = append(out, synthetic)
			out = append(out, m.log[i+1:]...)
			m.log = out
			return
		}
	}
	m.log = append(m.log, synthetic)
}

// preamble returns a fresh timestamped synthetic system message unless the
// timestamp text is unchanged since the last call, in which case nil is
// returned so the materialized view does not grow with a duplicate.
func (m *Manager) preamble() *nexusmodel.Message {
	text := fmt.Sprintf("Current date/time: %s", time.Now().UTC().Format(time.RFC3339))
	if text == m.lastPreamble {
		return nil
	}
	m.lastPreamble = text
	return &nexusmodel.Message{
		ID:        "preamble-" + time.Now().UTC().Format("20060102T150405"),
		Role:      nexusmodel.RoleSystem,
		Content:   text,
		CreatedAt: time.Now(),
	}
}

// MessageCount reports the number of non-replaced messages in the log, for
// get_context's message_count field.
func (m *Manager) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active())
}

// HasSystemPrompt reports whether the live system prompt is non-empty.
func (m *Manager) HasSystemPrompt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemPrompt() != ""
}

// CompactionResult summarizes a forced Compact call.
type CompactionResult struct {
	BeforeTokens int
	AfterTokens  int
	Replaced     int
}

// Compact forces one compaction pass regardless of the trigger ratio, for
// the dispatcher's explicit compact RPC. It reuses the same compact() pass
// Materialize would run automatically, bypassing the trigger check.
func (m *Manager) Compact(ctx context.Context, toolDefs []nexusmodel.ToolDescriptor) (CompactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	available := m.available(m.systemPrompt(), toolDefs)
	before := m.counter.CountMessages(derefAll(m.active()))
	eventsBefore := len(m.events)

	m.compact(ctx, available)

	after := m.counter.CountMessages(derefAll(m.active()))
	replaced := 0
	if len(m.events) > eventsBefore {
		replaced = len(m.events[len(m.events)-1].ReplacedIDs)
	}
	return CompactionResult{BeforeTokens: before, AfterTokens: after, Replaced: replaced}, nil
}

func derefAll(msgs []*nexusmodel.Message) []nexusmodel.Message {
	out := make([]nexusmodel.Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out
}
