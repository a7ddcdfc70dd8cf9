// Package provider implements the LLM provider streaming client: the
// boundary between the session turn engine and the model backend. A
// Provider turns a materialized message log plus tool definitions into
// either one final Message (complete) or a finite, non-restartable sequence
// of StreamEvents (stream).
package provider

import (
	"context"

	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

// Provider is the boundary the session turn engine drives each iteration.
type Provider interface {
	// Complete blocks until the model has produced a full assistant
	// message, including any tool calls it requested.
	Complete(ctx context.Context, messages []*nexusmodel.Message, toolDefs []nexusmodel.ToolDescriptor) (*nexusmodel.Message, error)

	// Stream returns a channel of StreamEvents for one turn. The channel
	// is closed after a StreamComplete or StreamError event; callers must
	// drain it to completion or cancel ctx.
	Stream(ctx context.Context, messages []*nexusmodel.Message, toolDefs []nexusmodel.ToolDescriptor) (<-chan StreamEvent, error)

	// Name identifies the provider for logging and error classification.
	Name() string
}

// StreamEvent is the tagged union emitted by Stream. Exactly one field
// among the payload fields is meaningful per event; Kind discriminates.
type StreamEvent struct {
	Kind StreamEventKind

	// ContentDelta / ReasoningDelta
	Text string

	// ToolCallStarted
	ToolCallID   string
	ToolCallName string

	// StreamComplete
	Final *nexusmodel.Message

	// StreamError
	Err error
}

// StreamEventKind discriminates a StreamEvent's payload.
type StreamEventKind string

const (
	ContentDelta    StreamEventKind = "content_delta"
	ReasoningDelta  StreamEventKind = "reasoning_delta"
	ToolCallStarted StreamEventKind = "tool_call_started"
	StreamComplete  StreamEventKind = "stream_complete"
	StreamError     StreamEventKind = "stream_error"
)
