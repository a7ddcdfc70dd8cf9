package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/nexus3-rt/nexus3/internal/backoff"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

// retryPolicy governs Stream/Complete's own request-level retries, distinct
// from the session turn engine's iteration loop. 1s initial, 1.6x factor,
// 10s cap: aggressive enough that a rate-limited turn still completes
// within a user's patience, capped low because the turn engine's own
// per-call timeout is the real backstop.
var retryPolicy = backoff.BackoffPolicy{
	InitialMs: 1000,
	MaxMs:     10000,
	Factor:    1.6,
	Jitter:    0.2,
}

const defaultMaxRetries = 4

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	DefaultModel string
	Logger       *slog.Logger
}

// AnthropicProvider implements Provider against Anthropic's Messages API,
// streaming via Server-Sent Events.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	defaultModel string
	logger       *slog.Logger
}

// NewAnthropicProvider constructs a provider from cfg. APIKey is required.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic provider: api key required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-20250514"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   maxRetries,
		defaultModel: defaultModel,
		logger:       logger.With("component", "provider", "provider_name", "anthropic"),
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete drains Stream to its StreamComplete event. It exists for callers
// (e.g. the compactor) that need a single final message and have no use for
// incremental deltas.
func (p *AnthropicProvider) Complete(ctx context.Context, messages []*nexusmodel.Message, toolDefs []nexusmodel.ToolDescriptor) (*nexusmodel.Message, error) {
	events, err := p.Stream(ctx, messages, toolDefs)
	if err != nil {
		return nil, err
	}
	for ev := range events {
		switch ev.Kind {
		case StreamComplete:
			return ev.Final, nil
		case StreamError:
			return nil, ev.Err
		}
	}
	return nil, fmt.Errorf("anthropic provider: stream closed without completion")
}

// Stream issues one Messages.NewStreaming request, retrying the request
// itself (not the event loop) on a TransientError with exponential backoff,
// making at most maxRetries attempts in all. Once a stream starts delivering events, a
// mid-stream failure is reported as a StreamError rather than retried,
// since partial output cannot be safely replayed into a fresh request.
func (p *AnthropicProvider) Stream(ctx context.Context, messages []*nexusmodel.Message, toolDefs []nexusmodel.ToolDescriptor) (<-chan StreamEvent, error) {
	params, err := p.buildParams(messages, toolDefs)
	if err != nil {
		return nil, err
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		stream = p.client.Messages.NewStreaming(ctx, params)
		if stream.Err() == nil {
			break
		}
		lastErr = classifyRequestError(stream.Err())
		if !IsRetryable(lastErr) || attempt == p.maxRetries {
			return nil, lastErr
		}
		p.logger.Warn("retrying after transient stream-open error", "attempt", attempt, "error", lastErr)
		wait := backoff.ComputeBackoff(retryPolicy, attempt)
		if ra := RetryAfter(lastErr); ra > wait {
			wait = ra
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	out := make(chan StreamEvent, 16)
	go p.pump(stream, out)
	return out, nil
}

func (p *AnthropicProvider) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- StreamEvent) {
	defer close(out)

	var pendingCall *nexusmodel.ToolCall
	var pendingInput []byte
	var textContent, thinkingContent string
	var toolCalls []nexusmodel.ToolCall

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				pendingCall = &nexusmodel.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				pendingInput = nil
				out <- StreamEvent{Kind: ToolCallStarted, ToolCallID: toolUse.ID, ToolCallName: toolUse.Name}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					textContent += delta.Text
					out <- StreamEvent{Kind: ContentDelta, Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinkingContent += delta.Thinking
					out <- StreamEvent{Kind: ReasoningDelta, Text: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					pendingInput = append(pendingInput, []byte(delta.PartialJSON)...)
				}
			}

		case "content_block_stop":
			if pendingCall != nil {
				if len(pendingInput) == 0 {
					pendingInput = []byte("{}")
				}
				pendingCall.Arguments = json.RawMessage(pendingInput)
				toolCalls = append(toolCalls, *pendingCall)
				pendingCall = nil
				pendingInput = nil
			}

		case "message_stop":
			final := &nexusmodel.Message{
				Role:      nexusmodel.RoleAssistant,
				Content:   textContent,
				ToolCalls: toolCalls,
				CreatedAt: time.Now(),
			}
			out <- StreamEvent{Kind: StreamComplete, Final: final}
			return

		case "error":
			out <- StreamEvent{Kind: StreamError, Err: classifyRequestError(fmt.Errorf("anthropic stream error event"))}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- StreamEvent{Kind: StreamError, Err: classifyRequestError(err)}
	}
}

func (p *AnthropicProvider) buildParams(messages []*nexusmodel.Message, toolDefs []nexusmodel.ToolDescriptor) (anthropic.MessageNewParams, error) {
	var system string
	var msgParams []anthropic.MessageParam
	for _, m := range messages {
		if m.Role == nexusmodel.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		param, err := convertMessage(m)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		msgParams = append(msgParams, param)
	}

	tools, err := convertTools(toolDefs)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.defaultModel),
		MaxTokens: 4096,
		Messages:  msgParams,
		Tools:     tools,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params, nil
}

func convertMessage(m *nexusmodel.Message) (anthropic.MessageParam, error) {
	var content []anthropic.ContentBlockParamUnion

	if m.Role == nexusmodel.RoleTool {
		content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		return anthropic.NewUserMessage(content...), nil
	}

	if m.Content != "" {
		content = append(content, anthropic.NewTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var input map[string]any
		if len(tc.Arguments) > 0 {
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return anthropic.MessageParam{}, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
			}
		}
		content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
	}

	if m.Role == nexusmodel.RoleAssistant {
		return anthropic.NewAssistantMessage(content...), nil
	}
	return anthropic.NewUserMessage(content...), nil
}

func convertTools(toolDefs []nexusmodel.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, td := range toolDefs {
		var schema anthropic.ToolInputSchemaParam
		if len(td.Parameters) > 0 {
			if err := json.Unmarshal(td.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", td.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, td.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", td.Name)
		}
		toolParam.OfTool.Description = anthropic.String(td.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// classifyRequestError turns a raw SDK error into an AuthError or
// TransientError. *anthropic.Error carries the HTTP status and an optional
// retry-after header; anything else is a transport-level failure.
func classifyRequestError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" {
			message = apiErr.Error()
		}
		var retryAfter time.Duration
		if ra := apiErr.Response.Header.Get("Retry-After"); ra != "" {
			if secs, parseErr := strconv.Atoi(ra); parseErr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return classifyHTTPError("anthropic", apiErr.StatusCode, message, retryAfter, err)
	}
	return classifyTransportError("anthropic", err)
}
