package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexus3-rt/nexus3/internal/cancel"
	"github.com/nexus3-rt/nexus3/internal/metrics"
	"github.com/nexus3-rt/nexus3/internal/permission"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

// executeBatch runs one assistant turn's tool calls: sequentially and
// stop-on-fatal-error by default, or concurrently (bounded, all calls run
// regardless of individual failure) when any call in the batch sets the
// reserved _parallel argument.
func (s *Session) executeBatch(ctx context.Context, handle *cancel.Handle, calls []nexusmodel.ToolCall, sub Subscriber) []nexusmodel.ToolResult {
	parallel := anyParallel(calls)
	emit(sub, Event{Kind: EventToolBatchStarted, Calls: len(calls), Parallel: parallel})

	var results []nexusmodel.ToolResult
	if parallel {
		results = s.executeParallel(ctx, handle, calls, sub)
	} else {
		results = s.executeSequential(ctx, handle, calls, sub)
	}

	emit(sub, Event{Kind: EventToolBatchCompleted})
	return results
}

func (s *Session) executeSequential(ctx context.Context, handle *cancel.Handle, calls []nexusmodel.ToolCall, sub Subscriber) []nexusmodel.ToolResult {
	results := make([]nexusmodel.ToolResult, len(calls))
	halted := false
	for i, call := range calls {
		if halted {
			results[i] = haltedResult(call)
			continue
		}
		if handle.IsCancelled() {
			s.recordPending(call)
			results[i] = nexusmodel.ToolResult{ToolCallID: call.ID, Error: "cancelled"}
			halted = true
			continue
		}

		emit(sub, Event{Kind: EventToolStarted, ToolCallID: call.ID, ToolName: call.Name})
		result := s.executeOne(ctx, handle, call)
		results[i] = result
		emit(sub, Event{Kind: EventToolCompleted, ToolCallID: call.ID, ToolName: call.Name, OK: result.Success(), Error: result.Error, Output: result.Output})

		if result.Error != "" && isFatalToolError(result.Error) {
			halted = true
			emit(sub, Event{Kind: EventToolBatchHalted, ToolCallID: call.ID, Reason: result.Error})
		}
	}
	return results
}

// executeParallel runs every call concurrently, bounded by
// Config.MaxConcurrentTools via errgroup's SetLimit, and waits for all of
// them regardless of individual outcome. Results are returned in submission
// order.
func (s *Session) executeParallel(ctx context.Context, handle *cancel.Handle, calls []nexusmodel.ToolCall, sub Subscriber) []nexusmodel.ToolResult {
	results := make([]nexusmodel.ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrentTools)

	for i, call := range calls {
		i, call := i, call
		if handle.IsCancelled() {
			results[i] = haltedResult(call)
			continue
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = nexusmodel.ToolResult{ToolCallID: call.ID, Error: fmt.Sprintf("tool panicked: %v", r)}
				}
			}()
			emit(sub, Event{Kind: EventToolStarted, ToolCallID: call.ID, ToolName: call.Name})
			result := s.executeOne(gctx, handle, call)
			results[i] = result
			emit(sub, Event{Kind: EventToolCompleted, ToolCallID: call.ID, ToolName: call.Name, OK: result.Success(), Error: result.Error, Output: result.Output})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// executeOne runs the permission check, schema validation, and bounded
// invocation for a single tool call.
func (s *Session) executeOne(ctx context.Context, handle *cancel.Handle, call nexusmodel.ToolCall) nexusmodel.ToolResult {
	start := time.Now()
	result := s.executeOneUninstrumented(ctx, handle, call)
	outcome := "ok"
	if result.Error != "" {
		outcome = "error"
	}
	metrics.ToolExecutionDuration.WithLabelValues(call.Name, outcome).Observe(time.Since(start).Seconds())
	return result
}

func (s *Session) executeOneUninstrumented(ctx context.Context, handle *cancel.Handle, call nexusmodel.ToolCall) nexusmodel.ToolResult {
	tool, ok := s.toolView.Lookup(call.Name)
	if !ok {
		return nexusmodel.ToolResult{ToolCallID: call.ID, Error: "unknown tool: " + call.Name}
	}
	desc := tool.Descriptor()

	decision := s.permEngine.Check(call.Name, desc, extractCallArgs(desc, call.Arguments), s.policy)
	switch decision.Outcome {
	case permission.Deny:
		return nexusmodel.ToolResult{ToolCallID: call.ID, Error: "permission denied: " + decision.Reason}
	case permission.RequireConfirmation:
		// The turn engine has no interactive confirmer wired in; a
		// confirmation requirement with no confirmer present is a denial.
		return nexusmodel.ToolResult{ToolCallID: call.ID, Error: "permission denied: " + decision.Reason}
	}

	args := stripParallelFlag(call.Arguments)
	if err := s.validator.Validate(call.Name, desc.Parameters, args); err != nil {
		return nexusmodel.ToolResult{ToolCallID: call.ID, Error: err.Error()}
	}

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultToolTimeout
	}
	callCtx, cancelCall := context.WithTimeout(ctx, timeout)
	defer cancelCall()

	resultCh := make(chan *nexusmodel.ToolResult, 1)
	go func() {
		resultCh <- s.toolView.Execute(callCtx, call.ID, call.Name, args)
	}()

	select {
	case result := <-resultCh:
		return *result
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nexusmodel.ToolResult{ToolCallID: call.ID, Error: "timeout"}
		}
		// Cancellation: give the in-flight call a grace period to finish on
		// its own before forcing the result.
		select {
		case result := <-resultCh:
			return *result
		case <-time.After(s.config.CancelGrace):
			s.recordPending(call)
			return nexusmodel.ToolResult{ToolCallID: call.ID, Error: "cancelled"}
		}
	}
}

func haltedResult(call nexusmodel.ToolCall) nexusmodel.ToolResult {
	return nexusmodel.ToolResult{ToolCallID: call.ID, Error: "halted: prior tool call in batch failed"}
}

// isFatalToolError classifies a sequential-batch error as one that should
// halt the remaining calls rather than continuing past it.
func isFatalToolError(errMsg string) bool {
	return strings.HasPrefix(errMsg, "permission denied") ||
		strings.HasPrefix(errMsg, "unknown tool:") ||
		errMsg == "cancelled"
}

const parallelArgKey = "_parallel"

func anyParallel(calls []nexusmodel.ToolCall) bool {
	for _, c := range calls {
		if isParallelFlagged(c.Arguments) {
			return true
		}
	}
	return false
}

func isParallelFlagged(args json.RawMessage) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(args, &raw); err != nil {
		return false
	}
	v, ok := raw[parallelArgKey]
	if !ok {
		return false
	}
	var flag bool
	if err := json.Unmarshal(v, &flag); err != nil {
		return false
	}
	return flag
}

// stripParallelFlag removes the reserved _parallel key before the arguments
// are validated against the tool's own schema or passed to the tool, since
// neither should ever see it.
func stripParallelFlag(args json.RawMessage) json.RawMessage {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(args, &raw); err != nil {
		return args
	}
	if _, ok := raw[parallelArgKey]; !ok {
		return args
	}
	delete(raw, parallelArgKey)
	out, err := json.Marshal(raw)
	if err != nil {
		return args
	}
	return out
}

// extractCallArgs maps a tool call's declared arguments onto the resource
// fields the permission engine inspects. A generic path/paths field is
// classified as a write if the tool's descriptor requires write access,
// read otherwise; explicit read_path(s)/write_path(s) always win.
func extractCallArgs(desc nexusmodel.ToolDescriptor, args json.RawMessage) permission.CallArgs {
	var raw map[string]any
	if len(args) > 0 {
		_ = json.Unmarshal(args, &raw)
	}

	var out permission.CallArgs
	generic := collectStrings(raw, "path", "paths", "file", "files", "directory", "dir")
	if requiresPermission(desc, nexusmodel.PermissionWrite) {
		out.WritePaths = append(out.WritePaths, generic...)
	} else {
		out.ReadPaths = append(out.ReadPaths, generic...)
	}
	out.ReadPaths = append(out.ReadPaths, collectStrings(raw, "read_path", "read_paths")...)
	out.WritePaths = append(out.WritePaths, collectStrings(raw, "write_path", "write_paths")...)
	out.URLs = collectStrings(raw, "url", "urls")
	out.Hosts = collectStrings(raw, "host", "hosts")
	return out
}

func requiresPermission(desc nexusmodel.ToolDescriptor, req nexusmodel.PermissionRequirement) bool {
	for _, r := range desc.Requires {
		if r == req {
			return true
		}
	}
	return false
}

func collectStrings(raw map[string]any, keys ...string) []string {
	var out []string
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case []any:
			for _, e := range t {
				if s, ok := e.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}
