// Package dispatcher exposes one agent's Session as the per-agent JSON-RPC
// method surface: send, cancel, get_tokens, get_context, compact, shutdown.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus3-rt/nexus3/internal/cancel"
	"github.com/nexus3-rt/nexus3/internal/session"
)

// DefaultDispatchTimeout bounds any single dispatcher call. It is sized as
// a worst-case iteration budget: MaxIterations turns, each allowed a full
// tool-batch timeout on top of the provider round trip.
const DefaultDispatchTimeout = 10 * time.Minute

// SendResult is the dispatcher-level response to send.
type SendResult struct {
	RequestID string
	Content   string
	Cancelled bool
}

// CancelResult is the dispatcher-level response to cancel.
type CancelResult struct {
	Cancelled bool
	Reason    string
}

// Dispatcher serializes send calls to one agent's Session while letting
// cancel, get_tokens, and get_context proceed without blocking on an
// in-flight send.
type Dispatcher struct {
	agentID string
	sess    *session.Session
	timeout time.Duration
	logger  *slog.Logger

	sendMu sync.Mutex

	inFlightMu sync.Mutex
	inFlight   map[string]*cancel.Handle

	shutdownMu sync.Mutex
	shutdown   bool
}

// New constructs a Dispatcher over sess. A zero timeout selects
// DefaultDispatchTimeout.
func New(agentID string, sess *session.Session, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		agentID:  agentID,
		sess:     sess,
		timeout:  timeout,
		inFlight: make(map[string]*cancel.Handle),
		logger:   logger.With("component", "dispatcher", "agent_id", agentID),
	}
}

// Send runs one turn to completion, cancellation, or timeout. Concurrent
// Send calls on the same Dispatcher are serialized by sendMu; this mirrors
// (and backstops) Session.Turn's own internal lock so the "one turn at a
// time" guarantee holds even if a future Session implementation drops it.
func (d *Dispatcher) Send(ctx context.Context, content string) (SendResult, error) {
	if d.isShutdown() {
		return SendResult{}, fmt.Errorf("dispatcher: agent %s is shut down", d.agentID)
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	requestID := uuid.NewString()
	callCtx, cancelTimeout := context.WithTimeout(ctx, d.timeout)
	defer cancelTimeout()

	handle := cancel.New(callCtx)
	d.registerInFlight(requestID, handle)
	defer d.unregisterInFlight(requestID)

	result, err := d.sess.Turn(callCtx, requestID, content, handle, nil)
	if err != nil {
		return SendResult{}, err
	}
	if result.Outcome == session.OutcomeCancelled {
		return SendResult{RequestID: requestID, Cancelled: true}, nil
	}
	return SendResult{RequestID: requestID, Content: result.Content}, nil
}

// Cancel signals cancellation for an in-flight request_id. Non-blocking:
// it never waits on the send it cancels.
func (d *Dispatcher) Cancel(requestID string) CancelResult {
	d.inFlightMu.Lock()
	handle, ok := d.inFlight[requestID]
	d.inFlightMu.Unlock()
	if !ok {
		return CancelResult{Cancelled: false, Reason: "not_found_or_completed"}
	}
	handle.Cancel()
	return CancelResult{Cancelled: true}
}

// GetTokens reports the agent's current token budget breakdown.
func (d *Dispatcher) GetTokens() session.TokensReport {
	return d.sess.Tokens()
}

// GetContext reports the agent's current context size.
func (d *Dispatcher) GetContext() session.ContextReport {
	return d.sess.ContextInfo()
}

// CompactResult is the dispatcher-level response to compact.
type CompactResult struct {
	BeforeTokens int
	AfterTokens  int
	Replaced     int
}

// Compact forces one compaction pass outside the normal trigger-ratio flow.
func (d *Dispatcher) Compact(ctx context.Context) (CompactResult, error) {
	res, err := d.sess.Compact(ctx)
	if err != nil {
		return CompactResult{}, err
	}
	return CompactResult{BeforeTokens: res.BeforeTokens, AfterTokens: res.AfterTokens, Replaced: res.Replaced}, nil
}

// Shutdown marks the dispatcher unusable for future Send calls and cancels
// every in-flight request.
func (d *Dispatcher) Shutdown() {
	d.shutdownMu.Lock()
	d.shutdown = true
	d.shutdownMu.Unlock()

	d.inFlightMu.Lock()
	handles := make([]*cancel.Handle, 0, len(d.inFlight))
	for _, h := range d.inFlight {
		handles = append(handles, h)
	}
	d.inFlightMu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

func (d *Dispatcher) isShutdown() bool {
	d.shutdownMu.Lock()
	defer d.shutdownMu.Unlock()
	return d.shutdown
}

func (d *Dispatcher) registerInFlight(requestID string, handle *cancel.Handle) {
	d.inFlightMu.Lock()
	d.inFlight[requestID] = handle
	d.inFlightMu.Unlock()
}

func (d *Dispatcher) unregisterInFlight(requestID string) {
	d.inFlightMu.Lock()
	delete(d.inFlight, requestID)
	d.inFlightMu.Unlock()
}
