// Package cancel provides the cooperative cancellation primitive shared by
// the provider stream reader, tool execution, and child-process I/O.
// Cancellation is level-triggered: consumers poll IsCancelled at safe points
// (before each tool, before each provider read, between iterations) rather
// than being interrupted asynchronously.
package cancel

import (
	"context"
	"log/slog"
	"sync"
)

// Handle is a first-class cancellation token for one dispatcher `send`.
// Zero value is not usable; construct with New.
type Handle struct {
	mu        sync.Mutex
	cancelled bool
	callbacks []func()
	ctx       context.Context
	cancelCtx context.CancelFunc
}

// New creates a Handle derived from parent. Cancelling the Handle cancels
// the derived context, so it can be threaded into any context-aware I/O.
func New(parent context.Context) *Handle {
	ctx, cancelCtx := context.WithCancel(parent)
	return &Handle{ctx: ctx, cancelCtx: cancelCtx}
}

// Context returns the context that is cancelled when Cancel is called.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancel marks the handle cancelled and fires every registered callback
// exactly once. A callback panic is recovered and logged but never blocks
// the cancellation of the remaining callbacks.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	callbacks := h.callbacks
	h.callbacks = nil
	h.mu.Unlock()

	h.cancelCtx()

	for _, cb := range callbacks {
		runCallback(cb)
	}
}

func runCallback(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("cancellation callback panicked", "recover", r)
		}
	}()
	cb()
}

// IsCancelled reports whether Cancel has been called.
func (h *Handle) IsCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// OnCancel registers a callback to run when Cancel fires. If the handle is
// already cancelled, the callback runs immediately (still exactly once).
func (h *Handle) OnCancel(cb func()) {
	if cb == nil {
		return
	}
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		runCallback(cb)
		return
	}
	h.callbacks = append(h.callbacks, cb)
	h.mu.Unlock()
}
