package cancel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestIsCancelledFalseInitially(t *testing.T) {
	h := New(context.Background())
	if h.IsCancelled() {
		t.Fatal("expected a fresh handle to report not cancelled")
	}
}

func TestCancelMarksCancelled(t *testing.T) {
	h := New(context.Background())
	h.Cancel()
	if !h.IsCancelled() {
		t.Fatal("expected Cancel to mark the handle cancelled")
	}
}

func TestCancelCancelsDerivedContext(t *testing.T) {
	h := New(context.Background())
	h.Cancel()
	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("expected the derived context to be done after Cancel")
	}
	if h.Context().Err() != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", h.Context().Err())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := New(context.Background())
	var fired int32
	h.OnCancel(func() { atomic.AddInt32(&fired, 1) })

	h.Cancel()
	h.Cancel()
	h.Cancel()

	if fired != 1 {
		t.Fatalf("expected OnCancel callback to fire exactly once, fired %d times", fired)
	}
}

func TestOnCancelRunsImmediatelyIfAlreadyCancelled(t *testing.T) {
	h := New(context.Background())
	h.Cancel()

	var fired int32
	h.OnCancel(func() { atomic.AddInt32(&fired, 1) })
	if fired != 1 {
		t.Fatal("expected a callback registered after cancellation to run immediately")
	}
}

func TestOnCancelCallbackPanicDoesNotBlockOthers(t *testing.T) {
	h := New(context.Background())
	var secondRan int32
	h.OnCancel(func() { panic("boom") })
	h.OnCancel(func() { atomic.AddInt32(&secondRan, 1) })

	h.Cancel()

	if secondRan != 1 {
		t.Fatal("expected the second callback to run despite the first panicking")
	}
}

func TestParentCancellationDoesNotMarkHandleCancelled(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	h := New(parent)
	parentCancel()

	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("expected the derived context to observe parent cancellation")
	}
	// IsCancelled tracks explicit Cancel() calls, not parent context cancellation.
	if h.IsCancelled() {
		t.Fatal("expected IsCancelled to remain false when only the parent context was cancelled")
	}
}
