// Package future provides a single-assignment, multi-waiter result box for
// asynchronous protocol outcomes (connect, authenticate, channel open).
//
// A Future resolves to exactly one of success, failure or canceled. Every
// waiter observes the same terminal value no matter how many wait or how
// often it is polled. Resolving an already-resolved future is a programming
// error and panics; a caller's timeout never alters the eventual outcome,
// it only stops that caller's wait.
package future

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned when a wait deadline elapses before the
	// future resolves. The underlying operation keeps running.
	ErrTimeout = errors.New("future: wait timed out")
	// ErrInterrupted is returned when the waiting context is cancelled.
	// Distinct from ErrTimeout and from the future's own resolution.
	ErrInterrupted = errors.New("future: wait interrupted")
	// ErrCanceled is the terminal error of a cancelled future.
	ErrCanceled = errors.New("future: canceled")
)

// State is the resolution state of a Future.
type State int

const (
	// Pending means no terminal value has been set yet.
	Pending State = iota
	// Succeeded means a value was set.
	Succeeded
	// Failed means a failure cause was set.
	Failed
	// Canceled means the future was cancelled before resolving.
	Canceled
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case Canceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Future holds an eventually-available outcome of type T.
// The zero value is not usable; create with New.
type Future[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	state State
	value T
	err   error
}

// New returns a pending Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete resolves the future successfully. Panics if already resolved.
func (f *Future[T]) Complete(v T) {
	f.resolve(Succeeded, v, nil)
}

// Fail resolves the future with a failure cause. Panics if already
// resolved.
func (f *Future[T]) Fail(err error) {
	if err == nil {
		panic("future: Fail with nil error")
	}
	var zero T
	f.resolve(Failed, zero, err)
}

// Cancel resolves the future to the canceled state and wakes all waiters.
// Reports whether the cancellation took effect; a future that already
// resolved is unaffected (cancellation is best-effort, not preemptive).
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return false
	}
	f.state = Canceled
	f.err = ErrCanceled
	close(f.done)
	return true
}

// TryComplete resolves the future successfully if it is still pending.
// Reports whether the resolution took effect.
func (f *Future[T]) TryComplete(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return false
	}
	f.state = Succeeded
	f.value = v
	close(f.done)
	return true
}

// TryFail resolves the future with err if it is still pending.
// Reports whether the resolution took effect. Used during teardown where
// racing a normal resolution is expected, not a bug.
func (f *Future[T]) TryFail(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return false
	}
	f.state = Failed
	f.err = err
	close(f.done)
	return true
}

func (f *Future[T]) resolve(s State, v T, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		panic("future: result already set")
	}
	f.state = s
	f.value = v
	f.err = err
	close(f.done)
}

// Done returns a channel closed when the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// State returns the current resolution state without blocking.
func (f *Future[T]) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsDone reports whether the future has resolved.
func (f *Future[T]) IsDone() bool { return f.State() != Pending }

// IsSuccess reports whether the future resolved successfully.
func (f *Future[T]) IsSuccess() bool { return f.State() == Succeeded }

// IsFailure reports whether the future resolved with a failure.
func (f *Future[T]) IsFailure() bool { return f.State() == Failed }

// IsCanceled reports whether the future was cancelled.
func (f *Future[T]) IsCanceled() bool { return f.State() == Canceled }

// Value returns the terminal value. Valid only after the future resolves;
// a pending future returns the zero value and ErrTimeout-free nil check is
// not meaningful, so callers should Await first.
func (f *Future[T]) Value() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Await blocks until the future resolves or ctx is done. Context
// cancellation surfaces as ErrInterrupted (wrapping the context error),
// distinct from the future's own resolution.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Value()
	case <-ctx.Done():
		var zero T
		return zero, errors.Join(ErrInterrupted, ctx.Err())
	}
}

// AwaitTimeout blocks for at most d. Expiry surfaces as ErrTimeout without
// cancelling the underlying operation; a later resolution still resolves
// the future exactly once for any other waiter.
func (f *Future[T]) AwaitTimeout(d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.Value()
	case <-timer.C:
		var zero T
		return zero, ErrTimeout
	}
}
