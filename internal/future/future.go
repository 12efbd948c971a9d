// Package future provides a deferred computation cell that can be completed
// exactly once and fans its value out to all waiters. The snapshot loader
// uses it to decouple constant creation order from reference order.
package future

import "sync"

// Future is a single-assignment deferred computation. The first call to
// EnsureDone runs the computation; every other call, concurrent or later,
// observes the same result.
type Future[T any] struct {
	mu   sync.Mutex
	fn   func() (T, error)
	done bool
	val  T
	err  error
}

// New returns a future wrapping fn. fn runs at most once.
func New[T any](fn func() (T, error)) *Future[T] {
	return &Future[T]{fn: fn}
}

// Completed returns an already-done future holding val.
func Completed[T any](val T) *Future[T] {
	return &Future[T]{done: true, val: val}
}

// Unreachable returns a future whose forcing is a fatal analysis error.
// It marks slots that must be patched before anyone reads them, such as
// not-yet-materialized snapshot constants.
func Unreachable[T any](msg string) *Future[T] {
	return New[T](func() (T, error) {
		panic("should not reach here: " + msg)
	})
}

// EnsureDone forces the computation and returns its result. Concurrent
// callers block until the single execution finishes.
func (f *Future[T]) EnsureDone() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done {
		f.val, f.err = f.fn()
		f.done = true
		f.fn = nil
	}
	return f.val, f.err
}

// IsDone reports whether the computation has run.
func (f *Future[T]) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}
