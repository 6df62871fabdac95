package media

import (
	"context"
	"sync"
)

// Future is a value that is resolved or rejected exactly once.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve settles the future with v. It reports false if already settled.
func (f *Future[T]) Resolve(v T) bool {
	settled := false
	f.once.Do(func() {
		f.val = v
		close(f.done)
		settled = true
	})
	return settled
}

// Reject settles the future with err. It reports false if already settled.
func (f *Future[T]) Reject(err error) bool {
	settled := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Signal is a one-shot event without a payload.
type Signal = Future[struct{}]

func NewSignal() *Signal {
	return NewFuture[struct{}]()
}

// Fire resolves the signal.
func (f *Future[T]) Fire() {
	var zero T
	f.Resolve(zero)
}
