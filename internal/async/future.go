// Package async provides the single-assignment Future and the Collector used to
// join fan-out operations across partitions into one result.
// See doc.go for complete package documentation.
package async

import (
	"context"
	"sync"
)

// Future is a single-assignment result cell. The first call to Complete or Fail
// wins; every later attempt is a no-op. Any number of goroutines may wait on it.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Go runs fn in a new goroutine and returns a future resolved with its outcome.
//
// Example:
//
//	f := async.Go(func() (*fs.FileMetadata, error) {
//	    return client.Info(ctx, "a.txt")
//	})
//	meta, err := f.Await(ctx)
func Go[T any](fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	go func() {
		v, err := fn()
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(v)
	}()
	return f
}

// Resolved returns a future already completed with v.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already failed with err.
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Fail(err)
	return f
}

// Complete resolves the future successfully. Returns false if it was already resolved.
func (f *Future[T]) Complete(v T) bool {
	set := false
	f.once.Do(func() {
		f.val = v
		set = true
		close(f.done)
	})
	return set
}

// Fail resolves the future with err. Returns false if it was already resolved.
func (f *Future[T]) Fail(err error) bool {
	set := false
	f.once.Do(func() {
		f.err = err
		set = true
		close(f.done)
	})
	return set
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has been resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the future is resolved and returns its outcome.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

// Await waits for the future or for ctx to be done, whichever comes first.
// Cancelling ctx does not resolve the future.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
