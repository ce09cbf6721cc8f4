package storage

import "context"

// workerPool bounds the number of blocking disk operations in flight.
// The caller blocks until a slot is free and receives the result directly.
type workerPool struct {
	slots chan struct{}
}

func newWorkerPool(size int) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{slots: make(chan struct{}, size)}
}

// do runs fn once a slot is available or returns ctx.Err() if ctx ends first.
func (p *workerPool) do(ctx context.Context, fn func() error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.slots }()
	return fn()
}
