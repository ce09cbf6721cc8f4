package async

import "sync"

// collectorState tracks the lifecycle of a Collector.
type collectorState int

const (
	// stateOpen accepts new operations; the result cannot resolve successfully yet.
	stateOpen collectorState = iota
	// stateSealed means registration is closed; resolves once every merge is applied.
	stateSealed
	// stateResolved means the result has been set. Later outcomes are discarded.
	stateResolved
)

// Collector joins N asynchronous operations into one accumulated result.
//
// Operations are registered with Attach (or Run) while the collector is open.
// Each successful outcome is merged into the accumulator in registration order,
// not completion order, so accumulation is deterministic. The first failure,
// either of an operation or of a merge function, resolves the collector as
// failed; outcomes of still-pending operations are discarded and those
// operations are not cancelled.
//
// Seal closes registration. If nothing is pending the result resolves inside
// the Seal call, otherwise it resolves when the last pending merge is applied.
//
// Lifecycle:
//
//	Open --Seal--> Sealed(pending n) --n merged--> Resolved
//	  |                 |
//	  +---- failure ----+------------------------> Resolved
//
// Thread Safety:
// All methods are safe for concurrent use. Merge functions run while the
// collector's lock is held and must not call back into the collector.
type Collector[A any] struct {
	mu         sync.Mutex
	state      collectorState
	acc        A
	registered int
	merged     int
	completed  map[int]func(A) error
	result     *Future[A]
}

// NewCollector creates an open collector around the initial accumulator.
// The accumulator is typically a pointer or map that merge functions mutate.
func NewCollector[A any](acc A) *Collector[A] {
	return &Collector[A]{
		acc:       acc,
		completed: make(map[int]func(A) error),
		result:    NewFuture[A](),
	}
}

// Attach registers one more pending operation represented by f. When f
// completes successfully, merge(acc, value) is applied in registration order.
// Attaching to an already resolved collector is a no-op.
func Attach[A, T any](c *Collector[A], f *Future[T], merge func(A, T) error) {
	idx, ok := c.register()
	if !ok {
		return
	}
	go func() {
		v, err := f.Result()
		if err != nil {
			c.settle(idx, nil, err)
			return
		}
		c.settle(idx, func(acc A) error { return merge(acc, v) }, nil)
	}()
}

// Run starts fn in its own goroutine and attaches its outcome to c.
func Run[A, T any](c *Collector[A], fn func() (T, error), merge func(A, T) error) {
	Attach(c, Go(fn), merge)
}

func (c *Collector[A]) register() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateResolved {
		return 0, false
	}
	idx := c.registered
	c.registered++
	return idx, true
}

func (c *Collector[A]) settle(idx int, apply func(A) error, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateResolved {
		return
	}
	if err != nil {
		c.failLocked(err)
		return
	}

	c.completed[idx] = apply
	for {
		next, ok := c.completed[c.merged]
		if !ok {
			break
		}
		delete(c.completed, c.merged)
		c.merged++
		if mergeErr := next(c.acc); mergeErr != nil {
			c.failLocked(mergeErr)
			return
		}
	}
	c.finishLocked()
}

func (c *Collector[A]) finishLocked() {
	if c.state == stateSealed && c.merged == c.registered {
		c.state = stateResolved
		c.result.Complete(c.acc)
	}
}

func (c *Collector[A]) failLocked(err error) {
	c.state = stateResolved
	c.completed = nil
	c.result.Fail(err)
}

// Seal closes registration and returns the result future.
// Sealing twice returns the same future.
func (c *Collector[A]) Seal() *Future[A] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateOpen {
		c.state = stateSealed
		c.finishLocked()
	}
	return c.result
}

// Result returns the future that resolves with the accumulator or the first error.
func (c *Collector[A]) Result() *Future[A] {
	return c.result
}

// Complete resolves the collector immediately with result, discarding the
// outcomes of pending operations. No-op if already resolved.
func (c *Collector[A]) Complete(result A) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateResolved {
		return
	}
	c.state = stateResolved
	c.completed = nil
	c.result.Complete(result)
}

// Fail resolves the collector with err. No-op if already resolved.
func (c *Collector[A]) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateResolved {
		return
	}
	c.failLocked(err)
}

// Pending returns the number of registered operations whose outcome has not
// been merged yet.
func (c *Collector[A]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered - c.merged
}
