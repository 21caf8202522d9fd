package sync2

import (
	"context"
	"sync"
)

// Limiter bounds the number of concurrently running goroutines spawned
// through Go to at most n. It grounds the pool-priority model of
// spec.md §5 at the level this library owns: callers above the limit
// block until a slot frees, callers whose context is canceled first
// give up without consuming a slot.
type Limiter struct {
	limit chan struct{}
	wg    sync.WaitGroup
}

// NewLimiter returns a Limiter that allows at most n concurrent Go calls.
func NewLimiter(n int) *Limiter {
	return &Limiter{limit: make(chan struct{}, n)}
}

// Go runs fn in a new goroutine once a slot is available, or returns
// false without running fn if ctx is canceled first.
func (l *Limiter) Go(ctx context.Context, fn func()) bool {
	select {
	case l.limit <- struct{}{}:
	case <-ctx.Done():
		return false
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.limit }()
		fn()
	}()
	return true
}

// Wait blocks until every goroutine started via Go has returned.
func (l *Limiter) Wait() {
	l.wg.Wait()
}
