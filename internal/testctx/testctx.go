// Package testctx gives tests a context that is canceled on cleanup and
// a small helper for running and checking background goroutines. It
// mirrors the "storj.io/common/testcontext" idiom used throughout the
// teacher's test suite (295 hits across the retrieved corpus).
package testctx

import (
	"context"
	"sync"
	"testing"
)

// T is the context returned by New.
type T struct {
	context.Context
	t      testing.TB
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a T whose context is canceled automatically when the test
// finishes, via t.Cleanup.
func New(t testing.TB) *T {
	ctx, cancel := context.WithCancel(context.Background())
	tc := &T{Context: ctx, t: t, cancel: cancel}
	t.Cleanup(tc.cleanup)
	return tc
}

func (tc *T) cleanup() {
	tc.cancel()
	tc.wg.Wait()
}

// Go runs fn in a background goroutine tracked by this T, failing the
// test if fn returns an error.
func (tc *T) Go(fn func() error) {
	tc.wg.Add(1)
	go func() {
		defer tc.wg.Done()
		if err := fn(); err != nil {
			tc.t.Errorf("background goroutine: %v", err)
		}
	}()
}

// Check fails the test if fn returns an error. Intended for deferred
// Close calls: `defer tc.Check(store.Close)`.
func (tc *T) Check(fn func() error) {
	if err := fn(); err != nil {
		tc.t.Errorf("cleanup: %v", err)
	}
}
