package sync2

import "sync"

// Fence is a one-shot broadcast gate: any number of goroutines can Wait
// on it before it is Released; once Released all current and future
// Wait calls return immediately.
type Fence struct {
	once     sync.Once
	released chan struct{}
}

func (f *Fence) init() {
	f.once.Do(func() {
		f.released = make(chan struct{})
	})
}

// Wait blocks until Release has been called.
func (f *Fence) Wait() {
	f.init()
	<-f.released
}

// Release opens the gate. Calling Release more than once is a no-op.
func (f *Fence) Release() {
	f.init()
	select {
	case <-f.released:
	default:
		close(f.released)
	}
}

// Done returns a channel that is closed when the Fence is Released, for
// use in select statements (e.g. BOC waiters that also need a timeout).
func (f *Fence) Done() <-chan struct{} {
	f.init()
	return f.released
}
