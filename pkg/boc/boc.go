// Package boc implements the busy-object context (spec.md §3, §4.5,
// §5): the refcounted handle a fetcher and any number of streaming
// deliverers share to coordinate one fetch in flight.
package boc

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"github.com/cacheforge/vcache/pkg/metrics"
)

// Error is the class for BOC misuse.
var Error = errs.Class("boc")

// State is one of the BOC macro-states. States only ever advance.
type State int

const (
	Invalid State = iota
	ReqDone
	PrepStream
	Stream
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "INVALID"
	case ReqDone:
		return "REQ_DONE"
	case PrepStream:
		return "PREP_STREAM"
	case Stream:
		return "STREAM"
	case Finished:
		return "FINISHED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// terminal reports whether a state is FINISHED or FAILED, after which
// no further transitions are legal.
func (s State) terminal() bool {
	return s == Finished || s == Failed
}

// BOC is the busy-object context. Zero value is not usable; use New.
type BOC struct {
	mu   sync.Mutex
	cond *sync.Cond

	refs int32

	state      State
	lenSoFar   uint64
	vary       []byte // optional serialized vary description
	failureErr error

	metrics *metrics.Registry
}

// New returns a BOC in the INVALID state with one reference held by the
// caller (conventionally the fetcher).
func New() *BOC {
	b := &BOC{state: Invalid, refs: 1}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// SetMetrics attaches a metrics.Registry whose BOCState gauge tracks
// this BOC's occupancy of each state. Nil is fine and disables
// reporting. Must be called before any state transition to avoid
// missing the initial INVALID occupancy.
func (b *BOC) SetMetrics(m *metrics.Registry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
	if m != nil {
		m.BOCState.WithLabelValues(b.state.String()).Inc()
	}
}

// reportTransition moves the BOCState gauge's occupancy from "from" to
// the BOC's current state. Caller must hold b.mu.
func (b *BOC) reportTransition(from State) {
	if b.metrics == nil || from == b.state {
		return
	}
	b.metrics.BOCState.WithLabelValues(from.String()).Dec()
	b.metrics.BOCState.WithLabelValues(b.state.String()).Inc()
}

// Ref adds one reference (a streaming deliverer joining).
func (b *BOC) Ref() {
	b.mu.Lock()
	b.refs++
	b.mu.Unlock()
}

// Deref releases one reference, returning the remaining count.
func (b *BOC) Deref() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs--
	return b.refs
}

// State returns the current macro-state and len_so_far atomically.
func (b *BOC) State() (State, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.lenSoFar
}

// advance moves the state forward. It is an error to move to a state
// numerically behind the current one, or to transition at all once the
// current state is terminal.
func (b *BOC) advance(to State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.terminal() {
		return Error.New("cannot transition out of terminal state %s", b.state)
	}
	if to < b.state {
		return Error.New("state must only advance: %s -> %s", b.state, to)
	}
	from := b.state
	b.state = to
	b.reportTransition(from)
	b.cond.Broadcast()
	return nil
}

// SetReqDone transitions to REQ_DONE: headers are parsed and readable.
func (b *BOC) SetReqDone() error { return b.advance(ReqDone) }

// SetPrepStream transitions to PREP_STREAM: about to start pulling body
// bytes.
func (b *BOC) SetPrepStream() error { return b.advance(PrepStream) }

// SetStream transitions to STREAM: body bytes may now be published via
// Append.
func (b *BOC) SetStream() error { return b.advance(Stream) }

// SetVary records the serialized vary description, readable once at or
// past REQ_DONE.
func (b *BOC) SetVary(vary []byte) {
	b.mu.Lock()
	b.vary = vary
	b.mu.Unlock()
}

// Vary returns the serialized vary description, if any.
func (b *BOC) Vary() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vary
}

// Append publishes n additional bytes as committed to storage.
// len_so_far is monotonically nondecreasing; every Append signals
// waiters under the BOC's lock.
func (b *BOC) Append(n uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.terminal() {
		return Error.New("cannot append after terminal state %s", b.state)
	}
	b.lenSoFar += n
	b.cond.Broadcast()
	return nil
}

// Finish transitions to FINISHED: the fetch completed successfully.
// FINISHED is terminal; it wakes all waiters.
func (b *BOC) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.terminal() {
		return
	}
	from := b.state
	b.state = Finished
	b.reportTransition(from)
	b.cond.Broadcast()
}

// Fail transitions to FAILED with the given cause: the fetch failed.
// FAILED is terminal; it wakes all waiters, who must abort.
func (b *BOC) Fail(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.terminal() {
		return
	}
	from := b.state
	b.state = Failed
	b.failureErr = cause
	b.reportTransition(from)
	b.cond.Broadcast()
}

// FailureErr returns the cause recorded by Fail, if any.
func (b *BOC) FailureErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureErr
}

// WaitResult is returned by WaitForMore.
type WaitResult int

const (
	// WaitHasData means len_so_far advanced past the caller's cursor;
	// the caller should emit the newly available bytes.
	WaitHasData WaitResult = iota
	// WaitFinished means the caller should emit any remaining bytes and
	// then end the stream.
	WaitFinished
	// WaitFailed means the caller must abort the stream.
	WaitFailed
	// WaitTimeout means the deadline elapsed with no state change.
	WaitTimeout
)

// WaitForMore blocks until len_so_far advances past cursor, the BOC
// reaches a terminal state, or ctx's deadline elapses — never by
// polling, always via the BOC's condition variable (spec.md §9 open
// question: prefer the condvar path uniformly).
func (b *BOC) WaitForMore(ctx context.Context, cursor uint64) (WaitResult, uint64) {
	// a dedicated goroutine nudges the cond var once ctx is done, so a
	// canceled/expired ctx doesn't block forever, since sync.Cond has no
	// native context support.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-done:
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.lenSoFar > cursor {
			return WaitHasData, b.lenSoFar
		}
		if b.state == Failed {
			return WaitFailed, b.lenSoFar
		}
		if b.state == Finished {
			return WaitFinished, b.lenSoFar
		}
		select {
		case <-ctx.Done():
			return WaitTimeout, b.lenSoFar
		default:
		}
		b.cond.Wait()
	}
}

// WaitForState blocks until the BOC reaches at least min, or a terminal
// state, or ctx is done (spec.md §4.6 FETCH: "waits for BOC>=REQ_DONE").
// The request FSM uses this to learn when headers (or, for non-streaming
// fetches, the whole body) have become available without polling.
func (b *BOC) WaitForState(ctx context.Context, min State) (State, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-done:
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.state >= min || b.state.terminal() {
			return b.state, nil
		}
		select {
		case <-ctx.Done():
			return b.state, ctx.Err()
		default:
		}
		b.cond.Wait()
	}
}

// WaitDeadline is a convenience wrapper building a context with a
// deadline around WaitForMore, matching spec.md §5's "monotonic
// deadline" suspension-point language.
func (b *BOC) WaitDeadline(parent context.Context, cursor uint64, deadline time.Duration) (WaitResult, uint64) {
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()
	return b.WaitForMore(ctx, cursor)
}
