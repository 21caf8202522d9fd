package objcore

import (
	"sync"

	"github.com/cacheforge/vcache/pkg/digest"
)

// ObjectHead is a hash bucket: a digest, the list of OC versions it
// holds (distinguished by vary), and a list of requests parked waiting
// on a busy OC (spec.md §3).
type ObjectHead struct {
	mu     sync.Mutex
	digest digest.Digest
	ocs    []*OC
	waitq  []chan struct{}
}

func newObjectHead(d digest.Digest) *ObjectHead {
	return &ObjectHead{digest: d}
}

// Digest returns the bucket's key.
func (oh *ObjectHead) Digest() digest.Digest { return oh.digest }

// park adds a waiter and returns a channel that is closed exactly once,
// by wake, when this request should re-enter LOOKUP (spec.md §4.6
// "Parking on busy").
func (oh *ObjectHead) park() <-chan struct{} {
	ch := make(chan struct{})
	oh.waitq = append(oh.waitq, ch)
	return ch
}

// wakeAll closes every parked waiter's channel exactly once and empties
// the waiting list (spec.md §4.2 invariant: "each waiting request is
// woken exactly once").
func (oh *ObjectHead) wakeAll() {
	for _, ch := range oh.waitq {
		close(ch)
	}
	oh.waitq = nil
}

// removeOC drops target from oh's OC list and reports whether it was
// present. A miss (target already removed, e.g. by a prior Purge)
// leaves oh.ocs untouched so callers can tell a no-op from a removal.
func (oh *ObjectHead) removeOC(target *OC) bool {
	out := oh.ocs[:0]
	removed := false
	for _, oc := range oh.ocs {
		if oc != target {
			out = append(out, oc)
		} else {
			removed = true
		}
	}
	if !removed {
		return false
	}
	oh.ocs = out
	return true
}
