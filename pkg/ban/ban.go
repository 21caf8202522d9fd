// Package ban implements the ban engine: an append-only, monotonically
// growing list of invalidation tests, checked lazily at lookup time and
// swept eagerly by a background lurker (spec.md §4.4).
package ban

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"github.com/cacheforge/vcache/internal/sync2"
	"github.com/cacheforge/vcache/pkg/metrics"
	"github.com/cacheforge/vcache/pkg/objcore"
)

// runner is satisfied by golang.org/x/sync/errgroup.Group.
type runner interface {
	Go(func() error)
}

// Error is the class for ban misuse.
var Error = errs.Class("ban")

// ObjectAttrs exposes the object-side attributes a ban condition may
// test (e.g. stored response headers). Callers (typically pkg/fetch or
// pkg/request) supply the concrete implementation; ban has no opinion
// on header representation.
type ObjectAttrs interface {
	ObjectAttr(name string) (string, bool)
}

// RequestAttrs exposes the request-side attributes a ban condition may
// test. Only available at lookup time, never during the lurker sweep.
type RequestAttrs interface {
	RequestAttr(name string) (string, bool)
}

// Condition is one clause of a ban's conjunction. NeedsRequest marks a
// clause that can only be evaluated with a live request in hand, which
// forces the whole ban to lookup-time-only evaluation (spec.md §4.4).
type Condition struct {
	NeedsRequest bool
	Test         func(obj ObjectAttrs, req RequestAttrs) bool
}

// Ban is one entry in the list: a conjunction of Conditions plus the
// bookkeeping the lurker needs to eventually retire it.
type Ban struct {
	seq        uint64
	conditions []Condition
	createdAt  time.Time

	mu        sync.Mutex
	completed bool
}

// Seq returns the ban's position in insertion order; newer bans have
// larger Seq.
func (b *Ban) Seq() uint64 { return b.seq }

// CreatedAt returns when the ban was added.
func (b *Ban) CreatedAt() time.Time { return b.createdAt }

// Completed reports whether every OC older than this ban has been
// checked against it.
func (b *Ban) Completed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed
}

func (b *Ban) needsRequest() bool {
	for _, c := range b.conditions {
		if c.NeedsRequest {
			return true
		}
	}
	return false
}

func (b *Ban) matches(obj ObjectAttrs, req RequestAttrs) bool {
	for _, c := range b.conditions {
		if !c.Test(obj, req) {
			return false
		}
	}
	return true
}

type node struct {
	ban  *Ban
	next *node // toward older bans
}

// List is the ban list: a singly-linked chain from newest (head) to
// oldest, append-only except for the completed-suffix pruning in Prune.
type List struct {
	mu      sync.Mutex
	head    *node
	nextSeq uint64

	cycle   *sync2.Cycle
	metrics *metrics.Registry // optional; nil-safe
}

// SetMetrics attaches a counters registry; sweeps and list length are
// reported to it from then on. Nil is a valid argument (detaches
// reporting).
func (l *List) SetMetrics(m *metrics.Registry) { l.metrics = m }

// NewList returns an empty ban list. lurkerInterval drives the
// background sweep started by Run; a zero interval means the lurker
// only runs when Trigger is called explicitly.
func NewList(lurkerInterval time.Duration) *List {
	return &List{cycle: sync2.NewCycle(lurkerInterval)}
}

// Add appends a new ban built from conditions and returns it. The list
// grows only from the front; Seq is assigned under the list lock so
// concurrent Add calls never race on ordering.
func (l *List) Add(conditions []Condition) *Ban {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSeq++
	b := &Ban{seq: l.nextSeq, conditions: conditions, createdAt: time.Now()}
	l.head = &node{ban: b, next: l.head}
	return b
}

// HeadSeq returns the newest ban's Seq, or 0 if the list is empty.
func (l *List) HeadSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headSeqLocked()
}

func (l *List) headSeqLocked() uint64 {
	if l.head == nil {
		return 0
	}
	return l.head.ban.seq
}

// CheckAtLookup walks every ban newer than oc's ban pointer, newest
// first, testing each against obj and req. A match purges oc. A clean
// walk through to the head advances oc's pointer so it never
// re-evaluates these bans (spec.md §4.4 "Lookup check").
func (l *List) CheckAtLookup(oc *objcore.OC, obj ObjectAttrs, req RequestAttrs) (purge bool) {
	l.mu.Lock()
	unchecked := l.collectNewerLocked(oc.BanSeq())
	head := l.headSeqLocked()
	l.mu.Unlock()

	for _, b := range unchecked {
		if b.matches(obj, req) {
			return true
		}
	}
	oc.SetBanSeq(head)
	return false
}

func (l *List) collectNewerLocked(sinceSeq uint64) []*Ban {
	var out []*Ban
	for n := l.head; n != nil && n.ban.seq > sinceSeq; n = n.next {
		out = append(out, n.ban)
	}
	return out
}

// orderedSinceLocked returns bans newer than sinceSeq, oldest first, so
// the lurker can advance an OC's pointer past a contiguous run.
func (l *List) orderedSinceLocked(sinceSeq uint64) []*Ban {
	var rev []*Ban
	for n := l.head; n != nil && n.ban.seq > sinceSeq; n = n.next {
		rev = append(rev, n.ban)
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

// LurkerCheck evaluates only the object-attribute bans newer than oc's
// pointer, stopping at the first ban that needs a request attribute:
// only a live lookup can resolve that one, so the pointer cannot
// advance past it in the background (spec.md §4.4 "Lurker").
func (l *List) LurkerCheck(oc *objcore.OC, obj ObjectAttrs) (purge bool) {
	l.mu.Lock()
	ordered := l.orderedSinceLocked(oc.BanSeq())
	l.mu.Unlock()

	advanceTo := oc.BanSeq()
	for _, b := range ordered {
		if b.needsRequest() {
			break
		}
		if b.matches(obj, nil) {
			return true
		}
		advanceTo = b.seq
	}
	if advanceTo != oc.BanSeq() {
		oc.SetBanSeq(advanceTo)
	}
	return false
}

// Sweep runs one lurker pass: lru enumerates every live OC (typically
// pkg/expiry.Engine's LRU membership), attrsOf supplies that OC's
// object attributes, and purge is called for each OC the sweep drops.
// Afterwards, any ban that every enumerated OC has advanced past is
// marked completed (spec.md §4.4 "mark completed").
func (l *List) Sweep(lru func(fn func(oc *objcore.OC)), attrsOf func(oc *objcore.OC) ObjectAttrs, purge func(oc *objcore.OC)) {
	const maxSeq = ^uint64(0)
	minSeq := maxSeq
	seen := false

	lru(func(oc *objcore.OC) {
		seen = true
		if l.LurkerCheck(oc, attrsOf(oc)) {
			if l.metrics != nil {
				l.metrics.ExpiryEvictions.WithLabelValues(string(metrics.EvictionBan)).Inc()
			}
			purge(oc)
			return
		}
		if s := oc.BanSeq(); s < minSeq {
			minSeq = s
		}
	})
	if l.metrics != nil {
		l.metrics.BanSweepTotal.Inc()
	}
	if !seen {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for n := l.head; n != nil; n = n.next {
		if n.ban.seq <= minSeq {
			n.ban.mu.Lock()
			n.ban.completed = true
			n.ban.mu.Unlock()
		}
	}
}

// Run registers the lurker's background loop with group: every tick it
// sweeps lru (and prunes any ban that sweep completed) until ctx is
// canceled.
func (l *List) Run(ctx context.Context, group runner, lru func(fn func(oc *objcore.OC)), attrsOf func(oc *objcore.OC) ObjectAttrs, purge func(oc *objcore.OC)) {
	l.cycle.Start(ctx, group, func(ctx context.Context) error {
		l.Sweep(lru, attrsOf, purge)
		l.Prune()
		return nil
	})
}

// Trigger forces an out-of-cycle lurker pass on the running loop.
func (l *List) Trigger() { l.cycle.Trigger() }

// Stop halts the lurker's background loop.
func (l *List) Stop() { l.cycle.Stop() }

// Prune drops the completed suffix of the list: once the oldest
// non-completed ban is found, everything older than it is unreachable
// and can be dropped (spec.md §4.4 "completed bans may be removed once
// all OCs reference a newer ban").
func (l *List) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lastLive *node
	for n := l.head; n != nil; n = n.next {
		if !n.ban.Completed() {
			lastLive = n
		}
	}
	switch {
	case lastLive != nil:
		lastLive.next = nil
	case l.head != nil:
		l.head = nil
	}

	if l.metrics != nil {
		var n int
		for c := l.head; c != nil; c = c.next {
			n++
		}
		l.metrics.BanListLength.Set(float64(n))
	}
}
