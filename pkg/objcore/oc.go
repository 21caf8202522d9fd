package objcore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cacheforge/vcache/pkg/boc"
	"github.com/cacheforge/vcache/pkg/digest"
)

// OC is the object core: the addressable key of a cached resource
// (spec.md §3).
type OC struct {
	mu sync.Mutex

	digest digest.Digest
	vary   string // canonical serialized vary description
	oh     *ObjectHead

	refcnt int32 // atomic

	body Body
	boc  *boc.BOC // non-nil only while this OC is (or was) busy

	tOrigin time.Time
	ttl     time.Duration
	grace   time.Duration
	keep    time.Duration

	flags Flags

	timerWhen time.Time
	timerIdx  int // managed by pkg/expiry's heap

	lastLRU  time.Time
	hitCount uint64

	// banSeq is the sequence number of the newest ban that might apply
	// to this OC as of its insertion or last lurker sweep (spec.md
	// §4.4). 0 means "no bans exist yet".
	banSeq uint64
}

// newOC constructs a busy OC for a fresh miss, with the single starting
// reference representing the ObjectHead's own membership of it; callers
// (the fetcher, any coalesced waiter) must Ref() their own share on top
// of this one.
func newOC(d digest.Digest, vary string, oh *ObjectHead, banSeq uint64) *OC {
	return &OC{
		digest:  d,
		vary:    vary,
		oh:      oh,
		refcnt:  1,
		flags:   FlagBusy,
		boc:     boc.New(),
		banSeq:  banSeq,
		lastLRU: time.Now(),
	}
}

// Digest returns the OC's hash key.
func (oc *OC) Digest() digest.Digest { return oc.digest }

// Vary returns the OC's canonical vary description.
func (oc *OC) Vary() string {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.vary
}

// SetVary records the canonical vary description once it becomes known
// from the backend response (before Unbusy publishes the rest).
func (oc *OC) SetVary(vary string) {
	oc.mu.Lock()
	oc.vary = vary
	oc.mu.Unlock()
}

// ObjectHead returns the bucket this OC belongs to.
func (oc *OC) ObjectHead() *ObjectHead { return oc.oh }

// BOC returns the OC's busy-object-context, non-nil while the OC is (or
// was) busy.
func (oc *OC) BOC() *boc.BOC { return oc.boc }

// Ref increments the reference count. The fetcher holds one reference
// for the duration of the fetch; each streaming deliverer holds one.
func (oc *OC) Ref() {
	atomic.AddInt32(&oc.refcnt, 1)
}

// Deref decrements the reference count, returning the new value. The
// caller (normally the owning ObjectHead) is responsible for freeing the
// OC's body once this reaches zero.
func (oc *OC) Deref() int32 {
	return atomic.AddInt32(&oc.refcnt, -1)
}

// RefCount returns the current reference count.
func (oc *OC) RefCount() int32 {
	return atomic.LoadInt32(&oc.refcnt)
}

// Flags returns a snapshot of the OC's flags.
func (oc *OC) Flags() Flags {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.flags
}

// SetFlags ORs in the given flags.
func (oc *OC) SetFlags(f Flags) {
	oc.mu.Lock()
	oc.flags |= f
	oc.mu.Unlock()
}

// ClearFlags ANDs out the given flags.
func (oc *OC) ClearFlags(f Flags) {
	oc.mu.Lock()
	oc.flags &^= f
	oc.mu.Unlock()
}

// IsBusy reports whether the OC still carries the BUSY flag.
func (oc *OC) IsBusy() bool {
	return oc.Flags().Has(FlagBusy)
}

// Unbusy clears BUSY and publishes the object's freshness parameters and
// body, marking the fetch's result visible to lookup. It must be called
// exactly once by the fetcher.
func (oc *OC) Unbusy(body Body, tOrigin time.Time, ttl, grace, keep time.Duration) {
	oc.mu.Lock()
	oc.body = body
	oc.tOrigin = tOrigin
	oc.ttl = ttl
	oc.grace = grace
	oc.keep = keep
	oc.flags &^= FlagBusy
	oc.timerWhen = effectiveExpiry(tOrigin, ttl, grace, keep)
	oc.mu.Unlock()
}

func effectiveExpiry(tOrigin time.Time, ttl, grace, keep time.Duration) time.Time {
	a := tOrigin.Add(ttl).Add(grace)
	b := tOrigin.Add(ttl).Add(keep)
	if b.After(a) {
		return b
	}
	return a
}

// Body returns the OC's stored body, if published.
func (oc *OC) Body() Body {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.body
}

// TimerWhen returns the OC's effective-expiry instant, used as the
// expiry heap key.
func (oc *OC) TimerWhen() time.Time {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.timerWhen
}

// TimerIdx / SetTimerIdx let pkg/expiry's heap.Interface track this OC's
// position without the heap needing to know OC internals.
func (oc *OC) TimerIdx() int { return oc.timerIdx }

// SetTimerIdx is called only by the expiry heap.
func (oc *OC) SetTimerIdx(i int) { oc.timerIdx = i }

// Rejuvenate updates ttl/grace/keep (e.g. after a conditional refresh)
// and recomputes timerWhen. The caller must separately notify the
// expiry engine to re-heapify.
func (oc *OC) Rejuvenate(ttl, grace, keep time.Duration) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.ttl, oc.grace, oc.keep = ttl, grace, keep
	oc.timerWhen = effectiveExpiry(oc.tOrigin, ttl, grace, keep)
}

// Freshness classifies the OC's staleness relative to now.
type Freshness int

const (
	Stale Freshness = iota
	Fresh
	Graceable
	Keepable
)

// ClassifyFreshness implements spec.md §4.2 step 2's freshness test.
func (oc *OC) ClassifyFreshness(now time.Time) Freshness {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if !now.After(oc.tOrigin.Add(oc.ttl)) {
		return Fresh
	}
	if !now.After(oc.tOrigin.Add(oc.ttl).Add(oc.grace)) {
		return Graceable
	}
	if !now.After(oc.tOrigin.Add(oc.ttl).Add(oc.keep)) {
		return Keepable
	}
	return Stale
}

// HitCount increments and returns the OC's hit counter.
func (oc *OC) HitCount() uint64 {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.hitCount++
	return oc.hitCount
}

// TouchLRU updates the last-LRU timestamp; callers (typically the
// expiry engine's LRU) rate-limit this via lru_timeout.
func (oc *OC) TouchLRU(now time.Time) {
	oc.mu.Lock()
	oc.lastLRU = now
	oc.mu.Unlock()
}

// LastLRU returns the last-LRU timestamp.
func (oc *OC) LastLRU() time.Time {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.lastLRU
}

// BanSeq / SetBanSeq let pkg/ban track and advance "the newest ban that
// might apply" without objcore depending on the ban package.
func (oc *OC) BanSeq() uint64 {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.banSeq
}

// SetBanSeq is called by the ban engine after a lookup-time or
// lurker-driven walk reaches the current head without a match.
func (oc *OC) SetBanSeq(seq uint64) {
	oc.mu.Lock()
	oc.banSeq = seq
	oc.mu.Unlock()
}
