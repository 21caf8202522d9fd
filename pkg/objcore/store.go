// Package objcore implements the content-addressed object store: the
// hash container of object heads and object cores, with request
// coalescing on cache misses (spec.md §3, §4.2).
package objcore

import (
	"time"

	"github.com/zeebo/errs"

	"github.com/cacheforge/vcache/internal/sync2"
	"github.com/cacheforge/vcache/pkg/digest"
	"github.com/cacheforge/vcache/pkg/metrics"
)

// Error is the class for object-store misuse.
var Error = errs.Class("objcore")

// Outcome is the result of a Lookup.
type Outcome int

const (
	Hit Outcome = iota
	Miss
	Wait
)

// VaryMatcher reports whether a stored vary description still matches
// the current request's vary-relevant attributes.
type VaryMatcher func(storedVary string) bool

// BanCheck evaluates whether an OC should be dropped by the ban engine
// at lookup time (spec.md §4.4). The object store calls it once per
// candidate OC during Lookup; it does not otherwise know about bans.
type BanCheck func(oc *OC) (purged bool)

// LookupOptions configures one Lookup call.
type LookupOptions struct {
	Vary     VaryMatcher
	BanCheck BanCheck
	// HashIgnoreBusy makes the request skip coalescing: a busy OC with
	// matching vary is treated as if it weren't there, and the request
	// proceeds to MISS with its own busy OC.
	HashIgnoreBusy bool
	// GracePermitted allows returning a graceable (stale-but-usable) OC.
	GracePermitted bool
	Now            time.Time
}

// Result is returned by Lookup.
type Result struct {
	Outcome Outcome
	OC      *OC
	// Wait is non-nil only when Outcome == Wait: the caller must select
	// on it (it closes exactly once) and then re-enter Lookup.
	Wait <-chan struct{}
	// Graceable is true when Outcome == Hit but the returned OC is only
	// within its grace window, not fresh: the caller should also
	// schedule a background refresh.
	Graceable bool
}

// Store is the hash container: ObjectHead buckets keyed by digest, with
// per-bucket locking striped via internal/sync2.KeyLock so unrelated
// digests never contend.
type Store struct {
	locks   *sync2.KeyLock
	buckets *bucketMap
	metrics *metrics.Registry
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		locks:   sync2.NewKeyLock(),
		buckets: newBucketMap(),
	}
}

// SetMetrics attaches a metrics.Registry whose ObjectsStored gauge
// tracks this Store's resident OC count. Nil is fine and disables
// reporting; it is not safe to call concurrently with Lookup/Deref.
func (s *Store) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// Lookup implements spec.md §4.2's lookup algorithm.
func (s *Store) Lookup(d digest.Digest, opts LookupOptions) (Result, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	unlock := s.locks.Lock(d)
	defer unlock()

	oh := s.buckets.getOrCreate(d, newObjectHead)
	oh.mu.Lock()
	defer oh.mu.Unlock()

	// Step 1: drop every non-busy stale OC from the list, wherever it
	// sits; no ban check is made here (the expiry engine normally does
	// this asynchronously; a synchronous drain here keeps Lookup correct
	// even if the background sweep hasn't run yet).
	kept := oh.ocs[:0]
	for _, oc := range oh.ocs {
		if !oc.IsBusy() && oc.ClassifyFreshness(opts.Now) == Stale {
			continue
		}
		kept = append(kept, oc)
	}
	oh.ocs = kept

	// Step 2: scan non-busy, vary-matching OCs for a usable hit. An OC
	// fetched for a pass (FlagPass) is never served to a later lookup.
	var bestGraceable *OC
	for _, oc := range oh.ocs {
		if oc.IsBusy() || oc.Flags().Has(FlagPass) {
			continue
		}
		if opts.Vary != nil && !opts.Vary(oc.Vary()) {
			continue
		}
		if opts.BanCheck != nil && opts.BanCheck(oc) {
			oc.SetFlags(FlagPurged)
			continue
		}
		switch oc.ClassifyFreshness(opts.Now) {
		case Fresh:
			oc.Ref()
			return Result{Outcome: Hit, OC: oc}, nil
		case Graceable:
			if opts.GracePermitted && bestGraceable == nil {
				bestGraceable = oc
			}
		}
	}
	if bestGraceable != nil {
		bestGraceable.Ref()
		return Result{Outcome: Hit, OC: bestGraceable, Graceable: true}, nil
	}

	// Step 3: a matching busy OC means coalesce onto it, unless the
	// caller opted out.
	if !opts.HashIgnoreBusy {
		for _, oc := range oh.ocs {
			if !oc.IsBusy() {
				continue
			}
			if opts.Vary != nil && !opts.Vary(oc.Vary()) {
				continue
			}
			ch := oh.park()
			return Result{Outcome: Wait, OC: oc, Wait: ch}, nil
		}
	}

	// Step 4: no usable OC, no matching busy OC (or busy ignored):
	// insert a new busy OC; the caller becomes the fetcher. newOC's
	// starting refcnt of 1 is the OH's own membership reference; the
	// fetcher takes a second one here, symmetric with the Hit/Graceable
	// branches' oc.Ref() above, so the request that populates the cache
	// doesn't evict it again the moment it finishes delivering.
	fresh := newOC(d, "", oh, 0)
	fresh.boc.SetMetrics(s.metrics)
	fresh.Ref()
	oh.ocs = append(oh.ocs, fresh)
	if s.metrics != nil {
		s.metrics.ObjectsStored.Inc()
	}
	return Result{Outcome: Miss, OC: fresh}, nil
}

// Unbusy marks oc's fetch complete and wakes every request parked on
// oc's bucket. Each woken request must re-enter Lookup exactly once.
func (s *Store) Unbusy(oc *OC) {
	unlock := s.locks.Lock(oc.digest)
	defer unlock()

	oh := s.buckets.get(oc.digest)
	if oh == nil {
		return
	}
	oh.mu.Lock()
	oh.wakeAll()
	oh.mu.Unlock()
}

// Deref drops the caller's reference to oc, removing it from its bucket
// and releasing its stevedore body once the refcount reaches zero
// (spec.md §8: "OC freed iff refcnt transitions to 0").
func (s *Store) Deref(oc *OC) {
	if oc.Deref() > 0 {
		return
	}

	unlock := s.locks.Lock(oc.digest)
	defer unlock()

	oh := s.buckets.get(oc.digest)
	if oh != nil {
		oh.mu.Lock()
		removed := oh.removeOC(oc)
		oh.mu.Unlock()
		s.buckets.deleteIfEmpty(oc.digest, oh)
		// A Purge may already have dropped oc from oh.ocs (and already
		// debited ObjectsStored for it) before this Deref runs; only
		// debit here when removeOC actually found it, or a
		// purge-then-deref sequence double-counts the decrement.
		if removed && s.metrics != nil {
			s.metrics.ObjectsStored.Dec()
		}
	}

	if b := oc.Body(); b != nil {
		b.Release()
	}
}

// Purge evicts every OC for digest d regardless of freshness (spec.md
// §4.6 PURGE step); a subsequent lookup for d is a MISS until refetched.
func (s *Store) Purge(d digest.Digest) {
	unlock := s.locks.Lock(d)
	defer unlock()

	oh := s.buckets.get(d)
	if oh == nil {
		return
	}
	oh.mu.Lock()
	purged := len(oh.ocs)
	for _, oc := range oh.ocs {
		oc.SetFlags(FlagPurged)
	}
	oh.ocs = nil
	oh.mu.Unlock()

	if s.metrics != nil && purged > 0 {
		s.metrics.ObjectsStored.Sub(float64(purged))
	}
}
