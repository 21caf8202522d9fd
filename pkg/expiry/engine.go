// Package expiry implements the background expiry task: a min-heap
// keyed by each OC's effective-expiry instant plus an LRU list used for
// eviction under memory pressure (spec.md §4.3).
package expiry

import (
	"container/heap"
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cacheforge/vcache/internal/sync2"
	"github.com/cacheforge/vcache/pkg/metrics"
	"github.com/cacheforge/vcache/pkg/objcore"
)

// runner is satisfied by golang.org/x/sync/errgroup.Group.
type runner interface {
	Go(func() error)
}

// Engine owns the expiry heap and the LRU list, both drained from a
// single background task driven by an internal/sync2.Cycle. Insert,
// Remove, Rejuvenate and TouchLRU are the engine's mailbox: they may be
// called concurrently from request-handling goroutines, and are always
// resolved under the engine's own locks rather than the object store's.
type Engine struct {
	log   *zap.Logger
	store *objcore.Store
	cycle *sync2.Cycle

	mu  sync.Mutex
	h   ocHeap
	seq uint64

	lruMu      sync.Mutex
	lru        *list.List
	lruIndex   map[*objcore.OC]*list.Element
	lruTimeout time.Duration

	metrics *metrics.Registry // optional; nil-safe
}

// NewEngine returns an Engine that sweeps the heap every interval and
// rate-limits LRU touches to lruTimeout (spec.md §6 lru_timeout).
func NewEngine(store *objcore.Store, interval, lruTimeout time.Duration, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:        log,
		store:      store,
		cycle:      sync2.NewCycle(interval),
		lru:        list.New(),
		lruIndex:   make(map[*objcore.OC]*list.Element),
		lruTimeout: lruTimeout,
	}
}

// Run registers the engine's background loop with group and begins
// sweeping until ctx is canceled.
func (e *Engine) Run(ctx context.Context, group runner) {
	e.cycle.Start(ctx, group, e.tick)
}

// TriggerSweep forces an out-of-cycle sweep on the running background
// loop, e.g. right after a PURGE or ban match changes what's eligible
// for expiry. It requires Run to already be active.
func (e *Engine) TriggerSweep() { e.cycle.Trigger() }

// Sweep runs one pass of the drain loop synchronously, without going
// through the background Cycle. Useful for tests and for callers that
// have not started Run.
func (e *Engine) Sweep() { _ = e.tick(context.Background()) }

// Stop halts the background loop.
func (e *Engine) Stop() { e.cycle.Stop() }

// SetMetrics attaches a counters registry; evictions are reported to it
// from then on. Nil is a valid argument (detaches reporting).
func (e *Engine) SetMetrics(m *metrics.Registry) { e.metrics = m }

// Insert adds oc to the expiry heap and the LRU list. The caller (the
// fetcher) must call this exactly once, immediately after OC.Unbusy
// publishes a non-busy object with a timer_when.
func (e *Engine) Insert(oc *objcore.OC) {
	e.mu.Lock()
	e.seq++
	heap.Push(&e.h, &entry{oc: oc, seq: e.seq})
	e.mu.Unlock()

	e.lruMu.Lock()
	e.lruIndex[oc] = e.lru.PushFront(oc)
	e.lruMu.Unlock()
}

// Remove drops oc from both structures, e.g. after PURGE or a ban match
// evicts it outright rather than waiting for its natural expiry.
func (e *Engine) Remove(oc *objcore.OC) {
	e.removeFromHeap(oc)
	e.removeFromLRU(oc)
}

func (e *Engine) removeFromHeap(oc *objcore.OC) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx := oc.TimerIdx(); idx >= 0 && idx < e.h.Len() && e.h.entries[idx].oc == oc {
		heap.Remove(&e.h, idx)
	}
}

func (e *Engine) removeFromLRU(oc *objcore.OC) {
	e.lruMu.Lock()
	defer e.lruMu.Unlock()
	if elem, ok := e.lruIndex[oc]; ok {
		e.lru.Remove(elem)
		delete(e.lruIndex, oc)
	}
}

// Rejuvenate re-heapifies oc after a conditional refresh (or a directive
// calling std.cache.ttl) changed its timer_when.
func (e *Engine) Rejuvenate(oc *objcore.OC) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx := oc.TimerIdx(); idx >= 0 && idx < e.h.Len() && e.h.entries[idx].oc == oc {
		heap.Fix(&e.h, idx)
	}
}

// TouchLRU moves oc to the front of the LRU list, rate-limited by
// lruTimeout so a hot object isn't relocked on every single hit.
func (e *Engine) TouchLRU(oc *objcore.OC, now time.Time) {
	if e.lruTimeout > 0 && now.Sub(oc.LastLRU()) < e.lruTimeout {
		return
	}
	oc.TouchLRU(now)

	e.lruMu.Lock()
	if elem, ok := e.lruIndex[oc]; ok {
		e.lru.MoveToFront(elem)
	}
	e.lruMu.Unlock()
}

// Range calls fn once for every OC currently tracked in the LRU list,
// oldest-touched last. It is the enumerator pkg/ban.List.Run's lurker
// sweep drives: "lru enumerates every live OC (typically
// pkg/expiry.Engine's LRU membership)".
func (e *Engine) Range(fn func(oc *objcore.OC)) {
	e.lruMu.Lock()
	ocs := make([]*objcore.OC, 0, e.lru.Len())
	for elem := e.lru.Front(); elem != nil; elem = elem.Next() {
		ocs = append(ocs, elem.Value.(*objcore.OC))
	}
	e.lruMu.Unlock()

	for _, oc := range ocs {
		fn(oc)
	}
}

// NukeOldest evicts the least-recently-used OC with no outstanding
// streaming references, skipping (and requeuing) candidates that are
// still in active use. It reports whether anything was freed.
func (e *Engine) NukeOldest() bool {
	e.lruMu.Lock()
	defer e.lruMu.Unlock()

	attempts := e.lru.Len()
	var skipped []*objcore.OC
	defer func() {
		for _, oc := range skipped {
			e.lruIndex[oc] = e.lru.PushFront(oc)
		}
	}()

	for i := 0; i < attempts; i++ {
		back := e.lru.Back()
		if back == nil {
			return false
		}
		oc := back.Value.(*objcore.OC)
		e.lru.Remove(back)
		delete(e.lruIndex, oc)

		if oc.RefCount() > 1 {
			skipped = append(skipped, oc)
			continue
		}

		e.lruMu.Unlock()
		e.evict(oc)
		e.lruMu.Lock()
		return true
	}
	return false
}

// tick is the Cycle's callback: pop every OC whose timer_when has
// passed, publish its expiry, and release the cache's hold on it
// (spec.md §4.3: "now = monotonic_time(); while heap.top.when <= now:
// pop, publish expiry, call stevedore free").
func (e *Engine) tick(ctx context.Context) error {
	now := time.Now()
	for {
		e.mu.Lock()
		if e.h.Len() == 0 {
			e.mu.Unlock()
			return nil
		}
		top := e.h.entries[0]
		if top.oc.TimerWhen().After(now) {
			e.mu.Unlock()
			return nil
		}
		popped := heap.Pop(&e.h).(*entry)
		e.mu.Unlock()

		e.removeFromLRU(popped.oc)
		e.store.Deref(popped.oc)
		e.log.Debug("object expired", zap.Time("timer_when", popped.oc.TimerWhen()))
		if e.metrics != nil {
			e.metrics.ExpiryEvictions.WithLabelValues(string(metrics.EvictionExpired)).Inc()
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// evict removes oc from the heap (it may already be gone, e.g. if the
// natural-expiry tick beat this call to the lock) and releases the
// cache's hold on it.
func (e *Engine) evict(oc *objcore.OC) {
	e.removeFromHeap(oc)
	e.store.Deref(oc)
	if e.metrics != nil {
		e.metrics.ExpiryEvictions.WithLabelValues(string(metrics.EvictionLRU)).Inc()
	}
}
