package expiry

import (
	"container/heap"

	"github.com/cacheforge/vcache/pkg/objcore"
)

// ocHeap is a container/heap.Interface over OCs keyed by TimerWhen, with
// ties broken by insertion sequence (spec.md §3 "Expiry entry").
type ocHeap struct {
	entries []*entry
}

type entry struct {
	oc  *objcore.OC
	seq uint64
}

func (h *ocHeap) Len() int { return len(h.entries) }

func (h *ocHeap) Less(i, j int) bool {
	wi, wj := h.entries[i].oc.TimerWhen(), h.entries[j].oc.TimerWhen()
	if wi.Equal(wj) {
		return h.entries[i].seq < h.entries[j].seq
	}
	return wi.Before(wj)
}

func (h *ocHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].oc.SetTimerIdx(i)
	h.entries[j].oc.SetTimerIdx(j)
}

func (h *ocHeap) Push(x interface{}) {
	e := x.(*entry)
	e.oc.SetTimerIdx(len(h.entries))
	h.entries = append(h.entries, e)
}

func (h *ocHeap) Pop() interface{} {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries[n-1] = nil
	h.entries = h.entries[:n-1]
	e.oc.SetTimerIdx(-1)
	return e
}

var _ heap.Interface = (*ocHeap)(nil)
