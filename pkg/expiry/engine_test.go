package expiry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cacheforge/vcache/pkg/digest"
	"github.com/cacheforge/vcache/pkg/expiry"
	"github.com/cacheforge/vcache/pkg/metrics"
	"github.com/cacheforge/vcache/pkg/objcore"
)

func alwaysMatch(string) bool { return true }

type fakeBody struct{ released bool }

func (f *fakeBody) HasAttr(objcore.AttrKind) bool           { return false }
func (f *fakeBody) GetAttr(objcore.AttrKind) ([]byte, bool) { return nil, false }
func (f *fakeBody) Iterate(fn func([]byte) bool) error      { return nil }
func (f *fakeBody) Len() (int64, bool)                      { return 0, false }
func (f *fakeBody) Release()                                { f.released = true }

func missThenUnbusy(t *testing.T, s *objcore.Store, path string, body objcore.Body, ttl, grace, keep time.Duration) *objcore.OC {
	t.Helper()
	d := digest.Default(path, "h")
	res, err := s.Lookup(d, objcore.LookupOptions{Vary: alwaysMatch})
	require.NoError(t, err)
	require.Equal(t, objcore.Miss, res.Outcome)
	res.OC.Unbusy(body, time.Now(), ttl, grace, keep)
	s.Unbusy(res.OC)
	// Drop the fetcher's reference as a finished request would; only the
	// ObjectHead's membership reference remains.
	s.Deref(res.OC)
	return res.OC
}

func TestEngine_TickFreesExpiredObject(t *testing.T) {
	s := objcore.NewStore()
	e := expiry.NewEngine(s, time.Hour, 0, nil)
	m := metrics.New()
	e.SetMetrics(m)

	body := &fakeBody{}
	oc := missThenUnbusy(t, s, "/a", body, time.Millisecond, 0, 0)
	e.Insert(oc)

	time.Sleep(5 * time.Millisecond)
	e.Sweep()

	require.True(t, body.released, "expiry sweep must release a stale object's body")
	require.EqualValues(t, 0, oc.RefCount())

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var sawExpired bool
	for _, f := range families {
		if f.GetName() != "vcache_expiry_evictions_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "reason" && l.GetValue() == "expired" {
					sawExpired = true
				}
			}
		}
	}
	require.True(t, sawExpired, "expiry eviction must be counted under reason=expired")
}

func TestEngine_TickLeavesFreshObjectAlone(t *testing.T) {
	s := objcore.NewStore()
	e := expiry.NewEngine(s, time.Hour, 0, nil)

	body := &fakeBody{}
	oc := missThenUnbusy(t, s, "/a", body, time.Hour, 0, 0)
	e.Insert(oc)

	e.Sweep()

	require.False(t, body.released)
	res, err := s.Lookup(oc.Digest(), objcore.LookupOptions{Vary: alwaysMatch})
	require.NoError(t, err)
	require.Equal(t, objcore.Hit, res.Outcome)
}

func TestEngine_RemoveDropsFromHeap(t *testing.T) {
	s := objcore.NewStore()
	e := expiry.NewEngine(s, time.Hour, 0, nil)

	oc := missThenUnbusy(t, s, "/a", nil, time.Hour, 0, 0)
	e.Insert(oc)
	e.Remove(oc)

	// A subsequent sweep must not panic or double-free a removed entry.
	e.Sweep()
}

func TestEngine_NukeOldestSkipsReferencedObjects(t *testing.T) {
	s := objcore.NewStore()
	e := expiry.NewEngine(s, time.Hour, 0, nil)

	busy := missThenUnbusy(t, s, "/busy", nil, time.Hour, 0, 0)
	e.Insert(busy)
	busy.Ref() // simulate an in-flight deliverer

	idle := missThenUnbusy(t, s, "/idle", nil, time.Hour, 0, 0)
	e.Insert(idle)

	e.TouchLRU(busy, time.Now())
	e.TouchLRU(idle, time.Now().Add(time.Millisecond))

	freed := e.NukeOldest()
	require.True(t, freed)

	res, err := s.Lookup(busy.Digest(), objcore.LookupOptions{Vary: alwaysMatch})
	require.NoError(t, err)
	require.Equal(t, objcore.Hit, res.Outcome, "referenced object must not be nuked")
}

func TestEngine_NukeOldestReturnsFalseWhenEmpty(t *testing.T) {
	s := objcore.NewStore()
	e := expiry.NewEngine(s, time.Hour, 0, nil)
	require.False(t, e.NukeOldest())
}
