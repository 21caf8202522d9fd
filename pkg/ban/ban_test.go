package ban_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cacheforge/vcache/pkg/ban"
	"github.com/cacheforge/vcache/pkg/digest"
	"github.com/cacheforge/vcache/pkg/objcore"
)

type attrs map[string]string

func (a attrs) ObjectAttr(name string) (string, bool)  { v, ok := a[name]; return v, ok }
func (a attrs) RequestAttr(name string) (string, bool) { v, ok := a[name]; return v, ok }

func equalsCondition(attr, want string) ban.Condition {
	return ban.Condition{
		Test: func(obj ban.ObjectAttrs, req ban.RequestAttrs) bool {
			v, ok := obj.ObjectAttr(attr)
			return ok && v == want
		},
	}
}

func newOC() *objcore.OC {
	s := objcore.NewStore()
	res, _ := s.Lookup(digestFor(), objcore.LookupOptions{Vary: func(string) bool { return true }})
	return res.OC
}

func TestCheckAtLookup_MatchPurges(t *testing.T) {
	l := ban.NewList(time.Hour)
	l.Add([]ban.Condition{equalsCondition("url", "/old")})

	oc := newOC()
	purge := l.CheckAtLookup(oc, attrs{"url": "/old"}, nil)
	require.True(t, purge)
}

func TestCheckAtLookup_MissAdvancesPointer(t *testing.T) {
	l := ban.NewList(time.Hour)
	b := l.Add([]ban.Condition{equalsCondition("url", "/old")})

	oc := newOC()
	purge := l.CheckAtLookup(oc, attrs{"url": "/new"}, nil)
	require.False(t, purge)
	require.Equal(t, b.Seq(), oc.BanSeq())

	// A second check against the same state does no extra work and
	// still reports no match.
	purge = l.CheckAtLookup(oc, attrs{"url": "/new"}, nil)
	require.False(t, purge)
}

func TestLurkerCheck_StopsAtRequestBan(t *testing.T) {
	l := ban.NewList(time.Hour)
	l.Add([]ban.Condition{equalsCondition("url", "/object-only")})
	reqBan := l.Add([]ban.Condition{{
		NeedsRequest: true,
		Test: func(obj ban.ObjectAttrs, req ban.RequestAttrs) bool {
			v, ok := req.RequestAttr("cookie")
			return ok && v == "x"
		},
	}})
	l.Add([]ban.Condition{equalsCondition("url", "/newest")})

	oc := newOC()
	purge := l.LurkerCheck(oc, attrs{"url": "/unrelated"})
	require.False(t, purge)
	// The pointer must not advance past the request-needing ban, even
	// though it's not the newest.
	require.Less(t, oc.BanSeq(), reqBan.Seq())
}

func TestSweep_CompletesAndPrunes(t *testing.T) {
	l := ban.NewList(time.Hour)
	l.Add([]ban.Condition{equalsCondition("url", "/gone")})

	oc := newOC()
	var purged []*objcore.OC

	l.Sweep(
		func(fn func(oc *objcore.OC)) { fn(oc) },
		func(oc *objcore.OC) ban.ObjectAttrs { return attrs{"url": "/keep"} },
		func(oc *objcore.OC) { purged = append(purged, oc) },
	)
	require.Empty(t, purged)
	require.EqualValues(t, 1, l.HeadSeq())

	l.Prune()
	require.EqualValues(t, 0, l.HeadSeq(), "fully-checked ban should be pruned")
}

var seqCounter int

func digestFor() digest.Digest {
	seqCounter++
	var d digest.Digest
	d[0] = byte(seqCounter)
	return d
}
