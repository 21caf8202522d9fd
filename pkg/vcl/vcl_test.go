package vcl_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cacheforge/vcache/pkg/vcl"
)

func newRegistry() *vcl.AttrRegistry {
	reg := vcl.NewAttrRegistry()
	reg.Define(vcl.AttrDef{Scope: vcl.ScopeReq, Name: "url", RMethods: vcl.AnyMethod, WMethods: vcl.MRecv})
	reg.Define(vcl.AttrDef{Scope: vcl.ScopeBeresp, Name: "ttl", RMethods: vcl.MBackendResponse, WMethods: vcl.MBackendResponse})
	reg.Define(vcl.AttrDef{Scope: vcl.ScopeObj, Name: "hits", RMethods: vcl.MHit, WMethods: 0})
	return reg
}

func TestAttrAccessLegality(t *testing.T) {
	reg := newRegistry()
	p := vcl.NewProgram()
	_, err := p.AddSub("vcl_recv", vcl.MRecv, vcl.ReturnLookup|vcl.ReturnPass, func(ctx *vcl.Ctx) vcl.Return {
		require.NoError(t, ctx.SetAttr(vcl.ScopeReq, "url", "/a"))
		v, err := ctx.GetAttr(vcl.ScopeReq, "url")
		require.NoError(t, err)
		require.Equal(t, "/a", v)
		return vcl.ReturnLookup
	})
	require.NoError(t, err)

	ctx := p.NewTask(vcl.MRecv, reg, vcl.NewPrivTree())
	ret, err := ctx.Call("vcl_recv")
	require.NoError(t, err)
	require.Equal(t, vcl.ReturnLookup, ret)
	require.Equal(t, vcl.ReturnLookup, ctx.Disposition())
}

func TestWriteOutsideLegalMethodFails(t *testing.T) {
	reg := newRegistry()
	p := vcl.NewProgram()
	_, err := p.AddSub("vcl_hit", vcl.MHit, vcl.ReturnDeliver, func(ctx *vcl.Ctx) vcl.Return {
		// beresp.ttl is only writable from MBackendResponse, not MHit.
		err := ctx.SetAttr(vcl.ScopeBeresp, "ttl", "30")
		require.Error(t, err)
		return vcl.ReturnDeliver
	})
	require.NoError(t, err)

	ctx := p.NewTask(vcl.MHit, reg, vcl.NewPrivTree())
	_, err = ctx.Call("vcl_hit")
	require.NoError(t, err)
}

func TestReturnOutsideLegalSetFails(t *testing.T) {
	reg := newRegistry()
	p := vcl.NewProgram()
	_, err := p.AddSub("vcl_recv", vcl.MRecv, vcl.ReturnLookup, func(ctx *vcl.Ctx) vcl.Return {
		return vcl.ReturnPipe // not in this sub's Returns set
	})
	require.NoError(t, err)

	ctx := p.NewTask(vcl.MRecv, reg, vcl.NewPrivTree())
	_, err = ctx.Call("vcl_recv")
	require.Error(t, err)
}

func TestCallFromIllegalMethodFails(t *testing.T) {
	reg := newRegistry()
	p := vcl.NewProgram()
	_, err := p.AddSub("vcl_recv", vcl.MRecv, vcl.ReturnLookup, func(ctx *vcl.Ctx) vcl.Return {
		return vcl.ReturnLookup
	})
	require.NoError(t, err)

	ctx := p.NewTask(vcl.MHit, reg, vcl.NewPrivTree())
	_, err = ctx.Call("vcl_recv")
	require.Error(t, err)
}

func TestRecursiveCallIsDetected(t *testing.T) {
	reg := newRegistry()
	p := vcl.NewProgram()
	var self *vcl.Sub
	self, err := p.AddSub("vcl_recv", vcl.MRecv, vcl.ReturnLookup|vcl.ReturnFail, func(ctx *vcl.Ctx) vcl.Return {
		_, err := ctx.Call(self.Name)
		require.Error(t, err, "calling a sub already on the stack must be rejected")
		return vcl.ReturnFail
	})
	require.NoError(t, err)

	ctx := p.NewTask(vcl.MRecv, reg, vcl.NewPrivTree())
	ret, err := ctx.Call("vcl_recv")
	require.NoError(t, err)
	require.Equal(t, vcl.ReturnFail, ret)
}

func TestSequentialReCallAfterReturnIsAllowed(t *testing.T) {
	reg := newRegistry()
	p := vcl.NewProgram()
	var calls int
	_, err := p.AddSub("vcl_recv", vcl.MRecv, vcl.ReturnLookup, func(ctx *vcl.Ctx) vcl.Return {
		calls++
		return vcl.ReturnLookup
	})
	require.NoError(t, err)

	ctx := p.NewTask(vcl.MRecv, reg, vcl.NewPrivTree())
	_, err = ctx.Call("vcl_recv")
	require.NoError(t, err)
	_, err = ctx.Call("vcl_recv")
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestProgramRejectsSubLimitAndDuplicateNames(t *testing.T) {
	p := vcl.NewProgram()
	_, err := p.AddSub("dup", vcl.MRecv, vcl.ReturnLookup, func(*vcl.Ctx) vcl.Return { return vcl.ReturnLookup })
	require.NoError(t, err)
	_, err = p.AddSub("dup", vcl.MRecv, vcl.ReturnLookup, func(*vcl.Ctx) vcl.Return { return vcl.ReturnLookup })
	require.Error(t, err)

	for i := 0; i < 63; i++ {
		_, err := p.AddSub("filler"+string(rune('a'+i%26))+string(rune('0'+i/26)), vcl.MRecv, vcl.ReturnLookup, func(*vcl.Ctx) vcl.Return { return vcl.ReturnLookup })
		require.NoError(t, err)
	}
	_, err = p.AddSub("overflow", vcl.MRecv, vcl.ReturnLookup, func(*vcl.Ctx) vcl.Return { return vcl.ReturnLookup })
	require.Error(t, err)
}

func TestPrivTreeTeardownOrderIsReversed(t *testing.T) {
	tree := vcl.NewPrivTree()
	var order []string
	tree.Set("a", 1, func(interface{}) { order = append(order, "a") })
	tree.Set("b", 2, func(interface{}) { order = append(order, "b") })
	tree.Set("c", 3, func(interface{}) { order = append(order, "c") })

	tree.Teardown()
	require.Equal(t, []string{"c", "b", "a"}, order)

	_, ok := tree.Get("a")
	require.False(t, ok, "teardown clears the tree")
}

func TestTopPrivTreeSharesSessionMutex(t *testing.T) {
	var sessionMu sync.Mutex
	top1 := vcl.NewTopPrivTree(&sessionMu)
	top2 := vcl.NewTopPrivTree(&sessionMu)

	top1.Set("counter", 1, nil)
	v, ok := top1.Get("counter")
	require.True(t, ok)
	require.Equal(t, 1, v)

	// top2 shares the session mutex but not top1's entries map (each
	// ESI-nested request still gets its own tree; only the lock, which
	// guards the vmod's own shared state, is the same object).
	_, ok = top2.Get("counter")
	require.False(t, ok)
}
