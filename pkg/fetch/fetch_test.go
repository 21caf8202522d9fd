package fetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cacheforge/vcache/pkg/boc"
	"github.com/cacheforge/vcache/pkg/digest"
	"github.com/cacheforge/vcache/pkg/director"
	"github.com/cacheforge/vcache/pkg/fetch"
	"github.com/cacheforge/vcache/pkg/objcore"
	"github.com/cacheforge/vcache/pkg/stevedore"
	"github.com/cacheforge/vcache/pkg/vcl"
)

func alwaysMatch(string) bool { return true }

func TestTask_FetchPublishesBodyAndAdvancesBOC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=30")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("cached response body"))
	}))
	defer srv.Close()

	store := objcore.NewStore()
	d := digest.Default("/a", "h")
	res, err := store.Lookup(d, objcore.LookupOptions{Vary: alwaysMatch})
	require.NoError(t, err)
	require.Equal(t, objcore.Miss, res.Outcome)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	var published *objcore.OC
	task := fetch.NewTask(res.OC, req, director.NewDirectDialer(director.Config{Addr: srv.URL}, nil), stevedore.New(), fetch.Policy{MaxRetries: 2}, nil)
	task.OnPublish = func(oc *objcore.OC) { published = oc }

	require.NoError(t, task.Run(context.Background()))
	require.Same(t, res.OC, published)
	require.False(t, res.OC.IsBusy())

	state, length := res.OC.BOC().State()
	require.Equal(t, boc.Finished, state)
	require.EqualValues(t, len("cached response body"), length)

	body := res.OC.Body()
	require.NotNil(t, body)
	n, ok := body.Len()
	require.True(t, ok)
	require.EqualValues(t, len("cached response body"), n)

	store.Unbusy(res.OC)
	res2, err := store.Lookup(d, objcore.LookupOptions{Vary: alwaysMatch})
	require.NoError(t, err)
	require.Equal(t, objcore.Hit, res2.Outcome)
}

func TestTask_BackendUnreachableSynthesizesError(t *testing.T) {
	store := objcore.NewStore()
	d := digest.Default("/a", "h")
	res, err := store.Lookup(d, objcore.LookupOptions{Vary: alwaysMatch})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/does-not-exist", nil)
	require.NoError(t, err)

	dialer := director.NewDirectDialer(director.Config{Addr: "http://127.0.0.1:1", ConnectTimeout: 50 * time.Millisecond}, nil)
	task := fetch.NewTask(res.OC, req, dialer, stevedore.New(), fetch.Policy{MaxRetries: 0, HfpTTL: 2 * time.Second}, nil)

	require.NoError(t, task.Run(context.Background()))
	require.False(t, res.OC.IsBusy())
	require.True(t, res.OC.Flags().Has(objcore.FlagHFP))

	status, ok := res.OC.Body().GetAttr(objcore.AttrStatus)
	require.True(t, ok)
	require.Equal(t, "503", string(status))
}

func TestTask_BackendResponseDirectiveOverridesFreshnessWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("directive-priced body"))
	}))
	defer srv.Close()

	store := objcore.NewStore()
	d := digest.Default("/a", "h")
	res, err := store.Lookup(d, objcore.LookupOptions{Vary: alwaysMatch})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	reg := vcl.NewAttrRegistry()
	reg.Define(vcl.AttrDef{Scope: vcl.ScopeBeresp, Name: "ttl", RMethods: vcl.MBackendResponse, WMethods: vcl.MBackendResponse})

	prog := vcl.NewProgram()
	_, err = prog.AddSub("vcl_backend_response", vcl.MBackendResponse, vcl.ReturnDeliver, func(ctx *vcl.Ctx) vcl.Return {
		require.NoError(t, ctx.SetAttr(vcl.ScopeBeresp, "ttl", "120"))
		return vcl.ReturnDeliver
	})
	require.NoError(t, err)

	task := fetch.NewTask(res.OC, req, director.NewDirectDialer(director.Config{Addr: srv.URL}, nil), stevedore.New(), fetch.Policy{}, nil)
	task.Program = prog
	task.AttrRegistry = reg

	require.NoError(t, task.Run(context.Background()))
	require.False(t, res.OC.IsBusy())
	require.Equal(t, objcore.Fresh, res.OC.ClassifyFreshness(time.Now()),
		"vcl_backend_response must be able to raise ttl above the header-derived default (here 0, absent Cache-Control)")
}
