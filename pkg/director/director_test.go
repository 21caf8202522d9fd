package director_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cacheforge/vcache/pkg/closereason"
	"github.com/cacheforge/vcache/pkg/director"
)

func TestDirectDialer_GetHdrsAndPipe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from backend"))
	}))
	defer srv.Close()

	d := director.NewDirectDialer(director.Config{Addr: srv.URL}, nil)
	ctx := context.Background()

	be, err := d.Resolve(ctx)
	require.NoError(t, err)
	require.Equal(t, director.StateNull, be.State())

	resp, err := be.GetHdrs(ctx)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, director.StateHdrs, be.State())

	var buf bytes.Buffer
	reason := be.Pipe(ctx, &buf)
	require.Equal(t, closereason.TxEOF, reason)
	require.Equal(t, "hello from backend", buf.String())
	require.Equal(t, director.StateBody, be.State())

	be.Finish(ctx)
	require.Equal(t, director.StateNull, be.State())
}

func TestDirectDialer_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := director.NewDirectDialer(director.Config{Addr: srv.URL}, nil)
	be, err := d.Resolve(context.Background())
	require.NoError(t, err)

	healthy, changed := d.Healthy(context.Background(), be)
	require.True(t, healthy)
	require.False(t, changed, "first probe matching the optimistic default is not a change")

	healthy, changed = d.Healthy(context.Background(), be)
	require.True(t, healthy)
	require.False(t, changed)
}

func TestDirectDialer_List(t *testing.T) {
	d := director.NewDirectDialer(director.Config{Addr: "http://backend.example"}, nil)
	require.Contains(t, d.List(context.Background(), false, false), "backend.example")
	require.Contains(t, d.List(context.Background(), false, true), `"addr"`)
}

func TestPipe_BodyReadErrorReportsTxError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("short")) // less than declared length, body read errors
	}))
	defer srv.Close()

	d := director.NewDirectDialer(director.Config{Addr: srv.URL}, nil)
	be, err := d.Resolve(context.Background())
	require.NoError(t, err)

	_, err = be.GetHdrs(context.Background())
	require.NoError(t, err)

	reason := be.Pipe(context.Background(), io.Discard)
	require.Equal(t, closereason.TxError, reason)
}
