// Package director defines the backend/director capability the fetch
// FSM dispatches through (spec.md §6 "Backend layer") and provides one
// direct-dial HTTP implementation so STARTFETCH is exercisable without
// a full backend-pool implementation (out of scope per spec.md §1).
package director

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/cacheforge/vcache/pkg/closereason"
)

// Error is the class for director/backend misuse.
var Error = errs.Class("director")

// State tracks a dispatched backend transaction through spec.md §6's
// NULL -> HDRS (after GetHdrs) -> BODY (after a body reader is
// attached) -> NULL (after Finish) lifecycle.
type State int

const (
	StateNull State = iota
	StateHdrs
	StateBody
)

func (s State) String() string {
	switch s {
	case StateHdrs:
		return "hdrs"
	case StateBody:
		return "body"
	default:
		return "null"
	}
}

// EventKind is reported to Director.Event so a director implementation
// (round-robin, fallback, etc.) can adjust its own bookkeeping.
type EventKind int

const (
	EventHealthy EventKind = iota
	EventSick
	EventReset
)

// Backend is one dispatched backend transaction.
type Backend interface {
	// GetHdrs sends the request and returns the parsed response once
	// headers arrive, transitioning NULL -> HDRS.
	GetHdrs(ctx context.Context) (*http.Response, error)
	// GetIP returns the resolved backend address, if known.
	GetIP() (net.IP, bool)
	// Finish releases the transaction's resources, transitioning back
	// to NULL. Safe to call more than once.
	Finish(ctx context.Context)
	// Pipe ties client to the backend's raw body stream verbatim,
	// transitioning to BODY, and reports why the tie-up ended.
	Pipe(ctx context.Context, client io.Writer) closereason.Reason
	// State returns the transaction's current lifecycle state.
	State() State
}

// Director resolves a backend for a request and reports its health
// (spec.md §6 "Backend layer").
type Director interface {
	// Resolve returns a Backend to dispatch to, or (nil, nil) for
	// "none": no healthy backend is available.
	Resolve(ctx context.Context) (Backend, error)
	// Healthy probes the backend, reporting whether it is currently
	// healthy and whether that differs from the last probe.
	Healthy(ctx context.Context, be Backend) (healthy, changed bool)
	// List renders the director's backend set for admin/debug output.
	List(ctx context.Context, verbose, json bool) string
	// Event notifies the director of a state change observed by a
	// caller (e.g. the fetch FSM marking a backend sick after FAIL).
	Event(be Backend, kind EventKind)
}

// Config configures a DirectDialer.
type Config struct {
	Addr           string
	ConnectTimeout time.Duration
	Client         *http.Client
}

// DirectDialer is a Director that always resolves to a single,
// statically configured backend address: the simplest useful director,
// standing in for round-robin/fallback/hash directors a full backend
// layer would also provide.
type DirectDialer struct {
	addr   string
	client *http.Client
	log    *zap.Logger

	mu          sync.Mutex
	lastHealthy bool
	everProbed  bool
}

// NewDirectDialer returns a Director that dials cfg.Addr for every
// Resolve call.
func NewDirectDialer(cfg Config, log *zap.Logger) *DirectDialer {
	if log == nil {
		log = zap.NewNop()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			},
		}
	}
	return &DirectDialer{addr: cfg.Addr, client: client, log: log, lastHealthy: true}
}

// Resolve always returns a Backend bound to the dialer's fixed address.
func (d *DirectDialer) Resolve(ctx context.Context) (Backend, error) {
	return &httpBackend{addr: d.addr, client: d.client, log: d.log}, nil
}

// Healthy issues a HEAD request against the configured address.
func (d *DirectDialer) Healthy(ctx context.Context, be Backend) (healthy, changed bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.addr, nil)
	var ok bool
	if err == nil {
		resp, err2 := d.client.Do(req)
		if err2 == nil {
			resp.Body.Close()
			ok = resp.StatusCode < 500
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	changed = ok != d.lastHealthy
	d.everProbed = true
	d.lastHealthy = ok
	return ok, changed
}

// List renders the single configured backend's address.
func (d *DirectDialer) List(ctx context.Context, verbose, json bool) string {
	if json {
		return `{"addr":"` + d.addr + `"}`
	}
	return d.addr
}

// Event logs the reported state change; DirectDialer has no pool
// bookkeeping to update.
func (d *DirectDialer) Event(be Backend, kind EventKind) {
	d.log.Debug("backend event", zap.Int("kind", int(kind)))
}

// httpBackend is the Backend handle for one DirectDialer transaction.
type httpBackend struct {
	addr   string
	client *http.Client
	log    *zap.Logger

	mu    sync.Mutex
	state State
	resp  *http.Response
}

func (b *httpBackend) GetHdrs(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.addr, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	b.mu.Lock()
	b.state = StateHdrs
	b.resp = resp
	b.mu.Unlock()
	return resp, nil
}

func (b *httpBackend) GetIP() (net.IP, bool) {
	host, _, err := net.SplitHostPort(b.addr)
	if err != nil {
		host = b.addr
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, false
	}
	return ips[0], true
}

func (b *httpBackend) Pipe(ctx context.Context, client io.Writer) closereason.Reason {
	b.mu.Lock()
	resp := b.resp
	b.state = StateBody
	b.mu.Unlock()

	if resp == nil || resp.Body == nil {
		return closereason.RxBody
	}
	if _, err := io.Copy(client, resp.Body); err != nil {
		return closereason.TxError
	}
	return closereason.TxEOF
}

func (b *httpBackend) Finish(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resp != nil {
		_ = b.resp.Body.Close()
		b.resp = nil
	}
	b.state = StateNull
}

func (b *httpBackend) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
