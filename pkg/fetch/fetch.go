// Package fetch implements the fetch FSM: MKBEREQ through DONE, driving
// one backend transaction via a director and streaming its response
// into storage through the filter chain while publishing progress on
// the object's BOC (spec.md §4.5).
package fetch

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/cacheforge/vcache/pkg/closereason"
	"github.com/cacheforge/vcache/pkg/director"
	"github.com/cacheforge/vcache/pkg/metrics"
	"github.com/cacheforge/vcache/pkg/objcore"
	"github.com/cacheforge/vcache/pkg/stevedore"
	"github.com/cacheforge/vcache/pkg/vcl"
)

// Error is the class for fetch-FSM failures.
var Error = errs.Class("fetch")

// State is one node of the fetch FSM (spec.md §4.5's table).
type State int

const (
	StateMkbereq State = iota
	StateStartFetch
	StateRetry
	StateCondFetch
	StateFetch
	StateError
	StateFail
	StateDone
)

func (s State) String() string {
	switch s {
	case StateMkbereq:
		return "mkbereq"
	case StateStartFetch:
		return "startfetch"
	case StateRetry:
		return "retry"
	case StateCondFetch:
		return "condfetch"
	case StateFetch:
		return "fetch"
	case StateError:
		return "error"
	case StateFail:
		return "fail"
	default:
		return "done"
	}
}

// Policy configures retry/gzip/stream behavior for one Task.
type Policy struct {
	MaxRetries int
	DoGunzip   bool
	DoStream   bool
	HfpTTL     time.Duration // hit-for-pass/hit-for-miss decision TTL (SPEC_FULL §12)

	// DefaultGrace and DefaultKeep seed the grace/keep window freshnessOf
	// reports when the backend response carries no vcl_backend_response
	// override (spec.md §3's grace/keep semantics), so pkg/objcore's
	// Graceable/Keepable classification and pkg/request's background
	// refresh have a real window to work with even with no directives
	// loaded.
	DefaultGrace time.Duration
	DefaultKeep  time.Duration
}

// Task drives one backend transaction for a single busy OC.
type Task struct {
	log       *zap.Logger
	director  director.Director
	stevedore stevedore.Stevedore
	policy    Policy

	oc  *objcore.OC
	req *http.Request

	// StaleOC, if non-nil, is the existing stale object this fetch may
	// conditionally refresh instead of replacing (spec.md §3 "Busy-
	// object... directed-back reference to the stale object").
	StaleOC *objcore.OC

	// OnPublish, if set, is called after the OC is unbusied with a
	// fresh body, letting the caller register it with the expiry
	// engine without fetch depending on pkg/expiry.
	OnPublish func(oc *objcore.OC)

	// OnUnbusy, if set, is called every time this Task unbusies its OC
	// (success, conditional refresh, synthesized error, or outright
	// failure) — symmetric with OnPublish, so the caller can wake any
	// request parked on the OC's ObjectHead (objcore.Store.Unbusy)
	// without fetch depending on pkg/objcore.Store directly.
	OnUnbusy func(oc *objcore.OC)

	// Metrics, if set, receives per-run fetch counters. Nil is fine.
	Metrics *metrics.Registry

	// Program and AttrRegistry, if both set, let vcl_backend_fetch,
	// vcl_backend_response and vcl_backend_error run against this fetch
	// (spec.md §4.5, §4.7). Either left nil falls back to this package's
	// own defaults, mirroring pkg/request's optional Program wiring.
	Program      *vcl.Program
	AttrRegistry *vcl.AttrRegistry

	state      State
	retries    int
	bytesSent  uint64
	backend    director.Backend
	resp       *http.Response
	causeErr   error // most recent backend/stream error, feeds retryOrFail and fail
	lastErr    error // set only on a terminal StateFail; Run's return value
	closeCause closereason.Reason
}

// NewTask returns a Task ready to Run. oc must be the busy OC returned
// by objcore.Store.Lookup's MISS outcome.
func NewTask(oc *objcore.OC, req *http.Request, d director.Director, sd stevedore.Stevedore, policy Policy, log *zap.Logger) *Task {
	if log == nil {
		log = zap.NewNop()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Task{oc: oc, req: req, director: d, stevedore: sd, policy: policy, log: log, state: StateMkbereq}
}

// Run drives the FSM to completion (DONE), returning the terminal
// error if the fetch failed. It is safe to call only once.
func (t *Task) Run(ctx context.Context) error {
	synthesized := false
	for t.state != StateDone {
		var next State
		switch t.state {
		case StateMkbereq:
			next = t.mkbereq()
		case StateStartFetch:
			next = t.startFetch(ctx)
		case StateRetry:
			next = t.retry()
		case StateCondFetch:
			next = t.condFetch(ctx)
		case StateFetch:
			next = t.fetchBody(ctx)
		case StateError:
			synthesized = true
			next = t.synthError(ctx)
		case StateFail:
			next = t.fail(ctx)
		default:
			next = StateDone
		}
		t.log.Debug("fetch transition", zap.Stringer("from", t.state), zap.Stringer("to", next))
		t.state = next
	}
	if t.Metrics != nil {
		outcome := "done"
		switch {
		case t.lastErr != nil:
			outcome = "fail"
		case synthesized:
			outcome = "error"
		}
		t.Metrics.FetchTotal.WithLabelValues(outcome).Inc()
		t.Metrics.FetchBytesTotal.Add(float64(t.bytesSent))
	}
	return t.lastErr
}

// mkbereq builds the backend request from the client request. The
// filters a real implementation would run here (Host rewriting,
// connection header stripping) are the directive runtime's job
// (pkg/vcl); this stage only validates that a request exists.
func (t *Task) mkbereq() State {
	if t.req == nil {
		t.causeErr = Error.New("no backend request")
		return StateFail
	}
	return StateStartFetch
}

func (t *Task) startFetch(ctx context.Context) State {
	switch t.dispatch(vcl.MBackendFetch, "vcl_backend_fetch", vcl.ReturnFetch, func(c *vcl.Ctx) {
		if t.req != nil {
			c.Seed(vcl.ScopeBereq, "url", t.req.URL.String())
		}
	}) {
	case vcl.ReturnAbandon, vcl.ReturnFail, vcl.ReturnError:
		t.causeErr = Error.New("vcl_backend_fetch abandoned the fetch")
		return StateError
	}

	be, err := t.director.Resolve(ctx)
	if err != nil || be == nil {
		t.causeErr = Error.Wrap(errs.Combine(err, Error.New("no backend available")))
		return t.retryOrFail()
	}
	t.backend = be

	resp, err := be.GetHdrs(ctx)
	if err != nil {
		t.causeErr = Error.Wrap(err)
		return t.retryOrFail()
	}

	if resp.StatusCode == http.StatusNotModified && t.StaleOC != nil {
		t.resp = resp
		return StateCondFetch
	}
	t.resp = resp
	return StateFetch
}

func (t *Task) retryOrFail() State {
	if t.bytesSent > 0 {
		return StateFail
	}
	if t.retries < t.policy.MaxRetries {
		return StateRetry
	}
	return StateError
}

func (t *Task) retry() State {
	t.retries++
	return StateStartFetch
}

// condFetch refreshes the stale object's metadata from a 304 response
// without touching its body (spec.md §4.5 CONDFETCH).
func (t *Task) condFetch(ctx context.Context) State {
	defer t.finishBackend(ctx)

	ttl, grace, keep, tOrigin := freshnessOf(t.resp.Header, t.policy)
	ttl, grace, keep, pass := t.backendResponse(ttl, grace, keep)
	if pass {
		ttl, grace, keep = t.policy.HfpTTL, 0, 0
		t.StaleOC.SetFlags(objcore.FlagHFP)
	}
	t.StaleOC.Rejuvenate(ttl, grace, keep)
	_ = tOrigin

	if err := t.oc.BOC().SetReqDone(); err != nil {
		t.causeErr = Error.Wrap(err)
		return StateFail
	}
	t.unbusy(t.StaleOC.Body(), time.Now(), ttl, grace, keep)
	t.publish()
	return StateDone
}

// fetchBody streams the backend response body into storage through the
// filter chain, publishing BOC progress as it goes.
func (t *Task) fetchBody(ctx context.Context) State {
	defer t.finishBackend(ctx)

	if err := t.oc.BOC().SetReqDone(); err != nil {
		t.causeErr = Error.Wrap(err)
		return StateFail
	}

	ttl, grace, keep, tOrigin := freshnessOf(t.resp.Header, t.policy)
	ttl, grace, keep, pass := t.backendResponse(ttl, grace, keep)
	if pass {
		ttl, grace, keep = t.policy.HfpTTL, 0, 0
		t.oc.SetFlags(objcore.FlagHFP)
	}
	if t.isPrivate(t.resp.Header) {
		t.oc.SetFlags(objcore.FlagPrivate)
	}

	writer := t.stevedore.NewObject(t.oc.Digest())
	writer.SetAttr(objcore.AttrStatus, []byte(strconv.Itoa(t.resp.StatusCode)))
	writer.SetAttr(objcore.AttrProto, []byte(t.resp.Proto))
	if t.resp.Header != nil {
		writer.SetAttr(objcore.AttrHeaders, []byte(serializeHeaders(t.resp.Header)))
	}

	var chain Filter = newPassthroughFilter(t.resp.Body)
	if t.policy.DoGunzip && t.resp.Header.Get("Content-Encoding") == "gzip" {
		chain = newGunzipFilter(t.resp.Body)
	}
	if err := chain.Init(); err != nil {
		writer.Abort()
		t.causeErr = Error.Wrap(err)
		return StateFail
	}
	defer chain.Fini()

	if err := t.oc.BOC().SetPrepStream(); err != nil {
		writer.Abort()
		t.causeErr = Error.Wrap(err)
		return StateFail
	}
	if err := t.oc.BOC().SetStream(); err != nil {
		writer.Abort()
		t.causeErr = Error.Wrap(err)
		return StateFail
	}

	sink := newStorageSink(chain, writer, t.oc)
	n, result, err := sink.Drain(ctx)
	t.bytesSent = n

	if result == PullError {
		writer.Abort()
		t.oc.BOC().Fail(err)
		t.causeErr = Error.Wrap(err)
		t.closeCause = closereason.RxBody
		return StateFail
	}

	body, err := writer.Close()
	if err != nil {
		t.oc.BOC().Fail(err)
		t.causeErr = Error.Wrap(err)
		return StateFail
	}

	t.unbusy(body, tOrigin, ttl, grace, keep)
	t.oc.BOC().Finish()
	t.publish()
	return StateDone
}

// synthError builds a synthetic error body when the backend could not
// be reached at all, letting vcl_backend_error override the default
// status/reason/body (spec.md §4.5 ERROR state: "synthesize an error
// body per directive").
func (t *Task) synthError(ctx context.Context) State {
	status, reason, bodyText := "503", "Service Unavailable", "backend fetch failed"
	if bctx, _, ok := t.dispatchCtx(vcl.MBackendError, "vcl_backend_error", func(c *vcl.Ctx) {
		c.Seed(vcl.ScopeBeresp, "status", status)
		c.Seed(vcl.ScopeBeresp, "reason", reason)
		c.Seed(vcl.ScopeBeresp, "body", bodyText)
	}); ok {
		if v, err := bctx.GetAttr(vcl.ScopeBeresp, "status"); err == nil && v != "" {
			status = v
		}
		if v, err := bctx.GetAttr(vcl.ScopeBeresp, "reason"); err == nil && v != "" {
			reason = v
		}
		if v, err := bctx.GetAttr(vcl.ScopeBeresp, "body"); err == nil && v != "" {
			bodyText = v
		}
	}

	writer := t.stevedore.NewObject(t.oc.Digest())
	writer.SetAttr(objcore.AttrStatus, []byte(status))
	writer.SetAttr(objcore.AttrReason, []byte(reason))
	_ = writer.Append([]byte(bodyText))
	body, err := writer.Close()
	if err != nil {
		t.causeErr = Error.Wrap(err)
		return StateFail
	}

	if err := t.oc.BOC().SetReqDone(); err == nil {
		_ = t.oc.BOC().SetPrepStream()
		_ = t.oc.BOC().SetStream()
	}
	t.unbusy(body, time.Now(), t.policy.HfpTTL, 0, 0)
	t.oc.BOC().Finish()
	t.oc.SetFlags(objcore.FlagHFP)
	t.publish()
	return StateDone
}

// fail marks the OC failed and wakes anyone waiting on it (spec.md
// §4.5 FAIL: "mark OC failed, wake waiters").
func (t *Task) fail(ctx context.Context) State {
	t.lastErr = t.causeErr
	t.oc.SetFlags(objcore.FlagFailed)
	if t.oc.BOC().FailureErr() == nil {
		t.oc.BOC().Fail(t.causeErr)
	}
	t.unbusy(nil, time.Now(), 0, 0, 0)
	return StateDone
}

func (t *Task) finishBackend(ctx context.Context) {
	if t.backend != nil {
		t.backend.Finish(ctx)
	}
}

func (t *Task) publish() {
	if t.OnPublish != nil {
		t.OnPublish(t.oc)
	}
}

// unbusy runs oc.Unbusy then OnUnbusy, which every FSM exit path must
// call so requests coalesced onto this OC (objcore.Store.Lookup's Wait
// outcome) are woken rather than parked forever (spec.md §4.2 step 3).
func (t *Task) unbusy(body objcore.Body, tOrigin time.Time, ttl, grace, keep time.Duration) {
	t.oc.Unbusy(body, tOrigin, ttl, grace, keep)
	if t.OnUnbusy != nil {
		t.OnUnbusy(t.oc)
	}
}

func (t *Task) isPrivate(h http.Header) bool {
	cc := h.Get("Cache-Control")
	return strings.Contains(cc, "private") || strings.Contains(cc, "no-store")
}

// freshnessOf derives t_origin/ttl/grace/keep from response headers
// (spec.md §4.5 "Freshness"). This is a simplified RFC reading: max-age
// from Cache-Control, Age for origin adjustment, grace/keep default to
// the policy's configured window; backendResponse is the directive
// hook (vcl_backend_response) that can override any of the three per
// response.
func freshnessOf(h http.Header, policy Policy) (ttl, grace, keep time.Duration, tOrigin time.Time) {
	now := time.Now()
	age := parseSeconds(h.Get("Age"))
	tOrigin = now.Add(-time.Duration(age) * time.Second)

	ttl = 0
	grace = policy.DefaultGrace
	keep = policy.DefaultKeep
	if cc := h.Get("Cache-Control"); cc != "" {
		for _, part := range strings.Split(cc, ",") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "max-age=") {
				if secs, err := strconv.Atoi(strings.TrimPrefix(part, "max-age=")); err == nil {
					ttl = time.Duration(secs) * time.Second
				}
			}
			if part == "no-cache" || part == "no-store" {
				ttl = 0
			}
		}
	}
	return ttl, grace, keep, tOrigin
}

// dispatch runs subName if t.Program defines it, returning def when the
// sub is undefined or no Program is wired (mirrors
// pkg/request.Task.dispatch for the backend-phase methods).
func (t *Task) dispatch(method vcl.Method, subName string, def vcl.Return, seed func(c *vcl.Ctx)) vcl.Return {
	_, ret, ok := t.dispatchCtx(method, subName, seed)
	if !ok {
		return def
	}
	return ret
}

// dispatchCtx is dispatch's lower layer: it also hands back the Ctx so
// callers that need to read beresp attributes a sub may have set
// (backendResponse, synthError) can do so after the call returns.
func (t *Task) dispatchCtx(method vcl.Method, subName string, seed func(c *vcl.Ctx)) (ctx *vcl.Ctx, ret vcl.Return, ok bool) {
	if t.Program == nil {
		return nil, vcl.ReturnNone, false
	}
	sub, found := t.Program.Sub(subName)
	if !found {
		return nil, vcl.ReturnNone, false
	}
	ctx = t.Program.NewTask(method, t.AttrRegistry, vcl.NewPrivTree())
	if seed != nil {
		seed(ctx)
	}
	ret, err := ctx.Call(sub.Name)
	if err != nil {
		t.log.Warn("directive dispatch failed", zap.String("sub", subName), zap.Error(err))
		return nil, vcl.ReturnNone, false
	}
	return ctx, ret, true
}

// backendResponse dispatches vcl_backend_response, letting a directive
// override the ttl/grace/keep freshnessOf computed, or force a
// hit-for-pass decision (spec.md §4.5 "derive ttl from directives
// operating on Cache-Control/Expires... if directive returns 'pass',
// OC is hit-for-pass").
func (t *Task) backendResponse(ttl, grace, keep time.Duration) (rttl, rgrace, rkeep time.Duration, pass bool) {
	rttl, rgrace, rkeep = ttl, grace, keep
	ctx, ret, ok := t.dispatchCtx(vcl.MBackendResponse, "vcl_backend_response", func(c *vcl.Ctx) {
		c.Seed(vcl.ScopeBeresp, "ttl", formatSeconds(ttl))
		c.Seed(vcl.ScopeBeresp, "grace", formatSeconds(grace))
		c.Seed(vcl.ScopeBeresp, "keep", formatSeconds(keep))
		if t.resp != nil {
			c.Seed(vcl.ScopeBeresp, "status", strconv.Itoa(t.resp.StatusCode))
		}
	})
	if !ok {
		return
	}
	if v, err := ctx.GetAttr(vcl.ScopeBeresp, "ttl"); err == nil && v != "" {
		rttl = parseSecondsDuration(v, rttl)
	}
	if v, err := ctx.GetAttr(vcl.ScopeBeresp, "grace"); err == nil && v != "" {
		rgrace = parseSecondsDuration(v, rgrace)
	}
	if v, err := ctx.GetAttr(vcl.ScopeBeresp, "keep"); err == nil && v != "" {
		rkeep = parseSecondsDuration(v, rkeep)
	}
	pass = ret == vcl.ReturnPass
	return
}

func formatSeconds(d time.Duration) string {
	return strconv.Itoa(int(d / time.Second))
}

func parseSecondsDuration(s string, def time.Duration) time.Duration {
	secs, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

func parseSeconds(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func serializeHeaders(h http.Header) string {
	var b strings.Builder
	for k, vs := range h {
		for _, v := range vs {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}
