// Package admission implements the pool-task scheduling surface of
// spec.md §5: "BO (reserved) < RUSH < REQ/STR (subject to admission) <
// VCA" priority ordering over a worker pool, gated by a token-bucket
// limiter so REQ/STR work backs off under load while reserved and
// above-the-line work never starves.
package admission

import (
	"context"

	"github.com/zeebo/errs"
	"golang.org/x/time/rate"

	"github.com/cacheforge/vcache/internal/sync2"
)

// Error is the class for admission-gate misuse.
var Error = errs.Class("admission")

// ErrRejected is returned by Dispatch when a REQ/STR task is turned away
// by the admission limiter rather than by pool exhaustion or context
// cancellation.
var ErrRejected = Error.New("admission rejected: pool task backed off")

// Priority is a pool_task's scheduling band (spec.md §5). Ordering
// matches the spec's inequality: BO < Rush < ReqStr < VCA.
type Priority int

const (
	// PriorityBO is the reserved band for busy-object fetch tasks: "tasks
	// below the reserve-priority always obtain a worker."
	PriorityBO Priority = iota
	// PriorityRush is for tasks that must preempt ordinary admission
	// control (e.g. backend health probes, directive-forced restarts)
	// but still compete for the shared pool rather than the reserve.
	PriorityRush
	// PriorityReqStr is ordinary request/streaming work, the only band
	// subject to the admission limiter.
	PriorityReqStr
	// PriorityVCA is final client delivery: once a response has started,
	// rejecting it would break an already-accepted connection, so VCA
	// bypasses admission exactly like Rush.
	PriorityVCA
)

func (p Priority) String() string {
	switch p {
	case PriorityBO:
		return "bo"
	case PriorityRush:
		return "rush"
	case PriorityReqStr:
		return "req_str"
	case PriorityVCA:
		return "vca"
	default:
		return "unknown"
	}
}

// Gate is the scheduling surface a worker-pool caller dispatches
// through. It owns two worker-capacity limiters (reserve, for BO; pool,
// for everything else) and one token-bucket admission limiter gating
// only PriorityReqStr.
type Gate struct {
	reserve *sync2.Limiter
	pool    *sync2.Limiter
	admit   *rate.Limiter
}

// NewGate returns a Gate with reserveSize workers set aside for
// PriorityBO tasks and poolSize workers shared by everything else,
// admitting PriorityReqStr tasks at admitRate tokens/sec with a burst
// of admitBurst.
func NewGate(poolSize, reserveSize int, admitRate rate.Limit, admitBurst int) *Gate {
	return &Gate{
		reserve: sync2.NewLimiter(reserveSize),
		pool:    sync2.NewLimiter(poolSize),
		admit:   rate.NewLimiter(admitRate, admitBurst),
	}
}

// Dispatch runs fn on a worker selected per the priority ordering:
//   - PriorityBO always obtains a reserved worker; it is never subject
//     to the admission limiter and never competes with the shared pool.
//   - PriorityReqStr must first acquire an admission token; a denial
//     returns ErrRejected without consuming a pool slot.
//   - PriorityRush and PriorityVCA go straight to the shared pool,
//     bypassing admission.
//
// Dispatch blocks until fn is scheduled, ctx is canceled (returning
// ctx.Err() wrapped), or (for PriorityReqStr) the limiter rejects
// outright. fn runs in a new goroutine; Dispatch itself does not wait
// for fn to finish.
func (g *Gate) Dispatch(ctx context.Context, prio Priority, fn func()) error {
	switch prio {
	case PriorityBO:
		if !g.reserve.Go(ctx, fn) {
			return Error.Wrap(ctx.Err())
		}
		return nil
	case PriorityReqStr:
		if !g.admit.Allow() {
			return ErrRejected
		}
		fallthrough
	default:
		if !g.pool.Go(ctx, fn) {
			return Error.Wrap(ctx.Err())
		}
		return nil
	}
}

// Wait blocks until every dispatched task, reserved or pooled, has
// returned. Used during graceful shutdown.
func (g *Gate) Wait() {
	g.reserve.Wait()
	g.pool.Wait()
}
