// Package process defines the Service contract cmd/vcached's main
// wires every long-running component through, adapted from the
// teacher's pkg/process: a uniform SetLogger/SetMetricHandler/Process
// lifecycle so the daemon's startup sequence doesn't need to know each
// service's concrete type.
package process

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

// Error is the class for process wiring misuse.
var Error = errs.Class("process")

// Service is one independently runnable component of the daemon's
// top-level command.
type Service interface {
	// InstanceID identifies this service instance in logs/metrics.
	InstanceID() string
	// Process runs the service to completion (or until ctx is done),
	// after SetLogger and SetMetricHandler have both been called.
	Process(ctx context.Context, cmd *cobra.Command, args []string) error
	// SetLogger attaches the daemon's shared logger.
	SetLogger(*zap.Logger) error
	// SetMetricHandler attaches the daemon's shared monkit registry.
	SetMetricHandler(*monkit.Registry) error
}

// Main wires log and reg into every service, then runs each in the
// order given, stopping at (and returning) the first error. Unlike the
// teacher's version, which spawns services concurrently, vcached only
// ever registers a single Service (the daemon itself) — sequential
// execution keeps that one case simple without losing the interface
// that would let a second admin/debug service be added later.
func Main(ctx context.Context, cmd *cobra.Command, args []string, log *zap.Logger, reg *monkit.Registry, services ...Service) error {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = monkit.Default
	}

	for _, svc := range services {
		if err := svc.SetLogger(log); err != nil {
			return Error.Wrap(err)
		}
		if err := svc.SetMetricHandler(reg); err != nil {
			return Error.Wrap(err)
		}
	}

	for _, svc := range services {
		if err := svc.Process(ctx, cmd, args); err != nil {
			return err
		}
	}
	return nil
}
