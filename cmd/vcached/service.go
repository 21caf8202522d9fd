package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cacheforge/vcache/pkg/admission"
	"github.com/cacheforge/vcache/pkg/ban"
	"github.com/cacheforge/vcache/pkg/config"
	"github.com/cacheforge/vcache/pkg/director"
	"github.com/cacheforge/vcache/pkg/expiry"
	"github.com/cacheforge/vcache/pkg/fetch"
	"github.com/cacheforge/vcache/pkg/metrics"
	"github.com/cacheforge/vcache/pkg/objcore"
	"github.com/cacheforge/vcache/pkg/request"
	"github.com/cacheforge/vcache/pkg/stevedore"
	"github.com/cacheforge/vcache/private/httpserver"
	"github.com/cacheforge/vcache/private/lifecycle"
)

// Service wires every core package into a runnable daemon and
// implements pkg/process.Service so cmd/vcached's main can hand it to
// process.Main alongside any future sibling service.
type Service struct {
	cfg *config.Config
	log *zap.Logger
	// id is a fresh github.com/google/uuid generated once per process
	// start, so two overlapping vcached instances' logs can be told
	// apart (spec.md has no notion of a cluster, but nothing stops an
	// operator running several behind a load balancer).
	id string
}

// InstanceID identifies this daemon instance in logs and metrics.
func (s *Service) InstanceID() string { return s.id }

// SetLogger attaches the daemon's shared logger.
func (s *Service) SetLogger(log *zap.Logger) error {
	s.log = log
	return nil
}

// SetMetricHandler acknowledges the shared monkit registry: this core
// instruments itself through pkg/metrics' own prometheus registry,
// wired directly in Process, rather than through monkit call sites, so
// there is nothing further to attach here.
func (s *Service) SetMetricHandler(*monkit.Registry) error { return nil }

// Process builds every collaborator, starts the expiry sweeper and ban
// lurker on a shared errgroup, sequences the HTTP frontend through a
// private/lifecycle.Group, and blocks until ctx is canceled, tearing
// everything back down in reverse order.
func (s *Service) Process(ctx context.Context, cmd *cobra.Command, args []string) error {
	log := s.log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("instance", s.id))
	cfg := s.cfg

	reg := metrics.New()

	store := objcore.NewStore()
	store.SetMetrics(reg)

	var dir director.Director
	if cfg.BackendAddr != "" {
		dir = director.NewDirectDialer(director.Config{
			Addr:           cfg.BackendAddr,
			ConnectTimeout: cfg.ConnectTimeout,
		}, log)
	}

	sd := stevedore.New()

	bans := ban.NewList(cfg.BanLurkerSleep)
	bans.SetMetrics(reg)

	expiryEngine := expiry.NewEngine(store, cfg.ExpirySweepInterval, cfg.LRUTimeout, log)
	expiryEngine.SetMetrics(reg)

	gate := admission.NewGate(cfg.PoolMax, cfg.PoolReserve, rate.Limit(cfg.AdmitRate), cfg.AdmitBurst)

	deps := request.Deps{
		Store:     store,
		Director:  dir,
		Stevedore: sd,
		Expiry:    expiryEngine,
		Bans:      bans,
		Metrics:   reg,
		Log:       log,
	}
	reqCfg := request.Config{
		MaxRestarts: cfg.MaxRestarts,
		MaxESIDepth: cfg.MaxESIDepth,
		Policy: fetch.Policy{
			DoGunzip:     cfg.HTTPGzipSupport,
			DoStream:     true,
			HfpTTL:       cfg.HfpTTL,
			DefaultGrace: cfg.DefaultGrace,
			DefaultKeep:  cfg.DefaultKeep,
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Registry(), promhttp.HandlerOpts{}))
	mux.Handle("/", &frontend{deps: deps, cfg: reqCfg, gate: gate, log: log})

	srv, err := httpserver.New(log, httpserver.Config{
		Name:    "vcached",
		Address: cfg.ListenAddr,
		Handler: mux,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// The expiry sweeper and ban lurker each self-register their
	// background loop on g via their own Cycle; they have no explicit
	// Run step to sequence, only a Stop to call on shutdown, so they
	// join the lifecycle group as Close-only items.
	expiryEngine.Run(gctx, g)
	bans.Run(gctx, g, expiryEngine.Range, request.ObjAttrsOf, func(oc *objcore.OC) {
		store.Purge(oc.Digest())
		expiryEngine.Remove(oc)
	})

	group := lifecycle.NewGroup(log)
	group.Add(lifecycle.Item{Name: "expiry", Close: func() error { expiryEngine.Stop(); return nil }})
	group.Add(lifecycle.Item{Name: "ban-lurker", Close: func() error { bans.Stop(); return nil }})
	group.Add(lifecycle.Item{Name: "http", Run: srv.Run, Close: srv.Close})
	group.Run(gctx, g)

	runErr := g.Wait()
	closeErr := group.Close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// frontend adapts one inbound HTTP request into a pkg/request.Task,
// dispatched through the admission gate at PriorityReqStr so load
// shedding happens before a pkg/request.Task is even constructed.
type frontend struct {
	deps request.Deps
	cfg  request.Config
	gate *admission.Gate
	log  *zap.Logger
}

func (f *frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	done := make(chan struct{})
	err := f.gate.Dispatch(r.Context(), admission.PriorityReqStr, func() {
		defer close(done)
		task := request.NewTask(f.deps, f.cfg, r, w)
		if err := task.Run(r.Context()); err != nil {
			f.log.Error("request failed", zap.Error(err), zap.String("path", r.URL.Path))
		}
	})
	if err != nil {
		if errors.Is(err, admission.ErrRejected) {
			http.Error(w, "admission rejected", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}
	<-done
}
