// Package metrics stands in for the shared-memory log/stats plane
// spec.md §6 names as an external collaborator: a concrete counters
// surface the fetch, expiry, ban and request packages publish to, so
// the testable properties in spec.md §8 (fetch counts, wire byte
// counts, BOC state occupancy, ban sweep cost) have somewhere to land.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry wraps a dedicated prometheus.Registry (not the global
// default one, so multiple vcached instances in one process — as the
// fetch/expiry tests do — don't collide registering the same names).
type Registry struct {
	reg *prometheus.Registry

	FetchTotal      *prometheus.CounterVec
	FetchBytesTotal prometheus.Counter
	BOCState        *prometheus.GaugeVec
	BanSweepTotal   prometheus.Counter
	BanListLength   prometheus.Gauge
	ExpiryEvictions *prometheus.CounterVec
	ObjectsStored   prometheus.Gauge
}

// New builds a Registry with every counter/gauge registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vcache",
			Subsystem: "fetch",
			Name:      "total",
			Help:      "Fetch FSM runs, partitioned by terminal state (done, fail, error).",
		}, []string{"outcome"}),
		FetchBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vcache",
			Subsystem: "fetch",
			Name:      "bytes_total",
			Help:      "Bytes streamed from backend responses into storage.",
		}),
		BOCState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vcache",
			Subsystem: "boc",
			Name:      "objects",
			Help:      "Busy object contexts currently in each state.",
		}, []string{"state"}),
		BanSweepTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vcache",
			Subsystem: "ban",
			Name:      "sweeps_total",
			Help:      "Lurker sweep passes completed.",
		}),
		BanListLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vcache",
			Subsystem: "ban",
			Name:      "list_length",
			Help:      "Bans currently retained (not yet pruned).",
		}),
		ExpiryEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vcache",
			Subsystem: "expiry",
			Name:      "evictions_total",
			Help:      "Objects removed from storage, partitioned by reason.",
		}, []string{"reason"}),
		ObjectsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vcache",
			Subsystem: "objcore",
			Name:      "objects_stored",
			Help:      "Object cores currently resident in the store.",
		}),
	}

	reg.MustRegister(
		m.FetchTotal,
		m.FetchBytesTotal,
		m.BOCState,
		m.BanSweepTotal,
		m.BanListLength,
		m.ExpiryEvictions,
		m.ObjectsStored,
	)
	return m
}

// Registry returns the underlying prometheus.Registry for HTTP
// exposition (a /metrics handler wired in cmd/vcached).
func (m *Registry) Registry() *prometheus.Registry {
	return m.reg
}

// EvictionReason is the reason label reported when an object is
// removed: the TTL+grace+keep window elapsed, the LRU nuked it to make
// room, or a ban matched it.
type EvictionReason string

const (
	EvictionExpired EvictionReason = "expired"
	EvictionLRU     EvictionReason = "lru"
	EvictionBan     EvictionReason = "ban"
)
