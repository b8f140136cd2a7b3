package peerslot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics instruments the service layer. The PeerSet itself stays free of
// instrumentation; randomness is its only external dependency.
type metrics struct {
	registry *prometheus.Registry

	selects       prometheus.Counter
	selectMisses  prometheus.Counter
	compactions   prometheus.Counter
	reclaimed     prometheus.Counter
	capacity      prometheus.Gauge
	fragmentation prometheus.Gauge
	livePeers     prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &metrics{
		registry: registry,
		selects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "peerslot",
			Name:      "selects_total",
			Help:      "Number of weighted peer selections attempted.",
		}),
		selectMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "peerslot",
			Name:      "select_misses_total",
			Help:      "Selections that returned no peer, from an empty set or an exhausted retry budget.",
		}),
		compactions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "peerslot",
			Name:      "compactions_total",
			Help:      "Number of compaction passes.",
		}),
		reclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "peerslot",
			Name:      "reclaimed_capacity_total",
			Help:      "Capacity reclaimed by compaction passes.",
		}),
		capacity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerslot",
			Name:      "capacity",
			Help:      "Current width of the capacity line, live and dead.",
		}),
		fragmentation: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerslot",
			Name:      "fragmentation",
			Help:      "Capacity currently locked in dead slots.",
		}),
		livePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerslot",
			Name:      "live_peers",
			Help:      "Number of live peers in the set.",
		}),
	}
}

func (m *metrics) observeSelect(ok bool) {
	m.selects.Inc()
	if !ok {
		m.selectMisses.Inc()
	}
}

func (m *metrics) observeCompaction(reclaimed uint64) {
	m.compactions.Inc()
	m.reclaimed.Add(float64(reclaimed))
}

// observeSet refreshes the gauges; callers invoke it while still holding the
// lock that guards ps.
func (m *metrics) observeSet(ps *PeerSet) {
	m.capacity.Set(float64(ps.Capacity()))
	m.fragmentation.Set(float64(ps.Fragmentation()))
	m.livePeers.Set(float64(ps.Len()))
}
