package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the watchdog's Prometheus instruments. Registration
// happens once at construction against the given registerer.
type Collector struct {
	CycleDuration prometheus.Histogram
	ChecksTotal   prometheus.Counter
	RestartsTotal prometheus.Counter
	Escalations   prometheus.Counter
	PrunedTotal   prometheus.Counter

	ActiveTenants     prometheus.Gauge
	RunningContainers prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "botpod",
			Subsystem: "watchdog",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one full watchdog pass over all active tenants",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		ChecksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "botpod",
			Subsystem: "watchdog",
			Name:      "checks_total",
			Help:      "Tenant container health checks performed",
		}),
		RestartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "botpod",
			Subsystem: "watchdog",
			Name:      "restarts_total",
			Help:      "Automatic container restarts issued",
		}),
		Escalations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "botpod",
			Subsystem: "watchdog",
			Name:      "escalations_total",
			Help:      "Tenants deactivated after exhausting restart attempts",
		}),
		PrunedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "botpod",
			Subsystem: "watchdog",
			Name:      "pruned_total",
			Help:      "Orphaned containers removed by the prune pass",
		}),
		ActiveTenants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "botpod",
			Name:      "tenants_active",
			Help:      "Tenants currently marked active",
		}),
		RunningContainers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "botpod",
			Name:      "containers_running",
			Help:      "Owned containers observed running in the last pass",
		}),
	}
}
