// Package metrics instruments the ledger, registry and collector with Prometheus.
//
// Every Bridge owns its own prometheus.Registry so that several bridges (or
// tests) in one process never collide on metric registration. All methods are
// safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "refbridge"

// Metrics holds the collectors for one bridge instance.
type Metrics struct {
	registry *prometheus.Registry

	objectsCreated   prometheus.Counter
	objectsDestroyed prometheus.Counter
	acquisitions     prometheus.Counter
	releases         prometheus.Counter
	liveObjects      prometheus.Gauge
	nativeBytes      prometheus.Gauge

	proxies *prometheus.CounterVec

	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	sweepEntries  *prometheus.CounterVec
}

// New creates a Metrics instance backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		objectsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "objects_created_total",
			Help:      "Native objects created.",
		}),
		objectsDestroyed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "objects_destroyed_total",
			Help:      "Native objects destroyed after their count reached zero.",
		}),
		acquisitions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "acquisitions_total",
			Help:      "Successful reference acquisitions.",
		}),
		releases: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "releases_total",
			Help:      "Successful reference releases.",
		}),
		liveObjects: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "live_objects",
			Help:      "Native objects currently alive.",
		}),
		nativeBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "native_bytes",
			Help:      "Bytes of payload memory currently allocated.",
		}),

		proxies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "lookups_total",
			Help:      "GetOrCreate outcomes by result (hit, created, adopted).",
		}, []string{"result"}),

		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "sweeps_total",
			Help:      "Collector sweeps by scheduling mode.",
		}, []string{"mode"}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one sweep, including the forced runtime collection.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		sweepEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "entries_total",
			Help:      "Registry entries visited by sweeps, by outcome (kept, freed, contended).",
		}, []string{"outcome"}),
	}
}

// Registry returns the registry to expose, e.g. through promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObjectCreated records a new native object of the given payload size.
func (m *Metrics) ObjectCreated(bytes int) {
	if m == nil {
		return
	}
	m.objectsCreated.Inc()
	m.liveObjects.Inc()
	m.nativeBytes.Add(float64(bytes))
}

// ObjectDestroyed records destruction of a native object.
func (m *Metrics) ObjectDestroyed(bytes int) {
	if m == nil {
		return
	}
	m.objectsDestroyed.Inc()
	m.liveObjects.Dec()
	m.nativeBytes.Sub(float64(bytes))
}

// Acquired records one successful Acquire.
func (m *Metrics) Acquired() {
	if m == nil {
		return
	}
	m.acquisitions.Inc()
}

// Released records one successful Release.
func (m *Metrics) Released() {
	if m == nil {
		return
	}
	m.releases.Inc()
}

// Lookup results.
const (
	LookupHit     = "hit"
	LookupCreated = "created"
	LookupAdopted = "adopted"
)

// ProxyLookup records a GetOrCreate outcome.
func (m *Metrics) ProxyLookup(result string) {
	if m == nil {
		return
	}
	m.proxies.WithLabelValues(result).Inc()
}

// Sweep records one finished sweep.
func (m *Metrics) Sweep(mode string, d time.Duration, kept, freed, contended int) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(mode).Inc()
	m.sweepDuration.Observe(d.Seconds())
	m.sweepEntries.WithLabelValues("kept").Add(float64(kept))
	m.sweepEntries.WithLabelValues("freed").Add(float64(freed))
	m.sweepEntries.WithLabelValues("contended").Add(float64(contended))
}
