package kv

// metrics.go is a thin abstraction over Prometheus so the store can be used
// with or without metrics. Passing WithMetrics(NewPromMetrics(reg)) wires
// labeled counters into reg; otherwise a no-op sink is used and the hot path
// does not pay for metric updates.
//
// ┌──────────────────────────────┐
// │ Metric                  │Type│
// ├──────────────────────────┼────┤
// │ veddb_kv_sets_total      │Ctr │
// │ veddb_kv_deletes_total   │Ctr │
// │ veddb_kv_hits_total      │Ctr │
// │ veddb_kv_misses_total    │Ctr │
// └──────────────────────────────┘
//
// © 2025 arena-cache authors. MIT License.

import "github.com/prometheus/client_golang/prometheus"

// metricsSink is the internal interface abstracting the concrete backend
// (Prometheus vs noop). Store only knows about these methods.
type metricsSink interface {
	incSet()
	incDelete()
	incHit()
	incMiss()
}

type noopMetrics struct{}

func (noopMetrics) incSet()    {}
func (noopMetrics) incDelete() {}
func (noopMetrics) incHit()    {}
func (noopMetrics) incMiss()   {}

type promMetrics struct {
	sets    prometheus.Counter
	deletes prometheus.Counter
	hits    prometheus.Counter
	misses  prometheus.Counter
}

// NewPromMetrics registers kv store counters against reg and returns a
// metricsSink suitable for WithMetrics.
func NewPromMetrics(reg *prometheus.Registry) metricsSink {
	pm := &promMetrics{
		sets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veddb", Subsystem: "kv", Name: "sets_total",
			Help: "Number of Set operations.",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veddb", Subsystem: "kv", Name: "deletes_total",
			Help: "Number of successful Delete operations.",
		}),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veddb", Subsystem: "kv", Name: "hits_total",
			Help: "Number of Get operations that found a value.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veddb", Subsystem: "kv", Name: "misses_total",
			Help: "Number of Get operations that found nothing.",
		}),
	}
	reg.MustRegister(pm.sets, pm.deletes, pm.hits, pm.misses)
	return pm
}

func (m *promMetrics) incSet()    { m.sets.Inc() }
func (m *promMetrics) incDelete() { m.deletes.Inc() }
func (m *promMetrics) incHit()    { m.hits.Inc() }
func (m *promMetrics) incMiss()   { m.misses.Inc() }
