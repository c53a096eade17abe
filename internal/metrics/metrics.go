// Package metrics exposes the Prometheus counters and gauges named in
// SPEC_FULL.md's ambient observability section: scale-up/down counts,
// packet-event handling latency, and idle-detector cycle duration.
// Grounded on github.com/prometheus/client_golang, the metrics library
// named in the pack's beacon-biosignals-k8s-worker-pod-autoscaler and
// petecheslock-workload-variant-autoscaler go.mod files — the teacher
// itself has no Prometheus dependency (it aggregates monitoring data in
// MySQL instead), so this package is an enrichment from the rest of the
// pack rather than a generalization of teacher code.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this node reports. There is no
// package-level default: cmd/node builds one with New and hands it to
// each component through its optional metrics setter.
type Registry struct {
	ScaleUpsTotal       *prometheus.CounterVec
	ScaleDownsTotal     *prometheus.CounterVec
	ScaleFailuresTotal  *prometheus.CounterVec
	PacketEventLatency  prometheus.Histogram
	IdleCycleDuration   prometheus.Histogram
	RegistrySize        prometheus.Gauge
	CoordinatorLocalOnly prometheus.Gauge
}

// New registers every metric against a fresh prometheus.Registry and
// returns both.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Registry{
		ScaleUpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scale_to_zero",
			Name:      "scale_ups_total",
			Help:      "Total number of scale-up operations completed, by reason.",
		}, []string{"reason"}),
		ScaleDownsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scale_to_zero",
			Name:      "scale_downs_total",
			Help:      "Total number of scale-down operations completed, by reason.",
		}, []string{"reason"}),
		ScaleFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scale_to_zero",
			Name:      "scale_failures_total",
			Help:      "Total number of scale operations that failed, by direction.",
		}, []string{"direction"}),
		PacketEventLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scale_to_zero",
			Name:      "packet_event_handling_seconds",
			Help:      "Time spent applying one packet event to the registry.",
			Buckets:   prometheus.DefBuckets,
		}),
		IdleCycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scale_to_zero",
			Name:      "idle_detector_cycle_seconds",
			Help:      "Time spent scanning the registry for idle services in one tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		RegistrySize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "scale_to_zero",
			Name:      "registry_services",
			Help:      "Number of services currently tracked by the registry.",
		}),
		CoordinatorLocalOnly: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "scale_to_zero",
			Name:      "coordinator_local_only",
			Help:      "1 if this node has degraded to LOCAL_ONLY mode, 0 otherwise.",
		}),
	}
	return m, reg
}

// ObserveScaleUp implements internal/scheduler.ScaleMetrics.
func (m *Registry) ObserveScaleUp(reason string) {
	m.ScaleUpsTotal.WithLabelValues(reason).Inc()
}

// ObserveScaleDown implements internal/scheduler.ScaleMetrics.
func (m *Registry) ObserveScaleDown(reason string) {
	m.ScaleDownsTotal.WithLabelValues(reason).Inc()
}

// ObserveScaleFailure implements internal/scheduler.ScaleMetrics.
func (m *Registry) ObserveScaleFailure(direction string) {
	m.ScaleFailuresTotal.WithLabelValues(direction).Inc()
}

// Handler returns an http.Handler serving reg in the Prometheus
// exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
