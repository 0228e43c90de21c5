package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusExporter mirrors the in-process Registry's aggregate view as
// Prometheus gauges, grounded on the namespace/subsystem
// convention used elsewhere in the pack for background-processing
// metrics.
type PrometheusExporter struct {
	registry *Registry

	activeWorkers    prometheus.Gauge
	configuredSize   prometheus.Gauge
	messagesTotal    prometheus.Gauge
	errorsTotal      prometheus.Gauge
	averageErrRate   prometheus.Gauge
	fullyOperational prometheus.Gauge
}

// NewPrometheusExporter constructs collectors for registry under the
// "dbchangerelay" namespace / "supervisor" subsystem.
func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	newGauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbchangerelay",
			Subsystem: "supervisor",
			Name:      name,
			Help:      help,
		})
	}

	return &PrometheusExporter{
		registry:         registry,
		activeWorkers:    newGauge("active_workers", "Number of currently live listener workers"),
		configuredSize:   newGauge("configured_workers", "Configured number of listener workers"),
		messagesTotal:    newGauge("messages_processed_total", "Total messages processed across all live workers"),
		errorsTotal:      newGauge("errors_encountered_total", "Total errors encountered across all live workers"),
		averageErrRate:   newGauge("average_error_rate", "Average per-worker error rate"),
		fullyOperational: newGauge("fully_operational", "1 if the supervisor is fully operational, else 0"),
	}
}

// Register registers all collectors with reg. Safe to call once at boot.
func (e *PrometheusExporter) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		e.activeWorkers,
		e.configuredSize,
		e.messagesTotal,
		e.errorsTotal,
		e.averageErrRate,
		e.fullyOperational,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Refresh pulls the current aggregate from the Registry and updates the
// gauges. Callers typically invoke this on a short ticker or just before
// a Prometheus scrape.
func (e *PrometheusExporter) Refresh() {
	agg := e.registry.Aggregate()
	e.activeWorkers.Set(float64(agg.ActiveCount))
	e.configuredSize.Set(float64(agg.ConfiguredCount))
	e.messagesTotal.Set(float64(agg.TotalMessages))
	e.errorsTotal.Set(float64(agg.TotalErrors))
	e.averageErrRate.Set(agg.AverageErrorRate)
	if agg.FullyOperational {
		e.fullyOperational.Set(1)
	} else {
		e.fullyOperational.Set(0)
	}
}
