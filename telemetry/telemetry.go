// Package telemetry wraps prometheus behind small interfaces. Until
// InitializeTelemetry runs with prometheus enabled every metric is a no-op,
// so packages can update metrics unconditionally.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/replicatord/replicatord/cfg"
	"github.com/rs/zerolog/log"
)

const Namespace = "replicatord"

var registry *prometheus.Registry

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
}

// CounterVec is a counter partitioned by label values
type CounterVec interface {
	With(labels ...string) Counter
}

// NoopStat satisfies every metric interface and records nothing
type NoopStat struct{}

func (NoopStat) Observe(float64) {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Inc()            {}
func (NoopStat) Dec()            {}
func (NoopStat) Add(float64)     {}
func (NoopStat) Sub(float64)     {}

type noopCounterVec struct{}

func (noopCounterVec) With(...string) Counter { return NoopStat{} }

type counterVec struct {
	vec *prometheus.CounterVec
}

func (c counterVec) With(labelValues ...string) Counter {
	return c.vec.WithLabelValues(labelValues...)
}

// opts carries the naming shared by every metric: the replicatord
// namespace and the replica server id as a constant label
func opts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
		ConstLabels: prometheus.Labels{
			"server_id": strconv.FormatUint(uint64(cfg.Config.MySQL.ServerID), 10),
		},
	}
}

func register[T prometheus.Collector](c T) T {
	registry.MustRegister(c)
	return c
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewCounter(prometheus.CounterOpts(opts(name, help))))
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewGauge(prometheus.GaugeOpts(opts(name, help))))
}

func NewHistogram(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	o := opts(name, help)
	return register(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   o.Namespace,
		Name:        o.Name,
		Help:        o.Help,
		ConstLabels: o.ConstLabels,
		Buckets:     buckets,
	}))
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	return counterVec{vec: register(prometheus.NewCounterVec(prometheus.CounterOpts(opts(name, help)), labels))}
}

// InitializeTelemetry creates the registry and the metrics when prometheus
// is enabled
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		log.Debug().Msg("Prometheus disabled, metrics are no-ops")
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	InitMetrics()

	log.Info().Msg("Prometheus metrics enabled - served by the admin server at /metrics")
}

// GetMetricsHandler returns the prometheus handler, nil when disabled
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
