package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/depflow/internal/model"
)

var (
	opsPushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depflow_engine_ops_pushed_total",
			Help: "Total number of operations pushed, by function property.",
		},
		[]string{"property"},
	)

	opsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depflow_engine_ops_completed_total",
			Help: "Total number of operations completed, by function property and status.",
		},
		[]string{"property", "status"},
	)

	pendingOps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "depflow_engine_pending_ops",
			Help: "Number of pushed operations that have not completed.",
		},
	)

	liveVars = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "depflow_engine_live_vars",
			Help: "Number of variables that have not been freed.",
		},
	)

	opWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depflow_engine_op_wait_seconds",
			Help:    "Time from push until an operation starts executing.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"property"},
	)

	opRun = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depflow_engine_op_run_seconds",
			Help:    "Time from execution start until an operation completes.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"property"},
	)
)

func init() {
	prometheus.MustRegister(opsPushed)
	prometheus.MustRegister(opsCompleted)
	prometheus.MustRegister(pendingOps)
	prometheus.MustRegister(liveVars)
	prometheus.MustRegister(opWait)
	prometheus.MustRegister(opRun)
}

// propMetrics holds the metric children for one function property, resolved
// once so the hot path skips label lookups.
type propMetrics struct {
	pushed    prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	wait      prometheus.Observer
	run       prometheus.Observer
}

func newPropMetrics() map[model.FnProperty]*propMetrics {
	m := make(map[model.FnProperty]*propMetrics, len(model.AllProperties))
	for _, p := range model.AllProperties {
		m[p] = metricsFor(p)
	}
	return m
}

func metricsFor(p model.FnProperty) *propMetrics {
	label := string(p)
	return &propMetrics{
		pushed:    opsPushed.WithLabelValues(label),
		completed: opsCompleted.WithLabelValues(label, model.StatusCompleted),
		failed:    opsCompleted.WithLabelValues(label, model.StatusFailed),
		wait:      opWait.WithLabelValues(label),
		run:       opRun.WithLabelValues(label),
	}
}
