package storage

import "github.com/prometheus/client_golang/prometheus"

const (
	resultNew    = "new"
	resultReused = "reused"
)

var (
	allocsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depflow_storage_allocs_total",
			Help: "Total number of buffer allocations, by whether a pooled buffer was reused.",
		},
		[]string{"result"},
	)

	inUseBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "depflow_storage_in_use_bytes",
			Help: "Bytes held by allocated buffers.",
		},
	)

	poolBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "depflow_storage_pooled_bytes",
			Help: "Bytes held by freed buffers awaiting reuse.",
		},
	)
)

func init() {
	prometheus.MustRegister(allocsTotal)
	prometheus.MustRegister(inUseBytes)
	prometheus.MustRegister(poolBytes)
}
