package policy

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depflow_policy_queue_depth",
			Help: "Number of eligible operations waiting for a worker.",
		},
		[]string{"policy", "lane"},
	)

	tasksExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depflow_policy_tasks_executed_total",
			Help: "Total number of operations executed, by policy and lane.",
		},
		[]string{"policy", "lane"},
	)
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(tasksExecuted)
}

// ExecutedCounter returns the execution counter for a policy lane.
func ExecutedCounter(policyName, lane string) prometheus.Counter {
	return tasksExecuted.WithLabelValues(policyName, lane)
}
