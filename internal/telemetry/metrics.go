package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksCreated         = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentnet_tasks_created_total", Help: "Tasks created by the dispatcher"})
	TasksAssigned        = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentnet_tasks_assigned_total", Help: "Assignments published to the developer queue"})
	TasksCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentnet_tasks_completed_total", Help: "Tasks archived as completed"})
	TasksFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentnet_tasks_failed_total", Help: "Tasks archived as failed"})
	DuplicateCompletions = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentnet_completions_duplicate_total", Help: "Completion envelopes ignored as idempotent redeliveries"})
	ReconcileRepublishes = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentnet_reconcile_republished_total", Help: "Assignments re-published by the reconciliation sweep"})
	SchemaErrors         = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentnet_schema_errors_total", Help: "Messages dropped for failing schema validation"})
	ProtocolViolations   = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentnet_protocol_violations_total", Help: "Assignments rejected while already working"})
	PublishFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentnet_publish_failures_total", Help: "Publishes that failed and were retried"})
	Reconnects           = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentnet_broker_reconnects_total", Help: "Successful broker reconnections"})
	APIRequests          = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentnet_api_requests_total", Help: "Observability API requests served"})

	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "agentnet_queue_depth", Help: "Messages waiting per queue"}, []string{"queue"})
	AgentActiveGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "agentnet_agent_active", Help: "Derived liveness per agent (1 active, 0 stale)"}, []string{"agent"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksCreated,
			TasksAssigned,
			TasksCompleted,
			TasksFailed,
			DuplicateCompletions,
			ReconcileRepublishes,
			SchemaErrors,
			ProtocolViolations,
			PublishFailures,
			Reconnects,
			APIRequests,
			QueueDepthGauge,
			AgentActiveGauge,
		)
	})
	return promhttp.Handler()
}
