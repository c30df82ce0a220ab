// Package observability holds the Prometheus metrics and the logger
// setup shared across the gateway.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lyq-lin/claw0/pkg/models"
)

// Metrics is the central metric set. Create it once at startup; the
// gateway serves it at /metrics.
type Metrics struct {
	// MessageCounter tracks channel traffic.
	// Labels: channel, direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// DeliveryCounter counts delivery attempts by outcome.
	// Labels: status (delivered|failed|dead_letter)
	DeliveryCounter *prometheus.CounterVec

	// AgentTurnCounter counts agent turns.
	// Labels: agent, status (ok|error)
	AgentTurnCounter *prometheus.CounterVec

	// AgentTurnDuration measures turn latency in seconds.
	AgentTurnDuration prometheus.Histogram

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (ok|error)
	ToolExecutionCounter *prometheus.CounterVec

	// BackendRequestCounter counts chat-completion requests.
	// Labels: model, status (ok|error)
	BackendRequestCounter *prometheus.CounterVec

	// BackendRequestDuration measures chat-completion latency in seconds.
	BackendRequestDuration prometheus.Histogram

	// QueueDepth is the current number of queued messages per status.
	// Labels: status
	QueueDepth *prometheus.GaugeVec

	// SchedulerJobRuns counts scheduler fires.
	// Labels: kind (once|every|cron), status (ok|error)
	SchedulerJobRuns *prometheus.CounterVec
}

// NewMetrics registers the metric set with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsOn(prometheus.DefaultRegisterer)
}

// NewMetricsOn registers the metric set with reg. Tests pass a fresh
// registry so repeated construction cannot collide.
func NewMetricsOn(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claw0_messages_total",
				Help: "Messages seen per channel and direction",
			},
			[]string{"channel", "direction"},
		),
		DeliveryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claw0_deliveries_total",
				Help: "Delivery attempts per outcome",
			},
			[]string{"status"},
		),
		AgentTurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claw0_agent_turns_total",
				Help: "Agent turns per agent and outcome",
			},
			[]string{"agent", "status"},
		),
		AgentTurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "claw0_agent_turn_duration_seconds",
				Help:    "Agent turn latency",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claw0_tool_executions_total",
				Help: "Tool executions per tool and outcome",
			},
			[]string{"tool", "status"},
		),
		BackendRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claw0_backend_requests_total",
				Help: "Chat completion requests per model and outcome",
			},
			[]string{"model", "status"},
		),
		BackendRequestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "claw0_backend_request_duration_seconds",
				Help:    "Chat completion latency",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "claw0_queue_depth",
				Help: "Queued messages per status",
			},
			[]string{"status"},
		),
		SchedulerJobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claw0_scheduler_job_runs_total",
				Help: "Scheduler job runs per kind and outcome",
			},
			[]string{"kind", "status"},
		),
	}
}

// MessageReceived counts one inbound message on channel.
func (m *Metrics) MessageReceived(channel string) {
	m.MessageCounter.WithLabelValues(channel, "inbound").Inc()
}

// MessageSent counts one outbound message on channel.
func (m *Metrics) MessageSent(channel string) {
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}

// RecordDelivery counts one delivery outcome.
func (m *Metrics) RecordDelivery(status string) {
	m.DeliveryCounter.WithLabelValues(status).Inc()
}

// RecordAgentTurn records one agent turn.
func (m *Metrics) RecordAgentTurn(agent, status string, elapsed time.Duration) {
	m.AgentTurnCounter.WithLabelValues(agent, status).Inc()
	m.AgentTurnDuration.Observe(elapsed.Seconds())
}

// RecordToolExecution counts one tool run.
func (m *Metrics) RecordToolExecution(tool, status string) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
}

// RecordBackendRequest records one chat-completion request.
func (m *Metrics) RecordBackendRequest(model, status string, elapsed time.Duration) {
	m.BackendRequestCounter.WithLabelValues(model, status).Inc()
	m.BackendRequestDuration.Observe(elapsed.Seconds())
}

// RecordJobRun counts one scheduler fire.
func (m *Metrics) RecordJobRun(kind, status string) {
	m.SchedulerJobRuns.WithLabelValues(kind, status).Inc()
}

// SetQueueDepth publishes the current queue counters.
func (m *Metrics) SetQueueDepth(stats models.QueueStats) {
	m.QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	m.QueueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
	m.QueueDepth.WithLabelValues("delivered").Set(float64(stats.Delivered))
	m.QueueDepth.WithLabelValues("failed").Set(float64(stats.Failed))
	m.QueueDepth.WithLabelValues("dead_letter").Set(float64(stats.DeadLetter))
}
