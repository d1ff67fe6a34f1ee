// Package prometheus provides Prometheus metrics for workflow execution.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "foreman"

var (
	// workflowsActive is a gauge of workflows currently executing.
	workflowsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_active",
			Help:      "Number of workflows currently executing",
		},
	)

	// workflowDuration is a histogram of end-to-end workflow duration.
	workflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Histogram of end-to-end workflow execution duration in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"status"}, // status: completed, failed, cancelled
	)

	// phaseDuration is a histogram of phase execution duration.
	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Histogram of phase execution duration in seconds",
			Buckets:   []float64{.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"status"}, // status: completed, failed, skipped
	)

	// tasksTotal is a counter of executed tasks.
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of executed tasks",
		},
		[]string{"role", "status"}, // status: completed, failed
	)

	// toolCallsTotal is a counter of tool calls made by pods.
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls made by pods",
		},
		[]string{"tool", "status"}, // status: success, error, cached
	)

	// modelRequestsTotal is a counter of model provider calls.
	modelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_requests_total",
			Help:      "Total number of model provider calls",
		},
		[]string{"provider", "model", "status"}, // status: success, error
	)

	// modelRequestDuration is a histogram of model provider call duration.
	modelRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_request_duration_seconds",
			Help:      "Duration of model provider calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	// tokensTotal is a counter of tokens consumed by model calls.
	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens consumed by model calls",
		},
		[]string{"provider", "model", "type"}, // type: input, output
	)

	// costTotal is a counter of estimated spend from model calls.
	costTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Total estimated cost in USD from model calls",
		},
		[]string{"provider", "model"},
	)

	// contractViolationsTotal is a counter of recorded contract violations.
	contractViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contract_violations_total",
			Help:      "Total number of recorded contract violations",
		},
		[]string{"type", "severity"},
	)

	// busMessagesTotal is a counter of bus messages seen by the listener.
	busMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Total number of bus messages observed",
		},
		[]string{"type"},
	)

	// pauseRequestsTotal is a counter of pause and clarification requests.
	pauseRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pause_requests_total",
			Help:      "Total number of pause and clarification requests raised by pods",
		},
		[]string{"kind"}, // kind: clarification, pause_and_ask
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		workflowsActive,
		workflowDuration,
		phaseDuration,
		tasksTotal,
		toolCallsTotal,
		modelRequestsTotal,
		modelRequestDuration,
		tokensTotal,
		costTotal,
		contractViolationsTotal,
		busMessagesTotal,
		pauseRequestsTotal,
	}
)

// RecordWorkflowStart records a workflow entering execution.
func RecordWorkflowStart() {
	workflowsActive.Inc()
}

// RecordWorkflowEnd records a workflow reaching a terminal state.
func RecordWorkflowEnd(status string, durationSeconds float64) {
	workflowsActive.Dec()
	workflowDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordPhase records a finished phase.
func RecordPhase(status string, durationSeconds float64) {
	phaseDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordTask records an executed task.
func RecordTask(role, status string) {
	tasksTotal.WithLabelValues(role, status).Inc()
}

// RecordToolCall records a tool call.
func RecordToolCall(tool, status string) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordModelRequest records a model provider call.
func RecordModelRequest(provider, model, status string, durationSeconds float64) {
	modelRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	modelRequestsTotal.WithLabelValues(provider, model, status).Inc()
}

// RecordTokens records token consumption.
func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		tokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		tokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordCost records estimated spend from a model call.
func RecordCost(provider, model string, cost float64) {
	if cost > 0 {
		costTotal.WithLabelValues(provider, model).Add(cost)
	}
}

// RecordContractViolation records a contract violation.
func RecordContractViolation(violationType, severity string) {
	contractViolationsTotal.WithLabelValues(violationType, severity).Inc()
}

// RecordBusMessage records one observed bus message.
func RecordBusMessage(messageType string) {
	busMessagesTotal.WithLabelValues(messageType).Inc()
}

// RecordPauseRequest records a pause or clarification request.
func RecordPauseRequest(kind string) {
	pauseRequestsTotal.WithLabelValues(kind).Inc()
}
