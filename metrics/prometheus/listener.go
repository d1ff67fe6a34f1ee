// Package prometheus provides Prometheus metrics for workflow execution.
package prometheus

import (
	"github.com/AltairaLabs/foreman/bus"
)

// Label values derived from bus messages.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"

	kindClarification = "clarification"
	kindPauseAndAsk   = "pause_and_ask"
)

// MetricsListener records bus traffic as Prometheus metrics. Subscribe its
// Handle method on the bus with a nil filter; broadcast lifecycle messages
// then drive the task, phase, violation and pause counters. Call-site
// metrics that need durations (model requests, tool calls, workflow
// start/end) are recorded directly by the engine instead.
type MetricsListener struct{}

// NewMetricsListener creates a MetricsListener.
func NewMetricsListener() *MetricsListener {
	return &MetricsListener{}
}

// Handle processes one bus message and records relevant metrics.
func (l *MetricsListener) Handle(msg *bus.Message) {
	if msg == nil {
		return
	}
	RecordBusMessage(string(msg.Type))

	switch msg.Type {
	case bus.TypeTaskCompleted:
		RecordTask(payloadString(msg.Payload, "role"), statusCompleted)
	case bus.TypeTaskFailed:
		RecordTask(payloadString(msg.Payload, "role"), statusFailed)
	case bus.TypePhaseCompleted:
		RecordPhase(payloadString(msg.Payload, "status"), payloadFloat(msg.Payload, "duration_seconds"))
	case bus.TypeContractViolation:
		RecordContractViolation(payloadString(msg.Payload, "type"), payloadString(msg.Payload, "severity"))
	case bus.TypePauseRequested:
		RecordPauseRequest(kindPauseAndAsk)
	case bus.TypeClarificationRequest:
		RecordPauseRequest(kindClarification)
	default:
		// Counted by type above; nothing else to record.
	}
}

// Handler returns a bus.Handler for subscription.
func (l *MetricsListener) Handler() bus.Handler {
	return l.Handle
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

func payloadFloat(payload map[string]any, key string) float64 {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
