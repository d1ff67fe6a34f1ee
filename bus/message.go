package bus

import "time"

// MessageType identifies the kind of message carried on the bus.
type MessageType string

// Message types published by the engine and its pods.
const (
	// TypeTaskAssignment assigns a task to a pod.
	TypeTaskAssignment MessageType = "task_assignment"
	// TypeTaskCompleted announces a finished task.
	TypeTaskCompleted MessageType = "task_completed"
	// TypeTaskFailed announces a task that exhausted its retries.
	TypeTaskFailed MessageType = "task_failed"
	// TypePhaseStarted marks the start of a plan phase.
	TypePhaseStarted MessageType = "phase_started"
	// TypePhaseCompleted marks the end of a plan phase.
	TypePhaseCompleted MessageType = "phase_completed"
	// TypeCheckpointReached marks a checkpoint awaiting a decision.
	TypeCheckpointReached MessageType = "checkpoint_reached"
	// TypePauseRequested marks a hard pause raised by a pod.
	TypePauseRequested MessageType = "pause_requested"
	// TypeResume marks execution resuming after a pause.
	TypeResume MessageType = "resume"
	// TypeClarificationRequest carries a question raised mid-task.
	TypeClarificationRequest MessageType = "clarification_request"
	// TypeContractViolation carries a recorded contract violation.
	TypeContractViolation MessageType = "contract_violation"
	// TypeArtifactCreated announces a new or updated artifact.
	TypeArtifactCreated MessageType = "artifact_created"
	// TypeStatusUpdate carries a workflow status transition.
	TypeStatusUpdate MessageType = "status_update"
	// TypeWorkflowCompleted marks successful workflow completion.
	TypeWorkflowCompleted MessageType = "workflow_completed"
	// TypeWorkflowFailed marks workflow failure.
	TypeWorkflowFailed MessageType = "workflow_failed"
	// TypeRequest is a request awaiting a correlated response.
	TypeRequest MessageType = "request"
	// TypeResult is a correlated response to an earlier request.
	TypeResult MessageType = "result"
)

// Priority orders messages by urgency. Delivery itself is FIFO; priority is
// advisory metadata for consumers.
type Priority string

// Priority values.
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Broadcast is the address that fans a message out to every subscriber
// except the sender.
const Broadcast = "*"

// Message is a single bus message. ID and Timestamp are assigned on publish.
// A nil ExpiresAt means the message never expires; an expired message is
// recorded in history but never delivered.
type Message struct {
	ID            string         `json:"id"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Type          MessageType    `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      Priority       `json:"priority"`
	Acknowledged  bool           `json:"acknowledged"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
}

// expired reports whether the message is past its expiry at the given time.
func (m *Message) expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Filter restricts a subscription to matching messages. Empty slices match
// everything; a nil filter matches everything.
type Filter struct {
	Types []MessageType
	From  []string
}

// matches reports whether the message passes the filter.
func (f *Filter) matches(m *Message) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if m.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.From) > 0 {
		ok := false
		for _, from := range f.From {
			if m.From == from {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
