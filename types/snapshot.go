package types

import "time"

// ExecutionSnapshot is the resumable record of an execution attempt. It is
// persisted after every task so a crashed or interrupted run can pick up from
// the first phase that still has incomplete work, and cleared on success.
type ExecutionSnapshot struct {
	ExecutionAttemptID string            `json:"execution_attempt_id"`
	WorkflowID         string            `json:"workflow_id"`
	Status             Status            `json:"status"`
	CurrentPhaseIndex  int               `json:"current_phase_index"`
	ContractID         string            `json:"contract_id,omitempty"`
	StartedAt          time.Time         `json:"started_at"`
	PausedAt           *time.Time        `json:"paused_at,omitempty"`
	TotalPauseDuration time.Duration     `json:"total_pause_duration"`
	Errors             []string          `json:"errors,omitempty"`
	CompletedTaskIDs   []string          `json:"completed_task_ids,omitempty"`
	TokenTotal         int               `json:"token_total"`
	CostTotal          float64           `json:"cost_total"`
	Workspace          string            `json:"workspace,omitempty"`
	PodIDByRole        map[string]string `json:"pod_id_by_role,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
}
