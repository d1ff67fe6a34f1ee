package types

import "time"

// Artifact is a produced output, addressed by workspace path. Edits to an
// existing path bump Version in place rather than adding a second artifact.
type Artifact struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Kind      string    `json:"kind,omitempty"`
	Content   string    `json:"content,omitempty"`
	Version   int       `json:"version"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TranscriptMessage is one entry in a workflow's narrated transcript.
type TranscriptMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
	RolePod    = "pod"
)

// PauseRequestStatus is the lifecycle state of a pause request.
type PauseRequestStatus string

// PauseRequestStatus values.
const (
	PausePending  PauseRequestStatus = "pending"
	PauseResolved PauseRequestStatus = "resolved"
	PauseTimedOut PauseRequestStatus = "timed_out"
)

// PauseRequest records a hard pause raised by a pod (or by the engine itself)
// that blocks execution until a human answers or the wait window lapses.
// AnswerValues holds structured values extracted from a free-text answer when
// the request declared ExpectedFields.
type PauseRequest struct {
	ID             string             `json:"id"`
	WorkflowID     string             `json:"workflow_id"`
	TaskID         string             `json:"task_id,omitempty"`
	PodID          string             `json:"pod_id,omitempty"`
	Question       string             `json:"question"`
	ExpectedFields []string           `json:"expected_fields,omitempty"`
	Answer         string             `json:"answer,omitempty"`
	AnswerValues   map[string]any     `json:"answer_values,omitempty"`
	Status         PauseRequestStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	ResolvedAt     *time.Time         `json:"resolved_at,omitempty"`
}

// ScanReport is the outcome of one validation scan over the produced
// artifacts. Reports are persisted as completion receipts.
type ScanReport struct {
	Scanner   string    `json:"scanner"`
	Passed    bool      `json:"passed"`
	Summary   string    `json:"summary,omitempty"`
	Findings  []string  `json:"findings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
