// Package types defines the core data model for time-budgeted work orders:
// workflows, plans, phases, tasks, artifacts, transcripts and execution
// snapshots. All structs are JSON-serializable so they can round-trip through
// any store backend unchanged.
package types

import "time"

// Status is the lifecycle state of a workflow execution.
type Status string

// Status values.
const (
	StatusInitializing         Status = "initializing"
	StatusExecuting            Status = "executing"
	StatusPaused               Status = "paused"
	StatusPausedWaitingForUser Status = "paused_waiting_for_user"
	StatusCheckpoint           Status = "checkpoint"
	StatusCompleting           Status = "completing"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Authority is the autonomy level granted to a workflow. It controls whether
// checkpoints self-approve and whether clarifications may be answered by an
// auxiliary model instead of a human.
type Authority string

// Authority values.
const (
	AuthorityAutonomous Authority = "autonomous"
	AuthoritySupervised Authority = "supervised"
	AuthorityManual     Authority = "manual"
)

// TimeBudget is the wall-clock budget for a workflow, in minutes.
// Warning and hard-stop thresholds are absolute minute marks, not percentages.
// ElapsedMinutes and RemainingMinutes are observability snapshots; live code
// always recomputes elapsed time from the clock rather than trusting them.
type TimeBudget struct {
	TotalMinutes     float64 `json:"total_minutes"`
	WarningMinutes   float64 `json:"warning_minutes"`
	HardStopMinutes  float64 `json:"hard_stop_minutes"`
	ElapsedMinutes   float64 `json:"elapsed_minutes"`
	RemainingMinutes float64 `json:"remaining_minutes"`
}

// Default threshold fractions of the total time budget.
const (
	WarningFraction  = 0.80
	HardStopFraction = 0.95
)

// NewTimeBudget builds a budget with warning at 80% and hard stop at 95%
// of the given total.
func NewTimeBudget(totalMinutes float64) TimeBudget {
	return TimeBudget{
		TotalMinutes:     totalMinutes,
		WarningMinutes:   totalMinutes * WarningFraction,
		HardStopMinutes:  totalMinutes * HardStopFraction,
		RemainingMinutes: totalMinutes,
	}
}

// Workflow is a time-budgeted work order: an objective, a phased plan, the
// pods assigned to it and the contract that governs it.
type Workflow struct {
	ID         string     `json:"id"`
	Objective  string     `json:"objective"`
	TimeBudget TimeBudget `json:"time_budget"`
	Plan       *Plan      `json:"plan,omitempty"`
	PodIDs     []string   `json:"pod_ids,omitempty"`
	ContractID string     `json:"contract_id,omitempty"`
	Status     Status     `json:"status"`
	Authority  Authority  `json:"authority,omitempty"`
	Workspace  string     `json:"workspace,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// PodStrategy controls how worker pods are provisioned for a plan.
// PriorityOrder lists roles in spawn order; one pod is spawned per role.
type PodStrategy struct {
	PriorityOrder []string `json:"priority_order,omitempty"`
}

// Clarification is a question that must (or may) be answered before or during
// execution. Required questions without answers hard-pause the workflow
// before the first phase runs.
type Clarification struct {
	ID         string     `json:"id"`
	Question   string     `json:"question"`
	Answer     string     `json:"answer,omitempty"`
	Required   bool       `json:"required"`
	AnsweredBy string     `json:"answered_by,omitempty"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// Plan is the phased execution plan for a workflow.
type Plan struct {
	SchemaVersion    string           `json:"schema_version,omitempty"`
	Phases           []*Phase         `json:"phases"`
	PodStrategy      PodStrategy      `json:"pod_strategy"`
	RequiresApproval bool             `json:"requires_approval,omitempty"`
	ApprovedAt       *time.Time       `json:"approved_at,omitempty"`
	Clarifications   []*Clarification `json:"clarifications,omitempty"`
	ExpectedOutputs  []string         `json:"expected_outputs,omitempty"`
}

// PhaseByID returns the phase with the given ID, or nil.
func (p *Plan) PhaseByID(id string) *Phase {
	for _, ph := range p.Phases {
		if ph.ID == id {
			return ph
		}
	}
	return nil
}

// UnansweredRequired returns the required clarifications that have no answer
// yet, in plan order.
func (p *Plan) UnansweredRequired() []*Clarification {
	var open []*Clarification
	for _, c := range p.Clarifications {
		if c.Required && c.Answer == "" {
			open = append(open, c)
		}
	}
	return open
}
