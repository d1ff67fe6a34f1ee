package contract

import "time"

// Status is the lifecycle state of a contract.
type Status string

// Status values.
const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusFulfilled Status = "fulfilled"
	StatusBreached  Status = "breached"
)

// Severity grades a violation. Only critical violations block an action.
type Severity string

// Severity values.
const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Violation types.
const (
	ViolationTool          = "tool"
	ViolationFile          = "file"
	ViolationCost          = "cost"
	ViolationTokens        = "tokens"
	ViolationTime          = "time"
	ViolationStopCondition = "stop_condition"
)

// Stop condition types.
const (
	StopTimeExceeded   = "time_exceeded"
	StopCostExceeded   = "cost_exceeded"
	StopErrorThreshold = "error_threshold"
)

// Stop condition actions.
const (
	ActionStop  = "stop"
	ActionPause = "pause"
)

// Wildcard matches any tool or file path in a scope list.
const Wildcard = "*"

// TimeBudget is the contract's view of the workflow time budget, in minutes.
type TimeBudget struct {
	TotalMinutes     float64 `json:"total_minutes"`
	WarningMinutes   float64 `json:"warning_minutes"`
	HardStopMinutes  float64 `json:"hard_stop_minutes"`
	ElapsedMinutes   float64 `json:"elapsed_minutes"`
	RemainingMinutes float64 `json:"remaining_minutes"`
}

// Scope bounds what a workflow may touch and spend. File entries are path
// prefixes; the wildcard "*" matches everything.
type Scope struct {
	AllowedFiles   []string `json:"allowed_files,omitempty"`
	ForbiddenFiles []string `json:"forbidden_files,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	ForbiddenTools []string `json:"forbidden_tools,omitempty"`
	MaxCostUSD     float64  `json:"max_cost_usd"`
	CurrentCostUSD float64  `json:"current_cost_usd"`
	MaxTokens      int      `json:"max_tokens"`
	CurrentTokens  int      `json:"current_tokens"`
}

// StopCondition halts or pauses execution when its threshold is crossed.
// Each condition fires at most once.
type StopCondition struct {
	Type         string  `json:"type"`
	Threshold    float64 `json:"threshold"`
	CurrentValue float64 `json:"current_value"`
	Triggered    bool    `json:"triggered"`
	Action       string  `json:"action"`
}

// Violation records one breach of the contract's budget or scope.
type Violation struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Severity     Severity       `json:"severity"`
	Description  string         `json:"description"`
	Timestamp    time.Time      `json:"timestamp"`
	Context      map[string]any `json:"context,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
}

// Contract governs one workflow's budgets and scope. Usage counters are
// monotonic; violations accumulate and are never removed.
type Contract struct {
	ID                  string          `json:"id"`
	WorkflowID          string          `json:"workflow_id"`
	Objective           string          `json:"objective,omitempty"`
	TimeBudget          TimeBudget      `json:"time_budget"`
	Scope               Scope           `json:"scope"`
	QualityRequirements []string        `json:"quality_requirements,omitempty"`
	StopConditions      []StopCondition `json:"stop_conditions"`
	Violations          []*Violation    `json:"violations,omitempty"`
	ErrorCount          int             `json:"error_count"`
	Status              Status          `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`

	// warningIssued latches the time-budget warning so it fires once.
	warningIssued bool
}

// Action is a prospective pod action submitted for validation.
type Action struct {
	ToolName         string  `json:"tool_name,omitempty"`
	FilePath         string  `json:"file_path,omitempty"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd,omitempty"`
	EstimatedTokens  int     `json:"estimated_tokens,omitempty"`
}

// Decision is the outcome of validating an action. Allowed is false only
// when a critical violation was found; warnings alone never block.
type Decision struct {
	Allowed    bool         `json:"allowed"`
	Violations []*Violation `json:"violations,omitempty"`
	Warnings   []string     `json:"warnings,omitempty"`
}
