package types

// PhaseStatus is the lifecycle state of a plan phase.
type PhaseStatus string

// PhaseStatus values.
const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// TaskStatus is the lifecycle state of a task within a phase.
type TaskStatus string

// TaskStatus values.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Phase is an ordered group of tasks. Phases run one at a time in Order;
// tasks inside a phase may run in parallel subject to their dependencies.
type Phase struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Order     int         `json:"order"`
	Tasks     []*Task     `json:"tasks"`
	DependsOn []string    `json:"depends_on,omitempty"`
	Status    PhaseStatus `json:"status,omitempty"`
}

// Incomplete reports whether any task in the phase has not completed.
func (p *Phase) Incomplete() bool {
	for _, t := range p.Tasks {
		if t.Status != TaskCompleted {
			return true
		}
	}
	return false
}

// TaskByID returns the task with the given ID, or nil.
func (p *Phase) TaskByID(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Task is a single unit of work executed by one pod.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	AssignedPod string     `json:"assigned_pod,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Status      TaskStatus `json:"status,omitempty"`
	Error       string     `json:"error,omitempty"`
}
