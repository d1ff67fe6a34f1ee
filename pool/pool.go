// Package pool manages the lifecycle of AI worker pods. A pod is a persistent
// worker bound to a role; the pool provisions pods on demand, reuses released
// pods of the same role, and prunes pods that have sat idle too long.
//
// The pool is the single source of truth for pod runtime state. The engine
// reads and writes pods only through the Pool interface and releases every
// pod it spawned when a workflow reaches a terminal state.
package pool

import (
	"context"
	"errors"
	"time"
)

// Pool errors.
var (
	ErrPodNotFound = errors.New("pool: pod not found")
	ErrInvalidRole = errors.New("pool: role is required")
)

// PodStatus is the lifecycle state of a pod.
type PodStatus string

// PodStatus values.
const (
	PodIdle     PodStatus = "idle"
	PodBusy     PodStatus = "busy"
	PodReleased PodStatus = "released"
)

// Pod health values.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// ModelCandidate is one (provider, model) pair in a fallback chain.
type ModelCandidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ModelConfig is the model configuration a pod calls with. Fallbacks are
// tried in order when the primary fails with a retryable error.
type ModelConfig struct {
	Provider    string           `json:"provider"`
	Model       string           `json:"model"`
	Temperature float64          `json:"temperature"`
	Fallbacks   []ModelCandidate `json:"fallbacks,omitempty"`
}

// Candidates returns the primary model followed by its fallbacks.
func (m ModelConfig) Candidates() []ModelCandidate {
	out := make([]ModelCandidate, 0, 1+len(m.Fallbacks))
	out = append(out, ModelCandidate{Provider: m.Provider, Model: m.Model})
	out = append(out, m.Fallbacks...)
	return out
}

// ResourceUsage accumulates a pod's lifetime consumption.
type ResourceUsage struct {
	TokensUsed     int     `json:"tokens_used"`
	CostUSD        float64 `json:"cost_usd"`
	TasksCompleted int     `json:"tasks_completed"`
}

// Pod is a persistent AI worker bound to a role.
type Pod struct {
	ID            string        `json:"id"`
	Role          string        `json:"role"`
	WorkflowID    string        `json:"workflow_id,omitempty"`
	AttemptID     string        `json:"attempt_id,omitempty"`
	Status        PodStatus     `json:"status"`
	Health        string        `json:"health"`
	Model         ModelConfig   `json:"model"`
	ToolWhitelist []string      `json:"tool_whitelist,omitempty"`
	Usage         ResourceUsage `json:"usage"`
	Summary       string        `json:"summary,omitempty"`
	Tags          []string      `json:"tags,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	LastActiveAt  time.Time     `json:"last_active_at"`
}

// PodUpdate is a partial update to a pod's runtime state. Nil fields are
// left unchanged; usage deltas accumulate.
type PodUpdate struct {
	Status         *PodStatus
	Health         *string
	Model          *ModelConfig
	ToolWhitelist  []string
	AddTokens      int
	AddCostUSD     float64
	TasksCompleted int
}

// Pool provisions and reclaims worker pods.
type Pool interface {
	// GetOrCreatePod returns an existing released pod of the role, rebound
	// to the workflow and attempt, or provisions a new one.
	GetOrCreatePod(ctx context.Context, role, workflowID, attemptID string) (*Pod, error)

	// UpdatePodRuntime applies a partial update to a pod.
	UpdatePodRuntime(ctx context.Context, id string, update PodUpdate) error

	// ReturnPodToPool releases a pod for reuse, recording a summary of the
	// work it did and optional capability tags.
	ReturnPodToPool(ctx context.Context, id, summary string, tags []string) error

	// PruneStale removes released pods idle longer than maxIdle. Returns
	// the number of pods removed.
	PruneStale(ctx context.Context, maxIdle time.Duration) (int, error)

	// Get returns a pod by ID.
	Get(ctx context.Context, id string) (*Pod, error)
}
