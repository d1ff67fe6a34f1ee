package pool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/foreman/logger"
)

// DefaultModelConfig is the model assigned to pods whose role has no
// configured model.
var DefaultModelConfig = ModelConfig{
	Provider:    "gemini",
	Model:       "gemini-2.0-flash",
	Temperature: 0.7,
}

// MemoryPool is a concurrency-safe, in-memory implementation of Pool.
type MemoryPool struct {
	mu         sync.RWMutex
	pods       map[string]*Pod
	roleModels map[string]ModelConfig
	now        func() time.Time
}

// MemoryPoolOption configures a MemoryPool.
type MemoryPoolOption func(*MemoryPool)

// WithRoleModels sets per-role model configurations for newly provisioned
// pods. Roles without an entry use DefaultModelConfig.
func WithRoleModels(models map[string]ModelConfig) MemoryPoolOption {
	return func(p *MemoryPool) {
		for role, m := range models {
			p.roleModels[role] = m
		}
	}
}

// WithTimeFunc sets the clock used for pod timestamps. Primarily for tests.
func WithTimeFunc(fn func() time.Time) MemoryPoolOption {
	return func(p *MemoryPool) {
		if fn != nil {
			p.now = fn
		}
	}
}

// NewMemoryPool creates an in-memory pod pool.
func NewMemoryPool(opts ...MemoryPoolOption) *MemoryPool {
	p := &MemoryPool{
		pods:       make(map[string]*Pod),
		roleModels: make(map[string]ModelConfig),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetOrCreatePod reuses a released pod of the role when one exists,
// otherwise provisions a new pod. Either way the pod comes back idle and
// bound to the workflow attempt.
func (p *MemoryPool) GetOrCreatePod(ctx context.Context, role, workflowID, attemptID string) (*Pod, error) {
	if role == "" {
		return nil, ErrInvalidRole
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	// Warm reuse: oldest released pod of the same role.
	var reuse *Pod
	for _, pod := range p.pods {
		if pod.Role == role && pod.Status == PodReleased {
			if reuse == nil || pod.LastActiveAt.Before(reuse.LastActiveAt) {
				reuse = pod
			}
		}
	}
	if reuse != nil {
		reuse.WorkflowID = workflowID
		reuse.AttemptID = attemptID
		reuse.Status = PodIdle
		reuse.Health = HealthHealthy
		reuse.UpdatedAt = now
		reuse.LastActiveAt = now
		logger.Debug("pool: reusing released pod", "pod_id", reuse.ID, "role", role)
		return deepCopyPod(reuse), nil
	}

	model, ok := p.roleModels[role]
	if !ok {
		model = DefaultModelConfig
	}
	pod := &Pod{
		ID:           uuid.NewString(),
		Role:         role,
		WorkflowID:   workflowID,
		AttemptID:    attemptID,
		Status:       PodIdle,
		Health:       HealthHealthy,
		Model:        model,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
	}
	p.pods[pod.ID] = pod

	logger.Debug("pool: provisioned pod", "pod_id", pod.ID, "role", role, "workflow_id", workflowID)
	return deepCopyPod(pod), nil
}

// UpdatePodRuntime applies a partial update to a pod's runtime state.
func (p *MemoryPool) UpdatePodRuntime(ctx context.Context, id string, update PodUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pod, ok := p.pods[id]
	if !ok {
		return ErrPodNotFound
	}

	if update.Status != nil {
		pod.Status = *update.Status
	}
	if update.Health != nil {
		pod.Health = *update.Health
	}
	if update.Model != nil {
		pod.Model = *update.Model
	}
	if update.ToolWhitelist != nil {
		pod.ToolWhitelist = append([]string(nil), update.ToolWhitelist...)
	}
	if update.AddTokens > 0 {
		pod.Usage.TokensUsed += update.AddTokens
	}
	if update.AddCostUSD > 0 {
		pod.Usage.CostUSD += update.AddCostUSD
	}
	if update.TasksCompleted > 0 {
		pod.Usage.TasksCompleted += update.TasksCompleted
	}

	now := p.now()
	pod.UpdatedAt = now
	pod.LastActiveAt = now
	return nil
}

// ReturnPodToPool releases the pod for reuse by later workflows.
func (p *MemoryPool) ReturnPodToPool(ctx context.Context, id, summary string, tags []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pod, ok := p.pods[id]
	if !ok {
		return ErrPodNotFound
	}

	pod.Status = PodReleased
	pod.WorkflowID = ""
	pod.AttemptID = ""
	pod.Summary = summary
	if len(tags) > 0 {
		pod.Tags = append([]string(nil), tags...)
	}
	now := p.now()
	pod.UpdatedAt = now
	pod.LastActiveAt = now

	logger.Debug("pool: pod returned", "pod_id", id, "tasks_completed", pod.Usage.TasksCompleted)
	return nil
}

// PruneStale removes released pods that have been idle longer than maxIdle.
func (p *MemoryPool) PruneStale(ctx context.Context, maxIdle time.Duration) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-maxIdle)
	pruned := 0
	for id, pod := range p.pods {
		if pod.Status == PodReleased && pod.LastActiveAt.Before(cutoff) {
			delete(p.pods, id)
			pruned++
		}
	}

	if pruned > 0 {
		logger.Debug("pool: pruned stale pods", "count", pruned)
	}
	return pruned, nil
}

// Get returns a deep copy of a pod.
func (p *MemoryPool) Get(ctx context.Context, id string) (*Pod, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pod, ok := p.pods[id]
	if !ok {
		return nil, ErrPodNotFound
	}
	return deepCopyPod(pod), nil
}

// deepCopyPod creates a deep copy of a pod.
func deepCopyPod(pod *Pod) *Pod {
	if pod == nil {
		return nil
	}

	data, err := json.Marshal(pod)
	if err != nil {
		return nil
	}

	var out Pod
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}
