package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPool_GetOrCreatePod(t *testing.T) {
	p := NewMemoryPool()

	pod, err := p.GetOrCreatePod(context.Background(), "frontend", "wf-1", "attempt-1")
	require.NoError(t, err)

	assert.NotEmpty(t, pod.ID)
	assert.Equal(t, "frontend", pod.Role)
	assert.Equal(t, "wf-1", pod.WorkflowID)
	assert.Equal(t, PodIdle, pod.Status)
	assert.Equal(t, HealthHealthy, pod.Health)
	assert.Equal(t, DefaultModelConfig.Provider, pod.Model.Provider)
}

func TestMemoryPool_GetOrCreatePod_EmptyRole(t *testing.T) {
	p := NewMemoryPool()

	_, err := p.GetOrCreatePod(context.Background(), "", "wf-1", "attempt-1")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestMemoryPool_RoleModels(t *testing.T) {
	p := NewMemoryPool(WithRoleModels(map[string]ModelConfig{
		"backend": {Provider: "anthropic", Model: "claude-sonnet", Temperature: 0.2},
	}))

	pod, err := p.GetOrCreatePod(context.Background(), "backend", "wf-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", pod.Model.Provider)
	assert.Equal(t, "claude-sonnet", pod.Model.Model)

	other, err := p.GetOrCreatePod(context.Background(), "qa", "wf-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, DefaultModelConfig.Model, other.Model.Model)
}

func TestMemoryPool_WarmReuseByRole(t *testing.T) {
	p := NewMemoryPool()
	ctx := context.Background()

	first, err := p.GetOrCreatePod(ctx, "frontend", "wf-1", "a1")
	require.NoError(t, err)
	require.NoError(t, p.ReturnPodToPool(ctx, first.ID, "built the landing page", []string{"css"}))

	second, err := p.GetOrCreatePod(ctx, "frontend", "wf-2", "a2")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "released pod of the same role must be reused")
	assert.Equal(t, "wf-2", second.WorkflowID)
	assert.Equal(t, PodIdle, second.Status)

	// A different role still provisions a fresh pod.
	third, err := p.GetOrCreatePod(ctx, "backend", "wf-2", "a2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestMemoryPool_UpdatePodRuntime(t *testing.T) {
	p := NewMemoryPool()
	ctx := context.Background()

	pod, err := p.GetOrCreatePod(ctx, "qa", "wf-1", "a1")
	require.NoError(t, err)

	busy := PodBusy
	require.NoError(t, p.UpdatePodRuntime(ctx, pod.ID, PodUpdate{
		Status:         &busy,
		AddTokens:      1500,
		AddCostUSD:     0.0045,
		TasksCompleted: 1,
	}))
	require.NoError(t, p.UpdatePodRuntime(ctx, pod.ID, PodUpdate{AddTokens: 500}))

	got, err := p.Get(ctx, pod.ID)
	require.NoError(t, err)
	assert.Equal(t, PodBusy, got.Status)
	assert.Equal(t, 2000, got.Usage.TokensUsed)
	assert.InDelta(t, 0.0045, got.Usage.CostUSD, 1e-9)
	assert.Equal(t, 1, got.Usage.TasksCompleted)
}

func TestMemoryPool_UpdateUnknownPod(t *testing.T) {
	p := NewMemoryPool()

	err := p.UpdatePodRuntime(context.Background(), "missing", PodUpdate{AddTokens: 1})
	assert.ErrorIs(t, err, ErrPodNotFound)
}

func TestMemoryPool_PruneStale(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := NewMemoryPool(WithTimeFunc(func() time.Time { return current }))
	ctx := context.Background()

	pod, err := p.GetOrCreatePod(ctx, "frontend", "wf-1", "a1")
	require.NoError(t, err)
	require.NoError(t, p.ReturnPodToPool(ctx, pod.ID, "", nil))

	active, err := p.GetOrCreatePod(ctx, "backend", "wf-1", "a1")
	require.NoError(t, err)

	current = current.Add(45 * time.Minute)

	pruned, err := p.PruneStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = p.Get(ctx, pod.ID)
	assert.ErrorIs(t, err, ErrPodNotFound)

	// Busy/idle pods are never pruned.
	_, err = p.Get(ctx, active.ID)
	assert.NoError(t, err)
}

func TestMemoryPool_ModelCandidates(t *testing.T) {
	m := ModelConfig{
		Provider: "gemini",
		Model:    "gemini-2.0-flash",
		Fallbacks: []ModelCandidate{
			{Provider: "anthropic", Model: "claude-haiku"},
		},
	}

	candidates := m.Candidates()
	require.Len(t, candidates, 2)
	assert.Equal(t, "gemini", candidates[0].Provider)
	assert.Equal(t, "anthropic", candidates[1].Provider)
}

func TestMemoryPool_DeepCopyIsolation(t *testing.T) {
	p := NewMemoryPool()
	ctx := context.Background()

	pod, err := p.GetOrCreatePod(ctx, "frontend", "wf-1", "a1")
	require.NoError(t, err)

	pod.Usage.TokensUsed = 999999

	got, err := p.Get(ctx, pod.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Usage.TokensUsed)
}
