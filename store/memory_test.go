package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/foreman/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testWorkflow(id string) *types.Workflow {
	return &types.Workflow{
		ID:         id,
		Objective:  "Build the landing page",
		TimeBudget: types.NewTimeBudget(60),
		Plan: &types.Plan{
			SchemaVersion: "1.0.0",
			Phases: []*types.Phase{
				{
					ID:     "phase-1",
					Name:   "Design",
					Order:  1,
					Status: types.PhasePending,
					Tasks: []*types.Task{
						{ID: "task-1", Name: "Wireframe", Status: types.TaskPending},
					},
				},
			},
		},
		Status:    types.StatusInitializing,
		Authority: types.AuthorityAutonomous,
	}
}

func TestMemoryStore_CreateAndGetWorkflow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	wf := testWorkflow("wf-1")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflowByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Build the landing page", got.Objective)
	assert.False(t, got.CreatedAt.IsZero())

	err = s.CreateWorkflow(ctx, wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestMemoryStore_GetWorkflowNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetWorkflowByID(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetWorkflowByID(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestMemoryStore_UpdateWorkflow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	wf := testWorkflow("wf-1")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	wf.Status = types.StatusExecuting
	require.NoError(t, s.UpdateWorkflow(ctx, wf))

	got, err := s.GetWorkflowByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuting, got.Status)

	assert.ErrorIs(t, s.UpdateWorkflow(ctx, testWorkflow("ghost")), ErrNotFound)
}

func TestMemoryStore_DeepCopyIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	wf := testWorkflow("wf-1")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	// Mutating the caller's copy must not leak into the store.
	wf.Objective = "changed outside"
	got, err := s.GetWorkflowByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Build the landing page", got.Objective)

	// Mutating a read copy must not leak either.
	got.Plan.Phases[0].Status = types.PhaseFailed
	again, err := s.GetWorkflowByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.PhasePending, again.Plan.Phases[0].Status)
}

func TestMemoryStore_AddArtifactVersionsInPlace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.AddArtifact(ctx, "wf-1", &types.Artifact{Path: "src/index.html", Content: "v1", TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.NotEmpty(t, first.ID)

	second, err := s.AddArtifact(ctx, "wf-1", &types.Artifact{Path: "src/index.html", Content: "v2", TaskID: "task-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, first.ID, second.ID, "same path keeps the same artifact identity")
	assert.Equal(t, "v2", second.Content)
	assert.Equal(t, "task-2", second.TaskID)

	list, err := s.ListArtifacts(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, list, 1, "versioning must not add a second artifact")
}

func TestMemoryStore_ListArtifactsOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.AddArtifact(ctx, "wf-1", &types.Artifact{Path: "a.md", Content: "A"})
	require.NoError(t, err)
	_, err = s.AddArtifact(ctx, "wf-1", &types.Artifact{Path: "b.md", Content: "B"})
	require.NoError(t, err)

	list, err := s.ListArtifacts(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.md", list[0].Path)
	assert.Equal(t, "b.md", list[1].Path)

	empty, err := s.ListArtifacts(ctx, "wf-none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_UpdatePhaseProgress(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, testWorkflow("wf-1")))

	phase := &types.Phase{
		ID:     "phase-1",
		Name:   "Design",
		Order:  1,
		Status: types.PhaseCompleted,
		Tasks: []*types.Task{
			{ID: "task-1", Name: "Wireframe", Status: types.TaskCompleted},
		},
	}
	require.NoError(t, s.UpdatePhaseProgress(ctx, "wf-1", phase))

	wf, err := s.GetWorkflowByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, wf.Plan.Phases[0].Status)
	assert.Equal(t, types.TaskCompleted, wf.Plan.Phases[0].Tasks[0].Status)
}

func TestMemoryStore_UpdatePhaseProgressAppendsUnknownPhase(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, testWorkflow("wf-1")))

	synthetic := &types.Phase{ID: "phase-remediation", Name: "Remediation", Order: 99, Status: types.PhasePending}
	require.NoError(t, s.UpdatePhaseProgress(ctx, "wf-1", synthetic))

	wf, err := s.GetWorkflowByID(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, wf.Plan.Phases, 2)
	assert.Equal(t, "phase-remediation", wf.Plan.Phases[1].ID)

	assert.ErrorIs(t, s.UpdatePhaseProgress(ctx, "wf-ghost", synthetic), ErrNotFound)
}

func TestMemoryStore_PauseRequestLifecycle(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithTimeFunc(clock.Now))
	ctx := context.Background()

	req := &types.PauseRequest{
		ID:             "pause-1",
		WorkflowID:     "wf-1",
		TaskID:         "task-1",
		Question:       "Which database should I target?",
		ExpectedFields: []string{"database"},
	}
	require.NoError(t, s.AddPauseRequest(ctx, req))

	got, err := s.GetPauseRequest(ctx, "pause-1")
	require.NoError(t, err)
	assert.Equal(t, types.PausePending, got.Status)

	resolved, err := s.ResolvePauseRequest(ctx, "pause-1", "Use postgres", map[string]any{"database": "postgres"})
	require.NoError(t, err)
	assert.Equal(t, types.PauseResolved, resolved.Status)
	assert.Equal(t, "Use postgres", resolved.Answer)
	assert.Equal(t, "postgres", resolved.AnswerValues["database"])
	require.NotNil(t, resolved.ResolvedAt)

	// Resolving again is a no-op returning the stored record.
	again, err := s.ResolvePauseRequest(ctx, "pause-1", "different answer", nil)
	require.NoError(t, err)
	assert.Equal(t, "Use postgres", again.Answer)

	_, err = s.ResolvePauseRequest(ctx, "pause-ghost", "x", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ExpirePauseRequest(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithTimeFunc(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.AddPauseRequest(ctx, &types.PauseRequest{
		ID:         "pause-1",
		WorkflowID: "wf-1",
		Question:   "Which region?",
	}))

	expired, err := s.ExpirePauseRequest(ctx, "pause-1")
	require.NoError(t, err)
	assert.Equal(t, types.PauseTimedOut, expired.Status)
	require.NotNil(t, expired.ResolvedAt)

	// An expired request cannot be resolved afterwards.
	after, err := s.ResolvePauseRequest(ctx, "pause-1", "eu-west-1", nil)
	require.NoError(t, err)
	assert.Equal(t, types.PauseTimedOut, after.Status)
	assert.Empty(t, after.Answer)

	// Expiring a resolved request is a no-op.
	require.NoError(t, s.AddPauseRequest(ctx, &types.PauseRequest{ID: "pause-2", WorkflowID: "wf-1", Question: "Which port?"}))
	_, err = s.ResolvePauseRequest(ctx, "pause-2", "8080", nil)
	require.NoError(t, err)
	kept, err := s.ExpirePauseRequest(ctx, "pause-2")
	require.NoError(t, err)
	assert.Equal(t, types.PauseResolved, kept.Status)
	assert.Equal(t, "8080", kept.Answer)

	_, err = s.ExpirePauseRequest(ctx, "pause-ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Transcript(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithTimeFunc(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.AppendTranscript(ctx, "wf-1", types.TranscriptMessage{Role: types.RoleSystem, Content: "Starting phase 1"}))
	clock.Advance(time.Minute)
	require.NoError(t, s.AppendTranscript(ctx, "wf-1", types.TranscriptMessage{Role: types.RoleSystem, Content: "Phase 1 complete"}))

	transcript, err := s.GetTranscript(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, "Starting phase 1", transcript[0].Content)
	assert.True(t, transcript[1].Timestamp.After(transcript[0].Timestamp))
}

func TestMemoryStore_Receipts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveReceipt(ctx, "wf-1", &types.ScanReport{Scanner: "lint", Passed: true}))
	require.NoError(t, s.SaveReceipt(ctx, "wf-1", &types.ScanReport{Scanner: "security", Passed: false, Findings: []string{"hardcoded key"}}))

	receipts, err := s.ListReceipts(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "lint", receipts[0].Scanner)
	assert.False(t, receipts[1].Passed)
}

func TestMemoryStore_SnapshotLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	snap := &types.ExecutionSnapshot{
		ExecutionAttemptID: "attempt-1",
		WorkflowID:         "wf-1",
		Status:             types.StatusExecuting,
		CurrentPhaseIndex:  1,
		CompletedTaskIDs:   []string{"task-1"},
		TokenTotal:         1200,
		CostTotal:          0.0036,
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	got, err := s.LoadSnapshot(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "attempt-1", got.ExecutionAttemptID)
	assert.Equal(t, []string{"task-1"}, got.CompletedTaskIDs)
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, s.ClearSnapshot(ctx, "wf-1"))
	_, err = s.LoadSnapshot(ctx, "wf-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Clearing an absent snapshot is a no-op.
	assert.NoError(t, s.ClearSnapshot(ctx, "wf-1"))
}
