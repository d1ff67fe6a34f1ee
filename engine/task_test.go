package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/foreman/pool"
	"github.com/AltairaLabs/foreman/providers"
	"github.com/AltairaLabs/foreman/types"
)

func TestIsRetryableTaskError_Classification(t *testing.T) {
	assert.False(t, isRetryableTaskError(nil))

	assert.True(t, isRetryableTaskError(errors.New("429 rate limit exceeded")))
	assert.True(t, isRetryableTaskError(errors.New("503 service unavailable")))

	assert.False(t, isRetryableTaskError(errors.New("contract violation: file outside scope")))
	assert.False(t, isRetryableTaskError(errors.New("unauthorized: invalid api key")))

	// Non-retryable phrases win even when a retryable pattern is present.
	assert.False(t, isRetryableTaskError(errors.New("rate limit handler returned unauthorized")))

	// Unclassified failures are treated as permanent.
	assert.False(t, isRetryableTaskError(errors.New("some novel failure")))
}

func TestBackoffDelay_Exponential(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(time.Second, 2, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(time.Second, 2, 2))
	assert.Equal(t, 4*time.Second, backoffDelay(time.Second, 2, 3))
}

func TestTruncateResult_Caps(t *testing.T) {
	assert.Equal(t, "abcdef", truncateResult("abcdef", 10))
	assert.Equal(t, "abcd... [truncated]", truncateResult("abcdef", 4))
	assert.Equal(t, "abcdef", truncateResult("abcdef", 0))
}

func TestExecute_RetriesTransientTaskFailures(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID:   "wf-retryable",
		Plan: testPlan(testPhase("p1", "Build", 1, testTask("t1", "Assemble the page"))),
	})
	rig.caller.Append(
		providers.FailWith(errors.New("503 service unavailable")),
		providers.FailWith(errors.New("429 rate limit exceeded")),
		providers.RespondWith("page assembled", 15),
	)

	require.NoError(t, rig.engine.Execute(ctx, id))

	wf := storedWorkflow(t, rig, id)
	assert.Equal(t, types.StatusCompleted, wf.Status)
	assert.Equal(t, types.TaskCompleted, wf.Plan.PhaseByID("p1").TaskByID("t1").Status)
	assert.Equal(t, 3, rig.caller.CallCount())
}

func TestExecute_PermanentTaskFailureFailsFast(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID:   "wf-permanent",
		Plan: testPlan(testPhase("p1", "Build", 1, testTask("t1", "Assemble the page"))),
	})
	rig.caller.Append(providers.FailWith(errors.New("unauthorized: invalid api key")))

	require.NoError(t, rig.engine.Execute(ctx, id))

	task := storedWorkflow(t, rig, id).Plan.PhaseByID("p1").TaskByID("t1")
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "unauthorized")

	// No retry for a permanent failure.
	assert.Equal(t, 1, rig.caller.CallCount())
	assert.Contains(t, transcriptText(t, rig, id), `Task "Assemble the page" failed:`)
}

func TestExecute_FallsBackToSecondaryModel(t *testing.T) {
	rig := newTestRig(t, func(s *rigSetup) {
		s.models = map[string]pool.ModelConfig{
			"generalist": {
				Provider:    "test",
				Model:       "test-model",
				Temperature: 0.7,
				Fallbacks:   []pool.ModelCandidate{{Provider: "alt", Model: "alt-model"}},
			},
		}
	})
	ctx := context.Background()

	alt := providers.NewScriptedCaller(providers.RespondWith("fallback delivered", 25))
	rig.registry.Register("alt", alt)
	rig.caller.Append(providers.FailWith(errors.New("503 service unavailable")))

	id := seedWorkflow(t, rig, &types.Workflow{
		ID:   "wf-fallback",
		Plan: testPlan(testPhase("p1", "Build", 1, testTask("t1", "Assemble the page"))),
	})

	require.NoError(t, rig.engine.Execute(ctx, id))

	wf := storedWorkflow(t, rig, id)
	assert.Equal(t, types.StatusCompleted, wf.Status)
	assert.Equal(t, types.TaskCompleted, wf.Plan.PhaseByID("p1").TaskByID("t1").Status)

	// One failed primary call, one successful fallback call, no task retry.
	assert.Equal(t, 1, rig.caller.CallCount())
	require.Equal(t, 1, alt.CallCount())
	assert.Equal(t, "alt", alt.Requests()[0].Provider)
	assert.Equal(t, "alt-model", alt.Requests()[0].Model)
}

func TestExecute_RejectsDuplicateFileCreation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID: "wf-duplicate-create",
		Plan: testPlan(
			testPhase("p1", "Build", 1,
				testTask("t1", "Create the landing page"),
				testTask("t2", "Create the landing page again"),
			),
		),
	})
	rig.caller.Append(
		providers.RespondWithToolCalls(providers.ToolCall{
			ID: "c1", Name: "create_file",
			Args: map[string]any{"path": "a.txt", "content": "alpha"},
		}),
		providers.RespondWith("file created", 10),
		providers.RespondWithToolCalls(providers.ToolCall{
			ID: "c2", Name: "create_file",
			Args: map[string]any{"path": "a.txt", "content": "beta"},
		}),
		providers.RespondWith("acknowledged", 10),
	)

	require.NoError(t, rig.engine.Execute(ctx, id))

	// The second creation was rejected before reaching the tool handler.
	assert.Equal(t, 1, rig.toolCount("create_file"))

	artifacts, err := rig.store.ListArtifacts(ctx, id)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "a.txt", artifacts[0].Path)
	assert.Equal(t, "alpha", artifacts[0].Content)
	assert.Equal(t, "t1", artifacts[0].TaskID)

	// The rejection came back to the model as a tool result.
	reqs := rig.caller.Requests()
	require.Len(t, reqs, 4)
	last := reqs[3].Messages[len(reqs[3].Messages)-1]
	assert.Contains(t, last.Content, "duplicate file creation rejected")
	assert.Contains(t, last.Content, "task t1")

	// Both tasks still complete; the rejection is advisory, not fatal.
	wf := storedWorkflow(t, rig, id)
	assert.Equal(t, types.TaskCompleted, wf.Plan.PhaseByID("p1").TaskByID("t1").Status)
	assert.Equal(t, types.TaskCompleted, wf.Plan.PhaseByID("p1").TaskByID("t2").Status)
}

func TestExecute_CachesReadsUntilWrite(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID:   "wf-cache",
		Plan: testPlan(testPhase("p1", "Build", 1, testTask("t1", "Polish the page"))),
	})
	read := map[string]any{"path": "x.txt"}
	rig.caller.Append(
		providers.RespondWithToolCalls(providers.ToolCall{ID: "c1", Name: "read_file", Args: read}),
		providers.RespondWithToolCalls(providers.ToolCall{ID: "c2", Name: "read_file", Args: read}),
		providers.RespondWithToolCalls(providers.ToolCall{
			ID: "c3", Name: "write_file",
			Args: map[string]any{"path": "x.txt", "content": "v2"},
		}),
		providers.RespondWithToolCalls(providers.ToolCall{ID: "c4", Name: "read_file", Args: read}),
		providers.RespondWith("done", 10),
	)

	require.NoError(t, rig.engine.Execute(ctx, id))

	// Second read is served from cache; the write invalidates the path so
	// the third read dispatches again.
	assert.Equal(t, 2, rig.toolCount("read_file"))
	assert.Equal(t, 1, rig.toolCount("write_file"))
	assert.Equal(t, 5, rig.caller.CallCount())

	artifacts, err := rig.store.ListArtifacts(ctx, id)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "x.txt", artifacts[0].Path)
}

func TestExecute_ReleasesPathClaimWhenCreationFails(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID:   "wf-claim-release",
		Plan: testPlan(testPhase("p1", "Build", 1, testTask("t1", "Create the report"))),
	})
	rig.failNextCreates(1)
	create := map[string]any{"path": "b.txt", "content": "data"}
	rig.caller.Append(
		providers.RespondWithToolCalls(providers.ToolCall{ID: "c1", Name: "create_file", Args: create}),
		providers.RespondWithToolCalls(providers.ToolCall{ID: "c2", Name: "create_file", Args: create}),
		providers.RespondWith("recovered", 10),
	)

	require.NoError(t, rig.engine.Execute(ctx, id))

	// Both attempts reached the handler: the failed one released its path
	// claim, so the second could create the file.
	assert.Equal(t, 2, rig.toolCount("create_file"))

	reqs := rig.caller.Requests()
	require.Len(t, reqs, 3)
	first := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Contains(t, first.Content, "error: disk full")

	artifacts, err := rig.store.ListArtifacts(ctx, id)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "b.txt", artifacts[0].Path)
	assert.Equal(t, types.TaskCompleted,
		storedWorkflow(t, rig, id).Plan.PhaseByID("p1").TaskByID("t1").Status)
}
