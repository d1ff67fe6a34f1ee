package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/foreman/bus"
	"github.com/AltairaLabs/foreman/pool"
	"github.com/AltairaLabs/foreman/providers"
	"github.com/AltairaLabs/foreman/types"
)

func TestGroupTasks_LayersByDependency(t *testing.T) {
	a := testTask("a", "Task A")
	b := testTask("b", "Task B")
	c := &types.Task{ID: "c", Name: "Task C", DependsOn: []string{"a", "b"}}

	groups := groupTasks([]*types.Task{c, a, b}, nil)
	require.Len(t, groups, 2)
	assert.Equal(t, []*types.Task{a, b}, groups[0])
	assert.Equal(t, []*types.Task{c}, groups[1])
}

func TestGroupTasks_CycleFallsBackToSingleGroup(t *testing.T) {
	a := &types.Task{ID: "a", Name: "Task A", DependsOn: []string{"b"}}
	b := &types.Task{ID: "b", Name: "Task B", DependsOn: []string{"a"}}

	groups := groupTasks([]*types.Task{a, b}, nil)
	require.Len(t, groups, 1)
	assert.Equal(t, []*types.Task{a, b}, groups[0])
}

func TestGroupTasks_SkipsSatisfiedWork(t *testing.T) {
	a := testTask("a", "Task A")
	b := &types.Task{ID: "b", Name: "Task B", Status: types.TaskCompleted}
	c := &types.Task{ID: "c", Name: "Task C", DependsOn: []string{"a", "b"}}

	// a finished in a previous attempt, b carries completed status on the
	// plan itself; only c still needs to run and its dependencies count as
	// satisfied either way.
	groups := groupTasks([]*types.Task{a, b, c}, map[string]bool{"a": true})
	require.Len(t, groups, 1)
	assert.Equal(t, []*types.Task{c}, groups[0])
}

func TestPhaseOutcome_CountsTerminalStatesOnly(t *testing.T) {
	phase := &types.Phase{Tasks: []*types.Task{
		{ID: "a", Status: types.TaskCompleted},
		{ID: "b", Status: types.TaskFailed},
		{ID: "c", Status: types.TaskPending},
		{ID: "d", Status: types.TaskRunning},
	}}

	completed, failed := phaseOutcome(phase)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
}

func TestKeywordAssigner_MatchesRoleKeywords(t *testing.T) {
	assigner := NewKeywordAssigner(map[string][]string{
		"architect": {"design", "schema"},
		"frontend":  {"ui", "component"},
	})
	pods := []*pool.Pod{
		{ID: "pod-arch", Role: "architect", Status: pool.PodIdle},
		{ID: "pod-fe", Role: "frontend", Status: pool.PodIdle},
	}

	out := assigner.Assign([]*types.Task{
		{ID: "t1", Name: "Design the database schema"},
		{ID: "t2", Name: "Build the ui component"},
	}, pods)

	assert.Equal(t, "pod-arch", out["t1"])
	assert.Equal(t, "pod-fe", out["t2"])
}

func TestKeywordAssigner_ExplicitBindingWins(t *testing.T) {
	assigner := NewKeywordAssigner(map[string][]string{
		"architect": {"design"},
	})
	pods := []*pool.Pod{
		{ID: "pod-arch", Role: "architect", Status: pool.PodIdle},
		{ID: "pod-fe", Role: "frontend", Status: pool.PodIdle},
	}

	bound := &types.Task{ID: "t1", Name: "Design the layout", AssignedPod: "pod-fe"}
	ghost := &types.Task{ID: "t2", Name: "Design the layout", AssignedPod: "pod-gone"}

	out := assigner.Assign([]*types.Task{bound, ghost}, pods)
	assert.Equal(t, "pod-fe", out["t1"], "a known explicit binding beats keyword scoring")
	assert.Equal(t, "pod-arch", out["t2"], "an unknown binding falls back to scoring")
}

func TestKeywordAssigner_SpreadsUnmatchedRoundRobin(t *testing.T) {
	assigner := NewKeywordAssigner(nil)
	pods := []*pool.Pod{
		{ID: "pod-1", Role: "generalist", Status: pool.PodIdle},
		{ID: "pod-2", Role: "generalist", Status: pool.PodIdle},
	}

	out := assigner.Assign([]*types.Task{
		{ID: "t1", Name: "alpha"},
		{ID: "t2", Name: "beta"},
		{ID: "t3", Name: "gamma"},
	}, pods)

	assert.Equal(t, "pod-1", out["t1"])
	assert.Equal(t, "pod-2", out["t2"])
	assert.Equal(t, "pod-1", out["t3"])
}

func TestExecute_PhaseSucceedsOnTaskMajority(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID: "wf-majority",
		Plan: testPlan(
			testPhase("p1", "Research", 1,
				testTask("t1", "Summarize prior art"),
				testTask("t2", "List open questions"),
				testTask("t3", "Collect references"),
			),
		),
	})
	rig.caller.Append(
		providers.RespondWith("summary written", 20),
		providers.FailWith(errors.New("invalid request: malformed prompt")),
		providers.RespondWith("references collected", 20),
	)

	require.NoError(t, rig.engine.Execute(ctx, id))

	wf := storedWorkflow(t, rig, id)
	assert.Equal(t, types.StatusCompleted, wf.Status)
	phase := wf.Plan.PhaseByID("p1")
	assert.Equal(t, types.PhaseCompleted, phase.Status)
	assert.Equal(t, types.TaskFailed, phase.TaskByID("t2").Status)
	assert.Contains(t, phase.TaskByID("t2").Error, "invalid request")
	assert.Equal(t, 3, rig.caller.CallCount())

	assert.Contains(t, transcriptText(t, rig, id),
		`Phase "Research" completed: 2 task(s) completed, 1 failed.`)
}

func TestExecute_DependentTaskFailsWhenDependencyFailed(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID: "wf-dependency",
		Plan: testPlan(
			testPhase("p1", "Build", 1,
				testTask("t1", "Assemble the page"),
				&types.Task{ID: "t2", Name: "Polish the page", DependsOn: []string{"t1"}},
			),
		),
	})
	rig.caller.Append(providers.FailWith(errors.New("invalid request: malformed prompt")))

	require.NoError(t, rig.engine.Execute(ctx, id))

	wf := storedWorkflow(t, rig, id)
	phase := wf.Plan.PhaseByID("p1")
	assert.Equal(t, types.PhaseFailed, phase.Status)
	assert.Equal(t, types.TaskFailed, phase.TaskByID("t2").Status)
	assert.Contains(t, phase.TaskByID("t2").Error, "dependency t1 did not complete")

	// The dependent task never reached the model.
	assert.Equal(t, 1, rig.caller.CallCount())
}

func TestExecute_CircuitBreakerSkipsDownstreamPhases(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID: "wf-breaker",
		Plan: testPlan(
			testPhase("p1", "Research", 1, testTask("t1", "Summarize prior art")),
			testPhase("p2", "Build", 2, testTask("t2", "Assemble the page")),
		),
	})
	rig.caller.Append(providers.FailWith(errors.New("invalid request: malformed prompt")))

	require.NoError(t, rig.engine.Execute(ctx, id))

	wf := storedWorkflow(t, rig, id)
	assert.Equal(t, types.PhaseFailed, wf.Plan.PhaseByID("p1").Status)
	assert.Equal(t, types.PhaseSkipped, wf.Plan.PhaseByID("p2").Status)
	assert.Equal(t, types.TaskPending, wf.Plan.PhaseByID("p2").Tasks[0].Status)

	// A failed phase delivers partially; the workflow itself still
	// completes.
	assert.Equal(t, types.StatusCompleted, wf.Status)
	assert.Equal(t, 1, rig.caller.CallCount())

	assert.Contains(t, transcriptText(t, rig, id),
		`Circuit breaker: phase "Research" produced no completed tasks; skipping 1 downstream phase(s): Build.`)
}

func TestRetryPhase_RerunsFailedPhaseAndCascades(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID: "wf-retry",
		Plan: testPlan(
			testPhase("p1", "Research", 1, testTask("t1", "Summarize prior art")),
			testPhase("p2", "Build", 2, testTask("t2", "Assemble the page")),
		),
	})
	rig.caller.Append(providers.FailWith(errors.New("503 service unavailable")))

	require.NoError(t, rig.engine.Execute(ctx, id))

	wf := storedWorkflow(t, rig, id)
	require.Equal(t, types.PhaseFailed, wf.Plan.PhaseByID("p1").Status)
	require.Equal(t, types.PhaseSkipped, wf.Plan.PhaseByID("p2").Status)
	assert.Contains(t, wf.Plan.PhaseByID("p1").Tasks[0].Error, "task failed after 3 attempts")
	require.Equal(t, 3, rig.caller.CallCount())

	// The stuck failure step replays once more before the new steps take
	// over; the task-level retry absorbs it.
	rig.caller.Append(
		providers.RespondWith("research redone", 20),
		providers.RespondWith("page assembled", 20),
	)
	require.NoError(t, rig.engine.RetryPhase(ctx, id, "p1"))

	wf = storedWorkflow(t, rig, id)
	assert.Equal(t, types.StatusCompleted, wf.Status)
	assert.Equal(t, types.PhaseCompleted, wf.Plan.PhaseByID("p1").Status)
	assert.Equal(t, types.PhaseCompleted, wf.Plan.PhaseByID("p2").Status)
	assert.Equal(t, 6, rig.caller.CallCount())

	text := transcriptText(t, rig, id)
	assert.Contains(t, text, `Retrying phase "Research".`)
	assert.Contains(t, text, `Retry cascade: re-running previously skipped phase "Build".`)
}

func TestRetryPhase_RequiresIdleWorkflow(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID:   "wf-retry-live",
		Plan: testPlan(testPhase("p1", "Build", 1, testTask("t1", "Assemble the page"))),
	})
	rig.caller.Append(
		providers.RespondWithToolCalls(providers.ToolCall{ID: "c1", Name: "block"}),
		providers.RespondWith("done", 10),
	)

	done := rig.execAsync(ctx, id)
	awaitSignal(t, rig.blockEntered, "task to start")

	err := rig.engine.RetryPhase(ctx, id, "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a live attempt")

	close(rig.blockRelease)
	require.NoError(t, awaitErr(t, done))

	assert.Error(t, rig.engine.RetryPhase(ctx, id, "missing"))
}

func TestCheckpointGate_ApprovalContinues(t *testing.T) {
	rig := newTestRig(t, func(s *rigSetup) { s.cfg.Authority = types.AuthoritySupervised })
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID: "wf-checkpoint",
		Plan: testPlan(
			testPhase("p1", "Research", 1, testTask("t1", "Summarize prior art")),
			testPhase("p2", "Build", 2, testTask("t2", "Assemble the page")),
		),
	})

	reached := make(chan string, 2)
	unsub := rig.bus.Subscribe("observer", func(m *bus.Message) {
		if name, _ := m.Payload["phase_name"].(string); name != "" {
			select {
			case reached <- name:
			default:
			}
		}
	}, &bus.Filter{Types: []bus.MessageType{bus.TypeCheckpointReached}})
	defer unsub()

	done := rig.execAsync(ctx, id)
	assert.Equal(t, "Research", awaitValue(t, reached, "checkpoint broadcast"))
	require.NoError(t, rig.engine.SubmitCheckpointDecision(id, true))
	require.NoError(t, awaitErr(t, done))

	wf := storedWorkflow(t, rig, id)
	assert.Equal(t, types.StatusCompleted, wf.Status)
	assert.Equal(t, types.PhaseCompleted, wf.Plan.PhaseByID("p2").Status)
	assert.Contains(t, transcriptText(t, rig, id), `Checkpoint after phase "Research" approved.`)
}

func TestCheckpointGate_RejectionCancels(t *testing.T) {
	rig := newTestRig(t, func(s *rigSetup) { s.cfg.Authority = types.AuthoritySupervised })
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID: "wf-checkpoint-reject",
		Plan: testPlan(
			testPhase("p1", "Research", 1, testTask("t1", "Summarize prior art")),
			testPhase("p2", "Build", 2, testTask("t2", "Assemble the page")),
		),
	})

	reached := make(chan string, 2)
	unsub := rig.bus.Subscribe("observer", func(m *bus.Message) {
		select {
		case reached <- "reached":
		default:
		}
	}, &bus.Filter{Types: []bus.MessageType{bus.TypeCheckpointReached}})
	defer unsub()

	done := rig.execAsync(ctx, id)
	awaitValue(t, reached, "checkpoint broadcast")
	require.NoError(t, rig.engine.SubmitCheckpointDecision(id, false))
	require.NoError(t, awaitErr(t, done))

	wf := storedWorkflow(t, rig, id)
	assert.Equal(t, types.StatusCancelled, wf.Status)
	assert.Equal(t, types.TaskPending, wf.Plan.PhaseByID("p2").Tasks[0].Status)

	text := transcriptText(t, rig, id)
	assert.Contains(t, text, `Checkpoint after phase "Research" rejected.`)
	assert.Contains(t, text, "Execution cancelled (checkpoint rejected)")
}

func TestCheckpointGate_TimeoutContinues(t *testing.T) {
	rig := newTestRig(t, func(s *rigSetup) {
		s.cfg.Authority = types.AuthoritySupervised
		s.cfg.Timeouts.Checkpoint = 30 * time.Millisecond
	})
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID: "wf-checkpoint-timeout",
		Plan: testPlan(
			testPhase("p1", "Research", 1, testTask("t1", "Summarize prior art")),
			testPhase("p2", "Build", 2, testTask("t2", "Assemble the page")),
		),
	})

	require.NoError(t, rig.engine.Execute(ctx, id))

	wf := storedWorkflow(t, rig, id)
	assert.Equal(t, types.StatusCompleted, wf.Status)
	assert.Equal(t, types.PhaseCompleted, wf.Plan.PhaseByID("p2").Status)
	assert.Contains(t, transcriptText(t, rig, id),
		"Checkpoint decision timed out, continuing automatically.")
}

func TestCheckpointGate_AutonomousSelfApproves(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	id := seedWorkflow(t, rig, &types.Workflow{
		ID: "wf-checkpoint-auto",
		Plan: testPlan(
			testPhase("p1", "Research", 1, testTask("t1", "Summarize prior art")),
			testPhase("p2", "Build", 2, testTask("t2", "Assemble the page")),
		),
	})

	require.NoError(t, rig.engine.Execute(ctx, id))

	assert.Empty(t, rig.bus.MessagesByType(bus.TypeCheckpointReached))
	assert.Contains(t, transcriptText(t, rig, id),
		`Checkpoint after phase "Research" auto-approved (autonomous authority).`)
}
