package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/AltairaLabs/foreman/bus"
	"github.com/AltairaLabs/foreman/logger"
	metricsprom "github.com/AltairaLabs/foreman/metrics/prometheus"
	"github.com/AltairaLabs/foreman/types"
)

// runPhases drives every incomplete phase of the plan in order. Before each
// phase it checks the time budget and any pending pause; a phase whose tasks
// all failed trips the circuit breaker, skipping everything downstream.
func (e *Engine) runPhases(ctx context.Context, st *executionState, wf *types.Workflow) error {
	phases := wf.Plan.Phases
	sort.SliceStable(phases, func(i, j int) bool { return phases[i].Order < phases[j].Order })

	for i, phase := range phases {
		if st.isDone() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if total := wf.TimeBudget.TotalMinutes; total > 0 && st.elapsed().Minutes() >= total {
			logger.BudgetWarning(wf.ID, "time", st.elapsed().Minutes(), total)
			e.narrate(ctx, st, fmt.Sprintf(
				"Time budget exhausted after %s, stopping before phase %q.",
				formatDuration(st.elapsed()), phase.Name))
			break
		}
		if err := e.waitWhilePaused(ctx, st); err != nil {
			if err == errExecutionStopped {
				return nil
			}
			return err
		}
		if st.isDone() {
			return nil
		}
		if phase.Status == types.PhaseSkipped || !phase.Incomplete() {
			continue
		}

		st.setPhaseIndex(i)
		if err := e.executePhase(ctx, st, wf, phase); err != nil {
			return err
		}

		if i < len(phases)-1 && phase.Status == types.PhaseCompleted {
			if err := e.checkpointGate(ctx, st, wf, phase); err != nil {
				if err == errExecutionStopped {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// executePhase runs one phase: its tasks are partitioned into dependency
// groups, each group is distributed across pods, and the phase outcome is a
// strict majority of completed over failed tasks.
func (e *Engine) executePhase(ctx context.Context, st *executionState, wf *types.Workflow, phase *types.Phase) error {
	ctx, span := e.tracer.Start(ctx, "foreman.phase",
		trace.WithAttributes(
			attribute.String("phase.id", phase.ID),
			attribute.String("phase.name", phase.Name),
		))
	defer span.End()

	phaseStart := e.now()
	phase.Status = types.PhaseRunning
	e.persistPhase(ctx, wf, phase)
	logger.PhaseStart(wf.ID, phase.ID, phase.Name, len(phase.Tasks))
	e.bus.Broadcast(busParticipant, bus.TypePhaseStarted, map[string]any{
		"workflow_id": wf.ID,
		"phase_id":    phase.ID,
		"phase_name":  phase.Name,
		"tasks":       len(phase.Tasks),
	}, bus.PriorityNormal)
	e.narrate(ctx, st, fmt.Sprintf("Phase %q started with %d task(s).", phase.Name, len(phase.Tasks)))

	for _, group := range groupTasks(phase.Tasks, st.completedSet()) {
		if st.isDone() || ctx.Err() != nil {
			break
		}
		if err := e.waitWhilePaused(ctx, st); err != nil {
			break
		}
		e.runGroup(ctx, st, wf, phase, group)
	}

	completed, failed := phaseOutcome(phase)
	success := completed > failed
	if success {
		phase.Status = types.PhaseCompleted
	} else {
		phase.Status = types.PhaseFailed
	}
	e.persistPhase(ctx, wf, phase)

	duration := e.now().Sub(phaseStart)
	statusLabel := "completed"
	if !success {
		statusLabel = "failed"
	}
	logger.PhaseComplete(wf.ID, phase.ID, completed, failed)
	e.bus.Broadcast(busParticipant, bus.TypePhaseCompleted, map[string]any{
		"workflow_id":      wf.ID,
		"phase_id":         phase.ID,
		"phase_name":       phase.Name,
		"status":           statusLabel,
		"completed":        completed,
		"failed":           failed,
		"duration_seconds": duration.Seconds(),
	}, bus.PriorityNormal)
	e.narrate(ctx, st, fmt.Sprintf("Phase %q %s: %d task(s) completed, %d failed.",
		phase.Name, statusLabel, completed, failed))

	if completed == 0 && len(phase.Tasks) > 0 && !st.isDone() {
		e.tripCircuitBreaker(ctx, st, wf, phase)
	}
	return nil
}

// phaseOutcome counts terminal task states. Tasks still pending (for
// example because execution was cancelled mid-phase) count as neither.
func phaseOutcome(phase *types.Phase) (completed, failed int) {
	for _, t := range phase.Tasks {
		switch t.Status {
		case types.TaskCompleted:
			completed++
		case types.TaskFailed:
			failed++
		}
	}
	return completed, failed
}

// groupTasks partitions tasks into dependency layers: each group holds the
// tasks whose in-phase dependencies are all satisfied by earlier groups or
// previously completed work. Dependencies pointing outside the phase are
// resolved at run time, not here. When an iteration places nothing (a
// dependency cycle), the remaining tasks fall back to a single group in
// plan order.
func groupTasks(tasks []*types.Task, done map[string]bool) [][]*types.Task {
	inPhase := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inPhase[t.ID] = true
	}

	var remaining []*types.Task
	for _, t := range tasks {
		if !done[t.ID] && t.Status != types.TaskCompleted {
			remaining = append(remaining, t)
		}
	}

	satisfied := make(map[string]bool, len(done))
	for id := range done {
		satisfied[id] = true
	}
	for _, t := range tasks {
		if t.Status == types.TaskCompleted {
			satisfied[t.ID] = true
		}
	}

	var groups [][]*types.Task
	for len(remaining) > 0 {
		var group []*types.Task
		for _, t := range remaining {
			ready := true
			for _, dep := range t.DependsOn {
				if inPhase[dep] && !satisfied[dep] {
					ready = false
					break
				}
			}
			if ready {
				group = append(group, t)
			}
		}
		if len(group) == 0 {
			return append(groups, remaining)
		}

		groups = append(groups, group)
		placed := make(map[string]bool, len(group))
		for _, t := range group {
			satisfied[t.ID] = true
			placed[t.ID] = true
		}
		var rest []*types.Task
		for _, t := range remaining {
			if !placed[t.ID] {
				rest = append(rest, t)
			}
		}
		remaining = rest
	}
	return groups
}

// podAssignment is one pod's task queue for a group.
type podAssignment struct {
	podID string
	tasks []*types.Task
}

// runGroup distributes one dependency group across pods and runs the pods
// concurrently. Each pod works through its queue sequentially;
// MaxConcurrentPods, when set, caps how many pods run at once.
func (e *Engine) runGroup(ctx context.Context, st *executionState, wf *types.Workflow, phase *types.Phase, group []*types.Task) {
	assignments := e.assignGroup(ctx, st, group)
	if len(assignments) == 0 {
		for _, t := range group {
			if t.Status == types.TaskCompleted {
				continue
			}
			t.Status = types.TaskFailed
			t.Error = "no pods available"
			st.recordError(fmt.Sprintf("task %s: no pods available", t.ID))
		}
		e.persistPhase(ctx, wf, phase)
		return
	}

	var sem *semaphore.Weighted
	if n := e.cfg.MaxConcurrentPods; n > 0 {
		sem = semaphore.NewWeighted(int64(n))
	}

	var wg sync.WaitGroup
	for _, a := range assignments {
		wg.Add(1)
		go func(a podAssignment) {
			defer wg.Done()
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer sem.Release(1)
			}
			for _, task := range a.tasks {
				if st.isDone() || ctx.Err() != nil {
					return
				}
				if err := e.waitWhilePaused(ctx, st); err != nil {
					return
				}
				e.runTask(ctx, st, wf, phase, task, a.podID)
			}
		}(a)
	}
	wg.Wait()
}

// assignGroup maps each task in the group to a pod and returns per-pod task
// queues in pod spawn order. Tasks the policy leaves unassigned fall back to
// the first active pod.
func (e *Engine) assignGroup(ctx context.Context, st *executionState, group []*types.Task) []podAssignment {
	pods := e.livePods(ctx, st)
	if len(pods) == 0 {
		return nil
	}

	known := make(map[string]bool, len(pods))
	for _, p := range pods {
		known[p.ID] = true
	}

	byTask := e.assigner.Assign(group, pods)
	byPod := make(map[string][]*types.Task, len(pods))
	for _, t := range group {
		podID := byTask[t.ID]
		if !known[podID] {
			podID = pods[0].ID
		}
		byPod[podID] = append(byPod[podID], t)
	}

	var out []podAssignment
	for _, p := range pods {
		if queue := byPod[p.ID]; len(queue) > 0 {
			out = append(out, podAssignment{podID: p.ID, tasks: queue})
		}
	}
	return out
}

// tripCircuitBreaker marks every later-order phase, and every phase that
// explicitly depends on the failed one, as skipped. Skipped phases are
// recoverable via RetryPhase.
func (e *Engine) tripCircuitBreaker(ctx context.Context, st *executionState, wf *types.Workflow, failed *types.Phase) {
	var skipped []string
	for _, p := range wf.Plan.Phases {
		if p.ID == failed.ID || p.Status == types.PhaseCompleted || p.Status == types.PhaseSkipped {
			continue
		}
		if p.Order > failed.Order || dependsOn(p, failed.ID) {
			p.Status = types.PhaseSkipped
			e.persistPhase(ctx, wf, p)
			skipped = append(skipped, p.Name)
		}
	}
	if len(skipped) == 0 {
		return
	}
	logger.Warn("Circuit breaker tripped",
		"workflow_id", wf.ID, "failed_phase", failed.ID, "skipped", len(skipped))
	e.narrate(ctx, st, fmt.Sprintf(
		"Circuit breaker: phase %q produced no completed tasks; skipping %d downstream phase(s): %s.",
		failed.Name, len(skipped), strings.Join(skipped, ", ")))
}

func dependsOn(p *types.Phase, phaseID string) bool {
	for _, dep := range p.DependsOn {
		if dep == phaseID {
			return true
		}
	}
	return false
}

// checkpointGate pauses at a phase boundary for a human decision. Under
// autonomous authority the checkpoint self-approves; otherwise the attempt
// sits in checkpoint status until SubmitCheckpointDecision or the timeout,
// which auto-continues. A rejected checkpoint cancels the workflow.
func (e *Engine) checkpointGate(ctx context.Context, st *executionState, wf *types.Workflow, phase *types.Phase) error {
	if st.authorityLevel() == types.AuthorityAutonomous {
		e.narrate(ctx, st, fmt.Sprintf("Checkpoint after phase %q auto-approved (autonomous authority).", phase.Name))
		return nil
	}

	ch, err := st.armCheckpoint()
	if err != nil {
		return err
	}
	e.updateWorkflowStatus(ctx, wf.ID, types.StatusCheckpoint)
	e.bus.Broadcast(busParticipant, bus.TypeCheckpointReached, map[string]any{
		"workflow_id": wf.ID,
		"phase_id":    phase.ID,
		"phase_name":  phase.Name,
	}, bus.PriorityHigh)
	e.narrate(ctx, st, fmt.Sprintf("Checkpoint: phase %q finished, waiting for approval.", phase.Name))
	logger.Info("Checkpoint reached", "workflow_id", wf.ID, "phase_id", phase.ID)

	approved := true
	timer := time.NewTimer(e.cfg.Timeouts.Checkpoint)
	defer timer.Stop()
	select {
	case decision := <-ch:
		approved = decision
	case <-timer.C:
		e.narrate(ctx, st, "Checkpoint decision timed out, continuing automatically.")
		logger.Warn("Checkpoint timed out, auto-continuing",
			"workflow_id", wf.ID, "phase_id", phase.ID)
	case <-st.done:
		_ = st.disarmCheckpoint()
		return errExecutionStopped
	case <-ctx.Done():
		_ = st.disarmCheckpoint()
		return ctx.Err()
	}

	if err := st.disarmCheckpoint(); err != nil {
		return err
	}
	if !approved {
		e.narrate(ctx, st, fmt.Sprintf("Checkpoint after phase %q rejected.", phase.Name))
		e.cancelWorkflow(ctx, st, "checkpoint rejected")
		return errExecutionStopped
	}
	e.updateWorkflowStatus(ctx, wf.ID, types.StatusExecuting)
	e.narrate(ctx, st, fmt.Sprintf("Checkpoint after phase %q approved.", phase.Name))
	return nil
}

// SubmitCheckpointDecision delivers a human decision to a workflow waiting
// at a checkpoint. Approving continues execution; rejecting cancels the
// workflow.
func (e *Engine) SubmitCheckpointDecision(workflowID string, approved bool) error {
	st, ok := e.state(workflowID)
	if !ok {
		return ErrNotRunning
	}
	ch := st.checkpointChan()
	if ch == nil {
		return fmt.Errorf("engine: workflow %s is not at a checkpoint", workflowID)
	}
	select {
	case ch <- approved:
		return nil
	default:
		return fmt.Errorf("engine: checkpoint decision already submitted for workflow %s", workflowID)
	}
}

// RetryPhase re-executes a failed phase. Completed tasks keep their results;
// failed and stale-running tasks reset to pending. On success the retry
// cascades into phases previously skipped by the circuit breaker, then the
// completion sequence runs again.
func (e *Engine) RetryPhase(ctx context.Context, workflowID, phaseID string) error {
	wf, err := e.store.GetWorkflowByID(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("engine: load workflow %s: %w", workflowID, err)
	}
	if wf.Plan == nil {
		return fmt.Errorf("%w: workflow %s", ErrNoPlan, workflowID)
	}
	phase := wf.Plan.PhaseByID(phaseID)
	if phase == nil {
		return fmt.Errorf("engine: phase %q not found in workflow %s", phaseID, workflowID)
	}

	st, fresh := e.register(workflowID)
	if !fresh {
		return fmt.Errorf("engine: workflow %s already has a live attempt", workflowID)
	}
	defer e.unregister(workflowID, st)

	e.initState(st, wf)
	e.restoreSnapshot(ctx, st, wf)
	for _, p := range wf.Plan.Phases {
		for _, t := range p.Tasks {
			if t.Status == types.TaskCompleted {
				st.markCompleted(t.ID)
			}
		}
	}
	if err := e.openContract(ctx, st, wf); err != nil {
		return e.failWorkflow(ctx, st, wf, err)
	}

	metricsprom.RecordWorkflowStart()
	if err := st.transition(types.StatusExecuting); err != nil {
		return e.failWorkflow(ctx, st, wf, err)
	}
	e.updateWorkflowStatus(ctx, workflowID, types.StatusExecuting)
	if err := e.spawnPods(ctx, st, wf); err != nil {
		return e.failWorkflow(ctx, st, wf, err)
	}

	resetPhase(phase)
	e.persistPhase(ctx, wf, phase)
	e.narrate(ctx, st, fmt.Sprintf("Retrying phase %q.", phase.Name))
	logger.Info("Retrying phase", "workflow_id", workflowID, "phase_id", phaseID)

	if err := e.executePhase(ctx, st, wf, phase); err != nil {
		return e.failWorkflow(ctx, st, wf, err)
	}

	if phase.Status == types.PhaseCompleted {
		e.cascadeSkippedPhases(ctx, st, wf, phase)
	}
	if st.currentStatus() == types.StatusCancelled {
		return nil
	}
	if err := e.completeWorkflow(ctx, st, wf); err != nil {
		return e.failWorkflow(ctx, st, wf, err)
	}
	return nil
}

// cascadeSkippedPhases re-runs, in order, the phases the circuit breaker
// skipped after the retried phase succeeded.
func (e *Engine) cascadeSkippedPhases(ctx context.Context, st *executionState, wf *types.Workflow, retried *types.Phase) {
	phases := append([]*types.Phase(nil), wf.Plan.Phases...)
	sort.SliceStable(phases, func(i, j int) bool { return phases[i].Order < phases[j].Order })

	for _, p := range phases {
		if st.isDone() || ctx.Err() != nil {
			return
		}
		if p.Status != types.PhaseSkipped || p.Order < retried.Order {
			continue
		}
		if total := wf.TimeBudget.TotalMinutes; total > 0 && st.elapsed().Minutes() >= total {
			e.narrate(ctx, st, fmt.Sprintf(
				"Time budget exhausted, leaving phase %q skipped.", p.Name))
			return
		}
		resetPhase(p)
		e.persistPhase(ctx, wf, p)
		e.narrate(ctx, st, fmt.Sprintf("Retry cascade: re-running previously skipped phase %q.", p.Name))
		if err := e.executePhase(ctx, st, wf, p); err != nil {
			logger.Warn("Cascade phase failed", "phase_id", p.ID, "error", err)
			return
		}
		if p.Status != types.PhaseCompleted {
			return
		}
	}
}

// resetPhase returns a phase's failed and stale-running tasks to pending.
// Completed tasks are untouched.
func resetPhase(phase *types.Phase) {
	phase.Status = types.PhasePending
	for _, t := range phase.Tasks {
		switch t.Status {
		case types.TaskFailed, types.TaskRunning:
			t.Status = types.TaskPending
			t.Error = ""
		}
	}
}
