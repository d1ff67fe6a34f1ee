package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/AltairaLabs/foreman/bus"
	"github.com/AltairaLabs/foreman/logger"
	metricsprom "github.com/AltairaLabs/foreman/metrics/prometheus"
	"github.com/AltairaLabs/foreman/tools"
	"github.com/AltairaLabs/foreman/types"
)

// Scanner is one validation pass run over the produced artifacts during
// completion. Its report is persisted as a completion receipt; a failed
// scan flags the workflow in the transcript but does not fail it.
type Scanner interface {
	// Name identifies the scanner in receipts and the transcript.
	Name() string

	// Scan inspects the artifacts and reports what it found.
	Scan(ctx context.Context, artifacts []*types.Artifact) (*types.ScanReport, error)
}

// completeWorkflow runs the completion sequence after the last phase:
// artifact scans, remediation of missing expected outputs, delivery
// announcement and teardown. The snapshot is cleared only here, so a
// failed attempt stays resumable.
func (e *Engine) completeWorkflow(ctx context.Context, st *executionState, wf *types.Workflow) error {
	if err := e.waitWhilePaused(ctx, st); err != nil {
		return err
	}
	if err := st.transition(types.StatusCompleting); err != nil {
		return err
	}
	e.updateWorkflowStatus(ctx, wf.ID, types.StatusCompleting)
	e.narrate(ctx, st, "All phases finished; starting completion.")

	e.runScanners(ctx, st, wf)
	e.remediateMissingOutputs(ctx, st, wf)

	var artifactCount int
	if artifacts, err := e.store.ListArtifacts(ctx, wf.ID); err == nil {
		artifactCount = len(artifacts)
	} else {
		logger.Warn("Artifact listing failed during completion", "workflow_id", wf.ID, "error", err)
	}

	tokens, cost := st.usageTotals()
	e.bus.Broadcast(busParticipant, bus.TypeWorkflowCompleted, map[string]any{
		"workflow_id": wf.ID,
		"artifacts":   artifactCount,
		"tokens":      tokens,
		"cost_usd":    cost,
	}, bus.PriorityHigh)

	e.releasePods(ctx, st, "workflow completed")
	if id := st.contract(); id != "" {
		e.contracts.Fulfill(id)
	}
	if err := e.store.ClearSnapshot(ctx, wf.ID); err != nil {
		logger.Warn("Snapshot clear failed", "workflow_id", wf.ID, "error", err)
	}

	if err := st.transition(types.StatusCompleted); err != nil {
		return err
	}
	e.updateWorkflowStatus(ctx, wf.ID, types.StatusCompleted)

	elapsed := st.elapsed()
	metricsprom.RecordWorkflowEnd("completed", elapsed.Seconds())
	e.narrate(ctx, st, fmt.Sprintf("Work order completed in %s: %d artifact(s), %d token(s), $%.4f spent.",
		formatDuration(elapsed), artifactCount, tokens, cost))
	logger.Info("Workflow completed",
		"workflow_id", wf.ID,
		"attempt_id", st.attemptID,
		"elapsed", formatDuration(elapsed),
		"artifacts", artifactCount,
		"tokens", tokens)
	return nil
}

// runScanners executes every configured scanner over the artifact set and
// persists each report as a receipt. Scanner errors become failed reports
// rather than aborting completion.
func (e *Engine) runScanners(ctx context.Context, st *executionState, wf *types.Workflow) {
	if len(e.scanners) == 0 {
		return
	}
	artifacts, err := e.store.ListArtifacts(ctx, wf.ID)
	if err != nil {
		logger.Warn("Artifact listing failed before scans", "workflow_id", wf.ID, "error", err)
		return
	}

	for _, scanner := range e.scanners {
		report, err := scanner.Scan(ctx, artifacts)
		if err != nil {
			logger.Warn("Scanner failed", "scanner", scanner.Name(), "error", err)
			report = &types.ScanReport{
				Scanner: scanner.Name(),
				Passed:  false,
				Summary: "scan failed: " + err.Error(),
			}
		}
		if report == nil {
			continue
		}
		if report.Scanner == "" {
			report.Scanner = scanner.Name()
		}
		report.CreatedAt = e.now()
		if err := e.store.SaveReceipt(ctx, wf.ID, report); err != nil {
			logger.Warn("Receipt persist failed", "workflow_id", wf.ID, "scanner", report.Scanner, "error", err)
		}

		verdict := "passed"
		if !report.Passed {
			verdict = "flagged issues"
		}
		e.narrate(ctx, st, fmt.Sprintf("Scan %q %s: %s", report.Scanner, verdict, report.Summary))
	}
}

// remediateMissingOutputs compares the plan's expected outputs against the
// artifacts actually produced and runs a synthetic catch-up phase creating
// whatever is missing. The phase goes through the normal grouping and
// assignment machinery, so real pods do the work.
func (e *Engine) remediateMissingOutputs(ctx context.Context, st *executionState, wf *types.Workflow) {
	expected := wf.Plan.ExpectedOutputs
	if len(expected) == 0 {
		return
	}
	artifacts, err := e.store.ListArtifacts(ctx, wf.ID)
	if err != nil {
		logger.Warn("Artifact listing failed before remediation", "workflow_id", wf.ID, "error", err)
		return
	}
	produced := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		produced[tools.NormalizePath(a.Path)] = true
	}

	var missing []string
	for _, path := range expected {
		if !produced[tools.NormalizePath(path)] {
			missing = append(missing, path)
		}
	}
	if len(missing) == 0 {
		return
	}

	e.narrate(ctx, st, fmt.Sprintf("Remediation: %d expected output(s) missing (%s); creating them now.",
		len(missing), strings.Join(missing, ", ")))
	logger.Warn("Expected outputs missing, remediating",
		"workflow_id", wf.ID,
		"missing", len(missing))

	maxOrder := 0
	for _, p := range wf.Plan.Phases {
		if p.Order > maxOrder {
			maxOrder = p.Order
		}
	}
	phase := &types.Phase{
		ID:    "remediation-" + st.attemptID,
		Name:  "Create missing expected outputs",
		Order: maxOrder + 1,
	}
	for i, path := range missing {
		phase.Tasks = append(phase.Tasks, &types.Task{
			ID:   fmt.Sprintf("%s-%d", phase.ID, i+1),
			Name: "Create " + path,
			Description: fmt.Sprintf(
				"The work order expects an output at %q that no task produced. Create that file now with content appropriate to the objective.",
				path),
		})
	}

	if err := e.executePhase(ctx, st, wf, phase); err != nil {
		logger.Warn("Remediation phase failed", "workflow_id", wf.ID, "error", err)
	}
}

// failWorkflow is the terminal error path. Teardown mirrors completion, but
// the snapshot is kept so the attempt can be resumed, and partial artifacts
// stay available for delivery. Returns the cause wrapped.
func (e *Engine) failWorkflow(ctx context.Context, st *executionState, wf *types.Workflow, cause error) error {
	logger.Error("Workflow failed", "workflow_id", wf.ID, "attempt_id", st.attemptID, "error", cause)
	st.recordError(cause.Error())
	st.markTerminal(types.StatusFailed)
	e.saveSnapshot(ctx, st)

	var artifactCount int
	if artifacts, err := e.store.ListArtifacts(ctx, wf.ID); err == nil {
		artifactCount = len(artifacts)
	}

	e.releasePods(ctx, st, "workflow failed: "+cause.Error())
	if id := st.contract(); id != "" {
		e.contracts.Fulfill(id)
	}
	e.updateWorkflowStatus(ctx, wf.ID, types.StatusFailed)
	e.bus.Broadcast(busParticipant, bus.TypeWorkflowFailed, map[string]any{
		"workflow_id": wf.ID,
		"error":       cause.Error(),
		"artifacts":   artifactCount,
	}, bus.PriorityUrgent)

	metricsprom.RecordWorkflowEnd("failed", st.elapsed().Seconds())
	e.narrate(ctx, st, fmt.Sprintf("Execution failed after %s: %v. %d partial artifact(s) preserved.",
		formatDuration(st.elapsed()), cause, artifactCount))
	return fmt.Errorf("engine: workflow %s failed: %w", wf.ID, cause)
}

// cancelWorkflow tears down a live attempt on request: pods return to the
// pool, the contract is fulfilled and the in-memory state is removed.
// Artifacts and the last snapshot are kept.
func (e *Engine) cancelWorkflow(ctx context.Context, st *executionState, reason string) {
	st.markTerminal(types.StatusCancelled)
	e.releasePods(ctx, st, "workflow cancelled: "+reason)
	if id := st.contract(); id != "" {
		e.contracts.Fulfill(id)
	}
	e.updateWorkflowStatus(ctx, st.workflowID, types.StatusCancelled)

	metricsprom.RecordWorkflowEnd("cancelled", st.elapsed().Seconds())
	e.narrate(ctx, st, fmt.Sprintf("Execution cancelled (%s). Completed work is preserved.", reason))
	logger.Info("Workflow cancelled", "workflow_id", st.workflowID, "reason", reason)
	e.unregister(st.workflowID, st)
}

// releasePods returns every pod of the attempt to the pool. Failures are
// logged and swallowed; an unreleased pod only costs pool reuse.
func (e *Engine) releasePods(ctx context.Context, st *executionState, summary string) {
	for _, id := range st.pods() {
		if err := e.pods.ReturnPodToPool(ctx, id, summary, nil); err != nil {
			logger.Warn("Pod release failed", "pod_id", id, "error", err)
		}
	}
}
