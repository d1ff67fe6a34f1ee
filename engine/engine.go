// Package engine executes time-budgeted work orders. It drives a workflow's
// phased plan through worker pods: phases run in plan order, tasks inside a
// phase are grouped by dependency and distributed across pods, and every
// model or tool invocation is validated against the workflow's contract
// before it spends budget.
//
// The engine keeps one in-memory execution state per running workflow and
// persists a snapshot after every task, so an interrupted run can resume
// from the first phase that still has incomplete work. Lifecycle events
// (task results, phase boundaries, checkpoints, pauses) are broadcast on the
// message bus; anything that blocks on a human waits on a channel with a
// bounded timeout rather than polling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AltairaLabs/foreman/bus"
	"github.com/AltairaLabs/foreman/config"
	"github.com/AltairaLabs/foreman/contract"
	"github.com/AltairaLabs/foreman/logger"
	metricsprom "github.com/AltairaLabs/foreman/metrics/prometheus"
	"github.com/AltairaLabs/foreman/pool"
	"github.com/AltairaLabs/foreman/providers"
	"github.com/AltairaLabs/foreman/store"
	"github.com/AltairaLabs/foreman/telemetry"
	"github.com/AltairaLabs/foreman/tools"
	"github.com/AltairaLabs/foreman/types"
)

// busParticipant identifies the engine on the message bus.
const busParticipant = "engine"

// Engine errors.
var (
	ErrNoPlan                 = errors.New("engine: workflow has no plan")
	ErrPlanNotApproved        = errors.New("engine: plan requires approval before execution")
	ErrUnsupportedPlanVersion = errors.New("engine: unsupported plan schema version")
	ErrNotRunning             = errors.New("engine: workflow is not running")
)

// errExecutionStopped aborts in-flight work when the attempt reached a
// terminal status from another goroutine.
var errExecutionStopped = errors.New("engine: execution stopped")

// Deps are the collaborators the engine is wired with. Store, Bus,
// Contracts, Pods, Catalog, Dispatcher and Models are required; the rest
// default to working implementations.
type Deps struct {
	Store      store.Store
	Bus        *bus.Bus
	Contracts  *contract.Service
	Pods       pool.Pool
	Catalog    *tools.Catalog
	Dispatcher tools.Dispatcher
	Models     *providers.Registry

	// Prompts builds the model prompts for tasks and clarifications.
	// Defaults to DefaultPromptBuilder.
	Prompts PromptBuilder

	// Scanners run in order during completion; their reports are persisted
	// as receipts.
	Scanners []Scanner

	// Assigner maps runnable tasks onto pods. Defaults to the role-keyword
	// assigner built from the config's RoleKeywords.
	Assigner AssignmentPolicy

	// TracerProvider enables OpenTelemetry spans around workflows, phases
	// and tasks. Nil uses the global provider.
	TracerProvider trace.TracerProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeFunc sets the clock used for elapsed-time computation.
// Primarily for tests.
func WithTimeFunc(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine runs workflows against their plans.
type Engine struct {
	cfg        *config.Config
	store      store.Store
	bus        *bus.Bus
	contracts  *contract.Service
	pods       pool.Pool
	catalog    *tools.Catalog
	dispatcher tools.Dispatcher
	fallback   *providers.FallbackCaller
	prompts    PromptBuilder
	scanners   []Scanner
	assigner   AssignmentPolicy
	tracer     trace.Tracer
	now        func() time.Time

	planVersions *semver.Constraints

	mu     sync.Mutex
	states map[string]*executionState

	unsubscribe func()
}

// New builds an engine from its configuration and collaborators.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Engine, error) {
	cfg, err := config.Validate(cfg)
	if err != nil {
		return nil, err
	}
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: Store is required")
	case deps.Bus == nil:
		return nil, errors.New("engine: Bus is required")
	case deps.Contracts == nil:
		return nil, errors.New("engine: Contracts is required")
	case deps.Pods == nil:
		return nil, errors.New("engine: Pods is required")
	case deps.Catalog == nil:
		return nil, errors.New("engine: Catalog is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("engine: Dispatcher is required")
	case deps.Models == nil:
		return nil, errors.New("engine: Models is required")
	}

	constraint, err := semver.NewConstraint(cfg.SupportedPlanVersions)
	if err != nil {
		return nil, fmt.Errorf("engine: invalid SupportedPlanVersions %q: %w", cfg.SupportedPlanVersions, err)
	}

	e := &Engine{
		cfg:          cfg,
		store:        deps.Store,
		bus:          deps.Bus,
		contracts:    deps.Contracts,
		pods:         deps.Pods,
		catalog:      deps.Catalog,
		dispatcher:   deps.Dispatcher,
		fallback:     providers.NewFallbackCaller(deps.Models),
		prompts:      deps.Prompts,
		scanners:     deps.Scanners,
		assigner:     deps.Assigner,
		tracer:       telemetry.Tracer(deps.TracerProvider),
		now:          time.Now,
		planVersions: constraint,
		states:       make(map[string]*executionState),
	}
	if e.prompts == nil {
		e.prompts = DefaultPromptBuilder{}
	}
	if e.assigner == nil {
		e.assigner = NewKeywordAssigner(cfg.RoleKeywords)
	}
	for _, opt := range opts {
		opt(e)
	}

	e.unsubscribe = e.bus.Subscribe(busParticipant, e.onContractViolation,
		&bus.Filter{Types: []bus.MessageType{bus.TypeContractViolation}})
	return e, nil
}

// Close detaches the engine from the message bus. Running workflows are not
// interrupted.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

type executeOptions struct {
	resume bool
}

// ExecuteOption adjusts a single Execute call.
type ExecuteOption func(*executeOptions)

// WithResume restores progress from the last persisted snapshot instead of
// starting from the first phase.
func WithResume() ExecuteOption {
	return func(o *executeOptions) { o.resume = true }
}

// Execute runs a workflow to a terminal status. It blocks until the workflow
// completes, fails or is cancelled; callers wanting fire-and-forget behavior
// run it on their own goroutine. Calling Execute for a workflow that already
// has a live attempt is a no-op.
func (e *Engine) Execute(ctx context.Context, workflowID string, opts ...ExecuteOption) error {
	var eo executeOptions
	for _, opt := range opts {
		opt(&eo)
	}

	st, fresh := e.register(workflowID)
	if !fresh {
		logger.Info("Execution already in progress, ignoring duplicate execute",
			"workflow_id", workflowID)
		return nil
	}
	defer e.unregister(workflowID, st)

	wf, err := e.store.GetWorkflowByID(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("engine: load workflow %s: %w", workflowID, err)
	}
	if err := e.gateAdmission(wf); err != nil {
		return err
	}

	ctx, span := e.tracer.Start(ctx, "foreman.workflow",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.Bool("workflow.resume", eo.resume),
		))
	defer span.End()

	e.initState(st, wf)
	if eo.resume {
		e.restoreSnapshot(ctx, st, wf)
	}
	if err := e.openContract(ctx, st, wf); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.failWorkflow(ctx, st, wf, err)
	}

	metricsprom.RecordWorkflowStart()
	if err := st.transition(types.StatusExecuting); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.failWorkflow(ctx, st, wf, err)
	}
	e.updateWorkflowStatus(ctx, workflowID, types.StatusExecuting)
	e.narrate(ctx, st, fmt.Sprintf("Execution started: %s (budget %.0f minutes, authority %s).",
		wf.Objective, wf.TimeBudget.TotalMinutes, st.authorityLevel()))
	logger.Info("Workflow execution started",
		"workflow_id", workflowID,
		"attempt_id", st.attemptID,
		"phases", len(wf.Plan.Phases),
		"budget_minutes", wf.TimeBudget.TotalMinutes)

	if err := e.spawnPods(ctx, st, wf); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.failWorkflow(ctx, st, wf, err)
	}
	if err := e.resolveRequiredClarifications(ctx, st, wf); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.failWorkflow(ctx, st, wf, err)
	}

	if err := e.runPhases(ctx, st, wf); err != nil {
		if st.currentStatus() == types.StatusCancelled {
			return nil
		}
		span.SetStatus(codes.Error, err.Error())
		return e.failWorkflow(ctx, st, wf, err)
	}
	if st.currentStatus() == types.StatusCancelled {
		return nil
	}

	if err := e.completeWorkflow(ctx, st, wf); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.failWorkflow(ctx, st, wf, err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Status returns the live status of a registered execution attempt.
func (e *Engine) Status(workflowID string) (types.Status, bool) {
	st, ok := e.state(workflowID)
	if !ok {
		return "", false
	}
	return st.currentStatus(), true
}

// Pause soft-pauses a running workflow. In-flight model and tool calls
// finish naturally; goroutines block at the next suspension point and the
// budget clock freezes until Resume.
func (e *Engine) Pause(ctx context.Context, workflowID string) error {
	st, ok := e.state(workflowID)
	if !ok {
		return ErrNotRunning
	}
	if err := st.pause(types.StatusPaused); err != nil {
		return err
	}
	e.updateWorkflowStatus(ctx, workflowID, types.StatusPaused)
	e.narrate(ctx, st, "Execution paused.")
	logger.Info("Workflow paused", "workflow_id", workflowID)
	return nil
}

// Resume releases a paused workflow.
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	st, ok := e.state(workflowID)
	if !ok {
		return ErrNotRunning
	}
	if err := st.resumeRun(); err != nil {
		return err
	}
	e.updateWorkflowStatus(ctx, workflowID, types.StatusExecuting)
	e.bus.Broadcast(busParticipant, bus.TypeResume,
		map[string]any{"workflow_id": workflowID}, bus.PriorityHigh)
	e.narrate(ctx, st, "Execution resumed.")
	logger.Info("Workflow resumed", "workflow_id", workflowID)
	return nil
}

// Cancel stops a running workflow, releases its pods, fulfills its contract
// and deletes the in-memory state. Artifacts produced so far are preserved.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	st, ok := e.state(workflowID)
	if !ok {
		return ErrNotRunning
	}
	e.cancelWorkflow(ctx, st, "cancel requested")
	return nil
}

// register returns the attempt state for a workflow, creating it when no
// live attempt exists. fresh is false when an attempt is already running.
func (e *Engine) register(workflowID string) (*executionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[workflowID]; ok && !st.currentStatus().IsTerminal() {
		return st, false
	}
	st := newExecutionState(workflowID, uuid.NewString(), e.now)
	e.states[workflowID] = st
	return st, true
}

// unregister removes the attempt from the registry if it still owns the
// slot.
func (e *Engine) unregister(workflowID string, st *executionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.states[workflowID]; ok && cur == st {
		delete(e.states, workflowID)
	}
}

func (e *Engine) state(workflowID string) (*executionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[workflowID]
	return st, ok
}

// gateAdmission rejects workflows that may not execute: missing plans,
// unsupported plan schema versions and unapproved plans. Plans without a
// schema version are accepted as unversioned.
func (e *Engine) gateAdmission(wf *types.Workflow) error {
	if wf.Plan == nil || len(wf.Plan.Phases) == 0 {
		return fmt.Errorf("%w: workflow %s", ErrNoPlan, wf.ID)
	}
	if v := wf.Plan.SchemaVersion; v != "" {
		ver, err := semver.NewVersion(v)
		if err != nil {
			return fmt.Errorf("%w: %q is not valid semver", ErrUnsupportedPlanVersion, v)
		}
		if !e.planVersions.Check(ver) {
			return fmt.Errorf("%w: %s (supported: %s)",
				ErrUnsupportedPlanVersion, v, e.cfg.SupportedPlanVersions)
		}
	}
	if wf.Plan.RequiresApproval && wf.Plan.ApprovedAt == nil {
		return fmt.Errorf("%w: workflow %s", ErrPlanNotApproved, wf.ID)
	}
	return nil
}

func (e *Engine) initState(st *executionState, wf *types.Workflow) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.startTime = e.now()
	st.workspace = wf.Workspace
	st.authority = wf.Authority
	if st.authority == "" {
		st.authority = e.cfg.Authority
	}
	st.cache = tools.NewCache(
		tools.WithTTL(e.cfg.ToolLoop.CacheTTL),
		tools.WithTimeFunc(e.now),
	)
}

// openContract binds the attempt to an active contract, reusing one when it
// is still active and creating a fresh one otherwise. Resumed attempts get a
// contract sized to the remaining budget.
func (e *Engine) openContract(ctx context.Context, st *executionState, wf *types.Workflow) error {
	if id := st.contract(); id != "" {
		if c, ok := e.contracts.Get(id); ok && c.Status == contract.StatusActive {
			return nil
		}
		st.setContract("")
	}
	if wf.ContractID != "" {
		if c, ok := e.contracts.Get(wf.ContractID); ok && c.Status == contract.StatusActive {
			st.setContract(wf.ContractID)
			return nil
		}
	}

	remaining := wf.TimeBudget.TotalMinutes
	if used := st.elapsed().Minutes(); used > 0 {
		remaining -= used
	}
	if remaining < 0 {
		remaining = 0
	}
	c := e.contracts.Create(wf.ID, wf.Objective, remaining, nil, 0)
	e.contracts.Activate(c.ID)
	st.setContract(c.ID)

	wf.ContractID = c.ID
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		logger.Warn("Contract binding persist failed", "workflow_id", wf.ID, "error", err)
	}
	return nil
}

// spawnPods provisions one pod per role in the plan's priority order. Pod
// bindings restored from a snapshot are revalidated and respawned when the
// pool no longer knows them.
func (e *Engine) spawnPods(ctx context.Context, st *executionState, wf *types.Workflow) error {
	roles := wf.Plan.PodStrategy.PriorityOrder
	if len(roles) == 0 {
		roles = []string{"generalist"}
	}

	for _, role := range roles {
		if id, ok := st.podFor(role); ok {
			if pod, err := e.pods.Get(ctx, id); err == nil && pod.Status != pool.PodReleased {
				st.addPod(role, id)
				continue
			}
			st.dropPod(role)
		}
		pod, err := e.pods.GetOrCreatePod(ctx, role, wf.ID, st.attemptID)
		if err != nil {
			return fmt.Errorf("engine: spawn pod for role %q: %w", role, err)
		}
		st.addPod(role, pod.ID)
		logger.Info("Pod ready", "workflow_id", wf.ID, "role", role, "pod_id", pod.ID)
	}

	wf.PodIDs = st.pods()
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		logger.Warn("Pod binding persist failed", "workflow_id", wf.ID, "error", err)
	}
	e.narrate(ctx, st, fmt.Sprintf("Spawned %d pod(s): %s.", len(roles), strings.Join(roles, ", ")))
	return nil
}

// livePods reads the attempt's pods fresh from the pool in spawn order.
func (e *Engine) livePods(ctx context.Context, st *executionState) []*pool.Pod {
	var out []*pool.Pod
	for _, id := range st.pods() {
		pod, err := e.pods.Get(ctx, id)
		if err != nil {
			logger.Warn("Pod lookup failed", "pod_id", id, "error", err)
			continue
		}
		out = append(out, pod)
	}
	return out
}

// onContractViolation reacts to stop-condition violations broadcast by the
// contract service. The handler runs on the broadcaster's goroutine while
// the contract service may hold its own lock, so the reaction is deferred to
// a fresh goroutine.
func (e *Engine) onContractViolation(msg *bus.Message) {
	if msg == nil {
		return
	}
	vType, _ := msg.Payload["type"].(string)
	if vType != contract.ViolationStopCondition {
		return
	}
	workflowID, _ := msg.Payload["workflow_id"].(string)
	if workflowID == "" {
		return
	}
	go e.applyStopConditions(workflowID)
}

// applyStopConditions pauses a live workflow when one of its contract's
// pause-action stop conditions has triggered. Each condition is honored at
// most once per attempt.
func (e *Engine) applyStopConditions(workflowID string) {
	st, ok := e.state(workflowID)
	if !ok {
		return
	}
	c, ok := e.contracts.ByWorkflow(workflowID)
	if !ok {
		return
	}
	for _, sc := range c.StopConditions {
		if !sc.Triggered || sc.Action != contract.ActionPause {
			continue
		}
		if !st.honorStopCondition(sc.Type) {
			continue
		}
		if err := st.pause(types.StatusPaused); err != nil {
			logger.Debug("Stop condition pause skipped", "workflow_id", workflowID, "error", err)
			continue
		}
		ctx := context.Background()
		e.updateWorkflowStatus(ctx, workflowID, types.StatusPaused)
		e.narrate(ctx, st, fmt.Sprintf("Paused by contract stop condition %q.", sc.Type))
		logger.Warn("Stop condition paused workflow",
			"workflow_id", workflowID, "condition", sc.Type)
	}
}

// waitWhilePaused blocks until the attempt leaves its paused status. The
// wait is bounded by the configured ceiling; hitting it forces a resume so
// an abandoned pause cannot wedge execution forever.
func (e *Engine) waitWhilePaused(ctx context.Context, st *executionState) error {
	var deadline *time.Timer
	for {
		ch := st.pauseGate()
		if ch == nil {
			if deadline != nil {
				deadline.Stop()
			}
			return nil
		}
		if deadline == nil {
			deadline = time.NewTimer(e.cfg.Timeouts.PauseWaitCeiling)
			defer deadline.Stop()
		}
		select {
		case <-ch:
		case <-st.done:
			return errExecutionStopped
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			logger.Warn("Pause wait ceiling reached, forcing resume",
				"workflow_id", st.workflowID, "ceiling", e.cfg.Timeouts.PauseWaitCeiling)
			if err := st.resumeRun(); err != nil {
				return err
			}
			e.narrate(ctx, st, "Pause exceeded the wait ceiling, resuming automatically.")
			return nil
		}
	}
}

// updateWorkflowStatus persists a status change and broadcasts it.
// Best-effort: persistence failures are logged, not fatal.
func (e *Engine) updateWorkflowStatus(ctx context.Context, workflowID string, status types.Status) {
	wf, err := e.store.GetWorkflowByID(ctx, workflowID)
	if err != nil {
		logger.Warn("Status persist failed", "workflow_id", workflowID, "error", err)
	} else {
		wf.Status = status
		if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
			logger.Warn("Status persist failed", "workflow_id", workflowID, "error", err)
		}
	}
	e.bus.Broadcast(busParticipant, bus.TypeStatusUpdate, map[string]any{
		"workflow_id": workflowID,
		"status":      string(status),
	}, bus.PriorityNormal)
}

// persistPhase writes one phase's progress to the store. Best-effort.
func (e *Engine) persistPhase(ctx context.Context, wf *types.Workflow, phase *types.Phase) {
	if err := e.store.UpdatePhaseProgress(ctx, wf.ID, phase); err != nil {
		logger.Warn("Phase progress persist failed",
			"workflow_id", wf.ID, "phase_id", phase.ID, "error", err)
	}
}

// saveSnapshot persists the attempt's resumable state. Best-effort.
func (e *Engine) saveSnapshot(ctx context.Context, st *executionState) {
	if err := e.store.SaveSnapshot(ctx, st.snapshot()); err != nil {
		logger.Warn("Snapshot save failed", "workflow_id", st.workflowID, "error", err)
	}
}

func (e *Engine) restoreSnapshot(ctx context.Context, st *executionState, wf *types.Workflow) {
	snap, err := e.store.LoadSnapshot(ctx, wf.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("Snapshot load failed", "workflow_id", wf.ID, "error", err)
		}
		return
	}
	st.restore(snap)
	e.narrate(ctx, st, fmt.Sprintf("Resuming from snapshot: %d task(s) already completed.",
		len(snap.CompletedTaskIDs)))
	logger.Info("Resuming workflow from snapshot",
		"workflow_id", wf.ID,
		"previous_attempt", snap.ExecutionAttemptID,
		"completed_tasks", len(snap.CompletedTaskIDs))
}

// narrate appends a system entry to the workflow transcript. Best-effort.
func (e *Engine) narrate(ctx context.Context, st *executionState, text string) {
	e.appendTranscript(ctx, st, types.RoleSystem, text)
}

// narratePod appends a pod entry to the workflow transcript. Best-effort.
func (e *Engine) narratePod(ctx context.Context, st *executionState, text string) {
	e.appendTranscript(ctx, st, types.RolePod, text)
}

func (e *Engine) appendTranscript(ctx context.Context, st *executionState, role, text string) {
	msg := types.TranscriptMessage{Role: role, Content: text, Timestamp: e.now()}
	if err := e.store.AppendTranscript(ctx, st.workflowID, msg); err != nil {
		logger.Debug("Transcript append failed", "workflow_id", st.workflowID, "error", err)
	}
}

// formatDuration renders a duration as "XmYYs" for transcripts.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%02ds", m, s)
}
