package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AltairaLabs/foreman/bus"
	"github.com/AltairaLabs/foreman/contract"
	"github.com/AltairaLabs/foreman/logger"
	metricsprom "github.com/AltairaLabs/foreman/metrics/prometheus"
	"github.com/AltairaLabs/foreman/pool"
	"github.com/AltairaLabs/foreman/providers"
	"github.com/AltairaLabs/foreman/types"
)

// nonRetryablePhrases mark task errors that retrying cannot fix. They take
// precedence over the retryable classification.
var nonRetryablePhrases = []string{
	"contract violation",
	"budget exhausted",
	"execution stopped",
	"cancelled",
	"canceled",
	"authentication",
	"unauthorized",
	"forbidden",
	"invalid api key",
	"invalid request",
	"unsupported",
}

// isRetryableTaskError classifies a task failure. The non-retryable phrase
// list wins over the provider-level retryable patterns; anything matching
// neither is treated as permanent.
func isRetryableTaskError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range nonRetryablePhrases {
		if strings.Contains(msg, phrase) {
			return false
		}
	}
	return providers.IsRetryableError(err)
}

// backoffDelay is the wait before the given retry attempt (1-based).
func backoffDelay(base time.Duration, multiplier float64, attempt int) time.Duration {
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= multiplier
	}
	return time.Duration(d)
}

// taskUsage tallies one task's model spend across retries.
type taskUsage struct {
	tokens  int
	costUSD float64
}

func (u *taskUsage) add(other taskUsage) {
	u.tokens += other.tokens
	u.costUSD += other.costUSD
}

// runTask executes a single task on a pod and records the outcome on the
// task, the store, the contract, the pool and the bus. It never returns an
// error: task failure is phase-level data, not a workflow failure.
func (e *Engine) runTask(ctx context.Context, st *executionState, wf *types.Workflow, phase *types.Phase, task *types.Task, podID string) {
	if task.Status == types.TaskCompleted || st.isCompleted(task.ID) {
		return
	}

	pod, err := e.pods.Get(ctx, podID)
	if err != nil {
		e.finishTaskFailed(ctx, st, wf, phase, task, podID, "",
			fmt.Errorf("pod %s unavailable: %w", podID, err))
		return
	}

	if dep, ok := unmetDependency(wf, task, st.completedSet()); ok {
		e.finishTaskFailed(ctx, st, wf, phase, task, pod.ID, pod.Role,
			fmt.Errorf("dependency %s did not complete", dep))
		return
	}

	ctx, span := e.tracer.Start(ctx, "foreman.task",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("pod.id", pod.ID),
			attribute.String("pod.role", pod.Role),
		))
	defer span.End()

	task.Status = types.TaskRunning
	busy := pool.PodBusy
	if err := e.pods.UpdatePodRuntime(ctx, pod.ID, pool.PodUpdate{Status: &busy}); err != nil {
		logger.Debug("Pod status update failed", "pod_id", pod.ID, "error", err)
	}
	e.persistPhase(ctx, wf, phase)
	logger.Debug("Task started", "workflow_id", wf.ID, "task_id", task.ID, "pod_id", pod.ID)

	result, usage, taskErr := e.runTaskWithRetry(ctx, st, wf, phase, task, pod)

	idle := pool.PodIdle
	if taskErr != nil {
		span.SetStatus(codes.Error, taskErr.Error())
		update := pool.PodUpdate{Status: &idle, AddTokens: usage.tokens, AddCostUSD: usage.costUSD}
		if err := e.pods.UpdatePodRuntime(ctx, pod.ID, update); err != nil {
			logger.Debug("Pod status update failed", "pod_id", pod.ID, "error", err)
		}
		if id := st.contract(); id != "" {
			e.contracts.RecordError(id, taskErr.Error())
		}
		e.finishTaskFailed(ctx, st, wf, phase, task, pod.ID, pod.Role, taskErr)
		e.saveSnapshot(ctx, st)
		return
	}

	span.SetStatus(codes.Ok, "")
	task.Status = types.TaskCompleted
	task.Error = ""
	st.markCompleted(task.ID)
	update := pool.PodUpdate{
		Status:         &idle,
		AddTokens:      usage.tokens,
		AddCostUSD:     usage.costUSD,
		TasksCompleted: 1,
	}
	if err := e.pods.UpdatePodRuntime(ctx, pod.ID, update); err != nil {
		logger.Debug("Pod status update failed", "pod_id", pod.ID, "error", err)
	}
	e.persistPhase(ctx, wf, phase)
	logger.TaskComplete(wf.ID, task.ID, pod.ID, usage.tokens, usage.costUSD)
	e.bus.Broadcast(busParticipant, bus.TypeTaskCompleted, map[string]any{
		"workflow_id": wf.ID,
		"phase_id":    phase.ID,
		"task_id":     task.ID,
		"pod_id":      pod.ID,
		"role":        pod.Role,
		"tokens":      usage.tokens,
		"cost_usd":    usage.costUSD,
	}, bus.PriorityNormal)
	if result != "" {
		e.narratePod(ctx, st, fmt.Sprintf("[%s] %s", task.Name, truncateResult(result, 500)))
	}
	e.saveSnapshot(ctx, st)
}

// finishTaskFailed records a terminal task failure.
func (e *Engine) finishTaskFailed(ctx context.Context, st *executionState, wf *types.Workflow, phase *types.Phase, task *types.Task, podID, role string, cause error) {
	task.Status = types.TaskFailed
	task.Error = cause.Error()
	st.recordError(fmt.Sprintf("task %s: %v", task.ID, cause))
	e.persistPhase(ctx, wf, phase)
	logger.TaskFailed(wf.ID, task.ID, podID, cause)
	e.bus.Broadcast(busParticipant, bus.TypeTaskFailed, map[string]any{
		"workflow_id": wf.ID,
		"phase_id":    phase.ID,
		"task_id":     task.ID,
		"pod_id":      podID,
		"role":        role,
		"error":       cause.Error(),
	}, bus.PriorityHigh)
	e.narrate(ctx, st, fmt.Sprintf("Task %q failed: %v", task.Name, cause))
}

// unmetDependency returns the first dependency of the task that exists in
// the plan but did not complete. Unknown dependency IDs are ignored.
func unmetDependency(wf *types.Workflow, task *types.Task, done map[string]bool) (string, bool) {
	for _, dep := range task.DependsOn {
		if done[dep] {
			continue
		}
		if t := findTask(wf.Plan, dep); t != nil && t.Status != types.TaskCompleted {
			return dep, true
		}
	}
	return "", false
}

func findTask(plan *types.Plan, taskID string) *types.Task {
	for _, p := range plan.Phases {
		if t := p.TaskByID(taskID); t != nil {
			return t
		}
	}
	return nil
}

// runTaskWithRetry drives the attempt loop: retryable failures back off
// exponentially up to the configured cap, permanent failures abort at once,
// and no retry starts after cancellation or budget exhaustion.
func (e *Engine) runTaskWithRetry(ctx context.Context, st *executionState, wf *types.Workflow, phase *types.Phase, task *types.Task, pod *pool.Pod) (string, taskUsage, error) {
	var usage taskUsage
	var lastErr error

	for attempt := 0; attempt <= e.cfg.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(e.cfg.Retry.BackoffBase, e.cfg.Retry.BackoffMultiplier, attempt)
			logger.Warn("Retrying task",
				"workflow_id", wf.ID, "task_id", task.ID, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", usage, ctx.Err()
			case <-st.done:
				return "", usage, errExecutionStopped
			}
		}

		result, attemptUsage, err := e.attemptTask(ctx, st, wf, phase, task, pod)
		usage.add(attemptUsage)
		if err == nil {
			return result, usage, nil
		}
		lastErr = err
		if !isRetryableTaskError(err) {
			return "", usage, err
		}
		if st.isDone() {
			return "", usage, errExecutionStopped
		}
		if total := wf.TimeBudget.TotalMinutes; total > 0 && st.elapsed().Minutes() >= total {
			return "", usage, fmt.Errorf("time budget exhausted during retries: %w", err)
		}
	}
	return "", usage, fmt.Errorf("task failed after %d attempts: %w", e.cfg.Retry.MaxRetries+1, lastErr)
}

// attemptTask runs one model/tool conversation for the task. The context
// window is fresh per attempt; prior attempts leave no conversational
// residue. Tool results are batched into a single continuation message per
// iteration.
func (e *Engine) attemptTask(ctx context.Context, st *executionState, wf *types.Workflow, phase *types.Phase, task *types.Task, pod *pool.Pod) (string, taskUsage, error) {
	var usage taskUsage

	if id := st.contract(); id != "" {
		decision := e.contracts.ValidateAction(id, contract.Action{})
		if !decision.Allowed {
			return "", usage, fmt.Errorf("contract violation: %s", decisionSummary(decision))
		}
	}

	system, user := e.prompts.TaskPrompt(wf, phase, task, st.answeredQuestions())
	messages := []providers.Message{{Role: providers.RoleUser, Content: user}}
	candidates := providerCandidates(pod.Model)
	descriptors := e.toolDescriptors(pod)

	lastContent := ""
	for iteration := 0; iteration < e.cfg.ToolLoop.MaxIterations; iteration++ {
		if st.isDone() {
			return "", usage, errExecutionStopped
		}
		if err := ctx.Err(); err != nil {
			return "", usage, err
		}
		if total := wf.TimeBudget.TotalMinutes; total > 0 && st.elapsed().Minutes() >= total {
			return "", usage, errors.New("time budget exhausted")
		}
		if err := e.waitWhilePaused(ctx, st); err != nil {
			return "", usage, err
		}

		req := providers.Request{
			System:      system,
			Messages:    messages,
			Temperature: pod.Model.Temperature,
			Tools:       descriptors,
		}
		resp, callUsage, err := e.callModel(ctx, st, candidates, req)
		usage.add(callUsage)
		if err != nil {
			return "", usage, err
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, usage, nil
		}
		lastContent = resp.Content

		messages = append(messages, providers.Message{
			Role:    providers.RoleAssistant,
			Content: resp.Content,
		})
		messages = append(messages, e.executeToolCalls(ctx, st, wf, task, pod, resp.ToolCalls))
	}

	logger.Warn("Tool loop iteration limit reached",
		"workflow_id", wf.ID, "task_id", task.ID, "limit", e.cfg.ToolLoop.MaxIterations)
	if lastContent == "" {
		lastContent = "(stopped: tool loop iteration limit reached)"
	}
	return lastContent, usage, nil
}

// callModel invokes the pod's model chain with fallback and records usage on
// the metrics, the attempt and the contract.
func (e *Engine) callModel(ctx context.Context, st *executionState, candidates []providers.Candidate, req providers.Request) (*providers.Response, taskUsage, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.ModelCall)
	defer cancel()

	start := e.now()
	resp, used, err := e.fallback.CallWithFallback(callCtx, candidates, req)
	seconds := e.now().Sub(start).Seconds()
	if err != nil {
		provider, model := "", ""
		if len(candidates) > 0 {
			provider, model = candidates[0].Provider, candidates[0].Model
		}
		metricsprom.RecordModelRequest(provider, model, "error", seconds)
		return nil, taskUsage{}, err
	}

	tokens := resp.Usage.TotalTokens()
	cost := e.cfg.Pricing.CostFor(used.Provider, used.Model, tokens)
	metricsprom.RecordModelRequest(used.Provider, used.Model, "success", seconds)
	metricsprom.RecordTokens(used.Provider, used.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	metricsprom.RecordCost(used.Provider, used.Model, cost)

	st.recordUsage(tokens, cost)
	if id := st.contract(); id != "" {
		e.contracts.RecordUsage(id, cost, tokens)
	}
	return resp, taskUsage{tokens: tokens, costUSD: cost}, nil
}

// toolDescriptors resolves the pod's tool surface: its whitelist when set,
// the full catalog otherwise.
func (e *Engine) toolDescriptors(pod *pool.Pod) []providers.ToolDescriptor {
	names := pod.ToolWhitelist
	if len(names) == 0 {
		names = e.catalog.List()
	}
	return e.catalog.Descriptors(names)
}

func providerCandidates(m pool.ModelConfig) []providers.Candidate {
	candidates := m.Candidates()
	out := make([]providers.Candidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, providers.Candidate{Provider: c.Provider, Model: c.Model})
	}
	return out
}

// decisionSummary flattens a contract decision's violations for error text.
func decisionSummary(d contract.Decision) string {
	if len(d.Violations) == 0 {
		return "action not allowed"
	}
	parts := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		parts = append(parts, v.Description)
	}
	return strings.Join(parts, "; ")
}
