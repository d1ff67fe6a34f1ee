package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AltairaLabs/foreman/bus"
	"github.com/AltairaLabs/foreman/contract"
	"github.com/AltairaLabs/foreman/logger"
	metricsprom "github.com/AltairaLabs/foreman/metrics/prometheus"
	"github.com/AltairaLabs/foreman/pool"
	"github.com/AltairaLabs/foreman/providers"
	"github.com/AltairaLabs/foreman/tools"
	"github.com/AltairaLabs/foreman/types"
)

// executeToolCalls runs every tool call from one model turn and batches the
// results into a single tool-role continuation message.
func (e *Engine) executeToolCalls(ctx context.Context, st *executionState, wf *types.Workflow, task *types.Task, pod *pool.Pod, calls []providers.ToolCall) providers.Message {
	blocks := make([]string, 0, len(calls))
	for _, call := range calls {
		result := e.executeToolCall(ctx, st, wf, task, pod, call)
		result = truncateResult(result, e.cfg.ToolLoop.ResultCharLimit)
		blocks = append(blocks, fmt.Sprintf("[%s] %s", call.Name, result))
	}
	return providers.Message{
		Role:    providers.RoleTool,
		Content: strings.Join(blocks, "\n\n"),
	}
}

// executeToolCall runs one tool call end to end and always returns text.
// Failures come back as "error: ..." or "blocked: ..." strings so the model
// can react; they never abort the task.
func (e *Engine) executeToolCall(ctx context.Context, st *executionState, wf *types.Workflow, task *types.Task, pod *pool.Pod, call providers.ToolCall) string {
	switch call.Name {
	case tools.ToolRequestClarification:
		return e.handleClarification(ctx, st, wf, task, pod, call.Args)
	case tools.ToolRequestPauseAndAsk:
		return e.handlePauseAndAsk(ctx, st, wf, task, pod, call.Args)
	}

	desc := e.catalog.Get(call.Name)
	if desc == nil {
		metricsprom.RecordToolCall(call.Name, "error")
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}
	if len(pod.ToolWhitelist) > 0 && !containsString(pod.ToolWhitelist, call.Name) {
		metricsprom.RecordToolCall(call.Name, "blocked")
		return fmt.Sprintf("error: tool %q is not in this pod's whitelist", call.Name)
	}
	if err := e.catalog.ValidateArgs(call.Name, call.Args); err != nil {
		metricsprom.RecordToolCall(call.Name, "error")
		return "error: " + err.Error()
	}

	path, hasPath := desc.PathOf(call.Args)

	if id := st.contract(); id != "" {
		decision := e.contracts.ValidateAction(id, contract.Action{
			ToolName: call.Name,
			FilePath: path,
		})
		if !decision.Allowed {
			metricsprom.RecordToolCall(call.Name, "blocked")
			return "blocked: " + decisionSummary(decision)
		}
	}

	// A hard pause freezes side effects; reads stay available so the model
	// can keep reasoning until the answer arrives.
	if (desc.Mutating || desc.Creates) && st.currentStatus() == types.StatusPausedWaitingForUser {
		metricsprom.RecordToolCall(call.Name, "blocked")
		return "blocked: workflow is paused waiting for user input"
	}

	if desc.Creates && hasPath {
		normalized := tools.NormalizePath(path)
		if owner, ok := st.claimPath(normalized, task.ID); !ok {
			metricsprom.RecordToolCall(call.Name, "rejected")
			return fmt.Sprintf("error: duplicate file creation rejected: %s was already created by task %s", normalized, owner)
		}
	}

	if desc.ReadOnly {
		if cached, ok := st.cache.Get(call.Name, call.Args); ok {
			metricsprom.RecordToolCall(call.Name, "cached")
			logger.ToolCall(pod.ID, call.Name, true)
			return cached
		}
	}

	result, err := e.dispatch(ctx, desc, call)
	logger.ToolCall(pod.ID, call.Name, false)
	if err != nil {
		metricsprom.RecordToolCall(call.Name, "error")
		st.recordError(fmt.Sprintf("tool %s: %v", call.Name, err))
		if desc.Creates && hasPath {
			// The file never materialized; let a later task claim the path.
			st.releasePath(tools.NormalizePath(path), task.ID)
		}
		return "error: " + err.Error()
	}
	metricsprom.RecordToolCall(call.Name, "success")

	if desc.ReadOnly {
		st.cache.Put(call.Name, call.Args, path, result)
	}
	if desc.Mutating || desc.Creates {
		st.cache.InvalidatePath(path)
		e.captureArtifact(ctx, st, wf, task, path, call.Args)
	}
	return result
}

// dispatch runs the tool with its per-descriptor timeout when one is set.
func (e *Engine) dispatch(ctx context.Context, desc *tools.Descriptor, call providers.ToolCall) (string, error) {
	if desc.TimeoutMs > 0 {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(desc.TimeoutMs)*time.Millisecond)
		defer cancel()
		return e.dispatcher.Execute(callCtx, call.Name, call.Args)
	}
	return e.dispatcher.Execute(ctx, call.Name, call.Args)
}

// captureArtifact records a produced or modified file as a workflow
// artifact and announces it on the bus. The store assigns versions.
func (e *Engine) captureArtifact(ctx context.Context, st *executionState, wf *types.Workflow, task *types.Task, path string, args map[string]any) {
	if path == "" {
		return
	}
	content, _ := args["content"].(string)
	artifact, err := e.store.AddArtifact(ctx, wf.ID, &types.Artifact{
		Path:    path,
		Kind:    "file",
		Content: content,
		TaskID:  task.ID,
	})
	if err != nil {
		logger.Warn("Artifact capture failed", "workflow_id", wf.ID, "path", path, "error", err)
		return
	}
	e.bus.Broadcast(busParticipant, bus.TypeArtifactCreated, map[string]any{
		"workflow_id": wf.ID,
		"task_id":     task.ID,
		"path":        artifact.Path,
		"version":     artifact.Version,
	}, bus.PriorityNormal)
}

// truncateResult caps a tool result for model context.
func truncateResult(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "... [truncated]"
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
