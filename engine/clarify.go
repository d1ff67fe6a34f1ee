package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmespath/go-jmespath"

	"github.com/AltairaLabs/foreman/bus"
	"github.com/AltairaLabs/foreman/logger"
	"github.com/AltairaLabs/foreman/pool"
	"github.com/AltairaLabs/foreman/providers"
	"github.com/AltairaLabs/foreman/types"
)

// auxTemperature keeps auxiliary clarification answers short and stable.
const auxTemperature = 0.1

// timeoutAnswer is what a pod receives when nobody answers in time.
const timeoutAnswer = "No answer was provided in time. Proceed with your best judgment and state the assumption in your output."

// resolveRequiredClarifications runs the pre-execution clarification pass.
// Answers already collected on the plan are injected into the attempt so
// task prompts can carry them; each required clarification still open
// raises a hard pause and blocks until an operator answers or the pause
// window lapses, in which case the placeholder answer is recorded.
func (e *Engine) resolveRequiredClarifications(ctx context.Context, st *executionState, wf *types.Workflow) error {
	for _, c := range wf.Plan.Clarifications {
		if c.Answer != "" {
			st.saveAnswer(c.Question, c.Answer)
		}
	}

	open := wf.Plan.UnansweredRequired()
	if len(open) == 0 {
		return nil
	}
	e.narrate(ctx, st, fmt.Sprintf("%d required clarification(s) are unanswered; pausing before the first phase.", len(open)))
	logger.Info("Required clarifications outstanding",
		"workflow_id", wf.ID,
		"count", len(open))

	for _, c := range open {
		if st.isDone() {
			return nil
		}
		req := &types.PauseRequest{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			Question:   c.Question,
			Status:     types.PausePending,
			CreatedAt:  e.now(),
		}
		resolved, answered := e.raisePauseAndWait(ctx, st, wf, req)

		answer := timeoutAnswer
		answeredBy := "timeout"
		if answered && resolved.Answer != "" {
			answer = resolved.Answer
			answeredBy = "operator"
		}
		now := e.now()
		c.Answer = answer
		c.AnsweredBy = answeredBy
		c.AnsweredAt = &now
		st.saveAnswer(c.Question, answer)
	}

	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		logger.Warn("Clarification answers persist failed", "workflow_id", wf.ID, "error", err)
	}
	return nil
}

// handleClarification serves the request_clarification tool: a soft pause
// that blocks only the asking task. Autonomous and supervised workflows go
// straight to the auxiliary model; manual workflows wait for a human answer
// and fall back to the auxiliary model when the wait times out.
func (e *Engine) handleClarification(ctx context.Context, st *executionState, wf *types.Workflow, task *types.Task, pod *pool.Pod, args map[string]any) string {
	question, _ := args["question"].(string)
	question = strings.TrimSpace(question)
	if question == "" {
		return "error: question is required"
	}
	if answer, ok := st.answeredQuestions()[question]; ok {
		return "answer (previously collected): " + answer
	}

	clarificationID := uuid.NewString()
	e.bus.Broadcast(busParticipant, bus.TypeClarificationRequest, map[string]any{
		"workflow_id":      wf.ID,
		"task_id":          task.ID,
		"pod_id":           pod.ID,
		"clarification_id": clarificationID,
		"question":         question,
	}, bus.PriorityHigh)
	e.narrate(ctx, st, fmt.Sprintf("Task %q needs clarification: %s", task.Name, question))
	logger.Info("Clarification requested",
		"workflow_id", wf.ID,
		"task_id", task.ID,
		"clarification_id", clarificationID)

	switch st.authorityLevel() {
	case types.AuthorityAutonomous, types.AuthoritySupervised:
		return e.answerClarification(ctx, st, wf, task, pod, question, "auto")
	}

	ch := st.addClarifyWait(clarificationID)
	defer st.removeClarifyWait(clarificationID)

	timer := time.NewTimer(e.cfg.Timeouts.Clarification)
	defer timer.Stop()

	select {
	case answer := <-ch:
		st.saveAnswer(question, answer)
		e.narrate(ctx, st, "Clarification answered by operator: "+answer)
		return "answer: " + answer
	case <-timer.C:
		e.narrate(ctx, st, "Clarification wait timed out; answering with the auxiliary model.")
		return e.answerClarification(ctx, st, wf, task, pod, question, "timeout-fallback")
	case <-st.done:
		return "error: execution stopped before the clarification was answered"
	case <-ctx.Done():
		return "error: " + ctx.Err().Error()
	}
}

// answerClarification asks the pod's model chain for a best-effort answer
// at low temperature. The call draws on the same budget as task work.
func (e *Engine) answerClarification(ctx context.Context, st *executionState, wf *types.Workflow, task *types.Task, pod *pool.Pod, question, mode string) string {
	system, user := e.prompts.ClarificationPrompt(wf, task, question)
	req := providers.Request{
		System:      system,
		Messages:    []providers.Message{{Role: providers.RoleUser, Content: user}},
		Temperature: auxTemperature,
	}
	resp, _, err := e.callModel(ctx, st, providerCandidates(pod.Model), req)
	if err != nil {
		st.recordError(fmt.Sprintf("clarification %q: %v", question, err))
		return "error: clarification could not be answered: " + err.Error()
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "error: clarification could not be answered: empty model response"
	}
	st.saveAnswer(question, answer)
	e.narrate(ctx, st, fmt.Sprintf("Clarification answered (%s): %s", mode, answer))
	return "answer: " + answer
}

// AnswerClarification delivers a human answer to a clarification raised by a
// running task. The clarification ID comes from the clarification_request
// bus message.
func (e *Engine) AnswerClarification(workflowID, clarificationID, answer string) error {
	if answer == "" {
		return errors.New("engine: answer is required")
	}
	st, ok := e.state(workflowID)
	if !ok {
		return ErrNotRunning
	}
	if !st.deliverClarification(clarificationID, answer) {
		return fmt.Errorf("engine: no clarification %s is awaiting an answer", clarificationID)
	}
	return nil
}

// handlePauseAndAsk serves the request_pause_and_ask tool: a hard pause
// that freezes the whole workflow until an operator answers via
// ResolvePause or the wait window lapses.
func (e *Engine) handlePauseAndAsk(ctx context.Context, st *executionState, wf *types.Workflow, task *types.Task, pod *pool.Pod, args map[string]any) string {
	question, _ := args["question"].(string)
	question = strings.TrimSpace(question)
	if question == "" {
		return "error: question is required"
	}

	req := &types.PauseRequest{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		TaskID:         task.ID,
		PodID:          pod.ID,
		Question:       question,
		ExpectedFields: stringSlice(args["expected_fields"]),
		Status:         types.PausePending,
		CreatedAt:      e.now(),
	}
	resolved, answered := e.raisePauseAndWait(ctx, st, wf, req)
	if !answered {
		return "no answer: " + timeoutAnswer
	}

	st.saveAnswer(question, resolved.Answer)
	if len(resolved.AnswerValues) > 0 {
		if encoded, err := json.Marshal(resolved.AnswerValues); err == nil {
			return fmt.Sprintf("answer: %s\nextracted values: %s", resolved.Answer, encoded)
		}
	}
	return "answer: " + resolved.Answer
}

// raisePauseAndWait persists a pause request, hard-pauses the workflow and
// blocks until the request is resolved or the pause window lapses. The
// budget clock stays frozen for the whole wait. answered reports whether a
// real answer arrived; on timeout the returned request reflects the expired
// record.
func (e *Engine) raisePauseAndWait(ctx context.Context, st *executionState, wf *types.Workflow, req *types.PauseRequest) (resolved *types.PauseRequest, answered bool) {
	if err := e.store.AddPauseRequest(ctx, req); err != nil {
		logger.Warn("Pause request persist failed", "request_id", req.ID, "error", err)
	}
	ch := st.addPauseWait(req.ID)
	defer st.removePauseWait(req.ID)

	if err := st.pause(types.StatusPausedWaitingForUser); err != nil {
		logger.Warn("Hard pause rejected", "workflow_id", wf.ID, "error", err)
		return req, false
	}
	e.updateWorkflowStatus(ctx, wf.ID, types.StatusPausedWaitingForUser)
	e.bus.Broadcast(busParticipant, bus.TypePauseRequested, map[string]any{
		"workflow_id":     wf.ID,
		"request_id":      req.ID,
		"task_id":         req.TaskID,
		"pod_id":          req.PodID,
		"question":        req.Question,
		"expected_fields": req.ExpectedFields,
	}, bus.PriorityUrgent)
	e.narrate(ctx, st, fmt.Sprintf("Hard pause: %s (request %s)", req.Question, req.ID))
	logger.Info("Workflow hard-paused on question",
		"workflow_id", wf.ID,
		"request_id", req.ID)

	timer := time.NewTimer(e.cfg.Timeouts.PauseAndAsk)
	defer timer.Stop()

	select {
	case r := <-ch:
		resolved, answered = r, true
	case <-timer.C:
		resolved = req
		if expired, err := e.store.ExpirePauseRequest(ctx, req.ID); err == nil {
			resolved = expired
		}
		e.narrate(ctx, st, fmt.Sprintf("Pause request %s timed out after %s.",
			req.ID, formatDuration(e.cfg.Timeouts.PauseAndAsk)))
	case <-st.done:
		return req, false
	case <-ctx.Done():
		return req, false
	}

	st.removePauseWait(req.ID)
	e.releaseHardPause(ctx, st, wf.ID)
	return resolved, answered
}

// releaseHardPause resumes a hard-paused workflow once no pause requests
// remain outstanding.
func (e *Engine) releaseHardPause(ctx context.Context, st *executionState, workflowID string) {
	if st.pendingPauseWaits() > 0 {
		return
	}
	if st.currentStatus() != types.StatusPausedWaitingForUser {
		return
	}
	if err := st.resumeRun(); err != nil {
		logger.Warn("Hard pause release failed", "workflow_id", workflowID, "error", err)
		return
	}
	e.updateWorkflowStatus(ctx, workflowID, types.StatusExecuting)
}

// ResolvePause answers a pause request raised by request_pause_and_ask or
// by the pre-execution clarification pass. The answer is persisted with any
// structured values extracted from it, handed to the waiting goroutine and
// the workflow resumes once no other hard pauses remain. Resolving a
// request whose attempt is no longer live still persists the answer.
func (e *Engine) ResolvePause(ctx context.Context, workflowID, requestID, answer string) error {
	req, err := e.store.GetPauseRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("engine: load pause request %s: %w", requestID, err)
	}
	if req.WorkflowID != workflowID {
		return fmt.Errorf("engine: pause request %s does not belong to workflow %s", requestID, workflowID)
	}

	values := extractAnswerValues(answer, req.ExpectedFields)
	resolved, err := e.store.ResolvePauseRequest(ctx, requestID, answer, values)
	if err != nil {
		return fmt.Errorf("engine: resolve pause request %s: %w", requestID, err)
	}
	logger.Info("Pause request resolved",
		"workflow_id", workflowID,
		"request_id", requestID,
		"extracted_fields", len(values))

	st, ok := e.state(workflowID)
	if !ok {
		return nil
	}
	if st.deliverPauseResolution(requestID, resolved) {
		return nil
	}
	// No waiter, likely a request left over from an earlier attempt.
	e.releaseHardPause(ctx, st, workflowID)
	return nil
}

// extractAnswerValues runs the best-effort structured pass over a free-text
// answer: the first JSON object in the text is searched with one JMESPath
// expression per expected field. Answers without parseable JSON, or with no
// matching field, yield nil.
func extractAnswerValues(answer string, fields []string) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	data, ok := decodeAnswerJSON(answer)
	if !ok {
		return nil
	}
	values := make(map[string]any, len(fields))
	for _, field := range fields {
		result, err := jmespath.Search(field, data)
		if err != nil || result == nil {
			continue
		}
		values[field] = result
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

// decodeAnswerJSON finds JSON in an answer, either the whole trimmed text
// or the outermost braced object embedded in prose or a code fence.
func decodeAnswerJSON(answer string) (any, bool) {
	trimmed := strings.TrimSpace(answer)
	candidates := []string{trimmed}
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			candidates = append(candidates, trimmed[start:end+1])
		}
	}
	for _, candidate := range candidates {
		var data any
		if err := json.Unmarshal([]byte(candidate), &data); err == nil {
			return data, true
		}
	}
	return nil, false
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return append([]string(nil), vals...)
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
