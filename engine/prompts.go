package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AltairaLabs/foreman/types"
)

// PromptBuilder assembles the model prompts the engine sends on behalf of a
// pod. Implementations must be safe for concurrent use; the engine calls it
// from every pod goroutine.
type PromptBuilder interface {
	// TaskPrompt builds the system and user prompts for one task. answers
	// holds clarifications collected so far, keyed by question.
	TaskPrompt(wf *types.Workflow, phase *types.Phase, task *types.Task, answers map[string]string) (system, user string)

	// ClarificationPrompt builds the prompts for the auxiliary model that
	// answers a pod's clarifying question when no human is in the loop.
	ClarificationPrompt(wf *types.Workflow, task *types.Task, question string) (system, user string)
}

// DefaultPromptBuilder is the stock prompt assembly: objective, workspace,
// phase context, the task itself and any collected clarification answers.
type DefaultPromptBuilder struct{}

// TaskPrompt implements PromptBuilder.
func (DefaultPromptBuilder) TaskPrompt(wf *types.Workflow, phase *types.Phase, task *types.Task, answers map[string]string) (string, string) {
	var sys strings.Builder
	sys.WriteString("You are a worker pod executing one task of a time-budgeted work order.\n")
	sys.WriteString("Work only on the task you are given. Use the provided tools for all file ")
	sys.WriteString("operations and report a concise summary of what you produced when done.\n")
	if wf.TimeBudget.TotalMinutes > 0 {
		fmt.Fprintf(&sys, "The whole work order has a budget of %.0f minutes; be economical.\n", wf.TimeBudget.TotalMinutes)
	}
	if wf.Workspace != "" {
		fmt.Fprintf(&sys, "Workspace root: %s\n", wf.Workspace)
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Objective: %s\n", wf.Objective)
	if phase != nil {
		fmt.Fprintf(&user, "Current phase: %s\n", phase.Name)
	}
	fmt.Fprintf(&user, "\nTask: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&user, "%s\n", task.Description)
	}
	if len(answers) > 0 {
		user.WriteString("\nClarified so far:\n")
		questions := make([]string, 0, len(answers))
		for q := range answers {
			questions = append(questions, q)
		}
		sort.Strings(questions)
		for _, q := range questions {
			fmt.Fprintf(&user, "- Q: %s\n  A: %s\n", q, answers[q])
		}
	}
	return sys.String(), user.String()
}

// ClarificationPrompt implements PromptBuilder.
func (DefaultPromptBuilder) ClarificationPrompt(wf *types.Workflow, task *types.Task, question string) (string, string) {
	sys := "You answer clarifying questions raised by worker pods mid-task. " +
		"Answer in one or two sentences with a concrete, actionable decision. " +
		"When the question has no single right answer, pick the most conventional option and say so."

	var user strings.Builder
	fmt.Fprintf(&user, "Objective: %s\n", wf.Objective)
	if task != nil {
		fmt.Fprintf(&user, "Task: %s\n", task.Name)
	}
	fmt.Fprintf(&user, "\nQuestion: %s\n", question)
	return sys, user.String()
}
