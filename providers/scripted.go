package providers

import (
	"context"
	"sync"
)

// ScriptedStep is one queued outcome for a ScriptedCaller.
type ScriptedStep struct {
	Response *Response
	Err      error
}

// ScriptedCaller is a Caller test double that replays queued outcomes in
// order and records every request it receives. Once the script is
// exhausted, Call keeps returning the final step.
type ScriptedCaller struct {
	mu       sync.Mutex
	steps    []ScriptedStep
	pos      int
	requests []Request
}

// NewScriptedCaller builds a caller that replays the given steps.
func NewScriptedCaller(steps ...ScriptedStep) *ScriptedCaller {
	return &ScriptedCaller{steps: steps}
}

// RespondWith is a convenience step for a plain text response.
func RespondWith(content string, tokens int) ScriptedStep {
	return ScriptedStep{Response: &Response{
		Content: content,
		Usage:   Usage{InputTokens: tokens / 2, OutputTokens: tokens - tokens/2},
	}}
}

// RespondWithToolCalls is a convenience step for a tool-call response.
func RespondWithToolCalls(calls ...ToolCall) ScriptedStep {
	return ScriptedStep{Response: &Response{
		ToolCalls: calls,
		Usage:     Usage{InputTokens: 50, OutputTokens: 50},
	}}
}

// FailWith is a convenience step for an error outcome.
func FailWith(err error) ScriptedStep {
	return ScriptedStep{Err: err}
}

// Append adds steps to the end of the script.
func (s *ScriptedCaller) Append(steps ...ScriptedStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Call pops the next scripted step.
func (s *ScriptedCaller) Call(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		return &Response{Content: "ok", Usage: Usage{InputTokens: 1, OutputTokens: 1}}, nil
	}
	step := s.steps[s.pos]
	if s.pos < len(s.steps)-1 {
		s.pos++
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return &resp, nil
}

// Requests returns a copy of every recorded request.
func (s *ScriptedCaller) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// CallCount returns how many times Call was invoked.
func (s *ScriptedCaller) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
