package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIError_IsRetryable(t *testing.T) {
	retryable := []*APIError{
		{Code: 429, Message: "quota exceeded"},
		{Code: 500, Message: "internal"},
		{Code: 503, Message: "unavailable"},
		{Code: 529, Message: "overloaded"},
	}
	for _, e := range retryable {
		assert.True(t, e.IsRetryable(), "code %d should be retryable", e.Code)
	}

	permanent := []*APIError{
		{Code: 400, Message: "bad request"},
		{Code: 401, Message: "unauthorized"},
		{Code: 404, Message: "not found"},
	}
	for _, e := range permanent {
		assert.False(t, e.IsRetryable(), "code %d should not be retryable", e.Code)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		code     int
		sentinel error
	}{
		{429, ErrRateLimited},
		{503, ErrServiceUnavailable},
		{529, ErrOverloaded},
		{401, ErrAuthenticationFailed},
		{403, ErrAuthenticationFailed},
		{400, ErrInvalidRequest},
		{500, ErrServiceUnavailable},
	}
	for _, tc := range cases {
		classified := ClassifyError(&APIError{Code: tc.code, Message: "x"})
		assert.True(t, errors.Is(classified, tc.sentinel), "code %d", tc.code)
	}

	assert.NoError(t, ClassifyError(nil))

	unknown := &APIError{Code: 418, Message: "teapot"}
	assert.Equal(t, error(unknown), ClassifyError(unknown))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))

	assert.True(t, IsRetryableError(&APIError{Code: 500, Message: "boom"}))
	assert.False(t, IsRetryableError(&APIError{Code: 400, Message: "nope"}))

	assert.True(t, IsRetryableError(ErrRateLimited))
	assert.True(t, IsRetryableError(ErrTimeout))
	assert.True(t, IsRetryableError(ErrConnectionRefused))
	assert.False(t, IsRetryableError(ErrAuthenticationFailed))
	assert.False(t, IsRetryableError(ErrInvalidRequest))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))

	assert.True(t, IsRetryableError(errors.New("upstream returned 503 service unavailable")))
	assert.True(t, IsRetryableError(errors.New("request timed out after 30s")))
	assert.True(t, IsRetryableError(errors.New("model overloaded, try again")))
	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))
	assert.False(t, IsRetryableError(errors.New("invalid api key")))
}

func TestRegistry_For(t *testing.T) {
	reg := NewRegistry()
	caller := NewScriptedCaller()
	reg.Register("gemini", caller)

	got, err := reg.For("gemini")
	require.NoError(t, err)
	assert.Equal(t, Caller(caller), got)

	_, err = reg.For("missing")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestFallback_FirstCandidateSucceeds(t *testing.T) {
	reg := NewRegistry()
	primary := NewScriptedCaller(RespondWith("hello", 10))
	reg.Register("gemini", primary)

	fb := NewFallbackCaller(reg)
	resp, used, err := fb.CallWithFallback(context.Background(),
		[]Candidate{{Provider: "gemini", Model: "gemini-2.0-flash"}},
		Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "gemini-2.0-flash", used.Model)
	assert.Equal(t, 1, primary.CallCount())

	reqs := primary.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "gemini", reqs[0].Provider)
	assert.Equal(t, "gemini-2.0-flash", reqs[0].Model)
}

func TestFallback_RetryableMovesToNextCandidate(t *testing.T) {
	reg := NewRegistry()
	primary := NewScriptedCaller(FailWith(&APIError{Code: 503, Message: "unavailable"}))
	backup := NewScriptedCaller(RespondWith("from backup", 20))
	reg.Register("gemini", primary)
	reg.Register("openai", backup)

	fb := NewFallbackCaller(reg)
	resp, used, err := fb.CallWithFallback(context.Background(),
		[]Candidate{
			{Provider: "gemini", Model: "gemini-2.0-flash"},
			{Provider: "openai", Model: "gpt-4o-mini"},
		},
		Request{})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content)
	assert.Equal(t, Candidate{Provider: "openai", Model: "gpt-4o-mini"}, used)
	assert.Equal(t, 1, primary.CallCount())
	assert.Equal(t, 1, backup.CallCount())
}

func TestFallback_PermanentErrorAborts(t *testing.T) {
	reg := NewRegistry()
	primary := NewScriptedCaller(FailWith(&APIError{Code: 401, Message: "bad key"}))
	backup := NewScriptedCaller(RespondWith("never", 5))
	reg.Register("gemini", primary)
	reg.Register("openai", backup)

	fb := NewFallbackCaller(reg)
	_, _, err := fb.CallWithFallback(context.Background(),
		[]Candidate{
			{Provider: "gemini", Model: "gemini-2.0-flash"},
			{Provider: "openai", Model: "gpt-4o-mini"},
		},
		Request{})
	require.Error(t, err)
	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.Code)
	assert.Equal(t, 0, backup.CallCount(), "fallback must not run after a permanent failure")
}

func TestFallback_AllCandidatesFail(t *testing.T) {
	reg := NewRegistry()
	reg.Register("gemini", NewScriptedCaller(FailWith(&APIError{Code: 500, Message: "a"})))
	reg.Register("openai", NewScriptedCaller(FailWith(&APIError{Code: 503, Message: "b"})))

	fb := NewFallbackCaller(reg)
	_, _, err := fb.CallWithFallback(context.Background(),
		[]Candidate{
			{Provider: "gemini", Model: "m1"},
			{Provider: "openai", Model: "m2"},
		},
		Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 candidates failed")
}

func TestFallback_SkipsUnregisteredProvider(t *testing.T) {
	reg := NewRegistry()
	backup := NewScriptedCaller(RespondWith("ok", 5))
	reg.Register("openai", backup)

	fb := NewFallbackCaller(reg)
	resp, used, err := fb.CallWithFallback(context.Background(),
		[]Candidate{
			{Provider: "ghost", Model: "m1"},
			{Provider: "openai", Model: "m2"},
		},
		Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "openai", used.Provider)
}

func TestFallback_NoCandidates(t *testing.T) {
	fb := NewFallbackCaller(NewRegistry())
	_, _, err := fb.CallWithFallback(context.Background(), nil, Request{})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestFallback_ContextCancelled(t *testing.T) {
	reg := NewRegistry()
	reg.Register("gemini", NewScriptedCaller(RespondWith("x", 1)))
	fb := NewFallbackCaller(reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := fb.CallWithFallback(ctx, []Candidate{{Provider: "gemini", Model: "m"}}, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScriptedCaller_ReplaysAndSticksOnLastStep(t *testing.T) {
	sc := NewScriptedCaller(
		RespondWith("first", 10),
		FailWith(ErrTimeout),
		RespondWith("last", 10),
	)

	resp, err := sc.Call(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Content)
	assert.Equal(t, "m", resp.Model)

	_, err = sc.Call(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrTimeout)

	for i := 0; i < 3; i++ {
		resp, err = sc.Call(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, "last", resp.Content)
	}
	assert.Equal(t, 5, sc.CallCount())
}

func TestScriptedCaller_EmptyScriptDefaults(t *testing.T) {
	sc := NewScriptedCaller()
	resp, err := sc.Call(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, resp.Usage.TotalTokens())
}

func TestUsage_TotalTokens(t *testing.T) {
	u := Usage{InputTokens: 120, OutputTokens: 80}
	assert.Equal(t, 200, u.TotalTokens())
}

func TestRespondWithToolCalls(t *testing.T) {
	step := RespondWithToolCalls(ToolCall{ID: "tc-1", Name: "read_file", Args: map[string]any{"path": "a.go"}})
	require.NotNil(t, step.Response)
	require.Len(t, step.Response.ToolCalls, 1)
	assert.Equal(t, "read_file", step.Response.ToolCalls[0].Name)
	assert.Equal(t, 100, step.Response.Usage.TotalTokens())
}

func TestScriptedCaller_ContextCancelled(t *testing.T) {
	sc := NewScriptedCaller(RespondWith("x", 1))
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	_, err := sc.Call(ctx, Request{})
	assert.Error(t, err)
	assert.Equal(t, 0, sc.CallCount())
}
