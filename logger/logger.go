// Package logger provides structured logging for work-order execution.
//
// This package wraps Go's standard log/slog with convenience functions for:
//   - Phase and task lifecycle logging
//   - Tool execution logging
//   - Budget and contract violation logging
//   - Automatic API key and sensitive data redaction
//   - Level-based verbosity control
//
// All exported functions use the global DefaultLogger which can be configured
// for different output formats and log levels.
package logger

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is safe for concurrent use and initialized with slog.LevelInfo by default.
	DefaultLogger *slog.Logger
)

func init() {
	// Check LOG_LEVEL environment variable
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	// Initialize with text handler writing to stderr
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// SetVerbose enables debug-level logging when verbose is true, otherwise sets info-level.
// This is a convenience wrapper around SetLevel for command-line verbose flags.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// Info logs an informational message with structured key-value attributes.
// Args should be provided in key-value pairs: key1, value1, key2, value2, ...
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and structured attributes.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
// Debug messages are only output when the log level is set to LevelDebug or lower.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
// Use for errors that affect operation but don't cause complete failure.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// PhaseStart logs the beginning of a phase with its task count.
func PhaseStart(workflowID, phaseID, name string, tasks int, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs,
		"workflow_id", workflowID,
		"phase_id", phaseID,
		"phase", name,
		"tasks", tasks,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("🧩 Phase Started", allAttrs...)
}

// PhaseComplete logs the end of a phase with its completed/failed tallies.
func PhaseComplete(workflowID, phaseID string, completed, failed int, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs,
		"workflow_id", workflowID,
		"phase_id", phaseID,
		"completed", completed,
		"failed", failed,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("✅ Phase Complete", allAttrs...)
}

// TaskComplete logs a finished task with token usage and cost.
// Cost should be provided in USD (e.g., 0.0001 for $0.0001).
func TaskComplete(workflowID, taskID, podID string, tokens int, cost float64, attrs ...any) {
	allAttrs := make([]any, 0, 10+len(attrs))
	allAttrs = append(allAttrs,
		"workflow_id", workflowID,
		"task_id", taskID,
		"pod_id", podID,
		"tokens", tokens,
		"cost", cost,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("✅ Task Complete", allAttrs...)
}

// TaskFailed logs a task failure after retries are exhausted.
func TaskFailed(workflowID, taskID, podID string, err error, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs,
		"workflow_id", workflowID,
		"task_id", taskID,
		"pod_id", podID,
		"error", err,
	)
	allAttrs = append(allAttrs, attrs...)
	Error("❌ Task Failed", allAttrs...)
}

// ToolCall logs a tool execution request issued by a pod.
func ToolCall(podID, tool string, cached bool, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"pod_id", podID,
		"tool", tool,
		"cached", cached,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("🔧 Tool Call", allAttrs...)
}

// BudgetWarning logs a time/cost/token budget threshold crossing.
func BudgetWarning(workflowID, kind string, current, limit float64, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs,
		"workflow_id", workflowID,
		"kind", kind,
		"current", current,
		"limit", limit,
	)
	allAttrs = append(allAttrs, attrs...)
	Warn("⚠️ Budget Warning", allAttrs...)
}

// ContractViolation logs a recorded contract violation.
func ContractViolation(contractID, violationType, severity, description string, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs,
		"contract_id", contractID,
		"type", violationType,
		"severity", severity,
		"description", RedactSensitiveData(description),
	)
	allAttrs = append(allAttrs, attrs...)
	Warn("⛔ Contract Violation", allAttrs...)
}

var (
	// apiKeyPatterns contains compiled regular expressions for detecting sensitive data.
	// Patterns match common API key formats from various providers.
	apiKeyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),     // OpenAI API keys
		regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`),   // Google API keys
		regexp.MustCompile(`Bearer\s+[a-zA-Z0-9_-]+`), // Bearer tokens
	}
)

// RedactSensitiveData removes API keys and other sensitive information from strings.
// It replaces matched patterns with a redacted form that preserves the first few characters
// for debugging while hiding the sensitive portion.
//
// Supported patterns:
//   - OpenAI keys (sk-...): Shows first 4 chars
//   - Google keys (AIza...): Shows first 4 chars
//   - Bearer tokens: Shows only "Bearer [REDACTED]"
//
// This function is safe for concurrent use as it only reads from the compiled patterns.
func RedactSensitiveData(input string) string {
	result := input

	for _, pattern := range apiKeyPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer ") {
				return "Bearer [REDACTED]"
			}
			// Show first 4 characters for debugging context
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}

	return result
}
