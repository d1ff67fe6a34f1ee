// Package tools provides the tool surface worker pods call during the
// tool loop: a catalog of descriptors loaded from K8s-style manifests
// with JSON Schema argument validation, a dispatch table, and an
// idempotent-read result cache.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Built-in workflow control tools. They are intercepted by the execution
// loop rather than dispatched, but the catalog still describes them so
// models see their schemas.
const (
	ToolRequestClarification = "request_clarification"
	ToolRequestPauseAndAsk   = "request_pause_and_ask"
)

// Manifest is a K8s-style tool configuration document.
type Manifest struct {
	APIVersion string            `json:"apiVersion" yaml:"apiVersion"`
	Kind       string            `json:"kind" yaml:"kind"`
	Metadata   metav1.ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Spec       Descriptor        `json:"spec" yaml:"spec"`
}

// Descriptor is a normalized tool definition.
type Descriptor struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	// InputSchema is a JSON Schema Draft-07 document for argument validation.
	InputSchema json.RawMessage `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`

	// ReadOnly tools are safe to serve from the result cache.
	ReadOnly bool `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	// Mutating tools invalidate cached reads for the path they touch.
	Mutating bool `json:"mutating,omitempty" yaml:"mutating,omitempty"`
	// Creates marks tools that create files, subject to duplicate rejection.
	Creates bool `json:"creates,omitempty" yaml:"creates,omitempty"`
	// PathArg names the argument holding the file path, when there is one.
	PathArg string `json:"path_arg,omitempty" yaml:"path_arg,omitempty"`

	TimeoutMs int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// PathOf extracts the descriptor's path argument from a call's args.
func (d *Descriptor) PathOf(args map[string]any) (string, bool) {
	if d.PathArg == "" {
		return "", false
	}
	raw, ok := args[d.PathArg]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// ValidationError reports a tool argument validation failure.
type ValidationError struct {
	Tool   string `json:"tool"`
	Detail string `json:"detail"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s argument validation failed: %s", e.Tool, e.Detail)
}

// Dispatcher executes tools by name. Implementations own the actual side
// effects; the engine only sees textual results.
type Dispatcher interface {
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// NormalizePath canonicalizes a file path for duplicate-creation tracking
// and cache invalidation: cleaned, forward slashes, no leading "./",
// lowercased drive-insensitive comparison is not attempted.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	return p
}

// CacheKey builds the canonical cache key for a tool call: the tool name
// plus the JSON encoding of its arguments. encoding/json emits map keys
// in sorted order, so equal argument sets produce equal keys.
func CacheKey(name string, args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		return name
	}
	return name + ":" + string(encoded)
}
