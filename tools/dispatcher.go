package tools

import (
	"context"
	"fmt"
	"sync"
)

// ToolFunc handles one tool call.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// FuncDispatcher routes tool calls to registered handler functions.
type FuncDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]ToolFunc
}

// NewFuncDispatcher returns an empty dispatcher.
func NewFuncDispatcher() *FuncDispatcher {
	return &FuncDispatcher{handlers: make(map[string]ToolFunc)}
}

// Handle registers a handler for a tool name, replacing any previous one.
func (d *FuncDispatcher) Handle(name string, fn ToolFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = fn
}

// Execute runs the handler registered for name.
func (d *FuncDispatcher) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	d.mu.RLock()
	fn, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tools: unknown tool %q", name)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fn(ctx, args)
}
