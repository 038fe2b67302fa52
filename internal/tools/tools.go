// Package tools holds the pluggable capabilities a task may invoke during
// primary execution.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// ErrUnknownTool is reported when a reply names a tool nobody registered
var ErrUnknownTool = errors.New("tools: unknown tool")

// Call is one invocation, tagged with the task that made it
type Call struct {
	TaskID string `json:"task_id"`
	Name   string `json:"name"`
	Input  string `json:"input"`
}

// Spec describes a tool to the oracle
type Spec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Tool is a capability with a text-in, text-out contract
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, call Call) (string, error)
}

// Registry dispatches calls by tool name
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates a registry holding the given tools
func NewRegistry(logger *slog.Logger, tools ...Tool) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool, len(tools)),
		logger: logger,
	}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds or replaces a tool
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// With returns a copy of the registry extended with extra tools
func (r *Registry) With(extra ...Tool) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := &Registry{tools: maps.Clone(r.tools), logger: r.logger}
	for _, t := range extra {
		out.tools[t.Name()] = t
	}
	return out
}

// Specs lists registered tools sorted by name
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := slices.Sorted(maps.Keys(r.tools))
	specs := make([]Spec, 0, len(names))
	for _, n := range names {
		specs = append(specs, Spec{Name: n, Description: r.tools[n].Description()})
	}
	return specs
}

// Execute runs a call and always produces text: tool failures are rendered
// as an error message the oracle can read.
func (r *Registry) Execute(ctx context.Context, call Call) string {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()

	logger := r.logger.With("task_id", call.TaskID, "tool", call.Name)
	if !ok {
		logger.Warn("unknown tool requested")
		return fmt.Sprintf("Error: %v: %s", ErrUnknownTool, call.Name)
	}

	start := time.Now()
	logger.Info("tool invoked", "input_bytes", len(call.Input))
	out, err := tool.Execute(ctx, call)
	if err != nil {
		logger.Warn("tool failed", "error", err, "duration", time.Since(start))
		return "Error: " + err.Error()
	}
	logger.Info("tool finished", "output_bytes", len(out), "duration", time.Since(start))
	return out
}
