// Package tool implements the Turn Engine's tool boundary: a registry of
// schemas plus executors, the same Name()/Description()/Parameters()/
// Execute() shape the teacher's internal/tools package uses.
//
// The teacher's own internal/tools.Registry type was never present in the
// retrieved source (every file under internal/tools/ references
// *tools.Registry, but its definition was filtered out of the pack before
// retrieval — a confirmed gap, see DESIGN.md). This package is therefore the
// registry implementation the Turn Engine actually drives, built fresh
// around the same Tool interface shape and grounded in the individual tool
// files (filesystem.go, shell.go, web_fetch.go) that did survive.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/mojo117/orchestra/internal/providers"
)

// Result is the unified return type from tool execution, matching the
// teacher's internal/tools.Result shape.
type Result struct {
	ForLLM  string
	ForUser string
	Silent  bool
	IsError bool
	Err     error
}

func NewResult(forLLM string) *Result   { return &Result{ForLLM: forLLM} }
func SilentResult(forLLM string) *Result { return &Result{ForLLM: forLLM, Silent: true} }
func ErrorResult(message string) *Result { return &Result{ForLLM: message, IsError: true} }

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// Tool is one registered capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the set of tools available to the Turn Engine and renders
// them as provider.ToolDefinition schemas for the LLM.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Execute runs a named tool, returning an error Result if unknown rather
// than a Go error — tool-not-found is reported back to the LLM as a tool
// result, matching the teacher's subagent_exec.go dispatch pattern.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return t.Execute(ctx, args)
}

// Definitions renders every registered tool as a provider-facing schema,
// merging in any extra (e.g. MCP-sourced) definitions passed in.
func (r *Registry) Definitions(extra ...providers.ToolDefinition) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools)+len(extra))
	for _, t := range r.tools {
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	defs = append(defs, extra...)
	return defs
}

// Names reports every registered tool name, in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
