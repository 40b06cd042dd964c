// Package tools defines the tool interface agents call through the LLM,
// the schema-validating registry, and the built-in tool set.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parley-ai/parley/pkg/graph"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/rag"
	"github.com/parley-ai/parley/pkg/services"
)

// Tool is one callable capability offered to agents. InputSchema is a
// JSON Schema validated against arguments before Execute runs.
type Tool struct {
	Key          string
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Execute      func(ctx context.Context, args json.RawMessage, env *Env) (any, error)
}

// Env carries per-call identity and the shared dependencies a tool may
// use. Events appended via Emit are enqueued by the calling processor
// after the tool returns.
type Env struct {
	ThreadID  string
	AgentID   string
	AgentName string
	// Namespaces are the search scopes for this call, most specific
	// first.
	Namespaces []string

	Graph     *graph.Store
	Threads   *services.ThreadService
	Messages  *services.MessageService
	Documents *services.DocumentService
	Embedder  *rag.Embedder
	Logger    *slog.Logger

	// FileRoot confines file tools; empty disables them.
	FileRoot string

	produced []*models.Event
}

// Emit queues an event for the calling processor to enqueue.
func (e *Env) Emit(ev *models.Event) {
	e.produced = append(e.produced, ev)
}

// Produced returns the events emitted during tool execution.
func (e *Env) Produced() []*models.Event {
	return e.produced
}

type registered struct {
	tool   *Tool
	schema *jsonschema.Schema
}

// Registry holds tools keyed by their stable key, with input schemas
// compiled at registration.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

// Register adds a tool, compiling its input schema. Registering an
// existing key replaces the tool.
func (r *Registry) Register(t *Tool) error {
	if t.Key == "" {
		return fmt.Errorf("tool key is required")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %s has no execute function", t.Key)
	}

	var schema *jsonschema.Schema
	if len(t.InputSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		url := t.Key + ".schema.json"
		if err := compiler.AddResource(url, bytes.NewReader(t.InputSchema)); err != nil {
			return fmt.Errorf("invalid input schema for tool %s: %w", t.Key, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("failed to compile input schema for tool %s: %w", t.Key, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Key] = &registered{tool: t, schema: schema}
	return nil
}

// Get returns a tool by key.
func (r *Registry) Get(key string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[key]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// Keys returns every registered tool key, unordered.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.tools))
	for k := range r.tools {
		keys = append(keys, k)
	}
	return keys
}

// Definitions returns provider-facing definitions for the given keys.
// Unknown keys are skipped. A nil keys slice selects every tool.
func (r *Registry) Definitions(keys []string) []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if keys == nil {
		keys = make([]string, 0, len(r.tools))
		for k := range r.tools {
			keys = append(keys, k)
		}
	}

	var defs []models.ToolDefinition
	for _, key := range keys {
		reg, ok := r.tools[key]
		if !ok {
			continue
		}
		defs = append(defs, models.ToolDefinition{
			Name:        reg.tool.Key,
			Description: reg.tool.Description,
			InputSchema: reg.tool.InputSchema,
		})
	}
	return defs
}

// Execute validates args against the tool's input schema and runs it.
// Validation failures and unknown tools return errors without executing
// anything.
func (r *Registry) Execute(ctx context.Context, key string, args json.RawMessage, env *Env) (any, error) {
	r.mu.RLock()
	reg, ok := r.tools[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", key)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if reg.schema != nil {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, fmt.Errorf("tool %s arguments are not valid JSON: %w", key, err)
		}
		if err := reg.schema.Validate(decoded); err != nil {
			return nil, fmt.Errorf("tool %s arguments rejected: %w", key, err)
		}
	}

	return reg.tool.Execute(ctx, args, env)
}
