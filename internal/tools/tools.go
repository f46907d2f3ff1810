// Package tools implements the built-in tool set reachable through the tool
// host-call: read, write, edit, bash, grep, find, ls. Inputs are validated
// against generated JSON schemas before execution; out-of-set names are
// rejected at the registry.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	invopop "github.com/invopop/jsonschema"
	schemaval "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/enclave/internal/hostcall"
	"github.com/haasonsaas/enclave/internal/observability"
)

// Result is the structured outcome of one tool execution.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Tool is one executable tool.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Executor is the surface the dispatcher consumes.
type Executor interface {
	Execute(ctx context.Context, name string, input map[string]any) (*Result, error)
	Has(name string) bool
}

// Info describes a registered tool for listings.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Registry holds the built-in tools plus any extension-registered ones, and
// validates inputs against each tool's schema before execution.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*schemaval.Schema
	logger   *observability.Logger
}

// NewRegistry creates a registry pre-populated with the built-in tool set,
// all confined to root.
func NewRegistry(root string, logger *observability.Logger) (*Registry, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	r := &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*schemaval.Schema),
		logger:   logger.WithFields("component", "tools"),
	}
	resolver := Resolver{Root: root}
	builtins := []Tool{
		&ReadTool{resolver: resolver},
		&WriteTool{resolver: resolver},
		&EditTool{resolver: resolver},
		&BashTool{resolver: resolver},
		&GrepTool{resolver: resolver},
		&FindTool{resolver: resolver},
		&LsTool{resolver: resolver},
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return nil, fmt.Errorf("register builtin %s: %w", t.Name(), err)
		}
	}
	return r, nil
}

// Register adds a tool, compiling its schema for input validation.
func (r *Registry) Register(t Tool) error {
	sch, err := schemaval.CompileString(t.Name()+".schema.json", string(t.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name()]; dup {
		return fmt.Errorf("tool %s already registered", t.Name())
	}
	r.tools[t.Name()] = t
	r.compiled[t.Name()] = sch
	return nil
}

// Has implements Executor.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns registered tools sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Info{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute implements Executor. Unknown names and schema violations fail with
// INVALID_REQUEST; tool-internal failures surface as Result.IsError or an IO
// error.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (*Result, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	sch := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "unknown tool %q", name)
	}

	if input == nil {
		input = map[string]any{}
	}
	// Round-trip through JSON so numeric types match what the validator and
	// the tool decoders expect regardless of how the engine produced them.
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "unencodable tool input: %v", err)
	}
	var normalized any
	if err := json.Unmarshal(encoded, &normalized); err != nil {
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "invalid tool input: %v", err)
	}
	if err := sch.Validate(normalized); err != nil {
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "tool %s: %v", name, err)
	}

	res, err := t.Execute(ctx, json.RawMessage(encoded))
	if err != nil {
		if _, typed := err.(*hostcall.Error); typed {
			return nil, err
		}
		return nil, hostcall.NewError(hostcall.CodeIO, "tool %s: %v", name, err)
	}
	return res, nil
}

// reflectSchema generates a JSON schema for a tool input struct.
func reflectSchema(v any) json.RawMessage {
	reflector := invopop.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	schema := reflector.Reflect(v)
	schema.Version = "" // santhosh-tekuri defaults to draft 2020-12 without it
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func toolError(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}
