package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownTool is returned when no tool is registered under the requested id.
var ErrUnknownTool = errors.New("unknown tool")

// Metadata identifies the conversation a run was started from.
type Metadata struct {
	Channel   string `json:"channel"`
	ChannelID string `json:"channelId"`
}

// RunContext is passed into every tool invocation.
type RunContext struct {
	UserID      string   `json:"userId"`
	WorkspaceID string   `json:"workspaceId"`
	ProjectID   string   `json:"projectId,omitempty"`
	SessionID   string   `json:"sessionId"`
	PlanID      string   `json:"planId"`
	UserRole    string   `json:"userRole"`
	Metadata    Metadata `json:"metadata"`
}

// Result is the outcome of one tool invocation. Notice, when set, explains a
// failure in words that can be shown to the user; Error may carry internals.
type Result struct {
	Success   bool   `json:"success"`
	Output    any    `json:"output,omitempty"`
	OutputRef string `json:"outputRef,omitempty"`
	Error     string `json:"error,omitempty"`
	Notice    string `json:"notice,omitempty"`
}

// ValidationError means the tool rejected its arguments before doing any work.
type ValidationError struct {
	Tool   string
	Action string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s.%s: %v", e.Tool, e.Action, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Tool is an opaque, named capability. Parameters returns the JSON Schema of
// an action's arguments, or nil when the action is not supported.
type Tool interface {
	Name() string
	Description() string
	Actions() []string
	Parameters(action string) map[string]any
	Execute(ctx context.Context, action string, args map[string]any, rc RunContext) (Result, error)
}

// Invoker is the only capability the execution engine needs from tools.
type Invoker interface {
	Invoke(ctx context.Context, toolID, action string, args map[string]any, rc RunContext) (Result, error)
}

// Registry manages the set of available tools and validates their arguments.
type Registry struct {
	mu      sync.RWMutex
	Tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		Tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tools[t.Name()] = t
	for key := range r.schemas {
		if strings.HasPrefix(key, t.Name()+".") {
			delete(r.schemas, key)
		}
	}
}

func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Tools[name]
}

// Names lists registered tools in a stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.Tools))
	for name := range r.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke validates args against the action schema and runs the tool.
func (r *Registry) Invoke(ctx context.Context, toolID, action string, args map[string]any, rc RunContext) (Result, error) {
	t := r.Get(toolID)
	if t == nil {
		return Result{Error: fmt.Sprintf("tool %q is not registered", toolID)}, fmt.Errorf("%w: %s", ErrUnknownTool, toolID)
	}

	schema, err := r.schema(t, action)
	if err != nil {
		verr := &ValidationError{Tool: toolID, Action: action, Err: err}
		return Result{Error: verr.Error()}, verr
	}
	if schema != nil {
		doc, err := normalize(args)
		if err != nil {
			verr := &ValidationError{Tool: toolID, Action: action, Err: err}
			return Result{Error: verr.Error()}, verr
		}
		if err := schema.Validate(doc); err != nil {
			verr := &ValidationError{Tool: toolID, Action: action, Err: err}
			return Result{Error: verr.Error()}, verr
		}
	}

	if args == nil {
		args = map[string]any{}
	}
	return t.Execute(ctx, action, args, rc)
}

// schema compiles and caches the action schema.
func (r *Registry) schema(t Tool, action string) (*jsonschema.Schema, error) {
	key := t.Name() + "." + action
	r.mu.RLock()
	s, ok := r.schemas[key]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	params := t.Parameters(action)
	if params == nil {
		return nil, fmt.Errorf("unsupported action %q (have %v)", action, t.Actions())
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	s, err = jsonschema.CompileString(key+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	r.mu.Lock()
	r.schemas[key] = s
	r.mu.Unlock()
	return s, nil
}

// normalize turns arbitrary Go values into the plain JSON shapes the validator expects.
func normalize(args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// stringArg reads a string argument, tolerating absent keys.
func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// EncodeArgs renders args as JSON for logging and policy checks.
func EncodeArgs(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
