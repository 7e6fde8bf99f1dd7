// Package tools exposes the tool execution surface consumed by the step-loop
// driver. Tools are black-box executors keyed by name; schema authoring and
// validation live outside the core.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"goa.design/rewind/runtime/model"
)

type (
	// ID is the strong type for tool identifiers. Use this type when
	// referencing tools in maps or APIs to avoid accidental mixing with
	// free-form strings.
	ID string

	// Executor runs a tool with canonical JSON arguments and returns the
	// canonical JSON result. Executors may return an error; the driver converts
	// it to a tool-error event and a failure-flagged tool result message rather
	// than aborting the stream.
	Executor func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

	// SchemaKind discriminates how a tool declares its input parameters. The
	// kind is resolved once at registration, never re-detected per call.
	SchemaKind string

	// Schema is the tagged variant describing a tool's input parameters.
	// Exactly one of JSONSchema or Type is set, according to Kind.
	Schema struct {
		// Kind selects the schema flavor.
		Kind SchemaKind
		// JSONSchema is the raw JSON Schema document when Kind == SchemaJSON.
		JSONSchema json.RawMessage
		// Type describes the strongly typed payload when Kind == SchemaTyped.
		Type *TypeSpec
	}

	// TypeSpec describes a strongly typed tool payload: a named Go type with a
	// schema rendered at registration time.
	TypeSpec struct {
		// Name is the Go identifier associated with the type.
		Name string
		// Schema contains the JSON schema derived from the type.
		Schema json.RawMessage
	}

	// Tool bundles a registered tool's identity, schema, and executor.
	Tool struct {
		// Name is the tool identifier presented to the model.
		Name ID
		// Description documents the tool for prompting purposes.
		Description string
		// Schema describes the tool's input parameters.
		Schema Schema
		// Execute runs the tool.
		Execute Executor
	}

	// Registry maps tool names to executors. It is safe for concurrent use.
	Registry struct {
		mu    sync.RWMutex
		tools map[ID]*Tool
	}

	// NotFoundError reports a lookup for an unregistered tool. It carries the
	// registered alternatives so callers and models can self-correct.
	NotFoundError struct {
		// Name is the requested tool identifier.
		Name ID
		// Available lists the registered tool identifiers, sorted.
		Available []ID
	}
)

// Schema kind constants.
const (
	// SchemaJSON marks a tool whose parameters are described by a raw JSON
	// Schema document.
	SchemaJSON SchemaKind = "json_schema"

	// SchemaTyped marks a tool whose parameters are described by a strongly
	// typed spec with a derived schema.
	SchemaTyped SchemaKind = "typed"
)

// Error implements error.
func (e *NotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("tool %q not found (no tools registered)", e.Name)
	}
	return fmt.Sprintf("tool %q not found, available: %v", e.Name, e.Available)
}

// IsNotFound reports whether err is a tool NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// NewRegistry constructs an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[ID]*Tool)}
}

// Register adds a tool to the registry. The schema kind is resolved here,
// once: a nil or ambiguous schema is rejected so execution never needs to
// re-detect the flavor. Registering a duplicate name is an error.
func (r *Registry) Register(t *Tool) error {
	if t == nil {
		return errors.New("tool is required")
	}
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %q: executor is required", t.Name)
	}
	switch t.Schema.Kind {
	case SchemaJSON:
		if len(t.Schema.JSONSchema) == 0 {
			return fmt.Errorf("tool %q: json schema is required for kind %q", t.Name, SchemaJSON)
		}
	case SchemaTyped:
		if t.Schema.Type == nil {
			return fmt.Errorf("tool %q: type spec is required for kind %q", t.Name, SchemaTyped)
		}
	default:
		return fmt.Errorf("tool %q: unknown schema kind %q", t.Name, t.Schema.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Lookup returns the tool registered under name, or a NotFoundError listing
// the registered alternatives.
func (r *Registry) Lookup(name ID) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &NotFoundError{Name: name, Available: r.namesLocked()}
	}
	return t, nil
}

// Definitions renders the registered tools as model tool definitions, sorted
// by name for deterministic request construction.
func (r *Registry) Definitions() []*model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*model.ToolDefinition, 0, len(r.tools))
	for _, name := range r.namesLocked() {
		t := r.tools[name]
		def := &model.ToolDefinition{
			Name:        string(t.Name),
			Description: t.Description,
		}
		switch t.Schema.Kind {
		case SchemaJSON:
			def.InputSchema = t.Schema.JSONSchema
		case SchemaTyped:
			def.InputSchema = t.Schema.Type.Schema
		}
		defs = append(defs, def)
	}
	return defs
}

// Names returns the registered tool identifiers, sorted.
func (r *Registry) Names() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []ID {
	names := make([]ID, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
