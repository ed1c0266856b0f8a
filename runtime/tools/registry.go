package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/loom/runtime/fault"
)

type (
	// Registry maps tool names to registered tools. Registration happens
	// during wiring under a mutex; Freeze closes registration and publishes
	// an atomic snapshot so per-call lookups never contend.
	Registry struct {
		mu     sync.Mutex
		byName map[string]*Tool
		order  []string
		frozen atomic.Pointer[snapshot]
	}

	// Tool is a registered tool. The argument schema is compiled once at
	// registration; Validate reuses the compiled form on every call.
	Tool struct {
		name        string
		description string
		schemaJSON  []byte
		readOnly    bool
		timeout     time.Duration
		compiled    *jsonschema.Schema
		handler     Handler
	}

	snapshot struct {
		byName  map[string]*Tool
		ordered []*Tool
	}
)

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Tool)}
}

// Register validates the descriptor, compiles its schema, and adds the tool.
// Fails on empty names, nil handlers, duplicate names, malformed schemas, and
// after Freeze.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("tools: descriptor requires a name")
	}
	if desc.Handler == nil {
		return fmt.Errorf("tools: tool %q requires a handler", desc.Name)
	}

	tool := &Tool{
		name:        desc.Name,
		description: desc.Description,
		timeout:     desc.Timeout,
		handler:     desc.Handler,
	}
	if desc.ReadOnly != nil {
		tool.readOnly = *desc.ReadOnly
	} else {
		tool.readOnly = DeriveReadOnly(desc.Name)
	}
	if desc.Schema != nil {
		raw, compiled, err := compileSchema(desc.Name, desc.Schema)
		if err != nil {
			return err
		}
		tool.schemaJSON = raw
		tool.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() != nil {
		return fmt.Errorf("tools: registry is frozen, cannot register %q", desc.Name)
	}
	if _, exists := r.byName[desc.Name]; exists {
		return fmt.Errorf("tools: tool %q already registered", desc.Name)
	}
	r.byName[desc.Name] = tool
	r.order = append(r.order, desc.Name)
	return nil
}

// Freeze closes registration and publishes the lock-free lookup snapshot.
// Idempotent; later Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() != nil {
		return
	}
	snap := &snapshot{
		byName:  make(map[string]*Tool, len(r.byName)),
		ordered: make([]*Tool, 0, len(r.order)),
	}
	for name, tool := range r.byName {
		snap.byName[name] = tool
	}
	for _, name := range r.order {
		snap.ordered = append(snap.ordered, r.byName[name])
	}
	r.frozen.Store(snap)
}

// Frozen reports whether registration has closed.
func (r *Registry) Frozen() bool {
	return r.frozen.Load() != nil
}

// Lookup returns the tool registered under name. Lock-free after Freeze.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	if snap := r.frozen.Load(); snap != nil {
		t, ok := snap.byName[name]
		return t, ok
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byName[name]
	return t, ok
}

// Tools returns every registered tool in registration order.
func (r *Registry) Tools() []*Tool {
	if snap := r.frozen.Load(); snap != nil {
		out := make([]*Tool, len(snap.ordered))
		copy(out, snap.ordered)
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if snap := r.frozen.Load(); snap != nil {
		return len(snap.ordered)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

// Name returns the tool name.
func (t *Tool) Name() string { return t.name }

// Description returns the tool description.
func (t *Tool) Description() string { return t.description }

// ReadOnly reports the side-effect class used for batch scheduling.
func (t *Tool) ReadOnly() bool { return t.readOnly }

// Timeout returns the per-tool timeout override, zero when unset.
func (t *Tool) Timeout() time.Duration { return t.timeout }

// Schema returns a fresh copy of the argument schema, nil when the tool was
// registered without one.
func (t *Tool) Schema() map[string]any {
	if len(t.schemaJSON) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(t.schemaJSON, &out); err != nil {
		return nil
	}
	return out
}

// Validate checks args against the compiled schema. Violations surface as
// BadArguments faults; tools without a schema accept anything.
func (t *Tool) Validate(args map[string]any) error {
	if t.compiled == nil {
		return nil
	}
	normalized, err := normalizeJSON(args)
	if err != nil {
		return fault.Wrap(fault.BadArguments, fmt.Sprintf("tool %q: encode arguments", t.name), err)
	}
	if err := t.compiled.Validate(normalized); err != nil {
		return fault.Wrap(fault.BadArguments, fmt.Sprintf("tool %q: invalid arguments", t.name), err)
	}
	return nil
}

// Invoke runs the handler. Callers validate first; Invoke performs no schema
// checks of its own.
func (t *Tool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return t.handler(ctx, args)
}

// compileSchema normalizes the schema document through a JSON round trip and
// compiles it. The round trip converts Go-native values (int, typed slices)
// into the decoded-JSON shapes the validator expects.
func compileSchema(name string, schema map[string]any) ([]byte, *jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, nil, fmt.Errorf("tools: tool %q: encode schema: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("tools: tool %q: decode schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, nil, fmt.Errorf("tools: tool %q: add schema resource: %w", name, err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, nil, fmt.Errorf("tools: tool %q: compile schema: %w", name, err)
	}
	return raw, compiled, nil
}

// normalizeJSON round-trips a value through JSON so the validator sees
// decoded-JSON types regardless of how callers built the arguments.
func normalizeJSON(v any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
