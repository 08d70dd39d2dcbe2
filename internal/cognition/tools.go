package cognition

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/plugin"
)

type toolEntry struct {
	spec  plugin.ToolSpec
	owner string // plugin id, empty for host tools
}

// ToolRegistry holds the tools the dispatcher exposes to the model.
// Host tools are wired at startup; plugins add and retire theirs
// through the loader.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*toolEntry
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*toolEntry)}
}

// Register adds a host tool.
func (r *ToolRegistry) Register(spec plugin.ToolSpec) error {
	return r.register(spec, "")
}

// RegisterPlugin adds a tool owned by a plugin, so it can be retired
// with UnregisterPlugin when the plugin unloads.
func (r *ToolRegistry) RegisterPlugin(pluginID string, spec plugin.ToolSpec) error {
	return r.register(spec, pluginID)
}

func (r *ToolRegistry) register(spec plugin.ToolSpec, owner string) error {
	if spec.Name == "" || spec.Handler == nil {
		return fmt.Errorf("tool needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	r.tools[spec.Name] = &toolEntry{spec: spec, owner: owner}
	return nil
}

// Unregister removes one tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// UnregisterPlugin removes every tool a plugin registered.
func (r *ToolRegistry) UnregisterPlugin(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, entry := range r.tools {
		if entry.owner == pluginID {
			delete(r.tools, name)
		}
	}
}

// Names lists registered tool names sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Defs builds the tool declarations for a generation request, sorted by
// name for a stable prompt.
func (r *ToolRegistry) Defs() []ToolDef {
	r.mu.RLock()
	entries := make([]*toolEntry, 0, len(r.tools))
	for _, e := range r.tools {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].spec.Name < entries[j].spec.Name })
	out := make([]ToolDef, 0, len(entries))
	for _, e := range entries {
		out = append(out, toolDefFor(e.spec))
	}
	return out
}

func toolDefFor(spec plugin.ToolSpec) ToolDef {
	props := make(map[string]any, len(spec.Params))
	var required []string
	for name, p := range spec.Params {
		props[name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	params := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return ToolDef{
		Type: "function",
		Function: FunctionDef{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  params,
		},
	}
}

// Execute runs one tool call: parse arguments, validate them against
// the declared parameters, invoke the handler under the per-tool
// budget. Every failure comes back as an error for the model to see;
// nothing here panics the loop.
func (r *ToolRegistry) Execute(ctx context.Context, name, rawArgs string, budget time.Duration) (string, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: unknown tool %q", ErrToolInvocation, name)
	}

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", fmt.Errorf("%w: %s: arguments are not valid JSON: %v", ErrValidationFailed, name, err)
		}
	}
	if err := validateArgs(entry.spec.Params, args); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrValidationFailed, name, err)
	}

	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	start := time.Now()
	result, err := entry.spec.Handler(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %s exceeded its budget", ErrToolInvocation, name)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrToolInvocation, name, err)
	}
	logging.Debug("cognition", "tool %s ran in %s", name, time.Since(start).Round(time.Millisecond))
	return result, nil
}

// validateArgs checks required parameters and JSON types against the
// declared schema. Undeclared arguments pass through untouched.
func validateArgs(params map[string]plugin.ParamSpec, args map[string]any) error {
	for name, p := range params {
		v, present := args[name]
		if !present {
			if p.Required {
				return fmt.Errorf("missing required argument %q", name)
			}
			continue
		}
		if !jsonTypeOK(p.Type, v) {
			return fmt.Errorf("argument %q must be a %s", name, p.Type)
		}
	}
	return nil
}

func jsonTypeOK(declared string, v any) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "number", "integer":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}
