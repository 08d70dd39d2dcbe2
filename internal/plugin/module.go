package plugin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vthunder/medulla/internal/autonomic"
)

// Module is a loadable plugin. Activate receives the plugin's
// primitives and must be ready to serve before it returns; Deactivate
// releases whatever Activate acquired.
type Module interface {
	Manifest() Manifest
	Activate(ctx context.Context, prim *Primitives) error
	Deactivate(ctx context.Context) error
}

// Migrator is implemented by modules that can carry state across a hot
// swap. The loader refuses to swap onto a module without it.
type Migrator interface {
	// Migrate transforms the previous version's state into this
	// version's shape. Returning an error aborts the swap with the old
	// version still active.
	Migrate(oldVersion string, bundle MigrationBundle) (MigrationBundle, error)
}

// EventHandler is implemented by modules that want their scheduled and
// dispatched events delivered back to them.
type EventHandler interface {
	OnEvent(ctx context.Context, ev Event) error
}

// HealthChecker is implemented by modules that can self-report.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Primitives is everything a plugin may touch at runtime. The loader
// builds one per plugin at activation; nothing here outlives the
// plugin.
type Primitives struct {
	Storage   *Storage
	Scheduler *Scheduler
	Emitter   *Emitter
	Services  *Services
}

// Services are the host hooks handed to a plugin, each already bound
// to the plugin's id. Optional hooks are nil when the host does not
// provide them; plugins must tolerate that.
type Services struct {
	// RegisterEventSchema declares the payload shape for one of this
	// plugin's event kinds. Events failing the schema are dropped
	// before cognition sees them.
	RegisterEventSchema func(kind string, schema EventSchema) error

	// RegisterNeuron and UnregisterNeuron manage autonomic neurons
	// contributed by this plugin. Changes take effect at the next tick
	// boundary.
	RegisterNeuron   func(n autonomic.Neuron)
	UnregisterNeuron func(id string)

	// RegisterTool exposes a tool to cognition. Tools are torn down
	// automatically on unload and hot swap.
	RegisterTool func(tool ToolSpec) error
}

// ToolSpec describes a plugin-contributed cognition tool.
type ToolSpec struct {
	Name        string
	Description string
	Params      map[string]ParamSpec
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// ParamSpec describes one tool argument.
type ParamSpec struct {
	Type        string // string, number, boolean, object, array
	Description string
	Required    bool
}

// Event is what a plugin receives when one of its schedules fires or
// an event is dispatched to it directly.
type Event struct {
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	ScheduleID string         `json:"scheduleId,omitempty"`
	FireID     string         `json:"fireId,omitempty"`
	FiredAt    time.Time      `json:"firedAt,omitempty"`
}

// MigrationBundle is the state handed through a hot swap: the plugin's
// storage namespace, its schedules, and free-form config.
type MigrationBundle struct {
	Storage   map[string]json.RawMessage `json:"storage"`
	Schedules []ScheduleEntry            `json:"schedules"`
	Config    map[string]any             `json:"config,omitempty"`
}

// EventSchema is a minimal payload contract: required field names and
// per-field JSON types.
type EventSchema struct {
	Required []string          `json:"required,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"` // field -> string|number|boolean|object|array
}

// Check validates a payload against the schema.
func (s *EventSchema) Check(payload map[string]any) error {
	for _, field := range s.Required {
		if _, ok := payload[field]; !ok {
			return &SchemaError{Field: field, Reason: "missing required field"}
		}
	}
	for field, want := range s.Fields {
		v, ok := payload[field]
		if !ok {
			continue
		}
		if !jsonTypeMatches(v, want) {
			return &SchemaError{Field: field, Reason: "expected " + want}
		}
	}
	return nil
}

// SchemaError reports one schema violation.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return "schema violation on " + e.Field + ": " + e.Reason
}

func jsonTypeMatches(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}
