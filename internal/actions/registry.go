// Package actions defines the named operations a responder may invoke on
// behalf of a customer, and the registry that validates and runs them.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrUnknownAction is returned when a call names an action that is
	// not in the registry.
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidArguments is returned when arguments fail the action's
	// input schema. The wrapped *ValidationError lists each problem.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// FieldError is one schema violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError describes why arguments were rejected.
type ValidationError struct {
	Action string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if strings.HasPrefix(f.Message, f.Field+" ") {
			parts = append(parts, f.Message)
			continue
		}
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Action, strings.Join(parts, "; "))
}

// NewFieldError names the offending property of a schema violation.
// Missing properties are reported against their parent object, so the
// property name comes from the error details.
func NewFieldError(re gojsonschema.ResultError) FieldError {
	field := re.Field()
	if re.Type() == "required" {
		if prop, ok := re.Details()["property"].(string); ok && prop != "" {
			if field == gojsonschema.STRING_CONTEXT_ROOT || field == "" {
				field = prop
			} else {
				field += "." + prop
			}
		}
	}
	return FieldError{Field: field, Message: re.Description()}
}

// Unwrap lets errors.Is match ErrInvalidArguments.
func (e *ValidationError) Unwrap() error { return ErrInvalidArguments }

// Handler executes an action with validated arguments. Absent targets
// are reported in the result, not as errors.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Action is a named, schema-validated operation.
type Action struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	schema *gojsonschema.Schema
}

// Registry holds available actions. It is read-only once built.
type Registry struct {
	actions map[string]*Action
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{actions: make(map[string]*Action), logger: logger}
}

// Register compiles the action's parameter schema and adds it.
func (r *Registry) Register(a *Action) error {
	if a.Name == "" || a.Handler == nil {
		return fmt.Errorf("action needs a name and handler")
	}
	params := a.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
		a.Parameters = params
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", a.Name, err)
	}
	a.schema = schema
	r.actions[a.Name] = a
	return nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) *Action {
	return r.actions[name]
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// List returns tool definitions for the LLM, sorted by name.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(r.actions))
	for _, name := range r.Names() {
		a := r.actions[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        a.Name,
				"description": a.Description,
				"parameters":  a.Parameters,
			},
		})
	}
	return result
}

// FilteredCopy returns a registry holding only the named actions.
// Unknown names are ignored.
func (r *Registry) FilteredCopy(names []string) *Registry {
	out := &Registry{actions: make(map[string]*Action, len(names)), logger: r.logger}
	for _, name := range names {
		if a, ok := r.actions[name]; ok {
			out.actions[name] = a
		}
	}
	return out
}

// Validate checks args against the action's input schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	a := r.actions[name]
	if a == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := a.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{Action: name, Fields: []FieldError{{Field: "arguments", Message: err.Error()}}}
	}
	if result.Valid() {
		return nil
	}
	ve := &ValidationError{Action: name}
	for _, re := range result.Errors() {
		ve.Fields = append(ve.Fields, NewFieldError(re))
	}
	return ve
}

// Execute validates args and runs the named action.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	if err := r.Validate(name, args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	result, err := r.actions[name].Handler(ctx, args)
	r.logger.Debug("action executed",
		"action", name,
		"user_id", UserIDFromContext(ctx),
		"ok", err == nil,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}
