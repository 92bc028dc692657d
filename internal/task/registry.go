package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTask is returned when no definition is registered for a name.
var ErrUnknownTask = errors.New("unknown task")

// Visibility controls whether a task is listed for operators.
type Visibility string

const (
	VisibilityPublic Visibility = "public"
	VisibilityHidden Visibility = "hidden"
)

// Definition describes a registered task.
type Definition struct {
	Name        Name
	Handler     Handler
	Schema      *Schema
	Description string
	Visibility  Visibility
}

// Metadata is the machine-readable view of a definition.
type Metadata struct {
	Name               Name           `json:"name"`
	Description        string         `json:"description"`
	Visibility         Visibility     `json:"visibility"`
	InputSchemaSummary []FieldSummary `json:"inputSchemaSummary"`
}

// Registry maps task names to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[Name]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[Name]Definition)}
}

// Register adds a definition. An existing name is overwritten.
func (r *Registry) Register(def Definition) error {
	if !def.Name.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTask, def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("task %s: handler is required", def.Name)
	}
	if def.Schema == nil {
		def.Schema = MustCompileSchema(string(def.Name), EmptySchema)
	}
	if def.Visibility == "" {
		def.Visibility = VisibilityPublic
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

// Resolve looks up a definition.
func (r *Registry) Resolve(name Name) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return def, nil
}

// SetVisibility overrides the visibility of a registered task.
func (r *Registry) SetVisibility(name Name, v Visibility) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	def.Visibility = v
	r.defs[name] = def
	return nil
}

// Unregister removes a task, e.g. one disabled by configuration.
func (r *Registry) Unregister(name Name) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, name)
}

// RegisteredNames returns all registered names, sorted.
func (r *Registry) RegisteredNames() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Name, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ListMetadata returns metadata for every task, sorted by name. Hidden tasks
// are included only when includeHidden is set.
func (r *Registry) ListMetadata(includeHidden bool) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.defs))
	for _, def := range r.defs {
		if def.Visibility == VisibilityHidden && !includeHidden {
			continue
		}
		out = append(out, Metadata{
			Name:               def.Name,
			Description:        def.Description,
			Visibility:         def.Visibility,
			InputSchemaSummary: def.Schema.Summary(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
