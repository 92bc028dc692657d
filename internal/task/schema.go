package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError lists why a payload was rejected.
type ValidationError struct {
	Task    Name
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("invalid payload for task %s", e.Task)
	}
	return fmt.Sprintf("invalid payload for task %s: %s", e.Task, strings.Join(e.Details, "; "))
}

// Schema is a compiled JSON Schema for a task payload.
type Schema struct {
	source   string
	compiled *jsonschema.Schema
}

// EmptySchema accepts any object.
const EmptySchema = `{"type": "object"}`

// CompileSchema compiles a JSON Schema document.
func CompileSchema(name string, doc string) (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	c.ExtractAnnotations = true
	url := "mem://tasks/" + name + ".json"
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("failed to load schema for %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", name, err)
	}
	return &Schema{source: doc, compiled: compiled}, nil
}

// MustCompileSchema is CompileSchema for package-level task tables.
func MustCompileSchema(name string, doc string) *Schema {
	s, err := CompileSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Source returns the schema document.
func (s *Schema) Source() string { return s.source }

// Validate checks payload (a JSON object; empty means {}) and returns the
// payload with top-level defaults filled in.
func (s *Schema) Validate(task Name, payload json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, &ValidationError{Task: task, Details: []string{"payload is not valid JSON: " + err.Error()}}
	}
	if err := s.compiled.Validate(v); err != nil {
		return nil, &ValidationError{Task: task, Details: validationDetails(err)}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return payload, nil
	}
	changed := false
	for name, prop := range resolve(s.compiled).Properties {
		if _, present := obj[name]; present {
			continue
		}
		if d := resolve(prop).Default; d != nil {
			obj[name] = d
			changed = true
		}
	}
	if !changed {
		return payload, nil
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func validationDetails(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

// FieldType is the form-facing type of a payload field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldArray   FieldType = "array"
	FieldEnum    FieldType = "enum"
	FieldObject  FieldType = "object"
)

// FieldSummary describes one payload field for a "run task" form.
type FieldSummary struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
	Enum        []any     `json:"enum,omitempty"`
	Items       FieldType `json:"items,omitempty"`
}

// Summary walks the top-level properties of the schema. It only reports
// shape, sorted by field name.
func (s *Schema) Summary() []FieldSummary {
	root := resolve(s.compiled)
	required := make(map[string]bool, len(root.Required))
	for _, r := range root.Required {
		required[r] = true
	}
	out := make([]FieldSummary, 0, len(root.Properties))
	for name, prop := range root.Properties {
		p := resolve(prop)
		f := FieldSummary{
			Name:        name,
			Type:        fieldType(p),
			Required:    required[name],
			Default:     p.Default,
			Description: p.Description,
		}
		if f.Type == FieldEnum {
			f.Enum = append([]any(nil), p.Enum...)
		}
		if f.Type == FieldArray {
			if items, ok := p.Items.(*jsonschema.Schema); ok {
				f.Items = fieldType(resolve(items))
			}
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func resolve(s *jsonschema.Schema) *jsonschema.Schema {
	for s != nil && s.Ref != nil {
		s = s.Ref
	}
	return s
}

func fieldType(s *jsonschema.Schema) FieldType {
	if len(s.Enum) > 0 {
		return FieldEnum
	}
	for _, t := range s.Types {
		switch t {
		case "string":
			return FieldString
		case "number", "integer":
			return FieldNumber
		case "boolean":
			return FieldBoolean
		case "array":
			return FieldArray
		case "object":
			return FieldObject
		}
	}
	return FieldString
}
