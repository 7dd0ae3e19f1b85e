package model

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/resultsync/internal/attr"
)

// Attribute describes one declared attribute of an entity.
type Attribute struct {
	Name     string
	Kind     attr.Kind
	Optional bool

	// Default is applied on insert when the attribute is not given.
	// Nil when the model declares no default.
	Default attr.Value
}

// Entity describes one object type in a model.
type Entity struct {
	Name       string
	Attributes map[string]Attribute
}

// Model is a compiled schema description.
// An empty model (no entities) is valid: stores open against it but every
// insert or fetch naming an entity fails.
type Model struct {
	Name     string
	Source   string // resolved resource path, empty for the fallback model
	Entities map[string]*Entity
}

// Empty returns the schema-less fallback model.
func Empty(name string) *Model {
	return &Model{Name: name, Entities: map[string]*Entity{}}
}

// IsEmpty reports whether the model declares no entities.
func (m *Model) IsEmpty() bool {
	return len(m.Entities) == 0
}

// Entity returns the named entity.
func (m *Model) Entity(name string) (*Entity, bool) {
	e, ok := m.Entities[name]
	return e, ok
}

// EntityNames returns entity names in sorted order.
func (m *Model) EntityNames() []string {
	names := make([]string, 0, len(m.Entities))
	for name := range m.Entities {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Hash returns a stable content hash of the model's entities and
// attributes. Stores record it to detect that a different model wrote them.
func (m *Model) Hash() string {
	var b strings.Builder
	for _, name := range m.EntityNames() {
		e := m.Entities[name]
		b.WriteString(name)
		b.WriteByte('{')
		for _, an := range e.AttributeNames() {
			a := e.Attributes[an]
			fmt.Fprintf(&b, "%s:%s", a.Name, a.Kind)
			if a.Optional {
				b.WriteByte('?')
			}
			b.WriteByte(';')
		}
		b.WriteByte('}')
	}
	return attr.HashWithDomain(attr.DomainModel, []byte(b.String()))
}

// AttributeNames returns attribute names in sorted order.
func (e *Entity) AttributeNames() []string {
	names := make([]string, 0, len(e.Attributes))
	for name := range e.Attributes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Attribute returns the named attribute.
func (e *Entity) Attribute(name string) (Attribute, bool) {
	a, ok := e.Attributes[name]
	return a, ok
}

// WithDefaults returns a copy of values with declared defaults filled in
// for every attribute that is absent.
func (e *Entity) WithDefaults(values attr.Object) attr.Object {
	out := values.Clone()
	for name, a := range e.Attributes {
		if _, ok := out[name]; ok {
			continue
		}
		if a.Default != nil {
			out[name] = a.Default
		}
	}
	return out
}

// Validate checks values against the entity's declared attributes.
// When partial is false every required attribute must be present;
// partial validation is used for updates.
func (e *Entity) Validate(values attr.Object, partial bool) error {
	for _, name := range values.SortedKeys() {
		a, ok := e.Attributes[name]
		if !ok {
			return &ValidationError{Entity: e.Name, Attribute: name, Message: "unknown attribute"}
		}
		kind := attr.KindOf(values[name])
		if kind == attr.KindNull {
			if !a.Optional {
				return &ValidationError{Entity: e.Name, Attribute: name, Message: "attribute is required"}
			}
			continue
		}
		if kind != a.Kind {
			return &ValidationError{
				Entity:    e.Name,
				Attribute: name,
				Message:   fmt.Sprintf("expected %s, got %s", a.Kind, kind),
			}
		}
	}
	if partial {
		return nil
	}
	for _, name := range e.AttributeNames() {
		a := e.Attributes[name]
		if a.Optional {
			continue
		}
		if attr.KindOf(values.Get(name)) == attr.KindNull {
			return &ValidationError{Entity: e.Name, Attribute: name, Message: "attribute is required"}
		}
	}
	return nil
}

// ValidationError reports attribute values that do not fit the model.
type ValidationError struct {
	Entity    string
	Attribute string
	Message   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Entity, e.Attribute, e.Message)
}
