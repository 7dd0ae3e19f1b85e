package model

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/resultsync/internal/attr"
)

// Compile builds a Model from a CUE value holding an `entity` struct:
//
//	entity: ToDo: {
//		task:     string
//		date?:    string
//		position: int | *0
//	}
//
// Optional fields (`?` or `| null`) become optional attributes, and CUE
// defaults become insert defaults. Floats are rejected.
func Compile(name string, v cue.Value) (*Model, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	m := Empty(name)

	entitiesVal := v.LookupPath(cue.ParsePath("entity"))
	if !entitiesVal.Exists() {
		return nil, &CompileError{
			Field:   "entity",
			Message: "model declares no entity struct",
			Pos:     v.Pos(),
		}
	}

	iter, err := entitiesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		entity, err := compileEntity(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		m.Entities[entity.Name] = entity
	}

	return m, nil
}

func compileEntity(name string, v cue.Value) (*Entity, error) {
	e := &Entity{Name: name, Attributes: make(map[string]Attribute)}

	iter, err := v.Fields(cue.Optional(true))
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		a, err := compileAttribute(iter.Label(), iter.Value())
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", name, err)
		}
		if iter.IsOptional() {
			a.Optional = true
		}
		e.Attributes[a.Name] = a
	}

	if len(e.Attributes) == 0 {
		return nil, &CompileError{
			Field:   "entity." + name,
			Message: "entity declares no attributes",
			Pos:     v.Pos(),
		}
	}

	return e, nil
}

func compileAttribute(name string, v cue.Value) (Attribute, error) {
	a := Attribute{Name: name}

	kind := v.IncompleteKind()
	if kind&cue.NullKind != 0 && kind != cue.NullKind {
		a.Optional = true
		kind &^= cue.NullKind
	}

	switch kind {
	case cue.StringKind:
		a.Kind = attr.KindString
	case cue.IntKind:
		a.Kind = attr.KindInt
	case cue.BoolKind:
		a.Kind = attr.KindBool
	case cue.FloatKind, cue.NumberKind:
		return Attribute{}, &CompileError{
			Field:   name,
			Message: "float attributes are not supported - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return Attribute{}, &CompileError{
			Field:   name,
			Message: fmt.Sprintf("unsupported attribute kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}

	if def, ok := v.Default(); ok && def.IsConcrete() {
		val, err := concreteValue(a.Kind, def)
		if err != nil {
			return Attribute{}, err
		}
		a.Default = val
	}

	return a, nil
}

func concreteValue(kind attr.Kind, v cue.Value) (attr.Value, error) {
	switch kind {
	case attr.KindString:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return attr.String(s), nil
	case attr.KindInt:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return attr.Int(n), nil
	case attr.KindBool:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return attr.Bool(b), nil
	}
	return nil, fmt.Errorf("no concrete value for kind %s", kind)
}

// CompileError represents a model compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
