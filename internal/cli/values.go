package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/coordinator"
	"github.com/roach88/resultsync/internal/model"
	"github.com/roach88/resultsync/internal/query"
)

// ErrBadArgument is wrapped by every command-line parsing error.
var ErrBadArgument = errors.New("bad argument")

// parseScalar reads a command-line value as a YAML scalar: 3 is an int,
// true a bool, null null, anything else a string.
func parseScalar(raw string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw, nil
	}
	switch v.(type) {
	case nil, string, bool, int, int64:
		return v, nil
	case float64:
		return nil, fmt.Errorf("%w: %q: floats are not attribute values", ErrBadArgument, raw)
	default:
		return raw, nil
	}
}

// parseAssignments turns attr=value arguments into attributes of e. A
// value given for a string attribute is taken literally.
func parseAssignments(e *model.Entity, args []string) (attr.Object, error) {
	out := make(attr.Object, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: expected attr=value, got %q", ErrBadArgument, arg)
		}

		if a, known := e.Attribute(name); known && a.Kind == attr.KindString {
			out[name] = attr.String(raw)
			continue
		}

		v, err := parseScalar(raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		val, err := attr.FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute %s: %v", ErrBadArgument, name, err)
		}
		out[name] = val
	}
	return out, nil
}

// parseObjectRef reads "Entity/Key" as an id in the context's store.
func parseObjectRef(c *coordinator.Context, ref string) (coordinator.ObjectID, error) {
	entity, rawKey, ok := strings.Cut(ref, "/")
	if !ok || entity == "" {
		return coordinator.ObjectID{}, fmt.Errorf("%w: expected Entity/Key, got %q", ErrBadArgument, ref)
	}
	key, err := strconv.ParseInt(rawKey, 10, 64)
	if err != nil || key <= 0 {
		return coordinator.ObjectID{}, fmt.Errorf("%w: invalid key in %q", ErrBadArgument, ref)
	}
	id := coordinator.ObjectID{Entity: entity, Key: key}
	if s := c.Store(); s != nil {
		id.Store = s.ID()
	}
	return id, nil
}

// whereOps is checked in order, longest operators first.
var whereOps = []struct {
	token string
	op    query.Op
}{
	{"!=", query.OpNe},
	{"<=", query.OpLe},
	{">=", query.OpGe},
	{"^=", query.OpPrefix},
	{"~=", query.OpContains},
	{"=", query.OpEq},
	{"<", query.OpLt},
	{">", query.OpGt},
}

// parseCondition reads a --where flag such as done=false, position>=2 or
// task^=buy.
func parseCondition(expr string) (query.Condition, error) {
	for _, w := range whereOps {
		i := strings.Index(expr, w.token)
		if i <= 0 {
			continue
		}
		v, err := parseScalar(expr[i+len(w.token):])
		if err != nil {
			return query.Condition{}, fmt.Errorf("where %q: %w", expr, err)
		}
		return query.Condition{Attr: expr[:i], Op: w.op, Value: v}, nil
	}
	return query.Condition{}, fmt.Errorf("%w: where %q: expected attr<op>value", ErrBadArgument, expr)
}

// parseSortKey reads attr, attr:desc or attr:collation (e.g. task:en).
func parseSortKey(expr string) query.SortKey {
	name, mod, _ := strings.Cut(expr, ":")
	key := query.SortKey{Attr: name}
	switch mod {
	case "":
	case "desc":
		key.Descending = true
	default:
		key.Collation = mod
	}
	return key
}
