package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/query"
)

// SQLCompiler compiles the filter part of a query.Fetch to parameterized
// SQLite over the objects table, where attributes live in a JSON column.
//
// CRITICAL: All values and JSON paths are parameterized, never interpolated.
// CRITICAL: Every query ends in ORDER BY row_key so reads are deterministic.
//
// Sorting by attributes is not pushed down: collation and null ordering are
// evaluated in Go by query.Fetch.Compare.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile returns (sql, params) selecting row_key, attrs and version for
// the fetch's entity and predicates. A nil fetch selects every row of entity.
func (c *SQLCompiler) Compile(entity string, f *query.Fetch) (string, []any, error) {
	where := []string{"entity = ?"}
	params := []any{entity}

	if f != nil {
		if f.Entity != nil && f.Entity.Name != entity {
			return "", nil, fmt.Errorf("fetch is for entity %q, not %q", f.Entity.Name, entity)
		}
		for i, p := range f.Predicates {
			sql, args, err := c.compilePredicate(p)
			if err != nil {
				return "", nil, fmt.Errorf("predicate %d: %w", i, err)
			}
			where = append(where, sql)
			params = append(params, args...)
		}
	}

	sql := fmt.Sprintf("SELECT row_key, attrs, version FROM objects WHERE %s ORDER BY row_key ASC",
		strings.Join(where, " AND "))
	return sql, params, nil
}

// compilePredicate compiles one predicate to a WHERE fragment.
// Null handling mirrors query.Predicate.Match: an absent attribute is null,
// null equals only null, and ordering operators never match null.
func (c *SQLCompiler) compilePredicate(p query.Predicate) (string, []any, error) {
	path := jsonPath(p.Attr)
	col := "json_extract(attrs, ?)"

	if attr.KindOf(p.Value) == attr.KindNull {
		switch p.Op {
		case query.OpEq:
			return col + " IS NULL", []any{path}, nil
		case query.OpNe:
			return col + " IS NOT NULL", []any{path}, nil
		default:
			return "", nil, fmt.Errorf("operator %s cannot compare with null", p.Op)
		}
	}

	param, err := toParam(p.Value)
	if err != nil {
		return "", nil, err
	}

	switch p.Op {
	case query.OpEq:
		return col + " = ?", []any{path, param}, nil
	case query.OpNe:
		return fmt.Sprintf("(%s IS NULL OR %s <> ?)", col, col), []any{path, path, param}, nil
	case query.OpLt:
		return col + " < ?", []any{path, param}, nil
	case query.OpLe:
		return col + " <= ?", []any{path, param}, nil
	case query.OpGt:
		return col + " > ?", []any{path, param}, nil
	case query.OpGe:
		return col + " >= ?", []any{path, param}, nil
	case query.OpPrefix:
		return fmt.Sprintf("instr(%s, ?) = 1", col), []any{path, param}, nil
	case query.OpContains:
		return fmt.Sprintf("instr(%s, ?) > 0", col), []any{path, param}, nil
	default:
		return "", nil, fmt.Errorf("unsupported operator %q", p.Op)
	}
}

// jsonPath quotes the attribute name so any identifier is a valid path.
func jsonPath(name string) string {
	return `$."` + strings.ReplaceAll(name, `"`, `\"`) + `"`
}

// toParam converts an attribute value to a SQLite parameter.
// json_extract returns JSON booleans as integers 0/1.
func toParam(v attr.Value) (any, error) {
	switch val := v.(type) {
	case attr.String:
		return string(val), nil
	case attr.Int:
		return int64(val), nil
	case attr.Bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("unsupported value type: %T", v)
	}
}
