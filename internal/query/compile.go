package query

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/model"
)

// Predicate is a compiled Condition.
type Predicate struct {
	Attr  string
	Op    Op
	Value attr.Value
}

type sortKey struct {
	attr     string
	desc     bool
	collator *collate.Collator
	// section keys fall back to byte order when the collator ties, so
	// rows with distinct section names never interleave.
	section bool
}

// Fetch is a FetchSpec compiled against a model.
//
// Thread-safety: a Fetch holds collators, which keep internal buffers.
// Use one Fetch per goroutine.
type Fetch struct {
	Spec       FetchSpec
	Entity     *model.Entity
	Predicates []Predicate

	sort []sortKey
}

// Compile validates spec against m and prepares it for evaluation.
// All problems are reported as *ValidationError.
func Compile(spec FetchSpec, m *model.Model) (*Fetch, error) {
	if spec.Entity == "" {
		return nil, &ValidationError{Field: "entity", Message: "entity is required"}
	}
	entity, ok := m.Entity(spec.Entity)
	if !ok {
		return nil, &ValidationError{Field: "entity", Message: fmt.Sprintf("entity %q is not in model %q", spec.Entity, m.Name)}
	}

	f := &Fetch{Spec: spec, Entity: entity}

	for i, cond := range spec.Where {
		pred, err := compileCondition(entity, cond)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("where[%d]", i), Message: err.Error()}
		}
		f.Predicates = append(f.Predicates, pred)
	}

	for i, key := range spec.Sort {
		a, ok := entity.Attribute(key.Attr)
		if !ok {
			return nil, &ValidationError{Field: fmt.Sprintf("sort[%d]", i), Message: fmt.Sprintf("unknown attribute %q", key.Attr)}
		}
		sk := sortKey{attr: key.Attr, desc: key.Descending, section: i == 0 && key.Attr == spec.SectionBy}
		if key.Collation != "" {
			if a.Kind != attr.KindString {
				return nil, &ValidationError{Field: fmt.Sprintf("sort[%d]", i), Message: "collation requires a string attribute"}
			}
			tag, err := language.Parse(key.Collation)
			if err != nil {
				return nil, &ValidationError{Field: fmt.Sprintf("sort[%d]", i), Message: fmt.Sprintf("bad collation %q: %v", key.Collation, err)}
			}
			sk.collator = collate.New(tag)
		}
		f.sort = append(f.sort, sk)
	}

	if spec.SectionBy != "" {
		if _, ok := entity.Attribute(spec.SectionBy); !ok {
			return nil, &ValidationError{Field: "section_by", Message: fmt.Sprintf("unknown attribute %q", spec.SectionBy)}
		}
		if len(spec.Sort) == 0 || spec.Sort[0].Attr != spec.SectionBy {
			return nil, &ValidationError{Field: "section_by", Message: "first sort key must be the section attribute"}
		}
	}

	return f, nil
}

func compileCondition(entity *model.Entity, cond Condition) (Predicate, error) {
	a, ok := entity.Attribute(cond.Attr)
	if !ok {
		return Predicate{}, fmt.Errorf("unknown attribute %q", cond.Attr)
	}

	v, err := attr.FromGo(cond.Value)
	if err != nil {
		return Predicate{}, err
	}
	kind := attr.KindOf(v)

	switch cond.Op {
	case OpEq, OpNe:
		if kind == attr.KindNull {
			if !a.Optional {
				return Predicate{}, fmt.Errorf("%s is required and never null", cond.Attr)
			}
			break
		}
		if kind != a.Kind {
			return Predicate{}, fmt.Errorf("%s is %s, value is %s", cond.Attr, a.Kind, kind)
		}
	case OpLt, OpLe, OpGt, OpGe:
		if kind != a.Kind {
			return Predicate{}, fmt.Errorf("%s is %s, value is %s", cond.Attr, a.Kind, kind)
		}
	case OpPrefix, OpContains:
		if a.Kind != attr.KindString || kind != attr.KindString {
			return Predicate{}, fmt.Errorf("%s requires string attribute and value", cond.Op)
		}
	default:
		return Predicate{}, fmt.Errorf("unknown operator %q", cond.Op)
	}

	return Predicate{Attr: cond.Attr, Op: cond.Op, Value: v}, nil
}

// Match reports whether values satisfy every predicate.
// Ordering operators never match a null attribute.
func (f *Fetch) Match(values attr.Object) bool {
	for _, p := range f.Predicates {
		if !p.Match(values.Get(p.Attr)) {
			return false
		}
	}
	return true
}

// Match evaluates the predicate against one attribute value.
func (p Predicate) Match(v attr.Value) bool {
	switch p.Op {
	case OpEq:
		return attr.Equal(v, p.Value)
	case OpNe:
		return !attr.Equal(v, p.Value)
	}

	if attr.KindOf(v) != attr.KindOf(p.Value) {
		return false
	}

	switch p.Op {
	case OpLt:
		return attr.Compare(v, p.Value) < 0
	case OpLe:
		return attr.Compare(v, p.Value) <= 0
	case OpGt:
		return attr.Compare(v, p.Value) > 0
	case OpGe:
		return attr.Compare(v, p.Value) >= 0
	case OpPrefix:
		return strings.HasPrefix(string(v.(attr.String)), string(p.Value.(attr.String)))
	case OpContains:
		return strings.Contains(string(v.(attr.String)), string(p.Value.(attr.String)))
	}
	return false
}

// Compare orders two objects by the sort keys. It returns 0 when every key
// ties; callers break ties by identity.
func (f *Fetch) Compare(a, b attr.Object) int {
	for _, k := range f.sort {
		av, bv := a.Get(k.attr), b.Get(k.attr)
		var c int
		if k.collator != nil && attr.KindOf(av) == attr.KindString && attr.KindOf(bv) == attr.KindString {
			c = k.collator.CompareString(string(av.(attr.String)), string(bv.(attr.String)))
			if c == 0 && k.section {
				c = attr.Compare(av, bv)
			}
		} else {
			c = attr.Compare(av, bv)
		}
		if k.desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// SectionName returns the section a row belongs to. Without SectionBy
// every row is in the single unnamed section.
func (f *Fetch) SectionName(values attr.Object) string {
	if f.Spec.SectionBy == "" {
		return ""
	}
	return FormatValue(values.Get(f.Spec.SectionBy))
}

// FormatValue renders a value as a section name.
func FormatValue(v attr.Value) string {
	switch val := v.(type) {
	case attr.String:
		return string(val)
	case attr.Int:
		return strconv.FormatInt(int64(val), 10)
	case attr.Bool:
		return strconv.FormatBool(bool(val))
	default:
		return ""
	}
}

// ValidationError reports a fetch spec that does not fit the model.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
