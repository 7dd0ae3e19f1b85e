package query

// Op is a comparison operator in a fetch condition.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpLt       Op = "lt"
	OpLe       Op = "le"
	OpGt       Op = "gt"
	OpGe       Op = "ge"
	OpPrefix   Op = "prefix"
	OpContains Op = "contains"
)

// FetchSpec is the filter+sort specification a result set is defined by.
//
// Semantics:
//
//	objects of Entity
//	where every Condition holds
//	ordered by Sort (then by row key)
//	grouped into sections by SectionBy
//
// When SectionBy is set, the first sort key must be the same attribute so
// that sections appear in a stable order.
//
// Example (YAML):
//
//	entity: ToDo
//	where:
//	  - {attr: done, op: eq, value: false}
//	sort:
//	  - {attr: position}
//	  - {attr: task, collation: en}
type FetchSpec struct {
	Entity    string      `yaml:"entity" json:"entity"`
	Where     []Condition `yaml:"where,omitempty" json:"where,omitempty"`
	Sort      []SortKey   `yaml:"sort,omitempty" json:"sort,omitempty"`
	SectionBy string      `yaml:"section_by,omitempty" json:"section_by,omitempty"`
}

// Condition compares one attribute with a literal. Conditions are ANDed.
// Value holds a plain Go scalar (string, int, bool or nil) and is checked
// against the attribute's declared kind at compile time.
type Condition struct {
	Attr  string `yaml:"attr" json:"attr"`
	Op    Op     `yaml:"op" json:"op"`
	Value any    `yaml:"value" json:"value"`
}

// SortKey orders by one attribute. Collation is a BCP 47 language tag;
// when set, string values compare with that locale's collation instead of
// byte order.
type SortKey struct {
	Attr       string `yaml:"attr" json:"attr"`
	Descending bool   `yaml:"desc,omitempty" json:"desc,omitempty"`
	Collation  string `yaml:"collation,omitempty" json:"collation,omitempty"`
}
