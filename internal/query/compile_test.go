package query

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/model"
)

func todoModel() *model.Model {
	m := model.Empty("todo")
	m.Entities["ToDo"] = &model.Entity{
		Name: "ToDo",
		Attributes: map[string]model.Attribute{
			"task":     {Name: "task", Kind: attr.KindString},
			"position": {Name: "position", Kind: attr.KindInt},
			"done":     {Name: "done", Kind: attr.KindBool},
			"list":     {Name: "list", Kind: attr.KindString},
			"note":     {Name: "note", Kind: attr.KindString, Optional: true},
		},
	}
	return m
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name  string
		spec  FetchSpec
		field string
	}{
		{"missing entity", FetchSpec{}, "entity"},
		{"unknown entity", FetchSpec{Entity: "Tag"}, "entity"},
		{"unknown where attr", FetchSpec{Entity: "ToDo", Where: []Condition{{Attr: "x", Op: OpEq, Value: 1}}}, "where[0]"},
		{"kind mismatch", FetchSpec{Entity: "ToDo", Where: []Condition{{Attr: "position", Op: OpEq, Value: "1"}}}, "where[0]"},
		{"null on required", FetchSpec{Entity: "ToDo", Where: []Condition{{Attr: "task", Op: OpEq, Value: nil}}}, "where[0]"},
		{"prefix on int", FetchSpec{Entity: "ToDo", Where: []Condition{{Attr: "position", Op: OpPrefix, Value: 1}}}, "where[0]"},
		{"bad op", FetchSpec{Entity: "ToDo", Where: []Condition{{Attr: "task", Op: "like", Value: "a"}}}, "where[0]"},
		{"unknown sort attr", FetchSpec{Entity: "ToDo", Sort: []SortKey{{Attr: "x"}}}, "sort[0]"},
		{"collation on int", FetchSpec{Entity: "ToDo", Sort: []SortKey{{Attr: "position", Collation: "en"}}}, "sort[0]"},
		{"section without sort", FetchSpec{Entity: "ToDo", SectionBy: "list"}, "section_by"},
		{"section not first sort", FetchSpec{Entity: "ToDo", SectionBy: "list", Sort: []SortKey{{Attr: "position"}, {Attr: "list"}}}, "section_by"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.spec, todoModel())
			require.Error(t, err)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCompile_EmptyModelRejectsEveryEntity(t *testing.T) {
	_, err := Compile(FetchSpec{Entity: "ToDo"}, model.Empty("todo"))
	assert.Error(t, err)
}

func TestFetch_Match(t *testing.T) {
	f, err := Compile(FetchSpec{
		Entity: "ToDo",
		Where: []Condition{
			{Attr: "done", Op: OpEq, Value: false},
			{Attr: "position", Op: OpLt, Value: 5},
			{Attr: "task", Op: OpContains, Value: "milk"},
		},
	}, todoModel())
	require.NoError(t, err)

	assert.True(t, f.Match(attr.Object{"done": attr.Bool(false), "position": attr.Int(1), "task": attr.String("buy milk")}))
	assert.False(t, f.Match(attr.Object{"done": attr.Bool(true), "position": attr.Int(1), "task": attr.String("buy milk")}))
	assert.False(t, f.Match(attr.Object{"done": attr.Bool(false), "position": attr.Int(5), "task": attr.String("buy milk")}))
	assert.False(t, f.Match(attr.Object{"done": attr.Bool(false), "position": attr.Int(1), "task": attr.String("bread")}))
}

func TestPredicate_NullSemantics(t *testing.T) {
	isNull := Predicate{Attr: "note", Op: OpEq, Value: attr.Null{}}
	notX := Predicate{Attr: "note", Op: OpNe, Value: attr.String("x")}
	gtA := Predicate{Attr: "note", Op: OpGt, Value: attr.String("a")}

	assert.True(t, isNull.Match(attr.Null{}))
	assert.False(t, isNull.Match(attr.String("")))
	assert.True(t, notX.Match(attr.Null{}))
	assert.False(t, gtA.Match(attr.Null{}))
	assert.True(t, gtA.Match(attr.String("b")))
}

func TestFetch_CompareWithTieAndDescending(t *testing.T) {
	f, err := Compile(FetchSpec{
		Entity: "ToDo",
		Sort:   []SortKey{{Attr: "done"}, {Attr: "position", Descending: true}},
	}, todoModel())
	require.NoError(t, err)

	a := attr.Object{"done": attr.Bool(false), "position": attr.Int(1)}
	b := attr.Object{"done": attr.Bool(false), "position": attr.Int(2)}
	c := attr.Object{"done": attr.Bool(true), "position": attr.Int(9)}

	assert.Equal(t, 1, f.Compare(a, b))
	assert.Equal(t, -1, f.Compare(b, c))
	assert.Equal(t, 0, f.Compare(a, a))
}

func TestFetch_CompareCollation(t *testing.T) {
	binary, err := Compile(FetchSpec{Entity: "ToDo", Sort: []SortKey{{Attr: "task"}}}, todoModel())
	require.NoError(t, err)
	collated, err := Compile(FetchSpec{Entity: "ToDo", Sort: []SortKey{{Attr: "task", Collation: "en"}}}, todoModel())
	require.NoError(t, err)

	rows := []attr.Object{
		{"task": attr.String("banana")},
		{"task": attr.String("Apple")},
		{"task": attr.String("apple")},
	}

	sortWith := func(f *Fetch) []string {
		sorted := slices.Clone(rows)
		slices.SortStableFunc(sorted, f.Compare)
		out := make([]string, len(sorted))
		for i, r := range sorted {
			out[i] = string(r["task"].(attr.String))
		}
		return out
	}

	// Byte order puts upper case first; English collation groups by letter.
	assert.Equal(t, []string{"Apple", "apple", "banana"}, sortWith(binary))
	got := sortWith(collated)
	assert.Equal(t, "banana", got[2])
}

func TestFetch_CollatedSectionKeyKeepsSectionsContiguous(t *testing.T) {
	f, err := Compile(FetchSpec{
		Entity:    "ToDo",
		Sort:      []SortKey{{Attr: "list", Collation: "en"}, {Attr: "position"}},
		SectionBy: "list",
	}, todoModel())
	require.NoError(t, err)

	rows := []attr.Object{
		{"list": attr.String("a"), "position": attr.Int(1)},
		{"list": attr.String("a\x01"), "position": attr.Int(2)},
		{"list": attr.String("a"), "position": attr.Int(3)},
	}
	slices.SortStableFunc(rows, f.Compare)

	var names []string
	for _, r := range rows {
		names = append(names, f.SectionName(r))
	}
	assert.Equal(t, []string{"a", "a", "a\x01"}, names)
	assert.NotZero(t, f.Compare(rows[0], rows[2]))
}

func TestFetch_SectionName(t *testing.T) {
	flat, err := Compile(FetchSpec{Entity: "ToDo"}, todoModel())
	require.NoError(t, err)
	assert.Equal(t, "", flat.SectionName(attr.Object{"list": attr.String("home")}))

	sectioned, err := Compile(FetchSpec{Entity: "ToDo", SectionBy: "list", Sort: []SortKey{{Attr: "list"}}}, todoModel())
	require.NoError(t, err)
	assert.Equal(t, "home", sectioned.SectionName(attr.Object{"list": attr.String("home")}))
	assert.Equal(t, "7", FormatValue(attr.Int(7)))
	assert.Equal(t, "true", FormatValue(attr.Bool(true)))
	assert.Equal(t, "", FormatValue(attr.Null{}))
}
