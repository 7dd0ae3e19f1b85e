package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/model"
)

// todoModel returns the ToDo model used across store tests.
func todoModel() *model.Model {
	m := model.Empty("todo")
	m.Entities["ToDo"] = &model.Entity{
		Name: "ToDo",
		Attributes: map[string]model.Attribute{
			"task":     {Name: "task", Kind: attr.KindString},
			"position": {Name: "position", Kind: attr.KindInt, Default: attr.Int(0)},
			"done":     {Name: "done", Kind: attr.KindBool, Default: attr.Bool(false)},
		},
	}
	return m
}

// allTypes lists every backend; table-driven tests run against each.
var allTypes = []Type{TypeDurable, TypeBinary, TypeMemory}

// createTestStore opens a store of the given type under t.TempDir().
func createTestStore(t *testing.T, typ Type) Store {
	t.Helper()
	s, err := Open(Config{Type: typ, ModelName: "todo", BaseDir: t.TempDir()}, todoModel())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// insertTask saves one ToDo row and returns its key.
func insertTask(t *testing.T, s Store, task string, position int64) int64 {
	t.Helper()
	key := s.AllocateKey()
	err := s.Save(context.Background(), ChangeSet{Inserts: []Record{{
		Entity: "ToDo",
		Key:    key,
		Attrs:  attr.Object{"task": attr.String(task), "position": attr.Int(position), "done": attr.Bool(false)},
	}}})
	require.NoError(t, err)
	return key
}

func tasks(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = string(r.Attrs["task"].(attr.String))
	}
	return out
}
