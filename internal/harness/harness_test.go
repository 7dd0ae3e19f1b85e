package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/resultsync/internal/query"
)

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(strings.TrimSuffix(filepath.Base(path), ".yaml"), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			require.NoError(t, RunWithGolden(t, scenario))
		})
	}
}

// inlineScenario is insert_into_empty built in code.
func inlineScenario() *Scenario {
	return &Scenario{
		Name:        "inline",
		Description: "inline scenario",
		Model:       "todo",
		ModelDir:    "testdata/scenarios",
		Fetch:       query.FetchSpec{Entity: "ToDo", Sort: []query.SortKey{{Attr: "position"}}},
		Contexts:    []ContextDef{{Name: "main", Watch: true}},
		Steps: []Step{
			{Context: "main", Insert: map[string]any{"task": "buy milk", "position": 0}, As: "milk"},
			{Context: "main", Commit: true},
		},
	}
}

func TestRun_Deterministic(t *testing.T) {
	first, err := Run(inlineScenario())
	require.NoError(t, err)
	second, err := Run(inlineScenario())
	require.NoError(t, err)

	assert.True(t, first.Pass, first.Errors)
	assert.Equal(t, first.Trace("inline"), second.Trace("inline"))
	assert.Equal(t, map[string]string{"milk": "ToDo/1"}, first.Aliases)
}

func TestRun_UnexpectedStepErrorFails(t *testing.T) {
	s := inlineScenario()
	s.Store = StoreNone

	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "step 2 (main commit): unexpected error")
	assert.Equal(t, "no_backing_store", result.Steps[1].Error)
}

func TestRun_MissingExpectedErrorFails(t *testing.T) {
	s := inlineScenario()
	s.Steps[1].ExpectError = "conflict"

	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "expected conflict error, got none")
}

func TestRun_WrongErrorKindFails(t *testing.T) {
	s := inlineScenario()
	s.Store = StoreNone
	s.Steps[1].ExpectError = "conflict"

	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "expected conflict error, got no_backing_store")
}

func TestRun_InvalidInsertIsAStepError(t *testing.T) {
	s := inlineScenario()
	s.Steps[0].Insert = map[string]any{"task": 7}
	s.Steps[0].ExpectError = "invalid"

	result, err := Run(s)
	require.NoError(t, err)

	assert.True(t, result.Pass, result.Errors)
	assert.Empty(t, result.Context("main").Batches)
}

func TestRun_MissingModel(t *testing.T) {
	s := inlineScenario()
	s.Model = "nope"

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load model")
}

func TestRun_BadFetchFailsToStart(t *testing.T) {
	s := inlineScenario()
	s.Fetch.Sort = []query.SortKey{{Attr: "missing"}}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create contexts")
}

func TestRun_DurableStore(t *testing.T) {
	s := inlineScenario()
	s.Store = "durable"

	result, err := Run(s)
	require.NoError(t, err)

	assert.True(t, result.Pass, result.Errors)
	assert.Equal(t, [][]string{{"ToDo/1"}}, result.Context("main").Rows)
}
