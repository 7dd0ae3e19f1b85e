package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addTodos(t *testing.T, opts *RootOptions, rows ...[]string) {
	t.Helper()
	for _, row := range rows {
		_, err := execute(t, opts, append([]string{"add", "ToDo"}, row...)...)
		require.NoError(t, err)
	}
}

func TestListCommand(t *testing.T) {
	opts := testOptions(t)
	addTodos(t, opts,
		[]string{"task=a", "position=2"},
		[]string{"task=b", "position=1"},
	)

	out, err := execute(t, opts, "list", "--entity", "ToDo", "--sort", "position")
	require.NoError(t, err)
	assert.Equal(t,
		"ToDo/2  done=false  list=inbox  position=1  task=b\n"+
			"ToDo/1  done=false  list=inbox  position=2  task=a\n",
		out)
}

func TestListCommandEmpty(t *testing.T) {
	out, err := execute(t, testOptions(t), "list", "--entity", "ToDo")
	require.NoError(t, err)
	assert.Equal(t, "(no objects)\n", out)
}

func TestListCommandWhereAndSort(t *testing.T) {
	opts := testOptions(t)
	addTodos(t, opts,
		[]string{"task=buy milk", "position=1"},
		[]string{"task=buy eggs", "position=2", "done=true"},
		[]string{"task=call mum", "position=3"},
		[]string{"task=buy bread", "position=4"},
	)

	out, err := execute(t, opts, "list", "--entity", "ToDo",
		"--where", "done=false", "--where", "task^=buy", "--sort", "position:desc")
	require.NoError(t, err)
	assert.Equal(t,
		"ToDo/4  done=false  list=inbox  position=4  task=buy bread\n"+
			"ToDo/1  done=false  list=inbox  position=1  task=buy milk\n",
		out)
}

func TestListCommandSections(t *testing.T) {
	opts := testOptions(t)
	addTodos(t, opts,
		[]string{"task=a", "list=inbox"},
		[]string{"task=b", "list=home", "position=1"},
		[]string{"task=c", "list=home", "position=0"},
	)

	out, err := execute(t, opts, "--format", "json", "list", "--entity", "ToDo",
		"--section-by", "list", "--sort", "position")
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	require.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "ToDo", data["entity"])

	sections := data["sections"].([]any)
	require.Len(t, sections, 2)

	ids := func(section any) []string {
		var out []string
		for _, obj := range section.(map[string]any)["objects"].([]any) {
			out = append(out, obj.(map[string]any)["id"].(string))
		}
		return out
	}
	assert.Equal(t, "home", sections[0].(map[string]any)["name"])
	assert.Equal(t, []string{"ToDo/3", "ToDo/2"}, ids(sections[0]))
	assert.Equal(t, "inbox", sections[1].(map[string]any)["name"])
	assert.Equal(t, []string{"ToDo/1"}, ids(sections[1]))

	text, err := execute(t, opts, "list", "--entity", "ToDo", "--section-by", "list", "--sort", "position")
	require.NoError(t, err)
	assert.Contains(t, text, "== home ==\nToDo/3")
	assert.Contains(t, text, "\n\n== inbox ==\nToDo/1")
}

func TestListCommandUsesConfigFetch(t *testing.T) {
	opts := testOptions(t)
	addTodos(t, opts,
		[]string{"task=a", "done=true"},
		[]string{"task=b"},
	)
	opts.ConfigPath = writeConfig(t, `
fetch:
  entity: ToDo
  where:
    - {attr: done, op: eq, value: true}
`)

	out, err := execute(t, opts, "--config", opts.ConfigPath, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ToDo/1")
	assert.NotContains(t, out, "ToDo/2")
}

func TestListCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no entity", []string{"list"}},
		{"unknown sort attribute", []string{"list", "--entity", "ToDo", "--sort", "colour"}},
		{"bad where", []string{"list", "--entity", "ToDo", "--where", "done"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, testOptions(t), append([]string{"--format", "json"}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Equal(t, "error", decodeResponse(t, out).Status)
		})
	}
}
