package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const todoModel = `entity: ToDo: {
	task:     string
	position: int | *0
	done:     bool | *false
	list:     string | *"inbox"
}
`

// testOptions writes the todo model to a temp dir and returns root
// options for a durable store under it.
func testOptions(t *testing.T) *RootOptions {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "todo.cue"), []byte(todoModel), 0644))
	return &RootOptions{
		Format:    "text",
		StoreType: "durable",
		ModelDir:  dir,
		Model:     "todo",
		BaseDir:   filepath.Join(dir, "data"),
	}
}

// storeArgs turns options into the global flags naming the same store.
func storeArgs(opts *RootOptions) []string {
	return []string{
		"--db-type", opts.StoreType,
		"--model-dir", opts.ModelDir,
		"--model", opts.Model,
		"--base-dir", opts.BaseDir,
	}
}

// execute runs the root command with args after the store flags.
func execute(t *testing.T, opts *RootOptions, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(storeArgs(opts), args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "listsync", cmd.Use)
	assert.Contains(t, cmd.Long, "result sets")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"add", "update", "delete", "list", "watch", "run"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "db-type", "model-dir", "model", "base-dir"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestListCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	listCmd, _, err := cmd.Find([]string{"list"})
	require.NoError(t, err)

	for _, name := range []string{"entity", "where", "sort", "section-by"} {
		assert.NotNil(t, listCmd.Flags().Lookup(name), name)
	}
}

func TestWatchCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	watchCmd, _, err := cmd.Find([]string{"watch"})
	require.NoError(t, err)

	interval := watchCmd.Flags().Lookup("interval")
	require.NotNil(t, interval)
	assert.Equal(t, "1s", interval.DefValue)

	count := watchCmd.Flags().Lookup("count")
	require.NotNil(t, count)
	assert.Equal(t, "0", count.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "xml", "list"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
