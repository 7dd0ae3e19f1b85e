package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/resultsync/internal/applier"
	"github.com/roach88/resultsync/internal/change"
)

// startWatch runs the watch command in the background and returns a
// channel that yields its error once it stops.
func startWatch(t *testing.T, ctx context.Context, opts *RootOptions, out *bytes.Buffer, args ...string) <-chan error {
	t.Helper()
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(storeArgs(opts), append([]string{"watch"}, args...)...))

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()
	return done
}

// insertUntil adds objects through a separate coordinator until the watch
// stops, the way another process would write to the same store.
func insertUntil(t *testing.T, opts *RootOptions, done <-chan error) error {
	t.Helper()
	for i := 0; ; i++ {
		select {
		case err := <-done:
			return err
		case <-time.After(50 * time.Millisecond):
		}

		coord, _, err := openCoordinator(opts)
		require.NoError(t, err)
		c, err := coord.NewContext()
		require.NoError(t, err)
		e, _ := c.Model().Entity("ToDo")
		values, err := parseAssignments(e, []string{"task=task", fmt.Sprintf("position=%d", i)})
		require.NoError(t, err)
		_, err = c.Insert("ToDo", values)
		require.NoError(t, err)
		require.NoError(t, c.Commit(context.Background()))
		require.NoError(t, coord.Close())
	}
}

func TestWatchCommandPrintsBatch(t *testing.T) {
	opts := testOptions(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := &bytes.Buffer{}
	done := startWatch(t, ctx, opts, out, "--entity", "ToDo", "--sort", "position", "--interval", "20ms", "--count", "1")
	require.NoError(t, insertUntil(t, opts, done))
	require.NoError(t, ctx.Err(), "watch did not see a batch")

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "batch 1 ("), text)
	assert.Contains(t, text, "  will-change\n")
	assert.Contains(t, text, "object insert [0,")
	assert.True(t, strings.HasSuffix(text, "  did-change\n"), text)
}

func TestWatchCommandJSON(t *testing.T) {
	opts := testOptions(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := &bytes.Buffer{}
	done := startWatch(t, ctx, opts, out, "--format", "json", "--entity", "ToDo", "--interval", "20ms", "--count", "1")
	require.NoError(t, insertUntil(t, opts, done))
	require.NoError(t, ctx.Err(), "watch did not see a batch")

	var batch BatchResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &batch), out.String())
	assert.Equal(t, 1, batch.Batch)
	assert.GreaterOrEqual(t, batch.Rows, 1)
	require.NotEmpty(t, batch.Events)
	assert.Equal(t, "will-change", batch.Events[0])
	assert.Equal(t, "did-change", batch.Events[len(batch.Events)-1])
}

type emptySource struct{}

func (emptySource) SectionCount() int        { return 0 }
func (emptySource) RowCount(int) int         { return 0 }
func (emptySource) RowID(change.Path) string { return "" }

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestBatchPrinterLogsWriteError(t *testing.T) {
	logs := &bytes.Buffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(logs, nil)))
	defer slog.SetDefault(prev)

	p := &batchPrinter{
		w:      failingWriter{},
		format: "json",
		list:   applier.NewListModel(emptySource{}),
		limit:  1,
		done:   make(chan struct{}),
	}
	p.handle(context.Background(), change.WillChange())
	p.handle(context.Background(), change.DidChange())

	select {
	case <-p.done:
	default:
		t.Fatal("printer did not count the batch")
	}
	assert.Contains(t, logs.String(), "error writing batch")
	assert.Contains(t, logs.String(), "broken pipe")
}

func TestWatchCommandStopsOnCancel(t *testing.T) {
	opts := testOptions(t)
	ctx, cancel := context.WithCancel(context.Background())

	out := &bytes.Buffer{}
	done := startWatch(t, ctx, opts, out, "--entity", "ToDo", "--interval", "20ms")
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
	assert.Empty(t, out.String())
}

func TestWatchCommandBadInterval(t *testing.T) {
	_, err := execute(t, testOptions(t), "watch", "--entity", "ToDo", "--interval", "0s")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadArgument)
}
