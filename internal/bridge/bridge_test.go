package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/resultsync/internal/change"
	"github.com/roach88/resultsync/internal/dispatch"
)

func newTestBridge(t *testing.T) (*Bridge, *dispatch.Loop) {
	t.Helper()
	loop := dispatch.NewLoop("test")
	loop.Start()
	t.Cleanup(loop.Stop)
	b := New(loop, WithName("test"))
	t.Cleanup(b.Close)
	return b, loop
}

func flush(t *testing.T, loop *dispatch.Loop) {
	t.Helper()
	require.NoError(t, loop.Flush(context.Background()))
}

// trace records handler calls as "<feed>:<event>". It is only touched on
// the loop and read after a flush.
type trace struct {
	lines []string
}

func (tr *trace) handler(feed string) Handler {
	return func(_ context.Context, ev change.Event) {
		tr.lines = append(tr.lines, feed+":"+ev.String())
	}
}

func sendBatch(t *testing.T, b *Bridge, events ...change.Event) {
	t.Helper()
	require.NoError(t, b.Send(change.WillChange()))
	for _, ev := range events {
		require.NoError(t, b.Send(ev))
	}
	require.NoError(t, b.Send(change.DidChange()))
}

func TestBridge_FeedsPreserveBatchOrder(t *testing.T) {
	b, loop := newTestBridge(t)
	tr := &trace{}
	b.OnWillChange(tr.handler("will"))
	b.OnObjectChanged(tr.handler("object"))
	b.OnSectionChanged(tr.handler("section"))
	b.OnDidChange(tr.handler("did"))

	sendBatch(t, b,
		change.SectionInsert(0, "home"),
		change.ObjectInsert("ToDo/1", change.Path{Section: 0, Row: 0}),
		change.ObjectUpdate("ToDo/2", change.Path{Section: 1, Row: 0}),
	)
	flush(t, loop)

	assert.Equal(t, []string{
		"will:will-change",
		`section:section insert 0 "home"`,
		"object:object insert [0,0] ToDo/1",
		"object:object update [1,0] ToDo/2",
		"did:did-change",
	}, tr.lines)
	assert.Equal(t, uint64(1), b.Delivered())
}

func TestBridge_BatchesNeverInterleave(t *testing.T) {
	b, loop := newTestBridge(t)
	tr := &trace{}
	b.Subscribe(FeedAll, tr.handler("all"))

	require.NoError(t, b.Send(change.WillChange()))
	require.NoError(t, b.Send(change.ObjectInsert("ToDo/1", change.Path{})))
	flush(t, loop)
	assert.Empty(t, tr.lines, "an open batch is not delivered")

	require.NoError(t, b.Send(change.DidChange()))
	sendBatch(t, b, change.ObjectDelete("ToDo/1", change.Path{}))
	flush(t, loop)

	assert.Equal(t, []string{
		"all:will-change",
		"all:object insert [0,0] ToDo/1",
		"all:did-change",
		"all:will-change",
		"all:object delete [0,0] ToDo/1",
		"all:did-change",
	}, tr.lines)
}

func TestBridge_SendOutsideBatch(t *testing.T) {
	b, _ := newTestBridge(t)

	assert.ErrorIs(t, b.Send(change.ObjectInsert("ToDo/1", change.Path{})), ErrNoBatch)
	assert.ErrorIs(t, b.End(nil), ErrNoBatch)

	require.NoError(t, b.Send(change.WillChange()))
	assert.ErrorIs(t, b.Send(change.WillChange()), ErrBatchOpen)
}

func TestBridge_RejectsMalformedEvent(t *testing.T) {
	b, _ := newTestBridge(t)
	require.NoError(t, b.Send(change.WillChange()))

	bad := change.Event{Kind: change.KindObject, Type: change.Insert}
	assert.Error(t, b.Send(bad))
}

func TestBridge_AbortDiscardsBatch(t *testing.T) {
	b, loop := newTestBridge(t)
	tr := &trace{}
	b.Subscribe(FeedAll, tr.handler("all"))

	require.NoError(t, b.Send(change.WillChange()))
	require.NoError(t, b.Send(change.SectionInsert(0, "")))
	b.Abort()
	flush(t, loop)

	assert.Empty(t, tr.lines)
	assert.Equal(t, uint64(0), b.Delivered())

	sendBatch(t, b, change.SectionDelete(0, ""))
	flush(t, loop)
	assert.Equal(t, []string{"all:will-change", `all:section delete 0 ""`, "all:did-change"}, tr.lines)
}

func TestBridge_PublishRunsBeforeDidChange(t *testing.T) {
	b, loop := newTestBridge(t)
	tr := &trace{}
	b.Subscribe(FeedAll, tr.handler("all"))

	require.NoError(t, b.Send(change.WillChange()))
	require.NoError(t, b.Send(change.ObjectInsert("ToDo/1", change.Path{})))
	require.NoError(t, b.End(func() { tr.lines = append(tr.lines, "publish") }))
	flush(t, loop)

	assert.Equal(t, []string{
		"all:will-change",
		"all:object insert [0,0] ToDo/1",
		"publish",
		"all:did-change",
	}, tr.lines)
}

func TestBridge_CancelTakesEffectAtNextBatch(t *testing.T) {
	b, loop := newTestBridge(t)
	tr := &trace{}

	var sub *Subscription
	sub = b.Subscribe(FeedAll, func(ctx context.Context, ev change.Event) {
		tr.handler("sub")(ctx, ev)
		if ev.Kind == change.KindObject {
			sub.Cancel()
		}
	})

	sendBatch(t, b, change.ObjectInsert("ToDo/1", change.Path{}))
	sendBatch(t, b, change.ObjectDelete("ToDo/1", change.Path{}))
	flush(t, loop)

	assert.Equal(t, []string{
		"sub:will-change",
		"sub:object insert [0,0] ToDo/1",
		"sub:did-change",
	}, tr.lines)
}

func TestBridge_SubscribeTakesEffectAtNextBatch(t *testing.T) {
	b, loop := newTestBridge(t)
	late := &trace{}

	b.OnWillChange(func(context.Context, change.Event) {
		if late.lines == nil {
			late.lines = []string{}
			b.Subscribe(FeedAll, late.handler("late"))
		}
	})

	sendBatch(t, b, change.ObjectInsert("ToDo/1", change.Path{}))
	flush(t, loop)
	assert.Empty(t, late.lines)

	sendBatch(t, b, change.ObjectDelete("ToDo/1", change.Path{}))
	flush(t, loop)
	assert.Equal(t, []string{
		"late:will-change",
		"late:object delete [0,0] ToDo/1",
		"late:did-change",
	}, late.lines)
}

func TestBridge_CloseDropsQueuedBatches(t *testing.T) {
	b, loop := newTestBridge(t)
	tr := &trace{}
	b.Subscribe(FeedAll, tr.handler("all"))

	release := make(chan struct{})
	loop.Post(func(context.Context) { <-release })

	sendBatch(t, b, change.ObjectInsert("ToDo/1", change.Path{}))
	b.Close()
	close(release)
	flush(t, loop)

	assert.Empty(t, tr.lines)
	assert.ErrorIs(t, b.Send(change.WillChange()), ErrClosed)
	assert.ErrorIs(t, b.End(nil), ErrClosed)
	b.Close()
}

func TestBridge_CloseWaitsForRunningHandler(t *testing.T) {
	b, loop := newTestBridge(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	b.Subscribe(FeedAll, func(_ context.Context, ev change.Event) {
		calls++
		if ev.Kind == change.KindWillChange {
			close(entered)
			<-release
		}
	})

	sendBatch(t, b, change.ObjectInsert("ToDo/1", change.Path{}))
	<-entered

	closed := make(chan struct{})
	go func() {
		b.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a handler was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-closed
	flush(t, loop)

	assert.Equal(t, 1, calls, "nothing is delivered after Close")
}
