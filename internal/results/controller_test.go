package results

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/resultsync/internal/applier"
	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/bridge"
	"github.com/roach88/resultsync/internal/change"
	"github.com/roach88/resultsync/internal/coordinator"
	"github.com/roach88/resultsync/internal/model"
	"github.com/roach88/resultsync/internal/query"
	"github.com/roach88/resultsync/internal/store"
)

func todoModel() *model.Model {
	m := model.Empty("todo")
	m.Entities["ToDo"] = &model.Entity{
		Name: "ToDo",
		Attributes: map[string]model.Attribute{
			"task":     {Name: "task", Kind: attr.KindString},
			"position": {Name: "position", Kind: attr.KindInt, Default: attr.Int(0)},
			"done":     {Name: "done", Kind: attr.KindBool, Default: attr.Bool(false)},
			"list":     {Name: "list", Kind: attr.KindString, Default: attr.String("inbox")},
		},
	}
	m.Entities["Tag"] = &model.Entity{
		Name:       "Tag",
		Attributes: map[string]model.Attribute{"label": {Name: "label", Kind: attr.KindString}},
	}
	return m
}

var byPosition = query.FetchSpec{Entity: "ToDo", Sort: []query.SortKey{{Attr: "position"}}}

var byList = query.FetchSpec{
	Entity:    "ToDo",
	Sort:      []query.SortKey{{Attr: "list"}, {Attr: "position"}},
	SectionBy: "list",
}

// fixture is a coordinator with one memory store, a primary context and
// a started controller whose batches are traced and applied to a list.
type fixture struct {
	coord *coordinator.Coordinator
	main  *coordinator.Context
	ctrl  *Controller
	list  *applier.ListModel
	apply *applier.Applier

	// trace is appended on the consumption loop; read it after waitIdle.
	trace []string
}

func newCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	s, err := store.Open(store.Config{Type: store.TypeMemory, ModelName: "todo"}, todoModel())
	require.NoError(t, err)
	c := coordinator.New(todoModel())
	require.NoError(t, c.Attach(s))
	t.Cleanup(func() { c.Close() })
	return c
}

func newFixture(t *testing.T, spec query.FetchSpec) *fixture {
	t.Helper()
	c := newCoordinator(t)
	main, err := c.NewContext(coordinator.WithName("main"))
	require.NoError(t, err)
	return startFixture(t, c, main, spec)
}

func startFixture(t *testing.T, c *coordinator.Coordinator, ctx *coordinator.Context, spec query.FetchSpec) *fixture {
	t.Helper()
	f := &fixture{coord: c, main: ctx, ctrl: New(ctx, spec)}
	f.ctrl.Bridge().Subscribe(bridge.FeedAll, func(_ context.Context, ev change.Event) {
		f.trace = append(f.trace, ev.String())
	})
	require.NoError(t, f.ctrl.Start(context.Background()))
	f.list = applier.NewListModel(f.ctrl)
	f.apply = applier.New(f.list)
	f.apply.Attach(f.ctrl.Bridge())
	t.Cleanup(f.ctrl.Close)
	return f
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.NoError(t, f.coord.WaitIdle(context.Background()))
}

// takeTrace returns and clears the trace.
func (f *fixture) takeTrace(t *testing.T) []string {
	t.Helper()
	f.waitIdle(t)
	out := f.trace
	f.trace = nil
	return out
}

func (f *fixture) insert(t *testing.T, task string, position int64, extra ...any) coordinator.ObjectID {
	t.Helper()
	values := attr.Object{"task": attr.String(task), "position": attr.Int(position)}
	for i := 0; i+1 < len(extra); i += 2 {
		v, err := attr.FromGo(extra[i+1])
		require.NoError(t, err)
		values[extra[i].(string)] = v
	}
	obj, err := f.main.Insert("ToDo", values)
	require.NoError(t, err)
	return obj.ID
}

func (f *fixture) update(t *testing.T, id coordinator.ObjectID, name string, value any) {
	t.Helper()
	v, err := attr.FromGo(value)
	require.NoError(t, err)
	require.NoError(t, f.main.Update(context.Background(), id, attr.Object{name: v}))
}

func (f *fixture) commit(t *testing.T) {
	t.Helper()
	require.NoError(t, f.main.Commit(context.Background()))
}

func (f *fixture) requireListInSync(t *testing.T) {
	t.Helper()
	f.waitIdle(t)
	require.NoError(t, f.list.Err())
	assert.Equal(t, applier.Idle, f.apply.State())

	snap := f.ctrl.Snapshot()
	require.Equal(t, snap.SectionCount(), f.list.SectionCount())
	for s := range snap.SectionCount() {
		require.Equal(t, snap.RowCount(s), f.list.RowCount(s), "section %d", s)
	}
}

func TestController_InsertIntoEmptyStore(t *testing.T) {
	f := newFixture(t, byPosition)
	assert.Equal(t, 0, f.ctrl.SectionCount())

	f.insert(t, "buy milk", 0)
	f.commit(t)

	assert.Equal(t, []string{
		"will-change",
		`section insert 0 ""`,
		"object insert [0,0] ToDo/1",
		"did-change",
	}, f.takeTrace(t))
	assert.Equal(t, 1, f.ctrl.RowCount(0))

	obj, ok := f.ctrl.Object(change.Path{Section: 0, Row: 0})
	require.True(t, ok)
	assert.Equal(t, attr.String("buy milk"), obj.Get("task"))

	f.requireListInSync(t)
	assert.Equal(t, [][]string{{"ToDo/1"}}, f.list.Rows())
}

func TestController_OtherContextCommitReachesObserver(t *testing.T) {
	c := newCoordinator(t)
	a, err := c.NewContext(coordinator.WithName("a"))
	require.NoError(t, err)
	b, err := c.NewContext(coordinator.WithName("b"))
	require.NoError(t, err)

	fb := startFixture(t, c, b, byPosition)
	assert.Equal(t, 0, fb.ctrl.SectionCount())

	x, err := a.Insert("ToDo", attr.Object{"task": attr.String("X")})
	require.NoError(t, err)
	require.NoError(t, a.Commit(context.Background()))

	assert.Equal(t, []string{
		"will-change",
		`section insert 0 ""`,
		"object insert [0,0] ToDo/1",
		"did-change",
	}, fb.takeTrace(t))
	assert.Equal(t, 1, fb.ctrl.RowCount(0))
	got, ok := fb.ctrl.Object(change.Path{})
	require.True(t, ok)
	assert.Equal(t, x.ID, got.ID)

	assert.False(t, b.HasChanges())
	assert.Equal(t, int64(1), c.Clock().Current(), "only a committed")
	fb.requireListInSync(t)
}

func TestController_DeleteLastObject(t *testing.T) {
	f := newFixture(t, byPosition)
	id := f.insert(t, "only", 0)
	f.commit(t)
	f.takeTrace(t)

	require.NoError(t, f.main.Delete(context.Background(), id))
	f.commit(t)

	assert.Equal(t, []string{
		"will-change",
		"object delete [0,0] ToDo/1",
		`section delete 0 ""`,
		"did-change",
	}, f.takeTrace(t))
	assert.Equal(t, 0, f.ctrl.SectionCount())
	f.requireListInSync(t)
}

func TestController_NoopCommitEmitsNothing(t *testing.T) {
	f := newFixture(t, byPosition)

	f.commit(t)

	assert.Empty(t, f.takeTrace(t))
	assert.Equal(t, uint64(0), f.ctrl.Recomputes())
	assert.Equal(t, uint64(0), f.ctrl.Bridge().Delivered())
}

func TestController_CommitWithoutStore(t *testing.T) {
	c := coordinator.New(todoModel())
	t.Cleanup(func() { c.Close() })
	ctx, err := c.NewContext()
	require.NoError(t, err)
	f := startFixture(t, c, ctx, byPosition)

	f.insert(t, "orphan", 1)
	err = ctx.Commit(context.Background())
	assert.ErrorIs(t, err, coordinator.ErrNoBackingStore)

	assert.Empty(t, f.takeTrace(t))
	assert.Equal(t, 0, f.ctrl.SectionCount(), "a failed commit leaves the list unchanged")
	assert.Equal(t, 0, f.list.SectionCount())
}

func TestController_UnrelatedEntityDoesNotRecompute(t *testing.T) {
	f := newFixture(t, byPosition)

	_, err := f.main.Insert("Tag", attr.Object{"label": attr.String("home")})
	require.NoError(t, err)
	f.commit(t)

	assert.Empty(t, f.takeTrace(t))
	assert.Equal(t, uint64(0), f.ctrl.Recomputes())
}

func TestController_MoveAndUpdate(t *testing.T) {
	f := newFixture(t, byPosition)
	f.insert(t, "a", 1)
	idB := f.insert(t, "b", 2)
	idC := f.insert(t, "c", 3)
	f.commit(t)
	f.takeTrace(t)

	f.update(t, idC, "position", 0)
	f.update(t, idB, "task", "b!")
	f.commit(t)

	assert.Equal(t, []string{
		"will-change",
		"object move [0,2]->[0,0] ToDo/3",
		"object update [0,1] ToDo/2",
		"did-change",
	}, f.takeTrace(t))
	f.requireListInSync(t)
	assert.Equal(t, [][]string{{"ToDo/3", "ToDo/1", "ToDo/2"}}, f.list.Rows())
}

func TestController_FilterDropsObject(t *testing.T) {
	open := query.FetchSpec{
		Entity: "ToDo",
		Where:  []query.Condition{{Attr: "done", Op: query.OpEq, Value: false}},
		Sort:   []query.SortKey{{Attr: "position"}},
	}
	f := newFixture(t, open)
	f.insert(t, "a", 1)
	idB := f.insert(t, "b", 2)
	f.commit(t)
	f.takeTrace(t)

	f.update(t, idB, "done", true)
	f.commit(t)

	assert.Equal(t, []string{
		"will-change",
		"object delete [0,1] ToDo/2",
		"did-change",
	}, f.takeTrace(t))
	f.requireListInSync(t)
}

func TestController_Sections(t *testing.T) {
	f := newFixture(t, byList)
	idA := f.insert(t, "a", 1)
	idB := f.insert(t, "b", 2)
	f.insert(t, "c", 3, "list", "work")
	f.commit(t)

	assert.Equal(t, []string{
		"will-change",
		`section insert 0 "inbox"`,
		`section insert 1 "work"`,
		"object insert [0,0] ToDo/1",
		"object insert [0,1] ToDo/2",
		"object insert [1,0] ToDo/3",
		"did-change",
	}, f.takeTrace(t))
	assert.Equal(t, "inbox", f.ctrl.SectionName(0))
	assert.Equal(t, "work", f.ctrl.SectionName(1))
	assert.Equal(t, "", f.ctrl.SectionName(2))

	f.update(t, idB, "list", "work")
	f.commit(t)
	assert.Equal(t, []string{
		"will-change",
		"object move [0,1]->[1,0] ToDo/2",
		"did-change",
	}, f.takeTrace(t))
	f.requireListInSync(t)

	f.update(t, idA, "list", "done")
	f.commit(t)
	assert.Equal(t, []string{
		"will-change",
		"object delete [0,0] ToDo/1",
		`section delete 0 "inbox"`,
		`section insert 0 "done"`,
		"object insert [0,0] ToDo/1",
		"did-change",
	}, f.takeTrace(t))
	f.requireListInSync(t)
	assert.Equal(t, [][]string{{"ToDo/1"}, {"ToDo/2", "ToDo/3"}}, f.list.Rows())
}

func TestController_SnapshotPublishedBeforeDidChange(t *testing.T) {
	f := newFixture(t, byPosition)

	var atWill, atDid int
	f.ctrl.Bridge().OnWillChange(func(context.Context, change.Event) { atWill = f.ctrl.SectionCount() })
	f.ctrl.Bridge().OnDidChange(func(context.Context, change.Event) { atDid = f.ctrl.SectionCount() })

	f.insert(t, "a", 1)
	f.commit(t)
	f.waitIdle(t)

	assert.Equal(t, 0, atWill)
	assert.Equal(t, 1, atDid)
}

func TestController_RefreshShowsUncommittedEdits(t *testing.T) {
	f := newFixture(t, byPosition)

	f.insert(t, "draft", 1)
	require.NoError(t, f.ctrl.Refresh(context.Background()))

	trace := f.takeTrace(t)
	require.Len(t, trace, 4)
	assert.Equal(t, `section insert 0 ""`, trace[1])
	assert.Equal(t, 1, f.ctrl.RowCount(0))

	require.NoError(t, f.ctrl.Refresh(context.Background()))
	assert.Empty(t, f.takeTrace(t), "nothing changed, no batch")
	assert.Equal(t, uint64(2), f.ctrl.Recomputes())
}

func TestController_StartErrors(t *testing.T) {
	c := newCoordinator(t)
	ctx, err := c.NewContext()
	require.NoError(t, err)

	tests := []struct {
		name string
		spec query.FetchSpec
	}{
		{"unknown entity", query.FetchSpec{Entity: "Note"}},
		{"unknown sort attribute", query.FetchSpec{Entity: "ToDo", Sort: []query.SortKey{{Attr: "due"}}}},
		{"bad condition", query.FetchSpec{Entity: "ToDo", Where: []query.Condition{{Attr: "done", Op: query.OpEq, Value: "yes"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := New(ctx, tt.spec)
			err := ctrl.Start(context.Background())
			require.Error(t, err)
			assert.True(t, IsFetchError(err))

			var verr *query.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestController_StartTwice(t *testing.T) {
	f := newFixture(t, byPosition)
	assert.ErrorIs(t, f.ctrl.Start(context.Background()), ErrAlreadyStarted)
}

func TestController_ReadBeforeStartPanics(t *testing.T) {
	c := newCoordinator(t)
	ctx, err := c.NewContext()
	require.NoError(t, err)

	ctrl := New(ctx, byPosition)
	assert.Panics(t, func() { ctrl.SectionCount() })
}

func TestController_CloseStopsBatches(t *testing.T) {
	f := newFixture(t, byPosition)
	f.insert(t, "a", 1)
	f.commit(t)
	f.takeTrace(t)

	f.ctrl.Close()
	f.ctrl.Close()

	f.insert(t, "b", 2)
	f.commit(t)

	assert.Empty(t, f.takeTrace(t))
	assert.Equal(t, 1, f.ctrl.RowCount(0), "the last snapshot stays readable")
}

func TestController_ContextCloseStopsQueuedBatch(t *testing.T) {
	c := newCoordinator(t)
	_, err := c.NewContext(coordinator.WithName("main"))
	require.NoError(t, err)
	bg, err := c.NewContext(coordinator.WithName("bg"), coordinator.AsBackground())
	require.NoError(t, err)
	f := startFixture(t, c, bg, byPosition)

	// Hold the consumption loop so the batch stays queued on it.
	release := make(chan struct{})
	c.Loop().Post(func(context.Context) { <-release })

	f.insert(t, "a", 0)
	f.commit(t)
	require.NoError(t, bg.Loop().Flush(context.Background()))

	bg.Close()
	close(release)

	assert.Empty(t, f.takeTrace(t))
	assert.Equal(t, 0, f.ctrl.SectionCount())

	// The controller closed with its context.
	assert.ErrorIs(t, f.ctrl.Start(context.Background()), bridge.ErrClosed)
}

func TestController_StartRunsOnContextLoop(t *testing.T) {
	c := newCoordinator(t)
	a, err := c.NewContext(coordinator.WithName("a"))
	require.NoError(t, err)
	bg, err := c.NewContext(coordinator.WithName("bg"), coordinator.AsBackground())
	require.NoError(t, err)

	release := make(chan struct{})
	bg.Loop().Post(func(context.Context) { <-release })

	ctrl := New(bg, byPosition)
	t.Cleanup(ctrl.Close)
	started := make(chan error, 1)
	go func() { started <- ctrl.Start(context.Background()) }()

	select {
	case <-started:
		t.Fatal("Start returned while the context's loop was busy")
	case <-time.After(50 * time.Millisecond):
	}

	// The merge of this commit queues behind Start and finds its observer.
	_, err = a.Insert("ToDo", attr.Object{"task": attr.String("X")})
	require.NoError(t, err)
	require.NoError(t, a.Commit(context.Background()))

	close(release)
	require.NoError(t, <-started)
	require.NoError(t, c.WaitIdle(context.Background()))

	assert.Equal(t, 1, ctrl.RowCount(0))
	assert.Equal(t, "ToDo/1", ctrl.RowID(change.Path{}))
}
