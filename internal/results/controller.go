// Package results maintains a sectioned, ordered result set over a
// coordinator context and reports every change to it as one batch of
// events.
//
// A Controller fetches once on Start. From then on it recomputes whenever
// its context commits or merges another context's commit, diffs the new
// result against the previous one by object identity and sends
//
//	WillChange, object and section events, DidChange
//
// through its bridge. The snapshot the read methods see is swapped in on
// the consumption loop just before DidChange is delivered, so a consumer
// reading counts while applying the batch sees the post-batch state.
package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/resultsync/internal/bridge"
	"github.com/roach88/resultsync/internal/change"
	"github.com/roach88/resultsync/internal/coordinator"
	"github.com/roach88/resultsync/internal/query"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("controller already started")

// FetchError reports a result set that could not be fetched: the fetch
// spec does not fit the model or the read failed.
type FetchError struct {
	Entity string
	Detail string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s", e.Entity, e.Detail)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError reports whether err is or wraps a *FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Controller keeps a result set in sync with one context.
//
// Thread-safety model:
//   - SectionCount(), RowCount(), Object(), Snapshot(): any goroutine;
//     they read the last published snapshot
//   - recomputation runs on the context's loop
//   - batches are delivered on the bridge's loop
type Controller struct {
	ctx    *coordinator.Context
	spec   query.FetchSpec
	bridge *bridge.Bridge
	logger *slog.Logger

	// fetch and current are only used by Start and then on the context's
	// loop.
	fetch   *query.Fetch
	current *Snapshot

	mu        sync.RWMutex
	published *Snapshot

	started    atomic.Bool
	closed     atomic.Bool
	recomputes atomic.Uint64

	obsMu         sync.Mutex
	removeObs     func()
	removeOnClose func()
}

// Option configures a Controller.
type Option func(*options)

type options struct {
	logger *slog.Logger
	name   string
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithName names the controller's bridge in logs. Default: the entity.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// New creates a controller for spec over c. Batches are delivered on the
// coordinator's consumption loop. Nothing is fetched until Start.
func New(c *coordinator.Context, spec query.FetchSpec, opts ...Option) *Controller {
	o := options{logger: slog.Default(), name: spec.Entity}
	for _, opt := range opts {
		opt(&o)
	}
	return &Controller{
		ctx:    c,
		spec:   spec,
		logger: o.logger,
		bridge: bridge.New(c.Coordinator().Loop(), bridge.WithName(o.name), bridge.WithLogger(o.logger)),
	}
}

// Bridge returns the bridge the controller sends its batches through.
// Subscribe to it before Start to see every batch.
func (r *Controller) Bridge() *bridge.Bridge {
	return r.bridge
}

// Context returns the context the controller observes.
func (r *Controller) Context() *coordinator.Context {
	return r.ctx
}

// Spec returns the fetch spec the controller was created with.
func (r *Controller) Spec() query.FetchSpec {
	return r.spec
}

// Start performs the initial fetch and begins observing the context. The
// initial result is published without a batch.
//
// The fetch and the observer registration run as one task on the
// context's loop, so no merge can land between them unseen. The
// controller closes with its context.
func (r *Controller) Start(ctx context.Context) error {
	if r.closed.Load() {
		return fmt.Errorf("start: %w", bridge.ErrClosed)
	}
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	var startErr error
	err := r.ctx.Loop().PerformAndWait(ctx, func(ctx context.Context) {
		startErr = r.start(ctx)
	})
	if err == nil {
		err = startErr
	}
	if err != nil {
		r.started.Store(false)
		return err
	}

	removeOnClose := r.ctx.OnClose(r.Close)
	r.obsMu.Lock()
	r.removeOnClose = removeOnClose
	r.obsMu.Unlock()

	r.logger.Debug("controller started",
		"entity", r.spec.Entity,
		"context", r.ctx.Name(),
		"sections", r.Snapshot().SectionCount(),
		"rows", r.Snapshot().Len(),
	)
	return nil
}

// start runs on the context's loop.
func (r *Controller) start(ctx context.Context) error {
	f, err := query.Compile(r.spec, r.ctx.Model())
	if err != nil {
		return &FetchError{Entity: r.spec.Entity, Detail: err.Error(), Err: err}
	}
	objects, err := r.ctx.FetchCompiled(ctx, f)
	if err != nil {
		return &FetchError{Entity: r.spec.Entity, Detail: err.Error(), Err: err}
	}
	snap, err := buildSnapshot(f, objects)
	if err != nil {
		return &FetchError{Entity: r.spec.Entity, Detail: err.Error(), Err: err}
	}

	r.fetch = f
	r.current = snap
	r.publish(snap)

	r.obsMu.Lock()
	r.removeObs = r.ctx.AddObserver(r)
	r.obsMu.Unlock()
	return nil
}

// ContextChanged recomputes the result set after a commit or merge that
// touches the controller's entity.
func (r *Controller) ContextChanged(ctx context.Context, note coordinator.ChangeNotification) {
	if r.closed.Load() || !note.Touches(r.spec.Entity) {
		return
	}
	r.recompute(ctx, note.Seq)
}

// Refresh recomputes the result set against the context's current state,
// including uncommitted edits. It runs on the context's loop and returns
// once the batch, if any, has been handed to the bridge.
func (r *Controller) Refresh(ctx context.Context) error {
	if !r.started.Load() {
		return errors.New("refresh: controller not started")
	}
	return r.ctx.Loop().PerformAndWait(ctx, func(ctx context.Context) {
		if !r.closed.Load() {
			r.recompute(ctx, 0)
		}
	})
}

// recompute fetches, diffs against the current snapshot and sends one
// batch. A fetch that fails after the batch was opened aborts it.
func (r *Controller) recompute(ctx context.Context, seq int64) {
	r.recomputes.Add(1)

	if err := r.bridge.Send(change.WillChange()); err != nil {
		r.logger.Debug("recompute skipped", "entity", r.spec.Entity, "error", err)
		return
	}

	objects, err := r.ctx.FetchCompiled(ctx, r.fetch)
	if err == nil {
		var next *Snapshot
		next, err = buildSnapshot(r.fetch, objects)
		if err == nil {
			r.emit(seq, next)
			return
		}
	}

	r.bridge.Abort()
	r.logger.Error("recompute failed",
		"entity", r.spec.Entity,
		"context", r.ctx.Name(),
		"seq", seq,
		"error", err,
	)
}

func (r *Controller) emit(seq int64, next *Snapshot) {
	events := diff(r.current, next)
	if len(events) == 0 {
		r.bridge.Abort()
		return
	}

	for _, ev := range events {
		if err := r.bridge.Send(ev); err != nil {
			r.bridge.Abort()
			r.logger.Debug("batch dropped", "entity", r.spec.Entity, "error", err)
			return
		}
	}
	if err := r.bridge.End(func() { r.publish(next) }); err != nil {
		r.logger.Debug("batch dropped", "entity", r.spec.Entity, "error", err)
		return
	}
	r.current = next

	r.logger.Debug("batch sent",
		"entity", r.spec.Entity,
		"context", r.ctx.Name(),
		"seq", seq,
		"events", len(events),
	)
}

func (r *Controller) publish(s *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = s
}

// Snapshot returns the last published snapshot.
//
// Panics if the controller was never started.
func (r *Controller) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.published == nil {
		panic("results: controller read before Start")
	}
	return r.published
}

// SectionCount returns the number of sections.
func (r *Controller) SectionCount() int {
	return r.Snapshot().SectionCount()
}

// RowCount returns the number of rows in section.
func (r *Controller) RowCount(section int) int {
	return r.Snapshot().RowCount(section)
}

// Object returns the object at p.
func (r *Controller) Object(p change.Path) (coordinator.Object, bool) {
	return r.Snapshot().Object(p)
}

// SectionName returns the name of section, "" when there is no such
// section.
func (r *Controller) SectionName(section int) string {
	s := r.Snapshot()
	if section < 0 || section >= len(s.Sections) {
		return ""
	}
	return s.Sections[section].Name
}

// RowID returns the identity of the object at p, "" when there is none.
func (r *Controller) RowID(p change.Path) string {
	obj, ok := r.Object(p)
	if !ok {
		return ""
	}
	return obj.ID.String()
}

// Recomputes returns how many recomputations ran, including ones that
// produced no batch.
func (r *Controller) Recomputes() uint64 {
	return r.recomputes.Load()
}

// Close stops observing the context and closes the bridge. When Close
// returns no batch of this controller is being delivered and none will be.
// The last published snapshot stays readable.
func (r *Controller) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.obsMu.Lock()
	if r.removeObs != nil {
		r.removeObs()
		r.removeObs = nil
	}
	removeOnClose := r.removeOnClose
	r.removeOnClose = nil
	r.obsMu.Unlock()
	if removeOnClose != nil {
		removeOnClose()
	}
	r.bridge.Close()
}
