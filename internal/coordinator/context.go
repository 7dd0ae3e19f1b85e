package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/dispatch"
	"github.com/roach88/resultsync/internal/model"
	"github.com/roach88/resultsync/internal/store"
)

// Observer is told about commits of and merges into a context. It runs on
// the context's loop; controllers use it to recompute.
type Observer interface {
	ContextChanged(ctx context.Context, note ChangeNotification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, note ChangeNotification)

func (f ObserverFunc) ContextChanged(ctx context.Context, note ChangeNotification) {
	f(ctx, note)
}

type role int

const (
	roleDefault role = iota
	rolePrimary
	roleBackground
)

type contextOptions struct {
	role  role
	name  string
	store store.Store
}

// ContextOption configures a Context.
type ContextOption func(*contextOptions)

// AsPrimary makes the context primary. Fails with ErrPrimaryExists when
// the coordinator already has one.
func AsPrimary() ContextOption {
	return func(o *contextOptions) { o.role = rolePrimary }
}

// AsBackground gives the context a private loop even when no primary
// context exists yet.
func AsBackground() ContextOption {
	return func(o *contextOptions) { o.role = roleBackground }
}

// WithName names the context in logs and traces. Default: its id.
func WithName(name string) ContextOption {
	return func(o *contextOptions) { o.name = name }
}

// WithStore binds the context to an attached store other than the first.
func WithStore(s store.Store) ContextOption {
	return func(o *contextOptions) { o.store = s }
}

// cached is the last persisted state a context saw for an object.
type cached struct {
	attrs   attr.Object
	version int64
}

// Context is a working set of managed objects bound to one store.
//
// Edits (Insert, Update, Delete) stay local until Commit writes them and
// the coordinator merges the result into every other context on the same
// store. Edit and read methods are safe from any goroutine; merges and
// observer callbacks run on the context's loop.
type Context struct {
	id       string
	name     string
	coord    *Coordinator
	store    store.Store
	loop     *dispatch.Loop
	primary  bool
	ownsLoop bool

	// taskMu is held while a merge or commit notification runs, so Close
	// can wait out one in progress.
	taskMu sync.Mutex

	mu        sync.Mutex
	cache     map[ObjectID]cached
	inserted  map[ObjectID]attr.Object
	updated   map[ObjectID]attr.Object // attribute patches over cache
	deleted   map[ObjectID]int64       // version the delete is based on
	observers map[int]Observer
	nextObs   int
	onClose   map[int]func()
	nextClose int
	mergedSeq int64
	closed    bool
}

func (c *Context) ID() string { return c.id }

// Name returns the context's name, "" for a nil context.
func (c *Context) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

func (c *Context) IsPrimary() bool           { return c.primary }
func (c *Context) Loop() *dispatch.Loop      { return c.loop }
func (c *Context) Coordinator() *Coordinator { return c.coord }
func (c *Context) Model() *model.Model       { return c.coord.model }

// Store returns the bound store, nil when the context has none.
func (c *Context) Store() store.Store { return c.store }

// MergedSeq returns the Seq of the last notification merged into the
// context, 0 when none was.
func (c *Context) MergedSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mergedSeq
}

// AddObserver registers o and returns a function that removes it.
// Removal takes effect before the next merge or commit notification.
func (c *Context) AddObserver(o Observer) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.observers == nil {
		c.observers = make(map[int]Observer)
	}
	id := c.nextObs
	c.nextObs++
	c.observers[id] = o
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// OnClose registers fn to run when the context closes and returns a
// function that unregisters it. Close runs every registered fn before it
// returns; result set controllers use this to shut their bridges. When the
// context is already closed fn runs at once.
func (c *Context) OnClose(fn func()) (remove func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return func() {}
	}
	if c.onClose == nil {
		c.onClose = make(map[int]func())
	}
	id := c.nextClose
	c.nextClose++
	c.onClose[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onClose, id)
	}
}

func (c *Context) entity(name string) (*model.Entity, error) {
	e, ok := c.coord.model.Entity(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, name)
	}
	return e, nil
}

func (c *Context) newID(entity string) ObjectID {
	if c.store == nil {
		return ObjectID{Entity: entity, Key: c.coord.nextTempKey()}
	}
	return ObjectID{Store: c.store.ID(), Entity: entity, Key: c.store.AllocateKey()}
}

// Insert creates a new object of entity. Declared defaults fill absent
// attributes; the result must satisfy the model.
func (c *Context) Insert(entity string, values attr.Object) (Object, error) {
	e, err := c.entity(entity)
	if err != nil {
		return Object{}, fmt.Errorf("insert: %w", err)
	}
	attrs := e.WithDefaults(values)
	if err := e.Validate(attrs, false); err != nil {
		return Object{}, fmt.Errorf("insert: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Object{}, ErrContextClosed
	}

	id := c.newID(entity)
	c.inserted[id] = attrs
	return Object{ID: id, Attrs: attrs.Clone()}, nil
}

// Update applies patch to the object's attributes.
func (c *Context) Update(ctx context.Context, id ObjectID, patch attr.Object) error {
	e, err := c.entity(id.Entity)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	if err := e.Validate(patch, true); err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextClosed
	}

	if attrs, ok := c.inserted[id]; ok {
		c.inserted[id] = attrs.Merge(patch)
		return nil
	}
	if _, ok := c.deleted[id]; ok {
		return fmt.Errorf("update %s: %w", id, ErrObjectDeleted)
	}

	base, err := c.registerLocked(ctx, id)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	merged := c.updated[id].Merge(patch)
	if base.attrs.Merge(merged).Equal(base.attrs) {
		// The edit restores the persisted state.
		delete(c.updated, id)
		return nil
	}
	c.updated[id] = merged
	return nil
}

// Delete marks the object for deletion. Deleting an object inserted in
// this context and never committed just forgets it.
func (c *Context) Delete(ctx context.Context, id ObjectID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextClosed
	}

	if _, ok := c.inserted[id]; ok {
		delete(c.inserted, id)
		return nil
	}
	if _, ok := c.deleted[id]; ok {
		return nil
	}

	base, err := c.registerLocked(ctx, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	delete(c.updated, id)
	c.deleted[id] = base.version
	return nil
}

// Object returns the context's view of id. ok is false when the object
// does not exist or is deleted in this context.
func (c *Context) Object(ctx context.Context, id ObjectID) (obj Object, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Object{}, false, ErrContextClosed
	}

	if attrs, ok := c.inserted[id]; ok {
		return Object{ID: id, Attrs: attrs.Clone()}, true, nil
	}
	if _, ok := c.deleted[id]; ok {
		return Object{}, false, nil
	}
	base, err := c.registerLocked(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return Object{}, false, nil
		}
		return Object{}, false, err
	}
	return Object{ID: id, Attrs: base.attrs.Merge(c.updated[id]), Version: base.version}, true, nil
}

// registerLocked returns the cached persisted state of id, reading it from
// the store the first time.
func (c *Context) registerLocked(ctx context.Context, id ObjectID) (cached, error) {
	if cur, ok := c.cache[id]; ok {
		return cur, nil
	}
	if c.store == nil || id.Store != c.store.ID() {
		return cached{}, ErrObjectNotFound
	}
	rec, ok, err := c.store.Get(ctx, id.Entity, id.Key)
	if err != nil {
		return cached{}, err
	}
	if !ok {
		return cached{}, ErrObjectNotFound
	}
	cur := cached{attrs: rec.Attrs, version: rec.Version}
	c.cache[id] = cur
	return cur, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// HasChanges reports whether the context holds uncommitted edits.
func (c *Context) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasChangesLocked()
}

func (c *Context) hasChangesLocked() bool {
	return len(c.inserted) > 0 || len(c.updated) > 0 || len(c.deleted) > 0
}

// Rollback discards every uncommitted edit.
func (c *Context) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discardLocked()
}

func (c *Context) discardLocked() {
	clear(c.inserted)
	clear(c.updated)
	clear(c.deleted)
}

// Commit writes the context's edits to its store in one transaction and
// notifies every other context on the coordinator.
//
// Errors:
//   - ErrNoBackingStore when the context has no store
//   - *SaveError for any store failure; the edits are kept
//
// A context with no edits commits nothing and notifies nobody.
func (c *Context) Commit(ctx context.Context) error {
	c.coord.commitMu.Lock()
	defer c.coord.commitMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrContextClosed
	}
	if c.store == nil {
		c.mu.Unlock()
		return ErrNoBackingStore
	}
	if !c.hasChangesLocked() {
		c.mu.Unlock()
		return nil
	}

	cs := c.changeSetLocked()
	if err := c.store.Save(ctx, cs); err != nil {
		c.mu.Unlock()
		c.coord.logger.Warn("commit failed", "context", c.name, "error", err)
		return &SaveError{Detail: err.Error(), Err: err}
	}

	note := ChangeNotification{
		Sender:   c,
		Store:    c.store.ID(),
		Seq:      c.coord.clock.Next(),
		Inserted: sortedIDs(c.inserted),
		Updated:  sortedIDs(c.updated),
		Deleted:  sortedIDs(c.deleted),
	}
	c.applyCommittedLocked(cs)
	c.mu.Unlock()

	c.coord.logger.Debug("commit",
		"context", c.name,
		"seq", note.Seq,
		"inserted", len(note.Inserted),
		"updated", len(note.Updated),
		"deleted", len(note.Deleted),
	)

	c.coord.broadcast(note)
	return nil
}

func (c *Context) changeSetLocked() store.ChangeSet {
	var cs store.ChangeSet
	for _, id := range sortedIDs(c.inserted) {
		cs.Inserts = append(cs.Inserts, store.Record{Entity: id.Entity, Key: id.Key, Attrs: c.inserted[id]})
	}
	for _, id := range sortedIDs(c.updated) {
		base := c.cache[id]
		cs.Updates = append(cs.Updates, store.Update{
			Entity: id.Entity,
			Key:    id.Key,
			Attrs:  base.attrs.Merge(c.updated[id]),
			Base:   base.version,
		})
	}
	for _, id := range sortedIDs(c.deleted) {
		cs.Deletes = append(cs.Deletes, store.Ref{Entity: id.Entity, Key: id.Key, Version: c.deleted[id]})
	}
	return cs
}

// applyCommittedLocked moves saved edits into the cache.
func (c *Context) applyCommittedLocked(cs store.ChangeSet) {
	sid := c.store.ID()
	for _, rec := range cs.Inserts {
		c.cache[ObjectID{sid, rec.Entity, rec.Key}] = cached{attrs: rec.Attrs, version: 1}
	}
	for _, u := range cs.Updates {
		c.cache[ObjectID{sid, u.Entity, u.Key}] = cached{attrs: u.Attrs, version: u.Base + 1}
	}
	for _, ref := range cs.Deletes {
		delete(c.cache, ObjectID{sid, ref.Entity, ref.Key})
	}
	c.discardLocked()
}

func (c *Context) observersLocked() []Observer {
	out := make([]Observer, 0, len(c.observers))
	for i := 0; i < c.nextObs; i++ {
		if o, ok := c.observers[i]; ok {
			out = append(out, o)
		}
	}
	return out
}

// post schedules fn on the context's loop. Work posted after Close, or
// still queued when Close runs, does nothing.
func (c *Context) post(fn dispatch.Task) {
	c.loop.Post(fn)
}

// didCommit tells the context's own observers about its commit.
func (c *Context) didCommit(ctx context.Context, note ChangeNotification) {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	observers := c.observersLocked()
	c.mu.Unlock()

	for _, o := range observers {
		o.ContextChanged(ctx, note)
	}
}

// MergeChanges folds another context's commit into this one and tells
// the observers. It reports whether the notification was merged:
//   - a context never merges its own commit
//   - a context never merges a commit to a different store
//
// Objects the commit updated are refreshed from the store before anything
// else, keeping this context's own uncommitted patches on top. Deleted
// objects are forgotten along with any local edits to them.
//
// The coordinator calls MergeChanges on the context's loop.
func (c *Context) MergeChanges(ctx context.Context, note ChangeNotification) bool {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()

	c.mu.Lock()
	if c.closed || note.Sender == c || c.store == nil || note.Store != c.store.ID() {
		c.mu.Unlock()
		return false
	}

	for _, id := range note.Updated {
		if _, ok := c.cache[id]; !ok {
			continue
		}
		rec, ok, err := c.store.Get(ctx, id.Entity, id.Key)
		if err != nil {
			c.mu.Unlock()
			panic(fmt.Sprintf("merge seq %d into context %s: refresh %s: %v", note.Seq, c.name, id, err))
		}
		if !ok {
			delete(c.cache, id)
			continue
		}
		cur := cached{attrs: rec.Attrs, version: rec.Version}
		c.cache[id] = cur
		if p, ok := c.updated[id]; ok && cur.attrs.Merge(p).Equal(cur.attrs) {
			delete(c.updated, id)
		}
		if _, ok := c.deleted[id]; ok {
			c.deleted[id] = cur.version
		}
	}

	for _, id := range note.Deleted {
		delete(c.cache, id)
		delete(c.updated, id)
		delete(c.deleted, id)
	}

	c.mergedSeq = note.Seq
	observers := c.observersLocked()
	c.mu.Unlock()

	c.coord.logger.Debug("merged",
		"context", c.name,
		"from", note.Sender.Name(),
		"seq", note.Seq,
	)

	for _, o := range observers {
		o.ContextChanged(ctx, note)
	}
	return true
}

// Close discards the context's edits and detaches it from the coordinator.
// When Close returns no merge or notification for the context is running
// and none will run, and every OnClose function has run, so controllers
// bound to the context deliver nothing more. Close must not be called from
// an Observer or a bridge handler.
func (c *Context) Close() {
	c.coord.detach(c)

	c.taskMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.taskMu.Unlock()
		return
	}
	c.closed = true
	c.observers = nil
	c.discardLocked()
	teardowns := make([]func(), 0, len(c.onClose))
	for _, id := range slices.Sorted(maps.Keys(c.onClose)) {
		teardowns = append(teardowns, c.onClose[id])
	}
	c.onClose = nil
	c.mu.Unlock()
	c.taskMu.Unlock()

	for _, fn := range teardowns {
		fn()
	}

	if c.ownsLoop {
		c.loop.Stop()
	}
	c.coord.logger.Debug("context closed", "context", c.name)
}
