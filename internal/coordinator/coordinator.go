package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/dispatch"
	"github.com/roach88/resultsync/internal/model"
	"github.com/roach88/resultsync/internal/store"
)

// Config describes a coordinator opened with Open.
type Config struct {
	// ModelDir is searched for the model resource named by Store.ModelName.
	ModelDir string       `yaml:"model_dir" json:"model_dir"`
	Store    store.Config `yaml:"store" json:"store"`
}

// Coordinator owns the backing stores, the consumption loop and every
// context bound to them. Commits in one context are merged into the others
// through the coordinator; there is no global notification center.
//
// Thread-safety model:
//   - NewContext(), Attach(), Close(), WaitIdle(): safe from any goroutine
//   - merges run on each target context's loop
//   - the primary context and every bridge deliver on Loop()
type Coordinator struct {
	model  *model.Model
	loop   *dispatch.Loop
	clock  *Clock
	ids    IDGenerator
	logger *slog.Logger

	// commitMu serializes save+broadcast so notifications reach every loop
	// in Seq order.
	commitMu sync.Mutex

	mu       sync.Mutex
	stores   []store.Store
	contexts []*Context
	primary  *Context
	closed   bool

	// tempKey numbers objects inserted into contexts without a store.
	tempKey int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithIDGenerator sets the context id generator. Default: UUIDv7Generator.
// Use a FixedGenerator for deterministic traces.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) {
		c.ids = g
	}
}

// WithClock sets the commit clock, e.g. one resumed with NewClockAt.
func WithClock(clock *Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// New creates a coordinator for m with no attached store and starts its
// consumption loop. A nil model is treated as the empty model.
func New(m *model.Model, opts ...Option) *Coordinator {
	if m == nil {
		m = model.Empty("")
	}
	c := &Coordinator{
		model:  m,
		loop:   dispatch.NewLoop("consumer"),
		clock:  NewClock(),
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.loop.Start()
	return c
}

// Open resolves the model named by cfg.Store.ModelName in cfg.ModelDir,
// opens the store and returns a coordinator with the store attached.
//
// A model resource that cannot be located falls back to the empty model;
// one that exists but does not compile fails with *StoreOpenError and no
// coordinator. A store that fails to open or attach returns a running
// coordinator with no stores next to the error: its contexts can still be
// created and fetched from, and every commit fails with ErrNoBackingStore. The
// caller closes it either way.
func Open(cfg Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Store.Validate(); err != nil {
		return nil, &StoreOpenError{Err: err}
	}

	m, err := model.LoadOrEmpty(cfg.ModelDir, cfg.Store.ModelName)
	if err != nil {
		return nil, &StoreOpenError{Path: cfg.ModelDir, Err: fmt.Errorf("load model: %w", err)}
	}

	c := New(m, opts...)
	s, err := store.Open(cfg.Store, m)
	if err != nil {
		return c, err
	}
	if err := c.Attach(s); err != nil {
		s.Close()
		return c, err
	}
	return c, nil
}

// Model returns the coordinator's model.
func (c *Coordinator) Model() *model.Model {
	return c.model
}

// Loop returns the consumption loop.
func (c *Coordinator) Loop() *dispatch.Loop {
	return c.loop
}

// Clock returns the commit clock.
func (c *Coordinator) Clock() *Clock {
	return c.clock
}

// Attach adds a store. Contexts created afterwards bind to the first
// attached store unless WithStore names another. The coordinator closes
// attached stores when it is closed.
func (c *Coordinator) Attach(s store.Store) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoordinatorClosed
	}
	if slices.Contains(c.stores, s) {
		return nil
	}
	c.stores = append(c.stores, s)
	c.logger.Debug("store attached", "store", s.ID(), "type", s.Type(), "path", s.Path())
	return nil
}

// Stores returns the attached stores in attach order.
func (c *Coordinator) Stores() []store.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.stores)
}

// Contexts returns the open contexts in creation order.
func (c *Coordinator) Contexts() []*Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.contexts)
}

// Primary returns the primary context, nil when none is open.
func (c *Coordinator) Primary() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

// NewContext creates a context bound to a store of this coordinator.
//
// The first context created (or one created with AsPrimary) is primary: it
// runs on the consumption loop. Other contexts get a private loop.
func (c *Coordinator) NewContext(opts ...ContextOption) (*Context, error) {
	var o contextOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCoordinatorClosed
	}

	s := o.store
	if s != nil {
		if !slices.Contains(c.stores, s) {
			return nil, ErrStoreNotAttached
		}
	} else if len(c.stores) > 0 {
		s = c.stores[0]
	}

	primary := false
	switch o.role {
	case rolePrimary:
		if c.primary != nil {
			return nil, ErrPrimaryExists
		}
		primary = true
	case roleDefault:
		primary = c.primary == nil
	}

	id := c.ids.Generate()
	name := o.name
	if name == "" {
		name = id
	}

	ctx := &Context{
		id:       id,
		name:     name,
		coord:    c,
		store:    s,
		primary:  primary,
		cache:    make(map[ObjectID]cached),
		inserted: make(map[ObjectID]attr.Object),
		updated:  make(map[ObjectID]attr.Object),
		deleted:  make(map[ObjectID]int64),
	}
	if primary {
		ctx.loop = c.loop
		c.primary = ctx
	} else {
		ctx.loop = dispatch.NewLoop("context-" + name)
		ctx.ownsLoop = true
		ctx.loop.Start()
	}
	c.contexts = append(c.contexts, ctx)

	c.logger.Debug("context created", "context", name, "id", id, "primary", primary)
	return ctx, nil
}

// detach removes ctx from the merge targets.
func (c *Coordinator) detach(ctx *Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts = slices.DeleteFunc(c.contexts, func(x *Context) bool { return x == ctx })
	if c.primary == ctx {
		c.primary = nil
	}
}

// broadcast delivers a commit's notification. The sender's own observers
// recompute on the sender's loop; every other context is offered a merge
// on its loop.
func (c *Coordinator) broadcast(note ChangeNotification) {
	for _, target := range c.Contexts() {
		target.post(func(ctx context.Context) {
			if target == note.Sender {
				target.didCommit(ctx, note)
				return
			}
			target.MergeChanges(ctx, note)
		})
	}
}

// WaitIdle blocks until every loop has run all work, including work
// produced while waiting: merges, recomputations and batch deliveries.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	for {
		loops := []*dispatch.Loop{}
		for _, x := range c.Contexts() {
			if x.ownsLoop {
				loops = append(loops, x.loop)
			}
		}
		loops = append(loops, c.loop)

		before := postedTotal(loops)
		for _, l := range loops {
			if err := l.Flush(ctx); err != nil && !errors.Is(err, dispatch.ErrStopped) {
				return err
			}
		}
		if postedTotal(loops) == before {
			return nil
		}
	}
}

func postedTotal(loops []*dispatch.Loop) uint64 {
	var n uint64
	for _, l := range loops {
		n += l.Posted()
	}
	return n
}

// Close closes every context, stops the consumption loop and closes the
// attached stores. Close is idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	contexts := slices.Clone(c.contexts)
	stores := slices.Clone(c.stores)
	c.mu.Unlock()

	for _, ctx := range contexts {
		ctx.Close()
	}
	c.loop.Stop()

	var errs []error
	for _, s := range stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store %s: %w", s.ID(), err))
		}
	}
	c.logger.Debug("coordinator closed", "commits", c.clock.Current())
	return errors.Join(errs...)
}

// nextTempKey numbers an object inserted without a store.
func (c *Coordinator) nextTempKey() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempKey++
	return c.tempKey
}
