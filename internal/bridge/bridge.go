// Package bridge carries a controller's change batches onto the
// consumption loop.
//
// A controller sends the events of one recomputation from whatever loop it
// runs on. The bridge stages them and, once DidChange closes the batch,
// posts the whole batch to the consumption loop as a single task. A batch
// is therefore delivered completely or not at all, and batches never
// interleave.
//
// Consumers subscribe to four feeds (WillChange, ObjectChanged,
// SectionChanged, DidChange) or to all of them at once. Subscribers see
// every event of a batch in the order it was produced.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/resultsync/internal/change"
	"github.com/roach88/resultsync/internal/dispatch"
)

var (
	// ErrClosed is returned by Send and End after Close.
	ErrClosed = errors.New("bridge is closed")
	// ErrNoBatch is returned for an event sent outside WillChange/DidChange.
	ErrNoBatch = errors.New("no batch is open")
	// ErrBatchOpen is returned for a WillChange sent while a batch is open.
	ErrBatchOpen = errors.New("batch is already open")
)

// Handler receives one event on the consumption loop.
type Handler func(ctx context.Context, ev change.Event)

// Feed selects the events a subscription receives.
type Feed uint8

const (
	FeedWillChange Feed = 1 << iota
	FeedObject
	FeedSection
	FeedDidChange

	FeedAll = FeedWillChange | FeedObject | FeedSection | FeedDidChange
)

func feedOf(k change.Kind) Feed {
	switch k {
	case change.KindWillChange:
		return FeedWillChange
	case change.KindObject:
		return FeedObject
	case change.KindSection:
		return FeedSection
	case change.KindDidChange:
		return FeedDidChange
	}
	return 0
}

// Subscription is a registered handler.
type Subscription struct {
	feeds     Feed
	handler   Handler
	cancelled atomic.Bool
}

// Cancel stops deliveries. A batch already being delivered is completed;
// the subscription receives nothing from the next batch on.
func (s *Subscription) Cancel() {
	s.cancelled.Store(true)
}

// batch is one staged recomputation.
type batch struct {
	events  []change.Event
	publish func()
}

// Bridge forwards batches from one producer to the subscribers of its
// feeds.
//
// Thread-safety model:
//   - Send(), End(), Abort(): one producer at a time, any goroutine
//   - Subscribe() and Subscription.Cancel(): any goroutine, including
//     handlers
//   - handlers run on the consumption loop
//   - Close(): any goroutine except a handler
type Bridge struct {
	name   string
	loop   *dispatch.Loop
	logger *slog.Logger

	mu      sync.Mutex
	pending *batch

	subMu sync.Mutex
	subs  []*Subscription

	// closeMu is held for reading around each handler call so Close can
	// wait out a delivery in progress.
	closeMu sync.RWMutex
	closed  bool

	delivered atomic.Uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithName names the bridge in logs.
func WithName(name string) Option {
	return func(b *Bridge) {
		b.name = name
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// New creates a bridge delivering on loop.
func New(loop *dispatch.Loop, opts ...Option) *Bridge {
	b := &Bridge{
		name:   "bridge",
		loop:   loop,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Loop returns the loop batches are delivered on.
func (b *Bridge) Loop() *dispatch.Loop {
	return b.loop
}

// Subscribe registers h for the events of feeds. The subscription takes
// effect at the next batch.
func (b *Bridge) Subscribe(feeds Feed, h Handler) *Subscription {
	s := &Subscription{feeds: feeds, handler: h}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subs = append(b.subs, s)
	return s
}

func (b *Bridge) OnWillChange(h Handler) *Subscription     { return b.Subscribe(FeedWillChange, h) }
func (b *Bridge) OnObjectChanged(h Handler) *Subscription  { return b.Subscribe(FeedObject, h) }
func (b *Bridge) OnSectionChanged(h Handler) *Subscription { return b.Subscribe(FeedSection, h) }
func (b *Bridge) OnDidChange(h Handler) *Subscription      { return b.Subscribe(FeedDidChange, h) }

// activeSubs drops cancelled subscriptions and returns the rest.
func (b *Bridge) activeSubs() []*Subscription {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	live := b.subs[:0]
	for _, s := range b.subs {
		if !s.cancelled.Load() {
			live = append(live, s)
		}
	}
	clear(b.subs[len(live):])
	b.subs = live
	out := make([]*Subscription, len(live))
	copy(out, live)
	return out
}

func (b *Bridge) isClosed() bool {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	return b.closed
}

// Send stages ev. WillChange opens a batch and DidChange closes it, as End
// with no publish function does.
func (b *Bridge) Send(ev change.Event) error {
	if ev.Kind == change.KindDidChange {
		return b.End(nil)
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("bridge %s: %w", b.name, err)
	}
	if b.isClosed() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Kind == change.KindWillChange {
		if b.pending != nil {
			return ErrBatchOpen
		}
		b.pending = &batch{events: []change.Event{ev}}
		return nil
	}
	if b.pending == nil {
		return ErrNoBatch
	}
	b.pending.events = append(b.pending.events, ev)
	return nil
}

// End closes the open batch with DidChange and schedules its delivery.
// publish, when not nil, runs on the consumption loop after the batch's
// object and section events and before its DidChange; controllers swap in
// their new snapshot there.
func (b *Bridge) End(publish func()) error {
	if b.isClosed() {
		return ErrClosed
	}

	b.mu.Lock()
	bt := b.pending
	b.pending = nil
	b.mu.Unlock()

	if bt == nil {
		return ErrNoBatch
	}
	bt.events = append(bt.events, change.DidChange())
	bt.publish = publish

	if !b.loop.Post(func(ctx context.Context) { b.deliver(ctx, bt) }) {
		return fmt.Errorf("bridge %s: %w", b.name, dispatch.ErrStopped)
	}
	return nil
}

// Abort discards the open batch. Nothing of it is delivered.
func (b *Bridge) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil {
		b.logger.Debug("batch aborted", "bridge", b.name, "events", len(b.pending.events))
	}
	b.pending = nil
}

// deliver runs one batch on the consumption loop.
func (b *Bridge) deliver(ctx context.Context, bt *batch) {
	if b.isClosed() {
		return
	}
	subs := b.activeSubs()

	for _, ev := range bt.events {
		if ev.Kind == change.KindDidChange && bt.publish != nil {
			if !b.call(func() { bt.publish() }) {
				return
			}
		}
		feed := feedOf(ev.Kind)
		for _, s := range subs {
			if s.feeds&feed == 0 {
				continue
			}
			if !b.call(func() { s.handler(ctx, ev) }) {
				return
			}
		}
	}

	n := b.delivered.Add(1)
	b.logger.Debug("batch delivered", "bridge", b.name, "batch", n, "events", len(bt.events))
}

// call runs fn unless the bridge is closed.
func (b *Bridge) call(fn func()) bool {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return false
	}
	fn()
	return true
}

// Delivered returns the number of batches delivered so far.
func (b *Bridge) Delivered() uint64 {
	return b.delivered.Load()
}

// Close discards any open batch and drops every subscription. When Close
// returns no handler is running and none will run. Close is idempotent and
// must not be called from a handler.
func (b *Bridge) Close() {
	b.closeMu.Lock()
	b.closed = true
	b.closeMu.Unlock()

	b.Abort()

	b.subMu.Lock()
	b.subs = nil
	b.subMu.Unlock()
}
