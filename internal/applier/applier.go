// Package applier turns change batches into edits of a list surface.
//
// An Applier collects the events of one batch as they arrive and replays
// them when the batch ends, grouped in the order list surfaces require:
//
//	section deletes, section inserts,
//	row deletes, row inserts, row reloads, row moves
//
// between BeginUpdates and EndUpdates. Paths are replayed untranslated:
// every old path in a batch refers to the list before the batch, every new
// path to the list after it.
package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/resultsync/internal/bridge"
	"github.com/roach88/resultsync/internal/change"
)

// Surface is a list that can apply one batch of structural edits.
type Surface interface {
	BeginUpdates()
	DeleteSections(indices []int)
	InsertSections(indices []int)
	DeleteRows(paths []change.Path)
	InsertRows(paths []change.Path)
	ReloadRows(paths []change.Path)
	MoveRow(from, to change.Path)
	EndUpdates()
}

// State is the applier's position in a batch.
type State int

const (
	Idle State = iota
	Collecting
	Applying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Applying:
		return "applying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrUnexpectedEvent is returned by Handle for an event that does not fit
// the current state, e.g. an object event outside a batch.
var ErrUnexpectedEvent = errors.New("unexpected event")

// Applier is the batch state machine
//
//	Idle --WillChange--> Collecting --DidChange--> Applying --> Idle
//
// Handle is meant to run on one loop; the mutex only makes State and
// Batches safe to read from elsewhere.
type Applier struct {
	surface Surface
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	buffer  []change.Event
	batches int
}

// Option configures an Applier.
type Option func(*Applier)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) {
		a.logger = l
	}
}

// New creates an applier for surface.
//
// Panics if surface is nil.
func New(surface Surface, opts ...Option) *Applier {
	if surface == nil {
		panic("applier: nil surface")
	}
	a := &Applier{surface: surface, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current state.
func (a *Applier) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Batches returns the number of batches applied.
func (a *Applier) Batches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batches
}

// Attach subscribes the applier to every feed of b. Events that do not fit
// the state machine are logged and dropped. Cancel the subscription to
// detach.
func (a *Applier) Attach(b *bridge.Bridge) *bridge.Subscription {
	return b.Subscribe(bridge.FeedAll, func(ctx context.Context, ev change.Event) {
		if err := a.Handle(ev); err != nil {
			a.logger.Error("applier dropped event", "event", ev.String(), "error", err)
		}
	})
}

// Handle advances the state machine by one event.
func (a *Applier) Handle(ev change.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Kind {
	case change.KindWillChange:
		if a.state != Idle {
			return fmt.Errorf("%w: will-change while %s", ErrUnexpectedEvent, a.state)
		}
		a.state = Collecting
		a.buffer = a.buffer[:0]
		return nil

	case change.KindObject, change.KindSection:
		if a.state != Collecting {
			return fmt.Errorf("%w: %s while %s", ErrUnexpectedEvent, ev, a.state)
		}
		if err := ev.Validate(); err != nil {
			return err
		}
		a.buffer = append(a.buffer, ev)
		return nil

	case change.KindDidChange:
		if a.state != Collecting {
			return fmt.Errorf("%w: did-change while %s", ErrUnexpectedEvent, a.state)
		}
		a.state = Applying
		a.replay()
		a.buffer = a.buffer[:0]
		a.batches++
		a.state = Idle
		return nil
	}
	return fmt.Errorf("%w: kind %s", ErrUnexpectedEvent, ev.Kind)
}

// Reset drops a partly collected batch and returns to Idle.
func (a *Applier) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Collecting {
		a.logger.Warn("applier reset mid-batch", "buffered", len(a.buffer))
	}
	a.buffer = a.buffer[:0]
	a.state = Idle
}

// replay sends the buffered batch to the surface in replay order. Within
// one group events keep their arrival order.
func (a *Applier) replay() {
	var (
		secDeletes, secInserts          []int
		rowDeletes, rowInserts, reloads []change.Path
		moves                           []change.Event
	)
	for _, ev := range a.buffer {
		switch {
		case ev.Kind == change.KindSection && ev.Type == change.Delete:
			secDeletes = append(secDeletes, ev.Index)
		case ev.Kind == change.KindSection && ev.Type == change.Insert:
			secInserts = append(secInserts, ev.Index)
		case ev.Type == change.Delete:
			rowDeletes = append(rowDeletes, *ev.OldPath)
		case ev.Type == change.Insert:
			rowInserts = append(rowInserts, *ev.NewPath)
		case ev.Type == change.Update:
			reloads = append(reloads, *ev.OldPath)
		case ev.Type == change.Move:
			moves = append(moves, ev)
		}
	}

	a.surface.BeginUpdates()
	if len(secDeletes) > 0 {
		a.surface.DeleteSections(secDeletes)
	}
	if len(secInserts) > 0 {
		a.surface.InsertSections(secInserts)
	}
	if len(rowDeletes) > 0 {
		a.surface.DeleteRows(rowDeletes)
	}
	if len(rowInserts) > 0 {
		a.surface.InsertRows(rowInserts)
	}
	if len(reloads) > 0 {
		a.surface.ReloadRows(reloads)
	}
	for _, ev := range moves {
		a.surface.MoveRow(*ev.OldPath, *ev.NewPath)
	}
	a.surface.EndUpdates()
}
