package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("loop is stopped")

type loopKey struct{}

// Current returns the loop whose task is running with ctx, or nil when ctx
// does not belong to a loop task.
func Current(ctx context.Context) *Loop {
	l, _ := ctx.Value(loopKey{}).(*Loop)
	return l
}

// Loop is a single-goroutine serial executor.
//
// Tasks run one at a time in FIFO order. State owned by a loop (a
// context's working set, a controller's snapshot, a bridge's consumers) is
// only touched from its tasks.
//
// Thread-safety model:
//   - Post(), PerformAndWait(), Flush(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Stop(): must not be called from one of the loop's own tasks
type Loop struct {
	name    string
	queue   *taskQueue
	started atomic.Bool
	done    chan struct{}

	// posted counts tasks submitted through Post. Waits submitted by
	// PerformAndWait and Flush are not counted.
	posted atomic.Uint64
}

// NewLoop creates a loop. Nothing runs until Start or Run is called.
func NewLoop(name string) *Loop {
	return &Loop{
		name:  name,
		queue: newTaskQueue(),
		done:  make(chan struct{}),
	}
}

// Name returns the loop's name, used in logs.
func (l *Loop) Name() string {
	return l.name
}

// Start runs the loop in a new goroutine until Stop is called.
// Starting a loop that is already running does nothing.
func (l *Loop) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.run(context.Background())
}

// Run executes tasks until ctx is cancelled or Stop is called.
// After Stop, tasks already queued are run before Run returns; after
// cancellation they are dropped.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("loop %s: already running", l.name)
	}
	return l.run(ctx)
}

func (l *Loop) run(ctx context.Context) error {
	defer close(l.done)

	slog.Debug("loop starting", "loop", l.name)
	taskCtx := context.WithValue(ctx, loopKey{}, l)

	for {
		if t, ok := l.queue.TryDequeue(); ok {
			t(taskCtx)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Debug("loop stopping: context cancelled", "loop", l.name)
			l.queue.Close()
			return ctx.Err()

		case <-l.queue.Wait():
			// The signal channel closes with the queue, so this fires
			// immediately once stopped.
			if l.queue.Len() == 0 && l.stopped() {
				slog.Debug("loop stopping: queue closed", "loop", l.name)
				return nil
			}
		}
	}
}

func (l *Loop) stopped() bool {
	l.queue.mu.Lock()
	defer l.queue.mu.Unlock()
	return l.queue.closed
}

// Post schedules t and returns immediately.
// Returns false if the loop is stopped.
func (l *Loop) Post(t Task) bool {
	l.posted.Add(1)
	return l.queue.Enqueue(t)
}

// Posted returns how many tasks have been submitted through Post.
// A caller that sees it unchanged across a Flush of every loop it cares
// about knows no loop produced new work in between.
func (l *Loop) Posted() uint64 {
	return l.posted.Load()
}

// PerformAndWait runs t on the loop and waits for it to finish.
// Called from one of the loop's own tasks, it runs t inline.
func (l *Loop) PerformAndWait(ctx context.Context, t Task) error {
	if Current(ctx) == l {
		t(ctx)
		return nil
	}

	finished := make(chan struct{})
	if !l.queue.Enqueue(func(ctx context.Context) {
		defer close(finished)
		t(ctx)
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Flush waits until the loop has no queued tasks, including tasks posted
// by the tasks it ran while flushing. It returns immediately when called
// from one of the loop's own tasks.
func (l *Loop) Flush(ctx context.Context) error {
	if Current(ctx) == l {
		return nil
	}
	for {
		// Checked on the loop itself: while this task runs no other task
		// does, so an empty queue means the loop is idle.
		var empty bool
		if err := l.PerformAndWait(ctx, func(context.Context) {
			empty = l.queue.Len() == 0
		}); err != nil {
			return err
		}
		if empty {
			return nil
		}
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	return l.queue.Len()
}

// Stop closes the loop to new tasks, lets queued tasks finish and waits
// for Run to return. Stop is idempotent.
func (l *Loop) Stop() {
	l.queue.Close()
	if l.started.Load() {
		<-l.done
	}
}
