package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/resultsync/internal/applier"
	"github.com/roach88/resultsync/internal/bridge"
	"github.com/roach88/resultsync/internal/change"
	"github.com/roach88/resultsync/internal/coordinator"
	"github.com/roach88/resultsync/internal/results"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Fetch    FetchOptions
	Interval time.Duration
	Count    int
}

// BatchResult is one batch in JSON output.
type BatchResult struct {
	Batch  int      `json:"batch"`
	Events []string `json:"events"`
	Rows   int      `json:"rows"`
}

// batchPrinter collects the events of one batch and prints it once
// DidChange arrives.
type batchPrinter struct {
	w      io.Writer
	format string
	list   *applier.ListModel
	limit  int

	mu     sync.Mutex
	open   []string
	seen   int
	done   chan struct{}
	closed bool
}

func (p *batchPrinter) handle(_ context.Context, ev change.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = append(p.open, ev.String())
	if ev.Kind != change.KindDidChange {
		return
	}
	p.seen++
	rows := 0
	for _, section := range p.list.Rows() {
		rows += len(section)
	}
	if p.format == "json" {
		if err := json.NewEncoder(p.w).Encode(BatchResult{Batch: p.seen, Events: p.open, Rows: rows}); err != nil {
			slog.Error("error writing batch", "batch", p.seen, "error", err)
		}
	} else {
		fmt.Fprintf(p.w, "batch %d (%d rows)\n", p.seen, rows)
		for _, e := range p.open {
			fmt.Fprintf(p.w, "  %s\n", e)
		}
	}
	p.open = nil
	if p.limit > 0 && p.seen >= p.limit && !p.closed {
		p.closed = true
		close(p.done)
	}
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the change batches of a result set",
		Long: `Keep a result set open and print every batch of changes a list view
bound to it would receive. The store is polled at --interval so changes
made by other processes show up.

Examples:
  listsync watch --entity ToDo --sort position
  listsync watch --entity ToDo --section-by list --interval 500ms
  listsync watch --entity ToDo --count 1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts)
		},
	}

	opts.Fetch.register(cmd)
	cmd.Flags().DurationVar(&opts.Interval, "interval", time.Second, "how often to poll the store")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "stop after this many batches (0 = until interrupted)")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions) error {
	f := newFormatter(cmd, opts.RootOptions)
	if opts.Interval <= 0 {
		return f.Fail("watch failed", fmt.Errorf("%w: --interval must be positive", ErrBadArgument))
	}

	coord, cfg, err := openCoordinator(opts.RootOptions)
	if err != nil {
		return f.Fail("open failed", err)
	}
	defer func() {
		if err := coord.Close(); err != nil {
			slog.Error("error closing coordinator", "error", err)
		}
	}()

	spec, err := opts.Fetch.apply(cfg.Fetch)
	if err != nil {
		return f.Fail("watch failed", err)
	}
	c, err := coord.NewContext(coordinator.WithName("watch"))
	if err != nil {
		return f.Fail("open failed", err)
	}

	ctrl := results.New(c, spec, results.WithName("watch"))
	defer ctrl.Close()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := ctrl.Start(ctx); err != nil {
		return f.Fail("watch failed", err)
	}

	list := applier.NewListModel(ctrl)
	printer := &batchPrinter{
		w:      cmd.OutOrStdout(),
		format: opts.Format,
		list:   list,
		limit:  opts.Count,
		done:   make(chan struct{}),
	}
	// The applier subscribes first so the list already holds the batch
	// when the printer counts its rows.
	applier.New(list).Attach(ctrl.Bridge())
	ctrl.Bridge().Subscribe(bridge.FeedAll, printer.handle)
	slog.Info("watching", "entity", spec.Entity, "rows", ctrl.Snapshot().Len())

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-printer.done:
			return nil
		case <-ticker.C:
			if err := ctrl.Refresh(ctx); err != nil && ctx.Err() == nil {
				return f.Fail("refresh failed", err)
			}
			if err := list.Err(); err != nil {
				return f.Fail("list out of sync", err)
			}
		}
	}
}
