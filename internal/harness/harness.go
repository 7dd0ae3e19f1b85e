package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/roach88/resultsync/internal/applier"
	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/bridge"
	"github.com/roach88/resultsync/internal/change"
	"github.com/roach88/resultsync/internal/coordinator"
	"github.com/roach88/resultsync/internal/model"
	"github.com/roach88/resultsync/internal/results"
	"github.com/roach88/resultsync/internal/store"
)

// watched is a context with a controller, a list and the batches traced
// from its bridge.
type watched struct {
	ctrl  *results.Controller
	list  *applier.ListModel
	apply *applier.Applier

	mu      sync.Mutex
	step    int
	open    []string
	batches []Batch
}

func (w *watched) setStep(step int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.step = step
}

func (w *watched) record(_ context.Context, ev change.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.open = append(w.open, ev.String())
	if ev.Kind == change.KindDidChange {
		w.batches = append(w.batches, Batch{Step: w.step, Events: w.open})
		w.open = nil
	}
}

// Harness executes one scenario.
//
// Contexts get fixed ids and every run starts from a fresh store, so two
// runs of a scenario produce the same trace.
type Harness struct {
	scenario *Scenario
	coord    *coordinator.Coordinator
	logger   *slog.Logger

	contexts map[string]*coordinator.Context
	watched  map[string]*watched
	aliases  map[string]coordinator.ObjectID
}

// Run executes a scenario in a fresh coordinator and returns the result.
//
// Execution flow:
//  1. Load the model and open the store
//  2. Create the contexts and start a controller for each watched one
//  3. Execute the steps, waiting for every loop to go idle after each
//  4. Check every list against its controller
//  5. Evaluate the assertions
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := model.Load(scenario.ModelDir, scenario.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	var s store.Store
	if scenario.Store != StoreNone {
		var cleanup func()
		s, cleanup, err = openStore(scenario, m)
		if err != nil {
			return nil, err
		}
		defer cleanup()
	}

	ids := make([]string, len(scenario.Contexts))
	for i, c := range scenario.Contexts {
		ids[i] = "ctx-" + c.Name
	}
	coord := coordinator.New(m,
		coordinator.WithLogger(logger),
		coordinator.WithIDGenerator(coordinator.NewFixedGenerator(ids...)),
	)
	defer coord.Close()

	if s != nil {
		if err := coord.Attach(s); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to attach store: %w", err)
		}
	}

	h := &Harness{
		scenario: scenario,
		coord:    coord,
		logger:   logger,
		contexts: make(map[string]*coordinator.Context),
		watched:  make(map[string]*watched),
		aliases:  make(map[string]coordinator.ObjectID),
	}
	defer h.closeControllers()

	if err := h.createContexts(ctx); err != nil {
		return nil, fmt.Errorf("failed to create contexts: %w", err)
	}

	result := NewResult()
	if err := h.executeSteps(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", err)
	}

	h.collect(result)

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

// openStore opens the scenario's store. File stores go to a temporary
// directory that cleanup removes.
func openStore(scenario *Scenario, m *model.Model) (store.Store, func(), error) {
	cfg := store.Config{
		Type:      scenario.Store,
		ModelName: scenario.Model,
		AppName:   "harness",
	}
	if cfg.Type == "" {
		cfg.Type = store.TypeMemory
	}

	cleanup := func() {}
	if cfg.Type != store.TypeMemory {
		dir, err := os.MkdirTemp("", "resultsync-harness-")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		cfg.BaseDir = dir
		cleanup = func() { os.RemoveAll(dir) }
	}

	s, err := store.Open(cfg, m)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return s, cleanup, nil
}

func (h *Harness) createContexts(ctx context.Context) error {
	for _, def := range h.scenario.Contexts {
		opts := []coordinator.ContextOption{coordinator.WithName(def.Name)}
		if def.Background {
			opts = append(opts, coordinator.AsBackground())
		}
		c, err := h.coord.NewContext(opts...)
		if err != nil {
			return fmt.Errorf("context %s: %w", def.Name, err)
		}
		h.contexts[def.Name] = c

		if !def.Watch {
			continue
		}
		w := &watched{ctrl: results.New(c, h.scenario.Fetch,
			results.WithLogger(h.logger),
			results.WithName(def.Name),
		)}
		w.ctrl.Bridge().Subscribe(bridge.FeedAll, w.record)
		if err := w.ctrl.Start(ctx); err != nil {
			return fmt.Errorf("context %s: %w", def.Name, err)
		}
		w.list = applier.NewListModel(w.ctrl)
		w.apply = applier.New(w.list, applier.WithLogger(h.logger))
		w.apply.Attach(w.ctrl.Bridge())
		h.watched[def.Name] = w
	}
	return nil
}

func (h *Harness) closeControllers() {
	for _, w := range h.watched {
		w.ctrl.Close()
	}
}

// executeSteps runs every step and checks its error against expect_error.
// A step failing unexpectedly is recorded and the run continues.
func (h *Harness) executeSteps(ctx context.Context, result *Result) error {
	for i, step := range h.scenario.Steps {
		n := i + 1
		for _, w := range h.watched {
			w.setStep(n)
		}

		object, err := h.executeStep(ctx, step)
		sr := StepResult{Context: step.Context, Op: step.Op(), Object: object, Error: ErrorKind(err)}
		result.Steps = append(result.Steps, sr)

		switch {
		case step.ExpectError == "" && err != nil:
			result.AddError(fmt.Sprintf("step %d (%s %s): unexpected error: %v", n, step.Context, sr.Op, err))
		case step.ExpectError != "" && err == nil:
			result.AddError(fmt.Sprintf("step %d (%s %s): expected %s error, got none", n, step.Context, sr.Op, step.ExpectError))
		case step.ExpectError != "" && sr.Error != step.ExpectError:
			result.AddError(fmt.Sprintf("step %d (%s %s): expected %s error, got %s: %v", n, step.Context, sr.Op, step.ExpectError, sr.Error, err))
		}

		if err := h.coord.WaitIdle(ctx); err != nil {
			return fmt.Errorf("step %d: wait idle: %w", n, err)
		}
		h.logger.Info("step completed", "step", n, "context", step.Context, "op", sr.Op, "error", sr.Error)
	}

	for alias, id := range h.aliases {
		result.Aliases[alias] = id.String()
	}
	return nil
}

// executeStep performs one step and returns the id of the object it
// touched, if any.
func (h *Harness) executeStep(ctx context.Context, step Step) (string, error) {
	c := h.contexts[step.Context]

	switch step.Op() {
	case "insert":
		entity := step.Entity
		if entity == "" {
			entity = h.scenario.Fetch.Entity
		}
		values, err := attr.ObjectFromMap(step.Insert)
		if err != nil {
			return "", fmt.Errorf("insert: %w", err)
		}
		obj, err := c.Insert(entity, values)
		if err != nil {
			return "", err
		}
		if step.As != "" {
			h.aliases[step.As] = obj.ID
		}
		return obj.ID.String(), nil

	case "update":
		id := h.aliases[step.Update]
		patch, err := attr.ObjectFromMap(step.Set)
		if err != nil {
			return id.String(), fmt.Errorf("update: %w", err)
		}
		return id.String(), c.Update(ctx, id, patch)

	case "delete":
		id := h.aliases[step.Delete]
		return id.String(), c.Delete(ctx, id)

	case "commit":
		return "", c.Commit(ctx)

	case "rollback":
		c.Rollback()
		return "", nil

	case "refresh":
		return "", h.watched[step.Context].ctrl.Refresh(ctx)
	}
	return "", fmt.Errorf("step has no operation")
}

// collect fills in what every context saw and checks each list against
// its controller.
func (h *Harness) collect(result *Result) {
	for _, def := range h.scenario.Contexts {
		cr := &ContextResult{
			Name:      def.Name,
			MergedSeq: h.contexts[def.Name].MergedSeq(),
		}
		result.Contexts = append(result.Contexts, cr)

		w, ok := h.watched[def.Name]
		if !ok {
			continue
		}
		cr.Watched = true

		w.mu.Lock()
		cr.Batches = w.batches
		if len(w.open) > 0 {
			result.AddError(fmt.Sprintf("context %s: batch left open: %v", def.Name, w.open))
		}
		w.mu.Unlock()

		cr.Rows = w.list.Rows()
		if err := w.list.Err(); err != nil {
			result.AddError(fmt.Sprintf("context %s: list rejected a batch: %v", def.Name, err))
		}
		if state := w.apply.State(); state != applier.Idle {
			result.AddError(fmt.Sprintf("context %s: applier left %s", def.Name, state))
		}
		if err := listMatches(w.list, w.ctrl); err != nil {
			result.AddError(fmt.Sprintf("context %s: %v", def.Name, err))
		}
	}
}

// listMatches compares a list with the controller's published snapshot.
func listMatches(list *applier.ListModel, ctrl *results.Controller) error {
	rows := list.Rows()
	if len(rows) != ctrl.SectionCount() {
		return fmt.Errorf("list has %d sections, controller %d", len(rows), ctrl.SectionCount())
	}
	for s, section := range rows {
		if len(section) != ctrl.RowCount(s) {
			return fmt.Errorf("section %d: list has %d rows, controller %d", s, len(section), ctrl.RowCount(s))
		}
		for r, id := range section {
			if want := ctrl.RowID(change.Path{Section: s, Row: r}); id != want {
				return fmt.Errorf("row [%d,%d]: list has %s, controller %s", s, r, id, want)
			}
		}
	}
	return nil
}
