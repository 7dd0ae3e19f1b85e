package applier

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/resultsync/internal/change"
)

// ErrInconsistent reports a batch a list surface would reject: an index
// out of range, a path used twice, or a result that disagrees with the
// data source.
var ErrInconsistent = errors.New("inconsistent batch")

// DataSource is what a ListModel reads when a batch ends, the way a table
// view asks its data source for counts and cells. results.Controller
// implements it.
type DataSource interface {
	SectionCount() int
	RowCount(section int) int
	// RowID returns the identity of the row at p.
	RowID(p change.Path) string
}

type moveOp struct {
	from, to change.Path
}

type pendingOps struct {
	deleteSections []int
	insertSections []int
	deleteRows     []change.Path
	insertRows     []change.Path
	reloadRows     []change.Path
	moves          []moveOp
}

// ListModel is a Surface holding rows by identity. It checks every batch
// the way a table view does: old paths against the list before the batch,
// new paths against the list after it, and the result against the data
// source. A rejected batch is recorded (see Err) and the model reloads
// from the data source.
type ListModel struct {
	source DataSource
	logger *slog.Logger

	mu       sync.Mutex
	sections [][]string
	inBatch  bool
	pending  pendingOps
	err      error
	ops      []string
}

// NewListModel creates a list bound to source and loads it.
//
// Panics if source is nil.
func NewListModel(source DataSource) *ListModel {
	if source == nil {
		panic("applier: list model without a data source")
	}
	m := &ListModel{source: source, logger: slog.Default()}
	m.Reload()
	return m
}

// Reload discards the list and reads it again from the data source.
func (m *ListModel) Reload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadLocked()
}

func (m *ListModel) reloadLocked() {
	n := m.source.SectionCount()
	m.sections = make([][]string, n)
	for s := range n {
		rows := make([]string, m.source.RowCount(s))
		for r := range rows {
			rows[r] = m.source.RowID(change.Path{Section: s, Row: r})
		}
		m.sections[s] = rows
	}
	m.inBatch = false
	m.pending = pendingOps{}
}

// Rows returns a copy of the list, one slice of row identities per
// section.
func (m *ListModel) Rows() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.sections))
	for i, rows := range m.sections {
		out[i] = slices.Clone(rows)
	}
	return out
}

func (m *ListModel) SectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sections)
}

func (m *ListModel) RowCount(section int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if section < 0 || section >= len(m.sections) {
		return 0
	}
	return len(m.sections[section])
}

// Err returns the first rejected batch's error, nil when every batch
// applied cleanly.
func (m *ListModel) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Ops returns the surface calls received so far, one line each.
func (m *ListModel) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ops)
}

func (m *ListModel) fail(err error) {
	m.logger.Error("list batch rejected", "error", err)
	if m.err == nil {
		m.err = err
	}
}

func (m *ListModel) record(format string, args ...any) bool {
	m.ops = append(m.ops, fmt.Sprintf(format, args...))
	if !m.inBatch {
		m.fail(fmt.Errorf("%w: %s outside BeginUpdates", ErrInconsistent, m.ops[len(m.ops)-1]))
		return false
	}
	return true
}

func (m *ListModel) BeginUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "begin")
	if m.inBatch {
		m.fail(fmt.Errorf("%w: nested BeginUpdates", ErrInconsistent))
		return
	}
	m.inBatch = true
	m.pending = pendingOps{}
}

func (m *ListModel) DeleteSections(indices []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record("delete sections %v", indices) {
		m.pending.deleteSections = append(m.pending.deleteSections, indices...)
	}
}

func (m *ListModel) InsertSections(indices []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record("insert sections %v", indices) {
		m.pending.insertSections = append(m.pending.insertSections, indices...)
	}
}

func (m *ListModel) DeleteRows(paths []change.Path) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record("delete rows %s", formatPaths(paths)) {
		m.pending.deleteRows = append(m.pending.deleteRows, paths...)
	}
}

func (m *ListModel) InsertRows(paths []change.Path) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record("insert rows %s", formatPaths(paths)) {
		m.pending.insertRows = append(m.pending.insertRows, paths...)
	}
}

func (m *ListModel) ReloadRows(paths []change.Path) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record("reload rows %s", formatPaths(paths)) {
		m.pending.reloadRows = append(m.pending.reloadRows, paths...)
	}
}

func (m *ListModel) MoveRow(from, to change.Path) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record("move row %s->%s", from, to) {
		m.pending.moves = append(m.pending.moves, moveOp{from: from, to: to})
	}
}

// EndUpdates applies the collected batch.
func (m *ListModel) EndUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "end")
	if !m.inBatch {
		m.fail(fmt.Errorf("%w: EndUpdates without BeginUpdates", ErrInconsistent))
		return
	}
	m.inBatch = false

	next, err := m.apply(m.pending)
	if err == nil {
		err = m.check(next)
	}
	m.pending = pendingOps{}
	if err != nil {
		m.fail(err)
		m.reloadLocked()
		return
	}
	m.sections = next
}

func (m *ListModel) validOld(p change.Path) bool {
	return p.Section >= 0 && p.Section < len(m.sections) && p.Row >= 0 && p.Row < len(m.sections[p.Section])
}

// apply builds the list after ops. Removals use pre-batch indices;
// insertions use post-batch indices and are applied in ascending order.
func (m *ListModel) apply(ops pendingOps) ([][]string, error) {
	old := m.sections

	deletedSec := make(map[int]bool)
	for _, i := range ops.deleteSections {
		if i < 0 || i >= len(old) {
			return nil, fmt.Errorf("%w: delete section %d of %d", ErrInconsistent, i, len(old))
		}
		if deletedSec[i] {
			return nil, fmt.Errorf("%w: section %d deleted twice", ErrInconsistent, i)
		}
		deletedSec[i] = true
	}

	removed := make(map[change.Path]bool)
	for _, p := range ops.deleteRows {
		if !m.validOld(p) {
			return nil, fmt.Errorf("%w: delete row %s out of range", ErrInconsistent, p)
		}
		if removed[p] {
			return nil, fmt.Errorf("%w: row %s deleted twice", ErrInconsistent, p)
		}
		removed[p] = true
	}
	for _, mv := range ops.moves {
		if !m.validOld(mv.from) {
			return nil, fmt.Errorf("%w: move from %s out of range", ErrInconsistent, mv.from)
		}
		if deletedSec[mv.from.Section] {
			return nil, fmt.Errorf("%w: move from %s in a deleted section", ErrInconsistent, mv.from)
		}
		if removed[mv.from] {
			return nil, fmt.Errorf("%w: row %s moved after it was deleted or moved", ErrInconsistent, mv.from)
		}
		removed[mv.from] = true
	}
	for _, p := range ops.reloadRows {
		if !m.validOld(p) {
			return nil, fmt.Errorf("%w: reload row %s out of range", ErrInconsistent, p)
		}
		if removed[p] || deletedSec[p.Section] {
			return nil, fmt.Errorf("%w: reload of removed row %s", ErrInconsistent, p)
		}
	}

	var kept [][]string
	for s, rows := range old {
		if deletedSec[s] {
			continue
		}
		survivors := []string{}
		for r, id := range rows {
			if !removed[change.Path{Section: s, Row: r}] {
				survivors = append(survivors, id)
			}
		}
		kept = append(kept, survivors)
	}

	n := len(kept) + len(ops.insertSections)
	insertedSec := make(map[int]bool)
	for _, i := range ops.insertSections {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("%w: insert section %d of %d", ErrInconsistent, i, n)
		}
		if insertedSec[i] {
			return nil, fmt.Errorf("%w: section %d inserted twice", ErrInconsistent, i)
		}
		insertedSec[i] = true
	}
	next := make([][]string, n)
	k := 0
	for i := range next {
		if insertedSec[i] {
			next[i] = []string{}
			continue
		}
		next[i] = kept[k]
		k++
	}

	type target struct {
		path change.Path
		id   string
	}
	targets := make([]target, 0, len(ops.insertRows)+len(ops.moves))
	for _, p := range ops.insertRows {
		targets = append(targets, target{path: p})
	}
	for _, mv := range ops.moves {
		if mv.to.Section >= 0 && mv.to.Section < n && insertedSec[mv.to.Section] {
			return nil, fmt.Errorf("%w: move to %s in an inserted section", ErrInconsistent, mv.to)
		}
		targets = append(targets, target{path: mv.to, id: old[mv.from.Section][mv.from.Row]})
	}
	slices.SortFunc(targets, func(a, b target) int {
		if c := cmp.Compare(a.path.Section, b.path.Section); c != 0 {
			return c
		}
		return cmp.Compare(a.path.Row, b.path.Row)
	})
	for i, t := range targets {
		if i > 0 && targets[i-1].path == t.path {
			return nil, fmt.Errorf("%w: row %s inserted twice", ErrInconsistent, t.path)
		}
		if t.path.Section < 0 || t.path.Section >= n {
			return nil, fmt.Errorf("%w: insert row %s: no section %d", ErrInconsistent, t.path, t.path.Section)
		}
		rows := next[t.path.Section]
		if t.path.Row < 0 || t.path.Row > len(rows) {
			return nil, fmt.Errorf("%w: insert row %s out of range", ErrInconsistent, t.path)
		}
		next[t.path.Section] = slices.Insert(rows, t.path.Row, t.id)
	}
	return next, nil
}

// check compares the new list with the data source and fills in the
// identities of inserted rows.
func (m *ListModel) check(next [][]string) error {
	if want := m.source.SectionCount(); len(next) != want {
		return fmt.Errorf("%w: batch leaves %d sections, data source has %d", ErrInconsistent, len(next), want)
	}
	for s, rows := range next {
		if want := m.source.RowCount(s); len(rows) != want {
			return fmt.Errorf("%w: batch leaves %d rows in section %d, data source has %d", ErrInconsistent, len(rows), s, want)
		}
	}
	for s, rows := range next {
		for r, id := range rows {
			want := m.source.RowID(change.Path{Section: s, Row: r})
			if id == "" {
				rows[r] = want
				continue
			}
			if id != want {
				return fmt.Errorf("%w: row %s holds %s, data source has %s", ErrInconsistent, change.Path{Section: s, Row: r}, id, want)
			}
		}
	}
	return nil
}

func formatPaths(paths []change.Path) string {
	parts := make([]string, len(paths))
	for i, p := range paths {
		parts[i] = p.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
