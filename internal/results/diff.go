package results

import (
	"cmp"
	"slices"

	"github.com/roach88/resultsync/internal/change"
	"github.com/roach88/resultsync/internal/coordinator"
)

// diff returns the events that turn old into next, in emit order:
//
//	object deletes, section deletes, section inserts,
//	object inserts, object moves, object updates
//
// Sections are identified by name and objects by ObjectID. An object that
// leaves a deleted section or enters an inserted one is reported as a
// delete and an insert, never as a move. An object that both moved and
// changed is reported as a move only.
func diff(old, next *Snapshot) []change.Event {
	oldSec := old.sectionIndex()
	newSec := next.sectionIndex()

	var (
		objDeletes []change.Event
		secDeletes []change.Event
		secInserts []change.Event
		objInserts []change.Event
		moves      []change.Event
		updates    []change.Event
	)

	for i, sec := range old.Sections {
		if _, ok := newSec[sec.Name]; !ok {
			secDeletes = append(secDeletes, change.SectionDelete(i, sec.Name))
		}
	}
	for i, sec := range next.Sections {
		if _, ok := oldSec[sec.Name]; !ok {
			secInserts = append(secInserts, change.SectionInsert(i, sec.Name))
		}
	}

	oldFlat := old.flatten()
	oldIndex := make(map[coordinator.ObjectID]int, len(oldFlat))
	for i, id := range oldFlat {
		oldIndex[id] = i
		if _, ok := next.paths[id]; !ok {
			objDeletes = append(objDeletes, change.ObjectDelete(id.String(), old.paths[id]))
		}
	}

	// Objects that stay in a surviving section, in new order. Those whose
	// old order is not part of the longest increasing run moved.
	var (
		stable    []coordinator.ObjectID
		stableOld []int
	)
	for _, id := range next.flatten() {
		newPath := next.paths[id]
		oldPath, ok := old.paths[id]
		if !ok {
			objInserts = append(objInserts, change.ObjectInsert(id.String(), newPath))
			continue
		}

		oldName := old.Sections[oldPath.Section].Name
		newName := next.Sections[newPath.Section].Name
		_, oldSurvives := newSec[oldName]
		_, newExisted := oldSec[newName]
		switch {
		case !oldSurvives || !newExisted:
			objDeletes = append(objDeletes, change.ObjectDelete(id.String(), oldPath))
			objInserts = append(objInserts, change.ObjectInsert(id.String(), newPath))
		case oldName != newName:
			moves = append(moves, change.ObjectMove(id.String(), oldPath, newPath))
		default:
			stable = append(stable, id)
			stableOld = append(stableOld, oldIndex[id])
		}
	}

	keep := longestIncreasing(stableOld)
	for i, id := range stable {
		oldPath := old.paths[id]
		if !keep[i] {
			moves = append(moves, change.ObjectMove(id.String(), oldPath, next.paths[id]))
			continue
		}
		if old.fingerprints[id] != next.fingerprints[id] {
			updates = append(updates, change.ObjectUpdate(id.String(), oldPath))
		}
	}

	slices.SortFunc(objDeletes, byPath(func(e change.Event) change.Path { return *e.OldPath }))
	slices.SortFunc(objInserts, byPath(func(e change.Event) change.Path { return *e.NewPath }))
	slices.SortFunc(moves, byPath(func(e change.Event) change.Path { return *e.NewPath }))
	slices.SortFunc(updates, byPath(func(e change.Event) change.Path { return *e.OldPath }))

	out := make([]change.Event, 0, len(objDeletes)+len(secDeletes)+len(secInserts)+len(objInserts)+len(moves)+len(updates))
	out = append(out, objDeletes...)
	out = append(out, secDeletes...)
	out = append(out, secInserts...)
	out = append(out, objInserts...)
	out = append(out, moves...)
	out = append(out, updates...)
	return out
}

func byPath(path func(change.Event) change.Path) func(a, b change.Event) int {
	return func(a, b change.Event) int {
		pa, pb := path(a), path(b)
		if c := cmp.Compare(pa.Section, pb.Section); c != 0 {
			return c
		}
		return cmp.Compare(pa.Row, pb.Row)
	}
}

// longestIncreasing marks the elements of one longest strictly increasing
// subsequence of seq.
func longestIncreasing(seq []int) []bool {
	keep := make([]bool, len(seq))
	if len(seq) == 0 {
		return keep
	}

	// tails[k] is the index in seq of the smallest tail of an increasing
	// run of length k+1; prev links each element to its predecessor.
	tails := make([]int, 0, len(seq))
	prev := make([]int, len(seq))
	for i, v := range seq {
		k, _ := slices.BinarySearchFunc(tails, v, func(ti, target int) int {
			return cmp.Compare(seq[ti], target)
		})
		if k > 0 {
			prev[i] = tails[k-1]
		} else {
			prev[i] = -1
		}
		if k == len(tails) {
			tails = append(tails, i)
		} else {
			tails[k] = i
		}
	}

	for i := tails[len(tails)-1]; i >= 0; i = prev[i] {
		keep[i] = true
	}
	return keep
}
