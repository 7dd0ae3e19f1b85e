package results

import (
	"fmt"

	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/change"
	"github.com/roach88/resultsync/internal/coordinator"
	"github.com/roach88/resultsync/internal/query"
)

// Section is one group of rows sharing a section name.
type Section struct {
	Name    string
	Objects []coordinator.Object
}

// Snapshot is a sectioned, ordered result set. Snapshots are immutable
// once built.
type Snapshot struct {
	Sections []Section

	paths        map[coordinator.ObjectID]change.Path
	fingerprints map[coordinator.ObjectID]string
}

// buildSnapshot groups objects, already in fetch order, into sections.
// An empty result has no sections.
func buildSnapshot(f *query.Fetch, objects []coordinator.Object) (*Snapshot, error) {
	s := &Snapshot{
		paths:        make(map[coordinator.ObjectID]change.Path, len(objects)),
		fingerprints: make(map[coordinator.ObjectID]string, len(objects)),
	}
	for _, obj := range objects {
		fp, err := attr.Fingerprint(obj.Attrs)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", obj.ID, err)
		}
		name := f.SectionName(obj.Attrs)
		if n := len(s.Sections); n == 0 || s.Sections[n-1].Name != name {
			s.Sections = append(s.Sections, Section{Name: name})
		}
		si := len(s.Sections) - 1
		s.paths[obj.ID] = change.Path{Section: si, Row: len(s.Sections[si].Objects)}
		s.fingerprints[obj.ID] = fp
		s.Sections[si].Objects = append(s.Sections[si].Objects, obj)
	}
	return s, nil
}

// SectionCount returns the number of sections.
func (s *Snapshot) SectionCount() int {
	return len(s.Sections)
}

// RowCount returns the number of rows in section, 0 when there is no such
// section.
func (s *Snapshot) RowCount(section int) int {
	if section < 0 || section >= len(s.Sections) {
		return 0
	}
	return len(s.Sections[section].Objects)
}

// Object returns the object at p.
func (s *Snapshot) Object(p change.Path) (coordinator.Object, bool) {
	if p.Row < 0 || p.Row >= s.RowCount(p.Section) {
		return coordinator.Object{}, false
	}
	return s.Sections[p.Section].Objects[p.Row], true
}

// PathOf returns where id is in the snapshot.
func (s *Snapshot) PathOf(id coordinator.ObjectID) (change.Path, bool) {
	p, ok := s.paths[id]
	return p, ok
}

// Len returns the number of rows across all sections.
func (s *Snapshot) Len() int {
	return len(s.paths)
}

func (s *Snapshot) sectionIndex() map[string]int {
	idx := make(map[string]int, len(s.Sections))
	for i, sec := range s.Sections {
		idx[sec.Name] = i
	}
	return idx
}

func (s *Snapshot) flatten() []coordinator.ObjectID {
	out := make([]coordinator.ObjectID, 0, s.Len())
	for _, sec := range s.Sections {
		for _, obj := range sec.Objects {
			out = append(out, obj.ID)
		}
	}
	return out
}
