// Package change defines the events a result set controller emits when its
// snapshot changes.
//
// One batch is always
//
//	WillChange, (Section | Object)*, DidChange
//
// Events are created by a controller, consumed once and never persisted.
package change

import (
	"fmt"
	"strconv"
)

// Kind tags the variant an Event holds.
type Kind int

const (
	KindWillChange Kind = iota + 1
	KindObject
	KindSection
	KindDidChange
)

func (k Kind) String() string {
	switch k {
	case KindWillChange:
		return "will-change"
	case KindObject:
		return "object"
	case KindSection:
		return "section"
	case KindDidChange:
		return "did-change"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Type is the change an object or section event describes.
// Sections only use Insert and Delete.
type Type int

const (
	Insert Type = iota + 1
	Delete
	Update
	Move
)

func (t Type) String() string {
	switch t {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case Update:
		return "update"
	case Move:
		return "move"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// Path locates a row: section index, then row index within the section.
type Path struct {
	Section int
	Row     int
}

func (p Path) String() string {
	return fmt.Sprintf("[%d,%d]", p.Section, p.Row)
}

// Event is one notification from a controller.
//
// Object events: Insert carries only NewPath, Delete and Update only
// OldPath, Move both. OldPath is relative to the snapshot before the batch,
// NewPath to the snapshot after it.
//
// Section events carry Index (old index for Delete, new index for Insert)
// and the section Name.
type Event struct {
	Kind Kind
	Type Type

	OldPath *Path
	NewPath *Path
	// Object is the entity/key of the object, e.g. "ToDo/3".
	Object string

	Index int
	Name  string
}

func WillChange() Event { return Event{Kind: KindWillChange} }
func DidChange() Event  { return Event{Kind: KindDidChange} }

func ObjectInsert(obj string, newPath Path) Event {
	return Event{Kind: KindObject, Type: Insert, NewPath: &newPath, Object: obj}
}

func ObjectDelete(obj string, oldPath Path) Event {
	return Event{Kind: KindObject, Type: Delete, OldPath: &oldPath, Object: obj}
}

func ObjectUpdate(obj string, oldPath Path) Event {
	return Event{Kind: KindObject, Type: Update, OldPath: &oldPath, Object: obj}
}

func ObjectMove(obj string, oldPath, newPath Path) Event {
	return Event{Kind: KindObject, Type: Move, OldPath: &oldPath, NewPath: &newPath, Object: obj}
}

func SectionInsert(index int, name string) Event {
	return Event{Kind: KindSection, Type: Insert, Index: index, Name: name}
}

func SectionDelete(index int, name string) Event {
	return Event{Kind: KindSection, Type: Delete, Index: index, Name: name}
}

// Validate reports an event whose fields do not fit its variant.
func (e Event) Validate() error {
	switch e.Kind {
	case KindWillChange, KindDidChange:
		return nil
	case KindSection:
		if e.Type != Insert && e.Type != Delete {
			return fmt.Errorf("section event with type %s", e.Type)
		}
		if e.Index < 0 {
			return fmt.Errorf("section %s with negative index %d", e.Type, e.Index)
		}
		return nil
	case KindObject:
		needOld := e.Type == Delete || e.Type == Update || e.Type == Move
		needNew := e.Type == Insert || e.Type == Move
		if e.Type < Insert || e.Type > Move {
			return fmt.Errorf("object event with type %s", e.Type)
		}
		if needOld != (e.OldPath != nil) {
			return fmt.Errorf("object %s: old path presence is %t", e.Type, e.OldPath != nil)
		}
		if needNew != (e.NewPath != nil) {
			return fmt.Errorf("object %s: new path presence is %t", e.Type, e.NewPath != nil)
		}
		return nil
	default:
		return fmt.Errorf("unknown event kind %s", e.Kind)
	}
}

// String renders the event on one line, as used in batch traces.
func (e Event) String() string {
	switch e.Kind {
	case KindSection:
		return fmt.Sprintf("section %s %d %q", e.Type, e.Index, e.Name)
	case KindObject:
		switch e.Type {
		case Insert:
			return fmt.Sprintf("object insert %s %s", e.NewPath, e.Object)
		case Move:
			return fmt.Sprintf("object move %s->%s %s", e.OldPath, e.NewPath, e.Object)
		default:
			return fmt.Sprintf("object %s %s %s", e.Type, e.OldPath, e.Object)
		}
	default:
		return e.Kind.String()
	}
}
