package coordinator

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/roach88/resultsync/internal/attr"
)

// ObjectID identifies a managed object. The store id keeps objects from
// different stores apart even when entity and key coincide.
type ObjectID struct {
	Store  string
	Entity string
	Key    int64
}

// String returns "Entity/Key". The store is omitted so traces are stable
// across runs.
func (id ObjectID) String() string {
	return fmt.Sprintf("%s/%d", id.Entity, id.Key)
}

func compareIDs(a, b ObjectID) int {
	if c := cmp.Compare(a.Store, b.Store); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Entity, b.Entity); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}

// Object is a context's view of a managed object: the persisted state with
// the context's uncommitted edits applied. It is a copy; change the object
// through Context.Update.
type Object struct {
	ID    ObjectID
	Attrs attr.Object
	// Version is the store version the view is based on, 0 for an object
	// inserted in this context and not yet committed.
	Version int64
}

// Get returns the named attribute, Null when unset.
func (o Object) Get(name string) attr.Value {
	return o.Attrs.Get(name)
}

// ChangeNotification describes one successful commit.
type ChangeNotification struct {
	Sender *Context
	// Store is the id of the store the commit wrote to.
	Store string
	Seq   int64

	Inserted []ObjectID
	Updated  []ObjectID
	Deleted  []ObjectID
}

// IsEmpty reports whether the notification names no objects.
func (n ChangeNotification) IsEmpty() bool {
	return len(n.Inserted) == 0 && len(n.Updated) == 0 && len(n.Deleted) == 0
}

// Touches reports whether any named object is of entity.
func (n ChangeNotification) Touches(entity string) bool {
	for _, ids := range [][]ObjectID{n.Inserted, n.Updated, n.Deleted} {
		for _, id := range ids {
			if id.Entity == entity {
				return true
			}
		}
	}
	return false
}

func sortedIDs[V any](m map[ObjectID]V) []ObjectID {
	ids := make([]ObjectID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareIDs)
	return ids
}
