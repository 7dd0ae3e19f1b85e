package coordinator

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/roach88/resultsync/internal/query"
)

// Fetch returns the objects spec selects, as seen by this context.
func (c *Context) Fetch(ctx context.Context, spec query.FetchSpec) ([]Object, error) {
	f, err := query.Compile(spec, c.coord.model)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return c.FetchCompiled(ctx, f)
}

// FetchCompiled evaluates a compiled fetch against this context.
//
// The filter is pushed down to the store. The context's own edits are then
// laid over the rows: deleted objects drop out, patched objects are
// re-checked against the filter (including patched objects the store did
// not return) and matching inserts are added. The result is sorted by the
// fetch's sort keys, then by key.
//
// f is used for comparisons and must not be shared across goroutines.
func (c *Context) FetchCompiled(ctx context.Context, f *query.Fetch) ([]Object, error) {
	entity := f.Entity.Name

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrContextClosed
	}

	var out []Object
	seen := make(map[ObjectID]bool)

	if c.store != nil {
		recs, err := c.store.Load(ctx, entity, f)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", entity, err)
		}
		sid := c.store.ID()
		for _, rec := range recs {
			id := ObjectID{Store: sid, Entity: entity, Key: rec.Key}
			c.cache[id] = cached{attrs: rec.Attrs, version: rec.Version}
			seen[id] = true

			if _, ok := c.deleted[id]; ok {
				continue
			}
			attrs := rec.Attrs.Merge(c.updated[id])
			if !f.Match(attrs) {
				continue
			}
			out = append(out, Object{ID: id, Attrs: attrs, Version: rec.Version})
		}
	}

	for id, patch := range c.updated {
		if id.Entity != entity || seen[id] {
			continue
		}
		base, ok := c.cache[id]
		if !ok {
			continue
		}
		attrs := base.attrs.Merge(patch)
		if f.Match(attrs) {
			out = append(out, Object{ID: id, Attrs: attrs, Version: base.version})
		}
	}

	for id, attrs := range c.inserted {
		if id.Entity == entity && f.Match(attrs) {
			out = append(out, Object{ID: id, Attrs: attrs.Clone()})
		}
	}

	slices.SortFunc(out, func(a, b Object) int {
		if r := f.Compare(a.Attrs, b.Attrs); r != 0 {
			return r
		}
		return cmp.Compare(a.ID.Key, b.ID.Key)
	})
	return out, nil
}
