package store

import (
	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/model"
)

// Metadata keys.
const metaModelHash = "model_hash"

// modelCheck decides what to do with a store last opened under storedHash.
// An empty model carries no mapping information and never rewrites rows.
func modelCheck(m *model.Model, storedHash string, opts Options) (infer bool, err error) {
	if m.IsEmpty() || storedHash == "" || storedHash == m.Hash() {
		return false, nil
	}
	if !opts.AutoInferMapping {
		return false, ErrModelMismatch
	}
	return true, nil
}

// inferAttrs fits a stored row to the current declaration of its entity:
// attributes the entity does not declare are dropped and absent attributes
// with a default are filled in. changed is false when attrs already fit.
func inferAttrs(e *model.Entity, attrs attr.Object) (out attr.Object, changed bool) {
	out = make(attr.Object, len(attrs))
	for name, v := range attrs {
		if _, ok := e.Attribute(name); ok {
			out[name] = v
		} else {
			changed = true
		}
	}
	before := len(out)
	out = e.WithDefaults(out)
	if len(out) != before {
		changed = true
	}
	return out, changed
}
