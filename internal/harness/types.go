package harness

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/resultsync/internal/coordinator"
	"github.com/roach88/resultsync/internal/model"
	"github.com/roach88/resultsync/internal/store"
)

// Batch is one batch a watched context received.
type Batch struct {
	// Step is the 1-based step that caused the batch.
	Step   int      `json:"step"`
	Events []string `json:"events"`
}

// ContextResult is what one context saw during a run.
type ContextResult struct {
	Name    string  `json:"name"`
	Watched bool    `json:"watched"`
	Batches []Batch `json:"batches,omitempty"`

	// Rows is the final list, one slice of object ids per section.
	Rows [][]string `json:"rows,omitempty"`

	MergedSeq int64 `json:"merged_seq"`
}

// StepResult records one executed step.
type StepResult struct {
	Context string `json:"context"`
	Op      string `json:"op"`
	// Object is the id the step inserted, updated or deleted.
	Object string `json:"object,omitempty"`
	// Error is the error kind the step failed with, "" on success.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as expected, every list stayed
	// consistent and every assertion held.
	Pass bool `json:"pass"`

	Steps    []StepResult     `json:"steps"`
	Contexts []*ContextResult `json:"contexts"`

	// Aliases maps step aliases to object ids.
	Aliases map[string]string `json:"aliases,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Aliases: make(map[string]string),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Context returns the named context's result, nil when there is none.
func (r *Result) Context(name string) *ContextResult {
	for _, c := range r.Contexts {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// resolve maps an alias to its object id. Anything else is returned as is.
func (r *Result) resolve(ref string) string {
	if id, ok := r.Aliases[ref]; ok {
		return id
	}
	return ref
}

// Trace renders the steps and what every watched context received as
// stable text for golden comparison.
func (r *Result) Trace(name string) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario %s\n", name)

	buf.WriteString("steps\n")
	for i, s := range r.Steps {
		fmt.Fprintf(&buf, "  %d %s %s", i+1, s.Context, s.Op)
		if s.Object != "" {
			fmt.Fprintf(&buf, " %s", s.Object)
		}
		if s.Error != "" {
			fmt.Fprintf(&buf, " error=%s", s.Error)
		}
		buf.WriteString("\n")
	}

	for _, c := range r.Contexts {
		if !c.Watched {
			continue
		}
		fmt.Fprintf(&buf, "context %s\n", c.Name)
		for i, b := range c.Batches {
			fmt.Fprintf(&buf, "  batch %d step %d\n", i+1, b.Step)
			for _, ev := range b.Events {
				fmt.Fprintf(&buf, "    %s\n", ev)
			}
		}
		fmt.Fprintf(&buf, "  rows %s\n", formatRows(c.Rows))
	}
	return buf.String()
}

func formatRows(rows [][]string) string {
	if len(rows) == 0 {
		return "(none)"
	}
	parts := make([]string, len(rows))
	for i, section := range rows {
		parts[i] = "[" + strings.Join(section, " ") + "]"
	}
	return strings.Join(parts, " ")
}

// ErrorKind names the kind of a step error as used by expect_error.
func ErrorKind(err error) string {
	var ve *model.ValidationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, coordinator.ErrNoBackingStore):
		return "no_backing_store"
	case store.IsConflict(err):
		return "conflict"
	case errors.Is(err, coordinator.ErrObjectNotFound):
		return "not_found"
	case errors.Is(err, coordinator.ErrObjectDeleted):
		return "deleted"
	case errors.Is(err, coordinator.ErrUnknownEntity):
		return "unknown_entity"
	case errors.Is(err, coordinator.ErrContextClosed):
		return "closed"
	case errors.As(err, &ve):
		return "invalid"
	default:
		return "error"
	}
}

func knownErrorKind(kind string) bool {
	switch kind {
	case "no_backing_store", "conflict", "not_found", "deleted", "unknown_entity", "closed", "invalid", "error":
		return true
	}
	return false
}
