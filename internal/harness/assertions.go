package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Context  string
	Expected string
	Actual   string
	// Batches is the context's full batch history for debugging.
	Batches []Batch
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s (context %s)\n", e.Type, e.Context)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Batches) > 0 {
		fmt.Fprintf(&buf, "\nBatches:\n")
		for i, b := range e.Batches {
			fmt.Fprintf(&buf, "  [%d] step %d: %s\n", i, b.Step, strings.Join(b.Events, ", "))
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a Assertion) error {
	c := result.Context(a.Context)
	if c == nil {
		return fmt.Errorf("unknown context %q", a.Context)
	}

	switch a.Type {
	case AssertBatchCount:
		return assertBatchCount(c, a)
	case AssertBatch:
		return assertBatch(c, a)
	case AssertRows:
		return assertRows(result, c, a)
	case AssertRowCounts:
		return assertRowCounts(c, a)
	case AssertMergedSeq:
		return assertMergedSeq(c, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func assertBatchCount(c *ContextResult, a Assertion) error {
	if len(c.Batches) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertBatchCount,
		Context:  c.Name,
		Expected: fmt.Sprintf("%d batches", a.Count),
		Actual:   fmt.Sprintf("%d batches", len(c.Batches)),
		Batches:  c.Batches,
	}
}

func assertBatch(c *ContextResult, a Assertion) error {
	if a.Index < 0 || a.Index >= len(c.Batches) {
		return &AssertionError{
			Type:     AssertBatch,
			Context:  c.Name,
			Expected: fmt.Sprintf("batch %d", a.Index),
			Actual:   fmt.Sprintf("%d batches", len(c.Batches)),
			Batches:  c.Batches,
		}
	}
	got := c.Batches[a.Index].Events
	if slices.Equal(got, a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertBatch,
		Context:  c.Name,
		Expected: strings.Join(a.Events, ", "),
		Actual:   strings.Join(got, ", "),
		Batches:  c.Batches,
	}
}

func assertRows(result *Result, c *ContextResult, a Assertion) error {
	want := make([][]string, len(a.Rows))
	for i, section := range a.Rows {
		want[i] = make([]string, len(section))
		for j, ref := range section {
			want[i][j] = result.resolve(ref)
		}
	}
	if slices.EqualFunc(c.Rows, want, slices.Equal) {
		return nil
	}
	return &AssertionError{
		Type:     AssertRows,
		Context:  c.Name,
		Expected: formatRows(want),
		Actual:   formatRows(c.Rows),
		Batches:  c.Batches,
	}
}

func assertRowCounts(c *ContextResult, a Assertion) error {
	got := make([]int, len(c.Rows))
	for i, section := range c.Rows {
		got[i] = len(section)
	}
	if slices.Equal(got, a.Counts) {
		return nil
	}
	return &AssertionError{
		Type:     AssertRowCounts,
		Context:  c.Name,
		Expected: fmt.Sprint(a.Counts),
		Actual:   fmt.Sprint(got),
		Batches:  c.Batches,
	}
}

func assertMergedSeq(c *ContextResult, a Assertion) error {
	if c.MergedSeq == a.Seq {
		return nil
	}
	return &AssertionError{
		Type:     AssertMergedSeq,
		Context:  c.Name,
		Expected: fmt.Sprintf("seq %d", a.Seq),
		Actual:   fmt.Sprintf("seq %d", c.MergedSeq),
	}
}
