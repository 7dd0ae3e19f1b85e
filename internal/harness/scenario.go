package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/resultsync/internal/query"
	"github.com/roach88/resultsync/internal/store"
)

// StoreNone runs a scenario with no backing store attached.
const StoreNone store.Type = "none"

// Scenario is one list synchronization test.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Model is the model resource name, resolved in ModelDir.
	Model string `yaml:"model"`

	// ModelDir is relative to the scenario file. Default: its directory.
	ModelDir string `yaml:"model_dir,omitempty"`

	// Store is the backend the coordinator opens. File stores live in a
	// temporary directory removed after the run. Default: memory.
	Store store.Type `yaml:"store,omitempty"`

	// Fetch defines the result set of every watched context.
	Fetch query.FetchSpec `yaml:"fetch"`

	Contexts   []ContextDef `yaml:"contexts"`
	Steps      []Step       `yaml:"steps"`
	Assertions []Assertion  `yaml:"assertions,omitempty"`
}

// ContextDef declares a context. Contexts are created in order; the first
// is primary unless it is a background context.
type ContextDef struct {
	Name       string `yaml:"name"`
	Background bool   `yaml:"background,omitempty"`

	// Watch starts a results controller over the scenario's fetch.
	Watch bool `yaml:"watch,omitempty"`
}

// Step is one operation on a context.
type Step struct {
	Context string `yaml:"context"`

	// Insert creates an object of Entity (default: the fetch entity). As
	// names it for later steps and assertions.
	Insert map[string]any `yaml:"insert,omitempty"`
	Entity string         `yaml:"entity,omitempty"`
	As     string         `yaml:"as,omitempty"`

	// Update names an alias; Set is the patch.
	Update string         `yaml:"update,omitempty"`
	Set    map[string]any `yaml:"set,omitempty"`

	Delete   string `yaml:"delete,omitempty"`
	Commit   bool   `yaml:"commit,omitempty"`
	Rollback bool   `yaml:"rollback,omitempty"`

	// Refresh recomputes the context's controller without a commit.
	Refresh bool `yaml:"refresh,omitempty"`

	// ExpectError is the kind of error the step must fail with, see
	// ErrorKind.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Op returns the step's operation name, "" when none is set.
func (s Step) Op() string {
	ops := s.ops()
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

func (s Step) ops() []string {
	var ops []string
	if s.Insert != nil {
		ops = append(ops, "insert")
	}
	if s.Update != "" {
		ops = append(ops, "update")
	}
	if s.Delete != "" {
		ops = append(ops, "delete")
	}
	if s.Commit {
		ops = append(ops, "commit")
	}
	if s.Rollback {
		ops = append(ops, "rollback")
	}
	if s.Refresh {
		ops = append(ops, "refresh")
	}
	return ops
}

// Assertion checks the result of a run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type    string `yaml:"type"`
	Context string `yaml:"context"`

	// Count is used by batch_count.
	Count int `yaml:"count,omitempty"`

	// Index and Events are used by batch. Index is zero-based.
	Index  int      `yaml:"index,omitempty"`
	Events []string `yaml:"events,omitempty"`

	// Rows is used by rows. Entries are aliases or object ids.
	Rows [][]string `yaml:"rows,omitempty"`

	// Counts is used by row_counts.
	Counts []int `yaml:"counts,omitempty"`

	// Seq is used by merged_seq.
	Seq int64 `yaml:"seq,omitempty"`
}

// Assertion type constants.
const (
	AssertBatchCount = "batch_count"
	AssertBatch      = "batch"
	AssertRows       = "rows"
	AssertRowCounts  = "row_counts"
	AssertMergedSeq  = "merged_seq"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected. ModelDir is resolved relative to the file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	switch {
	case scenario.ModelDir == "":
		scenario.ModelDir = base
	case !filepath.IsAbs(scenario.ModelDir):
		scenario.ModelDir = filepath.Join(base, scenario.ModelDir)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and that every step refers to a
// declared context and an alias introduced by an earlier step.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Model == "" {
		return fmt.Errorf("model is required")
	}
	if s.Fetch.Entity == "" {
		return fmt.Errorf("fetch.entity is required")
	}
	switch s.Store {
	case "", store.TypeMemory, store.TypeDurable, store.TypeBinary, StoreNone:
	default:
		return fmt.Errorf("unknown store %q", s.Store)
	}
	if len(s.Contexts) == 0 {
		return fmt.Errorf("contexts list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	contexts := make(map[string]ContextDef)
	for i, c := range s.Contexts {
		if c.Name == "" {
			return fmt.Errorf("contexts[%d]: name is required", i)
		}
		if _, dup := contexts[c.Name]; dup {
			return fmt.Errorf("contexts[%d]: duplicate name %q", i, c.Name)
		}
		contexts[c.Name] = c
	}

	aliases := make(map[string]bool)
	for i, step := range s.Steps {
		if _, ok := contexts[step.Context]; !ok {
			return fmt.Errorf("steps[%d]: unknown context %q", i, step.Context)
		}
		ops := step.ops()
		if len(ops) != 1 {
			return fmt.Errorf("steps[%d]: exactly one operation is required, got %v", i, ops)
		}
		switch ops[0] {
		case "insert":
			if step.As != "" {
				if aliases[step.As] {
					return fmt.Errorf("steps[%d]: alias %q reused", i, step.As)
				}
				aliases[step.As] = true
			}
		case "update":
			if !aliases[step.Update] {
				return fmt.Errorf("steps[%d]: unknown alias %q", i, step.Update)
			}
			if len(step.Set) == 0 {
				return fmt.Errorf("steps[%d]: set is required for update", i)
			}
		case "delete":
			if !aliases[step.Delete] {
				return fmt.Errorf("steps[%d]: unknown alias %q", i, step.Delete)
			}
		case "refresh":
			if !contexts[step.Context].Watch {
				return fmt.Errorf("steps[%d]: refresh needs a watched context", i)
			}
		}
		if step.ExpectError != "" && !knownErrorKind(step.ExpectError) {
			return fmt.Errorf("steps[%d]: unknown error kind %q", i, step.ExpectError)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, contexts); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion checks one assertion against its type.
func validateAssertion(index int, a Assertion, contexts map[string]ContextDef) error {
	c, ok := contexts[a.Context]
	if !ok {
		return fmt.Errorf("assertions[%d]: unknown context %q", index, a.Context)
	}

	switch a.Type {
	case AssertBatchCount, AssertRows, AssertRowCounts:
		if !c.Watch {
			return fmt.Errorf("assertions[%d]: %s needs a watched context", index, a.Type)
		}
	case AssertBatch:
		if !c.Watch {
			return fmt.Errorf("assertions[%d]: batch needs a watched context", index)
		}
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for batch", index)
		}
	case AssertMergedSeq:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	return nil
}
