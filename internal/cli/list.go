package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/resultsync/internal/coordinator"
	"github.com/roach88/resultsync/internal/query"
	"github.com/roach88/resultsync/internal/results"
)

// FetchOptions are the flags that shape a result set. Each one replaces
// the matching part of the config file's fetch section.
type FetchOptions struct {
	Entity    string
	Where     []string
	Sort      []string
	SectionBy string
}

func (o *FetchOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Entity, "entity", "", "entity to list")
	cmd.Flags().StringArrayVar(&o.Where, "where", nil, "filter such as done=false or task^=buy (repeatable)")
	cmd.Flags().StringArrayVar(&o.Sort, "sort", nil, "sort key attr[:desc|:<collation>] (repeatable)")
	cmd.Flags().StringVar(&o.SectionBy, "section-by", "", "attribute to group rows into sections by")
}

// apply merges the flags over base.
func (o *FetchOptions) apply(base query.FetchSpec) (query.FetchSpec, error) {
	spec := base
	if o.Entity != "" && o.Entity != base.Entity {
		spec = query.FetchSpec{Entity: o.Entity}
	}
	if len(o.Where) > 0 {
		spec.Where = make([]query.Condition, 0, len(o.Where))
		for _, expr := range o.Where {
			cond, err := parseCondition(expr)
			if err != nil {
				return query.FetchSpec{}, err
			}
			spec.Where = append(spec.Where, cond)
		}
	}
	if len(o.Sort) > 0 {
		spec.Sort = make([]query.SortKey, 0, len(o.Sort))
		for _, expr := range o.Sort {
			spec.Sort = append(spec.Sort, parseSortKey(expr))
		}
	}
	if o.SectionBy != "" {
		spec.SectionBy = o.SectionBy
		if len(spec.Sort) == 0 || spec.Sort[0].Attr != o.SectionBy {
			spec.Sort = append([]query.SortKey{{Attr: o.SectionBy}}, spec.Sort...)
		}
	}
	if spec.Entity == "" {
		return query.FetchSpec{}, fmt.Errorf("%w: no entity to list, use --entity or the config fetch section", ErrBadArgument)
	}
	return spec, nil
}

// ListSection is one section of the list output.
type ListSection struct {
	Name    string         `json:"name,omitempty"`
	Objects []ObjectResult `json:"objects"`
}

// ListResult is the payload of list.
type ListResult struct {
	Entity   string        `json:"entity"`
	Sections []ListSection `json:"sections"`
}

// String renders one row per object, with a header line for every named
// section.
func (r ListResult) String() string {
	if len(r.Sections) == 0 {
		return "(no objects)"
	}
	var sb strings.Builder
	for i, s := range r.Sections {
		if s.Name != "" {
			if i > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "== %s ==\n", s.Name)
		}
		for _, obj := range s.Objects {
			sb.WriteString(formatRow(obj))
			sb.WriteString("\n")
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func formatRow(obj ObjectResult) string {
	parts := []string{obj.ID}
	for _, name := range slices.Sorted(maps.Keys(obj.Attrs)) {
		parts = append(parts, fmt.Sprintf("%s=%v", name, obj.Attrs[name]))
	}
	return strings.Join(parts, "  ")
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	fetch := &FetchOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print a sectioned result set",
		Long: `Fetch the objects of one entity, filtered, sorted and grouped into
sections, exactly as a list view bound to the result set would show them.

Examples:
  listsync list --entity ToDo --sort position
  listsync list --entity ToDo --where done=false --section-by list
  listsync list --entity ToDo --sort task:en --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, rootOpts, fetch)
		},
	}
	fetch.register(cmd)
	return cmd
}

func runList(cmd *cobra.Command, opts *RootOptions, fetch *FetchOptions) error {
	f := newFormatter(cmd, opts)
	coord, cfg, err := openCoordinator(opts)
	if err != nil {
		return f.Fail("open failed", err)
	}
	defer coord.Close()

	spec, err := fetch.apply(cfg.Fetch)
	if err != nil {
		return f.Fail("list failed", err)
	}
	c, err := coord.NewContext(coordinator.WithName("cli"))
	if err != nil {
		return f.Fail("open failed", err)
	}

	ctrl := results.New(c, spec, results.WithName("list"))
	defer ctrl.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctrl.Start(ctx); err != nil {
		return f.Fail("list failed", err)
	}
	return f.Success(listResult(spec.Entity, ctrl.Snapshot()))
}

func listResult(entity string, snap *results.Snapshot) ListResult {
	out := ListResult{Entity: entity, Sections: []ListSection{}}
	for _, s := range snap.Sections {
		sec := ListSection{Name: s.Name, Objects: make([]ObjectResult, 0, len(s.Objects))}
		for _, obj := range s.Objects {
			sec.Objects = append(sec.Objects, objectResult(obj))
		}
		out.Sections = append(out.Sections, sec)
	}
	return out
}
