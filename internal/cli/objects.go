package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/coordinator"
	"github.com/roach88/resultsync/internal/model"
)

// ObjectResult is the JSON payload of add and update.
type ObjectResult struct {
	ID    string         `json:"id"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// String is the text output.
func (r ObjectResult) String() string {
	return r.ID
}

// DeleteResult is the payload of delete.
type DeleteResult struct {
	Deleted []string `json:"deleted"`
}

func (r DeleteResult) String() string {
	return fmt.Sprintf("deleted %d object(s)", len(r.Deleted))
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <entity> [attr=value...]",
		Short: "Insert an object and commit it",
		Long: `Insert an object of the given entity and commit it. Attributes the
model declares with a default may be omitted.

Examples:
  listsync add ToDo task="buy milk" position=3
  listsync add ToDo task=call list=home --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, rootOpts, func(ctx context.Context, c *coordinator.Context, f *OutputFormatter) error {
				e, err := lookupEntity(c.Model(), args[0])
				if err != nil {
					return f.Fail("add failed", err)
				}
				values, err := parseAssignments(e, args[1:])
				if err != nil {
					return f.Fail("add failed", err)
				}
				obj, err := c.Insert(e.Name, values)
				if err != nil {
					return f.Fail("add failed", err)
				}
				if err := c.Commit(ctx); err != nil {
					return f.Fail("commit failed", err)
				}
				slog.Info("object added", "id", obj.ID.String())
				return f.Success(objectResult(obj))
			})
		},
	}
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update <entity/key> attr=value...",
		Short: "Change attributes of an object and commit",
		Long: `Patch the attributes of one object and commit.

Examples:
  listsync update ToDo/3 done=true
  listsync update ToDo/3 position=0 list=home`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, rootOpts, func(ctx context.Context, c *coordinator.Context, f *OutputFormatter) error {
				id, err := parseObjectRef(c, args[0])
				if err != nil {
					return f.Fail("update failed", err)
				}
				e, err := lookupEntity(c.Model(), id.Entity)
				if err != nil {
					return f.Fail("update failed", err)
				}
				patch, err := parseAssignments(e, args[1:])
				if err != nil {
					return f.Fail("update failed", err)
				}
				if err := c.Update(ctx, id, patch); err != nil {
					return f.Fail("update failed", err)
				}
				if err := c.Commit(ctx); err != nil {
					return f.Fail("commit failed", err)
				}
				obj, _, err := c.Object(ctx, id)
				if err != nil {
					return f.Fail("update failed", err)
				}
				slog.Info("object updated", "id", id.String())
				return f.Success(objectResult(obj))
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity/key>...",
		Short: "Delete objects and commit",
		Long: `Delete one or more objects in a single commit. Every object must
exist; nothing is deleted otherwise.

Example:
  listsync delete ToDo/3 ToDo/4`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, rootOpts, func(ctx context.Context, c *coordinator.Context, f *OutputFormatter) error {
				result := DeleteResult{Deleted: []string{}}
				for _, ref := range args {
					id, err := parseObjectRef(c, ref)
					if err != nil {
						return f.Fail("delete failed", err)
					}
					if err := c.Delete(ctx, id); err != nil {
						return f.Fail("delete failed", err)
					}
					result.Deleted = append(result.Deleted, id.String())
				}
				if err := c.Commit(ctx); err != nil {
					return f.Fail("commit failed", err)
				}
				slog.Info("objects deleted", "count", len(result.Deleted))
				return f.Success(result)
			})
		},
	}
}

// withContext opens the coordinator, runs fn on a fresh primary context
// and closes everything afterwards.
func withContext(cmd *cobra.Command, opts *RootOptions, fn func(context.Context, *coordinator.Context, *OutputFormatter) error) error {
	f := newFormatter(cmd, opts)
	coord, _, err := openCoordinator(opts)
	if err != nil {
		return f.Fail("open failed", err)
	}
	defer func() {
		if err := coord.Close(); err != nil {
			slog.Error("error closing coordinator", "error", err)
		}
	}()

	c, err := coord.NewContext(coordinator.WithName("cli"))
	if err != nil {
		return f.Fail("open failed", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, c, f)
}

func lookupEntity(m *model.Model, name string) (*model.Entity, error) {
	e, ok := m.Entity(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", coordinator.ErrUnknownEntity, name)
	}
	return e, nil
}

func objectResult(obj coordinator.Object) ObjectResult {
	attrs := make(map[string]any, len(obj.Attrs))
	for k, v := range obj.Attrs {
		attrs[k] = attr.ToGo(v)
	}
	return ObjectResult{ID: obj.ID.String(), Attrs: attrs}
}
