package coordinator

import (
	"errors"
	"fmt"

	"github.com/roach88/resultsync/internal/store"
)

// StoreOpenError reports a coordinator that could not open its store:
// the backing file cannot be created, the model resource is invalid, or
// the store options forbid adapting an existing file.
type StoreOpenError = store.OpenError

// IsStoreOpenError reports whether err is or wraps a *StoreOpenError.
func IsStoreOpenError(err error) bool {
	return store.IsOpenError(err)
}

// ErrNoBackingStore is returned by Commit when the context has no store to
// write to, i.e. the coordinator had no attached store when the context
// was created.
var ErrNoBackingStore = errors.New("no backing store attached")

// Sentinel errors for context operations.
var (
	ErrContextClosed     = errors.New("context is closed")
	ErrCoordinatorClosed = errors.New("coordinator is closed")
	ErrUnknownEntity     = errors.New("entity is not in the model")
	ErrObjectNotFound    = errors.New("object not found")
	ErrObjectDeleted     = errors.New("object is deleted in this context")
	ErrPrimaryExists     = errors.New("coordinator already has a primary context")
	ErrStoreNotAttached  = errors.New("store is not attached to this coordinator")
)

// SaveError reports a commit the store rejected. The context keeps its
// uncommitted edits; nothing visible changed.
type SaveError struct {
	// Detail describes the lower-level failure.
	Detail string
	Err    error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save failed: %s", e.Detail)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// IsSaveError reports whether err is or wraps a *SaveError.
func IsSaveError(err error) bool {
	var se *SaveError
	return errors.As(err, &se)
}
