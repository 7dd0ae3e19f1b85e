package store

import (
	"errors"
	"fmt"
)

// OpenError reports a store that could not be opened: the backing file
// cannot be created, the model resource is invalid, or the store needs a
// migration or mapping the options forbid.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("open store: %v", e.Err)
	}
	return fmt.Sprintf("open store %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// IsOpenError reports whether err is or wraps an *OpenError.
func IsOpenError(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// ConflictError reports an update or delete based on a version that is no
// longer current. Actual is 0 when the row no longer exists.
type ConflictError struct {
	Entity   string
	Key      int64
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	if e.Actual == 0 {
		return fmt.Sprintf("%s/%d: row was deleted (expected version %d)", e.Entity, e.Key, e.Expected)
	}
	return fmt.Sprintf("%s/%d: version %d, expected %d", e.Entity, e.Key, e.Actual, e.Expected)
}

// IsConflict reports whether err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Sentinel causes wrapped by OpenError.
var (
	ErrSchemaOutdated = errors.New("store schema is outdated and auto-migrate is off")
	ErrModelMismatch  = errors.New("store was written by a different model and auto-infer-mapping is off")
)
