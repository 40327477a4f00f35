package limiter

import (
	"errors"
	"fmt"

	"github.com/perplexo/gateway/internal/quota"
)

// ErrStoreUnavailable reports that the quota store could not be read or
// written. Callers must not treat it as an admission.
var ErrStoreUnavailable = errors.New("quota store unavailable")

// StorageError wraps a quota store failure for a single key.
type StorageError struct {
	Op  string
	Key quota.Key
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("limiter %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap exposes both ErrStoreUnavailable and the underlying cause.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// IsStorageError reports whether err came from the quota store.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
