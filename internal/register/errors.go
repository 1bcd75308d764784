package register

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrStorage matches every failure of the underlying engine.
var ErrStorage = errors.New("storage failure")

// StorageError reports an engine read, write or sync failure for one
// operation. It is never used for a lost proposal.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

//nolint:errorlint
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: errors.WithStack(err)}
}
