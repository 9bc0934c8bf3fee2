package vector

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexNotTrained rejects index operations before Train completes.
	ErrIndexNotTrained = errors.New("vector: index not trained")
	// ErrEmptyQuery rejects zero-length search queries.
	ErrEmptyQuery = errors.New("vector: empty query")
	// ErrDimensionsUnset rejects operations on a store whose
	// dimensionality has not been fixed by a first insert.
	ErrDimensionsUnset = errors.New("vector: dimensions not set")
	// ErrVectorDeleted reports a read of a tombstoned vector.
	ErrVectorDeleted = errors.New("vector: vector deleted")
	// ErrNotFound reports a missing vector id or node mapping.
	ErrNotFound = errors.New("vector: not found")
)

// DimensionMismatchError reports a vector whose length does not match the
// store's configured dimensionality.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector: dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
