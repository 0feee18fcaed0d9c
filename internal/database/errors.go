package database

import (
	"errors"
	"fmt"
)

// Error conditions shared by every vector store backend and the recognition core.
// Backends wrap the underlying cause with fmt.Errorf("...: %w", ErrX) so callers can
// branch with errors.Is while still seeing the original failure.
var (
	// ErrInvalidInput marks a malformed vector: wrong dimensionality, empty, NaN or Inf.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable marks a backing store that is unreachable or erroring.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrNotFound marks a reference to an identity or embedding that does not exist.
	ErrNotFound = errors.New("not found")
)

// Unavailable wraps a backend failure of operation op as ErrStoreUnavailable.
// Errors that already belong to the taxonomy pass through with context added.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
