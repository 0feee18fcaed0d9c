package recognition

import "github.com/kozaktomas/face-tracker/internal/database"

// Error conditions surfaced by the engine; test with errors.Is.
var (
	ErrInvalidInput     = database.ErrInvalidInput
	ErrStoreUnavailable = database.ErrStoreUnavailable
	ErrNotFound         = database.ErrNotFound
)
