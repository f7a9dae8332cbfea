package model

import "errors"

// Error taxonomy. Wrap with fmt.Errorf("%w: %w", ErrX, err) and test with errors.Is.
var (
	ErrStoreOpen      = errors.New("store open failure")
	ErrMigration      = errors.New("migration failure")
	ErrTransaction    = errors.New("transaction failure")
	ErrMirrorIO       = errors.New("mirror io failure")
	ErrMirrorParse    = errors.New("mirror parse failure")
	ErrLearningParse  = errors.New("learning parse failure")
	ErrConfiguration  = errors.New("configuration error")
	ErrRetentionPrune = errors.New("retention prune failure")
)

// IsFatal reports whether err must surface to the user as a failure.
// Everything else degrades with logging only.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStoreOpen) ||
		errors.Is(err, ErrMigration) ||
		errors.Is(err, ErrConfiguration)
}
