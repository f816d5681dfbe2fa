package storage

import "errors"

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAliasConflict indicates an alias registration would bind a slug that
	// is already bound to a different canonical ID. Alias bindings are
	// many-to-one and never silently overwritten.
	ErrAliasConflict = errors.New("alias already bound to a different canonical id")
)

// SlugBinding is one slug (primary or alias) with its canonical ID, as
// returned by ListSlugBindings for resolver matching.
type SlugBinding struct {
	Slug        string
	CanonicalID string // uuid string form
	IsAlias     bool
}
