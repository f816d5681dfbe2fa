package types

import (
	"time"

	"github.com/google/uuid"
)

// Entity is a canonical vehicle record. Each real-world car variant has
// exactly one canonical ID; the primary slug and any number of alias slugs
// all resolve to it. Joins always use CanonicalID, never a slug.
type Entity struct {
	CanonicalID uuid.UUID `json:"canonical_id"` // Stable opaque identifier
	Slug        string    `json:"slug"`         // Primary human-readable slug (e.g. porsche-911-gt3-992)
	Name        string    `json:"name"`         // Display name (e.g. Porsche 911 GT3 (992))
	Make        string    `json:"make,omitempty"`
	Model       string    `json:"model,omitempty"`
	Generation  string    `json:"generation,omitempty"`
	Years       string    `json:"years,omitempty"` // Production years, free-form (e.g. 2021-2024)

	// Aliases are historical or alternate slugs. Each alias maps to exactly
	// one canonical ID; the resolver enforces that invariant on registration.
	Aliases []string `json:"aliases,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
