// Package resolver maps free-text and slug references onto canonical
// entity IDs, and maintains the alias table.
//
// Resolution is deliberately two-tier: an exact slug/alias match is the
// primary, fast, deterministic path; normalized matching is the fallback
// and surfaces ties as an explicit Ambiguous result instead of guessing
// behind a confidence threshold. That keeps every resolution auditable.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/autorev/paddock/internal/storage"
)

var (
	// ErrUnknownEntity indicates no slug or alias matched the reference.
	ErrUnknownEntity = errors.New("unknown entity reference")

	// ErrConflictingAlias indicates an alias registration would bind a slug
	// already bound to a different canonical ID.
	ErrConflictingAlias = storage.ErrAliasConflict
)

// AmbiguousEntityError is returned when normalized matching finds more
// than one equally good candidate. The caller must disambiguate (e.g. by
// year or trim context); the resolver never auto-picks.
type AmbiguousEntityError struct {
	Query      string
	Candidates []string // Matching slugs, sorted
}

func (e *AmbiguousEntityError) Error() string {
	return fmt.Sprintf("resolver: %q is ambiguous between %s", e.Query, strings.Join(e.Candidates, ", "))
}

// Resolver translates external references to canonical IDs and back.
type Resolver struct {
	entities storage.EntityStore
}

// New creates a Resolver over the given entity store.
func New(entities storage.EntityStore) *Resolver {
	return &Resolver{entities: entities}
}

// Resolve maps a slug or free-text name onto a canonical entity ID.
// Returns ErrUnknownEntity when nothing matches and *AmbiguousEntityError
// when multiple candidates tie.
func (r *Resolver) Resolve(ctx context.Context, text string) (uuid.UUID, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return uuid.Nil, fmt.Errorf("resolver: empty reference: %w", ErrUnknownEntity)
	}

	// Exact slug or alias match wins outright.
	if entity, err := r.entities.GetEntityBySlug(ctx, text); err == nil {
		return entity.CanonicalID, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("resolver: lookup failed: %w", err)
	}

	// Normalized fallback across all known slugs and aliases.
	bindings, err := r.entities.ListSlugBindings(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolver: failed to list bindings: %w", err)
	}

	norm := Normalize(text)
	matches := make(map[string][]string) // canonical id -> matching slugs
	for _, b := range bindings {
		if Normalize(b.Slug) == norm {
			matches[b.CanonicalID] = append(matches[b.CanonicalID], b.Slug)
		}
	}

	switch len(matches) {
	case 0:
		return uuid.Nil, fmt.Errorf("resolver: no match for %q: %w", text, ErrUnknownEntity)
	case 1:
		for idStr := range matches {
			id, err := uuid.Parse(idStr)
			if err != nil {
				return uuid.Nil, fmt.Errorf("resolver: invalid canonical id %q: %w", idStr, err)
			}
			return id, nil
		}
	}

	var candidates []string
	for _, slugs := range matches {
		candidates = append(candidates, slugs...)
	}
	sort.Strings(candidates)
	return uuid.Nil, &AmbiguousEntityError{Query: text, Candidates: candidates}
}

// RegisterAlias binds an alias slug to a canonical ID. Idempotent for
// repeated identical registrations. Returns ErrConflictingAlias when the
// slug is already bound to a different canonical ID, and ErrUnknownEntity
// when the canonical ID doesn't exist.
func (r *Resolver) RegisterAlias(ctx context.Context, id uuid.UUID, slug string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return fmt.Errorf("resolver: empty alias: %w", storage.ErrInvalidInput)
	}

	if _, err := r.entities.GetEntity(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("resolver: canonical id %s: %w", id, ErrUnknownEntity)
		}
		return fmt.Errorf("resolver: entity lookup failed: %w", err)
	}

	if err := r.entities.InsertAlias(ctx, id, slug); err != nil {
		return fmt.Errorf("resolver: register alias %q: %w", slug, err)
	}

	return nil
}

// Normalize canonicalizes a reference for fuzzy matching: lowercase, with
// every run of non-alphanumeric characters collapsed to a single hyphen.
// "Porsche 911 GT3 (992)" and "porsche-911-gt3-992" normalize equal.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastHyphen := true // Suppress leading hyphen
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}

	return strings.TrimSuffix(b.String(), "-")
}
