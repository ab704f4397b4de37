package avatarstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound is returned by Get and Update for an unknown avatar ID.
	ErrNotFound = errors.New("avatarstore: avatar not found")

	// ErrExists is returned by Create when the avatar ID is already taken.
	ErrExists = errors.New("avatarstore: avatar already exists")
)

// Store provides CRUD operations for avatar definitions.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new definition. The definition is validated before
	// insertion. Returns an error wrapping [ErrExists] if the ID is taken.
	Create(ctx context.Context, def *Definition) error

	// Get retrieves a definition by ID. Returns an error wrapping
	// [ErrNotFound] if there is none.
	Get(ctx context.Context, id string) (*Definition, error)

	// Update replaces an existing definition. Returns an error wrapping
	// [ErrNotFound] if there is none.
	Update(ctx context.Context, def *Definition) error

	// Delete removes a definition by ID. Deleting a non-existent avatar is
	// not an error.
	Delete(ctx context.Context, id string) error

	// List returns all definitions, optionally filtered by scene ID, ordered
	// by ID. An empty sceneID returns all definitions.
	List(ctx context.Context, sceneID string) ([]Definition, error)

	// Upsert creates or replaces a definition.
	Upsert(ctx context.Context, def *Definition) error
}

// Import upserts defs into s with at most concurrency writes in flight. The
// first failure cancels the remaining writes and is returned.
func Import(ctx context.Context, s Store, defs []Definition, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	for i := range defs {
		if err := defs[i].Validate(); err != nil {
			return err
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range defs {
		def := &defs[i]
		g.Go(func() error {
			if err := s.Upsert(ctx, def); err != nil {
				return fmt.Errorf("avatarstore: import %q: %w", def.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// encoded holds the JSON column values of a definition.
type encoded struct {
	spawn, clips, actions, idleVariants, attributes []byte
}

func encode(def *Definition) (encoded, error) {
	var (
		e   encoded
		err error
	)
	if e.spawn, err = json.Marshal(def.Spawn); err != nil {
		return e, fmt.Errorf("avatarstore: marshal spawn: %w", err)
	}
	if e.clips, err = json.Marshal(emptySlice(def.Clips)); err != nil {
		return e, fmt.Errorf("avatarstore: marshal clips: %w", err)
	}
	if e.actions, err = json.Marshal(def.Actions); err != nil {
		return e, fmt.Errorf("avatarstore: marshal actions: %w", err)
	}
	if e.idleVariants, err = json.Marshal(emptySlice(def.IdleVariants)); err != nil {
		return e, fmt.Errorf("avatarstore: marshal idle_variants: %w", err)
	}
	if e.attributes, err = json.Marshal(emptyMap(def.Attributes)); err != nil {
		return e, fmt.Errorf("avatarstore: marshal attributes: %w", err)
	}
	return e, nil
}

func (e encoded) decode(def *Definition) error {
	if err := json.Unmarshal(e.spawn, &def.Spawn); err != nil {
		return fmt.Errorf("avatarstore: unmarshal spawn: %w", err)
	}
	if err := json.Unmarshal(e.clips, &def.Clips); err != nil {
		return fmt.Errorf("avatarstore: unmarshal clips: %w", err)
	}
	if err := json.Unmarshal(e.actions, &def.Actions); err != nil {
		return fmt.Errorf("avatarstore: unmarshal actions: %w", err)
	}
	if err := json.Unmarshal(e.idleVariants, &def.IdleVariants); err != nil {
		return fmt.Errorf("avatarstore: unmarshal idle_variants: %w", err)
	}
	if err := json.Unmarshal(e.attributes, &def.Attributes); err != nil {
		return fmt.Errorf("avatarstore: unmarshal attributes: %w", err)
	}
	return nil
}

// defaultArchetype returns the archetype column value.
func defaultArchetype(d *Definition) string {
	if d.Archetype == "" {
		return "wander"
	}
	return string(d.Archetype)
}

// emptySlice returns s if non-nil, otherwise an empty non-nil slice, so that
// JSON marshalling produces "[]" instead of "null".
func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// emptyMap returns m if non-nil, otherwise an empty non-nil map.
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
