package avatarstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory [Store]. It backs configs without a database and
// serves as a test double.
type MemStore struct {
	mu   sync.RWMutex
	defs map[string]Definition
	now  func() time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{defs: make(map[string]Definition), now: time.Now}
}

// Create implements [Store].
func (s *MemStore) Create(_ context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[def.ID]; ok {
		return fmt.Errorf("%w: %q", ErrExists, def.ID)
	}
	now := s.now().UTC()
	def.CreatedAt, def.UpdatedAt = now, now
	s.defs[def.ID] = clone(*def)
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	c := clone(d)
	return &c, nil
}

// Update implements [Store].
func (s *MemStore) Update(_ context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.defs[def.ID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, def.ID)
	}
	def.CreatedAt = old.CreatedAt
	def.UpdatedAt = s.now().UTC()
	s.defs[def.ID] = clone(*def)
	return nil
}

// Delete implements [Store].
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, id)
	return nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, sceneID string) ([]Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Definition
	for _, d := range s.defs {
		if sceneID == "" || d.SceneID == sceneID {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Upsert implements [Store].
func (s *MemStore) Upsert(_ context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	def.CreatedAt = now
	if old, ok := s.defs[def.ID]; ok {
		def.CreatedAt = old.CreatedAt
	}
	def.UpdatedAt = now
	s.defs[def.ID] = clone(*def)
	return nil
}

func clone(d Definition) Definition {
	d.Clips = slices.Clone(d.Clips)
	d.IdleVariants = slices.Clone(d.IdleVariants)
	d.Attributes = maps.Clone(d.Attributes)
	return d
}
