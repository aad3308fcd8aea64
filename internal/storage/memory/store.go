// Package memory is an in-process session store for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"clinscribe/internal/models"
	"clinscribe/internal/schema"
	"clinscribe/internal/storage"
)

// Store keeps deep copies of sessions in a map.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session
	validator *schema.Validator
	now       func() time.Time
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		sessions:  make(map[string]*models.Session),
		validator: schema.New(),
		now:       time.Now,
	}
}

func (s *Store) Save(ctx context.Context, sess *models.Session) error {
	if err := s.validator.Validate(sess); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id].Clone(), nil
}

func (s *Store) Update(ctx context.Context, id string, p models.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, storage.ErrNotFound)
	}
	next := cur.Clone()
	p.Apply(next)
	next.UpdatedAt = s.now()
	if err := s.validator.Validate(next); err != nil {
		return err
	}
	s.sessions[id] = next
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, storage.ErrNotFound)
	}
	delete(s.sessions, id)
	return nil
}

func (s *Store) List(ctx context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Close() error { return nil }
