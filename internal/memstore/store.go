// Package memstore is an in-process battle store used as a test double for
// the Redis store. State lives in one process and is lost on exit, so the
// server never wires it; every deployment, single node or not, runs on
// Redis.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pk-battle/internal/domain"
)

// Store keeps battles in memory. Each Update runs under the store mutex, so
// updates are serialized per store.
type Store struct {
	mu      sync.Mutex
	battles map[string]*domain.Battle
	busy    map[string]string // user id -> pending or active battle id
}

// New creates an empty store
func New() *Store {
	return &Store{
		battles: make(map[string]*domain.Battle),
		busy:    make(map[string]string),
	}
}

// Create stores a new pending battle. It fails with ErrUserBusy when either
// participant is already in a pending or active battle.
func (s *Store) Create(_ context.Context, b *domain.Battle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range b.Participants() {
		if _, ok := s.busy[u]; ok {
			return domain.ErrUserBusy
		}
	}
	if _, ok := s.battles[b.ID]; ok {
		return domain.ErrConflict
	}

	c := b.Clone()
	c.Version = 1
	s.battles[b.ID] = c
	for _, u := range b.Participants() {
		s.busy[u] = b.ID
	}
	b.Version = c.Version
	return nil
}

// Get returns a copy of a battle
func (s *Store) Get(_ context.Context, id string) (*domain.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.battles[id]
	if !ok {
		return nil, domain.ErrBattleNotFound
	}
	return b.Clone(), nil
}

// Update applies fn to a copy of the battle and stores the result
func (s *Store) Update(_ context.Context, id string, fn func(*domain.Battle) error) (*domain.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.battles[id]
	if !ok {
		return nil, domain.ErrBattleNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	s.battles[id] = next

	if next.Status.IsTerminal() {
		for _, u := range next.Participants() {
			if s.busy[u] == id {
				delete(s.busy, u)
			}
		}
	}
	return next.Clone(), nil
}

// ListActive returns active battles ordered by end time
func (s *Store) ListActive(_ context.Context, limit int) ([]*domain.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*domain.Battle
	for _, b := range s.battles {
		if b.Status == domain.StatusActive {
			active = append(active, b.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].EndTime.Before(*active[j].EndTime)
	})
	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}
	return active, nil
}

// ExpiredActive returns ids of active battles whose end time is not after now
func (s *Store) ExpiredActive(_ context.Context, now time.Time, limit int) ([]string, error) {
	return s.collect(limit, func(b *domain.Battle) bool {
		return b.Expired(now)
	}), nil
}

// ExpiredPending returns ids of pending battles whose challenge window closed
func (s *Store) ExpiredPending(_ context.Context, now time.Time, limit int) ([]string, error) {
	return s.collect(limit, func(b *domain.Battle) bool {
		return b.Status == domain.StatusPending && !now.Before(b.ChallengeExpiresAt)
	}), nil
}

func (s *Store) collect(limit int, match func(*domain.Battle) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, b := range s.battles {
		if match(b) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}
