package watcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vipul43/gitsync-worker/internal/clock"
	"github.com/vipul43/gitsync-worker/internal/models"
	"github.com/vipul43/gitsync-worker/internal/repository"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// memStore is an in-memory change set store with the same conditional-update
// semantics as the gorm repository
type memStore struct {
	mu    sync.Mutex
	clock clock.Clock
	sets  map[string]*models.ChangeSet
	order []string

	listErr error
}

func newMemStore(clk clock.Clock) *memStore {
	return &memStore{clock: clk, sets: make(map[string]*models.ChangeSet)}
}

func (s *memStore) add(cs models.ChangeSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if cs.Status == "" {
		cs.Status = models.ChangeSetStatusQueued
	}
	if cs.QueuedOn.IsZero() {
		cs.QueuedOn = now
	}
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	if cs.UpdatedAt.IsZero() {
		cs.UpdatedAt = now
	}
	s.sets[cs.ID] = &cs
	s.order = append(s.order, cs.ID)
}

func (s *memStore) Create(ctx context.Context, cs *models.ChangeSet) error {
	if cs.ID == "" {
		s.mu.Lock()
		cs.ID = fmt.Sprintf("cs-%d", len(s.order)+1)
		s.mu.Unlock()
	}
	s.add(*cs)
	return nil
}

func (s *memStore) get(id string) models.ChangeSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sets[id]
}

func (s *memStore) ListAccountsWithStatus(ctx context.Context, status models.ChangeSetStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	seen := map[string]bool{}
	var accounts []string
	for _, id := range s.order {
		cs := s.sets[id]
		if cs.Status == status && !seen[cs.AccountID] {
			seen[cs.AccountID] = true
			accounts = append(accounts, cs.AccountID)
		}
	}
	return accounts, nil
}

func (s *memStore) ClaimForSync(ctx context.Context, ids []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if cs, ok := s.sets[id]; !ok || cs.Status != models.ChangeSetStatusQueued {
			return false, nil
		}
	}
	for _, id := range ids {
		s.setStatus(s.sets[id], models.ChangeSetStatusRunning, "")
	}
	return true, nil
}

func (s *memStore) TransitionStatus(ctx context.Context, ids []string, from, to models.ChangeSetStatus, reason string) (int64, error) {
	if !models.CanTransition(from, to) {
		return 0, fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if cs, ok := s.sets[id]; ok && cs.Status == from {
			s.setStatus(cs, to, reason)
			n++
		}
	}
	return n, nil
}

func (s *memStore) FetchQueuedChangeSets(ctx context.Context, accountID string, limit int) ([]models.ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ChangeSet
	for _, id := range s.order {
		cs := s.sets[id]
		if cs.AccountID == accountID && cs.Status == models.ChangeSetStatusQueued {
			out = append(out, *cs)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueuedOn.Before(out[j].QueuedOn) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListStuckRunning(ctx context.Context, accountIDs []string, olderThan time.Time) ([]repository.StuckChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := map[string]bool{}
	for _, a := range accountIDs {
		in[a] = true
	}
	var stuck []repository.StuckChangeSet
	for _, id := range s.order {
		cs := s.sets[id]
		if cs.Status == models.ChangeSetStatusRunning && in[cs.AccountID] && cs.UpdatedAt.Before(olderThan) {
			stuck = append(stuck, repository.StuckChangeSet{ID: cs.ID, AccountID: cs.AccountID})
		}
	}
	return stuck, nil
}

func (s *memStore) SkipQueuedOlderThan(ctx context.Context, olderThan time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range s.order {
		cs := s.sets[id]
		if cs.Status == models.ChangeSetStatusQueued && cs.CreatedAt.Before(olderThan) {
			s.setStatus(cs, models.ChangeSetStatusSkipped, reason)
			n++
		}
	}
	return n, nil
}

func (s *memStore) setStatus(cs *models.ChangeSet, status models.ChangeSetStatus, reason string) {
	cs.Status = status
	cs.StatusReason = nil
	if reason != "" {
		cs.StatusReason = &reason
	}
	cs.UpdatedAt = s.clock.Now()
}
