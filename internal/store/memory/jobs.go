package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mockforge/engine/internal/jobs"
)

// JobStore is an in-memory jobs.Store. Safe for concurrent use.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]jobs.Job
	// order preserves creation order for deterministic listings
	order []string
}

// NewJobStore creates an empty store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]jobs.Job)}
}

func (s *JobStore) Create(ctx context.Context, j *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = *j
	s.order = append(s.order, j.ID)
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	cp := j
	return &cp, nil
}

func (s *JobStore) Update(ctx context.Context, j *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; !ok {
		return jobs.ErrJobNotFound
	}
	s.jobs[j.ID] = *j
	return nil
}

func (s *JobStore) ListExpired(ctx context.Context, now time.Time) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*jobs.Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status == jobs.StatusProcessing && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			cp := j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *JobStore) ListByAccount(ctx context.Context, accountID string, status jobs.Status) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*jobs.Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.AccountID != accountID {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		cp := j
		out = append(out, &cp)
	}
	return out, nil
}
