package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/cutout/internal/domain"
)

// MemoryJobStore keeps jobs and usage logs in process memory. It backs
// single-node deployments and tests.
type MemoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[string]domain.Job
	removals []domain.Removal
	now   func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id, status string) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = status
	})
}

func (s *MemoryJobStore) Complete(_ context.Context, id string, result domain.JobResult) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = domain.JobStatusSucceeded
		job.ResultKey = result.ResultKey
		job.Width = result.Width
		job.Height = result.Height
		job.Strategy = result.Strategy
		job.Error = ""
	})
}

func (s *MemoryJobStore) Fail(_ context.Context, id, reason string) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = domain.JobStatusFailed
		job.Error = reason
	})
}

func (s *MemoryJobStore) update(id string, apply func(*domain.Job)) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	apply(&job)
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return job, nil
}

func (s *MemoryJobStore) RecordRemoval(_ context.Context, removal domain.Removal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removals = append(s.removals, removal)
	return nil
}

// Removals returns a copy of every recorded removal, oldest first.
func (s *MemoryJobStore) Removals() []domain.Removal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Removal(nil), s.removals...)
}
