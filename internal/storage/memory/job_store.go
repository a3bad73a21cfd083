package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]pipeline.Job
	now  func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]pipeline.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob applies a status transition. Jobs already in a terminal state are
// left untouched so a late worker result cannot overwrite a cancellation.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, update pipeline.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%s: %w", jobID, pipeline.ErrJobNotFound)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = update.Status
	job.ErrorKind = update.ErrorKind
	job.ErrorText = update.ErrorText
	if update.ModelTag != "" {
		job.ModelTag = update.ModelTag
	}
	now := s.now()
	if update.Status == pipeline.JobStatusRunning && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if update.Status.IsTerminal() {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.Job{}, fmt.Errorf("%s: %w", jobID, pipeline.ErrJobNotFound)
	}
	return job, nil
}

// ListJobs returns all jobs ordered by submission time.
func (s *JobStore) ListJobs(_ context.Context) ([]pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID < out[j].ID
		}
		return out[i].Submitted.Before(out[j].Submitted)
	})
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
