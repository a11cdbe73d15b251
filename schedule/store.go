package schedule

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrJobNotFound is returned for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// JobStore is the durable job collection. Claim is the critical operation: it
// must atomically select due jobs and mark them running in one step so two
// concurrent ticks can never dispatch the same job.
type JobStore interface {
	// Put inserts or replaces a job.
	Put(job Job) error
	// Get returns the job with the given ID.
	Get(id string) (Job, error)
	// List returns all jobs.
	List() ([]Job, error)
	// Delete removes a job.
	Delete(id string) error
	// Claim atomically selects jobs where enabled && !running && nextRun <= now,
	// marks them running, and returns them. Jobs it returns are owned by the
	// caller until Complete.
	Claim(now time.Time) ([]Job, error)
	// Complete clears the running flag, records lastRun, advances nextRun and
	// optionally disables the job (one-shot specs).
	Complete(id string, lastRun, nextRun time.Time, disable bool) error
	// ResetRunning clears stale running flags, typically at startup after an
	// unclean shutdown.
	ResetRunning() error
}

// MemoryJobStore is the in-memory JobStore used by default and in tests.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

// NewMemoryJobStore creates an empty in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]Job)}
}

// Put inserts or replaces a job after validation.
func (s *MemoryJobStore) Put(job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// Get returns the job with the given ID.
func (s *MemoryJobStore) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("get %s: %w", id, ErrJobNotFound)
	}
	return job, nil
}

// List returns all jobs in arbitrary order.
func (s *MemoryJobStore) List() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out, nil
}

// Delete removes a job.
func (s *MemoryJobStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrJobNotFound)
	}
	delete(s.jobs, id)
	return nil
}

// Claim selects due jobs and marks them running under one lock acquisition.
func (s *MemoryJobStore) Claim(now time.Time) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []Job
	for id, job := range s.jobs {
		if job.Enabled && !job.Running && !job.NextRun.After(now) {
			job.Running = true
			s.jobs[id] = job
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

// Complete finishes a claimed job.
func (s *MemoryJobStore) Complete(id string, lastRun, nextRun time.Time, disable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("complete %s: %w", id, ErrJobNotFound)
	}
	job.Running = false
	job.LastRun = lastRun
	job.NextRun = nextRun
	if disable {
		job.Enabled = false
	}
	s.jobs[id] = job
	return nil
}

// ResetRunning clears every running flag.
func (s *MemoryJobStore) ResetRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, job := range s.jobs {
		if job.Running {
			job.Running = false
			s.jobs[id] = job
		}
	}
	return nil
}
