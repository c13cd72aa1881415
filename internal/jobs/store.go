// Package jobs tracks in-flight and completed render jobs.
//
// The Store is the process-wide registry the serving layer polls and the
// orchestrator mutates. It is an explicitly constructed, lifecycle-managed
// value rather than an ambient singleton, so tests build isolated
// instances. Completed clips are additionally persisted to a small bbolt
// history database so they survive restarts.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"jclipper/internal/output"
	"jclipper/internal/planner"
)

// State is a render job's position in its lifecycle.
type State string

const (
	StatePending          State = "pending"
	StateRenderingPreview State = "rendering_preview"
	StateRenderingFinal   State = "rendering_final"
	StateReady            State = "ready"
	StateFailed           State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// Job is the stateful execution unit tracking one render request.
type Job struct {
	ID          string              `json:"id"`
	Spec        *planner.RenderSpec `json:"spec"`
	State       State               `json:"state"`
	PreviewPath string              `json:"-"`
	FinalPath   string              `json:"-"`
	ErrorDetail string              `json:"error_detail,omitempty"`
	TimedOut    bool                `json:"timed_out,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`

	cancel context.CancelFunc
}

// ErrNotFound is returned for lookups of unknown or already evicted jobs.
var ErrNotFound = errors.New("job not found")

// Store is a concurrency-safe id to job registry with artifact-aware
// eviction.
type Store struct {
	outputs   *output.Manager
	logger    *slog.Logger
	retention time.Duration

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewStore creates an empty job registry. retention bounds how long an idle
// job keeps its entry and scratch artifacts.
func NewStore(outputs *output.Manager, retention time.Duration, logger *slog.Logger) *Store {
	return &Store{
		outputs:   outputs,
		logger:    logger,
		retention: retention,
		jobs:      make(map[string]*Job),
	}
}

// Add registers a new job in the Pending state.
func (s *Store) Add(id string, spec *planner.RenderSpec, cancel context.CancelFunc) *Job {
	now := time.Now()
	job := &Job{
		ID:        id,
		Spec:      spec,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		cancel:    cancel,
	}

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	return job
}

// Get returns a snapshot of the job. The copy keeps callers from racing the
// orchestrator's state transitions.
func (s *Store) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// List returns snapshots of every registered job.
func (s *Store) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

// SetState transitions a job. Transitions on evicted jobs are ignored; the
// render goroutine may lose a race with a cancel.
func (s *Store) SetState(id string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return
	}
	job.State = state
	job.UpdatedAt = time.Now()
}

// SetPreviewPath records the finished preview artifact.
func (s *Store) SetPreviewPath(id, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.PreviewPath = path
		job.UpdatedAt = time.Now()
	}
}

// SetFinalPath records the published final artifact.
func (s *Store) SetFinalPath(id, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.FinalPath = path
		job.UpdatedAt = time.Now()
	}
}

// Fail marks a job failed with the external tool's diagnostic output.
func (s *Store) Fail(id, detail string, timedOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.State = StateFailed
		job.ErrorDetail = detail
		job.TimedOut = timedOut
		job.UpdatedAt = time.Now()
	}
}

// Cancel terminates a job: its subprocess context is cancelled, its scratch
// artifacts are removed, and its entry is evicted. Subsequent lookups fail
// with ErrNotFound. Other jobs are unaffected.
func (s *Store) Cancel(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	if job.cancel != nil {
		job.cancel()
	}
	if err := s.outputs.CleanupJob(id); err != nil {
		s.logger.Error("Failed to clean up cancelled job", "job_id", id, "error", err)
	}

	s.logger.Info("Job cancelled", "job_id", id, "state", job.State)
	return nil
}

// RunRetentionSweep evicts idle jobs until the context is cancelled.
// Published finals are left alone; they belong to the history store.
func (s *Store) RunRetentionSweep(ctx context.Context) {
	if s.retention <= 0 {
		return
	}

	interval := s.retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep evicts every job idle past the retention window.
func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	var expired []*Job
	for id, job := range s.jobs {
		// In-flight jobs are never evicted out from under their renderer.
		if !job.State.Terminal() {
			continue
		}
		if job.UpdatedAt.Before(cutoff) {
			expired = append(expired, job)
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()

	for _, job := range expired {
		if job.cancel != nil {
			job.cancel()
		}
		if err := s.outputs.CleanupJob(job.ID); err != nil {
			s.logger.Error("Failed to clean up expired job", "job_id", job.ID, "error", err)
		}
		s.logger.Info("Evicted idle job", "job_id", job.ID, "state", job.State)
	}
}

// CancelAll terminates every job; used during shutdown.
func (s *Store) CancelAll() {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for id, job := range s.jobs {
		jobs = append(jobs, job)
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	for _, job := range jobs {
		if job.cancel != nil {
			job.cancel()
		}
	}
}
