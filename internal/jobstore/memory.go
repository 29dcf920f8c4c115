package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/logging"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// MemoryStore keeps jobs in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
	hook terminalHook
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(releaser Releaser, logger *logging.Logger) *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		hook: terminalHook{releaser: releaser, logger: logger},
		now:  time.Now,
	}
}

// Create stores a new queued job
func (s *MemoryStore) Create(ctx context.Context, job *models.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return "", fmt.Errorf("job %s already exists", job.ID)
	}

	now := s.now().UTC()
	job.Status = models.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	s.jobs[job.ID] = job.Clone()
	return job.ID, nil
}

// Get returns a copy of the job
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return job.Clone(), nil
}

// Transition applies a compare-and-swap state change
func (s *MemoryStore) Transition(ctx context.Context, id string, from, to models.JobStatus, update Update) (*models.Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, models.ErrNotFound
	}
	if job.Status != from || !models.CanTransition(from, to) {
		terr := &models.TransitionError{JobID: id, From: from, To: to, Actual: job.Status}
		s.mu.Unlock()
		s.hook.rejected(terr)
		return nil, terr
	}

	apply(job, to, update, s.now().UTC())
	updated := job.Clone()
	s.mu.Unlock()

	s.hook.after(ctx, updated)
	return updated, nil
}

// Heartbeat refreshes a running job's updated_at
func (s *MemoryStore) Heartbeat(ctx context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.ErrNotFound
	}
	if job.Status != models.JobStatusRunning || job.WorkerID != workerID {
		return models.ErrLeaseLost
	}
	job.UpdatedAt = s.now().UTC()
	return nil
}

// ListStale returns jobs in status not updated since olderThan, oldest first
func (s *MemoryStore) ListStale(ctx context.Context, status models.JobStatus, olderThan time.Time) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*models.Job
	for _, job := range s.jobs {
		if job.Status == status && job.UpdatedAt.Before(olderThan) {
			stale = append(stale, job.Clone())
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	return stale, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
