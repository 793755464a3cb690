package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashokvn/mlpipe/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local development. It
// enforces the same status state machine as PostgresStore. Safe for
// concurrent use; records are copied on the way in and out so callers never
// share mutable state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*models.Job
	keys map[uuid.UUID]*models.APIKey
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*models.Job),
		keys: make(map[uuid.UUID]*models.APIKey),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func copyJob(j *models.Job) *models.Job {
	copied := *j
	return &copied
}

func (s *MemoryStore) InsertJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateID
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status models.Status, opts ...JobUpdateOption) error {
	update := ResolveJobUpdate(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !models.CanTransition(job.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, status)
	}

	now := time.Now().UTC()
	if update.At != nil {
		now = update.At.UTC()
	}

	job.Status = status
	switch status {
	case models.StatusRunning:
		job.StartedAt = &now
	case models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		job.CompletedAt = &now
		if job.StartedAt != nil {
			secs := now.Sub(*job.StartedAt).Seconds()
			job.ExecutionTime = &secs
		}
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = update.ErrorMessage
	}
	if update.Result != nil {
		job.Result = update.Result
	}
	return nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Job
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.PipelineName != "" && job.PipelineName != filter.PipelineName {
			continue
		}
		matched = append(matched, job)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return strings.Compare(matched[i].ID.String(), matched[j].ID.String()) > 0
	})

	total := len(matched)

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]*models.Job, 0, end-offset)
	for _, job := range matched[offset:end] {
		page = append(page, copyJob(job))
	}
	return page, total, nil
}

func (s *MemoryStore) ListJobsByStatus(_ context.Context, status models.Status) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Job
	for _, job := range s.jobs {
		if job.Status == status {
			matched = append(matched, copyJob(job))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

func (s *MemoryStore) JobStats(_ context.Context) (*models.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.JobStats{}
	for _, job := range s.jobs {
		switch job.Status {
		case models.StatusPending:
			stats.Pending++
		case models.StatusRunning:
			stats.Running++
		case models.StatusCompleted:
			stats.Completed++
		case models.StatusFailed:
			stats.Failed++
		case models.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func copyKey(k *models.APIKey) *models.APIKey {
	copied := *k
	return &copied
}

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.APIKey
	for _, key := range s.keys {
		if key.KeyPrefix == prefix && key.DeletedAt == nil {
			matched = append(matched, copyKey(key))
		}
	}
	return matched, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	key.LastUsedAt = &now
	key.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateID
	}
	s.keys[key.ID] = copyKey(key)
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []*models.APIKey
	for _, key := range s.keys {
		if key.DeletedAt == nil {
			keys = append(keys, copyKey(key))
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok || key.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	key.DeletedAt = &now
	key.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CountAPIKeys(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, key := range s.keys {
		if key.DeletedAt == nil {
			count++
		}
	}
	return count, nil
}
