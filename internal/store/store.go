package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashokvn/mlpipe/pkg/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("resource not found")
	// ErrDuplicateID is returned when inserting a job whose id already exists.
	ErrDuplicateID = errors.New("duplicate job id")
	// ErrInvalidTransition is returned when a status update is not reachable
	// from the job's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the data access interface. All database operations go through here.
// Implementations must be safe for concurrent use; each job record is updated
// with a single atomic statement so unrelated jobs never serialize on a
// shared lock.
type Store interface {
	Ping(ctx context.Context) error

	InsertJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.Status, opts ...JobUpdateOption) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	ListJobsByStatus(ctx context.Context, status models.Status) ([]*models.Job, error)
	JobStats(ctx context.Context) (*models.JobStats, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
	CountAPIKeys(ctx context.Context) (int, error)
}

// JobFilter narrows ListJobs. Zero values mean "no constraint"; pagination is
// normalized by the implementation.
type JobFilter struct {
	Status       models.Status
	PipelineName string
	Limit        int
	Offset       int
}

// JobUpdate is the resolved set of optional fields accompanying a status
// update. Store implementations apply the options to obtain one.
type JobUpdate struct {
	ErrorMessage *string
	Result       models.Params
	At           *time.Time
}

// JobUpdateOption attaches optional fields to a status update so the write
// stays a single atomic statement.
type JobUpdateOption func(*JobUpdate)

// ResolveJobUpdate applies opts and returns the resolved fields.
func ResolveJobUpdate(opts []JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

// WithErrorMessage records the failure description on a failed transition.
func WithErrorMessage(msg string) JobUpdateOption {
	return func(u *JobUpdate) {
		u.ErrorMessage = &msg
	}
}

// WithResult records the pipeline output on a completed transition. An empty
// (non-nil) map is persisted as an explicit empty JSON object.
func WithResult(result models.Params) JobUpdateOption {
	return func(u *JobUpdate) {
		if result == nil {
			result = models.Params{}
		}
		u.Result = result
	}
}

// WithTimestamp overrides the transition time (defaults to now). Used by
// tests to pin timestamps.
func WithTimestamp(at time.Time) JobUpdateOption {
	return func(u *JobUpdate) {
		u.At = &at
	}
}
