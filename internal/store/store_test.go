package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/ashokvn/mlpipe/internal/store"
	"github.com/ashokvn/mlpipe/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mlpipe_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newTestJob(pipeline string) *models.Job {
	return &models.Job{
		ID:           uuid.New(),
		PipelineName: pipeline,
		Parameters:   models.Params{"data_loading": map[string]any{"filepath": "data/raw/users.csv"}},
		Status:       models.StatusPending,
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
}

// --- Job Tests ---

func TestJob_InsertAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("data_loading")
	require.NoError(t, s.InsertJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "data_loading", got.PipelineName)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.ExecutionTime)
}

func TestJob_InsertDuplicateID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("data_loading")
	require.NoError(t, s.InsertJob(ctx, job))

	err := s.InsertJob(ctx, job)
	assert.ErrorIs(t, err, store.ErrDuplicateID)
}

func TestJob_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_FullLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("model_training")
	require.NoError(t, s.InsertJob(ctx, job))

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusRunning))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.False(t, got.StartedAt.Before(got.CreatedAt))

	result := models.Params{"rows": float64(100)}
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusCompleted,
		store.WithResult(result)))

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, result, got.Result)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ExecutionTime)
	assert.GreaterOrEqual(t, *got.ExecutionTime, 0.0)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))
}

func TestJob_FailedWithErrorMessage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("data_cleaning")
	require.NoError(t, s.InsertJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusRunning))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusFailed,
		store.WithErrorMessage("execution timed out")))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "execution timed out", *got.ErrorMessage)
	assert.Nil(t, got.Result)
}

func TestJob_EmptyResultIsExplicit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("data_validation")
	require.NoError(t, s.InsertJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusRunning))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusCompleted,
		store.WithResult(nil)))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	// A pipeline that produced nothing still gets an explicit empty object.
	assert.NotNil(t, got.Result)
	assert.Empty(t, got.Result)
}

func TestJob_InvalidTransitions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("ensemble")
	require.NoError(t, s.InsertJob(ctx, job))

	// pending -> completed skips running
	err := s.UpdateJobStatus(ctx, job.ID, models.StatusCompleted)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	// cancel a running job
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusRunning))
	err = s.UpdateJobStatus(ctx, job.ID, models.StatusCancelled)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	// no transition out of a terminal state
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusFailed,
		store.WithErrorMessage("boom")))
	err = s.UpdateJobStatus(ctx, job.ID, models.StatusRunning)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestJob_UpdateStatusNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.UpdateJobStatus(context.Background(), uuid.New(), models.StatusRunning)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_CancelPending(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("data_loading")
	require.NoError(t, s.InsertJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusCancelled))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	// never started, so no execution time
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ExecutionTime)
}

func TestJob_ListFilterAndPagination(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		job := newTestJob("data_loading")
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.InsertJob(ctx, job))
		ids = append(ids, job.ID)
	}
	other := newTestJob("model_training")
	other.CreatedAt = base.Add(10 * time.Second)
	require.NoError(t, s.InsertJob(ctx, other))

	// newest first
	jobs, total, err := s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	require.Len(t, jobs, 6)
	assert.Equal(t, other.ID, jobs[0].ID)
	assert.Equal(t, ids[4], jobs[1].ID)

	// pipeline filter
	jobs, total, err = s.ListJobs(ctx, store.JobFilter{PipelineName: "model_training"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, other.ID, jobs[0].ID)

	// stable pagination
	page1, _, err := s.ListJobs(ctx, store.JobFilter{Limit: 2, Offset: 0})
	require.NoError(t, err)
	page2, _, err := s.ListJobs(ctx, store.JobFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.Len(t, page2, 2)
	assert.NotEqual(t, page1[1].ID, page2[0].ID)

	// status filter
	require.NoError(t, s.UpdateJobStatus(ctx, ids[0], models.StatusRunning))
	jobs, total, err = s.ListJobs(ctx, store.JobFilter{Status: models.StatusRunning})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, ids[0], jobs[0].ID)
}

func TestJob_ListByStatusAndStats(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	running := newTestJob("data_loading")
	require.NoError(t, s.InsertJob(ctx, running))
	require.NoError(t, s.UpdateJobStatus(ctx, running.ID, models.StatusRunning))

	pending := newTestJob("data_loading")
	require.NoError(t, s.InsertJob(ctx, pending))

	cancelled := newTestJob("data_cleaning")
	require.NoError(t, s.InsertJob(ctx, cancelled))
	require.NoError(t, s.UpdateJobStatus(ctx, cancelled.ID, models.StatusCancelled))

	jobs, err := s.ListJobsByStatus(ctx, models.StatusRunning)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, running.ID, jobs[0].ID)

	stats, err := s.JobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 0, stats.Completed)
	assert.Equal(t, 3, stats.Total())
}

// --- API Key Tests ---

func TestAPIKey_CreateGetRevoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      "ci-key",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "mp_abcd1",
		Scopes:    []string{models.ScopeRead, models.ScopeSubmit},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	count, err := s.CountAPIKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	keys, err := s.GetAPIKeyByPrefix(ctx, "mp_abcd1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "ci-key", keys[0].Name)
	assert.Equal(t, []string{models.ScopeRead, models.ScopeSubmit}, keys[0].Scopes)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))

	keys, err = s.GetAPIKeyByPrefix(ctx, "mp_abcd1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	err = s.RevokeAPIKey(ctx, key.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
