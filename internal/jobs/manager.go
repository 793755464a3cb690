// Package jobs orchestrates the job lifecycle: submission, queuing, the
// worker pool that drains the dispatch queue, status/cancel/list operations,
// and recovery of jobs orphaned by a crash.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashokvn/mlpipe/internal/queue"
	"github.com/ashokvn/mlpipe/internal/runner"
	"github.com/ashokvn/mlpipe/internal/store"
	"github.com/ashokvn/mlpipe/pkg/models"
	"github.com/google/uuid"
)

var (
	// ErrInvalidInput is returned for malformed submissions.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotReady is returned when a result is requested before the job
	// reaches a terminal state.
	ErrNotReady = errors.New("job not finished")
)

// interruptedMessage is recorded on jobs a prior crash left running.
const interruptedMessage = "interrupted by restart"

// Runner drives one execution attempt for a job id.
type Runner interface {
	Run(ctx context.Context, id uuid.UUID) error
}

// Config holds the manager's orchestration knobs.
type Config struct {
	// Workers is the size of the worker pool, which bounds how many
	// pipeline processes run concurrently.
	Workers int
	// Catalog lists the pipeline names Submit accepts. Empty means any
	// non-empty name is accepted.
	Catalog []string
}

// Manager owns the job lifecycle. Submit returns as soon as the job is
// persisted and queued; callers observe progress by polling.
type Manager struct {
	store   store.Store
	queue   *queue.Queue
	runner  Runner
	workers int
	catalog map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager. The store instance is injected; the manager
// holds no job state of its own.
func NewManager(st store.Store, q *queue.Queue, r Runner, cfg Config) *Manager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	var catalog map[string]struct{}
	if len(cfg.Catalog) > 0 {
		catalog = make(map[string]struct{}, len(cfg.Catalog))
		for _, name := range cfg.Catalog {
			catalog[name] = struct{}{}
		}
	}
	return &Manager{
		store:   st,
		queue:   q,
		runner:  r,
		workers: workers,
		catalog: catalog,
	}
}

// Start recovers orphaned jobs and launches the worker pool. The pool runs
// until Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.recoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(runCtx, i)
	}
	slog.Info("worker pool started", "workers", m.workers)
	return nil
}

// Stop shuts the queue down, lets workers drain, and waits for in-flight
// executions up to ctx's deadline. Past the deadline the remaining pipeline
// processes are killed; their jobs are marked failed by the runner.
func (m *Manager) Stop(ctx context.Context) error {
	m.queue.Shutdown()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		if m.cancel != nil {
			m.cancel()
		}
		<-done
		slog.Warn("worker pool stopped before draining")
		return ctx.Err()
	}
}

// Submit validates the request, persists a pending job, and enqueues it for
// execution. It returns immediately; this is the asynchronous boundary of
// the system. If the queue applies backpressure the job is cancelled and the
// queue error is returned.
func (m *Manager) Submit(ctx context.Context, pipelineName string, params models.Params) (*models.Job, error) {
	if pipelineName == "" {
		return nil, fmt.Errorf("%w: pipeline_name is required", ErrInvalidInput)
	}
	if m.catalog != nil {
		if _, ok := m.catalog[pipelineName]; !ok {
			return nil, fmt.Errorf("%w: unknown pipeline %q", ErrInvalidInput, pipelineName)
		}
	}
	if params == nil {
		params = models.Params{}
	}

	job := &models.Job{
		ID:           uuid.New(),
		PipelineName: pipelineName,
		Parameters:   params,
		Status:       models.StatusPending,
		CreatedAt:    time.Now().UTC(),
	}

	if err := m.store.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	if err := m.queue.Enqueue(ctx, job.ID); err != nil {
		// Don't leave a pending record no worker will ever see. The enqueue
		// may have failed precisely because ctx died (client disconnect), so
		// the compensating write must not ride on the same context.
		cancelCtx := context.WithoutCancel(ctx)
		if cancelErr := m.store.UpdateJobStatus(cancelCtx, job.ID, models.StatusCancelled); cancelErr != nil {
			slog.Error("cancelling unqueued job failed",
				"job_id", job.ID, "error", cancelErr)
		}
		return nil, err
	}

	slog.Info("job submitted", "job_id", job.ID, "pipeline", pipelineName)
	return job, nil
}

// GetStatus returns the current job snapshot.
func (m *Manager) GetStatus(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return m.store.GetJob(ctx, id)
}

// GetResult returns the job once it is terminal; before that it fails with
// ErrNotReady.
func (m *Manager) GetResult(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrNotReady, job.Status)
	}
	return job, nil
}

// Cancel moves a pending job to cancelled. Running and terminal jobs fail
// with the store's invalid-transition error: an in-flight pipeline process is
// never forcibly killed by cancellation, only by the execution timeout.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if err := m.store.UpdateJobStatus(ctx, id, models.StatusCancelled); err != nil {
		return nil, err
	}
	slog.Info("job cancelled", "job_id", id)
	return m.store.GetJob(ctx, id)
}

// List returns jobs matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	return m.store.ListJobs(ctx, filter)
}

// Stats returns aggregate job counts per status.
func (m *Manager) Stats(ctx context.Context) (*models.JobStats, error) {
	return m.store.JobStats(ctx)
}

// recoverInterrupted marks jobs left running by a prior crash as failed.
// Nothing but an owning worker can leave a job running, and no workers exist
// yet at startup, so every running record is necessarily orphaned. The jobs
// are not resumed: the external process's side effects cannot be replayed
// safely without idempotency guarantees from the pipeline itself.
func (m *Manager) recoverInterrupted(ctx context.Context) error {
	orphaned, err := m.store.ListJobsByStatus(ctx, models.StatusRunning)
	if err != nil {
		return err
	}
	for _, job := range orphaned {
		err := m.store.UpdateJobStatus(ctx, job.ID, models.StatusFailed,
			store.WithErrorMessage(interruptedMessage))
		if err != nil {
			return fmt.Errorf("mark job %s interrupted: %w", job.ID, err)
		}
		slog.Warn("recovered orphaned job", "job_id", job.ID,
			"pipeline", job.PipelineName)
	}
	if len(orphaned) > 0 {
		slog.Info("startup recovery complete", "recovered", len(orphaned))
	}
	return nil
}

// worker loops on the dispatch queue until it is shut down and drained.
func (m *Manager) worker(ctx context.Context, n int) {
	defer m.wg.Done()
	log := slog.With("worker", n)

	for {
		id, ok := m.queue.Dequeue(ctx)
		if !ok {
			log.Info("worker exiting")
			return
		}

		err := m.runner.Run(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, runner.ErrStartLost):
			// The job never executed; put it back rather than lose it.
			log.Error("job could not be started, requeueing",
				"job_id", id, "error", err)
			if qErr := m.queue.Enqueue(ctx, id); qErr != nil {
				log.Error("requeue failed; job will be repaired on restart",
					"job_id", id, "error", qErr)
			}
		default:
			log.Error("job execution errored", "job_id", id, "error", err)
		}
	}
}
