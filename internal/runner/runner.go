// Package runner drives one execution attempt of a job against the external
// pipeline process and reports the outcome back to the job store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashokvn/mlpipe/internal/store"
	"github.com/ashokvn/mlpipe/pkg/models"
	"github.com/google/uuid"
)

// ErrStartLost is returned when the pending->running transition could not be
// persisted. The pipeline has not executed, so the caller may safely requeue
// the job.
var ErrStartLost = errors.New("could not mark job running")

const (
	// timeoutMessage is the error recorded when an execution exceeds its
	// deadline.
	timeoutMessage = "execution timed out"

	persistAttempts = 3
	persistBackoff  = 200 * time.Millisecond
)

// Runner executes one job at a time. It owns every status mutation of the
// jobs it runs; the runner never retries an execution on its own.
type Runner struct {
	store   store.Store
	exec    Executor
	timeout time.Duration
}

// New creates a Runner. timeout bounds each pipeline execution.
func New(st store.Store, exec Executor, timeout time.Duration) *Runner {
	return &Runner{store: st, exec: exec, timeout: timeout}
}

// Run drives one execution attempt for the given job id. A job that is no
// longer pending (e.g. cancelled while queued) is skipped without executing.
// ctx cancellation kills an in-flight pipeline process.
func (r *Runner) Run(ctx context.Context, id uuid.UUID) error {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}

	if job.Status != models.StatusPending {
		slog.Info("skipping job not in pending state",
			"job_id", id, "status", job.Status)
		return nil
	}

	if err := r.persist(ctx, id, models.StatusRunning); err != nil {
		return fmt.Errorf("%w: %s", ErrStartLost, err)
	}
	slog.Info("job running", "job_id", id, "pipeline", job.PipelineName)

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.exec.Execute(execCtx, job.PipelineName, job.Parameters)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("job timed out", "job_id", id, "timeout", r.timeout)
		return r.persist(ctx, id, models.StatusFailed,
			store.WithErrorMessage(timeoutMessage))
	case errors.Is(err, context.Canceled):
		slog.Warn("job interrupted by shutdown", "job_id", id)
		return r.persist(context.WithoutCancel(ctx), id, models.StatusFailed,
			store.WithErrorMessage("interrupted by shutdown"))
	case err != nil:
		slog.Error("pipeline process could not be started",
			"job_id", id, "pipeline", job.PipelineName, "error", err)
		return r.persist(ctx, id, models.StatusFailed,
			store.WithErrorMessage(truncate(err.Error(), maxErrorBytes)))
	}

	if res.ExitCode != 0 {
		slog.Warn("pipeline failed", "job_id", id,
			"pipeline", job.PipelineName, "exit_code", res.ExitCode)
		return r.persist(ctx, id, models.StatusFailed,
			store.WithErrorMessage(diagnostic(res)))
	}

	result := parseResult(res.Stdout)
	slog.Info("job completed", "job_id", id, "pipeline", job.PipelineName)
	return r.persist(ctx, id, models.StatusCompleted, store.WithResult(result))
}

// persist writes a status transition with bounded retries so a transient
// store failure does not leave the job stuck invisibly. Transition errors
// (NotFound, InvalidTransition) are not retried.
func (r *Runner) persist(ctx context.Context, id uuid.UUID, status models.Status, opts ...store.JobUpdateOption) error {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		err = r.store.UpdateJobStatus(ctx, id, status, opts...)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTransition) {
			return err
		}
		slog.Error("persisting job status failed",
			"job_id", id, "status", status, "attempt", attempt, "error", err)
		if attempt < persistAttempts {
			select {
			case <-time.After(persistBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("persist %s after %d attempts: %w", status, persistAttempts, err)
}
