package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a pipeline job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions defines the only legal status edges:
// pending -> running -> completed|failed, and pending -> cancelled.
// Terminal states have no outgoing edges.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether moving from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionSources returns the statuses from which to is reachable.
func TransitionSources(to Status) []Status {
	var sources []Status
	for from, targets := range validTransitions {
		for _, t := range targets {
			if t == to {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// IsTerminal reports whether s permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid reports whether s is a known status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Params holds the JSON parameter mapping submitted with a job, and the JSON
// result payload a pipeline produces. Values are whatever the caller sent;
// pgx serializes the map to a JSONB column.
type Params map[string]any

// Job tracks one request to execute an external pipeline, from submission to
// terminal outcome. The API returns the id on POST /api/v1/jobs; the client
// polls GET /api/v1/jobs/{id} until status is terminal.
type Job struct {
	ID            uuid.UUID  `db:"id"             json:"id"`
	PipelineName  string     `db:"pipeline_name"  json:"pipeline_name"`
	Parameters    Params     `db:"parameters"     json:"parameters"`
	Status        Status     `db:"status"         json:"status"`
	Result        Params     `db:"result"         json:"result,omitempty"`
	ErrorMessage  *string    `db:"error_message"  json:"error_message,omitempty"`
	CreatedAt     time.Time  `db:"created_at"     json:"created_at"`
	StartedAt     *time.Time `db:"started_at"     json:"started_at,omitempty"`
	CompletedAt   *time.Time `db:"completed_at"   json:"completed_at,omitempty"`
	ExecutionTime *float64   `db:"execution_time" json:"execution_time,omitempty"`
}

// JobStats holds aggregate job counts per status.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Total returns the sum of all status buckets.
func (s JobStats) Total() int {
	return s.Pending + s.Running + s.Completed + s.Failed + s.Cancelled
}
