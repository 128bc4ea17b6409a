// Package task defines the unit-of-work model consumed by the worker pool.
// A Task carries a Handler plus its lifecycle metadata; callers only ever
// see read-only snapshots once the task has been submitted.
package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// Terminal reports whether a task in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Handler is the capability submitted to the pool. Implementations hold
// their own captured arguments; the pool only calls Execute.
type Handler interface {
	Execute(ctx context.Context) (any, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context) (any, error)

func (f HandlerFunc) Execute(ctx context.Context) (any, error) {
	return f(ctx)
}

// Task is owned exclusively by the pool from submission until a terminal
// status; all field access after submission goes through the pool's lock.
type Task struct {
	ID          string
	Handler     Handler
	Status      Status
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	Result      any
}

func New(h Handler, id string, maxRetries int) *Task {
	if id == "" {
		id = uuid.New().String()
	}

	return &Task{
		ID:         id,
		Handler:    h,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
}

// Snapshot is the read-only view exposed by the pool's status lookup.
type Snapshot struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      any        `json:"result,omitempty"`
}

func (t *Task) Snapshot() Snapshot {
	snap := Snapshot{
		ID:         t.ID,
		Status:     t.Status,
		RetryCount: t.RetryCount,
		MaxRetries: t.MaxRetries,
		CreatedAt:  t.CreatedAt,
		Error:      t.Error,
		Result:     t.Result,
	}

	if t.StartedAt != nil {
		started := *t.StartedAt
		snap.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		snap.CompletedAt = &completed
	}

	return snap
}
