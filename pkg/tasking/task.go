// Package tasking runs background jobs that hold exclusive reservations on
// named resources, so that two syncs of one repository never overlap.
package tasking

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

// State is the lifecycle state of a task.
type State string

const (
	StateWaiting   State = "waiting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Final reports whether no further transitions can happen.
func (s State) Final() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Task is a record of one background job.
type Task struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	State        State           `json:"state"`
	Reservations []string        `json:"reservations"`
	Error        string          `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	c.Reservations = append([]string(nil), t.Reservations...)
	c.Result = append(json.RawMessage(nil), t.Result...)
	return &c
}

// Store persists task records. SaveTask inserts or replaces by ID.
type Store interface {
	SaveTask(ctx context.Context, t *Task) error
	Task(ctx context.Context, id string) (*Task, error)
	// Tasks lists tasks, newest first.
	Tasks(ctx context.Context) ([]*Task, error)
}

// Func is the body of a task. Its result is stored as JSON on the task, even
// when it also returns an error.
type Func func(ctx context.Context) (any, error)
