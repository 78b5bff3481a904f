// Package queue defines the durable task queue abstraction shared by the
// resolution workers and the delivery daemon.
// A tube hands out leased tasks; whoever holds the lease must finish it with
// exactly one of Ack or Bury, optionally after re-putting a new payload.
// Concrete backends live in the memory, postgres and pubsub subpackages.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTaskFinished is returned when a task that was already acked or buried
	// is terminated a second time.
	ErrTaskFinished = errors.New("task already finished")
	// ErrTaskNotTaken is returned by a backend that no longer holds the lease.
	ErrTaskNotTaken = errors.New("task is not taken")
	// ErrClosed is returned by operations on a closed tube.
	ErrClosed = errors.New("tube closed")
	// ErrTakeUnsupported is returned by put-only sinks.
	ErrTakeUnsupported = errors.New("take is not supported by this tube")
)

// BackendError marks a failure of the queue backend itself (connection loss,
// statement failure). Callers treat it as transient: it is logged and the
// loop moves on.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("queue backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsBackendError reports whether err carries a BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// PutOptions controls how a payload is enqueued.
type PutOptions struct {
	// Priority is opaque to callers; lower values are served first.
	Priority int
	// Delay postpones the moment the task becomes ready.
	Delay time.Duration
}

// Putter enqueues payloads.
type Putter interface {
	Put(ctx context.Context, data map[string]any, opts PutOptions) (string, error)
}

// Tube is a named durable queue.
type Tube interface {
	Putter
	// Take leases the next ready task, waiting up to timeout. It returns
	// (nil, nil) when nothing became ready in time.
	Take(ctx context.Context, timeout time.Duration) (*Task, error)
	Close() error
}

// Lessor terminates leases on behalf of a Task.
type Lessor interface {
	Ack(ctx context.Context, id string) error
	Bury(ctx context.Context, id string) error
}
