package queue

import (
	"context"
	"fmt"
	"sync"
)

// Task is one leased unit of work.
type Task struct {
	ID       string
	Tube     string
	Data     map[string]any
	Priority int

	lessor   Lessor
	mu       sync.Mutex
	finished bool
}

// NewTask builds a leased task whose terminal operations go to lessor.
func NewTask(id, tube string, data map[string]any, priority int, lessor Lessor) *Task {
	if data == nil {
		data = map[string]any{}
	}
	return &Task{
		ID:       id,
		Tube:     tube,
		Data:     data,
		Priority: priority,
		lessor:   lessor,
	}
}

// Ack marks the task as successfully done.
func (t *Task) Ack(ctx context.Context) error {
	return t.finish(ctx, "ack", func(ctx context.Context) error {
		return t.lessor.Ack(ctx, t.ID)
	})
}

// Bury marks the task as permanently failed.
func (t *Task) Bury(ctx context.Context) error {
	return t.finish(ctx, "bury", func(ctx context.Context) error {
		return t.lessor.Bury(ctx, t.ID)
	})
}

// Finished reports whether Ack or Bury already succeeded.
func (t *Task) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// CopyData returns a shallow copy of the payload.
func (t *Task) CopyData() map[string]any {
	out := make(map[string]any, len(t.Data))
	for k, v := range t.Data {
		out[k] = v
	}
	return out
}

func (t *Task) finish(ctx context.Context, op string, fn func(context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return fmt.Errorf("%s task %s: %w", op, t.ID, ErrTaskFinished)
	}
	if t.lessor == nil {
		return fmt.Errorf("%s task %s: no lessor", op, t.ID)
	}
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%s task %s: %w", op, t.ID, err)
	}
	t.finished = true
	return nil
}
