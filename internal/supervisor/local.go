package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Runner is one worker loop.
type Runner interface {
	Run(ctx context.Context) error
}

// LocalSpawner runs workers as goroutines. The worker context is the
// supervision channel: cancelling it stops the loop after the current task.
type LocalSpawner struct {
	// ctx outlives individual Spawn calls so workers are not tied to a tick.
	ctx       context.Context
	newRunner func() (Runner, error)
	logger    *zap.Logger
	seq       atomic.Int64
}

// NewLocalSpawner builds a spawner whose workers derive from ctx.
func NewLocalSpawner(ctx context.Context, newRunner func() (Runner, error), logger *zap.Logger) *LocalSpawner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalSpawner{ctx: ctx, newRunner: newRunner, logger: logger}
}

// Spawn starts one worker goroutine.
func (s *LocalSpawner) Spawn(context.Context) (Handle, error) {
	r, err := s.newRunner()
	if err != nil {
		return nil, fmt.Errorf("build worker: %w", err)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	h := &goroutineHandle{
		name:   fmt.Sprintf("local-%d", s.seq.Add(1)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		if err := r.Run(ctx); err != nil {
			s.logger.Error("worker stopped with error", zap.String("worker", h.name), zap.Error(err))
		}
	}()
	return h, nil
}

type goroutineHandle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *goroutineHandle) Name() string          { return h.name }
func (h *goroutineHandle) Done() <-chan struct{} { return h.done }
func (h *goroutineHandle) Stop()                 { h.cancel() }

// Kill cancels the worker; a goroutine cannot be preempted, so a task in
// progress still runs to completion.
func (h *goroutineHandle) Kill() error {
	h.cancel()
	return nil
}
