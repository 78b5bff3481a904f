// Package worker implements the resolution worker loop: take a task, walk
// its URL, put the requeue or result payload, ack the original.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/redirect-resolver/internal/checker"
	"github.com/JakeFAU/redirect-resolver/internal/metrics"
	"github.com/JakeFAU/redirect-resolver/internal/queue"
)

// Config controls Worker behavior.
type Config struct {
	TakeTimeout  time.Duration
	HTTPTimeout  time.Duration
	MaxRedirects int
	RecheckDelay time.Duration
	// ErrorBackoff is the pause after a failed take.
	ErrorBackoff time.Duration
}

// Worker consumes the input tube until its context ends or its supervisor
// disappears.
type Worker struct {
	input    queue.Tube
	output   queue.Putter
	resolver checker.Resolver
	alive    func() bool
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. alive is polled once per iteration; a nil alive
// means only the context bounds the loop.
func New(
	input queue.Tube,
	output queue.Putter,
	resolver checker.Resolver,
	alive func() bool,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{
		input:    input,
		output:   output,
		resolver: resolver,
		alive:    alive,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming tasks until the context finishes or the liveness
// check fails. Only a closed input tube is reported as an error.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.alive != nil && !w.alive() {
			w.logger.Info("supervisor is gone, exiting")
			return nil
		}

		task, err := w.input.Take(ctx, w.cfg.TakeTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			w.logger.Error("take failed", zap.Error(err))
			metrics.ObserveQueueError("take")
			if !sleep(ctx, w.cfg.ErrorBackoff) {
				return nil
			}
			continue
		}
		if task == nil {
			continue
		}
		// In-flight work is finished even when shutdown was requested.
		w.Process(context.WithoutCancel(ctx), task)
	}
}

// Process resolves one task and terminates its lease. A failed put leaves the
// task un-acked so the backend redelivers it; a failed ack is logged and
// swallowed.
func (w *Worker) Process(ctx context.Context, task *queue.Task) {
	logger := w.logger.With(zap.String("task_id", task.ID))
	payload := task.CopyData()
	if u, ok := payload["url"].(string); ok {
		logger = logger.With(zap.String("url", u))
	}

	outcome := checker.Escalate(ctx, w.resolver, payload, w.cfg.HTTPTimeout, w.cfg.MaxRedirects)
	metrics.ObserveOutcome(outcome.Name)

	var err error
	switch outcome.Action {
	case checker.ActionRequeue:
		_, err = w.input.Put(ctx, outcome.Payload, queue.PutOptions{
			Priority: task.Priority,
			Delay:    w.cfg.RecheckDelay,
		})
	default:
		_, err = w.output.Put(ctx, outcome.Payload, queue.PutOptions{Priority: task.Priority})
	}
	if err != nil {
		logger.Error("put failed, leaving task for redelivery",
			zap.String("outcome", outcome.Name), zap.Error(err))
		metrics.ObserveQueueError("put")
		return
	}

	if err := task.Ack(ctx); err != nil {
		logger.Error("ack failed", zap.Error(err), zap.Bool("backend", queue.IsBackendError(err)))
		metrics.ObserveQueueError("ack")
		return
	}
	logger.Info("task processed",
		zap.String("outcome", outcome.Name),
		zap.Strings("urls", outcome.History.URLs))
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
