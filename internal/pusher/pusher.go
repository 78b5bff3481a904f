// Package pusher delivers queued notifications to subscriber callbacks using
// a fixed-size pool of goroutines. Only the control loop touches the tube:
// it leases tasks and drains completions, so the backend connection is
// never driven from more than one goroutine.
package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/redirect-resolver/internal/metrics"
	"github.com/JakeFAU/redirect-resolver/internal/queue"
)

// Method names the terminal operation a finished delivery asks for.
type Method string

// Terminal methods.
const (
	MethodAck  Method = "ack"
	MethodBury Method = "bury"
)

// CallbackKey is the payload field holding the subscriber URL.
const CallbackKey = "callback_url"

// Config controls pool capacity and pacing.
type Config struct {
	PoolSize        int
	TakeTimeout     time.Duration
	Sleep           time.Duration
	SleepOnFail     time.Duration
	CallbackTimeout time.Duration
}

type completion struct {
	task   *queue.Task
	method Method
}

// Pusher is the delivery daemon. Run must be called from a single goroutine.
type Pusher struct {
	tube     queue.Tube
	notifier Notifier
	cfg      Config
	logger   *zap.Logger

	completions chan completion
	inFlight    int
	units       sync.WaitGroup

	inFlightView atomic.Int64
	delivered    atomic.Int64
	buried       atomic.Int64
}

// Snapshot is a point-in-time view safe to read from other goroutines.
type Snapshot struct {
	PoolSize  int   `json:"pool_size"`
	InFlight  int64 `json:"in_flight"`
	Delivered int64 `json:"delivered"`
	Buried    int64 `json:"buried"`
}

// Snapshot reports delivery counters.
func (p *Pusher) Snapshot() Snapshot {
	return Snapshot{
		PoolSize:  p.cfg.PoolSize,
		InFlight:  p.inFlightView.Load(),
		Delivered: p.delivered.Load(),
		Buried:    p.buried.Load(),
	}
}

// New builds a Pusher.
func New(tube queue.Tube, notifier Notifier, cfg Config, logger *zap.Logger) (*Pusher, error) {
	if tube == nil || notifier == nil {
		return nil, fmt.Errorf("tube and notifier are required")
	}
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if cfg.SleepOnFail <= 0 {
		cfg.SleepOnFail = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pusher{
		tube:     tube,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		// In-flight units never exceed PoolSize and each sends exactly one
		// completion, so sends never block.
		completions: make(chan completion, cfg.PoolSize),
	}, nil
}

// InFlight returns the number of leased tasks whose completion has not been
// drained yet.
func (p *Pusher) InFlight() int {
	return p.inFlight
}

// Run leases, delivers and drains until ctx is cancelled. In-flight
// deliveries are allowed to finish and are drained before Run returns.
func (p *Pusher) Run(ctx context.Context) error {
	p.logger.Info("pusher started", zap.Int("pool_size", p.cfg.PoolSize))
	for ctx.Err() == nil {
		if err := p.Iterate(ctx); err != nil {
			metrics.ObserveLoopFailure()
			p.logger.Error("delivery iteration failed", zap.Error(err), zap.Duration("backoff", p.cfg.SleepOnFail))
			sleep(ctx, p.cfg.SleepOnFail)
			continue
		}
		sleep(ctx, p.cfg.Sleep)
	}

	p.logger.Info("pusher stopping, waiting for in-flight deliveries", zap.Int("in_flight", p.inFlight))
	p.units.Wait()
	p.Drain(context.WithoutCancel(ctx))
	return nil
}

// Iterate runs one lease pass followed by one drain pass. A panic is
// reported as an error so the caller can back off.
func (p *Pusher) Iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery loop panic: %v", r)
		}
	}()
	leaseErr := p.lease(ctx)
	p.Drain(ctx)
	return leaseErr
}

func (p *Pusher) lease(ctx context.Context) error {
	free := p.cfg.PoolSize - p.inFlight
	for i := 0; i < free; i++ {
		task, err := p.tube.Take(ctx, p.cfg.TakeTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("take delivery task: %w", err)
		}
		if task == nil {
			return nil
		}
		p.inFlight++
		p.publishInFlight()
		p.units.Add(1)
		go p.deliver(context.WithoutCancel(ctx), task)
	}
	return nil
}

// deliver is one pool unit: exactly one completion per leased task.
func (p *Pusher) deliver(ctx context.Context, task *queue.Task) {
	defer p.units.Done()
	method := MethodBury
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("delivery panicked", zap.String("task_id", task.ID), zap.Any("panic", r))
			method = MethodBury
		}
		p.completions <- completion{task: task, method: method}
	}()

	logger := p.logger.With(zap.String("task_id", task.ID))
	url, _ := task.Data[CallbackKey].(string)
	if url == "" {
		logger.Warn("task has no callback url")
		return
	}
	body, err := json.Marshal(payloadFor(task))
	if err != nil {
		logger.Error("encode callback payload failed", zap.Error(err))
		return
	}

	if p.cfg.CallbackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CallbackTimeout)
		defer cancel()
	}
	status, err := p.notifier.Notify(ctx, url, body)
	if err != nil {
		logger.Warn("callback failed", zap.String("url", url), zap.Error(err))
		return
	}
	logger.Info("callback delivered", zap.String("url", url), zap.Int("status", status))
	method = MethodAck
}

// Drain applies every completion available right now.
func (p *Pusher) Drain(ctx context.Context) {
	for {
		select {
		case c := <-p.completions:
			p.inFlight--
			p.finish(ctx, c)
		default:
			p.publishInFlight()
			return
		}
	}
}

func (p *Pusher) finish(ctx context.Context, c completion) {
	var err error
	switch c.method {
	case MethodAck:
		err = c.task.Ack(ctx)
	default:
		err = c.task.Bury(ctx)
	}
	metrics.ObserveDelivery(string(c.method))
	if c.method == MethodAck {
		p.delivered.Add(1)
	} else {
		p.buried.Add(1)
	}
	if err == nil {
		return
	}
	fields := []zap.Field{zap.String("task_id", c.task.ID), zap.String("method", string(c.method)), zap.Error(err)}
	var backendErr *queue.BackendError
	if errors.As(err, &backendErr) {
		metrics.ObserveQueueError(string(c.method))
		p.logger.Error("queue backend rejected completion", fields...)
		return
	}
	p.logger.Warn("completion not applied", fields...)
}

func (p *Pusher) publishInFlight() {
	p.inFlightView.Store(int64(p.inFlight))
	metrics.SetInFlight(p.inFlight)
}

// payloadFor is the callback body: the task payload plus its id.
func payloadFor(task *queue.Task) map[string]any {
	data := task.CopyData()
	data["id"] = task.ID
	return data
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
