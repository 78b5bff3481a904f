// Package supervisor keeps a fixed number of resolution workers alive while
// the network is reachable and hard-stops all of them when it is not.
package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/redirect-resolver/internal/metrics"
)

// NetworkProbe reports whether outbound requests can currently succeed.
type NetworkProbe interface {
	IsReachable(ctx context.Context) bool
}

// Handle controls one running worker.
type Handle interface {
	// Name identifies the worker in logs.
	Name() string
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Stop asks the worker to exit after its current task.
	Stop()
	// Kill terminates the worker without waiting for its current task.
	Kill() error
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context) (Handle, error)
}

// Config controls the supervision loop.
type Config struct {
	PoolSize int
	Interval time.Duration
	// StopGrace bounds how long Run waits for workers on shutdown before
	// killing them.
	StopGrace time.Duration
}

// Supervisor owns the worker set. Tick and Run must not be called concurrently.
// A killed worker keeps its slot until it has actually exited, so the pool
// never exceeds PoolSize live workers.
type Supervisor struct {
	probe   NetworkProbe
	spawner Spawner
	cfg     Config
	logger  *zap.Logger
	running []*slot

	networkUp atomic.Bool
	count     atomic.Int64
}

type slot struct {
	handle Handle
	killed bool
}

// Snapshot is a point-in-time view safe to read from other goroutines.
type Snapshot struct {
	NetworkUp bool `json:"network_up"`
	Running   int  `json:"running"`
	PoolSize  int  `json:"pool_size"`
}

// New builds a Supervisor.
func New(probe NetworkProbe, spawner Spawner, cfg Config, logger *zap.Logger) (*Supervisor, error) {
	if probe == nil || spawner == nil {
		return nil, fmt.Errorf("probe and spawner are required")
	}
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{probe: probe, spawner: spawner, cfg: cfg, logger: logger}, nil
}

// Snapshot reports the state recorded by the last tick.
func (s *Supervisor) Snapshot() Snapshot {
	return Snapshot{NetworkUp: s.networkUp.Load(), Running: int(s.count.Load()), PoolSize: s.cfg.PoolSize}
}

// Ready reports whether the last probe found the network reachable.
func (s *Supervisor) Ready() error {
	if !s.networkUp.Load() {
		return fmt.Errorf("network unreachable")
	}
	return nil
}

// Running returns the number of workers that have not exited, including
// killed workers still finishing.
func (s *Supervisor) Running() int {
	s.reap()
	return len(s.running)
}

// Draining returns the number of killed workers that have not exited yet.
func (s *Supervisor) Draining() int {
	s.reap()
	n := 0
	for _, sl := range s.running {
		if sl.killed {
			n++
		}
	}
	return n
}

// Tick probes the network once and converges the worker set: spawn up to the
// pool size when healthy, kill everything when not.
func (s *Supervisor) Tick(ctx context.Context) {
	s.reap()
	if !s.probe.IsReachable(ctx) {
		if ctx.Err() != nil {
			// Shutting down: Run stops the workers gracefully instead.
			return
		}
		s.networkUp.Store(false)
		metrics.SetNetworkUp(false)
		s.killAll("network is down, killing workers")
		s.reap()
		s.setRunning(len(s.running))
		return
	}

	s.networkUp.Store(true)
	metrics.SetNetworkUp(true)
	deficit := s.cfg.PoolSize - len(s.running)
	if deficit > 0 {
		s.logger.Info("spawning workers", zap.Int("count", deficit), zap.Int("running", len(s.running)))
	}
	for i := 0; i < deficit; i++ {
		h, err := s.spawner.Spawn(ctx)
		if err != nil {
			s.logger.Error("spawn worker failed", zap.Error(err))
			break
		}
		s.running = append(s.running, &slot{handle: h})
		metrics.ObserveWorkerEvent("spawned")
	}
	s.setRunning(len(s.running))
}

// killAll kills every worker not already killed.
func (s *Supervisor) killAll(reason string) {
	logged := false
	for _, sl := range s.running {
		if sl.killed {
			continue
		}
		if !logged {
			s.logger.Warn(reason, zap.Int("count", len(s.running)))
			logged = true
		}
		if err := sl.handle.Kill(); err != nil {
			s.logger.Error("kill worker failed", zap.String("worker", sl.handle.Name()), zap.Error(err))
		}
		sl.killed = true
		metrics.ObserveWorkerEvent("killed")
	}
}

// Run ticks every interval until ctx is done, then stops the workers.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.Shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

// Shutdown asks every worker to stop, waits up to the grace period and kills
// whatever is left.
func (s *Supervisor) Shutdown() {
	for _, sl := range s.running {
		if !sl.killed {
			sl.handle.Stop()
		}
	}
	deadline := time.NewTimer(s.cfg.StopGrace)
	defer deadline.Stop()
	for _, sl := range s.running {
		select {
		case <-sl.handle.Done():
		case <-deadline.C:
			s.killAll("grace period elapsed, killing remaining workers")
			s.running = nil
			s.setRunning(0)
			return
		}
	}
	s.running = nil
	s.setRunning(0)
}

func (s *Supervisor) setRunning(n int) {
	s.count.Store(int64(n))
	metrics.SetWorkersRunning(n)
}

func (s *Supervisor) reap() {
	alive := s.running[:0]
	for _, sl := range s.running {
		select {
		case <-sl.handle.Done():
			s.logger.Info("worker exited", zap.String("worker", sl.handle.Name()), zap.Bool("killed", sl.killed))
			metrics.ObserveWorkerEvent("exited")
		default:
			alive = append(alive, sl)
		}
	}
	s.running = alive
}
