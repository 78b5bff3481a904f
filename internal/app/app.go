// Package app initializes and holds long-lived services shared by the
// resolver subcommands, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/redirect-resolver/internal/admin"
	"github.com/JakeFAU/redirect-resolver/internal/config"
	collyfetcher "github.com/JakeFAU/redirect-resolver/internal/fetcher/colly"
	"github.com/JakeFAU/redirect-resolver/internal/logging"
	"github.com/JakeFAU/redirect-resolver/internal/metrics"
	"github.com/JakeFAU/redirect-resolver/internal/netcheck"
	"github.com/JakeFAU/redirect-resolver/internal/policy/ratelimit"
	"github.com/JakeFAU/redirect-resolver/internal/pusher"
	"github.com/JakeFAU/redirect-resolver/internal/queue"
	"github.com/JakeFAU/redirect-resolver/internal/queue/backend"
	"github.com/JakeFAU/redirect-resolver/internal/redirect"
	"github.com/JakeFAU/redirect-resolver/internal/telemetry"
	"github.com/JakeFAU/redirect-resolver/internal/worker"
)

// outputKey caches the verdict destination, which may not be a named tube.
const outputKey = "\x00output"

// App holds the configuration, logger and the tubes opened so far. Tubes are
// opened once per name and shared, so in-process workers see the same
// memory tubes and reuse the same Postgres pool.
type App struct {
	cfg            config.Config
	role           string
	logger         *zap.Logger
	tracerShutdown telemetry.ShutdownFunc
	limiter        *ratelimit.Limiter

	mu    sync.Mutex
	tubes map[string]queue.Tube
}

// New builds the logger and tracer for role and returns the container.
func New(ctx context.Context, cfg config.Config, role string) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, role)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	_, shutdown, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName,
		Role:         role,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	return newWithLogger(cfg, role, logger, shutdown), nil
}

func newWithLogger(cfg config.Config, role string, logger *zap.Logger, shutdown telemetry.ShutdownFunc) *App {
	return &App{
		cfg:            cfg,
		role:           role,
		logger:         logger,
		tracerShutdown: shutdown,
		limiter:        ratelimit.New(ratelimit.Config{RPS: cfg.Checker.HostRPS, Burst: cfg.Checker.HostBurst}),
		tubes:          map[string]queue.Tube{},
	}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Tube opens (or reuses) the named tube on the configured backend.
func (a *App) Tube(ctx context.Context, name string) (queue.Tube, error) {
	return a.cached(name, func() (queue.Tube, error) {
		a.logger.Info("opening tube", zap.String("tube", name), zap.String("backend", a.cfg.Queue.Backend))
		return backend.Open(ctx, a.cfg.Queue, name)
	})
}

// Output opens (or reuses) the destination for finalized verdicts.
func (a *App) Output(ctx context.Context) (queue.Tube, error) {
	if a.cfg.Checker.OutputSink != config.SinkPubSub {
		return a.Tube(ctx, a.cfg.Checker.OutputTube)
	}
	return a.cached(outputKey, func() (queue.Tube, error) {
		a.logger.Info("opening pubsub output",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName))
		return backend.OpenOutput(ctx, a.cfg)
	})
}

func (a *App) cached(key string, open func() (queue.Tube, error)) (queue.Tube, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tubes[key]; ok {
		return t, nil
	}
	t, err := open()
	if err != nil {
		return nil, err
	}
	a.tubes[key] = t
	return t, nil
}

// Resolver builds the chain walker from the checker configuration. Walkers
// built by one App share a per-host rate limiter.
func (a *App) Resolver() (*redirect.Walker, error) {
	c := a.cfg.Checker
	policy, err := redirect.NewPolicy(c.TrustedTerminalPatterns, c.DeadEndPatterns, c.AppStoreScheme, c.AppStoreWebBase)
	if err != nil {
		return nil, fmt.Errorf("build redirect policy: %w", err)
	}
	fetcher := ratelimit.Wrap(
		collyfetcher.New(collyfetcher.Config{UserAgent: c.UserAgent, Timeout: c.HTTPTimeout()}),
		a.limiter,
	)
	classifier := redirect.NewClassifier(fetcher, policy, c.UserAgent)
	return redirect.NewWalker(classifier, policy, a.logger.Named("walker")), nil
}

// Probe builds the network-health probe.
func (a *App) Probe() *netcheck.Probe {
	c := a.cfg.Checker
	return netcheck.New(c.CheckURL, c.HTTPTimeout(), c.UserAgent, a.logger.Named("netcheck"))
}

// Worker builds one resolution worker over the shared tubes.
func (a *App) Worker(ctx context.Context, alive func() bool, index int) (*worker.Worker, error) {
	input, err := a.Tube(ctx, a.cfg.Checker.InputTube)
	if err != nil {
		return nil, err
	}
	output, err := a.Output(ctx)
	if err != nil {
		return nil, err
	}
	resolver, err := a.Resolver()
	if err != nil {
		return nil, err
	}
	c := a.cfg.Checker
	return worker.New(input, output, resolver, alive, worker.Config{
		TakeTimeout:  a.cfg.Queue.TakeTimeout(),
		HTTPTimeout:  c.HTTPTimeout(),
		MaxRedirects: c.MaxRedirects,
		RecheckDelay: c.RecheckDelay(),
		ErrorBackoff: time.Second,
	}, a.logger.Named("worker").With(zap.Int("index", index))), nil
}

// Pusher builds the delivery daemon.
func (a *App) Pusher(ctx context.Context) (*pusher.Pusher, error) {
	tube, err := a.Tube(ctx, a.cfg.Pusher.Tube)
	if err != nil {
		return nil, err
	}
	p := a.cfg.Pusher
	return pusher.New(tube, pusher.NewHTTPNotifier(p.CallbackTimeout()), pusher.Config{
		PoolSize:        p.PoolSize,
		TakeTimeout:     a.cfg.Queue.TakeTimeout(),
		Sleep:           p.Sleep(),
		SleepOnFail:     p.SleepOnFail(),
		CallbackTimeout: p.CallbackTimeout(),
	}, a.logger.Named("pusher"))
}

// Serve runs loop together with the role's admin listener (when configured) and
// waits for both. The admin server stops once loop returns; a failing admin
// listener cancels loop.
func (a *App) Serve(ctx context.Context, loop func(context.Context) error, opts ...admin.Option) error {
	g, gctx := errgroup.WithContext(ctx)
	adminCtx, stopAdmin := context.WithCancel(gctx)
	defer stopAdmin()

	g.Go(func() error {
		defer stopAdmin()
		return loop(gctx)
	})
	if addr := a.cfg.Admin.AddrFor(a.role); addr != "" {
		srv := admin.NewServer(a.logger.Named("admin"), opts...)
		g.Go(func() error {
			return srv.ListenAndServe(adminCtx, addr)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases every tube and flushes telemetry and logs.
func (a *App) Close(ctx context.Context) {
	a.mu.Lock()
	for name, t := range a.tubes {
		if err := t.Close(); err != nil {
			a.logger.Warn("tube close failed", zap.String("tube", name), zap.Error(err))
		}
	}
	a.tubes = map[string]queue.Tube{}
	a.mu.Unlock()

	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	logging.Sync(a.logger)
}
