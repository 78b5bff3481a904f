package cmd

import (
	"context"
	"sync/atomic"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/redirect-resolver/internal/admin"
	"github.com/JakeFAU/redirect-resolver/internal/app"
	"github.com/JakeFAU/redirect-resolver/internal/config"
	"github.com/JakeFAU/redirect-resolver/internal/supervisor"
)

func newCheckerCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "checker",
		Short: "Supervises a pool of resolution workers, gated on network health",
		Long: `Keeps checker.pool_size resolution workers running while checker.check_url is
reachable and kills them all when it is not. Workers are child processes
running the worker subcommand, or goroutines when checker.in_process is set
or the memory queue backend is used.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runChecker(cmd.Context(), a, *cfgFile)
		},
	}
}

func runChecker(ctx context.Context, a *app.App, cfgFile string) error {
	cfg := a.Config()
	logger := a.Logger()

	spawner, err := buildSpawner(ctx, a, cfgFile)
	if err != nil {
		return err
	}
	sup, err := supervisor.New(a.Probe(), spawner, supervisor.Config{
		PoolSize: cfg.Checker.PoolSize,
		Interval: cfg.Checker.Sleep(),
	}, logger.Named("supervisor"))
	if err != nil {
		return err
	}

	logger.Info("checker started",
		zap.Int("pool_size", cfg.Checker.PoolSize),
		zap.String("input_tube", cfg.Checker.InputTube),
		zap.String("check_url", cfg.Checker.CheckURL))
	return a.Serve(ctx, sup.Run,
		admin.WithReadiness(sup.Ready),
		admin.WithStatus(func() any { return sup.Snapshot() }),
	)
}

func buildSpawner(ctx context.Context, a *app.App, cfgFile string) (supervisor.Spawner, error) {
	cfg := a.Config()
	if cfg.Checker.InProcess || cfg.Queue.Backend == config.BackendMemory {
		var index atomic.Int64
		return supervisor.NewLocalSpawner(ctx, func() (supervisor.Runner, error) {
			w, err := a.Worker(ctx, nil, int(index.Add(1)))
			if err != nil {
				return nil, err
			}
			return w, nil
		}, a.Logger().Named("spawner")), nil
	}
	args := []string{"worker"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	return supervisor.NewExecSpawner(args, a.Logger().Named("spawner"))
}
