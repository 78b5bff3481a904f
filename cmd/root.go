// Package cmd defines the CLI commands of the redirect-resolver executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/redirect-resolver/internal/app"
	"github.com/JakeFAU/redirect-resolver/internal/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgFile, role string) (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.New(ctx, cfg, role)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "redirect-resolver",
		Short: "Resolves redirect chains from a task queue and delivers verdict callbacks.",
		Long: `redirect-resolver walks the redirect chain (HTTP Location, meta refresh and
app-store links) of every URL queued on its input tube and publishes the final
destination. The pusher subcommand delivers queued notifications to subscriber
callbacks.`,
		SilenceUsage: true,

		// Builds the App for the subcommand being run, named after it.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfgFile, cmd.Name())
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				a.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); RESOLVER_* env vars override it")

	cmd.AddCommand(newCheckerCmd(&cfgFile))
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newPusherCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute runs the CLI and exits with 128+signal when a signal stopped it.
func Execute() {
	ctx, exitCode, stop := notifyContext(context.Background())
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	os.Exit(exitCode())
}
