package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/redirect-resolver/internal/config"
	"github.com/JakeFAU/redirect-resolver/internal/supervisor"
)

func newWorkerCmd() *cobra.Command {
	var parentPID int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Runs one resolution worker",
		Long: `Takes tasks from checker.input_tube, walks each URL's redirect chain and puts
the verdict on the output (or the recheck back on the input). When started
by the checker it exits once its parent is gone or closes its stdin.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := a.Logger()
			if a.Config().Queue.Backend == config.BackendMemory {
				logger.Warn("memory backend is private to this process; the worker will only see its own tasks")
			}

			var alive func() bool
			if parentPID > 0 {
				alive = supervisor.Liveness(parentPID, supervisor.WatchPipe(os.Stdin))
				logger = logger.With(zap.Int("parent_pid", parentPID))
			}
			w, err := a.Worker(cmd.Context(), alive, 0)
			if err != nil {
				return err
			}
			logger.Info("worker started")
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&parentPID, "parent-pid", 0, "pid of the supervising checker; the worker exits when it is gone")
	return cmd
}
