package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/redirect-resolver/internal/admin"
)

func newPusherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pusher",
		Short: "Delivers queued notifications to subscriber callbacks",
		Long: `Leases up to pusher.pool_size tasks from pusher.tube, POSTs each payload to its
callback_url and acks it (any HTTP response) or buries it (transport error).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			p, err := a.Pusher(cmd.Context())
			if err != nil {
				return err
			}
			a.Logger().Info("pusher configured",
				zap.String("tube", a.Config().Pusher.Tube),
				zap.Int("pool_size", a.Config().Pusher.PoolSize))
			return a.Serve(cmd.Context(), p.Run, admin.WithStatus(func() any { return p.Snapshot() }))
		},
	}
}
