package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"ordersync/backend/internal/app"
)

// NewSweepCommand runs the maintenance sweep once against the configured
// backends.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sweep",
		Short:         "Expire stale idempotency claims, prune webhook logs and finish closing sessions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := app.Open(ctx, cfg)
			if err != nil {
				return wrapExit(ExitCommandError, "open backends", err)
			}
			defer a.Close()

			report, sweepErr := a.Sweeper.Once(ctx)
			if err := opts.emit(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "expired idempotency claims: %d\n", report.ExpiredIdempotency)
				fmt.Fprintf(w, "purged idempotency records: %d\n", report.PurgedIdempotency)
				fmt.Fprintf(w, "purged webhook logs:        %d\n", report.PurgedWebhookLogs)
				fmt.Fprintf(w, "closed sessions:            %d\n", report.ClosedSessions)
			}); err != nil {
				return err
			}
			if sweepErr != nil {
				return wrapExit(ExitFailure, "sweep incomplete", sweepErr)
			}
			return nil
		},
	}
}
