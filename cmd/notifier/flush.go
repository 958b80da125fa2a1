package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"notifier/internal/app"
	"notifier/internal/clock"
)

func flushDigestCmd(flags *sourceFlags) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "flush-digest",
		Short: "Deliver pending digests now, ignoring the schedule",
		Long: `Drain digest queues and deliver them immediately. Useful against the
shared Redis queue in cluster mode; in single mode the queue lives in the
serving process and a separate invocation sees nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := flags.source()
			if err != nil {
				return err
			}
			service, err := app.NewService(source, clock.RealClock{})
			if err != nil {
				return fmt.Errorf("service init failed: %w", err)
			}
			defer service.Close()

			delivered, err := service.FlushDigests(cmd.Context(), userID)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "delivered %d digest entries\n", delivered)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "flush only this user (default: every user with pending entries)")
	return cmd
}
