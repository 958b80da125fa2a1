package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"notifier/internal/app"
	"notifier/internal/clock"
)

func serveCmd(flags *sourceFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the notification service until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := flags.source()
			if err != nil {
				return err
			}
			service, err := app.NewService(source, clock.RealClock{})
			if err != nil {
				return fmt.Errorf("service init failed: %w", err)
			}
			if err := service.Run(cmd.Context()); err != nil {
				return fmt.Errorf("service run failed: %w", err)
			}
			return nil
		},
	}
}
