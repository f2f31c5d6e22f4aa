package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream the daemon's live snapshot feed",
		Long:  "Connects to the drivemonitord control-plane and streams the score/level snapshot as it changes, until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err := client.Watch(ctx, func(status statusView) error {
				out, fmtErr := formatStatus(status, outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format status: %w", fmtErr)
				}
				fmt.Println(out)
				return nil
			})
			// Context cancellation (Ctrl+C) is expected, not an error.
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		},
	}
}
