package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current driver state snapshot",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			status, err := client.Status(context.Background())
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}

			out, err := formatStatus(status, outputFormat)
			if err != nil {
				return fmt.Errorf("format status: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent fatigue and distraction events",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			events, err := client.Events(context.Background(), limit)
			if err != nil {
				return fmt.Errorf("get events: %w", err)
			}

			out, err := formatEvents(events, outputFormat)
			if err != nil {
				return fmt.Errorf("format events: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "only show the most recent N events (0 = all)")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the daemon is reachable and healthy",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := client.Healthz(context.Background()); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			fmt.Println("ok")
			return nil
		},
	}
}
