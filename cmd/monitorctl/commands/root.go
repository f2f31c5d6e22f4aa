package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// client is the ctlserver JSON client, initialized in PersistentPreRunE.
	client *ctlClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's control-plane address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for monitorctl.
var rootCmd = &cobra.Command{
	Use:   "monitorctl",
	Short: "CLI client for the drivemonitord daemon",
	Long:  "monitorctl talks to drivemonitord's read-only control-plane HTTP server to inspect driver state, recent events and the live snapshot feed.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = newCtlClient(serverAddr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8080",
		"drivemonitord control-plane address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
