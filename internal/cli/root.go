// Package cli implements the nudge command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nudge",
	Short: "Adaptive notification scheduler",
	Long: `nudge decides when to interrupt you, and with what.
It learns from task completions and feedback, respects quiet hours and rate
limits, and retries deliveries that fail while offline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
