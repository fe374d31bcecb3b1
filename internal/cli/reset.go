package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/daemon"
)

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation check")
	rootCmd.AddCommand(resetCmd)
}

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the learned model, pattern history and queued nudges",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetYes {
		return fmt.Errorf("reset discards all learned state; rerun with --yes")
	}
	d, err := daemon.New(daemon.Options{Logger: zap.NewNop()})
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Nudges.Reset(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset state for user %s\n", d.Config.User.ID)
	return nil
}
