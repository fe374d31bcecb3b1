package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tutu-network/nudge/internal/daemon"
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON instead of YAML")
	rootCmd.AddCommand(statusCmd)
}

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rate limits, queue, behaviour and experiments",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(daemon.Options{Logger: zap.NewNop()})
	if err != nil {
		return err
	}
	defer d.Close()

	st := d.Nudges.Status()
	var out []byte
	if statusJSON {
		out, err = json.MarshalIndent(st, "", "  ")
	} else {
		out, err = yaml.Marshal(st)
	}
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
