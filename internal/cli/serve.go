package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tutu-network/nudge/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveEphemeral, "ephemeral", false, "Keep state in a temporary directory")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost      string
	servePort      int
	serveEphemeral bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the nudge daemon",
	Long:  `Start the HTTP API, the delivery queue and the periodic behavioural check.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}

	d, err := daemon.NewWithConfig(cfg, daemon.Options{
		Ephemeral: serveEphemeral,
		Version:   rootCmd.Version,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Serve(context.Background())
}
