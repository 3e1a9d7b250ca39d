// Command worker runs the map-matching service: the HTTP API, the
// scheduled jobs loop and one-shot maintenance commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/portomove/mapmatch/config"
	"github.com/portomove/mapmatch/logging"
)

var (
	// configFile is set by the --config flag.
	configFile string

	cfg    config.Config
	logger = zap.NewNop()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "GPS trace map-matching worker",
	Long: `worker matches uploaded GPS traces to the road network, stores the
per-edge assignments and rebuilds the matched segments on demand.`,
	SilenceUsage:      true,
	PersistentPreRunE: initWorker,
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./config.yaml if present)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(segmentsCmd)
	rootCmd.AddCommand(importTraceCmd)
	rootCmd.AddCommand(importEdgesCmd)
}

// initWorker loads config and builds the logger.
func initWorker(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err = logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	return nil
}
