package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/accelrt/internal/config"
)

var (
	flagConfig   string
	flagLogLevel string

	cfg    config.Config
	logger *slog.Logger
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "accelrt",
		Short: "Accelerator task runtime",
		Long:  "accelrt submits ordered task streams to accelerator devices and serves an ops API over them.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagConfig != "" {
				os.Setenv("ACCELRT_CONFIG", flagConfig)
			}
			if flagLogLevel != "" {
				os.Setenv("ACCELRT_LOG_LEVEL", flagLogLevel)
			}
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger = config.NewLogger(cfg.LogOutput(os.Stderr), cfg.LogLevel)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config file (or ACCELRT_CONFIG env)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(),
		newBenchCmd(),
	)
	return root
}
