package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/accelrt/internal/api"
	"github.com/seantiz/accelrt/internal/config"
	"github.com/seantiz/accelrt/internal/device"
	"github.com/seantiz/accelrt/internal/driver/sim"
	"github.com/seantiz/accelrt/internal/store"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Open the configured devices and serve the ops API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfg)
		},
	}
}

func serve(cfg config.Config) error {
	logger.Info("accelrt: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"devices", cfg.Devices,
		"strategy", cfg.Engine.Strategy,
	)

	journal, err := store.NewSQLiteJournal(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	recorder := store.NewRecorder(journal, 0, logger)
	defer recorder.Close()

	rt := device.NewRuntime(nil, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(ctx); err != nil {
			logger.Error("close runtime", "error", err)
		}
	}()

	opts := device.Options{
		Engine:         cfg.EngineOptions(),
		StreamDefaults: cfg.StreamDefaults(),
	}
	for i := range cfg.Devices {
		drv := sim.New(cfg.SimOptions(), logger)
		d, err := rt.Open(i, drv, opts)
		if err != nil {
			drv.Close()
			return fmt.Errorf("open device %d: %w", i, err)
		}
		if err := d.AddObserver(recorder); err != nil {
			return fmt.Errorf("device %d: %w", i, err)
		}
	}

	srv := api.NewServer(cfg.ListenAddr, rt, journal, logger)
	return srv.Run()
}
