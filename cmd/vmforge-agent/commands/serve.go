package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vmforge/vmforge/pkg/config"
	"github.com/vmforge/vmforge/pkg/engine"
	"github.com/vmforge/vmforge/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task worker",
		Long: `Claim queued tasks and dispatch them to the image, storage and node
handlers until interrupted.

Alongside the worker the agent exposes Prometheus metrics and purges expired
upload chunks. Changes to the log level in the config file apply without a
restart.`,
		Example: `  vmforge-agent serve -c /etc/vmforge/vmforge.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, used, err := loadConfigFile()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, used, version)
		},
	}
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, configFile, version string) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rt, err := newRuntime(cfg, store, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()
		rt.Close(shutdownCtx)
	}()

	logger := rt.tel.Logger
	log.Logger = logger.Zerolog()
	ctx = rt.Context(ctx)

	if configFile != "" {
		err := config.Watch(ctx, configFile, func(next *config.Config) {
			telemetry.SetGlobalLevel(next.Logging.Level)
			logger.WithField("level", next.Logging.Level).Info("applied reloaded config")
		})
		if err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
	}

	worker := engine.NewWorker(store, rt.dispatcher, engine.WorkerConfig{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
	}, logger)

	logger.WithFields(map[string]interface{}{
		"version":     version,
		"database":    cfg.Database.Path,
		"concurrency": cfg.Worker.Concurrency,
		"libvirt":     cfg.Libvirt.Transport,
	}).Info("agent started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return rt.tel.Metrics.Serve(gctx)
	})
	g.Go(func() error {
		return purgeChunks(gctx, store, cfg.Chunks.PurgeInterval, logger.NewComponentLogger("chunks"))
	})

	start := time.Now()
	err = g.Wait()
	logger.WithField("uptime", time.Since(start).Round(time.Second).String()).Info("agent stopped")
	return err
}
