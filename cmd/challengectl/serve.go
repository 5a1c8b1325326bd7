package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sdrctf/challengectl/pkg/artifacts"
	"github.com/sdrctf/challengectl/pkg/auth"
	"github.com/sdrctf/challengectl/pkg/config"
	"github.com/sdrctf/challengectl/pkg/engine"
	"github.com/sdrctf/challengectl/pkg/enroll"
	"github.com/sdrctf/challengectl/pkg/events"
	"github.com/sdrctf/challengectl/pkg/log"
	"github.com/sdrctf/challengectl/pkg/metrics"
	"github.com/sdrctf/challengectl/pkg/recording"
	"github.com/sdrctf/challengectl/pkg/security"
	"github.com/sdrctf/challengectl/pkg/server"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/sweeper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller",
	Long: `Run the challengectl controller: the store, the assignment
engine, the recording coordinator, the maintenance sweeps and the
HTTP API, all in one process.

SIGHUP reloads the configuration file; the reload is additive (new
challenges inserted, existing parameters updated, removals ignored).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "challengectl.yaml", "Configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	key, err := security.LoadOrCreateKey(cfg.DataDir)
	if err != nil {
		return err
	}
	box, err := security.NewBox(key)
	if err != nil {
		return err
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	artifactStore, err := artifacts.NewStore(cfg.StoreDir, store)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := config.Apply(cfg, store, now); err != nil {
		return err
	}

	hub := events.NewHub()
	authn := auth.New(store, box)
	eng := engine.New(store, catalog, hub)
	coordinator := recording.NewCoordinator(store, hub, cfg.RecordingThreshold)
	enrollSvc := enroll.NewService(store)

	sweeps := sweeper.New(store, eng, hub, authn.Replay())
	sweeps.Start()
	defer sweeps.Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	srv := server.New(server.Deps{
		Config:      cfg,
		Store:       store,
		Engine:      eng,
		Coordinator: coordinator,
		Artifacts:   artifactStore,
		Enroll:      enrollSvc,
		Auth:        authn,
		Hub:         hub,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info().Str("listen", cfg.Listen).Str("data_dir", cfg.DataDir).Msg("challengectl started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info().Msg("Reloading configuration")
				reloaded, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("Reload failed, keeping previous configuration")
					continue
				}
				if err := config.Apply(reloaded, store, time.Now().UTC()); err != nil {
					logger.Error().Err(err).Msg("Reload apply failed")
				}
				continue
			}

			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := srv.Shutdown(ctx)
			cancel()
			return err
		}
	}
}
