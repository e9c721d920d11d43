// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/mmsync/internal/api"
	"github.com/autobrr/mmsync/internal/buildinfo"
	"github.com/autobrr/mmsync/internal/config"
	"github.com/autobrr/mmsync/internal/database"
	"github.com/autobrr/mmsync/internal/domain"
	"github.com/autobrr/mmsync/internal/metrics"
	"github.com/autobrr/mmsync/internal/models"
	"github.com/autobrr/mmsync/internal/services/finalize"
	"github.com/autobrr/mmsync/internal/services/reconcile"
	"github.com/autobrr/mmsync/internal/services/watcher"
)

func RunServeCommand() *cobra.Command {
	var flags configFlags

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Run the watcher, history reconciliation and status server",
	}

	flags.register(command)

	command.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := flags.load()
		if err != nil {
			return err
		}
		return runServer(cmd.Context(), cfg)
	}

	return command
}

func runServer(ctx context.Context, cfg *config.AppConfig) error {
	log.Info().Str("version", buildinfo.Version).Msg("Starting mmsync")

	store, cache, err := openLibrary(ctx, cfg.Config)
	if err != nil {
		return err
	}

	client := newSabnzbdClient(cfg.Config)
	if !client.Configured() {
		log.Warn().Msg("SABnzbd is not configured; finalize and reconciliation will not find completed jobs")
	}

	var collector *metrics.Collector
	if cfg.Config.MetricsEnabled {
		collector = metrics.NewCollector()
	}

	g, gctx := errgroup.WithContext(ctx)

	finalizeSvc := finalize.NewService(finalizeConfig(cfg.Config, cfg.LogWriter()), client, cache, store, collector)
	finalizeSvc.Start(gctx)

	cfg.RegisterReloadListener(func(conf *domain.Config) {
		finalizeSvc.Reconfigure(finalizeConfig(conf, cfg.LogWriter()))
		log.Info().Int("attempts", conf.FinalizeMaxAttempts).Msg("Finalize settings reloaded")
	})

	if cfg.Config.WatcherEnabled {
		if cfg.Config.CompletedDownload == "" {
			log.Warn().Msg("completedDownloadPath is not configured; watcher disabled")
		} else {
			watcherCfg := watcher.DefaultConfig()
			watcherCfg.Root = cfg.Config.CompletedDownload
			watcherSvc := watcher.NewService(watcherCfg, cache, finalizeSvc, collector)
			if err := watcherSvc.Start(gctx); err != nil {
				return errors.Wrap(err, "start watcher")
			}
		}
	}

	var reconcileSvc *reconcile.Service
	if cfg.Config.ReconcileEnabled {
		var memos reconcile.MemoStore
		if cfg.Config.PersistJobMemo {
			db, err := database.New(cfg.GetDatabasePath())
			if err != nil {
				return errors.Wrap(err, "open job memo database")
			}
			defer db.Close()
			memos = models.NewJobMemoStore(db)
		}

		reconcileSvc = reconcile.NewService(reconcile.Config{
			DownloadsRoot: cfg.Config.CompletedDownload,
			PollInterval:  cfg.ReconcileInterval(),
			HistoryLimit:  cfg.Config.ReconcileHistoryLimit,
			RecencyWindow: cfg.ReconcileWindow(),
		}, client, finalizeSvc, cache, memos, collector)
		reconcileSvc.Start(gctx)
	}

	if cfg.Config.MetricsEnabled {
		httpServer := api.NewServer(&api.Dependencies{
			Host:      cfg.Config.MetricsHost,
			Port:      cfg.Config.MetricsPort,
			Version:   buildinfo.Version,
			Metrics:   collector,
			Releases:  cache,
			Finalize:  finalizeSvc,
			Reconcile: reconcileSvc,
			Sabnzbd:   client,
		})

		g.Go(func() error {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "status server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("got error during graceful http shutdown")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		return nil
	})

	return g.Wait()
}
