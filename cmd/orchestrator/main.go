package main

// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"buildorchestrator/internal/logging"
	"buildorchestrator/internal/orchestrator/api"
	"buildorchestrator/internal/orchestrator/config"
	orchcrypto "buildorchestrator/internal/orchestrator/crypto"
	"buildorchestrator/internal/orchestrator/dispatcher"
	"buildorchestrator/internal/orchestrator/launcher"
	"buildorchestrator/internal/orchestrator/metrics"
	"buildorchestrator/internal/orchestrator/notifier"
	"buildorchestrator/internal/orchestrator/recovery"
	"buildorchestrator/internal/orchestrator/store"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Default().Error("configuration error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting orchestrator",
		"port", cfg.Port,
		"dry_run", cfg.DryRun,
		"max_concurrent_jobs", cfg.MaxConcurrentJobs,
		"webhook_secret", config.RedactedSecret(cfg.WebhookSecret),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeOpts := []store.Option{store.WithLogger(logger)}
	if cfg.MetadataEncryptionKey != "" {
		codec, err := orchcrypto.NewMetadataEncryptor(cfg.MetadataEncryptionKey)
		if err != nil {
			return err
		}
		storeOpts = append(storeOpts, store.WithMetadataCodec(codec))
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, storeOpts...)
	if err != nil {
		return err
	}
	defer st.Close()

	var lnch launcher.Launcher
	if cfg.DryRun {
		lnch = &launcher.DryRunLauncher{Logf: func(format string, args ...any) { logger.Info("dry-run launch", "detail", fmt.Sprintf(format, args...)) }}
	} else {
		lnch = &launcher.HTTPLauncher{
			Client:          &http.Client{Timeout: 30 * time.Second},
			RuntimeURL:      cfg.WorkerRuntimeURL,
			OrchestratorURL: cfg.OrchestratorURL,
			WebhookSecret:   cfg.WebhookSecret,
			JobName:         cfg.WorkerJobName,
		}
	}

	notif := notifier.New(st, cfg.NotifierURL, cfg.NotifierBearer, logger)
	defer notif.Stop()

	disp := dispatcher.New(st, lnch, dispatcher.Config{
		Period:        cfg.PollInterval,
		MaxConcurrent: cfg.MaxConcurrentJobs,
	}, logger)

	rec := recovery.New(st, recovery.Config{
		Interval:              cfg.RecoveryInterval,
		StaleThresholdMinutes: cfg.StaleThresholdMinutes,
	}, logger)

	ap := api.New(st, notif, cfg.WebhookSecret, logger)
	mux := http.NewServeMux()
	ap.Register(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		disp.Run(gctx)
		return nil
	})
	g.Go(func() error {
		rec.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("http ingress listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logger.Info("metrics listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown failed", "error", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("orchestrator stopped gracefully")
	return nil
}
