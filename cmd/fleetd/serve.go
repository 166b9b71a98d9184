// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ptctl/fleet/internal/config"
	"github.com/ptctl/fleet/internal/database"
	"github.com/ptctl/fleet/internal/deleteengine"
	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/limiter"
	"github.com/ptctl/fleet/internal/logger"
	"github.com/ptctl/fleet/internal/magic"
	"github.com/ptctl/fleet/internal/metrics/collector"
	"github.com/ptctl/fleet/internal/models"
	"github.com/ptctl/fleet/internal/rss"
	"github.com/ptctl/fleet/internal/scheduler"
)

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet scheduler and all background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := config.New(configPath)
	if err != nil {
		return err
	}
	log := logger.Setup(cfg.LogLevel, cfg.LogPath, cfg.LogMaxSize, cfg.LogMaxBackups)

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store := models.NewStore(db.Conn())

	// Single process-wide HTTP client for all PT site access, closed at
	// shutdown.
	transport := &http.Transport{}
	if !cfg.HTTPVerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	siteClient := &http.Client{Timeout: 30 * time.Second, Transport: transport}
	defer siteClient.CloseIdleConnections()

	notifier := domain.NoopNotifier{}

	limiterSvc := limiter.NewService(store, log)
	limiterSvc.SetHTTPClient(siteClient, cfg.HTTPUserAgent)
	rssSvc := rss.NewService(store, siteClient, cfg.HTTPUserAgent, cfg.RSSFreeCheckConcurrency, log)
	rssSvc.SetNotifier(notifier)
	deleteEngine := deleteengine.NewEngine(store, notifier, log)
	magicSvc := magic.NewService(store, siteClient, cfg.HTTPUserAgent, log)

	sched := scheduler.New(store, limiterSvc, rssSvc, deleteEngine, magicSvc, nil, log)

	if cfg.MetricsEnabled {
		registry := prometheus.NewRegistry()
		sched.SetMetrics(collector.NewJobCollector(registry))
		limiterSvc.SetMetrics(collector.NewLimiterCollector(registry))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
			}
		}()
		log.Info().Str("addr", addr).Msg("metrics server listening")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("fleetd started")
	return sched.Run(ctx)
}
