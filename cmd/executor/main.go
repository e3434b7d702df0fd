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

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dcjobexec/internal/executor/adapters"
	"dcjobexec/internal/executor/audit"
	"dcjobexec/internal/executor/config"
	"dcjobexec/internal/executor/coordinator"
	"dcjobexec/internal/executor/credential"
	"dcjobexec/internal/executor/dispatcher"
	"dcjobexec/internal/executor/handler"
	"dcjobexec/internal/executor/handlers"
	"dcjobexec/internal/executor/logging"
	"dcjobexec/internal/executor/metrics"
	"dcjobexec/internal/executor/model"
	"dcjobexec/internal/executor/periodic"
	"dcjobexec/internal/executor/session"
)

func main() {
	var (
		metricsPort = flag.String("metrics-port", "9090", "Prometheus metrics HTTP port")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	coord := coordinator.New(cfg.CoordinatorURL, cfg.ServiceToken, cfg.APIKey, cfg.SigningSecret, nil)
	sessions := session.NewManager()
	defer sessions.Close()
	auditLog := audit.New(coord, logger)

	credentials, err := credential.New(coord, cfg.CryptoKey)
	if err != nil {
		slog.Error("failed to initialize credential resolver", "error", err)
		os.Exit(1)
	}

	scheduler := &periodic.Scheduler{Coordinator: coord, StaleAfter: cfg.StaleRunningTimeout}

	deps := handlers.Deps{
		Redfish:     adapters.NewRedfishAdapter(sessions, auditLog),
		SSH:         adapters.NewSSHAdapter(auditLog),
		Hypervisor:  adapters.StubHypervisor{},
		Credentials: credentials,
		Scheduler:   scheduler,
	}
	registry := handlers.New(deps)

	newContext := func(job *model.Job) *handler.Context {
		return &handler.Context{
			Coordinator: coord,
			Sessions:    sessions,
			Audit:       auditLog,
			Credentials: credentials,
			Logger:      logger,
			Job:         job,
		}
	}

	disp := dispatcher.New(dispatcher.Config{
		WorkerID:            cfg.WorkerID,
		PollInterval:        cfg.PollInterval,
		BatchSize:           cfg.BatchSize,
		WorkerPoolSize:      cfg.WorkerPoolSize,
		StaleRunningTimeout: cfg.StaleRunningTimeout,
	}, coord, registry, newContext, logger)

	if err := disp.RecoverOrphans(ctx); err != nil {
		slog.Error("failed to recover orphaned jobs", "error", err)
		os.Exit(1)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	go disp.Run(runCtx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:         ":" + *metricsPort,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting metrics server", "port", *metricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("executor started", "worker_id", cfg.WorkerID, "poll_interval", cfg.PollInterval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down executor...")
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server forced to shutdown", "error", err)
	}

	slog.Info("executor exited")
}
