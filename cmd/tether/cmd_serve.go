// Copyright 2026 Datafox Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/datafox-labs/tether/internal/version"
	"github.com/datafox-labs/tether/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session middleware daemon",
	Long:  `Runs the session pool and metrics endpoint until interrupted. Tool handlers and UI backends attach through the exported pool APIs.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting tether",
		zap.String("version", version.Get()),
		zap.String("engine", cfg.Engine.EndpointBase))

	pool, err := buildPool(cfg, logger)
	if err != nil {
		return err
	}

	var metricsSrv interface{ Shutdown(context.Context) error }
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := pool.CloseAll(shutdownCtx); err != nil {
		logger.Warn("pool shutdown incomplete", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}
	return nil
}
