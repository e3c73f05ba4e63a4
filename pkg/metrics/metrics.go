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
// Package metrics exposes Prometheus instrumentation for the session pool
// and the batch execution engine.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// Session pool metrics
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tether_sessions_active",
		Help: "The current number of open document sessions.",
	})
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_sessions_opened_total",
		Help: "The total number of document sessions opened.",
	})
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_sessions_closed_total",
		Help: "The total number of document sessions closed, by reason.",
	}, []string{"reason"})
	KeepAliveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_keepalive_failures_total",
		Help: "The total number of keep-alive pings that failed.",
	})

	// Executor metrics
	RetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_retry_attempts_total",
		Help: "The total number of retries after classified connection errors.",
	})

	// Batch metrics
	BatchItemsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_batch_items_processed_total",
		Help: "The total number of batch items processed successfully.",
	})
	BatchItemsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_batch_items_skipped_total",
		Help: "The total number of batch items skipped due to per-item errors.",
	})
	BatchTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_batch_timeouts_total",
		Help: "The total number of batch runs that hit their total timeout.",
	})
)

// StartServer exposes the Prometheus scrape endpoint on its own listener.
// It returns the http.Server so the caller can shut it down.
func StartServer(port int, path string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening",
			zap.String("addr", srv.Addr),
			zap.String("path", path))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return srv
}
