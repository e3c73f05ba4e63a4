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
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/datafox-labs/tether/internal/log"
	"github.com/datafox-labs/tether/internal/version"
	"github.com/datafox-labs/tether/pkg/config"
	"github.com/datafox-labs/tether/pkg/engine/session"
	"github.com/datafox-labs/tether/pkg/engine/transport"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:     "tether",
	Short:   "Tether - pooled session middleware for the analytical engine",
	Long:    `Tether multiplexes assistant tool calls onto a small set of persistent document sessions against the remote analytical engine, with keep-alive, idle expiry, retry, and timeout-protected batch execution.`,
	Version: version.Get(),
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./tether.yaml)")
}

// loadRuntime loads config and builds the logger. Shared by every subcommand.
func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := log.Setup(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// buildPool assembles the session pool at the process's composition point:
// config feeds the credential resolver, the resolver feeds the websocket
// dialer, the dialer feeds the pool.
func buildPool(cfg *config.Config, logger *zap.Logger) (*session.Pool, error) {
	resolver := config.NewStaticResolver(cfg.Engine)

	dialer := transport.DialerFunc(func(ctx context.Context, documentID string) (transport.Transport, error) {
		creds, err := resolver.Resolve(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve engine credentials: %w", err)
		}
		return transport.DialWebSocket(ctx, transport.DialConfig{
			URL:              creds.EndpointBase + "/" + url.PathEscape(documentID),
			AuthToken:        creds.AuthToken,
			HandshakeTimeout: cfg.Engine.HandshakeTimeout,
			Logger:           logger,
		})
	})

	return session.NewPool(session.PoolConfig{
		Dialer: dialer,
		Session: session.Config{
			KeepAliveInterval: cfg.Engine.KeepAliveInterval,
			IdleTimeout:       cfg.Engine.IdleTimeout,
			OpenTimeout:       cfg.Engine.OpenTimeout,
		},
		Logger: logger,
	})
}
