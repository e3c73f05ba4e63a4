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
	"time"

	"github.com/spf13/cobra"

	"github.com/datafox-labs/tether/pkg/engine/executor"
	"github.com/datafox-labs/tether/pkg/engine/session"
)

var pingCmd = &cobra.Command{
	Use:   "ping <document-id>",
	Short: "Open (or reuse) a session to a document and ping it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
}

func runPing(cmd *cobra.Command, args []string) error {
	documentID := args[0]

	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pool, err := buildPool(cfg, logger)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer func() { _ = pool.CloseAll(context.WithoutCancel(ctx)) }()

	start := time.Now()
	_, err = executor.ExecuteWithRetry(ctx, pool, documentID,
		func(ctx context.Context, s *session.Session) (struct{}, error) {
			return struct{}{}, s.Ping(ctx)
		},
		executor.RetryOptions{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			Logger:      logger,
		})
	if err != nil {
		return fmt.Errorf("ping %s failed: %w", documentID, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", documentID, time.Since(start).Round(time.Millisecond))
	return nil
}
