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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datafox-labs/tether/pkg/engine/executor"
	"github.com/datafox-labs/tether/pkg/engine/protocol"
	"github.com/datafox-labs/tether/pkg/engine/session"
)

var (
	objectsType string

	objectsCmd = &cobra.Command{
		Use:   "objects <document-id>",
		Short: "Dump every object in a document as JSON",
		Long:  `Fetches a document's full object list and walks it in batches under the configured timeouts. Items that error or time out are reported individually; the rest of the dump still succeeds.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runObjects,
	}
)

func init() {
	objectsCmd.Flags().StringVar(&objectsType, "type", "", "only dump objects of this type")
	rootCmd.AddCommand(objectsCmd)
}

func runObjects(cmd *cobra.Command, args []string) error {
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

	fetchList := func(ctx context.Context, s *session.Session) ([]protocol.ObjectRef, error) {
		var refs []protocol.ObjectRef
		params := protocol.ListObjectsParams{DocumentID: documentID, Type: objectsType}
		if err := s.Call(ctx, protocol.MethodListObjects, params, &refs); err != nil {
			return nil, err
		}
		return refs, nil
	}

	perItem := func(ctx context.Context, s *session.Session, ref protocol.ObjectRef) (json.RawMessage, error) {
		var object json.RawMessage
		params := protocol.GetObjectParams{DocumentID: documentID, ObjectID: ref.ID}
		if err := s.Call(ctx, protocol.MethodGetObject, params, &object); err != nil {
			return nil, err
		}
		return object, nil
	}

	result, err := executor.MapAllWithTimeout(ctx, pool, documentID, fetchList, perItem,
		executor.BatchOptions{
			BatchSize:    cfg.Batch.BatchSize,
			ItemTimeout:  cfg.Batch.ItemTimeout,
			TotalTimeout: cfg.Batch.TotalTimeout,
			Retry: executor.RetryOptions{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.Retry.BaseDelay,
				Logger:      logger,
			},
			Logger: logger,
		})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
