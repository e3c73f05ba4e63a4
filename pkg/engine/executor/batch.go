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
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/datafox-labs/tether/pkg/engine/session"
	"github.com/datafox-labs/tether/pkg/metrics"
)

// Identifiable is implemented by list items so per-item failures can be
// reported against an ID.
type Identifiable interface {
	ItemID() string
}

// BatchOptions tunes one batch traversal.
type BatchOptions struct {
	BatchSize    int           // Default: 50
	ItemTimeout  time.Duration // Default: 5s
	TotalTimeout time.Duration // Default: 5m
	Retry        RetryOptions  // Used for the initial list fetch
	Logger       *zap.Logger
}

func (o *BatchOptions) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = 5 * time.Second
	}
	if o.TotalTimeout <= 0 {
		o.TotalTimeout = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.Retry.applyDefaults()
}

// BatchError records one item's failure without aborting the batch.
type BatchError struct {
	ItemID  string `json:"itemId"`
	Message string `json:"message"`
}

// BatchResult accumulates while a batch runs and is final once the call
// returns. Items holds exactly the successfully processed values, so
// len(Items) == ProcessedCount, and ProcessedCount+SkippedCount never
// exceeds TotalCount; it falls short when the total timeout cut the run
// off with items still unvisited.
type BatchResult[T any] struct {
	Success         bool          `json:"success"`
	Items           []T           `json:"items"`
	TotalCount      int           `json:"totalCount"`
	ProcessedCount  int           `json:"processedCount"`
	SkippedCount    int           `json:"skippedCount"`
	Batches         int          `json:"batches"`
	TimeoutOccurred bool         `json:"timeoutOccurred"`
	ElapsedMs       int64        `json:"elapsedMs"`
	Errors          []BatchError `json:"errors"`
}

// MapAllWithTimeout fetches the full item list for documentID once (with
// retry), then walks it in BatchSize chunks, running perItem under the
// per-item deadline. A failing or slow item degrades the result, never
// aborts it: batches commonly number in the thousands, and one bad item
// must not throw away the rest of the work. On a classified connection
// error the mapper reconnects once through the pool; if that reconnect
// fails, every remaining item is skipped with its own error entry and the
// partial result is returned.
func MapAllWithTimeout[L Identifiable, T any](
	ctx context.Context,
	pool Pool,
	documentID string,
	fetchList Operation[[]L],
	perItem func(ctx context.Context, s *session.Session, item L) (T, error),
	opts BatchOptions,
) (*BatchResult[T], error) {
	opts.applyDefaults()
	logger := opts.Logger.With(zap.String("document_id", documentID))
	start := time.Now()

	list, err := ExecuteWithRetry(ctx, pool, documentID, fetchList, opts.Retry)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch item list: %w", err)
	}

	result := &BatchResult[T]{
		TotalCount: len(list),
		Items:      make([]T, 0, len(list)),
	}

	sess, err := pool.GetOrCreate(ctx, documentID)
	if err != nil {
		return nil, err
	}

	logger.Info("starting batch traversal",
		zap.Int("total", len(list)),
		zap.Int("batch_size", opts.BatchSize))

scan:
	for chunkStart := 0; chunkStart < len(list); chunkStart += opts.BatchSize {
		chunkEnd := min(chunkStart+opts.BatchSize, len(list))
		result.Batches++

		for i := chunkStart; i < chunkEnd; i++ {
			// Cooperative total-budget check between items. A single item
			// whose own deadline is large can still overrun this budget
			// before the next check point.
			if time.Since(start) >= opts.TotalTimeout {
				result.TimeoutOccurred = true
				metrics.BatchTimeouts.Inc()
				logger.Warn("batch total timeout reached",
					zap.Int("visited", i),
					zap.Int("total", len(list)))
				break scan
			}

			item := list[i]
			value, itemErr := WithTimeout(ctx, func(ctx context.Context) (T, error) {
				return perItem(ctx, sess, item)
			}, opts.ItemTimeout, fmt.Sprintf("item %s", item.ItemID()))

			if itemErr == nil {
				result.Items = append(result.Items, value)
				result.ProcessedCount++
				metrics.BatchItemsProcessed.Inc()
				continue
			}

			result.Errors = append(result.Errors, BatchError{
				ItemID:  item.ItemID(),
				Message: itemErr.Error(),
			})
			result.SkippedCount++
			metrics.BatchItemsSkipped.Inc()

			if !IsConnectionError(itemErr) {
				continue
			}

			// The session is gone mid-batch. One reconnect attempt; if
			// even that fails, skip everything left rather than raising.
			logger.Warn("connection lost mid-batch, reconnecting",
				zap.Int("visited", i),
				zap.Error(itemErr))
			_ = pool.Close(ctx, documentID)
			fresh, reconnectErr := pool.GetOrCreate(ctx, documentID)
			if reconnectErr != nil {
				logger.Error("mid-batch reconnect failed, skipping remaining items",
					zap.Error(reconnectErr))
				skipRemaining(result, list[i+1:], reconnectErr)
				break scan
			}
			sess = fresh
		}
	}

	elapsed := time.Since(start)
	result.ElapsedMs = elapsed.Milliseconds()
	result.Success = !result.TimeoutOccurred && len(result.Errors) == 0

	logger.Info("batch traversal finished",
		zap.Int("processed", result.ProcessedCount),
		zap.Int("skipped", result.SkippedCount),
		zap.Int("batches", result.Batches),
		zap.Bool("timeout", result.TimeoutOccurred),
		zap.Duration("elapsed", elapsed))

	return result, nil
}

// skipRemaining records an error entry for every unvisited item after an
// unrecoverable connection loss.
func skipRemaining[L Identifiable, T any](result *BatchResult[T], remaining []L, cause error) {
	for _, item := range remaining {
		result.Errors = append(result.Errors, BatchError{
			ItemID:  item.ItemID(),
			Message: fmt.Sprintf("session unrecoverable: %v", cause),
		})
		result.SkippedCount++
		metrics.BatchItemsSkipped.Inc()
	}
}
