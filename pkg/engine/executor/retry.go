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

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/datafox-labs/tether/pkg/engine/session"
	"github.com/datafox-labs/tether/pkg/metrics"
)

// Pool is the slice of the session pool the executor needs.
type Pool interface {
	GetOrCreate(ctx context.Context, documentID string) (*session.Session, error)
	Close(ctx context.Context, documentID string) error
}

// Operation runs against a pooled session and produces a value.
type Operation[T any] func(ctx context.Context, s *session.Session) (T, error)

// RetryOptions bounds the retry loop.
type RetryOptions struct {
	MaxAttempts int           // Default: 3
	BaseDelay   time.Duration // Default: 500ms; attempt n waits n*BaseDelay
	Logger      *zap.Logger
}

func (o *RetryOptions) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// linearBackOff waits attempt*base between tries. Linear rather than
// exponential keeps worst-case latency predictable for interactive callers.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.base
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// ExecuteWithRetry obtains a pooled session for documentID and runs op. On a
// classified connection error it force-closes the stale session so the next
// attempt opens fresh, waits out the linear backoff, and retries up to
// MaxAttempts total attempts. Any other failure propagates immediately:
// retrying a logical error wastes the deadline budget and masks the real
// failure.
func ExecuteWithRetry[T any](ctx context.Context, pool Pool, documentID string, op Operation[T], opts RetryOptions) (T, error) {
	opts.applyDefaults()
	logger := opts.Logger.With(zap.String("document_id", documentID))

	var result T
	attempt := 0

	work := func() error {
		attempt++

		s, err := pool.GetOrCreate(ctx, documentID)
		if err == nil {
			result, err = op(ctx, s)
			if err == nil {
				return nil
			}
		}

		if !IsConnectionError(err) {
			return backoff.Permanent(err)
		}
		if attempt >= opts.MaxAttempts {
			return backoff.Permanent(fmt.Errorf("document %s unreachable after %d attempts: %w",
				documentID, attempt, err))
		}

		// Evict the stale session. A failed close is irrelevant: the goal
		// is a fresh connection on the next attempt, not a clean goodbye.
		if closeErr := pool.Close(ctx, documentID); closeErr != nil {
			logger.Debug("forced close failed", zap.Error(closeErr))
		}
		metrics.RetryAttempts.Inc()
		logger.Warn("connection error, will retry with fresh session",
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{base: opts.BaseDelay}, uint64(opts.MaxAttempts-1)),
		ctx,
	)

	if err := backoff.Retry(work, policy); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
