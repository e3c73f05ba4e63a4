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
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafox-labs/tether/pkg/engine/session"
)

type testItem struct {
	id string
}

func (i testItem) ItemID() string { return i.id }

func makeItems(n int) []testItem {
	items := make([]testItem, n)
	for i := range items {
		items[i] = testItem{id: fmt.Sprintf("item-%d", i)}
	}
	return items
}

func listFetcher(items []testItem) Operation[[]testItem] {
	return func(ctx context.Context, s *session.Session) ([]testItem, error) {
		return items, nil
	}
}

func quickBatch(batchSize int) BatchOptions {
	return BatchOptions{
		BatchSize:    batchSize,
		ItemTimeout:  time.Second,
		TotalTimeout: time.Minute,
		Retry:        quickRetry(3),
	}
}

func TestMapAllWithTimeout_AllItemsSucceed(t *testing.T) {
	pool := &fakePool{}

	result, err := MapAllWithTimeout(context.Background(), pool, "doc-1",
		listFetcher(makeItems(120)),
		func(ctx context.Context, s *session.Session, item testItem) (string, error) {
			return item.id, nil
		}, quickBatch(50))

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 120, result.TotalCount)
	assert.Equal(t, 120, result.ProcessedCount)
	assert.Equal(t, 0, result.SkippedCount)
	assert.Equal(t, 3, result.Batches, "two full chunks plus one partial chunk of 20")
	assert.Len(t, result.Items, 120)
	assert.Empty(t, result.Errors)
	assert.False(t, result.TimeoutOccurred)
}

func TestMapAllWithTimeout_SingleBadItemDoesNotAbort(t *testing.T) {
	pool := &fakePool{}

	result, err := MapAllWithTimeout(context.Background(), pool, "doc-1",
		listFetcher(makeItems(120)),
		func(ctx context.Context, s *session.Session, item testItem) (string, error) {
			if item.id == "item-75" {
				return "", errors.New("invalid object definition")
			}
			return item.id, nil
		}, quickBatch(50))

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 119, result.ProcessedCount)
	assert.Equal(t, 1, result.SkippedCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "item-75", result.Errors[0].ItemID)
	assert.Contains(t, result.Errors[0].Message, "invalid object definition")
	assert.Len(t, result.Items, 119)

	_, closes := pool.counts()
	assert.Equal(t, 0, closes, "logical item errors must not trigger reconnects")
}

func TestMapAllWithTimeout_SlowItemTimesOutAndBatchContinues(t *testing.T) {
	pool := &fakePool{}
	opts := quickBatch(50)
	opts.ItemTimeout = 30 * time.Millisecond

	result, err := MapAllWithTimeout(context.Background(), pool, "doc-1",
		listFetcher(makeItems(20)),
		func(ctx context.Context, s *session.Session, item testItem) (string, error) {
			if item.id == "item-5" {
				time.Sleep(200 * time.Millisecond)
			}
			return item.id, nil
		}, opts)

	require.NoError(t, err)
	assert.Equal(t, 19, result.ProcessedCount)
	assert.Equal(t, 1, result.SkippedCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "item-5", result.Errors[0].ItemID)
	assert.Contains(t, result.Errors[0].Message, "timed out")
	assert.False(t, result.TimeoutOccurred, "a per-item deadline is not a batch timeout")
}

func TestMapAllWithTimeout_TotalTimeoutStopsEarly(t *testing.T) {
	pool := &fakePool{}
	opts := quickBatch(50)
	opts.TotalTimeout = 50 * time.Millisecond

	result, err := MapAllWithTimeout(context.Background(), pool, "doc-1",
		listFetcher(makeItems(120)),
		func(ctx context.Context, s *session.Session, item testItem) (string, error) {
			time.Sleep(2 * time.Millisecond)
			return item.id, nil
		}, opts)

	require.NoError(t, err)
	assert.True(t, result.TimeoutOccurred)
	assert.False(t, result.Success)
	assert.Less(t, result.ProcessedCount+result.SkippedCount, 120,
		"items past the cutoff are neither processed nor skipped")
	assert.Greater(t, result.ProcessedCount, 0)
}

func TestMapAllWithTimeout_ReconnectsAfterConnectionError(t *testing.T) {
	pool := &fakePool{}
	failed := false

	result, err := MapAllWithTimeout(context.Background(), pool, "doc-1",
		listFetcher(makeItems(30)),
		func(ctx context.Context, s *session.Session, item testItem) (string, error) {
			if item.id == "item-10" && !failed {
				failed = true
				return "", errors.New("websocket: close 1006 (abnormal closure)")
			}
			return item.id, nil
		}, quickBatch(10))

	require.NoError(t, err)
	assert.Equal(t, 29, result.ProcessedCount)
	assert.Equal(t, 1, result.SkippedCount)
	_, closes := pool.counts()
	assert.Equal(t, 1, closes, "one forced close for the mid-batch reconnect")
}

func TestMapAllWithTimeout_ReconnectFailureSkipsRemaining(t *testing.T) {
	pool := &fakePool{}
	pool.createErr = func(gets, closes int) error {
		if closes > 0 {
			return errors.New("connection refused")
		}
		return nil
	}

	result, err := MapAllWithTimeout(context.Background(), pool, "doc-1",
		listFetcher(makeItems(120)),
		func(ctx context.Context, s *session.Session, item testItem) (string, error) {
			if item.id == "item-10" {
				return "", errors.New("connection reset by peer")
			}
			return item.id, nil
		}, quickBatch(50))

	require.NoError(t, err, "an unrecoverable batch still returns its partial result")
	assert.Equal(t, 10, result.ProcessedCount)
	assert.Equal(t, 110, result.SkippedCount, "the failing item plus everything after it")
	assert.Equal(t, 120, result.ProcessedCount+result.SkippedCount)
	assert.Len(t, result.Errors, 110)
	assert.Contains(t, result.Errors[1].Message, "session unrecoverable")
	assert.False(t, result.Success)
}

func TestMapAllWithTimeout_FetchListFailurePropagates(t *testing.T) {
	pool := &fakePool{}
	fetchErr := errors.New("access denied")

	_, err := MapAllWithTimeout(context.Background(), pool, "doc-1",
		func(ctx context.Context, s *session.Session) ([]testItem, error) {
			return nil, fetchErr
		},
		func(ctx context.Context, s *session.Session, item testItem) (string, error) {
			return item.id, nil
		}, quickBatch(50))

	assert.ErrorIs(t, err, fetchErr)
}

func TestMapAllWithTimeout_ElapsedReportedAsMilliseconds(t *testing.T) {
	pool := &fakePool{}

	result, err := MapAllWithTimeout(context.Background(), pool, "doc-1",
		listFetcher(makeItems(5)),
		func(ctx context.Context, s *session.Session, item testItem) (string, error) {
			time.Sleep(10 * time.Millisecond)
			return item.id, nil
		}, quickBatch(50))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.ElapsedMs, int64(50))
	assert.Less(t, result.ElapsedMs, int64(60_000), "elapsedMs must be milliseconds, not nanoseconds")

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	var decoded struct {
		ElapsedMs int64 `json:"elapsedMs"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, result.ElapsedMs, decoded.ElapsedMs)
}

func TestMapAllWithTimeout_EmptyList(t *testing.T) {
	pool := &fakePool{}

	result, err := MapAllWithTimeout(context.Background(), pool, "doc-1",
		listFetcher(nil),
		func(ctx context.Context, s *session.Session, item testItem) (string, error) {
			return item.id, nil
		}, quickBatch(50))

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.TotalCount)
	assert.Equal(t, 0, result.Batches)
	assert.Empty(t, result.Items)
}
