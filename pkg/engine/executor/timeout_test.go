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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTimeout_OperationWins(t *testing.T) {
	value, err := WithTimeout(context.Background(), func(ctx context.Context) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return "done", nil
	}, time.Second, "fast op")

	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

func TestWithTimeout_TimerWins(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	_, err := WithTimeout(context.Background(), func(ctx context.Context) (string, error) {
		<-block
		return "never", nil
	}, 100*time.Millisecond, "stuck op")
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "stuck op", timeoutErr.Label)
	assert.Equal(t, 100*time.Millisecond, timeoutErr.Duration)
	assert.Less(t, elapsed, time.Second, "should reject around the deadline, not later")
}

func TestWithTimeout_OperationErrorPropagatesUnchanged(t *testing.T) {
	opErr := errors.New("document does not exist")
	_, err := WithTimeout(context.Background(), func(ctx context.Context) (int, error) {
		return 0, opErr
	}, time.Second, "failing op")

	assert.ErrorIs(t, err, opErr)
}

func TestWithTimeout_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	defer close(block)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := WithTimeout(ctx, func(ctx context.Context) (int, error) {
		<-block
		return 0, nil
	}, time.Minute, "cancelled op")

	assert.ErrorIs(t, err, context.Canceled)
}
