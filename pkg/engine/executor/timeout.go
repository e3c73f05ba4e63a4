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
)

// TimeoutError is returned when an operation exceeds its deadline. Callers
// can pick it out with errors.As to decide whether partial results are
// worth showing.
type TimeoutError struct {
	Label    string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Label, e.Duration)
}

// WithTimeout races op against a timer. If the timer fires first, it returns
// a TimeoutError; the operation itself is NOT cancelled at the protocol
// level (the engine protocol has no cooperative cancellation), so the
// abandoned call may still complete server-side and its result is discarded.
// If op finishes first, the timer is cleared and op's outcome propagates
// unchanged.
func WithTimeout[T any](ctx context.Context, op func(ctx context.Context) (T, error), d time.Duration, label string) (T, error) {
	type outcome struct {
		value T
		err   error
	}

	// Buffered so the abandoned goroutine never leaks blocked on send.
	done := make(chan outcome, 1)
	go func() {
		v, err := op(ctx)
		done <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case out := <-done:
		return out.value, out.err
	case <-timer.C:
		return zero, &TimeoutError{Label: label, Duration: d}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
