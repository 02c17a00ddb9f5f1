/*
Copyright 2025 The Trainforge Provisioner contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reconciling

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// DefaultBackoff bounds the local retries of transient failures. Five steps
// keep the worst case well below the invocation budget.
var DefaultBackoff = wait.Backoff{
	Duration: 1 * time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    5,
}

// responseMargin is reserved at the end of the invocation budget so a
// response can still be emitted after the last external call returns.
const responseMargin = 10 * time.Second

// Retry runs fn, retrying TransientError results with DefaultBackoff. Any
// other error fails immediately; exhausting the backoff surfaces the last
// transient error.
func Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return RetryWithBackoff(ctx, DefaultBackoff, fn)
}

// RetryWithBackoff is Retry with a caller-chosen backoff.
func RetryWithBackoff(ctx context.Context, backoff wait.Backoff, fn func(ctx context.Context) error) error {
	var lastErr error

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		lastErr = fn(ctx)
		if lastErr == nil {
			return true, nil
		}
		if IsTransientError(lastErr) {
			return false, nil
		}

		return false, lastErr
	})

	if wait.Interrupted(err) && lastErr != nil {
		return lastErr
	}

	return err
}

// RemainingBudget returns how much of the invocation budget is left for
// external calls, keeping the response margin aside. Contexts without a
// deadline get an effectively unlimited budget.
func RemainingBudget(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return time.Hour
	}

	return time.Until(deadline) - responseMargin
}

// Poll runs condition every interval until it reports done or fails. Before
// each sleep the remaining budget is re-checked; when it cannot fit another
// round, an InProgressError is returned so the caller can retry the event
// instead of timing out silently.
func Poll(ctx context.Context, interval time.Duration, condition wait.ConditionWithContextFunc) error {
	for {
		done, err := condition(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if RemainingBudget(ctx) < interval {
			return InProgressErrorf("operation still in progress after exhausting the time budget")
		}

		select {
		case <-ctx.Done():
			return InProgressErrorf("operation still in progress: %v", ctx.Err())
		case <-time.After(interval):
		}
	}
}
