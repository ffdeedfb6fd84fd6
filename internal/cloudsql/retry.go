// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloudsql

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"google.golang.org/api/googleapi"
)

// backoff computes successive retry delays.
type backoff func(attempt int) time.Duration

// exponentialBackoff doubles the delay on each attempt, starting at 100ms
// and capping at 2s, with up to 20% jitter to avoid thundering-herd retries
// against the admin API.
func exponentialBackoff(attempt int) time.Duration {
	base := 100 * time.Millisecond
	d := base << attempt
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	return d + jitter
}

// retryable reports whether err represents a transient server-side error
// worth retrying, i.e. an HTTP 5xx response from the admin API.
func retryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code >= 500 && gerr.Code < 600
	}
	return false
}

// retry50x retries fn up to 3 additional times when it fails with a
// retryable 5xx error from the admin API, backing off between attempts.
func retry50x[T any](ctx context.Context, fn func(context.Context) (T, error), bo backoff) (T, error) {
	const maxAttempts = 4
	var (
		res T
		err error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err = fn(ctx)
		if err == nil || !retryable(err) {
			return res, err
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(bo(attempt)):
		}
	}
	return res, err
}
