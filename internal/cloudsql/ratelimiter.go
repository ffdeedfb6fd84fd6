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
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultRefreshInterval is the minimum amount of time between
	// successive refresh operations under sustained load.
	defaultRefreshInterval = 30 * time.Second
	// defaultRefreshBurst is the number of refresh operations allowed to
	// run back-to-back before the rate limiter starts throttling.
	defaultRefreshBurst = 2
)

// RateLimiter limits how often a refresh operation may run, bounding the
// number of calls made against the admin API per instance. It is a thin
// wrapper around rate.Limiter so that refresh code depends on this small
// package-local type rather than importing golang.org/x/time/rate directly.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter returns a RateLimiter that permits burst refreshes
// back-to-back, and thereafter one refresh per interval.
func NewRateLimiter(interval time.Duration, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Wait blocks until the rate limiter permits another refresh, or ctx is
// canceled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
