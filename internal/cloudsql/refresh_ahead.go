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
	"crypto/rsa"
	"sync"
	"time"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

// refreshOperation is a pending result of a refresh of the data used to
// connect securely. It is only ever created by RefreshAheadCache as part of
// a refresh cycle.
type refreshOperation struct {
	ready  chan struct{}
	timer  *time.Timer
	result ConnectionInfo
	err    error
}

// cancel prevents the refreshOperation from starting, if it hasn't already.
// It returns true if the timer was stopped before it fired.
func (r *refreshOperation) cancel() bool {
	return r.timer.Stop()
}

// isValid reports whether this operation finished, succeeded, and its
// result has not yet expired.
func (r *refreshOperation) isValid() bool {
	select {
	default:
		return false
	case <-r.ready:
		if r.err != nil || time.Now().After(r.result.Expiration().Round(0)) {
			return false
		}
		return true
	}
}

// RefreshAheadCache manages the information needed to connect to a Cloud SQL
// instance by periodically calling the admin API ahead of the current
// certificate's expiration, so that connection attempts are never blocked on
// a live refresh under normal operation.
type RefreshAheadCache struct {
	connName       instance.ConnName
	logger         debug.ContextLogger
	key            *rsa.PrivateKey
	refreshTimeout time.Duration
	limiter        *RateLimiter
	client         adminAPIClient

	mu              sync.RWMutex
	useIAMAuthNDial bool
	// cur is the refreshOperation in use for new connections. If a valid
	// complete operation isn't available, cur may equal next.
	cur *refreshOperation
	// next is a future or in-flight refreshOperation that will replace cur
	// once it completes.
	next *refreshOperation

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRefreshAheadCache initializes a RefreshAheadCache and schedules its
// first refresh.
func NewRefreshAheadCache(
	cn instance.ConnName,
	l debug.ContextLogger,
	client *sqladmin.Service,
	key *rsa.PrivateKey,
	refreshTimeout time.Duration,
	tp auth.TokenProvider,
	dialerID string,
	useIAMAuthNDial bool,
) *RefreshAheadCache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &RefreshAheadCache{
		connName:        cn,
		logger:          l,
		key:             key,
		refreshTimeout:  refreshTimeout,
		limiter:         NewRateLimiter(defaultRefreshInterval, defaultRefreshBurst),
		client:          newAdminAPIClient(l, client, key, tp, dialerID),
		useIAMAuthNDial: useIAMAuthNDial,
		ctx:             ctx,
		cancel:          cancel,
	}
	// For the initial refresh, cur = next so that connection requests block
	// until it completes.
	c.mu.Lock()
	c.cur = c.scheduleRefresh(0)
	c.next = c.cur
	c.mu.Unlock()
	return c
}

// secondsUntilRefresh computes the delay before the next scheduled refresh
// given a certificate's expiration time.
func secondsUntilRefresh(now, exp time.Time) time.Duration {
	d := exp.Sub(now.Round(0))
	if d < 4*time.Minute {
		return 0
	}
	if d < time.Hour {
		return d - 4*time.Minute
	}
	return d / 2
}

// ConnectionInfo returns the current connection info, blocking until the
// first refresh completes if necessary.
func (c *RefreshAheadCache) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	op, err := c.refreshOperation(ctx)
	if err != nil {
		return ConnectionInfo{}, err
	}
	return op.result, nil
}

func (c *RefreshAheadCache) refreshOperation(ctx context.Context) (*refreshOperation, error) {
	c.mu.RLock()
	cur := c.cur
	c.mu.RUnlock()
	select {
	case <-cur.ready:
		if cur.err != nil {
			return nil, cur.err
		}
		return cur, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ForceRefresh triggers an immediate refresh to be scheduled and used for
// future connection attempts. While it is in flight, the existing
// connection info remains available if it is still valid.
func (c *RefreshAheadCache) ForceRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	// If the next refresh hasn't started yet, cancel it and start one now.
	if c.next.cancel() {
		c.next = c.scheduleRefresh(0)
	}
	// Only swap cur out if it's no longer valid, so callers mid-dial against
	// still-good credentials aren't interrupted.
	if !c.cur.isValid() {
		c.cur = c.next
	}
}

// UpdateRefresh cancels any pending refreshes and reschedules immediately if
// useIAMAuthNDial differs from the cache's current setting.
func (c *RefreshAheadCache) UpdateRefresh(useIAMAuthNDial *bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if useIAMAuthNDial != nil && *useIAMAuthNDial != c.useIAMAuthNDial {
		c.cur.cancel()
		c.next.cancel()
		c.useIAMAuthNDial = *useIAMAuthNDial
		c.cur = c.scheduleRefresh(0)
		c.next = c.cur
	}
}

// Close stops the refresh cycle and prevents further admin API calls.
func (c *RefreshAheadCache) Close() error {
	c.cancel()
	return nil
}

func (c *RefreshAheadCache) scheduleRefresh(d time.Duration) *refreshOperation {
	r := &refreshOperation{ready: make(chan struct{})}
	r.timer = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.refreshTimeout)
		defer cancel()

		if err := c.limiter.Wait(ctx); err != nil {
			r.err = errtype.NewDialError(
				"context was canceled or expired before refresh completed",
				c.connName.String(),
				nil,
			)
		} else {
			c.mu.RLock()
			iamAuthN := c.useIAMAuthNDial
			c.mu.RUnlock()
			r.result, r.err = c.client.ConnectionInfo(ctx, c.connName, iamAuthN)
		}
		close(r.ready)

		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if r.err != nil {
			c.next = c.scheduleRefresh(0)
			// Suppress the error while cur is still valid; the next
			// successful refresh will supersede it.
			if !c.cur.isValid() {
				c.cur = r
			}
			return
		}
		c.cur = r
		c.next = c.scheduleRefresh(secondsUntilRefresh(time.Now(), r.result.Expiration()))
	})
	return r
}
