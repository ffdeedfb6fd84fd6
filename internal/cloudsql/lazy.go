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
	"cloud.google.com/go/cloudsqlconn/instance"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

// lazyRefreshBuffer pads a cached certificate's expiration so that a caller
// has time to complete a TLS handshake before it actually lapses.
const lazyRefreshBuffer = 4 * time.Minute

// LazyRefreshCache caches connection info and refreshes it synchronously,
// on demand, only when a caller requests connection info and the cached
// certificate is at or past its refresh buffer. It runs no background
// scheduler, making it suitable for hosts that suspend background execution
// between invocations, such as serverless compute.
type LazyRefreshCache struct {
	connName instance.ConnName
	logger   debug.ContextLogger
	client   adminAPIClient

	mu              sync.Mutex
	needsRefresh    bool
	cached          ConnectionInfo
	useIAMAuthNDial bool
}

// NewLazyRefreshCache initializes a new LazyRefreshCache.
func NewLazyRefreshCache(
	cn instance.ConnName,
	l debug.ContextLogger,
	client *sqladmin.Service,
	key *rsa.PrivateKey,
	tp auth.TokenProvider,
	dialerID string,
	useIAMAuthNDial bool,
) *LazyRefreshCache {
	return &LazyRefreshCache{
		connName:        cn,
		logger:          l,
		client:          newAdminAPIClient(l, client, key, tp, dialerID),
		useIAMAuthNDial: useIAMAuthNDial,
	}
}

// ConnectionInfo returns connection info for the associated instance,
// performing a synchronous refresh if the cached info is stale, missing, or
// a caller has separately called ForceRefresh.
func (c *LazyRefreshCache) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	exp := c.cached.Expiration().UTC().Add(-lazyRefreshBuffer)
	if !c.needsRefresh && now.Before(exp) {
		c.logger.Debugf(ctx, "[%v] connection info is still valid, using cached info", c.connName.String())
		return c.cached, nil
	}

	c.logger.Debugf(ctx, "[%v] connection info refresh operation started", c.connName.String())
	ci, err := c.client.ConnectionInfo(ctx, c.connName, c.useIAMAuthNDial)
	if err != nil {
		c.logger.Debugf(ctx, "[%v] connection info refresh operation failed, err = %v", c.connName.String(), err)
		return ConnectionInfo{}, err
	}
	c.logger.Debugf(ctx, "[%v] connection info refresh operation complete", c.connName.String())
	c.cached = ci
	c.needsRefresh = false
	return ci, nil
}

// ForceRefresh invalidates the cached entry so the next call to
// ConnectionInfo performs a fresh refresh.
func (c *LazyRefreshCache) ForceRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.needsRefresh = true
}

// UpdateRefresh updates the IAM auth setting used for future refreshes. It
// has no background operations to cancel, unlike RefreshAheadCache.
func (c *LazyRefreshCache) UpdateRefresh(useIAMAuthNDial *bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if useIAMAuthNDial != nil {
		c.useIAMAuthNDial = *useIAMAuthNDial
		c.needsRefresh = true
	}
}

// Close is a no-op, provided for a consistent interface with
// RefreshAheadCache.
func (c *LazyRefreshCache) Close() error {
	return nil
}
