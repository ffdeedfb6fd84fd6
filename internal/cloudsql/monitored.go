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
	"io"
	"sync"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/instance"
)

// ConnectionInfoCache is the interface shared by RefreshAheadCache and
// LazyRefreshCache, the two strategies MonitoredCache can wrap.
type ConnectionInfoCache interface {
	ConnectionInfo(context.Context) (ConnectionInfo, error)
	ForceRefresh()
	UpdateRefresh(*bool)
	io.Closer
}

// MonitoredCache wraps a ConnectionInfoCache, tracking the number of open
// connections and the live sockets dialed against the instance, and -- when
// the instance was addressed by domain name -- polling for a change in
// which instance that domain now resolves to.
type MonitoredCache struct {
	ConnectionInfoCache

	connName instance.ConnName
	logger   debug.ContextLogger

	openConns uint64

	mu      sync.Mutex
	sockets []io.Closer

	cancel context.CancelFunc
	// onDomainChange is invoked (at most once) when the ticker observes
	// that the instance's domain name now resolves elsewhere. It is
	// typically wired to remove this cache from the Connector's registry.
	onDomainChange func(instance.ConnName)
}

// NewMonitoredCache wraps cache and, when connName carries a domain name and
// failoverPeriod is positive, starts a background ticker that re-resolves
// the domain every failoverPeriod and invokes onDomainChange if the
// instance it now names has changed.
func NewMonitoredCache(
	ctx context.Context,
	cache ConnectionInfoCache,
	connName instance.ConnName,
	failoverPeriod time.Duration,
	resolver instance.Resolver,
	logger debug.ContextLogger,
	onDomainChange func(instance.ConnName),
) *MonitoredCache {
	ctx, cancel := context.WithCancel(ctx)
	m := &MonitoredCache{
		ConnectionInfoCache: cache,
		connName:            connName,
		logger:              logger,
		cancel:              cancel,
		onDomainChange:      onDomainChange,
	}
	if connName.DomainName != "" && failoverPeriod > 0 {
		go m.watchDomain(ctx, resolver, failoverPeriod)
	}
	return m
}

// watchDomain periodically purges closed sockets and re-resolves the
// instance's domain name. If the domain now points at a different instance,
// it closes the cache -- force-closing every registered socket and stopping
// the underlying refresh cycle -- before notifying onDomainChange. Resolution
// failures are logged and otherwise ignored -- a single bad DNS lookup should
// never tear down a working cache.
func (m *MonitoredCache) watchDomain(ctx context.Context, resolver instance.Resolver, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.purgeClosedSockets()
			cn, err := resolver.Resolve(ctx, m.connName.DomainName)
			if err != nil {
				m.logger.Debugf(ctx, "[%v] failed to resolve domain during DNS check: %v", m.connName.String(), err)
				continue
			}
			if cn.Project != m.connName.Project || cn.Region != m.connName.Region || cn.Name != m.connName.Name {
				m.logger.Debugf(ctx, "[%v] domain now resolves to %v, retiring cache", m.connName.String(), cn.String())
				_ = m.Close()
				if m.onDomainChange != nil {
					m.onDomainChange(m.connName)
				}
				return
			}
		}
	}
}

// OpenConns returns a pointer to the number of open connections, for use
// with the atomic package.
func (m *MonitoredCache) OpenConns() *uint64 {
	return &m.openConns
}

// RegisterSocket adds conn to the set of live sockets dialed against this
// instance, so that Close can force them closed.
func (m *MonitoredCache) RegisterSocket(conn io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sockets = append(m.sockets, conn)
}

// closeTracker reports whether a registered socket has already been
// closed, so purgeClosedSockets can drop it from the registry.
type closeTracker interface {
	isClosed() bool
}

func (m *MonitoredCache) purgeClosedSockets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.sockets[:0]
	for _, s := range m.sockets {
		if ct, ok := s.(closeTracker); ok && ct.isClosed() {
			continue
		}
		live = append(live, s)
	}
	m.sockets = live
}

// Close stops the domain-watching ticker, force-closes any sockets still
// registered, and closes the underlying cache.
func (m *MonitoredCache) Close() error {
	m.cancel()
	m.mu.Lock()
	sockets := m.sockets
	m.sockets = nil
	m.mu.Unlock()
	for _, s := range sockets {
		_ = s.Close()
	}
	return m.ConnectionInfoCache.Close()
}
