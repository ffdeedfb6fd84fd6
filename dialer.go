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

// Package cloudsqlconn provides functions for authorized connections to a
// Cloud SQL instance without the requirement of your Cloud SQL instance
// having a public IP by using a short-lived client certificate issued by the
// Cloud SQL Admin API and the Cloud SQL instance's own server-side proxy.
package cloudsqlconn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/auth/oauth2adapt"
	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
	"cloud.google.com/go/cloudsqlconn/internal/trace"
	"github.com/google/uuid"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

const (
	// defaultTCPKeepAlive is the default keep alive value used on connections
	// to a Cloud SQL instance.
	defaultTCPKeepAlive = 30 * time.Second
	// serverProxyPort is the port the Cloud SQL server-side proxy listens on.
	serverProxyPort = "3307"
	// iamLoginScope is the scope used to down-scope the IAM token embedded in
	// ephemeral certificate requests, so that a token minted for the admin
	// API itself is never handed to the database engine.
	iamLoginScope = "https://www.googleapis.com/auth/sqlservice.login"
)

var (
	// ErrDialerClosed is used when a caller invokes Dial after closing the
	// Dialer.
	ErrDialerClosed = errors.New("cloudsqlconn: dialer is closed")

	//go:embed version.txt
	versionString string
	userAgent     = "cloud-sql-go-connector/" + strings.TrimSpace(versionString)
)

// Dialer is used to create connections to a Cloud SQL instance.
//
// Use NewDialer to initialize a Dialer.
type Dialer struct {
	lock     sync.RWMutex
	cache    map[instance.ConnName]*cloudsql.MonitoredCache
	iamAuthN map[instance.ConnName]bool

	// key is this Dialer's keypair, generated once on construction. Scoped
	// per Dialer rather than process-global so unrelated tenants sharing a
	// process never share key material.
	key *rsa.PrivateKey

	refreshTimeout  time.Duration
	refreshStrategy refreshStrategy
	resolver        instance.Resolver
	failoverPeriod  time.Duration

	sqladmin *sqladmin.Service
	logger   debug.ContextLogger

	defaultDialCfg dialCfg

	// dialerID uniquely identifies a Dialer. Used for monitoring purposes,
	// *only* when a client has configured OpenCensus exporters.
	dialerID string

	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

	useIAMAuthN    bool
	iamTokenSource auth.TokenProvider

	// closed reports if the dialer has been closed.
	closed chan struct{}
}

// refreshStrategy selects between the background (refresh-ahead) cache and
// the lazy (on-demand) cache for each instance this Dialer manages.
type refreshStrategy int

const (
	refreshStrategyBackground refreshStrategy = iota
	refreshStrategyLazy
)

func genRSAKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// NewDialer creates a new Dialer.
//
// Each call to NewDialer may take longer than normal because it generates an
// RSA keypair for the new Dialer. Use WithRSAKeyPair to bring your own
// keypair and skip this cost.
func NewDialer(ctx context.Context, opts ...Option) (*Dialer, error) {
	cfg := &dialerConfig{
		refreshTimeout: 60 * time.Second,
		dialFunc:       proxy.Dial,
		logger:         debug.NullContextLogger{},
		userAgents:     []string{userAgent},
		resolver:       &instance.DefaultResolver{},
	}
	for _, opt := range opts {
		opt(cfg)
		if cfg.err != nil {
			return nil, cfg.err
		}
	}
	ua := strings.Join(cfg.userAgents, " ")
	cfg.adminOpts = append(cfg.adminOpts, option.WithUserAgent(ua))

	key := cfg.rsaKey
	if key == nil {
		var err error
		key, err = genRSAKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA keys: %w", err)
		}
	}

	svc, err := sqladmin.NewService(ctx, cfg.adminOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqladmin client: %w", err)
	}

	// The down-scoped IAM login token source is only needed when a caller
	// requests IAM DB AuthN; build it eagerly so a missing ADC setup fails
	// fast at construction rather than on the first such Dial.
	ts := cfg.iamLoginTokenSource
	if ts == nil {
		ts, err = google.DefaultTokenSource(ctx, iamLoginScope)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve IAM login token source: %w", err)
		}
	}

	dCfg := dialCfg{
		ipType:       cloudsql.AutoIP,
		tcpKeepAlive: defaultTCPKeepAlive,
	}
	for _, opt := range cfg.dialOpts {
		opt(&dCfg)
	}

	if err := trace.InitMetrics(); err != nil {
		return nil, err
	}

	strategy := refreshStrategyBackground
	if cfg.lazyRefresh {
		strategy = refreshStrategyLazy
	}

	resolver := cfg.resolver
	if resolver == nil {
		resolver = &instance.DefaultResolver{}
	}

	d := &Dialer{
		closed:          make(chan struct{}),
		cache:           make(map[instance.ConnName]*cloudsql.MonitoredCache),
		iamAuthN:        make(map[instance.ConnName]bool),
		key:             key,
		refreshTimeout:  cfg.refreshTimeout,
		refreshStrategy: strategy,
		resolver:        resolver,
		failoverPeriod:  cfg.failoverPeriod,
		sqladmin:        svc,
		logger:          cfg.logger,
		defaultDialCfg:  dCfg,
		dialerID:        uuid.New().String(),
		dialFunc:        cfg.dialFunc,
		useIAMAuthN:     cfg.useIAMAuthN,
		iamTokenSource:  oauth2adapt.TokenProviderFromTokenSource(ts),
	}
	return d, nil
}

// Dial returns a net.Conn connected to the specified Cloud SQL instance. The
// icn argument is passed to the Dialer's resolver: with the default
// resolver it must be the instance's connection name, in the form
// "project:region:instance"; a resolver set with WithResolver may accept
// other names, such as a DNS name.
func (d *Dialer) Dial(ctx context.Context, icn string, opts ...DialOption) (conn net.Conn, err error) {
	select {
	case <-d.closed:
		return nil, ErrDialerClosed
	default:
	}
	startTime := time.Now()
	var endDial trace.EndSpanFunc
	ctx, endDial = trace.StartSpan(ctx, "cloud.google.com/go/cloudsqlconn.Dial",
		trace.AddInstanceName(icn),
		trace.AddDialerID(d.dialerID),
	)
	defer func() {
		go trace.RecordDialError(context.Background(), icn, d.dialerID, err)
		endDial(err)
	}()
	cfg := d.defaultDialCfg
	for _, opt := range opts {
		opt(&cfg)
	}

	cn, err := d.resolver.Resolve(ctx, icn)
	if err != nil {
		return nil, err
	}

	cache, err := d.connectionInfoCache(ctx, cn, cfg.useIAMAuthNDial)
	if err != nil {
		return nil, err
	}
	ci, err := cache.ConnectionInfo(ctx)
	if err != nil {
		d.removeCached(cn, cache, err)
		return nil, err
	}

	// If the client certificate has expired (as when the computer goes to
	// sleep, and the refresh cycle cannot run), force a refresh immediately.
	// The TLS handshake will not fail on an expired client certificate --
	// it's not until the first read that the error surfaces -- so check
	// validity up front instead.
	if invalidClientCert(cn, d.logger, ci.Expiration()) {
		d.logger.Debugf(ctx, "[%v] Refreshing certificate now", cn.String())
		cache.ForceRefresh()
		ci, err = cache.ConnectionInfo(ctx)
		if err != nil {
			d.removeCached(cn, cache, err)
			return nil, err
		}
	}

	ipType := cfg.ipType
	addr, err := ci.IPAddr(ipType)
	if err != nil {
		d.removeCached(cn, cache, err)
		return nil, err
	}

	hostPort := net.JoinHostPort(addr, serverProxyPort)
	f := d.dialFunc
	if cfg.dialFunc != nil {
		f = cfg.dialFunc
	}
	d.logger.Debugf(ctx, "[%v] Dialing %v", cn.String(), hostPort)
	conn, err = f(ctx, "tcp", hostPort)
	if err != nil {
		d.logger.Debugf(ctx, "[%v] Dialing %v failed: %v", cn.String(), hostPort, err)
		cache.ForceRefresh()
		return nil, errtype.NewDialError("failed to dial", cn.String(), err)
	}
	if c, ok := conn.(*net.TCPConn); ok {
		if err := c.SetKeepAlive(true); err != nil {
			return nil, errtype.NewDialError("failed to set keep-alive", cn.String(), err)
		}
		if err := c.SetKeepAlivePeriod(cfg.tcpKeepAlive); err != nil {
			return nil, errtype.NewDialError("failed to set keep-alive period", cn.String(), err)
		}
	}

	tlsConn := tls.Client(conn, ci.TLSConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		d.logger.Debugf(ctx, "[%v] TLS handshake failed: %v", cn.String(), err)
		cache.ForceRefresh()
		_ = tlsConn.Close()
		return nil, errtype.NewDialError("handshake failed", cn.String(), err)
	}

	latency := time.Since(startTime).Milliseconds()
	go func() {
		n := atomic.AddUint64(cache.OpenConns(), 1)
		trace.RecordOpenConnections(ctx, int64(n), d.dialerID, cn.String())
		trace.RecordDialLatency(ctx, cn.String(), d.dialerID, latency)
	}()

	ic := newInstrumentedConn(tlsConn, func() {
		n := atomic.AddUint64(cache.OpenConns(), ^uint64(0))
		trace.RecordOpenConnections(context.Background(), int64(n), d.dialerID, cn.String())
	})
	cache.RegisterSocket(ic)
	return ic, nil
}

// EngineVersion returns the database engine type and version for the Cloud
// SQL instance, e.g. "MYSQL_8_0", without requiring a caller to first Dial
// the instance.
func (d *Dialer) EngineVersion(ctx context.Context, icn string) (string, error) {
	cn, err := d.resolver.Resolve(ctx, icn)
	if err != nil {
		return "", err
	}
	cache, err := d.connectionInfoCache(ctx, cn, false)
	if err != nil {
		return "", err
	}
	ci, err := cache.ConnectionInfo(ctx)
	if err != nil {
		return "", err
	}
	return ci.DatabaseVersion, nil
}

// Warmup prefetches connection info for icn without dialing it, so that a
// later Dial need not wait on the admin API round trip.
func (d *Dialer) Warmup(ctx context.Context, icn string, opts ...DialOption) error {
	var cfg dialCfg
	for _, opt := range opts {
		opt(&cfg)
	}
	cn, err := d.resolver.Resolve(ctx, icn)
	if err != nil {
		return err
	}
	cache, err := d.connectionInfoCache(ctx, cn, cfg.useIAMAuthNDial)
	if err != nil {
		return err
	}
	_, err = cache.ConnectionInfo(ctx)
	return err
}

// removeCached stops all background refreshes and deletes the connection
// info cache from the map of caches.
func (d *Dialer) removeCached(cn instance.ConnName, c *cloudsql.MonitoredCache, err error) {
	d.logger.Debugf(context.Background(), "[%v] Removing connection info from cache: %v", cn.String(), err)
	d.lock.Lock()
	defer d.lock.Unlock()
	c.Close()
	delete(d.cache, cn)
	delete(d.iamAuthN, cn)
}

func invalidClientCert(cn instance.ConnName, l debug.ContextLogger, expiration time.Time) bool {
	now := time.Now().UTC()
	notAfter := expiration.UTC()
	invalid := now.After(notAfter)
	l.Debugf(context.Background(), "[%v] Now = %v, Current cert expiration = %v",
		cn.String(), now.Format(time.RFC3339), notAfter.Format(time.RFC3339))
	return invalid
}

// newInstrumentedConn initializes an instrumentedConn that on closing will
// decrement the number of open connections and record the result.
func newInstrumentedConn(conn net.Conn, closeFunc func()) *instrumentedConn {
	return &instrumentedConn{Conn: conn, closeFunc: closeFunc}
}

// instrumentedConn wraps a net.Conn, invoking closeFunc when the connection
// is closed and tracking whether Close has already happened so the
// MonitoredCache's socket registry can purge it.
type instrumentedConn struct {
	net.Conn
	closeFunc func()

	closedMu sync.Mutex
	closed   bool
}

// Close delegates to the underlying net.Conn and reports the close to
// closeFunc only when Close returns no error.
func (i *instrumentedConn) Close() error {
	i.closedMu.Lock()
	i.closed = true
	i.closedMu.Unlock()
	err := i.Conn.Close()
	if err != nil {
		return err
	}
	go i.closeFunc()
	return nil
}

// isClosed satisfies the closeTracker interface used by MonitoredCache to
// purge dead sockets from its registry.
func (i *instrumentedConn) isClosed() bool {
	i.closedMu.Lock()
	defer i.closedMu.Unlock()
	return i.closed
}

// Close closes the Dialer; it stops the Dialer from refreshing the
// information needed to connect and closes every cache it holds. Any Dial
// call made after Close returns ErrDialerClosed.
func (d *Dialer) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
	}
	close(d.closed)

	d.lock.Lock()
	defer d.lock.Unlock()
	for _, c := range d.cache {
		c.Close()
	}
	return nil
}

func (d *Dialer) connectionInfoCache(
	ctx context.Context, cn instance.ConnName, useIAMAuthNDial bool,
) (*cloudsql.MonitoredCache, error) {
	d.lock.RLock()
	c, ok := d.cache[cn]
	priorIAMAuthN, iamOK := d.iamAuthN[cn]
	d.lock.RUnlock()

	if ok {
		iamAuthN := useIAMAuthNDial || d.useIAMAuthN
		if iamOK && priorIAMAuthN != iamAuthN {
			return nil, errtype.NewConfigError(
				"cannot specify different values for enable_iam_auth in Dial calls for the same instance",
				cn.String(),
			)
		}
		return c, nil
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	c, ok = d.cache[cn]
	if ok {
		return c, nil
	}

	iamAuthN := useIAMAuthNDial || d.useIAMAuthN
	d.logger.Debugf(ctx, "[%v] Connection info added to cache", cn.String())

	var underlying cloudsql.ConnectionInfoCache
	switch d.refreshStrategy {
	case refreshStrategyLazy:
		underlying = cloudsql.NewLazyRefreshCache(
			cn, d.logger, d.sqladmin, d.key, d.iamTokenSource, d.dialerID, iamAuthN,
		)
	default:
		underlying = cloudsql.NewRefreshAheadCache(
			cn, d.logger, d.sqladmin, d.key, d.refreshTimeout, d.iamTokenSource, d.dialerID, iamAuthN,
		)
	}
	onDomainChange := func(retired instance.ConnName) {
		d.lock.Lock()
		defer d.lock.Unlock()
		delete(d.cache, retired)
		delete(d.iamAuthN, retired)
	}
	mc := cloudsql.NewMonitoredCache(ctx, underlying, cn, d.failoverPeriod, d.resolver, d.logger, onDomainChange)
	d.cache[cn] = mc
	d.iamAuthN[cn] = iamAuthN
	return mc, nil
}
