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

package cloudsqlconn

import (
	"context"
	"crypto/rsa"
	"net"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	apiopt "google.golang.org/api/option"
)

// sqlserviceAdminScope is the OAuth2 scope used for calls to the Cloud SQL
// Admin API itself, as distinct from iamLoginScope used for IAM DB AuthN
// tokens embedded in ephemeral certificate requests.
const sqlserviceAdminScope = "https://www.googleapis.com/auth/sqlservice.admin"

// An Option is an option for configuring a Dialer.
type Option func(d *dialerConfig)

type dialerConfig struct {
	rsaKey              *rsa.PrivateKey
	adminOpts           []apiopt.ClientOption
	dialOpts            []DialOption
	dialFunc            func(ctx context.Context, network, addr string) (net.Conn, error)
	refreshTimeout      time.Duration
	iamLoginTokenSource oauth2.TokenSource
	userAgents          []string
	useIAMAuthN         bool
	lazyRefresh         bool
	resolver            instance.Resolver
	failoverPeriod      time.Duration
	logger              debug.ContextLogger
	// err tracks any dialer options that may have failed.
	err error
}

// WithOptions turns a list of Option's into a single Option.
func WithOptions(opts ...Option) Option {
	return func(d *dialerConfig) {
		for _, opt := range opts {
			opt(d)
		}
	}
}

// WithCredentialsFile returns an Option that specifies a service account or
// refresh token JSON credentials file to be used as the basis for
// authentication.
func WithCredentialsFile(filename string) Option {
	return func(d *dialerConfig) {
		b, err := os.ReadFile(filename)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		opt := WithCredentialsJSON(b)
		opt(d)
	}
}

// WithCredentialsJSON returns an Option that specifies a service account or
// refresh token JSON credentials to be used as the basis for authentication.
func WithCredentialsJSON(b []byte) Option {
	return func(d *dialerConfig) {
		c, err := google.CredentialsFromJSON(context.Background(), b, sqlserviceAdminScope)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		d.adminOpts = append(d.adminOpts, apiopt.WithCredentials(c))
	}
}

// WithUserAgent returns an Option that sets the User-Agent.
func WithUserAgent(ua string) Option {
	return func(d *dialerConfig) {
		d.userAgents = append(d.userAgents, ua)
	}
}

// WithDefaultDialOptions returns an Option that specifies the default
// DialOptions used.
func WithDefaultDialOptions(opts ...DialOption) Option {
	return func(d *dialerConfig) {
		d.dialOpts = append(d.dialOpts, opts...)
	}
}

// WithTokenSource returns an Option that specifies an OAuth2 token source to
// be used as the basis for authentication against the admin API.
func WithTokenSource(s oauth2.TokenSource) Option {
	return func(d *dialerConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithTokenSource(s))
	}
}

// WithIAMLoginTokenSource returns an Option that specifies the OAuth2 token
// source used for IAM DB AuthN logins, overriding the default of a
// sqlservice.login-scoped Application Default Credentials token source.
func WithIAMLoginTokenSource(s oauth2.TokenSource) Option {
	return func(d *dialerConfig) {
		d.iamLoginTokenSource = s
	}
}

// WithRSAKeyPair returns an Option that specifies an rsa.PrivateKey used to
// represent this Dialer's client identity.
func WithRSAKeyPair(k *rsa.PrivateKey) Option {
	return func(d *dialerConfig) {
		d.rsaKey = k
	}
}

// WithRefreshTimeout returns an Option that sets a timeout on refresh
// operations. Defaults to 60s.
func WithRefreshTimeout(t time.Duration) Option {
	return func(d *dialerConfig) {
		d.refreshTimeout = t
	}
}

// WithHTTPClient configures the underlying Cloud SQL Admin API client with
// the provided HTTP client. This option is generally unnecessary except for
// advanced use-cases.
func WithHTTPClient(client *http.Client) Option {
	return func(d *dialerConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithHTTPClient(client))
	}
}

// WithAdminAPIEndpoint configures the underlying Cloud SQL Admin API client
// to use the provided URL.
func WithAdminAPIEndpoint(url string) Option {
	return func(d *dialerConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithEndpoint(url))
	}
}

// WithQuotaProject configures the underlying Cloud SQL Admin API client to
// attribute requests to the provided project for quota and billing.
func WithQuotaProject(p string) Option {
	return func(d *dialerConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithQuotaProject(p))
	}
}

// WithUniverseDomain configures the underlying Cloud SQL Admin API client to
// use the provided universe domain, for callers operating outside the
// default googleapis.com universe.
func WithUniverseDomain(ud string) Option {
	return func(d *dialerConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithUniverseDomain(ud))
	}
}

// WithDialFunc configures the function used to connect to the address on
// the named network. This option is generally unnecessary except for
// advanced use-cases. The function is used for all invocations of Dial. To
// configure a dial function for an individual call, use
// WithOneOffDialFunc.
func WithDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(d *dialerConfig) {
		d.dialFunc = dial
	}
}

// WithIAMAuthN enables automatic IAM Database Authentication for all Dial
// calls on this Dialer by default. If no IAM login token source has been
// configured (WithIAMLoginTokenSource), the Dialer uses Application Default
// Credentials scoped to sqlservice.login.
func WithIAMAuthN() Option {
	return func(d *dialerConfig) {
		d.useIAMAuthN = true
	}
}

// WithLazyRefresh configures the Dialer to refresh connection info
// synchronously, on demand, rather than maintaining a background refresh
// cycle. This is appropriate for serverless environments that suspend
// execution between invocations.
func WithLazyRefresh() Option {
	return func(d *dialerConfig) {
		d.lazyRefresh = true
	}
}

// WithResolver configures the Dialer to use r to resolve instance connection
// names before looking them up in the cache, in place of the default
// resolver. Use instance.NewDnsResolver to resolve connection names from
// DNS TXT records.
func WithResolver(r instance.Resolver) Option {
	return func(d *dialerConfig) {
		d.resolver = r
	}
}

// WithFailoverPeriod configures how often the Dialer re-resolves a domain
// name to check whether it now identifies a different instance, for
// instances dialed by domain name. A period of 0 disables the check.
func WithFailoverPeriod(p time.Duration) Option {
	return func(d *dialerConfig) {
		d.failoverPeriod = p
	}
}

// WithDebugLogger configures the Dialer to log its internal operations with
// l.
func WithDebugLogger(l debug.ContextLogger) Option {
	return func(d *dialerConfig) {
		d.logger = l
	}
}

// A DialOption is an option for configuring how a Dialer's Dial call is
// executed.
type DialOption func(d *dialCfg)

type dialCfg struct {
	ipType          string
	dialFunc        func(ctx context.Context, network, addr string) (net.Conn, error)
	tcpKeepAlive    time.Duration
	useIAMAuthNDial bool
}

// DialOptions turns a list of DialOption instances into an DialOption.
func DialOptions(opts ...DialOption) DialOption {
	return func(cfg *dialCfg) {
		for _, opt := range opts {
			opt(cfg)
		}
	}
}

// WithPublicIP configures the Dialer to connect over the instance's public
// IP address.
func WithPublicIP() DialOption {
	return func(cfg *dialCfg) { cfg.ipType = cloudsql.PublicIP }
}

// WithPrivateIP configures the Dialer to connect over the instance's private
// IP address.
func WithPrivateIP() DialOption {
	return func(cfg *dialCfg) { cfg.ipType = cloudsql.PrivateIP }
}

// WithPSC configures the Dialer to connect over the instance's private
// service connect endpoint.
func WithPSC() DialOption {
	return func(cfg *dialCfg) { cfg.ipType = cloudsql.PSC }
}

// WithOneOffDialFunc configures the dial function on a one-off basis for an
// individual call to Dial. To configure a dial function across all
// invocations of Dial, use WithDialFunc.
func WithOneOffDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) DialOption {
	return func(c *dialCfg) {
		c.dialFunc = dial
	}
}

// WithTCPKeepAlive returns a DialOption that specifies the tcp keep alive
// period for the connection returned by Dial.
func WithTCPKeepAlive(d time.Duration) DialOption {
	return func(cfg *dialCfg) {
		cfg.tcpKeepAlive = d
	}
}

// WithDialIAMAuthN enables automatic IAM Database Authentication for this
// call to Dial when passed true, even if the Dialer was built without
// WithIAMAuthN. Passing false does not disable it for a Dialer built with
// WithIAMAuthN. All Dial calls for a given instance must agree on the
// resulting setting.
func WithDialIAMAuthN(enable bool) DialOption {
	return func(cfg *dialCfg) {
		cfg.useIAMAuthNDial = enable
	}
}
