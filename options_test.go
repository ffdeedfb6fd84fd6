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
	"testing"
	"time"

	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
)

func TestWithOptionsComposesOptions(t *testing.T) {
	cfg := &dialerConfig{}
	opt := WithOptions(WithLazyRefresh(), WithIAMAuthN(), WithRefreshTimeout(5*time.Second))
	opt(cfg)

	if !cfg.lazyRefresh {
		t.Error("WithLazyRefresh was not applied")
	}
	if !cfg.useIAMAuthN {
		t.Error("WithIAMAuthN was not applied")
	}
	if cfg.refreshTimeout != 5*time.Second {
		t.Errorf("refreshTimeout = %v, want 5s", cfg.refreshTimeout)
	}
}

func TestWithCredentialsFileReadError(t *testing.T) {
	cfg := &dialerConfig{}
	opt := WithCredentialsFile("/path/does/not/exist")
	opt(cfg)
	if cfg.err == nil {
		t.Fatal("want error reading a nonexistent credentials file, got nil")
	}
}

func TestWithUserAgentAppends(t *testing.T) {
	cfg := &dialerConfig{userAgents: []string{"base/1.0"}}
	opt := WithUserAgent("extra/2.0")
	opt(cfg)
	if len(cfg.userAgents) != 2 || cfg.userAgents[1] != "extra/2.0" {
		t.Errorf("userAgents = %v, want [base/1.0 extra/2.0]", cfg.userAgents)
	}
}

func TestDialOptionsComposesIPTypeAndKeepAlive(t *testing.T) {
	cfg := &dialCfg{}
	opt := DialOptions(WithPrivateIP(), WithTCPKeepAlive(10*time.Second), WithDialIAMAuthN(true))
	opt(cfg)

	if cfg.ipType != cloudsql.PrivateIP {
		t.Errorf("ipType = %v, want %v", cfg.ipType, cloudsql.PrivateIP)
	}
	if cfg.tcpKeepAlive != 10*time.Second {
		t.Errorf("tcpKeepAlive = %v, want 10s", cfg.tcpKeepAlive)
	}
	if !cfg.useIAMAuthNDial {
		t.Error("useIAMAuthNDial was not set")
	}
}

func TestWithPublicPrivatePSCSetIPType(t *testing.T) {
	tcs := []struct {
		opt  DialOption
		want string
	}{
		{WithPublicIP(), cloudsql.PublicIP},
		{WithPrivateIP(), cloudsql.PrivateIP},
		{WithPSC(), cloudsql.PSC},
	}
	for _, tc := range tcs {
		cfg := &dialCfg{}
		tc.opt(cfg)
		if cfg.ipType != tc.want {
			t.Errorf("ipType = %v, want %v", cfg.ipType, tc.want)
		}
	}
}

func TestWithResolverAndFailoverPeriod(t *testing.T) {
	cfg := &dialerConfig{}
	r := &staticResolverStub{}
	opt := WithOptions(WithResolver(r), WithFailoverPeriod(time.Minute))
	opt(cfg)

	if cfg.resolver != r {
		t.Error("WithResolver was not applied")
	}
	if cfg.failoverPeriod != time.Minute {
		t.Errorf("failoverPeriod = %v, want 1m", cfg.failoverPeriod)
	}
}
