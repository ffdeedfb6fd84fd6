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
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/mock"
	"google.golang.org/api/googleapi"
)

func testRSAKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

func TestFetchMetadataPublicIP(t *testing.T) {
	ctx := context.Background()
	wantAddr := "10.0.0.1"
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance", mock.WithPublicIP(wantAddr))
	client, cleanup, err := mock.NewSQLAdminService(ctx, mock.InstanceGetSuccess(inst, 1))
	if err != nil {
		t.Fatalf("%v", err)
	}
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	cn, err := instance.ParseConnName("my-project:my-region:my-instance")
	if err != nil {
		t.Fatalf("ParseConnName: %v", err)
	}
	md, err := fetchMetadata(ctx, client, cn)
	if err != nil {
		t.Fatalf("fetchMetadata failed: %v", err)
	}
	if got := md.ipAddrs[PublicIP]; got != wantAddr {
		t.Fatalf("want = %v, got = %v", wantAddr, got)
	}
}

func TestFetchMetadataRegionMismatch(t *testing.T) {
	ctx := context.Background()
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance", mock.WithRegion("some-other-region"))
	client, cleanup, err := mock.NewSQLAdminService(ctx, mock.InstanceGetSuccess(inst, 1))
	if err != nil {
		t.Fatalf("%v", err)
	}
	defer cleanup()

	cn, err := instance.ParseConnName("my-project:my-region:my-instance")
	if err != nil {
		t.Fatalf("ParseConnName: %v", err)
	}
	if _, err := fetchMetadata(ctx, client, cn); err == nil {
		t.Fatal("want error on region mismatch, got nil")
	}
}

func TestFetchEphemeralCert(t *testing.T) {
	ctx := context.Background()
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance")
	client, cleanup, err := mock.NewSQLAdminService(ctx, mock.CreateEphemeralSuccess(inst, 1))
	if err != nil {
		t.Fatalf("%v", err)
	}
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	cn, err := instance.ParseConnName("my-project:my-region:my-instance")
	if err != nil {
		t.Fatalf("ParseConnName: %v", err)
	}
	key := testRSAKey()
	cert, err := fetchEphemeralCert(ctx, client, cn, key, nil)
	if err != nil {
		t.Fatalf("fetchEphemeralCert failed: %v", err)
	}
	if cert.Leaf == nil {
		t.Fatal("want parsed leaf certificate, got nil")
	}
}

func TestAdminAPIClientConnectionInfo(t *testing.T) {
	ctx := context.Background()
	wantAddr := "10.0.0.1"
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance", mock.WithPublicIP(wantAddr))
	svc, cleanup, err := mock.NewSQLAdminService(
		ctx,
		mock.InstanceGetSuccess(inst, 1),
		mock.CreateEphemeralSuccess(inst, 1),
	)
	if err != nil {
		t.Fatalf("%v", err)
	}
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	cn, err := instance.ParseConnName("my-project:my-region:my-instance")
	if err != nil {
		t.Fatalf("ParseConnName: %v", err)
	}
	c := newAdminAPIClient(debug.NullContextLogger{}, svc, testRSAKey(), nil, "some-dialer-id")
	ci, err := c.ConnectionInfo(ctx, cn, false)
	if err != nil {
		t.Fatalf("ConnectionInfo failed: %v", err)
	}
	gotAddr, err := ci.IPAddr(PublicIP)
	if err != nil {
		t.Fatalf("IPAddr failed: %v", err)
	}
	if gotAddr != wantAddr {
		t.Fatalf("want = %v, got = %v", wantAddr, gotAddr)
	}
}

func TestRetry50xEventuallySucceeds(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	got, err := retry50x(ctx, func(context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, &googleapi.Error{Code: 503}
		}
		return 42, nil
	}, func(int) time.Duration { return 0 })
	if err != nil {
		t.Fatalf("retry50x failed: %v", err)
	}
	if got != 42 {
		t.Fatalf("want = 42, got = %v", got)
	}
	if attempts != 2 {
		t.Fatalf("want 2 attempts, got = %v", attempts)
	}
}

func TestRetry50xGivesUpOnNonRetryableError(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	_, err := retry50x(ctx, func(context.Context) (int, error) {
		attempts++
		return 0, &googleapi.Error{Code: 404}
	}, func(int) time.Duration { return 0 })
	if err == nil {
		t.Fatal("want error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("want 1 attempt, got = %v", attempts)
	}
}
