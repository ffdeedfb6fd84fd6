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

package pgxv5

import (
	"database/sql"
	"testing"
	"time"

	"cloud.google.com/go/cloudsqlconn"
	"cloud.google.com/go/cloudsqlconn/internal/mock"
	"golang.org/x/oauth2"
)

type stubTokenSource struct{}

func (stubTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "swordfish", Expiry: time.Now().Add(time.Hour)}, nil
}

func TestRegisterDriverWiresDialer(t *testing.T) {
	srv, cleanup := mock.NewAdminServer()
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatal(err)
		}
	}()

	stop, err := RegisterDriver("pgxv5-test",
		"my-project:my-region:my-instance",
		cloudsqlconn.WithTokenSource(stubTokenSource{}),
		cloudsqlconn.WithIAMLoginTokenSource(stubTokenSource{}),
		cloudsqlconn.WithAdminAPIEndpoint(srv.URL+"/sql/v1beta4/"),
		cloudsqlconn.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("RegisterDriver failed: %v", err)
	}
	defer func() {
		if err := stop(); err != nil {
			t.Fatal(err)
		}
	}()

	found := false
	for _, name := range sql.Drivers() {
		if name == "pgxv5-test" {
			found = true
		}
	}
	if !found {
		t.Fatal("want \"pgxv5-test\" registered as a database/sql driver, not found")
	}
}

func TestRegisterDriverRejectsBadDSN(t *testing.T) {
	srv, cleanup := mock.NewAdminServer()
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatal(err)
		}
	}()

	stop, err := RegisterDriver("pgxv5-bad-dsn",
		"my-project:my-region:my-instance",
		cloudsqlconn.WithTokenSource(stubTokenSource{}),
		cloudsqlconn.WithIAMLoginTokenSource(stubTokenSource{}),
		cloudsqlconn.WithAdminAPIEndpoint(srv.URL+"/sql/v1beta4/"),
		cloudsqlconn.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("RegisterDriver failed: %v", err)
	}
	defer stop()

	db, err := sql.Open("pgxv5-bad-dsn", "not a valid dsn \x00")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err == nil {
		t.Fatal("want error pinging with a malformed DSN, got nil")
	}
}
