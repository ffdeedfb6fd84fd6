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

// Package mysql registers a network for the github.com/go-sql-driver/mysql
// driver that dials Cloud SQL instances through a cloudsqlconn.Dialer,
// mirroring the "cloudsql" network the standalone proxy registers for
// callers who prefer to embed the connector instead of running the proxy
// as a sidecar.
package mysql

import (
	"context"
	"net"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/go-sql-driver/mysql"
)

// RegisterDriver registers netName as a mysql driver network that dials
// through a cloudsqlconn.Dialer built from opts. A *mysql.Config used to
// open a connection should set Net to netName and Addr to the target
// instance's connection name, in "project:region:instance" form. The
// returned cleanup func stops the Dialer's background refreshes and must
// be called once the network is no longer needed.
func RegisterDriver(netName string, opts ...cloudsqlconn.Option) (func() error, error) {
	d, err := cloudsqlconn.NewDialer(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	mysql.RegisterDialContext(netName, func(ctx context.Context, addr string) (net.Conn, error) {
		return d.Dial(ctx, addr)
	})
	return d.Close, nil
}
