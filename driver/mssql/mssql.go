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

// Package mssql opens a *sql.DB that dials SQL Server Cloud SQL instances
// through a cloudsqlconn.Dialer, using github.com/microsoft/go-mssqldb's
// Connector.Dialer hook in place of its own TCP dial.
package mssql

import (
	"context"
	"database/sql"
	"net"

	"cloud.google.com/go/cloudsqlconn"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"
)

// instanceDialer adapts a cloudsqlconn.Dialer to the Dialer interface
// *mssql.Connector uses in place of its own network dial.
type instanceDialer struct {
	d   *cloudsqlconn.Dialer
	icn string
}

func (c instanceDialer) DialConnection(ctx context.Context, _ msdsn.Config) (net.Conn, error) {
	return c.d.Dial(ctx, c.icn)
}

// Open parses dsn as a SQL Server connection string and returns a *sql.DB
// that dials the instance named by icn (in "project:region:instance" form)
// through a cloudsqlconn.Dialer built from opts. The returned cleanup func
// stops the Dialer's background refreshes and must be called once the
// *sql.DB is closed.
func Open(icn, dsn string, opts ...cloudsqlconn.Option) (*sql.DB, func() error, error) {
	d, err := cloudsqlconn.NewDialer(context.Background(), opts...)
	if err != nil {
		return nil, nil, err
	}
	connector, err := mssql.NewConnector(dsn)
	if err != nil {
		_ = d.Close()
		return nil, nil, err
	}
	connector.Dialer = instanceDialer{d: d, icn: icn}
	return sql.OpenDB(connector), d.Close, nil
}
