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

// Package pgxv5 registers a database/sql driver that dials Postgres Cloud
// SQL instances through a cloudsqlconn.Dialer instead of connecting
// directly, using github.com/jackc/pgx/v5 as the wire protocol
// implementation.
package pgxv5

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"net"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// RegisterDriver registers a database/sql driver under name that dials the
// Postgres instance named by icn (in "project:region:instance" form)
// through a cloudsqlconn.Dialer built from opts. The returned cleanup func
// stops the Dialer's background refreshes and must be called once the
// driver is no longer needed.
func RegisterDriver(name, icn string, opts ...cloudsqlconn.Option) (func() error, error) {
	d, err := cloudsqlconn.NewDialer(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	sql.Register(name, &pgDriver{dialer: d, icn: icn})
	return d.Close, nil
}

type pgDriver struct {
	dialer *cloudsqlconn.Dialer
	icn    string
}

// Open implements driver.Driver, parsing name as a pgx connection string
// and substituting the Dialer for the network dial pgx would otherwise
// perform itself.
func (p *pgDriver) Open(name string) (sqldriver.Conn, error) {
	cfg, err := pgx.ParseConfig(name)
	if err != nil {
		return nil, err
	}
	cfg.DialFunc = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return p.dialer.Dial(ctx, p.icn)
	}
	connStr := stdlib.RegisterConnConfig(cfg)
	return stdlib.GetDefaultDriver().Open(connStr)
}
