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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
)

// IP address kinds recognized by ConnectionInfo.IPAddr. AutoIP is not a kind
// returned by the admin API; it is a selection preference that IPAddr
// resolves to one of the other kinds.
const (
	// PublicIP is the value for public IP Cloud SQL instances.
	PublicIP = "PUBLIC"
	// PrivateIP is the value for private IP Cloud SQL instances.
	PrivateIP = "PRIVATE"
	// PSC is the value for private service connect Cloud SQL instances.
	PSC = "PSC"
	// AutoIP selects public IP if available and otherwise selects private
	// IP.
	AutoIP = "AutoIP"
)

// ConnectionInfo holds everything needed to securely connect to a Cloud SQL
// instance's server-side proxy: the set of IP addresses it can be reached
// on, the server's CA certificate chain, and a client certificate signed for
// this connector's key pair. It is immutable once constructed, so a single
// value may be shared freely across goroutines.
type ConnectionInfo struct {
	ConnName        instance.ConnName
	ServerCAMode    string
	DatabaseVersion string
	DNSName         string

	ipAddrs map[string]string
	tlsCfg  *tls.Config
	expiry  time.Time
}

// NewConnectionInfo assembles a ConnectionInfo from the two admin API
// responses, building its TLS configuration up front since the cert pool
// and leaf parsing never change over the value's lifetime.
func NewConnectionInfo(
	cn instance.ConnName,
	dnsName string,
	serverCAMode string,
	databaseVersion string,
	ipAddrs map[string]string,
	serverCACert []*x509.Certificate,
	clientCert tls.Certificate,
) ConnectionInfo {
	var expiry time.Time
	if clientCert.Leaf != nil {
		expiry = clientCert.Leaf.NotAfter
	}
	return ConnectionInfo{
		ConnName:        cn,
		DNSName:         dnsName,
		ServerCAMode:    serverCAMode,
		DatabaseVersion: databaseVersion,
		ipAddrs:         ipAddrs,
		tlsCfg:          newTLSConfig(cn, dnsName, serverCACert, clientCert),
		expiry:          expiry,
	}
}

// Expiration reports when the client certificate used by this
// ConnectionInfo stops being valid.
func (c ConnectionInfo) Expiration() time.Time {
	return c.expiry
}

// IPAddr returns the instance's IP address for the given IP type (PublicIP,
// PrivateIP, or PSC). AutoIP resolves to PublicIP if present, else
// PrivateIP.
func (c ConnectionInfo) IPAddr(ipType string) (string, error) {
	if ipType == AutoIP {
		if addr, ok := c.ipAddrs[PublicIP]; ok {
			return addr, nil
		}
		if addr, ok := c.ipAddrs[PrivateIP]; ok {
			return addr, nil
		}
		return "", errtype.NewConfigError(
			"instance does not have a public or private IP address",
			c.ConnName.String(),
		)
	}
	if addr, ok := c.ipAddrs[ipType]; ok {
		return addr, nil
	}
	return "", errtype.NewConfigError(
		fmt.Sprintf("instance does not have an IP address matching preference: %s", ipType),
		c.ConnName.String(),
	)
}

// TLSConfig returns a *tls.Config suitable for connecting securely to the
// instance's server-side proxy.
func (c ConnectionInfo) TLSConfig() *tls.Config {
	return c.tlsCfg
}

// newTLSConfig builds the *tls.Config used to dial an instance. Hostname
// verification is replaced with an explicit chain check because the
// server's certificate carries the instance connection name, not a DNS
// name, as its SAN.
func newTLSConfig(
	cn instance.ConnName,
	dnsName string,
	serverCACert []*x509.Certificate,
	clientCert tls.Certificate,
) *tls.Config {
	pool := x509.NewCertPool()
	for _, cert := range serverCACert {
		pool.AddCert(cert)
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{clientCert},
		RootCAs:            pool,
		ServerName:         dnsName,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errtype.NewDialError("no certificate to verify", cn.String(), nil)
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return errtype.NewDialError("failed to parse X.509 certificate", cn.String(), err)
			}
			opts := x509.VerifyOptions{Roots: pool}
			if _, err := leaf.Verify(opts); err != nil {
				return errtype.NewDialError("failed to verify certificate", cn.String(), err)
			}
			return nil
		},
		MinVersion: tls.VersionTLS13,
	}
}
