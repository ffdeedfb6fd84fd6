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

package mock

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

// Option configures a FakeCSQLInstance.
type Option func(*FakeCSQLInstance)

// WithPublicIP sets the instance's public IP address.
func WithPublicIP(addr string) Option {
	return func(f *FakeCSQLInstance) { f.publicIP = addr }
}

// WithPrivateIP sets the instance's private IP address.
func WithPrivateIP(addr string) Option {
	return func(f *FakeCSQLInstance) { f.privateIP = addr }
}

// WithPSC enables a private service connect DNS name for the instance.
func WithPSC(dnsName string) Option {
	return func(f *FakeCSQLInstance) {
		f.pscEnabled = true
		f.pscDNSName = dnsName
	}
}

// WithDnsName sets the legacy dns_name field on the instance's metadata.
func WithDnsName(name string) Option {
	return func(f *FakeCSQLInstance) { f.dnsName = name }
}

// WithEngineVersion sets the instance's reported database version.
func WithEngineVersion(v string) Option {
	return func(f *FakeCSQLInstance) { f.databaseVersion = v }
}

// WithCertExpiry sets the expiration of ephemeral certs issued for the
// instance.
func WithCertExpiry(expiry time.Time) Option {
	return func(f *FakeCSQLInstance) { f.certExpiry = expiry }
}

// WithRegion overrides the region reported by the instance's metadata,
// useful for exercising the region-mismatch error path.
func WithRegion(region string) Option {
	return func(f *FakeCSQLInstance) { f.reportedRegion = region }
}

// WithFirstGen makes the instance report a backend type other than
// SECOND_GEN, exercising the unsupported-instance error path.
func WithFirstGen() Option {
	return func(f *FakeCSQLInstance) { f.firstGen = true }
}

func mustGenerateKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

var rootCAKey = mustGenerateKey()

// FakeCSQLInstance represents the server side of the Cloud SQL Admin API, as
// far as the connector depends on it: a connect-settings lookup and an
// ephemeral client certificate signed by a single self-signed root CA.
type FakeCSQLInstance struct {
	project string
	region  string
	name    string

	publicIP   string
	privateIP  string
	pscEnabled bool
	pscDNSName string
	dnsName    string

	databaseVersion string
	reportedRegion  string
	firstGen        bool
	certExpiry      time.Time

	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
}

// NewFakeCSQLInstance creates a fake Cloud SQL instance, signed by a process-
// wide root CA.
func NewFakeCSQLInstance(project, region, name string, opts ...Option) FakeCSQLInstance {
	f := FakeCSQLInstance{
		project:         project,
		region:          region,
		name:            name,
		publicIP:        "0.0.0.0",
		databaseVersion: "POSTGRES_15",
		reportedRegion:  region,
		certExpiry:      time.Now().Add(time.Hour),
	}
	for _, o := range opts {
		o(&f)
	}

	rootTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "root.csqlconn",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	signedRoot, err := x509.CreateCertificate(
		rand.Reader, rootTemplate, rootTemplate, &rootCAKey.PublicKey, rootCAKey)
	if err != nil {
		panic(err)
	}
	rootCert, err := x509.ParseCertificate(signedRoot)
	if err != nil {
		panic(err)
	}
	f.rootCert = rootCert
	f.rootKey = rootCAKey
	return f
}

// serverName returns the name used to validate the fake instance's identity,
// mirroring the instance connection name the real API returns as a DNS name
// when no PSC or custom DNS name is configured.
func (f FakeCSQLInstance) serverName() string {
	return fmt.Sprintf("%s:%s:%s", f.project, f.region, f.name)
}

func (f FakeCSQLInstance) connectSettings() *sqladmin.ConnectSettings {
	cs := &sqladmin.ConnectSettings{
		Kind:            "sql#connectSettings",
		BackendType:     "SECOND_GEN",
		DatabaseVersion: f.databaseVersion,
		Region:          f.reportedRegion,
		ServerCaCert: &sqladmin.SslCert{
			Cert: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: f.rootCert.Raw})),
		},
	}
	if f.firstGen {
		cs.BackendType = "FIRST_GEN"
	}
	if f.publicIP != "" {
		cs.IpAddresses = append(cs.IpAddresses, &sqladmin.IpMapping{Type: "PRIMARY", IpAddress: f.publicIP})
	}
	if f.privateIP != "" {
		cs.IpAddresses = append(cs.IpAddresses, &sqladmin.IpMapping{Type: "PRIVATE", IpAddress: f.privateIP})
	}
	if f.pscEnabled {
		cs.PscEnabled = true
		name := f.pscDNSName
		if name == "" {
			name = f.serverName()
		}
		cs.DnsNames = append(cs.DnsNames, &sqladmin.DnsNameMapping{
			Name:           name,
			ConnectionType: "PRIVATE_SERVICE_CONNECT",
			DnsScope:       "INSTANCE",
		})
	}
	switch {
	case f.dnsName != "":
		cs.DnsName = f.dnsName
	case !f.pscEnabled:
		cs.DnsName = f.serverName()
	}
	return cs
}

func (f FakeCSQLInstance) signEphemeralCert(pub *rsa.PublicKey) ([]byte, error) {
	template := &x509.Certificate{
		SerialNumber:       big.NewInt(time.Now().UnixNano()),
		Subject:            pkix.Name{CommonName: f.serverName()},
		NotBefore:          time.Now().Add(-time.Minute),
		NotAfter:           f.certExpiry,
		KeyUsage:           x509.KeyUsageDigitalSignature,
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	return x509.CreateCertificate(rand.Reader, template, f.rootCert, pub, f.rootKey)
}

// handler is a single stubbed admin API call, matched against an incoming
// request by HTTP method and path.
type handler struct {
	sync.Mutex

	method string
	path   string
	remain int

	serve func(w http.ResponseWriter, r *http.Request)
}

func (h *handler) matches(r *http.Request) bool {
	h.Lock()
	defer h.Unlock()
	if h.method != r.Method || h.path != r.URL.Path {
		return false
	}
	if h.remain <= 0 {
		return false
	}
	h.remain--
	return true
}

// InstanceGetSuccess stubs a successful connect-settings lookup for inst,
// answering it ct times. NewSQLAdminService's cleanup fails the test if any
// of the ct calls go unused.
func InstanceGetSuccess(inst FakeCSQLInstance, ct int) *handler {
	return &handler{
		method: http.MethodGet,
		path:   fmt.Sprintf("/sql/v1beta4/projects/%s/instances/%s/connectSettings", inst.project, inst.name),
		remain: ct,
		serve: func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(inst.connectSettings())
		},
	}
}

// CreateEphemeralSuccess stubs a successful ephemeral certificate
// request for inst, answering it ct times.
func CreateEphemeralSuccess(inst FakeCSQLInstance, ct int) *handler {
	return &handler{
		method: http.MethodPost,
		path:   fmt.Sprintf("/sql/v1beta4/projects/%s/instances/%s:generateEphemeralCert", inst.project, inst.name),
		remain: ct,
		serve: func(w http.ResponseWriter, r *http.Request) {
			b, err := io.ReadAll(r.Body)
			defer r.Body.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			var req sqladmin.GenerateEphemeralCertRequest
			if err := json.Unmarshal(b, &req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			blk, _ := pem.Decode([]byte(req.PublicKey))
			if blk == nil {
				http.Error(w, "unable to decode public key", http.StatusBadRequest)
				return
			}
			pub, err := x509.ParsePKIXPublicKey(blk.Bytes)
			if err != nil {
				// The connector sends PKIX bytes in a block labelled
				// "RSA PUBLIC KEY"; also accept a PKCS1 body, which that
				// label conventionally holds.
				rsaPub, perr := x509.ParsePKCS1PublicKey(blk.Bytes)
				if perr != nil {
					http.Error(w, fmt.Sprintf("unable to parse public key: %v / %v", err, perr), http.StatusBadRequest)
					return
				}
				pub = rsaPub
			}
			rsaPub, ok := pub.(*rsa.PublicKey)
			if !ok {
				http.Error(w, "public key was not RSA", http.StatusBadRequest)
				return
			}
			der, err := inst.signEphemeralCert(rsaPub)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			certPEM := &bytes.Buffer{}
			pem.Encode(certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: der})
			resp := &sqladmin.GenerateEphemeralCertResponse{
				EphemeralCert: &sqladmin.SslCert{Cert: certPEM.String()},
			}
			json.NewEncoder(w).Encode(resp)
		},
	}
}

// NewAdminServer starts an httptest server stubbing the Cloud SQL Admin API
// endpoints the connector uses. Callers that need a *sqladmin.Service should
// use NewSQLAdminService instead; NewAdminServer is exported separately for
// callers (such as the driver packages) that configure their own client
// through cloudsqlconn.WithAdminAPIEndpoint and cloudsqlconn.WithHTTPClient.
func NewAdminServer(handlers ...*handler) (*httptest.Server, func() error) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range handlers {
			if h.matches(r) {
				h.serve(w, r)
				return
			}
		}
		http.Error(w, fmt.Sprintf("unexpected request: %s %s", r.Method, r.URL.Path), http.StatusNotImplemented)
	}))

	cleanup := func() error {
		s.Close()
		for i, h := range handlers {
			h.Lock()
			remain := h.remain
			h.Unlock()
			if remain > 0 {
				return fmt.Errorf("%d calls left unused for handler %d: %s %s", remain, i, h.method, h.path)
			}
		}
		return nil
	}
	return s, cleanup
}

// NewSQLAdminService starts an httptest server stubbing the Cloud SQL Admin
// API endpoints the connector uses, configures a *sqladmin.Service to talk
// to it, and returns a cleanup func that stops the server and reports an
// error if any stubbed handler was left unused.
func NewSQLAdminService(ctx context.Context, handlers ...*handler) (*sqladmin.Service, func() error, error) {
	s, cleanup := NewAdminServer(handlers...)

	svc, err := sqladmin.NewService(ctx,
		option.WithHTTPClient(s.Client()),
		option.WithEndpoint(s.URL+"/sql/v1beta4/"),
	)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return svc, cleanup, nil
}
