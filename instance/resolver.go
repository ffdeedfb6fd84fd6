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

package instance

import (
	"context"
	"net"
	"sort"
	"strings"

	"cloud.google.com/go/cloudsqlconn/errtype"
)

// Resolver turns a caller-supplied name into a ConnName. Most callers
// already have an instance connection name in hand, in which case
// DefaultResolver is sufficient. DnsResolver exists for callers who prefer to
// address instances through a DNS name managed outside of application code,
// so that the underlying instance connection name can change without a
// redeploy.
type Resolver interface {
	// Resolve resolves name into a ConnName, looking it up by whatever means
	// the implementation provides.
	Resolve(ctx context.Context, name string) (ConnName, error)
}

// DefaultResolver resolves an instance connection name by parsing it
// directly, performing no network calls.
type DefaultResolver struct{}

// Resolve implements Resolver by parsing name as an instance connection
// name.
func (r *DefaultResolver) Resolve(_ context.Context, name string) (ConnName, error) {
	return ParseConnName(name)
}

// txtLookup abstracts net.Resolver.LookupTXT for testing.
type txtLookup func(ctx context.Context, name string) ([]string, error)

// DnsResolver resolves a DNS name to an instance connection name using a TXT
// record lookup. The TXT record's value must itself be a well-formed
// instance connection name.
type DnsResolver struct {
	lookupTXT txtLookup
}

// NewDnsResolver returns a DnsResolver that looks up TXT records using the
// system's default DNS resolver.
func NewDnsResolver() *DnsResolver {
	return &DnsResolver{lookupTXT: net.DefaultResolver.LookupTXT}
}

// Resolve implements Resolver by first trying to parse name directly as an
// instance connection name; if that fails, it looks up a TXT record for name
// and parses its value instead.
func (r *DnsResolver) Resolve(ctx context.Context, name string) (ConnName, error) {
	if cn, err := ParseConnName(name); err == nil {
		return cn, nil
	}

	host := trimTrailingDot(name)
	records, err := r.lookupTXT(ctx, host)
	if err != nil {
		return ConnName{}, errtype.NewConfigError(
			"failed to resolve TXT record for domain name: "+err.Error(),
			name,
		)
	}
	if len(records) == 0 {
		return ConnName{}, errtype.NewConfigError(
			"no TXT record found for domain name",
			name,
		)
	}
	// DNS makes no ordering guarantee among multiple TXT records, so sort
	// lexicographically for a deterministic choice and use the first value
	// that parses as a valid instance connection name.
	sorted := append([]string(nil), records...)
	sort.Strings(sorted)
	var lastErr error
	for _, rec := range sorted {
		cn, err := ParseConnName(strings.TrimSpace(rec))
		if err != nil {
			lastErr = err
			continue
		}
		return withDomainName(cn, host), nil
	}
	return ConnName{}, errtype.NewConfigError(
		"TXT record(s) found but none were valid instance connection names: "+lastErr.Error(),
		name,
	)
}
