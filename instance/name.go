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

// Package instance holds the instance connection name type and the
// resolvers used to produce one from a caller-supplied string.
package instance

import (
	"fmt"
	"regexp"
	"strings"

	"cloud.google.com/go/cloudsqlconn/errtype"
)

// connNameRegex matches an instance connection name of the form
// PROJECT(:DOMAIN-SUFFIX)?:REGION:INSTANCE. Projects may themselves contain a
// colon for legacy domain-scoped projects (e.g. "google.com:my-project"), so
// the first colon-delimited group is greedy up to the last two remaining
// segments.
var connNameRegex = regexp.MustCompile(`^(?P<project>[^:]+(?::[^:]+)?):(?P<region>[^:]+):(?P<name>[^:]+)$`)

// ConnName represents a parsed instance connection name. Project may itself
// contain a colon for domain-scoped legacy projects (e.g. "google.com:proj").
// DomainName is only set when the name was resolved from a DNS name rather
// than parsed directly.
type ConnName struct {
	Project    string
	Region     string
	Name       string
	DomainName string
}

// String returns the canonical "project:region:instance" representation,
// prefixed with "domain -> " when the name was resolved from a domain.
func (c ConnName) String() string {
	base := fmt.Sprintf("%s:%s:%s", c.Project, c.Region, c.Name)
	if c.DomainName != "" {
		return fmt.Sprintf("domain -> %s", base)
	}
	return base
}

// ParseConnName parses a string in the format
// "PROJECT(:DOMAIN-SUFFIX)?:REGION:INSTANCE" into a ConnName. All three
// required fields must be non-empty.
func ParseConnName(cn string) (ConnName, error) {
	b := []byte(cn)
	m := connNameRegex.FindSubmatch(b)
	if m == nil {
		return ConnName{}, errtype.NewConfigError(
			"invalid instance connection name, expected "+
				`"PROJECT:REGION:INSTANCE" with an optional DOMAIN-SUFFIX on PROJECT`,
			cn,
		)
	}
	project, region, name := string(m[1]), string(m[2]), string(m[3])
	if project == "" || region == "" || name == "" {
		return ConnName{}, errtype.NewConfigError(
			"invalid instance connection name: project, region, and instance must all be non-empty",
			cn,
		)
	}
	return ConnName{Project: project, Region: region, Name: name}, nil
}

// withDomainName returns a copy of c with DomainName set, used by the DNS
// resolver to record which domain produced this name.
func withDomainName(c ConnName, domain string) ConnName {
	c.DomainName = domain
	return c
}

// trimTrailingDot removes a trailing "." from a fully-qualified domain name,
// since TXT lookups are often performed against the unqualified form.
func trimTrailingDot(s string) string {
	return strings.TrimSuffix(s, ".")
}
