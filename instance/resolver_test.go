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
	"errors"
	"testing"
)

func TestDnsResolverResolve(t *testing.T) {
	tcs := []struct {
		desc    string
		records []string
		want    ConnName
	}{
		{
			desc:    "single valid record",
			records: []string{"proj:reg:name"},
			want:    ConnName{Project: "proj", Region: "reg", Name: "name", DomainName: "db.example.com"},
		},
		{
			desc:    "valid record after an invalid one",
			records: []string{"not-a-conn-name", "proj:reg:name"},
			want:    ConnName{Project: "proj", Region: "reg", Name: "name", DomainName: "db.example.com"},
		},
		{
			desc:    "multiple valid records picks lexicographically smallest",
			records: []string{"proj:reg:zzz", "proj:reg:aaa"},
			want:    ConnName{Project: "proj", Region: "reg", Name: "aaa", DomainName: "db.example.com"},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			r := &DnsResolver{lookupTXT: func(context.Context, string) ([]string, error) {
				return tc.records, nil
			}}
			got, err := r.Resolve(context.Background(), "db.example.com")
			if err != nil {
				t.Fatalf("got error = %v, want nil", err)
			}
			if got != tc.want {
				t.Fatalf("got = %v, want = %v", got, tc.want)
			}
		})
	}
}

func TestDnsResolverResolveErrors(t *testing.T) {
	tcs := []struct {
		desc    string
		lookup  txtLookup
	}{
		{
			desc: "lookup fails",
			lookup: func(context.Context, string) ([]string, error) {
				return nil, errors.New("no such host")
			},
		},
		{
			desc: "no records found",
			lookup: func(context.Context, string) ([]string, error) {
				return nil, nil
			},
		},
		{
			desc: "records found but none valid",
			lookup: func(context.Context, string) ([]string, error) {
				return []string{"not-a-conn-name"}, nil
			},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			r := &DnsResolver{lookupTXT: tc.lookup}
			_, err := r.Resolve(context.Background(), "db.example.com")
			if err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestDnsResolverResolvePrefersDirectParse(t *testing.T) {
	r := &DnsResolver{lookupTXT: func(context.Context, string) ([]string, error) {
		t.Fatal("lookupTXT should not be called when name already parses directly")
		return nil, nil
	}}
	got, err := r.Resolve(context.Background(), "proj:reg:name")
	if err != nil {
		t.Fatalf("got error = %v, want nil", err)
	}
	want := ConnName{Project: "proj", Region: "reg", Name: "name"}
	if got != want {
		t.Fatalf("got = %v, want = %v", got, want)
	}
}

func TestDefaultResolverResolve(t *testing.T) {
	r := &DefaultResolver{}
	got, err := r.Resolve(context.Background(), "proj:reg:name")
	if err != nil {
		t.Fatalf("got error = %v, want nil", err)
	}
	want := ConnName{Project: "proj", Region: "reg", Name: "name"}
	if got != want {
		t.Fatalf("got = %v, want = %v", got, want)
	}
}
