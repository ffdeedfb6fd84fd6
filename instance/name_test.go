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

package instance_test

import (
	"testing"

	"cloud.google.com/go/cloudsqlconn/instance"
)

func TestParseConnName(t *testing.T) {
	tcs := []struct {
		desc string
		in   string
		want instance.ConnName
	}{
		{
			desc: "vanilla instance connection name",
			in:   "proj:reg:name",
			want: instance.ConnName{
				Project: "proj",
				Region:  "reg",
				Name:    "name",
			},
		},
		{
			desc: "with legacy domain-scoped project",
			in:   "google.com:proj:reg:name",
			want: instance.ConnName{
				Project: "google.com:proj",
				Region:  "reg",
				Name:    "name",
			},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := instance.ParseConnName(tc.in)
			if err != nil {
				t.Fatalf("got = %v, want no error", err)
			}
			if got != tc.want {
				t.Fatalf("got = %v, want = %v", got, tc.want)
			}
		})
	}
}

func TestParseConnNameErrors(t *testing.T) {
	tcs := []struct {
		desc string
		in   string
	}{
		{
			desc: "malformatted",
			in:   "not-correct",
		},
		{
			desc: "missing region",
			in:   "proj::name",
		},
		{
			desc: "missing instance",
			in:   "proj:reg:",
		},
		{
			desc: "empty",
			in:   "::",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := instance.ParseConnName(tc.in)
			if err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestConnNameString(t *testing.T) {
	tcs := []struct {
		desc string
		in   instance.ConnName
		want string
	}{
		{
			desc: "without a domain name",
			in:   instance.ConnName{Project: "proj", Region: "reg", Name: "name"},
			want: "proj:reg:name",
		},
		{
			desc: "with a domain name",
			in: instance.ConnName{
				Project: "proj", Region: "reg", Name: "name",
				DomainName: "db.example.com",
			},
			want: "domain -> proj:reg:name",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			if got := tc.in.String(); got != tc.want {
				t.Fatalf("got = %v, want = %v", got, tc.want)
			}
		})
	}
}
