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

// Package debug holds the logging interfaces used to report on the
// connector's internal operations. Callers may supply their own
// implementation; by default the connector logs nothing.
package debug

import "context"

// Logger is the interface used for logging that does not have access to a
// context.Context.
type Logger interface {
	Debugf(format string, args ...interface{})
}

// ContextLogger is the interface used for logging where a context.Context is
// available, allowing implementations to attach request-scoped fields.
type ContextLogger interface {
	Debugf(ctx context.Context, format string, args ...interface{})
}

// NullLogger discards everything logged to it.
type NullLogger struct{}

// Debugf implements Logger.
func (NullLogger) Debugf(string, ...interface{}) {}

// NullContextLogger discards everything logged to it.
type NullContextLogger struct{}

// Debugf implements ContextLogger.
func (NullContextLogger) Debugf(context.Context, string, ...interface{}) {}
