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

// Package errtype provides types to distinguish the different types of
// errors that can occur during the lifecycle of a connection.
package errtype

import "fmt"

// ConfigError is used to indicate there was a problem with the
// configuration, e.g., invalid instance connection name, unsupported
// database engine, etc.
type ConfigError struct {
	message  string
	connName string
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("[%v] %v", e.connName, e.message)
}

// NewConfigError initializes a ConfigError.
func NewConfigError(m, cn string) *ConfigError {
	return &ConfigError{message: m, connName: cn}
}

// RefreshError is used to indicate there was a problem refreshing
// ephemeral certificates or instance metadata.
type RefreshError struct {
	message  string
	connName string
	err      error
}

// Error returns the error message, wrapping the underlying error if any.
func (e *RefreshError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("[%v] %v", e.connName, e.message)
	}
	return fmt.Sprintf("[%v] %v: %v", e.connName, e.message, e.err)
}

// Unwrap returns the underlying cause, if any, so that errors.Is / errors.As
// continue to work across the RefreshError boundary.
func (e *RefreshError) Unwrap() error {
	return e.err
}

// NewRefreshError initializes a RefreshError.
func NewRefreshError(m, cn string, err error) *RefreshError {
	return &RefreshError{message: m, connName: cn, err: err}
}

// DialError is used to indicate there was a problem dialing or otherwise
// establishing a connection to an instance, e.g., TCP failures, TLS
// handshake failures, rate-limited refreshes, etc.
type DialError struct {
	message  string
	connName string
	err      error
}

// Error returns the error message, wrapping the underlying error if any.
func (e *DialError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("[%v] %v", e.connName, e.message)
	}
	return fmt.Sprintf("[%v] %v: %v", e.connName, e.message, e.err)
}

// Unwrap returns the underlying cause, if any.
func (e *DialError) Unwrap() error {
	return e.err
}

// NewDialError initializes a DialError.
func NewDialError(m, cn string, err error) *DialError {
	return &DialError{message: m, connName: cn, err: err}
}
