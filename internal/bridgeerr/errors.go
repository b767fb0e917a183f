// Copyright 2025 LLMOS Bridge Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bridgeerr declares the error taxonomy shared by every core
// component: ProtocolError, SecurityError, OrchestrationError,
// CapabilityError, and StateError. Each kind wraps an underlying cause via
// %w so callers can both branch on kind (errors.As) and unwrap to the root
// cause with the standard library.
package bridgeerr

import "fmt"

// Kind classifies an error into one of the five taxonomy buckets from the
// orchestration engine's error handling design.
type Kind string

const (
	KindProtocol      Kind = "protocol"
	KindSecurity      Kind = "security"
	KindOrchestration Kind = "orchestration"
	KindCapability    Kind = "capability"
	KindState         Kind = "state"
)

// Error is the common shape of every taxonomy error: a kind, a short
// machine-readable code, a human message, and structured details that the
// HTTP layer surfaces verbatim in the failure body.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, code, message string, cause error, details map[string]interface{}) *Error {
	if details == nil {
		details = map[string]interface{}{}
	}
	return &Error{Kind: kind, Code: code, Message: message, Details: details, Cause: cause}
}

// Protocol wraps a parse, validation, migration, or template-resolution
// failure.
func Protocol(code, message string, cause error, details map[string]interface{}) *Error {
	return newErr(KindProtocol, code, message, cause, details)
}

// Security wraps a profile denial, missing approval, missing permission,
// rate limit, or scanner/intent rejection.
func Security(code, message string, cause error, details map[string]interface{}) *Error {
	return newErr(KindSecurity, code, message, cause, details)
}

// Orchestration wraps a dependency cycle, dependency failure, or timeout.
func Orchestration(code, message string, cause error, details map[string]interface{}) *Error {
	return newErr(KindOrchestration, code, message, cause, details)
}

// Capability wraps a module/action lookup failure or a dispatch failure
// from inside a capability.
func Capability(code, message string, cause error, details map[string]interface{}) *Error {
	return newErr(KindCapability, code, message, cause, details)
}

// State wraps a State Store I/O failure.
func State(code, message string, cause error, details map[string]interface{}) *Error {
	return newErr(KindState, code, message, cause, details)
}

// Is reports whether err is a taxonomy Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return false
	}
	return e.Kind == kind
}

// HTTPStatusClass returns "4xx" for validation-shaped errors (protocol,
// security) and "5xx" for everything else, matching §7's propagation
// policy for submission-time failures.
func HTTPStatusClass(err error) string {
	e, ok := err.(*Error)
	if !ok {
		return "5xx"
	}
	switch e.Kind {
	case KindProtocol, KindSecurity:
		return "4xx"
	default:
		return "5xx"
	}
}
