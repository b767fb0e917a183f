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

// Package eventbus implements the Event Bus: non-blocking fan-out of plan and
// action lifecycle events to a durable JSONL file sink and to live
// subscriber channels, plus a best-effort Redis pub/sub mirror. Grounded
// on the teacher's audit_logger.go queue-plus-worker shape, generalized
// from a single Postgres sink to a pluggable set of sinks.
package eventbus

import (
	"time"
)

// Kind enumerates every lifecycle transition the bus emits, per spec.md
// §6's event bus list.
type Kind string

const (
	PlanSubmitted          Kind = "plan_submitted"
	PlanStarted            Kind = "plan_started"
	ActionRequested        Kind = "action_requested"
	ActionApprovalRequested Kind = "action_approval_requested"
	ActionApprovalDecided  Kind = "action_approval_decided"
	ActionStarted          Kind = "action_started"
	ActionCompleted        Kind = "action_completed"
	ActionFailed           Kind = "action_failed"
	ActionRolledBack       Kind = "action_rolled_back"
	PlanCompleted          Kind = "plan_completed"
	PlanFailed             Kind = "plan_failed"
	PlanCancelled          Kind = "plan_cancelled"
)

// Event is one emitted transition. Sensitive payloads (action params,
// capability results) are never attached — only ids, status labels, and a
// short free-form detail string, per spec.md §6.
type Event struct {
	Kind      Kind      `json:"kind"`
	PlanID    string    `json:"plan_id"`
	ActionID  string    `json:"action_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Sink receives every published event, best-effort. A Sink must not block
// the publisher for long; the Bus itself already isolates sinks from each
// other and from subscriber delivery.
type Sink interface {
	Write(Event)
}

// subscriber is one live listener's bounded mailbox.
type subscriber struct {
	ch chan Event
}

const subscriberBufferSize = 256
