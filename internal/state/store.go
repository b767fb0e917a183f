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

// Package state implements the State Store: durable persistence of
// ExecutionState across the plans and actions relations, and a retention
// sweep that purges old terminal plans.
package state

import (
	"context"
	"errors"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
)

var (
	// ErrNotFound is returned when a requested plan or action is absent.
	ErrNotFound = errors.New("state: not found")
	// ErrInvalidInput is returned when a caller passes a nil/empty state.
	ErrInvalidInput = errors.New("state: invalid input")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("state: store unavailable")
)

// Store is the State Store contract: durable persistence of plan and
// action runtime state, generalized from the teacher's replay.Repository
// interface (snapshot/summary/execution CRUD plus a health Ping) to the
// orchestration engine's own ExecutionState/ActionState shape.
type Store interface {
	// Create persists a brand-new ExecutionState (plan_status=pending,
	// one pending ActionState per action).
	Create(ctx context.Context, st *plan.ExecutionState) error

	// UpdatePlanStatus updates only a plan's top-level status and
	// updated_at timestamp.
	UpdatePlanStatus(ctx context.Context, planID string, status plan.PlanStatus) error

	// UpdateAction upserts one action's runtime record within a plan.
	UpdateAction(ctx context.Context, planID string, action *plan.ActionState) error

	// SetRejection records why a plan never started executing.
	SetRejection(ctx context.Context, planID string, rejection *plan.RejectionDetails) error

	// Get retrieves the full ExecutionState for a plan.
	Get(ctx context.Context, planID string) (*plan.ExecutionState, error)

	// List returns the states of plans matching the given status (every
	// plan when status is empty), most recently updated first, for
	// operator/debugging use.
	List(ctx context.Context, status plan.PlanStatus, limit int) ([]*plan.ExecutionState, error)

	// Delete removes a plan's state entirely.
	Delete(ctx context.Context, planID string) error

	// Sweep purges terminal plans last updated before cutoffSeconds ago,
	// never touching a plan whose status is still "running". Returns the
	// number of plans purged.
	Sweep(ctx context.Context, cutoffSeconds int64) (int, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
