package state

import (
	"context"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
)

// NoOpStore is a Store that discards everything, used when a durable
// backend is configured but unreachable at startup and the operator has
// chosen to run degraded rather than refuse to start — mirrors the
// teacher's replay.NoOpRepository fallback for the same scenario.
type NoOpStore struct{}

var _ Store = (*NoOpStore)(nil)

func (NoOpStore) Create(ctx context.Context, st *plan.ExecutionState) error { return nil }

func (NoOpStore) UpdatePlanStatus(ctx context.Context, planID string, status plan.PlanStatus) error {
	return nil
}

func (NoOpStore) UpdateAction(ctx context.Context, planID string, action *plan.ActionState) error {
	return nil
}

func (NoOpStore) SetRejection(ctx context.Context, planID string, rejection *plan.RejectionDetails) error {
	return nil
}

func (NoOpStore) Get(ctx context.Context, planID string) (*plan.ExecutionState, error) {
	return nil, ErrNotFound
}

func (NoOpStore) List(ctx context.Context, status plan.PlanStatus, limit int) ([]*plan.ExecutionState, error) {
	return []*plan.ExecutionState{}, nil
}

func (NoOpStore) Delete(ctx context.Context, planID string) error { return nil }

func (NoOpStore) Sweep(ctx context.Context, cutoffSeconds int64) (int, error) { return 0, nil }

func (NoOpStore) Ping(ctx context.Context) error { return nil }
