package cache

import (
	"context"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

// RateStateCache keeps the daily send counter outside the process.
type RateStateCache interface {
	LoadRateState(ctx context.Context) (model.RateState, error)
	SaveRateState(ctx context.Context, st model.RateState) error
}
