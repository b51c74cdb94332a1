package aggregate

import (
	"context"
	"time"
)

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, deltas map[time.Time]float64) error

// AddCounts implements Store.
func (f StoreFunc) AddCounts(ctx context.Context, deltas map[time.Time]float64) error {
	return f(ctx, deltas)
}
