// Package aggregate buckets incident arrivals into fixed intervals for the
// forecaster.
package aggregate

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Store abstracts persistence for interval counts.
type Store interface {
	AddCounts(ctx context.Context, deltas map[time.Time]float64) error
}

// Aggregator accumulates per-interval incident counts in memory and flushes
// the deltas to the store. Add is safe for concurrent use.
type Aggregator struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[time.Time]float64
	seen    map[string]struct{}
}

// NewAggregator constructs an Aggregator; store may be nil for dry runs.
func NewAggregator(logger *slog.Logger, store Store, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Aggregator{
		store:    store,
		interval: interval,
		logger:   utils.OrDefault(logger),
		pending:  make(map[time.Time]float64),
		seen:     make(map[string]struct{}),
	}
}

// Add counts one incident in the interval containing its timestamp. An
// incident id already counted since the last flush is ignored.
func (a *Aggregator) Add(r models.IncidentRecord) {
	if r.Timestamp.IsZero() {
		return
	}
	bucket := utils.Truncate(r.Timestamp.UTC(), a.interval)

	a.mu.Lock()
	defer a.mu.Unlock()
	if r.ID != "" {
		if _, ok := a.seen[r.ID]; ok {
			return
		}
		a.seen[r.ID] = struct{}{}
	}
	a.pending[bucket]++
}

// Pending returns the unflushed counts ordered by time.
func (a *Aggregator) Pending() []models.CountPoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedPoints(a.pending)
}

// Flush writes pending deltas. On failure the deltas are kept for the next
// flush.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	deltas := a.pending
	a.pending = make(map[time.Time]float64)
	a.seen = make(map[string]struct{})
	a.mu.Unlock()

	if len(deltas) == 0 || a.store == nil {
		return nil
	}
	if err := a.store.AddCounts(ctx, deltas); err != nil {
		a.mu.Lock()
		for ts, v := range deltas {
			a.pending[ts] += v
		}
		a.mu.Unlock()
		a.logger.Warn("count flush failed", slog.Any("error", err), slog.Int("buckets", len(deltas)))
		return utils.NewAppError("aggregate.Flush", "persist counts", err)
	}
	a.logger.Debug("counts flushed", slog.Int("buckets", len(deltas)))
	return nil
}

// Bucket counts records by interval without touching any store. It is used
// for bulk historical imports.
func Bucket(records []models.IncidentRecord, interval time.Duration) []models.CountPoint {
	if interval <= 0 {
		interval = time.Hour
	}
	counts := make(map[time.Time]float64)
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.Timestamp.IsZero() {
			continue
		}
		if r.ID != "" {
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
		}
		counts[utils.Truncate(r.Timestamp.UTC(), interval)]++
	}
	return sortedPoints(counts)
}

func sortedPoints(m map[time.Time]float64) []models.CountPoint {
	out := make([]models.CountPoint, 0, len(m))
	for ts, v := range m {
		out = append(out, models.CountPoint{Timestamp: ts, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Densify lays points onto the [from, to) grid, filling absent slots with 0.
func Densify(points []models.CountPoint, from, to time.Time, interval time.Duration) []models.CountPoint {
	from = utils.Truncate(from.UTC(), interval)
	byTS := make(map[int64]float64, len(points))
	for _, p := range points {
		byTS[utils.Truncate(p.Timestamp.UTC(), interval).Unix()] += p.Count
	}
	var out []models.CountPoint
	for ts := from; ts.Before(to); ts = ts.Add(interval) {
		out = append(out, models.CountPoint{Timestamp: ts, Count: byTS[ts.Unix()]})
	}
	return out
}
