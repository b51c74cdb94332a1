package utils

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker stores recent duration samples and computes percentiles.
type LatencyTracker struct {
	mu      sync.RWMutex
	samples []time.Duration
	maxSize int
}

// NewLatencyTracker creates a tracker storing up to maxSize samples.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LatencyTracker{maxSize: maxSize}
}

// Observe records a new duration.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.samples = append(l.samples, d)
	if len(l.samples) > l.maxSize {
		l.samples = append(l.samples[:0], l.samples[len(l.samples)-l.maxSize:]...)
	}
}

// Percentile returns the percentile (0-100) duration. Returns zero if no samples.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.RLock()
	sorted := append([]time.Duration(nil), l.samples...)
	l.mu.RUnlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	return sorted[int((p/100.0)*float64(len(sorted)-1))]
}

// Count returns number of samples recorded.
func (l *LatencyTracker) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.samples)
}

// StageLatency keeps one tracker per pipeline stage.
type StageLatency struct {
	mu       sync.Mutex
	size     int
	trackers map[string]*LatencyTracker
}

// NewStageLatency builds a per-stage tracker set.
func NewStageLatency(size int) *StageLatency {
	return &StageLatency{size: size, trackers: make(map[string]*LatencyTracker)}
}

// Observe records d against stage.
func (s *StageLatency) Observe(stage string, d time.Duration) {
	s.mu.Lock()
	tracker, ok := s.trackers[stage]
	if !ok {
		tracker = NewLatencyTracker(s.size)
		s.trackers[stage] = tracker
	}
	s.mu.Unlock()
	tracker.Observe(d)
}

// Snapshot returns the p-th percentile for every stage seen so far.
func (s *StageLatency) Snapshot(p float64) map[string]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Duration, len(s.trackers))
	for stage, tracker := range s.trackers {
		out[stage] = tracker.Percentile(p)
	}
	return out
}
