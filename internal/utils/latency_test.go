package utils

import (
	"errors"
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(10)
	durations := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for _, d := range durations {
		tracker.Observe(d)
	}

	if tracker.Count() != len(durations) {
		t.Fatalf("expected count %d, got %d", len(durations), tracker.Count())
	}

	p95 := tracker.Percentile(95)
	if p95 < 40*time.Millisecond {
		t.Fatalf("expected percentile >= 40ms, got %v", p95)
	}
}

func TestLatencyTrackerKeepsNewestSamples(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 0; i < 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}
	if tracker.Count() != 3 {
		t.Fatalf("expected tracker size 3, got %d", tracker.Count())
	}
	if min := tracker.Percentile(0); min != 7*time.Millisecond {
		t.Fatalf("expected oldest retained sample 7ms, got %v", min)
	}
}

func TestStageLatencySnapshot(t *testing.T) {
	stages := NewStageLatency(8)
	stages.Observe("encode", time.Millisecond)
	stages.Observe("classify", 3*time.Millisecond)
	stages.Observe("classify", 5*time.Millisecond)

	snap := stages.Snapshot(100)
	if snap["encode"] != time.Millisecond || snap["classify"] != 5*time.Millisecond {
		t.Fatalf("unexpected snapshot %v", snap)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	base := 100 * time.Millisecond
	if got := Backoff(0, base, time.Second); got != base {
		t.Fatalf("attempt 0: got %v", got)
	}
	if got := Backoff(2, base, time.Second); got != 400*time.Millisecond {
		t.Fatalf("attempt 2: got %v", got)
	}
	if got := Backoff(40, base, time.Second); got != time.Second {
		t.Fatalf("attempt 40: got %v", got)
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	for _, value := range []string{"2024-06-01T10:30:00Z", "2024-06-01T10:30:00.000Z", "2024-06-01 10:30:00"} {
		ts, err := ParseTimestamp(value)
		if err != nil {
			t.Fatalf("parse %q: %v", value, err)
		}
		if ts.Hour() != 10 || ts.Minute() != 30 {
			t.Fatalf("parse %q: got %v", value, ts)
		}
	}
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatalf("expected error for unsupported layout")
	}
}

func TestOpOf(t *testing.T) {
	err := NewAppError("encode", "missing field", errors.New("boom"))
	if OpOf(err) != "encode" {
		t.Fatalf("expected op encode, got %q", OpOf(err))
	}
	if OpOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty op for plain error")
	}
}
