package forecaster

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/mirador-triage/internal/models"
)

var start = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func hourly(days int) []models.CountPoint {
	points := make([]models.CountPoint, days*24)
	for i := range points {
		hour := float64(i % 24)
		points[i] = models.CountPoint{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Count:     10 + 5*math.Sin(2*math.Pi*hour/24) + float64(i)/200,
		}
	}
	return points
}

func baseline() *Model {
	return Baseline("fc-1", Config{Interval: time.Hour, MinHistory: 30 * 24 * time.Hour})
}

func TestForecastSuppressedBelowMinimumHistory(t *testing.T) {
	_, err := baseline().Forecast(hourly(29), 24*time.Hour)
	if !errors.Is(err, models.ErrInsufficientHistory) {
		t.Fatalf("expected ErrInsufficientHistory for 29 days, got %v", err)
	}
}

func TestForecastSucceedsAtThirtyDays(t *testing.T) {
	history := hourly(30)
	res, err := baseline().Forecast(history, 24*time.Hour)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if len(res.Predicted) != 24 {
		t.Fatalf("expected 24 predicted values, got %d", len(res.Predicted))
	}
	if !res.Predicted[0].Timestamp.Equal(history[len(history)-1].Timestamp.Add(time.Hour)) {
		t.Fatalf("first prediction misaligned: %v", res.Predicted[0].Timestamp)
	}
	for _, p := range res.Predicted {
		if p.Count < 0 {
			t.Fatalf("negative prediction %v", p)
		}
	}
}

func TestForecastDeterministic(t *testing.T) {
	history := hourly(31)
	a, err := baseline().Forecast(history, 24*time.Hour)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	b, _ := baseline().Forecast(history, 24*time.Hour)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("forecast not deterministic:\n%s", diff)
	}
}

func TestForecastRejectsGapsAndDisorder(t *testing.T) {
	history := hourly(30)
	history[100].Timestamp = history[100].Timestamp.Add(30 * time.Minute)
	if _, err := baseline().Forecast(history, 24*time.Hour); !errors.Is(err, models.ErrInsufficientHistory) {
		t.Fatalf("expected ErrInsufficientHistory for off-grid point, got %v", err)
	}

	history = hourly(30)
	history[5], history[6] = history[6], history[5]
	if _, err := baseline().Forecast(history, 24*time.Hour); !errors.Is(err, models.ErrInsufficientHistory) {
		t.Fatalf("expected ErrInsufficientHistory for disorder, got %v", err)
	}
}

func TestForecastClampsAtZero(t *testing.T) {
	history := hourly(30)
	for i := range history {
		history[i].Count = math.Max(0, 50-float64(i)/10)
	}
	res, err := baseline().Forecast(history, 48*time.Hour)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	for _, p := range res.Predicted {
		if p.Count < 0 {
			t.Fatalf("prediction below zero: %v", p)
		}
	}
}

func TestTrainReproducible(t *testing.T) {
	history := hourly(30)
	m, metrics, err := Train("fc-2", history, Config{Interval: time.Hour, MinHistory: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if m.VersionID != "fc-2" {
		t.Fatalf("unexpected version %s", m.VersionID)
	}
	if metrics[models.MetricForecastScore] <= 0 || metrics[models.MetricForecastScore] > 1 {
		t.Fatalf("score out of range: %v", metrics)
	}
	again, _, _ := Train("fc-2", history, Config{Interval: time.Hour, MinHistory: 30 * 24 * time.Hour})
	if diff := cmp.Diff(m, again); diff != "" {
		t.Fatalf("training not reproducible:\n%s", diff)
	}
}

func TestDetectSpikes(t *testing.T) {
	series := hourly(2)
	for i := range series {
		series[i].Count = 10
	}
	series[7].Count = 100
	spikes := DetectSpikes(series, 3)
	if len(spikes) != 1 || !spikes[0].Point.Timestamp.Equal(series[7].Timestamp) {
		t.Fatalf("expected one spike at index 7, got %+v", spikes)
	}
	if DetectSpikes(series[:3], 3) != nil {
		t.Fatalf("flat series should have no spikes")
	}
}
