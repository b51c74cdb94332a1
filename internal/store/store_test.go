package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/mirador-triage/internal/encoding"
	"github.com/miradorstack/mirador-triage/internal/models"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "triage.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rating(n int) *int { return &n }

func TestAppendFeedbackConcurrent(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.AppendFeedback(ctx, models.FeedbackRecord{
					IncidentID:     fmt.Sprintf("inc-%d-%d", w, i),
					AnalystID:      "analyst",
					CorrectedLabel: &models.Labels{Category: "phishing"},
				})
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	all, err := s.ListFeedback(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != writers*perWriter {
		t.Fatalf("expected %d records, got %d", writers*perWriter, len(all))
	}
	seen := make(map[string]bool, len(all))
	for i, rec := range all {
		if rec.Seq != uint64(i+1) {
			t.Fatalf("sequence gap at %d: %d", i, rec.Seq)
		}
		if seen[rec.ID] {
			t.Fatalf("duplicate id %s", rec.ID)
		}
		seen[rec.ID] = true
	}

	tail, _ := s.ListFeedback(ctx, uint64(len(all)-5))
	if len(tail) != 5 {
		t.Fatalf("expected 5 records after high water, got %d", len(tail))
	}
}

func TestAppendFeedbackValidation(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	cases := []models.FeedbackRecord{
		{AnalystID: "a", PlaybookRating: rating(3)},
		{IncidentID: "i", PlaybookRating: rating(3)},
		{IncidentID: "i", AnalystID: "a"},
		{IncidentID: "i", AnalystID: "a", PlaybookRating: rating(9)},
		{IncidentID: "i", AnalystID: "a", CorrectedLabel: &models.Labels{}},
	}
	for i, rec := range cases {
		if _, err := s.AppendFeedback(ctx, rec); !errors.Is(err, models.ErrInvalid) {
			t.Fatalf("case %d: expected ErrInvalid, got %v", i, err)
		}
	}
}

func TestModelVersionsAndActiveFlag(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"clf-0001", "clf-0002"} {
		meta := models.ModelVersion{Kind: models.KindClassifier, VersionID: id, TrainedAt: base.Add(time.Duration(i) * time.Hour),
			EvaluationMetrics: map[string]float64{models.MetricAccuracy: 0.8}}
		if err := s.SaveModelVersion(ctx, meta, map[string]string{"id": id}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	dup := models.ModelVersion{Kind: models.KindClassifier, VersionID: "clf-0001"}
	if err := s.SaveModelVersion(ctx, dup, nil); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := s.SetActive(ctx, models.KindClassifier, "clf-0002"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := s.SetActive(ctx, models.KindClassifier, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	versions, err := s.ListModelVersions(ctx, models.KindClassifier)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 2 || versions[0].Meta.Active || !versions[1].Meta.Active {
		t.Fatalf("unexpected versions %+v", versions)
	}
	if other, _ := s.ListModelVersions(ctx, models.KindForecaster); len(other) != 0 {
		t.Fatalf("forecaster versions leaked: %+v", other)
	}
}

func TestEncodingsImmutable(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	records := []models.IncidentRecord{{ID: "a", AlertTitle: "x", DetectorID: "d"}}
	v, err := encoding.Fit("enc-1", records, encoding.DefaultSchema(nil, 8, 0, 1), time.Unix(0, 0))
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if err := s.SaveEncoding(ctx, v); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveEncoding(ctx, v); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	loaded, err := s.LoadEncodings(ctx)
	if err != nil || len(loaded) != 1 {
		t.Fatalf("load: %v %d", err, len(loaded))
	}
	a, _ := encoding.Encode(records[0], v)
	b, _ := encoding.Encode(records[0], loaded[0])
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("reloaded encoding differs:\n%s", diff)
	}
}

func TestCountsAccumulateAndRange(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	h0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := s.AddCounts(ctx, map[time.Time]float64{h0: 2, h0.Add(time.Hour): 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddCounts(ctx, map[time.Time]float64{h0: 3}); err != nil {
		t.Fatalf("add: %v", err)
	}
	points, err := s.Counts(ctx, h0, h0.Add(time.Hour))
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if len(points) != 1 || points[0].Count != 5 {
		t.Fatalf("unexpected points %+v", points)
	}
}

func TestForecastKeyedByWindowEnd(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	end := time.Date(2024, 6, 30, 23, 0, 0, 0, time.UTC)
	f := models.ForecastResult{WindowEnd: end, ModelVersion: "fc-1", Predicted: []models.CountPoint{{Timestamp: end.Add(time.Hour), Count: 4}}}
	if err := s.PutForecast(ctx, f); err != nil {
		t.Fatalf("put: %v", err)
	}
	f.ModelVersion = "fc-2"
	if err := s.PutForecast(ctx, f); !IsConflict(err) {
		t.Fatalf("expected conflict for same window end, got %v", err)
	}
	latest, err := s.LatestForecast(ctx)
	if err != nil || latest.ModelVersion != "fc-1" {
		t.Fatalf("latest: %+v %v", latest, err)
	}
}

func TestResultsAndRetrainEvents(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	if _, err := s.GetResult(ctx, "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.PutResult(ctx, models.ResultRecord{IncidentID: "inc-1", Status: models.StatusPublished}); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, err := s.GetResult(ctx, "inc-1")
	if err != nil || rec.Status != models.StatusPublished {
		t.Fatalf("get: %+v %v", rec, err)
	}

	for _, state := range []models.RetrainState{models.StatePromoted, models.StateRejected} {
		if _, err := s.AppendRetrainEvent(ctx, models.RetrainEvent{Kind: "classifier", State: state}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := s.RetrainEvents(ctx, 1)
	if err != nil || len(events) != 1 || events[0].State != models.StateRejected {
		t.Fatalf("events: %+v %v", events, err)
	}
}
