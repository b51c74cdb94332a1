package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/mirador-triage/internal/cache"
	"github.com/miradorstack/mirador-triage/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(t *testing.T, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(data)), Header: make(http.Header)}
}

var h0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func newClient(rt roundTripFunc, provider cache.Provider) *SearchClient {
	c := NewSearchClient(SearchConfig{
		BaseURL:       "https://search.example.com/",
		CountsPath:    "/api/v1/triage/counts",
		IncidentsPath: "/api/v1/triage/incidents",
		CacheTTL:      time.Minute,
	}, provider, nil)
	c.httpClient = &http.Client{Transport: rt}
	return c
}

func TestFetchCountsCachesResults(t *testing.T) {
	hits := 0
	client := newClient(func(req *http.Request) (*http.Response, error) {
		hits++
		if req.URL.Path != "/api/v1/triage/counts" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		return jsonResponse(t, map[string]any{"points": []map[string]any{
			{"timestamp": h0, "count": 4},
			{"timestamp": h0.Add(90 * time.Minute), "count": 2},
			{"timestamp": h0.Add(-time.Hour), "count": 9},
		}}), nil
	}, cache.NewMemoryProvider())

	ctx := context.Background()
	points, err := client.FetchCounts(ctx, h0, h0.Add(3*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []models.CountPoint{{Timestamp: h0, Count: 4}, {Timestamp: h0.Add(time.Hour), Count: 2}}
	if diff := cmp.Diff(want, points); diff != "" {
		t.Fatalf("unexpected points:\n%s", diff)
	}

	cached, err := client.FetchCounts(ctx, h0, h0.Add(3*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("unexpected cached error: %v", err)
	}
	if hits != 1 {
		t.Fatalf("cache miss triggered network call; hits=%d", hits)
	}
	if diff := cmp.Diff(want, cached); diff != "" {
		t.Fatalf("unexpected cached points:\n%s", diff)
	}
}

func TestFetchCountsPropagatesStatus(t *testing.T) {
	client := newClient(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusBadGateway, Status: "502 Bad Gateway", Body: io.NopCloser(bytes.NewReader(nil))}, nil
	}, nil)
	if _, err := client.FetchCounts(context.Background(), h0, h0.Add(time.Hour), time.Hour); err == nil {
		t.Fatalf("expected error for upstream failure")
	}
}

func TestFetchLabeledIncidentsSkipsUnlabeled(t *testing.T) {
	client := newClient(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, map[string]any{"incidents": []map[string]any{
			{"Id": "inc-1", "AlertTitle": "Phishing email reported", "DetectorId": "mail-1", "Category": "phishing", "IncidentGrade": "High"},
			{"Id": "inc-2", "AlertTitle": "Unlabeled"},
			{"AlertTitle": "Missing id", "Category": "malware"},
		}}), nil
	}, nil)
	got, err := client.FetchLabeledIncidents(context.Background(), h0, 100)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 || got[0].Record.ID != "inc-1" || got[0].Labels.Category == "" {
		t.Fatalf("unexpected labeled incidents %+v", got)
	}
}

type countTable struct {
	points map[time.Time]float64
}

func (c *countTable) Counts(_ context.Context, from, to time.Time) ([]models.CountPoint, error) {
	var out []models.CountPoint
	for ts, n := range c.points {
		if !ts.Before(from) && ts.Before(to) {
			out = append(out, models.CountPoint{Timestamp: ts, Count: n})
		}
	}
	return out, nil
}

func (c *countTable) SetCounts(_ context.Context, points []models.CountPoint) error {
	for _, p := range points {
		c.points[p.Timestamp] = p.Count
	}
	return nil
}

func TestBackfillKeepsLocalBuckets(t *testing.T) {
	client := newClient(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, map[string]any{"points": []map[string]any{
			{"timestamp": h0, "count": 10},
			{"timestamp": h0.Add(time.Hour), "count": 3},
		}}), nil
	}, nil)
	local := &countTable{points: map[time.Time]float64{h0: 7}}
	n, err := client.Backfill(context.Background(), local, h0, h0.Add(2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if n != 1 || local.points[h0] != 7 || local.points[h0.Add(time.Hour)] != 3 {
		t.Fatalf("unexpected backfill n=%d points=%v", n, local.points)
	}

	n, err = client.Backfill(context.Background(), local, h0, h0.Add(2*time.Hour), time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("complete window should not backfill: n=%d err=%v", n, err)
	}
}
