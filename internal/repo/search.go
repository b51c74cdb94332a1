package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-triage/internal/cache"
	"github.com/miradorstack/mirador-triage/internal/classifier"
	"github.com/miradorstack/mirador-triage/internal/ingest"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// SearchConfig points the client at the search backend.
type SearchConfig struct {
	BaseURL       string
	CountsPath    string
	IncidentsPath string
	Timeout       time.Duration
	CacheTTL      time.Duration
}

// SearchClient reads historical incident volume and labeled incidents from
// the search backend. Count responses are cached through the provider.
type SearchClient struct {
	baseURL       string
	countsPath    string
	incidentsPath string
	cacheTTL      time.Duration
	httpClient    *http.Client
	cache         cache.Provider
	logger        *slog.Logger
}

// NewSearchClient constructs a client. A nil provider disables caching.
func NewSearchClient(cfg SearchConfig, provider cache.Provider, logger *slog.Logger) *SearchClient {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SearchClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		countsPath:    cfg.CountsPath,
		incidentsPath: cfg.IncidentsPath,
		cacheTTL:      cfg.CacheTTL,
		httpClient:    &http.Client{Timeout: timeout},
		cache:         provider,
		logger:        utils.OrDefault(logger),
	}
}

// Enabled reports whether a base URL is configured.
func (c *SearchClient) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// FetchCounts returns hourly incident counts for [from, to).
func (c *SearchClient) FetchCounts(ctx context.Context, from, to time.Time, interval time.Duration) ([]models.CountPoint, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("search backend base URL not configured")
	}
	payload := map[string]any{
		"start":    from.UTC().Format(time.RFC3339),
		"end":      to.UTC().Format(time.RFC3339),
		"interval": interval.String(),
	}
	key := cache.Key("search", "counts", strconv.FormatInt(from.Unix(), 10), strconv.FormatInt(to.Unix(), 10), strconv.FormatInt(int64(interval/time.Second), 10))
	var cached []models.CountPoint
	if err := cache.GetJSON(ctx, c.cache, key, &cached); err == nil {
		return cached, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn("search cache read failed", "key", key, "error", err)
	}

	var response struct {
		Points []struct {
			Timestamp time.Time `json:"timestamp"`
			Count     float64   `json:"count"`
		} `json:"points"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.countsPath), payload, &response); err != nil {
		return nil, utils.NewAppError("repo.FetchCounts", "search counts request failed", err)
	}
	points := make([]models.CountPoint, 0, len(response.Points))
	for _, p := range response.Points {
		if p.Timestamp.Before(from) || !p.Timestamp.Before(to) || p.Count < 0 {
			continue
		}
		points = append(points, models.CountPoint{Timestamp: utils.Truncate(p.Timestamp.UTC(), interval), Count: p.Count})
	}

	if err := cache.SetJSON(ctx, c.cache, key, points, c.cacheTTL); err != nil {
		c.logger.Warn("search cache write failed", "key", key, "error", err)
	}
	return points, nil
}

// FetchLabeledIncidents pulls incidents that carry labels. Documents that do
// not decode, or carry no labels, are skipped.
func (c *SearchClient) FetchLabeledIncidents(ctx context.Context, since time.Time, limit int) ([]classifier.LabeledRecord, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("search backend base URL not configured")
	}
	payload := map[string]any{
		"since":   since.UTC().Format(time.RFC3339),
		"limit":   limit,
		"labeled": true,
	}
	var response struct {
		Incidents []map[string]any `json:"incidents"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.incidentsPath), payload, &response); err != nil {
		return nil, utils.NewAppError("repo.FetchLabeledIncidents", "search incidents request failed", err)
	}
	out := make([]classifier.LabeledRecord, 0, len(response.Incidents))
	skipped := 0
	for _, doc := range response.Incidents {
		rec, err := ingest.FromSource(doc)
		if err != nil || rec.Labels == nil || rec.Labels.Empty() {
			skipped++
			continue
		}
		out = append(out, classifier.LabeledRecord{Record: rec, Labels: *rec.Labels})
	}
	if skipped > 0 {
		c.logger.Debug("skipped search incidents", "count", skipped)
	}
	return out, nil
}

// CountWriter receives backfilled counts.
type CountWriter interface {
	Counts(ctx context.Context, from, to time.Time) ([]models.CountPoint, error)
	SetCounts(ctx context.Context, points []models.CountPoint) error
}

// Backfill fills the local count store from the search backend when it holds
// fewer points than the window spans. Existing local buckets are kept.
func (c *SearchClient) Backfill(ctx context.Context, dst CountWriter, from, to time.Time, interval time.Duration) (int, error) {
	local, err := dst.Counts(ctx, from, to)
	if err != nil {
		return 0, err
	}
	if want := int(to.Sub(from) / interval); len(local) >= want {
		return 0, nil
	}
	remote, err := c.FetchCounts(ctx, from, to, interval)
	if err != nil {
		return 0, err
	}
	have := make(map[time.Time]bool, len(local))
	for _, p := range local {
		have[p.Timestamp] = true
	}
	missing := make([]models.CountPoint, 0, len(remote))
	for _, p := range remote {
		if !have[p.Timestamp] {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}
	if err := dst.SetCounts(ctx, missing); err != nil {
		return 0, err
	}
	c.logger.Info("backfilled incident counts", "points", len(missing), "from", from, "to", to)
	return len(missing), nil
}

func (c *SearchClient) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *SearchClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("search backend returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
