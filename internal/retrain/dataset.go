package retrain

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-triage/internal/aggregate"
	"github.com/miradorstack/mirador-triage/internal/classifier"
	"github.com/miradorstack/mirador-triage/internal/encoding"
	"github.com/miradorstack/mirador-triage/internal/forecaster"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/store"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

const unclassified = "unclassified"

// labeledDataset joins the seed set with every stored incident that carries
// labels. The latest analyst correction wins over earlier ones, then the
// labels supplied with the incident, then the published prediction.
func (c *Controller) labeledDataset(ctx context.Context) ([]classifier.LabeledRecord, error) {
	feedback, err := c.deps.Store.ListFeedback(ctx, 0)
	if err != nil {
		return nil, err
	}
	corrections := make(map[string]models.Labels)
	for _, f := range feedback {
		if f.CorrectedLabel == nil {
			continue
		}
		corrections[f.IncidentID] = f.CorrectedLabel.Merge(corrections[f.IncidentID])
	}

	byID := make(map[string]classifier.LabeledRecord)
	var order []string
	add := func(lr classifier.LabeledRecord) {
		if lr.Record.ID == "" || lr.Labels.Empty() {
			return
		}
		if _, ok := byID[lr.Record.ID]; !ok {
			order = append(order, lr.Record.ID)
		}
		byID[lr.Record.ID] = lr
	}

	if c.deps.Seed != nil {
		seed, err := c.deps.Seed(ctx)
		if err != nil {
			return nil, utils.NewAppError("retrain.dataset", "load seed set", err)
		}
		for _, lr := range seed {
			if corr, ok := corrections[lr.Record.ID]; ok {
				lr.Labels = corr.Merge(lr.Labels)
			}
			add(lr)
		}
	}

	err = c.deps.Store.ForEachResult(ctx, func(rec models.ResultRecord) error {
		corr, corrected := corrections[rec.IncidentID]
		var source models.Labels
		if rec.Incident.Labels != nil {
			source = *rec.Incident.Labels
		}
		if !corrected && source.Empty() {
			return nil
		}
		labels := corr.Merge(source)
		if rec.Classification != nil {
			labels = labels.Merge(rec.Classification.Labels())
		}
		record := rec.Incident
		if record.ID == "" {
			record.ID = rec.IncidentID
		}
		add(classifier.LabeledRecord{Record: record, Labels: labels})
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]classifier.LabeledRecord, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// history returns a dense, zero-filled hourly series ending at the last
// complete interval before now.
func (c *Controller) history(ctx context.Context, now time.Time) ([]models.CountPoint, error) {
	interval := c.cfg.Forecast.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	end := utils.Truncate(now.UTC(), interval)
	start := end.Add(-c.cfg.HistoryWindow)
	points, err := c.deps.Store.Counts(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, utils.NewAppError("retrain.forecaster", "no stored counts", models.ErrInsufficientHistory)
	}
	return aggregate.Densify(points, points[0].Timestamp, end, interval), nil
}

func countRatings(feedback []models.FeedbackRecord, after uint64) int {
	n := 0
	for _, f := range feedback {
		if f.Seq > after && f.PlaybookRating != nil {
			n++
		}
	}
	return n
}

// reviewRatings records a playbook-review event once enough new ratings have
// arrived. Ratings are averaged per category so low-rated playbooks surface.
func (c *Controller) reviewRatings(ctx context.Context, feedback []models.FeedbackRecord, now time.Time) (models.RetrainEvent, bool) {
	st := c.snapshot(KindPlaybook)
	if c.cfg.RatingThreshold <= 0 || countRatings(feedback, st.cutoff) < c.cfg.RatingThreshold {
		return models.RetrainEvent{}, false
	}

	categories := make(map[string]string)
	_ = c.deps.Store.ForEachResult(ctx, func(rec models.ResultRecord) error {
		if rec.Classification != nil {
			categories[rec.IncidentID] = rec.Classification.Category.Label
		}
		return nil
	})
	sums := make(map[string]float64)
	counts := make(map[string]float64)
	var high uint64
	for _, f := range feedback {
		if f.Seq <= st.cutoff {
			continue
		}
		if f.Seq > high {
			high = f.Seq
		}
		if f.CorrectedLabel != nil && f.CorrectedLabel.Category != "" {
			categories[f.IncidentID] = f.CorrectedLabel.Category
		}
		if f.PlaybookRating == nil {
			continue
		}
		category := categories[f.IncidentID]
		if category == "" {
			category = unclassified
		}
		sums[category] += float64(*f.PlaybookRating)
		counts[category]++
	}

	keys := make([]string, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	means := make(map[string]float64, len(keys)+1)
	var total, n float64
	for _, k := range keys {
		means["mean_rating_"+k] = sums[k] / counts[k]
		total += sums[k]
		n += counts[k]
	}
	means["ratings"] = n
	if n > 0 {
		means["mean_rating"] = total / n
	}

	ev := c.record(ctx, models.RetrainEvent{
		Kind:        KindPlaybook,
		Trigger:     TriggerRatings,
		State:       models.StateActive,
		Metrics:     means,
		FeedbackSeq: high,
		At:          now.UTC(),
	})
	c.finish(KindPlaybook, models.StateActive, now, &ev)
	c.setCutoff(KindPlaybook, high)
	metrics.ObserveRetrain(KindPlaybook, "review")
	c.log.Info("playbook ratings ready for review", "ratings", n, "mean", means["mean_rating"])
	return ev, true
}

// Catalog reads persisted versions back at startup.
type Catalog interface {
	LoadEncodings(ctx context.Context) ([]*encoding.Version, error)
	ListModelVersions(ctx context.Context, kind models.ModelKind) ([]store.StoredVersion, error)
	ActiveVersion(ctx context.Context, kind models.ModelKind) (string, error)
}

// Restore registers every persisted version, promotes the persisted active
// one per kind and reloads each lifecycle's feedback cutoff and last cycle
// time from the retrain event log. Versions that fail to decode are logged
// and skipped.
func (c *Controller) Restore(ctx context.Context, catalog Catalog) error {
	encs, err := catalog.LoadEncodings(ctx)
	if err != nil {
		return utils.NewAppError("retrain.Restore", "load encodings", err)
	}
	for _, enc := range encs {
		if err := c.deps.Encodings.Register(enc.ID, enc); err != nil {
			c.log.Warn("skip encoding", "id", enc.ID, "error", err)
		}
	}

	trainedAt := make(map[string]time.Time)
	for _, kind := range []models.ModelKind{models.KindClassifier, models.KindForecaster} {
		versions, err := catalog.ListModelVersions(ctx, kind)
		if err != nil {
			return utils.NewAppError("retrain.Restore", "list versions", err)
		}
		for _, sv := range versions {
			if err := c.restoreVersion(kind, sv); err != nil {
				c.log.Warn("skip model version", "kind", kind, "id", sv.Meta.VersionID, "error", err)
			}
			if sv.Meta.Active {
				trainedAt[string(kind)] = sv.Meta.TrainedAt
			}
		}
		active, err := catalog.ActiveVersion(ctx, kind)
		if err != nil || active == "" {
			continue
		}
		switch kind {
		case models.KindClassifier:
			err = c.deps.Classifiers.Promote(active)
		case models.KindForecaster:
			err = c.deps.Forecasters.Promote(active)
		}
		if err != nil {
			c.log.Warn("restore active version", "kind", kind, "id", active, "error", err)
			continue
		}
		c.log.Info("restored active version", "kind", kind, "id", active, "versions", len(versions))
	}
	return c.restoreCycles(ctx, trainedAt)
}

// restoreCycles walks the event log newest first. The newest event of a kind
// sets its last cycle; the newest completed cycle (or ratings review) sets
// its cutoff. Without events the active version's training time stands in.
func (c *Controller) restoreCycles(ctx context.Context, trainedAt map[string]time.Time) error {
	events, err := c.deps.Store.RetrainEvents(ctx, 0)
	if err != nil {
		return utils.NewAppError("retrain.Restore", "load retrain events", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoffSet := make(map[string]bool)
	for i := range events {
		ev := events[i]
		st, ok := c.states[ev.Kind]
		if !ok {
			continue
		}
		if st.lastEvent == nil {
			st.lastEvent = &ev
			st.lastCycle = ev.At
		}
		if !cutoffSet[ev.Kind] && consumesFeedback(ev) {
			st.cutoff = ev.FeedbackSeq
			cutoffSet[ev.Kind] = true
		}
		st.lastSeq = max(st.lastSeq, versionSeq(ev.CandidateVersion))
	}
	for kind, at := range trainedAt {
		if st := c.states[kind]; st.lastCycle.IsZero() {
			st.lastCycle = at
		}
	}
	return nil
}

func consumesFeedback(ev models.RetrainEvent) bool {
	if ev.Kind == KindPlaybook {
		return ev.Trigger == TriggerRatings
	}
	return ev.State == models.StatePromoted || ev.State == models.StateRejected
}

// versionSeq extracts N from "<kind>-vN", or 0.
func versionSeq(id string) int {
	i := strings.LastIndex(id, "-v")
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(id[i+2:])
	if err != nil {
		return 0
	}
	return n
}

func (c *Controller) restoreVersion(kind models.ModelKind, sv store.StoredVersion) error {
	switch kind {
	case models.KindClassifier:
		var m classifier.Model
		if err := json.Unmarshal(sv.Params, &m); err != nil {
			return err
		}
		enc, ok := c.deps.Encodings.Get(m.EncodingVersion)
		if !ok {
			return fmt.Errorf("encoding %s: %w", m.EncodingVersion, models.ErrNotFound)
		}
		if err := m.Bind(enc); err != nil {
			return err
		}
		return c.deps.Classifiers.Register(m.VersionID, &m)
	case models.KindForecaster:
		var m forecaster.Model
		if err := json.Unmarshal(sv.Params, &m); err != nil {
			return err
		}
		return c.deps.Forecasters.Register(m.VersionID, &m)
	}
	return fmt.Errorf("unknown model kind %q", kind)
}

// Bootstrap makes both kinds servable. A missing classifier is trained from
// the seed set and promoted unconditionally; a missing forecaster gets the
// untrained baseline until enough history exists. A classifier failure is
// returned after the forecaster has been handled.
func (c *Controller) Bootstrap(ctx context.Context, now time.Time) error {
	var bootErr error
	if _, err := c.deps.Classifiers.Active(); err != nil {
		if _, err := c.RunCycle(ctx, string(models.KindClassifier), TriggerBootstrap, now); err != nil {
			bootErr = utils.NewAppError("retrain.Bootstrap", "train initial classifier", err)
		}
	}
	if _, err := c.deps.Forecasters.Active(); err != nil {
		id := c.nextVersion(string(models.KindForecaster), c.deps.Forecasters.Len())
		baseline := forecaster.Baseline(id, c.cfg.Forecast)
		meta := models.ModelVersion{
			Kind:              models.KindForecaster,
			VersionID:         id,
			TrainedAt:         now.UTC(),
			EvaluationMetrics: map[string]float64{},
		}
		if err := c.deps.Store.SaveModelVersion(ctx, meta, baseline); err != nil && !store.IsConflict(err) {
			return err
		}
		if err := c.deps.Forecasters.Register(id, baseline); err != nil {
			return err
		}
		if err := c.deps.Store.SetActive(ctx, models.KindForecaster, id); err != nil {
			return err
		}
		if err := c.deps.Forecasters.Promote(id); err != nil {
			return err
		}
		c.finish(string(models.KindForecaster), models.StateActive, now, nil)
		c.log.Info("baseline forecaster active", "id", id)
	}
	return bootErr
}
