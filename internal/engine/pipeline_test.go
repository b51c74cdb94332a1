package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miradorstack/mirador-triage/internal/classifier"
	"github.com/miradorstack/mirador-triage/internal/encoding"
	"github.com/miradorstack/mirador-triage/internal/forecaster"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/playbook"
	"github.com/miradorstack/mirador-triage/internal/publish"
	"github.com/miradorstack/mirador-triage/internal/store"
)

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	events   map[string][]any
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic != publish.TopicStatus && f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	if f.events == nil {
		f.events = make(map[string][]any)
	}
	f.events[topic] = append(f.events[topic], event)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events[topic])
}

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func phishing(id string) models.IncidentRecord {
	return models.IncidentRecord{ID: id, Timestamp: base, Account: "alice@example.com", AlertTitle: "Phishing email reported",
		DetectorID: "mail-1", EvidenceRole: "Impacted", EntityType: "Mailbox"}
}

func trainClassifier(t *testing.T) *classifier.Model {
	t.Helper()
	phish := models.Labels{Category: "phishing", Grade: "High", Technique: "T1566"}
	malware := models.Labels{Category: "malware", Grade: "Medium", Technique: "T1204"}
	var set []classifier.LabeledRecord
	var records []models.IncidentRecord
	for i := 0; i < 6; i++ {
		p := phishing("seed-p" + string(rune('a'+i)))
		m := models.IncidentRecord{ID: "seed-m" + string(rune('a'+i)), Timestamp: base, AlertTitle: "Malicious binary executed",
			DetectorID: "edr-4", EvidenceRole: "Related", EntityType: "File"}
		set = append(set, classifier.LabeledRecord{Record: p, Labels: phish}, classifier.LabeledRecord{Record: m, Labels: malware})
		records = append(records, p, m)
	}
	enc, err := encoding.Fit("enc-v0001", records,
		encoding.DefaultSchema([]string{models.FieldAlertTitle, models.FieldDetector}, 16, 0, 1), base)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	examples, _ := classifier.EncodeExamples(enc, set)
	m, err := classifier.Train("classifier-v0001", enc, examples, 1)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if err := m.Bind(enc); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return m
}

type harness struct {
	pipeline    *Pipeline
	store       *store.Store
	publisher   *fakePublisher
	classifiers *classifier.Registry
	forecasters *forecaster.Registry
	outcomes    chan Outcome
	cancel      context.CancelFunc
	done        chan error
}

func newHarness(t *testing.T, promote bool, opts Options) *harness {
	t.Helper()
	return newHarnessWith(t, promote, opts, nil)
}

func newHarnessWith(t *testing.T, promote bool, opts Options, capability playbook.Capability) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "triage.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	classifiers := classifier.NewRegistry()
	if promote {
		m := trainClassifier(t)
		if err := classifiers.Register(m.VersionID, m); err != nil {
			t.Fatalf("register: %v", err)
		}
		if err := classifiers.Promote(m.VersionID); err != nil {
			t.Fatalf("promote: %v", err)
		}
	}
	forecasters := forecaster.NewRegistry()
	pub := &fakePublisher{}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Millisecond
		opts.MaxBackoff = 5 * time.Millisecond
	}
	p := NewPipeline(opts, Deps{
		Classifier: classifier.NewService(classifiers),
		Playbooks:  playbook.NewGenerator(capability, nil, playbook.Options{}, nil),
		Forecaster: forecaster.NewService(forecasters),
		Store:      s,
		Publisher:  pub,
	})
	h := &harness{pipeline: p, store: s, publisher: pub, classifiers: classifiers, forecasters: forecasters,
		outcomes: make(chan Outcome, 64)}
	p.OnOutcome(func(o Outcome) { h.outcomes <- o })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.pipeline.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
}

func (h *harness) await(t *testing.T, status models.IncidentStatus) Outcome {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case o := <-h.outcomes:
			if o.Status == status {
				return o
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", status)
		}
	}
}

func TestPhishingIncidentPublishedOnce(t *testing.T) {
	h := newHarness(t, true, Options{Workers: 2})
	h.start(t)

	if err := h.pipeline.Submit(phishing("inc-100")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	o := h.await(t, models.StatusPublished)
	if o.Classification == nil || o.Classification.Category.Label != "phishing" || o.Classification.Grade.Label != "High" {
		t.Fatalf("unexpected classification %+v", o.Classification)
	}
	if o.Classification.ModelVersion != "classifier-v0001" || o.Classification.EncodingVersion != "enc-v0001" {
		t.Fatalf("versions not recorded: %+v", o.Classification)
	}
	if o.Playbook == nil || len(o.Playbook.Steps) == 0 {
		t.Fatalf("expected a playbook, got %+v", o.Playbook)
	}
	entities := models.PlaybookContext{Entities: phishing("inc-100").Entities()}
	for _, step := range o.Playbook.Steps {
		if step.Action == "" || !entities.HasEntity(step.Target) {
			t.Fatalf("step not grounded in incident context: %+v", step)
		}
	}

	rec, err := h.store.GetResult(context.Background(), "inc-100")
	if err != nil || rec.Status != models.StatusPublished {
		t.Fatalf("stored result %+v %v", rec, err)
	}

	if err := h.pipeline.Submit(phishing("inc-100")); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	h.await(t, models.StatusDuplicate)
	if got := h.publisher.count(publish.TopicIncidents); got != 1 {
		t.Fatalf("expected exactly one publication, got %d", got)
	}
}

func TestModelUnavailableParksUntilPromotion(t *testing.T) {
	h := newHarness(t, false, Options{Workers: 1, PendingRetry: time.Hour})
	h.start(t)

	if err := h.pipeline.Submit(phishing("inc-200")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	pending := h.await(t, models.StatusPending)
	if pending.Attempts != 0 {
		t.Fatalf("pending should not consume attempts, got %d", pending.Attempts)
	}
	if h.pipeline.Pending() != 1 {
		t.Fatalf("expected one parked incident, got %d", h.pipeline.Pending())
	}

	m := trainClassifier(t)
	if err := h.classifiers.Register(m.VersionID, m); err != nil {
		t.Fatalf("register: %v", err)
	}
	h.classifiers.OnPromote(func(string) { h.pipeline.ResumePending() })
	if err := h.classifiers.Promote(m.VersionID); err != nil {
		t.Fatalf("promote: %v", err)
	}
	h.await(t, models.StatusPublished)
}

func TestMissingRequiredFieldNeedsManualReview(t *testing.T) {
	h := newHarness(t, true, Options{Workers: 1})
	h.start(t)

	rec := phishing("inc-300")
	rec.DetectorID = ""
	if err := h.pipeline.Submit(rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	o := h.await(t, models.StatusManualReview)
	if o.Attempts != 1 {
		t.Fatalf("encoding errors should not retry, attempts=%d", o.Attempts)
	}
	if h.publisher.count(publish.TopicIncidents) != 0 {
		t.Fatalf("manual review incident must not be published")
	}
}

func TestPublishFailureRetriesThenPublishes(t *testing.T) {
	h := newHarness(t, true, Options{Workers: 1, MaxAttempts: 4})
	h.publisher.failures = 2
	h.start(t)

	if err := h.pipeline.Submit(phishing("inc-400")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.await(t, models.StatusRetrying)
	o := h.await(t, models.StatusPublished)
	if o.Attempts != 3 {
		t.Fatalf("expected third attempt to publish, got %d", o.Attempts)
	}
	if h.publisher.count(publish.TopicIncidents) != 1 {
		t.Fatalf("expected one publication after retries")
	}
}

func TestRetriesExhaustedNeedsManualReview(t *testing.T) {
	h := newHarness(t, true, Options{Workers: 1, MaxAttempts: 2})
	h.publisher.failures = 10
	h.start(t)

	if err := h.pipeline.Submit(phishing("inc-500")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	o := h.await(t, models.StatusManualReview)
	if o.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", o.Attempts)
	}
	rec, err := h.store.GetResult(context.Background(), "inc-500")
	if err != nil || rec.Status != models.StatusManualReview || rec.LastError == "" {
		t.Fatalf("stored result %+v %v", rec, err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	h := newHarness(t, true, Options{QueueSize: 1})
	if err := h.pipeline.Submit(phishing("a")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := h.pipeline.Submit(phishing("b")); !errors.Is(err, models.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := h.pipeline.Submit(models.IncidentRecord{}); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestResubmissionSupersedesInFlight(t *testing.T) {
	h := newHarness(t, true, Options{Workers: 1})
	first := phishing("inc-600")
	second := phishing("inc-600")
	second.Device = "wks-9"
	if err := h.pipeline.Submit(first); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.pipeline.Submit(second); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	h.start(t)

	h.await(t, models.StatusCancelled)
	h.await(t, models.StatusPublished)
	rec, err := h.store.GetResult(context.Background(), "inc-600")
	if err != nil || rec.Incident.Device != "wks-9" {
		t.Fatalf("latest submission should win: %+v %v", rec, err)
	}
	if h.publisher.count(publish.TopicIncidents) != 1 {
		t.Fatalf("superseded task must not publish")
	}
}

func TestResubmissionDuringPlaybookSupersedes(t *testing.T) {
	entered := make(chan struct{})
	var calls atomic.Int32
	capability := playbook.CapabilityFunc(func(ctx context.Context, req playbook.Request) ([]models.RemediationStep, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, errors.New("capability offline")
	})
	h := newHarnessWith(t, true, Options{Workers: 2}, capability)
	h.start(t)

	if err := h.pipeline.Submit(phishing("inc-650")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("playbook stage never started")
	}
	second := phishing("inc-650")
	second.Device = "wks-new"
	if err := h.pipeline.Submit(second); err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	seen := make(map[models.IncidentStatus]int)
	timeout := time.After(5 * time.Second)
	for seen[models.StatusCancelled] == 0 || seen[models.StatusPublished] == 0 {
		select {
		case o := <-h.outcomes:
			seen[o.Status]++
		case <-timeout:
			t.Fatalf("timed out, outcomes so far %v", seen)
		}
	}
	if seen[models.StatusDuplicate] != 0 {
		t.Fatalf("resubmission reported duplicate: %v", seen)
	}
	rec, err := h.store.GetResult(context.Background(), "inc-650")
	if err != nil || rec.Incident.Device != "wks-new" {
		t.Fatalf("resubmission should be the published record: %+v %v", rec, err)
	}
	if got := h.publisher.count(publish.TopicIncidents); got != 1 {
		t.Fatalf("expected one publication, got %d", got)
	}
}

func TestRecoverParksOverflowUntilQueueDrains(t *testing.T) {
	h := newHarness(t, true, Options{Workers: 1, QueueSize: 1, PendingRetry: 5 * time.Millisecond})
	ctx := context.Background()
	ids := []string{"inc-701", "inc-702", "inc-703"}
	for _, id := range ids {
		if err := h.store.PutResult(ctx, models.ResultRecord{IncidentID: id, Incident: phishing(id), Status: models.StatusPending}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	n, err := h.pipeline.Recover(ctx)
	if err != nil || n != 3 {
		t.Fatalf("recover: n=%d err=%v", n, err)
	}
	if h.pipeline.QueueDepth() != 1 || h.pipeline.Pending() != 2 {
		t.Fatalf("expected 1 queued and 2 parked, got %d and %d", h.pipeline.QueueDepth(), h.pipeline.Pending())
	}

	h.start(t)
	for range ids {
		h.await(t, models.StatusPublished)
	}
	for _, id := range ids {
		rec, err := h.store.GetResult(ctx, id)
		if err != nil || rec.Status != models.StatusPublished {
			t.Fatalf("%s not published: %+v %v", id, rec, err)
		}
	}
}

func seedCounts(t *testing.T, s *store.Store, end time.Time, days int) {
	t.Helper()
	var points []models.CountPoint
	for i := days * 24; i > 0; i-- {
		ts := end.Add(-time.Duration(i) * time.Hour)
		points = append(points, models.CountPoint{Timestamp: ts, Count: float64(5 + ts.Hour()%6)})
	}
	if err := s.SetCounts(context.Background(), points); err != nil {
		t.Fatalf("set counts: %v", err)
	}
}

func TestForecastWindowSuppressedBelowMinimumHistory(t *testing.T) {
	h := newHarness(t, true, Options{Workers: 1})
	cfg := forecaster.Config{Interval: time.Hour, MinHistory: 30 * 24 * time.Hour}
	fm := forecaster.Baseline("forecaster-v0001", cfg)
	_ = h.forecasters.Register(fm.VersionID, fm)
	_ = h.forecasters.Promote(fm.VersionID)
	end := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	seedCounts(t, h.store, end, 29)
	h.start(t)

	if err := h.pipeline.SubmitWindow(end); err != nil {
		t.Fatalf("submit window: %v", err)
	}
	o := h.await(t, models.StatusNoForecast)
	if !o.WindowEnd.Equal(end) || h.publisher.count(publish.TopicForecasts) != 0 {
		t.Fatalf("forecast should be suppressed: %+v", o)
	}
}

func TestForecastWindowPublishedOncePerWindow(t *testing.T) {
	h := newHarness(t, true, Options{Workers: 1, ForecastHorizon: 24 * time.Hour})
	cfg := forecaster.Config{Interval: time.Hour, MinHistory: 30 * 24 * time.Hour}
	fm := forecaster.Baseline("forecaster-v0001", cfg)
	_ = h.forecasters.Register(fm.VersionID, fm)
	_ = h.forecasters.Promote(fm.VersionID)
	end := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	seedCounts(t, h.store, end, 30)
	h.start(t)

	if err := h.pipeline.SubmitWindow(end.Add(20 * time.Minute)); err != nil {
		t.Fatalf("submit window: %v", err)
	}
	o := h.await(t, models.StatusForecastPosted)
	if o.Forecast == nil || len(o.Forecast.Predicted) != 24 {
		t.Fatalf("expected 24 predicted points, got %+v", o.Forecast)
	}
	for _, p := range o.Forecast.Predicted {
		if p.Count < 0 {
			t.Fatalf("negative prediction %+v", p)
		}
	}

	if err := h.pipeline.SubmitWindow(end); err != nil {
		t.Fatalf("resubmit window: %v", err)
	}
	h.await(t, models.StatusDuplicate)
	if h.publisher.count(publish.TopicForecasts) != 1 {
		t.Fatalf("expected one forecast publication, got %d", h.publisher.count(publish.TopicForecasts))
	}
}
