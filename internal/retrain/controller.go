// Package retrain drives the per-kind model lifecycle: trigger evaluation,
// candidate training, holdout evaluation and promotion or rejection.
package retrain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/miradorstack/mirador-triage/internal/classifier"
	"github.com/miradorstack/mirador-triage/internal/encoding"
	"github.com/miradorstack/mirador-triage/internal/forecaster"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/registry"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Trigger reasons.
const (
	TriggerBootstrap = "bootstrap"
	TriggerLabels    = "label-threshold"
	TriggerInterval  = "interval"
	TriggerManual    = "manual"
	TriggerRatings   = "rating-threshold"
)

// KindPlaybook tags playbook-review events.
const KindPlaybook = "playbook"

// Store is the persistence the controller needs.
type Store interface {
	ListFeedback(ctx context.Context, afterSeq uint64) ([]models.FeedbackRecord, error)
	FeedbackHighWater() (uint64, error)
	ForEachResult(ctx context.Context, fn func(models.ResultRecord) error) error
	Counts(ctx context.Context, from, to time.Time) ([]models.CountPoint, error)
	SaveEncoding(ctx context.Context, v *encoding.Version) error
	SaveModelVersion(ctx context.Context, meta models.ModelVersion, params any) error
	SetActive(ctx context.Context, kind models.ModelKind, id string) error
	AppendRetrainEvent(ctx context.Context, ev models.RetrainEvent) (models.RetrainEvent, error)
	RetrainEvents(ctx context.Context, limit int) ([]models.RetrainEvent, error)
}

// SeedSource returns the labeled bootstrap set.
type SeedSource func(ctx context.Context) ([]classifier.LabeledRecord, error)

// ClassifierTrainer fits a candidate classifier.
type ClassifierTrainer func(versionID string, enc *encoding.Version, examples []classifier.Example) (*classifier.Model, error)

// ForecasterTrainer fits a candidate forecaster.
type ForecasterTrainer func(versionID string, history []models.CountPoint) (*forecaster.Model, error)

// Config tunes triggers and evaluation.
type Config struct {
	LabelThreshold  int
	RatingThreshold int
	Interval        time.Duration
	Tolerance       float64
	HoldoutFraction float64
	Schema          encoding.Schema
	Forecast        forecaster.Config
	// HistoryWindow bounds the counts used to train a forecaster.
	HistoryWindow time.Duration
}

// Deps groups the controller collaborators.
type Deps struct {
	Store       Store
	Encodings   *registry.Registry[*encoding.Version]
	Classifiers *classifier.Registry
	Forecasters *forecaster.Registry
	Seed        SeedSource
	// OnEvent receives every recorded event, after persistence.
	OnEvent func(models.RetrainEvent)
	Logger  *slog.Logger
}

type kindState struct {
	state     models.RetrainState
	lastCycle time.Time
	cutoff    uint64
	lastSeq   int
	lastEvent *models.RetrainEvent
}

// Status is a snapshot of one lifecycle.
type Status struct {
	Kind          string
	State         models.RetrainState
	ActiveVersion string
	LastCycle     time.Time
	Pending       int
	LastEvent     *models.RetrainEvent
}

type request struct {
	kind   string
	reason string
}

// Controller is the single writer of model versions. Cycles run on the
// goroutine started by Run, or synchronously through Tick in tests.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	trainClassifier ClassifierTrainer
	trainForecaster ForecasterTrainer
	now             func() time.Time

	triggers chan request

	mu     sync.Mutex
	states map[string]*kindState
}

// New builds a controller.
func New(cfg Config, deps Deps) *Controller {
	if cfg.HoldoutFraction <= 0 || cfg.HoldoutFraction >= 1 {
		cfg.HoldoutFraction = 0.2
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 2 * cfg.Forecast.MinHistory
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 60 * 24 * time.Hour
	}
	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		log:      utils.OrDefault(deps.Logger),
		now:      time.Now,
		triggers: make(chan request, 16),
		states: map[string]*kindState{
			string(models.KindClassifier): {state: models.StateActive},
			string(models.KindForecaster): {state: models.StateActive},
			KindPlaybook:                  {state: models.StateActive},
		},
	}
	c.trainClassifier = func(id string, enc *encoding.Version, examples []classifier.Example) (*classifier.Model, error) {
		return classifier.Train(id, enc, examples, 1)
	}
	c.trainForecaster = func(id string, history []models.CountPoint) (*forecaster.Model, error) {
		m, _, err := forecaster.Train(id, history, cfg.Forecast)
		return m, err
	}
	return c
}

// WithClassifierTrainer replaces the classifier training algorithm.
func (c *Controller) WithClassifierTrainer(fn ClassifierTrainer) *Controller {
	c.trainClassifier = fn
	return c
}

// WithForecasterTrainer replaces the forecaster training algorithm.
func (c *Controller) WithForecasterTrainer(fn ForecasterTrainer) *Controller {
	c.trainForecaster = fn
	return c
}

// Run processes trigger requests until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-c.triggers:
			now := c.now()
			if req.kind == "" {
				c.Tick(ctx, now)
				continue
			}
			if _, err := c.RunCycle(ctx, req.kind, req.reason, now); err != nil {
				c.log.Warn("retrain cycle failed", "kind", req.kind, "trigger", req.reason, "error", err)
			}
		}
	}
}

// Check asks the run loop to evaluate triggers. It never blocks.
func (c *Controller) Check() {
	select {
	case c.triggers <- request{}:
	default:
	}
}

// Trigger asks the run loop to start a cycle for kind regardless of
// thresholds. It fails with models.ErrQueueFull when requests are backed up.
func (c *Controller) Trigger(kind models.ModelKind) error {
	if kind != models.KindClassifier && kind != models.KindForecaster {
		return fmt.Errorf("unknown model kind %q: %w", kind, models.ErrInvalid)
	}
	select {
	case c.triggers <- request{kind: string(kind), reason: TriggerManual}:
		return nil
	default:
		return models.ErrQueueFull
	}
}

// Tick evaluates every trigger at now and runs the cycles that fire.
func (c *Controller) Tick(ctx context.Context, now time.Time) []models.RetrainEvent {
	var events []models.RetrainEvent
	feedback, err := c.deps.Store.ListFeedback(ctx, 0)
	if err != nil {
		c.log.Error("list feedback", "error", err)
		return nil
	}

	if reason := c.classifierTrigger(feedback, now); reason != "" {
		if ev, err := c.RunCycle(ctx, string(models.KindClassifier), reason, now); err == nil || ev.ID != "" {
			events = append(events, ev)
		}
	}
	if reason := c.intervalTrigger(string(models.KindForecaster), now); reason != "" {
		if ev, err := c.RunCycle(ctx, string(models.KindForecaster), reason, now); err == nil || ev.ID != "" {
			events = append(events, ev)
		}
	}
	if ev, ok := c.reviewRatings(ctx, feedback, now); ok {
		events = append(events, ev)
	}
	return events
}

func (c *Controller) classifierTrigger(feedback []models.FeedbackRecord, now time.Time) string {
	st := c.snapshot(string(models.KindClassifier))
	if !st.state.Idle() {
		return ""
	}
	if c.cfg.LabelThreshold > 0 && countLabels(feedback, st.cutoff) >= c.cfg.LabelThreshold {
		return TriggerLabels
	}
	return c.intervalTrigger(string(models.KindClassifier), now)
}

func (c *Controller) intervalTrigger(kind string, now time.Time) string {
	st := c.snapshot(kind)
	if !st.state.Idle() || c.cfg.Interval <= 0 {
		return ""
	}
	if st.lastCycle.IsZero() {
		c.mu.Lock()
		c.states[kind].lastCycle = now
		c.mu.Unlock()
		return ""
	}
	if now.Sub(st.lastCycle) >= c.cfg.Interval {
		return TriggerInterval
	}
	return ""
}

func countLabels(feedback []models.FeedbackRecord, after uint64) int {
	n := 0
	for _, f := range feedback {
		if f.Seq > after && f.CorrectedLabel != nil {
			n++
		}
	}
	return n
}

// RunCycle trains, evaluates and promotes or rejects one candidate of kind.
// A rejected candidate returns models.ErrRegressionRejected with the event.
func (c *Controller) RunCycle(ctx context.Context, kind, reason string, now time.Time) (models.RetrainEvent, error) {
	if !c.begin(kind) {
		return models.RetrainEvent{}, fmt.Errorf("%s cycle already running", kind)
	}
	highWater, err := c.deps.Store.FeedbackHighWater()
	if err != nil {
		c.finish(kind, models.StateActive, now, nil)
		return models.RetrainEvent{}, err
	}

	var outcome cycleOutcome
	switch models.ModelKind(kind) {
	case models.KindClassifier:
		outcome = c.classifierCycle(ctx, reason, now)
	case models.KindForecaster:
		outcome = c.forecasterCycle(ctx, reason, now)
	default:
		c.finish(kind, models.StateActive, now, nil)
		return models.RetrainEvent{}, fmt.Errorf("unknown model kind %q: %w", kind, models.ErrInvalid)
	}

	ev := models.RetrainEvent{
		Kind:             kind,
		Trigger:          reason,
		State:            outcome.state,
		CandidateVersion: outcome.candidate,
		ActiveVersion:    outcome.active,
		Metrics:          outcome.metrics,
		FeedbackSeq:      highWater,
		At:               now.UTC(),
	}
	if outcome.err != nil {
		ev.Error = outcome.err.Error()
	}
	ev = c.record(ctx, ev)
	c.finish(kind, outcome.state, now, &ev)
	if outcome.state != models.StateActive {
		c.setCutoff(kind, highWater)
	}

	metrics.ObserveRetrain(kind, string(outcome.state))
	c.log.Info("retrain cycle finished", "kind", kind, "trigger", reason, "state", outcome.state,
		"candidate", outcome.candidate, "active", outcome.active, "error", ev.Error)
	return ev, outcome.err
}

type cycleOutcome struct {
	state     models.RetrainState
	candidate string
	active    string
	metrics   map[string]float64
	err       error
}

func (c *Controller) failed(active string, err error) cycleOutcome {
	return cycleOutcome{state: models.StateActive, active: active, err: err}
}

func (c *Controller) classifierCycle(ctx context.Context, reason string, now time.Time) cycleOutcome {
	activeID := c.deps.Classifiers.ActiveID()
	dataset, err := c.labeledDataset(ctx)
	if err != nil {
		return c.failed(activeID, err)
	}
	train, holdout := c.split(dataset)
	if len(train) == 0 {
		return c.failed(activeID, utils.NewAppError("retrain.classifier", "no training examples", models.ErrInvalid))
	}

	encID := fmt.Sprintf("enc-v%04d", c.deps.Encodings.Len()+1)
	records := make([]models.IncidentRecord, len(train))
	for i, lr := range train {
		records[i] = lr.Record
	}
	enc, err := encoding.Fit(encID, records, c.cfg.Schema, now)
	if err != nil {
		return c.failed(activeID, err)
	}
	examples, skipped := classifier.EncodeExamples(enc, train)
	if skipped > 0 {
		c.log.Debug("training examples skipped", "count", skipped)
	}
	candidateID := c.nextVersion(string(models.KindClassifier), c.deps.Classifiers.Len())
	candidate, err := c.trainClassifier(candidateID, enc, examples)
	if err != nil {
		return c.failed(activeID, utils.NewAppError("retrain.classifier", "train candidate", err))
	}
	if err := candidate.Bind(enc); err != nil {
		return c.failed(activeID, err)
	}

	c.setState(string(models.KindClassifier), models.StateEvaluating)
	eval := holdout
	if len(eval) == 0 {
		eval = train
	}
	candidateExamples, _ := classifier.EncodeExamples(enc, eval)
	candidateMetrics := classifier.Evaluate(candidate, candidateExamples)

	var activeMetrics map[string]float64
	if h, err := c.deps.Classifiers.Active(); err == nil {
		activeExamples, _ := classifier.EncodeExamples(h.Value.Encoding, eval)
		activeMetrics = classifier.Evaluate(h.Value, activeExamples)
	}

	meta := models.ModelVersion{
		Kind:              models.KindClassifier,
		VersionID:         candidateID,
		TrainedAt:         now.UTC(),
		TrainingDataRange: dataRange(records),
		EvaluationMetrics: candidateMetrics,
		EncodingVersion:   enc.ID,
	}
	persist := func() error {
		if err := c.deps.Store.SaveEncoding(ctx, enc); err != nil {
			return err
		}
		if err := c.deps.Encodings.Register(enc.ID, enc); err != nil {
			return err
		}
		if err := c.deps.Store.SaveModelVersion(ctx, meta, candidate); err != nil {
			return err
		}
		return c.deps.Classifiers.Register(candidateID, candidate)
	}

	combined := mergeMetrics(candidateMetrics, activeMetrics)
	combined["train_examples"] = float64(len(examples))
	combined["holdout_examples"] = float64(len(holdout))
	return c.decide(ctx, models.KindClassifier, reason, candidateID, activeID, candidateMetrics, activeMetrics, combined, persist)
}

func (c *Controller) forecasterCycle(ctx context.Context, reason string, now time.Time) cycleOutcome {
	activeID := c.deps.Forecasters.ActiveID()
	history, err := c.history(ctx, now)
	if err != nil {
		return c.failed(activeID, err)
	}
	candidateID := c.nextVersion(string(models.KindForecaster), c.deps.Forecasters.Len())
	candidate, err := c.trainForecaster(candidateID, history)
	if err != nil {
		return c.failed(activeID, utils.NewAppError("retrain.forecaster", "train candidate", err))
	}

	c.setState(string(models.KindForecaster), models.StateEvaluating)
	candidateMetrics, err := forecaster.Evaluate(candidate, history)
	if err != nil {
		return c.failed(activeID, err)
	}
	var activeMetrics map[string]float64
	if h, err := c.deps.Forecasters.Active(); err == nil {
		activeMetrics, _ = forecaster.Evaluate(h.Value, history)
	}

	meta := models.ModelVersion{
		Kind:              models.KindForecaster,
		VersionID:         candidateID,
		TrainedAt:         now.UTC(),
		TrainingDataRange: models.TimeRange{Start: history[0].Timestamp, End: history[len(history)-1].Timestamp},
		EvaluationMetrics: candidateMetrics,
	}
	persist := func() error {
		if err := c.deps.Store.SaveModelVersion(ctx, meta, candidate); err != nil {
			return err
		}
		return c.deps.Forecasters.Register(candidateID, candidate)
	}
	return c.decide(ctx, models.KindForecaster, reason, candidateID, activeID, candidateMetrics, activeMetrics,
		mergeMetrics(candidateMetrics, activeMetrics), persist)
}

// decide promotes iff candidate >= active - tolerance on the primary metric.
// Bootstrap and the absence of an active version promote unconditionally.
// Only an accepted candidate is persisted and registered; a rejected one
// survives solely in the retrain event.
func (c *Controller) decide(ctx context.Context, kind models.ModelKind, reason, candidateID, activeID string,
	candidateMetrics, activeMetrics, combined map[string]float64, persist func() error,
) cycleOutcome {
	metric := kind.PrimaryMetric()
	accept := reason == TriggerBootstrap || activeMetrics == nil ||
		candidateMetrics[metric] >= activeMetrics[metric]-c.cfg.Tolerance
	if !accept {
		err := fmt.Errorf("%s %s: %s %.4f below active %s %.4f - %.4f: %w", kind, candidateID, metric,
			candidateMetrics[metric], activeID, activeMetrics[metric], c.cfg.Tolerance, models.ErrRegressionRejected)
		return cycleOutcome{state: models.StateRejected, candidate: candidateID, active: activeID, metrics: combined, err: err}
	}

	if err := persist(); err != nil {
		return cycleOutcome{state: models.StateActive, candidate: candidateID, active: activeID, metrics: combined, err: err}
	}
	if err := c.deps.Store.SetActive(ctx, kind, candidateID); err != nil {
		return cycleOutcome{state: models.StateActive, candidate: candidateID, active: activeID, metrics: combined, err: err}
	}
	var promoteErr error
	switch kind {
	case models.KindClassifier:
		promoteErr = c.deps.Classifiers.Promote(candidateID)
	case models.KindForecaster:
		promoteErr = c.deps.Forecasters.Promote(candidateID)
	}
	if promoteErr != nil {
		return cycleOutcome{state: models.StateActive, candidate: candidateID, active: activeID, metrics: combined, err: promoteErr}
	}
	return cycleOutcome{state: models.StatePromoted, candidate: candidateID, active: candidateID, metrics: combined}
}

func mergeMetrics(candidate, active map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(candidate)+len(active))
	for k, v := range candidate {
		out["candidate_"+k] = v
	}
	for k, v := range active {
		out["active_"+k] = v
	}
	return out
}

func dataRange(records []models.IncidentRecord) models.TimeRange {
	var r models.TimeRange
	for _, rec := range records {
		if rec.Timestamp.IsZero() {
			continue
		}
		if r.Start.IsZero() || rec.Timestamp.Before(r.Start) {
			r.Start = rec.Timestamp
		}
		if rec.Timestamp.After(r.End) {
			r.End = rec.Timestamp
		}
	}
	return r
}

// split assigns each example to the holdout by the hash of its incident id,
// so the partition is stable across cycles.
func (c *Controller) split(dataset []classifier.LabeledRecord) (train, holdout []classifier.LabeledRecord) {
	const buckets = 10000
	limit := uint64(c.cfg.HoldoutFraction * buckets)
	for _, lr := range dataset {
		if murmur3.Sum64([]byte(lr.Record.ID))%buckets < limit {
			holdout = append(holdout, lr)
		} else {
			train = append(train, lr)
		}
	}
	return train, holdout
}

func (c *Controller) record(ctx context.Context, ev models.RetrainEvent) models.RetrainEvent {
	stored, err := c.deps.Store.AppendRetrainEvent(ctx, ev)
	if err != nil {
		c.log.Error("persist retrain event", "kind", ev.Kind, "error", err)
		stored = ev
	}
	if c.deps.OnEvent != nil {
		c.deps.OnEvent(stored)
	}
	return stored
}

func (c *Controller) begin(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[kind]
	if !ok {
		st = &kindState{state: models.StateActive}
		c.states[kind] = st
	}
	if !st.state.Idle() {
		return false
	}
	st.state = models.StateCandidateTraining
	return true
}

func (c *Controller) setState(kind string, state models.RetrainState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[kind].state = state
}

func (c *Controller) finish(kind string, state models.RetrainState, now time.Time, ev *models.RetrainEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[kind]
	st.state = state
	st.lastCycle = now
	if ev != nil {
		st.lastEvent = ev
	}
}

// nextVersion allocates the next candidate id of kind. Numbers of discarded
// candidates are never reused.
func (c *Controller) nextVersion(kind string, registered int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[kind]
	st.lastSeq = max(st.lastSeq, registered) + 1
	return fmt.Sprintf("%s-v%04d", kind, st.lastSeq)
}

func (c *Controller) setCutoff(kind string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[kind].cutoff = seq
}

func (c *Controller) snapshot(kind string) kindState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[kind]; ok {
		return *st
	}
	return kindState{state: models.StateActive}
}

// State returns the lifecycle state of kind.
func (c *Controller) State(kind models.ModelKind) models.RetrainState {
	return c.snapshot(string(kind)).state
}

// Status reports every lifecycle, including the playbook review channel.
func (c *Controller) Status(ctx context.Context) ([]Status, error) {
	feedback, err := c.deps.Store.ListFeedback(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, 3)
	for _, kind := range []string{string(models.KindClassifier), string(models.KindForecaster), KindPlaybook} {
		st := c.snapshot(kind)
		s := Status{Kind: kind, State: st.state, LastCycle: st.lastCycle, LastEvent: st.lastEvent}
		switch kind {
		case string(models.KindClassifier):
			s.ActiveVersion = c.deps.Classifiers.ActiveID()
			s.Pending = countLabels(feedback, st.cutoff)
		case string(models.KindForecaster):
			s.ActiveVersion = c.deps.Forecasters.ActiveID()
		case KindPlaybook:
			s.Pending = countRatings(feedback, st.cutoff)
		}
		out = append(out, s)
	}
	return out, nil
}

// IsRejection reports whether err is a regression rejection.
func IsRejection(err error) bool {
	return errors.Is(err, models.ErrRegressionRejected)
}
