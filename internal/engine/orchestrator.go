package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-triage/internal/cache"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/publish"
	"github.com/miradorstack/mirador-triage/internal/rules"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Classifier predicts labels for an incident with the active model version.
type Classifier interface {
	Classify(ctx context.Context, record models.IncidentRecord) (models.ClassificationResult, error)
}

// PlaybookGenerator builds a remediation plan.
type PlaybookGenerator interface {
	Generate(ctx context.Context, result models.ClassificationResult, pctx models.PlaybookContext) (models.Playbook, error)
}

// Forecaster predicts volume with the active model version.
type Forecaster interface {
	Forecast(history []models.CountPoint, horizon time.Duration) (models.ForecastResult, error)
}

// HintSource evaluates detection rules against an incident.
type HintSource interface {
	Apply(ctx context.Context, record models.IncidentRecord) []rules.Hint
}

// ResultStore persists per-incident results and forecasts.
type ResultStore interface {
	GetResult(ctx context.Context, incidentID string) (models.ResultRecord, error)
	PutResult(ctx context.Context, rec models.ResultRecord) error
	ForEachResult(ctx context.Context, fn func(models.ResultRecord) error) error
	Counts(ctx context.Context, from, to time.Time) ([]models.CountPoint, error)
	PutForecast(ctx context.Context, f models.ForecastResult) error
	LatestForecast(ctx context.Context) (models.ForecastResult, error)
}

// CountSink receives every accepted incident for volume aggregation.
type CountSink interface {
	Add(r models.IncidentRecord)
	Flush(ctx context.Context) error
}

// Options tune the worker pool.
type Options struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	TaskTimeout  time.Duration
	PendingRetry time.Duration
	PublishTTL   time.Duration

	ForecastInterval   time.Duration
	ForecastHorizon    time.Duration
	ForecastMinHistory time.Duration
	// SpikeThreshold is the z-score at which a history point is reported as
	// a spike alongside a forecast.
	SpikeThreshold float64
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 15 * time.Second
	}
	if o.PendingRetry <= 0 {
		o.PendingRetry = 30 * time.Second
	}
	if o.ForecastInterval <= 0 {
		o.ForecastInterval = time.Hour
	}
	if o.ForecastHorizon <= 0 {
		o.ForecastHorizon = 24 * time.Hour
	}
	if o.ForecastMinHistory <= 0 {
		o.ForecastMinHistory = 30 * 24 * time.Hour
	}
	return o
}

// Deps groups the stage implementations.
type Deps struct {
	Classifier Classifier
	Playbooks  PlaybookGenerator
	Forecaster Forecaster
	Hints      HintSource
	Store      ResultStore
	Counts     CountSink
	Claims     cache.Provider
	Publisher  publish.Publisher
	Logger     *slog.Logger
}

type taskKind int

const (
	incidentTask taskKind = iota
	windowTask
)

type task struct {
	kind      taskKind
	record    models.IncidentRecord
	windowEnd time.Time
	attempt   int

	ctx    context.Context
	cancel context.CancelFunc
}

// Outcome reports a status reached by a task.
type Outcome struct {
	IncidentID     string                       `json:"incident_id,omitempty"`
	WindowEnd      time.Time                    `json:"window_end,omitempty"`
	Status         models.IncidentStatus        `json:"status"`
	Attempts       int                          `json:"attempts"`
	Classification *models.ClassificationResult `json:"classification,omitempty"`
	Playbook       *models.Playbook             `json:"playbook,omitempty"`
	Forecast       *models.ForecastResult       `json:"forecast,omitempty"`
	Error          string                       `json:"error,omitempty"`
	At             time.Time                    `json:"at"`
}

// Pipeline is the asynchronous orchestrator. Incidents and windows are
// queued as tasks and processed by a fixed worker pool.
type Pipeline struct {
	opts   Options
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	queue    chan *task
	outcomes chan Outcome
	latency  *utils.StageLatency

	mu        sync.Mutex
	base      context.Context
	inflight  map[string]*task
	parked    map[string]*task
	listeners []func(Outcome)
	running   bool
}

// NewPipeline constructs the orchestrator. Claims defaults to an in-memory
// provider and Publisher to the log publisher.
func NewPipeline(opts Options, deps Deps) *Pipeline {
	opts = opts.withDefaults()
	logger := utils.OrDefault(deps.Logger)
	if deps.Claims == nil {
		deps.Claims = cache.NewMemoryProvider()
	}
	if deps.Publisher == nil {
		deps.Publisher = publish.NewLogPublisher(logger)
	}
	return &Pipeline{
		opts:     opts,
		deps:     deps,
		logger:   logger,
		tracer:   otel.Tracer("mirador-triage/engine"),
		now:      time.Now,
		queue:    make(chan *task, opts.QueueSize),
		outcomes: make(chan Outcome, opts.QueueSize),
		latency:  utils.NewStageLatency(512),
		base:     context.Background(),
		inflight: make(map[string]*task),
		parked:   make(map[string]*task),
	}
}

// Outcomes returns the channel every outcome is offered to. Outcomes are
// dropped when the channel is full; use OnOutcome for lossless delivery.
func (p *Pipeline) Outcomes() <-chan Outcome {
	return p.outcomes
}

// OnOutcome registers fn to be called synchronously for every outcome.
func (p *Pipeline) OnOutcome(fn func(Outcome)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Submit enqueues an incident and returns immediately. A resubmitted
// in-flight incident cancels the earlier task.
func (p *Pipeline) Submit(rec models.IncidentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("incident id is required: %w", models.ErrInvalid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithCancel(p.base)
	t := &task{kind: incidentTask, record: rec, ctx: ctx, cancel: cancel}
	select {
	case p.queue <- t:
	default:
		cancel()
		return models.ErrQueueFull
	}
	if prev, ok := p.inflight[rec.ID]; ok {
		prev.cancel()
	}
	if prev, ok := p.parked[rec.ID]; ok {
		prev.cancel()
		delete(p.parked, rec.ID)
	}
	p.inflight[rec.ID] = t
	metrics.SetQueueDepth(len(p.queue))
	return nil
}

// SubmitWindow enqueues a forecast for the window ending at end.
func (p *Pipeline) SubmitWindow(end time.Time) error {
	p.mu.Lock()
	ctx, cancel := context.WithCancel(p.base)
	p.mu.Unlock()
	t := &task{kind: windowTask, windowEnd: utils.Truncate(end.UTC(), p.opts.ForecastInterval), ctx: ctx, cancel: cancel}
	select {
	case p.queue <- t:
		metrics.SetQueueDepth(len(p.queue))
		return nil
	default:
		cancel()
		return models.ErrQueueFull
	}
}

// ResumePending re-queues incidents parked while no classifier was active.
// Incidents that do not fit in the queue stay parked.
func (p *Pipeline) ResumePending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	resumed := 0
	for id, t := range p.parked {
		select {
		case p.queue <- t:
			delete(p.parked, id)
			p.inflight[id] = t
			resumed++
		default:
			return resumed
		}
	}
	if resumed > 0 {
		p.logger.Info("resumed pending incidents", slog.Int("count", resumed))
	}
	return resumed
}

// Pending returns the number of parked incidents.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.parked)
}

// QueueDepth returns the number of queued tasks.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

// StageLatency returns the p-th percentile latency of every stage.
func (p *Pipeline) StageLatency(percentile float64) map[string]time.Duration {
	return p.latency.Snapshot(percentile)
}

// Recover re-submits stored incidents that never reached a terminal status.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	var pending []models.IncidentRecord
	err := p.deps.Store.ForEachResult(ctx, func(rec models.ResultRecord) error {
		if !rec.Status.Terminal() && rec.Incident.ID != "" {
			pending = append(pending, rec.Incident)
		}
		return nil
	})
	if err != nil {
		return 0, utils.NewAppError("engine.Recover", "scan results", err)
	}
	n := 0
	for _, rec := range pending {
		err := p.Submit(rec)
		if errors.Is(err, models.ErrQueueFull) {
			p.parkRecovered(rec)
			err = nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if parked := p.Pending(); parked > 0 {
		p.logger.Info("recovered incidents parked until the queue drains", slog.Int("count", parked))
	}
	return n, nil
}

// parkRecovered holds an incident that did not fit in the queue; the pending
// ticker resumes it.
func (p *Pipeline) parkRecovered(rec models.IncidentRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[rec.ID]; ok {
		return
	}
	if _, ok := p.parked[rec.ID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(p.base)
	p.parked[rec.ID] = &task{kind: incidentTask, record: rec, ctx: ctx, cancel: cancel}
}

// Run starts the workers and blocks until ctx is done. Queued incidents left
// at shutdown are persisted as pending so Recover picks them up.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("pipeline already running")
	}
	p.running = true
	p.base = ctx
	for _, tasks := range []map[string]*task{p.inflight, p.parked} {
		for _, t := range tasks {
			t.cancel()
			t.ctx, t.cancel = context.WithCancel(ctx)
		}
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			p.worker(gctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(p.opts.PendingRetry)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				p.ResumePending()
			}
		}
	})
	p.logger.Info("pipeline started", slog.Int("workers", p.opts.Workers), slog.Int("queue_size", p.opts.QueueSize))
	err := g.Wait()
	p.drain()
	return err
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			metrics.SetQueueDepth(len(p.queue))
			switch t.kind {
			case incidentTask:
				p.processIncident(t)
			case windowTask:
				p.processWindow(t)
			}
		}
	}
}

func (p *Pipeline) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case t := <-p.queue:
			if t.kind == incidentTask {
				p.persist(ctx, t, models.StatusPending, nil, nil, "shutdown before processing")
			}
		default:
			return
		}
	}
}

// requeue schedules t again after the backoff for its attempt.
func (p *Pipeline) requeue(t *task, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case p.queue <- t:
			metrics.SetQueueDepth(len(p.queue))
		case <-t.ctx.Done():
			p.finishCancelled(t)
		}
	})
}

func (p *Pipeline) park(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[t.record.ID] != t {
		return
	}
	delete(p.inflight, t.record.ID)
	p.parked[t.record.ID] = t
}

// current reports whether t is still the latest submission of its incident.
func (p *Pipeline) current(t *task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[t.record.ID] == t
}

func (p *Pipeline) release(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[t.record.ID] == t {
		delete(p.inflight, t.record.ID)
	}
	t.cancel()
}

func (p *Pipeline) emit(o Outcome) {
	if o.At.IsZero() {
		o.At = p.now().UTC()
	}
	metrics.ObserveIncident(string(o.Status))

	p.mu.Lock()
	listeners := append([]func(Outcome){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(o)
	}
	if o.Status != models.StatusPublished && o.Status != models.StatusForecastPosted {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.TaskTimeout)
		if err := p.deps.Publisher.Publish(ctx, publish.TopicStatus, o); err != nil {
			p.logger.Warn("publish status", slog.String("incident_id", o.IncidentID), slog.Any("error", err))
		}
		cancel()
	}
	select {
	case p.outcomes <- o:
	default:
		p.logger.Debug("outcome channel full, dropping", slog.String("incident_id", o.IncidentID), slog.String("status", string(o.Status)))
	}
}

func (p *Pipeline) observe(stage string, start time.Time) {
	d := time.Since(start)
	metrics.ObserveStage(stage, d)
	p.latency.Observe(stage, d)
}
