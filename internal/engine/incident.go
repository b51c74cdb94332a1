package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-triage/internal/cache"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/publish"
	"github.com/miradorstack/mirador-triage/internal/rules"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// IncidentEvent is the combined record published once per incident.
type IncidentEvent struct {
	IncidentID     string                      `json:"incident_id"`
	Classification models.ClassificationResult `json:"classification"`
	Playbook       models.Playbook             `json:"playbook"`
	RuleHints      []rules.Hint                `json:"rule_hints,omitempty"`
	PublishedAt    time.Time                   `json:"published_at"`
}

func (p *Pipeline) processIncident(t *task) {
	if t.ctx.Err() != nil || !p.current(t) {
		p.finishCancelled(t)
		return
	}
	rec := t.record
	ctx, span := p.tracer.Start(t.ctx, "triage.incident", trace.WithAttributes(
		attribute.String("incident.id", rec.ID),
		attribute.Int("attempt", t.attempt+1),
	))
	defer span.End()

	if t.attempt == 0 {
		existing, err := p.deps.Store.GetResult(ctx, rec.ID)
		switch {
		case err == nil && existing.Status == models.StatusPublished:
			p.release(t)
			p.emit(Outcome{IncidentID: rec.ID, Status: models.StatusDuplicate, Attempts: existing.Attempts})
			return
		case errors.Is(err, models.ErrNotFound) && p.deps.Counts != nil:
			p.deps.Counts.Add(rec)
		}
	}

	t.attempt++
	stageCtx, cancel := context.WithTimeout(ctx, p.opts.TaskTimeout)
	defer cancel()

	result, hints, playbook, err := p.runStages(stageCtx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.handleFailure(t, err, result)
		return
	}
	// A resubmission during the stages supersedes this run.
	if t.ctx.Err() != nil || !p.current(t) {
		p.finishCancelled(t)
		return
	}
	p.publishIncident(ctx, t, result, hints, playbook)
}

func (p *Pipeline) runStages(ctx context.Context, rec models.IncidentRecord) (*models.ClassificationResult, []rules.Hint, models.Playbook, error) {
	start := time.Now()
	cctx, span := p.tracer.Start(ctx, "classify")
	result, err := p.deps.Classifier.Classify(cctx, rec)
	if err == nil {
		span.SetAttributes(attribute.String("model.version", result.ModelVersion))
	}
	span.End()
	p.observe("classify", start)
	if err != nil {
		return nil, nil, models.Playbook{}, err
	}

	var hints []rules.Hint
	if p.deps.Hints != nil {
		start = time.Now()
		hints = p.deps.Hints.Apply(ctx, rec)
		p.observe("rules", start)
	}

	pctx := models.PlaybookContext{
		Entities:       rec.Entities(),
		AlertTitle:     rec.AlertTitle,
		ThreatFamily:   rec.ThreatFamily,
		TechniqueHints: rules.Techniques(hints),
	}
	start = time.Now()
	gctx, span := p.tracer.Start(ctx, "playbook")
	playbook, err := p.deps.Playbooks.Generate(gctx, result, pctx)
	span.SetAttributes(attribute.String("playbook.source", string(playbook.Source)))
	span.End()
	p.observe("playbook", start)
	if err != nil {
		return &result, hints, models.Playbook{}, err
	}
	return &result, hints, playbook, nil
}

// publishIncident claims the incident, publishes the combined event and
// persists the result. Once the claim is taken the remaining calls ignore
// cancellation of the task.
func (p *Pipeline) publishIncident(ctx context.Context, t *task, result *models.ClassificationResult, hints []rules.Hint, playbook models.Playbook) {
	rec := t.record
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.TaskTimeout)
	defer cancel()
	start := time.Now()
	defer p.observe("publish", start)

	claimed, err := p.deps.Claims.SetNX(pubCtx, cache.IncidentClaimKey(rec.ID), []byte(p.now().UTC().Format(time.RFC3339Nano)), p.opts.PublishTTL)
	if err != nil {
		p.handleFailure(t, utils.NewAppError("engine.publish", "claim incident", err), result)
		return
	}
	if !claimed {
		p.release(t)
		p.emit(Outcome{IncidentID: rec.ID, Status: models.StatusDuplicate, Attempts: t.attempt})
		return
	}
	if !p.current(t) {
		if delErr := p.deps.Claims.Del(pubCtx, cache.IncidentClaimKey(rec.ID)); delErr != nil {
			p.logger.Warn("release publish claim", slog.String("incident_id", rec.ID), slog.Any("error", delErr))
		}
		p.finishCancelled(t)
		return
	}

	event := IncidentEvent{
		IncidentID:     rec.ID,
		Classification: *result,
		Playbook:       playbook,
		RuleHints:      hints,
		PublishedAt:    p.now().UTC(),
	}
	if err := p.deps.Publisher.Publish(pubCtx, publish.TopicIncidents, event); err != nil {
		if delErr := p.deps.Claims.Del(pubCtx, cache.IncidentClaimKey(rec.ID)); delErr != nil {
			p.logger.Warn("release publish claim", slog.String("incident_id", rec.ID), slog.Any("error", delErr))
		}
		p.handleFailure(t, utils.NewAppError("engine.publish", "publish incident", err), result)
		return
	}

	p.persist(pubCtx, t, models.StatusPublished, result, &playbook, "")
	p.release(t)
	p.logger.Debug("incident published",
		slog.String("incident_id", rec.ID),
		slog.String("category", result.Category.Label),
		slog.String("grade", result.Grade.Label),
		slog.String("playbook_source", string(playbook.Source)),
	)
	p.emit(Outcome{IncidentID: rec.ID, Status: models.StatusPublished, Attempts: t.attempt, Classification: result, Playbook: &playbook})
}

func (p *Pipeline) handleFailure(t *task, err error, result *models.ClassificationResult) {
	if t.ctx.Err() != nil {
		p.finishCancelled(t)
		return
	}
	rec := t.record
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.TaskTimeout)
	defer cancel()

	switch {
	case errors.Is(err, models.ErrModelUnavailable):
		t.attempt--
		p.persist(ctx, t, models.StatusPending, nil, nil, err.Error())
		p.park(t)
		p.emit(Outcome{IncidentID: rec.ID, Status: models.StatusPending, Attempts: t.attempt, Error: err.Error()})
	case errors.Is(err, models.ErrEncoding), errors.Is(err, models.ErrInvalid), t.attempt >= p.opts.MaxAttempts:
		p.logger.Warn("incident needs manual review", slog.String("incident_id", rec.ID), slog.String("op", utils.OpOf(err)), slog.Int("attempts", t.attempt), slog.Any("error", err))
		p.persist(ctx, t, models.StatusManualReview, result, nil, err.Error())
		p.release(t)
		p.emit(Outcome{IncidentID: rec.ID, Status: models.StatusManualReview, Attempts: t.attempt, Classification: result, Error: err.Error()})
	default:
		delay := utils.Backoff(t.attempt-1, p.opts.BaseBackoff, p.opts.MaxBackoff)
		p.logger.Debug("incident retrying", slog.String("incident_id", rec.ID), slog.String("op", utils.OpOf(err)), slog.Int("attempt", t.attempt), slog.Duration("delay", delay), slog.Any("error", err))
		p.persist(ctx, t, models.StatusRetrying, nil, nil, err.Error())
		p.emit(Outcome{IncidentID: rec.ID, Status: models.StatusRetrying, Attempts: t.attempt, Error: err.Error()})
		p.requeue(t, delay)
	}
}

// finishCancelled settles a task whose context ended. A superseded task
// reports cancelled; a task cut short by shutdown is left pending.
func (p *Pipeline) finishCancelled(t *task) {
	if t.kind != incidentTask {
		return
	}
	superseded := !p.current(t)
	p.release(t)
	if superseded {
		p.emit(Outcome{IncidentID: t.record.ID, Status: models.StatusCancelled, Attempts: t.attempt})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.TaskTimeout)
	defer cancel()
	p.persist(ctx, t, models.StatusPending, nil, nil, "interrupted by shutdown")
}

func (p *Pipeline) persist(ctx context.Context, t *task, status models.IncidentStatus, result *models.ClassificationResult, playbook *models.Playbook, lastErr string) {
	rec := models.ResultRecord{
		IncidentID:     t.record.ID,
		Incident:       t.record,
		Status:         status,
		Classification: result,
		Playbook:       playbook,
		Attempts:       t.attempt,
		LastError:      lastErr,
		UpdatedAt:      p.now().UTC(),
	}
	if err := p.deps.Store.PutResult(ctx, rec); err != nil {
		p.logger.Error("persist incident result", slog.String("incident_id", t.record.ID), slog.String("status", string(status)), slog.Any("error", err))
	}
}
