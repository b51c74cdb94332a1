package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-triage/internal/aggregate"
	"github.com/miradorstack/mirador-triage/internal/cache"
	"github.com/miradorstack/mirador-triage/internal/forecaster"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/publish"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// ForecastEvent is published once per forecast window.
type ForecastEvent struct {
	Forecast    models.ForecastResult `json:"forecast"`
	Spikes      []forecaster.Spike    `json:"spikes,omitempty"`
	PublishedAt time.Time             `json:"published_at"`
}

func (p *Pipeline) processWindow(t *task) {
	defer t.cancel()
	if t.ctx.Err() != nil {
		return
	}
	interval := p.opts.ForecastInterval
	end := t.windowEnd
	key := end.Add(-interval)

	ctx, span := p.tracer.Start(t.ctx, "triage.window", trace.WithAttributes(attribute.String("window.end", end.Format(time.RFC3339))))
	defer span.End()
	t.attempt++

	if latest, err := p.deps.Store.LatestForecast(ctx); err == nil && !latest.WindowEnd.Before(key) {
		p.emit(Outcome{WindowEnd: end, Status: models.StatusDuplicate, Attempts: t.attempt})
		return
	}
	if p.deps.Counts != nil {
		if err := p.deps.Counts.Flush(ctx); err != nil {
			p.logger.Warn("count flush before forecast failed", slog.Any("error", err))
		}
	}

	start := time.Now()
	points, err := p.deps.Store.Counts(ctx, end.Add(-2*p.opts.ForecastMinHistory), end)
	if err != nil {
		p.retryWindow(t, err)
		return
	}
	if len(points) == 0 {
		p.suppress(end, t.attempt, utils.NewAppError("engine.window", "no counts", models.ErrInsufficientHistory))
		return
	}
	history := aggregate.Densify(points, points[0].Timestamp, end, interval)
	result, err := p.deps.Forecaster.Forecast(history, p.opts.ForecastHorizon)
	p.observe("forecast", start)
	if errors.Is(err, models.ErrInsufficientHistory) || errors.Is(err, models.ErrModelUnavailable) {
		p.suppress(end, t.attempt, err)
		return
	}
	if err != nil {
		p.retryWindow(t, err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.TaskTimeout)
	defer cancel()
	claimKey := cache.ForecastClaimKey(result.WindowEnd)
	claimed, err := p.deps.Claims.SetNX(pubCtx, claimKey, []byte(result.ModelVersion), p.opts.PublishTTL)
	if err != nil {
		p.retryWindow(t, err)
		return
	}
	if !claimed {
		p.emit(Outcome{WindowEnd: end, Status: models.StatusDuplicate, Attempts: t.attempt})
		return
	}

	event := ForecastEvent{
		Forecast:    result,
		Spikes:      forecaster.DetectSpikes(history[len(history)-min(len(history), 7*24):], p.opts.SpikeThreshold),
		PublishedAt: p.now().UTC(),
	}
	if err := p.deps.Publisher.Publish(pubCtx, publish.TopicForecasts, event); err != nil {
		_ = p.deps.Claims.Del(pubCtx, claimKey)
		p.retryWindow(t, err)
		return
	}
	if err := p.deps.Store.PutForecast(pubCtx, result); err != nil {
		p.logger.Error("persist forecast", slog.Time("window_end", result.WindowEnd), slog.Any("error", err))
	}
	metrics.ObserveForecast("published")
	p.logger.Info("forecast published",
		slog.Time("window_end", result.WindowEnd),
		slog.String("model_version", result.ModelVersion),
		slog.Int("points", len(result.Predicted)),
		slog.Int("spikes", len(event.Spikes)),
	)
	p.emit(Outcome{WindowEnd: end, Status: models.StatusForecastPosted, Attempts: t.attempt, Forecast: &result})
}

func (p *Pipeline) suppress(end time.Time, attempts int, err error) {
	metrics.ObserveForecast("suppressed")
	p.logger.Info("forecast suppressed", slog.Time("window_end", end), slog.Any("reason", err))
	p.emit(Outcome{WindowEnd: end, Status: models.StatusNoForecast, Attempts: attempts, Error: err.Error()})
}

func (p *Pipeline) retryWindow(t *task, err error) {
	if t.attempt >= p.opts.MaxAttempts {
		metrics.ObserveForecast("failed")
		p.logger.Error("forecast window failed", slog.Time("window_end", t.windowEnd), slog.Int("attempts", t.attempt), slog.Any("error", err))
		p.emit(Outcome{WindowEnd: t.windowEnd, Status: models.StatusNoForecast, Attempts: t.attempt, Error: err.Error()})
		return
	}
	retry := &task{kind: windowTask, windowEnd: t.windowEnd, attempt: t.attempt}
	p.mu.Lock()
	retry.ctx, retry.cancel = context.WithCancel(p.base)
	p.mu.Unlock()
	p.requeue(retry, utils.Backoff(t.attempt-1, p.opts.BaseBackoff, p.opts.MaxBackoff))
}
