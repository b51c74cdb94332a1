package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/miradorstack/mirador-triage/internal/aggregate"
	"github.com/miradorstack/mirador-triage/internal/cache"
	"github.com/miradorstack/mirador-triage/internal/classifier"
	"github.com/miradorstack/mirador-triage/internal/config"
	"github.com/miradorstack/mirador-triage/internal/encoding"
	"github.com/miradorstack/mirador-triage/internal/engine"
	"github.com/miradorstack/mirador-triage/internal/forecaster"
	"github.com/miradorstack/mirador-triage/internal/ingest"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/playbook"
	"github.com/miradorstack/mirador-triage/internal/publish"
	"github.com/miradorstack/mirador-triage/internal/repo"
	"github.com/miradorstack/mirador-triage/internal/retrain"
	"github.com/miradorstack/mirador-triage/internal/rules"
	"github.com/miradorstack/mirador-triage/internal/store"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// app holds every wired component of the engine.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *store.Store
	claims      cache.Provider
	publisher   publish.Publisher
	gemini      *playbook.GeminiCapability
	classifiers *classifier.Registry
	forecasters *forecaster.Registry
	counts      *aggregate.Aggregator
	search      *repo.SearchClient
	pipeline    *engine.Pipeline
	retrainer   *retrain.Controller
}

// buildApp wires the engine. publisher overrides the configured publisher
// when non-nil.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, publisher publish.Publisher) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a.store = st

	a.claims = cache.NewMemoryProvider()
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewRedisProvider(ctx, cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("redis cache unavailable, publish claims are process-local", slog.Any("error", err))
		} else {
			a.claims = provider
		}
	}

	switch {
	case publisher != nil:
		a.publisher = publisher
	case cfg.Publish.NATSURL != "":
		p, err := publish.NewNATSPublisher(cfg.Publish.NATSURL, cfg.Publish.SubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		a.publisher = p
	default:
		a.publisher = publish.NewLogPublisher(logger)
	}

	hints, stats, err := rules.Load(cfg.Rules.SigmaPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load sigma rules: %w", err)
	}
	if cfg.Rules.SigmaPath != "" {
		logger.Info("sigma rules loaded", slog.Int("loaded", stats.Loaded), slog.Int("skipped_complex", stats.SkippedComplex), slog.Int("skipped_invalid", stats.SkippedInvalid))
	}

	static, err := playbook.NewStaticTable(cfg.Playbook.StaticPath, logger)
	if err != nil {
		return nil, err
	}
	var capability playbook.Capability
	if cfg.Playbook.Gemini.APIKey != "" {
		g, err := playbook.NewGeminiCapability(ctx, playbook.GeminiConfig{APIKey: cfg.Playbook.Gemini.APIKey, Model: cfg.Playbook.Gemini.Model})
		if err != nil {
			logger.Warn("gemini unavailable, using static playbooks", slog.Any("error", err))
		} else {
			a.gemini = g
			capability = g
		}
	}
	generator := playbook.NewGenerator(capability, static, playbook.Options{
		MaxAttempts: cfg.Playbook.MaxAttempts,
		BaseDelay:   cfg.Playbook.BaseDelay,
		MaxDelay:    cfg.Playbook.MaxDelay,
		CallTimeout: cfg.Playbook.CallTimeout,
	}, logger)

	a.classifiers = classifier.NewRegistry()
	a.forecasters = forecaster.NewRegistry()
	a.counts = aggregate.NewAggregator(logger, st, cfg.Forecast.Interval)
	a.search = repo.NewSearchClient(repo.SearchConfig{
		BaseURL:       cfg.Search.BaseURL,
		CountsPath:    cfg.Search.CountsPath,
		IncidentsPath: cfg.Search.IncidentsPath,
		Timeout:       cfg.Search.Timeout,
		CacheTTL:      cfg.Cache.SearchTTL,
	}, a.claims, logger)

	a.pipeline = engine.NewPipeline(engine.Options{
		Workers:            cfg.Pipeline.Workers,
		QueueSize:          cfg.Pipeline.QueueSize,
		MaxAttempts:        cfg.Pipeline.MaxAttempts,
		BaseBackoff:        cfg.Pipeline.BaseBackoff,
		MaxBackoff:         cfg.Pipeline.MaxBackoff,
		TaskTimeout:        cfg.Pipeline.TaskTimeout,
		PendingRetry:       cfg.Pipeline.PendingRetry,
		PublishTTL:         cfg.Cache.PublishTTL,
		ForecastInterval:   cfg.Forecast.Interval,
		ForecastHorizon:    cfg.Forecast.Horizon,
		ForecastMinHistory: cfg.Forecast.MinHistory,
	}, engine.Deps{
		Classifier: classifier.NewService(a.classifiers),
		Playbooks:  generator,
		Forecaster: forecaster.NewService(a.forecasters),
		Hints:      hints,
		Store:      st,
		Counts:     a.counts,
		Claims:     a.claims,
		Publisher:  a.publisher,
		Logger:     logger,
	})

	a.retrainer = retrain.New(retrain.Config{
		LabelThreshold:  cfg.Retrain.LabelThreshold,
		RatingThreshold: cfg.Retrain.RatingThreshold,
		Interval:        cfg.Retrain.Interval,
		Tolerance:       cfg.Retrain.Tolerance,
		HoldoutFraction: cfg.Retrain.HoldoutFraction,
		Schema:          encoding.DefaultSchema(cfg.Encoding.Required, cfg.Encoding.TextBuckets, cfg.Encoding.ProjectionDim, cfg.Encoding.Seed),
		Forecast:        forecaster.Config{Interval: cfg.Forecast.Interval, MinHistory: cfg.Forecast.MinHistory},
	}, retrain.Deps{
		Store:       st,
		Encodings:   encoding.NewRegistry(),
		Classifiers: a.classifiers,
		Forecasters: a.forecasters,
		Seed:        a.seed,
		OnEvent:     a.publishRetrainEvent,
		Logger:      logger,
	})
	a.classifiers.OnPromote(func(id string) {
		if n := a.pipeline.ResumePending(); n > 0 {
			logger.Info("classifier promoted, resumed pending incidents", slog.String("version", id), slog.Int("resumed", n))
		}
	})

	ok = true
	return a, nil
}

// prepare restores persisted versions, backfills counts and bootstraps any
// kind that has no active version. A failed bootstrap leaves incidents
// pending until a version is promoted.
func (a *app) prepare(ctx context.Context) error {
	if err := a.retrainer.Restore(ctx, a.store); err != nil {
		return err
	}
	if a.search.Enabled() {
		interval := a.cfg.Forecast.Interval
		end := utils.Truncate(time.Now().UTC(), interval)
		if _, err := a.search.Backfill(ctx, a.store, end.Add(-2*a.cfg.Forecast.MinHistory), end, interval); err != nil {
			a.logger.Warn("count backfill failed", slog.Any("error", err))
		}
	}
	if err := a.retrainer.Bootstrap(ctx, time.Now()); err != nil {
		a.logger.Warn("bootstrap incomplete", slog.Any("error", err))
	}
	return nil
}

// seed loads the labeled bootstrap file plus labeled incidents from the
// search backend when one is configured.
func (a *app) seed(ctx context.Context) ([]classifier.LabeledRecord, error) {
	var out []classifier.LabeledRecord
	if path := a.cfg.Bootstrap.Path; path != "" {
		records, err := ingest.LoadSeed(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		out = append(out, records...)
	}
	if a.search.Enabled() {
		remote, err := a.search.FetchLabeledIncidents(ctx, time.Time{}, 5000)
		if err != nil {
			a.logger.Warn("labeled incident pull failed", slog.Any("error", err))
		} else {
			out = append(out, remote...)
		}
	}
	return out, nil
}

func (a *app) publishRetrainEvent(ev models.RetrainEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Pipeline.TaskTimeout)
	defer cancel()
	if err := a.publisher.Publish(ctx, publish.TopicRetrain, ev); err != nil {
		a.logger.Warn("publish retrain event", slog.String("kind", ev.Kind), slog.Any("error", err))
	}
}

// flushCounts persists buffered incident counts.
func (a *app) flushCounts(ctx context.Context) {
	if err := a.counts.Flush(ctx); err != nil {
		a.logger.Warn("flush incident counts", slog.Any("error", err))
	}
}

// Close releases every component in reverse dependency order.
func (a *app) Close() {
	if a.counts != nil && a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.flushCounts(ctx)
		cancel()
	}
	if a.gemini != nil {
		_ = a.gemini.Close()
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.claims != nil {
		_ = a.claims.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
