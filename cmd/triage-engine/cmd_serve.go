package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-triage/internal/api"
	"github.com/miradorstack/mirador-triage/internal/config"
	"github.com/miradorstack/mirador-triage/internal/ingest"
	redisinput "github.com/miradorstack/mirador-triage/internal/input/redis"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/schedule"
	"github.com/miradorstack/mirador-triage/internal/services"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the triage engine: gRPC API, pipeline workers, schedules and retraining",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-triage", slog.String("address", cfg.Server.Address), slog.String("version", version))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.prepare(ctx); err != nil {
		return err
	}
	if n, err := a.pipeline.Recover(ctx); err != nil {
		logger.Warn("recover unfinished incidents", slog.Any("error", err))
	} else if n > 0 {
		logger.Info("resubmitted unfinished incidents", slog.Int("count", n))
	}

	hub := services.NewHub(256)
	a.pipeline.OnOutcome(hub.Publish)
	svc := services.NewTriageService(logger, a.pipeline, a.store, a.retrainer, hub)
	server, err := api.NewServer(cfg.Server, svc, logger)
	if err != nil {
		return err
	}

	server.SetReady(a.classifiers.ActiveID() != "")
	a.classifiers.OnPromote(func(string) { server.SetReady(true) })

	sched := schedule.New(logger)
	if err := sched.Add("forecast-window", cfg.Forecast.Schedule, func(_ context.Context, now time.Time) {
		if err := a.pipeline.SubmitWindow(now); err != nil {
			logger.Warn("submit forecast window", slog.Any("error", err))
		}
	}); err != nil {
		return err
	}
	if err := sched.Add("retrain-check", cfg.Retrain.CheckSchedule, func(context.Context, time.Time) {
		a.retrainer.Check()
	}); err != nil {
		return err
	}
	if err := sched.Add("count-flush", "0 * * * * *", func(ctx context.Context, _ time.Time) {
		a.flushCounts(ctx)
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pipeline.Run(gctx) })
	g.Go(func() error { return a.retrainer.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })

	if cfg.Queue.Enabled {
		consumer, err := redisinput.NewConsumer(redisinput.Config{
			Addr:         cfg.Queue.Addr,
			Password:     cfg.Queue.Password,
			DB:           cfg.Queue.DB,
			Key:          cfg.Queue.Key,
			BlockTimeout: cfg.Queue.BlockTimeout,
		}, ingest.Decode, logger)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(gctx, a.pipeline) })
	}

	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("address", server.Address()))
		if err := server.Start(); err != nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
		defer cancel()
		server.Shutdown(shutdownCtx)
		return nil
	})

	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("mirador-triage stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
