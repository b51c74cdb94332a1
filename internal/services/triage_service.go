package services

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-triage/internal/api"
	triagev1 "github.com/miradorstack/mirador-triage/internal/grpc/triagev1"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/retrain"
	"github.com/miradorstack/mirador-triage/internal/store"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Submitter accepts incidents for asynchronous processing.
type Submitter interface {
	Submit(rec models.IncidentRecord) error
}

// Repository is the persisted state read and written by the API.
type Repository interface {
	AppendFeedback(ctx context.Context, rec models.FeedbackRecord) (models.FeedbackRecord, error)
	GetResult(ctx context.Context, incidentID string) (models.ResultRecord, error)
	LatestForecast(ctx context.Context) (models.ForecastResult, error)
	ListModelVersions(ctx context.Context, kind models.ModelKind) ([]store.StoredVersion, error)
}

// Retrainer exposes the retraining controller.
type Retrainer interface {
	Check()
	Trigger(kind models.ModelKind) error
	Status(ctx context.Context) ([]retrain.Status, error)
}

// TriageService implements the gRPC TriageService.
type TriageService struct {
	triagev1.UnimplementedTriageServiceServer

	logger    *slog.Logger
	pipeline  Submitter
	repo      Repository
	retrainer Retrainer
	hub       *Hub
	latencies *utils.LatencyTracker
	now       func() time.Time
}

// NewTriageService constructs the service facade.
func NewTriageService(logger *slog.Logger, pipeline Submitter, repo Repository, retrainer Retrainer, hub *Hub) *TriageService {
	if hub == nil {
		hub = NewHub(0)
	}
	return &TriageService{
		logger:    utils.OrDefault(logger),
		pipeline:  pipeline,
		repo:      repo,
		retrainer: retrainer,
		hub:       hub,
		latencies: utils.NewLatencyTracker(1024),
		now:       time.Now,
	}
}

// SubmitIncident enqueues an incident and returns without waiting for it.
func (s *TriageService) SubmitIncident(ctx context.Context, req *triagev1.SubmitIncidentRequest) (*triagev1.SubmitIncidentResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.pipeline == nil {
		return nil, status.Error(codes.FailedPrecondition, "pipeline not configured")
	}
	start := time.Now()
	if err := s.pipeline.Submit(req.Incident); err != nil {
		s.logger.Debug("submit incident rejected", slog.String("incident_id", req.Incident.ID), slog.Any("error", err))
		return nil, api.StatusError(err)
	}
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 100 && count%100 == 0 {
		s.logger.Info("submit latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	return &triagev1.SubmitIncidentResponse{IncidentID: req.Incident.ID, Accepted: true}, nil
}

// SubmitFeedback appends analyst feedback and nudges the retraining controller.
func (s *TriageService) SubmitFeedback(ctx context.Context, req *triagev1.SubmitFeedbackRequest) (*triagev1.SubmitFeedbackResponse, error) {
	if s.repo == nil {
		return nil, status.Error(codes.FailedPrecondition, "feedback store not configured")
	}
	rec, err := api.FromSubmitFeedbackRequest(req, s.now())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	stored, err := s.repo.AppendFeedback(ctx, rec)
	if err != nil {
		s.logger.Error("store feedback failed", slog.String("incident_id", rec.IncidentID), slog.Any("error", err))
		return nil, api.StatusError(err)
	}
	if stored.CorrectedLabel != nil {
		metrics.ObserveFeedback("label")
	}
	if stored.PlaybookRating != nil {
		metrics.ObserveFeedback("rating")
	}
	if s.retrainer != nil {
		s.retrainer.Check()
	}
	return &triagev1.SubmitFeedbackResponse{Feedback: stored}, nil
}

// GetIncidentResult returns the persisted result of one incident.
func (s *TriageService) GetIncidentResult(ctx context.Context, req *triagev1.GetIncidentResultRequest) (*triagev1.GetIncidentResultResponse, error) {
	if req == nil || req.IncidentID == "" {
		return nil, status.Error(codes.InvalidArgument, "incident_id is required")
	}
	if s.repo == nil {
		return nil, status.Error(codes.FailedPrecondition, "result store not configured")
	}
	rec, err := s.repo.GetResult(ctx, req.IncidentID)
	if err != nil {
		return nil, api.StatusError(err)
	}
	return &triagev1.GetIncidentResultResponse{Result: rec}, nil
}

// GetForecast returns the latest published forecast.
func (s *TriageService) GetForecast(ctx context.Context, _ *triagev1.GetForecastRequest) (*triagev1.GetForecastResponse, error) {
	if s.repo == nil {
		return nil, status.Error(codes.FailedPrecondition, "result store not configured")
	}
	f, err := s.repo.LatestForecast(ctx)
	if err != nil {
		return nil, api.StatusError(err)
	}
	return &triagev1.GetForecastResponse{Forecast: f}, nil
}

// ListModelVersions lists registry rows of one kind, or of both when kind is empty.
func (s *TriageService) ListModelVersions(ctx context.Context, req *triagev1.ListModelVersionsRequest) (*triagev1.ListModelVersionsResponse, error) {
	if s.repo == nil {
		return nil, status.Error(codes.FailedPrecondition, "model store not configured")
	}
	kinds := []models.ModelKind{models.KindClassifier, models.KindForecaster}
	if req != nil && req.Kind != "" {
		if req.Kind != models.KindClassifier && req.Kind != models.KindForecaster {
			return nil, status.Errorf(codes.InvalidArgument, "unknown model kind %q", req.Kind)
		}
		kinds = []models.ModelKind{req.Kind}
	}
	resp := &triagev1.ListModelVersionsResponse{}
	for _, kind := range kinds {
		versions, err := s.repo.ListModelVersions(ctx, kind)
		if err != nil {
			return nil, api.StatusError(err)
		}
		for _, v := range versions {
			resp.Versions = append(resp.Versions, v.Meta)
		}
	}
	return resp, nil
}

// GetRetrainStatus reports every retraining lifecycle.
func (s *TriageService) GetRetrainStatus(ctx context.Context, _ *triagev1.GetRetrainStatusRequest) (*triagev1.GetRetrainStatusResponse, error) {
	if s.retrainer == nil {
		return nil, status.Error(codes.FailedPrecondition, "retraining not configured")
	}
	statuses, err := s.retrainer.Status(ctx)
	if err != nil {
		return nil, api.StatusError(err)
	}
	return &triagev1.GetRetrainStatusResponse{Statuses: api.ToRetrainStatuses(statuses)}, nil
}

// TriggerRetrain queues a manual retraining cycle.
func (s *TriageService) TriggerRetrain(ctx context.Context, req *triagev1.TriggerRetrainRequest) (*triagev1.TriggerRetrainResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.retrainer == nil {
		return nil, status.Error(codes.FailedPrecondition, "retraining not configured")
	}
	if err := s.retrainer.Trigger(req.Kind); err != nil {
		return nil, api.StatusError(err)
	}
	s.logger.Info("manual retrain requested", slog.String("kind", string(req.Kind)))
	return &triagev1.TriggerRetrainResponse{Accepted: true}, nil
}

// WatchOutcomes streams outcomes until the client goes away.
func (s *TriageService) WatchOutcomes(req *triagev1.WatchOutcomesRequest, stream triagev1.TriageService_WatchOutcomesServer) error {
	var incidentID string
	if req != nil {
		incidentID = req.IncidentID
	}
	ch, cancel := s.hub.Subscribe(incidentID)
	defer cancel()
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case o, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(api.ToOutcome(o)); err != nil {
				return err
			}
		}
	}
}
