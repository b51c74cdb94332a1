package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-triage/internal/engine"
	triagev1 "github.com/miradorstack/mirador-triage/internal/grpc/triagev1"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/retrain"
)

// FromSubmitFeedbackRequest maps the request onto an unsequenced feedback record.
func FromSubmitFeedbackRequest(req *triagev1.SubmitFeedbackRequest, now time.Time) (models.FeedbackRecord, error) {
	if req == nil {
		return models.FeedbackRecord{}, fmt.Errorf("request is nil")
	}
	if req.IncidentID == "" {
		return models.FeedbackRecord{}, fmt.Errorf("incident_id is required")
	}
	if req.AnalystID == "" {
		return models.FeedbackRecord{}, fmt.Errorf("analyst_id is required")
	}
	if req.CorrectedLabel == nil && req.PlaybookRating == nil {
		return models.FeedbackRecord{}, fmt.Errorf("corrected_label or playbook_rating is required")
	}
	rec := models.FeedbackRecord{
		IncidentID: req.IncidentID,
		AnalystID:  req.AnalystID,
		Timestamp:  now.UTC(),
	}
	if req.CorrectedLabel != nil {
		label := *req.CorrectedLabel
		rec.CorrectedLabel = &label
	}
	if req.PlaybookRating != nil {
		rating := *req.PlaybookRating
		rec.PlaybookRating = &rating
	}
	return rec, nil
}

// ToOutcome converts a pipeline outcome into its wire shape.
func ToOutcome(o engine.Outcome) *triagev1.Outcome {
	return &triagev1.Outcome{
		IncidentID:     o.IncidentID,
		WindowEnd:      o.WindowEnd,
		Status:         o.Status,
		Attempts:       o.Attempts,
		Classification: o.Classification,
		Playbook:       o.Playbook,
		Forecast:       o.Forecast,
		Error:          o.Error,
		At:             o.At,
	}
}

// ToRetrainStatuses converts controller status rows.
func ToRetrainStatuses(in []retrain.Status) []triagev1.RetrainStatus {
	out := make([]triagev1.RetrainStatus, 0, len(in))
	for _, s := range in {
		out = append(out, triagev1.RetrainStatus{
			Kind:          s.Kind,
			State:         s.State,
			ActiveVersion: s.ActiveVersion,
			LastCycle:     s.LastCycle,
			Pending:       s.Pending,
			LastEvent:     s.LastEvent,
		})
	}
	return out
}

// StatusError maps domain errors onto gRPC status codes.
func StatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, models.ErrInvalid), errors.Is(err, models.ErrEncoding):
		code = codes.InvalidArgument
	case errors.Is(err, models.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, models.ErrQueueFull):
		code = codes.ResourceExhausted
	case errors.Is(err, models.ErrModelUnavailable):
		code = codes.Unavailable
	case errors.Is(err, models.ErrInsufficientHistory):
		code = codes.FailedPrecondition
	case errors.Is(err, models.ErrVersionExists):
		code = codes.AlreadyExists
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}
