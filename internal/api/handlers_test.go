package api

import (
	"context"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-triage/internal/engine"
	triagev1 "github.com/miradorstack/mirador-triage/internal/grpc/triagev1"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/retrain"
)

func TestFromSubmitFeedbackRequest(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	rating := 4
	req := &triagev1.SubmitFeedbackRequest{
		IncidentID:     "inc-1",
		AnalystID:      "analyst-7",
		CorrectedLabel: &models.Labels{Category: "malware"},
		PlaybookRating: &rating,
	}

	rec, err := FromSubmitFeedbackRequest(req, now)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rec.IncidentID != "inc-1" || rec.CorrectedLabel.Category != "malware" || *rec.PlaybookRating != 4 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp should be UTC, got %s", rec.Timestamp.Location())
	}
	rating = 1
	if *rec.PlaybookRating != 4 {
		t.Fatalf("record aliases request rating")
	}
}

func TestFromSubmitFeedbackRequestValidation(t *testing.T) {
	rating := 3
	cases := []*triagev1.SubmitFeedbackRequest{
		nil,
		{AnalystID: "a", PlaybookRating: &rating},
		{IncidentID: "i", PlaybookRating: &rating},
		{IncidentID: "i", AnalystID: "a"},
	}
	for i, req := range cases {
		if _, err := FromSubmitFeedbackRequest(req, time.Now()); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestToOutcomeAndStatuses(t *testing.T) {
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	out := ToOutcome(engine.Outcome{IncidentID: "inc-1", Status: models.StatusPublished, Attempts: 2, At: at})
	if out.IncidentID != "inc-1" || out.Status != models.StatusPublished || out.Attempts != 2 || !out.At.Equal(at) {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	ev := &models.RetrainEvent{Kind: "classifier", State: models.StateRejected}
	statuses := ToRetrainStatuses([]retrain.Status{{Kind: "classifier", State: models.StateActive, ActiveVersion: "classifier-v0001", Pending: 3, LastEvent: ev}})
	if len(statuses) != 1 || statuses[0].Pending != 3 || statuses[0].LastEvent != ev {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
}

func TestStatusError(t *testing.T) {
	cases := map[error]codes.Code{
		fmt.Errorf("wrap: %w", models.ErrInvalid):          codes.InvalidArgument,
		fmt.Errorf("wrap: %w", models.ErrEncoding):         codes.InvalidArgument,
		fmt.Errorf("wrap: %w", models.ErrNotFound):         codes.NotFound,
		models.ErrQueueFull:                                codes.ResourceExhausted,
		models.ErrModelUnavailable:                         codes.Unavailable,
		models.ErrInsufficientHistory:                      codes.FailedPrecondition,
		context.DeadlineExceeded:                           codes.DeadlineExceeded,
		fmt.Errorf("boom"):                                 codes.Internal,
		status.Error(codes.PermissionDenied, "no access"): codes.PermissionDenied,
	}
	for err, want := range cases {
		if got := status.Code(StatusError(err)); got != want {
			t.Fatalf("%v: expected %s, got %s", err, want, got)
		}
	}
	if StatusError(nil) != nil {
		t.Fatalf("nil error should stay nil")
	}
}
