package triagev1

import (
	"time"

	"github.com/miradorstack/mirador-triage/internal/models"
)

type SubmitIncidentRequest struct {
	Incident models.IncidentRecord `json:"incident"`
}

type SubmitIncidentResponse struct {
	IncidentID string `json:"incident_id"`
	Accepted   bool   `json:"accepted"`
}

type SubmitFeedbackRequest struct {
	IncidentID     string         `json:"incident_id"`
	AnalystID      string         `json:"analyst_id"`
	CorrectedLabel *models.Labels `json:"corrected_label,omitempty"`
	PlaybookRating *int           `json:"playbook_rating,omitempty"`
}

type SubmitFeedbackResponse struct {
	Feedback models.FeedbackRecord `json:"feedback"`
}

type GetIncidentResultRequest struct {
	IncidentID string `json:"incident_id"`
}

type GetIncidentResultResponse struct {
	Result models.ResultRecord `json:"result"`
}

type GetForecastRequest struct{}

type GetForecastResponse struct {
	Forecast models.ForecastResult `json:"forecast"`
}

type ListModelVersionsRequest struct {
	Kind models.ModelKind `json:"kind"`
}

type ListModelVersionsResponse struct {
	Versions []models.ModelVersion `json:"versions"`
}

type GetRetrainStatusRequest struct{}

// RetrainStatus summarises one retraining kind.
type RetrainStatus struct {
	Kind          string               `json:"kind"`
	State         models.RetrainState  `json:"state"`
	ActiveVersion string               `json:"active_version,omitempty"`
	LastCycle     time.Time            `json:"last_cycle,omitempty"`
	Pending       int                  `json:"pending"`
	LastEvent     *models.RetrainEvent `json:"last_event,omitempty"`
}

type GetRetrainStatusResponse struct {
	Statuses []RetrainStatus `json:"statuses"`
}

type TriggerRetrainRequest struct {
	Kind models.ModelKind `json:"kind"`
}

type TriggerRetrainResponse struct {
	Accepted bool `json:"accepted"`
}

// WatchOutcomesRequest filters the outcome stream. An empty IncidentID
// streams every outcome, forecast windows included.
type WatchOutcomesRequest struct {
	IncidentID string `json:"incident_id,omitempty"`
}

// Outcome is one status transition of an incident or forecast window.
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
