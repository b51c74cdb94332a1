package models

import "time"

// ModelKind names a family of versioned models.
type ModelKind string

const (
	KindClassifier ModelKind = "classifier"
	KindForecaster ModelKind = "forecaster"
)

// Primary evaluation metric per kind; higher is better for both.
const (
	MetricAccuracy      = "accuracy"
	MetricForecastScore = "score"
	MetricMAE           = "mae"
)

// PrimaryMetric returns the metric used for promotion decisions.
func (k ModelKind) PrimaryMetric() string {
	if k == KindForecaster {
		return MetricForecastScore
	}
	return MetricAccuracy
}

// TimeRange bounds a slice of training data.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ModelVersion is one row of the model registry.
type ModelVersion struct {
	Kind              ModelKind          `json:"kind"`
	VersionID         string             `json:"version_id"`
	TrainedAt         time.Time          `json:"trained_at"`
	TrainingDataRange TimeRange          `json:"training_data_range"`
	EvaluationMetrics map[string]float64 `json:"evaluation_metrics"`
	EncodingVersion   string             `json:"encoding_version,omitempty"`
	Active            bool               `json:"active"`
}

// Primary returns the version's primary metric value.
func (v ModelVersion) Primary() float64 {
	return v.EvaluationMetrics[v.Kind.PrimaryMetric()]
}

// FeedbackRecord is an append-only analyst submission.
type FeedbackRecord struct {
	ID             string    `json:"id"`
	Seq            uint64    `json:"seq"`
	IncidentID     string    `json:"incident_id"`
	AnalystID      string    `json:"analyst_id"`
	CorrectedLabel *Labels   `json:"corrected_label,omitempty"`
	PlaybookRating *int      `json:"playbook_rating,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// RetrainState is the per-kind retraining lifecycle state.
type RetrainState string

const (
	StateActive            RetrainState = "ACTIVE"
	StateCandidateTraining RetrainState = "CANDIDATE_TRAINING"
	StateEvaluating        RetrainState = "EVALUATING"
	StatePromoted          RetrainState = "PROMOTED"
	StateRejected          RetrainState = "REJECTED"
)

// Idle reports whether a new cycle may start from s.
func (s RetrainState) Idle() bool {
	return s == StateActive || s == StatePromoted || s == StateRejected
}

// RetrainEvent is recorded for every cycle outcome and review notice.
// FeedbackSeq is the feedback high-water mark the cycle consumed.
type RetrainEvent struct {
	ID               string             `json:"id"`
	Kind             string             `json:"kind"`
	Trigger          string             `json:"trigger"`
	State            RetrainState       `json:"state,omitempty"`
	CandidateVersion string             `json:"candidate_version,omitempty"`
	ActiveVersion    string             `json:"active_version,omitempty"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	Error            string             `json:"error,omitempty"`
	FeedbackSeq      uint64             `json:"feedback_seq"`
	At               time.Time          `json:"at"`
}

// IncidentStatus is the lifecycle status surfaced for each incident.
type IncidentStatus string

const (
	StatusPending        IncidentStatus = "pending"
	StatusRetrying       IncidentStatus = "retrying"
	StatusPublished      IncidentStatus = "published"
	StatusDuplicate      IncidentStatus = "duplicate"
	StatusCancelled      IncidentStatus = "cancelled"
	StatusManualReview   IncidentStatus = "needs-manual-review"
	StatusNoForecast     IncidentStatus = "no-forecast-yet"
	StatusForecastPosted IncidentStatus = "forecast-published"
)

// Terminal reports whether no further processing follows s.
func (s IncidentStatus) Terminal() bool {
	switch s {
	case StatusPublished, StatusDuplicate, StatusCancelled, StatusManualReview:
		return true
	}
	return false
}

// ResultRecord is the persisted per-incident result, keyed by incident id.
// It backs idempotent republish and supplies retraining examples.
type ResultRecord struct {
	IncidentID     string                `json:"incident_id"`
	Incident       IncidentRecord        `json:"incident"`
	Status         IncidentStatus        `json:"status"`
	Classification *ClassificationResult `json:"classification,omitempty"`
	Playbook       *Playbook             `json:"playbook,omitempty"`
	Attempts       int                   `json:"attempts"`
	LastError      string                `json:"last_error,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
}
