package models

import "time"

// LabelPrediction is the output of a single classifier head.
type LabelPrediction struct {
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores,omitempty"`
}

// ClassificationResult is immutable once produced. Analyst corrections
// supersede it through FeedbackRecord, never by mutation.
type ClassificationResult struct {
	IncidentID      string          `json:"incident_id"`
	Category        LabelPrediction `json:"category"`
	Grade           LabelPrediction `json:"grade"`
	Technique       LabelPrediction `json:"technique"`
	ModelVersion    string          `json:"model_version"`
	EncodingVersion string          `json:"encoding_version"`
}

// Labels returns the predicted label triple.
func (c ClassificationResult) Labels() Labels {
	return Labels{Category: c.Category.Label, Grade: c.Grade.Label, Technique: c.Technique.Label}
}

// CountPoint is one sub-interval of historical incident volume.
type CountPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Count     float64   `json:"count"`
}

// ForecastResult is a predicted volume series for the horizon following WindowEnd.
type ForecastResult struct {
	WindowStart  time.Time     `json:"window_start"`
	WindowEnd    time.Time     `json:"window_end"`
	Horizon      time.Duration `json:"horizon"`
	Interval     time.Duration `json:"interval"`
	Predicted    []CountPoint  `json:"predicted"`
	ModelVersion string        `json:"model_version"`
}

// EntityKind names the type of a remediation target.
type EntityKind string

const (
	EntityIncident EntityKind = "incident"
	EntityAccount  EntityKind = "account"
	EntityDevice   EntityKind = "device"
	EntityIP       EntityKind = "ip"
)

// Entity is an addressable object drawn from the incident context.
type Entity struct {
	Kind  EntityKind `json:"kind"`
	Value string     `json:"value"`
}

// RemediationStep is one action of a playbook.
type RemediationStep struct {
	Action    string `json:"action"`
	Rationale string `json:"rationale,omitempty"`
	Target    Entity `json:"target"`
}

// PlaybookSource records which path produced a playbook.
type PlaybookSource string

const (
	PlaybookGenerative PlaybookSource = "generative"
	PlaybookStatic     PlaybookSource = "static"
)

// PlaybookKey identifies the classification a playbook answers.
type PlaybookKey struct {
	Category  string `json:"category"`
	Grade     string `json:"grade"`
	Technique string `json:"technique"`
}

// Playbook is an ordered remediation plan. Playbooks are regenerable and not
// canonical; two generations for the same key may differ.
type Playbook struct {
	IncidentID  string            `json:"incident_id"`
	Key         PlaybookKey       `json:"key"`
	Steps       []RemediationStep `json:"steps"`
	Source      PlaybookSource    `json:"source"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// PlaybookContext is the free-form context handed to the generator.
type PlaybookContext struct {
	Entities       []Entity          `json:"entities"`
	AlertTitle     string            `json:"alert_title,omitempty"`
	ThreatFamily   string            `json:"threat_family,omitempty"`
	TechniqueHints []string          `json:"technique_hints,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// HasEntity reports whether e is one of the context entities.
func (c PlaybookContext) HasEntity(e Entity) bool {
	for _, candidate := range c.Entities {
		if candidate == e {
			return true
		}
	}
	return false
}

// FirstEntity returns the first context entity of kind, falling back to the
// first entity of any kind.
func (c PlaybookContext) FirstEntity(kind EntityKind) (Entity, bool) {
	for _, e := range c.Entities {
		if e.Kind == kind {
			return e, true
		}
	}
	if len(c.Entities) > 0 {
		return c.Entities[0], true
	}
	return Entity{}, false
}
