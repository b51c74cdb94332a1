package models

import (
	"strconv"
	"time"
)

// Field names understood by the feature encoder. Attribute keys outside this
// list are still addressable through IncidentRecord.Attributes.
const (
	FieldAccount      = "account"
	FieldDevice       = "device"
	FieldIPAddress    = "ipaddress"
	FieldCountry      = "countrycode"
	FieldHour         = "hour"
	FieldAlertTitle   = "alerttitle"
	FieldEvidenceRole = "evidencerole"
	FieldThreatFamily = "threatfamily"
	FieldDetector     = "detectorid"
	FieldEntityType   = "entitytype"
)

// IncidentRecord is a security-relevant event as delivered by ingestion.
// The pipeline treats it as read-only.
type IncidentRecord struct {
	ID           string             `json:"id"`
	Timestamp    time.Time          `json:"timestamp"`
	Account      string             `json:"account,omitempty"`
	Device       string             `json:"device,omitempty"`
	IPAddress    string             `json:"ip_address,omitempty"`
	CountryCode  string             `json:"country_code,omitempty"`
	AlertTitle   string             `json:"alert_title,omitempty"`
	EvidenceRole string             `json:"evidence_role,omitempty"`
	ThreatFamily string             `json:"threat_family,omitempty"`
	DetectorID   string             `json:"detector_id,omitempty"`
	EntityType   string             `json:"entity_type,omitempty"`
	Attributes   map[string]string  `json:"attributes,omitempty"`
	Numeric      map[string]float64 `json:"numeric,omitempty"`
	FreeText     map[string]string  `json:"free_text,omitempty"`

	// Labels carries source-provided ground truth for labeled datasets.
	// It is never read by the encoder.
	Labels *Labels `json:"labels,omitempty"`
}

// Labels is the triple predicted by the classifier heads.
type Labels struct {
	Category  string `json:"category,omitempty"`
	Grade     string `json:"grade,omitempty"`
	Technique string `json:"technique,omitempty"`
}

// Empty reports whether no label dimension is set.
func (l Labels) Empty() bool {
	return l.Category == "" && l.Grade == "" && l.Technique == ""
}

// Merge returns l with every empty dimension filled from fallback.
func (l Labels) Merge(fallback Labels) Labels {
	if l.Category == "" {
		l.Category = fallback.Category
	}
	if l.Grade == "" {
		l.Grade = fallback.Grade
	}
	if l.Technique == "" {
		l.Technique = fallback.Technique
	}
	return l
}

// Field resolves a categorical field by name. The hour of day is derived from
// the timestamp in UTC.
func (r IncidentRecord) Field(name string) (string, bool) {
	var v string
	switch name {
	case FieldAccount:
		v = r.Account
	case FieldDevice:
		v = r.Device
	case FieldIPAddress:
		v = r.IPAddress
	case FieldCountry:
		v = r.CountryCode
	case FieldAlertTitle:
		v = r.AlertTitle
	case FieldEvidenceRole:
		v = r.EvidenceRole
	case FieldThreatFamily:
		v = r.ThreatFamily
	case FieldDetector:
		v = r.DetectorID
	case FieldEntityType:
		v = r.EntityType
	case FieldHour:
		if r.Timestamp.IsZero() {
			return "", false
		}
		return strconv.Itoa(r.Timestamp.UTC().Hour()), true
	default:
		v = r.Attributes[name]
	}
	return v, v != ""
}

// Number resolves a numeric field by name.
func (r IncidentRecord) Number(name string) (float64, bool) {
	if name == FieldHour {
		if r.Timestamp.IsZero() {
			return 0, false
		}
		return float64(r.Timestamp.UTC().Hour()), true
	}
	v, ok := r.Numeric[name]
	return v, ok
}

// Text resolves a free-text field by name. The alert title doubles as text.
func (r IncidentRecord) Text(name string) (string, bool) {
	if name == FieldAlertTitle {
		return r.AlertTitle, r.AlertTitle != ""
	}
	v, ok := r.FreeText[name]
	return v, ok && v != ""
}

// Entities lists the addressable entities of the incident, always starting
// with the incident itself.
func (r IncidentRecord) Entities() []Entity {
	entities := []Entity{{Kind: EntityIncident, Value: r.ID}}
	add := func(kind EntityKind, value string) {
		if value != "" {
			entities = append(entities, Entity{Kind: kind, Value: value})
		}
	}
	add(EntityAccount, r.Account)
	add(EntityDevice, r.Device)
	add(EntityIP, r.IPAddress)
	return entities
}

// FeatureVector is the numeric encoding of an incident under one encoding version.
type FeatureVector struct {
	EncodingVersion string    `json:"encoding_version"`
	Values          []float64 `json:"values"`
	// UnknownFields lists categorical fields that fell into the unknown bucket.
	UnknownFields []string `json:"unknown_fields,omitempty"`
}

// Len returns the vector dimensionality.
func (f FeatureVector) Len() int { return len(f.Values) }
