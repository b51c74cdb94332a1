package encoding

import (
	"fmt"

	"github.com/miradorstack/mirador-triage/internal/models"
)

// FieldKind selects how a field is laid out in the vector.
type FieldKind string

const (
	Categorical FieldKind = "categorical"
	Numeric     FieldKind = "numeric"
	Cyclic      FieldKind = "cyclic"
	Text        FieldKind = "text"
)

// FieldSpec describes one encoder input.
type FieldSpec struct {
	Name       string    `json:"name" yaml:"name"`
	Kind       FieldKind `json:"kind" yaml:"kind"`
	Required   bool      `json:"required,omitempty" yaml:"required"`
	ImputeMode bool      `json:"impute_mode,omitempty" yaml:"imputeMode"`
	// Period applies to cyclic fields.
	Period float64 `json:"period,omitempty" yaml:"period"`
}

// Schema is the input layout a version is fitted against.
type Schema struct {
	Fields        []FieldSpec `json:"fields"`
	TextBuckets   int         `json:"text_buckets"`
	ProjectionDim int         `json:"projection_dim,omitempty"`
	Seed          int64       `json:"seed"`
}

// DefaultSchema returns the incident layout used by the classifier.
func DefaultSchema(required []string, textBuckets, projectionDim int, seed int64) Schema {
	fields := []FieldSpec{
		{Name: models.FieldAlertTitle, Kind: Categorical},
		{Name: models.FieldDetector, Kind: Categorical},
		{Name: models.FieldEvidenceRole, Kind: Categorical, ImputeMode: true},
		{Name: models.FieldEntityType, Kind: Categorical, ImputeMode: true},
		{Name: models.FieldThreatFamily, Kind: Categorical},
		{Name: models.FieldCountry, Kind: Categorical},
		{Name: models.FieldHour, Kind: Cyclic, Period: 24},
		{Name: models.FieldAlertTitle, Kind: Text},
	}
	req := make(map[string]bool, len(required))
	for _, name := range required {
		req[name] = true
	}
	for i := range fields {
		if req[fields[i].Name] {
			fields[i].Required = true
		}
	}
	if textBuckets <= 0 {
		textBuckets = 32
	}
	return Schema{Fields: fields, TextBuckets: textBuckets, ProjectionDim: projectionDim, Seed: seed}
}

// Validate checks the schema is encodable.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema has no fields")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		key := string(f.Kind) + ":" + f.Name
		if seen[key] {
			return fmt.Errorf("duplicate field %s", key)
		}
		seen[key] = true
		switch f.Kind {
		case Categorical, Numeric, Text:
		case Cyclic:
			if f.Period <= 0 {
				return fmt.Errorf("cyclic field %s needs a positive period", f.Name)
			}
		default:
			return fmt.Errorf("field %s: unknown kind %q", f.Name, f.Kind)
		}
	}
	if s.ProjectionDim < 0 {
		return fmt.Errorf("projection dim must not be negative")
	}
	return nil
}
