package classifier

import (
	"context"

	"github.com/miradorstack/mirador-triage/internal/encoding"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/registry"
)

// Registry is the versioned store of classifier models.
type Registry = registry.Registry[*Model]

// NewRegistry builds an empty classifier registry.
func NewRegistry() *Registry {
	return registry.New[*Model](string(models.KindClassifier))
}

// Service classifies incidents against the active classifier version.
type Service struct {
	reg *Registry
}

// NewService wires a Service to reg.
func NewService(reg *Registry) *Service {
	return &Service{reg: reg}
}

// Predict scores an already encoded vector with the active version.
func (s *Service) Predict(incidentID string, fv models.FeatureVector) (models.ClassificationResult, error) {
	h, err := s.reg.Active()
	if err != nil {
		return models.ClassificationResult{}, err
	}
	return h.Value.Predict(incidentID, fv)
}

// Classify resolves the active handle once, then encodes and predicts with
// the model and encoding captured by that handle.
func (s *Service) Classify(ctx context.Context, record models.IncidentRecord) (models.ClassificationResult, error) {
	if err := ctx.Err(); err != nil {
		return models.ClassificationResult{}, err
	}
	h, err := s.reg.Active()
	if err != nil {
		return models.ClassificationResult{}, err
	}
	fv, err := encoding.Encode(record, h.Value.Encoding)
	if err != nil {
		return models.ClassificationResult{}, err
	}
	return h.Value.Predict(record.ID, fv)
}

// ActiveVersion returns the active version id or "".
func (s *Service) ActiveVersion() string {
	return s.reg.ActiveID()
}
