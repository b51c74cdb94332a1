package forecaster

import (
	"time"

	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/registry"
)

// Registry is the versioned store of forecaster models.
type Registry = registry.Registry[*Model]

// NewRegistry builds an empty forecaster registry.
func NewRegistry() *Registry {
	return registry.New[*Model](string(models.KindForecaster))
}

// Service forecasts with the active forecaster version.
type Service struct {
	reg *Registry
}

// NewService wires a Service to reg.
func NewService(reg *Registry) *Service {
	return &Service{reg: reg}
}

// Forecast resolves the active version and forecasts history over horizon.
func (s *Service) Forecast(history []models.CountPoint, horizon time.Duration) (models.ForecastResult, error) {
	h, err := s.reg.Active()
	if err != nil {
		return models.ForecastResult{}, err
	}
	return h.Value.Forecast(history, horizon)
}
