// Package forecaster predicts incident volume from hourly counts with an
// additive Holt-Winters model (level, trend and a daily season).
package forecaster

import (
	"fmt"
	"math"
	"time"

	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Model holds the fixed smoothing parameters of one forecaster version.
type Model struct {
	VersionID  string        `json:"version_id"`
	Alpha      float64       `json:"alpha"`
	Beta       float64       `json:"beta"`
	Gamma      float64       `json:"gamma"`
	Season     int           `json:"season"`
	Interval   time.Duration `json:"interval"`
	MinHistory time.Duration `json:"min_history"`
}

// MinPoints is the number of grid points the model needs before forecasting.
func (m *Model) MinPoints() int {
	n := int(m.MinHistory / m.Interval)
	if floor := 2 * m.Season; n < floor {
		n = floor
	}
	return n
}

// Forecast predicts horizon/Interval points following the last history point.
// Histories shorter than MinHistory, off-grid or not strictly increasing fail
// with models.ErrInsufficientHistory.
func (m *Model) Forecast(history []models.CountPoint, horizon time.Duration) (models.ForecastResult, error) {
	if err := m.validate(history); err != nil {
		return models.ForecastResult{}, err
	}
	steps := int(horizon / m.Interval)
	if steps <= 0 {
		return models.ForecastResult{}, utils.NewAppError("forecaster.Forecast",
			fmt.Sprintf("horizon %s shorter than interval %s", horizon, m.Interval), models.ErrInvalid)
	}

	values := make([]float64, len(history))
	for i, p := range history {
		values[i] = p.Count
	}
	predicted := m.project(values, steps)

	last := history[len(history)-1].Timestamp
	points := make([]models.CountPoint, steps)
	for i, v := range predicted {
		points[i] = models.CountPoint{Timestamp: last.Add(time.Duration(i+1) * m.Interval), Count: v}
	}
	return models.ForecastResult{
		WindowStart:  history[0].Timestamp,
		WindowEnd:    last,
		Horizon:      horizon,
		Interval:     m.Interval,
		Predicted:    points,
		ModelVersion: m.VersionID,
	}, nil
}

func (m *Model) validate(history []models.CountPoint) error {
	if len(history) < m.MinPoints() {
		return utils.NewAppError("forecaster.Forecast",
			fmt.Sprintf("history has %d points, need %d", len(history), m.MinPoints()), models.ErrInsufficientHistory)
	}
	for i := 1; i < len(history); i++ {
		step := history[i].Timestamp.Sub(history[i-1].Timestamp)
		if step <= 0 {
			return utils.NewAppError("forecaster.Forecast",
				fmt.Sprintf("history not strictly increasing at %d", i), models.ErrInsufficientHistory)
		}
		if step != m.Interval {
			return utils.NewAppError("forecaster.Forecast",
				fmt.Sprintf("history gap of %s at %d, expected %s", step, i, m.Interval), models.ErrInsufficientHistory)
		}
	}
	return nil
}

// project runs the smoothing recursion over values and extrapolates steps
// points, clamped at zero.
func (m *Model) project(values []float64, steps int) []float64 {
	level, trend, season := m.smooth(values, nil)
	n := len(values)
	out := make([]float64, steps)
	for h := 1; h <= steps; h++ {
		v := level + float64(h)*trend + season[(n+h-1)%m.Season]
		out[h-1] = math.Max(0, v)
	}
	return out
}

// smooth returns the final state. When sse is non-nil it accumulates the
// squared one-step-ahead errors.
func (m *Model) smooth(values []float64, sse *float64) (float64, float64, []float64) {
	s := m.Season
	level := mean(values[:s])
	trend := (mean(values[s:2*s]) - level) / float64(s)
	season := make([]float64, s)
	for i := 0; i < s; i++ {
		season[i] = values[i] - level
	}

	for t := s; t < len(values); t++ {
		x := values[t]
		idx := t % s
		if sse != nil {
			e := x - (level + trend + season[idx])
			*sse += e * e
		}
		prevLevel := level
		level = m.Alpha*(x-season[idx]) + (1-m.Alpha)*(level+trend)
		trend = m.Beta*(level-prevLevel) + (1-m.Beta)*trend
		season[idx] = m.Gamma*(x-level) + (1-m.Gamma)*season[idx]
	}
	return level, trend, season
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
