package forecaster

import (
	"fmt"
	"math"
	"time"

	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// DefaultSeason is one day of hourly points.
const DefaultSeason = 24

var (
	alphaGrid = []float64{0.1, 0.2, 0.3, 0.5, 0.7, 0.9}
	betaGrid  = []float64{0.01, 0.05, 0.1, 0.2}
	gammaGrid = []float64{0.05, 0.1, 0.3, 0.5}
)

// Config carries the non-learned settings of a forecaster version.
type Config struct {
	Season     int
	Interval   time.Duration
	MinHistory time.Duration
}

func (c Config) withDefaults() Config {
	if c.Season <= 0 {
		c.Season = DefaultSeason
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	return c
}

// Train grid-searches (alpha, beta, gamma) minimising the one-step squared
// error on all but the trailing season, then scores the winner on that
// held-out season. The search order is fixed so results are reproducible.
func Train(versionID string, history []models.CountPoint, cfg Config) (*Model, map[string]float64, error) {
	cfg = cfg.withDefaults()
	probe := &Model{VersionID: versionID, Season: cfg.Season, Interval: cfg.Interval, MinHistory: cfg.MinHistory}
	if err := probe.validate(history); err != nil {
		return nil, nil, err
	}
	if len(history) < 3*cfg.Season {
		return nil, nil, utils.NewAppError("forecaster.Train",
			fmt.Sprintf("need %d points to train, have %d", 3*cfg.Season, len(history)), models.ErrInsufficientHistory)
	}

	values := counts(history)
	train := values[:len(values)-cfg.Season]

	best := *probe
	bestSSE := math.Inf(1)
	for _, a := range alphaGrid {
		for _, b := range betaGrid {
			for _, g := range gammaGrid {
				candidate := Model{Alpha: a, Beta: b, Gamma: g, Season: cfg.Season}
				var sse float64
				candidate.smooth(train, &sse)
				if sse < bestSSE {
					bestSSE = sse
					best.Alpha, best.Beta, best.Gamma = a, b, g
				}
			}
		}
	}

	m := best
	metrics, err := Evaluate(&m, history)
	if err != nil {
		return nil, nil, err
	}
	metrics["train_sse"] = bestSSE
	return &m, metrics, nil
}

// Evaluate forecasts the trailing season of history from the points before
// it and reports mean absolute error and score = 1/(1+mae).
func Evaluate(m *Model, history []models.CountPoint) (map[string]float64, error) {
	if len(history) < 3*m.Season {
		return nil, utils.NewAppError("forecaster.Evaluate",
			fmt.Sprintf("need %d points to evaluate, have %d", 3*m.Season, len(history)), models.ErrInsufficientHistory)
	}
	values := counts(history)
	split := len(values) - m.Season
	predicted := m.project(values[:split], m.Season)

	var abs float64
	for i, p := range predicted {
		abs += math.Abs(values[split+i] - p)
	}
	mae := abs / float64(m.Season)
	return map[string]float64{
		models.MetricMAE:           mae,
		models.MetricForecastScore: 1 / (1 + mae),
	}, nil
}

func counts(history []models.CountPoint) []float64 {
	out := make([]float64, len(history))
	for i, p := range history {
		out[i] = p.Count
	}
	return out
}

// Baseline returns an untrained version with fixed mid-range parameters so a
// forecaster is available before enough history exists to train one.
func Baseline(versionID string, cfg Config) *Model {
	cfg = cfg.withDefaults()
	return &Model{
		VersionID:  versionID,
		Alpha:      0.3,
		Beta:       0.05,
		Gamma:      0.1,
		Season:     cfg.Season,
		Interval:   cfg.Interval,
		MinHistory: cfg.MinHistory,
	}
}
