package forecaster

import (
	"math"

	"github.com/miradorstack/mirador-triage/internal/models"
)

// Spike is an interval whose count stands out from the window.
type Spike struct {
	Point     models.CountPoint `json:"point"`
	Score     float64           `json:"score"`
	Threshold float64           `json:"threshold"`
}

// DetectSpikes flags points whose z-score against the window meets threshold.
func DetectSpikes(series []models.CountPoint, threshold float64) []Spike {
	if len(series) == 0 {
		return nil
	}
	if threshold <= 0 {
		threshold = 3
	}

	mean := 0.0
	for _, p := range series {
		mean += p.Count
	}
	mean /= float64(len(series))

	variance := 0.0
	for _, p := range series {
		variance += math.Pow(p.Count-mean, 2)
	}
	stdDev := math.Sqrt(variance / float64(len(series)))
	if stdDev == 0 {
		return nil
	}

	var spikes []Spike
	for _, p := range series {
		if score := (p.Count - mean) / stdDev; score >= threshold {
			spikes = append(spikes, Spike{Point: p, Score: score, Threshold: threshold})
		}
	}
	return spikes
}
