package classifier

import (
	"fmt"
	"math"

	"github.com/miradorstack/mirador-triage/internal/encoding"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Head names.
const (
	HeadCategory  = "category"
	HeadGrade     = "grade"
	HeadTechnique = "technique"
)

// Head is a nearest-centroid predictor for one label dimension.
type Head struct {
	Name      string      `json:"name"`
	Labels    []string    `json:"labels"`
	Centroids [][]float64 `json:"centroids"`
}

// Model holds the parameters of one classifier version. It is bound to the
// encoding it was trained under and is never mutated after registration.
type Model struct {
	VersionID       string  `json:"version_id"`
	EncodingVersion string  `json:"encoding_version"`
	Dim             int     `json:"dim"`
	Temperature     float64 `json:"temperature"`
	Category        Head    `json:"category"`
	Grade           Head    `json:"grade"`
	Technique       Head    `json:"technique"`

	Encoding *encoding.Version `json:"-"`
}

// Bind attaches the encoding referenced by EncodingVersion.
func (m *Model) Bind(enc *encoding.Version) error {
	if enc == nil || enc.ID != m.EncodingVersion {
		return fmt.Errorf("classifier %s: encoding %s required", m.VersionID, m.EncodingVersion)
	}
	if enc.Dim() != m.Dim {
		return fmt.Errorf("classifier %s: encoding %s has dim %d, model expects %d", m.VersionID, enc.ID, enc.Dim(), m.Dim)
	}
	m.Encoding = enc
	return nil
}

// Predict scores a vector against every head. It is a pure function of the
// model and the vector.
func (m *Model) Predict(incidentID string, fv models.FeatureVector) (models.ClassificationResult, error) {
	if fv.EncodingVersion != m.EncodingVersion {
		return models.ClassificationResult{}, utils.NewAppError("classifier.Predict",
			fmt.Sprintf("vector encoded with %s, model %s uses %s", fv.EncodingVersion, m.VersionID, m.EncodingVersion), models.ErrEncoding)
	}
	if len(fv.Values) != m.Dim {
		return models.ClassificationResult{}, utils.NewAppError("classifier.Predict",
			fmt.Sprintf("vector length %d, model expects %d", len(fv.Values), m.Dim), models.ErrEncoding)
	}
	return models.ClassificationResult{
		IncidentID:      incidentID,
		Category:        m.Category.predict(fv.Values, m.Temperature),
		Grade:           m.Grade.predict(fv.Values, m.Temperature),
		Technique:       m.Technique.predict(fv.Values, m.Temperature),
		ModelVersion:    m.VersionID,
		EncodingVersion: m.EncodingVersion,
	}, nil
}

func (h Head) predict(x []float64, temperature float64) models.LabelPrediction {
	if len(h.Labels) == 0 {
		return models.LabelPrediction{}
	}
	if temperature <= 0 {
		temperature = 1
	}

	logits := make([]float64, len(h.Labels))
	maxLogit := math.Inf(-1)
	for i, c := range h.Centroids {
		logits[i] = -squaredDistance(x, c) / temperature
		if logits[i] > maxLogit {
			maxLogit = logits[i]
		}
	}

	var sum float64
	for i := range logits {
		logits[i] = math.Exp(logits[i] - maxLogit)
		sum += logits[i]
	}

	best := 0
	scores := make(map[string]float64, len(h.Labels))
	for i, label := range h.Labels {
		p := logits[i] / sum
		scores[label] = p
		if p > logits[best]/sum {
			best = i
		}
	}
	return models.LabelPrediction{Label: h.Labels[best], Confidence: scores[h.Labels[best]], Scores: scores}
}

func squaredDistance(a, b []float64) float64 {
	var d float64
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return d
}
