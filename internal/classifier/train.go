package classifier

import (
	"fmt"
	"sort"

	"github.com/miradorstack/mirador-triage/internal/encoding"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Example is one labeled training or evaluation row.
type Example struct {
	IncidentID string
	Vector     models.FeatureVector
	Labels     models.Labels
}

// LabeledRecord pairs an incident with the labels to learn from it.
type LabeledRecord struct {
	Record models.IncidentRecord
	Labels models.Labels
}

// EncodeExamples encodes records under enc. Records that fail to encode are
// skipped and counted.
func EncodeExamples(enc *encoding.Version, records []LabeledRecord) ([]Example, int) {
	out := make([]Example, 0, len(records))
	skipped := 0
	for _, lr := range records {
		fv, err := encoding.Encode(lr.Record, enc)
		if err != nil || lr.Labels.Empty() {
			skipped++
			continue
		}
		out = append(out, Example{IncidentID: lr.Record.ID, Vector: fv, Labels: lr.Labels})
	}
	return out, skipped
}

// Train fits per-head centroids. Heads with no labeled examples stay empty
// and predict an empty label.
func Train(versionID string, enc *encoding.Version, examples []Example, temperature float64) (*Model, error) {
	if enc == nil {
		return nil, utils.NewAppError("classifier.Train", "encoding required", models.ErrInvalid)
	}
	if len(examples) == 0 {
		return nil, utils.NewAppError("classifier.Train", "no training examples", models.ErrInvalid)
	}
	dim := enc.Dim()
	for _, ex := range examples {
		if ex.Vector.EncodingVersion != enc.ID || len(ex.Vector.Values) != dim {
			return nil, utils.NewAppError("classifier.Train",
				fmt.Sprintf("example %s not encoded under %s", ex.IncidentID, enc.ID), models.ErrEncoding)
		}
	}
	if temperature <= 0 {
		temperature = 1
	}

	m := &Model{
		VersionID:       versionID,
		EncodingVersion: enc.ID,
		Dim:             dim,
		Temperature:     temperature,
		Category:        fitHead(HeadCategory, dim, examples, func(l models.Labels) string { return l.Category }),
		Grade:           fitHead(HeadGrade, dim, examples, func(l models.Labels) string { return l.Grade }),
		Technique:       fitHead(HeadTechnique, dim, examples, func(l models.Labels) string { return l.Technique }),
		Encoding:        enc,
	}
	if len(m.Category.Labels) == 0 {
		return nil, utils.NewAppError("classifier.Train", "no category labels in training set", models.ErrInvalid)
	}
	return m, nil
}

func fitHead(name string, dim int, examples []Example, pick func(models.Labels) string) Head {
	sums := make(map[string][]float64)
	counts := make(map[string]int)
	for _, ex := range examples {
		label := pick(ex.Labels)
		if label == "" {
			continue
		}
		sum, ok := sums[label]
		if !ok {
			sum = make([]float64, dim)
			sums[label] = sum
		}
		for i, x := range ex.Vector.Values {
			sum[i] += x
		}
		counts[label]++
	}

	labels := make([]string, 0, len(sums))
	for label := range sums {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	head := Head{Name: name, Labels: labels, Centroids: make([][]float64, len(labels))}
	for i, label := range labels {
		c := sums[label]
		n := float64(counts[label])
		for j := range c {
			c[j] /= n
		}
		head.Centroids[i] = c
	}
	return head
}

// Evaluate scores m on examples. "accuracy" is the mean of the per-head
// accuracies over heads that have labeled examples.
func Evaluate(m *Model, examples []Example) map[string]float64 {
	type tally struct{ hit, total int }
	var cat, grade, tech tally
	for _, ex := range examples {
		res, err := m.Predict(ex.IncidentID, ex.Vector)
		if err != nil {
			continue
		}
		score := func(t *tally, want, got string) {
			if want == "" {
				return
			}
			t.total++
			if want == got {
				t.hit++
			}
		}
		score(&cat, ex.Labels.Category, res.Category.Label)
		score(&grade, ex.Labels.Grade, res.Grade.Label)
		score(&tech, ex.Labels.Technique, res.Technique.Label)
	}

	metrics := map[string]float64{"examples": float64(len(examples))}
	var sum float64
	var heads int
	for _, h := range []struct {
		name string
		t    tally
	}{{HeadCategory, cat}, {HeadGrade, grade}, {HeadTechnique, tech}} {
		name, t := h.name, h.t
		if t.total == 0 {
			continue
		}
		acc := float64(t.hit) / float64(t.total)
		metrics[name+"_accuracy"] = acc
		sum += acc
		heads++
	}
	if heads > 0 {
		metrics[models.MetricAccuracy] = sum / float64(heads)
	} else {
		metrics[models.MetricAccuracy] = 0
	}
	return metrics
}
