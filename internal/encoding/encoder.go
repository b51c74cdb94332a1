package encoding

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Version is a fitted, immutable encoding. Values only change by fitting a
// new version under a new id.
type Version struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Schema    Schema    `json:"schema"`

	// Vocab holds the sorted fitted values per categorical field.
	Vocab map[string][]string `json:"vocab"`
	// Modes holds the most frequent fitted value per categorical field.
	Modes map[string]string  `json:"modes,omitempty"`
	Means map[string]float64 `json:"means,omitempty"`
	Stds  map[string]float64 `json:"stds,omitempty"`
	// Projection is a ProjectionDim x RawDim matrix, empty when disabled.
	Projection [][]float64 `json:"projection,omitempty"`
	RawDim     int         `json:"raw_dim"`

	once  sync.Once
	index map[string]map[string]int
}

// Dim is the length of every vector produced by this version.
func (v *Version) Dim() int {
	if len(v.Projection) > 0 {
		return len(v.Projection)
	}
	return v.RawDim
}

func (v *Version) lookup(field, value string) (int, bool) {
	v.once.Do(func() {
		v.index = make(map[string]map[string]int, len(v.Vocab))
		for name, values := range v.Vocab {
			idx := make(map[string]int, len(values))
			for i, value := range values {
				idx[value] = i
			}
			v.index[name] = idx
		}
	})
	i, ok := v.index[field][value]
	return i, ok
}

// Fit derives a new version from records under schema.
func Fit(id string, records []models.IncidentRecord, schema Schema, now time.Time) (*Version, error) {
	if id == "" {
		return nil, utils.NewAppError("encoding.Fit", "version id required", models.ErrInvalid)
	}
	if err := schema.Validate(); err != nil {
		return nil, utils.NewAppError("encoding.Fit", "invalid schema", err)
	}
	if len(records) == 0 {
		return nil, utils.NewAppError("encoding.Fit", "no records to fit", models.ErrInvalid)
	}

	v := &Version{
		ID:        id,
		CreatedAt: now.UTC(),
		Schema:    schema,
		Vocab:     make(map[string][]string),
		Modes:     make(map[string]string),
		Means:     make(map[string]float64),
		Stds:      make(map[string]float64),
	}

	for _, f := range schema.Fields {
		switch f.Kind {
		case Categorical:
			counts := make(map[string]int)
			for _, r := range records {
				raw, _ := r.Field(f.Name)
				if value := canonical(raw); value != "" {
					counts[value]++
				}
			}
			values := make([]string, 0, len(counts))
			for value := range counts {
				values = append(values, value)
			}
			sort.Strings(values)
			v.Vocab[f.Name] = values
			if mode := modeOf(values, counts); mode != "" {
				v.Modes[f.Name] = mode
			}
			v.RawDim += len(values) + 1
		case Numeric:
			var sum, sumSq float64
			var n int
			for _, r := range records {
				if x, ok := r.Number(f.Name); ok {
					sum += x
					sumSq += x * x
					n++
				}
			}
			mean, std := 0.0, 1.0
			if n > 0 {
				mean = sum / float64(n)
				if variance := sumSq/float64(n) - mean*mean; variance > 1e-12 {
					std = math.Sqrt(variance)
				}
			}
			v.Means[f.Name] = mean
			v.Stds[f.Name] = std
			v.RawDim++
		case Cyclic:
			v.RawDim += 2
		case Text:
			v.RawDim += schema.TextBuckets
		}
	}

	if schema.ProjectionDim > 0 {
		v.Projection = projectionMatrix(schema.ProjectionDim, v.RawDim, schema.Seed)
	}
	return v, nil
}

// modeOf picks the most frequent value; ties resolve to the lexically smallest.
func modeOf(sorted []string, counts map[string]int) string {
	best, bestCount := "", 0
	for _, value := range sorted {
		if counts[value] > bestCount {
			best, bestCount = value, counts[value]
		}
	}
	return best
}

func projectionMatrix(rows, cols int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	scale := 1 / math.Sqrt(float64(rows))
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
		for j := range out[i] {
			out[i][j] = rng.NormFloat64() * scale
		}
	}
	return out
}

// Encode maps a record onto the vector layout of v. It is pure: the same
// record and version always produce an identical vector.
func Encode(r models.IncidentRecord, v *Version) (models.FeatureVector, error) {
	if v == nil {
		return models.FeatureVector{}, utils.NewAppError("encoding.Encode", "nil encoding version", models.ErrEncoding)
	}

	raw := make([]float64, 0, v.RawDim)
	var unknown []string

	for _, f := range v.Schema.Fields {
		switch f.Kind {
		case Categorical:
			vocab := v.Vocab[f.Name]
			slots := make([]float64, len(vocab)+1)
			value, _ := r.Field(f.Name)
			value = canonical(value)
			if value == "" && f.ImputeMode {
				value = v.Modes[f.Name]
			}
			if value == "" && f.Required {
				return models.FeatureVector{}, missing(f.Name)
			}
			if value != "" {
				if i, ok := v.lookup(f.Name, value); ok {
					slots[i] = 1
				} else {
					slots[len(vocab)] = 1
					unknown = append(unknown, f.Name)
				}
			}
			raw = append(raw, slots...)
		case Numeric:
			x, ok := r.Number(f.Name)
			if !ok {
				if f.Required {
					return models.FeatureVector{}, missing(f.Name)
				}
				x = v.Means[f.Name]
			}
			raw = append(raw, (x-v.Means[f.Name])/v.Stds[f.Name])
		case Cyclic:
			x, ok := r.Number(f.Name)
			if !ok {
				if f.Required {
					return models.FeatureVector{}, missing(f.Name)
				}
				raw = append(raw, 0, 0)
				continue
			}
			angle := 2 * math.Pi * x / f.Period
			raw = append(raw, math.Sin(angle), math.Cos(angle))
		case Text:
			text, ok := r.Text(f.Name)
			if !ok && f.Required {
				return models.FeatureVector{}, missing(f.Name)
			}
			raw = append(raw, hashTokens(Clean(text), v.Schema.TextBuckets)...)
		}
	}

	if len(raw) != v.RawDim {
		return models.FeatureVector{}, utils.NewAppError("encoding.Encode",
			fmt.Sprintf("layout produced %d values, version %s expects %d", len(raw), v.ID, v.RawDim), models.ErrEncoding)
	}

	values := raw
	if len(v.Projection) > 0 {
		values = make([]float64, len(v.Projection))
		for i, row := range v.Projection {
			var dot float64
			for j, w := range row {
				dot += w * raw[j]
			}
			values[i] = dot
		}
	}
	return models.FeatureVector{EncodingVersion: v.ID, Values: values, UnknownFields: unknown}, nil
}

func missing(field string) error {
	return utils.NewAppError("encoding.Encode", fmt.Sprintf("required field %q missing", field), models.ErrEncoding)
}

// hashTokens builds an L2-normalised bag of hashed tokens.
func hashTokens(text string, buckets int) []float64 {
	out := make([]float64, buckets)
	if buckets == 0 {
		return out
	}
	var norm float64
	for _, token := range tokens(text) {
		out[murmur3.Sum32([]byte(token))%uint32(buckets)]++
	}
	for _, x := range out {
		norm += x * x
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range out {
			out[i] /= norm
		}
	}
	return out
}
