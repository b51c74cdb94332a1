// Package store persists feedback, model versions, encodings, incident
// results, hourly counts and retraining events in a bbolt database.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/miradorstack/mirador-triage/internal/encoding"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

var (
	bucketFeedback  = []byte("feedback")
	bucketEncodings = []byte("encodings")
	bucketVersions  = []byte("model_versions")
	bucketActive    = []byte("active_versions")
	bucketResults   = []byte("results")
	bucketCounts    = []byte("hourly_counts")
	bucketForecasts = []byte("forecasts")
	bucketRetrain   = []byte("retrain_events")
)

const countKeyLayout = "2006-01-02T15:04:05Z"

// StoredVersion is a model version row with its serialised parameters.
type StoredVersion struct {
	Meta   models.ModelVersion `json:"meta"`
	Params json.RawMessage     `json:"params"`
}

// Store is a bbolt-backed persistence layer. bbolt serialises update
// transactions, so every write method is safe for concurrent callers.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, utils.NewAppError("store.Open", "open bbolt", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketFeedback, bucketEncodings, bucketVersions, bucketActive, bucketResults, bucketCounts, bucketForecasts, bucketRetrain} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, utils.NewAppError("store.Open", "init buckets", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// ValidateFeedback checks a submission before it is appended.
func ValidateFeedback(rec models.FeedbackRecord) error {
	switch {
	case rec.IncidentID == "":
		return fmt.Errorf("incident id required: %w", models.ErrInvalid)
	case rec.AnalystID == "":
		return fmt.Errorf("analyst id required: %w", models.ErrInvalid)
	case rec.CorrectedLabel == nil && rec.PlaybookRating == nil:
		return fmt.Errorf("corrected label or playbook rating required: %w", models.ErrInvalid)
	case rec.CorrectedLabel != nil && rec.CorrectedLabel.Empty():
		return fmt.Errorf("corrected label has no dimensions: %w", models.ErrInvalid)
	case rec.PlaybookRating != nil && (*rec.PlaybookRating < 1 || *rec.PlaybookRating > 5):
		return fmt.Errorf("playbook rating must be within 1..5: %w", models.ErrInvalid)
	}
	return nil
}

// AppendFeedback appends rec, assigning its id, sequence and timestamp when unset.
func (s *Store) AppendFeedback(ctx context.Context, rec models.FeedbackRecord) (models.FeedbackRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.FeedbackRecord{}, err
	}
	if err := ValidateFeedback(rec); err != nil {
		return models.FeedbackRecord{}, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFeedback)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return models.FeedbackRecord{}, utils.NewAppError("store.AppendFeedback", "append", err)
	}
	return rec, nil
}

// ListFeedback returns records with Seq > afterSeq in append order.
func (s *Store) ListFeedback(ctx context.Context, afterSeq uint64) ([]models.FeedbackRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.FeedbackRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketFeedback).Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
			var rec models.FeedbackRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode feedback %x: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// FeedbackHighWater returns the greatest assigned feedback sequence.
func (s *Store) FeedbackHighWater() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		seq = tx.Bucket(bucketFeedback).Sequence()
		return nil
	})
	return seq, err
}

// SaveEncoding persists an encoding version. Existing ids are never overwritten.
func (s *Store) SaveEncoding(ctx context.Context, v *encoding.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode encoding %s: %w", v.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEncodings)
		if b.Get([]byte(v.ID)) != nil {
			return fmt.Errorf("encoding %s: %w", v.ID, models.ErrVersionExists)
		}
		return b.Put([]byte(v.ID), data)
	})
}

// LoadEncodings returns every persisted encoding ordered by creation time.
func (s *Store) LoadEncodings(ctx context.Context) ([]*encoding.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*encoding.Version
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEncodings).ForEach(func(k, v []byte) error {
			enc := new(encoding.Version)
			if err := json.Unmarshal(v, enc); err != nil {
				return fmt.Errorf("decode encoding %s: %w", k, err)
			}
			out = append(out, enc)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func versionKey(kind models.ModelKind, id string) []byte {
	return []byte(string(kind) + "/" + id)
}

// SaveModelVersion persists a version row and its parameters.
func (s *Store) SaveModelVersion(ctx context.Context, meta models.ModelVersion, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params %s: %w", meta.VersionID, err)
	}
	meta.Active = false
	data, err := json.Marshal(StoredVersion{Meta: meta, Params: raw})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		key := versionKey(meta.Kind, meta.VersionID)
		if b.Get(key) != nil {
			return fmt.Errorf("%s version %s: %w", meta.Kind, meta.VersionID, models.ErrVersionExists)
		}
		return b.Put(key, data)
	})
}

// ListModelVersions returns the versions of kind ordered by training time,
// with Active set on the persisted active version.
func (s *Store) ListModelVersions(ctx context.Context, kind models.ModelKind) ([]StoredVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []StoredVersion
	err := s.db.View(func(tx *bbolt.Tx) error {
		active := string(tx.Bucket(bucketActive).Get([]byte(kind)))
		prefix := []byte(string(kind) + "/")
		c := tx.Bucket(bucketVersions).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var sv StoredVersion
			if err := json.Unmarshal(v, &sv); err != nil {
				return fmt.Errorf("decode version %s: %w", k, err)
			}
			sv.Meta.Active = sv.Meta.VersionID == active
			out = append(out, sv)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Meta.TrainedAt.Equal(out[j].Meta.TrainedAt) {
			return out[i].Meta.TrainedAt.Before(out[j].Meta.TrainedAt)
		}
		return out[i].Meta.VersionID < out[j].Meta.VersionID
	})
	return out, err
}

// SetActive records id as the single active version of kind.
func (s *Store) SetActive(ctx context.Context, kind models.ModelKind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketVersions).Get(versionKey(kind, id)) == nil {
			return fmt.Errorf("%s version %s: %w", kind, id, models.ErrNotFound)
		}
		return tx.Bucket(bucketActive).Put([]byte(kind), []byte(id))
	})
}

// ActiveVersion returns the persisted active id of kind or "".
func (s *Store) ActiveVersion(ctx context.Context, kind models.ModelKind) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var id string
	err := s.db.View(func(tx *bbolt.Tx) error {
		id = string(tx.Bucket(bucketActive).Get([]byte(kind)))
		return nil
	})
	return id, err
}

// PutResult upserts the per-incident result record.
func (s *Store) PutResult(ctx context.Context, rec models.ResultRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.IncidentID == "" {
		return fmt.Errorf("result without incident id: %w", models.ErrInvalid)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(rec.IncidentID), data)
	})
}

// GetResult loads the result record of an incident.
func (s *Store) GetResult(ctx context.Context, incidentID string) (models.ResultRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.ResultRecord{}, err
	}
	var rec models.ResultRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketResults).Get([]byte(incidentID))
		if data == nil {
			return fmt.Errorf("result %s: %w", incidentID, models.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// ForEachResult visits every result record in incident id order.
func (s *Store) ForEachResult(ctx context.Context, fn func(models.ResultRecord) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResults).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec models.ResultRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode result %s: %w", k, err)
			}
			return fn(rec)
		})
	})
}

func countKey(t time.Time) []byte {
	return []byte(t.UTC().Format(countKeyLayout))
}

func putFloat(b *bbolt.Bucket, key []byte, v float64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	return b.Put(key, buf)
}

func getFloat(raw []byte) float64 {
	if len(raw) != 8 {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(raw))
}

// AddCounts adds deltas to the hourly buckets keyed by bucket start.
func (s *Store) AddCounts(ctx context.Context, deltas map[time.Time]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCounts)
		for ts, delta := range deltas {
			key := countKey(ts)
			if err := putFloat(b, key, getFloat(b.Get(key))+delta); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetCounts overwrites hourly buckets, used by backfill.
func (s *Store) SetCounts(ctx context.Context, points []models.CountPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCounts)
		for _, p := range points {
			if err := putFloat(b, countKey(p.Timestamp), p.Count); err != nil {
				return err
			}
		}
		return nil
	})
}

// Counts returns stored buckets within [from, to).
func (s *Store) Counts(ctx context.Context, from, to time.Time) ([]models.CountPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.CountPoint
	end := countKey(to)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCounts).Cursor()
		for k, v := c.Seek(countKey(from)); k != nil && string(k) < string(end); k, v = c.Next() {
			ts, err := time.Parse(countKeyLayout, string(k))
			if err != nil {
				return fmt.Errorf("decode count key %s: %w", k, err)
			}
			out = append(out, models.CountPoint{Timestamp: ts, Count: getFloat(v)})
		}
		return nil
	})
	return out, err
}

// PutForecast stores a forecast keyed by window end. A forecast already stored
// for the same window end is kept and reported with models.ErrVersionExists.
func (s *Store) PutForecast(ctx context.Context, f models.ForecastResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketForecasts)
		key := countKey(f.WindowEnd)
		if b.Get(key) != nil {
			return fmt.Errorf("forecast for %s: %w", key, models.ErrVersionExists)
		}
		return b.Put(key, data)
	})
}

// LatestForecast returns the forecast with the greatest window end.
func (s *Store) LatestForecast(ctx context.Context) (models.ForecastResult, error) {
	if err := ctx.Err(); err != nil {
		return models.ForecastResult{}, err
	}
	var f models.ForecastResult
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(bucketForecasts).Cursor().Last()
		if v == nil {
			return fmt.Errorf("forecast: %w", models.ErrNotFound)
		}
		return json.Unmarshal(v, &f)
	})
	return f, err
}

// AppendRetrainEvent records a retraining event, assigning its id.
func (s *Store) AppendRetrainEvent(ctx context.Context, ev models.RetrainEvent) (models.RetrainEvent, error) {
	if err := ctx.Err(); err != nil {
		return models.RetrainEvent{}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRetrain)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	return ev, err
}

// RetrainEvents returns up to limit most recent events, newest first.
// limit <= 0 returns all.
func (s *Store) RetrainEvents(ctx context.Context, limit int) ([]models.RetrainEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.RetrainEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRetrain).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var ev models.RetrainEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode retrain event: %w", err)
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// IsConflict reports whether err marks an already persisted version.
func IsConflict(err error) bool {
	return errors.Is(err, models.ErrVersionExists)
}
