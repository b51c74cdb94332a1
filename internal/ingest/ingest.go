// Package ingest turns raw incident payloads into IncidentRecords.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/miradorstack/mirador-triage/internal/classifier"
	"github.com/miradorstack/mirador-triage/internal/encoding"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

var freeTextColumns = map[string]bool{
	"description": true,
	"message":     true,
	"commandline": true,
	"url":         true,
	"filename":    true,
	"subject":     true,
}

// Decode parses a queue or RPC payload. Payloads in the canonical JSON shape
// are used as-is; anything else is treated as a flat source document.
func Decode(raw []byte) (models.IncidentRecord, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return models.IncidentRecord{}, fmt.Errorf("incident payload is not a JSON object: %w", models.ErrInvalid)
	}
	var source map[string]any
	if err := json.Unmarshal(raw, &source); err != nil {
		return models.IncidentRecord{}, fmt.Errorf("decode incident: %w", models.ErrInvalid)
	}
	return FromSource(source)
}

// FromSource maps a flat document with arbitrary column names onto an
// IncidentRecord. Values are cleaned and placeholders dropped.
func FromSource(source map[string]any) (models.IncidentRecord, error) {
	var rec models.IncidentRecord
	var labels models.Labels
	for key, rawValue := range source {
		column := encoding.NormalizeColumn(key)
		if column == "labels" {
			if m, ok := rawValue.(map[string]any); ok {
				labels = labels.Merge(labelsFrom(m))
			}
			continue
		}
		if column == "attributes" || column == "numeric" || column == "freetext" {
			if m, ok := rawValue.(map[string]any); ok {
				for k, v := range m {
					assignExtra(&rec, column, encoding.NormalizeColumn(k), v)
				}
			}
			continue
		}
		if n, ok := rawValue.(float64); ok && !isIdentity(column) {
			if rec.Numeric == nil {
				rec.Numeric = make(map[string]float64)
			}
			rec.Numeric[column] = n
			continue
		}
		value := encoding.Clean(stringify(rawValue))
		if value == "" {
			continue
		}
		switch column {
		case "id":
			rec.ID = value
		case "timestamp":
			ts, err := utils.ParseTimestamp(value)
			if err != nil {
				return models.IncidentRecord{}, fmt.Errorf("incident timestamp %q: %w", value, models.ErrInvalid)
			}
			rec.Timestamp = ts
		case models.FieldAccount:
			rec.Account = value
		case models.FieldDevice:
			rec.Device = value
		case models.FieldIPAddress:
			rec.IPAddress = value
		case models.FieldCountry:
			rec.CountryCode = value
		case models.FieldAlertTitle:
			rec.AlertTitle = value
		case models.FieldEvidenceRole:
			rec.EvidenceRole = value
		case models.FieldThreatFamily:
			rec.ThreatFamily = value
		case models.FieldDetector:
			rec.DetectorID = value
		case models.FieldEntityType:
			rec.EntityType = value
		case "category":
			labels.Category = value
		case "grade":
			labels.Grade = value
		case "technique":
			labels.Technique = firstTechnique(value)
		default:
			assignExtra(&rec, "", column, value)
		}
	}
	if rec.ID == "" {
		return models.IncidentRecord{}, fmt.Errorf("incident id is required: %w", models.ErrInvalid)
	}
	if !labels.Empty() {
		rec.Labels = &labels
	}
	return rec, nil
}

func isIdentity(column string) bool {
	switch column {
	case "id", "timestamp", models.FieldDetector, models.FieldCountry:
		return true
	}
	return false
}

func assignExtra(rec *models.IncidentRecord, section, column string, raw any) {
	if n, ok := raw.(float64); ok && section != "attributes" && section != "freetext" {
		if rec.Numeric == nil {
			rec.Numeric = make(map[string]float64)
		}
		rec.Numeric[column] = n
		return
	}
	value := encoding.Clean(stringify(raw))
	if value == "" {
		return
	}
	if section == "freetext" || (section == "" && freeTextColumns[column]) {
		if rec.FreeText == nil {
			rec.FreeText = make(map[string]string)
		}
		rec.FreeText[column] = value
		return
	}
	if rec.Attributes == nil {
		rec.Attributes = make(map[string]string)
	}
	rec.Attributes[column] = value
}

func labelsFrom(m map[string]any) models.Labels {
	var l models.Labels
	for k, v := range m {
		value := encoding.Clean(stringify(v))
		switch encoding.NormalizeColumn(k) {
		case "category":
			l.Category = value
		case "grade":
			l.Grade = value
		case "technique":
			l.Technique = firstTechnique(value)
		}
	}
	return l
}

// firstTechnique keeps the first ATT&CK id of a separated list.
func firstTechnique(value string) string {
	for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ';' || r == ' ' }) {
		if part = strings.Trim(part, `"'`); part != "" {
			return strings.ToUpper(part)
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s := stringify(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	default:
		data, _ := json.Marshal(t)
		return string(data)
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string         `json:"_id"`
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Result is one decoded row of an export.
type Result struct {
	Record models.IncidentRecord
	Err    error
}

// ReadExport decodes an Elasticsearch search response. Rows that fail to
// decode are reported individually; a malformed document fails the call.
// Hits without an incident id fall back to the document _id.
func ReadExport(ctx context.Context, r io.Reader) ([]Result, error) {
	var resp searchResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, utils.NewAppError("ingest.ReadExport", "decode search response", err)
	}
	out := make([]Result, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if hit.Source == nil {
			continue
		}
		if _, ok := hit.Source["id"]; !ok && hit.ID != "" {
			if _, ok := hit.Source["IncidentId"]; !ok {
				hit.Source["id"] = hit.ID
			}
		}
		rec, err := FromSource(hit.Source)
		out = append(out, Result{Record: rec, Err: err})
	}
	return out, nil
}

// ReadExportFile opens path and calls ReadExport.
func ReadExportFile(ctx context.Context, path string) ([]Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, utils.NewAppError("ingest.ReadExportFile", "open export", err)
	}
	defer f.Close()
	return ReadExport(ctx, f)
}

// LoadSeed reads a JSON array of incident documents carrying labels and
// returns the labeled training rows. Rows without labels are skipped.
func LoadSeed(path string) ([]classifier.LabeledRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.NewAppError("ingest.LoadSeed", "read seed file", err)
	}
	var docs []map[string]any
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, utils.NewAppError("ingest.LoadSeed", "decode seed file", err)
	}
	out := make([]classifier.LabeledRecord, 0, len(docs))
	for i, doc := range docs {
		rec, err := FromSource(doc)
		if err != nil {
			return nil, utils.NewAppError("ingest.LoadSeed", fmt.Sprintf("row %d", i), err)
		}
		if rec.Labels == nil {
			continue
		}
		out = append(out, classifier.LabeledRecord{Record: rec, Labels: *rec.Labels})
	}
	return out, nil
}
