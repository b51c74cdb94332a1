package playbook

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// StaticTable maps classifications onto fixed remediation plans.
type StaticTable struct {
	entries  []Entry
	fallback Entry
	logger   *slog.Logger
}

// Entry is one row of the static table.
type Entry struct {
	ID    string       `yaml:"id"`
	Match EntryMatch   `yaml:"match"`
	Steps []StaticStep `yaml:"steps"`
}

// EntryMatch selects classifications. Empty grade/technique match any value.
type EntryMatch struct {
	Category  string `yaml:"category"`
	Grade     string `yaml:"grade"`
	Technique string `yaml:"technique"`
}

// StaticStep targets an entity kind resolved from the incident context.
type StaticStep struct {
	Action    string            `yaml:"action"`
	Rationale string            `yaml:"rationale"`
	Target    models.EntityKind `yaml:"target"`
}

// TableFile is the YAML root structure.
type TableFile struct {
	Default   *Entry  `yaml:"default"`
	Playbooks []Entry `yaml:"playbooks"`
}

var builtinDefault = Entry{
	ID: "builtin-default",
	Steps: []StaticStep{
		{Action: "Assign the incident to an on-call analyst for manual triage", Rationale: "No specific playbook matched the classification", Target: models.EntityIncident},
		{Action: "Preserve related logs and evidence", Rationale: "Keeps the investigation reproducible", Target: models.EntityIncident},
	},
}

// NewStaticTable loads entries from path. A missing or empty path yields a
// table holding only the built-in default.
func NewStaticTable(path string, logger *slog.Logger) (*StaticTable, error) {
	table := &StaticTable{fallback: builtinDefault, logger: utils.OrDefault(logger)}
	if path == "" {
		return table, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			table.logger.Warn("static playbook table not found, using built-in default", "path", path)
			return table, nil
		}
		return nil, fmt.Errorf("read playbook table: %w", err)
	}
	return ParseStaticTable(data, logger)
}

// ParseStaticTable builds a table from YAML bytes.
func ParseStaticTable(data []byte, logger *slog.Logger) (*StaticTable, error) {
	var file TableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse playbook table: %w", err)
	}
	table := &StaticTable{entries: file.Playbooks, fallback: builtinDefault, logger: utils.OrDefault(logger)}
	if file.Default != nil && len(file.Default.Steps) > 0 {
		table.fallback = *file.Default
	}
	for _, entry := range table.entries {
		if entry.Match.Category == "" {
			return nil, fmt.Errorf("playbook %q: match.category required", entry.ID)
		}
		if len(entry.Steps) == 0 {
			return nil, fmt.Errorf("playbook %q: at least one step required", entry.ID)
		}
	}
	return table, nil
}

// Lookup returns the most specific entry for key: category with grade and
// technique, then category with grade, then category, then the default.
func (t *StaticTable) Lookup(key models.PlaybookKey) Entry {
	best, bestScore := t.fallback, -1
	for _, entry := range t.entries {
		score, ok := entry.Match.score(key)
		if ok && score > bestScore {
			best, bestScore = entry, score
		}
	}
	return best
}

func (m EntryMatch) score(key models.PlaybookKey) (int, bool) {
	if !strings.EqualFold(m.Category, key.Category) {
		return 0, false
	}
	score := 0
	if m.Grade != "" {
		if !strings.EqualFold(m.Grade, key.Grade) {
			return 0, false
		}
		score += 2
	}
	if m.Technique != "" {
		if !strings.EqualFold(m.Technique, key.Technique) {
			return 0, false
		}
		score++
	}
	return score, true
}

// Steps resolves the entry for key against the context entities.
func (t *StaticTable) Steps(key models.PlaybookKey, pctx models.PlaybookContext) []models.RemediationStep {
	entry := t.Lookup(key)
	steps := make([]models.RemediationStep, 0, len(entry.Steps))
	for _, s := range entry.Steps {
		target, ok := pctx.FirstEntity(s.Target)
		if !ok || s.Action == "" {
			continue
		}
		steps = append(steps, models.RemediationStep{Action: s.Action, Rationale: s.Rationale, Target: target})
	}
	return steps
}
