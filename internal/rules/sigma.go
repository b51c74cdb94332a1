// Package rules evaluates Sigma rules against incidents to surface ATT&CK
// technique hints for playbook generation.
package rules

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

var techniqueTagRegex = regexp.MustCompile(`^attack\.t\d{4}(?:\.\d{3})?$`)

// Hint is a matched rule.
type Hint struct {
	RuleID    string `json:"rule_id"`
	Title     string `json:"title"`
	Level     string `json:"level"`
	Tactic    string `json:"tactic,omitempty"`
	Technique string `json:"technique,omitempty"`
}

// LoadStats tracks the number of loaded and skipped rules.
type LoadStats struct {
	TotalFiles     int
	Loaded         int
	SkippedComplex int
	SkippedInvalid int
}

type compiledRule struct {
	eval *sigmaevaluator.RuleEvaluator
	hint Hint
}

// Engine evaluates single-event Sigma rules.
type Engine struct {
	rules []compiledRule
}

// Load reads rules from a file or directory. An empty path yields an engine
// with no rules.
func Load(path string, logger *slog.Logger) (*Engine, LoadStats, error) {
	var stats LoadStats
	if path == "" {
		return &Engine{}, stats, nil
	}
	logger = utils.OrDefault(logger)

	info, err := os.Stat(path)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(path, func(p string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !entry.IsDir() && isYAMLFile(p) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		files = append(files, path)
	}
	sort.Strings(files)

	stats.TotalFiles = len(files)
	raws := make([][]byte, 0, len(files))
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			stats.SkippedInvalid++
			logger.Warn("skip unreadable sigma rule", "path", f, "error", err)
			continue
		}
		raws = append(raws, raw)
	}
	engine, parsed := FromBytes(raws...)
	stats.Loaded = parsed.Loaded
	stats.SkippedComplex = parsed.SkippedComplex
	stats.SkippedInvalid += parsed.SkippedInvalid
	return engine, stats, nil
}

// FromBytes compiles raw rule documents.
func FromBytes(raws ...[]byte) (*Engine, LoadStats) {
	var stats LoadStats
	engine := &Engine{}
	for _, raw := range raws {
		rule, err := sigma.ParseRule(raw)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if !isSingleEventRule(rule) {
			stats.SkippedComplex++
			continue
		}
		engine.rules = append(engine.rules, compiledRule{eval: sigmaevaluator.ForRule(rule), hint: hintFromRule(rule)})
		stats.Loaded++
	}
	return engine, stats
}

// Len returns the number of compiled rules.
func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Apply returns the hints of every rule matching record.
func (e *Engine) Apply(ctx context.Context, record models.IncidentRecord) []Hint {
	if e == nil || len(e.rules) == 0 {
		return nil
	}
	event := eventFrom(record)
	var out []Hint
	for _, rule := range e.rules {
		res, err := rule.eval.Matches(ctx, event)
		if err != nil || !res.Match {
			continue
		}
		out = append(out, rule.hint)
	}
	return out
}

// Techniques returns the distinct techniques among hints.
func Techniques(hints []Hint) []string {
	seen := make(map[string]bool, len(hints))
	var out []string
	for _, h := range hints {
		if h.Technique != "" && !seen[h.Technique] {
			seen[h.Technique] = true
			out = append(out, h.Technique)
		}
	}
	return out
}

func eventFrom(r models.IncidentRecord) map[string]interface{} {
	event := make(map[string]interface{}, len(r.Attributes)+len(r.FreeText)+12)
	for k, v := range r.Attributes {
		event[k] = v
	}
	for k, v := range r.FreeText {
		event[k] = v
	}
	set := func(key, value string) {
		if value != "" {
			event[key] = value
		}
	}
	set("IncidentId", r.ID)
	set("AccountName", r.Account)
	set("DeviceName", r.Device)
	set("IpAddress", r.IPAddress)
	set("CountryCode", r.CountryCode)
	set("AlertTitle", r.AlertTitle)
	set("EvidenceRole", r.EvidenceRole)
	set("ThreatFamily", r.ThreatFamily)
	set("DetectorId", r.DetectorID)
	set("EntityType", r.EntityType)
	return event
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isSingleEventRule(rule sigma.Rule) bool {
	if rule.Detection.Timeframe > 0 {
		return false
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false
		}
	}
	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 || len(search.EventMatchers) == 0 {
			return false
		}
	}
	return true
}

func hintFromRule(rule sigma.Rule) Hint {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = strings.TrimSpace(rule.Title)
	}
	level := strings.ToLower(strings.TrimSpace(rule.Level))
	if level == "" {
		level = "medium"
	}
	tactic, technique := parseAttackTags(rule.Tags)
	return Hint{RuleID: id, Title: strings.TrimSpace(rule.Title), Level: level, Tactic: tactic, Technique: technique}
}

func parseAttackTags(tags []string) (string, string) {
	var tactic, technique string
	for _, raw := range tags {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if !strings.HasPrefix(tag, "attack.") {
			continue
		}
		suffix := strings.TrimPrefix(tag, "attack.")
		if technique == "" && techniqueTagRegex.MatchString(tag) {
			technique = strings.ToUpper(suffix)
			continue
		}
		if tactic == "" && !strings.HasPrefix(suffix, "t") {
			tactic = strings.ReplaceAll(suffix, "_", "-")
		}
	}
	return tactic, technique
}
