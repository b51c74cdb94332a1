package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/miradorstack/mirador-triage/internal/models"
)

const phishingRule = `title: Reported phishing message
id: 5c1f7b0e-2f7e-4b8a-9a4b-0d3a1c9e1111
status: test
tags:
  - attack.initial_access
  - attack.t1566.001
logsource:
  product: m365
detection:
  selection:
    AlertTitle|contains: Phishing
  condition: selection
level: high
`

const aggregateRule = `title: Burst of alerts
id: 6d2a8c1f-3f8e-4c9b-8b5c-1e4b2d0f2222
logsource:
  product: m365
detection:
  selection:
    AlertTitle|contains: Login
  timeframe: 5m
  condition: selection | count() > 10
level: low
`

func TestApplyMatchesAndParsesTags(t *testing.T) {
	engine, stats := FromBytes([]byte(phishingRule), []byte(aggregateRule), []byte("not: [valid"))
	if stats.Loaded != 1 {
		t.Fatalf("expected one loaded rule, got %+v", stats)
	}

	hints := engine.Apply(context.Background(), models.IncidentRecord{ID: "inc-1", AlertTitle: "Phishing email reported"})
	if len(hints) != 1 {
		t.Fatalf("expected one hint, got %+v", hints)
	}
	if hints[0].Technique != "T1566.001" || hints[0].Tactic != "initial-access" || hints[0].Level != "high" {
		t.Fatalf("unexpected hint %+v", hints[0])
	}
	if got := Techniques(hints); len(got) != 1 || got[0] != "T1566.001" {
		t.Fatalf("unexpected techniques %v", got)
	}

	if miss := engine.Apply(context.Background(), models.IncidentRecord{ID: "inc-2", AlertTitle: "Malware detected"}); len(miss) != 0 {
		t.Fatalf("expected no hints, got %+v", miss)
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "phishing.yml"), []byte(phishingRule), 0o644); err != nil {
		t.Fatalf("write rule: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	engine, stats, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stats.TotalFiles != 1 || engine.Len() != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	engine, _, err := Load("", nil)
	if err != nil || engine.Len() != 0 {
		t.Fatalf("expected empty engine, got %v %v", engine, err)
	}
}
