package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/miradorstack/mirador-triage/internal/models"
)

const systemInstruction = `You are a security operations assistant. Given an incident classification
and its entities, produce an ordered remediation plan as JSON:
{"steps":[{"action":"...","rationale":"...","target":{"kind":"incident|account|device|ip","value":"..."}}]}
Only target entities listed in the request. Keep actions short and imperative.`

// contentGenerator is the slice of *genai.GenerativeModel the capability uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiCapability proposes steps with a Gemini model in JSON response mode.
type GeminiCapability struct {
	client *genai.Client
	model  contentGenerator
}

// GeminiConfig configures the Gemini capability.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// NewGeminiCapability connects to Gemini.
func NewGeminiCapability(ctx context.Context, cfg GeminiConfig) (*GeminiCapability, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemInstruction)}}
	model.ResponseMIMEType = "application/json"
	model.GenerationConfig.Temperature = genai.Ptr[float32](0.2)
	model.GenerationConfig.MaxOutputTokens = genai.Ptr[int32](800)

	return &GeminiCapability{client: client, model: model}, nil
}

// Close releases the underlying client.
func (g *GeminiCapability) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

type geminiPlan struct {
	Steps []struct {
		Action    string `json:"action"`
		Rationale string `json:"rationale"`
		Target    struct {
			Kind  string `json:"kind"`
			Value string `json:"value"`
		} `json:"target"`
	} `json:"steps"`
}

// Propose implements Capability.
func (g *GeminiCapability) Propose(ctx context.Context, req Request) ([]models.RemediationStep, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(buildPrompt(req)))
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("empty response from gemini")
	}
	text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return nil, fmt.Errorf("unexpected gemini part %T", resp.Candidates[0].Content.Parts[0])
	}
	return parsePlan(string(text))
}

func parsePlan(raw string) ([]models.RemediationStep, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)

	var plan geminiPlan
	if err := json.Unmarshal([]byte(clean), &plan); err != nil {
		return nil, fmt.Errorf("parse gemini plan: %w", err)
	}
	steps := make([]models.RemediationStep, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		steps = append(steps, models.RemediationStep{
			Action:    s.Action,
			Rationale: s.Rationale,
			Target:    models.Entity{Kind: models.EntityKind(strings.ToLower(s.Target.Kind)), Value: s.Target.Value},
		})
	}
	return steps, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s\n", req.IncidentID)
	fmt.Fprintf(&b, "Category: %s (confidence %.2f)\n", req.Key.Category, req.Confidence)
	fmt.Fprintf(&b, "Grade: %s\n", req.Key.Grade)
	if req.Key.Technique != "" {
		fmt.Fprintf(&b, "ATT&CK technique: %s\n", req.Key.Technique)
	}
	if req.Context.AlertTitle != "" {
		fmt.Fprintf(&b, "Alert: %s\n", req.Context.AlertTitle)
	}
	if req.Context.ThreatFamily != "" {
		fmt.Fprintf(&b, "Threat family: %s\n", req.Context.ThreatFamily)
	}
	if len(req.Context.TechniqueHints) > 0 {
		fmt.Fprintf(&b, "Rule hints: %s\n", strings.Join(req.Context.TechniqueHints, ", "))
	}
	b.WriteString("Entities:\n")
	for _, e := range req.Context.Entities {
		fmt.Fprintf(&b, "- %s: %s\n", e.Kind, e.Value)
	}
	return b.String()
}
