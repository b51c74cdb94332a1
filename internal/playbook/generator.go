// Package playbook turns a classification and its incident context into an
// ordered remediation plan, preferring a generative capability and falling
// back to a static table.
package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Request is what a capability is asked to plan for.
type Request struct {
	IncidentID string
	Key        models.PlaybookKey
	Confidence float64
	Context    models.PlaybookContext
}

// Capability proposes remediation steps. Implementations may be
// non-deterministic; the generator validates whatever they return.
type Capability interface {
	Propose(ctx context.Context, req Request) ([]models.RemediationStep, error)
}

// CapabilityFunc adapts a function into a Capability.
type CapabilityFunc func(ctx context.Context, req Request) ([]models.RemediationStep, error)

// Propose implements Capability.
func (f CapabilityFunc) Propose(ctx context.Context, req Request) ([]models.RemediationStep, error) {
	return f(ctx, req)
}

// Options tune retries of the capability.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

// Generator produces playbooks. It never returns an empty plan.
type Generator struct {
	capability Capability
	static     *StaticTable
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewGenerator wires a generator. capability may be nil, in which case every
// playbook comes from the static table.
func NewGenerator(capability Capability, static *StaticTable, opts Options, logger *slog.Logger) *Generator {
	if static == nil {
		static = &StaticTable{fallback: builtinDefault, logger: utils.OrDefault(logger)}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Generator{
		capability: capability,
		static:     static,
		opts:       opts,
		logger:     utils.OrDefault(logger),
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// Generate builds a playbook for result. Capability failures are retried
// with bounded exponential backoff before the static fallback is used.
func (g *Generator) Generate(ctx context.Context, result models.ClassificationResult, pctx models.PlaybookContext) (models.Playbook, error) {
	key := models.PlaybookKey{
		Category:  result.Category.Label,
		Grade:     result.Grade.Label,
		Technique: result.Technique.Label,
	}
	pctx = withIncident(pctx, result.IncidentID)

	if g.capability != nil {
		steps, err := g.propose(ctx, Request{IncidentID: result.IncidentID, Key: key, Confidence: result.Category.Confidence, Context: pctx})
		if err == nil {
			metrics.ObservePlaybook(string(models.PlaybookGenerative))
			return models.Playbook{IncidentID: result.IncidentID, Key: key, Steps: steps, Source: models.PlaybookGenerative, GeneratedAt: g.now().UTC()}, nil
		}
		g.logger.Warn("generative playbook failed, using static table", "incident_id", result.IncidentID, "error", err)
	}

	steps := g.static.Steps(key, pctx)
	if len(steps) == 0 {
		steps = g.static.defaultSteps(pctx)
	}
	metrics.ObservePlaybook(string(models.PlaybookStatic))
	return models.Playbook{IncidentID: result.IncidentID, Key: key, Steps: steps, Source: models.PlaybookStatic, GeneratedAt: g.now().UTC()}, nil
}

func (g *Generator) propose(ctx context.Context, req Request) ([]models.RemediationStep, error) {
	var lastErr error
	for attempt := 0; attempt < g.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := utils.Backoff(attempt-1, g.opts.BaseDelay, g.opts.MaxDelay)
			if err := g.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
			}
		}

		callCtx := ctx
		cancel := func() {}
		if g.opts.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.opts.CallTimeout)
		}
		steps, err := g.capability.Propose(callCtx, req)
		cancel()
		if err != nil {
			lastErr = err
			g.logger.Debug("playbook capability error", "incident_id", req.IncidentID, "attempt", attempt+1, "error", err)
			continue
		}
		valid := Validate(steps, req.Context)
		if len(valid) == 0 {
			lastErr = fmt.Errorf("no valid steps among %d proposed", len(steps))
			continue
		}
		return valid, nil
	}
	return nil, utils.NewAppError("playbook.Generate",
		fmt.Sprintf("failed after %d attempts", g.opts.MaxAttempts), fmt.Errorf("%w: %v", models.ErrGenerationFailed, lastErr))
}

// Validate keeps the steps that have an action and a target drawn from the
// context, in their original order.
func Validate(steps []models.RemediationStep, pctx models.PlaybookContext) []models.RemediationStep {
	out := make([]models.RemediationStep, 0, len(steps))
	for _, s := range steps {
		s.Action = strings.TrimSpace(s.Action)
		if s.Action == "" || !pctx.HasEntity(s.Target) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func withIncident(pctx models.PlaybookContext, incidentID string) models.PlaybookContext {
	self := models.Entity{Kind: models.EntityIncident, Value: incidentID}
	if pctx.HasEntity(self) {
		return pctx
	}
	entities := make([]models.Entity, 0, len(pctx.Entities)+1)
	entities = append(entities, self)
	pctx.Entities = append(entities, pctx.Entities...)
	return pctx
}

func (t *StaticTable) defaultSteps(pctx models.PlaybookContext) []models.RemediationStep {
	steps := make([]models.RemediationStep, 0, len(builtinDefault.Steps))
	self, _ := pctx.FirstEntity(models.EntityIncident)
	for _, s := range builtinDefault.Steps {
		steps = append(steps, models.RemediationStep{Action: s.Action, Rationale: s.Rationale, Target: self})
	}
	return steps
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
