package guardrails

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/config"
)

// Validator runs every guardrail check against a proposed mutation and
// aggregates the verdict. Checks are independent: one failing or degraded
// check never suppresses the findings of another, so the result always
// carries the complete violation picture.
type Validator struct {
	cfg    config.GuardrailsConfig
	prober *Prober
	logger *zap.Logger
}

// NewValidator builds the guardrail battery. The landing-page prober is
// constructed only when the check is enabled.
func NewValidator(cfg config.GuardrailsConfig, logger *zap.Logger) (*Validator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	v := &Validator{cfg: cfg, logger: logger.Named("guardrails")}
	if cfg.LandingPage.Enabled {
		prober, err := NewProber(cfg.LandingPage, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build landing page prober: %w", err)
		}
		v.prober = prober
	}
	return v, nil
}

// ValidateMutation runs the full battery against one mutation. The returned
// result reports Passed=false on any critical violation, or on any error
// violation under hard enforcement; warnings never block.
func (v *Validator) ValidateMutation(ctx context.Context, m schemas.Mutation) (*schemas.GuardrailResult, error) {
	result := &schemas.GuardrailResult{}

	v.checkStructure(m, result)
	v.checkBudgetCeiling(m, result)
	v.checkBidCeiling(m, result)
	v.checkProhibitedContent(m, result)
	v.checkDeviceTargeting(m, result)
	v.checkLandingPage(ctx, m, result)

	result.EstimatedImpact = estimateImpact(m, result.Violations)
	result.Passed = v.passed(result.Violations)

	v.logger.Info("Mutation validated",
		zap.String("type", string(m.Type)),
		zap.String("resource", string(m.Resource)),
		zap.String("entity_id", m.EntityID),
		zap.Bool("passed", result.Passed),
		zap.Int("violations", len(result.Violations)))
	return result, nil
}

// ValidateBatch validates each mutation independently and concurrently; one
// blocked mutation never hides the verdicts for the rest. Results keep the
// input order. The prober's rate limiter still bounds landing-page traffic.
func (v *Validator) ValidateBatch(ctx context.Context, mutations []schemas.Mutation) ([]schemas.GuardrailResult, error) {
	results := make([]schemas.GuardrailResult, len(mutations))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range mutations {
		g.Go(func() error {
			r, err := v.ValidateMutation(gctx, m)
			if err != nil {
				return err
			}
			results[i] = *r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (v *Validator) passed(violations []schemas.Violation) bool {
	for _, viol := range violations {
		switch viol.Severity {
		case schemas.SeverityCritical:
			return false
		case schemas.SeverityError:
			if v.cfg.Enforcement == config.EnforcementHard {
				return false
			}
		}
	}
	return true
}

func (v *Validator) checkStructure(m schemas.Mutation, result *schemas.GuardrailResult) {
	if err := m.Validate(); err != nil {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationStructural,
			Severity: schemas.SeverityCritical,
			ArmID:    m.EntityID,
			Message:  err.Error(),
		})
		return
	}
	// Creating below a campaign requires knowing which campaign.
	if m.Type == schemas.MutationCreate && m.Resource != schemas.ResourceCampaign {
		if _, ok := m.StringChange("parent_campaign_id"); !ok {
			result.Violations = append(result.Violations, schemas.Violation{
				Type:     schemas.ViolationStructural,
				Severity: schemas.SeverityError,
				ArmID:    m.EntityID,
				Message:  fmt.Sprintf("CREATE %s without parent_campaign_id", m.Resource),
			})
		}
	}
}

func (v *Validator) checkBudgetCeiling(m schemas.Mutation, result *schemas.GuardrailResult) {
	budget, ok := m.FloatChange("daily_budget")
	if !ok {
		return
	}
	if budget < 0 {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationBudgetCeiling,
			Severity: schemas.SeverityCritical,
			ArmID:    m.EntityID,
			Message:  fmt.Sprintf("daily budget %.2f is negative", budget),
		})
		return
	}
	if v.cfg.MaxDailyBudget > 0 && budget > v.cfg.MaxDailyBudget {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationBudgetCeiling,
			Severity: schemas.SeverityError,
			ArmID:    m.EntityID,
			Message:  fmt.Sprintf("daily budget %.2f exceeds ceiling %.2f", budget, v.cfg.MaxDailyBudget),
		})
		result.Modifications = append(result.Modifications,
			clampModification("daily_budget", budget, v.cfg.MaxDailyBudget))
	}
}

func (v *Validator) checkBidCeiling(m schemas.Mutation, result *schemas.GuardrailResult) {
	bid, ok := m.FloatChange("bid")
	if !ok {
		return
	}
	if bid < 0 {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationBidCeiling,
			Severity: schemas.SeverityCritical,
			ArmID:    m.EntityID,
			Message:  fmt.Sprintf("bid %.2f is negative", bid),
		})
		return
	}
	if v.cfg.MaxBid > 0 && bid > v.cfg.MaxBid {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationBidCeiling,
			Severity: schemas.SeverityError,
			ArmID:    m.EntityID,
			Message:  fmt.Sprintf("bid %.2f exceeds ceiling %.2f", bid, v.cfg.MaxBid),
		})
		result.Modifications = append(result.Modifications,
			clampModification("bid", bid, v.cfg.MaxBid))
	}
}

// checkProhibitedContent scans keyword text for prohibited terms. Matches
// are always critical: enforcement mode never downgrades a content hit.
func (v *Validator) checkProhibitedContent(m schemas.Mutation, result *schemas.GuardrailResult) {
	text, ok := m.StringChange("keyword_text")
	if !ok || len(v.cfg.ProhibitedTerms) == 0 {
		return
	}
	lowered := strings.ToLower(text)
	for _, term := range v.cfg.ProhibitedTerms {
		if term != "" && strings.Contains(lowered, strings.ToLower(term)) {
			result.Violations = append(result.Violations, schemas.Violation{
				Type:     schemas.ViolationProhibitedContent,
				Severity: schemas.SeverityCritical,
				ArmID:    m.EntityID,
				Message:  fmt.Sprintf("keyword text contains prohibited term %q", term),
			})
		}
	}
}

func (v *Validator) checkDeviceTargeting(m schemas.Mutation, result *schemas.GuardrailResult) {
	devices, ok := m.StringsChange("devices")
	if !ok {
		return
	}
	if len(devices) == 0 {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationDeviceTargeting,
			Severity: schemas.SeverityError,
			ArmID:    m.EntityID,
			Message:  "mutation would leave no devices targeted",
		})
		return
	}
	if len(v.cfg.AllowedDevices) == 0 {
		return
	}
	allowed := make(map[string]bool, len(v.cfg.AllowedDevices))
	for _, d := range v.cfg.AllowedDevices {
		allowed[strings.ToLower(d)] = true
	}
	for _, d := range devices {
		if !allowed[strings.ToLower(d)] {
			result.Violations = append(result.Violations, schemas.Violation{
				Type:     schemas.ViolationDeviceTargeting,
				Severity: schemas.SeverityError,
				ArmID:    m.EntityID,
				Message:  fmt.Sprintf("device %q is not in the allowed set", d),
			})
		}
	}
}

// checkLandingPage probes the final URL when the check is enabled. An open
// circuit downgrades to a warning: a dead probe infrastructure must not
// block every mutation carrying a URL.
func (v *Validator) checkLandingPage(ctx context.Context, m schemas.Mutation, result *schemas.GuardrailResult) {
	if v.prober == nil {
		return
	}
	pageURL, ok := m.StringChange("final_url")
	if !ok || pageURL == "" {
		return
	}

	probe, err := v.prober.Probe(ctx, pageURL)
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("landing page check skipped for %s: probe circuit open", pageURL))
			return
		}
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationLandingPage,
			Severity: schemas.SeverityError,
			ArmID:    m.EntityID,
			Message:  fmt.Sprintf("landing page probe failed: %v", err),
		})
		return
	}

	if !probe.Reachable {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationLandingPage,
			Severity: schemas.SeverityError,
			ArmID:    m.EntityID,
			Message:  fmt.Sprintf("landing page %s is unreachable", pageURL),
		})
		return
	}
	if probe.StatusCode >= 400 {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationLandingPage,
			Severity: schemas.SeverityError,
			ArmID:    m.EntityID,
			Message:  fmt.Sprintf("landing page %s returned status %d", pageURL, probe.StatusCode),
		})
	}
	if v.cfg.LandingPage.MaxLatency > 0 && probe.Latency > v.cfg.LandingPage.MaxLatency {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationLandingPage,
			Severity: schemas.SeverityError,
			ArmID:    m.EntityID,
			Message: fmt.Sprintf("landing page %s took %s, over the %s limit",
				pageURL, probe.Latency, v.cfg.LandingPage.MaxLatency),
		})
	}
	if v.cfg.LandingPage.RequireHTTPS && !probe.HTTPS {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationLandingPage,
			Severity: schemas.SeverityError,
			ArmID:    m.EntityID,
			Message:  fmt.Sprintf("landing page %s does not resolve to HTTPS", pageURL),
		})
	}
	if v.cfg.LandingPage.RequireMobile && !probe.HasMobileViewport {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationLandingPage,
			Severity: schemas.SeverityError,
			ArmID:    m.EntityID,
			Message:  fmt.Sprintf("landing page %s has no mobile viewport meta tag", pageURL),
		})
	}
}

// estimateImpact summarizes blast radius: removals and criticals are high
// risk, money-moving errors medium, the rest low.
func estimateImpact(m schemas.Mutation, violations []schemas.Violation) schemas.EstimatedImpact {
	risk := schemas.RiskLow
	if m.Type == schemas.MutationRemove {
		risk = schemas.RiskMedium
	}
	for _, viol := range violations {
		switch viol.Severity {
		case schemas.SeverityCritical:
			return schemas.EstimatedImpact{RiskLevel: schemas.RiskHigh}
		case schemas.SeverityError:
			risk = schemas.RiskMedium
		}
	}
	return schemas.EstimatedImpact{RiskLevel: risk}
}

func clampModification(field string, original, ceiling float64) schemas.Modification {
	orig, _ := json.Marshal(original)
	suggested, _ := json.Marshal(ceiling)
	return schemas.Modification{
		Field:     field,
		Original:  orig,
		Suggested: suggested,
		Reason:    fmt.Sprintf("clamp %s to the configured ceiling %.2f", field, ceiling),
	}
}
