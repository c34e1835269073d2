// Package risk combines the ensemble's classification signal with the
// out-of-distribution abnormality signal and deterministic overrides into
// one bounded risk score and decision.
package risk

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
)

// Floor is an externally supplied lower bound on base risk, e.g. from a
// policy overlay. Floors only raise risk, never reduce it.
type Floor struct {
	Value  float64
	Reason string
}

// Input carries everything the aggregator needs for one candidate.
type Input struct {
	// Ensemble is nil when no usable model was available.
	Ensemble *ensemble.Result

	Patterns []domain.PatternSignal
	Domain   domain.DomainSignals

	// Floors from policy overlays, already evaluated.
	Floors []Floor

	// Degraded marks a scoring call made without models.
	Degraded bool
}

// Outcome is the aggregated two-dimensional risk result.
type Outcome struct {
	ClassificationRisk float64
	AbnormalityRisk    float64
	BaseRisk           float64
	DomainRisk         float64
	FinalRisk          float64

	OODZone    string
	Outcome    string
	ReasonCode string
}

// Aggregator applies the configured breakpoints, weights and thresholds.
type Aggregator struct {
	cfg domain.ScoringConfig
}

// NewAggregator creates an aggregator with the given scoring configuration.
func NewAggregator(cfg domain.ScoringConfig) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// AbnormalityRisk maps the minimum cross-entropy across classes (the "both
// models confused" signal) to a bounded risk via the configured piecewise
// function. Non-decreasing in minEntropy and bounded by [0, BlockRisk].
func (a *Aggregator) AbnormalityRisk(minEntropy float64) float64 {
	switch {
	case minEntropy < a.cfg.DeadZoneMax:
		return 0
	case minEntropy < a.cfg.BlockZoneMin:
		span := a.cfg.BlockZoneMin - a.cfg.DeadZoneMax
		return a.cfg.WarnBase + ((minEntropy-a.cfg.DeadZoneMax)/span)*a.cfg.WarnSpan
	default:
		return a.cfg.BlockRisk
	}
}

// OODZone classifies minEntropy into none/warn/block.
func (a *Aggregator) OODZone(minEntropy float64) string {
	switch {
	case minEntropy < a.cfg.DeadZoneMax:
		return domain.OODZoneNone
	case minEntropy < a.cfg.BlockZoneMin:
		return domain.OODZoneWarn
	default:
		return domain.OODZoneBlock
	}
}

// Aggregate computes the full two-dimensional outcome. Callers are expected
// to have resolved the hard short-circuits (malformed input, disposable
// domain) before model evaluation; see ShortCircuit.
func (a *Aggregator) Aggregate(in Input) Outcome {
	out := Outcome{OODZone: domain.OODZoneNone}

	if in.Ensemble != nil {
		primary := in.Ensemble.Primary
		if in.Ensemble.Prediction == domain.ClassFraud {
			out.ClassificationRisk = primary.Confidence
		}

		minEntropy := math.Min(primary.LegitBits, primary.FraudBits)
		out.AbnormalityRisk = a.AbnormalityRisk(minEntropy)
		out.OODZone = a.OODZone(minEntropy)
	} else if in.Degraded && a.cfg.DegradedMode == domain.DegradedFailClosed {
		// No model and fail-closed: bias unfamiliar traffic toward block.
		out.AbnormalityRisk = a.cfg.BlockRisk
		out.OODZone = domain.OODZoneBlock
	}

	out.BaseRisk = math.Max(out.ClassificationRisk, out.AbnormalityRisk)

	// Deterministic overrides, applied as lower bounds.
	overridden := out.BaseRisk
	for _, p := range in.Patterns {
		switch p.Type {
		case domain.PatternSequential:
			overridden = math.Max(overridden, a.cfg.SequentialFloor)
		case domain.PatternDated:
			overridden = math.Max(overridden, p.Confidence)
		case domain.PatternPlusAddressing:
			overridden = math.Max(overridden, a.cfg.PlusAddrFloor)
		}
	}

	policyReason := ""
	for _, f := range in.Floors {
		if f.Value > overridden {
			overridden = math.Min(f.Value, 1.0)
			policyReason = f.Reason
		}
	}

	out.DomainRisk = in.Domain.ReputationScore*a.cfg.DomainReputationWeight +
		in.Domain.TLDRiskScore*a.cfg.TLDRiskWeight

	out.FinalRisk = math.Min(overridden+out.DomainRisk, 1.0)
	out.Outcome = a.decide(out.FinalRisk)
	out.ReasonCode = a.reason(in, out, policyReason)

	return out
}

// ShortCircuitOutcome builds the fixed-penalty outcome for hard blockers
// resolved before model evaluation.
func (a *Aggregator) ShortCircuitOutcome(penalty float64, reason string) Outcome {
	final := math.Min(penalty, 1.0)
	return Outcome{
		BaseRisk:   final,
		FinalRisk:  final,
		OODZone:    domain.OODZoneNone,
		Outcome:    a.decide(final),
		ReasonCode: reason,
	}
}

func (a *Aggregator) decide(finalRisk float64) string {
	switch {
	case finalRisk >= a.cfg.BlockThreshold:
		return domain.OutcomeBlock
	case finalRisk >= a.cfg.WarnThreshold:
		return domain.OutcomeWarn
	default:
		return domain.OutcomeAllow
	}
}

// reason resolves the reason code by the documented priority: model fraud
// confidence, then the first matching deterministic pattern, then a
// risk-banded generic reason keyed to the largest remaining signal.
func (a *Aggregator) reason(in Input, out Outcome, policyReason string) string {
	if in.Ensemble != nil &&
		in.Ensemble.Prediction == domain.ClassFraud &&
		out.ClassificationRisk > a.cfg.FraudReasonThreshold {
		return domain.ReasonMarkovFraud
	}

	for _, t := range []string{domain.PatternSequential, domain.PatternDated, domain.PatternPlusAddressing} {
		for _, p := range in.Patterns {
			if p.Type == t {
				switch t {
				case domain.PatternSequential:
					return domain.ReasonSequential
				case domain.PatternDated:
					return domain.ReasonDated
				default:
					return domain.ReasonPlusAddressing
				}
			}
		}
	}

	if policyReason != "" {
		return domain.ReasonPolicyOverride
	}

	if out.FinalRisk < a.cfg.WarnThreshold {
		return domain.ReasonLowRisk
	}

	if in.Degraded && in.Ensemble == nil {
		return domain.ReasonModelUnavailable
	}

	// Risk-banded generic reason: whichever signal dominates.
	tld := in.Domain.TLDRiskScore * a.cfg.TLDRiskWeight
	rep := in.Domain.ReputationScore * a.cfg.DomainReputationWeight
	switch {
	case tld >= rep && tld >= out.AbnormalityRisk:
		return domain.ReasonHighTLDRisk
	case rep >= out.AbnormalityRisk:
		return domain.ReasonSuspiciousDomain
	default:
		return domain.ReasonAbnormalPattern
	}
}
