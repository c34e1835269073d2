// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// Class labels for the two per-class character models.
const (
	ClassLegit = "legit"
	ClassFraud = "fraud"
)

// Risk zones for the out-of-distribution signal.
const (
	OODZoneNone  = "none"
	OODZoneWarn  = "warn"
	OODZoneBlock = "block"
)

// Decision outcomes.
const (
	OutcomeAllow = "allow"
	OutcomeWarn  = "warn"
	OutcomeBlock = "block"
)

// Reason codes, in resolution priority order.
const (
	ReasonInvalidFormat    = "invalid_format"
	ReasonDisposableDomain = "disposable_domain"
	ReasonMarkovFraud      = "markov_chain_fraud"
	ReasonSequential       = "sequential_pattern"
	ReasonDated            = "dated_pattern"
	ReasonPlusAddressing   = "plus_addressing"
	ReasonHighTLDRisk      = "high_tld_risk"
	ReasonSuspiciousDomain = "suspicious_domain"
	ReasonAbnormalPattern  = "abnormal_pattern"
	ReasonPolicyOverride   = "policy_override"
	ReasonLowRisk          = "low_risk"
	ReasonModelUnavailable = "model_unavailable"
)

// Deterministic pattern detector types (produced by out-of-scope collaborators).
const (
	PatternSequential     = "sequential"
	PatternDated          = "dated"
	PatternPlusAddressing = "plus_addressing"
)

// PatternSignal is a deterministic override signal from an external detector.
type PatternSignal struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// DomainSignals carry externally supplied domain reputation inputs.
type DomainSignals struct {
	ReputationScore float64 `json:"domainReputationScore"` // 0..1, higher = worse
	TLDRiskScore    float64 `json:"tldRiskScore"`          // 0..1, higher = worse
	Disposable      bool    `json:"disposable"`
}

// ScoreRequest is the full input to a scoring call.
type ScoreRequest struct {
	Email    string          `json:"email"`
	TenantID string          `json:"tenantId,omitempty"`
	Patterns []PatternSignal `json:"patterns,omitempty"`
	Domain   DomainSignals   `json:"domain"`

	// SourceID identifies the submitting source (IP, API key) for
	// signup-velocity tracking. Optional.
	SourceID string `json:"sourceId,omitempty"`
}

// OrderScore holds the per-order cross-entropies and derived values.
type OrderScore struct {
	Order      int     `json:"order"`
	LegitBits  float64 `json:"legitBits"`
	FraudBits  float64 `json:"fraudBits"`
	Prediction string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

// Decision is the complete result of scoring one candidate.
// Computed fresh per request and never mutated afterwards.
type Decision struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	Candidate string `json:"candidate"` // local-part actually scored

	ClassificationRisk float64 `json:"classificationRisk"`
	AbnormalityRisk    float64 `json:"abnormalityRisk"`
	DomainRisk         float64 `json:"domainRisk"`
	FinalRisk          float64 `json:"finalRisk"`

	OODZone    string `json:"oodZone"`
	Outcome    string `json:"outcome"`
	ReasonCode string `json:"reasonCode"`

	// Ensemble detail, empty when models were unavailable or short-circuited.
	EnsembleReason string       `json:"ensembleReason,omitempty"`
	Orders         []OrderScore `json:"orders,omitempty"`

	ModelVersion int64     `json:"modelVersion,omitempty"`
	Timestamp    time.Time `json:"timestamp"`

	Metadata DecisionMetadata `json:"metadata"`
}

// DecisionMetadata contains processing information.
type DecisionMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	ScoreMs       int64  `json:"scoreMs"`
	TotalMs       int64  `json:"totalMs"`
	Degraded      bool   `json:"degraded,omitempty"`
	SourceCount   int64  `json:"sourceCount,omitempty"` // signups from this source in window
	EngineVersion string `json:"engineVersion"`
}

// ShouldAlert reports whether a decision should be published to the alert topic.
func ShouldAlert(d *Decision) bool {
	return d.Outcome == OutcomeBlock
}
