// Package policy is the decision engine: a pure, deterministic function from a
// tenant's policy profile plus the computed features and inference signals
// to a decision and the reasons that produced it. ML signals are inputs the
// ladder consults, never an authority that can override it.
package policy

import (
	"fmt"

	"origin/pkg/models"
)

const (
	DecisionAllow      = "ALLOW"
	DecisionReview     = "REVIEW"
	DecisionQuarantine = "QUARANTINE"
	DecisionReject     = "REJECT"
)

// Thresholds is the opaque, per-profile document the ladder reads; never a
// constant baked into this package. Scores and thresholds both live in
// [0,1], matching RiskSignals.
type Thresholds struct {
	RiskReview               float64
	RiskQuarantine           float64
	RiskReject               float64
	AssuranceAllow           float64
	IdentityConfidenceReview float64
	AnomalyReview            float64
	SyntheticReview          float64
}

// DefaultThresholds is the bundled fallback profile: ThresholdsFromProfile
// starts from it and keeps its value for every threshold a profile omits.
var DefaultThresholds = Thresholds{
	RiskReview:               0.30,
	RiskQuarantine:           0.70,
	RiskReject:               0.90,
	AssuranceAllow:           0.80,
	IdentityConfidenceReview: 0.30,
	AnomalyReview:            0.30,
	SyntheticReview:          0.70,
}

func ThresholdsFromProfile(profile models.PolicyProfile) Thresholds {
	t := DefaultThresholds
	get := func(key string, dst *float64) {
		if raw, ok := profile.ThresholdsJSON[key]; ok {
			if v, ok := toFloat(raw); ok {
				*dst = v
			}
		}
	}
	get("risk_threshold_review", &t.RiskReview)
	get("risk_threshold_quarantine", &t.RiskQuarantine)
	get("risk_threshold_reject", &t.RiskReject)
	get("assurance_threshold_allow", &t.AssuranceAllow)
	get("identity_confidence_threshold_review", &t.IdentityConfidenceReview)
	get("anomaly_threshold_review", &t.AnomalyReview)
	get("synthetic_threshold", &t.SyntheticReview)
	return t
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Result carries the decision, the rule names that fired, and the stable
// reason codes the certificate and ledger record.
type Result struct {
	Decision       string
	PolicyVersion  string
	TriggeredRules []string
	ReasonCodes    []string
	Rationale      string
}

// Evaluate walks the decision ladder in strict precedence order: hard
// blocks first, then risk thresholds, then assurance-gated allow, then the
// identity/anomaly/synthetic review gates, defaulting to REVIEW. Tie-break
// order across the whole ladder is REJECT > QUARANTINE > REVIEW > ALLOW —
// each branch below returns as soon as it fires, so no later, lower-priority
// branch can downgrade an earlier decision.
func Evaluate(profile models.PolicyProfile, features models.Features, signals models.RiskSignals, priorReject, priorQuarantine bool) Result {
	t := ThresholdsFromProfile(profile)

	if priorReject {
		return Result{
			Decision:       DecisionReject,
			PolicyVersion:  profile.Version,
			TriggeredRules: []string{"HARD_BLOCK_PRIOR_REJECT"},
			ReasonCodes:    []string{"PRIOR_REJECT"},
			Rationale:      "content was previously rejected",
		}
	}
	if priorQuarantine {
		return Result{
			Decision:       DecisionQuarantine,
			PolicyVersion:  profile.Version,
			TriggeredRules: []string{"HARD_BLOCK_PRIOR_QUARANTINE"},
			ReasonCodes:    []string{"PRIOR_QUARANTINE"},
			Rationale:      "content was previously quarantined",
		}
	}

	if signals.Risk >= t.RiskReject {
		return Result{
			Decision:       DecisionReject,
			PolicyVersion:  profile.Version,
			TriggeredRules: []string{"RISK_THRESHOLD_REJECT"},
			ReasonCodes:    []string{"HIGH_RISK"},
			Rationale:      fmt.Sprintf("risk score %.3f exceeds reject threshold %.3f", signals.Risk, t.RiskReject),
		}
	}
	if signals.Risk >= t.RiskQuarantine {
		return Result{
			Decision:       DecisionQuarantine,
			PolicyVersion:  profile.Version,
			TriggeredRules: []string{"RISK_THRESHOLD_QUARANTINE"},
			ReasonCodes:    []string{"HIGH_RISK"},
			Rationale:      fmt.Sprintf("risk score %.3f exceeds quarantine threshold %.3f", signals.Risk, t.RiskQuarantine),
		}
	}

	if signals.Assurance >= t.AssuranceAllow && signals.Risk < t.RiskReview {
		return Result{
			Decision:       DecisionAllow,
			PolicyVersion:  profile.Version,
			TriggeredRules: []string{"ASSURANCE_THRESHOLD_ALLOW"},
			ReasonCodes:    []string{"HIGH_ASSURANCE"},
			Rationale:      fmt.Sprintf("assurance score %.3f meets allow threshold with low risk", signals.Assurance),
		}
	}

	if features.IdentityConfidence < t.IdentityConfidenceReview {
		return Result{
			Decision:       DecisionReview,
			PolicyVersion:  profile.Version,
			TriggeredRules: []string{"LOW_IDENTITY_CONFIDENCE"},
			ReasonCodes:    []string{"NEW_IDENTITY"},
			Rationale:      fmt.Sprintf("low identity confidence %.3f requires review", features.IdentityConfidence),
		}
	}

	if signals.Anomaly < t.AnomalyReview {
		return Result{
			Decision:       DecisionReview,
			PolicyVersion:  profile.Version,
			TriggeredRules: []string{"HIGH_ANOMALY"},
			ReasonCodes:    []string{"ANOMALOUS_PATTERN"},
			Rationale:      fmt.Sprintf("anomaly score %.3f indicates an unusual pattern", signals.Anomaly),
		}
	}

	if signals.SyntheticLikelihood >= t.SyntheticReview {
		return Result{
			Decision:       DecisionReview,
			PolicyVersion:  profile.Version,
			TriggeredRules: []string{"SYNTHETIC_LIKELIHOOD"},
			ReasonCodes:    []string{"AI_DISCLOSURE_REQUIRED"},
			Rationale:      fmt.Sprintf("synthetic likelihood %.3f requires AI disclosure review", signals.SyntheticLikelihood),
		}
	}

	return Result{
		Decision:       DecisionReview,
		PolicyVersion:  profile.Version,
		TriggeredRules: []string{"DEFAULT_REVIEW"},
		ReasonCodes:    []string{"REQUIRES_MANUAL_REVIEW"},
		Rationale:      "content requires manual review",
	}
}
