// Package threat inspects outbound transactions for known attack signatures.
//
// The detector runs a fixed battery of independent checks over destination,
// value, and call payload, and unions their findings into a verdict. Any
// critical finding makes the verdict disallowed; warnings accumulate but do
// not block on their own.
package threat

import (
	"strings"

	"github.com/agentwall/agentwall/internal/registry"
)

// Kind identifies a class of detected threat.
type Kind string

const (
	KindDelegationHijack  Kind = "delegation_hijack"
	KindHiddenApproval    Kind = "hidden_approval_grant"
	KindUnknownContract   Kind = "unknown_contract"
	KindBlockedContract   Kind = "blocked_contract"
	KindTierRiskMismatch  Kind = "tier_risk_mismatch"
	KindSuspiciousPayload Kind = "suspicious_payload"
	KindDangerousOpcode   Kind = "dangerous_opcode"
	KindExcessiveApproval Kind = "excessive_approval"
)

// Severity grades a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is a single structured detection result. Findings are transient;
// they live only as long as the validation call that produced them.
type Finding struct {
	Kind           Kind              `json:"kind"`
	Severity       Severity          `json:"severity"`
	Description    string            `json:"description"`
	Details        map[string]string `json:"details,omitempty"`
	Recommendation string            `json:"recommendation,omitempty"`
}

// Verdict aggregates the findings for one transaction.
type Verdict struct {
	Findings []Finding                `json:"findings"`
	Record   *registry.ContractRecord `json:"record,omitempty"`
	Allowed  bool                     `json:"allowed"`
	Risk     registry.RiskTier        `json:"risk"`
}

// Criticals returns the critical findings.
func (v *Verdict) Criticals() []Finding {
	var out []Finding
	for _, f := range v.Findings {
		if f.Severity == SeverityCritical {
			out = append(out, f)
		}
	}
	return out
}

// Warnings returns the warning findings.
func (v *Verdict) Warnings() []Finding {
	var out []Finding
	for _, f := range v.Findings {
		if f.Severity == SeverityWarning {
			out = append(out, f)
		}
	}
	return out
}

// RejectionReason joins the critical findings into one human-readable reason.
// Empty when the verdict is allowed.
func (v *Verdict) RejectionReason() string {
	crits := v.Criticals()
	if len(crits) == 0 {
		return ""
	}
	parts := make([]string, 0, len(crits))
	for _, f := range crits {
		parts = append(parts, f.Description)
	}
	return strings.Join(parts, "; ")
}
