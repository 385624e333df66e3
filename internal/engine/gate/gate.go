// Package gate derives the workflow routing decision for a finished run. It
// is a pure function of the run status, rule results, suitability findings
// and diagnostics.
package gate

import (
	"sort"

	"github.com/aristath/dpm/internal/domain"
)

// Inputs is everything the gate inspects.
type Inputs struct {
	Status      domain.RunStatus
	RuleResults []domain.RuleResult
	Suitability *domain.SuitabilityReport
	Diagnostics domain.Diagnostics
	Options     domain.EngineOptions
}

// Evaluate routes the run. The four checks run in a strict order; the first
// matching one decides the gate.
func Evaluate(in Inputs) *domain.GateDecision {
	if !in.Options.EnableWorkflowGates {
		return nil
	}

	// 1. Blocked runs go back to the caller with every hard failure.
	if in.Status == domain.StatusBlocked {
		return &domain.GateDecision{
			Gate:     domain.GateBlocked,
			NextStep: domain.NextStepFixInput,
			Reasons:  sortReasons(blockedReasons(in)),
		}
	}

	// 2. New HIGH suitability findings and governance violations force
	// compliance review.
	if hasSuitability(in.Suitability, domain.SevHigh) || hasGovernanceViolation(in.Suitability) {
		return &domain.GateDecision{
			Gate:     domain.GateComplianceReview,
			NextStep: domain.NextStepComplianceReview,
			Reasons:  sortReasons(reviewReasons(in, domain.SevHigh)),
		}
	}

	// 3. Soft rule failures and new MEDIUM suitability findings route to
	// risk review.
	if hasSoftFail(in.RuleResults) || hasSuitability(in.Suitability, domain.SevMedium) {
		return &domain.GateDecision{
			Gate:     domain.GateRiskReview,
			NextStep: domain.NextStepRiskReview,
			Reasons:  sortReasons(reviewReasons(in, domain.SevMedium)),
		}
	}

	// 4. Clean and feasible.
	if in.Options.ClientConsentAlreadyObtained || !in.Options.WorkflowRequiresClientConsent {
		return &domain.GateDecision{
			Gate:     domain.GateExecutionReady,
			NextStep: domain.NextStepExecute,
		}
	}
	return &domain.GateDecision{
		Gate:     domain.GateClientConsent,
		NextStep: domain.NextStepClientConsent,
	}
}

func blockedReasons(in Inputs) []domain.GateReason {
	var reasons []domain.GateReason
	for _, r := range in.RuleResults {
		if r.Passed || r.Severity != domain.SeverityHard {
			continue
		}
		code := r.RuleID
		if len(r.Reasons) > 0 {
			code = r.Reasons[0]
		}
		reasons = append(reasons, domain.GateReason{
			Severity:   domain.SevHigh,
			Source:     "RULE",
			ReasonCode: code,
			Message:    r.Message,
		})
	}
	for _, breach := range in.Diagnostics.CashLadderBreaches {
		reasons = append(reasons, domain.GateReason{
			Severity:   domain.SevHigh,
			Source:     "DIAGNOSTIC",
			ReasonCode: breach,
		})
	}
	for _, ccy := range in.Diagnostics.InsufficientCash {
		reasons = append(reasons, domain.GateReason{
			Severity:   domain.SevHigh,
			Source:     "DIAGNOSTIC",
			ReasonCode: domain.RuleInsufficientCash + ":" + ccy,
		})
	}
	for _, pair := range in.Diagnostics.MissingFXPairs {
		reasons = append(reasons, domain.GateReason{
			Severity:   domain.SevHigh,
			Source:     "DIAGNOSTIC",
			ReasonCode: domain.ReasonProposalMissingFX + ":" + pair,
		})
	}
	return reasons
}

func reviewReasons(in Inputs, minSeverity string) []domain.GateReason {
	var reasons []domain.GateReason
	for _, r := range in.RuleResults {
		if r.Passed || r.Severity != domain.SeveritySoft {
			continue
		}
		reasons = append(reasons, domain.GateReason{
			Severity:   domain.SevMedium,
			Source:     "RULE",
			ReasonCode: r.RuleID,
			Message:    r.Message,
		})
	}
	if in.Suitability != nil {
		for _, issue := range in.Suitability.Issues {
			if issue.Status != domain.IssueNew {
				continue
			}
			if domain.SeverityRank(issue.Severity) > domain.SeverityRank(minSeverity) {
				continue
			}
			reasons = append(reasons, domain.GateReason{
				Severity:   issue.Severity,
				Source:     "SUITABILITY",
				ReasonCode: issue.IssueKey,
				Message:    issue.Message,
			})
		}
	}
	return reasons
}

func hasSuitability(report *domain.SuitabilityReport, severity string) bool {
	if report == nil {
		return false
	}
	for _, issue := range report.Issues {
		if issue.Status == domain.IssueNew && issue.Severity == severity {
			return true
		}
	}
	return false
}

func hasGovernanceViolation(report *domain.SuitabilityReport) bool {
	if report == nil {
		return false
	}
	for _, issue := range report.Issues {
		if issue.Dimension == "governance" && issue.Status == domain.IssueNew {
			return true
		}
	}
	return false
}

func hasSoftFail(results []domain.RuleResult) bool {
	for _, r := range results {
		if !r.Passed && r.Severity == domain.SeveritySoft {
			return true
		}
	}
	return false
}

// sortReasons orders by severity (HIGH, MEDIUM, LOW), then source, then
// reason code.
func sortReasons(reasons []domain.GateReason) []domain.GateReason {
	sort.SliceStable(reasons, func(i, j int) bool {
		ri, rj := domain.SeverityRank(reasons[i].Severity), domain.SeverityRank(reasons[j].Severity)
		if ri != rj {
			return ri < rj
		}
		if reasons[i].Source != reasons[j].Source {
			return reasons[i].Source < reasons[j].Source
		}
		return reasons[i].ReasonCode < reasons[j].ReasonCode
	})
	return reasons
}
