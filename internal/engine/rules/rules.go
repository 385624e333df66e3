// Package rules evaluates compliance rules against the simulated after-state
// and derives the run status from the failures.
package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/domain"
)

// Inputs carries everything the rule set inspects.
type Inputs struct {
	After          *domain.SimulatedState
	Target         *domain.TargetAllocation
	Options        domain.EngineOptions
	DataQuality    domain.DataQuality
	Suppressed     []domain.SuppressedIntent
	Shorting       []string
	Insufficient   []string
	LadderBreaches []string
	Reconciliation *domain.Reconciliation
}

// Evaluate runs the full rule set in a fixed order. Every rule always emits a
// result so the artifact records what was checked, not just what failed.
func Evaluate(in Inputs) []domain.RuleResult {
	results := []domain.RuleResult{
		cashBand(in),
		singlePositionMax(in),
		dataQuality(in),
		minTradeSize(in),
		noShorting(in),
		insufficientCash(in),
		reconciliation(in),
	}
	return results
}

// DeriveStatus maps rule failures to the run status: any HARD fail blocks,
// any SOFT fail routes to review, otherwise the run is ready.
func DeriveStatus(results []domain.RuleResult) domain.RunStatus {
	status := domain.StatusReady
	for _, r := range results {
		if r.Passed {
			continue
		}
		if r.Severity == domain.SeverityHard {
			return domain.StatusBlocked
		}
		if r.Severity == domain.SeveritySoft {
			status = domain.StatusPendingReview
		}
	}
	return status
}

func cashBand(in Inputs) domain.RuleResult {
	r := domain.RuleResult{RuleID: domain.RuleCashBand, Severity: domain.SeveritySoft, Passed: true}
	if in.Options.CashBandMinWeight == nil && in.Options.CashBandMaxWeight == nil {
		r.Message = "no cash band configured"
		return r
	}
	cashWeight := in.After.CashWeight()
	if in.Options.CashBandMinWeight != nil && cashWeight.LessThan(*in.Options.CashBandMinWeight) {
		r.Passed = false
		r.Message = fmt.Sprintf("cash weight %s below band minimum %s", cashWeight.StringFixed(4), in.Options.CashBandMinWeight.StringFixed(4))
	}
	if in.Options.CashBandMaxWeight != nil && cashWeight.GreaterThan(*in.Options.CashBandMaxWeight) {
		r.Passed = false
		r.Message = fmt.Sprintf("cash weight %s above band maximum %s", cashWeight.StringFixed(4), in.Options.CashBandMaxWeight.StringFixed(4))
	}
	return r
}

func singlePositionMax(in Inputs) domain.RuleResult {
	r := domain.RuleResult{RuleID: domain.RuleSinglePositionMax, Severity: domain.SeverityHard, Passed: true}
	if in.Options.SinglePositionMaxWeight == nil {
		r.Message = "no single position cap configured"
		return r
	}
	limit := *in.Options.SinglePositionMaxWeight
	// Integer share rounding can leave the realized weight marginally above
	// the cap, and constraint redistribution can deliberately assign a target
	// above it. The rule flags weight beyond what the target generator
	// assigned, not the generator's own output.
	slack := decimal.RequireFromString("0.005")
	for _, p := range in.After.Positions {
		allowed := limit
		if in.Target != nil {
			if tw := in.Target.Weight(p.InstrumentID); tw.GreaterThan(allowed) {
				allowed = tw
			}
		}
		if p.Weight.GreaterThan(allowed.Add(slack)) {
			r.Passed = false
			r.Reasons = append(r.Reasons, p.InstrumentID)
		}
	}
	if !r.Passed {
		r.Message = fmt.Sprintf("positions above cap %s: %s", limit.StringFixed(4), strings.Join(r.Reasons, ", "))
	}
	return r
}

func dataQuality(in Inputs) domain.RuleResult {
	r := domain.RuleResult{RuleID: domain.RuleDataQuality, Severity: domain.SeverityInfo, Passed: true}
	if in.DataQuality.Empty() {
		return r
	}
	if len(in.DataQuality.PriceMissing) > 0 {
		r.Reasons = append(r.Reasons, domain.BucketPriceMissing+":"+strings.Join(in.DataQuality.PriceMissing, ","))
		if in.Options.BlockOnMissingPrices {
			r.Severity = domain.SeverityHard
			r.Passed = false
		}
	}
	if len(in.DataQuality.FXMissing) > 0 {
		r.Reasons = append(r.Reasons, domain.BucketFXMissing+":"+strings.Join(in.DataQuality.FXMissing, ","))
		if in.Options.BlockOnMissingFX {
			r.Severity = domain.SeverityHard
			r.Passed = false
		}
	}
	if r.Passed {
		r.Message = "market data gaps present but not configured to block"
	}
	return r
}

func minTradeSize(in Inputs) domain.RuleResult {
	r := domain.RuleResult{RuleID: domain.RuleMinTradeSize, Severity: domain.SeverityInfo, Passed: true}
	if len(in.Suppressed) > 0 {
		r.Message = fmt.Sprintf("%d intents suppressed below minimum notional", len(in.Suppressed))
		for _, s := range in.Suppressed {
			r.Reasons = append(r.Reasons, s.InstrumentID)
		}
	}
	return r
}

func noShorting(in Inputs) domain.RuleResult {
	r := domain.RuleResult{RuleID: domain.RuleNoShorting, Severity: domain.SeverityHard, Passed: true}
	if len(in.Shorting) > 0 {
		r.Passed = false
		r.Reasons = append([]string{domain.ReasonSellExceedsHoldings}, in.Shorting...)
		r.Message = "simulated holdings go negative: " + strings.Join(in.Shorting, ", ")
	}
	return r
}

func insufficientCash(in Inputs) domain.RuleResult {
	r := domain.RuleResult{RuleID: domain.RuleInsufficientCash, Severity: domain.SeverityHard, Passed: true}
	if len(in.Insufficient) > 0 {
		r.Passed = false
		r.Reasons = append(r.Reasons, in.Insufficient...)
		r.Message = "projected cash negative in: " + strings.Join(in.Insufficient, ", ")
	}
	if len(in.LadderBreaches) > 0 {
		r.Passed = false
		r.Reasons = append(r.Reasons, in.LadderBreaches...)
		if r.Message == "" {
			r.Message = "settlement ladder overdraft: " + strings.Join(in.LadderBreaches, ", ")
		}
	}
	return r
}

func reconciliation(in Inputs) domain.RuleResult {
	r := domain.RuleResult{RuleID: domain.RuleReconciliation, Severity: domain.SeverityHard, Passed: true}
	if in.Reconciliation == nil {
		return r
	}
	if in.Reconciliation.Status != "OK" {
		r.Passed = false
		r.Reasons = append(r.Reasons, domain.ReasonValueMismatch)
		r.Message = fmt.Sprintf("before/after totals differ by %s (tolerance %s)",
			in.Reconciliation.Delta.String(), in.Reconciliation.Tolerance.String())
	}
	return r
}
