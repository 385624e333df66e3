package advisory

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/domain"
)

// ScanInputs feeds the suitability scanner. Before and after are the valued
// states; intents are inspected for governance violations (attempted buys on
// disallowed shelf statuses, even when execution blocked them).
type ScanInputs struct {
	Before      *domain.SimulatedState
	After       *domain.SimulatedState
	Shelf       domain.Shelf
	Intents     []domain.Intent
	DataQuality domain.DataQuality
	Options     domain.EngineOptions
}

// Scan runs the enabled suitability checks over both states and classifies
// each finding as NEW (after only), RESOLVED (before only) or PERSISTENT.
func Scan(in ScanInputs) *domain.SuitabilityReport {
	if in.Options.Suitability == nil {
		return nil
	}
	th := in.Options.Suitability

	beforeIssues := scanState(in.Before, in.Shelf, in.Options)
	afterIssues := scanState(in.After, in.Shelf, in.Options)

	// Governance and data-quality findings describe the run, not a state;
	// they only ever appear on the after side and therefore classify as NEW.
	for _, iss := range governanceIssues(in.Intents, in.Shelf, in.Options) {
		afterIssues[iss.IssueKey] = iss
	}
	if sev := th.DataQualitySeverity; sev != "" && !in.DataQuality.Empty() {
		for _, bucket := range dataQualityBuckets(in.DataQuality) {
			key := "data_quality:" + bucket
			afterIssues[key] = domain.SuitabilityIssue{
				IssueKey:  key,
				Dimension: "data_quality",
				Entity:    bucket,
				Severity:  sev,
				Message:   "market data gaps in " + bucket,
			}
		}
	}

	report := &domain.SuitabilityReport{}
	keys := map[string]bool{}
	for k := range beforeIssues {
		keys[k] = true
	}
	for k := range afterIssues {
		keys[k] = true
	}
	for k := range keys {
		_, inBefore := beforeIssues[k]
		iss, inAfter := afterIssues[k]
		switch {
		case inBefore && inAfter:
			iss.Status = domain.IssuePersistent
		case inAfter:
			iss.Status = domain.IssueNew
		default:
			iss = beforeIssues[k]
			iss.Status = domain.IssueResolved
		}
		report.Issues = append(report.Issues, iss)
	}

	sort.SliceStable(report.Issues, func(i, j int) bool {
		a, b := report.Issues[i], report.Issues[j]
		if a.Status != b.Status {
			return domain.IssueStatusRank(a.Status) < domain.IssueStatusRank(b.Status)
		}
		if a.Severity != b.Severity {
			return domain.SeverityRank(a.Severity) < domain.SeverityRank(b.Severity)
		}
		if a.Dimension != b.Dimension {
			return a.Dimension < b.Dimension
		}
		return a.IssueKey < b.IssueKey
	})

	report.RecommendedGate = "NONE"
	for _, iss := range report.Issues {
		if iss.Status != domain.IssueNew {
			continue
		}
		if iss.Severity == domain.SevHigh {
			report.RecommendedGate = "COMPLIANCE_REVIEW"
			break
		}
		if iss.Severity == domain.SevMedium && report.RecommendedGate == "NONE" {
			report.RecommendedGate = "RISK_REVIEW"
		}
	}
	return report
}

// scanState evaluates the per-state checks: single position, issuer
// concentration, liquidity tiers and the cash band.
func scanState(state *domain.SimulatedState, shelf domain.Shelf, opts domain.EngineOptions) map[string]domain.SuitabilityIssue {
	issues := map[string]domain.SuitabilityIssue{}
	if state == nil {
		return issues
	}
	th := opts.Suitability

	if th.SinglePositionMaxWeight != nil {
		for _, p := range state.Positions {
			if p.Weight.GreaterThan(*th.SinglePositionMaxWeight) {
				key := "single_position:" + p.InstrumentID
				issues[key] = domain.SuitabilityIssue{
					IssueKey:  key,
					Dimension: "single_position",
					Entity:    p.InstrumentID,
					Severity:  domain.SevHigh,
					Message:   fmt.Sprintf("weight %s exceeds cap %s", p.Weight.StringFixed(4), th.SinglePositionMaxWeight.StringFixed(4)),
				}
			}
		}
	}

	if th.IssuerMaxWeight != nil {
		byIssuer := map[string]decimal.Decimal{}
		for _, p := range state.Positions {
			if entry, ok := shelf.Entry(p.InstrumentID); ok && entry.IssuerID != "" {
				byIssuer[entry.IssuerID] = byIssuer[entry.IssuerID].Add(p.Weight)
			}
		}
		for issuer, w := range byIssuer {
			if w.GreaterThan(*th.IssuerMaxWeight) {
				key := "issuer:" + issuer
				issues[key] = domain.SuitabilityIssue{
					IssueKey:  key,
					Dimension: "issuer",
					Entity:    issuer,
					Severity:  domain.SevHigh,
					Message:   fmt.Sprintf("issuer weight %s exceeds cap %s", w.StringFixed(4), th.IssuerMaxWeight.StringFixed(4)),
				}
			}
		}
	}

	if len(th.LiquidityTierMaxWeight) > 0 {
		byTier := map[string]decimal.Decimal{}
		for _, p := range state.Positions {
			if entry, ok := shelf.Entry(p.InstrumentID); ok && entry.LiquidityTier != "" {
				byTier[entry.LiquidityTier] = byTier[entry.LiquidityTier].Add(p.Weight)
			}
		}
		for tier, maxW := range th.LiquidityTierMaxWeight {
			if byTier[tier].GreaterThan(maxW) {
				key := "liquidity_tier:" + tier
				issues[key] = domain.SuitabilityIssue{
					IssueKey:  key,
					Dimension: "liquidity_tier",
					Entity:    tier,
					Severity:  domain.SevMedium,
					Message:   fmt.Sprintf("tier weight %s exceeds cap %s", byTier[tier].StringFixed(4), maxW.StringFixed(4)),
				}
			}
		}
	}

	if opts.CashBandMinWeight != nil || opts.CashBandMaxWeight != nil {
		cw := state.CashWeight()
		outside := false
		if opts.CashBandMinWeight != nil && cw.LessThan(*opts.CashBandMinWeight) {
			outside = true
		}
		if opts.CashBandMaxWeight != nil && cw.GreaterThan(*opts.CashBandMaxWeight) {
			outside = true
		}
		if outside {
			key := "cash_band:" + state.BaseCurrency
			issues[key] = domain.SuitabilityIssue{
				IssueKey:  key,
				Dimension: "cash_band",
				Entity:    state.BaseCurrency,
				Severity:  domain.SevMedium,
				Message:   fmt.Sprintf("cash weight %s outside configured band", cw.StringFixed(4)),
			}
		}
	}

	return issues
}

func governanceIssues(intents []domain.Intent, shelf domain.Shelf, opts domain.EngineOptions) []domain.SuitabilityIssue {
	var out []domain.SuitabilityIssue
	seen := map[string]bool{}
	for _, it := range intents {
		if !it.IsBuy() || seen[it.InstrumentID] {
			continue
		}
		entry, ok := shelf.Entry(it.InstrumentID)
		allowed := ok && (entry.Status == domain.ShelfApproved ||
			(entry.Status == domain.ShelfRestricted && opts.AllowRestricted))
		if allowed {
			continue
		}
		seen[it.InstrumentID] = true
		status := "MISSING_SHELF"
		if ok {
			status = string(entry.Status)
		}
		key := "governance:" + it.InstrumentID
		out = append(out, domain.SuitabilityIssue{
			IssueKey:  key,
			Dimension: "governance",
			Entity:    it.InstrumentID,
			Severity:  domain.SevHigh,
			Message:   "buy attempted on shelf status " + status,
		})
	}
	return out
}

func dataQualityBuckets(dq domain.DataQuality) []string {
	var out []string
	if len(dq.PriceMissing) > 0 {
		out = append(out, domain.BucketPriceMissing)
	}
	if len(dq.FXMissing) > 0 {
		out = append(out, domain.BucketFXMissing)
	}
	return out
}
