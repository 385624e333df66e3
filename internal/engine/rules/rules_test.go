package rules

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dpm/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func stateWithCashWeight(total, positionsValue string) *domain.SimulatedState {
	return &domain.SimulatedState{
		TotalValue:   dec(total),
		BaseCurrency: "USD",
		Positions: []domain.EnrichedPosition{
			{InstrumentID: "AAA", ValueBase: dec(positionsValue), Weight: dec(positionsValue).Div(dec(total))},
		},
	}
}

func findRule(t *testing.T, results []domain.RuleResult, id string) domain.RuleResult {
	t.Helper()
	for _, r := range results {
		if r.RuleID == id {
			return r
		}
	}
	t.Fatalf("rule %s not found", id)
	return domain.RuleResult{}
}

func TestEvaluateEmitsAllRules(t *testing.T) {
	results := Evaluate(Inputs{After: stateWithCashWeight("1000", "900")})
	ids := map[string]bool{}
	for _, r := range results {
		ids[r.RuleID] = true
	}
	for _, want := range []string{
		domain.RuleCashBand, domain.RuleSinglePositionMax, domain.RuleDataQuality,
		domain.RuleMinTradeSize, domain.RuleNoShorting, domain.RuleInsufficientCash,
		domain.RuleReconciliation,
	} {
		assert.True(t, ids[want], "missing %s", want)
	}
}

func TestCashBandSoftFail(t *testing.T) {
	in := Inputs{
		After: stateWithCashWeight("1000", "990"), // cash weight 0.01
		Options: domain.EngineOptions{
			CashBandMinWeight: decPtr("0.02"),
			CashBandMaxWeight: decPtr("0.10"),
		},
	}
	r := findRule(t, Evaluate(in), domain.RuleCashBand)
	assert.False(t, r.Passed)
	assert.Equal(t, domain.SeveritySoft, r.Severity)
	assert.Equal(t, domain.StatusPendingReview, DeriveStatus(Evaluate(in)))
}

func TestSinglePositionMaxHardFail(t *testing.T) {
	in := Inputs{
		After:   stateWithCashWeight("1000", "900"), // AAA at 0.9
		Options: domain.EngineOptions{SinglePositionMaxWeight: decPtr("0.30")},
	}
	results := Evaluate(in)
	r := findRule(t, results, domain.RuleSinglePositionMax)
	assert.False(t, r.Passed)
	assert.Equal(t, domain.SeverityHard, r.Severity)
	assert.Contains(t, r.Reasons, "AAA")
	assert.Equal(t, domain.StatusBlocked, DeriveStatus(results))
}

func TestSinglePositionRoundingSlackTolerated(t *testing.T) {
	// Weight 0.302 with cap 0.30: integer share rounding noise, not a breach.
	in := Inputs{
		After: &domain.SimulatedState{
			TotalValue:   dec("1000"),
			BaseCurrency: "USD",
			Positions: []domain.EnrichedPosition{
				{InstrumentID: "AAA", ValueBase: dec("302"), Weight: dec("0.302")},
			},
		},
		Options: domain.EngineOptions{SinglePositionMaxWeight: decPtr("0.30")},
	}
	r := findRule(t, Evaluate(in), domain.RuleSinglePositionMax)
	assert.True(t, r.Passed)
}

func TestSinglePositionTargetAssignedWeightTolerated(t *testing.T) {
	// Constraint redistribution can deliberately push one instrument past the
	// cap; the rule must not block the generator's own output.
	in := Inputs{
		After: &domain.SimulatedState{
			TotalValue:   dec("1000"),
			BaseCurrency: "USD",
			Positions: []domain.EnrichedPosition{
				{InstrumentID: "BOND_C", ValueBase: dec("800"), Weight: dec("0.8")},
			},
		},
		Target: &domain.TargetAllocation{Targets: []domain.TargetWeight{
			{InstrumentID: "BOND_C", FinalWeight: dec("0.8")},
		}},
		Options: domain.EngineOptions{SinglePositionMaxWeight: decPtr("0.30")},
	}
	r := findRule(t, Evaluate(in), domain.RuleSinglePositionMax)
	assert.True(t, r.Passed)
}

func TestDataQualityBlocksWhenConfigured(t *testing.T) {
	in := Inputs{
		After:       stateWithCashWeight("1000", "900"),
		DataQuality: domain.DataQuality{PriceMissing: []string{"AAA"}},
		Options:     domain.EngineOptions{BlockOnMissingPrices: true},
	}
	results := Evaluate(in)
	r := findRule(t, results, domain.RuleDataQuality)
	assert.False(t, r.Passed)
	assert.Equal(t, domain.SeverityHard, r.Severity)
	assert.Equal(t, domain.StatusBlocked, DeriveStatus(results))
}

func TestDataQualityInformationalWhenNotBlocking(t *testing.T) {
	in := Inputs{
		After:       stateWithCashWeight("1000", "900"),
		DataQuality: domain.DataQuality{FXMissing: []string{"cash:JPY"}},
	}
	results := Evaluate(in)
	r := findRule(t, results, domain.RuleDataQuality)
	assert.True(t, r.Passed)
	assert.Equal(t, domain.StatusReady, DeriveStatus(results))
}

func TestNoShortingHardFail(t *testing.T) {
	in := Inputs{
		After:    stateWithCashWeight("1000", "900"),
		Shorting: []string{"AAA"},
	}
	results := Evaluate(in)
	r := findRule(t, results, domain.RuleNoShorting)
	require.False(t, r.Passed)
	assert.Contains(t, r.Reasons, domain.ReasonSellExceedsHoldings)
	assert.Contains(t, r.Reasons, "AAA")
	assert.Equal(t, domain.StatusBlocked, DeriveStatus(results))
}

func TestInsufficientCashWithLadderBreach(t *testing.T) {
	in := Inputs{
		After:          stateWithCashWeight("1000", "900"),
		LadderBreaches: []string{"OVERDRAFT_ON_T_PLUS_1"},
	}
	results := Evaluate(in)
	r := findRule(t, results, domain.RuleInsufficientCash)
	assert.False(t, r.Passed)
	assert.Contains(t, r.Reasons, "OVERDRAFT_ON_T_PLUS_1")
	assert.Equal(t, domain.StatusBlocked, DeriveStatus(results))
}

func TestReconciliationMismatchBlocks(t *testing.T) {
	in := Inputs{
		After: stateWithCashWeight("1000", "900"),
		Reconciliation: &domain.Reconciliation{
			Status:    "MISMATCH",
			Delta:     dec("100"),
			Tolerance: dec("1"),
		},
	}
	results := Evaluate(in)
	r := findRule(t, results, domain.RuleReconciliation)
	assert.False(t, r.Passed)
	assert.Contains(t, r.Reasons, domain.ReasonValueMismatch)
	assert.Equal(t, domain.StatusBlocked, DeriveStatus(results))
}

func TestCleanRunIsReady(t *testing.T) {
	results := Evaluate(Inputs{After: stateWithCashWeight("1000", "900")})
	assert.Equal(t, domain.StatusReady, DeriveStatus(results))
}

func TestMinTradeSizeInformational(t *testing.T) {
	in := Inputs{
		After: stateWithCashWeight("1000", "900"),
		Suppressed: []domain.SuppressedIntent{
			{InstrumentID: "AAA", Side: domain.SideBuy, Reason: domain.ReasonBelowMinNotional},
		},
	}
	results := Evaluate(in)
	r := findRule(t, results, domain.RuleMinTradeSize)
	assert.True(t, r.Passed)
	assert.Contains(t, r.Reasons, "AAA")
	assert.Equal(t, domain.StatusReady, DeriveStatus(results))
}
