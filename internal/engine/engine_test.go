package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
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

func testEngine() *Engine {
	return New(zerolog.Nop())
}

func meta() Meta {
	return Meta{
		RunID:         "run-1",
		CorrelationID: "c-1",
		RequestHash:   "sha256:test",
		Now:           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEmptyHoldingsAndModelIsReadyWithNoIntents(t *testing.T) {
	req := &domain.RebalanceRequest{
		Portfolio:  domain.PortfolioSnapshot{PortfolioID: "p-1", BaseCurrency: "USD"},
		MarketData: domain.MarketDataSnapshot{},
		Shelf:      domain.Shelf{},
		Model:      domain.ModelPortfolio{},
	}
	result := testEngine().Rebalance(req, meta())

	assert.Equal(t, domain.StatusReady, result.Status)
	assert.Empty(t, result.Intents)
	assert.Equal(t, Version, result.Lineage.EngineVersion)
}

func TestCashDeploymentSingleCurrency(t *testing.T) {
	// Base SGD, 660k cash; deploy 80% into a USD-denominated ETF.
	req := &domain.RebalanceRequest{
		Portfolio: domain.PortfolioSnapshot{
			PortfolioID:  "p-1",
			BaseCurrency: "SGD",
			Positions:    []domain.Position{{InstrumentID: "US_ETF", Quantity: decimal.Zero}},
			CashBalances: []domain.CashBalance{{Currency: "SGD", Amount: dec("660000")}},
		},
		MarketData: domain.MarketDataSnapshot{
			Prices:  []domain.InstrumentPrice{{InstrumentID: "US_ETF", Price: domain.Money{Amount: dec("500"), Currency: "USD"}}},
			FXRates: []domain.FXRate{{Pair: "USD/SGD", Rate: dec("1.35")}},
		},
		Shelf: domain.Shelf{{InstrumentID: "US_ETF", Status: domain.ShelfApproved, Currency: "USD"}},
		Model: domain.ModelPortfolio{"US_ETF": dec("0.80"), "CASH": dec("0.20")},
	}
	result := testEngine().Rebalance(req, meta())

	require.Equal(t, domain.StatusReady, result.Status)

	var fxIntents, buyIntents []domain.Intent
	for _, it := range result.Intents {
		if it.Type == domain.IntentFXSpot {
			fxIntents = append(fxIntents, it)
		}
		if it.IsBuy() {
			buyIntents = append(buyIntents, it)
		}
	}
	require.Len(t, fxIntents, 1)
	require.Len(t, buyIntents, 1)
	assert.Equal(t, "USD/SGD", fxIntents[0].Pair)
	assert.Equal(t, domain.RationaleFunding, fxIntents[0].Rationale.Code)
	assert.Contains(t, buyIntents[0].Dependencies, fxIntents[0].IntentID)

	// 0.8 * 660000 = 528000 SGD -> 391111.11 USD at 1.35 -> 782 shares.
	assert.True(t, buyIntents[0].Quantity.Equal(dec("782")), "got %s", buyIntents[0].Quantity)

	var sgdCash decimal.Decimal
	for _, cb := range result.AfterSimulated.CashBalances {
		if cb.Currency == "SGD" {
			sgdCash = cb.Amount
		}
	}
	// 660000 - 782*500*1.35 = 132150
	assert.True(t, sgdCash.Equal(dec("132150")), "got %s", sgdCash)
}

func TestCapAndGroupConstraintScenario(t *testing.T) {
	req := &domain.RebalanceRequest{
		Portfolio: domain.PortfolioSnapshot{
			PortfolioID:  "p-1",
			BaseCurrency: "USD",
			CashBalances: []domain.CashBalance{{Currency: "USD", Amount: dec("100000")}},
		},
		MarketData: domain.MarketDataSnapshot{
			Prices: []domain.InstrumentPrice{
				{InstrumentID: "TECH_A", Price: domain.Money{Amount: dec("100"), Currency: "USD"}},
				{InstrumentID: "TECH_B", Price: domain.Money{Amount: dec("100"), Currency: "USD"}},
				{InstrumentID: "BOND_C", Price: domain.Money{Amount: dec("100"), Currency: "USD"}},
			},
		},
		Shelf: domain.Shelf{
			{InstrumentID: "TECH_A", Status: domain.ShelfApproved, Currency: "USD", Attributes: map[string]string{"sector": "TECH"}},
			{InstrumentID: "TECH_B", Status: domain.ShelfApproved, Currency: "USD", Attributes: map[string]string{"sector": "TECH"}},
			{InstrumentID: "BOND_C", Status: domain.ShelfApproved, Currency: "USD", Attributes: map[string]string{"sector": "FIXED_INCOME"}},
		},
		Model: domain.ModelPortfolio{"TECH_A": dec("0.5"), "TECH_B": dec("0.5"), "BOND_C": decimal.Zero},
		Options: domain.EngineOptions{
			SinglePositionMaxWeight: decPtr("0.30"),
			GroupConstraints: map[string]domain.GroupConstraint{
				"sector:TECH": {MaxWeight: dec("0.20")},
			},
		},
	}
	result := testEngine().Rebalance(req, meta())

	require.Equal(t, domain.StatusReady, result.Status)
	require.NotNil(t, result.Target)
	techTotal := result.Target.Weight("TECH_A").Add(result.Target.Weight("TECH_B"))
	assert.True(t, techTotal.Equal(dec("0.2")), "got %s", techTotal)
	assert.True(t, result.Target.Weight("BOND_C").Equal(dec("0.8")))

	tagged := false
	for _, tw := range result.Target.Targets {
		for _, r := range tw.Reasons {
			if r == domain.TagCappedByGroupLimit {
				tagged = true
			}
		}
	}
	assert.True(t, tagged, "CAPPED_BY_GROUP_LIMIT tag expected")
}

func TestSettlementOverdraftBlocksRun(t *testing.T) {
	req := &domain.RebalanceRequest{
		Portfolio: domain.PortfolioSnapshot{
			PortfolioID:  "p-1",
			BaseCurrency: "USD",
			Positions:    []domain.Position{{InstrumentID: "SLOW_FUND", Quantity: dec("100")}},
			CashBalances: []domain.CashBalance{{Currency: "USD", Amount: decimal.Zero}},
		},
		MarketData: domain.MarketDataSnapshot{
			Prices: []domain.InstrumentPrice{
				{InstrumentID: "SLOW_FUND", Price: domain.Money{Amount: dec("1000"), Currency: "USD"}},
				{InstrumentID: "FAST_STOCK", Price: domain.Money{Amount: dec("1000"), Currency: "USD"}},
			},
		},
		Shelf: domain.Shelf{
			{InstrumentID: "SLOW_FUND", Status: domain.ShelfApproved, Currency: "USD", SettlementDays: 3},
			{InstrumentID: "FAST_STOCK", Status: domain.ShelfApproved, Currency: "USD", SettlementDays: 1},
		},
		Model: domain.ModelPortfolio{"FAST_STOCK": dec("1")},
		Options: domain.EngineOptions{
			EnableSettlementAwareness: true,
		},
	}
	result := testEngine().Rebalance(req, meta())

	assert.Equal(t, domain.StatusBlocked, result.Status)
	assert.Contains(t, result.Diagnostics.CashLadderBreaches, "OVERDRAFT_ON_T_PLUS_1")

	var insufficientFailed bool
	for _, r := range result.RuleResults {
		if r.RuleID == domain.RuleInsufficientCash && !r.Passed {
			insufficientFailed = true
			assert.Contains(t, r.Reasons, "OVERDRAFT_ON_T_PLUS_1")
		}
	}
	assert.True(t, insufficientFailed)

	balances := map[int]decimal.Decimal{}
	for _, e := range result.Diagnostics.CashLadder {
		if e.Currency == "USD" {
			balances[e.Day] = e.Balance
		}
	}
	assert.True(t, balances[1].IsNegative(), "T+1 got %s", balances[1])
	assert.True(t, balances[2].IsNegative(), "T+2 got %s", balances[2])
	assert.True(t, balances[3].IsZero(), "T+3 got %s", balances[3])
}

func TestTaxAwareScenarioEndToEnd(t *testing.T) {
	req := &domain.RebalanceRequest{
		Portfolio: domain.PortfolioSnapshot{
			PortfolioID:  "p-1",
			BaseCurrency: "USD",
			Positions: []domain.Position{{
				InstrumentID: "AAA",
				Quantity:     dec("100"),
				Lots: []domain.TaxLot{
					{LotID: "lot-1", Quantity: dec("50"), UnitCost: domain.Money{Amount: dec("10"), Currency: "USD"}, PurchaseDate: "2020-01-15"},
					{LotID: "lot-2", Quantity: dec("50"), UnitCost: domain.Money{Amount: dec("100"), Currency: "USD"}, PurchaseDate: "2024-06-01"},
				},
			}},
			CashBalances: []domain.CashBalance{{Currency: "USD", Amount: decimal.Zero}},
		},
		MarketData: domain.MarketDataSnapshot{
			Prices: []domain.InstrumentPrice{{InstrumentID: "AAA", Price: domain.Money{Amount: dec("100"), Currency: "USD"}}},
		},
		Shelf: domain.Shelf{{InstrumentID: "AAA", Status: domain.ShelfApproved, Currency: "USD"}},
		Model: domain.ModelPortfolio{"AAA": dec("0.5"), "CASH": dec("0.5")},
		Options: domain.EngineOptions{
			EnableTaxAwareness:      true,
			MaxRealizedCapitalGains: &domain.Money{Amount: dec("100"), Currency: "USD"},
		},
	}
	result := testEngine().Rebalance(req, meta())

	require.Equal(t, domain.StatusReady, result.Status)
	var sells []domain.Intent
	for _, it := range result.Intents {
		if it.IsSell() {
			sells = append(sells, it)
		}
	}
	require.Len(t, sells, 1)
	assert.True(t, sells[0].Quantity.Equal(dec("50")))
	require.NotNil(t, result.TaxImpact)
	assert.True(t, result.TaxImpact.TotalRealizedGain.IsZero())
	assert.NotContains(t, result.Diagnostics.Warnings, domain.WarnTaxBudgetLimitReached)
}

func TestBlockedTargetShortCircuitsPipeline(t *testing.T) {
	req := &domain.RebalanceRequest{
		Portfolio: domain.PortfolioSnapshot{
			PortfolioID:  "p-1",
			BaseCurrency: "USD",
			CashBalances: []domain.CashBalance{{Currency: "USD", Amount: dec("1000")}},
		},
		MarketData: domain.MarketDataSnapshot{},
		Shelf:      domain.Shelf{{InstrumentID: "SSS", Status: domain.ShelfSellOnly, Currency: "USD"}},
		Model:      domain.ModelPortfolio{"SSS": dec("1")},
		Options:    domain.EngineOptions{EnableWorkflowGates: true},
	}
	result := testEngine().Rebalance(req, meta())

	assert.Equal(t, domain.StatusBlocked, result.Status)
	assert.Empty(t, result.Intents)
	require.NotNil(t, result.GateDecision)
	assert.Equal(t, domain.GateBlocked, result.GateDecision.Gate)
	assert.Equal(t, domain.NextStepFixInput, result.GateDecision.NextStep)
}

func TestReconciliationHoldsOnCleanRun(t *testing.T) {
	req := &domain.RebalanceRequest{
		Portfolio: domain.PortfolioSnapshot{
			PortfolioID:  "p-1",
			BaseCurrency: "USD",
			CashBalances: []domain.CashBalance{{Currency: "USD", Amount: dec("100000")}},
		},
		MarketData: domain.MarketDataSnapshot{
			Prices: []domain.InstrumentPrice{{InstrumentID: "AAA", Price: domain.Money{Amount: dec("250"), Currency: "USD"}}},
		},
		Shelf: domain.Shelf{{InstrumentID: "AAA", Status: domain.ShelfApproved, Currency: "USD"}},
		Model: domain.ModelPortfolio{"AAA": dec("1")},
	}
	result := testEngine().Rebalance(req, meta())

	require.Equal(t, domain.StatusReady, result.Status)
	require.NotNil(t, result.Reconciliation)
	assert.Equal(t, "OK", result.Reconciliation.Status)
	assert.True(t, result.Reconciliation.Delta.Abs().LessThanOrEqual(result.Reconciliation.Tolerance))
}

func TestDeterministicResultsForIdenticalInput(t *testing.T) {
	build := func() *domain.RebalanceRequest {
		return &domain.RebalanceRequest{
			Portfolio: domain.PortfolioSnapshot{
				PortfolioID:  "p-1",
				BaseCurrency: "USD",
				CashBalances: []domain.CashBalance{{Currency: "USD", Amount: dec("50000")}},
			},
			MarketData: domain.MarketDataSnapshot{
				Prices: []domain.InstrumentPrice{
					{InstrumentID: "AAA", Price: domain.Money{Amount: dec("100"), Currency: "USD"}},
					{InstrumentID: "BBB", Price: domain.Money{Amount: dec("50"), Currency: "USD"}},
				},
			},
			Shelf: domain.Shelf{
				{InstrumentID: "AAA", Status: domain.ShelfApproved, Currency: "USD"},
				{InstrumentID: "BBB", Status: domain.ShelfApproved, Currency: "USD"},
			},
			Model: domain.ModelPortfolio{"AAA": dec("0.6"), "BBB": dec("0.4")},
		}
	}
	first := testEngine().Rebalance(build(), meta())
	second := testEngine().Rebalance(build(), meta())

	require.Equal(t, len(first.Intents), len(second.Intents))
	for i := range first.Intents {
		assert.Equal(t, first.Intents[i].IntentID, second.Intents[i].IntentID)
		assert.True(t, first.Intents[i].Quantity.Equal(second.Intents[i].Quantity))
	}
	assert.Equal(t, first.Status, second.Status)
}
