package advisory

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/engine/valuation"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func ledgerWithCash(base string, cash map[string]string) *valuation.Ledger {
	l := &valuation.Ledger{
		BaseCurrency: base,
		Positions:    map[string]decimal.Decimal{},
		Cash:         map[string]decimal.Decimal{},
	}
	for ccy, amt := range cash {
		l.Cash[ccy] = dec(amt)
	}
	return l
}

func buyIntent(instrument, ccy, notional string) domain.Intent {
	return domain.Intent{
		IntentID:     "sec-buy-" + instrument,
		Type:         domain.IntentSecurityTrade,
		InstrumentID: instrument,
		Side:         domain.SideBuy,
		Notional:     &domain.Money{Amount: dec(notional), Currency: ccy},
	}
}

func TestAutoFundPartialDeficit(t *testing.T) {
	// USD cash 5,000, SGD cash 100,000; buy 25,000 USD. Only the 20,000
	// shortfall is funded by FX.
	in := FundingInputs{
		Ledger:  ledgerWithCash("SGD", map[string]string{"USD": "5000", "SGD": "100000"}),
		Intents: []domain.Intent{buyIntent("US_ETF", "USD", "25000")},
		Market: &domain.MarketDataSnapshot{
			FXRates: []domain.FXRate{{Pair: "USD/SGD", Rate: dec("1.35")}},
		},
		Options: domain.EngineOptions{}.Normalized(),
	}
	out := AutoFund(in)

	require.Len(t, out.FX, 1)
	fx := out.FX[0]
	assert.Equal(t, "USD/SGD", fx.Pair)
	assert.Equal(t, "USD", fx.BuyCurrency)
	assert.True(t, fx.BuyAmount.Equal(dec("20000")), "got %s", fx.BuyAmount)
	assert.Equal(t, "SGD", fx.SellCurrency)
	assert.True(t, fx.SellAmountEstimated.Equal(dec("27000")), "got %s", fx.SellAmountEstimated)
	assert.Equal(t, domain.RationaleFunding, fx.Rationale.Code)

	require.Len(t, out.Plan, 1)
	plan := out.Plan[0]
	assert.Equal(t, "USD", plan.Currency)
	assert.True(t, plan.Required.Equal(dec("25000")))
	assert.True(t, plan.AvailableBeforeFX.Equal(dec("5000")))
	assert.True(t, plan.FXNeeded.Equal(dec("20000")))
	assert.Equal(t, "USD/SGD", plan.FXPair)
	assert.Equal(t, "SGD", plan.FundingCurrency)
}

func TestAutoFundCashCoveredBuyNeedsNoFX(t *testing.T) {
	in := FundingInputs{
		Ledger:  ledgerWithCash("USD", map[string]string{"USD": "50000"}),
		Intents: []domain.Intent{buyIntent("AAA", "USD", "30000")},
		Market:  &domain.MarketDataSnapshot{},
		Options: domain.EngineOptions{}.Normalized(),
	}
	out := AutoFund(in)
	assert.Empty(t, out.FX)
	require.Len(t, out.Plan, 1)
	assert.True(t, out.Plan[0].FXNeeded.IsZero())
	assert.Empty(t, out.Plan[0].FXPair)
}

func TestAutoFundSellProceedsCountAsAvailable(t *testing.T) {
	sell := domain.Intent{
		IntentID:     "sec-sell-BBB",
		Type:         domain.IntentSecurityTrade,
		InstrumentID: "BBB",
		Side:         domain.SideSell,
		Notional:     &domain.Money{Amount: dec("15000"), Currency: "USD"},
	}
	in := FundingInputs{
		Ledger:  ledgerWithCash("SGD", map[string]string{"USD": "5000", "SGD": "100000"}),
		Intents: []domain.Intent{sell, buyIntent("AAA", "USD", "25000")},
		Market: &domain.MarketDataSnapshot{
			FXRates: []domain.FXRate{{Pair: "USD/SGD", Rate: dec("1.35")}},
		},
		Options: domain.EngineOptions{}.Normalized(),
	}
	out := AutoFund(in)
	require.Len(t, out.FX, 1)
	assert.True(t, out.FX[0].BuyAmount.Equal(dec("5000")), "got %s", out.FX[0].BuyAmount)
	require.Len(t, out.Plan, 1)
	assert.True(t, out.Plan[0].AvailableBeforeFX.Equal(dec("20000")))
}

func TestAutoFundMissingRateBlocksWhenConfigured(t *testing.T) {
	opts := domain.EngineOptions{BlockOnMissingFX: true}.Normalized()
	in := FundingInputs{
		Ledger:  ledgerWithCash("SGD", map[string]string{"SGD": "100000"}),
		Intents: []domain.Intent{buyIntent("AAA", "CHF", "10000")},
		Market:  &domain.MarketDataSnapshot{},
		Options: opts,
	}
	out := AutoFund(in)
	assert.Empty(t, out.FX)
	assert.True(t, out.Blocked)
	assert.Contains(t, out.Messages, domain.ReasonProposalMissingFX)
	assert.Contains(t, out.MissingPairs, "CHF/SGD")
}

func TestAutoFundAnyCashPrefersBaseThenLexicographic(t *testing.T) {
	opts := domain.EngineOptions{FXFundingSourceCurrency: domain.FundingAnyCash}.Normalized()

	// Base has cash: base funds.
	in := FundingInputs{
		Ledger:  ledgerWithCash("SGD", map[string]string{"SGD": "50000", "EUR": "50000"}),
		Intents: []domain.Intent{buyIntent("AAA", "USD", "10000")},
		Market: &domain.MarketDataSnapshot{
			FXRates: []domain.FXRate{
				{Pair: "USD/SGD", Rate: dec("1.35")},
				{Pair: "USD/EUR", Rate: dec("0.9")},
			},
		},
		Options: opts,
	}
	out := AutoFund(in)
	require.Len(t, out.FX, 1)
	assert.Equal(t, "SGD", out.FX[0].SellCurrency)

	// Base empty: lowest other currency with cash funds.
	in.Ledger = ledgerWithCash("SGD", map[string]string{"SGD": "0", "JPY": "2000000", "EUR": "50000"})
	out = AutoFund(in)
	require.Len(t, out.FX, 1)
	assert.Equal(t, "EUR", out.FX[0].SellCurrency)
	assert.Equal(t, "USD/EUR", out.FX[0].Pair)
}
