package advisory

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/engine/valuation"
)

// FundingInputs carries the state the auto-funder evaluates: the before-state
// book plus the manual intents already generated (cash flows and trades).
type FundingInputs struct {
	Ledger  *valuation.Ledger
	Intents []domain.Intent
	Market  *domain.MarketDataSnapshot
	Options domain.EngineOptions
}

// FundingOutput is the generated FX plus the per-currency funding math.
type FundingOutput struct {
	FX           []domain.Intent
	Plan         []domain.FundingPlanEntry
	MissingPairs []string
	Blocked      bool
	Messages     []string
}

// AutoFund generates at most one funding FX_SPOT per buy currency
// (ONE_FX_PER_CCY). Buys consume existing cash in their currency first, then
// sell proceeds in that currency; only the remaining deficit is funded by FX.
// The funding currency is the base under BASE_ONLY; under ANY_CASH the base is
// preferred, then other cash currencies lexicographically.
func AutoFund(in FundingInputs) *FundingOutput {
	out := &FundingOutput{}
	base := in.Ledger.BaseCurrency

	// Per-currency requirement and availability. Cash flows and sell proceeds
	// count as available before FX.
	required := map[string]decimal.Decimal{}
	available := map[string]decimal.Decimal{}
	for ccy, amt := range in.Ledger.Cash {
		available[ccy] = amt
	}
	for _, it := range in.Intents {
		switch {
		case it.Type == domain.IntentCashFlow:
			available[it.Currency] = available[it.Currency].Add(it.Amount)
		case it.IsSell() && it.Notional != nil:
			available[it.Notional.Currency] = available[it.Notional.Currency].Add(it.Notional.Amount)
		case it.IsBuy() && it.Notional != nil:
			required[it.Notional.Currency] = required[it.Notional.Currency].Add(it.Notional.Amount)
		}
	}

	var buyCcys []string
	for ccy := range required {
		buyCcys = append(buyCcys, ccy)
	}
	sort.Strings(buyCcys)

	buffer := decimal.Zero
	if in.Options.FXBufferPct != nil {
		buffer = *in.Options.FXBufferPct
	}

	for _, ccy := range buyCcys {
		req := required[ccy]
		avail := available[ccy]
		if avail.IsNegative() {
			avail = decimal.Zero
		}
		entry := domain.FundingPlanEntry{
			Currency:          ccy,
			Required:          req,
			AvailableBeforeFX: avail,
		}

		deficit := req.Sub(avail)
		if !deficit.IsPositive() {
			out.Plan = append(out.Plan, entry)
			continue
		}
		need := deficit.Mul(decimal.NewFromInt(1).Add(buffer))

		fundingCcy := selectFundingCurrency(ccy, base, available, in.Options.FXFundingSourceCurrency)
		rate, ok := in.Market.Rate(ccy, fundingCcy)
		if !ok {
			pair := ccy + "/" + fundingCcy
			out.MissingPairs = appendOnce(out.MissingPairs, pair)
			if in.Options.BlockOnMissingFX {
				out.Blocked = true
				out.Messages = appendOnce(out.Messages, domain.ReasonProposalMissingFX)
			}
			entry.FXNeeded = need
			out.Plan = append(out.Plan, entry)
			continue
		}

		entry.FXNeeded = need
		entry.FXPair = ccy + "/" + fundingCcy
		entry.FundingCurrency = fundingCcy
		out.Plan = append(out.Plan, entry)

		out.FX = append(out.FX, domain.Intent{
			IntentID:            fxIntentID(ccy, fundingCcy),
			Type:                domain.IntentFXSpot,
			Pair:                ccy + "/" + fundingCcy,
			BuyCurrency:         ccy,
			BuyAmount:           need,
			SellCurrency:        fundingCcy,
			SellAmountEstimated: need.Mul(rate),
			Rate:                rate,
			Dependencies:        []string{},
			Rationale:           domain.Rationale{Code: domain.RationaleFunding},
		})
	}
	return out
}

// selectFundingCurrency picks where the FX sells from. BASE_ONLY always funds
// from the base; ANY_CASH prefers the base when it has cash, then other
// currencies lexicographically, and falls back to the base when nothing holds
// a positive balance.
func selectFundingCurrency(target, base string, available map[string]decimal.Decimal, source domain.FundingSource) string {
	if source != domain.FundingAnyCash {
		return base
	}
	if available[base].IsPositive() {
		return base
	}
	var ccys []string
	for ccy := range available {
		if ccy != target && ccy != base && available[ccy].IsPositive() {
			ccys = append(ccys, ccy)
		}
	}
	sort.Strings(ccys)
	if len(ccys) > 0 {
		return ccys[0]
	}
	return base
}
