// Package execution simulates the generated intents against a cloned ledger:
// FX funding and sweeps, dependency wiring, the settlement ladder, safety
// checks and reconciliation of the after-state.
package execution

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/engine/valuation"
)

// Inputs bundles the simulation inputs. Ledger is the before-state book; it
// is cloned, never mutated.
type Inputs struct {
	Ledger  *valuation.Ledger
	Intents []domain.Intent
	Market  *domain.MarketDataSnapshot
	Shelf   domain.Shelf
	Options domain.EngineOptions
	// GenerateFX enables the simulator's own FUNDING/SWEEP generation. The
	// advisory pipeline funds buys itself and passes false.
	GenerateFX bool
}

// Output is the simulated outcome plus every finding the rule engine needs.
type Output struct {
	Intents            []domain.Intent
	After              *valuation.Ledger
	CashLadder         []domain.LadderEntry
	CashLadderBreaches []string
	MissingFXPairs     []string
	InsufficientCash   []string
	ShortingBreaches   []string
	Warnings           []string
}

// Simulate runs the six simulation steps in order and returns the applied
// book together with the final deterministic intent ordering.
func Simulate(in Inputs) *Output {
	out := &Output{}
	ledger := in.Ledger.Clone()
	base := ledger.BaseCurrency
	intents := append([]domain.Intent(nil), in.Intents...)

	// Step 1: project per-currency cash after cash flows and security trades.
	projected := map[string]decimal.Decimal{}
	for ccy, amt := range ledger.Cash {
		projected[ccy] = amt
	}
	for _, it := range intents {
		applyCashEffect(projected, it)
	}

	// Step 2: FX generation, one pair per currency through the base (hub and
	// spoke).
	if in.GenerateFX {
		intents = append(intents, generateFX(in, projected, base, out)...)
	}

	// Step 3: dependency wiring.
	wireDependencies(intents, in.Options, base)

	// Step 4: apply everything to the cloned book.
	for i := range intents {
		applyToLedger(ledger, intents[i])
	}

	// Step 5: settlement ladder.
	if in.Options.EnableSettlementAwareness {
		buildLadder(in, intents, base, out)
	}

	// Step 6: safety. Negative holdings are shorting breaches; negative final
	// cash not covered by an overdraft allowance is insufficient cash.
	for _, id := range ledger.SortedInstruments() {
		if ledger.Positions[id].IsNegative() {
			out.ShortingBreaches = append(out.ShortingBreaches, id)
		}
	}
	for _, ccy := range ledger.SortedCurrencies() {
		bal := ledger.Cash[ccy]
		if bal.IsNegative() && bal.Neg().GreaterThan(overdraftAllowance(in.Options, ccy)) {
			out.InsufficientCash = append(out.InsufficientCash, ccy)
		}
	}

	out.After = ledger
	out.Intents = orderIntents(intents)
	return out
}

// Reconcile compares before and after totals under the standard tolerance
// 0.5 + before_total * 0.0005.
func Reconcile(beforeTotal, afterTotal decimal.Decimal) *domain.Reconciliation {
	tolerance := decimal.RequireFromString("0.5").Add(beforeTotal.Abs().Mul(decimal.RequireFromString("0.0005")))
	delta := afterTotal.Sub(beforeTotal)
	status := "OK"
	if delta.Abs().GreaterThan(tolerance) {
		status = "MISMATCH"
	}
	return &domain.Reconciliation{
		BeforeTotal: beforeTotal,
		AfterTotal:  afterTotal,
		Delta:       delta,
		Tolerance:   tolerance,
		Status:      status,
	}
}

func applyCashEffect(projected map[string]decimal.Decimal, it domain.Intent) {
	switch it.Type {
	case domain.IntentCashFlow:
		projected[it.Currency] = projected[it.Currency].Add(it.Amount)
	case domain.IntentSecurityTrade:
		if it.Notional == nil {
			return
		}
		if it.Side == domain.SideSell {
			projected[it.Notional.Currency] = projected[it.Notional.Currency].Add(it.Notional.Amount)
		} else {
			projected[it.Notional.Currency] = projected[it.Notional.Currency].Sub(it.Notional.Amount)
		}
	case domain.IntentFXSpot:
		projected[it.BuyCurrency] = projected[it.BuyCurrency].Add(it.BuyAmount)
		projected[it.SellCurrency] = projected[it.SellCurrency].Sub(it.SellAmountEstimated)
	}
}

// generateFX emits FUNDING buys for net-negative non-base balances and SWEEP
// sells for net-positive ones, in ascending currency order.
func generateFX(in Inputs, projected map[string]decimal.Decimal, base string, out *Output) []domain.Intent {
	var ccys []string
	for ccy := range projected {
		if ccy != base {
			ccys = append(ccys, ccy)
		}
	}
	sort.Strings(ccys)

	buffer := decimal.Zero
	if in.Options.FXBufferPct != nil {
		buffer = *in.Options.FXBufferPct
	}

	var fx []domain.Intent
	for _, ccy := range ccys {
		bal := projected[ccy]
		switch {
		case bal.IsNegative():
			need := bal.Neg().Mul(decimal.NewFromInt(1).Add(buffer))
			rate, ok := in.Market.Rate(ccy, base)
			if !ok {
				out.MissingFXPairs = appendOnce(out.MissingFXPairs, ccy+"/"+base)
				continue
			}
			fx = append(fx, domain.Intent{
				IntentID:            fxIntentID(ccy, base),
				Type:                domain.IntentFXSpot,
				Pair:                ccy + "/" + base,
				BuyCurrency:         ccy,
				BuyAmount:           need,
				SellCurrency:        base,
				SellAmountEstimated: need.Mul(rate),
				Rate:                rate,
				Dependencies:        []string{},
				Rationale:           domain.Rationale{Code: domain.RationaleFunding},
			})
		case bal.IsPositive():
			fwd, ok := in.Market.Rate(ccy, base)
			if !ok || fwd.IsZero() {
				out.MissingFXPairs = appendOnce(out.MissingFXPairs, ccy+"/"+base)
				continue
			}
			// The sweep buys base and sells ccy, so the quote runs base/ccy
			// and sell_amount = buy_amount * rate holds like the funding leg.
			rate, _ := in.Market.Rate(base, ccy)
			fx = append(fx, domain.Intent{
				IntentID:            fxIntentID(base, ccy),
				Type:                domain.IntentFXSpot,
				Pair:                base + "/" + ccy,
				BuyCurrency:         base,
				BuyAmount:           bal.Mul(fwd),
				SellCurrency:        ccy,
				SellAmountEstimated: bal,
				Rate:                rate,
				Dependencies:        []string{},
				Rationale:           domain.Rationale{Code: domain.RationaleSweep},
			})
		}
	}
	return fx
}

// wireDependencies attaches funding FX ids to BUY intents of the same
// currency, and optionally same-currency SELL ids.
func wireDependencies(intents []domain.Intent, opts domain.EngineOptions, base string) {
	fundingByCcy := map[string]string{}
	sellsByCcy := map[string][]string{}
	for _, it := range intents {
		if it.Type == domain.IntentFXSpot && it.Rationale.Code == domain.RationaleFunding {
			fundingByCcy[it.BuyCurrency] = it.IntentID
		}
		if it.IsSell() && it.Notional != nil {
			sellsByCcy[it.Notional.Currency] = append(sellsByCcy[it.Notional.Currency], it.IntentID)
		}
	}
	for ccy := range sellsByCcy {
		sort.Strings(sellsByCcy[ccy])
	}

	for i := range intents {
		it := &intents[i]
		if !it.IsBuy() || it.Notional == nil {
			continue
		}
		ccy := it.Notional.Currency
		if fxID, ok := fundingByCcy[ccy]; ok {
			it.Dependencies = appendOnce(it.Dependencies, fxID)
		}
		if opts.LinkBuyToSell() {
			for _, sellID := range sellsByCcy[ccy] {
				it.Dependencies = appendOnce(it.Dependencies, sellID)
			}
		}
	}
}

func applyToLedger(ledger *valuation.Ledger, it domain.Intent) {
	switch it.Type {
	case domain.IntentCashFlow:
		ledger.Cash[it.Currency] = ledger.Cash[it.Currency].Add(it.Amount)
	case domain.IntentSecurityTrade:
		if it.Side == domain.SideSell {
			ledger.Positions[it.InstrumentID] = ledger.Positions[it.InstrumentID].Sub(it.Quantity)
			if it.Notional != nil {
				ledger.Cash[it.Notional.Currency] = ledger.Cash[it.Notional.Currency].Add(it.Notional.Amount)
			}
		} else {
			ledger.Positions[it.InstrumentID] = ledger.Positions[it.InstrumentID].Add(it.Quantity)
			if it.Notional != nil {
				ledger.Cash[it.Notional.Currency] = ledger.Cash[it.Notional.Currency].Sub(it.Notional.Amount)
			}
		}
		if pos, ok := ledger.Positions[it.InstrumentID]; ok && pos.IsZero() {
			delete(ledger.Positions, it.InstrumentID)
		}
	case domain.IntentFXSpot:
		ledger.Cash[it.BuyCurrency] = ledger.Cash[it.BuyCurrency].Add(it.BuyAmount)
		ledger.Cash[it.SellCurrency] = ledger.Cash[it.SellCurrency].Sub(it.SellAmountEstimated)
	}
}

// buildLadder projects per-currency balances over day offsets. Securities
// settle per their shelf entry, FX per fx_settlement_days, cash flows at T+0.
func buildLadder(in Inputs, intents []domain.Intent, base string, out *Output) {
	horizon := in.Options.SettlementHorizonDays
	type flow struct {
		ccy string
		day int
		amt decimal.Decimal
	}
	var flows []flow
	add := func(ccy string, day int, amt decimal.Decimal) {
		if day > horizon {
			horizon = day
		}
		flows = append(flows, flow{ccy: ccy, day: day, amt: amt})
	}

	for _, it := range intents {
		switch it.Type {
		case domain.IntentCashFlow:
			add(it.Currency, 0, it.Amount)
		case domain.IntentSecurityTrade:
			if it.Notional == nil {
				continue
			}
			day := 0
			if entry, ok := in.Shelf.Entry(it.InstrumentID); ok {
				day = entry.SettlementDays
			}
			amt := it.Notional.Amount
			if it.Side == domain.SideBuy {
				amt = amt.Neg()
			}
			add(it.Notional.Currency, day, amt)
		case domain.IntentFXSpot:
			day := in.Options.FXSettlementDays
			add(it.BuyCurrency, day, it.BuyAmount)
			add(it.SellCurrency, day, it.SellAmountEstimated.Neg())
		}
	}

	ccySet := map[string]bool{}
	for ccy := range in.Ledger.Cash {
		ccySet[ccy] = true
	}
	for _, f := range flows {
		ccySet[f.ccy] = true
	}
	var ccys []string
	for ccy := range ccySet {
		ccys = append(ccys, ccy)
	}
	sort.Strings(ccys)

	utilized := false
	breachedCcy := map[string]bool{}
	for _, ccy := range ccys {
		allowance := overdraftAllowance(in.Options, ccy)
		running := in.Ledger.Cash[ccy]
		for day := 0; day <= horizon; day++ {
			for _, f := range flows {
				if f.ccy == ccy && f.day == day {
					running = running.Add(f.amt)
				}
			}
			out.CashLadder = append(out.CashLadder, domain.LadderEntry{
				Currency: ccy,
				Day:      day,
				Balance:  running,
			})
			if running.IsNegative() {
				if running.Neg().GreaterThan(allowance) {
					if !breachedCcy[ccy] {
						breachedCcy[ccy] = true
						out.CashLadderBreaches = append(out.CashLadderBreaches,
							fmt.Sprintf("%s%d", domain.ReasonOverdraftPrefix, day))
					}
				} else if allowance.IsPositive() {
					utilized = true
				}
			}
		}
	}
	if utilized && len(out.CashLadderBreaches) == 0 {
		out.Warnings = appendOnce(out.Warnings, domain.WarnSettlementOverdraftUsed)
	}
}

func overdraftAllowance(opts domain.EngineOptions, ccy string) decimal.Decimal {
	if opts.MaxOverdraftByCcy == nil {
		return decimal.Zero
	}
	return opts.MaxOverdraftByCcy[ccy]
}

// orderIntents enforces the output contract: CASH_FLOW in input order, then
// SELLs by instrument, then FX by pair, then BUYs by instrument.
func orderIntents(intents []domain.Intent) []domain.Intent {
	var cashFlows, sells, fx, buys []domain.Intent
	for _, it := range intents {
		switch {
		case it.Type == domain.IntentCashFlow:
			cashFlows = append(cashFlows, it)
		case it.IsSell():
			sells = append(sells, it)
		case it.Type == domain.IntentFXSpot:
			fx = append(fx, it)
		default:
			buys = append(buys, it)
		}
	}
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].InstrumentID < sells[j].InstrumentID })
	sort.SliceStable(fx, func(i, j int) bool { return fx[i].Pair < fx[j].Pair })
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].InstrumentID < buys[j].InstrumentID })

	out := make([]domain.Intent, 0, len(intents))
	out = append(out, cashFlows...)
	out = append(out, sells...)
	out = append(out, fx...)
	out = append(out, buys...)
	return out
}

func fxIntentID(buyCcy, sellCcy string) string {
	return "fx-" + strings.ToLower(buyCcy) + "-" + strings.ToLower(sellCcy)
}

func appendOnce(xs []string, x string) []string {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}
