// Package intents converts target drift into security trade intents, applying
// dust suppression, the portfolio turnover cap and tax-aware lot selection.
package intents

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/engine/valuation"
)

// Inputs bundles what intent generation needs.
type Inputs struct {
	Before    *domain.SimulatedState
	Portfolio *domain.PortfolioSnapshot
	Target    *domain.TargetAllocation
	Market    *domain.MarketDataSnapshot
	Shelf     domain.Shelf
	Options   domain.EngineOptions
}

// Output is the generated trade set plus its side effects.
type Output struct {
	Intents    []domain.Intent
	Suppressed []domain.SuppressedIntent
	Dropped    []domain.DroppedIntent
	TaxEvents  []domain.TaxConstraintEvent
	TaxImpact  *domain.TaxImpact
	Warnings   []string
}

// Generate converts per-instrument drift into SECURITY_TRADE intents. The
// target list is walked in its (ascending) order so identical input yields an
// identical intent sequence, including intent ids.
func Generate(in Inputs) *Output {
	out := &Output{}
	if in.Before == nil || in.Before.TotalValue.IsZero() || in.Target == nil {
		return out
	}
	total := in.Before.TotalValue
	base := in.Before.BaseCurrency

	var taxBudget *decimal.Decimal
	taxGainTotal := decimal.Zero
	taxByInstrument := map[string]decimal.Decimal{}
	if in.Options.EnableTaxAwareness && in.Options.MaxRealizedCapitalGains != nil {
		b := in.Options.MaxRealizedCapitalGains.Amount
		if rate, ok := in.Market.Rate(in.Options.MaxRealizedCapitalGains.Currency, base); ok {
			b = b.Mul(rate)
		}
		taxBudget = &b
	}

	for _, tw := range in.Target.Targets {
		id := tw.InstrumentID
		deltaW := tw.FinalWeight.Sub(weightOf(in.Before, id))
		if deltaW.IsZero() {
			continue
		}
		notionalBase := deltaW.Mul(total)

		ccy := valuation.InstrumentCurrency(id, in.Market, in.Shelf, base)
		price, havePrice := in.Market.Price(id)
		rateToInstr, haveRate := in.Market.Rate(base, ccy)
		if !havePrice || !haveRate || price.Amount.IsZero() {
			// Valuation already bucketed the missing data; nothing tradable.
			continue
		}

		notionalInstr := notionalBase.Mul(rateToInstr)
		qty := notionalInstr.Abs().Div(price.Amount).Floor()
		side := domain.SideBuy
		if notionalBase.IsNegative() {
			side = domain.SideSell
			if held := heldQuantity(in.Portfolio, id); qty.GreaterThan(held) {
				qty = held
			}
		}
		if qty.IsZero() {
			continue
		}

		requestedQty := qty
		var realizedGain decimal.Decimal
		constrained := false
		if side == domain.SideSell && in.Options.EnableTaxAwareness {
			qty, realizedGain, constrained = taxConstrainedSell(in, id, qty, price.Amount, ccy, base, taxBudget, taxGainTotal)
			if qty.IsZero() && constrained {
				out.TaxEvents = append(out.TaxEvents, domain.TaxConstraintEvent{
					InstrumentID:     id,
					RequestedQty:     requestedQty,
					ConstrainedQty:   decimal.Zero,
					RealizedGain:     decimal.Zero,
					RemainingHeadway: headroom(taxBudget, taxGainTotal),
				})
				warnOnce(out, domain.WarnTaxBudgetLimitReached)
				continue
			}
			taxGainTotal = taxGainTotal.Add(realizedGain)
			taxByInstrument[id] = taxByInstrument[id].Add(realizedGain)
			if constrained {
				out.TaxEvents = append(out.TaxEvents, domain.TaxConstraintEvent{
					InstrumentID:     id,
					RequestedQty:     requestedQty,
					ConstrainedQty:   qty,
					RealizedGain:     realizedGain,
					RemainingHeadway: headroom(taxBudget, taxGainTotal),
				})
				warnOnce(out, domain.WarnTaxBudgetLimitReached)
			}
		}
		if qty.IsZero() {
			continue
		}

		tradeInstr := qty.Mul(price.Amount)
		rateToBase, _ := in.Market.Rate(ccy, base)
		tradeBase := tradeInstr.Mul(rateToBase)
		if side == domain.SideSell {
			tradeBase = tradeBase.Neg()
		}

		// Dust suppression against the explicit option or the shelf minimum.
		if threshold, thCcy, ok := dustThreshold(in.Options, in.Shelf, id); ok {
			cmp := tradeInstr
			if thCcy != ccy {
				if r, rok := in.Market.Rate(ccy, thCcy); rok {
					cmp = tradeInstr.Mul(r)
				}
			}
			// Boundary counts as dust: a trade exactly at the minimum is
			// suppressed.
			if cmp.LessThanOrEqual(threshold) {
				out.Suppressed = append(out.Suppressed, domain.SuppressedIntent{
					InstrumentID: id,
					Side:         side,
					NotionalBase: tradeBase,
					Reason:       domain.ReasonBelowMinNotional,
				})
				continue
			}
		}

		intent := domain.Intent{
			IntentID:     securityIntentID(side, id),
			Type:         domain.IntentSecurityTrade,
			InstrumentID: id,
			Side:         side,
			Quantity:     qty,
			Notional:     &domain.Money{Amount: tradeInstr, Currency: ccy},
			NotionalBase: tradeBase,
			Dependencies: []string{},
			Rationale:    domain.Rationale{Code: domain.RationaleDrift, Message: fmt.Sprintf("target %s vs current %s", tw.FinalWeight.StringFixed(4), weightOf(in.Before, id).StringFixed(4))},
		}
		if constrained {
			intent.ConstraintsApplied = append(intent.ConstraintsApplied, domain.WarnTaxBudgetLimitReached)
		}
		out.Intents = append(out.Intents, intent)
	}

	if in.Options.EnableTaxAwareness {
		impact := &domain.TaxImpact{TotalRealizedGain: taxGainTotal}
		if len(taxByInstrument) > 0 {
			impact.ByInstrument = taxByInstrument
		}
		out.TaxImpact = impact
	}

	applyTurnoverCap(in, total, out)
	return out
}

// applyTurnoverCap enforces max_turnover_pct by skip-and-continue selection:
// candidates are ranked by descending |notional|/total, ties broken by
// ascending |notional|, instrument id, then intent id; each candidate that
// still fits the remaining budget is kept.
func applyTurnoverCap(in Inputs, total decimal.Decimal, out *Output) {
	if in.Options.MaxTurnoverPct == nil || len(out.Intents) == 0 {
		return
	}
	budget := total.Mul(*in.Options.MaxTurnoverPct)
	sum := decimal.Zero
	for _, it := range out.Intents {
		sum = sum.Add(it.NotionalBase.Abs())
	}
	if !sum.GreaterThan(budget) {
		return
	}

	ranked := make([]domain.Intent, len(out.Intents))
	copy(ranked, out.Intents)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].NotionalBase.Abs(), ranked[j].NotionalBase.Abs()
		if !a.Equal(b) {
			return a.GreaterThan(b) // score = |notional|/total, same ordering
		}
		if ranked[i].InstrumentID != ranked[j].InstrumentID {
			return ranked[i].InstrumentID < ranked[j].InstrumentID
		}
		return ranked[i].IntentID < ranked[j].IntentID
	})

	kept := map[string]bool{}
	used := decimal.Zero
	for _, it := range ranked {
		nb := it.NotionalBase.Abs()
		if used.Add(nb).LessThanOrEqual(budget) {
			used = used.Add(nb)
			kept[it.IntentID] = true
			continue
		}
		out.Dropped = append(out.Dropped, domain.DroppedIntent{
			IntentID:     it.IntentID,
			InstrumentID: it.InstrumentID,
			Side:         it.Side,
			NotionalBase: it.NotionalBase,
			Reason:       domain.ReasonTurnoverLimit,
		})
	}
	if len(out.Dropped) > 0 {
		warnOnce(out, domain.WarnPartialTurnover)
	}

	var survivors []domain.Intent
	for _, it := range out.Intents {
		if kept[it.IntentID] {
			survivors = append(survivors, it)
		}
	}
	out.Intents = survivors
}

// taxConstrainedSell walks the instrument's lots highest-cost-first and
// reduces the sold quantity when the realized gains budget would be exceeded.
// Loss lots always pass and replenish headroom.
func taxConstrainedSell(in Inputs, instrumentID string, sellQty, priceInstr decimal.Decimal, ccy, base string, budget *decimal.Decimal, gainSoFar decimal.Decimal) (qty, realizedGain decimal.Decimal, constrained bool) {
	lots := lotsFor(in.Portfolio, instrumentID)
	if len(lots) == 0 {
		return sellQty, decimal.Zero, false
	}
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].UnitCost.Amount.Equal(lots[j].UnitCost.Amount) {
			return lots[i].UnitCost.Amount.GreaterThan(lots[j].UnitCost.Amount)
		}
		if lots[i].PurchaseDate != lots[j].PurchaseDate {
			return lots[i].PurchaseDate > lots[j].PurchaseDate
		}
		return lots[i].LotID < lots[j].LotID
	})

	rateToBase, ok := in.Market.Rate(ccy, base)
	if !ok {
		rateToBase = decimal.NewFromInt(1)
	}

	remaining := sellQty
	sold := decimal.Zero
	gain := decimal.Zero
	for _, lot := range lots {
		if remaining.IsZero() {
			break
		}
		take := lot.Quantity
		if take.GreaterThan(remaining) {
			take = remaining
		}
		gainPerUnit := priceInstr.Sub(lot.UnitCost.Amount).Mul(rateToBase)
		if budget != nil && gainPerUnit.IsPositive() {
			headroomLeft := budget.Sub(gainSoFar).Sub(gain)
			lotGain := take.Mul(gainPerUnit)
			if lotGain.GreaterThan(headroomLeft) {
				allowed := decimal.Zero
				if headroomLeft.IsPositive() {
					allowed = headroomLeft.Div(gainPerUnit).Floor()
				}
				if allowed.GreaterThan(take) {
					allowed = take
				}
				sold = sold.Add(allowed)
				gain = gain.Add(allowed.Mul(gainPerUnit))
				return sold, gain, true
			}
		}
		sold = sold.Add(take)
		gain = gain.Add(take.Mul(gainPerUnit))
		remaining = remaining.Sub(take)
	}
	return sold, gain, false
}

func dustThreshold(opts domain.EngineOptions, shelf domain.Shelf, instrumentID string) (decimal.Decimal, string, bool) {
	if opts.MinTradeNotional != nil {
		return opts.MinTradeNotional.Amount, opts.MinTradeNotional.Currency, true
	}
	if entry, ok := shelf.Entry(instrumentID); ok && entry.MinNotional != nil {
		return entry.MinNotional.Amount, entry.MinNotional.Currency, true
	}
	return decimal.Zero, "", false
}

func heldQuantity(p *domain.PortfolioSnapshot, instrumentID string) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, pos := range p.Positions {
		if pos.InstrumentID == instrumentID {
			sum = sum.Add(pos.Quantity)
		}
	}
	return sum
}

func lotsFor(p *domain.PortfolioSnapshot, instrumentID string) []domain.TaxLot {
	if p == nil {
		return nil
	}
	var lots []domain.TaxLot
	for _, pos := range p.Positions {
		if pos.InstrumentID == instrumentID {
			lots = append(lots, pos.Lots...)
		}
	}
	return lots
}

func weightOf(s *domain.SimulatedState, instrumentID string) decimal.Decimal {
	for _, p := range s.Positions {
		if p.InstrumentID == instrumentID {
			return p.Weight
		}
	}
	return decimal.Zero
}

func headroom(budget *decimal.Decimal, used decimal.Decimal) decimal.Decimal {
	if budget == nil {
		return decimal.Zero
	}
	return budget.Sub(used)
}

func warnOnce(out *Output, code string) {
	for _, w := range out.Warnings {
		if w == code {
			return
		}
	}
	out.Warnings = append(out.Warnings, code)
}

func securityIntentID(side domain.Side, instrumentID string) string {
	return "sec-" + strings.ToLower(string(side)) + "-" + instrumentID
}
