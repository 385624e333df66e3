// Package valuation builds valued portfolio states: FX-adjusted position
// values, weights, allocations and data-quality buckets. It is used for both
// the before-state and the simulated after-state.
package valuation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/domain"
)

// mismatchTolerance is the relative deviation between a trusted snapshot
// value and the calculated value before POSITION_VALUE_MISMATCH is emitted.
var mismatchTolerance = decimal.RequireFromString("0.005")

// Ledger is the mutable position/cash book the simulator works on. Quantities
// and balances are keyed by instrument id and currency.
type Ledger struct {
	BaseCurrency string
	Positions    map[string]decimal.Decimal
	Cash         map[string]decimal.Decimal
}

// FromSnapshot copies a portfolio snapshot into a ledger.
func FromSnapshot(p *domain.PortfolioSnapshot) *Ledger {
	l := &Ledger{
		BaseCurrency: p.BaseCurrency,
		Positions:    make(map[string]decimal.Decimal, len(p.Positions)),
		Cash:         make(map[string]decimal.Decimal, len(p.CashBalances)),
	}
	for _, pos := range p.Positions {
		l.Positions[pos.InstrumentID] = l.Positions[pos.InstrumentID].Add(pos.Quantity)
	}
	for _, cb := range p.CashBalances {
		l.Cash[cb.Currency] = l.Cash[cb.Currency].Add(cb.Amount)
	}
	return l
}

// Clone deep-copies the ledger.
func (l *Ledger) Clone() *Ledger {
	out := &Ledger{
		BaseCurrency: l.BaseCurrency,
		Positions:    make(map[string]decimal.Decimal, len(l.Positions)),
		Cash:         make(map[string]decimal.Decimal, len(l.Cash)),
	}
	for k, v := range l.Positions {
		out.Positions[k] = v
	}
	for k, v := range l.Cash {
		out.Cash[k] = v
	}
	return out
}

// SortedInstruments returns held instrument ids in ascending order.
func (l *Ledger) SortedInstruments() []string {
	ids := make([]string, 0, len(l.Positions))
	for id := range l.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SortedCurrencies returns cash currencies in ascending order.
func (l *Ledger) SortedCurrencies() []string {
	ccys := make([]string, 0, len(l.Cash))
	for c := range l.Cash {
		ccys = append(ccys, c)
	}
	sort.Strings(ccys)
	return ccys
}

// Result is a valued state plus the findings collected while valuing it.
type Result struct {
	State       *domain.SimulatedState
	DataQuality domain.DataQuality
	Warnings    []string
}

// InstrumentCurrency resolves the trading currency of an instrument: quoted
// price currency first, then the shelf, then the base currency.
func InstrumentCurrency(instrumentID string, market *domain.MarketDataSnapshot, shelf domain.Shelf, base string) string {
	if p, ok := market.Price(instrumentID); ok && p.Currency != "" {
		return p.Currency
	}
	if e, ok := shelf.Entry(instrumentID); ok && e.Currency != "" {
		return e.Currency
	}
	return base
}

// ValueSnapshot values the submitted before-state, honoring the valuation
// mode. TRUST_SNAPSHOT prefers position.market_value and falls back to the
// calculated value; deviations beyond 0.5% are warned.
func ValueSnapshot(p *domain.PortfolioSnapshot, market *domain.MarketDataSnapshot, shelf domain.Shelf, mode domain.ValuationMode) *Result {
	res := &Result{}
	base := p.BaseCurrency
	positions := make([]domain.EnrichedPosition, 0, len(p.Positions))

	for _, pos := range p.Positions {
		ep := valuePosition(pos, market, shelf, base, mode, res)
		positions = append(positions, ep)
	}

	cash := make([]domain.CashBalance, 0, len(p.CashBalances))
	cashBase := decimal.Zero
	for _, cb := range p.CashBalances {
		cash = append(cash, cb)
		rate, ok := market.Rate(cb.Currency, base)
		if !ok {
			res.DataQuality.FXMissing = appendOnce(res.DataQuality.FXMissing, "cash:"+cb.Currency)
			continue
		}
		cashBase = cashBase.Add(cb.Amount.Mul(rate))
	}

	total := cashBase
	for _, ep := range positions {
		total = total.Add(ep.ValueBase)
	}

	res.State = assemble(base, total, positions, cash, shelf)
	return res
}

// ValueLedger values a simulated ledger in CALCULATED mode. Used for the
// after-state where no snapshot values exist.
func ValueLedger(l *Ledger, market *domain.MarketDataSnapshot, shelf domain.Shelf) *Result {
	res := &Result{}
	base := l.BaseCurrency
	positions := make([]domain.EnrichedPosition, 0, len(l.Positions))

	for _, id := range l.SortedInstruments() {
		qty := l.Positions[id]
		pos := domain.Position{InstrumentID: id, Quantity: qty}
		ep := valuePosition(pos, market, shelf, base, domain.ValuationCalculated, res)
		positions = append(positions, ep)
	}

	cash := make([]domain.CashBalance, 0, len(l.Cash))
	cashBase := decimal.Zero
	for _, ccy := range l.SortedCurrencies() {
		amt := l.Cash[ccy]
		cash = append(cash, domain.CashBalance{Currency: ccy, Amount: amt})
		rate, ok := market.Rate(ccy, base)
		if !ok {
			res.DataQuality.FXMissing = appendOnce(res.DataQuality.FXMissing, "cash:"+ccy)
			continue
		}
		cashBase = cashBase.Add(amt.Mul(rate))
	}

	total := cashBase
	for _, ep := range positions {
		total = total.Add(ep.ValueBase)
	}

	res.State = assemble(base, total, positions, cash, shelf)
	return res
}

func valuePosition(pos domain.Position, market *domain.MarketDataSnapshot, shelf domain.Shelf, base string, mode domain.ValuationMode, res *Result) domain.EnrichedPosition {
	ccy := InstrumentCurrency(pos.InstrumentID, market, shelf, base)
	entry, _ := shelf.Entry(pos.InstrumentID)

	ep := domain.EnrichedPosition{
		InstrumentID: pos.InstrumentID,
		Quantity:     pos.Quantity,
		Currency:     ccy,
		AssetClass:   entry.AssetClass,
	}

	price, havePrice := market.Price(pos.InstrumentID)
	rate, haveRate := market.Rate(ccy, base)

	var calcInstr, calcBase decimal.Decimal
	haveCalc := false
	if havePrice {
		ep.Price = &price
		calcInstr = pos.Quantity.Mul(price.Amount)
		if haveRate {
			calcBase = calcInstr.Mul(rate)
			haveCalc = true
		}
	}

	switch mode {
	case domain.ValuationTrustSnapshot:
		if pos.MarketValue != nil {
			mvRate, mvOK := market.Rate(pos.MarketValue.Currency, base)
			if mvOK {
				ep.ValueInstr = pos.MarketValue.Amount
				ep.ValueBase = pos.MarketValue.Amount.Mul(mvRate)
				if haveCalc && !calcBase.IsZero() {
					dev := ep.ValueBase.Sub(calcBase).Abs().Div(calcBase.Abs())
					if dev.GreaterThan(mismatchTolerance) {
						res.Warnings = appendOnce(res.Warnings, domain.ReasonPositionValueMismatch)
					}
				}
				return ep
			}
			res.DataQuality.FXMissing = appendOnce(res.DataQuality.FXMissing, pos.InstrumentID)
			return ep
		}
		// No snapshot value: fall through to CALCULATED
		fallthrough
	default:
		if !havePrice {
			if !pos.Quantity.IsZero() {
				res.DataQuality.PriceMissing = appendOnce(res.DataQuality.PriceMissing, pos.InstrumentID)
			}
			return ep
		}
		if !haveRate {
			res.DataQuality.FXMissing = appendOnce(res.DataQuality.FXMissing, pos.InstrumentID)
			ep.ValueInstr = calcInstr
			return ep
		}
		ep.ValueInstr = calcInstr
		ep.ValueBase = calcBase
	}
	return ep
}

func assemble(base string, total decimal.Decimal, positions []domain.EnrichedPosition, cash []domain.CashBalance, shelf domain.Shelf) *domain.SimulatedState {
	if !total.IsZero() {
		for i := range positions {
			positions[i].Weight = positions[i].ValueBase.Div(total)
		}
	}

	byClass := map[string]decimal.Decimal{}
	byInstrument := map[string]decimal.Decimal{}
	byAttr := map[string]map[string]decimal.Decimal{}
	for _, ep := range positions {
		class := ep.AssetClass
		if class == "" {
			class = "UNCLASSIFIED"
		}
		byClass[class] = byClass[class].Add(ep.ValueBase)
		byInstrument[ep.InstrumentID] = byInstrument[ep.InstrumentID].Add(ep.ValueBase)
		if entry, ok := shelf.Entry(ep.InstrumentID); ok {
			for k, v := range entry.Attributes {
				if byAttr[k] == nil {
					byAttr[k] = map[string]decimal.Decimal{}
				}
				byAttr[k][v] = byAttr[k][v].Add(ep.ValueBase)
			}
		}
	}

	state := &domain.SimulatedState{
		TotalValue:             total,
		BaseCurrency:           base,
		CashBalances:           cash,
		Positions:              positions,
		AllocationByAssetClass: buckets(byClass, total),
		AllocationByInstrument: buckets(byInstrument, total),
	}
	if len(byAttr) > 0 {
		state.AllocationByAttribute = make(map[string][]domain.AllocationBucket, len(byAttr))
		for k, vals := range byAttr {
			state.AllocationByAttribute[k] = buckets(vals, total)
		}
	}
	return state
}

func buckets(values map[string]decimal.Decimal, total decimal.Decimal) []domain.AllocationBucket {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.AllocationBucket, 0, len(keys))
	for _, k := range keys {
		b := domain.AllocationBucket{Key: k, ValueBase: values[k]}
		if !total.IsZero() {
			b.Weight = values[k].Div(total)
		}
		out = append(out, b)
	}
	return out
}

func appendOnce(xs []string, x string) []string {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}
