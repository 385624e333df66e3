package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// TaxLot is a single acquisition lot within a position.
type TaxLot struct {
	LotID        string          `json:"lot_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitCost     Money           `json:"unit_cost"`
	PurchaseDate string          `json:"purchase_date"` // ISO date (YYYY-MM-DD)
}

// Position is a holding in the portfolio snapshot. Quantity may be negative;
// shorts are preserved here and trip NO_SHORTING downstream.
type Position struct {
	InstrumentID string          `json:"instrument_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	MarketValue  *Money          `json:"market_value,omitempty"`
	Lots         []TaxLot        `json:"lots,omitempty"`
}

// CashBalance is a per-currency cash amount.
type CashBalance struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// PortfolioSnapshot is the client-submitted before-state.
type PortfolioSnapshot struct {
	PortfolioID  string        `json:"portfolio_id"`
	SnapshotID   string        `json:"snapshot_id,omitempty"`
	BaseCurrency string        `json:"base_currency"`
	Positions    []Position    `json:"positions"`
	CashBalances []CashBalance `json:"cash_balances"`
}

// Validate checks snapshot invariants: lot quantities must sum to the
// position quantity when lots are present.
func (p *PortfolioSnapshot) Validate() error {
	if p.PortfolioID == "" {
		return fmt.Errorf("portfolio_id is required")
	}
	if p.BaseCurrency == "" {
		return fmt.Errorf("base_currency is required")
	}
	for _, pos := range p.Positions {
		if len(pos.Lots) == 0 {
			continue
		}
		sum := decimal.Zero
		for _, lot := range pos.Lots {
			if lot.Quantity.IsNegative() {
				return fmt.Errorf("position %s lot %s has negative quantity", pos.InstrumentID, lot.LotID)
			}
			sum = sum.Add(lot.Quantity)
		}
		if !sum.Equal(pos.Quantity) {
			return fmt.Errorf("position %s: lot quantities sum to %s, position quantity is %s",
				pos.InstrumentID, sum.String(), pos.Quantity.String())
		}
	}
	return nil
}

// InstrumentPrice is a quoted price in the instrument's trading currency.
type InstrumentPrice struct {
	InstrumentID string `json:"instrument_id"`
	Price        Money  `json:"price"`
}

// FXRate quotes pair "A/B": one unit of A costs Rate units of B.
type FXRate struct {
	Pair string          `json:"pair"`
	Rate decimal.Decimal `json:"rate"`
}

// MarketDataSnapshot carries prices and FX rates for one simulation.
type MarketDataSnapshot struct {
	SnapshotID string            `json:"snapshot_id,omitempty"`
	Prices     []InstrumentPrice `json:"prices"`
	FXRates    []FXRate          `json:"fx_rates"`
}

// Price returns the quoted price for an instrument, if present.
func (m *MarketDataSnapshot) Price(instrumentID string) (Money, bool) {
	for _, p := range m.Prices {
		if p.InstrumentID == instrumentID {
			return p.Price, true
		}
	}
	return Money{}, false
}

// Rate resolves the FX rate for "from/to". The inverse pair is used
// deterministically when only it is quoted: rate(B/A) = 1/rate(A/B).
// Identity pairs resolve to 1.
func (m *MarketDataSnapshot) Rate(from, to string) (decimal.Decimal, bool) {
	if from == to {
		return decimal.NewFromInt(1), true
	}
	direct := from + "/" + to
	inverse := to + "/" + from
	for _, r := range m.FXRates {
		if r.Pair == direct {
			return r.Rate, true
		}
	}
	for _, r := range m.FXRates {
		if r.Pair == inverse {
			if r.Rate.IsZero() {
				return decimal.Zero, false
			}
			return decimal.NewFromInt(1).Div(r.Rate), true
		}
	}
	return decimal.Zero, false
}

// ShelfStatus is the governance status of a shelf entry.
type ShelfStatus string

// Shelf statuses.
const (
	ShelfApproved   ShelfStatus = "APPROVED"
	ShelfRestricted ShelfStatus = "RESTRICTED"
	ShelfSellOnly   ShelfStatus = "SELL_ONLY"
	ShelfSuspended  ShelfStatus = "SUSPENDED"
	ShelfBanned     ShelfStatus = "BANNED"
)

// Valid reports whether the status is a known shelf status.
func (s ShelfStatus) Valid() bool {
	switch s {
	case ShelfApproved, ShelfRestricted, ShelfSellOnly, ShelfSuspended, ShelfBanned:
		return true
	}
	return false
}

// ShelfEntry describes a permitted product and its governance metadata.
type ShelfEntry struct {
	InstrumentID   string            `json:"instrument_id"`
	Status         ShelfStatus       `json:"status"`
	AssetClass     string            `json:"asset_class"`
	Currency       string            `json:"currency"`
	MinNotional    *Money            `json:"min_notional,omitempty"`
	SettlementDays int               `json:"settlement_days"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	IssuerID       string            `json:"issuer_id,omitempty"`
	LiquidityTier  string            `json:"liquidity_tier,omitempty"`
}

// Shelf is the permitted product list, indexable by instrument.
type Shelf []ShelfEntry

// Entry returns the shelf entry for an instrument, if present.
func (s Shelf) Entry(instrumentID string) (ShelfEntry, bool) {
	for _, e := range s {
		if e.InstrumentID == instrumentID {
			return e, true
		}
	}
	return ShelfEntry{}, false
}

// Validate checks shelf entry invariants.
func (s Shelf) Validate() error {
	for _, e := range s {
		if !e.Status.Valid() {
			return fmt.Errorf("shelf entry %s: unknown status %q", e.InstrumentID, e.Status)
		}
		if e.SettlementDays < 0 || e.SettlementDays > 10 {
			return fmt.Errorf("shelf entry %s: settlement_days %d out of range 0..10", e.InstrumentID, e.SettlementDays)
		}
	}
	return nil
}

// ModelPortfolio maps instrument ids to target weights. Weights must sum to 1.
type ModelPortfolio map[string]decimal.Decimal

// Validate checks that the model weights sum to 1 within epsilon.
func (m ModelPortfolio) Validate() error {
	if len(m) == 0 {
		return nil
	}
	sum := decimal.Zero
	for id, w := range m {
		if w.IsNegative() {
			return fmt.Errorf("model weight for %s is negative", id)
		}
		sum = sum.Add(w)
	}
	// An all-zero model passes validation; the target generator blocks the
	// run with a budget-violation reason instead of a transport error.
	if sum.IsZero() {
		return nil
	}
	eps := decimal.RequireFromString("0.000001")
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(eps) {
		return fmt.Errorf("model weights sum to %s, expected 1", sum.String())
	}
	return nil
}

// SortedInstruments returns model instrument ids in ascending order.
func (m ModelPortfolio) SortedInstruments() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReferenceModel holds asset-class (required) and optional instrument weights
// for advisory drift analytics.
type ReferenceModel struct {
	AssetClassWeights map[string]decimal.Decimal `json:"asset_class_weights"`
	InstrumentWeights map[string]decimal.Decimal `json:"instrument_weights,omitempty"`
}
