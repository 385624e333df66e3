package domain

import (
	"github.com/shopspring/decimal"
)

// IntentType discriminates the intent union.
type IntentType string

// Intent types.
const (
	IntentSecurityTrade IntentType = "SECURITY_TRADE"
	IntentFXSpot        IntentType = "FX_SPOT"
	IntentCashFlow      IntentType = "CASH_FLOW"
)

// Side is the trade direction of a security intent.
type Side string

// Trade sides.
const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Rationale explains why an intent was generated.
type Rationale struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Intent is a proposed action. The Type field discriminates which of the
// variant field groups is populated; fields of other variants stay zero.
type Intent struct {
	IntentID string     `json:"intent_id"`
	Type     IntentType `json:"type"`

	// SECURITY_TRADE fields
	InstrumentID string          `json:"instrument_id,omitempty"`
	Side         Side            `json:"side,omitempty"`
	Quantity     decimal.Decimal `json:"quantity,omitempty"`
	Notional     *Money          `json:"notional,omitempty"`
	NotionalBase decimal.Decimal `json:"notional_base,omitempty"`

	// FX_SPOT fields
	Pair                string          `json:"pair,omitempty"`
	BuyCurrency         string          `json:"buy_currency,omitempty"`
	BuyAmount           decimal.Decimal `json:"buy_amount,omitempty"`
	SellCurrency        string          `json:"sell_currency,omitempty"`
	SellAmountEstimated decimal.Decimal `json:"sell_amount_estimated,omitempty"`
	Rate                decimal.Decimal `json:"rate,omitempty"`

	// CASH_FLOW fields (advisory only)
	Currency    string          `json:"currency,omitempty"`
	Amount      decimal.Decimal `json:"amount,omitempty"`
	Description string          `json:"description,omitempty"`

	// Common
	Dependencies       []string  `json:"dependencies"`
	Rationale          Rationale `json:"rationale"`
	ConstraintsApplied []string  `json:"constraints_applied,omitempty"`
}

// Rationale codes used by the generators.
const (
	RationaleDrift   = "DRIFT"
	RationaleFunding = "FUNDING"
	RationaleSweep   = "SWEEP"
	RationaleManual  = "MANUAL"
)

// IsBuy reports whether the intent is a security BUY.
func (i Intent) IsBuy() bool {
	return i.Type == IntentSecurityTrade && i.Side == SideBuy
}

// IsSell reports whether the intent is a security SELL.
func (i Intent) IsSell() bool {
	return i.Type == IntentSecurityTrade && i.Side == SideSell
}

// SuppressedIntent records a trade that was held back before emission.
type SuppressedIntent struct {
	InstrumentID string          `json:"instrument_id"`
	Side         Side            `json:"side"`
	NotionalBase decimal.Decimal `json:"notional_base"`
	Reason       string          `json:"reason"`
}

// DroppedIntent records a generated trade removed by a portfolio-level cap.
type DroppedIntent struct {
	IntentID     string          `json:"intent_id"`
	InstrumentID string          `json:"instrument_id"`
	Side         Side            `json:"side"`
	NotionalBase decimal.Decimal `json:"notional_base"`
	Reason       string          `json:"reason"`
}

// CashFlowInput is an advisor-entered deposit or withdrawal.
type CashFlowInput struct {
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"` // signed
	Description string          `json:"description,omitempty"`
}

// ManualTradeInput is an advisor-entered trade for the proposal pipeline.
type ManualTradeInput struct {
	InstrumentID string          `json:"instrument_id"`
	Side         Side            `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
}
