package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValuationMode selects how position values are derived.
type ValuationMode string

// Valuation modes.
const (
	ValuationCalculated    ValuationMode = "CALCULATED"
	ValuationTrustSnapshot ValuationMode = "TRUST_SNAPSHOT"
)

// TargetMethod selects the target generation path.
type TargetMethod string

// Target methods.
const (
	TargetHeuristic TargetMethod = "HEURISTIC"
	TargetSolver    TargetMethod = "SOLVER"
)

// FundingMode selects how advisory buys are funded.
type FundingMode string

// Funding modes.
const (
	FundingAutoFX FundingMode = "AUTO_FX"
)

// FundingSource selects which cash balances may fund FX.
type FundingSource string

// Funding source currencies.
const (
	FundingBaseOnly FundingSource = "BASE_ONLY"
	FundingAnyCash  FundingSource = "ANY_CASH"
)

// GroupConstraint caps the combined weight of a "key:value" attribute group.
type GroupConstraint struct {
	MaxWeight decimal.Decimal `json:"max_weight"`
}

// SuitabilityThresholds holds the scanner's per-dimension caps.
type SuitabilityThresholds struct {
	SinglePositionMaxWeight *decimal.Decimal           `json:"single_position_max_weight,omitempty"`
	IssuerMaxWeight         *decimal.Decimal           `json:"issuer_max_weight,omitempty"`
	LiquidityTierMaxWeight  map[string]decimal.Decimal `json:"liquidity_tier_max_weight,omitempty"`
	DataQualitySeverity     string                     `json:"data_quality_severity,omitempty"` // HIGH, MEDIUM, LOW
}

// EngineOptions carries every recognized engine setting. Pointer fields are
// tri-state: nil means "not set" and leaves the engine default in force.
type EngineOptions struct {
	// Valuation
	ValuationMode ValuationMode `json:"valuation_mode,omitempty"`

	// Targeting
	TargetMethod                  TargetMethod               `json:"target_method,omitempty"`
	CompareTargetMethods          bool                       `json:"compare_target_methods,omitempty"`
	CompareTargetMethodsTolerance *decimal.Decimal           `json:"compare_target_methods_tolerance,omitempty"`
	SinglePositionMaxWeight       *decimal.Decimal           `json:"single_position_max_weight,omitempty"`
	MinCashBufferPct              *decimal.Decimal           `json:"min_cash_buffer_pct,omitempty"`
	GroupConstraints              map[string]GroupConstraint `json:"group_constraints,omitempty"`

	// Trades
	MinTradeNotional   *Money           `json:"min_trade_notional,omitempty"`
	SuppressDustTrades bool             `json:"suppress_dust_trades,omitempty"`
	MaxTurnoverPct     *decimal.Decimal `json:"max_turnover_pct,omitempty"`
	// DustTradeThreshold is accepted for schema compatibility but has no
	// consumer in the engine (reserved).
	DustTradeThreshold *decimal.Decimal `json:"dust_trade_threshold,omitempty"`

	// Tax
	EnableTaxAwareness      bool   `json:"enable_tax_awareness,omitempty"`
	MaxRealizedCapitalGains *Money `json:"max_realized_capital_gains,omitempty"`

	// Settlement
	EnableSettlementAwareness bool                       `json:"enable_settlement_awareness,omitempty"`
	SettlementHorizonDays     int                        `json:"settlement_horizon_days,omitempty"`
	FXSettlementDays          int                        `json:"fx_settlement_days,omitempty"`
	MaxOverdraftByCcy         map[string]decimal.Decimal `json:"max_overdraft_by_ccy,omitempty"`
	FXBufferPct               *decimal.Decimal           `json:"fx_buffer_pct,omitempty"`

	// Compliance bands
	CashBandMinWeight *decimal.Decimal `json:"cash_band_min_weight,omitempty"`
	CashBandMaxWeight *decimal.Decimal `json:"cash_band_max_weight,omitempty"`

	// Data quality
	BlockOnMissingPrices bool `json:"block_on_missing_prices,omitempty"`
	BlockOnMissingFX     bool `json:"block_on_missing_fx,omitempty"`
	AllowRestricted      bool `json:"allow_restricted,omitempty"`

	// Advisory
	EnableProposalSimulation  bool          `json:"enable_proposal_simulation,omitempty"`
	ProposalApplyCashFirst    bool          `json:"proposal_apply_cash_flows_first,omitempty"`
	ProposalBlockNegativeCash bool          `json:"proposal_block_negative_cash,omitempty"`
	AutoFunding               bool          `json:"auto_funding,omitempty"`
	FundingMode               FundingMode   `json:"funding_mode,omitempty"`
	FXFundingSourceCurrency   FundingSource `json:"fx_funding_source_currency,omitempty"`
	FXGenerationPolicy        string        `json:"fx_generation_policy,omitempty"`

	// Workflow
	EnableWorkflowGates           bool `json:"enable_workflow_gates,omitempty"`
	WorkflowRequiresClientConsent bool `json:"workflow_requires_client_consent,omitempty"`
	ClientConsentAlreadyObtained  bool `json:"client_consent_already_obtained,omitempty"`

	// Dependencies
	LinkBuyToSameCurrencySellDependency *bool `json:"link_buy_to_same_currency_sell_dependency,omitempty"`

	// Suitability
	Suitability *SuitabilityThresholds `json:"suitability,omitempty"`
}

// Engine defaults.
var (
	defaultFXSettlementDays      = 2
	defaultSettlementHorizonDays = 5
)

// Normalized returns a copy with defaults applied. The zero EngineOptions is
// valid input.
func (o EngineOptions) Normalized() EngineOptions {
	out := o
	if out.ValuationMode == "" {
		out.ValuationMode = ValuationCalculated
	}
	if out.TargetMethod == "" {
		out.TargetMethod = TargetHeuristic
	}
	if out.FundingMode == "" {
		out.FundingMode = FundingAutoFX
	}
	if out.FXFundingSourceCurrency == "" {
		out.FXFundingSourceCurrency = FundingBaseOnly
	}
	if out.FXGenerationPolicy == "" {
		out.FXGenerationPolicy = "ONE_FX_PER_CCY"
	}
	if out.FXSettlementDays == 0 {
		out.FXSettlementDays = defaultFXSettlementDays
	}
	if out.SettlementHorizonDays == 0 {
		out.SettlementHorizonDays = defaultSettlementHorizonDays
	}
	if out.LinkBuyToSameCurrencySellDependency == nil {
		// Default true for DPM
		t := true
		out.LinkBuyToSameCurrencySellDependency = &t
	}
	return out
}

// Validate rejects unrecognized enum values and out-of-range settings.
func (o EngineOptions) Validate() error {
	switch o.ValuationMode {
	case "", ValuationCalculated, ValuationTrustSnapshot:
	default:
		return fmt.Errorf("unknown valuation_mode %q", o.ValuationMode)
	}
	switch o.TargetMethod {
	case "", TargetHeuristic, TargetSolver:
	default:
		return fmt.Errorf("unknown target_method %q", o.TargetMethod)
	}
	switch o.FundingMode {
	case "", FundingAutoFX:
	default:
		return fmt.Errorf("unknown funding_mode %q", o.FundingMode)
	}
	switch o.FXFundingSourceCurrency {
	case "", FundingBaseOnly, FundingAnyCash:
	default:
		return fmt.Errorf("unknown fx_funding_source_currency %q", o.FXFundingSourceCurrency)
	}
	if o.MaxTurnoverPct != nil {
		if o.MaxTurnoverPct.IsNegative() || o.MaxTurnoverPct.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("max_turnover_pct must be in [0,1]")
		}
	}
	if o.SettlementHorizonDays < 0 {
		return fmt.Errorf("settlement_horizon_days must be >= 0")
	}
	if o.FXSettlementDays < 0 {
		return fmt.Errorf("fx_settlement_days must be >= 0")
	}
	return nil
}

// LinkBuyToSell reports the effective same-currency BUY→SELL dependency flag.
func (o EngineOptions) LinkBuyToSell() bool {
	if o.LinkBuyToSameCurrencySellDependency == nil {
		return true
	}
	return *o.LinkBuyToSameCurrencySellDependency
}
