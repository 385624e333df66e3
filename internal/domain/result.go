package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EnrichedPosition is a valued holding inside a SimulatedState.
type EnrichedPosition struct {
	InstrumentID string          `json:"instrument_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Currency     string          `json:"currency,omitempty"`
	AssetClass   string          `json:"asset_class,omitempty"`
	Price        *Money          `json:"price,omitempty"`
	ValueInstr   decimal.Decimal `json:"value_instr"`
	ValueBase    decimal.Decimal `json:"value_base"`
	Weight       decimal.Decimal `json:"weight"`
}

// AllocationBucket aggregates weight and value for one allocation key.
type AllocationBucket struct {
	Key       string          `json:"key"`
	ValueBase decimal.Decimal `json:"value_base"`
	Weight    decimal.Decimal `json:"weight"`
}

// SimulatedState is a valued portfolio state, before or after simulation.
type SimulatedState struct {
	TotalValue             decimal.Decimal               `json:"total_value"`
	BaseCurrency           string                        `json:"base_currency"`
	CashBalances           []CashBalance                 `json:"cash_balances"`
	Positions              []EnrichedPosition            `json:"positions"`
	AllocationByAssetClass []AllocationBucket            `json:"allocation_by_asset_class"`
	AllocationByInstrument []AllocationBucket            `json:"allocation_by_instrument"`
	AllocationByAttribute  map[string][]AllocationBucket `json:"allocation_by_attribute,omitempty"`
}

// CashWeight returns the combined base-currency weight of all cash balances.
func (s *SimulatedState) CashWeight() decimal.Decimal {
	if s.TotalValue.IsZero() {
		return decimal.Zero
	}
	positions := decimal.Zero
	for _, p := range s.Positions {
		positions = positions.Add(p.ValueBase)
	}
	return s.TotalValue.Sub(positions).Div(s.TotalValue)
}

// UniverseEntry classifies one instrument's tradability for a run.
type UniverseEntry struct {
	InstrumentID string          `json:"instrument_id"`
	ShelfStatus  ShelfStatus     `json:"shelf_status,omitempty"`
	BuyEligible  bool            `json:"buy_eligible"`
	SellEligible bool            `json:"sell_eligible"`
	LockReason   string          `json:"lock_reason,omitempty"`
	ModelWeight  decimal.Decimal `json:"model_weight"`
	HeldQuantity decimal.Decimal `json:"held_quantity"`
}

// TargetWeight is one instrument's generated target.
type TargetWeight struct {
	InstrumentID string          `json:"instrument_id"`
	ModelWeight  decimal.Decimal `json:"model_weight"`
	FinalWeight  decimal.Decimal `json:"final_weight"`
	Reasons      []string        `json:"reasons,omitempty"`
}

// TargetAllocation is the output of the target generator.
type TargetAllocation struct {
	Method     TargetMethod    `json:"method"`
	Status     RunStatus       `json:"status"`
	Targets    []TargetWeight  `json:"targets"`
	CashWeight decimal.Decimal `json:"cash_weight"`
	Messages   []string        `json:"messages,omitempty"`
	Hints      []string        `json:"hints,omitempty"`
}

// Weight returns the final weight for an instrument (zero when absent).
func (t *TargetAllocation) Weight(instrumentID string) decimal.Decimal {
	for _, tw := range t.Targets {
		if tw.InstrumentID == instrumentID {
			return tw.FinalWeight
		}
	}
	return decimal.Zero
}

// RuleResult is one compliance rule evaluation.
type RuleResult struct {
	RuleID   string   `json:"rule_id"`
	Severity string   `json:"severity"`
	Passed   bool     `json:"passed"`
	Message  string   `json:"message,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Reconciliation compares before and after totals.
type Reconciliation struct {
	BeforeTotal decimal.Decimal `json:"before_total"`
	AfterTotal  decimal.Decimal `json:"after_total"`
	Delta       decimal.Decimal `json:"delta"`
	Tolerance   decimal.Decimal `json:"tolerance"`
	Status      string          `json:"status"` // OK or MISMATCH
}

// LadderEntry is one projected per-currency balance at a day offset.
type LadderEntry struct {
	Currency string          `json:"currency"`
	Day      int             `json:"day"`
	Balance  decimal.Decimal `json:"balance"`
}

// FundingPlanEntry records the per-currency funding math of the advisory
// auto-funder.
type FundingPlanEntry struct {
	Currency          string          `json:"currency"`
	Required          decimal.Decimal `json:"required"`
	AvailableBeforeFX decimal.Decimal `json:"available_before_fx"`
	FXNeeded          decimal.Decimal `json:"fx_needed"`
	FXPair            string          `json:"fx_pair,omitempty"`
	FundingCurrency   string          `json:"funding_currency,omitempty"`
}

// TaxConstraintEvent records a sell reduced by the capital gains budget.
type TaxConstraintEvent struct {
	InstrumentID     string          `json:"instrument_id"`
	RequestedQty     decimal.Decimal `json:"requested_qty"`
	ConstrainedQty   decimal.Decimal `json:"constrained_qty"`
	RealizedGain     decimal.Decimal `json:"realized_gain"`
	RemainingHeadway decimal.Decimal `json:"remaining_headroom"`
}

// DataQuality buckets instruments with missing market data.
type DataQuality struct {
	PriceMissing []string `json:"price_missing,omitempty"`
	FXMissing    []string `json:"fx_missing,omitempty"`
}

// Empty reports whether no data-quality buckets are populated.
func (d DataQuality) Empty() bool {
	return len(d.PriceMissing) == 0 && len(d.FXMissing) == 0
}

// Diagnostics accumulates non-fatal findings across the pipeline.
type Diagnostics struct {
	Warnings                  []string             `json:"warnings,omitempty"`
	SuppressedIntents         []SuppressedIntent   `json:"suppressed_intents,omitempty"`
	DroppedIntents            []DroppedIntent      `json:"dropped_intents,omitempty"`
	DataQuality               DataQuality          `json:"data_quality"`
	CashLadder                []LadderEntry        `json:"cash_ladder,omitempty"`
	CashLadderBreaches        []string             `json:"cash_ladder_breaches,omitempty"`
	FundingPlan               []FundingPlanEntry   `json:"funding_plan,omitempty"`
	MissingFXPairs            []string             `json:"missing_fx_pairs,omitempty"`
	InsufficientCash          []string             `json:"insufficient_cash,omitempty"`
	TaxBudgetConstraintEvents []TaxConstraintEvent `json:"tax_budget_constraint_events,omitempty"`
}

// Warn appends a warning once.
func (d *Diagnostics) Warn(code string) {
	for _, w := range d.Warnings {
		if w == code {
			return
		}
	}
	d.Warnings = append(d.Warnings, code)
}

// TaxImpact aggregates realized gains from tax-aware sells.
type TaxImpact struct {
	TotalRealizedGain decimal.Decimal            `json:"total_realized_gain"`
	ByInstrument      map[string]decimal.Decimal `json:"by_instrument,omitempty"`
}

// GateReason is one routed reason attached to a gate decision.
type GateReason struct {
	Severity   string `json:"severity"`
	Source     string `json:"source"` // RULE, SUITABILITY, DIAGNOSTIC
	ReasonCode string `json:"reason_code"`
	Message    string `json:"message,omitempty"`
}

// GateDecision routes a run to its next workflow step.
type GateDecision struct {
	Gate     Gate         `json:"gate"`
	NextStep string       `json:"next_step"`
	Reasons  []GateReason `json:"reasons,omitempty"`
}

// DriftBucket is one bucket of the advisory drift analysis.
type DriftBucket struct {
	Bucket         string          `json:"bucket"`
	Dimension      string          `json:"dimension"` // asset_class or instrument
	ModelWeight    decimal.Decimal `json:"model_weight"`
	WeightBefore   decimal.Decimal `json:"weight_before"`
	WeightAfter    decimal.Decimal `json:"weight_after"`
	DriftBefore    decimal.Decimal `json:"drift_before"`
	DriftAfter     decimal.Decimal `json:"drift_after"`
	AbsDriftBefore decimal.Decimal `json:"abs_drift_before"`
	AbsDriftAfter  decimal.Decimal `json:"abs_drift_after"`
	Improvement    decimal.Decimal `json:"improvement"`
}

// DriftAnalysis summarizes drift against the reference model.
type DriftAnalysis struct {
	TotalDriftBefore decimal.Decimal `json:"total_drift_before"`
	TotalDriftAfter  decimal.Decimal `json:"total_drift_after"`
	Improvement      decimal.Decimal `json:"improvement"`
	Buckets          []DriftBucket   `json:"buckets"`
	TopContributors  []string        `json:"top_contributors,omitempty"`
}

// SuitabilityIssue is one scanner finding.
type SuitabilityIssue struct {
	IssueKey  string `json:"issue_key"`
	Dimension string `json:"dimension"`
	Entity    string `json:"entity"`
	Severity  string `json:"severity"`
	Status    string `json:"status"` // NEW, PERSISTENT, RESOLVED
	Message   string `json:"message,omitempty"`
}

// SuitabilityReport is the scanner output.
type SuitabilityReport struct {
	Issues          []SuitabilityIssue `json:"issues"`
	RecommendedGate string             `json:"recommended_gate"` // COMPLIANCE_REVIEW, RISK_REVIEW, NONE
}

// TargetComparison is the structured dual-method comparison.
type TargetComparison struct {
	HeuristicStatus RunStatus                  `json:"heuristic_status"`
	SolverStatus    RunStatus                  `json:"solver_status"`
	MaxWeightDelta  decimal.Decimal            `json:"max_weight_delta"`
	WeightDeltas    map[string]decimal.Decimal `json:"weight_deltas,omitempty"`
	Tolerance       decimal.Decimal            `json:"tolerance"`
	StatusDiverged  bool                       `json:"status_diverged"`
	WeightsDiverged bool                       `json:"weights_diverged"`
}

// Explanation carries optional engine explanations.
type Explanation struct {
	TargetMethodComparison *TargetComparison `json:"target_method_comparison,omitempty"`
}

// Lineage pins a result to its inputs.
type Lineage struct {
	RequestHash          string `json:"request_hash"`
	PortfolioSnapshotID  string `json:"portfolio_snapshot_id,omitempty"`
	MarketDataSnapshotID string `json:"market_data_snapshot_id,omitempty"`
	EngineVersion        string `json:"engine_version"`
}

// RebalanceResult is the auditable bundle returned by the DPM pipeline. The
// advisory pipeline returns the same shape (ProposalResult is an alias).
type RebalanceResult struct {
	RunID          string             `json:"run_id"`
	CorrelationID  string             `json:"correlation_id"`
	Status         RunStatus          `json:"status"`
	Before         *SimulatedState    `json:"before"`
	AfterSimulated *SimulatedState    `json:"after_simulated"`
	Universe       []UniverseEntry    `json:"universe,omitempty"`
	Target         *TargetAllocation  `json:"target,omitempty"`
	Intents        []Intent           `json:"intents"`
	RuleResults    []RuleResult       `json:"rule_results"`
	Diagnostics    Diagnostics        `json:"diagnostics"`
	Reconciliation *Reconciliation    `json:"reconciliation,omitempty"`
	TaxImpact      *TaxImpact         `json:"tax_impact,omitempty"`
	DriftAnalysis  *DriftAnalysis     `json:"drift_analysis,omitempty"`
	Suitability    *SuitabilityReport `json:"suitability,omitempty"`
	GateDecision   *GateDecision      `json:"gate_decision,omitempty"`
	Explanation    *Explanation       `json:"explanation,omitempty"`
	Lineage        Lineage            `json:"lineage"`
	CreatedAt      time.Time          `json:"created_at"`
}

// ProposalResult is the advisory pipeline's result shape.
type ProposalResult = RebalanceResult
