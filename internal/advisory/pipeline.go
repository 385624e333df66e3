// Package advisory runs the proposal pipeline: advisor-entered cash flows and
// trades are priced, auto-funded with FX, simulated, and evaluated against
// rules, drift analytics and the suitability scanner.
package advisory

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/engine"
	"github.com/aristath/dpm/internal/engine/execution"
	"github.com/aristath/dpm/internal/engine/gate"
	"github.com/aristath/dpm/internal/engine/rules"
	"github.com/aristath/dpm/internal/engine/valuation"
)

// Pipeline runs advisory proposal simulations.
type Pipeline struct {
	log zerolog.Logger
}

// New creates the proposal pipeline.
func New(log zerolog.Logger) *Pipeline {
	return &Pipeline{log: log.With().Str("service", "advisory").Logger()}
}

// Propose executes the proposal pipeline. The request must already be
// validated; options are normalized here.
func (p *Pipeline) Propose(req *domain.ProposalRequest, meta engine.Meta) *domain.ProposalResult {
	opts := req.Options.Normalized()
	result := &domain.ProposalResult{
		RunID:         meta.RunID,
		CorrelationID: meta.CorrelationID,
		CreatedAt:     meta.Now.UTC(),
		Lineage: domain.Lineage{
			RequestHash:          meta.RequestHash,
			PortfolioSnapshotID:  req.Portfolio.SnapshotID,
			MarketDataSnapshotID: marketDataID(req.MarketData.SnapshotID),
			EngineVersion:        engine.Version,
		},
	}

	// Step 1: value the before-state.
	beforeRes := valuation.ValueSnapshot(&req.Portfolio, &req.MarketData, req.Shelf, opts.ValuationMode)
	result.Before = beforeRes.State
	result.Diagnostics.DataQuality = beforeRes.DataQuality
	for _, w := range beforeRes.Warnings {
		result.Diagnostics.Warn(w)
	}

	// Step 2: manual intents. Cash flows keep their input order; trades are
	// priced into their instrument currency.
	base := req.Portfolio.BaseCurrency
	intents := cashFlowIntents(req.CashFlows)
	intents = append(intents, p.tradeIntents(req, base, result)...)

	// Step 3: auto-funding.
	ledger := valuation.FromSnapshot(&req.Portfolio)
	fundingBlocked := false
	if opts.AutoFunding {
		fundable := intents
		if !opts.ProposalApplyCashFirst {
			// Cash flows are applied to the book but not counted as funding
			// until the flag opts in.
			fundable = withoutCashFlows(intents)
		}
		funding := AutoFund(FundingInputs{
			Ledger:  ledger,
			Intents: fundable,
			Market:  &req.MarketData,
			Options: opts,
		})
		intents = append(intents, funding.FX...)
		result.Diagnostics.FundingPlan = funding.Plan
		for _, pair := range funding.MissingPairs {
			result.Diagnostics.MissingFXPairs = appendOnce(result.Diagnostics.MissingFXPairs, pair)
		}
		for _, msg := range funding.Messages {
			result.Diagnostics.Warn(msg)
		}
		fundingBlocked = funding.Blocked
	}

	// Step 4: simulate. The pipeline generates its own FX, so the simulator's
	// generation stays off.
	execOut := execution.Simulate(execution.Inputs{
		Ledger:  ledger,
		Intents: intents,
		Market:  &req.MarketData,
		Shelf:   req.Shelf,
		Options: opts,
	})
	result.Intents = execOut.Intents
	result.Diagnostics.CashLadder = execOut.CashLadder
	result.Diagnostics.CashLadderBreaches = execOut.CashLadderBreaches
	for _, pair := range execOut.MissingFXPairs {
		result.Diagnostics.MissingFXPairs = appendOnce(result.Diagnostics.MissingFXPairs, pair)
	}
	for _, w := range execOut.Warnings {
		result.Diagnostics.Warn(w)
	}

	// Negative projected cash blocks only when the proposal asks for it;
	// otherwise it is surfaced as a warning for the advisor.
	insufficient := execOut.InsufficientCash
	if len(insufficient) > 0 {
		result.Diagnostics.Warn(domain.ReasonProposalNegativeCash)
		if !opts.ProposalBlockNegativeCash {
			insufficient = nil
		}
	}
	result.Diagnostics.InsufficientCash = insufficient

	// Step 5: value the after-state and reconcile. External cash flows move
	// the total by design, so the expectation is adjusted by their base value.
	afterRes := valuation.ValueLedger(execOut.After, &req.MarketData, req.Shelf)
	result.AfterSimulated = afterRes.State
	mergeDataQuality(&result.Diagnostics.DataQuality, afterRes.DataQuality)
	expectedBefore := beforeRes.State.TotalValue.Add(netExternalFlows(req.CashFlows, &req.MarketData, base))
	result.Reconciliation = execution.Reconcile(expectedBefore, afterRes.State.TotalValue)

	// Step 6: rules and status.
	result.RuleResults = rules.Evaluate(rules.Inputs{
		After:          afterRes.State,
		Options:        opts,
		DataQuality:    result.Diagnostics.DataQuality,
		Shorting:       execOut.ShortingBreaches,
		Insufficient:   insufficient,
		LadderBreaches: execOut.CashLadderBreaches,
		Reconciliation: result.Reconciliation,
	})
	result.Status = rules.DeriveStatus(result.RuleResults)
	if fundingBlocked {
		result.Status = domain.StatusBlocked
	}

	// Step 7: drift analytics against the reference model.
	if req.ReferenceModel != nil {
		result.DriftAnalysis = AnalyzeDrift(req.ReferenceModel, beforeRes.State, afterRes.State)
	}

	// Step 8: suitability scan.
	result.Suitability = Scan(ScanInputs{
		Before:      beforeRes.State,
		After:       afterRes.State,
		Shelf:       req.Shelf,
		Intents:     result.Intents,
		DataQuality: result.Diagnostics.DataQuality,
		Options:     opts,
	})

	// Step 9: workflow gate.
	result.GateDecision = gate.Evaluate(gate.Inputs{
		Status:      result.Status,
		RuleResults: result.RuleResults,
		Suitability: result.Suitability,
		Diagnostics: result.Diagnostics,
		Options:     opts,
	})

	p.log.Info().
		Str("run_id", result.RunID).
		Str("correlation_id", result.CorrelationID).
		Str("status", string(result.Status)).
		Int("intents", len(result.Intents)).
		Msg("proposal pipeline completed")
	return result
}

func cashFlowIntents(flows []domain.CashFlowInput) []domain.Intent {
	out := make([]domain.Intent, 0, len(flows))
	for i, cf := range flows {
		out = append(out, domain.Intent{
			IntentID:     fmt.Sprintf("cf-%d", i+1),
			Type:         domain.IntentCashFlow,
			Currency:     cf.Currency,
			Amount:       cf.Amount,
			Description:  cf.Description,
			Dependencies: []string{},
			Rationale:    domain.Rationale{Code: domain.RationaleManual},
		})
	}
	return out
}

// tradeIntents prices manual trades. Trades without a quoted price cannot be
// funded or simulated and are recorded as a data-quality gap instead.
func (p *Pipeline) tradeIntents(req *domain.ProposalRequest, base string, result *domain.ProposalResult) []domain.Intent {
	var out []domain.Intent
	for _, t := range req.Trades {
		price, ok := req.MarketData.Price(t.InstrumentID)
		if !ok {
			result.Diagnostics.DataQuality.PriceMissing = appendOnce(result.Diagnostics.DataQuality.PriceMissing, t.InstrumentID)
			continue
		}
		ccy := valuation.InstrumentCurrency(t.InstrumentID, &req.MarketData, req.Shelf, base)
		notional := t.Quantity.Mul(price.Amount)
		it := domain.Intent{
			IntentID:     securityIntentID(t.Side, t.InstrumentID),
			Type:         domain.IntentSecurityTrade,
			InstrumentID: t.InstrumentID,
			Side:         t.Side,
			Quantity:     t.Quantity,
			Notional:     &domain.Money{Amount: notional, Currency: ccy},
			Dependencies: []string{},
			Rationale:    domain.Rationale{Code: domain.RationaleManual},
		}
		if rate, ok := req.MarketData.Rate(ccy, base); ok {
			it.NotionalBase = notional.Mul(rate)
		} else {
			result.Diagnostics.DataQuality.FXMissing = appendOnce(result.Diagnostics.DataQuality.FXMissing, t.InstrumentID)
		}
		out = append(out, it)
	}
	return out
}

func withoutCashFlows(intents []domain.Intent) []domain.Intent {
	var out []domain.Intent
	for _, it := range intents {
		if it.Type != domain.IntentCashFlow {
			out = append(out, it)
		}
	}
	return out
}

// netExternalFlows converts the submitted cash flows to base currency.
func netExternalFlows(flows []domain.CashFlowInput, market *domain.MarketDataSnapshot, base string) decimal.Decimal {
	net := decimal.Zero
	for _, cf := range flows {
		if rate, ok := market.Rate(cf.Currency, base); ok {
			net = net.Add(cf.Amount.Mul(rate))
		}
	}
	return net
}

func securityIntentID(side domain.Side, instrumentID string) string {
	return "sec-" + strings.ToLower(string(side)) + "-" + instrumentID
}

func fxIntentID(buyCcy, sellCcy string) string {
	return "fx-" + strings.ToLower(buyCcy) + "-" + strings.ToLower(sellCcy)
}

func marketDataID(id string) string {
	if id != "" {
		return id
	}
	return "md"
}

func mergeDataQuality(dst *domain.DataQuality, src domain.DataQuality) {
	for _, id := range src.PriceMissing {
		dst.PriceMissing = appendOnce(dst.PriceMissing, id)
	}
	for _, id := range src.FXMissing {
		dst.FXMissing = appendOnce(dst.FXMissing, id)
	}
}

func appendOnce(xs []string, x string) []string {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}
