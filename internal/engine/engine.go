// Package engine composes the rebalance pipeline: valuation, universe,
// target generation, intent generation, execution simulation, rules and the
// workflow gate, returning one auditable result bundle.
package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/engine/execution"
	"github.com/aristath/dpm/internal/engine/gate"
	"github.com/aristath/dpm/internal/engine/intents"
	"github.com/aristath/dpm/internal/engine/rules"
	"github.com/aristath/dpm/internal/engine/target"
	"github.com/aristath/dpm/internal/engine/universe"
	"github.com/aristath/dpm/internal/engine/valuation"
)

// Version identifies the engine build in lineage records.
const Version = "dpm-engine/1"

// Meta carries run identity assigned by the caller.
type Meta struct {
	RunID         string
	CorrelationID string
	RequestHash   string
	Now           time.Time
}

// Engine runs the discretionary rebalance pipeline.
type Engine struct {
	log zerolog.Logger
}

// New creates the pipeline engine.
func New(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("service", "engine").Logger()}
}

// Rebalance executes the full pipeline. The request must already be
// validated; options are normalized here.
func (e *Engine) Rebalance(req *domain.RebalanceRequest, meta Meta) *domain.RebalanceResult {
	opts := req.Options.Normalized()
	result := &domain.RebalanceResult{
		RunID:         meta.RunID,
		CorrelationID: meta.CorrelationID,
		CreatedAt:     meta.Now.UTC(),
		Lineage: domain.Lineage{
			RequestHash:          meta.RequestHash,
			PortfolioSnapshotID:  req.Portfolio.SnapshotID,
			MarketDataSnapshotID: marketDataID(req.MarketData.SnapshotID),
			EngineVersion:        Version,
		},
	}

	// Step 1: value the submitted before-state.
	beforeRes := valuation.ValueSnapshot(&req.Portfolio, &req.MarketData, req.Shelf, opts.ValuationMode)
	result.Before = beforeRes.State
	result.Diagnostics.DataQuality = beforeRes.DataQuality
	for _, w := range beforeRes.Warnings {
		result.Diagnostics.Warn(w)
	}

	// Step 2: classify the tradable universe.
	u := universe.Build(&req.Portfolio, req.Model, req.Shelf, opts)
	result.Universe = u.Entries

	// Step 3: generate targets.
	targetIn := target.Inputs{
		Universe: u,
		Model:    req.Model,
		Before:   beforeRes.State,
		Shelf:    req.Shelf,
		Options:  opts,
	}
	alloc, comparison, targetWarnings := target.Generate(targetIn)
	result.Target = alloc
	for _, w := range targetWarnings {
		result.Diagnostics.Warn(w)
	}
	if comparison != nil {
		result.Explanation = &domain.Explanation{TargetMethodComparison: comparison}
	}

	if alloc.Status == domain.StatusBlocked {
		// No intents for an infeasible target; the before-state stands.
		result.Status = domain.StatusBlocked
		result.AfterSimulated = beforeRes.State
		result.Intents = []domain.Intent{}
		result.RuleResults = rules.Evaluate(rules.Inputs{
			After:       beforeRes.State,
			Target:      alloc,
			Options:     opts,
			DataQuality: result.Diagnostics.DataQuality,
		})
		result.GateDecision = gate.Evaluate(gate.Inputs{
			Status:      result.Status,
			RuleResults: result.RuleResults,
			Diagnostics: result.Diagnostics,
			Options:     opts,
		})
		e.logRun(result)
		return result
	}

	// Step 4: drift to trade intents.
	intentOut := intents.Generate(intents.Inputs{
		Before:    beforeRes.State,
		Portfolio: &req.Portfolio,
		Target:    alloc,
		Market:    &req.MarketData,
		Shelf:     req.Shelf,
		Options:   opts,
	})
	result.Diagnostics.SuppressedIntents = intentOut.Suppressed
	result.Diagnostics.DroppedIntents = intentOut.Dropped
	result.Diagnostics.TaxBudgetConstraintEvents = intentOut.TaxEvents
	result.TaxImpact = intentOut.TaxImpact
	for _, w := range intentOut.Warnings {
		result.Diagnostics.Warn(w)
	}

	// Step 5: simulate execution with FX generation.
	ledger := valuation.FromSnapshot(&req.Portfolio)
	execOut := execution.Simulate(execution.Inputs{
		Ledger:     ledger,
		Intents:    intentOut.Intents,
		Market:     &req.MarketData,
		Shelf:      req.Shelf,
		Options:    opts,
		GenerateFX: true,
	})
	result.Intents = execOut.Intents
	result.Diagnostics.CashLadder = execOut.CashLadder
	result.Diagnostics.CashLadderBreaches = execOut.CashLadderBreaches
	result.Diagnostics.MissingFXPairs = execOut.MissingFXPairs
	result.Diagnostics.InsufficientCash = execOut.InsufficientCash
	for _, w := range execOut.Warnings {
		result.Diagnostics.Warn(w)
	}

	// Step 6: value the after-state and reconcile.
	afterRes := valuation.ValueLedger(execOut.After, &req.MarketData, req.Shelf)
	result.AfterSimulated = afterRes.State
	mergeDataQuality(&result.Diagnostics.DataQuality, afterRes.DataQuality)
	result.Reconciliation = execution.Reconcile(beforeRes.State.TotalValue, afterRes.State.TotalValue)

	// Step 7: rules and status.
	result.RuleResults = rules.Evaluate(rules.Inputs{
		After:          afterRes.State,
		Target:         alloc,
		Options:        opts,
		DataQuality:    result.Diagnostics.DataQuality,
		Suppressed:     intentOut.Suppressed,
		Shorting:       execOut.ShortingBreaches,
		Insufficient:   execOut.InsufficientCash,
		LadderBreaches: execOut.CashLadderBreaches,
		Reconciliation: result.Reconciliation,
	})
	result.Status = rules.DeriveStatus(result.RuleResults)

	// Step 8: workflow gate.
	result.GateDecision = gate.Evaluate(gate.Inputs{
		Status:      result.Status,
		RuleResults: result.RuleResults,
		Suitability: result.Suitability,
		Diagnostics: result.Diagnostics,
		Options:     opts,
	})

	e.logRun(result)
	return result
}

func (e *Engine) logRun(result *domain.RebalanceResult) {
	e.log.Info().
		Str("run_id", result.RunID).
		Str("correlation_id", result.CorrelationID).
		Str("status", string(result.Status)).
		Int("intents", len(result.Intents)).
		Msg("rebalance pipeline completed")
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

