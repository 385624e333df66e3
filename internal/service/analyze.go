package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/canonical"
	"github.com/aristath/dpm/internal/domain"
)

// Batch analyze limits.
const (
	MaxScenarios            = 20
	WarnPartialBatchFailure = "PARTIAL_BATCH_FAILURE"
	failInvalidOptions      = "INVALID_OPTIONS"
	failScenarioExecution   = "SCENARIO_EXECUTION_ERROR"

	// OperationTypeAnalyze names async batch analyze submissions.
	OperationTypeAnalyze = "rebalance_analyze"
)

var scenarioKeyPattern = regexp.MustCompile(`^[a-z0-9_\-]{1,64}$`)

// ScenarioMetrics summarizes one successful scenario for cross-scenario
// comparison.
type ScenarioMetrics struct {
	Status          domain.RunStatus `json:"status"`
	IntentCount     int              `json:"intent_count"`
	BuyCount        int              `json:"buy_count"`
	SellCount       int              `json:"sell_count"`
	FXCount         int              `json:"fx_count"`
	TradedNotional  decimal.Decimal  `json:"traded_notional"`
	CashWeightAfter decimal.Decimal  `json:"cash_weight_after"`
	RuleFailures    int              `json:"rule_failures"`
}

// AnalyzeResponse is the batch analyze payload.
type AnalyzeResponse struct {
	CorrelationID     string                             `json:"correlation_id"`
	Scenarios         map[string]*domain.RebalanceResult `json:"scenarios"`
	ComparisonMetrics map[string]ScenarioMetrics         `json:"comparison_metrics,omitempty"`
	FailedScenarios   map[string]string                  `json:"failed_scenarios,omitempty"`
	Warnings          []string                           `json:"warnings,omitempty"`
}

// Analyze runs each named scenario against the shared snapshot in sorted key
// order. A failing scenario never aborts the batch: it is reported in
// failed_scenarios and the response carries a PARTIAL_BATCH_FAILURE warning.
func (s *Service) Analyze(ctx context.Context, req *domain.AnalyzeRequest, hdr Headers) (*AnalyzeResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty body", ErrValidation)
	}
	if len(req.Scenarios) == 0 {
		return nil, fmt.Errorf("%w: at least one scenario is required", ErrValidation)
	}
	if len(req.Scenarios) > MaxScenarios {
		return nil, fmt.Errorf("%w: at most %d scenarios per batch, got %d", ErrValidation, MaxScenarios, len(req.Scenarios))
	}
	keys := make([]string, 0, len(req.Scenarios))
	for key := range req.Scenarios {
		if !scenarioKeyPattern.MatchString(key) {
			return nil, fmt.Errorf("%w: scenario key %q must match %s", ErrValidation, key, scenarioKeyPattern)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	// Shared snapshot parts are validated once; option errors stay scenario-scoped.
	shared := &domain.RebalanceRequest{
		Portfolio:  req.Portfolio,
		MarketData: req.MarketData,
		Shelf:      req.Shelf,
		Model:      req.Model,
	}
	if err := shared.Portfolio.Validate(); err != nil {
		return nil, fmt.Errorf("%w: portfolio: %s", ErrValidation, err)
	}
	if err := shared.Shelf.Validate(); err != nil {
		return nil, fmt.Errorf("%w: shelf: %s", ErrValidation, err)
	}
	if err := shared.Model.Validate(); err != nil {
		return nil, fmt.Errorf("%w: model: %s", ErrValidation, err)
	}

	resp := &AnalyzeResponse{
		CorrelationID:     hdr.CorrelationID,
		Scenarios:         map[string]*domain.RebalanceResult{},
		ComparisonMetrics: map[string]ScenarioMetrics{},
		FailedScenarios:   map[string]string{},
	}
	for _, key := range keys {
		result, failure := s.runScenario(shared, req.Scenarios[key], hdr)
		if failure != "" {
			resp.FailedScenarios[key] = failure
			continue
		}
		resp.Scenarios[key] = result
		resp.ComparisonMetrics[key] = scenarioMetrics(result)
	}
	if len(resp.FailedScenarios) > 0 {
		resp.Warnings = append(resp.Warnings, WarnPartialBatchFailure)
		s.log.Warn().
			Int("failed", len(resp.FailedScenarios)).
			Int("total", len(keys)).
			Str("correlation_id", hdr.CorrelationID).
			Msg("batch analyze completed partially")
	}
	return resp, nil
}

// runScenario isolates one scenario: option validation failures and panics
// inside the pipeline are reported, never propagated.
func (s *Service) runScenario(shared *domain.RebalanceRequest, opts domain.EngineOptions, hdr Headers) (result *domain.RebalanceResult, failure string) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			failure = fmt.Sprintf("%s:%T", failScenarioExecution, r)
		}
	}()

	req := *shared
	req.Options = opts
	if err := req.Options.Validate(); err != nil {
		return nil, fmt.Sprintf("%s:%s", failInvalidOptions, err)
	}
	hash, err := canonical.Hash(&req)
	if err != nil {
		return nil, fmt.Sprintf("%s:%s", failInvalidOptions, err)
	}
	return s.engine.Rebalance(&req, s.meta(hdr, hash)), ""
}

func scenarioMetrics(result *domain.RebalanceResult) ScenarioMetrics {
	m := ScenarioMetrics{Status: result.Status, IntentCount: len(result.Intents)}
	for _, in := range result.Intents {
		switch in.Type {
		case domain.IntentSecurityTrade:
			if in.Side == domain.SideBuy {
				m.BuyCount++
			} else {
				m.SellCount++
			}
			m.TradedNotional = m.TradedNotional.Add(in.NotionalBase.Abs())
		case domain.IntentFXSpot:
			m.FXCount++
		}
	}
	if result.AfterSimulated != nil {
		m.CashWeightAfter = result.AfterSimulated.CashWeight()
	}
	for _, rr := range result.RuleResults {
		if !rr.Passed {
			m.RuleFailures++
		}
	}
	return m
}

// AnalyzeRunner adapts the batch analyze call to the async operation
// manager's runner contract.
func (s *Service) AnalyzeRunner(hdr Headers) func(ctx context.Context, requestJSON json.RawMessage) (json.RawMessage, error) {
	return func(ctx context.Context, requestJSON json.RawMessage) (json.RawMessage, error) {
		var req domain.AnalyzeRequest
		if err := json.Unmarshal(requestJSON, &req); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err)
		}
		resp, err := s.Analyze(ctx, &req, hdr)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}
