package domain

import "fmt"

// RebalanceRequest is the DPM simulate payload.
type RebalanceRequest struct {
	Portfolio  PortfolioSnapshot  `json:"portfolio"`
	MarketData MarketDataSnapshot `json:"market_data"`
	Shelf      Shelf              `json:"shelf"`
	Model      ModelPortfolio     `json:"model"`
	Options    EngineOptions      `json:"options"`
}

// Validate checks the request's structural invariants.
func (r *RebalanceRequest) Validate() error {
	if err := r.Portfolio.Validate(); err != nil {
		return fmt.Errorf("portfolio: %w", err)
	}
	if err := r.Shelf.Validate(); err != nil {
		return fmt.Errorf("shelf: %w", err)
	}
	if err := r.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := r.Options.Validate(); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	return nil
}

// ProposalRequest is the advisory simulate payload.
type ProposalRequest struct {
	Portfolio      PortfolioSnapshot  `json:"portfolio"`
	MarketData     MarketDataSnapshot `json:"market_data"`
	Shelf          Shelf              `json:"shelf"`
	CashFlows      []CashFlowInput    `json:"cash_flows,omitempty"`
	Trades         []ManualTradeInput `json:"trades,omitempty"`
	ReferenceModel *ReferenceModel    `json:"reference_model,omitempty"`
	Options        EngineOptions      `json:"options"`
}

// Validate checks the request's structural invariants.
func (r *ProposalRequest) Validate() error {
	if err := r.Portfolio.Validate(); err != nil {
		return fmt.Errorf("portfolio: %w", err)
	}
	if err := r.Shelf.Validate(); err != nil {
		return fmt.Errorf("shelf: %w", err)
	}
	if err := r.Options.Validate(); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	for i, t := range r.Trades {
		if t.InstrumentID == "" {
			return fmt.Errorf("trades[%d]: instrument_id is required", i)
		}
		if t.Side != SideBuy && t.Side != SideSell {
			return fmt.Errorf("trades[%d]: unknown side %q", i, t.Side)
		}
		if !t.Quantity.IsPositive() {
			return fmt.Errorf("trades[%d]: quantity must be positive", i)
		}
	}
	for i, cf := range r.CashFlows {
		if cf.Currency == "" {
			return fmt.Errorf("cash_flows[%d]: currency is required", i)
		}
	}
	return nil
}

// AnalyzeRequest is a batch of named option scenarios over a shared snapshot.
type AnalyzeRequest struct {
	Portfolio  PortfolioSnapshot        `json:"portfolio"`
	MarketData MarketDataSnapshot       `json:"market_data"`
	Shelf      Shelf                    `json:"shelf"`
	Model      ModelPortfolio           `json:"model"`
	Scenarios  map[string]EngineOptions `json:"scenarios"`
}
