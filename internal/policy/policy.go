// Package policy resolves and applies policy packs: named bundles of engine
// settings selected per request by header, tenant default or global default.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/domain"
)

// Source records how the effective pack was selected.
type Source string

// Resolution sources.
const (
	SourceHeader        Source = "HEADER"
	SourceTenantDefault Source = "TENANT_DEFAULT"
	SourceGlobalDefault Source = "GLOBAL_DEFAULT"
	SourceNone          Source = "NONE"
	SourceDisabled      Source = "DISABLED"
)

// TurnoverPolicy caps portfolio turnover.
type TurnoverPolicy struct {
	MaxTurnoverPct *decimal.Decimal `json:"max_turnover_pct,omitempty"`
}

// TaxPolicy controls tax-aware sell selection.
type TaxPolicy struct {
	EnableTaxAwareness      *bool         `json:"enable_tax_awareness,omitempty"`
	MaxRealizedCapitalGains *domain.Money `json:"max_realized_capital_gains,omitempty"`
}

// SettlementPolicy controls the settlement ladder.
type SettlementPolicy struct {
	EnableSettlementAwareness *bool                      `json:"enable_settlement_awareness,omitempty"`
	SettlementHorizonDays     *int                       `json:"settlement_horizon_days,omitempty"`
	FXSettlementDays          *int                       `json:"fx_settlement_days,omitempty"`
	MaxOverdraftByCcy         map[string]decimal.Decimal `json:"max_overdraft_by_ccy,omitempty"`
	FXBufferPct               *decimal.Decimal           `json:"fx_buffer_pct,omitempty"`
}

// ConstraintPolicy holds position and group caps.
type ConstraintPolicy struct {
	SinglePositionMaxWeight *decimal.Decimal                  `json:"single_position_max_weight,omitempty"`
	GroupConstraints        map[string]domain.GroupConstraint `json:"group_constraints,omitempty"`
}

// WorkflowPolicy controls review gating.
type WorkflowPolicy struct {
	EnableWorkflowGates           *bool `json:"enable_workflow_gates,omitempty"`
	WorkflowRequiresClientConsent *bool `json:"workflow_requires_client_consent,omitempty"`
	ClientConsentAlreadyObtained  *bool `json:"client_consent_already_obtained,omitempty"`
}

// IdempotencyPolicy controls replay behavior.
type IdempotencyPolicy struct {
	ReplayEnabled *bool `json:"replay_enabled,omitempty"`
}

// Pack is one named policy bundle. All sections are optional; only the
// fields of the documented substitution table map onto EngineOptions.
type Pack struct {
	PackID            string             `json:"pack_id"`
	Name              string             `json:"name,omitempty"`
	TurnoverPolicy    *TurnoverPolicy    `json:"turnover_policy,omitempty"`
	TaxPolicy         *TaxPolicy         `json:"tax_policy,omitempty"`
	SettlementPolicy  *SettlementPolicy  `json:"settlement_policy,omitempty"`
	ConstraintPolicy  *ConstraintPolicy  `json:"constraint_policy,omitempty"`
	WorkflowPolicy    *WorkflowPolicy    `json:"workflow_policy,omitempty"`
	IdempotencyPolicy *IdempotencyPolicy `json:"idempotency_policy,omitempty"`
}

// Catalog looks up packs by id.
type Catalog interface {
	Get(packID string) (*Pack, bool)
	List() []*Pack
}

// StaticCatalog is an in-memory catalog loaded from configuration.
type StaticCatalog struct {
	packs map[string]*Pack
	order []string
}

// NewStaticCatalog indexes the given packs.
func NewStaticCatalog(packs []*Pack) *StaticCatalog {
	c := &StaticCatalog{packs: map[string]*Pack{}}
	for _, p := range packs {
		if p == nil || p.PackID == "" {
			continue
		}
		if _, exists := c.packs[p.PackID]; !exists {
			c.order = append(c.order, p.PackID)
		}
		c.packs[p.PackID] = p
	}
	return c
}

// NewCatalogFromJSON parses a JSON array of packs, the shape of
// DPM_POLICY_PACK_CATALOG_JSON.
func NewCatalogFromJSON(data []byte) (*StaticCatalog, error) {
	if len(data) == 0 {
		return NewStaticCatalog(nil), nil
	}
	var packs []*Pack
	if err := json.Unmarshal(data, &packs); err != nil {
		return nil, fmt.Errorf("parse policy pack catalog: %w", err)
	}
	return NewStaticCatalog(packs), nil
}

func (c *StaticCatalog) Get(packID string) (*Pack, bool) {
	p, ok := c.packs[packID]
	return p, ok
}

func (c *StaticCatalog) List() []*Pack {
	out := make([]*Pack, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.packs[id])
	}
	return out
}

// Resolution is the outcome of pack selection for one request.
type Resolution struct {
	Pack   *Pack  `json:"-"`
	PackID string `json:"pack_id,omitempty"`
	Source Source `json:"source"`
}

// Config holds resolver settings.
type Config struct {
	Enabled                 bool
	DefaultPackID           string
	TenantResolutionEnabled bool
	TenantPackMap           map[string]string
}

// Resolver selects the effective pack by precedence: explicit header, then
// tenant default, then global default, then none.
type Resolver struct {
	cfg     Config
	catalog Catalog
}

// NewResolver wires a resolver over the catalog.
func NewResolver(cfg Config, catalog Catalog) *Resolver {
	if catalog == nil {
		catalog = NewStaticCatalog(nil)
	}
	return &Resolver{cfg: cfg, catalog: catalog}
}

// Catalog returns the resolver's pack catalog.
func (r *Resolver) Catalog() Catalog { return r.catalog }

// Resolve picks the pack for one request. A header or tenant reference to an
// unknown pack id falls through to the next precedence level.
func (r *Resolver) Resolve(headerPackID, tenantID string) Resolution {
	if !r.cfg.Enabled {
		return Resolution{Source: SourceDisabled}
	}
	if headerPackID != "" {
		if p, ok := r.catalog.Get(headerPackID); ok {
			return Resolution{Pack: p, PackID: p.PackID, Source: SourceHeader}
		}
	}
	if r.cfg.TenantResolutionEnabled && tenantID != "" {
		if packID, ok := r.cfg.TenantPackMap[tenantID]; ok {
			if p, ok := r.catalog.Get(packID); ok {
				return Resolution{Pack: p, PackID: p.PackID, Source: SourceTenantDefault}
			}
		}
	}
	if r.cfg.DefaultPackID != "" {
		if p, ok := r.catalog.Get(r.cfg.DefaultPackID); ok {
			return Resolution{Pack: p, PackID: p.PackID, Source: SourceGlobalDefault}
		}
	}
	return Resolution{Source: SourceNone}
}

// Apply substitutes the pack's fields onto the request options. Request
// fields outside the substitution table are untouched, and a nil pack is a
// no-op.
func Apply(p *Pack, opts domain.EngineOptions) domain.EngineOptions {
	if p == nil {
		return opts
	}
	if tp := p.TurnoverPolicy; tp != nil && tp.MaxTurnoverPct != nil {
		opts.MaxTurnoverPct = tp.MaxTurnoverPct
	}
	if tx := p.TaxPolicy; tx != nil {
		if tx.EnableTaxAwareness != nil {
			opts.EnableTaxAwareness = *tx.EnableTaxAwareness
		}
		if tx.MaxRealizedCapitalGains != nil {
			opts.MaxRealizedCapitalGains = tx.MaxRealizedCapitalGains
		}
	}
	if sp := p.SettlementPolicy; sp != nil {
		if sp.EnableSettlementAwareness != nil {
			opts.EnableSettlementAwareness = *sp.EnableSettlementAwareness
		}
		if sp.SettlementHorizonDays != nil {
			opts.SettlementHorizonDays = *sp.SettlementHorizonDays
		}
		if sp.FXSettlementDays != nil {
			opts.FXSettlementDays = *sp.FXSettlementDays
		}
		if sp.MaxOverdraftByCcy != nil {
			opts.MaxOverdraftByCcy = sp.MaxOverdraftByCcy
		}
		if sp.FXBufferPct != nil {
			opts.FXBufferPct = sp.FXBufferPct
		}
	}
	if cp := p.ConstraintPolicy; cp != nil {
		if cp.SinglePositionMaxWeight != nil {
			opts.SinglePositionMaxWeight = cp.SinglePositionMaxWeight
		}
		if cp.GroupConstraints != nil {
			opts.GroupConstraints = cp.GroupConstraints
		}
	}
	if wp := p.WorkflowPolicy; wp != nil {
		if wp.EnableWorkflowGates != nil {
			opts.EnableWorkflowGates = *wp.EnableWorkflowGates
		}
		if wp.WorkflowRequiresClientConsent != nil {
			opts.WorkflowRequiresClientConsent = *wp.WorkflowRequiresClientConsent
		}
		if wp.ClientConsentAlreadyObtained != nil {
			opts.ClientConsentAlreadyObtained = *wp.ClientConsentAlreadyObtained
		}
	}
	return opts
}

// ReplayEnabled reports the pack's idempotency replay override, or fallback
// when the pack does not set one.
func ReplayEnabled(p *Pack, fallback bool) bool {
	if p == nil || p.IdempotencyPolicy == nil || p.IdempotencyPolicy.ReplayEnabled == nil {
		return fallback
	}
	return *p.IdempotencyPolicy.ReplayEnabled
}
