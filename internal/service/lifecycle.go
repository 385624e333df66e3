package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/proposals"
	"github.com/aristath/dpm/internal/support"
)

// LifecycleConfig holds the proposal lifecycle toggles.
type LifecycleConfig struct {
	// RequireSimulation refuses proposals and versions that are not backed by
	// a simulated run.
	RequireSimulation bool
	// RequireExpectedState forces optimistic concurrency on transitions.
	RequireExpectedState bool
	// AllowPortfolioChange permits new versions simulated against a different
	// portfolio than the aggregate's.
	AllowPortfolioChange bool
	// StoreEvidence copies the evidence bundle onto each version.
	StoreEvidence bool
}

// Lifecycle is the proposal aggregate application service. It snapshots
// simulated runs into immutable versions and drives the state machine.
type Lifecycle struct {
	svc   *Service
	store proposals.Store
	cfg   LifecycleConfig
	log   zerolog.Logger
	now   func() time.Time
}

// NewLifecycle wires the lifecycle service.
func NewLifecycle(svc *Service, store proposals.Store, cfg LifecycleConfig, log zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		svc:   svc,
		store: store,
		cfg:   cfg,
		log:   log.With().Str("service", "proposal-lifecycle").Logger(),
		now:   time.Now,
	}
}

// CreateInput opens a new proposal, optionally snapshotting a simulated run
// as version 1.
type CreateInput struct {
	PortfolioID string `json:"portfolio_id"`
	RunID       string `json:"rebalance_run_id,omitempty"`
	ActorID     string `json:"actor_id"`
}

// Create opens a proposal. With a run id the first version snapshots that
// run's artifact and the initial state follows its gate decision; without one
// the proposal starts as an empty DRAFT, which is only allowed when
// simulation is not required.
func (l *Lifecycle) Create(ctx context.Context, in CreateInput) (*proposals.Proposal, error) {
	if in.PortfolioID == "" {
		return nil, fmt.Errorf("%w: portfolio_id is required", ErrValidation)
	}
	if in.RunID == "" && l.cfg.RequireSimulation {
		return nil, fmt.Errorf("%w: rebalance_run_id is required", ErrValidation)
	}
	now := l.now().UTC()
	p := &proposals.Proposal{
		ProposalID:  "prop_" + uuid.NewString(),
		PortfolioID: in.PortfolioID,
		State:       proposals.StateDraft,
		VersionNo:   1,
		CreatedAt:   now,
		LastEventAt: now,
	}
	first := &proposals.Version{ProposalID: p.ProposalID, VersionNo: 1, CreatedAt: now}
	if in.RunID != "" {
		expectPortfolio := in.PortfolioID
		if l.cfg.AllowPortfolioChange {
			expectPortfolio = ""
		}
		version, state, err := l.versionFromRun(ctx, p.ProposalID, 1, in.RunID, expectPortfolio)
		if err != nil {
			return nil, err
		}
		first = version
		p.State = state
	}
	if err := l.store.Create(ctx, p, first); err != nil {
		return nil, err
	}
	l.log.Info().
		Str("proposal_id", p.ProposalID).
		Str("portfolio_id", p.PortfolioID).
		Str("state", string(p.State)).
		Msg("proposal created")
	return p, nil
}

// Get returns one proposal.
func (l *Lifecycle) Get(ctx context.Context, proposalID string) (*proposals.Proposal, error) {
	return l.store.Get(ctx, proposalID)
}

// List filters proposals by portfolio and state; empty filters match all.
func (l *Lifecycle) List(ctx context.Context, portfolioID string, state proposals.State) ([]*proposals.Proposal, error) {
	if state != "" && !state.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrValidation, state)
	}
	return l.store.List(ctx, portfolioID, state)
}

// GetVersion returns one immutable version.
func (l *Lifecycle) GetVersion(ctx context.Context, proposalID string, versionNo int) (*proposals.Version, error) {
	return l.store.GetVersion(ctx, proposalID, versionNo)
}

// VersionInput snapshots a new simulated run onto an existing proposal.
type VersionInput struct {
	RunID   string `json:"rebalance_run_id"`
	ActorID string `json:"actor_id"`
}

// AddVersion appends the next version from a simulated run. The run must
// belong to the proposal's portfolio unless portfolio changes are allowed.
func (l *Lifecycle) AddVersion(ctx context.Context, proposalID string, in VersionInput) (*proposals.Version, error) {
	if in.RunID == "" {
		return nil, fmt.Errorf("%w: rebalance_run_id is required", ErrValidation)
	}
	p, err := l.store.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.State.Terminal() {
		return nil, fmt.Errorf("%w: proposal %s is %s", proposals.ErrInvalidMove, proposalID, p.State)
	}
	expectPortfolio := p.PortfolioID
	if l.cfg.AllowPortfolioChange {
		expectPortfolio = ""
	}
	version, _, err := l.versionFromRun(ctx, proposalID, p.VersionNo+1, in.RunID, expectPortfolio)
	if err != nil {
		return nil, err
	}
	if err := l.store.AddVersion(ctx, version); err != nil {
		return nil, err
	}
	return version, nil
}

// Transition drives one lifecycle move.
func (l *Lifecycle) Transition(ctx context.Context, req proposals.TransitionRequest) (*proposals.Proposal, error) {
	if l.cfg.RequireExpectedState && req.ExpectedState == "" {
		return nil, fmt.Errorf("%w: expected_state is required", ErrValidation)
	}
	p, err := l.store.Transition(ctx, req)
	if err != nil {
		return nil, err
	}
	l.log.Info().
		Str("proposal_id", req.ProposalID).
		Str("to_state", string(req.To)).
		Str("actor_id", req.ActorID).
		Msg("proposal transitioned")
	return p, nil
}

// ApprovalInput records a reviewer decision on one version.
type ApprovalInput struct {
	VersionNo int                   `json:"version_no"`
	ActorID   string                `json:"actor_id"`
	Action    domain.WorkflowAction `json:"action"`
	Comment   string                `json:"comment,omitempty"`
}

// Approve appends an approval record to the proposal's history.
func (l *Lifecycle) Approve(ctx context.Context, proposalID string, in ApprovalInput) (*proposals.Approval, error) {
	if !in.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown workflow action %q", ErrValidation, in.Action)
	}
	if in.ActorID == "" {
		return nil, fmt.Errorf("%w: actor_id is required", ErrValidation)
	}
	p, err := l.store.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	versionNo := in.VersionNo
	if versionNo == 0 {
		versionNo = p.VersionNo
	}
	if _, err := l.store.GetVersion(ctx, proposalID, versionNo); err != nil {
		return nil, err
	}
	a := &proposals.Approval{
		ApprovalID: "apr_" + uuid.NewString(),
		ProposalID: proposalID,
		VersionNo:  versionNo,
		ActorID:    in.ActorID,
		Action:     in.Action,
		Comment:    in.Comment,
		CreatedAt:  l.now().UTC(),
	}
	if err := l.store.AppendApproval(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Events returns the append-only transition log.
func (l *Lifecycle) Events(ctx context.Context, proposalID string) ([]*proposals.Event, error) {
	return l.store.ListEvents(ctx, proposalID)
}

// Approvals returns the approval history.
func (l *Lifecycle) Approvals(ctx context.Context, proposalID string) ([]*proposals.Approval, error) {
	return l.store.ListApprovals(ctx, proposalID)
}

// versionFromRun snapshots a persisted run into an immutable version. When
// expectPortfolio is set, the run must have been simulated for it.
func (l *Lifecycle) versionFromRun(ctx context.Context, proposalID string, versionNo int, runID, expectPortfolio string) (*proposals.Version, proposals.State, error) {
	run, err := l.svc.Store().GetRun(ctx, runID)
	if errors.Is(err, support.ErrNotFound) {
		return nil, "", fmt.Errorf("%w: run %s not found", ErrValidation, runID)
	}
	if err != nil {
		return nil, "", err
	}
	if expectPortfolio != "" && run.PortfolioID != expectPortfolio {
		return nil, "", fmt.Errorf("%w: run %s belongs to portfolio %s, not %s", ErrValidation, runID, run.PortfolioID, expectPortfolio)
	}

	art, err := l.svc.Artifact(ctx, runID)
	if err != nil {
		return nil, "", err
	}
	artJSON, err := json.Marshal(art)
	if err != nil {
		return nil, "", fmt.Errorf("encode artifact %s: %w", runID, err)
	}
	version := &proposals.Version{
		ProposalID:       proposalID,
		VersionNo:        versionNo,
		RequestHash:      art.EvidenceBundle.Hashes.RequestHash,
		ArtifactHash:     art.EvidenceBundle.Hashes.ArtifactHash,
		ArtifactJSON:     artJSON,
		StatusAtCreation: art.Status,
		CreatedAt:        l.now().UTC(),
	}
	if l.cfg.StoreEvidence {
		evidence, err := json.Marshal(art.EvidenceBundle)
		if err != nil {
			return nil, "", fmt.Errorf("encode evidence bundle %s: %w", runID, err)
		}
		version.EvidenceJSON = evidence
	}
	state := proposals.StateDraft
	if art.GateDecision != nil {
		gate, err := json.Marshal(art.GateDecision)
		if err != nil {
			return nil, "", fmt.Errorf("encode gate decision %s: %w", runID, err)
		}
		version.GateDecisionJSON = gate
		state = proposals.StateForGate(art.GateDecision.Gate)
	}
	return version, state, nil
}
