package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aristath/dpm/internal/advisory"
	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/support"
)

// ErrReviewNotRequired rejects decisions on runs outside the review statuses.
var ErrReviewNotRequired = errors.New("run does not require review")

// WorkflowState is the derived review state of one run.
type WorkflowState struct {
	RunID          string                      `json:"rebalance_run_id"`
	RunStatus      domain.RunStatus            `json:"run_status"`
	WorkflowStatus domain.WorkflowStatus       `json:"workflow_status"`
	GateDecision   *domain.GateDecision        `json:"gate_decision,omitempty"`
	Decisions      []*support.WorkflowDecision `json:"decisions"`
}

// DecisionInput is one reviewer decision to record.
type DecisionInput struct {
	Action        domain.WorkflowAction `json:"action"`
	ReasonCode    string                `json:"reason_code"`
	Comment       string                `json:"comment,omitempty"`
	ActorID       string                `json:"actor_id"`
	CorrelationID string                `json:"-"`
}

// requiresReview reports whether the run status is in the configured review
// set.
func (s *Service) requiresReview(status domain.RunStatus) bool {
	for _, st := range s.cfg.ReviewStatuses {
		if st == status {
			return true
		}
	}
	return false
}

// deriveWorkflowStatus folds the decision history into the current state. The
// history is append-only; the latest decision wins, with REQUEST_CHANGES
// reopening the review.
func (s *Service) deriveWorkflowStatus(run *support.RunRecord, decisions []*support.WorkflowDecision) domain.WorkflowStatus {
	if !s.cfg.WorkflowEnabled || !s.requiresReview(run.Status) {
		return domain.WorkflowNotRequired
	}
	if len(decisions) == 0 {
		return domain.WorkflowPendingReview
	}
	switch decisions[len(decisions)-1].Action {
	case domain.ActionApprove:
		return domain.WorkflowApproved
	case domain.ActionReject:
		return domain.WorkflowRejected
	default:
		return domain.WorkflowPendingReview
	}
}

// Workflow returns the derived review state for one run.
func (s *Service) Workflow(ctx context.Context, runID string) (*WorkflowState, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	decisions, err := s.store.ListWorkflowDecisionsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	state := &WorkflowState{
		RunID:          run.RunID,
		RunStatus:      run.Status,
		WorkflowStatus: s.deriveWorkflowStatus(run, decisions),
		Decisions:      decisions,
	}
	var result domain.RebalanceResult
	if err := json.Unmarshal(run.ResultJSON, &result); err == nil {
		state.GateDecision = result.GateDecision
	}
	return state, nil
}

// Decide appends a reviewer decision to a run that requires review.
func (s *Service) Decide(ctx context.Context, runID string, in DecisionInput) (*support.WorkflowDecision, error) {
	if !in.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown workflow action %q", ErrValidation, in.Action)
	}
	if in.ActorID == "" {
		return nil, fmt.Errorf("%w: actor_id is required", ErrValidation)
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !s.requiresReview(run.Status) {
		return nil, fmt.Errorf("%w: run %s is %s", ErrReviewNotRequired, runID, run.Status)
	}

	decision := &support.WorkflowDecision{
		DecisionID:    "wfd_" + uuid.NewString(),
		RunID:         runID,
		Action:        in.Action,
		ReasonCode:    in.ReasonCode,
		Comment:       in.Comment,
		ActorID:       in.ActorID,
		DecidedAt:     s.now().UTC(),
		CorrelationID: in.CorrelationID,
	}
	if err := s.store.AppendWorkflowDecision(ctx, decision); err != nil {
		return nil, err
	}
	s.metrics.ObserveWorkflowDecision(string(in.Action))
	s.log.Info().
		Str("run_id", runID).
		Str("action", string(in.Action)).
		Str("actor_id", in.ActorID).
		Msg("workflow decision recorded")
	return decision, nil
}

// SupportBundle is the denormalized read-only view of one run.
type SupportBundle struct {
	Run             *support.RunRecord          `json:"run"`
	Artifact        *advisory.Artifact          `json:"artifact,omitempty"`
	WorkflowStatus  domain.WorkflowStatus       `json:"workflow_status"`
	WorkflowHistory []*support.WorkflowDecision `json:"workflow_history"`
	LineageEdges    []*support.LineageEdge      `json:"lineage_edges"`
}

// Bundle assembles the support bundle for one run id.
func (s *Service) Bundle(ctx context.Context, runID string) (*SupportBundle, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	decisions, err := s.store.ListWorkflowDecisionsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	edges, err := s.store.ListLineageEdges(ctx, runID)
	if err != nil {
		return nil, err
	}
	bundle := &SupportBundle{
		Run:             run,
		WorkflowStatus:  s.deriveWorkflowStatus(run, decisions),
		WorkflowHistory: decisions,
		LineageEdges:    edges,
	}
	art, err := s.Artifact(ctx, runID)
	if err != nil {
		s.log.Warn().Err(err).Str("run_id", runID).Msg("support bundle without artifact")
	} else {
		bundle.Artifact = art
	}
	return bundle, nil
}

// BundleByCorrelation resolves a correlation id to its run's bundle.
func (s *Service) BundleByCorrelation(ctx context.Context, correlationID string) (*SupportBundle, error) {
	run, err := s.store.GetRunByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return s.Bundle(ctx, run.RunID)
}

// BundleByIdempotencyKey resolves an idempotency key to its run's bundle.
func (s *Service) BundleByIdempotencyKey(ctx context.Context, key string) (*SupportBundle, error) {
	rec, err := s.store.GetIdempotencyByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.Bundle(ctx, rec.RunID)
}

// BundleByOperation resolves an async operation to the run sharing its
// correlation id.
func (s *Service) BundleByOperation(ctx context.Context, operationID string) (*SupportBundle, error) {
	op, err := s.store.GetAsyncOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	return s.BundleByCorrelation(ctx, op.CorrelationID)
}
