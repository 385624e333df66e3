// Package proposals holds the advisory proposal aggregate: lifecycle state,
// immutable versions, the append-only workflow event log and approvals.
package proposals

import (
	"encoding/json"
	"time"

	"github.com/aristath/dpm/internal/domain"
)

// State is a proposal lifecycle state.
type State string

// Lifecycle states.
const (
	StateDraft            State = "DRAFT"
	StateRiskReview       State = "RISK_REVIEW"
	StateComplianceReview State = "COMPLIANCE_REVIEW"
	StateAwaitingConsent  State = "AWAITING_CLIENT_CONSENT"
	StateExecutionReady   State = "EXECUTION_READY"
	StateExecuted         State = "EXECUTED"
	StateRejected         State = "REJECTED"
	StateCancelled        State = "CANCELLED"
	StateExpired          State = "EXPIRED"
)

// Valid reports whether the state is part of the lifecycle.
func (s State) Valid() bool {
	switch s {
	case StateDraft, StateRiskReview, StateComplianceReview, StateAwaitingConsent,
		StateExecutionReady, StateExecuted, StateRejected, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	switch s {
	case StateExecuted, StateRejected, StateCancelled, StateExpired:
		return true
	}
	return false
}

// transitions is the static allowed-transition table. Every non-terminal
// state may also be cancelled or expired.
var transitions = map[State][]State{
	StateDraft:            {StateRiskReview, StateComplianceReview, StateAwaitingConsent, StateExecutionReady},
	StateRiskReview:       {StateComplianceReview, StateAwaitingConsent, StateExecutionReady, StateDraft, StateRejected},
	StateComplianceReview: {StateAwaitingConsent, StateExecutionReady, StateDraft, StateRejected},
	StateAwaitingConsent:  {StateExecutionReady, StateRejected},
	StateExecutionReady:   {StateExecuted},
}

// CanTransition reports whether from → to is an allowed lifecycle move.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCancelled || to == StateExpired {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateForGate maps a gate decision onto the initial review state of a new
// proposal version.
func StateForGate(g domain.Gate) State {
	switch g {
	case domain.GateRiskReview:
		return StateRiskReview
	case domain.GateComplianceReview:
		return StateComplianceReview
	case domain.GateClientConsent:
		return StateAwaitingConsent
	case domain.GateExecutionReady:
		return StateExecutionReady
	}
	return StateDraft
}

// Proposal is the aggregate root. Versions, events and approvals hang off it.
type Proposal struct {
	ProposalID  string    `json:"proposal_id" db:"proposal_id"`
	PortfolioID string    `json:"portfolio_id" db:"portfolio_id"`
	State       State     `json:"state" db:"state"`
	VersionNo   int       `json:"version_no" db:"version_no"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	LastEventAt time.Time `json:"last_event_at" db:"last_event_at"`
}

// Version is an immutable simulation result attached to a proposal.
type Version struct {
	ProposalID       string           `json:"proposal_id" db:"proposal_id"`
	VersionNo        int              `json:"version_no" db:"version_no"`
	RequestHash      string           `json:"request_hash" db:"request_hash"`
	ArtifactHash     string           `json:"artifact_hash" db:"artifact_hash"`
	ArtifactJSON     json.RawMessage  `json:"artifact_json" db:"artifact_json"`
	EvidenceJSON     json.RawMessage  `json:"evidence_bundle_json,omitempty" db:"evidence_bundle_json"`
	GateDecisionJSON json.RawMessage  `json:"gate_decision_json,omitempty" db:"gate_decision_json"`
	StatusAtCreation domain.RunStatus `json:"status_at_creation" db:"status_at_creation"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
}

// Event is one append-only workflow log entry.
type Event struct {
	EventID    string    `json:"event_id" db:"event_id"`
	ProposalID string    `json:"proposal_id" db:"proposal_id"`
	FromState  State     `json:"from_state" db:"from_state"`
	ToState    State     `json:"to_state" db:"to_state"`
	ActorID    string    `json:"actor_id" db:"actor_id"`
	Reason     string    `json:"reason,omitempty" db:"reason"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Approval is a recorded reviewer decision on one version.
type Approval struct {
	ApprovalID string                `json:"approval_id" db:"approval_id"`
	ProposalID string                `json:"proposal_id" db:"proposal_id"`
	VersionNo  int                   `json:"version_no" db:"version_no"`
	ActorID    string                `json:"actor_id" db:"actor_id"`
	Action     domain.WorkflowAction `json:"action" db:"action"`
	Comment    string                `json:"comment,omitempty" db:"comment"`
	CreatedAt  time.Time             `json:"created_at" db:"created_at"`
}
