package proposals

import (
	"context"
	"errors"
	"fmt"
)

// Typed store errors. Adapters return these, never driver errors, so the
// transport layer can map them onto the HTTP taxonomy.
var (
	ErrNotFound        = errors.New("proposal not found")
	ErrVersionNotFound = errors.New("proposal version not found")
	ErrStateConflict   = errors.New("proposal state conflict")
	ErrInvalidMove     = errors.New("transition not allowed")
)

// TransitionRequest asks for one lifecycle move. ExpectedState enforces
// optimistic concurrency: the move is rejected when the aggregate has moved
// on since the caller read it.
type TransitionRequest struct {
	ProposalID    string
	To            State
	ExpectedState State
	ActorID       string
	Reason        string
}

// Store is the proposal aggregate port.
type Store interface {
	Create(ctx context.Context, p *Proposal, first *Version) error
	Get(ctx context.Context, proposalID string) (*Proposal, error)
	List(ctx context.Context, portfolioID string, state State) ([]*Proposal, error)

	AddVersion(ctx context.Context, v *Version) error
	GetVersion(ctx context.Context, proposalID string, versionNo int) (*Version, error)

	Transition(ctx context.Context, req TransitionRequest) (*Proposal, error)
	AppendApproval(ctx context.Context, a *Approval) error

	ListEvents(ctx context.Context, proposalID string) ([]*Event, error)
	ListApprovals(ctx context.Context, proposalID string) ([]*Approval, error)
}

// validateTransition applies the shared lifecycle checks. Adapters call it
// inside their own locking/transaction scope.
func validateTransition(current State, req TransitionRequest) error {
	if req.ExpectedState != "" && req.ExpectedState != current {
		return fmt.Errorf("%w: expected %s, have %s", ErrStateConflict, req.ExpectedState, current)
	}
	if !req.To.Valid() {
		return fmt.Errorf("%w: unknown state %s", ErrInvalidMove, req.To)
	}
	if !CanTransition(current, req.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidMove, current, req.To)
	}
	return nil
}
