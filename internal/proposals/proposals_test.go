package proposals

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dpm/internal/domain"
)

func seedProposal(t *testing.T, s *MemoryStore, id string, state State) {
	t.Helper()
	err := s.Create(context.Background(), &Proposal{
		ProposalID:  id,
		PortfolioID: "p-1",
		State:       state,
	}, &Version{
		ProposalID:       id,
		VersionNo:        1,
		RequestHash:      "sha256:req",
		ArtifactHash:     "sha256:art",
		ArtifactJSON:     json.RawMessage(`{}`),
		StatusAtCreation: domain.StatusReady,
	})
	require.NoError(t, err)
}

func TestCanTransitionTable(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateDraft, StateRiskReview, true},
		{StateDraft, StateExecutionReady, true},
		{StateDraft, StateExecuted, false},
		{StateRiskReview, StateComplianceReview, true},
		{StateRiskReview, StateDraft, true},
		{StateComplianceReview, StateRiskReview, false},
		{StateAwaitingConsent, StateExecutionReady, true},
		{StateAwaitingConsent, StateDraft, false},
		{StateExecutionReady, StateExecuted, true},
		{StateExecutionReady, StateDraft, false},
		// Cancel and expire work from any non-terminal state.
		{StateDraft, StateCancelled, true},
		{StateAwaitingConsent, StateExpired, true},
		{StateExecutionReady, StateCancelled, true},
		// Terminal states allow nothing, including cancel.
		{StateExecuted, StateCancelled, false},
		{StateRejected, StateDraft, false},
		{StateCancelled, StateExpired, false},
		{StateExpired, StateDraft, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStateForGate(t *testing.T) {
	assert.Equal(t, StateRiskReview, StateForGate(domain.GateRiskReview))
	assert.Equal(t, StateComplianceReview, StateForGate(domain.GateComplianceReview))
	assert.Equal(t, StateAwaitingConsent, StateForGate(domain.GateClientConsent))
	assert.Equal(t, StateExecutionReady, StateForGate(domain.GateExecutionReady))
	assert.Equal(t, StateDraft, StateForGate(domain.GateBlocked))
}

func TestTransitionAppendsEvent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedProposal(t, s, "prop-1", StateDraft)

	p, err := s.Transition(ctx, TransitionRequest{
		ProposalID:    "prop-1",
		To:            StateRiskReview,
		ExpectedState: StateDraft,
		ActorID:       "rm-7",
		Reason:        "submitted for review",
	})
	require.NoError(t, err)
	assert.Equal(t, StateRiskReview, p.State)

	events, err := s.ListEvents(ctx, "prop-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, StateDraft, events[0].FromState)
	assert.Equal(t, StateRiskReview, events[0].ToState)
	assert.Equal(t, "rm-7", events[0].ActorID)
	assert.NotEmpty(t, events[0].EventID)
}

func TestTransitionExpectedStateConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedProposal(t, s, "prop-1", StateDraft)

	_, err := s.Transition(ctx, TransitionRequest{ProposalID: "prop-1", To: StateRiskReview})
	require.NoError(t, err)

	// A second caller still holding the DRAFT read loses the race.
	_, err = s.Transition(ctx, TransitionRequest{
		ProposalID:    "prop-1",
		To:            StateComplianceReview,
		ExpectedState: StateDraft,
	})
	assert.ErrorIs(t, err, ErrStateConflict)

	events, err := s.ListEvents(ctx, "prop-1")
	require.NoError(t, err)
	assert.Len(t, events, 1, "rejected move must not log an event")
}

func TestTransitionInvalidMove(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedProposal(t, s, "prop-1", StateDraft)

	_, err := s.Transition(ctx, TransitionRequest{ProposalID: "prop-1", To: StateExecuted})
	assert.ErrorIs(t, err, ErrInvalidMove)

	_, err = s.Transition(ctx, TransitionRequest{ProposalID: "prop-1", To: State("BOGUS")})
	assert.ErrorIs(t, err, ErrInvalidMove)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedProposal(t, s, "prop-1", StateExecutionReady)

	_, err := s.Transition(ctx, TransitionRequest{ProposalID: "prop-1", To: StateExecuted})
	require.NoError(t, err)

	_, err = s.Transition(ctx, TransitionRequest{ProposalID: "prop-1", To: StateCancelled})
	assert.ErrorIs(t, err, ErrInvalidMove)
}

func TestAddVersionRequiresSequentialNumbers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedProposal(t, s, "prop-1", StateDraft)

	err := s.AddVersion(ctx, &Version{ProposalID: "prop-1", VersionNo: 3})
	assert.ErrorIs(t, err, ErrStateConflict)

	err = s.AddVersion(ctx, &Version{ProposalID: "prop-1", VersionNo: 2, ArtifactHash: "sha256:v2"})
	require.NoError(t, err)

	p, err := s.Get(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.VersionNo)

	v1, err := s.GetVersion(ctx, "prop-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "sha256:art", v1.ArtifactHash)
}

func TestVersionsAreImmutableCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedProposal(t, s, "prop-1", StateDraft)

	v, err := s.GetVersion(ctx, "prop-1", 1)
	require.NoError(t, err)
	v.ArtifactHash = "sha256:tampered"

	again, err := s.GetVersion(ctx, "prop-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "sha256:art", again.ArtifactHash)
}

func TestGetAndVersionNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedProposal(t, s, "prop-1", StateDraft)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetVersion(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetVersion(ctx, "prop-1", 9)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestListFiltersByPortfolioAndState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	seedProposal(t, s, "prop-1", StateDraft)
	seedProposal(t, s, "prop-2", StateDraft)
	require.NoError(t, s.Create(ctx, &Proposal{ProposalID: "prop-3", PortfolioID: "p-2", State: StateRiskReview}, nil))

	all, err := s.List(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "prop-3", all[0].ProposalID, "newest first")

	drafts, err := s.List(ctx, "p-1", StateDraft)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
}

func TestAppendApproval(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedProposal(t, s, "prop-1", StateRiskReview)

	err := s.AppendApproval(ctx, &Approval{
		ProposalID: "prop-1",
		VersionNo:  1,
		ActorID:    "risk-officer-2",
		Action:     domain.ActionApprove,
		Comment:    "within mandate",
	})
	require.NoError(t, err)

	approvals, err := s.ListApprovals(ctx, "prop-1")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.NotEmpty(t, approvals[0].ApprovalID)
	assert.Equal(t, domain.ActionApprove, approvals[0].Action)
}
