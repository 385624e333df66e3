package proposals

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process adapter. It is the default backend and the
// reference implementation the persistent adapters are tested against.
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
	versions  map[string][]*Version
	events    map[string][]*Event
	approvals map[string][]*Approval
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory proposal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals: map[string]*Proposal{},
		versions:  map[string][]*Version{},
		events:    map[string][]*Event{},
		approvals: map[string][]*Approval{},
		now:       time.Now,
	}
}

// Create stores a new aggregate with its first version.
func (s *MemoryStore) Create(_ context.Context, p *Proposal, first *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.proposals[p.ProposalID]; exists {
		return fmt.Errorf("proposal %s already exists", p.ProposalID)
	}
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	cp.LastEventAt = cp.CreatedAt
	if first != nil {
		cp.VersionNo = first.VersionNo
		v := *first
		s.versions[p.ProposalID] = append(s.versions[p.ProposalID], &v)
	}
	s.proposals[p.ProposalID] = &cp
	return nil
}

// Get returns a copy of the aggregate.
func (s *MemoryStore) Get(_ context.Context, proposalID string) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// List returns proposals filtered by portfolio and state, newest first.
func (s *MemoryStore) List(_ context.Context, portfolioID string, state State) ([]*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Proposal
	for _, p := range s.proposals {
		if portfolioID != "" && p.PortfolioID != portfolioID {
			continue
		}
		if state != "" && p.State != state {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ProposalID < out[j].ProposalID
	})
	return out, nil
}

// AddVersion appends an immutable version and advances the aggregate's
// version counter.
func (s *MemoryStore) AddVersion(_ context.Context, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[v.ProposalID]
	if !ok {
		return ErrNotFound
	}
	if v.VersionNo != p.VersionNo+1 {
		return fmt.Errorf("%w: version %d, current %d", ErrStateConflict, v.VersionNo, p.VersionNo)
	}
	cp := *v
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.versions[v.ProposalID] = append(s.versions[v.ProposalID], &cp)
	p.VersionNo = v.VersionNo
	p.LastEventAt = cp.CreatedAt
	return nil
}

// GetVersion returns one immutable version.
func (s *MemoryStore) GetVersion(_ context.Context, proposalID string, versionNo int) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[proposalID] {
		if v.VersionNo == versionNo {
			cp := *v
			return &cp, nil
		}
	}
	if _, ok := s.proposals[proposalID]; !ok {
		return nil, ErrNotFound
	}
	return nil, ErrVersionNotFound
}

// Transition applies one lifecycle move under optimistic concurrency and
// appends the workflow event.
func (s *MemoryStore) Transition(_ context.Context, req TransitionRequest) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[req.ProposalID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := validateTransition(p.State, req); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	s.events[req.ProposalID] = append(s.events[req.ProposalID], &Event{
		EventID:    uuid.NewString(),
		ProposalID: req.ProposalID,
		FromState:  p.State,
		ToState:    req.To,
		ActorID:    req.ActorID,
		Reason:     req.Reason,
		CreatedAt:  now,
	})
	p.State = req.To
	p.LastEventAt = now
	cp := *p
	return &cp, nil
}

// AppendApproval records a reviewer decision.
func (s *MemoryStore) AppendApproval(_ context.Context, a *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[a.ProposalID]; !ok {
		return ErrNotFound
	}
	cp := *a
	if cp.ApprovalID == "" {
		cp.ApprovalID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.approvals[a.ProposalID] = append(s.approvals[a.ProposalID], &cp)
	return nil
}

// ListEvents returns the append-only event log in insertion order.
func (s *MemoryStore) ListEvents(_ context.Context, proposalID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.proposals[proposalID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*Event, 0, len(s.events[proposalID]))
	for _, e := range s.events[proposalID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// ListApprovals returns recorded approvals in insertion order.
func (s *MemoryStore) ListApprovals(_ context.Context, proposalID string) ([]*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.proposals[proposalID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*Approval, 0, len(s.approvals[proposalID]))
	for _, a := range s.approvals[proposalID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}
