package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/proposals"
	"github.com/aristath/dpm/internal/service"
)

func (s *Server) handleProposalSimulate(w http.ResponseWriter, r *http.Request) {
	hdr := s.headers(r)
	var req domain.ProposalRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeProblem(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	out, err := s.svc.Propose(r.Context(), &req, hdr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set(HeaderCorrelationID, out.Result.CorrelationID)
	s.writeJSON(w, http.StatusOK, out.Result)
}

func (s *Server) handleProposalArtifact(w http.ResponseWriter, r *http.Request) {
	var result domain.ProposalResult
	if err := decodeBody(r, &result); err != nil {
		s.writeProblem(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	art, err := s.svc.BuildArtifactFromResult(&result)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, art)
}

func (s *Server) lifecycleGate(w http.ResponseWriter) bool {
	return s.gate(w, s.gates.Proposal.LifecycleEnabled && s.lifecycle != nil, CodeLifecycleDisabled)
}

func (s *Server) handleProposalCreate(w http.ResponseWriter, r *http.Request) {
	if !s.lifecycleGate(w) {
		return
	}
	var in service.CreateInput
	if err := decodeBody(r, &in); err != nil {
		s.writeProblem(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	p, err := s.lifecycle.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleProposalList(w http.ResponseWriter, r *http.Request) {
	if !s.lifecycleGate(w) {
		return
	}
	q := r.URL.Query()
	list, err := s.lifecycle.List(r.Context(), q.Get("portfolio_id"), proposals.State(q.Get("state")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleProposalGet(w http.ResponseWriter, r *http.Request) {
	if !s.lifecycleGate(w) {
		return
	}
	p, err := s.lifecycle.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProposalVersion(w http.ResponseWriter, r *http.Request) {
	if !s.lifecycleGate(w) {
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		s.writeProblem(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version number must be an integer")
		return
	}
	v, err := s.lifecycle.GetVersion(r.Context(), chi.URLParam(r, "id"), n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleProposalAddVersion(w http.ResponseWriter, r *http.Request) {
	if !s.lifecycleGate(w) {
		return
	}
	var in service.VersionInput
	if err := decodeBody(r, &in); err != nil {
		s.writeProblem(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	v, err := s.lifecycle.AddVersion(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, v)
}

// transitionBody is the lifecycle transition payload.
type transitionBody struct {
	To            proposals.State `json:"to_state"`
	ExpectedState proposals.State `json:"expected_state,omitempty"`
	ActorID       string          `json:"actor_id"`
	Reason        string          `json:"reason,omitempty"`
}

func (s *Server) handleProposalTransition(w http.ResponseWriter, r *http.Request) {
	if !s.lifecycleGate(w) {
		return
	}
	var body transitionBody
	if err := decodeBody(r, &body); err != nil {
		s.writeProblem(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	p, err := s.lifecycle.Transition(r.Context(), proposals.TransitionRequest{
		ProposalID:    chi.URLParam(r, "id"),
		To:            body.To,
		ExpectedState: body.ExpectedState,
		ActorID:       body.ActorID,
		Reason:        body.Reason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProposalApproval(w http.ResponseWriter, r *http.Request) {
	if !s.lifecycleGate(w) {
		return
	}
	var in service.ApprovalInput
	if err := decodeBody(r, &in); err != nil {
		s.writeProblem(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	a, err := s.lifecycle.Approve(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleProposalApprovals(w http.ResponseWriter, r *http.Request) {
	if !s.lifecycleGate(w) {
		return
	}
	approvals, err := s.lifecycle.Approvals(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, approvals)
}

func (s *Server) handleProposalEvents(w http.ResponseWriter, r *http.Request) {
	if !s.lifecycleGate(w) {
		return
	}
	events, err := s.lifecycle.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}
