package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/service"
	"github.com/aristath/dpm/internal/support"
)

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	hdr := s.headers(r)
	if hdr.IdempotencyKey == "" {
		s.writeProblem(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Idempotency-Key header is required")
		return
	}
	var req domain.RebalanceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeProblem(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	out, err := s.svc.Simulate(r.Context(), &req, hdr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set(HeaderCorrelationID, out.Result.CorrelationID)
	s.writeJSON(w, http.StatusOK, out.Result)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	hdr := s.headers(r)
	var req domain.AnalyzeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeProblem(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	resp, err := s.svc.Analyze(r.Context(), &req, hdr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set(HeaderCorrelationID, hdr.CorrelationID)
	s.writeJSON(w, http.StatusOK, resp)
}

// asyncOperationResponse wraps an operation handle with its follow-up URLs.
type asyncOperationResponse struct {
	Operation  *support.AsyncOperation `json:"operation"`
	StatusURL  string                  `json:"status_url"`
	ExecuteURL string                  `json:"execute_url,omitempty"`
}

func (s *Server) handleAnalyzeAsync(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Async.Enabled && s.async != nil, CodeAsyncDisabled) {
		return
	}
	hdr := s.headers(r)
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeProblem(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	op, err := s.async.Submit(r.Context(), service.OperationTypeAnalyze, hdr.CorrelationID, raw, s.svc.AnalyzeRunner(hdr))
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := asyncOperationResponse{
		Operation: op,
		StatusURL: "/rebalance/operations/" + op.OperationID,
	}
	if op.Status == support.OpPending && s.gates.Async.ManualExecutionEnabled {
		resp.ExecuteURL = "/rebalance/operations/" + op.OperationID + "/execute"
	}
	w.Header().Set(HeaderCorrelationID, hdr.CorrelationID)
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Async.Enabled && s.async != nil, CodeAsyncDisabled) {
		return
	}
	cursor, limit := listParams(r)
	page, err := s.async.List(r.Context(), operationFilters(r), cursor, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Async.Enabled && s.async != nil, CodeAsyncDisabled) {
		return
	}
	op, err := s.async.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleGetOperationByCorrelation(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Async.Enabled && s.async != nil, CodeAsyncDisabled) {
		return
	}
	cid := chi.URLParam(r, "cid")
	page, err := s.async.List(r.Context(), support.OperationFilters{CorrelationID: cid}, "", 1)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(page.Items) == 0 {
		s.writeProblem(w, http.StatusNotFound, "NOT_FOUND", "no operation for correlation id "+cid)
		return
	}
	s.writeJSON(w, http.StatusOK, page.Items[0])
}

func (s *Server) handleExecuteOperation(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Async.Enabled && s.async != nil, CodeAsyncDisabled) {
		return
	}
	if !s.gate(w, s.gates.Async.ManualExecutionEnabled, CodeManualExecutionDisabled) {
		return
	}
	id := chi.URLParam(r, "id")
	op, err := s.async.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	done, err := s.async.Execute(r.Context(), id, s.svc.AnalyzeRunner(service.Headers{CorrelationID: op.CorrelationID}))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, done)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Async.Enabled && s.async != nil, CodeAsyncDisabled) {
		return
	}
	op, err := s.async.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.SupportAPIs.Enabled, CodeSupportAPIsDisabled) {
		return
	}
	cursor, limit := listParams(r)
	page, err := s.svc.Store().ListRuns(r.Context(), runFilters(r), cursor, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.SupportAPIs.Enabled, CodeSupportAPIsDisabled) {
		return
	}
	run, err := s.svc.Store().GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRunByCorrelation(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.SupportAPIs.Enabled, CodeSupportAPIsDisabled) {
		return
	}
	run, err := s.svc.Store().GetRunByCorrelation(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRunByIdempotencyKey(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.SupportAPIs.Enabled, CodeSupportAPIsDisabled) {
		return
	}
	rec, err := s.svc.Store().GetIdempotencyByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	run, err := s.svc.Store().GetRun(r.Context(), rec.RunID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRunByRequestHash(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.SupportAPIs.Enabled, CodeSupportAPIsDisabled) {
		return
	}
	run, err := s.svc.Store().GetRunByRequestHash(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRunArtifact(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.SupportAPIs.Enabled, CodeSupportAPIsDisabled) {
		return
	}
	art, err := s.svc.Artifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, art)
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.SupportAPIs.Enabled, CodeSupportAPIsDisabled) {
		return
	}
	bundle, err := s.svc.Bundle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleBundleByCorrelation(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.SupportAPIs.Enabled, CodeSupportAPIsDisabled) {
		return
	}
	bundle, err := s.svc.BundleByCorrelation(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleBundleByIdempotencyKey(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.SupportAPIs.Enabled, CodeSupportAPIsDisabled) {
		return
	}
	bundle, err := s.svc.BundleByIdempotencyKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleBundleByOperation(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.SupportAPIs.Enabled, CodeSupportAPIsDisabled) {
		return
	}
	bundle, err := s.svc.BundleByOperation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Workflow.Enabled, CodeWorkflowDisabled) {
		return
	}
	state, err := s.svc.Workflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetWorkflowByCorrelation(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Workflow.Enabled, CodeWorkflowDisabled) {
		return
	}
	run, err := s.svc.Store().GetRunByCorrelation(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	state, err := s.svc.Workflow(r.Context(), run.RunID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetWorkflowByIdempotencyKey(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Workflow.Enabled, CodeWorkflowDisabled) {
		return
	}
	rec, err := s.svc.Store().GetIdempotencyByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	state, err := s.svc.Workflow(r.Context(), rec.RunID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// decideRun decodes a reviewer decision and applies it to the resolved run.
func (s *Server) decideRun(w http.ResponseWriter, r *http.Request, runID string) {
	hdr := s.headers(r)
	var in service.DecisionInput
	if err := decodeBody(r, &in); err != nil {
		s.writeProblem(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	in.CorrelationID = hdr.CorrelationID
	decision, err := s.svc.Decide(r.Context(), runID, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) writeWorkflowHistory(w http.ResponseWriter, r *http.Request, runID string) {
	decisions, err := s.svc.Store().ListWorkflowDecisionsByRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleWorkflowAction(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Workflow.Enabled, CodeWorkflowDisabled) {
		return
	}
	s.decideRun(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleWorkflowActionByCorrelation(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Workflow.Enabled, CodeWorkflowDisabled) {
		return
	}
	run, err := s.svc.Store().GetRunByCorrelation(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.decideRun(w, r, run.RunID)
}

func (s *Server) handleWorkflowActionByIdempotencyKey(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Workflow.Enabled, CodeWorkflowDisabled) {
		return
	}
	rec, err := s.svc.Store().GetIdempotencyByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.decideRun(w, r, rec.RunID)
}

func (s *Server) handleWorkflowHistory(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Workflow.Enabled, CodeWorkflowDisabled) {
		return
	}
	s.writeWorkflowHistory(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleWorkflowHistoryByCorrelation(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Workflow.Enabled, CodeWorkflowDisabled) {
		return
	}
	run, err := s.svc.Store().GetRunByCorrelation(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeWorkflowHistory(w, r, run.RunID)
}

func (s *Server) handleWorkflowHistoryByIdempotencyKey(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Workflow.Enabled, CodeWorkflowDisabled) {
		return
	}
	rec, err := s.svc.Store().GetIdempotencyByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeWorkflowHistory(w, r, rec.RunID)
}

func (s *Server) handleListWorkflowDecisions(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Workflow.Enabled, CodeWorkflowDisabled) {
		return
	}
	q := r.URL.Query()
	filters := support.DecisionFilters{
		From:       parseTimeParam(r, "from"),
		To:         parseTimeParam(r, "to"),
		RunID:      q.Get("run_id"),
		ActorID:    q.Get("actor_id"),
		Action:     domain.WorkflowAction(q.Get("action")),
		ReasonCode: q.Get("reason_code"),
	}
	decisions, err := s.svc.Store().ListWorkflowDecisions(r.Context(), filters)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleWorkflowDecisionsByCorrelation(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Workflow.Enabled, CodeWorkflowDisabled) {
		return
	}
	run, err := s.svc.Store().GetRunByCorrelation(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	decisions, err := s.svc.Store().ListWorkflowDecisionsByRun(r.Context(), run.RunID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleSupportabilitySummary(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.SupportAPIs.Enabled, CodeSupportAPIsDisabled) {
		return
	}
	if !s.gate(w, s.gates.SupportAPIs.SummaryEnabled, CodeSummaryAPIsDisabled) {
		return
	}
	summary, err := s.svc.Store().Summary(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.SupportAPIs.Enabled, CodeSupportAPIsDisabled) {
		return
	}
	if !s.gate(w, s.gates.SupportAPIs.LineageEnabled, CodeLineageAPIsDisabled) {
		return
	}
	edges, err := s.svc.Store().ListLineageEdges(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, edges)
}

func (s *Server) handleIdempotencyHistory(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.SupportAPIs.Enabled, CodeSupportAPIsDisabled) {
		return
	}
	if !s.gate(w, s.gates.SupportAPIs.IdemHistoryEnabled, CodeIdemHistoryDisabled) {
		return
	}
	history, err := s.svc.Store().ListIdempotencyHistory(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleEffectivePolicy(w http.ResponseWriter, r *http.Request) {
	hdr := s.headers(r)
	s.writeJSON(w, http.StatusOK, s.svc.EffectivePolicy(hdr))
}

func (s *Server) handlePolicyCatalog(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, s.gates.Policy.Enabled, CodePolicyPacksDisabled) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.svc.PolicyCatalog())
}
