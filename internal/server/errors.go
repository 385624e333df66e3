package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aristath/dpm/internal/asyncops"
	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/idempotency"
	"github.com/aristath/dpm/internal/proposals"
	"github.com/aristath/dpm/internal/service"
	"github.com/aristath/dpm/internal/support"
)

// Stable feature-gating codes. Gated surfaces answer 404 with these so
// clients can distinguish "disabled" from "unknown id".
const (
	CodeWorkflowDisabled        = "DPM_WORKFLOW_DISABLED"
	CodeSupportAPIsDisabled     = "DPM_SUPPORT_APIS_DISABLED"
	CodeSummaryAPIsDisabled     = "DPM_SUPPORTABILITY_SUMMARY_APIS_DISABLED"
	CodeLineageAPIsDisabled     = "DPM_LINEAGE_APIS_DISABLED"
	CodeIdemHistoryDisabled     = "DPM_IDEMPOTENCY_HISTORY_APIS_DISABLED"
	CodeAsyncDisabled           = "DPM_ASYNC_OPERATIONS_DISABLED"
	CodeManualExecutionDisabled = "DPM_ASYNC_MANUAL_EXECUTION_DISABLED"
	CodeLifecycleDisabled       = "PROPOSAL_WORKFLOW_LIFECYCLE_DISABLED"
	CodePolicyPacksDisabled     = "DPM_POLICY_PACKS_DISABLED"
)

// problem is the application/problem+json error body.
type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) writeProblem(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Title:  http.StatusText(status),
		Status: status,
		Code:   code,
		Detail: detail,
	})
}

// writeError maps typed errors onto the HTTP taxonomy. Domain outcomes never
// arrive here; they are 200 responses with status in the body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		s.writeProblem(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, idempotency.ErrConflict):
		s.writeProblem(w, http.StatusConflict, "IDEMPOTENCY_KEY_CONFLICT", "IDEMPOTENCY_KEY_CONFLICT: request hash mismatch")
	case errors.Is(err, asyncops.ErrNotExecutable):
		s.writeProblem(w, http.StatusConflict, "DPM_ASYNC_OPERATION_NOT_EXECUTABLE", err.Error())
	case errors.Is(err, service.ErrReviewNotRequired):
		s.writeProblem(w, http.StatusConflict, "RUN_REVIEW_NOT_REQUIRED", err.Error())
	case errors.Is(err, proposals.ErrStateConflict):
		s.writeProblem(w, http.StatusConflict, "PROPOSAL_STATE_CONFLICT", err.Error())
	case errors.Is(err, proposals.ErrInvalidMove):
		s.writeProblem(w, http.StatusUnprocessableEntity, "PROPOSAL_TRANSITION_NOT_ALLOWED", err.Error())
	case errors.Is(err, support.ErrConflict), errors.Is(err, support.ErrDuplicate):
		s.writeProblem(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, support.ErrNotFound),
		errors.Is(err, proposals.ErrNotFound),
		errors.Is(err, proposals.ErrVersionNotFound):
		s.writeProblem(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		s.log.Error().Err(err).Msg("unhandled error")
		s.writeProblem(w, http.StatusInternalServerError, "INTERNAL_ERROR", "unexpected error")
	}
}

// gate answers 404 with a stable code when a feature surface is disabled.
// Returns true when the request may proceed.
func (s *Server) gate(w http.ResponseWriter, enabled bool, code string) bool {
	if enabled {
		return true
	}
	s.writeProblem(w, http.StatusNotFound, code, code)
	return false
}

func runStatusParam(raw string) domain.RunStatus {
	return domain.RunStatus(raw)
}
