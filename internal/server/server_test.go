package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dpm/internal/asyncops"
	"github.com/aristath/dpm/internal/config"
	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/idempotency"
	"github.com/aristath/dpm/internal/metrics"
	"github.com/aristath/dpm/internal/policy"
	"github.com/aristath/dpm/internal/proposals"
	"github.com/aristath/dpm/internal/service"
	"github.com/aristath/dpm/internal/support"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testGates() *config.Config {
	return &config.Config{
		Idempotency: config.IdempotencyConfig{ReplayEnabled: true, CacheMaxSize: 10},
		Async: config.AsyncConfig{
			Enabled:                true,
			ExecutionMode:          "INLINE",
			ManualExecutionEnabled: true,
		},
		SupportAPIs: config.SupportAPIConfig{
			Enabled:            true,
			SummaryEnabled:     true,
			LineageEnabled:     true,
			IdemHistoryEnabled: true,
		},
		Workflow: config.WorkflowConfig{
			Enabled:                   true,
			RequiresReviewForStatuses: []domain.RunStatus{domain.StatusReady},
		},
		Policy:   config.PolicyConfig{Enabled: false},
		Proposal: config.ProposalConfig{LifecycleEnabled: true, StoreEvidenceBundle: true},
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	gates := testGates()
	if mutate != nil {
		mutate(gates)
	}
	store := support.NewMemoryStore()
	guard := idempotency.NewGuard(store, gates.Idempotency.CacheMaxSize, gates.Idempotency.ReplayEnabled, zerolog.Nop())
	resolver := policy.NewResolver(policy.Config{Enabled: gates.Policy.Enabled}, nil)
	svc := service.New(store, guard, resolver, metrics.New(prometheus.NewRegistry()), service.Config{
		ReplayEnabled:   gates.Idempotency.ReplayEnabled,
		WorkflowEnabled: gates.Workflow.Enabled,
		ReviewStatuses:  gates.Workflow.RequiresReviewForStatuses,
	}, zerolog.Nop())
	lifecycle := service.NewLifecycle(svc, proposals.NewMemoryStore(), service.LifecycleConfig{
		RequireSimulation: true,
		StoreEvidence:     gates.Proposal.StoreEvidenceBundle,
	}, zerolog.Nop())
	async := asyncops.New(store, asyncops.Config{Mode: asyncops.ParseMode(gates.Async.ExecutionMode)}, zerolog.Nop())
	return New(Config{
		Log:       zerolog.Nop(),
		Port:      0,
		Service:   svc,
		Lifecycle: lifecycle,
		Async:     async,
		Gates:     gates,
	})
}

func do(t *testing.T, srv *Server, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func rebalanceBody() *domain.RebalanceRequest {
	return &domain.RebalanceRequest{
		Portfolio: domain.PortfolioSnapshot{
			PortfolioID:  "p-1",
			BaseCurrency: "USD",
			CashBalances: []domain.CashBalance{{Currency: "USD", Amount: dec("100000")}},
		},
		MarketData: domain.MarketDataSnapshot{
			Prices: []domain.InstrumentPrice{
				{InstrumentID: "EQ_A", Price: domain.Money{Amount: dec("100"), Currency: "USD"}},
			},
		},
		Shelf: domain.Shelf{{InstrumentID: "EQ_A", Status: domain.ShelfApproved, Currency: "USD"}},
		Model: domain.ModelPortfolio{"EQ_A": dec("0.80"), "CASH": dec("0.20")},
	}
}

func TestSimulateEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/rebalance/simulate", map[string]string{
		HeaderIdempotencyKey: "key-1",
		HeaderCorrelationID:  "c-1",
	}, rebalanceBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "c-1", rec.Header().Get(HeaderCorrelationID))

	result := decode[domain.RebalanceResult](t, rec)
	assert.Equal(t, domain.StatusReady, result.Status)
	assert.NotEmpty(t, result.RunID)
}

func TestSimulateRequiresIdempotencyKey(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/rebalance/simulate", nil, rebalanceBody())
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	p := decode[problem](t, rec)
	assert.Equal(t, "VALIDATION_ERROR", p.Code)
}

func TestSimulateGeneratesCorrelationID(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/rebalance/simulate", map[string]string{
		HeaderIdempotencyKey: "key-1",
	}, rebalanceBody())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(HeaderCorrelationID), "c_")
}

func TestSimulateIdempotencyConflict(t *testing.T) {
	srv := newTestServer(t, nil)
	hdr := map[string]string{HeaderIdempotencyKey: "key-1", HeaderCorrelationID: "c-1"}

	rec := do(t, srv, http.MethodPost, "/rebalance/simulate", hdr, rebalanceBody())
	require.Equal(t, http.StatusOK, rec.Code)

	changed := rebalanceBody()
	changed.Model["EQ_A"] = dec("0.50")
	changed.Model["CASH"] = dec("0.50")
	rec = do(t, srv, http.MethodPost, "/rebalance/simulate", hdr, changed)
	require.Equal(t, http.StatusConflict, rec.Code)
	p := decode[problem](t, rec)
	assert.Equal(t, "IDEMPOTENCY_KEY_CONFLICT", p.Code)
}

func TestSimulateReplaysIdenticalRequest(t *testing.T) {
	srv := newTestServer(t, nil)
	hdr := map[string]string{HeaderIdempotencyKey: "key-1", HeaderCorrelationID: "c-1"}

	first := decode[domain.RebalanceResult](t, do(t, srv, http.MethodPost, "/rebalance/simulate", hdr, rebalanceBody()))
	second := decode[domain.RebalanceResult](t, do(t, srv, http.MethodPost, "/rebalance/simulate", hdr, rebalanceBody()))
	assert.Equal(t, first.RunID, second.RunID)
}

func TestFeatureGatesAnswer404WithStableCodes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		method string
		path   string
		code   string
	}{
		{"workflow", func(c *config.Config) { c.Workflow.Enabled = false }, http.MethodGet, "/rebalance/runs/run_x/workflow", CodeWorkflowDisabled},
		{"support", func(c *config.Config) { c.SupportAPIs.Enabled = false }, http.MethodGet, "/rebalance/runs/run_x", CodeSupportAPIsDisabled},
		{"summary", func(c *config.Config) { c.SupportAPIs.SummaryEnabled = false }, http.MethodGet, "/rebalance/supportability/summary", CodeSummaryAPIsDisabled},
		{"lineage", func(c *config.Config) { c.SupportAPIs.LineageEnabled = false }, http.MethodGet, "/rebalance/lineage/run_x", CodeLineageAPIsDisabled},
		{"idem-history", func(c *config.Config) { c.SupportAPIs.IdemHistoryEnabled = false }, http.MethodGet, "/rebalance/idempotency/key-1/history", CodeIdemHistoryDisabled},
		{"async", func(c *config.Config) { c.Async.Enabled = false }, http.MethodGet, "/rebalance/operations/op_x", CodeAsyncDisabled},
		{"manual-exec", func(c *config.Config) { c.Async.ManualExecutionEnabled = false }, http.MethodPost, "/rebalance/operations/op_x/execute", CodeManualExecutionDisabled},
		{"lifecycle", func(c *config.Config) { c.Proposal.LifecycleEnabled = false }, http.MethodGet, "/rebalance/proposals/prop_x", CodeLifecycleDisabled},
		{"policy-catalog", nil, http.MethodGet, "/rebalance/policies/catalog", CodePolicyPacksDisabled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, tc.mutate)
			rec := do(t, srv, tc.method, tc.path, nil, nil)
			require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
			p := decode[problem](t, rec)
			assert.Equal(t, tc.code, p.Code)
		})
	}
}

func TestUnknownRunIs404(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := do(t, srv, http.MethodGet, "/rebalance/runs/run_missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	p := decode[problem](t, rec)
	assert.Equal(t, "NOT_FOUND", p.Code)
}

func TestWorkflowDecisionFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	hdr := map[string]string{HeaderIdempotencyKey: "key-1", HeaderCorrelationID: "c-1"}

	result := decode[domain.RebalanceResult](t, do(t, srv, http.MethodPost, "/rebalance/simulate", hdr, rebalanceBody()))

	rec := do(t, srv, http.MethodGet, "/rebalance/runs/"+result.RunID+"/workflow", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[service.WorkflowState](t, rec)
	assert.Equal(t, domain.WorkflowPendingReview, state.WorkflowStatus)

	rec = do(t, srv, http.MethodPost, "/rebalance/runs/"+result.RunID+"/workflow/actions", nil, map[string]any{
		"action":      "APPROVE",
		"actor_id":    "reviewer-1",
		"reason_code": "OK",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	state = decode[service.WorkflowState](t, do(t, srv, http.MethodGet, "/rebalance/runs/"+result.RunID+"/workflow", nil, nil))
	assert.Equal(t, domain.WorkflowApproved, state.WorkflowStatus)
	require.Len(t, state.Decisions, 1)

	rec = do(t, srv, http.MethodGet, "/rebalance/runs/"+result.RunID+"/workflow/history", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkflowActionsAndHistoryByCorrelationAndKey(t *testing.T) {
	srv := newTestServer(t, nil)
	hdr := map[string]string{HeaderIdempotencyKey: "key-1", HeaderCorrelationID: "c-1"}
	result := decode[domain.RebalanceResult](t, do(t, srv, http.MethodPost, "/rebalance/simulate", hdr, rebalanceBody()))

	rec := do(t, srv, http.MethodPost, "/rebalance/runs/by-correlation/c-1/workflow/actions", nil, map[string]any{
		"action":      "APPROVE",
		"actor_id":    "reviewer-1",
		"reason_code": "OK",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	state := decode[service.WorkflowState](t, do(t, srv, http.MethodGet, "/rebalance/runs/"+result.RunID+"/workflow", nil, nil))
	assert.Equal(t, domain.WorkflowApproved, state.WorkflowStatus)

	for _, path := range []string{
		"/rebalance/runs/by-correlation/c-1/workflow/history",
		"/rebalance/runs/idempotency/key-1/workflow/history",
	} {
		rec = do(t, srv, http.MethodGet, path, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		decisions := decode[[]*support.WorkflowDecision](t, rec)
		assert.Len(t, decisions, 1, path)
	}

	rec = do(t, srv, http.MethodPost, "/rebalance/runs/idempotency/key-1/workflow/actions", nil, map[string]any{
		"action":      "REJECT",
		"actor_id":    "reviewer-2",
		"reason_code": "ESCALATED",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	decisions := decode[[]*support.WorkflowDecision](t, do(t, srv, http.MethodGet, "/rebalance/runs/idempotency/key-1/workflow/history", nil, nil))
	assert.Len(t, decisions, 2, "both decisions on the run's history")

	rec = do(t, srv, http.MethodGet, "/rebalance/runs/by-correlation/missing/workflow/history", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowActionValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	hdr := map[string]string{HeaderIdempotencyKey: "key-1", HeaderCorrelationID: "c-1"}
	result := decode[domain.RebalanceResult](t, do(t, srv, http.MethodPost, "/rebalance/simulate", hdr, rebalanceBody()))

	rec := do(t, srv, http.MethodPost, "/rebalance/runs/"+result.RunID+"/workflow/actions", nil, map[string]any{
		"action":   "ESCALATE",
		"actor_id": "reviewer-1",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAnalyzeEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	base := rebalanceBody()
	req := &domain.AnalyzeRequest{
		Portfolio:  base.Portfolio,
		MarketData: base.MarketData,
		Shelf:      base.Shelf,
		Model:      base.Model,
		Scenarios: map[string]domain.EngineOptions{
			"base":   {},
			"capped": {SinglePositionMaxWeight: func() *decimal.Decimal { d := dec("0.10"); return &d }()},
		},
	}
	rec := do(t, srv, http.MethodPost, "/rebalance/analyze", map[string]string{HeaderCorrelationID: "c-an"}, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[service.AnalyzeResponse](t, rec)
	assert.Equal(t, "c-an", resp.CorrelationID)
	assert.Len(t, resp.Scenarios, 2)
	assert.Empty(t, resp.FailedScenarios)
}

func TestAnalyzeAsyncAcceptOnlyThenExecute(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.Async.ExecutionMode = "ACCEPT_ONLY" })
	base := rebalanceBody()
	req := &domain.AnalyzeRequest{
		Portfolio:  base.Portfolio,
		MarketData: base.MarketData,
		Shelf:      base.Shelf,
		Model:      base.Model,
		Scenarios:  map[string]domain.EngineOptions{"base": {}},
	}

	rec := do(t, srv, http.MethodPost, "/rebalance/analyze/async", map[string]string{HeaderCorrelationID: "c-async"}, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	accepted := decode[asyncOperationResponse](t, rec)
	require.NotNil(t, accepted.Operation)
	assert.Equal(t, support.OpPending, accepted.Operation.Status)
	assert.NotEmpty(t, accepted.ExecuteURL)

	rec = do(t, srv, http.MethodPost, accepted.ExecuteURL, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[support.AsyncOperation](t, rec)
	assert.Equal(t, support.OpSucceeded, done.Status)

	// A second execute hits a terminal operation.
	rec = do(t, srv, http.MethodPost, accepted.ExecuteURL, nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	p := decode[problem](t, rec)
	assert.Equal(t, "DPM_ASYNC_OPERATION_NOT_EXECUTABLE", p.Code)
}

func TestAnalyzeAsyncInlineCompletes(t *testing.T) {
	srv := newTestServer(t, nil)
	base := rebalanceBody()
	req := &domain.AnalyzeRequest{
		Portfolio:  base.Portfolio,
		MarketData: base.MarketData,
		Shelf:      base.Shelf,
		Model:      base.Model,
		Scenarios:  map[string]domain.EngineOptions{"base": {}},
	}

	rec := do(t, srv, http.MethodPost, "/rebalance/analyze/async", map[string]string{HeaderCorrelationID: "c-inline"}, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	accepted := decode[asyncOperationResponse](t, rec)
	assert.Equal(t, support.OpSucceeded, accepted.Operation.Status)
	assert.Empty(t, accepted.ExecuteURL)

	rec = do(t, srv, http.MethodGet, "/rebalance/operations/by-correlation/c-inline", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSupportabilityReadSurfaces(t *testing.T) {
	srv := newTestServer(t, nil)
	hdr := map[string]string{HeaderIdempotencyKey: "key-1", HeaderCorrelationID: "c-1"}
	result := decode[domain.RebalanceResult](t, do(t, srv, http.MethodPost, "/rebalance/simulate", hdr, rebalanceBody()))

	for _, path := range []string{
		"/rebalance/runs/",
		"/rebalance/runs/" + result.RunID,
		"/rebalance/runs/by-correlation/c-1",
		"/rebalance/runs/idempotency/key-1",
		"/rebalance/runs/" + result.RunID + "/artifact",
		"/rebalance/runs/" + result.RunID + "/support-bundle",
		"/rebalance/runs/idempotency/key-1/support-bundle",
		"/rebalance/supportability/summary",
		"/rebalance/lineage/" + result.RunID,
		"/rebalance/idempotency/key-1/history",
		"/rebalance/policies/effective",
	} {
		rec := do(t, srv, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code, "%s: %s", path, rec.Body.String())
	}
}

func proposalBody() *domain.ProposalRequest {
	return &domain.ProposalRequest{
		Portfolio: domain.PortfolioSnapshot{
			PortfolioID:  "p-1",
			BaseCurrency: "USD",
			CashBalances: []domain.CashBalance{{Currency: "USD", Amount: dec("50000")}},
		},
		MarketData: domain.MarketDataSnapshot{
			Prices: []domain.InstrumentPrice{
				{InstrumentID: "EQ_A", Price: domain.Money{Amount: dec("100"), Currency: "USD"}},
			},
		},
		Shelf: domain.Shelf{{InstrumentID: "EQ_A", Status: domain.ShelfApproved, Currency: "USD"}},
		Trades: []domain.ManualTradeInput{
			{InstrumentID: "EQ_A", Side: domain.SideBuy, Quantity: dec("100")},
		},
	}
}

func TestProposalLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/rebalance/proposals/simulate", map[string]string{HeaderCorrelationID: "c-prop"}, proposalBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[domain.ProposalResult](t, rec)
	require.NotEmpty(t, result.RunID)

	rec = do(t, srv, http.MethodPost, "/rebalance/proposals", nil, map[string]any{
		"portfolio_id":     "p-1",
		"rebalance_run_id": result.RunID,
		"actor_id":         "advisor-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[proposals.Proposal](t, rec)
	require.NotEmpty(t, created.ProposalID)

	rec = do(t, srv, http.MethodGet, "/rebalance/proposals/"+created.ProposalID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/rebalance/proposals/"+created.ProposalID+"/versions/1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/rebalance/proposals?portfolio_id=p-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/rebalance/proposals/"+created.ProposalID+"/events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProposalTransitionConflicts(t *testing.T) {
	srv := newTestServer(t, nil)

	result := decode[domain.ProposalResult](t, do(t, srv, http.MethodPost, "/rebalance/proposals/simulate", map[string]string{HeaderCorrelationID: "c-prop"}, proposalBody()))
	created := decode[proposals.Proposal](t, do(t, srv, http.MethodPost, "/rebalance/proposals", nil, map[string]any{
		"portfolio_id":     "p-1",
		"rebalance_run_id": result.RunID,
		"actor_id":         "advisor-1",
	}))

	rec := do(t, srv, http.MethodPost, "/rebalance/proposals/"+created.ProposalID+"/transitions", nil, map[string]any{
		"to_state": "EXECUTED",
		"actor_id": "advisor-1",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	p := decode[problem](t, rec)
	assert.Equal(t, "PROPOSAL_TRANSITION_NOT_ALLOWED", p.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := do(t, srv, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "healthy", body["status"])
}
