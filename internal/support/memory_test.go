package support

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dpm/internal/domain"
)

func seedRun(t *testing.T, s Store, id, corr, hash string, createdAt time.Time) {
	t.Helper()
	err := s.SaveRun(context.Background(), &RunRecord{
		RunID:         id,
		CorrelationID: corr,
		RequestHash:   hash,
		PortfolioID:   "p-1",
		Status:        domain.StatusReady,
		CreatedAt:     createdAt,
		ResultJSON:    json.RawMessage(`{"status":"READY"}`),
	})
	require.NoError(t, err)
}

func TestSaveRunIsWriteOnce(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedRun(t, s, "run-1", "c-1", "sha256:a", now)

	err := s.SaveRun(context.Background(), &RunRecord{RunID: "run-1"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestRunLookupsByCorrelationAndHash(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedRun(t, s, "run-1", "c-1", "sha256:a", now)

	byID, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "c-1", byID.CorrelationID)

	byCorr, err := s.GetRunByCorrelation(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", byCorr.RunID)

	byHash, err := s.GetRunByRequestHash(ctx, "sha256:a")
	require.NoError(t, err)
	assert.Equal(t, "run-1", byHash.RunID)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsCursorPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedRun(t, s, "run-"+string(rune('a'+i)), "", "", base.Add(time.Duration(i)*time.Minute))
	}

	page1, err := s.ListRuns(ctx, RunFilters{}, "", 2)
	require.NoError(t, err)
	require.Len(t, page1.Items, 2)
	assert.Equal(t, "run-e", page1.Items[0].RunID, "newest first")
	assert.Equal(t, "run-d", page1.Items[1].RunID)
	require.NotEmpty(t, page1.NextCursor)

	page2, err := s.ListRuns(ctx, RunFilters{}, page1.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page2.Items, 2)
	assert.Equal(t, "run-c", page2.Items[0].RunID)
	assert.Equal(t, "run-b", page2.Items[1].RunID)

	page3, err := s.ListRuns(ctx, RunFilters{}, page2.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page3.Items, 1)
	assert.Equal(t, "run-a", page3.Items[0].RunID)
	assert.Empty(t, page3.NextCursor)
}

func TestListRunsFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedRun(t, s, "run-1", "", "sha256:a", base)
	require.NoError(t, s.SaveRun(ctx, &RunRecord{
		RunID: "run-2", PortfolioID: "p-2", Status: domain.StatusBlocked, CreatedAt: base.Add(time.Hour),
	}))

	blocked, err := s.ListRuns(ctx, RunFilters{Status: domain.StatusBlocked}, "", 10)
	require.NoError(t, err)
	require.Len(t, blocked.Items, 1)
	assert.Equal(t, "run-2", blocked.Items[0].RunID)

	from := base.Add(30 * time.Minute)
	recent, err := s.ListRuns(ctx, RunFilters{From: &from}, "", 10)
	require.NoError(t, err)
	require.Len(t, recent.Items, 1)
	assert.Equal(t, "run-2", recent.Items[0].RunID)

	byHash, err := s.ListRuns(ctx, RunFilters{RequestHash: "sha256:a"}, "", 10)
	require.NoError(t, err)
	require.Len(t, byHash.Items, 1)
}

func TestArtifactRequiresRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.SaveRunArtifact(ctx, &ArtifactRecord{RunID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	seedRun(t, s, "run-1", "", "", time.Now().UTC())
	require.NoError(t, s.SaveRunArtifact(ctx, &ArtifactRecord{
		RunID:        "run-1",
		ArtifactHash: "sha256:art",
		ArtifactJSON: json.RawMessage(`{}`),
		Mode:         ArtifactPersisted,
	}))

	a, err := s.GetRunArtifact(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "sha256:art", a.ArtifactHash)
	assert.Equal(t, ArtifactPersisted, a.Mode)
}

func TestIdempotencyCurrentAndHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := &IdempotencyRecord{Key: "k-1", RequestHash: "sha256:a", RunID: "run-1"}
	require.NoError(t, s.SaveIdempotency(ctx, rec))
	require.NoError(t, s.AppendIdempotencyHistory(ctx, rec))

	// A re-submission under the same key overwrites the current mapping but
	// appends to history.
	rec2 := &IdempotencyRecord{Key: "k-1", RequestHash: "sha256:a", RunID: "run-2"}
	require.NoError(t, s.SaveIdempotency(ctx, rec2))
	require.NoError(t, s.AppendIdempotencyHistory(ctx, rec2))

	current, err := s.GetIdempotencyByKey(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, "run-2", current.RunID)

	history, err := s.ListIdempotencyHistory(ctx, "k-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "run-1", history[0].RunID)
	assert.Equal(t, "run-2", history[1].RunID)
}

func TestAsyncOperationCorrelationUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateAsyncOperation(ctx, &AsyncOperation{
		OperationID: "op-1", OperationType: "rebalance_simulate", CorrelationID: "c-1",
	}))

	err := s.CreateAsyncOperation(ctx, &AsyncOperation{
		OperationID: "op-2", OperationType: "rebalance_simulate", CorrelationID: "c-1",
	})
	assert.ErrorIs(t, err, ErrConflict)

	op, err := s.GetAsyncOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, OpPending, op.Status, "status defaults to PENDING")
}

func TestPurgeExpiredAsyncOperations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	old := base.Add(-48 * time.Hour)
	require.NoError(t, s.CreateAsyncOperation(ctx, &AsyncOperation{
		OperationID: "op-old", OperationType: "t", CorrelationID: "c-old",
		Status: OpSucceeded, CreatedAt: old, CompletedAt: &old,
	}))
	require.NoError(t, s.CreateAsyncOperation(ctx, &AsyncOperation{
		OperationID: "op-pending", OperationType: "t", CorrelationID: "c-pending",
		Status: OpPending, CreatedAt: old,
	}))
	require.NoError(t, s.CreateAsyncOperation(ctx, &AsyncOperation{
		OperationID: "op-fresh", OperationType: "t", CorrelationID: "c-fresh",
		Status: OpSucceeded, CreatedAt: base, CompletedAt: &base,
	}))

	purged, err := s.PurgeExpiredAsyncOperations(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, purged, "only terminal rows past the TTL are purged")

	_, err = s.GetAsyncOperation(ctx, "op-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAsyncOperation(ctx, "op-pending")
	assert.NoError(t, err)
}

func TestWorkflowDecisionsAndLineage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRun(t, s, "run-1", "c-1", "sha256:a", time.Now().UTC())

	require.NoError(t, s.AppendWorkflowDecision(ctx, &WorkflowDecision{
		DecisionID: "d-1", RunID: "run-1", Action: domain.ActionApprove, ActorID: "risk-1",
	}))
	err := s.AppendWorkflowDecision(ctx, &WorkflowDecision{DecisionID: "d-2", RunID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	byRun, err := s.ListWorkflowDecisionsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, byRun, 1)

	byActor, err := s.ListWorkflowDecisions(ctx, DecisionFilters{ActorID: "risk-1"})
	require.NoError(t, err)
	require.Len(t, byActor, 1)

	require.NoError(t, s.AppendLineageEdge(ctx, &LineageEdge{
		SourceEntityID: "c-1", EdgeType: EdgeCorrelationToRun, TargetEntityID: "run-1",
	}))
	edges, err := s.ListLineageEdges(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, EdgeCorrelationToRun, edges[0].EdgeType)
}

func TestSummaryCounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedRun(t, s, "run-1", "c-1", "sha256:a", base)
	require.NoError(t, s.SaveRun(ctx, &RunRecord{RunID: "run-2", Status: domain.StatusBlocked, CreatedAt: base}))
	require.NoError(t, s.CreateAsyncOperation(ctx, &AsyncOperation{OperationID: "op-1", CorrelationID: "c-op"}))

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Runs)
	assert.Equal(t, 1, sum.RunsByStatus[domain.StatusReady])
	assert.Equal(t, 1, sum.RunsByStatus[domain.StatusBlocked])
	assert.Equal(t, 1, sum.Operations)
	assert.Equal(t, 1, sum.OperationsByStatus[OpPending])
}

func TestPurgeExpiredRunsCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	old := base.AddDate(0, 0, -40)
	require.NoError(t, s.SaveRun(ctx, &RunRecord{
		RunID: "run-old", CorrelationID: "c-old", RequestHash: "sha256:old",
		IdempotencyKey: "k-old", Status: domain.StatusReady, CreatedAt: old,
		ResultJSON: json.RawMessage(`{}`),
	}))
	require.NoError(t, s.SaveRunArtifact(ctx, &ArtifactRecord{RunID: "run-old", ArtifactJSON: json.RawMessage(`{}`), Mode: ArtifactPersisted}))
	require.NoError(t, s.SaveIdempotency(ctx, &IdempotencyRecord{Key: "k-old", RequestHash: "sha256:old", RunID: "run-old"}))
	require.NoError(t, s.AppendWorkflowDecision(ctx, &WorkflowDecision{DecisionID: "d-1", RunID: "run-old", Action: domain.ActionApprove}))
	require.NoError(t, s.AppendLineageEdge(ctx, &LineageEdge{SourceEntityID: "c-old", EdgeType: EdgeCorrelationToRun, TargetEntityID: "run-old"}))
	require.NoError(t, s.CreateAsyncOperation(ctx, &AsyncOperation{OperationID: "op-old", CorrelationID: "c-old", Status: OpSucceeded, CreatedAt: old}))

	seedRun(t, s, "run-new", "c-new", "sha256:new", base)

	res, err := s.PurgeExpiredRuns(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Runs)
	assert.Equal(t, 1, res.Artifacts)
	assert.Equal(t, 1, res.IdempotencyKeys)
	assert.Equal(t, 1, res.WorkflowDecisions)
	assert.Equal(t, 1, res.LineageEdges)
	assert.Equal(t, 1, res.Operations)

	_, err = s.GetRun(ctx, "run-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRun(ctx, "run-new")
	assert.NoError(t, err)

	// Purging again is a no-op.
	res2, err := s.PurgeExpiredRuns(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 0, res2.Runs)
}
