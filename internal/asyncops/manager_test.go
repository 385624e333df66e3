package asyncops

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dpm/internal/support"
)

func newTestManager(mode Mode) (*Manager, *support.MemoryStore) {
	store := support.NewMemoryStore()
	m := New(store, Config{Mode: mode}, zerolog.Nop())
	return m, store
}

func okRunner(result string) Runner {
	return func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(result), nil
	}
}

func TestParseModeFallsBackToInline(t *testing.T) {
	assert.Equal(t, ModeInline, ParseMode("INLINE"))
	assert.Equal(t, ModeAcceptOnly, ParseMode("ACCEPT_ONLY"))
	assert.Equal(t, ModeInline, ParseMode("BOGUS"))
	assert.Equal(t, ModeInline, ParseMode(""))
}

func TestSubmitInlineCompletesOperation(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(ModeInline)

	op, err := m.Submit(ctx, "rebalance_simulate", "c-1", json.RawMessage(`{"portfolio_id":"p-1"}`), okRunner(`{"status":"READY"}`))
	require.NoError(t, err)
	assert.Equal(t, support.OpSucceeded, op.Status)
	require.NotNil(t, op.StartedAt)
	require.NotNil(t, op.CompletedAt)
	assert.JSONEq(t, `{"status":"READY"}`, string(op.ResultJSON))

	edges, err := store.ListLineageEdges(ctx, op.OperationID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, support.EdgeOperationToCorrelation, edges[0].EdgeType)
	assert.Equal(t, "c-1", edges[0].TargetEntityID)
}

func TestSubmitAcceptOnlyStaysPending(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(ModeAcceptOnly)

	op, err := m.Submit(ctx, "rebalance_simulate", "c-1", nil, okRunner(`{}`))
	require.NoError(t, err)
	assert.Equal(t, support.OpPending, op.Status)
	assert.Nil(t, op.StartedAt)

	done, err := m.Execute(ctx, op.OperationID, okRunner(`{"status":"READY"}`))
	require.NoError(t, err)
	assert.Equal(t, support.OpSucceeded, done.Status)
}

func TestExecuteNonPendingIsRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(ModeInline)

	op, err := m.Submit(ctx, "rebalance_simulate", "c-1", nil, okRunner(`{}`))
	require.NoError(t, err)

	_, err = m.Execute(ctx, op.OperationID, okRunner(`{}`))
	assert.ErrorIs(t, err, ErrNotExecutable)
}

func TestRunnerFailureMarksOperationFailed(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(ModeInline)

	op, err := m.Submit(ctx, "rebalance_simulate", "c-1", nil,
		func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("solver exploded")
		})
	require.NoError(t, err)
	assert.Equal(t, support.OpFailed, op.Status)
	assert.Contains(t, string(op.ErrorJSON), "solver exploded")
}

func TestCancelPendingOperation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(ModeAcceptOnly)

	op, err := m.Submit(ctx, "rebalance_simulate", "c-1", nil, okRunner(`{}`))
	require.NoError(t, err)

	cancelled, err := m.Cancel(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, support.OpFailed, cancelled.Status)
	assert.Contains(t, string(cancelled.ErrorJSON), "OPERATION_CANCELLED")

	// Terminal operations cannot be cancelled again or executed.
	_, err = m.Cancel(ctx, op.OperationID)
	assert.ErrorIs(t, err, ErrNotExecutable)
	_, err = m.Execute(ctx, op.OperationID, okRunner(`{}`))
	assert.ErrorIs(t, err, ErrNotExecutable)
}

func TestDuplicateCorrelationRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(ModeAcceptOnly)

	_, err := m.Submit(ctx, "rebalance_simulate", "c-1", nil, okRunner(`{}`))
	require.NoError(t, err)
	_, err = m.Submit(ctx, "rebalance_simulate", "c-1", nil, okRunner(`{}`))
	assert.ErrorIs(t, err, support.ErrConflict)
}

func TestSweepPurgesExpiredTerminalOperations(t *testing.T) {
	ctx := context.Background()
	store := support.NewMemoryStore()
	m := New(store, Config{Mode: ModeInline, TTL: time.Hour}, zerolog.Nop())

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.CreateAsyncOperation(ctx, &support.AsyncOperation{
		OperationID: "op-old", OperationType: "t", CorrelationID: "c-old",
		Status: support.OpSucceeded, CreatedAt: old, CompletedAt: &old,
	}))

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
