// Package asyncops manages detached pipeline executions: submission in
// INLINE or ACCEPT_ONLY mode, manual execution, administrative cancellation
// and TTL-based purging of terminal operations.
package asyncops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/dpm/internal/support"
)

// Mode controls whether submission executes the pipeline in-request.
type Mode string

// Execution modes.
const (
	ModeInline     Mode = "INLINE"
	ModeAcceptOnly Mode = "ACCEPT_ONLY"
)

// ParseMode maps a configured string onto a Mode. Unrecognized values fall
// back to INLINE.
func ParseMode(s string) Mode {
	if Mode(s) == ModeAcceptOnly {
		return ModeAcceptOnly
	}
	return ModeInline
}

// DefaultTTL expires terminal operations after one day.
const DefaultTTL = 86400 * time.Second

// ErrNotExecutable is returned when execute or cancel targets an operation
// that is not in an eligible state.
var ErrNotExecutable = errors.New("async operation not executable")

// Runner executes the submitted request and returns the response payload.
type Runner func(ctx context.Context, requestJSON json.RawMessage) (json.RawMessage, error)

// Store is the slice of the supportability port the manager needs.
type Store interface {
	CreateAsyncOperation(ctx context.Context, op *support.AsyncOperation) error
	UpdateAsyncOperation(ctx context.Context, op *support.AsyncOperation) error
	GetAsyncOperation(ctx context.Context, operationID string) (*support.AsyncOperation, error)
	ListAsyncOperations(ctx context.Context, filters support.OperationFilters, cursor string, limit int) (support.Page[*support.AsyncOperation], error)
	PurgeExpiredAsyncOperations(ctx context.Context, ttl time.Duration) (int, error)
	AppendLineageEdge(ctx context.Context, e *support.LineageEdge) error
}

// Config holds manager settings.
type Config struct {
	Mode Mode
	TTL  time.Duration
	// SweepSchedule is a cron spec for the TTL sweep, e.g. "@every 1h".
	// Empty disables the scheduled sweep.
	SweepSchedule string
}

// Manager owns the async operation lifecycle.
type Manager struct {
	store Store
	mode  Mode
	ttl   time.Duration
	log   zerolog.Logger
	now   func() time.Time

	sweepSchedule string
	cron          *cron.Cron
}

// New creates a manager. Zero TTL uses DefaultTTL.
func New(store Store, cfg Config, log zerolog.Logger) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	mode := cfg.Mode
	if mode != ModeAcceptOnly {
		mode = ModeInline
	}
	return &Manager{
		store:         store,
		mode:          mode,
		ttl:           ttl,
		log:           log.With().Str("service", "asyncops").Logger(),
		now:           time.Now,
		sweepSchedule: cfg.SweepSchedule,
	}
}

// Mode returns the configured execution mode.
func (m *Manager) Mode() Mode { return m.mode }

// Submit creates an operation bound to the correlation id. In INLINE mode the
// runner executes before Submit returns; in ACCEPT_ONLY the operation stays
// PENDING until Execute is called.
func (m *Manager) Submit(ctx context.Context, operationType, correlationID string, requestJSON json.RawMessage, run Runner) (*support.AsyncOperation, error) {
	op := &support.AsyncOperation{
		OperationID:   "op_" + uuid.NewString(),
		OperationType: operationType,
		Status:        support.OpPending,
		CorrelationID: correlationID,
		CreatedAt:     m.now().UTC(),
		RequestJSON:   requestJSON,
	}
	if err := m.store.CreateAsyncOperation(ctx, op); err != nil {
		return nil, err
	}
	if err := m.store.AppendLineageEdge(ctx, &support.LineageEdge{
		SourceEntityID: op.OperationID,
		EdgeType:       support.EdgeOperationToCorrelation,
		TargetEntityID: correlationID,
	}); err != nil {
		m.log.Warn().Err(err).Str("operation_id", op.OperationID).Msg("failed to append operation lineage")
	}

	m.log.Info().
		Str("operation_id", op.OperationID).
		Str("operation_type", operationType).
		Str("mode", string(m.mode)).
		Msg("async operation submitted")

	if m.mode == ModeAcceptOnly {
		return op, nil
	}
	return m.Execute(ctx, op.OperationID, run)
}

// Execute advances a PENDING operation through RUNNING to a terminal state.
func (m *Manager) Execute(ctx context.Context, operationID string, run Runner) (*support.AsyncOperation, error) {
	op, err := m.store.GetAsyncOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op.Status != support.OpPending {
		return nil, fmt.Errorf("%w: operation %s is %s", ErrNotExecutable, operationID, op.Status)
	}

	started := m.now().UTC()
	op.Status = support.OpRunning
	op.StartedAt = &started
	if err := m.store.UpdateAsyncOperation(ctx, op); err != nil {
		return nil, err
	}

	resultJSON, runErr := run(ctx, op.RequestJSON)
	completed := m.now().UTC()
	op.CompletedAt = &completed
	if runErr != nil {
		op.Status = support.OpFailed
		op.ErrorJSON = errorJSON(runErr.Error(), "")
		m.log.Warn().Err(runErr).Str("operation_id", operationID).Msg("async operation failed")
	} else {
		op.Status = support.OpSucceeded
		op.ResultJSON = resultJSON
	}
	if err := m.store.UpdateAsyncOperation(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// Cancel administratively fails a non-terminal operation.
func (m *Manager) Cancel(ctx context.Context, operationID string) (*support.AsyncOperation, error) {
	op, err := m.store.GetAsyncOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op.Status.Terminal() {
		return nil, fmt.Errorf("%w: operation %s is %s", ErrNotExecutable, operationID, op.Status)
	}
	completed := m.now().UTC()
	op.Status = support.OpFailed
	op.CompletedAt = &completed
	op.ErrorJSON = errorJSON("operation cancelled", "OPERATION_CANCELLED")
	if err := m.store.UpdateAsyncOperation(ctx, op); err != nil {
		return nil, err
	}
	m.log.Info().Str("operation_id", operationID).Msg("async operation cancelled")
	return op, nil
}

// Get returns one operation.
func (m *Manager) Get(ctx context.Context, operationID string) (*support.AsyncOperation, error) {
	return m.store.GetAsyncOperation(ctx, operationID)
}

// List pages through operations.
func (m *Manager) List(ctx context.Context, filters support.OperationFilters, cursor string, limit int) (support.Page[*support.AsyncOperation], error) {
	return m.store.ListAsyncOperations(ctx, filters, cursor, limit)
}

// Sweep purges terminal operations past the TTL.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	n, err := m.store.PurgeExpiredAsyncOperations(ctx, m.ttl)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info().Int("purged", n).Msg("swept expired async operations")
	}
	return n, nil
}

// StartSweeper schedules the TTL sweep. No-op when no schedule is configured.
func (m *Manager) StartSweeper() error {
	if m.sweepSchedule == "" {
		return nil
	}
	m.cron = cron.New()
	_, err := m.cron.AddFunc(m.sweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := m.Sweep(ctx); err != nil {
			m.log.Error().Err(err).Msg("async operation sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule async sweep: %w", err)
	}
	m.cron.Start()
	m.log.Info().Str("schedule", m.sweepSchedule).Msg("async operation sweeper started")
	return nil
}

// StopSweeper stops the scheduled sweep and waits for a running sweep.
func (m *Manager) StopSweeper() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

func errorJSON(message, reasonCode string) json.RawMessage {
	payload := map[string]string{"message": message}
	if reasonCode != "" {
		payload["reason_code"] = reasonCode
	}
	b, _ := json.Marshal(payload)
	return b
}
