package support

import (
	"context"
	"errors"
	"time"
)

// Typed store errors. Adapters translate driver failures into these so the
// transport layer can map them onto the HTTP taxonomy.
var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("record conflict")
	ErrDuplicate = errors.New("record already exists")
)

// Page is the result envelope for cursor-paginated listings.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// Store is the supportability persistence port. Runs and operations are
// written once; only workflow decisions and lineage edges are appended later.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	GetRunByCorrelation(ctx context.Context, correlationID string) (*RunRecord, error)
	GetRunByRequestHash(ctx context.Context, requestHash string) (*RunRecord, error)
	ListRuns(ctx context.Context, filters RunFilters, cursor string, limit int) (Page[*RunRecord], error)

	// Artifacts
	SaveRunArtifact(ctx context.Context, artifact *ArtifactRecord) error
	GetRunArtifact(ctx context.Context, runID string) (*ArtifactRecord, error)

	// Idempotency
	SaveIdempotency(ctx context.Context, rec *IdempotencyRecord) error
	GetIdempotencyByKey(ctx context.Context, key string) (*IdempotencyRecord, error)
	AppendIdempotencyHistory(ctx context.Context, rec *IdempotencyRecord) error
	ListIdempotencyHistory(ctx context.Context, key string) ([]*IdempotencyRecord, error)

	// Async operations
	CreateAsyncOperation(ctx context.Context, op *AsyncOperation) error
	UpdateAsyncOperation(ctx context.Context, op *AsyncOperation) error
	GetAsyncOperation(ctx context.Context, operationID string) (*AsyncOperation, error)
	ListAsyncOperations(ctx context.Context, filters OperationFilters, cursor string, limit int) (Page[*AsyncOperation], error)
	PurgeExpiredAsyncOperations(ctx context.Context, ttl time.Duration) (int, error)

	// Workflow decisions
	AppendWorkflowDecision(ctx context.Context, d *WorkflowDecision) error
	ListWorkflowDecisions(ctx context.Context, filters DecisionFilters) ([]*WorkflowDecision, error)
	ListWorkflowDecisionsByRun(ctx context.Context, runID string) ([]*WorkflowDecision, error)

	// Lineage
	AppendLineageEdge(ctx context.Context, e *LineageEdge) error
	ListLineageEdges(ctx context.Context, entityID string) ([]*LineageEdge, error)

	// Operations on the store as a whole
	Summary(ctx context.Context) (*Summary, error)
	PurgeExpiredRuns(ctx context.Context, retentionDays int) (*PurgeResult, error)

	Close() error
}

// DefaultListLimit caps listings when the caller passes a non-positive limit.
const DefaultListLimit = 50

// MaxListLimit is the hard upper bound for one page.
const MaxListLimit = 500

// clampLimit normalizes a caller-supplied page size.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// matchRun applies RunFilters to one record.
func matchRun(r *RunRecord, f RunFilters) bool {
	if f.From != nil && r.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && r.CreatedAt.After(*f.To) {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.PortfolioID != "" && r.PortfolioID != f.PortfolioID {
		return false
	}
	if f.RequestHash != "" && r.RequestHash != f.RequestHash {
		return false
	}
	return true
}

// matchOperation applies OperationFilters to one record.
func matchOperation(op *AsyncOperation, f OperationFilters) bool {
	if f.From != nil && op.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && op.CreatedAt.After(*f.To) {
		return false
	}
	if f.Status != "" && op.Status != f.Status {
		return false
	}
	if f.OperationType != "" && op.OperationType != f.OperationType {
		return false
	}
	if f.CorrelationID != "" && op.CorrelationID != f.CorrelationID {
		return false
	}
	return true
}

// matchDecision applies DecisionFilters to one record.
func matchDecision(d *WorkflowDecision, f DecisionFilters) bool {
	if f.From != nil && d.DecidedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && d.DecidedAt.After(*f.To) {
		return false
	}
	if f.RunID != "" && d.RunID != f.RunID {
		return false
	}
	if f.ActorID != "" && d.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && d.Action != f.Action {
		return false
	}
	if f.ReasonCode != "" && d.ReasonCode != f.ReasonCode {
		return false
	}
	return true
}
