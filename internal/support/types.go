// Package support persists the decisioning substrate: run records, artifacts,
// idempotency mappings, async operations, workflow decisions and lineage
// edges. The Store port is adapter-agnostic; in-memory, SQLite and PostgreSQL
// adapters are provided.
package support

import (
	"encoding/json"
	"time"

	"github.com/aristath/dpm/internal/domain"
)

// RunRecord is one persisted simulation run. Append-only.
type RunRecord struct {
	RunID          string           `json:"rebalance_run_id" db:"rebalance_run_id"`
	CorrelationID  string           `json:"correlation_id" db:"correlation_id"`
	RequestHash    string           `json:"request_hash" db:"request_hash"`
	IdempotencyKey string           `json:"idempotency_key,omitempty" db:"idempotency_key"`
	PortfolioID    string           `json:"portfolio_id" db:"portfolio_id"`
	Status         domain.RunStatus `json:"status" db:"status"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	ResultJSON     json.RawMessage  `json:"result_json" db:"result_json"`
}

// ArtifactMode distinguishes stored canonical bytes from read-time derivation.
type ArtifactMode string

// Artifact modes.
const (
	ArtifactDerived   ArtifactMode = "DERIVED"
	ArtifactPersisted ArtifactMode = "PERSISTED"
)

// ArtifactRecord holds the canonical artifact bytes for one run.
type ArtifactRecord struct {
	RunID        string          `json:"rebalance_run_id" db:"rebalance_run_id"`
	ArtifactHash string          `json:"artifact_hash" db:"artifact_hash"`
	ArtifactJSON json.RawMessage `json:"artifact_json" db:"artifact_json"`
	Mode         ArtifactMode    `json:"mode" db:"mode"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// IdempotencyRecord maps an idempotency key to the run that answered it.
// The current mapping is single-valued; history rows are append-only.
type IdempotencyRecord struct {
	Key         string    `json:"idempotency_key" db:"idempotency_key"`
	RequestHash string    `json:"request_hash" db:"request_hash"`
	RunID       string    `json:"rebalance_run_id" db:"rebalance_run_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// OperationStatus is the async operation lifecycle state.
type OperationStatus string

// Operation statuses.
const (
	OpPending   OperationStatus = "PENDING"
	OpRunning   OperationStatus = "RUNNING"
	OpSucceeded OperationStatus = "SUCCEEDED"
	OpFailed    OperationStatus = "FAILED"
)

// Terminal reports whether the operation has finished.
func (s OperationStatus) Terminal() bool {
	return s == OpSucceeded || s == OpFailed
}

// AsyncOperation is one submitted pipeline execution handle.
type AsyncOperation struct {
	OperationID   string          `json:"operation_id" db:"operation_id"`
	OperationType string          `json:"operation_type" db:"operation_type"`
	Status        OperationStatus `json:"status" db:"status"`
	CorrelationID string          `json:"correlation_id" db:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	RequestJSON   json.RawMessage `json:"request_json,omitempty" db:"request_json"`
	ResultJSON    json.RawMessage `json:"result_json,omitempty" db:"result_json"`
	ErrorJSON     json.RawMessage `json:"error_json,omitempty" db:"error_json"`
}

// WorkflowDecision is one append-only reviewer decision on a run.
type WorkflowDecision struct {
	DecisionID    string                `json:"decision_id" db:"decision_id"`
	RunID         string                `json:"rebalance_run_id" db:"rebalance_run_id"`
	Action        domain.WorkflowAction `json:"action" db:"action"`
	ReasonCode    string                `json:"reason_code" db:"reason_code"`
	Comment       string                `json:"comment,omitempty" db:"comment"`
	ActorID       string                `json:"actor_id" db:"actor_id"`
	DecidedAt     time.Time             `json:"decided_at" db:"decided_at"`
	CorrelationID string                `json:"correlation_id" db:"correlation_id"`
}

// EdgeType names the lineage relation between two entities.
type EdgeType string

// Lineage edge types.
const (
	EdgeCorrelationToRun       EdgeType = "CORRELATION_TO_RUN"
	EdgeIdempotencyToRun       EdgeType = "IDEMPOTENCY_TO_RUN"
	EdgeOperationToCorrelation EdgeType = "OPERATION_TO_CORRELATION"
)

// LineageEdge links two entity ids in the decisioning graph.
type LineageEdge struct {
	SourceEntityID string            `json:"source_entity_id" db:"source_entity_id"`
	EdgeType       EdgeType          `json:"edge_type" db:"edge_type"`
	TargetEntityID string            `json:"target_entity_id" db:"target_entity_id"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"-"`
}

// RunFilters narrows list_runs.
type RunFilters struct {
	From        *time.Time
	To          *time.Time
	Status      domain.RunStatus
	PortfolioID string
	RequestHash string
}

// OperationFilters narrows list_async_operations.
type OperationFilters struct {
	From          *time.Time
	To            *time.Time
	Status        OperationStatus
	OperationType string
	CorrelationID string
}

// DecisionFilters narrows list_workflow_decisions.
type DecisionFilters struct {
	From       *time.Time
	To         *time.Time
	RunID      string
	ActorID    string
	Action     domain.WorkflowAction
	ReasonCode string
}

// Summary reports store-wide counts and status distributions.
type Summary struct {
	Runs               int                      `json:"runs"`
	RunsByStatus       map[domain.RunStatus]int `json:"runs_by_status"`
	Artifacts          int                      `json:"artifacts"`
	IdempotencyKeys    int                      `json:"idempotency_keys"`
	Operations         int                      `json:"async_operations"`
	OperationsByStatus map[OperationStatus]int  `json:"async_operations_by_status"`
	WorkflowDecisions  int                      `json:"workflow_decisions"`
	LineageEdges       int                      `json:"lineage_edges"`
}

func newEmptySummary() *Summary {
	return &Summary{
		RunsByStatus:       map[domain.RunStatus]int{},
		OperationsByStatus: map[OperationStatus]int{},
	}
}

// Conversions used when scanning database rows.
func runStatus(s string) domain.RunStatus           { return domain.RunStatus(s) }
func workflowAction(s string) domain.WorkflowAction { return domain.WorkflowAction(s) }

// PurgeResult reports how many rows a retention pass removed per table.
type PurgeResult struct {
	Runs              int `json:"runs"`
	Artifacts         int `json:"artifacts"`
	IdempotencyKeys   int `json:"idempotency_keys"`
	Operations        int `json:"async_operations"`
	WorkflowDecisions int `json:"workflow_decisions"`
	LineageEdges      int `json:"lineage_edges"`
}
