package support

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

var postgresMigrations = []Migration{
	{
		Version: 1,
		Name:    "supportability core tables",
		SQL: `
CREATE TABLE IF NOT EXISTS dpm_runs (
    rebalance_run_id TEXT PRIMARY KEY,
    correlation_id   TEXT NOT NULL DEFAULT '',
    request_hash     TEXT NOT NULL DEFAULT '',
    idempotency_key  TEXT NOT NULL DEFAULT '',
    portfolio_id     TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    result_json      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dpm_runs_correlation ON dpm_runs(correlation_id);
CREATE INDEX IF NOT EXISTS idx_dpm_runs_request_hash ON dpm_runs(request_hash);
CREATE INDEX IF NOT EXISTS idx_dpm_runs_created ON dpm_runs(created_at);

CREATE TABLE IF NOT EXISTS dpm_run_artifacts (
    rebalance_run_id TEXT PRIMARY KEY REFERENCES dpm_runs(rebalance_run_id) ON DELETE CASCADE,
    artifact_hash    TEXT NOT NULL,
    artifact_json    JSONB NOT NULL,
    mode             TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dpm_idempotency (
    idempotency_key  TEXT PRIMARY KEY,
    request_hash     TEXT NOT NULL,
    rebalance_run_id TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dpm_idempotency_history (
    id               BIGSERIAL PRIMARY KEY,
    idempotency_key  TEXT NOT NULL,
    request_hash     TEXT NOT NULL,
    rebalance_run_id TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dpm_idem_history_key ON dpm_idempotency_history(idempotency_key);

CREATE TABLE IF NOT EXISTS dpm_async_operations (
    operation_id   TEXT PRIMARY KEY,
    operation_type TEXT NOT NULL,
    status         TEXT NOT NULL,
    correlation_id TEXT NOT NULL UNIQUE,
    created_at     TIMESTAMPTZ NOT NULL,
    started_at     TIMESTAMPTZ,
    completed_at   TIMESTAMPTZ,
    request_json   JSONB,
    result_json    JSONB,
    error_json     JSONB
);
CREATE INDEX IF NOT EXISTS idx_dpm_ops_created ON dpm_async_operations(created_at);

CREATE TABLE IF NOT EXISTS dpm_workflow_decisions (
    decision_id      TEXT PRIMARY KEY,
    rebalance_run_id TEXT NOT NULL,
    action           TEXT NOT NULL,
    reason_code      TEXT NOT NULL DEFAULT '',
    comment          TEXT NOT NULL DEFAULT '',
    actor_id         TEXT NOT NULL DEFAULT '',
    decided_at       TIMESTAMPTZ NOT NULL,
    correlation_id   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_dpm_decisions_run ON dpm_workflow_decisions(rebalance_run_id);

CREATE TABLE IF NOT EXISTS dpm_lineage_edges (
    id               BIGSERIAL PRIMARY KEY,
    source_entity_id TEXT NOT NULL,
    edge_type        TEXT NOT NULL,
    target_entity_id TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    metadata_json    JSONB
);
CREATE INDEX IF NOT EXISTS idx_dpm_lineage_source ON dpm_lineage_edges(source_entity_id);
CREATE INDEX IF NOT EXISTS idx_dpm_lineage_target ON dpm_lineage_edges(target_entity_id);
`,
	},
}

// PostgresStore persists the supportability substrate in PostgreSQL. It is
// the PRODUCTION persistence profile backend.
type PostgresStore struct {
	db  *sqlx.DB
	log zerolog.Logger
	now func() time.Time
}

// NewPostgresStore connects with the given DSN and applies pending
// migrations under a namespace-scoped advisory lock.
func NewPostgresStore(dsn string, log zerolog.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect supportability postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{
		db:  db,
		log: log.With().Str("store", "support-postgres").Logger(),
		now: time.Now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := runMigrations(ctx, db.DB, dialectPostgres, "dpm", postgresMigrations, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// isUniqueViolation reports whether err is a Postgres duplicate-key error,
// optionally on a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

type pgRunRow struct {
	RunID          string    `db:"rebalance_run_id"`
	CorrelationID  string    `db:"correlation_id"`
	RequestHash    string    `db:"request_hash"`
	IdempotencyKey string    `db:"idempotency_key"`
	PortfolioID    string    `db:"portfolio_id"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
	ResultJSON     string    `db:"result_json"`
}

func (r pgRunRow) record() *RunRecord {
	return &RunRecord{
		RunID:          r.RunID,
		CorrelationID:  r.CorrelationID,
		RequestHash:    r.RequestHash,
		IdempotencyKey: r.IdempotencyKey,
		PortfolioID:    r.PortfolioID,
		Status:         runStatus(r.Status),
		CreatedAt:      r.CreatedAt.UTC(),
		ResultJSON:     json.RawMessage(r.ResultJSON),
	}
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *RunRecord) error {
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dpm_runs (rebalance_run_id, correlation_id, request_hash, idempotency_key, portfolio_id, status, created_at, result_json)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.RunID, run.CorrelationID, run.RequestHash, run.IdempotencyKey,
		run.PortfolioID, string(run.Status), createdAt, string(run.ResultJSON))
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: run %s", ErrDuplicate, run.RunID)
		}
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *PostgresStore) getRunWhere(ctx context.Context, where string, arg any) (*RunRecord, error) {
	var row pgRunRow
	query := "SELECT rebalance_run_id, correlation_id, request_hash, idempotency_key, portfolio_id, status, created_at, result_json::text AS result_json FROM dpm_runs WHERE " +
		where + " ORDER BY created_at DESC, rebalance_run_id DESC LIMIT 1"
	err := s.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return row.record(), nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	return s.getRunWhere(ctx, "rebalance_run_id = $1", runID)
}

func (s *PostgresStore) GetRunByCorrelation(ctx context.Context, correlationID string) (*RunRecord, error) {
	return s.getRunWhere(ctx, "correlation_id = $1", correlationID)
}

func (s *PostgresStore) GetRunByRequestHash(ctx context.Context, requestHash string) (*RunRecord, error) {
	return s.getRunWhere(ctx, "request_hash = $1", requestHash)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filters RunFilters, cursor string, limit int) (Page[*RunRecord], error) {
	cur, err := DecodeCursor(cursor)
	if err != nil {
		return Page[*RunRecord]{}, err
	}
	limit = clampLimit(limit)

	query := "SELECT rebalance_run_id, correlation_id, request_hash, idempotency_key, portfolio_id, status, created_at, result_json::text AS result_json FROM dpm_runs WHERE 1=1"
	var args []any
	if filters.From != nil {
		query += " AND created_at >= ?"
		args = append(args, *filters.From)
	}
	if filters.To != nil {
		query += " AND created_at <= ?"
		args = append(args, *filters.To)
	}
	if filters.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filters.Status))
	}
	if filters.PortfolioID != "" {
		query += " AND portfolio_id = ?"
		args = append(args, filters.PortfolioID)
	}
	if filters.RequestHash != "" {
		query += " AND request_hash = ?"
		args = append(args, filters.RequestHash)
	}
	if cur != nil {
		query += " AND (created_at, rebalance_run_id) < (?, ?)"
		args = append(args, cur.CreatedAt, cur.ID)
	}
	query += " ORDER BY created_at DESC, rebalance_run_id DESC LIMIT ?"
	args = append(args, limit+1)

	var rows []pgRunRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return Page[*RunRecord]{}, fmt.Errorf("list runs: %w", err)
	}

	var page Page[*RunRecord]
	for _, r := range rows {
		page.Items = append(page.Items, r.record())
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.RunID}.Encode()
	}
	return page, nil
}

func (s *PostgresStore) SaveRunArtifact(ctx context.Context, artifact *ArtifactRecord) error {
	if _, err := s.GetRun(ctx, artifact.RunID); err != nil {
		return err
	}
	createdAt := artifact.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dpm_run_artifacts (rebalance_run_id, artifact_hash, artifact_json, mode, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (rebalance_run_id) DO UPDATE SET artifact_hash=EXCLUDED.artifact_hash, artifact_json=EXCLUDED.artifact_json, mode=EXCLUDED.mode`,
		artifact.RunID, artifact.ArtifactHash, string(artifact.ArtifactJSON), string(artifact.Mode), createdAt)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRunArtifact(ctx context.Context, runID string) (*ArtifactRecord, error) {
	var row struct {
		RunID        string    `db:"rebalance_run_id"`
		ArtifactHash string    `db:"artifact_hash"`
		ArtifactJSON string    `db:"artifact_json"`
		Mode         string    `db:"mode"`
		CreatedAt    time.Time `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, `
SELECT rebalance_run_id, artifact_hash, artifact_json::text AS artifact_json, mode, created_at
FROM dpm_run_artifacts WHERE rebalance_run_id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &ArtifactRecord{
		RunID:        row.RunID,
		ArtifactHash: row.ArtifactHash,
		ArtifactJSON: json.RawMessage(row.ArtifactJSON),
		Mode:         ArtifactMode(row.Mode),
		CreatedAt:    row.CreatedAt.UTC(),
	}, nil
}

func (s *PostgresStore) SaveIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dpm_idempotency (idempotency_key, request_hash, rebalance_run_id, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (idempotency_key) DO UPDATE SET request_hash=EXCLUDED.request_hash, rebalance_run_id=EXCLUDED.rebalance_run_id`,
		rec.Key, rec.RequestHash, rec.RunID, createdAt)
	if err != nil {
		return fmt.Errorf("save idempotency: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIdempotencyByKey(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := s.db.GetContext(ctx, &rec, `
SELECT idempotency_key, request_hash, rebalance_run_id, created_at
FROM dpm_idempotency WHERE idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func (s *PostgresStore) AppendIdempotencyHistory(ctx context.Context, rec *IdempotencyRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dpm_idempotency_history (idempotency_key, request_hash, rebalance_run_id, created_at)
VALUES ($1, $2, $3, $4)`,
		rec.Key, rec.RequestHash, rec.RunID, createdAt)
	if err != nil {
		return fmt.Errorf("append idempotency history: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIdempotencyHistory(ctx context.Context, key string) ([]*IdempotencyRecord, error) {
	var out []*IdempotencyRecord
	err := s.db.SelectContext(ctx, &out, `
SELECT idempotency_key, request_hash, rebalance_run_id, created_at
FROM dpm_idempotency_history WHERE idempotency_key = $1 ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("list idempotency history: %w", err)
	}
	return out, nil
}

type pgOperationRow struct {
	OperationID   string         `db:"operation_id"`
	OperationType string         `db:"operation_type"`
	Status        string         `db:"status"`
	CorrelationID string         `db:"correlation_id"`
	CreatedAt     time.Time      `db:"created_at"`
	StartedAt     *time.Time     `db:"started_at"`
	CompletedAt   *time.Time     `db:"completed_at"`
	RequestJSON   sql.NullString `db:"request_json"`
	ResultJSON    sql.NullString `db:"result_json"`
	ErrorJSON     sql.NullString `db:"error_json"`
}

func (r pgOperationRow) record() *AsyncOperation {
	op := &AsyncOperation{
		OperationID:   r.OperationID,
		OperationType: r.OperationType,
		Status:        OperationStatus(r.Status),
		CorrelationID: r.CorrelationID,
		CreatedAt:     r.CreatedAt.UTC(),
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
	if r.RequestJSON.Valid {
		op.RequestJSON = json.RawMessage(r.RequestJSON.String)
	}
	if r.ResultJSON.Valid {
		op.ResultJSON = json.RawMessage(r.ResultJSON.String)
	}
	if r.ErrorJSON.Valid {
		op.ErrorJSON = json.RawMessage(r.ErrorJSON.String)
	}
	return op
}

const pgOpColumns = "operation_id, operation_type, status, correlation_id, created_at, started_at, completed_at, request_json::text AS request_json, result_json::text AS result_json, error_json::text AS error_json"

func (s *PostgresStore) CreateAsyncOperation(ctx context.Context, op *AsyncOperation) error {
	createdAt := op.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	status := op.Status
	if status == "" {
		status = OpPending
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dpm_async_operations (operation_id, operation_type, status, correlation_id, created_at, started_at, completed_at, request_json, result_json, error_json)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		op.OperationID, op.OperationType, string(status), op.CorrelationID, createdAt,
		op.StartedAt, op.CompletedAt,
		pgNullableJSON(op.RequestJSON), pgNullableJSON(op.ResultJSON), pgNullableJSON(op.ErrorJSON))
	if err != nil {
		if isUniqueViolation(err, "dpm_async_operations_correlation_id_key") {
			return fmt.Errorf("%w: correlation %s already bound to an operation", ErrConflict, op.CorrelationID)
		}
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: operation %s", ErrDuplicate, op.OperationID)
		}
		return fmt.Errorf("create async operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAsyncOperation(ctx context.Context, op *AsyncOperation) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE dpm_async_operations
SET status = $1, started_at = $2, completed_at = $3, result_json = $4, error_json = $5
WHERE operation_id = $6`,
		string(op.Status), op.StartedAt, op.CompletedAt,
		pgNullableJSON(op.ResultJSON), pgNullableJSON(op.ErrorJSON), op.OperationID)
	if err != nil {
		return fmt.Errorf("update async operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update async operation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: operation %s", ErrNotFound, op.OperationID)
	}
	return nil
}

func (s *PostgresStore) GetAsyncOperation(ctx context.Context, operationID string) (*AsyncOperation, error) {
	var row pgOperationRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+pgOpColumns+" FROM dpm_async_operations WHERE operation_id = $1", operationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get async operation: %w", err)
	}
	return row.record(), nil
}

func (s *PostgresStore) ListAsyncOperations(ctx context.Context, filters OperationFilters, cursor string, limit int) (Page[*AsyncOperation], error) {
	cur, err := DecodeCursor(cursor)
	if err != nil {
		return Page[*AsyncOperation]{}, err
	}
	limit = clampLimit(limit)

	query := "SELECT " + pgOpColumns + " FROM dpm_async_operations WHERE 1=1"
	var args []any
	if filters.From != nil {
		query += " AND created_at >= ?"
		args = append(args, *filters.From)
	}
	if filters.To != nil {
		query += " AND created_at <= ?"
		args = append(args, *filters.To)
	}
	if filters.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filters.Status))
	}
	if filters.OperationType != "" {
		query += " AND operation_type = ?"
		args = append(args, filters.OperationType)
	}
	if filters.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, filters.CorrelationID)
	}
	if cur != nil {
		query += " AND (created_at, operation_id) < (?, ?)"
		args = append(args, cur.CreatedAt, cur.ID)
	}
	query += " ORDER BY created_at DESC, operation_id DESC LIMIT ?"
	args = append(args, limit+1)

	var rows []pgOperationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return Page[*AsyncOperation]{}, fmt.Errorf("list async operations: %w", err)
	}

	var page Page[*AsyncOperation]
	for _, r := range rows {
		page.Items = append(page.Items, r.record())
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.OperationID}.Encode()
	}
	return page, nil
}

func (s *PostgresStore) PurgeExpiredAsyncOperations(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `
DELETE FROM dpm_async_operations
WHERE status IN ('SUCCEEDED', 'FAILED')
  AND COALESCE(completed_at, created_at) < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge async operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge async operations: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) AppendWorkflowDecision(ctx context.Context, d *WorkflowDecision) error {
	if _, err := s.GetRun(ctx, d.RunID); err != nil {
		return err
	}
	decidedAt := d.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dpm_workflow_decisions (decision_id, rebalance_run_id, action, reason_code, comment, actor_id, decided_at, correlation_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.DecisionID, d.RunID, string(d.Action), d.ReasonCode, d.Comment, d.ActorID, decidedAt, d.CorrelationID)
	if err != nil {
		return fmt.Errorf("append workflow decision: %w", err)
	}
	return nil
}

type pgDecisionRow struct {
	DecisionID    string    `db:"decision_id"`
	RunID         string    `db:"rebalance_run_id"`
	Action        string    `db:"action"`
	ReasonCode    string    `db:"reason_code"`
	Comment       string    `db:"comment"`
	ActorID       string    `db:"actor_id"`
	DecidedAt     time.Time `db:"decided_at"`
	CorrelationID string    `db:"correlation_id"`
}

func (s *PostgresStore) ListWorkflowDecisions(ctx context.Context, filters DecisionFilters) ([]*WorkflowDecision, error) {
	query := "SELECT decision_id, rebalance_run_id, action, reason_code, comment, actor_id, decided_at, correlation_id FROM dpm_workflow_decisions WHERE 1=1"
	var args []any
	if filters.From != nil {
		query += " AND decided_at >= ?"
		args = append(args, *filters.From)
	}
	if filters.To != nil {
		query += " AND decided_at <= ?"
		args = append(args, *filters.To)
	}
	if filters.RunID != "" {
		query += " AND rebalance_run_id = ?"
		args = append(args, filters.RunID)
	}
	if filters.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, filters.ActorID)
	}
	if filters.Action != "" {
		query += " AND action = ?"
		args = append(args, string(filters.Action))
	}
	if filters.ReasonCode != "" {
		query += " AND reason_code = ?"
		args = append(args, filters.ReasonCode)
	}
	query += " ORDER BY decided_at, decision_id"

	var rows []pgDecisionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list workflow decisions: %w", err)
	}
	out := make([]*WorkflowDecision, 0, len(rows))
	for _, r := range rows {
		out = append(out, &WorkflowDecision{
			DecisionID:    r.DecisionID,
			RunID:         r.RunID,
			Action:        workflowAction(r.Action),
			ReasonCode:    r.ReasonCode,
			Comment:       r.Comment,
			ActorID:       r.ActorID,
			DecidedAt:     r.DecidedAt.UTC(),
			CorrelationID: r.CorrelationID,
		})
	}
	return out, nil
}

func (s *PostgresStore) ListWorkflowDecisionsByRun(ctx context.Context, runID string) ([]*WorkflowDecision, error) {
	return s.ListWorkflowDecisions(ctx, DecisionFilters{RunID: runID})
}

func (s *PostgresStore) AppendLineageEdge(ctx context.Context, e *LineageEdge) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	var metadata any
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal lineage metadata: %w", err)
		}
		metadata = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dpm_lineage_edges (source_entity_id, edge_type, target_entity_id, created_at, metadata_json)
VALUES ($1, $2, $3, $4, $5)`,
		e.SourceEntityID, string(e.EdgeType), e.TargetEntityID, createdAt, metadata)
	if err != nil {
		return fmt.Errorf("append lineage edge: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLineageEdges(ctx context.Context, entityID string) ([]*LineageEdge, error) {
	var rows []struct {
		SourceEntityID string         `db:"source_entity_id"`
		EdgeType       string         `db:"edge_type"`
		TargetEntityID string         `db:"target_entity_id"`
		CreatedAt      time.Time      `db:"created_at"`
		MetadataJSON   sql.NullString `db:"metadata_json"`
	}
	err := s.db.SelectContext(ctx, &rows, `
SELECT source_entity_id, edge_type, target_entity_id, created_at, metadata_json::text AS metadata_json
FROM dpm_lineage_edges
WHERE source_entity_id = $1 OR target_entity_id = $1
ORDER BY id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list lineage edges: %w", err)
	}
	out := make([]*LineageEdge, 0, len(rows))
	for _, r := range rows {
		e := &LineageEdge{
			SourceEntityID: r.SourceEntityID,
			EdgeType:       EdgeType(r.EdgeType),
			TargetEntityID: r.TargetEntityID,
			CreatedAt:      r.CreatedAt.UTC(),
		}
		if r.MetadataJSON.Valid {
			_ = json.Unmarshal([]byte(r.MetadataJSON.String), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *PostgresStore) Summary(ctx context.Context) (*Summary, error) {
	sum := newEmptySummary()

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM dpm_runs", &sum.Runs},
		{"SELECT COUNT(*) FROM dpm_run_artifacts", &sum.Artifacts},
		{"SELECT COUNT(*) FROM dpm_idempotency", &sum.IdempotencyKeys},
		{"SELECT COUNT(*) FROM dpm_async_operations", &sum.Operations},
		{"SELECT COUNT(*) FROM dpm_workflow_decisions", &sum.WorkflowDecisions},
		{"SELECT COUNT(*) FROM dpm_lineage_edges", &sum.LineageEdges},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dest, c.query); err != nil {
			return nil, fmt.Errorf("summary: %w", err)
		}
	}

	type statusCount struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	var runCounts []statusCount
	if err := s.db.SelectContext(ctx, &runCounts, "SELECT status, COUNT(*) AS n FROM dpm_runs GROUP BY status"); err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	for _, c := range runCounts {
		sum.RunsByStatus[runStatus(c.Status)] = c.N
	}
	var opCounts []statusCount
	if err := s.db.SelectContext(ctx, &opCounts, "SELECT status, COUNT(*) AS n FROM dpm_async_operations GROUP BY status"); err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	for _, c := range opCounts {
		sum.OperationsByStatus[OperationStatus(c.Status)] = c.N
	}
	return sum, nil
}

func (s *PostgresStore) PurgeExpiredRuns(ctx context.Context, retentionDays int) (*PurgeResult, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	res := &PurgeResult{}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("purge expired runs: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var runIDs, corrIDs, keys []string
	rows, err := tx.QueryxContext(ctx,
		"SELECT rebalance_run_id, correlation_id, idempotency_key FROM dpm_runs WHERE created_at < $1", cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge expired runs: %w", err)
	}
	for rows.Next() {
		var runID, corrID, key string
		if err := rows.Scan(&runID, &corrID, &key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("purge expired runs: %w", err)
		}
		runIDs = append(runIDs, runID)
		if corrID != "" {
			corrIDs = append(corrIDs, corrID)
		}
		if key != "" {
			keys = append(keys, key)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("purge expired runs: %w", err)
	}
	if len(runIDs) == 0 {
		return res, tx.Commit()
	}

	countExec := func(dest *int, query string, args ...any) error {
		r, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := r.RowsAffected()
		if err != nil {
			return err
		}
		*dest += int(n)
		return nil
	}

	steps := []struct {
		dest  *int
		query string
		args  []any
	}{
		{&res.Artifacts, "DELETE FROM dpm_run_artifacts WHERE rebalance_run_id = ANY($1)", []any{pq.Array(runIDs)}},
		{&res.WorkflowDecisions, "DELETE FROM dpm_workflow_decisions WHERE rebalance_run_id = ANY($1)", []any{pq.Array(runIDs)}},
		{&res.LineageEdges, "DELETE FROM dpm_lineage_edges WHERE source_entity_id = ANY($1) OR target_entity_id = ANY($1)", []any{pq.Array(runIDs)}},
		{&res.IdempotencyKeys, "DELETE FROM dpm_idempotency WHERE rebalance_run_id = ANY($1) OR idempotency_key = ANY($2)", []any{pq.Array(runIDs), pq.Array(keys)}},
		{new(int), "DELETE FROM dpm_idempotency_history WHERE rebalance_run_id = ANY($1) OR idempotency_key = ANY($2)", []any{pq.Array(runIDs), pq.Array(keys)}},
		{&res.Operations, "DELETE FROM dpm_async_operations WHERE correlation_id = ANY($1)", []any{pq.Array(corrIDs)}},
		{&res.Runs, "DELETE FROM dpm_runs WHERE created_at < $1", []any{cutoff}},
	}
	for _, step := range steps {
		if err := countExec(step.dest, step.query, step.args...); err != nil {
			return nil, fmt.Errorf("purge expired runs: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("purge expired runs: %w", err)
	}
	return res, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func pgNullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
