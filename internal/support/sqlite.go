package support

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/dpm/internal/database"
)

// sqliteTimeLayout is fixed-width UTC so stored timestamps sort
// lexicographically in chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var sqliteMigrations = []Migration{
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
    created_at       TEXT NOT NULL,
    result_json      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dpm_runs_correlation ON dpm_runs(correlation_id);
CREATE INDEX IF NOT EXISTS idx_dpm_runs_request_hash ON dpm_runs(request_hash);
CREATE INDEX IF NOT EXISTS idx_dpm_runs_created ON dpm_runs(created_at);

CREATE TABLE IF NOT EXISTS dpm_run_artifacts (
    rebalance_run_id TEXT PRIMARY KEY REFERENCES dpm_runs(rebalance_run_id) ON DELETE CASCADE,
    artifact_hash    TEXT NOT NULL,
    artifact_json    TEXT NOT NULL,
    mode             TEXT NOT NULL,
    created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dpm_idempotency (
    idempotency_key  TEXT PRIMARY KEY,
    request_hash     TEXT NOT NULL,
    rebalance_run_id TEXT NOT NULL,
    created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dpm_idempotency_history (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    idempotency_key  TEXT NOT NULL,
    request_hash     TEXT NOT NULL,
    rebalance_run_id TEXT NOT NULL,
    created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dpm_idem_history_key ON dpm_idempotency_history(idempotency_key);

CREATE TABLE IF NOT EXISTS dpm_async_operations (
    operation_id   TEXT PRIMARY KEY,
    operation_type TEXT NOT NULL,
    status         TEXT NOT NULL,
    correlation_id TEXT NOT NULL UNIQUE,
    created_at     TEXT NOT NULL,
    started_at     TEXT,
    completed_at   TEXT,
    request_json   TEXT,
    result_json    TEXT,
    error_json     TEXT
);
CREATE INDEX IF NOT EXISTS idx_dpm_ops_created ON dpm_async_operations(created_at);

CREATE TABLE IF NOT EXISTS dpm_workflow_decisions (
    decision_id      TEXT PRIMARY KEY,
    rebalance_run_id TEXT NOT NULL,
    action           TEXT NOT NULL,
    reason_code      TEXT NOT NULL DEFAULT '',
    comment          TEXT NOT NULL DEFAULT '',
    actor_id         TEXT NOT NULL DEFAULT '',
    decided_at       TEXT NOT NULL,
    correlation_id   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_dpm_decisions_run ON dpm_workflow_decisions(rebalance_run_id);

CREATE TABLE IF NOT EXISTS dpm_lineage_edges (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    source_entity_id TEXT NOT NULL,
    edge_type        TEXT NOT NULL,
    target_entity_id TEXT NOT NULL,
    created_at       TEXT NOT NULL,
    metadata_json    TEXT
);
CREATE INDEX IF NOT EXISTS idx_dpm_lineage_source ON dpm_lineage_edges(source_entity_id);
CREATE INDEX IF NOT EXISTS idx_dpm_lineage_target ON dpm_lineage_edges(target_entity_id);
`,
	},
}

// SQLiteStore persists the supportability substrate in an embedded SQLite
// database via the pure-Go driver.
type SQLiteStore struct {
	db  *database.DB
	log zerolog.Logger
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and applies pending
// migrations.
func NewSQLiteStore(path string, log zerolog.Logger) (*SQLiteStore, error) {
	db, err := database.New(database.Config{
		Path:    path,
		Profile: database.ProfileLedger,
		Name:    "supportability",
	})
	if err != nil {
		return nil, fmt.Errorf("open supportability database: %w", err)
	}

	s := &SQLiteStore{
		db:  db,
		log: log.With().Str("store", "support-sqlite").Logger(),
		now: time.Now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runMigrations(ctx, db.Conn(), dialectSQLite, "dpm", sqliteMigrations, formatTime(s.now())); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	_, err := s.db.Conn().ExecContext(ctx, `
INSERT INTO dpm_runs (rebalance_run_id, correlation_id, request_hash, idempotency_key, portfolio_id, status, created_at, result_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.CorrelationID, run.RequestHash, run.IdempotencyKey,
		run.PortfolioID, string(run.Status), formatTime(createdAt), string(run.ResultJSON))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: run %s", ErrDuplicate, run.RunID)
		}
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

const runColumns = "rebalance_run_id, correlation_id, request_hash, idempotency_key, portfolio_id, status, created_at, result_json"

func (s *SQLiteStore) scanRun(row *sql.Row) (*RunRecord, error) {
	var r RunRecord
	var status, createdAt, resultJSON string
	err := row.Scan(&r.RunID, &r.CorrelationID, &r.RequestHash, &r.IdempotencyKey, &r.PortfolioID, &status, &createdAt, &resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Status = runStatus(status)
	r.CreatedAt = parseTime(createdAt)
	r.ResultJSON = json.RawMessage(resultJSON)
	return &r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	return s.scanRun(s.db.Conn().QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM dpm_runs WHERE rebalance_run_id = ?", runID))
}

func (s *SQLiteStore) GetRunByCorrelation(ctx context.Context, correlationID string) (*RunRecord, error) {
	return s.scanRun(s.db.Conn().QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM dpm_runs WHERE correlation_id = ? ORDER BY created_at DESC, rebalance_run_id DESC LIMIT 1", correlationID))
}

func (s *SQLiteStore) GetRunByRequestHash(ctx context.Context, requestHash string) (*RunRecord, error) {
	return s.scanRun(s.db.Conn().QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM dpm_runs WHERE request_hash = ? ORDER BY created_at DESC, rebalance_run_id DESC LIMIT 1", requestHash))
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filters RunFilters, cursor string, limit int) (Page[*RunRecord], error) {
	cur, err := DecodeCursor(cursor)
	if err != nil {
		return Page[*RunRecord]{}, err
	}
	limit = clampLimit(limit)

	query := "SELECT " + runColumns + " FROM dpm_runs WHERE 1=1"
	var args []any
	if filters.From != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filters.From))
	}
	if filters.To != nil {
		query += " AND created_at <= ?"
		args = append(args, formatTime(*filters.To))
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
		args = append(args, formatTime(cur.CreatedAt), cur.ID)
	}
	query += " ORDER BY created_at DESC, rebalance_run_id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return Page[*RunRecord]{}, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var page Page[*RunRecord]
	for rows.Next() {
		var r RunRecord
		var status, createdAt, resultJSON string
		if err := rows.Scan(&r.RunID, &r.CorrelationID, &r.RequestHash, &r.IdempotencyKey, &r.PortfolioID, &status, &createdAt, &resultJSON); err != nil {
			return Page[*RunRecord]{}, fmt.Errorf("scan run: %w", err)
		}
		r.Status = runStatus(status)
		r.CreatedAt = parseTime(createdAt)
		r.ResultJSON = json.RawMessage(resultJSON)
		page.Items = append(page.Items, &r)
	}
	if err := rows.Err(); err != nil {
		return Page[*RunRecord]{}, fmt.Errorf("list runs: %w", err)
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.RunID}.Encode()
	}
	return page, nil
}

func (s *SQLiteStore) SaveRunArtifact(ctx context.Context, artifact *ArtifactRecord) error {
	if _, err := s.GetRun(ctx, artifact.RunID); err != nil {
		return err
	}
	createdAt := artifact.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	_, err := s.db.Conn().ExecContext(ctx, `
INSERT INTO dpm_run_artifacts (rebalance_run_id, artifact_hash, artifact_json, mode, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(rebalance_run_id) DO UPDATE SET artifact_hash=excluded.artifact_hash, artifact_json=excluded.artifact_json, mode=excluded.mode`,
		artifact.RunID, artifact.ArtifactHash, string(artifact.ArtifactJSON), string(artifact.Mode), formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRunArtifact(ctx context.Context, runID string) (*ArtifactRecord, error) {
	var a ArtifactRecord
	var artifactJSON, mode, createdAt string
	err := s.db.Conn().QueryRowContext(ctx,
		"SELECT rebalance_run_id, artifact_hash, artifact_json, mode, created_at FROM dpm_run_artifacts WHERE rebalance_run_id = ?", runID).
		Scan(&a.RunID, &a.ArtifactHash, &artifactJSON, &mode, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	a.ArtifactJSON = json.RawMessage(artifactJSON)
	a.Mode = ArtifactMode(mode)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	_, err := s.db.Conn().ExecContext(ctx, `
INSERT INTO dpm_idempotency (idempotency_key, request_hash, rebalance_run_id, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(idempotency_key) DO UPDATE SET request_hash=excluded.request_hash, rebalance_run_id=excluded.rebalance_run_id`,
		rec.Key, rec.RequestHash, rec.RunID, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("save idempotency: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIdempotencyByKey(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var createdAt string
	err := s.db.Conn().QueryRowContext(ctx,
		"SELECT idempotency_key, request_hash, rebalance_run_id, created_at FROM dpm_idempotency WHERE idempotency_key = ?", key).
		Scan(&rec.Key, &rec.RequestHash, &rec.RunID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency: %w", err)
	}
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

func (s *SQLiteStore) AppendIdempotencyHistory(ctx context.Context, rec *IdempotencyRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	_, err := s.db.Conn().ExecContext(ctx, `
INSERT INTO dpm_idempotency_history (idempotency_key, request_hash, rebalance_run_id, created_at)
VALUES (?, ?, ?, ?)`,
		rec.Key, rec.RequestHash, rec.RunID, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("append idempotency history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListIdempotencyHistory(ctx context.Context, key string) ([]*IdempotencyRecord, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		"SELECT idempotency_key, request_hash, rebalance_run_id, created_at FROM dpm_idempotency_history WHERE idempotency_key = ? ORDER BY id", key)
	if err != nil {
		return nil, fmt.Errorf("list idempotency history: %w", err)
	}
	defer rows.Close()

	var out []*IdempotencyRecord
	for rows.Next() {
		var rec IdempotencyRecord
		var createdAt string
		if err := rows.Scan(&rec.Key, &rec.RequestHash, &rec.RunID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan idempotency history: %w", err)
		}
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateAsyncOperation(ctx context.Context, op *AsyncOperation) error {
	createdAt := op.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	status := op.Status
	if status == "" {
		status = OpPending
	}
	_, err := s.db.Conn().ExecContext(ctx, `
INSERT INTO dpm_async_operations (operation_id, operation_type, status, correlation_id, created_at, started_at, completed_at, request_json, result_json, error_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OperationID, op.OperationType, string(status), op.CorrelationID, formatTime(createdAt),
		nullableTime(op.StartedAt), nullableTime(op.CompletedAt),
		nullableJSON(op.RequestJSON), nullableJSON(op.ResultJSON), nullableJSON(op.ErrorJSON))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			if strings.Contains(err.Error(), "correlation_id") {
				return fmt.Errorf("%w: correlation %s already bound to an operation", ErrConflict, op.CorrelationID)
			}
			return fmt.Errorf("%w: operation %s", ErrDuplicate, op.OperationID)
		}
		return fmt.Errorf("create async operation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAsyncOperation(ctx context.Context, op *AsyncOperation) error {
	res, err := s.db.Conn().ExecContext(ctx, `
UPDATE dpm_async_operations
SET status = ?, started_at = ?, completed_at = ?, result_json = ?, error_json = ?
WHERE operation_id = ?`,
		string(op.Status), nullableTime(op.StartedAt), nullableTime(op.CompletedAt),
		nullableJSON(op.ResultJSON), nullableJSON(op.ErrorJSON), op.OperationID)
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

const opColumns = "operation_id, operation_type, status, correlation_id, created_at, started_at, completed_at, request_json, result_json, error_json"

func scanOperation(scan func(dest ...any) error) (*AsyncOperation, error) {
	var op AsyncOperation
	var status, createdAt string
	var startedAt, completedAt, requestJSON, resultJSON, errorJSON sql.NullString
	err := scan(&op.OperationID, &op.OperationType, &status, &op.CorrelationID, &createdAt,
		&startedAt, &completedAt, &requestJSON, &resultJSON, &errorJSON)
	if err != nil {
		return nil, err
	}
	op.Status = OperationStatus(status)
	op.CreatedAt = parseTime(createdAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		op.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		op.CompletedAt = &t
	}
	if requestJSON.Valid {
		op.RequestJSON = json.RawMessage(requestJSON.String)
	}
	if resultJSON.Valid {
		op.ResultJSON = json.RawMessage(resultJSON.String)
	}
	if errorJSON.Valid {
		op.ErrorJSON = json.RawMessage(errorJSON.String)
	}
	return &op, nil
}

func (s *SQLiteStore) GetAsyncOperation(ctx context.Context, operationID string) (*AsyncOperation, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		"SELECT "+opColumns+" FROM dpm_async_operations WHERE operation_id = ?", operationID)
	op, err := scanOperation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get async operation: %w", err)
	}
	return op, nil
}

func (s *SQLiteStore) ListAsyncOperations(ctx context.Context, filters OperationFilters, cursor string, limit int) (Page[*AsyncOperation], error) {
	cur, err := DecodeCursor(cursor)
	if err != nil {
		return Page[*AsyncOperation]{}, err
	}
	limit = clampLimit(limit)

	query := "SELECT " + opColumns + " FROM dpm_async_operations WHERE 1=1"
	var args []any
	if filters.From != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filters.From))
	}
	if filters.To != nil {
		query += " AND created_at <= ?"
		args = append(args, formatTime(*filters.To))
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
		args = append(args, formatTime(cur.CreatedAt), cur.ID)
	}
	query += " ORDER BY created_at DESC, operation_id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return Page[*AsyncOperation]{}, fmt.Errorf("list async operations: %w", err)
	}
	defer rows.Close()

	var page Page[*AsyncOperation]
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return Page[*AsyncOperation]{}, fmt.Errorf("scan async operation: %w", err)
		}
		page.Items = append(page.Items, op)
	}
	if err := rows.Err(); err != nil {
		return Page[*AsyncOperation]{}, fmt.Errorf("list async operations: %w", err)
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.OperationID}.Encode()
	}
	return page, nil
}

func (s *SQLiteStore) PurgeExpiredAsyncOperations(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := formatTime(s.now().UTC().Add(-ttl))
	res, err := s.db.Conn().ExecContext(ctx, `
DELETE FROM dpm_async_operations
WHERE status IN ('SUCCEEDED', 'FAILED')
  AND COALESCE(completed_at, created_at) < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge async operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge async operations: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) AppendWorkflowDecision(ctx context.Context, d *WorkflowDecision) error {
	if _, err := s.GetRun(ctx, d.RunID); err != nil {
		return err
	}
	decidedAt := d.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = s.now().UTC()
	}
	_, err := s.db.Conn().ExecContext(ctx, `
INSERT INTO dpm_workflow_decisions (decision_id, rebalance_run_id, action, reason_code, comment, actor_id, decided_at, correlation_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DecisionID, d.RunID, string(d.Action), d.ReasonCode, d.Comment, d.ActorID, formatTime(decidedAt), d.CorrelationID)
	if err != nil {
		return fmt.Errorf("append workflow decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListWorkflowDecisions(ctx context.Context, filters DecisionFilters) ([]*WorkflowDecision, error) {
	query := "SELECT decision_id, rebalance_run_id, action, reason_code, comment, actor_id, decided_at, correlation_id FROM dpm_workflow_decisions WHERE 1=1"
	var args []any
	if filters.From != nil {
		query += " AND decided_at >= ?"
		args = append(args, formatTime(*filters.From))
	}
	if filters.To != nil {
		query += " AND decided_at <= ?"
		args = append(args, formatTime(*filters.To))
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

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow decisions: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowDecision
	for rows.Next() {
		var d WorkflowDecision
		var action, decidedAt string
		if err := rows.Scan(&d.DecisionID, &d.RunID, &action, &d.ReasonCode, &d.Comment, &d.ActorID, &decidedAt, &d.CorrelationID); err != nil {
			return nil, fmt.Errorf("scan workflow decision: %w", err)
		}
		d.Action = workflowAction(action)
		d.DecidedAt = parseTime(decidedAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListWorkflowDecisionsByRun(ctx context.Context, runID string) ([]*WorkflowDecision, error) {
	return s.ListWorkflowDecisions(ctx, DecisionFilters{RunID: runID})
}

func (s *SQLiteStore) AppendLineageEdge(ctx context.Context, e *LineageEdge) error {
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
	_, err := s.db.Conn().ExecContext(ctx, `
INSERT INTO dpm_lineage_edges (source_entity_id, edge_type, target_entity_id, created_at, metadata_json)
VALUES (?, ?, ?, ?, ?)`,
		e.SourceEntityID, string(e.EdgeType), e.TargetEntityID, formatTime(createdAt), metadata)
	if err != nil {
		return fmt.Errorf("append lineage edge: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListLineageEdges(ctx context.Context, entityID string) ([]*LineageEdge, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
SELECT source_entity_id, edge_type, target_entity_id, created_at, metadata_json
FROM dpm_lineage_edges
WHERE source_entity_id = ? OR target_entity_id = ?
ORDER BY id`, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("list lineage edges: %w", err)
	}
	defer rows.Close()

	var out []*LineageEdge
	for rows.Next() {
		var e LineageEdge
		var edgeType, createdAt string
		var metadata sql.NullString
		if err := rows.Scan(&e.SourceEntityID, &edgeType, &e.TargetEntityID, &createdAt, &metadata); err != nil {
			return nil, fmt.Errorf("scan lineage edge: %w", err)
		}
		e.EdgeType = EdgeType(edgeType)
		e.CreatedAt = parseTime(createdAt)
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Summary(ctx context.Context) (*Summary, error) {
	sum := newEmptySummary()
	conn := s.db.Conn()

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
		if err := conn.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("summary: %w", err)
		}
	}

	rows, err := conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM dpm_runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("summary: %w", err)
		}
		sum.RunsByStatus[runStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}

	opRows, err := conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM dpm_async_operations GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer opRows.Close()
	for opRows.Next() {
		var status string
		var n int
		if err := opRows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("summary: %w", err)
		}
		sum.OperationsByStatus[OperationStatus(status)] = n
	}
	return sum, opRows.Err()
}

func (s *SQLiteStore) PurgeExpiredRuns(ctx context.Context, retentionDays int) (*PurgeResult, error) {
	cutoff := formatTime(s.now().UTC().AddDate(0, 0, -retentionDays))
	res := &PurgeResult{}

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT rebalance_run_id, correlation_id, idempotency_key FROM dpm_runs WHERE created_at < ?", cutoff)
		if err != nil {
			return err
		}
		var runIDs, corrIDs, keys []string
		for rows.Next() {
			var runID, corrID, key string
			if err := rows.Scan(&runID, &corrID, &key); err != nil {
				rows.Close()
				return err
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
			return err
		}
		if len(runIDs) == 0 {
			return nil
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

		for _, runID := range runIDs {
			if err := countExec(&res.Artifacts, "DELETE FROM dpm_run_artifacts WHERE rebalance_run_id = ?", runID); err != nil {
				return err
			}
			if err := countExec(&res.WorkflowDecisions, "DELETE FROM dpm_workflow_decisions WHERE rebalance_run_id = ?", runID); err != nil {
				return err
			}
			if err := countExec(&res.LineageEdges, "DELETE FROM dpm_lineage_edges WHERE source_entity_id = ? OR target_entity_id = ?", runID, runID); err != nil {
				return err
			}
			if err := countExec(&res.IdempotencyKeys, "DELETE FROM dpm_idempotency WHERE rebalance_run_id = ?", runID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM dpm_idempotency_history WHERE rebalance_run_id = ?", runID); err != nil {
				return err
			}
		}
		for _, key := range keys {
			if err := countExec(&res.IdempotencyKeys, "DELETE FROM dpm_idempotency WHERE idempotency_key = ?", key); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM dpm_idempotency_history WHERE idempotency_key = ?", key); err != nil {
				return err
			}
		}
		for _, corrID := range corrIDs {
			if err := countExec(&res.Operations, "DELETE FROM dpm_async_operations WHERE correlation_id = ?", corrID); err != nil {
				return err
			}
		}
		return countExec(&res.Runs, "DELETE FROM dpm_runs WHERE created_at < ?", cutoff)
	})
	if err != nil {
		return nil, fmt.Errorf("purge expired runs: %w", err)
	}
	return res, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
