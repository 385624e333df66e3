package proposals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/support"
)

var postgresMigrations = []support.Migration{
	{
		Version: 1,
		Name:    "proposal aggregate tables",
		SQL: `
CREATE TABLE IF NOT EXISTS adv_proposals (
    proposal_id   TEXT PRIMARY KEY,
    portfolio_id  TEXT NOT NULL,
    state         TEXT NOT NULL,
    version_no    INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL,
    last_event_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_adv_proposals_portfolio ON adv_proposals(portfolio_id);
CREATE INDEX IF NOT EXISTS idx_adv_proposals_state ON adv_proposals(state);

CREATE TABLE IF NOT EXISTS adv_proposal_versions (
    proposal_id          TEXT NOT NULL REFERENCES adv_proposals(proposal_id) ON DELETE CASCADE,
    version_no           INTEGER NOT NULL,
    request_hash         TEXT NOT NULL DEFAULT '',
    artifact_hash        TEXT NOT NULL DEFAULT '',
    artifact_json        JSONB NOT NULL,
    evidence_bundle_json JSONB,
    gate_decision_json   JSONB,
    status_at_creation   TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (proposal_id, version_no)
);

CREATE TABLE IF NOT EXISTS adv_proposal_events (
    event_id    TEXT PRIMARY KEY,
    proposal_id TEXT NOT NULL REFERENCES adv_proposals(proposal_id) ON DELETE CASCADE,
    from_state  TEXT NOT NULL,
    to_state    TEXT NOT NULL,
    actor_id    TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    seq         BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_adv_events_proposal ON adv_proposal_events(proposal_id);

CREATE TABLE IF NOT EXISTS adv_proposal_approvals (
    approval_id TEXT PRIMARY KEY,
    proposal_id TEXT NOT NULL REFERENCES adv_proposals(proposal_id) ON DELETE CASCADE,
    version_no  INTEGER NOT NULL,
    actor_id    TEXT NOT NULL,
    action      TEXT NOT NULL,
    comment     TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    seq         BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_adv_approvals_proposal ON adv_proposal_approvals(proposal_id);
`,
	},
}

// PostgresStore persists proposal aggregates in PostgreSQL. It is the
// PRODUCTION persistence profile backend for the advisory lifecycle.
type PostgresStore struct {
	db  *sqlx.DB
	log zerolog.Logger
	now func() time.Time
}

// NewPostgresStore connects with the given DSN and applies pending
// migrations under the shared migration discipline.
func NewPostgresStore(dsn string, log zerolog.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect proposal postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{
		db:  db,
		log: log.With().Str("store", "proposal-postgres").Logger(),
		now: time.Now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := support.RunPostgresMigrations(ctx, db.DB, "proposals", postgresMigrations, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, p *Proposal, first *Version) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	versionNo := 0
	if first != nil {
		versionNo = first.VersionNo
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO adv_proposals (proposal_id, portfolio_id, state, version_no, created_at, last_event_at)
VALUES ($1, $2, $3, $4, $5, $5)`,
		p.ProposalID, p.PortfolioID, string(p.State), versionNo, createdAt)
	if err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	if first != nil {
		if err := insertVersion(ctx, tx, first, s.now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	return nil
}

type pgProposalRow struct {
	ProposalID  string    `db:"proposal_id"`
	PortfolioID string    `db:"portfolio_id"`
	State       string    `db:"state"`
	VersionNo   int       `db:"version_no"`
	CreatedAt   time.Time `db:"created_at"`
	LastEventAt time.Time `db:"last_event_at"`
}

func (r pgProposalRow) record() *Proposal {
	return &Proposal{
		ProposalID:  r.ProposalID,
		PortfolioID: r.PortfolioID,
		State:       State(r.State),
		VersionNo:   r.VersionNo,
		CreatedAt:   r.CreatedAt.UTC(),
		LastEventAt: r.LastEventAt.UTC(),
	}
}

const pgProposalColumns = "proposal_id, portfolio_id, state, version_no, created_at, last_event_at"

func (s *PostgresStore) Get(ctx context.Context, proposalID string) (*Proposal, error) {
	var row pgProposalRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+pgProposalColumns+" FROM adv_proposals WHERE proposal_id = $1", proposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return row.record(), nil
}

func (s *PostgresStore) List(ctx context.Context, portfolioID string, state State) ([]*Proposal, error) {
	query := "SELECT " + pgProposalColumns + " FROM adv_proposals WHERE 1=1"
	var args []any
	if portfolioID != "" {
		query += " AND portfolio_id = ?"
		args = append(args, portfolioID)
	}
	if state != "" {
		query += " AND state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY created_at DESC, proposal_id"

	var rows []pgProposalRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	out := make([]*Proposal, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func insertVersion(ctx context.Context, tx *sqlx.Tx, v *Version, now func() time.Time) error {
	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO adv_proposal_versions (proposal_id, version_no, request_hash, artifact_hash, artifact_json, evidence_bundle_json, gate_decision_json, status_at_creation, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ProposalID, v.VersionNo, v.RequestHash, v.ArtifactHash,
		string(v.ArtifactJSON), nullableJSON(v.EvidenceJSON), nullableJSON(v.GateDecisionJSON),
		string(v.StatusAtCreation), createdAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddVersion(ctx context.Context, v *Version) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.GetContext(ctx, &current,
		"SELECT version_no FROM adv_proposals WHERE proposal_id = $1 FOR UPDATE", v.ProposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("add version: %w", err)
	}
	if v.VersionNo != current+1 {
		return fmt.Errorf("%w: version %d, current %d", ErrStateConflict, v.VersionNo, current)
	}
	if err := insertVersion(ctx, tx, v, s.now); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE adv_proposals SET version_no = $1, last_event_at = $2 WHERE proposal_id = $3",
		v.VersionNo, s.now().UTC(), v.ProposalID)
	if err != nil {
		return fmt.Errorf("add version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add version: %w", err)
	}
	return nil
}

type pgVersionRow struct {
	ProposalID       string         `db:"proposal_id"`
	VersionNo        int            `db:"version_no"`
	RequestHash      string         `db:"request_hash"`
	ArtifactHash     string         `db:"artifact_hash"`
	ArtifactJSON     string         `db:"artifact_json"`
	EvidenceJSON     sql.NullString `db:"evidence_bundle_json"`
	GateDecisionJSON sql.NullString `db:"gate_decision_json"`
	StatusAtCreation string         `db:"status_at_creation"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (s *PostgresStore) GetVersion(ctx context.Context, proposalID string, versionNo int) (*Version, error) {
	var row pgVersionRow
	err := s.db.GetContext(ctx, &row, `
SELECT proposal_id, version_no, request_hash, artifact_hash,
       artifact_json::text AS artifact_json,
       evidence_bundle_json::text AS evidence_bundle_json,
       gate_decision_json::text AS gate_decision_json,
       status_at_creation, created_at
FROM adv_proposal_versions WHERE proposal_id = $1 AND version_no = $2`, proposalID, versionNo)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.Get(ctx, proposalID); err != nil {
			return nil, err
		}
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	v := &Version{
		ProposalID:       row.ProposalID,
		VersionNo:        row.VersionNo,
		RequestHash:      row.RequestHash,
		ArtifactHash:     row.ArtifactHash,
		ArtifactJSON:     json.RawMessage(row.ArtifactJSON),
		StatusAtCreation: domain.RunStatus(row.StatusAtCreation),
		CreatedAt:        row.CreatedAt.UTC(),
	}
	if row.EvidenceJSON.Valid {
		v.EvidenceJSON = json.RawMessage(row.EvidenceJSON.String)
	}
	if row.GateDecisionJSON.Valid {
		v.GateDecisionJSON = json.RawMessage(row.GateDecisionJSON.String)
	}
	return v, nil
}

func (s *PostgresStore) Transition(ctx context.Context, req TransitionRequest) (*Proposal, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("transition proposal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row pgProposalRow
	err = tx.GetContext(ctx, &row,
		"SELECT "+pgProposalColumns+" FROM adv_proposals WHERE proposal_id = $1 FOR UPDATE", req.ProposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transition proposal: %w", err)
	}
	p := row.record()
	if err := validateTransition(p.State, req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
INSERT INTO adv_proposal_events (event_id, proposal_id, from_state, to_state, actor_id, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), req.ProposalID, string(p.State), string(req.To), req.ActorID, req.Reason, now)
	if err != nil {
		return nil, fmt.Errorf("transition proposal: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE adv_proposals SET state = $1, last_event_at = $2 WHERE proposal_id = $3",
		string(req.To), now, req.ProposalID)
	if err != nil {
		return nil, fmt.Errorf("transition proposal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("transition proposal: %w", err)
	}
	p.State = req.To
	p.LastEventAt = now
	return p, nil
}

func (s *PostgresStore) AppendApproval(ctx context.Context, a *Approval) error {
	if _, err := s.Get(ctx, a.ProposalID); err != nil {
		return err
	}
	approvalID := a.ApprovalID
	if approvalID == "" {
		approvalID = uuid.NewString()
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO adv_proposal_approvals (approval_id, proposal_id, version_no, actor_id, action, comment, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		approvalID, a.ProposalID, a.VersionNo, a.ActorID, string(a.Action), a.Comment, createdAt)
	if err != nil {
		return fmt.Errorf("append approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, proposalID string) ([]*Event, error) {
	if _, err := s.Get(ctx, proposalID); err != nil {
		return nil, err
	}
	var rows []struct {
		EventID    string    `db:"event_id"`
		ProposalID string    `db:"proposal_id"`
		FromState  string    `db:"from_state"`
		ToState    string    `db:"to_state"`
		ActorID    string    `db:"actor_id"`
		Reason     string    `db:"reason"`
		CreatedAt  time.Time `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
SELECT event_id, proposal_id, from_state, to_state, actor_id, reason, created_at
FROM adv_proposal_events WHERE proposal_id = $1 ORDER BY seq`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]*Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, &Event{
			EventID:    r.EventID,
			ProposalID: r.ProposalID,
			FromState:  State(r.FromState),
			ToState:    State(r.ToState),
			ActorID:    r.ActorID,
			Reason:     r.Reason,
			CreatedAt:  r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, proposalID string) ([]*Approval, error) {
	if _, err := s.Get(ctx, proposalID); err != nil {
		return nil, err
	}
	var rows []struct {
		ApprovalID string    `db:"approval_id"`
		ProposalID string    `db:"proposal_id"`
		VersionNo  int       `db:"version_no"`
		ActorID    string    `db:"actor_id"`
		Action     string    `db:"action"`
		Comment    string    `db:"comment"`
		CreatedAt  time.Time `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
SELECT approval_id, proposal_id, version_no, actor_id, action, comment, created_at
FROM adv_proposal_approvals WHERE proposal_id = $1 ORDER BY seq`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	out := make([]*Approval, 0, len(rows))
	for _, r := range rows {
		out = append(out, &Approval{
			ApprovalID: r.ApprovalID,
			ProposalID: r.ProposalID,
			VersionNo:  r.VersionNo,
			ActorID:    r.ActorID,
			Action:     domain.WorkflowAction(r.Action),
			Comment:    r.Comment,
			CreatedAt:  r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
