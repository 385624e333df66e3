// Package service orchestrates the decision pipelines around the
// supportability substrate: policy resolution, canonical hashing, idempotent
// replay, run persistence and lineage, workflow decisions and support
// bundles.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/dpm/internal/advisory"
	"github.com/aristath/dpm/internal/canonical"
	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/engine"
	"github.com/aristath/dpm/internal/idempotency"
	"github.com/aristath/dpm/internal/metrics"
	"github.com/aristath/dpm/internal/policy"
	"github.com/aristath/dpm/internal/support"
)

// ErrValidation marks request payloads that never reach the pipeline.
var ErrValidation = errors.New("invalid request")

// Config holds service-level settings.
type Config struct {
	// PersistArtifacts stores canonical artifact bytes at commit time;
	// otherwise artifacts are derived from the run payload at read time.
	PersistArtifacts bool
	// ReplayEnabled is the idempotency default; policy packs may override it
	// per request.
	ReplayEnabled bool
	// WorkflowEnabled turns on reviewer decisions.
	WorkflowEnabled bool
	// ReviewStatuses lists the run statuses that require a reviewer decision.
	ReviewStatuses []domain.RunStatus
	// RetentionDays bounds how long runs and derived records are kept.
	RetentionDays int
}

// Headers carries the request-scoped identifiers extracted at the HTTP
// boundary.
type Headers struct {
	IdempotencyKey string
	CorrelationID  string
	PolicyPackID   string
	TenantID       string
}

// Service wires the pipelines to the supportability store.
type Service struct {
	engine   *engine.Engine
	advisory *advisory.Pipeline
	store    support.Store
	guard    *idempotency.Guard
	resolver *policy.Resolver
	metrics  *metrics.Metrics
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

// New builds the service.
func New(store support.Store, guard *idempotency.Guard, resolver *policy.Resolver, m *metrics.Metrics, cfg Config, log zerolog.Logger) *Service {
	if len(cfg.ReviewStatuses) == 0 {
		cfg.ReviewStatuses = []domain.RunStatus{domain.StatusPendingReview}
	}
	return &Service{
		engine:   engine.New(log),
		advisory: advisory.New(log),
		store:    store,
		guard:    guard,
		resolver: resolver,
		metrics:  m,
		cfg:      cfg,
		log:      log.With().Str("service", "decision").Logger(),
		now:      time.Now,
	}
}

// Store exposes the supportability port for plain reads at the HTTP boundary.
func (s *Service) Store() support.Store { return s.store }

// WorkflowEnabled reports whether reviewer decisions are accepted.
func (s *Service) WorkflowEnabled() bool { return s.cfg.WorkflowEnabled }

// Outcome is one answered simulate request.
type Outcome struct {
	Result   *domain.RebalanceResult `json:"result"`
	Replayed bool                    `json:"replayed"`
	Policy   policy.Resolution       `json:"policy"`
}

// NewCorrelationID generates a correlation id for requests that arrive
// without one.
func NewCorrelationID() string { return "c_" + uuid.NewString() }

// Simulate runs the DPM pipeline for one request: policy application,
// canonical hashing, idempotent replay, execution and the atomic commit of
// run, artifact, idempotency mapping and lineage edges.
func (s *Service) Simulate(ctx context.Context, req *domain.RebalanceRequest, hdr Headers) (*Outcome, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty body", ErrValidation)
	}
	res := s.resolver.Resolve(hdr.PolicyPackID, hdr.TenantID)
	req.Options = policy.Apply(res.Pack, req.Options)
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	hash, err := canonical.Hash(req)
	if err != nil {
		return nil, err
	}
	if out, err := s.replayOrConflict(ctx, hdr, hash, res); out != nil || err != nil {
		return out, err
	}

	meta := s.meta(hdr, hash)
	started := time.Now()
	result := s.engine.Rebalance(req, meta)
	s.metrics.ObservePipeline("rebalance", string(result.Status), time.Since(started))

	if err := s.commitRun(ctx, result, req.Portfolio.PortfolioID, hdr); err != nil {
		return nil, err
	}
	return &Outcome{Result: result, Policy: res}, nil
}

// Propose runs the advisory pipeline. Commit semantics match Simulate.
func (s *Service) Propose(ctx context.Context, req *domain.ProposalRequest, hdr Headers) (*Outcome, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty body", ErrValidation)
	}
	res := s.resolver.Resolve(hdr.PolicyPackID, hdr.TenantID)
	req.Options = policy.Apply(res.Pack, req.Options)
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	hash, err := canonical.Hash(req)
	if err != nil {
		return nil, err
	}
	if out, err := s.replayOrConflict(ctx, hdr, hash, res); out != nil || err != nil {
		return out, err
	}

	meta := s.meta(hdr, hash)
	started := time.Now()
	result := s.advisory.Propose(req, meta)
	s.metrics.ObservePipeline("proposal", string(result.Status), time.Since(started))

	if err := s.commitRun(ctx, result, req.Portfolio.PortfolioID, hdr); err != nil {
		return nil, err
	}
	return &Outcome{Result: result, Policy: res}, nil
}

func (s *Service) meta(hdr Headers, requestHash string) engine.Meta {
	return engine.Meta{
		RunID:         "run_" + uuid.NewString(),
		CorrelationID: hdr.CorrelationID,
		RequestHash:   requestHash,
		Now:           s.now().UTC(),
	}
}

// replayOrConflict consults the idempotency guard. A non-nil outcome is a
// stored response; ErrConflict surfaces as-is for the 409 mapping.
func (s *Service) replayOrConflict(ctx context.Context, hdr Headers, hash string, res policy.Resolution) (*Outcome, error) {
	replayEnabled := policy.ReplayEnabled(res.Pack, s.cfg.ReplayEnabled)
	replay, err := s.guard.LookupWithReplay(ctx, hdr.IdempotencyKey, hash, replayEnabled)
	if err != nil {
		if errors.Is(err, idempotency.ErrConflict) {
			s.metrics.ObserveConflict()
		}
		return nil, err
	}
	if replay == nil {
		return nil, nil
	}
	var result domain.RebalanceResult
	if err := json.Unmarshal(replay.ResultJSON, &result); err != nil {
		return nil, fmt.Errorf("decode replayed result %s: %w", replay.RunID, err)
	}
	s.metrics.ObserveReplay()
	s.log.Info().
		Str("run_id", replay.RunID).
		Str("idempotency_key", hdr.IdempotencyKey).
		Msg("request answered from stored result")
	return &Outcome{Result: &result, Replayed: true, Policy: res}, nil
}

// commitRun persists the run record, its artifact, the idempotency mapping
// and the lineage edges. Run and idempotency writes are fatal; artifact and
// lineage failures degrade to warnings so a computed result is never lost.
func (s *Service) commitRun(ctx context.Context, result *domain.RebalanceResult, portfolioID string, hdr Headers) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", result.RunID, err)
	}
	rec := &support.RunRecord{
		RunID:          result.RunID,
		CorrelationID:  result.CorrelationID,
		RequestHash:    result.Lineage.RequestHash,
		IdempotencyKey: hdr.IdempotencyKey,
		PortfolioID:    portfolioID,
		Status:         result.Status,
		CreatedAt:      result.CreatedAt,
		ResultJSON:     payload,
	}
	if err := s.store.SaveRun(ctx, rec); err != nil {
		return fmt.Errorf("save run %s: %w", result.RunID, err)
	}

	if s.cfg.PersistArtifacts {
		if err := s.persistArtifact(ctx, result); err != nil {
			s.log.Warn().Err(err).Str("run_id", result.RunID).Msg("artifact persistence failed")
		}
	}
	if err := s.guard.Record(ctx, hdr.IdempotencyKey, result.Lineage.RequestHash, result.RunID, payload); err != nil {
		return err
	}

	edges := []*support.LineageEdge{
		{SourceEntityID: result.CorrelationID, EdgeType: support.EdgeCorrelationToRun, TargetEntityID: result.RunID},
	}
	if hdr.IdempotencyKey != "" {
		edges = append(edges, &support.LineageEdge{
			SourceEntityID: hdr.IdempotencyKey,
			EdgeType:       support.EdgeIdempotencyToRun,
			TargetEntityID: result.RunID,
		})
	}
	for _, e := range edges {
		if err := s.store.AppendLineageEdge(ctx, e); err != nil {
			s.log.Warn().Err(err).Str("run_id", result.RunID).Msg("lineage append failed")
		}
	}
	return nil
}

func (s *Service) persistArtifact(ctx context.Context, result *domain.RebalanceResult) error {
	art, err := advisory.BuildArtifact(result)
	if err != nil {
		return err
	}
	artJSON, err := json.Marshal(art)
	if err != nil {
		return err
	}
	return s.store.SaveRunArtifact(ctx, &support.ArtifactRecord{
		RunID:        art.RunID,
		ArtifactHash: art.EvidenceBundle.Hashes.ArtifactHash,
		ArtifactJSON: artJSON,
		Mode:         support.ArtifactPersisted,
		CreatedAt:    art.CreatedAt,
	})
}

// Artifact returns the packaged artifact for a run. Persisted bytes win;
// otherwise the artifact is derived from the stored run payload, which yields
// the same artifact hash by construction.
func (s *Service) Artifact(ctx context.Context, runID string) (*advisory.Artifact, error) {
	rec, err := s.store.GetRunArtifact(ctx, runID)
	if err == nil {
		var art advisory.Artifact
		if err := json.Unmarshal(rec.ArtifactJSON, &art); err != nil {
			return nil, fmt.Errorf("decode artifact %s: %w", runID, err)
		}
		return &art, nil
	}
	if !errors.Is(err, support.ErrNotFound) {
		return nil, err
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var result domain.RebalanceResult
	if err := json.Unmarshal(run.ResultJSON, &result); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return advisory.BuildArtifact(&result)
}

// BuildArtifactFromResult packages an ad-hoc result without persisting it.
// Backs the proposals artifact endpoint.
func (s *Service) BuildArtifactFromResult(result *domain.ProposalResult) (*advisory.Artifact, error) {
	if result == nil || result.RunID == "" {
		return nil, fmt.Errorf("%w: result with run_id is required", ErrValidation)
	}
	return advisory.BuildArtifact(result)
}

// EffectivePolicy reports which pack the given headers would resolve to.
func (s *Service) EffectivePolicy(hdr Headers) policy.Resolution {
	return s.resolver.Resolve(hdr.PolicyPackID, hdr.TenantID)
}

// PolicyCatalog lists the configured packs.
func (s *Service) PolicyCatalog() []*policy.Pack {
	return s.resolver.Catalog().List()
}

// PurgeExpiredRuns applies the retention window. No-op when retention is
// unbounded.
func (s *Service) PurgeExpiredRuns(ctx context.Context) (*support.PurgeResult, error) {
	if s.cfg.RetentionDays <= 0 {
		return &support.PurgeResult{}, nil
	}
	res, err := s.store.PurgeExpiredRuns(ctx, s.cfg.RetentionDays)
	if err != nil {
		return nil, err
	}
	if res.Runs > 0 {
		s.log.Info().Int("runs", res.Runs).Int("retention_days", s.cfg.RetentionDays).Msg("purged expired runs")
	}
	return res, nil
}
