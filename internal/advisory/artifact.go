package advisory

import (
	"time"

	"github.com/aristath/dpm/internal/canonical"
	"github.com/aristath/dpm/internal/domain"
)

// EvidenceHashes pins the artifact to its inputs.
type EvidenceHashes struct {
	RequestHash  string `json:"request_hash"`
	ArtifactHash string `json:"artifact_hash,omitempty"`
}

// EvidenceBundle is the audit trail attached to an artifact.
type EvidenceBundle struct {
	Hashes        EvidenceHashes     `json:"hashes"`
	EngineVersion string             `json:"engine_version"`
	RuleResults   []domain.RuleResult `json:"rule_results"`
	Warnings      []string           `json:"warnings,omitempty"`
}

// Artifact is the packaged, hashable record of one run. The artifact hash is
// computed over the canonical form with the volatile fields excluded
// (created_at and the artifact hash itself).
type Artifact struct {
	RunID          string                `json:"run_id"`
	Status         domain.RunStatus      `json:"status"`
	Result         *domain.RebalanceResult `json:"result"`
	GateDecision   *domain.GateDecision  `json:"gate_decision,omitempty"`
	EvidenceBundle EvidenceBundle        `json:"evidence_bundle"`
	CreatedAt      time.Time             `json:"created_at"`
}

// artifactVolatilePaths are excluded from the artifact hash.
var artifactVolatilePaths = []string{"created_at", "evidence_bundle.hashes.artifact_hash"}

// BuildArtifact packages a result and stamps the artifact hash.
func BuildArtifact(result *domain.RebalanceResult) (*Artifact, error) {
	a := &Artifact{
		RunID:        result.RunID,
		Status:       result.Status,
		Result:       result,
		GateDecision: result.GateDecision,
		EvidenceBundle: EvidenceBundle{
			Hashes:        EvidenceHashes{RequestHash: result.Lineage.RequestHash},
			EngineVersion: result.Lineage.EngineVersion,
			RuleResults:   result.RuleResults,
			Warnings:      result.Diagnostics.Warnings,
		},
		CreatedAt: result.CreatedAt,
	}
	hash, err := canonical.HashExcluding(a, artifactVolatilePaths...)
	if err != nil {
		return nil, err
	}
	a.EvidenceBundle.Hashes.ArtifactHash = hash
	return a, nil
}

// ArtifactHash recomputes the hash of an artifact payload, excluding the
// volatile fields. Used to verify stored artifacts.
func ArtifactHash(a *Artifact) (string, error) {
	return canonical.HashExcluding(a, artifactVolatilePaths...)
}
