// Package config loads environment configuration for the decision service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/aristath/dpm/internal/domain"
)

// Persistence profiles.
const (
	ProfileLocal      = "LOCAL"
	ProfileProduction = "PRODUCTION"
)

// Store backends.
const (
	BackendInMemory = "IN_MEMORY"
	BackendSQLite   = "SQLITE"
	BackendPostgres = "POSTGRES"
)

// Production guardrail codes. Startup fails fast with these when the
// PRODUCTION profile is paired with non-persistent adapters or missing DSNs.
const (
	ErrProfileRequiresDPMPostgres       = "PERSISTENCE_PROFILE_REQUIRES_DPM_POSTGRES"
	ErrProfileRequiresDPMPostgresDSN    = "PERSISTENCE_PROFILE_REQUIRES_DPM_POSTGRES_DSN"
	ErrProfileRequiresAdvisoryPostgres  = "PERSISTENCE_PROFILE_REQUIRES_ADVISORY_POSTGRES"
	ErrProfileRequiresAdvisoryDSN       = "PERSISTENCE_PROFILE_REQUIRES_ADVISORY_POSTGRES_DSN"
	ErrProfileRequiresPolicyPostgres    = "PERSISTENCE_PROFILE_REQUIRES_POLICY_PACK_POSTGRES"
	ErrProfileRequiresPolicyPostgresDSN = "PERSISTENCE_PROFILE_REQUIRES_POLICY_PACK_POSTGRES_DSN"
)

// SupportStoreConfig selects and tunes the supportability store backend.
type SupportStoreConfig struct {
	Backend       string
	PostgresDSN   string
	SQLitePath    string
	RetentionDays int
}

// IdempotencyConfig tunes the replay guard.
type IdempotencyConfig struct {
	ReplayEnabled bool
	CacheMaxSize  int
}

// AsyncConfig tunes the async operation manager.
type AsyncConfig struct {
	Enabled                bool
	TTLSeconds             int
	ExecutionMode          string
	ManualExecutionEnabled bool
	SweepSchedule          string
}

// SupportAPIConfig gates the supportability read surfaces.
type SupportAPIConfig struct {
	Enabled            bool
	SummaryEnabled     bool
	LineageEnabled     bool
	IdemHistoryEnabled bool
}

// WorkflowConfig gates reviewer decisions.
type WorkflowConfig struct {
	Enabled                   bool
	RequiresReviewForStatuses []domain.RunStatus
}

// PolicyConfig configures policy pack resolution.
type PolicyConfig struct {
	Enabled                 bool
	DefaultPackID           string
	CatalogBackend          string
	CatalogJSON             string
	CatalogPostgresDSN      string
	TenantResolutionEnabled bool
	TenantPackMapJSON       string
}

// ProposalConfig configures the proposal lifecycle store and toggles.
type ProposalConfig struct {
	Backend              string
	PostgresDSN          string
	LifecycleEnabled     bool
	StoreEvidenceBundle  bool
	RequireExpectedState bool
	AllowPortfolioChange bool
	RequireSimulation    bool
	PersistArtifacts     bool
}

// Config holds the full application configuration.
type Config struct {
	Port               int
	LogLevel           string
	PersistenceProfile string

	SupportStore SupportStoreConfig
	Idempotency  IdempotencyConfig
	Async        AsyncConfig
	SupportAPIs  SupportAPIConfig
	Workflow     WorkflowConfig
	Policy       PolicyConfig
	Proposal     ProposalConfig
}

// Load reads configuration from the environment. A .env file is honored when
// present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnvAsInt("PORT", 8080),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		PersistenceProfile: strings.ToUpper(getEnv("APP_PERSISTENCE_PROFILE", ProfileLocal)),
		SupportStore: SupportStoreConfig{
			Backend:       strings.ToUpper(getEnv("DPM_SUPPORTABILITY_STORE_BACKEND", BackendInMemory)),
			PostgresDSN:   getEnv("DPM_SUPPORTABILITY_POSTGRES_DSN", ""),
			SQLitePath:    getEnv("DPM_SUPPORTABILITY_SQLITE_PATH", "data/supportability.db"),
			RetentionDays: getEnvAsInt("DPM_SUPPORTABILITY_RETENTION_DAYS", 0),
		},
		Idempotency: IdempotencyConfig{
			ReplayEnabled: getEnvAsBool("DPM_IDEMPOTENCY_REPLAY_ENABLED", true),
			CacheMaxSize:  getEnvAsInt("DPM_IDEMPOTENCY_CACHE_MAX_SIZE", 1000),
		},
		Async: AsyncConfig{
			Enabled:                getEnvAsBool("DPM_ASYNC_OPERATIONS_ENABLED", true),
			TTLSeconds:             getEnvAsInt("DPM_ASYNC_OPERATIONS_TTL_SECONDS", 86400),
			ExecutionMode:          strings.ToUpper(getEnv("DPM_ASYNC_EXECUTION_MODE", "INLINE")),
			ManualExecutionEnabled: getEnvAsBool("DPM_ASYNC_MANUAL_EXECUTION_ENABLED", true),
			SweepSchedule:          getEnv("DPM_ASYNC_SWEEP_SCHEDULE", "@every 1h"),
		},
		SupportAPIs: SupportAPIConfig{
			Enabled:            getEnvAsBool("DPM_SUPPORT_APIS_ENABLED", true),
			SummaryEnabled:     getEnvAsBool("DPM_SUPPORTABILITY_SUMMARY_APIS_ENABLED", true),
			LineageEnabled:     getEnvAsBool("DPM_LINEAGE_APIS_ENABLED", true),
			IdemHistoryEnabled: getEnvAsBool("DPM_IDEMPOTENCY_HISTORY_APIS_ENABLED", true),
		},
		Workflow: WorkflowConfig{
			Enabled:                   getEnvAsBool("DPM_WORKFLOW_ENABLED", false),
			RequiresReviewForStatuses: parseStatuses(getEnv("DPM_WORKFLOW_REQUIRES_REVIEW_FOR_STATUSES", "PENDING_REVIEW")),
		},
		Policy: PolicyConfig{
			Enabled:                 getEnvAsBool("DPM_POLICY_PACKS_ENABLED", false),
			DefaultPackID:           getEnv("DPM_DEFAULT_POLICY_PACK_ID", ""),
			CatalogBackend:          strings.ToUpper(getEnv("DPM_POLICY_PACK_CATALOG_BACKEND", BackendInMemory)),
			CatalogJSON:             getEnv("DPM_POLICY_PACK_CATALOG_JSON", ""),
			CatalogPostgresDSN:      getEnv("DPM_POLICY_PACK_POSTGRES_DSN", ""),
			TenantResolutionEnabled: getEnvAsBool("DPM_TENANT_POLICY_PACK_RESOLUTION_ENABLED", false),
			TenantPackMapJSON:       getEnv("DPM_TENANT_POLICY_PACK_MAP_JSON", ""),
		},
		Proposal: ProposalConfig{
			Backend:              strings.ToUpper(getEnv("PROPOSAL_STORE_BACKEND", BackendInMemory)),
			PostgresDSN:          getEnv("PROPOSAL_POSTGRES_DSN", ""),
			LifecycleEnabled:     getEnvAsBool("PROPOSAL_WORKFLOW_LIFECYCLE_ENABLED", true),
			StoreEvidenceBundle:  getEnvAsBool("PROPOSAL_STORE_EVIDENCE_BUNDLE", true),
			RequireExpectedState: getEnvAsBool("PROPOSAL_REQUIRE_EXPECTED_STATE", false),
			AllowPortfolioChange: getEnvAsBool("PROPOSAL_ALLOW_PORTFOLIO_CHANGE_ON_NEW_VERSION", false),
			RequireSimulation:    getEnvAsBool("PROPOSAL_REQUIRE_SIMULATION_FLAG", true),
			PersistArtifacts:     getEnvAsBool("PROPOSAL_PERSIST_ARTIFACTS", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies cross-field checks, including the PRODUCTION profile
// guardrails.
func (c *Config) Validate() error {
	switch c.PersistenceProfile {
	case ProfileLocal, ProfileProduction:
	default:
		return fmt.Errorf("unknown APP_PERSISTENCE_PROFILE %q", c.PersistenceProfile)
	}
	switch c.SupportStore.Backend {
	case BackendInMemory, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("unknown DPM_SUPPORTABILITY_STORE_BACKEND %q", c.SupportStore.Backend)
	}
	switch c.Proposal.Backend {
	case BackendInMemory, BackendPostgres:
	default:
		return fmt.Errorf("unknown PROPOSAL_STORE_BACKEND %q", c.Proposal.Backend)
	}

	if c.PersistenceProfile != ProfileProduction {
		return nil
	}
	if c.SupportStore.Backend != BackendPostgres {
		return fmt.Errorf("%s: got %s", ErrProfileRequiresDPMPostgres, c.SupportStore.Backend)
	}
	if c.SupportStore.PostgresDSN == "" {
		return fmt.Errorf("%s", ErrProfileRequiresDPMPostgresDSN)
	}
	if c.Proposal.Backend != BackendPostgres {
		return fmt.Errorf("%s: got %s", ErrProfileRequiresAdvisoryPostgres, c.Proposal.Backend)
	}
	if c.Proposal.PostgresDSN == "" {
		return fmt.Errorf("%s", ErrProfileRequiresAdvisoryDSN)
	}
	if c.Policy.Enabled {
		if c.Policy.CatalogBackend != BackendPostgres {
			return fmt.Errorf("%s: got %s", ErrProfileRequiresPolicyPostgres, c.Policy.CatalogBackend)
		}
		if c.Policy.CatalogPostgresDSN == "" {
			return fmt.Errorf("%s", ErrProfileRequiresPolicyPostgresDSN)
		}
	}
	return nil
}

// parseStatuses splits the CSV review-status list, dropping unknown values.
func parseStatuses(csv string) []domain.RunStatus {
	var out []domain.RunStatus
	for _, part := range strings.Split(csv, ",") {
		switch s := domain.RunStatus(strings.ToUpper(strings.TrimSpace(part))); s {
		case domain.StatusReady, domain.StatusPendingReview, domain.StatusBlocked:
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = []domain.RunStatus{domain.StatusPendingReview}
	}
	return out
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
