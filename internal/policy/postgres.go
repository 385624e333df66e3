package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/aristath/dpm/internal/support"
)

var catalogMigrations = []support.Migration{
	{
		Version: 1,
		Name:    "policy pack catalog",
		SQL: `
CREATE TABLE IF NOT EXISTS dpm_policy_packs (
    pack_id    TEXT PRIMARY KEY,
    pack_json  JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`,
	},
}

// LoadPostgresCatalog reads the pack catalog from PostgreSQL into a static
// in-memory catalog. Packs are resolved per request from this snapshot;
// catalog changes take effect on restart.
func LoadPostgresCatalog(dsn string, log zerolog.Logger) (*StaticCatalog, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect policy pack postgres: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := support.RunPostgresMigrations(ctx, db.DB, "policy", catalogMigrations, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}

	var rows []struct {
		PackID   string `db:"pack_id"`
		PackJSON string `db:"pack_json"`
	}
	err = db.SelectContext(ctx, &rows,
		"SELECT pack_id, pack_json::text AS pack_json FROM dpm_policy_packs ORDER BY pack_id")
	if err != nil {
		return nil, fmt.Errorf("load policy packs: %w", err)
	}

	packs := make([]*Pack, 0, len(rows))
	for _, r := range rows {
		var p Pack
		if err := json.Unmarshal([]byte(r.PackJSON), &p); err != nil {
			return nil, fmt.Errorf("parse policy pack %s: %w", r.PackID, err)
		}
		if p.PackID == "" {
			p.PackID = r.PackID
		}
		packs = append(packs, &p)
	}
	log.Info().Int("packs", len(packs)).Msg("policy pack catalog loaded from postgres")
	return NewStaticCatalog(packs), nil
}
