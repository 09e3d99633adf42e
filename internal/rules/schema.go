package rules

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema for the rule catalog. The partial unique index enforces at most one
// default per (provider, api_type, rule_list_type, market_type) at the
// database level, backing up the transactional clearing.
const schema = `
CREATE TABLE IF NOT EXISTS mapping_rules (
	id                         TEXT PRIMARY KEY,
	name                       TEXT NOT NULL,
	provider                   TEXT NOT NULL,
	api_type                   TEXT NOT NULL,
	rule_list_type             TEXT NOT NULL,
	market_type                TEXT NOT NULL DEFAULT '*',
	is_active                  BOOLEAN NOT NULL DEFAULT TRUE,
	is_default                 BOOLEAN NOT NULL DEFAULT FALSE,
	overall_confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
	usage_count                BIGINT NOT NULL DEFAULT 0,
	successful_transformations BIGINT NOT NULL DEFAULT 0,
	failed_transformations     BIGINT NOT NULL DEFAULT 0,
	success_rate               DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_used_at               TIMESTAMPTZ,
	source_template_id         TEXT,
	field_mappings             JSONB NOT NULL DEFAULT '[]',
	created_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS mapping_rules_name_per_tuple
	ON mapping_rules (provider, api_type, rule_list_type, name);

CREATE UNIQUE INDEX IF NOT EXISTS mapping_rules_one_default_per_tuple
	ON mapping_rules (provider, api_type, rule_list_type, market_type)
	WHERE is_default;

CREATE INDEX IF NOT EXISTS mapping_rules_lookup
	ON mapping_rules (provider, api_type, rule_list_type, market_type, is_active);

CREATE TABLE IF NOT EXISTS data_source_templates (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	provider         TEXT NOT NULL,
	api_type         TEXT NOT NULL,
	sample_data      JSONB NOT NULL DEFAULT '{}',
	extracted_fields JSONB NOT NULL DEFAULT '[]',
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_default       BOOLEAN NOT NULL DEFAULT FALSE,
	is_preset        BOOLEAN NOT NULL DEFAULT FALSE,
	usage_count      BIGINT NOT NULL DEFAULT 0,
	last_used_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS data_source_templates_name
	ON data_source_templates (provider, api_type, name);
`

// EnsureSchema creates the catalog tables when missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure rule catalog schema: %w", err)
	}
	return nil
}
