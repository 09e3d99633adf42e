package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/quotegate/quotegate/internal/mapping"
)

// TemplateStore persists data-source templates. Templates only seed rule
// generation; they are never consulted on the hot path.
type TemplateStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTemplateStore creates a template store.
func NewTemplateStore(db *sqlx.DB, timeout time.Duration) *TemplateStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TemplateStore{db: db, timeout: timeout}
}

type templateRow struct {
	ID              string       `db:"id"`
	Name            string       `db:"name"`
	Provider        string       `db:"provider"`
	APIType         string       `db:"api_type"`
	SampleData      []byte       `db:"sample_data"`
	ExtractedFields []byte       `db:"extracted_fields"`
	Confidence      float64      `db:"confidence"`
	IsDefault       bool         `db:"is_default"`
	IsPreset        bool         `db:"is_preset"`
	UsageCount      int64        `db:"usage_count"`
	LastUsedAt      sql.NullTime `db:"last_used_at"`
}

// List returns all templates for a provider, or all when provider is empty.
func (ts *TemplateStore) List(ctx context.Context, provider string) ([]*mapping.DataSourceTemplate, error) {
	ctx, cancel := context.WithTimeout(ctx, ts.timeout)
	defer cancel()

	query := `SELECT id, name, provider, api_type, sample_data, extracted_fields,
			confidence, is_default, is_preset, usage_count, last_used_at
		FROM data_source_templates`
	args := []interface{}{}
	if provider != "" {
		query += ` WHERE provider = $1`
		args = append(args, provider)
	}
	query += ` ORDER BY provider, api_type, name`

	var rows []templateRow
	if err := ts.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	out := make([]*mapping.DataSourceTemplate, 0, len(rows))
	for _, row := range rows {
		t := &mapping.DataSourceTemplate{
			ID:         row.ID,
			Name:       row.Name,
			Provider:   row.Provider,
			APIType:    mapping.APIType(row.APIType),
			Confidence: row.Confidence,
			IsDefault:  row.IsDefault,
			IsPreset:   row.IsPreset,
			UsageCount: row.UsageCount,
		}
		if row.LastUsedAt.Valid {
			lu := row.LastUsedAt.Time
			t.LastUsedAt = &lu
		}
		if len(row.SampleData) > 0 {
			if err := json.Unmarshal(row.SampleData, &t.SampleData); err != nil {
				return nil, fmt.Errorf("failed to decode sample data for template %s: %w", row.ID, err)
			}
		}
		if len(row.ExtractedFields) > 0 {
			if err := json.Unmarshal(row.ExtractedFields, &t.ExtractedFields); err != nil {
				return nil, fmt.Errorf("failed to decode extracted fields for template %s: %w", row.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// ResetPresets restores the built-in preset templates to their shipped state,
// replacing any preset rows. Non-preset templates are untouched. Idempotent.
func (ts *TemplateStore) ResetPresets(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ts.timeout)
	defer cancel()

	tx, err := ts.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM data_source_templates WHERE is_preset = TRUE`); err != nil {
		return fmt.Errorf("failed to clear preset templates: %w", err)
	}

	for _, preset := range presetTemplates() {
		sample, err := json.Marshal(preset.SampleData)
		if err != nil {
			return fmt.Errorf("failed to encode preset sample: %w", err)
		}
		fields, err := json.Marshal(preset.ExtractedFields)
		if err != nil {
			return fmt.Errorf("failed to encode preset fields: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO data_source_templates
				(id, name, provider, api_type, sample_data, extracted_fields,
				 confidence, is_default, is_preset)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)`,
			preset.ID, preset.Name, preset.Provider, string(preset.APIType),
			sample, fields, preset.Confidence, preset.IsDefault)
		if err != nil {
			return fmt.Errorf("failed to insert preset template %s: %w", preset.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().Int("presets", len(presetTemplates())).Msg("Preset templates restored")
	return nil
}

// GenerateRule seeds a rule from a template: one passthrough mapping per
// extracted field, carrying the template's confidence. Callers normally edit
// the result before activating it.
func GenerateRule(t *mapping.DataSourceTemplate, listType mapping.RuleListType, marketType string) *mapping.Rule {
	mappings := make([]mapping.FieldMapping, 0, len(t.ExtractedFields))
	for _, field := range t.ExtractedFields {
		mappings = append(mappings, mapping.FieldMapping{
			SourceFieldPath: field,
			TargetField:     field,
			Confidence:      t.Confidence,
			IsActive:        true,
		})
	}
	rule := &mapping.Rule{
		Name:             t.Name + "-generated",
		Provider:         t.Provider,
		APIType:          t.APIType,
		RuleListType:     listType,
		MarketType:       marketType,
		IsActive:         false,
		SourceTemplateID: t.ID,
		FieldMappings:    mappings,
	}
	rule.RecomputeConfidence()
	return rule
}

// presetTemplates are the shipped seeds for common providers.
func presetTemplates() []*mapping.DataSourceTemplate {
	return []*mapping.DataSourceTemplate{
		{
			ID:       "preset-longport-rest-quote",
			Name:     "longport-rest-quote",
			Provider: "longport",
			APIType:  mapping.APITypeRest,
			SampleData: map[string]interface{}{
				"symbol":        "700.HK",
				"last_done":     "561.000",
				"open":          "558.000",
				"high":          "563.500",
				"low":           "556.500",
				"volume":        8034391,
				"turnover":      "4495107880.00",
				"change_rate":   0.0054,
				"prev_close":    "558.000",
				"trade_status":  "NORMAL",
			},
			ExtractedFields: []string{
				"symbol", "last_done", "open", "high", "low",
				"volume", "turnover", "change_rate", "prev_close",
			},
			Confidence: 0.9,
			IsDefault:  true,
		},
		{
			ID:       "preset-longport-stream-quote",
			Name:     "longport-stream-quote",
			Provider: "longport",
			APIType:  mapping.APITypeStream,
			SampleData: map[string]interface{}{
				"symbol":    "AAPL.US",
				"last_done": "228.330",
				"volume":    44123991,
				"timestamp": 1714060800,
			},
			ExtractedFields: []string{"symbol", "last_done", "volume", "timestamp"},
			Confidence:      0.85,
			IsDefault:       true,
		},
	}
}
