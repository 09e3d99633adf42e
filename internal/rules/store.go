// Package rules provides the durable mapping-rule catalog and its Redis cache
// namespaces, plus the manager that keeps the two coordinated.
package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quotegate/quotegate/internal/mapping"
)

var (
	// ErrDuplicateRule indicates a second rule with the same
	// (provider, apiType, ruleListType, name).
	ErrDuplicateRule = errors.New("duplicate rule name for tuple")

	// ErrInvariantViolation indicates observed catalog state that should be
	// impossible, e.g. two defaults for one tuple.
	ErrInvariantViolation = errors.New("rule catalog invariant violated")
)

const pqUniqueViolation = "23505"

// ListFilter narrows List queries. Nil pointer fields are not filtered on.
type ListFilter struct {
	Provider     string
	APIType      mapping.APIType
	RuleListType mapping.RuleListType
	MarketType   string
	IsActive     *bool
	IsDefault    *bool
}

// Store is the Postgres-backed rule catalog.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStore creates a rule store. The timeout bounds every query.
func NewStore(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// ruleRow is the flat row shape; field mappings live in a JSONB column.
type ruleRow struct {
	ID                        string         `db:"id"`
	Name                      string         `db:"name"`
	Provider                  string         `db:"provider"`
	APIType                   string         `db:"api_type"`
	RuleListType              string         `db:"rule_list_type"`
	MarketType                string         `db:"market_type"`
	IsActive                  bool           `db:"is_active"`
	IsDefault                 bool           `db:"is_default"`
	OverallConfidence         float64        `db:"overall_confidence"`
	UsageCount                int64          `db:"usage_count"`
	SuccessfulTransformations int64          `db:"successful_transformations"`
	FailedTransformations     int64          `db:"failed_transformations"`
	SuccessRate               float64        `db:"success_rate"`
	LastUsedAt                sql.NullTime   `db:"last_used_at"`
	SourceTemplateID          sql.NullString `db:"source_template_id"`
	FieldMappings             []byte         `db:"field_mappings"`
	CreatedAt                 time.Time      `db:"created_at"`
	UpdatedAt                 time.Time      `db:"updated_at"`
}

const ruleColumns = `id, name, provider, api_type, rule_list_type, market_type,
	is_active, is_default, overall_confidence, usage_count,
	successful_transformations, failed_transformations, success_rate,
	last_used_at, source_template_id, field_mappings, created_at, updated_at`

func (row *ruleRow) toRule() (*mapping.Rule, error) {
	r := &mapping.Rule{
		ID:                        row.ID,
		Name:                      row.Name,
		Provider:                  row.Provider,
		APIType:                   mapping.APIType(row.APIType),
		RuleListType:              mapping.RuleListType(row.RuleListType),
		MarketType:                row.MarketType,
		IsActive:                  row.IsActive,
		IsDefault:                 row.IsDefault,
		OverallConfidence:         row.OverallConfidence,
		UsageCount:                row.UsageCount,
		SuccessfulTransformations: row.SuccessfulTransformations,
		FailedTransformations:     row.FailedTransformations,
		SuccessRate:               row.SuccessRate,
		CreatedAt:                 row.CreatedAt,
		UpdatedAt:                 row.UpdatedAt,
	}
	if row.LastUsedAt.Valid {
		t := row.LastUsedAt.Time
		r.LastUsedAt = &t
	}
	if row.SourceTemplateID.Valid {
		r.SourceTemplateID = row.SourceTemplateID.String
	}
	if len(row.FieldMappings) > 0 {
		if err := json.Unmarshal(row.FieldMappings, &r.FieldMappings); err != nil {
			return nil, fmt.Errorf("failed to decode field mappings for rule %s: %w", row.ID, err)
		}
	}
	return r, nil
}

// FindByID returns the rule or nil when absent.
func (s *Store) FindByID(ctx context.Context, id string) (*mapping.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row ruleRow
	query := `SELECT ` + ruleColumns + ` FROM mapping_rules WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query rule %s: %w", id, err)
	}
	return row.toRule()
}

// FindBestMatching returns the deterministic winner for a request tuple:
// active rules of the tuple whose market is the requested one or '*',
// preferring defaults, then confidence, success rate, usage and recency.
// Returns nil when no candidate exists.
func (s *Store) FindBestMatching(ctx context.Context, provider string, apiType mapping.APIType, listType mapping.RuleListType, marketType string) (*mapping.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if marketType == "" {
		marketType = "*"
	}
	var row ruleRow
	query := `SELECT ` + ruleColumns + `
		FROM mapping_rules
		WHERE is_active = TRUE
		  AND provider = $1 AND api_type = $2 AND rule_list_type = $3
		  AND market_type IN ($4, '*')
		ORDER BY is_default DESC, overall_confidence DESC, success_rate DESC,
		         usage_count DESC, last_used_at DESC NULLS LAST
		LIMIT 1`
	if err := s.db.GetContext(ctx, &row, query, provider, string(apiType), string(listType), marketType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query best rule for %s/%s/%s/%s: %w", provider, apiType, listType, marketType, err)
	}
	return row.toRule()
}

// List returns one page of rules plus the unpaged total.
func (s *Store) List(ctx context.Context, filter ListFilter, page, limit int) ([]*mapping.Rule, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	where := "WHERE 1=1"
	args := []interface{}{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if filter.Provider != "" {
		add("provider", filter.Provider)
	}
	if filter.APIType != "" {
		add("api_type", string(filter.APIType))
	}
	if filter.RuleListType != "" {
		add("rule_list_type", string(filter.RuleListType))
	}
	if filter.MarketType != "" {
		add("market_type", filter.MarketType)
	}
	if filter.IsActive != nil {
		add("is_active", *filter.IsActive)
	}
	if filter.IsDefault != nil {
		add("is_default", *filter.IsDefault)
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM mapping_rules "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`SELECT %s FROM mapping_rules %s
		ORDER BY provider, api_type, rule_list_type, name
		LIMIT $%d OFFSET $%d`, ruleColumns, where, len(args)-1, len(args))

	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}

	rules := make([]*mapping.Rule, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRule()
		if err != nil {
			return nil, 0, err
		}
		rules = append(rules, r)
	}
	return rules, total, nil
}

// Create validates and inserts a rule. OverallConfidence is recomputed here;
// the write path is the single site that computes it. Creating a second
// default for the tuple atomically clears the previous one.
func (s *Store) Create(ctx context.Context, rule *mapping.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.RecomputeConfidence()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	mappingsJSON, err := json.Marshal(rule.FieldMappings)
	if err != nil {
		return fmt.Errorf("failed to encode field mappings: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if rule.IsDefault {
		if err := clearDefaults(ctx, tx, rule, ""); err != nil {
			return err
		}
	}

	query := `INSERT INTO mapping_rules
		(id, name, provider, api_type, rule_list_type, market_type,
		 is_active, is_default, overall_confidence, source_template_id, field_mappings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
		RETURNING created_at, updated_at`
	err = tx.QueryRowxContext(ctx, query,
		rule.ID, rule.Name, rule.Provider, string(rule.APIType), string(rule.RuleListType),
		rule.MarketType, rule.IsActive, rule.IsDefault, rule.OverallConfidence,
		rule.SourceTemplateID, mappingsJSON).
		Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return fmt.Errorf("%w: %s/%s/%s name %q", ErrDuplicateRule,
				rule.Provider, rule.APIType, rule.RuleListType, rule.Name)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return tx.Commit()
}

// Update replaces the mutable fields of a rule and recomputes confidence.
// Setting the default flag clears it on the rest of the tuple in the same tx.
func (s *Store) Update(ctx context.Context, rule *mapping.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.RecomputeConfidence()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	mappingsJSON, err := json.Marshal(rule.FieldMappings)
	if err != nil {
		return fmt.Errorf("failed to encode field mappings: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if rule.IsDefault {
		if err := clearDefaults(ctx, tx, rule, rule.ID); err != nil {
			return err
		}
	}

	query := `UPDATE mapping_rules SET
			name = $2, market_type = $3, is_active = $4, is_default = $5,
			overall_confidence = $6, field_mappings = $7, updated_at = NOW()
		WHERE id = $1`
	res, err := tx.ExecContext(ctx, query,
		rule.ID, rule.Name, rule.MarketType, rule.IsActive, rule.IsDefault,
		rule.OverallConfidence, mappingsJSON)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return fmt.Errorf("%w: %s/%s/%s name %q", ErrDuplicateRule,
				rule.Provider, rule.APIType, rule.RuleListType, rule.Name)
		}
		return fmt.Errorf("failed to update rule %s: %w", rule.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s not found", rule.ID)
	}

	return tx.Commit()
}

// SetActive toggles a rule without touching the rest of it.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE mapping_rules SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set active on rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s not found", id)
	}
	return nil
}

// SetDefault marks a rule as the tuple default, atomically clearing the flag
// on every sibling of the same (provider, apiType, ruleListType, marketType).
func (s *Store) SetDefault(ctx context.Context, id string) (*mapping.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var row ruleRow
	if err := tx.GetContext(ctx, &row,
		`SELECT `+ruleColumns+` FROM mapping_rules WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("rule %s not found", id)
		}
		return nil, fmt.Errorf("failed to lock rule %s: %w", id, err)
	}
	rule, err := row.toRule()
	if err != nil {
		return nil, err
	}

	if err := clearDefaults(ctx, tx, rule, id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE mapping_rules SET is_default = TRUE, updated_at = NOW() WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("failed to set default on rule %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	rule.IsDefault = true
	return rule, nil
}

// Delete removes a rule permanently.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM mapping_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s not found", id)
	}
	return nil
}

// RecordApplication bumps the usage counters and success rate of a rule in a
// single atomic statement, so concurrent traffic never loses updates to a
// read-modify-write race.
func (s *Store) RecordApplication(ctx context.Context, id string, success bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `UPDATE mapping_rules SET
			usage_count = usage_count + 1,
			successful_transformations = successful_transformations + CASE WHEN $2 THEN 1 ELSE 0 END,
			failed_transformations = failed_transformations + CASE WHEN $2 THEN 0 ELSE 1 END,
			success_rate = (successful_transformations + CASE WHEN $2 THEN 1 ELSE 0 END)::double precision
				/ (successful_transformations + failed_transformations + 1),
			last_used_at = NOW(),
			updated_at = NOW()
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, success); err != nil {
		return fmt.Errorf("failed to record application for rule %s: %w", id, err)
	}
	return nil
}

// CountDefaults reports how many defaults exist for a tuple. Used by the
// health surface to detect invariant violations.
func (s *Store) CountDefaults(ctx context.Context, provider string, apiType mapping.APIType, listType mapping.RuleListType, marketType string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM mapping_rules
		 WHERE provider = $1 AND api_type = $2 AND rule_list_type = $3
		   AND market_type = $4 AND is_default = TRUE`,
		provider, string(apiType), string(listType), marketType)
	if err != nil {
		return 0, fmt.Errorf("failed to count defaults: %w", err)
	}
	return n, nil
}

func clearDefaults(ctx context.Context, tx *sqlx.Tx, rule *mapping.Rule, excludeID string) error {
	query := `UPDATE mapping_rules SET is_default = FALSE, updated_at = NOW()
		WHERE provider = $1 AND api_type = $2 AND rule_list_type = $3
		  AND market_type = $4 AND is_default = TRUE AND id <> $5`
	if _, err := tx.ExecContext(ctx, query,
		rule.Provider, string(rule.APIType), string(rule.RuleListType), rule.MarketType, excludeID); err != nil {
		return fmt.Errorf("failed to clear sibling defaults: %w", err)
	}
	return nil
}
