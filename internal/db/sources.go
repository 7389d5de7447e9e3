package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/david/fundingfinder/internal/models"
)

const sourceCols = `id, name, integration_type, auto_url, max_notices, keywords_include, keywords_exclude,
	language, active, last_sync_at, last_status, last_error, last_success_at, last_ingested`

func sourceDest(fs *models.FundingSource) []any {
	return []any{
		&fs.ID, &fs.Name, &fs.IntegrationType, &fs.AutoURL, &fs.MaxNotices, &fs.KeywordsInclude,
		&fs.KeywordsExclude, &fs.Language, &fs.Active, &fs.LastSyncAt, &fs.LastStatus, &fs.LastError,
		&fs.LastSuccessAt, &fs.LastIngested,
	}
}

// SeedSources inserts registry sources that are not in the table yet.
// Existing rows keep their admin overrides.
func (s *Store) SeedSources(ctx context.Context, sources []models.FundingSource) error {
	for _, fs := range sources {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO funding_sources (id, name, integration_type, auto_url, max_notices,
				keywords_include, keywords_exclude, language, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
			fs.ID, fs.Name, string(fs.IntegrationType), fs.AutoURL, fs.MaxNotices,
			nonNil(fs.KeywordsInclude), nonNil(fs.KeywordsExclude), fs.Language, fs.Active); err != nil {
			return fmt.Errorf("seed source %s: %w", fs.ID, err)
		}
	}
	return nil
}

func (s *Store) ListSources(ctx context.Context) ([]models.FundingSource, error) {
	rows, err := s.db.Query(ctx, "SELECT "+sourceCols+" FROM funding_sources ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	out := []models.FundingSource{}
	for rows.Next() {
		var fs models.FundingSource
		if err := rows.Scan(sourceDest(&fs)...); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

func (s *Store) GetSource(ctx context.Context, id string) (*models.FundingSource, error) {
	var fs models.FundingSource
	err := s.db.QueryRow(ctx, "SELECT "+sourceCols+" FROM funding_sources WHERE id = $1", id).Scan(sourceDest(&fs)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return &fs, nil
}

// SourcePatch holds the admin-editable fields of a funding source. Nil
// fields are left untouched.
type SourcePatch struct {
	AutoURL         *string   `json:"auto_url"`
	MaxNotices      *int      `json:"max_notices"`
	KeywordsInclude *[]string `json:"keywords_include"`
	KeywordsExclude *[]string `json:"keywords_exclude"`
	Language        *string   `json:"language"`
	Active          *bool     `json:"active"`
}

// Empty reports whether the patch changes nothing.
func (p SourcePatch) Empty() bool {
	return p.AutoURL == nil && p.MaxNotices == nil && p.KeywordsInclude == nil &&
		p.KeywordsExclude == nil && p.Language == nil && p.Active == nil
}

func (s *Store) UpdateSource(ctx context.Context, id string, p SourcePatch) (*models.FundingSource, error) {
	var (
		sets []string
		args = []any{id}
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.AutoURL != nil {
		set("auto_url", strings.TrimSpace(*p.AutoURL))
	}
	if p.MaxNotices != nil {
		set("max_notices", *p.MaxNotices)
	}
	if p.KeywordsInclude != nil {
		set("keywords_include", nonNil(*p.KeywordsInclude))
	}
	if p.KeywordsExclude != nil {
		set("keywords_exclude", nonNil(*p.KeywordsExclude))
	}
	if p.Language != nil {
		set("language", *p.Language)
	}
	if p.Active != nil {
		set("active", *p.Active)
	}
	if len(sets) == 0 {
		return s.GetSource(ctx, id)
	}

	var fs models.FundingSource
	err := s.db.QueryRow(ctx, fmt.Sprintf("UPDATE funding_sources SET %s WHERE id = $1 RETURNING %s",
		strings.Join(sets, ", "), sourceCols), args...).Scan(sourceDest(&fs)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update source: %w", err)
	}
	return &fs, nil
}

// SetAllSourcesActive flips every source and returns how many rows changed.
func (s *Store) SetAllSourcesActive(ctx context.Context, active bool) (int64, error) {
	tag, err := s.db.Exec(ctx, "UPDATE funding_sources SET active = $1 WHERE active <> $1", active)
	if err != nil {
		return 0, fmt.Errorf("toggle sources: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordSourceSync stores the outcome of one sync on the source row.
func (s *Store) RecordSourceSync(ctx context.Context, id, status, errMsg string, ingested int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE funding_sources SET
			last_sync_at = NOW(),
			last_status = $2,
			last_error = $3,
			last_ingested = $4,
			last_success_at = CASE WHEN $2 = 'success' THEN NOW() ELSE last_success_at END
		WHERE id = $1`, id, status, errMsg, ingested)
	if err != nil {
		return fmt.Errorf("record source sync: %w", err)
	}
	return nil
}

func (s *Store) ListExclusionRules(ctx context.Context) ([]models.ExclusionRule, error) {
	return s.queryRules(ctx, "SELECT id, rule_type, value, active, created_at FROM exclusion_rules ORDER BY created_at")
}

// ActiveExclusionRules is what the eligibility engine builds its filter set from.
func (s *Store) ActiveExclusionRules(ctx context.Context) ([]models.ExclusionRule, error) {
	return s.queryRules(ctx, "SELECT id, rule_type, value, active, created_at FROM exclusion_rules WHERE active ORDER BY created_at")
}

func (s *Store) queryRules(ctx context.Context, sql string) ([]models.ExclusionRule, error) {
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("list exclusion rules: %w", err)
	}
	defer rows.Close()

	out := []models.ExclusionRule{}
	for rows.Next() {
		var r models.ExclusionRule
		if err := rows.Scan(&r.ID, &r.RuleType, &r.Value, &r.Active, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exclusion rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateExclusionRule(ctx context.Context, ruleType, value string) (models.ExclusionRule, error) {
	r := models.ExclusionRule{RuleType: ruleType, Value: strings.TrimSpace(value), Active: true}
	err := s.db.QueryRow(ctx, `
		INSERT INTO exclusion_rules (rule_type, value) VALUES ($1, $2)
		RETURNING id, created_at`, r.RuleType, r.Value).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return models.ExclusionRule{}, fmt.Errorf("create exclusion rule: %w", err)
	}
	return r, nil
}

// DisableExclusionRule deactivates a rule; rules are never deleted.
func (s *Store) DisableExclusionRule(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, "UPDATE exclusion_rules SET active = false WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("disable exclusion rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
