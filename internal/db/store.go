package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/david/fundingfinder/internal/models"
)

// ErrNotFound is returned when a lookup by key matches no row.
var ErrNotFound = errors.New("not found")

// DBTX is the subset of pgxpool.Pool the store needs. pgxmock pools satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct {
	db DBTX
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// UpsertResult reports where a record landed. Updated is true for a first
// insert and for a content change, false when the hash was unchanged.
type UpsertResult struct {
	ID      uuid.UUID
	Version int
	Updated bool
}

const oppCols = `o.id, o.source, o.opportunity_id, o.title, o.agency, o.bureau, o.status, o.summary,
	o.eligibility_text, o.for_profit_eligible, o.small_business_eligible, o.keyword_score,
	o.eligible_for_deep_dive, o.posted_date, o.due_date, o.url, o.document_urls, o.version,
	o.version_hash, o.created_at, o.updated_at`

// latestAnalysisJoin picks the single most recent analysis per opportunity.
const latestAnalysisJoin = `LEFT JOIN LATERAL (
		SELECT a.id, a.feasibility, a.suitability, a.profitability, a.summary, a.constraints, a.model, a.created_at
		FROM analyses a
		WHERE a.opportunity_row_id = o.id
		ORDER BY a.created_at DESC
		LIMIT 1
	) la ON true`

const analysisCols = `la.id, la.feasibility, la.suitability, la.profitability, la.summary, la.constraints, la.model, la.created_at`

func oppDest(o *models.Opportunity) []any {
	return []any{
		&o.ID, &o.Source, &o.OpportunityID, &o.Title, &o.Agency, &o.Bureau, &o.Status, &o.Summary,
		&o.EligibilityText, &o.ForProfitEligible, &o.SmallBusinessEligible, &o.KeywordScore,
		&o.EligibleForDeepDive, &o.PostedDate, &o.DueDate, &o.URL, &o.DocumentURLs, &o.Version,
		&o.VersionHash, &o.CreatedAt, &o.UpdatedAt,
	}
}

// nullableAnalysis receives the LATERAL columns, which are all NULL when an
// opportunity has never been analysed.
type nullableAnalysis struct {
	ID            *uuid.UUID
	Feasibility   *int
	Suitability   *int
	Profitability *int
	Summary       []string
	Constraints   []string
	Model         *string
	CreatedAt     *time.Time
}

func (n *nullableAnalysis) dest() []any {
	return []any{&n.ID, &n.Feasibility, &n.Suitability, &n.Profitability, &n.Summary, &n.Constraints, &n.Model, &n.CreatedAt}
}

func (n *nullableAnalysis) analysis(oppID uuid.UUID) *models.Analysis {
	if n.ID == nil {
		return nil
	}
	a := &models.Analysis{
		ID:               *n.ID,
		OpportunityRowID: oppID,
		Summary:          n.Summary,
		Constraints:      n.Constraints,
	}
	if n.Feasibility != nil {
		a.Feasibility = *n.Feasibility
	}
	if n.Suitability != nil {
		a.Suitability = *n.Suitability
	}
	if n.Profitability != nil {
		a.Profitability = *n.Profitability
	}
	if n.Model != nil {
		a.Model = *n.Model
	}
	if n.CreatedAt != nil {
		a.CreatedAt = *n.CreatedAt
	}
	return a
}

// UpsertOpportunity applies the versioning contract inside one transaction:
// a new key is inserted at version 1, a changed VersionHash bumps the version
// and overwrites the mutable fields, and an unchanged hash only touches
// updated_at. Every new version appends a row to opportunity_versions.
func (s *Store) UpsertOpportunity(ctx context.Context, rec models.Opportunity) (UpsertResult, error) {
	if rec.Source == "" || rec.OpportunityID == "" {
		return UpsertResult{}, fmt.Errorf("upsert: source and opportunity id are required")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := upsertInTx(ctx, tx, rec)
	if err != nil {
		return UpsertResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

func upsertInTx(ctx context.Context, tx pgx.Tx, rec models.Opportunity) (UpsertResult, error) {
	var (
		id          uuid.UUID
		version     int
		currentHash string
	)
	err := tx.QueryRow(ctx, `
		SELECT id, version, version_hash FROM opportunities
		WHERE opportunity_id = $1 AND source = $2
		FOR UPDATE`, rec.OpportunityID, rec.Source).Scan(&id, &version, &currentHash)

	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx, `
			INSERT INTO opportunities (source, opportunity_id, title, agency, bureau, status, summary,
				eligibility_text, for_profit_eligible, small_business_eligible, keyword_score,
				eligible_for_deep_dive, posted_date, due_date, url, document_urls, version_hash, raw_payload, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1)
			ON CONFLICT (opportunity_id, source) DO NOTHING
			RETURNING id`, insertArgs(rec)...).Scan(&id)
		switch {
		case err == nil:
			if err := appendVersion(ctx, tx, id, 1, rec); err != nil {
				return UpsertResult{}, err
			}
			return UpsertResult{ID: id, Version: 1, Updated: true}, nil
		case errors.Is(err, pgx.ErrNoRows):
			// Lost an insert race; the row exists now, so lock it and compare.
			err = tx.QueryRow(ctx, `
				SELECT id, version, version_hash FROM opportunities
				WHERE opportunity_id = $1 AND source = $2
				FOR UPDATE`, rec.OpportunityID, rec.Source).Scan(&id, &version, &currentHash)
			if err != nil {
				return UpsertResult{}, fmt.Errorf("lock opportunity after conflict: %w", err)
			}
		default:
			return UpsertResult{}, fmt.Errorf("insert opportunity: %w", err)
		}
	} else if err != nil {
		return UpsertResult{}, fmt.Errorf("lock opportunity: %w", err)
	}

	if currentHash == rec.VersionHash {
		if _, err := tx.Exec(ctx, `UPDATE opportunities SET updated_at = NOW() WHERE id = $1`, id); err != nil {
			return UpsertResult{}, fmt.Errorf("touch opportunity: %w", err)
		}
		return UpsertResult{ID: id, Version: version, Updated: false}, nil
	}

	next := version + 1
	args := append([]any{id, next}, mutableArgs(rec)...)
	if _, err := tx.Exec(ctx, `
		UPDATE opportunities SET version = $2,
			title = $3, agency = $4, bureau = $5, status = $6, summary = $7, eligibility_text = $8,
			for_profit_eligible = $9, small_business_eligible = $10, keyword_score = $11,
			eligible_for_deep_dive = $12, posted_date = $13, due_date = $14, url = $15,
			document_urls = $16, version_hash = $17, raw_payload = $18, updated_at = NOW()
		WHERE id = $1`, args...); err != nil {
		return UpsertResult{}, fmt.Errorf("update opportunity: %w", err)
	}
	if err := appendVersion(ctx, tx, id, next, rec); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{ID: id, Version: next, Updated: true}, nil
}

func mutableArgs(rec models.Opportunity) []any {
	docs := rec.DocumentURLs
	if docs == nil {
		docs = []string{}
	}
	return []any{
		rec.Title, rec.Agency, rec.Bureau, rec.Status, rec.Summary, rec.EligibilityText,
		rec.ForProfitEligible, rec.SmallBusinessEligible, rec.KeywordScore,
		rec.EligibleForDeepDive, rec.PostedDate, rec.DueDate, rec.URL,
		docs, rec.VersionHash, rec.RawPayload,
	}
}

func insertArgs(rec models.Opportunity) []any {
	return append([]any{rec.Source, rec.OpportunityID}, mutableArgs(rec)...)
}

func appendVersion(ctx context.Context, tx pgx.Tx, id uuid.UUID, version int, rec models.Opportunity) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO opportunity_versions (opportunity_row_id, version, version_hash, raw_payload)
		VALUES ($1, $2, $3, $4)`, id, version, rec.VersionHash, rec.RawPayload); err != nil {
		return fmt.Errorf("append version %d: %w", version, err)
	}
	return nil
}

// Search modes for ListOpportunities.
const (
	ModeSmart = "smart"
	ModeExact = "exact"
	ModeAny   = "any"
)

// ValidMode reports whether m is a known search mode ("" counts as smart).
func ValidMode(m string) bool {
	switch m {
	case "", ModeSmart, ModeExact, ModeAny:
		return true
	}
	return false
}

type ListParams struct {
	Query    string
	Source   string
	MinScore int // minimum feasibility of the latest analysis
	Mode     string
	Limit    int
	Offset   int
}

// buildListQuery renders the filtered listing. Exported through
// ListOpportunities only; split out so the SQL can be asserted in tests.
func buildListQuery(p ListParams) (string, []any) {
	var (
		where  []string
		args   []any
		rank   = "0::real"
		ranked bool
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	q := strings.TrimSpace(p.Query)
	if q != "" {
		switch p.Mode {
		case ModeExact:
			ph := arg("%" + escapeLike(q) + "%")
			where = append(where, fmt.Sprintf("(o.title ILIKE %[1]s OR o.summary ILIKE %[1]s OR o.agency ILIKE %[1]s OR o.eligibility_text ILIKE %[1]s)", ph))
		case ModeAny:
			var ors []string
			for _, tok := range strings.Fields(q) {
				ph := arg("%" + escapeLike(tok) + "%")
				ors = append(ors, fmt.Sprintf("o.title ILIKE %[1]s OR o.summary ILIKE %[1]s OR o.agency ILIKE %[1]s", ph))
			}
			where = append(where, "("+strings.Join(ors, " OR ")+")")
		default:
			ph := arg(q)
			where = append(where, fmt.Sprintf("o.search_vector @@ websearch_to_tsquery('english', %s)", ph))
			rank = fmt.Sprintf("ts_rank(o.search_vector, websearch_to_tsquery('english', %s))", ph)
			ranked = true
		}
	}
	if p.Source != "" {
		where = append(where, "o.source = "+arg(p.Source))
	}
	if p.MinScore > 0 {
		where = append(where, "la.feasibility >= "+arg(p.MinScore))
	}

	limit := p.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s, %s, %s AS rank\nFROM opportunities o\n%s\n", oppCols, analysisCols, rank, latestAnalysisJoin)
	if len(where) > 0 {
		b.WriteString("WHERE " + strings.Join(where, " AND ") + "\n")
	}
	if ranked {
		b.WriteString("ORDER BY rank DESC, COALESCE(la.feasibility, -1) DESC, o.keyword_score DESC, o.updated_at DESC\n")
	} else {
		b.WriteString("ORDER BY COALESCE(la.feasibility, -1) DESC, o.keyword_score DESC, o.updated_at DESC\n")
	}
	fmt.Fprintf(&b, "LIMIT %s OFFSET %s", arg(limit), arg(max(p.Offset, 0)))
	return b.String(), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ListOpportunities returns opportunities joined with their latest analysis.
func (s *Store) ListOpportunities(ctx context.Context, p ListParams) ([]models.ListedOpportunity, error) {
	if !ValidMode(p.Mode) {
		return nil, fmt.Errorf("unknown search mode %q", p.Mode)
	}
	sql, args := buildListQuery(p)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out := []models.ListedOpportunity{}
	for rows.Next() {
		var (
			lo models.ListedOpportunity
			na nullableAnalysis
		)
		dest := append(oppDest(&lo.Opportunity), na.dest()...)
		dest = append(dest, &lo.Rank)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		lo.LatestAnalysis = na.analysis(lo.ID)
		out = append(out, lo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return out, nil
}

// GetOpportunity returns one opportunity with its raw payload, latest
// analysis and documents.
func (s *Store) GetOpportunity(ctx context.Context, id uuid.UUID) (*models.OpportunityDetail, error) {
	var (
		d  models.OpportunityDetail
		na nullableAnalysis
	)
	dest := append(oppDest(&d.Opportunity), &d.RawPayload)
	dest = append(dest, na.dest()...)
	err := s.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s, o.raw_payload, %s
		FROM opportunities o
		%s
		WHERE o.id = $1`, oppCols, analysisCols, latestAnalysisJoin), id).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity: %w", err)
	}
	d.LatestAnalysis = na.analysis(d.ID)

	docs, err := s.ListDocuments(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Documents = docs
	return &d, nil
}

// FindOpportunity looks an opportunity up by its natural key.
func (s *Store) FindOpportunity(ctx context.Context, source, opportunityID string) (*models.Opportunity, error) {
	var o models.Opportunity
	err := s.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM opportunities o
		WHERE o.source = $1 AND o.opportunity_id = $2`, oppCols), source, opportunityID).Scan(oppDest(&o)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find opportunity: %w", err)
	}
	return &o, nil
}

// ListVersions returns the version log of one opportunity, oldest first.
func (s *Store) ListVersions(ctx context.Context, id uuid.UUID) ([]models.OpportunityVersion, error) {
	rows, err := s.db.Query(ctx, `
		SELECT opportunity_row_id, version, version_hash, raw_payload, created_at
		FROM opportunity_versions
		WHERE opportunity_row_id = $1
		ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []models.OpportunityVersion
	for rows.Next() {
		var v models.OpportunityVersion
		if err := rows.Scan(&v.OpportunityRowID, &v.Version, &v.VersionHash, &v.RawPayload, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// TopByFeasibility returns the n opportunities whose latest analysis scores
// highest, considering only analyses created at or after since.
func (s *Store) TopByFeasibility(ctx context.Context, n int, since time.Time) ([]models.ListedOpportunity, error) {
	if n <= 0 {
		n = 5
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT %s, %s
		FROM opportunities o
		%s
		WHERE la.id IS NOT NULL AND la.created_at >= $1
		ORDER BY la.feasibility DESC, o.keyword_score DESC
		LIMIT $2`, oppCols, analysisCols, latestAnalysisJoin), since, n)
	if err != nil {
		return nil, fmt.Errorf("top by feasibility: %w", err)
	}
	defer rows.Close()

	var out []models.ListedOpportunity
	for rows.Next() {
		var (
			lo models.ListedOpportunity
			na nullableAnalysis
		)
		if err := rows.Scan(append(oppDest(&lo.Opportunity), na.dest()...)...); err != nil {
			return nil, fmt.Errorf("scan top opportunity: %w", err)
		}
		lo.LatestAnalysis = na.analysis(lo.ID)
		out = append(out, lo)
	}
	return out, rows.Err()
}
