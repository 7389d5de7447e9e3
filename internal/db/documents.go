package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/david/fundingfinder/internal/models"
)

// SaveDocument upserts a document by (opportunity, url); reprocessing a job
// refreshes the blob location, excerpt and sections.
func (s *Store) SaveDocument(ctx context.Context, d models.Document) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `
		INSERT INTO documents (opportunity_row_id, url, blob_key, blob_uri, content_type, text_excerpt,
			program_description, requirements, evaluation_criteria)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (opportunity_row_id, url) DO UPDATE SET
			blob_key = EXCLUDED.blob_key,
			blob_uri = EXCLUDED.blob_uri,
			content_type = EXCLUDED.content_type,
			text_excerpt = EXCLUDED.text_excerpt,
			program_description = EXCLUDED.program_description,
			requirements = EXCLUDED.requirements,
			evaluation_criteria = EXCLUDED.evaluation_criteria
		RETURNING id`,
		d.OpportunityRowID, d.URL, d.BlobKey, d.BlobURI, d.ContentType, d.TextExcerpt,
		d.Sections.ProgramDescription, d.Sections.Requirements, d.Sections.EvaluationCriteria).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("save document: %w", err)
	}
	return id, nil
}

func (s *Store) ListDocuments(ctx context.Context, oppID uuid.UUID) ([]models.Document, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, opportunity_row_id, url, blob_key, blob_uri, content_type, text_excerpt,
			program_description, requirements, evaluation_criteria, created_at
		FROM documents
		WHERE opportunity_row_id = $1
		ORDER BY created_at`, oppID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := []models.Document{}
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.OpportunityRowID, &d.URL, &d.BlobKey, &d.BlobURI, &d.ContentType, &d.TextExcerpt,
			&d.Sections.ProgramDescription, &d.Sections.Requirements, &d.Sections.EvaluationCriteria, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertAnalysis appends an analysis row; history is never rewritten.
func (s *Store) InsertAnalysis(ctx context.Context, a models.Analysis) (models.Analysis, error) {
	err := s.db.QueryRow(ctx, `
		INSERT INTO analyses (opportunity_row_id, feasibility, suitability, profitability, summary, constraints, model)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		a.OpportunityRowID, a.Feasibility, a.Suitability, a.Profitability,
		nonNil(a.Summary), nonNil(a.Constraints), a.Model).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return models.Analysis{}, fmt.Errorf("insert analysis: %w", err)
	}
	return a, nil
}

func (s *Store) ListShortlist(ctx context.Context) ([]models.ShortlistEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT s.opportunity_row_id, o.title, o.source, s.note, s.created_at
		FROM shortlist s
		JOIN opportunities o ON o.id = s.opportunity_row_id
		ORDER BY s.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list shortlist: %w", err)
	}
	defer rows.Close()

	out := []models.ShortlistEntry{}
	for rows.Next() {
		var e models.ShortlistEntry
		if err := rows.Scan(&e.OpportunityRowID, &e.Title, &e.Source, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan shortlist entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddShortlist adds an opportunity or updates its note. An unknown
// opportunity id yields ErrNotFound.
func (s *Store) AddShortlist(ctx context.Context, oppID uuid.UUID, note string) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO shortlist (opportunity_row_id, note)
		SELECT id, $2 FROM opportunities WHERE id = $1
		ON CONFLICT (opportunity_row_id) DO UPDATE SET note = EXCLUDED.note`, oppID, note)
	if err != nil {
		return fmt.Errorf("add shortlist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RemoveShortlist(ctx context.Context, oppID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM shortlist WHERE opportunity_row_id = $1", oppID)
	if err != nil {
		return fmt.Errorf("remove shortlist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ShortlistedOpportunities resolves ids (or the whole shortlist when ids is
// empty) into the opportunities to analyse.
func (s *Store) ShortlistedOpportunities(ctx context.Context, ids []uuid.UUID) ([]models.Opportunity, error) {
	var (
		sql  = "SELECT " + oppCols + " FROM opportunities o JOIN shortlist s ON s.opportunity_row_id = o.id ORDER BY s.created_at"
		args []any
	)
	if len(ids) > 0 {
		sql = "SELECT " + oppCols + " FROM opportunities o WHERE o.id = ANY($1) ORDER BY o.created_at"
		args = append(args, ids)
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("shortlisted opportunities: %w", err)
	}
	defer rows.Close()

	var out []models.Opportunity
	for rows.Next() {
		var o models.Opportunity
		if err := rows.Scan(oppDest(&o)...); err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) > 0 && len(out) == 0 {
		return nil, errors.Join(ErrNotFound, fmt.Errorf("none of %d ids exist", len(ids)))
	}
	return out, nil
}
