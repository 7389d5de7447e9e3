package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/david/fundingfinder/internal/models"
)

// StartSyncRun opens a running sync-run row for source.
func (s *Store) StartSyncRun(ctx context.Context, source, correlationID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `
		INSERT INTO source_sync_runs (source, status, correlation_id)
		VALUES ($1, 'running', $2)
		RETURNING id`, source, correlationID).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("start sync run: %w", err)
	}
	return id, nil
}

// CompleteSyncRun closes a run. It is the only mutation a run row ever sees.
func (s *Store) CompleteSyncRun(ctx context.Context, id uuid.UUID, status string, ingested int, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE source_sync_runs
		SET status = $2, ingested = $3, error = $4, completed_at = NOW()
		WHERE id = $1`, id, status, ingested, errMsg)
	if err != nil {
		return fmt.Errorf("complete sync run: %w", err)
	}
	return nil
}

func (s *Store) RecentSyncRuns(ctx context.Context, limit int) ([]models.SourceSyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, source, status, started_at, completed_at, ingested, error, correlation_id
		FROM source_sync_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sync runs: %w", err)
	}
	defer rows.Close()

	var out []models.SourceSyncRun
	for rows.Next() {
		var r models.SourceSyncRun
		if err := rows.Scan(&r.ID, &r.Source, &r.Status, &r.StartedAt, &r.CompletedAt, &r.Ingested, &r.Error, &r.CorrelationID); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SourceHealth aggregates the last window runs of every source: failure
// count, last success and up to three most recent failure messages.
func (s *Store) SourceHealth(ctx context.Context, window int) ([]models.SourceHealth, error) {
	if window <= 0 {
		window = 20
	}
	rows, err := s.db.Query(ctx, `
		WITH recent AS (
			SELECT source, status, error, started_at, completed_at,
				row_number() OVER (PARTITION BY source ORDER BY started_at DESC) AS rn
			FROM source_sync_runs
			WHERE status <> 'running'
		)
		SELECT source,
			COUNT(*)::int AS runs,
			(COUNT(*) FILTER (WHERE status = 'failed'))::int AS failures,
			MAX(completed_at) FILTER (WHERE status = 'success') AS last_success,
			COALESCE((array_agg(error ORDER BY started_at DESC) FILTER (WHERE status = 'failed'))[1:3], '{}') AS recent_failures
		FROM recent
		WHERE rn <= $1
		GROUP BY source
		ORDER BY source`, window)
	if err != nil {
		return nil, fmt.Errorf("source health: %w", err)
	}
	defer rows.Close()

	out := []models.SourceHealth{}
	for rows.Next() {
		var h models.SourceHealth
		if err := rows.Scan(&h.Source, &h.Runs, &h.Failures, &h.LastSuccessAt, &h.RecentFailures); err != nil {
			return nil, fmt.Errorf("scan source health: %w", err)
		}
		if h.Runs > 0 {
			h.ErrorRate = float64(h.Failures) / float64(h.Runs)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
