package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/splitshelf/splitshelf/internal/models"
)

// PostgresRotationHistoryRepo implements RotationHistoryRepo using
// PostgreSQL. No foreign key to experiments: history must survive
// experiment deletion for audit.
type PostgresRotationHistoryRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresRotationHistoryRepo(pool *pgxpool.Pool) *PostgresRotationHistoryRepo {
	return &PostgresRotationHistoryRepo{pool: pool}
}

func (r *PostgresRotationHistoryRepo) Append(ctx context.Context, entry *models.RotationHistoryEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO rotation_history (
			id, experiment_id, from_case, to_case, trigger_source, success, error_detail, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.ExperimentID, entry.FromCase, entry.ToCase, entry.Trigger,
		entry.Success, nullString(entry.Error), entry.Duration.Milliseconds(), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append rotation history: %w", err)
	}
	return nil
}

func (r *PostgresRotationHistoryRepo) ListByExperiment(ctx context.Context, experimentID string, limit int) ([]*models.RotationHistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, experiment_id, from_case, to_case, trigger_source, success, error_detail, duration_ms, created_at
		FROM rotation_history
		WHERE experiment_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, experimentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rotation history: %w", err)
	}
	defer rows.Close()

	var entries []*models.RotationHistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *PostgresRotationHistoryRepo) Latest(ctx context.Context, experimentID string) (*models.RotationHistoryEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, experiment_id, from_case, to_case, trigger_source, success, error_detail, duration_ms, created_at
		FROM rotation_history
		WHERE experiment_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, experimentID)

	entry, err := scanHistoryEntry(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest rotation: %w", err)
	}
	return entry, nil
}

func scanHistoryEntry(row rowScanner) (*models.RotationHistoryEntry, error) {
	var entry models.RotationHistoryEntry
	var errDetail *string
	var durationMs int64

	err := row.Scan(
		&entry.ID, &entry.ExperimentID, &entry.FromCase, &entry.ToCase, &entry.Trigger,
		&entry.Success, &errDetail, &durationMs, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if errDetail != nil {
		entry.Error = *errDetail
	}
	entry.Duration = time.Duration(durationMs) * time.Millisecond
	return &entry, nil
}
