package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/splitshelf/splitshelf/internal/models"
)

// PostgresExperimentRepo implements ExperimentRepo using PostgreSQL.
type PostgresExperimentRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresExperimentRepo(pool *pgxpool.Pool) *PostgresExperimentRepo {
	return &PostgresExperimentRepo{pool: pool}
}

const experimentColumns = `
	id, tenant_id, name, product_id, variant_id, scope, status, current_case,
	base_images, test_images, rotation_interval_hours,
	started_at, last_rotation_at, next_rotation_at, created_at, updated_at`

func (r *PostgresExperimentRepo) GetByID(ctx context.Context, id string) (*models.Experiment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+experimentColumns+`
		FROM experiments WHERE id = $1
	`, id)

	e, err := scanExperiment(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	cases, err := r.getVariantCases(ctx, id)
	if err != nil {
		return nil, err
	}
	e.VariantCases = cases
	return e, nil
}

func (r *PostgresExperimentRepo) ListAll(ctx context.Context) ([]*models.Experiment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+experimentColumns+`
		FROM experiments ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()
	return r.collectExperiments(ctx, rows)
}

func (r *PostgresExperimentRepo) GetDue(ctx context.Context, now time.Time) ([]*models.Experiment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+experimentColumns+`
		FROM experiments
		WHERE status = $1 AND next_rotation_at IS NOT NULL AND next_rotation_at <= $2
		ORDER BY next_rotation_at
	`, models.ExperimentStatusRunning, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get due experiments: %w", err)
	}
	defer rows.Close()
	return r.collectExperiments(ctx, rows)
}

func (r *PostgresExperimentRepo) GetActiveByProduct(ctx context.Context, productID string) ([]*models.Experiment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+experimentColumns+`
		FROM experiments
		WHERE status = $1 AND product_id = $2
		ORDER BY started_at DESC NULLS LAST
	`, models.ExperimentStatusRunning, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to get experiments for product: %w", err)
	}
	defer rows.Close()
	return r.collectExperiments(ctx, rows)
}

func (r *PostgresExperimentRepo) Upsert(ctx context.Context, e *models.Experiment) error {
	baseJSON, err := json.Marshal(e.BaseImages)
	if err != nil {
		return fmt.Errorf("failed to marshal base images: %w", err)
	}
	testJSON, err := json.Marshal(e.TestImages)
	if err != nil {
		return fmt.Errorf("failed to marshal test images: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO experiments (
			id, tenant_id, name, product_id, variant_id, scope, status, current_case,
			base_images, test_images, rotation_interval_hours,
			started_at, last_rotation_at, next_rotation_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			current_case = EXCLUDED.current_case,
			base_images = EXCLUDED.base_images,
			test_images = EXCLUDED.test_images,
			rotation_interval_hours = EXCLUDED.rotation_interval_hours,
			started_at = EXCLUDED.started_at,
			last_rotation_at = EXCLUDED.last_rotation_at,
			next_rotation_at = EXCLUDED.next_rotation_at,
			updated_at = EXCLUDED.updated_at
	`, e.ID, e.TenantID, e.Name, e.ProductID, nullString(e.VariantID), e.Scope, e.Status, e.CurrentCase,
		baseJSON, testJSON, e.RotationIntervalHours,
		e.StartedAt, e.LastRotationAt, e.NextRotationAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert experiment: %w", err)
	}

	for i := range e.VariantCases {
		if err := upsertVariantCase(ctx, tx, &e.VariantCases[i]); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *PostgresExperimentRepo) Delete(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Rotation history deliberately survives for audit.
	if _, err := tx.Exec(ctx, `DELETE FROM events WHERE experiment_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM variant_cases WHERE experiment_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete variant cases: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM experiments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresExperimentRepo) CommitRotation(ctx context.Context, id string, prevCase models.Case, prevNext *time.Time,
	toCase models.Case, lastAt, nextAt time.Time, targetImages []models.ImageRef) error {

	imagesJSON, err := json.Marshal(targetImages)
	if err != nil {
		return fmt.Errorf("failed to marshal target images: %w", err)
	}

	column := "base_images"
	if toCase == models.CaseTest {
		column = "test_images"
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE experiments SET
			current_case = $2,
			`+column+` = $3,
			last_rotation_at = $4,
			next_rotation_at = $5,
			updated_at = $4
		WHERE id = $1
		  AND current_case = $6
		  AND next_rotation_at IS NOT DISTINCT FROM $7
	`, id, toCase, imagesJSON, lastAt, nextAt, prevCase, prevNext)
	if err != nil {
		return fmt.Errorf("failed to commit rotation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleExperiment
	}
	return nil
}

func (r *PostgresExperimentRepo) Reschedule(ctx context.Context, id string, nextAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE experiments SET next_rotation_at = $2, updated_at = now()
		WHERE id = $1
	`, id, nextAt)
	if err != nil {
		return fmt.Errorf("failed to reschedule experiment: %w", err)
	}
	return nil
}

func (r *PostgresExperimentRepo) UpdateVariantCase(ctx context.Context, vc *models.VariantCase) error {
	baseJSON, err := json.Marshal(vc.BaseHero)
	if err != nil {
		return fmt.Errorf("failed to marshal base hero: %w", err)
	}
	testJSON, err := json.Marshal(vc.TestHero)
	if err != nil {
		return fmt.Errorf("failed to marshal test hero: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE variant_cases SET base_hero = $2, test_hero = $3
		WHERE id = $1
	`, vc.ID, baseJSON, testJSON)
	if err != nil {
		return fmt.Errorf("failed to update variant case: %w", err)
	}
	return nil
}

func (r *PostgresExperimentRepo) collectExperiments(ctx context.Context, rows pgx.Rows) ([]*models.Experiment, error) {
	var experiments []*models.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range experiments {
		cases, err := r.getVariantCases(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		e.VariantCases = cases
	}
	return experiments, nil
}

func (r *PostgresExperimentRepo) getVariantCases(ctx context.Context, experimentID string) ([]models.VariantCase, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, experiment_id, variant_id, base_hero, test_hero, created_at
		FROM variant_cases WHERE experiment_id = $1
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get variant cases: %w", err)
	}
	defer rows.Close()

	var cases []models.VariantCase
	for rows.Next() {
		var vc models.VariantCase
		var baseJSON, testJSON []byte
		if err := rows.Scan(&vc.ID, &vc.ExperimentID, &vc.VariantID, &baseJSON, &testJSON, &vc.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(baseJSON, &vc.BaseHero); err != nil {
			return nil, fmt.Errorf("failed to parse base hero: %w", err)
		}
		if err := json.Unmarshal(testJSON, &vc.TestHero); err != nil {
			return nil, fmt.Errorf("failed to parse test hero: %w", err)
		}
		cases = append(cases, vc)
	}
	return cases, rows.Err()
}

func upsertVariantCase(ctx context.Context, tx pgx.Tx, vc *models.VariantCase) error {
	baseJSON, err := json.Marshal(vc.BaseHero)
	if err != nil {
		return fmt.Errorf("failed to marshal base hero: %w", err)
	}
	testJSON, err := json.Marshal(vc.TestHero)
	if err != nil {
		return fmt.Errorf("failed to marshal test hero: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO variant_cases (id, experiment_id, variant_id, base_hero, test_hero, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			base_hero = EXCLUDED.base_hero,
			test_hero = EXCLUDED.test_hero
	`, vc.ID, vc.ExperimentID, vc.VariantID, baseJSON, testJSON, vc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert variant case: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExperiment(row rowScanner) (*models.Experiment, error) {
	var e models.Experiment
	var variantID *string
	var baseJSON, testJSON []byte

	err := row.Scan(
		&e.ID, &e.TenantID, &e.Name, &e.ProductID, &variantID, &e.Scope, &e.Status, &e.CurrentCase,
		&baseJSON, &testJSON, &e.RotationIntervalHours,
		&e.StartedAt, &e.LastRotationAt, &e.NextRotationAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if variantID != nil {
		e.VariantID = *variantID
	}
	if len(baseJSON) > 0 {
		if err := json.Unmarshal(baseJSON, &e.BaseImages); err != nil {
			return nil, fmt.Errorf("failed to parse base images: %w", err)
		}
	}
	if len(testJSON) > 0 {
		if err := json.Unmarshal(testJSON, &e.TestImages); err != nil {
			return nil, fmt.Errorf("failed to parse test images: %w", err)
		}
	}
	return &e, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
