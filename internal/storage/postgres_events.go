package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/splitshelf/splitshelf/internal/models"
)

// PostgresEventStore implements EventStore using PostgreSQL. The events
// table carries a partial unique index on order_id (WHERE order_id IS
// NOT NULL) which backs the purchase upsert, and an index on
// (experiment_id, session_id, case) for impression dedup lookups.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

const eventColumns = `
	id, experiment_id, session_id, event_type, event_case, product_id, variant_id,
	revenue, quantity, order_id, metadata, created_at`

func (s *PostgresEventStore) SaveEvent(ctx context.Context, ev *models.Event) error {
	metaJSON, err := marshalMetadata(ev.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, ev.ID, ev.ExperimentID, ev.SessionID, ev.Type, ev.Case, ev.ProductID, nullString(ev.VariantID),
		ev.Revenue, ev.Quantity, nullString(ev.OrderID()), metaJSON, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM events WHERE id = $1
	`, id)

	ev, err := scanEvent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

func (s *PostgresEventStore) FindImpression(ctx context.Context, experimentID, sessionID string, c models.Case) (*models.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE experiment_id = $1 AND session_id = $2 AND event_case = $3 AND event_type = $4
		ORDER BY created_at LIMIT 1
	`, experimentID, sessionID, c, models.EventImpression)

	ev, err := scanEvent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find impression: %w", err)
	}
	return ev, nil
}

func (s *PostgresEventStore) FindPurchaseByOrder(ctx context.Context, orderID string) (*models.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM events WHERE order_id = $1
	`, orderID)

	ev, err := scanEvent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find purchase by order: %w", err)
	}
	return ev, nil
}

// UpsertPurchaseByOrder races the fast checkout signal against the
// order webhook on one logical purchase row. The conditional insert
// keyed on order_id tolerates either arrival order without a lock.
func (s *PostgresEventStore) UpsertPurchaseByOrder(ctx context.Context, ev *models.Event) (*models.Event, bool, error) {
	metaJSON, err := marshalMetadata(ev.Metadata)
	if err != nil {
		return nil, false, err
	}

	var id string
	var updated bool
	err = s.pool.QueryRow(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (order_id) WHERE order_id IS NOT NULL DO UPDATE SET
			revenue  = COALESCE(EXCLUDED.revenue, events.revenue),
			quantity = COALESCE(EXCLUDED.quantity, events.quantity),
			metadata = events.metadata || EXCLUDED.metadata
		RETURNING id, (xmax <> 0)
	`, ev.ID, ev.ExperimentID, ev.SessionID, ev.Type, ev.Case, ev.ProductID, nullString(ev.VariantID),
		ev.Revenue, ev.Quantity, nullString(ev.OrderID()), metaJSON, ev.CreatedAt).Scan(&id, &updated)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert purchase: %w", err)
	}

	stored, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return stored, updated, nil
}

func (s *PostgresEventStore) ListByExperiment(ctx context.Context, experimentID string) ([]*models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events WHERE experiment_id = $1 ORDER BY created_at
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresEventStore) DeleteByExperiment(ctx context.Context, experimentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM events WHERE experiment_id = $1`, experimentID)
	if err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var ev models.Event
	var variantID, orderID *string
	var metaJSON []byte

	err := row.Scan(
		&ev.ID, &ev.ExperimentID, &ev.SessionID, &ev.Type, &ev.Case, &ev.ProductID, &variantID,
		&ev.Revenue, &ev.Quantity, &orderID, &metaJSON, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if variantID != nil {
		ev.VariantID = *variantID
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse event metadata: %w", err)
		}
	}
	if orderID != nil {
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]string)
		}
		ev.Metadata[models.MetaOrderID] = *orderID
	}
	return &ev, nil
}

func marshalMetadata(meta map[string]string) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}
