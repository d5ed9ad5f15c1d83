package storage

import (
	"context"
	"errors"
	"time"

	"github.com/splitshelf/splitshelf/internal/models"
)

// ErrStaleExperiment is returned when a rotation commit's optimistic
// precondition (current_case + next_rotation_at as read at rotation
// start) no longer holds. The caller treats it as "someone else already
// rotated this".
var ErrStaleExperiment = errors.New("experiment state changed since read")

// =============================================
// EXPERIMENT REPOSITORY
// =============================================

// ExperimentRepo defines operations for experiment storage.
type ExperimentRepo interface {
	ListAll(ctx context.Context) ([]*models.Experiment, error)
	GetByID(ctx context.Context, id string) (*models.Experiment, error)
	Upsert(ctx context.Context, e *models.Experiment) error
	Delete(ctx context.Context, id string) error

	// GetDue returns RUNNING experiments with next_rotation_at <= now.
	GetDue(ctx context.Context, now time.Time) ([]*models.Experiment, error)

	// GetActiveByProduct returns RUNNING experiments targeting the
	// product, most recently started first.
	GetActiveByProduct(ctx context.Context, productID string) ([]*models.Experiment, error)

	// CommitRotation flips current_case and advances the schedule, but
	// only if current_case and next_rotation_at still match the values
	// read at rotation start (prevCase, prevNext). Returns
	// ErrStaleExperiment otherwise. targetImages carries the catalog
	// media ids acquired during the swap so later diffs can reuse them.
	CommitRotation(ctx context.Context, id string, prevCase models.Case, prevNext *time.Time,
		toCase models.Case, lastAt, nextAt time.Time, targetImages []models.ImageRef) error

	// Reschedule advances only next_rotation_at, used after a failed
	// rotation to avoid a hot retry loop without flipping state.
	Reschedule(ctx context.Context, id string, nextAt time.Time) error

	// UpdateVariantCase persists hero media ids acquired during a
	// variant-scope swap.
	UpdateVariantCase(ctx context.Context, vc *models.VariantCase) error
}

// =============================================
// EVENT STORE
// =============================================

// EventStore defines operations for the append-only event log.
type EventStore interface {
	SaveEvent(ctx context.Context, ev *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)

	// FindImpression returns the stored impression for the
	// (experiment, session, case) triple, or nil.
	FindImpression(ctx context.Context, experimentID, sessionID string, c models.Case) (*models.Event, error)

	// FindPurchaseByOrder returns the purchase event holding the order
	// id, or nil. Lookup is global: an order webhook does not know
	// which experiment the fast path attributed to.
	FindPurchaseByOrder(ctx context.Context, orderID string) (*models.Event, error)

	// UpsertPurchaseByOrder inserts the purchase if no event holds its
	// order id, otherwise enriches the existing row in place (revenue,
	// quantity, metadata). Returns the stored event and whether an
	// existing row was updated. This is the single sanctioned mutation
	// of the event log.
	UpsertPurchaseByOrder(ctx context.Context, ev *models.Event) (*models.Event, bool, error)

	// ListByExperiment returns all events for an experiment.
	ListByExperiment(ctx context.Context, experimentID string) ([]*models.Event, error)

	DeleteByExperiment(ctx context.Context, experimentID string) error
}

// =============================================
// ROTATION HISTORY
// =============================================

// RotationHistoryRepo stores the append-only rotation audit log.
// History rows are not cascaded with experiment deletion.
type RotationHistoryRepo interface {
	Append(ctx context.Context, entry *models.RotationHistoryEntry) error
	ListByExperiment(ctx context.Context, experimentID string, limit int) ([]*models.RotationHistoryEntry, error)
	Latest(ctx context.Context, experimentID string) (*models.RotationHistoryEntry, error)
}
