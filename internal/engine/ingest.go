package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/splitshelf/splitshelf/internal/archive"
	"github.com/splitshelf/splitshelf/internal/metrics"
	"github.com/splitshelf/splitshelf/internal/models"
	"github.com/splitshelf/splitshelf/internal/storage"
	"go.uber.org/zap"
)

// IngestResult is returned for every accepted submission. Duplicate is
// success, not failure: EventID then references the original event so
// replaying callers never see an error.
type IngestResult struct {
	EventID   string `json:"event_id"`
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Enriched  bool   `json:"enriched,omitempty"`
}

// OrderNotification is the payload of a storefront order webhook, the
// delayed revenue-complete source for purchase events.
type OrderNotification struct {
	OrderID     string   `json:"order_id"`
	OrderNumber string   `json:"order_number,omitempty"`
	ProductID   string   `json:"product_id"`
	VariantID   string   `json:"variant_id,omitempty"`
	Revenue     *float64 `json:"revenue,omitempty"`
	Quantity    *int     `json:"quantity,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	// Case carries explicit case metadata from the order attributes
	// when the checkout instrumentation managed to attach it.
	Case         models.Case `json:"case,omitempty"`
	ExperimentID string      `json:"experiment_id,omitempty"`
}

// IngestService validates and persists interaction events with
// per-event-type deduplication. Events and rotations are independent
// write paths and share no lock, so ingestion stays available when the
// scheduler is degraded.
type IngestService struct {
	experiments storage.ExperimentRepo
	events      storage.EventStore
	attribution *AttributionService
	archive     *archive.Sink
	logger      *zap.Logger
	metrics     *metrics.Metrics

	now func() time.Time
}

func NewIngestService(
	experiments storage.ExperimentRepo,
	events storage.EventStore,
	attribution *AttributionService,
	sink *archive.Sink,
	logger *zap.Logger,
	m *metrics.Metrics,
) *IngestService {
	return &IngestService{
		experiments: experiments,
		events:      events,
		attribution: attribution,
		archive:     sink,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

// Record validates and stores a single event. The caller must have
// attached the case read from the attribution service at event time;
// it is never recomputed here, since the case may have rotated between
// exposure and action.
func (s *IngestService) Record(ctx context.Context, ev *models.Event) (*IngestResult, error) {
	if err := ev.Validate(); err != nil {
		s.reject(string(ev.Type))
		return nil, &ValidationError{Reason: err.Error()}
	}

	if err := s.checkAttribution(ctx, ev); err != nil {
		s.reject(string(ev.Type))
		return nil, err
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}

	switch ev.Type {
	case models.EventImpression:
		return s.recordImpression(ctx, ev)
	case models.EventPurchase:
		if ev.OrderID() != "" {
			return s.upsertPurchase(ctx, ev)
		}
		// No order id known yet; store as-is. The webhook path will
		// insert its own row if it ever reports this order.
		return s.insert(ctx, ev)
	default:
		// Add-to-cart is intentionally not deduplicated: repeat adds
		// within one session are themselves a signal.
		return s.insert(ctx, ev)
	}
}

// RecordOrderWebhook handles the delayed, revenue-complete purchase
// source. If a fast-path event already holds the order id the row is
// enriched in place; otherwise a new event is synthesized, attributed
// to the case currently recorded for the product.
func (s *IngestService) RecordOrderWebhook(ctx context.Context, order *OrderNotification) (*IngestResult, error) {
	if order.OrderID == "" {
		s.reject(string(models.EventPurchase))
		return nil, validationErrorf("order_id is required")
	}
	if order.ProductID == "" {
		s.reject(string(models.EventPurchase))
		return nil, validationErrorf("product_id is required")
	}

	meta := map[string]string{
		models.MetaOrderID: order.OrderID,
		models.MetaSource:  "order_webhook",
	}
	if order.OrderNumber != "" {
		meta[models.MetaOrderNumber] = order.OrderNumber
	}
	if order.Currency != "" {
		meta[models.MetaCurrency] = order.Currency
	}

	existing, err := s.events.FindPurchaseByOrder(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}

	ev := &models.Event{
		ID:        uuid.NewString(),
		Type:      models.EventPurchase,
		ProductID: order.ProductID,
		VariantID: order.VariantID,
		Revenue:   order.Revenue,
		Quantity:  order.Quantity,
		Metadata:  meta,
		CreatedAt: s.now().UTC(),
	}

	if existing != nil {
		ev.ExperimentID = existing.ExperimentID
		ev.SessionID = existing.SessionID
		ev.Case = existing.Case
	} else {
		// Fast path was lost (ad blocker, closed tab). Synthesize a
		// session from the order id and attribute by what is live for
		// the product right now.
		ev.SessionID = "order:" + order.OrderID
		if err := s.attributeOrphanPurchase(ctx, order, ev); err != nil {
			s.reject(string(models.EventPurchase))
			return nil, err
		}
	}

	return s.upsertPurchase(ctx, ev)
}

func (s *IngestService) attributeOrphanPurchase(ctx context.Context, order *OrderNotification, ev *models.Event) error {
	if order.ExperimentID != "" && order.Case != "" {
		e, err := s.experiments.GetByID(ctx, order.ExperimentID)
		if err != nil {
			return err
		}
		if e == nil || e.Status == models.ExperimentStatusArchived {
			return validationErrorf("order references unknown or archived experiment %s", order.ExperimentID)
		}
		ev.ExperimentID = e.ID
		ev.Case = order.Case
		return nil
	}

	// Fallback by product id. Known ambiguity: with several concurrent
	// experiments on one product this can misattribute revenue to the
	// most recently started one.
	ac, err := s.attribution.ActiveFor(ctx, order.ProductID, order.VariantID)
	if err != nil {
		return err
	}
	if !ac.Active {
		return validationErrorf("no active experiment for product %s", order.ProductID)
	}
	ev.ExperimentID = ac.ExperimentID
	ev.Case = ac.Case
	return nil
}

// checkAttribution enforces that an event lands on a live experiment it
// plausibly belongs to. Rejections are returned, never dropped.
func (s *IngestService) checkAttribution(ctx context.Context, ev *models.Event) error {
	e, err := s.experiments.GetByID(ctx, ev.ExperimentID)
	if err != nil {
		return fmt.Errorf("failed to load experiment: %w", err)
	}
	if e == nil {
		return validationErrorf("experiment %s not found", ev.ExperimentID)
	}
	if e.Status == models.ExperimentStatusArchived {
		return validationErrorf("experiment %s is archived", ev.ExperimentID)
	}
	if ev.ProductID != e.ProductID {
		return validationErrorf("product %s does not match experiment target %s", ev.ProductID, e.ProductID)
	}
	if e.Scope == models.ScopeVariant && ev.VariantID != "" && e.FindVariantCase(ev.VariantID) == nil {
		return validationErrorf("variant %s does not belong to experiment %s", ev.VariantID, ev.ExperimentID)
	}
	return nil
}

func (s *IngestService) recordImpression(ctx context.Context, ev *models.Event) (*IngestResult, error) {
	// At most one impression per (experiment, session, case):
	// impressions measure unique exposure, not page-view volume. A new
	// one is accepted the moment the case rotates or a session begins.
	existing, err := s.events.FindImpression(ctx, ev.ExperimentID, ev.SessionID, ev.Case)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.record(string(ev.Type), "duplicate")
		return &IngestResult{EventID: existing.ID, Accepted: true, Duplicate: true}, nil
	}
	return s.insert(ctx, ev)
}

func (s *IngestService) upsertPurchase(ctx context.Context, ev *models.Event) (*IngestResult, error) {
	stored, updated, err := s.events.UpsertPurchaseByOrder(ctx, ev)
	if err != nil {
		return nil, err
	}
	if updated {
		s.record(string(ev.Type), "enriched")
		s.archivePush(stored)
		return &IngestResult{EventID: stored.ID, Accepted: true, Duplicate: true, Enriched: true}, nil
	}
	s.record(string(ev.Type), "accepted")
	s.archivePush(stored)
	return &IngestResult{EventID: stored.ID, Accepted: true}, nil
}

func (s *IngestService) insert(ctx context.Context, ev *models.Event) (*IngestResult, error) {
	if err := s.events.SaveEvent(ctx, ev); err != nil {
		return nil, err
	}
	s.record(string(ev.Type), "accepted")
	s.archivePush(ev)
	return &IngestResult{EventID: ev.ID, Accepted: true}, nil
}

func (s *IngestService) archivePush(ev *models.Event) {
	if s.archive != nil {
		s.archive.Push(ev)
	}
}

func (s *IngestService) record(eventType, status string) {
	if s.metrics != nil {
		s.metrics.RecordEvent(eventType, status)
	}
}

func (s *IngestService) reject(eventType string) {
	s.record(eventType, "rejected")
}
