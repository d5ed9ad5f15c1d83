package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splitshelf/splitshelf/internal/models"
)

// =============================================
// In-memory experiment repository
// =============================================

// InMemoryExperimentRepo provides in-memory experiment storage for
// development and tests.
type InMemoryExperimentRepo struct {
	mu          sync.RWMutex
	experiments map[string]*models.Experiment

	// Index for attribution lookups
	byProduct map[string][]string // product_id -> []experiment_id
}

func NewInMemoryExperimentRepo() *InMemoryExperimentRepo {
	return &InMemoryExperimentRepo{
		experiments: make(map[string]*models.Experiment),
		byProduct:   make(map[string][]string),
	}
}

func (r *InMemoryExperimentRepo) ListAll(ctx context.Context) ([]*models.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Experiment, 0, len(r.experiments))
	for _, e := range r.experiments {
		out = append(out, cloneExperiment(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemoryExperimentRepo) GetByID(ctx context.Context, id string) (*models.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.experiments[id]
	if !ok {
		return nil, nil
	}
	return cloneExperiment(e), nil
}

func (r *InMemoryExperimentRepo) Upsert(ctx context.Context, e *models.Experiment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.experiments[e.ID]; ok && old.ProductID != e.ProductID {
		r.removeFromProductIndex(old.ProductID, e.ID)
	}
	if _, ok := r.experiments[e.ID]; !ok {
		r.byProduct[e.ProductID] = append(r.byProduct[e.ProductID], e.ID)
	}
	r.experiments[e.ID] = cloneExperiment(e)
	return nil
}

func (r *InMemoryExperimentRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.experiments[id]; ok {
		r.removeFromProductIndex(e.ProductID, id)
		delete(r.experiments, id)
	}
	return nil
}

func (r *InMemoryExperimentRepo) GetDue(ctx context.Context, now time.Time) ([]*models.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*models.Experiment
	for _, e := range r.experiments {
		if e.DueAt(now) {
			due = append(due, cloneExperiment(e))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRotationAt.Before(*due[j].NextRotationAt)
	})
	return due, nil
}

func (r *InMemoryExperimentRepo) GetActiveByProduct(ctx context.Context, productID string) ([]*models.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*models.Experiment
	for _, id := range r.byProduct[productID] {
		e := r.experiments[id]
		if e != nil && e.Status == models.ExperimentStatusRunning {
			active = append(active, cloneExperiment(e))
		}
	}
	sort.Slice(active, func(i, j int) bool {
		ti, tj := active[i].StartedAt, active[j].StartedAt
		if ti == nil {
			return false
		}
		if tj == nil {
			return true
		}
		return ti.After(*tj)
	})
	return active, nil
}

func (r *InMemoryExperimentRepo) CommitRotation(ctx context.Context, id string, prevCase models.Case, prevNext *time.Time,
	toCase models.Case, lastAt, nextAt time.Time, targetImages []models.ImageRef) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.experiments[id]
	if !ok {
		return ErrStaleExperiment
	}
	if e.CurrentCase != prevCase || !timePtrEqual(e.NextRotationAt, prevNext) {
		return ErrStaleExperiment
	}

	e.CurrentCase = toCase
	if toCase == models.CaseTest {
		e.TestImages = cloneImages(targetImages)
	} else {
		e.BaseImages = cloneImages(targetImages)
	}
	last := lastAt
	next := nextAt
	e.LastRotationAt = &last
	e.NextRotationAt = &next
	e.UpdatedAt = lastAt
	return nil
}

func (r *InMemoryExperimentRepo) Reschedule(ctx context.Context, id string, nextAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.experiments[id]; ok {
		next := nextAt
		e.NextRotationAt = &next
	}
	return nil
}

func (r *InMemoryExperimentRepo) UpdateVariantCase(ctx context.Context, vc *models.VariantCase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.experiments[vc.ExperimentID]
	if !ok {
		return nil
	}
	for i := range e.VariantCases {
		if e.VariantCases[i].ID == vc.ID {
			e.VariantCases[i].BaseHero = vc.BaseHero
			e.VariantCases[i].TestHero = vc.TestHero
		}
	}
	return nil
}

func (r *InMemoryExperimentRepo) removeFromProductIndex(productID, id string) {
	ids := r.byProduct[productID]
	kept := ids[:0]
	for _, cur := range ids {
		if cur != id {
			kept = append(kept, cur)
		}
	}
	if len(kept) > 0 {
		r.byProduct[productID] = kept
	} else {
		delete(r.byProduct, productID)
	}
}

// =============================================
// In-memory event store
// =============================================

// InMemoryEventStore provides in-memory storage for events.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]*models.Event

	// Indexes for dedup lookups
	byExperiment map[string][]string // experiment_id -> []event_id
	byOrder      map[string]string   // order_id -> event_id
}

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		events:       make(map[string]*models.Event),
		byExperiment: make(map[string][]string),
		byOrder:      make(map[string]string),
	}
}

func (s *InMemoryEventStore) SaveEvent(ctx context.Context, ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(ev)
	return nil
}

func (s *InMemoryEventStore) saveLocked(ev *models.Event) {
	s.events[ev.ID] = cloneEvent(ev)
	s.byExperiment[ev.ExperimentID] = append(s.byExperiment[ev.ExperimentID], ev.ID)
	if orderID := ev.OrderID(); orderID != "" {
		s.byOrder[orderID] = ev.ID
	}
}

func (s *InMemoryEventStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	return cloneEvent(ev), nil
}

func (s *InMemoryEventStore) FindImpression(ctx context.Context, experimentID, sessionID string, c models.Case) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.byExperiment[experimentID] {
		ev := s.events[id]
		if ev != nil && ev.Type == models.EventImpression && ev.SessionID == sessionID && ev.Case == c {
			return cloneEvent(ev), nil
		}
	}
	return nil, nil
}

func (s *InMemoryEventStore) FindPurchaseByOrder(ctx context.Context, orderID string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, nil
	}
	return cloneEvent(s.events[id]), nil
}

func (s *InMemoryEventStore) UpsertPurchaseByOrder(ctx context.Context, ev *models.Event) (*models.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderID := ev.OrderID()
	if existingID, ok := s.byOrder[orderID]; ok {
		existing := s.events[existingID]
		if ev.Revenue != nil {
			existing.Revenue = ev.Revenue
		}
		if ev.Quantity != nil {
			existing.Quantity = ev.Quantity
		}
		for k, v := range ev.Metadata {
			if existing.Metadata == nil {
				existing.Metadata = make(map[string]string)
			}
			existing.Metadata[k] = v
		}
		return cloneEvent(existing), true, nil
	}

	s.saveLocked(ev)
	return cloneEvent(ev), false, nil
}

func (s *InMemoryEventStore) ListByExperiment(ctx context.Context, experimentID string) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byExperiment[experimentID]
	out := make([]*models.Event, 0, len(ids))
	for _, id := range ids {
		if ev, ok := s.events[id]; ok {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryEventStore) DeleteByExperiment(ctx context.Context, experimentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byExperiment[experimentID] {
		if ev, ok := s.events[id]; ok {
			if orderID := ev.OrderID(); orderID != "" {
				delete(s.byOrder, orderID)
			}
			delete(s.events, id)
		}
	}
	delete(s.byExperiment, experimentID)
	return nil
}

// =============================================
// In-memory rotation history
// =============================================

// InMemoryRotationHistoryRepo provides in-memory rotation history.
type InMemoryRotationHistoryRepo struct {
	mu      sync.RWMutex
	entries map[string][]*models.RotationHistoryEntry // experiment_id -> entries, newest last
}

func NewInMemoryRotationHistoryRepo() *InMemoryRotationHistoryRepo {
	return &InMemoryRotationHistoryRepo{
		entries: make(map[string][]*models.RotationHistoryEntry),
	}
}

func (r *InMemoryRotationHistoryRepo) Append(ctx context.Context, entry *models.RotationHistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *entry
	r.entries[entry.ExperimentID] = append(r.entries[entry.ExperimentID], &clone)
	return nil
}

func (r *InMemoryRotationHistoryRepo) ListByExperiment(ctx context.Context, experimentID string, limit int) ([]*models.RotationHistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.entries[experimentID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}

	out := make([]*models.RotationHistoryEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		clone := *all[i]
		out = append(out, &clone)
	}
	return out, nil
}

func (r *InMemoryRotationHistoryRepo) Latest(ctx context.Context, experimentID string) (*models.RotationHistoryEntry, error) {
	entries, err := r.ListByExperiment(ctx, experimentID, 1)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// =============================================
// Clone helpers
// =============================================

func cloneExperiment(e *models.Experiment) *models.Experiment {
	clone := *e
	clone.BaseImages = cloneImages(e.BaseImages)
	clone.TestImages = cloneImages(e.TestImages)
	clone.VariantCases = append([]models.VariantCase(nil), e.VariantCases...)
	return &clone
}

func cloneImages(refs []models.ImageRef) []models.ImageRef {
	return append([]models.ImageRef(nil), refs...)
}

func cloneEvent(ev *models.Event) *models.Event {
	clone := *ev
	if ev.Metadata != nil {
		clone.Metadata = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
