package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/splitshelf/splitshelf/internal/catalog"
	"github.com/splitshelf/splitshelf/internal/mediadiff"
	"github.com/splitshelf/splitshelf/internal/metrics"
	"github.com/splitshelf/splitshelf/internal/models"
	"github.com/splitshelf/splitshelf/internal/stats"
	"github.com/splitshelf/splitshelf/internal/storage"
	"go.uber.org/zap"
)

// ExperimentService owns the experiment lifecycle: creation in DRAFT,
// the start transition that snapshots BASE state and seeds the
// schedule, pause/resume, and the two terminal transitions that put
// BASE media back on the catalog and release everything uploaded for
// TEST.
type ExperimentService struct {
	experiments storage.ExperimentRepo
	events      storage.EventStore
	history     storage.RotationHistoryRepo
	catalog     catalog.Client
	attribution *AttributionService
	logger      *zap.Logger
	metrics     *metrics.Metrics

	catalogTimeout time.Duration

	now func() time.Time
}

func NewExperimentService(
	experiments storage.ExperimentRepo,
	events storage.EventStore,
	history storage.RotationHistoryRepo,
	cat catalog.Client,
	attribution *AttributionService,
	catalogTimeout time.Duration,
	logger *zap.Logger,
	m *metrics.Metrics,
) *ExperimentService {
	return &ExperimentService{
		experiments:    experiments,
		events:         events,
		history:        history,
		catalog:        cat,
		attribution:    attribution,
		catalogTimeout: catalogTimeout,
		logger:         logger,
		metrics:        m,
		now:            time.Now,
	}
}

// Create stores a new experiment in DRAFT. The BASE snapshot is not
// taken here; it is captured on Start, when the pre-experiment catalog
// state is known.
func (s *ExperimentService) Create(ctx context.Context, e *models.Experiment) (*models.Experiment, error) {
	now := s.now().UTC()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = models.ExperimentStatusDraft
	e.CurrentCase = models.CaseBase
	e.StartedAt = nil
	e.LastRotationAt = nil
	e.NextRotationAt = nil
	e.CreatedAt = now
	e.UpdatedAt = now

	for i := range e.VariantCases {
		vc := &e.VariantCases[i]
		if vc.ID == "" {
			vc.ID = uuid.NewString()
		}
		vc.ExperimentID = e.ID
		vc.CreatedAt = now
	}

	if err := e.Validate(); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	if err := s.experiments.Upsert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create experiment: %w", err)
	}

	s.logger.Info("experiment created",
		zap.String("experiment_id", e.ID),
		zap.String("product_id", e.ProductID),
		zap.String("scope", string(e.Scope)),
	)
	return e, nil
}

// Update replaces mutable fields of a non-terminal experiment. BASE
// images are caller-editable only while the experiment is still a
// DRAFT; once started the snapshot is locked.
func (s *ExperimentService) Update(ctx context.Context, id string, name string,
	testImages []models.ImageRef, rotationIntervalHours float64) (*models.Experiment, error) {

	e, err := s.require(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status.IsTerminal() {
		return nil, validationErrorf("experiment %s is %s and cannot be updated", id, e.Status)
	}

	if name != "" {
		e.Name = name
	}
	if testImages != nil {
		e.TestImages = testImages
	}
	if rotationIntervalHours > 0 {
		e.RotationIntervalHours = rotationIntervalHours
	}
	e.UpdatedAt = s.now().UTC()

	if err := e.Validate(); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if err := s.experiments.Upsert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to update experiment: %w", err)
	}
	return e, nil
}

// Start transitions DRAFT -> RUNNING. baseImages is the snapshot of
// the product's live gallery as it stands before the experiment
// touches anything; the caller reads it from the storefront because
// the catalog collaborator exposes no read operation here. It is
// stored once and never mutated (beyond media ids learned during
// swaps). Variant-scope experiments carry their BASE state inside the
// variant cases and may pass nil.
func (s *ExperimentService) Start(ctx context.Context, id string, baseImages []models.ImageRef) (*models.Experiment, error) {
	e, err := s.require(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != models.ExperimentStatusDraft {
		return nil, validationErrorf("experiment %s is %s, only DRAFT can start", id, e.Status)
	}
	if e.Scope == models.ScopeProduct {
		if len(baseImages) == 0 {
			return nil, validationErrorf("starting a product-scope experiment requires the current gallery as base snapshot")
		}
		e.BaseImages = baseImages
	}

	now := s.now().UTC()
	nextAt := now.Add(e.RotationInterval())

	e.Status = models.ExperimentStatusRunning
	e.CurrentCase = models.CaseBase
	e.StartedAt = &now
	e.NextRotationAt = &nextAt
	e.UpdatedAt = now

	if err := e.Validate(); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if err := s.experiments.Upsert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to start experiment: %w", err)
	}
	if s.attribution != nil {
		s.attribution.Invalidate(ctx, e.ProductID)
	}

	s.logger.Info("experiment started",
		zap.String("experiment_id", e.ID),
		zap.String("product_id", e.ProductID),
		zap.Time("next_rotation_at", nextAt),
	)
	return e, nil
}

// Pause suspends the rotation schedule. currentCase is left as-is, so
// whatever image set is live stays live until Resume or Complete.
func (s *ExperimentService) Pause(ctx context.Context, id string) (*models.Experiment, error) {
	e, err := s.require(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != models.ExperimentStatusRunning {
		return nil, validationErrorf("experiment %s is %s, only RUNNING can pause", id, e.Status)
	}

	e.Status = models.ExperimentStatusPaused
	e.UpdatedAt = s.now().UTC()
	if err := s.experiments.Upsert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to pause experiment: %w", err)
	}
	if s.attribution != nil {
		s.attribution.Invalidate(ctx, e.ProductID)
	}

	s.logger.Info("experiment paused", zap.String("experiment_id", e.ID))
	return e, nil
}

// Resume re-seeds the schedule from now rather than honoring the
// pre-pause deadline, so a long pause never causes an immediate flip.
func (s *ExperimentService) Resume(ctx context.Context, id string) (*models.Experiment, error) {
	e, err := s.require(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != models.ExperimentStatusPaused {
		return nil, validationErrorf("experiment %s is %s, only PAUSED can resume", id, e.Status)
	}

	now := s.now().UTC()
	nextAt := now.Add(e.RotationInterval())
	e.Status = models.ExperimentStatusRunning
	e.NextRotationAt = &nextAt
	e.UpdatedAt = now
	if err := s.experiments.Upsert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to resume experiment: %w", err)
	}
	if s.attribution != nil {
		s.attribution.Invalidate(ctx, e.ProductID)
	}

	s.logger.Info("experiment resumed",
		zap.String("experiment_id", e.ID),
		zap.Time("next_rotation_at", nextAt),
	)
	return e, nil
}

// Complete ends the experiment: BASE media is restored on the catalog,
// everything uploaded for TEST is deleted, and the experiment becomes
// immutable.
func (s *ExperimentService) Complete(ctx context.Context, id string) (*models.Experiment, error) {
	return s.finish(ctx, id, models.ExperimentStatusCompleted)
}

// Archive is Complete plus the stronger "done, hide it" signal. An
// already-COMPLETED experiment archives without touching the catalog
// again.
func (s *ExperimentService) Archive(ctx context.Context, id string) (*models.Experiment, error) {
	return s.finish(ctx, id, models.ExperimentStatusArchived)
}

func (s *ExperimentService) finish(ctx context.Context, id string, to models.ExperimentStatus) (*models.Experiment, error) {
	e, err := s.require(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == to {
		return e, nil
	}
	if e.Status == models.ExperimentStatusArchived {
		return nil, validationErrorf("experiment %s is archived and immutable", id)
	}
	if e.Status != models.ExperimentStatusCompleted {
		// Otherwise the catalog resources were already released.
		if err := s.releaseCatalog(ctx, e); err != nil {
			return nil, err
		}
	}

	e.Status = to
	e.CurrentCase = models.CaseBase
	e.NextRotationAt = nil
	e.UpdatedAt = s.now().UTC()
	if err := s.experiments.Upsert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to finish experiment: %w", err)
	}
	if s.attribution != nil {
		s.attribution.Invalidate(ctx, e.ProductID)
	}

	s.logger.Info("experiment finished",
		zap.String("experiment_id", e.ID),
		zap.String("status", string(to)),
	)
	return e, nil
}

// releaseCatalog puts BASE back if TEST is live and deletes the media
// that exists only because of the experiment. BASE media predates the
// experiment and is never deleted.
func (s *ExperimentService) releaseCatalog(ctx context.Context, e *models.Experiment) error {
	cctx, cancel := context.WithTimeout(ctx, s.catalogTimeout)
	defer cancel()

	if e.Scope == models.ScopeVariant {
		if e.CurrentCase == models.CaseTest {
			if err := swapVariantHeroes(cctx, s.catalog, s.experiments, e, models.CaseBase); err != nil {
				return err
			}
			e.CurrentCase = models.CaseBase
		}
		return s.deleteTestHeroes(cctx, e)
	}

	if e.CurrentCase == models.CaseTest {
		restored, err := swapGallery(cctx, s.catalog, e, models.CaseBase)
		if err != nil {
			return err
		}
		e.BaseImages = restored
		e.CurrentCase = models.CaseBase
		return nil
	}

	// BASE already live: TEST uploads (if any) still need removal.
	baseURLs := make(map[string]bool, len(e.BaseImages))
	for _, ref := range e.BaseImages {
		baseURLs[mediadiff.NormalizeURL(ref.URL)] = true
	}
	var testOnly []string
	for _, ref := range e.TestImages {
		if ref.MediaID != "" && !baseURLs[mediadiff.NormalizeURL(ref.URL)] {
			testOnly = append(testOnly, ref.MediaID)
		}
	}
	if len(testOnly) == 0 {
		return nil
	}
	if err := s.catalog.DeleteMedia(cctx, e.ProductID, testOnly); err != nil {
		return &ExternalServiceError{Op: "delete test media", Err: err}
	}
	for i := range e.TestImages {
		if !baseURLs[mediadiff.NormalizeURL(e.TestImages[i].URL)] {
			e.TestImages[i].MediaID = ""
		}
	}
	return nil
}

func (s *ExperimentService) deleteTestHeroes(ctx context.Context, e *models.Experiment) error {
	var ids []string
	for i := range e.VariantCases {
		vc := &e.VariantCases[i]
		if vc.TestHero.MediaID == "" {
			continue
		}
		if mediadiff.NormalizeURL(vc.TestHero.URL) == mediadiff.NormalizeURL(vc.BaseHero.URL) {
			continue
		}
		ids = append(ids, vc.TestHero.MediaID)
		vc.TestHero.MediaID = ""
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.catalog.DeleteMedia(ctx, e.ProductID, ids); err != nil {
		return &ExternalServiceError{Op: "delete test hero media", Err: err}
	}
	for i := range e.VariantCases {
		if err := s.experiments.UpdateVariantCase(ctx, &e.VariantCases[i]); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the experiment and its owned rows (events, variant
// cases). Rotation history survives for audit. A live experiment is
// shut down first so the storefront is not left showing TEST.
func (s *ExperimentService) Delete(ctx context.Context, id string) error {
	e, err := s.require(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == models.ExperimentStatusRunning || e.Status == models.ExperimentStatusPaused {
		if err := s.releaseCatalog(ctx, e); err != nil {
			return err
		}
	}

	if err := s.events.DeleteByExperiment(ctx, id); err != nil {
		return fmt.Errorf("failed to delete experiment events: %w", err)
	}
	if err := s.experiments.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}
	if s.attribution != nil {
		s.attribution.Invalidate(ctx, e.ProductID)
	}

	s.logger.Info("experiment deleted", zap.String("experiment_id", id))
	return nil
}

func (s *ExperimentService) Get(ctx context.Context, id string) (*models.Experiment, error) {
	return s.require(ctx, id)
}

func (s *ExperimentService) List(ctx context.Context) ([]*models.Experiment, error) {
	list, err := s.experiments.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	return list, nil
}

// ExperimentStats is the experiment-level verdict, with a per-variant
// breakdown when the experiment runs at variant scope.
type ExperimentStats struct {
	stats.Result
	Variants map[string]stats.Result `json:"variants,omitempty"`
}

// Stats aggregates the experiment's event log into per-case counts and
// the two-proportion significance verdict.
func (s *ExperimentService) Stats(ctx context.Context, id string) (*ExperimentStats, error) {
	e, err := s.require(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.events.ListByExperiment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	res := &ExperimentStats{Result: stats.Compute(events)}
	if e.Scope == models.ScopeVariant {
		res.Variants = stats.ByVariant(events)
	}
	return res, nil
}

// History returns the newest rotation entries, up to limit. History is
// queryable even after the experiment itself has been deleted.
func (s *ExperimentService) History(ctx context.Context, id string, limit int) ([]*models.RotationHistoryEntry, error) {
	entries, err := s.history.ListByExperiment(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load rotation history: %w", err)
	}
	return entries, nil
}

func (s *ExperimentService) require(ctx context.Context, id string) (*models.Experiment, error) {
	e, err := s.experiments.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment: %w", err)
	}
	if e == nil {
		return nil, validationErrorf("experiment %s not found", id)
	}
	return e, nil
}
