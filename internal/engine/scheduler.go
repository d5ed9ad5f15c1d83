package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/splitshelf/splitshelf/internal/catalog"
	"github.com/splitshelf/splitshelf/internal/mediadiff"
	"github.com/splitshelf/splitshelf/internal/metrics"
	"github.com/splitshelf/splitshelf/internal/models"
	"github.com/splitshelf/splitshelf/internal/storage"
	"go.uber.org/zap"
)

// maxFailureRetryDelay caps the shortened reschedule after a failed
// rotation so a long-interval experiment is not stuck for hours behind
// a transient catalog error.
const maxFailureRetryDelay = time.Hour

// Scheduler finds experiments due for a state flip and performs the
// media swap against the catalog. Experiments are processed with
// per-experiment isolation: one catalog failure never blocks the rest
// of the tick. The state flip commits only after the catalog mutation
// succeeds, with an optimistic precondition on the row's current_case
// and next_rotation_at, so a crash or a concurrent manual rotation
// leaves no partial state.
type Scheduler struct {
	experiments storage.ExperimentRepo
	history     storage.RotationHistoryRepo
	catalog     catalog.Client
	attribution *AttributionService
	logger      *zap.Logger
	metrics     *metrics.Metrics

	// catalogTimeout bounds the media swap for a single experiment so
	// a stuck catalog cannot stall the tick.
	catalogTimeout time.Duration

	now func() time.Time
}

func NewScheduler(
	experiments storage.ExperimentRepo,
	history storage.RotationHistoryRepo,
	cat catalog.Client,
	attribution *AttributionService,
	catalogTimeout time.Duration,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Scheduler {
	return &Scheduler{
		experiments:    experiments,
		history:        history,
		catalog:        cat,
		attribution:    attribution,
		catalogTimeout: catalogTimeout,
		logger:         logger,
		metrics:        m,
		now:            time.Now,
	}
}

// Run invokes a scheduler tick on every interval until the context is
// cancelled.
func (s *Scheduler) Run(ctx context.Context, tickInterval time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.logger.Info("rotation scheduler started", zap.Duration("tick_interval", tickInterval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("rotation scheduler stopped")
			return
		case <-ticker.C:
			summary, err := s.RunDueRotations(ctx)
			if err != nil {
				s.logger.Error("scheduler tick failed", zap.Error(err))
				continue
			}
			if summary.Processed > 0 {
				s.logger.Info("scheduler tick complete",
					zap.Int("processed", summary.Processed),
					zap.Int("succeeded", summary.Succeeded),
					zap.Int("failed", summary.Failed),
				)
			}
		}
	}
}

// RunDueRotations flips every RUNNING experiment whose next rotation
// time has passed. Results are reported per experiment.
func (s *Scheduler) RunDueRotations(ctx context.Context) (*models.TickSummary, error) {
	now := s.now().UTC()
	due, err := s.experiments.GetDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load due experiments: %w", err)
	}

	summary := &models.TickSummary{
		Processed: len(due),
		Results:   make([]models.RotationResult, len(due)),
		RanAt:     now,
	}

	var wg sync.WaitGroup
	for i, e := range due {
		wg.Add(1)
		go func(i int, e *models.Experiment) {
			defer wg.Done()
			summary.Results[i] = s.rotate(ctx, e, models.TriggerScheduled)
		}(i, e)
	}
	wg.Wait()

	for _, res := range summary.Results {
		if res.Success {
			summary.Succeeded++
		} else if !res.Skipped {
			summary.Failed++
		}
	}

	if s.metrics != nil {
		if all, err := s.experiments.ListAll(ctx); err == nil {
			running := 0
			for _, e := range all {
				if e.Status == models.ExperimentStatusRunning {
					running++
				}
			}
			s.metrics.UpdateActiveExperiments(running)
		}
	}
	return summary, nil
}

// RotateNow flips one experiment immediately, regardless of its
// schedule. The next rotation is then re-seeded from now, preserving
// the configured cadence going forward.
func (s *Scheduler) RotateNow(ctx context.Context, experimentID string) (*models.RotationResult, error) {
	e, err := s.experiments.GetByID(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment: %w", err)
	}
	if e == nil {
		return nil, validationErrorf("experiment %s not found", experimentID)
	}
	if e.Status.IsTerminal() || e.Status == models.ExperimentStatusDraft {
		return nil, validationErrorf("experiment %s is %s and cannot rotate", experimentID, e.Status)
	}

	res := s.rotate(ctx, e, models.TriggerManual)
	return &res, nil
}

func (s *Scheduler) rotate(ctx context.Context, e *models.Experiment, trigger models.RotationTrigger) models.RotationResult {
	start := s.now().UTC()
	targetCase := e.CurrentCase.Toggle()

	result := models.RotationResult{
		ExperimentID: e.ID,
		FromCase:     e.CurrentCase,
		ToCase:       targetCase,
	}

	cctx, cancel := context.WithTimeout(ctx, s.catalogTimeout)
	defer cancel()

	var targetImages []models.ImageRef
	var swapErr error
	if e.Scope == models.ScopeVariant {
		swapErr = swapVariantHeroes(cctx, s.catalog, s.experiments, e, targetCase)
		targetImages = e.TargetImages(targetCase)
	} else {
		targetImages, swapErr = swapGallery(cctx, s.catalog, e, targetCase)
	}

	now := s.now().UTC()
	elapsed := now.Sub(start)
	result.DurationMillis = elapsed.Milliseconds()

	if s.metrics != nil {
		op := "swap_gallery"
		if e.Scope == models.ScopeVariant {
			op = "swap_heroes"
		}
		s.metrics.RecordCatalogCall(op, swapErr, elapsed)
	}

	if swapErr != nil {
		return s.recordFailure(ctx, e, trigger, result, now, elapsed, swapErr)
	}

	nextAt := now.Add(e.RotationInterval())
	err := s.experiments.CommitRotation(ctx, e.ID, e.CurrentCase, e.NextRotationAt,
		targetCase, now, nextAt, targetImages)
	if IsConsistency(err) {
		// Another writer rotated this experiment between our read and
		// commit. Their rotation stands; do not retry within the tick.
		s.logger.Info("rotation lost to concurrent writer",
			zap.String("experiment_id", e.ID),
			zap.String("trigger", string(trigger)),
		)
		result.Skipped = true
		return result
	}
	if err != nil {
		return s.recordFailure(ctx, e, trigger, result, now, elapsed, err)
	}

	result.Success = true
	result.NextRotationAt = &nextAt

	s.appendHistory(ctx, e, trigger, result, "", elapsed, now)
	if s.attribution != nil {
		s.attribution.Invalidate(ctx, e.ProductID)
	}
	if s.metrics != nil {
		s.metrics.RecordRotation(string(trigger), true, elapsed)
	}

	s.logger.Info("rotated experiment",
		zap.String("experiment_id", e.ID),
		zap.String("from_case", string(e.CurrentCase)),
		zap.String("to_case", string(targetCase)),
		zap.String("trigger", string(trigger)),
		zap.Duration("duration", elapsed),
	)
	return result
}

// swapGallery replaces the product's gallery with the target case's
// image set and returns that set with catalog media ids attached, so
// the commit can persist them for later diffs.
func swapGallery(ctx context.Context, cat catalog.Client, e *models.Experiment, targetCase models.Case) ([]models.ImageRef, error) {
	current := e.TargetImages(e.CurrentCase)
	target := e.TargetImages(targetCase)

	diff := mediadiff.Compute(current, target)

	if len(diff.ToDelete) > 0 {
		ids := make([]string, 0, len(diff.ToDelete))
		for _, ref := range diff.ToDelete {
			ids = append(ids, ref.MediaID)
		}
		if err := cat.DeleteMedia(ctx, e.ProductID, ids); err != nil {
			return nil, &ExternalServiceError{Op: "delete media", Err: err}
		}
	}

	created := make(map[string]string, len(diff.ToAdd))
	if len(diff.ToAdd) > 0 {
		media, err := cat.CreateMedia(ctx, e.ProductID, diff.ToAdd)
		if err != nil {
			return nil, &ExternalServiceError{Op: "create media", Err: err}
		}
		for i, ref := range diff.ToAdd {
			created[mediadiff.NormalizeURL(ref.URL)] = media[i].ID
		}
	}
	kept := make(map[string]string, len(diff.ToKeep))
	for _, ref := range diff.ToKeep {
		kept[mediadiff.NormalizeURL(ref.URL)] = ref.MediaID
	}

	// Reattach acquired media ids in the target's order.
	updated := make([]models.ImageRef, len(target))
	orderedIDs := make([]string, 0, len(target))
	for i, ref := range target {
		updated[i] = ref
		key := mediadiff.NormalizeURL(ref.URL)
		if id, ok := created[key]; ok {
			updated[i].MediaID = id
		} else if id, ok := kept[key]; ok {
			updated[i].MediaID = id
		}
		if updated[i].MediaID != "" {
			orderedIDs = append(orderedIDs, updated[i].MediaID)
		}
	}

	if diff.NeedsReorder || len(diff.ToAdd) > 0 {
		if err := cat.ReorderMedia(ctx, e.ProductID, orderedIDs); err != nil {
			return nil, &ExternalServiceError{Op: "reorder media", Err: err}
		}
	}

	return updated, nil
}

// swapVariantHeroes points every variant case at the target case's hero
// image, uploading it first if it has never been on the catalog.
func swapVariantHeroes(ctx context.Context, cat catalog.Client, repo storage.ExperimentRepo, e *models.Experiment, targetCase models.Case) error {
	for i := range e.VariantCases {
		vc := &e.VariantCases[i]

		hero := &vc.BaseHero
		if targetCase == models.CaseTest {
			hero = &vc.TestHero
		}

		if hero.MediaID == "" {
			media, err := cat.CreateMedia(ctx, e.ProductID, []models.ImageRef{*hero})
			if err != nil {
				return &ExternalServiceError{Op: "create hero media", Err: err}
			}
			hero.MediaID = media[0].ID
			if err := repo.UpdateVariantCase(ctx, vc); err != nil {
				return err
			}
		}

		if err := cat.SetVariantHero(ctx, vc.VariantID, hero.MediaID); err != nil {
			return &ExternalServiceError{Op: "set variant hero", Err: err}
		}
	}
	return nil
}

// recordFailure leaves currentCase untouched, advances the schedule on
// a shortened delay so the experiment is neither hot-looping nor stuck,
// and appends a failed history entry with the error detail.
func (s *Scheduler) recordFailure(ctx context.Context, e *models.Experiment, trigger models.RotationTrigger,
	result models.RotationResult, now time.Time, elapsed time.Duration, cause error) models.RotationResult {

	result.Error = cause.Error()

	retryDelay := e.RotationInterval()
	if retryDelay > maxFailureRetryDelay {
		retryDelay = maxFailureRetryDelay
	}
	nextAt := now.Add(retryDelay)
	if err := s.experiments.Reschedule(ctx, e.ID, nextAt); err != nil {
		s.logger.Error("failed to reschedule after rotation failure",
			zap.String("experiment_id", e.ID),
			zap.Error(err),
		)
	} else {
		result.NextRotationAt = &nextAt
	}

	s.appendHistory(ctx, e, trigger, result, result.Error, elapsed, now)
	if s.metrics != nil {
		s.metrics.RecordRotation(string(trigger), false, elapsed)
	}

	s.logger.Error("rotation failed",
		zap.String("experiment_id", e.ID),
		zap.String("trigger", string(trigger)),
		zap.String("to_case", string(result.ToCase)),
		zap.Time("retry_at", nextAt),
		zap.Error(cause),
	)
	return result
}

func (s *Scheduler) appendHistory(ctx context.Context, e *models.Experiment, trigger models.RotationTrigger,
	result models.RotationResult, errDetail string, elapsed time.Duration, now time.Time) {

	entry := &models.RotationHistoryEntry{
		ID:           uuid.NewString(),
		ExperimentID: e.ID,
		FromCase:     result.FromCase,
		ToCase:       result.ToCase,
		Trigger:      trigger,
		Success:      result.Success,
		Error:        errDetail,
		Duration:     elapsed,
		CreatedAt:    now,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		s.logger.Error("failed to append rotation history",
			zap.String("experiment_id", e.ID),
			zap.Error(err),
		)
	}
}
