package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/splitshelf/splitshelf/internal/catalog"
	"github.com/splitshelf/splitshelf/internal/models"
	"github.com/splitshelf/splitshelf/internal/storage"
	"go.uber.org/zap"
)

func testClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func runningExperiment(id string, interval float64, nextAt time.Time) *models.Experiment {
	started := nextAt.Add(-time.Duration(interval * float64(time.Hour)))
	next := nextAt
	return &models.Experiment{
		ID:          id,
		TenantID:    "shop-1",
		Name:        "hero test",
		ProductID:   "prod-1",
		Scope:       models.ScopeProduct,
		Status:      models.ExperimentStatusRunning,
		CurrentCase: models.CaseBase,
		BaseImages: []models.ImageRef{
			{URL: "https://cdn.example.com/base-1.jpg", MediaID: "m-base-1", Position: 0},
			{URL: "https://cdn.example.com/base-2.jpg", MediaID: "m-base-2", Position: 1},
		},
		TestImages: []models.ImageRef{
			{URL: "https://cdn.example.com/test-1.jpg", Position: 0},
			{URL: "https://cdn.example.com/base-2.jpg", Position: 1},
		},
		RotationIntervalHours: interval,
		StartedAt:             &started,
		NextRotationAt:        &next,
	}
}

func newTestScheduler(t *testing.T, repo storage.ExperimentRepo, cat catalog.Client, at time.Time) (*Scheduler, *storage.InMemoryRotationHistoryRepo) {
	t.Helper()
	history := storage.NewInMemoryRotationHistoryRepo()
	s := NewScheduler(repo, history, cat, nil, 30*time.Second, zap.NewNop(), nil)
	s.now = testClock(at)
	return s, history
}

func TestRunDueRotationsFlipsCase(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := storage.NewInMemoryExperimentRepo()
	e := runningExperiment("exp-1", 24, now.Add(-time.Minute))
	if err := repo.Upsert(ctx, e); err != nil {
		t.Fatal(err)
	}

	cat := catalog.NewFakeClient()
	s, history := newTestScheduler(t, repo, cat, now)

	summary, err := s.RunDueRotations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Processed != 1 || summary.Succeeded != 1 || summary.Failed != 0 {
		t.Fatalf("summary: %+v", summary)
	}

	got, _ := repo.GetByID(ctx, "exp-1")
	if got.CurrentCase != models.CaseTest {
		t.Errorf("case %s, want test", got.CurrentCase)
	}
	if got.LastRotationAt == nil || !got.LastRotationAt.Equal(now) {
		t.Errorf("last_rotation_at %v, want %v", got.LastRotationAt, now)
	}
	want := now.Add(24 * time.Hour)
	if got.NextRotationAt == nil || !got.NextRotationAt.Equal(want) {
		t.Errorf("next_rotation_at %v, want %v", got.NextRotationAt, want)
	}

	// The newly uploaded test image carries a catalog id now, the
	// shared image keeps the base one.
	if got.TestImages[0].MediaID == "" {
		t.Error("uploaded test image missing media id")
	}
	if got.TestImages[1].MediaID != "m-base-2" {
		t.Errorf("shared image media id %q, want m-base-2", got.TestImages[1].MediaID)
	}

	latest, _ := history.Latest(ctx, "exp-1")
	if latest == nil || !latest.Success {
		t.Fatalf("expected successful history entry, got %+v", latest)
	}
	if latest.FromCase != models.CaseBase || latest.ToCase != models.CaseTest {
		t.Errorf("history cases %s->%s", latest.FromCase, latest.ToCase)
	}
}

func TestRotationFailureLeavesCaseAndReschedules(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := storage.NewInMemoryExperimentRepo()
	e := runningExperiment("exp-1", 48, now.Add(-time.Minute))
	if err := repo.Upsert(ctx, e); err != nil {
		t.Fatal(err)
	}

	cat := catalog.NewFakeClient()
	cat.FailNext = errors.New("catalog down")
	s, history := newTestScheduler(t, repo, cat, now)

	summary, err := s.RunDueRotations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 || summary.Succeeded != 0 {
		t.Fatalf("summary: %+v", summary)
	}

	got, _ := repo.GetByID(ctx, "exp-1")
	if got.CurrentCase != models.CaseBase {
		t.Errorf("failed rotation must not flip the case, got %s", got.CurrentCase)
	}

	// 48h cadence retries after the capped delay, not a full interval.
	want := now.Add(time.Hour)
	if got.NextRotationAt == nil || !got.NextRotationAt.Equal(want) {
		t.Errorf("retry at %v, want %v", got.NextRotationAt, want)
	}

	latest, _ := history.Latest(ctx, "exp-1")
	if latest == nil || latest.Success {
		t.Fatalf("expected failed history entry, got %+v", latest)
	}
	if latest.Error == "" {
		t.Error("failed entry must carry the error detail")
	}
}

// staleRepo simulates a concurrent writer winning the commit race.
type staleRepo struct {
	storage.ExperimentRepo
}

func (r *staleRepo) CommitRotation(ctx context.Context, id string, prevCase models.Case, prevNext *time.Time,
	toCase models.Case, lastAt, nextAt time.Time, targetImages []models.ImageRef) error {
	return storage.ErrStaleExperiment
}

func TestRotationLostToConcurrentWriterIsSkipped(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	inner := storage.NewInMemoryExperimentRepo()
	e := runningExperiment("exp-1", 24, now.Add(-time.Minute))
	if err := inner.Upsert(ctx, e); err != nil {
		t.Fatal(err)
	}

	s, history := newTestScheduler(t, &staleRepo{inner}, catalog.NewFakeClient(), now)

	summary, err := s.RunDueRotations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Succeeded != 0 || summary.Failed != 0 {
		t.Fatalf("lost rotation counts as neither success nor failure: %+v", summary)
	}
	if len(summary.Results) != 1 || !summary.Results[0].Skipped {
		t.Fatalf("expected skipped result, got %+v", summary.Results)
	}

	// A lost race is not an attempt worth auditing.
	latest, _ := history.Latest(ctx, "exp-1")
	if latest != nil {
		t.Errorf("skipped rotation must not append history, got %+v", latest)
	}
}

func TestRotateNowRejectsDraftAndTerminal(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := storage.NewInMemoryExperimentRepo()
	draft := runningExperiment("exp-draft", 24, now)
	draft.Status = models.ExperimentStatusDraft
	draft.NextRotationAt = nil
	completed := runningExperiment("exp-done", 24, now)
	completed.Status = models.ExperimentStatusCompleted
	for _, e := range []*models.Experiment{draft, completed} {
		if err := repo.Upsert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	s, _ := newTestScheduler(t, repo, catalog.NewFakeClient(), now)

	for _, id := range []string{"exp-draft", "exp-done", "exp-missing"} {
		if _, err := s.RotateNow(ctx, id); !IsValidation(err) {
			t.Errorf("RotateNow(%s): expected validation error, got %v", id, err)
		}
	}
}

func TestRotateNowFlipsPausedSchedule(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := storage.NewInMemoryExperimentRepo()
	// Not yet due; manual rotation ignores the schedule.
	e := runningExperiment("exp-1", 24, now.Add(12*time.Hour))
	if err := repo.Upsert(ctx, e); err != nil {
		t.Fatal(err)
	}

	s, _ := newTestScheduler(t, repo, catalog.NewFakeClient(), now)

	res, err := s.RotateNow(ctx, "exp-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("manual rotation failed: %+v", res)
	}

	got, _ := repo.GetByID(ctx, "exp-1")
	if got.CurrentCase != models.CaseTest {
		t.Errorf("case %s, want test", got.CurrentCase)
	}
	// Cadence re-seeds from now.
	want := now.Add(24 * time.Hour)
	if !got.NextRotationAt.Equal(want) {
		t.Errorf("next_rotation_at %v, want %v", got.NextRotationAt, want)
	}
}

func TestVariantScopeRotationSetsHeroes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := storage.NewInMemoryExperimentRepo()
	next := now.Add(-time.Minute)
	started := now.Add(-24 * time.Hour)
	e := &models.Experiment{
		ID:          "exp-v",
		TenantID:    "shop-1",
		Name:        "variant hero test",
		ProductID:   "prod-1",
		Scope:       models.ScopeVariant,
		Status:      models.ExperimentStatusRunning,
		CurrentCase: models.CaseBase,
		VariantCases: []models.VariantCase{
			{
				ID:           "vc-1",
				ExperimentID: "exp-v",
				VariantID:    "var-1",
				BaseHero:     models.ImageRef{URL: "https://cdn.example.com/base.jpg", MediaID: "m-base"},
				TestHero:     models.ImageRef{URL: "https://cdn.example.com/test.jpg"},
			},
		},
		RotationIntervalHours: 24,
		StartedAt:             &started,
		NextRotationAt:        &next,
	}
	if err := repo.Upsert(ctx, e); err != nil {
		t.Fatal(err)
	}

	cat := catalog.NewFakeClient()
	s, _ := newTestScheduler(t, repo, cat, now)

	summary, err := s.RunDueRotations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("summary: %+v", summary)
	}

	got, _ := repo.GetByID(ctx, "exp-v")
	if got.CurrentCase != models.CaseTest {
		t.Errorf("case %s, want test", got.CurrentCase)
	}
	// The test hero was uploaded on first use and persisted.
	heroID := got.VariantCases[0].TestHero.MediaID
	if heroID == "" {
		t.Fatal("test hero missing media id after rotation")
	}
	if cat.HeroFor("var-1") != heroID {
		t.Errorf("catalog hero %q, want %q", cat.HeroFor("var-1"), heroID)
	}
}
