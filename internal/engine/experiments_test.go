package engine

import (
	"context"
	"testing"
	"time"

	"github.com/splitshelf/splitshelf/internal/catalog"
	"github.com/splitshelf/splitshelf/internal/models"
	"github.com/splitshelf/splitshelf/internal/storage"
	"go.uber.org/zap"
)

type lifecycleFixture struct {
	svc     *ExperimentService
	repo    *storage.InMemoryExperimentRepo
	events  *storage.InMemoryEventStore
	history *storage.InMemoryRotationHistoryRepo
	cat     *catalog.FakeClient
	at      time.Time
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	f := &lifecycleFixture{
		repo:    storage.NewInMemoryExperimentRepo(),
		events:  storage.NewInMemoryEventStore(),
		history: storage.NewInMemoryRotationHistoryRepo(),
		cat:     catalog.NewFakeClient(),
		at:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewExperimentService(f.repo, f.events, f.history, f.cat, nil, 30*time.Second, zap.NewNop(), nil)
	f.svc.now = testClock(f.at)
	return f
}

func draftExperiment() *models.Experiment {
	return &models.Experiment{
		TenantID:  "shop-1",
		Name:      "summer hero",
		ProductID: "prod-1",
		Scope:     models.ScopeProduct,
		TestImages: []models.ImageRef{
			{URL: "https://cdn.example.com/test-1.jpg", Position: 0},
		},
		RotationIntervalHours: 24,
	}
}

func baseSnapshot() []models.ImageRef {
	return []models.ImageRef{
		{URL: "https://cdn.example.com/base-1.jpg", MediaID: "m-base-1", Position: 0},
	}
}

func TestCreateAssignsDraftState(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)

	created, err := f.svc.Create(ctx, draftExperiment())
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Error("create must assign an id")
	}
	if created.Status != models.ExperimentStatusDraft {
		t.Errorf("status %s, want draft", created.Status)
	}
	if created.CurrentCase != models.CaseBase {
		t.Errorf("current case %s, want base", created.CurrentCase)
	}
	if created.NextRotationAt != nil || created.StartedAt != nil {
		t.Error("draft must carry no schedule")
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)

	e := draftExperiment()
	e.TestImages = nil
	if _, err := f.svc.Create(ctx, e); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}

	e = draftExperiment()
	e.RotationIntervalHours = 0
	if _, err := f.svc.Create(ctx, e); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestStartSeedsScheduleAndSnapshotsBase(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)

	created, err := f.svc.Create(ctx, draftExperiment())
	if err != nil {
		t.Fatal(err)
	}

	// Product scope without a gallery snapshot has nothing to restore
	// to later.
	if _, err := f.svc.Start(ctx, created.ID, nil); !IsValidation(err) {
		t.Fatalf("start without base snapshot: expected validation error, got %v", err)
	}

	started, err := f.svc.Start(ctx, created.ID, baseSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if started.Status != models.ExperimentStatusRunning {
		t.Errorf("status %s, want running", started.Status)
	}
	if started.StartedAt == nil || !started.StartedAt.Equal(f.at) {
		t.Errorf("started_at %v, want %v", started.StartedAt, f.at)
	}
	want := f.at.Add(24 * time.Hour)
	if started.NextRotationAt == nil || !started.NextRotationAt.Equal(want) {
		t.Errorf("next_rotation_at %v, want %v", started.NextRotationAt, want)
	}
	if len(started.BaseImages) != 1 || started.BaseImages[0].MediaID != "m-base-1" {
		t.Errorf("base snapshot not stored: %+v", started.BaseImages)
	}

	// Starting twice is a state error.
	if _, err := f.svc.Start(ctx, created.ID, baseSnapshot()); !IsValidation(err) {
		t.Errorf("second start: expected validation error, got %v", err)
	}
}

func TestPauseResumeReseedsSchedule(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)

	created, _ := f.svc.Create(ctx, draftExperiment())
	if _, err := f.svc.Start(ctx, created.ID, baseSnapshot()); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Resume(ctx, created.ID); !IsValidation(err) {
		t.Errorf("resume a running experiment: expected validation error, got %v", err)
	}

	paused, err := f.svc.Pause(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if paused.Status != models.ExperimentStatusPaused {
		t.Errorf("status %s, want paused", paused.Status)
	}

	// Resume two days later: the deadline moves forward, no catch-up
	// flip.
	later := f.at.Add(48 * time.Hour)
	f.svc.now = testClock(later)
	resumed, err := f.svc.Resume(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := later.Add(24 * time.Hour)
	if resumed.NextRotationAt == nil || !resumed.NextRotationAt.Equal(want) {
		t.Errorf("next_rotation_at %v, want %v", resumed.NextRotationAt, want)
	}
}

func TestCompleteWithTestLiveRestoresBase(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)

	created, _ := f.svc.Create(ctx, draftExperiment())
	if _, err := f.svc.Start(ctx, created.ID, baseSnapshot()); err != nil {
		t.Fatal(err)
	}

	// Rotate onto TEST so completion has work to do.
	scheduler := NewScheduler(f.repo, f.history, f.cat, nil, 30*time.Second, zap.NewNop(), nil)
	scheduler.now = testClock(f.at)
	if _, err := scheduler.RotateNow(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	onTest, _ := f.repo.GetByID(ctx, created.ID)
	if onTest.CurrentCase != models.CaseTest {
		t.Fatalf("precondition: case %s, want test", onTest.CurrentCase)
	}

	done, err := f.svc.Complete(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.ExperimentStatusCompleted {
		t.Errorf("status %s, want completed", done.Status)
	}
	if done.CurrentCase != models.CaseBase {
		t.Errorf("case %s, want base after completion", done.CurrentCase)
	}
	if done.NextRotationAt != nil {
		t.Error("completed experiment must carry no schedule")
	}

	// The catalog shows the base gallery again, and the test upload
	// is gone.
	media := f.cat.MediaFor("prod-1")
	if len(media) != 1 || media[0].URL != "https://cdn.example.com/base-1.jpg" {
		t.Errorf("catalog gallery after completion: %v", media)
	}

	// Terminal states are immutable.
	if _, err := f.svc.Update(ctx, created.ID, "rename", nil, 0); !IsValidation(err) {
		t.Errorf("update completed: expected validation error, got %v", err)
	}
	if _, err := f.svc.Pause(ctx, created.ID); !IsValidation(err) {
		t.Errorf("pause completed: expected validation error, got %v", err)
	}
}

func TestArchiveAfterCompleteSkipsCatalog(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)

	created, _ := f.svc.Create(ctx, draftExperiment())
	if _, err := f.svc.Start(ctx, created.ID, baseSnapshot()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Complete(ctx, created.ID); err != nil {
		t.Fatal(err)
	}

	calls := len(f.cat.Calls)
	archived, err := f.svc.Archive(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if archived.Status != models.ExperimentStatusArchived {
		t.Errorf("status %s, want archived", archived.Status)
	}
	if len(f.cat.Calls) != calls {
		t.Error("archiving a completed experiment must not touch the catalog")
	}

	// Archived is the end of the line.
	if _, err := f.svc.Complete(ctx, created.ID); !IsValidation(err) {
		t.Errorf("complete archived: expected validation error, got %v", err)
	}
}

func TestDeleteKeepsRotationHistory(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)

	created, _ := f.svc.Create(ctx, draftExperiment())
	if _, err := f.svc.Start(ctx, created.ID, baseSnapshot()); err != nil {
		t.Fatal(err)
	}

	scheduler := NewScheduler(f.repo, f.history, f.cat, nil, 30*time.Second, zap.NewNop(), nil)
	scheduler.now = testClock(f.at)
	if _, err := scheduler.RotateNow(ctx, created.ID); err != nil {
		t.Fatal(err)
	}

	ev := impression(created.ID, "sess-1", models.CaseTest)
	ev.ID = "ev-1"
	ev.CreatedAt = f.at
	if err := f.events.SaveEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Delete(ctx, created.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Get(ctx, created.ID); !IsValidation(err) {
		t.Errorf("get deleted: expected validation error, got %v", err)
	}
	left, _ := f.events.ListByExperiment(ctx, created.ID)
	if len(left) != 0 {
		t.Errorf("events must be deleted with the experiment, %d left", len(left))
	}
	entries, err := f.svc.History(ctx, created.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Error("rotation history must survive experiment deletion")
	}

	// The deleted experiment was live on TEST; the storefront must be
	// back on the base gallery.
	media := f.cat.MediaFor("prod-1")
	if len(media) != 1 || media[0].URL != "https://cdn.example.com/base-1.jpg" {
		t.Errorf("catalog gallery after delete: %v", media)
	}
}

func TestStatsAggregatesExperimentEvents(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)

	created, _ := f.svc.Create(ctx, draftExperiment())
	if _, err := f.svc.Start(ctx, created.ID, baseSnapshot()); err != nil {
		t.Fatal(err)
	}

	for i, c := range []models.Case{models.CaseBase, models.CaseBase, models.CaseTest} {
		ev := impression(created.ID, "sess-1", c)
		ev.ID = "ev-" + string(rune('a'+i))
		ev.CreatedAt = f.at.Add(time.Duration(i) * time.Second)
		if err := f.events.SaveEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	res, err := f.svc.Stats(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Base.Impressions != 2 || res.Test.Impressions != 1 {
		t.Errorf("impressions base=%d test=%d", res.Base.Impressions, res.Test.Impressions)
	}

	if _, err := f.svc.Stats(ctx, "missing"); !IsValidation(err) {
		t.Errorf("stats for missing experiment: expected validation error, got %v", err)
	}
}
