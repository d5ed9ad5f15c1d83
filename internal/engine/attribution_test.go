package engine

import (
	"context"
	"testing"
	"time"

	"github.com/splitshelf/splitshelf/internal/models"
	"github.com/splitshelf/splitshelf/internal/storage"
	"go.uber.org/zap"
)

func TestActiveForInactiveProduct(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewInMemoryExperimentRepo()
	svc := NewAttributionService(repo, nil, time.Minute, zap.NewNop())

	ac, err := svc.ActiveFor(ctx, "prod-idle", "")
	if err != nil {
		t.Fatal(err)
	}
	if ac.Active {
		t.Errorf("no experiment targets the product, got %+v", ac)
	}

	if _, err := svc.ActiveFor(ctx, "", ""); !IsValidation(err) {
		t.Errorf("missing product_id: expected validation error, got %v", err)
	}
}

func TestActiveForReportsLiveCase(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewInMemoryExperimentRepo()
	svc := NewAttributionService(repo, nil, time.Minute, zap.NewNop())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := runningExperiment("exp-1", 24, now.Add(12*time.Hour))
	e.CurrentCase = models.CaseTest
	if err := repo.Upsert(ctx, e); err != nil {
		t.Fatal(err)
	}

	ac, err := svc.ActiveFor(ctx, "prod-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !ac.Active || ac.ExperimentID != "exp-1" || ac.Case != models.CaseTest {
		t.Errorf("ActiveFor = %+v", ac)
	}
}

func TestActiveForIgnoresNonRunning(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewInMemoryExperimentRepo()
	svc := NewAttributionService(repo, nil, time.Minute, zap.NewNop())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for id, status := range map[string]models.ExperimentStatus{
		"exp-draft":  models.ExperimentStatusDraft,
		"exp-paused": models.ExperimentStatusPaused,
		"exp-done":   models.ExperimentStatusCompleted,
	} {
		e := runningExperiment(id, 24, now)
		e.Status = status
		if status == models.ExperimentStatusDraft {
			e.NextRotationAt = nil
			e.StartedAt = nil
		}
		if err := repo.Upsert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	ac, err := svc.ActiveFor(ctx, "prod-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if ac.Active {
		t.Errorf("only RUNNING experiments attribute, got %+v", ac)
	}
}

func TestActiveForMostRecentlyStartedWins(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewInMemoryExperimentRepo()
	svc := NewAttributionService(repo, nil, time.Minute, zap.NewNop())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	older := runningExperiment("exp-old", 24, now.Add(12*time.Hour))
	olderStart := now.Add(-72 * time.Hour)
	older.StartedAt = &olderStart

	newer := runningExperiment("exp-new", 24, now.Add(12*time.Hour))
	newerStart := now.Add(-2 * time.Hour)
	newer.StartedAt = &newerStart
	newer.CurrentCase = models.CaseTest

	for _, e := range []*models.Experiment{older, newer} {
		if err := repo.Upsert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	ac, err := svc.ActiveFor(ctx, "prod-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if ac.ExperimentID != "exp-new" || ac.Case != models.CaseTest {
		t.Errorf("most recently started experiment must win, got %+v", ac)
	}
}

func TestActiveForVariantScopeNeedsMatchingVariant(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewInMemoryExperimentRepo()
	svc := NewAttributionService(repo, nil, time.Minute, zap.NewNop())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-time.Hour)
	next := now.Add(12 * time.Hour)
	e := &models.Experiment{
		ID:          "exp-v",
		TenantID:    "shop-1",
		Name:        "variant hero test",
		ProductID:   "prod-1",
		Scope:       models.ScopeVariant,
		Status:      models.ExperimentStatusRunning,
		CurrentCase: models.CaseTest,
		VariantCases: []models.VariantCase{
			{
				ID:           "vc-1",
				ExperimentID: "exp-v",
				VariantID:    "var-1",
				BaseHero:     models.ImageRef{URL: "https://cdn.example.com/base.jpg", MediaID: "m-base"},
				TestHero:     models.ImageRef{URL: "https://cdn.example.com/test.jpg", MediaID: "m-test"},
			},
		},
		RotationIntervalHours: 24,
		StartedAt:             &started,
		NextRotationAt:        &next,
	}
	if err := repo.Upsert(ctx, e); err != nil {
		t.Fatal(err)
	}

	// Matching variant: active, with the variant case attached.
	ac, err := svc.ActiveFor(ctx, "prod-1", "var-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ac.Active || ac.VariantCase == nil || ac.VariantCase.VariantID != "var-1" {
		t.Fatalf("ActiveFor matching variant = %+v", ac)
	}
	if ac.Case != models.CaseTest {
		t.Errorf("case %s, want test", ac.Case)
	}

	// Unknown variant, or no variant at all: the experiment does not
	// apply.
	for _, variantID := range []string{"var-other", ""} {
		ac, err := svc.ActiveFor(ctx, "prod-1", variantID)
		if err != nil {
			t.Fatal(err)
		}
		if ac.Active {
			t.Errorf("variant %q must not attribute, got %+v", variantID, ac)
		}
	}
}
