package engine

import (
	"context"
	"testing"
	"time"

	"github.com/splitshelf/splitshelf/internal/models"
	"github.com/splitshelf/splitshelf/internal/storage"
	"go.uber.org/zap"
)

func newIngestFixture(t *testing.T) (*IngestService, *storage.InMemoryExperimentRepo, *storage.InMemoryEventStore) {
	t.Helper()
	experiments := storage.NewInMemoryExperimentRepo()
	events := storage.NewInMemoryEventStore()
	attribution := NewAttributionService(experiments, nil, time.Minute, zap.NewNop())
	svc := NewIngestService(experiments, events, attribution, nil, zap.NewNop(), nil)
	svc.now = testClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return svc, experiments, events
}

func seedRunning(t *testing.T, repo *storage.InMemoryExperimentRepo, id string) *models.Experiment {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := runningExperiment(id, 24, now.Add(12*time.Hour))
	if err := repo.Upsert(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func impression(experimentID, sessionID string, c models.Case) *models.Event {
	return &models.Event{
		ExperimentID: experimentID,
		SessionID:    sessionID,
		Type:         models.EventImpression,
		Case:         c,
		ProductID:    "prod-1",
	}
}

func TestRecordImpressionDedupPerCase(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newIngestFixture(t)
	seedRunning(t, repo, "exp-1")

	first, err := svc.Record(ctx, impression("exp-1", "sess-1", models.CaseBase))
	if err != nil {
		t.Fatal(err)
	}
	if !first.Accepted || first.Duplicate {
		t.Fatalf("first impression: %+v", first)
	}

	replay, err := svc.Record(ctx, impression("exp-1", "sess-1", models.CaseBase))
	if err != nil {
		t.Fatal(err)
	}
	if !replay.Duplicate {
		t.Fatal("replayed impression must be reported as duplicate")
	}
	if replay.EventID != first.EventID {
		t.Errorf("duplicate must reference the original event, got %s want %s", replay.EventID, first.EventID)
	}

	// Same session, other case: a fresh exposure after rotation.
	other, err := svc.Record(ctx, impression("exp-1", "sess-1", models.CaseTest))
	if err != nil {
		t.Fatal(err)
	}
	if other.Duplicate {
		t.Error("impression under the other case must not be deduplicated")
	}

	// Other session, same case.
	fresh, err := svc.Record(ctx, impression("exp-1", "sess-2", models.CaseBase))
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Duplicate {
		t.Error("impression from another session must not be deduplicated")
	}
}

func TestRecordAddToCartNeverDeduplicated(t *testing.T) {
	ctx := context.Background()
	svc, repo, events := newIngestFixture(t)
	seedRunning(t, repo, "exp-1")

	for i := 0; i < 3; i++ {
		ev := impression("exp-1", "sess-1", models.CaseBase)
		ev.Type = models.EventAddToCart
		res, err := svc.Record(ctx, ev)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Accepted || res.Duplicate {
			t.Fatalf("add-to-cart #%d: %+v", i, res)
		}
	}

	stored, _ := events.ListByExperiment(ctx, "exp-1")
	if len(stored) != 3 {
		t.Errorf("stored %d events, want 3", len(stored))
	}
}

func TestRecordRejections(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newIngestFixture(t)
	seedRunning(t, repo, "exp-1")

	archived := seedRunning(t, repo, "exp-arch")
	archived.Status = models.ExperimentStatusArchived
	if err := repo.Upsert(ctx, archived); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		ev   *models.Event
	}{
		{"unknown experiment", impression("exp-nope", "sess-1", models.CaseBase)},
		{"archived experiment", impression("exp-arch", "sess-1", models.CaseBase)},
		{"missing session", &models.Event{
			ExperimentID: "exp-1", Type: models.EventImpression,
			Case: models.CaseBase, ProductID: "prod-1",
		}},
		{"bad case", &models.Event{
			ExperimentID: "exp-1", SessionID: "sess-1",
			Type: models.EventImpression, Case: "control", ProductID: "prod-1",
		}},
	}
	for _, tc := range cases {
		if _, err := svc.Record(ctx, tc.ev); !IsValidation(err) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}

	// Product mismatch against the experiment's target.
	wrong := impression("exp-1", "sess-1", models.CaseBase)
	wrong.ProductID = "prod-other"
	if _, err := svc.Record(ctx, wrong); !IsValidation(err) {
		t.Errorf("product mismatch: expected validation error, got %v", err)
	}
}

func TestPurchaseFastPathThenWebhookEnrichesInPlace(t *testing.T) {
	ctx := context.Background()
	svc, repo, events := newIngestFixture(t)
	seedRunning(t, repo, "exp-1")

	fast := impression("exp-1", "sess-1", models.CaseTest)
	fast.Type = models.EventPurchase
	fast.Metadata = map[string]string{models.MetaOrderID: "ord-42"}
	first, err := svc.Record(ctx, fast)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Accepted || first.Duplicate {
		t.Fatalf("fast-path purchase: %+v", first)
	}

	revenue := 79.90
	qty := 2
	res, err := svc.RecordOrderWebhook(ctx, &OrderNotification{
		OrderID:   "ord-42",
		ProductID: "prod-1",
		Revenue:   &revenue,
		Quantity:  &qty,
		Currency:  "EUR",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Enriched || !res.Duplicate {
		t.Fatalf("webhook on known order must enrich, got %+v", res)
	}
	if res.EventID != first.EventID {
		t.Errorf("enrichment must land on the original row, got %s want %s", res.EventID, first.EventID)
	}

	stored, _ := events.ListByExperiment(ctx, "exp-1")
	if len(stored) != 1 {
		t.Fatalf("expected single purchase row, got %d", len(stored))
	}
	got := stored[0]
	if got.Revenue == nil || *got.Revenue != revenue {
		t.Errorf("revenue not enriched: %v", got.Revenue)
	}
	if got.Quantity == nil || *got.Quantity != qty {
		t.Errorf("quantity not enriched: %v", got.Quantity)
	}
	// Attribution from exposure time survives enrichment.
	if got.Case != models.CaseTest || got.SessionID != "sess-1" {
		t.Errorf("enrichment must preserve attribution, got case=%s session=%s", got.Case, got.SessionID)
	}
	if got.Metadata[models.MetaCurrency] != "EUR" {
		t.Errorf("metadata not merged: %v", got.Metadata)
	}
}

func TestWebhookWithoutFastPathSynthesizesAttributedPurchase(t *testing.T) {
	ctx := context.Background()
	svc, repo, events := newIngestFixture(t)
	e := seedRunning(t, repo, "exp-1")
	e.CurrentCase = models.CaseTest
	if err := repo.Upsert(ctx, e); err != nil {
		t.Fatal(err)
	}

	revenue := 19.99
	res, err := svc.RecordOrderWebhook(ctx, &OrderNotification{
		OrderID:   "ord-7",
		ProductID: "prod-1",
		Revenue:   &revenue,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.Enriched {
		t.Fatalf("orphan webhook: %+v", res)
	}

	stored, _ := events.ListByExperiment(ctx, "exp-1")
	if len(stored) != 1 {
		t.Fatalf("expected one synthesized purchase, got %d", len(stored))
	}
	got := stored[0]
	if got.SessionID != "order:ord-7" {
		t.Errorf("session %q, want order:ord-7", got.SessionID)
	}
	if got.Case != models.CaseTest {
		t.Errorf("orphan purchase attributed to %s, want the live case", got.Case)
	}

	// Replaying the same webhook enriches instead of duplicating.
	replay, err := svc.RecordOrderWebhook(ctx, &OrderNotification{
		OrderID:   "ord-7",
		ProductID: "prod-1",
		Revenue:   &revenue,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !replay.Enriched {
		t.Fatalf("replayed webhook: %+v", replay)
	}
	stored, _ = events.ListByExperiment(ctx, "exp-1")
	if len(stored) != 1 {
		t.Errorf("replay created a second row, have %d", len(stored))
	}
}

func TestWebhookExplicitCaseMetadataWinsOverLiveCase(t *testing.T) {
	ctx := context.Background()
	svc, repo, events := newIngestFixture(t)
	seedRunning(t, repo, "exp-1") // currently on base

	// Checkout instrumentation captured the case at exposure time,
	// before a rotation flipped the product back.
	res, err := svc.RecordOrderWebhook(ctx, &OrderNotification{
		OrderID:      "ord-9",
		ProductID:    "prod-1",
		ExperimentID: "exp-1",
		Case:         models.CaseTest,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted {
		t.Fatalf("webhook with explicit case: %+v", res)
	}

	stored, _ := events.ListByExperiment(ctx, "exp-1")
	if len(stored) != 1 || stored[0].Case != models.CaseTest {
		t.Fatalf("explicit case metadata must win, got %+v", stored)
	}
}

func TestWebhookNoActiveExperimentRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newIngestFixture(t)

	if _, err := svc.RecordOrderWebhook(ctx, &OrderNotification{
		OrderID:   "ord-1",
		ProductID: "prod-idle",
	}); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}

	if _, err := svc.RecordOrderWebhook(ctx, &OrderNotification{ProductID: "prod-1"}); !IsValidation(err) {
		t.Errorf("missing order_id: expected validation error, got %v", err)
	}
}
