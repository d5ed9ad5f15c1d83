package stats

import (
	"math"
	"testing"

	"github.com/splitshelf/splitshelf/internal/models"
)

func makeEvents(c models.Case, impressions, addToCarts int) []*models.Event {
	out := make([]*models.Event, 0, impressions+addToCarts)
	for i := 0; i < impressions; i++ {
		out = append(out, &models.Event{Type: models.EventImpression, Case: c})
	}
	for i := 0; i < addToCarts; i++ {
		out = append(out, &models.Event{Type: models.EventAddToCart, Case: c})
	}
	return out
}

func TestComputeSignificantWinner(t *testing.T) {
	// 12% vs 15% add-to-cart rate at n=1000 each sits just past the
	// 95% line: z ~= 1.96, confidence ~= 95.04%.
	events := append(
		makeEvents(models.CaseBase, 1000, 120),
		makeEvents(models.CaseTest, 1000, 150)...,
	)

	res := Compute(events)

	if res.Base.Impressions != 1000 || res.Test.Impressions != 1000 {
		t.Fatalf("impressions: base %d test %d", res.Base.Impressions, res.Test.Impressions)
	}
	if math.Abs(res.ZScore-1.963) > 0.01 {
		t.Errorf("z-score %f, want ~1.963", res.ZScore)
	}
	if res.Confidence < 95.0 || res.Confidence > 95.2 {
		t.Errorf("confidence %f, want ~95.04", res.Confidence)
	}
	if !res.IsSignificant {
		t.Error("expected significance at ~95.04%")
	}
	if res.Winner == nil || *res.Winner != models.CaseTest {
		t.Errorf("expected TEST winner, got %v", res.Winner)
	}
	if math.Abs(res.Lift-25.0) > 0.01 {
		t.Errorf("lift %f, want 25.0", res.Lift)
	}
}

func TestComputeNoWinnerBelowThreshold(t *testing.T) {
	// Same rates differ but the sample is too small to call it.
	events := append(
		makeEvents(models.CaseBase, 100, 12),
		makeEvents(models.CaseTest, 100, 15)...,
	)

	res := Compute(events)

	if res.IsSignificant {
		t.Errorf("n=100 must not be significant, confidence %f", res.Confidence)
	}
	if res.Winner != nil {
		t.Errorf("non-significant result must not name a winner, got %v", *res.Winner)
	}
}

func TestComputeZeroImpressions(t *testing.T) {
	res := Compute(nil)

	if res.ZScore != 0 {
		t.Errorf("z-score %f, want 0", res.ZScore)
	}
	if res.IsSignificant {
		t.Error("empty log must not be significant")
	}
	if res.Winner != nil {
		t.Error("empty log must not name a winner")
	}
	if res.Base.Rate != 0 || res.Test.Rate != 0 {
		t.Errorf("rates must be 0 with no impressions: %f / %f", res.Base.Rate, res.Test.Rate)
	}
}

func TestComputeOneSidedData(t *testing.T) {
	// Only BASE has impressions; no comparison is possible.
	res := Compute(makeEvents(models.CaseBase, 500, 50))

	if res.ZScore != 0 {
		t.Errorf("z-score %f, want 0 with one empty side", res.ZScore)
	}
	if res.Winner != nil {
		t.Error("one-sided data must not name a winner")
	}
}

func TestComputeEqualRatesNoWinner(t *testing.T) {
	// Degenerate case: everyone converts. The pooled standard error is
	// zero, so the z-test must bail out rather than divide by zero, and
	// equal rates never name a winner regardless of confidence.
	events := append(
		makeEvents(models.CaseBase, 100, 100),
		makeEvents(models.CaseTest, 100, 100)...,
	)

	res := Compute(events)

	if res.ZScore != 0 {
		t.Errorf("z-score %f, want 0 for zero pooled variance", res.ZScore)
	}
	if res.Winner != nil {
		t.Error("equal rates must not name a winner")
	}
}

func TestComputeAggregatesRevenue(t *testing.T) {
	rev1, rev2 := 42.50, 19.99
	events := []*models.Event{
		{Type: models.EventImpression, Case: models.CaseBase},
		{Type: models.EventPurchase, Case: models.CaseBase, Revenue: &rev1},
		{Type: models.EventPurchase, Case: models.CaseBase, Revenue: &rev2},
		{Type: models.EventPurchase, Case: models.CaseTest}, // no revenue yet
	}

	res := Compute(events)

	if res.Base.Purchases != 2 {
		t.Errorf("base purchases %d, want 2", res.Base.Purchases)
	}
	if math.Abs(res.Base.Revenue-62.49) > 1e-9 {
		t.Errorf("base revenue %f, want 62.49", res.Base.Revenue)
	}
	if res.Test.Purchases != 1 || res.Test.Revenue != 0 {
		t.Errorf("test: %d purchases, %f revenue", res.Test.Purchases, res.Test.Revenue)
	}
}

func TestApproxNormalCDF(t *testing.T) {
	dist := ApproxNormal{}
	cases := []struct {
		z, want float64
	}{
		{0, 0.5},
		{1.96, 0.975},
		{-1.96, 0.025},
		{3, 0.99865},
	}
	for _, c := range cases {
		if got := dist.CDF(c.z); math.Abs(got-c.want) > 1e-3 {
			t.Errorf("CDF(%f) = %f, want %f", c.z, got, c.want)
		}
	}
}

func TestApproxNormalInverseCDFRoundTrip(t *testing.T) {
	dist := ApproxNormal{}
	for _, p := range []float64{0.025, 0.2, 0.5, 0.8, 0.975} {
		z := dist.InverseCDF(p)
		if got := dist.CDF(z); math.Abs(got-p) > 1e-3 {
			t.Errorf("CDF(InverseCDF(%f)) = %f", p, got)
		}
	}
}
