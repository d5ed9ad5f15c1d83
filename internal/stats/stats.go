// Package stats reduces a raw event log to a lift and significance
// verdict. It is a pure reduction with no incremental state: the result
// is re-derivable at any time from the full event set.
package stats

import (
	"math"

	"github.com/splitshelf/splitshelf/internal/models"
)

// SignificanceThreshold is the confidence (in percent) above which a
// winner may be declared.
const SignificanceThreshold = 95.0

// CaseStats aggregates one case's events.
type CaseStats struct {
	Impressions int     `json:"impressions"`
	AddToCarts  int     `json:"add_to_carts"`
	Purchases   int     `json:"purchases"`
	Revenue     float64 `json:"revenue"`
	Rate        float64 `json:"rate"`
}

// Result is the full verdict for one experiment.
type Result struct {
	Base CaseStats `json:"base"`
	Test CaseStats `json:"test"`

	// Lift is the relative percentage difference in add-to-cart rate
	// between TEST and BASE.
	Lift          float64 `json:"lift"`
	ZScore        float64 `json:"z_score"`
	PValue        float64 `json:"p_value"`
	Confidence    float64 `json:"confidence"`
	IsSignificant bool    `json:"is_significant"`

	// Winner is set only when the result is significant; a
	// non-significant result never reports a winner.
	Winner *models.Case `json:"winner,omitempty"`

	SampleSize int `json:"sample_size"`
}

// Compute reduces events to a Result using the default approximations.
func Compute(events []*models.Event) Result {
	return ComputeWith(events, ApproxNormal{})
}

// ComputeWith reduces events using the supplied normal distribution.
func ComputeWith(events []*models.Event, dist NormalDist) Result {
	var base, test CaseStats
	for _, ev := range events {
		cs := &base
		if ev.Case == models.CaseTest {
			cs = &test
		}
		switch ev.Type {
		case models.EventImpression:
			cs.Impressions++
		case models.EventAddToCart:
			cs.AddToCarts++
		case models.EventPurchase:
			cs.Purchases++
			if ev.Revenue != nil {
				cs.Revenue += *ev.Revenue
			}
		}
	}
	base.Rate = rate(base.AddToCarts, base.Impressions)
	test.Rate = rate(test.AddToCarts, test.Impressions)

	res := Result{
		Base:       base,
		Test:       test,
		SampleSize: base.Impressions + test.Impressions,
	}

	if base.Rate > 0 {
		res.Lift = (test.Rate - base.Rate) / base.Rate * 100
	}

	z := poolZScore(base, test)
	res.ZScore = z
	// Two-tailed p-value from the normal CDF.
	res.PValue = 2 * (1 - dist.CDF(math.Abs(z)))
	res.Confidence = (1 - res.PValue) * 100
	res.IsSignificant = res.Confidence >= SignificanceThreshold

	if res.IsSignificant && base.Rate != test.Rate {
		winner := models.CaseBase
		if test.Rate > base.Rate {
			winner = models.CaseTest
		}
		res.Winner = &winner
	}

	return res
}

// ByVariant reduces events into per-variant results keyed by variant
// id. Events without a variant id are left out; they are covered by
// the experiment-level result.
func ByVariant(events []*models.Event) map[string]Result {
	grouped := make(map[string][]*models.Event)
	for _, ev := range events {
		if ev.VariantID == "" {
			continue
		}
		grouped[ev.VariantID] = append(grouped[ev.VariantID], ev)
	}
	if len(grouped) == 0 {
		return nil
	}
	out := make(map[string]Result, len(grouped))
	for variantID, evs := range grouped {
		out[variantID] = Compute(evs)
	}
	return out
}

// poolZScore runs a two-proportion z-test on add-to-cart rate with a
// pooled proportion under the null hypothesis.
func poolZScore(base, test CaseStats) float64 {
	if base.Impressions == 0 || test.Impressions == 0 {
		return 0
	}
	nB := float64(base.Impressions)
	nT := float64(test.Impressions)
	pooled := float64(base.AddToCarts+test.AddToCarts) / (nB + nT)

	se := math.Sqrt(pooled * (1 - pooled) * (1/nB + 1/nT))
	if se == 0 {
		return 0
	}
	return (test.Rate - base.Rate) / se
}

func rate(conversions, impressions int) float64 {
	if impressions == 0 {
		return 0
	}
	return float64(conversions) / float64(impressions)
}
