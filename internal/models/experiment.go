package models

import (
	"errors"
	"time"
)

type ExperimentStatus string

const (
	ExperimentStatusDraft     ExperimentStatus = "draft"
	ExperimentStatusRunning   ExperimentStatus = "running"
	ExperimentStatusPaused    ExperimentStatus = "paused"
	ExperimentStatusCompleted ExperimentStatus = "completed"
	ExperimentStatusArchived  ExperimentStatus = "archived"
)

// IsTerminal reports whether the status permits no further transitions.
func (s ExperimentStatus) IsTerminal() bool {
	return s == ExperimentStatusCompleted || s == ExperimentStatusArchived
}

type ExperimentScope string

const (
	// ScopeProduct swaps the product's whole image gallery.
	ScopeProduct ExperimentScope = "product"
	// ScopeVariant swaps only per-variant hero images.
	ScopeVariant ExperimentScope = "variant"
)

type Case string

const (
	CaseBase Case = "base"
	CaseTest Case = "test"
)

// Toggle returns the opposite case.
func (c Case) Toggle() Case {
	if c == CaseBase {
		return CaseTest
	}
	return CaseBase
}

// ImageRef is one entry of an experiment image set. MediaID is the
// catalog's identifier once the image has been uploaded; it is empty
// for images that only exist as source URLs so far.
type ImageRef struct {
	URL      string `json:"url"`
	MediaID  string `json:"media_id,omitempty"`
	Position int    `json:"position"`
}

// VariantCase links a variant-scope experiment to one catalog variant,
// carrying a single hero image per case instead of a gallery.
type VariantCase struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	BaseHero     ImageRef  `json:"base_hero"`
	TestHero     ImageRef  `json:"test_hero"`
	CreatedAt    time.Time `json:"created_at"`
}

// Experiment is one configured BASE/TEST comparison for a product or
// its variants. currentCase always reflects the image set that is live
// on the catalog.
type Experiment struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`

	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Scope     ExperimentScope `json:"scope"`

	Status      ExperimentStatus `json:"status"`
	CurrentCase Case             `json:"current_case"`

	// BaseImages is a snapshot of the pre-experiment catalog state,
	// captured at start and never mutated.
	BaseImages []ImageRef `json:"base_images"`
	TestImages []ImageRef `json:"test_images"`

	VariantCases []VariantCase `json:"variant_cases,omitempty"`

	// RotationIntervalHours allows fractional hours (0.5 = 30 minutes).
	RotationIntervalHours float64    `json:"rotation_interval_hours"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	LastRotationAt        *time.Time `json:"last_rotation_at,omitempty"`
	NextRotationAt        *time.Time `json:"next_rotation_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RotationInterval returns the configured cadence as a duration.
func (e *Experiment) RotationInterval() time.Duration {
	return time.Duration(e.RotationIntervalHours * float64(time.Hour))
}

// TargetImages returns the image set that should be live for the given case.
func (e *Experiment) TargetImages(c Case) []ImageRef {
	if c == CaseBase {
		return e.BaseImages
	}
	return e.TestImages
}

// DueAt reports whether the experiment is eligible for a scheduled flip.
func (e *Experiment) DueAt(now time.Time) bool {
	return e.Status == ExperimentStatusRunning &&
		e.NextRotationAt != nil &&
		!e.NextRotationAt.After(now)
}

// FindVariantCase returns the VariantCase for a catalog variant id, or nil.
func (e *Experiment) FindVariantCase(variantID string) *VariantCase {
	for i := range e.VariantCases {
		if e.VariantCases[i].VariantID == variantID {
			return &e.VariantCases[i]
		}
	}
	return nil
}

func (e *Experiment) Validate() error {
	if e.ID == "" {
		return errors.New("id is required")
	}
	if e.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if e.ProductID == "" {
		return errors.New("product_id is required")
	}
	if e.Scope != ScopeProduct && e.Scope != ScopeVariant {
		return errors.New("scope must be product or variant")
	}
	if e.RotationIntervalHours <= 0 {
		return errors.New("rotation_interval_hours must be > 0")
	}
	if e.Scope == ScopeVariant && len(e.VariantCases) == 0 && len(e.TestImages) == 0 {
		return errors.New("variant scope requires at least one variant case")
	}
	if e.Scope == ScopeProduct && len(e.TestImages) == 0 {
		return errors.New("at least one test image required")
	}
	if e.Status == ExperimentStatusRunning && e.NextRotationAt == nil {
		return errors.New("running experiment must have next_rotation_at set")
	}
	return nil
}
