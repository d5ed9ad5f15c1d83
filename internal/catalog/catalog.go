// Package catalog defines the storefront catalog collaborator used to
// mutate product media during rotations. The engine only depends on
// this interface; the HTTP client below talks to the real storefront
// and the in-memory fake backs tests and dev mode.
package catalog

import (
	"context"

	"github.com/splitshelf/splitshelf/internal/models"
)

// Media is one catalog-side media object.
type Media struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Position int    `json:"position"`
}

// Client is the minimal catalog surface the rotation engine needs. All
// calls are assumed individually idempotent-enough to retry on
// ambiguous failure.
type Client interface {
	// CreateMedia uploads images into the owner's media collection and
	// returns the created media, in input order.
	CreateMedia(ctx context.Context, ownerID string, refs []models.ImageRef) ([]Media, error)

	// DeleteMedia removes media objects from the owner's collection.
	DeleteMedia(ctx context.Context, ownerID string, mediaIDs []string) error

	// ReorderMedia sets the owner's media collection order.
	ReorderMedia(ctx context.Context, ownerID string, mediaIDs []string) error

	// SetVariantHero assigns a media object as the variant's single
	// hero image.
	SetVariantHero(ctx context.Context, variantID, mediaID string) error
}
