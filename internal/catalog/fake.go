package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/splitshelf/splitshelf/internal/models"
)

// FakeClient is an in-memory catalog for tests and dev mode. It tracks
// media per owner and can be told to fail to exercise the scheduler's
// failure paths.
type FakeClient struct {
	mu      sync.Mutex
	nextID  int
	byOwner map[string][]Media
	heroes  map[string]string // variantID -> mediaID

	// FailNext makes the next mutating call return an error.
	FailNext error
	Calls    []string
}

// NewFakeClient returns an empty fake catalog.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		byOwner: make(map[string][]Media),
		heroes:  make(map[string]string),
	}
}

func (f *FakeClient) takeFailure() error {
	err := f.FailNext
	f.FailNext = nil
	return err
}

func (f *FakeClient) CreateMedia(ctx context.Context, ownerID string, refs []models.ImageRef) ([]Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "create:"+ownerID)
	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	created := make([]Media, 0, len(refs))
	for _, ref := range refs {
		f.nextID++
		m := Media{
			ID:       fmt.Sprintf("media_%d", f.nextID),
			URL:      ref.URL,
			Position: ref.Position,
		}
		f.byOwner[ownerID] = append(f.byOwner[ownerID], m)
		created = append(created, m)
	}
	return created, nil
}

func (f *FakeClient) DeleteMedia(ctx context.Context, ownerID string, mediaIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "delete:"+ownerID)
	if err := f.takeFailure(); err != nil {
		return err
	}

	drop := make(map[string]bool, len(mediaIDs))
	for _, id := range mediaIDs {
		drop[id] = true
	}
	kept := f.byOwner[ownerID][:0]
	for _, m := range f.byOwner[ownerID] {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	f.byOwner[ownerID] = kept
	return nil
}

func (f *FakeClient) ReorderMedia(ctx context.Context, ownerID string, mediaIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "reorder:"+ownerID)
	if err := f.takeFailure(); err != nil {
		return err
	}

	byID := make(map[string]Media, len(f.byOwner[ownerID]))
	for _, m := range f.byOwner[ownerID] {
		byID[m.ID] = m
	}
	ordered := make([]Media, 0, len(mediaIDs))
	for i, id := range mediaIDs {
		if m, ok := byID[id]; ok {
			m.Position = i
			ordered = append(ordered, m)
		}
	}
	f.byOwner[ownerID] = ordered
	return nil
}

func (f *FakeClient) SetVariantHero(ctx context.Context, variantID, mediaID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "hero:"+variantID)
	if err := f.takeFailure(); err != nil {
		return err
	}
	f.heroes[variantID] = mediaID
	return nil
}

// MediaFor returns the owner's current media (test helper).
func (f *FakeClient) MediaFor(ownerID string) []Media {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Media, len(f.byOwner[ownerID]))
	copy(out, f.byOwner[ownerID])
	return out
}

// HeroFor returns the variant's current hero media id (test helper).
func (f *FakeClient) HeroFor(variantID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heroes[variantID]
}
