// Package mediadiff computes the minimal catalog mutation that turns
// one live image set into another. Identity is a normalized URL, so an
// image keeps its catalog media id across rotations and is never
// re-uploaded while it is still live.
package mediadiff

import (
	"net/url"
	"strings"

	"github.com/splitshelf/splitshelf/internal/models"
)

// Diff is the mutation plan between a current and a target image set.
type Diff struct {
	// ToKeep holds target entries already live, with the current
	// entry's catalog media id reattached.
	ToKeep []models.ImageRef
	// ToAdd holds target entries that must be uploaded.
	ToAdd []models.ImageRef
	// ToDelete holds live entries absent from the target that carry a
	// catalog media id. Entries never uploaded have nothing to delete.
	ToDelete []models.ImageRef
	// NeedsReorder is true when the ordered URL sequences differ even
	// though the sets may be identical; callers can then issue a cheap
	// reorder instead of delete+recreate.
	NeedsReorder bool
}

// NormalizeURL reduces an image URL to scheme+host+path, lowercased,
// query and fragment stripped. Two refs with equal normalized URLs are
// the same image regardless of which media id they hold.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return strings.ToLower(u.Scheme + "://" + u.Host + u.Path)
}

// Compute returns the plan for replacing current with target.
func Compute(current, target []models.ImageRef) Diff {
	cur := dedupe(current)
	tgt := dedupe(target)

	curByURL := make(map[string]models.ImageRef, len(cur))
	for _, ref := range cur {
		curByURL[NormalizeURL(ref.URL)] = ref
	}
	tgtURLs := make(map[string]bool, len(tgt))
	for _, ref := range tgt {
		tgtURLs[NormalizeURL(ref.URL)] = true
	}

	d := Diff{}
	for _, ref := range tgt {
		key := NormalizeURL(ref.URL)
		if live, ok := curByURL[key]; ok {
			kept := ref
			kept.MediaID = live.MediaID
			d.ToKeep = append(d.ToKeep, kept)
		} else {
			d.ToAdd = append(d.ToAdd, ref)
		}
	}
	for _, ref := range cur {
		if !tgtURLs[NormalizeURL(ref.URL)] && ref.MediaID != "" {
			d.ToDelete = append(d.ToDelete, ref)
		}
	}

	d.NeedsReorder = !sameOrder(cur, tgt)
	return d
}

// dedupe removes duplicate entries by normalized URL, preferring the
// entry that already carries a catalog media id.
func dedupe(refs []models.ImageRef) []models.ImageRef {
	seen := make(map[string]int, len(refs))
	out := make([]models.ImageRef, 0, len(refs))
	for _, ref := range refs {
		key := NormalizeURL(ref.URL)
		if idx, ok := seen[key]; ok {
			if out[idx].MediaID == "" && ref.MediaID != "" {
				out[idx].MediaID = ref.MediaID
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, ref)
	}
	return out
}

func sameOrder(a, b []models.ImageRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if NormalizeURL(a[i].URL) != NormalizeURL(b[i].URL) {
			return false
		}
	}
	return true
}
