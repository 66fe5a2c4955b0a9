package processor

import (
	"cmp"
	"maps"
	"slices"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/recognition"
)

// aggregator folds per-frame matches into one entry per identity
type aggregator struct {
	entries map[string]*catalog.FaceMatch
}

func newAggregator() *aggregator {
	return &aggregator{entries: make(map[string]*catalog.FaceMatch)}
}

// add records the matches of one sampled frame. An identity seen several
// times in the same frame counts once towards FrameCount.
func (a *aggregator) add(frameIndex int, matches []recognition.Match) {
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		e, ok := a.entries[m.Identity]
		if !ok {
			e = &catalog.FaceMatch{Identity: m.Identity, Confidence: -1}
			a.entries[m.Identity] = e
		}
		if !seen[m.Identity] {
			e.FrameCount++
			seen[m.Identity] = true
		}
		if m.Confidence > e.Confidence {
			e.Confidence = m.Confidence
			e.FrameIndex = frameIndex
			e.Region = catalog.Region{X: m.Region.X, Y: m.Region.Y, W: m.Region.W, H: m.Region.H}
		}
	}
}

// result returns the aggregated matches by confidence, then identity
func (a *aggregator) result() []catalog.FaceMatch {
	out := make([]catalog.FaceMatch, 0, len(a.entries))
	for _, name := range slices.Sorted(maps.Keys(a.entries)) {
		out = append(out, *a.entries[name])
	}
	slices.SortStableFunc(out, func(x, y catalog.FaceMatch) int {
		if c := cmp.Compare(y.Confidence, x.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(x.Identity, y.Identity)
	})
	return out
}

// identities returns the named identities found, excluding Unknown
func (a *aggregator) identities() []string {
	var names []string
	for name := range a.entries {
		if name != recognition.Unknown {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
