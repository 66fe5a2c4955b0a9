package recognition

import (
	"math"

	"github.com/blinksync/syncbrain/internal/conf"
)

// DefaultTieEpsilon is the similarity gap below which two identities tie
const DefaultTieEpsilon = 1e-6

// Matcher compares face embeddings against a gallery
type Matcher struct {
	gallery    *Gallery
	threshold  float64
	tieEpsilon float64
}

// NewMatcher creates a matcher using the global threshold from settings
func NewMatcher(gallery *Gallery, settings *conf.RecognitionSettings) *Matcher {
	eps := settings.TieEpsilon
	if eps <= 0 {
		eps = DefaultTieEpsilon
	}
	return &Matcher{gallery: gallery, threshold: settings.Threshold, tieEpsilon: eps}
}

// Gallery returns the gallery the matcher reads
func (m *Matcher) Gallery() *Gallery {
	return m.gallery
}

type candidate struct {
	identity   string
	threshold  float64
	similarity float64
}

// Match returns the identity for an embedding and its confidence. The
// identity is Unknown when the best similarity is under threshold or when two
// identities share the best similarity.
func (m *Matcher) Match(embedding []float32) (string, float64) {
	best := make(map[string]candidate)
	for _, ref := range m.gallery.references() {
		if len(ref.embedding) != len(embedding) {
			continue
		}
		sim := cosine(embedding, ref.embedding)
		if c, ok := best[ref.identity]; !ok || sim > c.similarity {
			best[ref.identity] = candidate{identity: ref.identity, threshold: ref.threshold, similarity: sim}
		}
	}
	if len(best) == 0 {
		return Unknown, 0
	}

	var top, second *candidate
	for _, c := range best {
		switch {
		case top == nil || c.similarity > top.similarity:
			second = top
			top = &c
		case second == nil || c.similarity > second.similarity:
			second = &c
		}
	}

	confidence := clamp01(top.similarity)
	if second != nil && top.similarity-second.similarity <= m.tieEpsilon {
		return Unknown, confidence
	}

	threshold := m.threshold
	if top.threshold > 0 {
		threshold = top.threshold
	}
	if top.similarity < threshold {
		return Unknown, confidence
	}
	return top.identity, confidence
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
