package recognition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinksync/syncbrain/internal/conf"
)

func newMatcher(t *testing.T, threshold float64, identities map[string][][]float32) *Matcher {
	t.Helper()
	g := NewGallery()
	for name, embs := range identities {
		for _, e := range embs {
			require.NoError(t, g.Add(name, e))
		}
	}
	return NewMatcher(g, &conf.RecognitionSettings{Threshold: threshold})
}

func TestMatchPicksBestIdentity(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, 0.6, map[string][][]float32{
		"alice": {{1, 0, 0}},
		"bob":   {{0, 1, 0}},
	})

	identity, score := m.Match([]float32{0.9, 0.1, 0})
	assert.Equal(t, "alice", identity)
	assert.Greater(t, score, 0.9)
	assert.LessOrEqual(t, score, 1.0)
}

func TestMatchBelowThresholdIsUnknown(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, 0.95, map[string][][]float32{"alice": {{1, 0}}})

	identity, score := m.Match([]float32{1, 1})
	assert.Equal(t, Unknown, identity)
	assert.InDelta(t, 0.7071, score, 1e-3)
}

func TestMatchTieIsUnknown(t *testing.T) {
	t.Parallel()

	// the query sits exactly between two identities
	m := newMatcher(t, 0.5, map[string][][]float32{
		"alice": {{1, 0}},
		"bob":   {{0, 1}},
	})

	for range 5 {
		identity, _ := m.Match([]float32{1, 1})
		assert.Equal(t, Unknown, identity, "a tie must never resolve to either identity")
	}
}

func TestMatchSameIdentityReferencesDoNotTie(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, 0.5, map[string][][]float32{
		"alice": {{1, 0}, {1, 0}},
	})

	identity, _ := m.Match([]float32{1, 0.1})
	assert.Equal(t, "alice", identity)
}

func TestMatchUsesBestReferencePerIdentity(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, 0.8, map[string][][]float32{
		"alice": {{0, 1}, {1, 0}},
		"bob":   {{0.7, 0.7}},
	})

	identity, score := m.Match([]float32{1, 0})
	assert.Equal(t, "alice", identity)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestMatchIdentityThresholdOverride(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, 0.5, map[string][][]float32{"alice": {{1, 0}}})
	require.NoError(t, m.Gallery().SetThreshold("alice", 0.99))

	identity, _ := m.Match([]float32{1, 0.3})
	assert.Equal(t, Unknown, identity)

	identity, _ = m.Match([]float32{1, 0})
	assert.Equal(t, "alice", identity)
}

func TestMatchEmptyGallery(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, 0.5, nil)
	identity, score := m.Match([]float32{1, 0})
	assert.Equal(t, Unknown, identity)
	assert.Zero(t, score)
}

func TestConfidenceIsClamped(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, 0.5, map[string][][]float32{"alice": {{1, 0}}})
	_, score := m.Match([]float32{-1, 0})
	assert.Zero(t, score)
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 0}))
}
