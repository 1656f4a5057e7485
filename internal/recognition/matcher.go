package recognition

import (
	"math"

	"face-attendance/internal/core/models"
	"face-attendance/internal/gallery"

	log "github.com/sirupsen/logrus"
)

// DefaultTolerance is the dlib face descriptor threshold used by face_recognition style models.
const DefaultTolerance = 0.6

// Matcher compares query embeddings with a gallery.
type Matcher struct {
	tolerance float64
}

// NewMatcher creates a matcher. A non-positive tolerance falls back to DefaultTolerance.
func NewMatcher(tolerance float64) *Matcher {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Matcher{tolerance: tolerance}
}

// Tolerance returns the configured acceptance threshold.
func (m *Matcher) Tolerance() float64 {
	return m.tolerance
}

// Match finds the nearest gallery identity for embedding.
func (m *Matcher) Match(embedding models.Embedding, g *gallery.Gallery) models.MatchResult {
	return Match(embedding, g, m.tolerance)
}

// Match scans the whole gallery with Euclidean distance. The first entry with the
// minimum distance wins. Confidence is 1 - d_min, reported unclamped. An empty
// gallery yields no match.
func Match(embedding models.Embedding, g *gallery.Gallery, tolerance float64) models.MatchResult {
	best := -1
	bestDistance := math.Inf(1)

	for i, known := range g.All() {
		if len(known.Embedding) != len(embedding) {
			log.WithField("identity_id", known.IdentityID).Warnf(
				"Embedding length mismatch (%d vs %d), skipping", len(known.Embedding), len(embedding))
			continue
		}
		d := embedding.Distance(known.Embedding)
		if d < bestDistance {
			best, bestDistance = i, d
		}
	}

	if best < 0 {
		return models.MatchResult{Distance: math.Inf(1)}
	}

	result := models.MatchResult{
		Confidence: 1 - bestDistance,
		Distance:   bestDistance,
	}
	if bestDistance <= tolerance {
		result.IdentityID = g.All()[best].IdentityID
	}
	return result
}
