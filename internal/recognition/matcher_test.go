package recognition

import (
	"testing"

	"face-attendance/internal/core/models"
	"face-attendance/internal/gallery"

	"github.com/stretchr/testify/assert"
)

func testGallery() *gallery.Gallery {
	return gallery.New(
		models.KnownIdentity{IdentityID: "R100", Embedding: models.Embedding{0, 0}},
		models.KnownIdentity{IdentityID: "R101", Embedding: models.Embedding{1.2, 0}},
	)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name           string
		query          models.Embedding
		tolerance      float64
		wantIdentity   string
		wantConfidence float64
	}{
		{
			name:           "nearest within tolerance",
			query:          models.Embedding{0.3, 0},
			tolerance:      0.6,
			wantIdentity:   "R100",
			wantConfidence: 0.7,
		},
		{
			name:           "exact tolerance is accepted",
			query:          models.Embedding{0, 0.5},
			tolerance:      0.5,
			wantIdentity:   "R100",
			wantConfidence: 0.5,
		},
		{
			name:           "outside tolerance is rejected but confidence reported",
			query:          models.Embedding{0.6, 0.8},
			tolerance:      0.6,
			wantIdentity:   "",
			wantConfidence: 0.0,
		},
		{
			name:           "second identity closer",
			query:          models.Embedding{1.1, 0},
			tolerance:      0.6,
			wantIdentity:   "R101",
			wantConfidence: 0.9,
		},
	}

	g := testGallery()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(tt.query, g, tt.tolerance)
			assert.Equal(t, tt.wantIdentity, got.IdentityID)
			assert.InDelta(t, tt.wantConfidence, got.Confidence, 1e-6)
			assert.InDelta(t, 1-tt.wantConfidence, got.Distance, 1e-6)
			assert.Equal(t, tt.wantIdentity != "", got.Matched())
		})
	}
}

func TestMatch_TieGoesToFirstInserted(t *testing.T) {
	g := gallery.New(
		models.KnownIdentity{IdentityID: "A", Embedding: models.Embedding{1, 0}},
		models.KnownIdentity{IdentityID: "B", Embedding: models.Embedding{-1, 0}},
		models.KnownIdentity{IdentityID: "C", Embedding: models.Embedding{0, 1}},
	)
	got := Match(models.Embedding{0, 0}, g, 1.0)
	assert.Equal(t, "A", got.IdentityID)
}

func TestMatch_EmptyGallery(t *testing.T) {
	for _, g := range []*gallery.Gallery{nil, gallery.New()} {
		got := Match(models.Embedding{0.1, 0.2}, g, 0.6)
		assert.False(t, got.Matched())
		assert.Zero(t, got.Confidence)
	}
}

func TestMatch_SkipsMismatchedLengths(t *testing.T) {
	g := gallery.New(
		models.KnownIdentity{IdentityID: "short", Embedding: models.Embedding{0}},
		models.KnownIdentity{IdentityID: "R100", Embedding: models.Embedding{0, 0}},
	)
	got := Match(models.Embedding{0.1, 0}, g, 0.6)
	assert.Equal(t, "R100", got.IdentityID)
}

func TestNewMatcher_DefaultTolerance(t *testing.T) {
	assert.Equal(t, DefaultTolerance, NewMatcher(0).Tolerance())
	m := NewMatcher(0.4)
	assert.Equal(t, 0.4, m.Tolerance())
	assert.Equal(t, "R100", m.Match(models.Embedding{0.3, 0}, testGallery()).IdentityID)
}
