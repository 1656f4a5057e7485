// Package gallery holds the known identities and their reference embeddings.
// A Gallery is built once at startup and is read-only afterwards.
package gallery

import (
	"context"
	"errors"
	"fmt"

	"face-attendance/internal/core/models"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrUnreadableReference is returned when a reference image cannot be decoded.
	ErrUnreadableReference = errors.New("unreadable reference image")
	// ErrNoFaceInReference is returned when a reference image contains no face.
	ErrNoFaceInReference = errors.New("no face in reference image")
	// ErrMultipleFacesInReference is returned under PolicyReject for multi-face references.
	ErrMultipleFacesInReference = errors.New("multiple faces in reference image")
)

// MultiFacePolicy decides what happens when a reference image yields several faces.
type MultiFacePolicy string

const (
	PolicyFirst  MultiFacePolicy = "first"
	PolicyReject MultiFacePolicy = "reject"
)

// Reference is one labelled reference image.
type Reference struct {
	IdentityID string
	Path       string
}

// Source lists the reference collection.
type Source interface {
	List() ([]Reference, error)
}

// Encoder turns a reference image into one embedding per detected face.
type Encoder interface {
	EncodeReference(ctx context.Context, path string) ([]models.Embedding, error)
}

// Gallery is an ordered, immutable collection of known identities.
type Gallery struct {
	entries []models.KnownIdentity
}

// New builds a gallery from already computed identities. Order is preserved.
func New(entries ...models.KnownIdentity) *Gallery {
	copied := make([]models.KnownIdentity, len(entries))
	copy(copied, entries)
	return &Gallery{entries: copied}
}

// Build encodes every reference of src. Per-item failures are logged and skipped;
// only an unavailable source is fatal.
func Build(ctx context.Context, src Source, enc Encoder, policy MultiFacePolicy) (*Gallery, error) {
	refs, err := src.List()
	if err != nil {
		return nil, fmt.Errorf("reference collection unavailable: %w", err)
	}

	g := &Gallery{entries: make([]models.KnownIdentity, 0, len(refs))}
	seen := make(map[string]bool, len(refs))

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		logger := log.WithFields(log.Fields{"identity_id": ref.IdentityID, "path": ref.Path})

		if seen[ref.IdentityID] {
			logger.Warn("Duplicate reference for identity, keeping the first one")
			continue
		}

		embedding, err := encodeOne(ctx, enc, ref, policy)
		if err != nil {
			logger.WithError(err).Warn("Skipping reference image")
			continue
		}

		seen[ref.IdentityID] = true
		g.entries = append(g.entries, models.KnownIdentity{IdentityID: ref.IdentityID, Embedding: embedding})
	}

	log.Infof("Gallery built with %d of %d reference images", len(g.entries), len(refs))
	return g, nil
}

func encodeOne(ctx context.Context, enc Encoder, ref Reference, policy MultiFacePolicy) (models.Embedding, error) {
	embeddings, err := enc.EncodeReference(ctx, ref.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableReference, err)
	}

	switch {
	case len(embeddings) == 0:
		return nil, ErrNoFaceInReference
	case len(embeddings) > 1 && policy == PolicyReject:
		return nil, fmt.Errorf("%w: %d faces", ErrMultipleFacesInReference, len(embeddings))
	case len(embeddings) > 1:
		log.WithField("identity_id", ref.IdentityID).Warnf("Reference has %d faces, using the first", len(embeddings))
	}
	return embeddings[0], nil
}

// All returns the identities in insertion order. The slice must not be modified.
func (g *Gallery) All() []models.KnownIdentity {
	if g == nil {
		return nil
	}
	return g.entries
}

// Len returns the number of identities.
func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// IDs returns the identity ids in insertion order.
func (g *Gallery) IDs() []string {
	ids := make([]string, 0, g.Len())
	for _, e := range g.All() {
		ids = append(ids, e.IdentityID)
	}
	return ids
}

// Has reports whether identityID has at least one reference.
func (g *Gallery) Has(identityID string) bool {
	for _, e := range g.All() {
		if e.IdentityID == identityID {
			return true
		}
	}
	return false
}
