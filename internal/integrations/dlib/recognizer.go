// Package dlib computes 128-d face descriptors with dlib through go-face.
package dlib

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"face-attendance/internal/core/models"
	"face-attendance/internal/core/pipeline"

	face "github.com/Kagami/go-face"
	log "github.com/sirupsen/logrus"
)

// ErrNoFaceInRegion is returned when dlib finds no face in a located region.
var ErrNoFaceInRegion = errors.New("no face in region")

// RegionEncoder is implemented by frames that can hand out a JPEG crop.
type RegionEncoder interface {
	EncodeRegion(region image.Rectangle, pad float64) ([]byte, error)
}

// Recognizer wraps a go-face recognizer. It is a gallery.Encoder for reference
// images and a pipeline.Extractor for live frames.
//
// The model directory must contain shape_predictor_5_face_landmarks.dat and
// dlib_face_recognition_resnet_model_v1.dat (plus mmod_human_face_detector.dat).
type Recognizer struct {
	rec     *face.Recognizer
	cropPad float64
	mu      sync.Mutex // go-face is not safe for concurrent use
}

// NewRecognizer loads the dlib models from modelDir. cropPad grows located
// regions before extraction so dlib's own detector finds the face again.
func NewRecognizer(modelDir string, cropPad float64) (*Recognizer, error) {
	log.Infof("Loading face recognition models from: %s", modelDir)
	rec, err := face.NewRecognizer(modelDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}
	log.Info("Face recognition models loaded successfully")
	return &Recognizer{rec: rec, cropPad: cropPad}, nil
}

// EncodeReference returns one embedding per face found in the image at path.
func (r *Recognizer) EncodeReference(ctx context.Context, path string) ([]models.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	faces, err := r.rec.RecognizeFile(path)
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("face detection failed for %s: %w", path, err)
	}

	embeddings := make([]models.Embedding, 0, len(faces))
	for _, f := range faces {
		embeddings = append(embeddings, descriptor(f.Descriptor))
	}
	log.Debugf("Detected %d face(s) in %s", len(embeddings), path)
	return embeddings, nil
}

// Extract computes the embedding of the face in region.
func (r *Recognizer) Extract(ctx context.Context, frame pipeline.Frame, region image.Rectangle) (models.Embedding, error) {
	enc, ok := frame.(RegionEncoder)
	if !ok {
		return nil, fmt.Errorf("frame type %T cannot encode regions", frame)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := enc.EncodeRegion(region, r.cropPad)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	f, err := r.rec.RecognizeSingle(data)
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("face recognition failed: %w", err)
	}
	if f == nil {
		return nil, ErrNoFaceInRegion
	}
	return descriptor(f.Descriptor), nil
}

// Close releases the recognizer.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec != nil {
		r.rec.Close()
		r.rec = nil
	}
	return nil
}

func descriptor(d face.Descriptor) models.Embedding {
	emb := make(models.Embedding, len(d))
	copy(emb, d[:])
	return emb
}
