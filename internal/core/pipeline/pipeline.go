// Package pipeline runs the per-camera loop: read a frame, locate faces, extract
// embeddings, match against the gallery, reconcile attendance and report the
// annotated result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"face-attendance/internal/attendance"
	"face-attendance/internal/core/models"
	"face-attendance/internal/gallery"
	"face-attendance/internal/util/timezone"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrDetectorFailure wraps locator errors. The frame is reported without faces.
	ErrDetectorFailure = errors.New("face detector failure")
	// ErrSourceExhausted may be returned by a VideoSource instead of io.EOF.
	ErrSourceExhausted = errors.New("video source exhausted")
)

// Frame is one decoded image from a video source.
type Frame interface {
	Bounds() image.Rectangle
	Close() error
}

// VideoSource yields frames until it returns io.EOF or ErrSourceExhausted.
type VideoSource interface {
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Scaler produces a resized copy of a frame. The caller closes the copy.
type Scaler interface {
	Downscale(frame Frame, factor float64) (Frame, error)
}

// Locator finds face regions in a frame.
type Locator interface {
	Locate(ctx context.Context, frame Frame) ([]image.Rectangle, error)
}

// Extractor computes the embedding of one face region.
type Extractor interface {
	Extract(ctx context.Context, frame Frame, region image.Rectangle) (models.Embedding, error)
}

// Matcher finds the nearest gallery identity.
type Matcher interface {
	Match(embedding models.Embedding, g *gallery.Gallery) models.MatchResult
}

// Reconciler folds an accepted match into the attendance ledger.
type Reconciler interface {
	ReconcileSighting(ctx context.Context, s attendance.Sighting) (attendance.Outcome, error)
}

// StopSignal is polled once per iteration; true ends the loop.
type StopSignal interface {
	Stopped() bool
}

// AnyStop fires as soon as one of its signals fires.
type AnyStop []StopSignal

func (a AnyStop) Stopped() bool {
	for _, s := range a {
		if s != nil && s.Stopped() {
			return true
		}
	}
	return false
}

// Components are the collaborators of one pipeline. Scaler, Sink and Stop are optional.
type Components struct {
	Source     VideoSource
	Scaler     Scaler
	Locator    Locator
	Extractor  Extractor
	Matcher    Matcher
	Gallery    *gallery.Gallery
	Reconciler Reconciler
	Sink       Sink
	Stop       StopSignal
}

// Pipeline is the sequential loop of one camera.
type Pipeline struct {
	name      string
	downscale float64
	c         Components
	stats     *Stats
	now       func() time.Time
	seq       uint64
}

// New creates a pipeline for the camera name. downscale outside (0, 1] is treated as 1.
func New(name string, downscale float64, c Components) (*Pipeline, error) {
	if c.Source == nil || c.Locator == nil || c.Extractor == nil || c.Matcher == nil || c.Reconciler == nil {
		return nil, fmt.Errorf("pipeline %s: source, locator, extractor, matcher and reconciler are required", name)
	}
	if downscale <= 0 || downscale > 1 {
		downscale = 1
	}
	if downscale < 1 && c.Scaler == nil {
		return nil, fmt.Errorf("pipeline %s: downscale %.2f needs a scaler", name, downscale)
	}
	if c.Sink == nil {
		c.Sink = NopSink{}
	}
	return &Pipeline{
		name:      name,
		downscale: downscale,
		c:         c,
		stats:     newStats(name),
		now:       timezone.Now,
	}, nil
}

// Name returns the camera name.
func (p *Pipeline) Name() string { return p.name }

// Stats returns the live counters of this pipeline.
func (p *Pipeline) Stats() *Stats { return p.stats }

// Run processes frames until the context is cancelled, the stop signal fires or
// the source ends. A read failure ends the loop with ReasonReadFailure and the
// wrapped read error; every other per-frame failure is logged and skipped.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	logger := log.WithField("camera", p.name)
	logger.Infof("Pipeline started (downscale %.2f)", p.downscale)
	p.stats.setRunning(true)
	defer p.stats.setRunning(false)

	for {
		if ctx.Err() != nil || (p.c.Stop != nil && p.c.Stop.Stopped()) {
			return p.finish(ReasonCancelled), nil
		}

		frame, err := p.c.Source.Read(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, ErrSourceExhausted):
				return p.finish(ReasonExhausted), nil
			case ctx.Err() != nil:
				return p.finish(ReasonCancelled), nil
			}
			logger.WithField("reason", err.Error()).Error("Failed to read frame")
			return p.finish(ReasonReadFailure), fmt.Errorf("camera %s: read frame: %w", p.name, err)
		}

		result := p.processFrame(ctx, frame)
		if err := p.c.Sink.Render(ctx, frame, result); err != nil {
			logger.WithField("reason", err.Error()).Warn("Render sink failed")
		}
		if err := frame.Close(); err != nil {
			logger.Debugf("Failed to release frame: %v", err)
		}
	}
}

func (p *Pipeline) finish(reason StopReason) Summary {
	p.stats.stop(reason)
	summary := p.stats.Snapshot()
	log.WithFields(log.Fields{
		"camera":  p.name,
		"reason":  reason,
		"frames":  summary.Frames,
		"matches": summary.Matches,
		"created": summary.Created,
	}).Info("Pipeline stopped")
	return summary
}

// processFrame runs one frame through locate, extract, match and reconcile.
// Faces of a frame are finished even when ctx is cancelled meanwhile.
func (p *Pipeline) processFrame(ctx context.Context, frame Frame) FrameResult {
	p.seq++
	result := FrameResult{
		Seq:        p.seq,
		Camera:     p.name,
		CapturedAt: p.now(),
		Width:      frame.Bounds().Dx(),
		Height:     frame.Bounds().Dy(),
		Faces:      []FaceResult{},
	}
	p.stats.frames.Add(1)

	logger := log.WithFields(log.Fields{"camera": p.name, "frame": p.seq})
	work := context.WithoutCancel(ctx)

	scaled, factor := frame, p.downscale
	if factor < 1 {
		small, err := p.c.Scaler.Downscale(frame, factor)
		if err != nil {
			logger.WithField("reason", err.Error()).Warn("Downscale failed, using full frame")
			factor = 1
		} else {
			scaled = small
			defer small.Close()
		}
	}

	regions, err := p.c.Locator.Locate(work, scaled)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDetectorFailure, err)
		logger.WithField("reason", err.Error()).Warn("Face location failed")
		return result
	}

	for _, region := range regions {
		p.stats.faces.Add(1)
		face := FaceResult{Region: ScaleRect(region, factor)}

		embedding, err := p.c.Extractor.Extract(work, scaled, region)
		if err != nil {
			logger.WithField("reason", err.Error()).Warn("Embedding extraction failed")
			result.Faces = append(result.Faces, face)
			continue
		}

		match := p.c.Matcher.Match(embedding, p.c.Gallery)
		face.Confidence = match.Confidence
		face.Distance = match.Distance
		if !match.Matched() {
			result.Faces = append(result.Faces, face)
			continue
		}

		p.stats.matches.Add(1)
		face.IdentityID = match.IdentityID
		face.Matched = true

		outcome, err := p.c.Reconciler.ReconcileSighting(work, attendance.Sighting{
			IdentityID: match.IdentityID,
			Confidence: match.Confidence,
			At:         result.CapturedAt,
			Source:     p.name,
		})
		face.Action = outcome.Action
		p.stats.record(outcome.Action)
		if err != nil {
			logger.WithFields(log.Fields{"identity_id": match.IdentityID, "reason": err.Error()}).
				Debug("Sighting not reconciled")
		}
		result.Faces = append(result.Faces, face)
	}

	return result
}
