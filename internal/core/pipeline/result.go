package pipeline

import (
	"context"
	"errors"
	"image"
	"math"
	"time"

	"face-attendance/internal/attendance"
)

// FaceResult is one located face of a frame, in source-frame coordinates.
type FaceResult struct {
	Region     image.Rectangle   `json:"region"`
	IdentityID string            `json:"identity_id,omitempty"`
	Confidence float64           `json:"confidence"`
	Distance   float64           `json:"-"`
	Matched    bool              `json:"matched"`
	Action     attendance.Action `json:"action,omitempty"`
}

// Label is the overlay caption: the identity id or "Unknown".
func (f FaceResult) Label() string {
	if f.Matched {
		return f.IdentityID
	}
	return "Unknown"
}

// FrameResult is what the pipeline reports for every frame.
type FrameResult struct {
	Seq        uint64       `json:"seq"`
	Camera     string       `json:"camera"`
	CapturedAt time.Time    `json:"captured_at"`
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	Faces      []FaceResult `json:"faces"`
}

// Sink receives every processed frame. The frame is only valid during the call.
type Sink interface {
	Render(ctx context.Context, frame Frame, result FrameResult) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, frame Frame, result FrameResult) error

func (f SinkFunc) Render(ctx context.Context, frame Frame, result FrameResult) error {
	return f(ctx, frame, result)
}

// NopSink discards results.
type NopSink struct{}

func (NopSink) Render(context.Context, Frame, FrameResult) error { return nil }

// MultiSink fans a result out to several sinks. All sinks are called; their
// errors are joined.
type MultiSink []Sink

func (m MultiSink) Render(ctx context.Context, frame Frame, result FrameResult) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Render(ctx, frame, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScaleRect maps a region found on a frame downscaled by factor back to the
// source frame.
func ScaleRect(r image.Rectangle, factor float64) image.Rectangle {
	if factor <= 0 || factor == 1 {
		return r
	}
	scale := func(v int) int { return int(math.Round(float64(v) / factor)) }
	return image.Rect(scale(r.Min.X), scale(r.Min.Y), scale(r.Max.X), scale(r.Max.Y))
}
