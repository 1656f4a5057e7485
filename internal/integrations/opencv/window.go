package opencv

import (
	"context"
	"fmt"
	"sync/atomic"

	"face-attendance/internal/core/pipeline"

	gocv "gocv.io/x/gocv"
)

// Window shows annotated frames. Pressing q stops the pipeline it is attached to,
// so it is both a pipeline.Sink and a pipeline.StopSignal.
type Window struct {
	win     *gocv.Window
	stopped atomic.Bool
}

// NewWindow opens an overlay window titled name.
func NewWindow(name string) *Window {
	return &Window{win: gocv.NewWindow(name)}
}

// Render draws result onto a copy of the frame and shows it.
func (w *Window) Render(_ context.Context, frame pipeline.Frame, result pipeline.FrameResult) error {
	f, ok := frame.(*Frame)
	if !ok {
		return fmt.Errorf("unsupported frame type %T", frame)
	}
	img := f.Mat.Clone()
	defer img.Close()

	annotate(&img, result)
	w.win.IMShow(img)
	if key := w.win.WaitKey(1); key == 'q' || key == 'Q' {
		w.stopped.Store(true)
	}
	return nil
}

// Stopped reports whether q was pressed.
func (w *Window) Stopped() bool {
	return w.stopped.Load()
}

// Close closes the window.
func (w *Window) Close() error {
	return w.win.Close()
}
