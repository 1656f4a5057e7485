package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"face-attendance/internal/attendance"
	"face-attendance/internal/core/models"
	"face-attendance/internal/gallery"
	"face-attendance/internal/recognition"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFrame struct {
	bounds image.Rectangle
	closed bool
}

func (f *fakeFrame) Bounds() image.Rectangle { return f.bounds }
func (f *fakeFrame) Close() error            { f.closed = true; return nil }

func newFrame(w, h int) *fakeFrame { return &fakeFrame{bounds: image.Rect(0, 0, w, h)} }

type sliceSource struct {
	frames []*fakeFrame
	err    error // returned after the frames instead of io.EOF
	reads  int
}

func (s *sliceSource) Read(context.Context) (Frame, error) {
	if s.reads < len(s.frames) {
		f := s.frames[s.reads]
		s.reads++
		return f, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *sliceSource) Close() error { return nil }

type halfScaler struct{}

func (halfScaler) Downscale(f Frame, factor float64) (Frame, error) {
	b := f.Bounds()
	return newFrame(int(float64(b.Dx())*factor), int(float64(b.Dy())*factor)), nil
}

// scriptedLocator returns the regions for the n-th call, or err when set for that call.
type scriptedLocator struct {
	regions [][]image.Rectangle
	errs    map[int]error
	calls   int
	seen    []image.Rectangle
}

func (l *scriptedLocator) Locate(_ context.Context, f Frame) ([]image.Rectangle, error) {
	n := l.calls
	l.calls++
	l.seen = append(l.seen, f.Bounds())
	if err, ok := l.errs[n]; ok {
		return nil, err
	}
	if n < len(l.regions) {
		return l.regions[n], nil
	}
	return nil, nil
}

// regionExtractor maps the region's Min.X to an embedding.
type regionExtractor map[int]models.Embedding

func (e regionExtractor) Extract(_ context.Context, _ Frame, r image.Rectangle) (models.Embedding, error) {
	emb, ok := e[r.Min.X]
	if !ok {
		return nil, errors.New("no landmarks")
	}
	return emb, nil
}

type recordingReconciler struct {
	mu        sync.Mutex
	sightings []attendance.Sighting
	seen      map[string]bool
	fail      error
}

func (r *recordingReconciler) ReconcileSighting(_ context.Context, s attendance.Sighting) (attendance.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sightings = append(r.sightings, s)
	if r.fail != nil {
		return attendance.Outcome{Action: attendance.ActionRejected}, r.fail
	}
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	if r.seen[s.IdentityID] {
		return attendance.Outcome{Action: attendance.ActionUpdated}, nil
	}
	r.seen[s.IdentityID] = true
	return attendance.Outcome{Action: attendance.ActionCreated}, nil
}

type collectSink struct {
	results []FrameResult
	err     error
}

func (c *collectSink) Render(_ context.Context, _ Frame, r FrameResult) error {
	c.results = append(c.results, r)
	return c.err
}

type stopAfter struct{ n, calls int }

func (s *stopAfter) Stopped() bool {
	s.calls++
	return s.calls > s.n
}

func testGallery() *gallery.Gallery {
	return gallery.New(
		models.KnownIdentity{IdentityID: "R100", Embedding: models.Embedding{0, 0}},
		models.KnownIdentity{IdentityID: "R101", Embedding: models.Embedding{1.2, 0}},
	)
}

func newTestPipeline(t *testing.T, c Components, downscale float64) *Pipeline {
	t.Helper()
	if c.Matcher == nil {
		c.Matcher = recognition.NewMatcher(0.6)
	}
	if c.Gallery == nil {
		c.Gallery = testGallery()
	}
	p, err := New("gate", downscale, c)
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC) }
	return p
}

func TestRun_MatchesAndReconciles(t *testing.T) {
	frames := []*fakeFrame{newFrame(640, 480), newFrame(640, 480)}
	src := &sliceSource{frames: frames}
	loc := &scriptedLocator{regions: [][]image.Rectangle{
		{image.Rect(10, 10, 50, 50)},
		{image.Rect(10, 10, 50, 50), image.Rect(100, 20, 140, 60)},
	}}
	ext := regionExtractor{10: {0.3, 0}, 100: {5, 5}}
	rec := &recordingReconciler{}
	sink := &collectSink{}

	p := newTestPipeline(t, Components{Source: src, Locator: loc, Extractor: ext, Reconciler: rec, Sink: sink}, 1)
	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReasonExhausted, summary.Reason)
	assert.EqualValues(t, 2, summary.Frames)
	assert.EqualValues(t, 3, summary.Faces)
	assert.EqualValues(t, 2, summary.Matches)
	assert.EqualValues(t, 1, summary.Created)
	assert.EqualValues(t, 1, summary.Updated)
	assert.False(t, summary.Running)

	require.Len(t, sink.results, 2)
	first := sink.results[0]
	assert.EqualValues(t, 1, first.Seq)
	assert.Equal(t, "gate", first.Camera)
	require.Len(t, first.Faces, 1)
	assert.Equal(t, "R100", first.Faces[0].IdentityID)
	assert.InDelta(t, 0.7, first.Faces[0].Confidence, 1e-6)
	assert.Equal(t, attendance.ActionCreated, first.Faces[0].Action)

	second := sink.results[1]
	require.Len(t, second.Faces, 2)
	assert.Equal(t, attendance.ActionUpdated, second.Faces[0].Action)
	assert.False(t, second.Faces[1].Matched)
	assert.Equal(t, "Unknown", second.Faces[1].Label())

	require.Len(t, rec.sightings, 2)
	assert.Equal(t, "gate", rec.sightings[0].Source)
	assert.InDelta(t, 0.7, rec.sightings[0].Confidence, 1e-6)

	for _, f := range frames {
		assert.True(t, f.closed)
	}
}

func TestRun_DownscaleRescalesRegions(t *testing.T) {
	src := &sliceSource{frames: []*fakeFrame{newFrame(640, 480)}}
	loc := &scriptedLocator{regions: [][]image.Rectangle{{image.Rect(10, 5, 30, 25)}}}
	sink := &collectSink{}

	p := newTestPipeline(t, Components{
		Source: src, Scaler: halfScaler{}, Locator: loc,
		Extractor: regionExtractor{10: {0, 0}}, Reconciler: &recordingReconciler{}, Sink: sink,
	}, 0.25)
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 160, 120), loc.seen[0], "locator sees the downscaled frame")
	require.Len(t, sink.results, 1)
	assert.Equal(t, image.Rect(40, 20, 120, 100), sink.results[0].Faces[0].Region)
	assert.Equal(t, 640, sink.results[0].Width)
}

func TestRun_ContinuesAfterFailures(t *testing.T) {
	src := &sliceSource{frames: []*fakeFrame{newFrame(64, 64), newFrame(64, 64), newFrame(64, 64)}}
	loc := &scriptedLocator{
		regions: [][]image.Rectangle{nil, {image.Rect(1, 1, 9, 9), image.Rect(10, 1, 19, 9)}, {image.Rect(10, 1, 19, 9)}},
		errs:    map[int]error{0: errors.New("cascade not loaded")},
	}
	rec := &recordingReconciler{fail: attendance.ErrStoreUnavailable}
	sink := &collectSink{err: errors.New("window closed")}

	p := newTestPipeline(t, Components{
		Source: src, Locator: loc, Extractor: regionExtractor{10: {0, 0}}, Reconciler: rec, Sink: sink,
	}, 1)
	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReasonExhausted, summary.Reason)
	assert.EqualValues(t, 3, summary.Frames)
	require.Len(t, sink.results, 3)
	assert.Empty(t, sink.results[0].Faces, "detector failure yields a frame without faces")

	faces := sink.results[1].Faces
	require.Len(t, faces, 2)
	assert.False(t, faces[0].Matched, "extractor failure leaves the face unmatched")
	assert.True(t, faces[1].Matched)
	assert.Equal(t, attendance.ActionRejected, faces[1].Action)

	assert.EqualValues(t, 2, summary.Rejected)
	assert.Len(t, rec.sightings, 2)
}

func TestRun_EmptyGalleryNeverReconciles(t *testing.T) {
	src := &sliceSource{frames: []*fakeFrame{newFrame(64, 64)}}
	loc := &scriptedLocator{regions: [][]image.Rectangle{{image.Rect(10, 1, 19, 9)}}}
	rec := &recordingReconciler{}

	p := newTestPipeline(t, Components{
		Source: src, Locator: loc, Extractor: regionExtractor{10: {0, 0}}, Reconciler: rec, Gallery: gallery.New(),
	}, 1)
	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Matches)
	assert.Empty(t, rec.sightings)
}

func TestRun_StopSignal(t *testing.T) {
	frames := []*fakeFrame{newFrame(8, 8), newFrame(8, 8), newFrame(8, 8)}
	p := newTestPipeline(t, Components{
		Source: &sliceSource{frames: frames}, Locator: &scriptedLocator{},
		Extractor: regionExtractor{}, Reconciler: &recordingReconciler{}, Stop: &stopAfter{n: 1},
	}, 1)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, summary.Reason)
	assert.EqualValues(t, 1, summary.Frames)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &sliceSource{frames: []*fakeFrame{newFrame(8, 8)}}
	p := newTestPipeline(t, Components{
		Source: src, Locator: &scriptedLocator{}, Extractor: regionExtractor{}, Reconciler: &recordingReconciler{},
	}, 1)

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, summary.Reason)
	assert.Zero(t, src.reads)
}

func TestRun_ReadFailure(t *testing.T) {
	readErr := errors.New("device unplugged")
	src := &sliceSource{frames: []*fakeFrame{newFrame(8, 8)}, err: readErr}
	p := newTestPipeline(t, Components{
		Source: src, Locator: &scriptedLocator{}, Extractor: regionExtractor{}, Reconciler: &recordingReconciler{},
	}, 1)

	summary, err := p.Run(context.Background())
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, ReasonReadFailure, summary.Reason)
	assert.EqualValues(t, 1, summary.Frames)

	live := p.Stats().Snapshot()
	assert.False(t, live.Running)
	assert.Equal(t, ReasonReadFailure, live.Reason)
}

func TestRun_SourceExhaustedSentinel(t *testing.T) {
	src := &sliceSource{err: ErrSourceExhausted}
	p := newTestPipeline(t, Components{
		Source: src, Locator: &scriptedLocator{}, Extractor: regionExtractor{}, Reconciler: &recordingReconciler{},
	}, 1)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonExhausted, summary.Reason)
}

func TestNew_Validation(t *testing.T) {
	_, err := New("x", 1, Components{})
	assert.Error(t, err)

	c := Components{
		Source: &sliceSource{}, Locator: &scriptedLocator{}, Extractor: regionExtractor{},
		Matcher: recognition.NewMatcher(0), Reconciler: &recordingReconciler{},
	}
	_, err = New("x", 0.5, c)
	assert.Error(t, err, "downscale without scaler")

	p, err := New("x", 3, c)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.downscale)
}

func TestScaleRect(t *testing.T) {
	r := image.Rect(10, 20, 30, 40)
	assert.Equal(t, r, ScaleRect(r, 1))
	assert.Equal(t, r, ScaleRect(r, 0))
	assert.Equal(t, image.Rect(40, 80, 120, 160), ScaleRect(r, 0.25))
	assert.Equal(t, image.Rect(20, 40, 60, 80), ScaleRect(r, 0.5))
}

func TestMultiSink(t *testing.T) {
	a, b := &collectSink{}, &collectSink{err: errors.New("broken")}
	var calls int
	m := MultiSink{a, nil, b, SinkFunc(func(context.Context, Frame, FrameResult) error { calls++; return nil })}

	err := m.Render(context.Background(), newFrame(1, 1), FrameResult{Seq: 7})
	assert.EqualError(t, err, "broken")
	assert.Len(t, a.results, 1)
	assert.Len(t, b.results, 1)
	assert.Equal(t, 1, calls)
	assert.NoError(t, NopSink{}.Render(context.Background(), nil, FrameResult{}))
}

type flag bool

func (f flag) Stopped() bool { return bool(f) }

func TestAnyStop(t *testing.T) {
	assert.False(t, AnyStop{}.Stopped())
	assert.False(t, AnyStop{nil, flag(false)}.Stopped())
	assert.True(t, AnyStop{flag(false), nil, flag(true)}.Stopped())
}
