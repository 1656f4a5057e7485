package engine

import (
	"context"
	"errors"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"face-attendance/config"
	"face-attendance/internal/attendance"
	"face-attendance/internal/core/models"
	"face-attendance/internal/core/pipeline"
	"face-attendance/internal/server/snapshots"
	"face-attendance/internal/util/timezone"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFrame struct{ id int }

func (testFrame) Bounds() image.Rectangle { return image.Rect(0, 0, 640, 480) }
func (testFrame) Close() error            { return nil }

// frameSource liefert n Frames und danach io.EOF
type frameSource struct {
	n    int
	read int
	err  error
}

func (s *frameSource) Read(ctx context.Context) (pipeline.Frame, error) {
	if s.read >= s.n {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	s.read++
	return testFrame{id: s.read}, nil
}

func (s *frameSource) Close() error { return nil }

type oneFace struct{}

func (oneFace) Locate(context.Context, pipeline.Frame) ([]image.Rectangle, error) {
	return []image.Rectangle{image.Rect(10, 10, 60, 60)}, nil
}

type fakeVision struct {
	sources map[string]*frameSource
	closed  bool
}

func (v *fakeVision) Locator() pipeline.Locator { return oneFace{} }
func (v *fakeVision) Scaler() pipeline.Scaler   { return nil }

func (v *fakeVision) Camera(cam config.CameraConfig) (pipeline.VideoSource, pipeline.Sink, pipeline.StopSignal, error) {
	src, ok := v.sources[cam.Name]
	if !ok {
		return nil, nil, nil, errors.New("no such device")
	}
	return src, nil, nil, nil
}

func (v *fakeVision) SnapshotSink(store *snapshots.Store) pipeline.Sink {
	return pipeline.SinkFunc(func(_ context.Context, _ pipeline.Frame, r pipeline.FrameResult) error {
		store.Put(r.Camera, []byte("jpeg"), len(r.Faces))
		return nil
	})
}

func (v *fakeVision) Close() error { v.closed = true; return nil }

// fakeRecognizer liefert für Referenzen und Live-Gesichter denselben Vektor
type fakeRecognizer struct {
	mu     sync.Mutex
	closed bool
}

func (r *fakeRecognizer) EncodeReference(_ context.Context, path string) ([]models.Embedding, error) {
	if filepath.Base(path) == "R200.jpg" {
		return []models.Embedding{{5, 5}}, nil
	}
	return []models.Embedding{{0, 0}}, nil
}

func (r *fakeRecognizer) Extract(context.Context, pipeline.Frame, image.Rectangle) (models.Embedding, error) {
	return models.Embedding{0.1, 0}, nil
}

func (r *fakeRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func testConfig(t *testing.T, cameras ...string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	refs := filepath.Join(dir, "references")
	require.NoError(t, os.MkdirAll(refs, 0o755))
	for _, name := range []string{"R100.jpg", "R200.jpg", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(refs, name), []byte("x"), 0o644))
	}

	cfg := &config.Config{
		DB:          config.DBConfig{File: filepath.Join(dir, "attendance.db")},
		Gallery:     config.GalleryConfig{ReferenceDir: refs, MultiFacePolicy: "first"},
		Recognition: config.RecognitionConfig{Tolerance: 0.6},
		Attendance:  config.AttendanceConfig{StoreTimeout: time.Second},
	}
	for _, name := range cameras {
		cfg.Cameras = append(cfg.Cameras, config.CameraConfig{Name: name, Device: name, Downscale: 1})
	}
	return cfg
}

func TestEngine_RunReconcilesUntilSourcesEnd(t *testing.T) {
	timezone.Initialize("UTC")
	cfg := testConfig(t, "gate", "hall", "broken")
	vision := &fakeVision{sources: map[string]*frameSource{
		"gate": {n: 3},
		"hall": {n: 2, err: errors.New("stream lost")},
	}}
	rec := &fakeRecognizer{}

	e, err := New(context.Background(), cfg, vision, rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"R100", "R200"}, e.Gallery().IDs())
	require.Len(t, e.Summaries(), 2, "broken camera is skipped")

	ctx := context.Background()
	require.NoError(t, e.Repository().SavePerson(ctx, &models.Person{RollNumber: "R100", Name: "Asha"}))

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after sources ended")
	}

	records, err := e.Repository().ListAttendanceByIdentity(ctx, "R100", 0)
	require.NoError(t, err)
	require.Len(t, records, 1, "one record per identity and day across cameras")

	var created, updated, frames int64
	for _, s := range e.Summaries() {
		assert.False(t, s.Running)
		created += s.Created
		updated += s.Updated + s.Unchanged
		frames += s.Frames
	}
	assert.EqualValues(t, 5, frames)
	assert.EqualValues(t, 1, created)
	assert.EqualValues(t, 4, updated)

	require.NoError(t, e.Close())
	assert.True(t, vision.closed)
	assert.True(t, rec.closed)
}

func TestEngine_NoCameras(t *testing.T) {
	cfg := testConfig(t, "missing")
	vision := &fakeVision{sources: map[string]*frameSource{}}
	rec := &fakeRecognizer{}

	_, err := New(context.Background(), cfg, vision, rec)
	assert.ErrorIs(t, err, ErrNoCameras)
	assert.True(t, vision.closed)
}

func TestEngine_GalleryUnavailable(t *testing.T) {
	cfg := testConfig(t, "gate")
	cfg.Gallery.ReferenceDir = filepath.Join(t.TempDir(), "does-not-exist")

	_, err := New(context.Background(), cfg, &fakeVision{sources: map[string]*frameSource{"gate": {}}}, &fakeRecognizer{})
	assert.Error(t, err)
}

// blockingSource liefert endlos Frames, bis ctx endet
type blockingSource struct{}

func (blockingSource) Read(ctx context.Context) (pipeline.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return testFrame{}, nil
	}
}

func (blockingSource) Close() error { return nil }

type endlessVision struct{ fakeVision }

func (v *endlessVision) Camera(config.CameraConfig) (pipeline.VideoSource, pipeline.Sink, pipeline.StopSignal, error) {
	return blockingSource{}, nil, nil, nil
}

func TestEngine_ShutdownViaAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	timezone.Initialize("UTC")
	cfg := testConfig(t, "gate")

	e, err := New(context.Background(), cfg, &endlessVision{}, &fakeRecognizer{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Repository().SavePerson(context.Background(), &models.Person{RollNumber: "R100"}))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	router := e.Router()
	require.Eventually(t, func() bool {
		s := e.Summaries()
		return s[0].Running && s[0].Frames > 0
	}, 2*time.Second, 10*time.Millisecond)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/system/shutdown", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after shutdown request")
	}
	assert.Equal(t, pipeline.ReasonCancelled, e.Summaries()[0].Reason)

	rec, err := e.Reconciler().Reconcile(context.Background(), "R100", 0.9, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, attendance.ActionRejected, rec.Action)
}
