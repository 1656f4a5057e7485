package opencv

import (
	"context"
	"fmt"
	"sync"

	"face-attendance/config"
	"face-attendance/internal/core/pipeline"
	"face-attendance/internal/server/snapshots"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
)

// SnapshotWriter stores the latest annotated JPEG of a camera.
type SnapshotWriter interface {
	Put(camera string, data []byte, faces int)
}

// SnapshotSink annotates frames and hands them to a SnapshotWriter.
type SnapshotSink struct {
	writer SnapshotWriter
}

// NewSnapshotSink creates a sink writing into w.
func NewSnapshotSink(w SnapshotWriter) *SnapshotSink {
	return &SnapshotSink{writer: w}
}

// Render implements pipeline.Sink.
func (s *SnapshotSink) Render(_ context.Context, frame pipeline.Frame, result pipeline.FrameResult) error {
	f, ok := frame.(*Frame)
	if !ok {
		return fmt.Errorf("unsupported frame type %T", frame)
	}
	img := f.Mat.Clone()
	defer img.Close()
	annotate(&img, result)

	annotated := Frame{Mat: img}
	data, err := annotated.EncodeJPEG()
	if err != nil {
		return fmt.Errorf("konnte Bild nicht encodieren: %w", err)
	}
	s.writer.Put(result.Camera, data, len(result.Faces))
	return nil
}

// Service ist der Hauptdienst für die OpenCV-Integration: ein gemeinsamer
// Gesichtsdetektor und die Videoquellen der Kameras
type Service struct {
	detector *FaceDetector
	captures []*Capture
	windows  []*Window
	mutex    sync.Mutex
}

// NewService erstellt einen neuen OpenCV-Service
func NewService(cfg config.DetectorConfig) (*Service, error) {
	detector, err := NewFaceDetector(cfg)
	if err != nil {
		return nil, fmt.Errorf("konnte OpenCV Gesichtsdetektor nicht initialisieren: %w", err)
	}
	log.Infof("OpenCV %s initialisiert", gocv.Version())
	return &Service{detector: detector}, nil
}

// Locator returns the shared face detector.
func (s *Service) Locator() pipeline.Locator {
	return s.detector
}

// Scaler returns the frame scaler.
func (s *Service) Scaler() pipeline.Scaler {
	return Scaler{}
}

// OpenCamera opens the video source of cam and, when configured, its overlay window.
func (s *Service) OpenCamera(cam config.CameraConfig) (*Capture, *Window, error) {
	capture, err := OpenCapture(cam.Device)
	if err != nil {
		return nil, nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.captures = append(s.captures, capture)

	var window *Window
	if cam.Display {
		window = NewWindow(cam.Name)
		s.windows = append(s.windows, window)
	}
	return capture, window, nil
}

// Camera opens cam and returns it as pipeline collaborators. sink and stop are
// nil when the camera has no overlay window.
func (s *Service) Camera(cam config.CameraConfig) (pipeline.VideoSource, pipeline.Sink, pipeline.StopSignal, error) {
	capture, window, err := s.OpenCamera(cam)
	if err != nil {
		return nil, nil, nil, err
	}
	if window == nil {
		return capture, nil, nil, nil
	}
	return capture, window, window, nil
}

// SnapshotSink returns a sink that keeps the latest annotated frame of every camera in store.
func (s *Service) SnapshotSink(store *snapshots.Store) pipeline.Sink {
	return NewSnapshotSink(store)
}

// Close gibt die Ressourcen des OpenCV-Service frei
func (s *Service) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, w := range s.windows {
		if err := w.Close(); err != nil {
			log.Warnf("Fehler beim Schließen des Fensters: %v", err)
		}
	}
	for _, c := range s.captures {
		if err := c.Close(); err != nil {
			log.Warnf("Fehler beim Schließen der Videoquelle %s: %v", c.device, err)
		}
	}
	s.windows, s.captures = nil, nil
	return s.detector.Close()
}
