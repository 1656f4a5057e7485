package opencv

import (
	"context"
	"fmt"
	"image"
	"os"
	"runtime"
	"strings"
	"sync"

	"face-attendance/config"
	"face-attendance/internal/core/pipeline"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
)

// Detektionsmethoden für die Gesichtssuche
const (
	HaarDetector = "haar" // Haar-Kaskade (CPU)
	DNNDetector  = "dnn"  // res10 SSD Caffe-Modell (kann GPU nutzen)
)

// DNN-Backend-Typen für die Konfiguration
const (
	BackendDefault = "default"
	BackendCUDA    = "cuda"
	BackendOpenCL  = "opencl"
	TargetCPU      = "cpu"
	TargetCUDA     = "cuda"
	TargetOpenCL   = "opencl"
)

// Eingabegröße und Mittelwerte des res10-Modells
const (
	dnnInputSize = 300
)

// FaceDetector implementiert pipeline.Locator mit OpenCV
type FaceDetector struct {
	cfg       config.DetectorConfig
	method    string
	cascade   gocv.CascadeClassifier
	net       gocv.Net
	threshold float64
	mu        sync.Mutex // gocv.Net und CascadeClassifier sind nicht threadsicher
}

// NewFaceDetector lädt die Kaskade oder das DNN-Modell. Fehlt das DNN-Modell,
// wird auf die Haar-Kaskade zurückgefallen.
func NewFaceDetector(cfg config.DetectorConfig) (*FaceDetector, error) {
	method := HaarDetector
	if cfg.Method != "" {
		method = cfg.Method
	}

	// Bei GPU-Verwendung DNN empfehlen
	if cfg.UseGPU && method == HaarDetector {
		log.Warn("GPU-Beschleunigung ist konfiguriert, aber Haar-Detektor gewählt. " +
			"Für GPU-Beschleunigung wird der DNN-Detektor empfohlen.")
	}

	d := &FaceDetector{cfg: cfg, method: method, threshold: cfg.ConfidenceThreshold}
	if d.threshold <= 0 {
		d.threshold = 0.5
	}

	log.Infof("Initialisiere OpenCV Gesichtserkennung (Methode: %s, GPU: %v)", method, cfg.UseGPU)

	if method == DNNDetector {
		if fileExists(cfg.ModelPath) && fileExists(cfg.ConfigPath) {
			net := gocv.ReadNet(cfg.ModelPath, cfg.ConfigPath)
			if net.Empty() {
				return nil, fmt.Errorf("konnte DNN-Modell nicht laden: %s", cfg.ModelPath)
			}
			backend, target := gpuBackend(cfg)
			net.SetPreferableBackend(backend)
			net.SetPreferableTarget(target)
			log.Infof("DNN-Modell geladen mit Backend %d und Target %d", backend, target)
			d.net = net
			return d, nil
		}
		log.Warnf("DNN-Modelldateien nicht gefunden: %s oder %s", cfg.ModelPath, cfg.ConfigPath)
		log.Warn("Falle zurück auf Haar-Detektor")
		d.method = HaarDetector
	}

	d.cascade = gocv.NewCascadeClassifier()
	if !d.cascade.Load(cfg.CascadePath) {
		d.cascade.Close()
		return nil, fmt.Errorf("konnte Haar-Kaskade nicht laden: %s", cfg.CascadePath)
	}
	log.Info("Haar-Gesichtsdetektor erfolgreich initialisiert")
	return d, nil
}

// gpuBackend wählt Backend und Target anhand der Konfiguration und Plattform
func gpuBackend(cfg config.DetectorConfig) (gocv.NetBackendType, gocv.NetTargetType) {
	backend := gocv.NetBackendDefault
	target := gocv.NetTargetCPU

	if cfg.Backend == "" || cfg.Backend == BackendDefault {
		if !cfg.UseGPU {
			return backend, target
		}
		if haveNvidiaGPU() {
			log.Info("NVIDIA GPU erkannt, verwende CUDA-Backend")
			return gocv.NetBackendCUDA, gocv.NetTargetCUDA
		}
		if runtime.GOOS == "darwin" && strings.HasPrefix(runtime.GOARCH, "arm") {
			log.Info("Apple Silicon erkannt, verwende optimierte CPU-Version")
			return backend, target
		}
		if haveAMDGPU() {
			log.Info("AMD GPU erkannt, verwende OpenCL-Target")
			return gocv.NetBackendOpenCV, gocv.NetTargetFP16
		}
		log.Warn("GPU-Nutzung aktiviert, aber keine unterstützte GPU erkannt. Verwende CPU.")
		return backend, target
	}

	// Explizite Konfiguration
	switch cfg.Backend {
	case BackendCUDA:
		backend = gocv.NetBackendCUDA
	case BackendOpenCL:
		backend = gocv.NetBackendOpenCV
	default:
		log.Warnf("Unbekanntes Backend '%s' konfiguriert, verwende Standard", cfg.Backend)
	}

	switch cfg.Target {
	case TargetCUDA:
		target = gocv.NetTargetCUDA
	case TargetOpenCL:
		target = gocv.NetTargetFP16
	case TargetCPU, "":
		target = gocv.NetTargetCPU
	default:
		log.Warnf("Unbekanntes Target '%s' konfiguriert, verwende CPU", cfg.Target)
	}
	return backend, target
}

// haveNvidiaGPU prüft, ob eine NVIDIA-GPU verfügbar ist
func haveNvidiaGPU() bool {
	if os.Getenv("NVIDIA_VISIBLE_DEVICES") != "" || os.Getenv("NVIDIA_DRIVER_CAPABILITIES") != "" {
		return true
	}
	for _, path := range []string{
		"/usr/local/cuda/lib64/libcudart.so",
		"/usr/lib/x86_64-linux-gnu/libcuda.so",
		"/usr/lib/libcuda.so",
		"/usr/bin/nvidia-smi",
	} {
		if fileExists(path) {
			log.Debugf("CUDA gefunden: %s", path)
			return true
		}
	}
	return false
}

// haveAMDGPU prüft, ob eine AMD-GPU verfügbar ist (nur Linux)
func haveAMDGPU() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	return fileExists("/dev/kfd")
}

// Locate findet Gesichter im Bild
func (d *FaceDetector) Locate(ctx context.Context, frame pipeline.Frame) ([]image.Rectangle, error) {
	f, ok := frame.(*Frame)
	if !ok {
		return nil, fmt.Errorf("unsupported frame type %T", frame)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.method == DNNDetector {
		return d.locateDNN(f.Mat), nil
	}
	return d.locateHaar(f.Mat), nil
}

func (d *FaceDetector) locateHaar(img gocv.Mat) []image.Rectangle {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	scale := d.cfg.ScaleFactor
	if scale <= 1 {
		scale = 1.1
	}
	minNeighbors := d.cfg.MinNeighbors
	if minNeighbors <= 0 {
		minNeighbors = 5
	}
	minSize := image.Point{X: d.cfg.MinSizeWidth, Y: d.cfg.MinSizeHeight}

	rects := d.cascade.DetectMultiScaleWithParams(gray, scale, minNeighbors, 0, minSize, image.Point{})
	log.Debugf("OpenCV: %d Gesichter erkannt (haar)", len(rects))
	return rects
}

func (d *FaceDetector) locateDNN(img gocv.Mat) []image.Rectangle {
	blob := gocv.BlobFromImage(
		img,
		1.0,
		image.Point{X: dnnInputSize, Y: dnnInputSize},
		gocv.NewScalar(104.0, 177.0, 123.0, 0), // Mittelwerte des res10-Trainings
		false,
		false,
	)
	defer blob.Close()

	d.net.SetInput(blob, "")
	prob := d.net.Forward("")
	defer prob.Close()

	width := float32(img.Cols())
	height := float32(img.Rows())
	bounds := image.Rect(0, 0, img.Cols(), img.Rows())

	// SSD-Format: [img_id, class_id, confidence, left, top, right, bottom] je 7 Werte
	var faces []image.Rectangle
	for i := 0; i+6 < prob.Total(); i += 7 {
		confidence := prob.GetFloatAt(0, i+2)
		if float64(confidence) < d.threshold {
			continue
		}
		rect := image.Rect(
			int(prob.GetFloatAt(0, i+3)*width),
			int(prob.GetFloatAt(0, i+4)*height),
			int(prob.GetFloatAt(0, i+5)*width),
			int(prob.GetFloatAt(0, i+6)*height),
		).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		faces = append(faces, rect)
	}
	log.Debugf("OpenCV: %d Gesichter erkannt (dnn)", len(faces))
	return faces
}

// Close gibt Ressourcen frei
func (d *FaceDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.method == DNNDetector {
		return d.net.Close()
	}
	return d.cascade.Close()
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
