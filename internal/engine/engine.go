// Package engine owns the long-lived state of a run: the store, the gallery,
// the reconciler and one pipeline per camera.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"face-attendance/config"
	"face-attendance/internal/api"
	"face-attendance/internal/api/handlers"
	"face-attendance/internal/attendance"
	"face-attendance/internal/core/pipeline"
	"face-attendance/internal/db"
	"face-attendance/internal/db/repository"
	"face-attendance/internal/gallery"
	"face-attendance/internal/integrations/homeassistant"
	"face-attendance/internal/integrations/mqtt"
	"face-attendance/internal/recognition"
	"face-attendance/internal/server/snapshots"
	"face-attendance/internal/server/sse"
	"face-attendance/internal/services/cleanup"
	"face-attendance/internal/util/timezone"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// ErrNoCameras is returned when not a single configured camera could be opened.
var ErrNoCameras = errors.New("no camera could be opened")

// Vision provides frames and face locations.
type Vision interface {
	Locator() pipeline.Locator
	Scaler() pipeline.Scaler
	// Camera opens one video source. sink and stop may be nil.
	Camera(cam config.CameraConfig) (source pipeline.VideoSource, sink pipeline.Sink, stop pipeline.StopSignal, err error)
	SnapshotSink(store *snapshots.Store) pipeline.Sink
	Close() error
}

// Recognizer encodes reference images and live face regions.
type Recognizer interface {
	gallery.Encoder
	pipeline.Extractor
	Close() error
}

// Engine verbindet Speicher, Galerie, Abgleich und Kameras
type Engine struct {
	cfg        *config.Config
	db         *gorm.DB
	repo       *repository.SQLiteRepository
	gallery    *gallery.Gallery
	reconciler *attendance.Reconciler
	vision     Vision
	recognizer Recognizer

	hub       *sse.Hub
	snapshots *snapshots.Store
	cleanup   *cleanup.CleanupService

	mqtt      *mqtt.Client
	publisher *homeassistant.Publisher
	discovery *homeassistant.DiscoveryManager
	commands  *mqtt.CommandListener

	pipelines []*pipeline.Pipeline

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New opens the store, builds the gallery and prepares one pipeline per camera.
// The engine takes ownership of vision and recognizer and closes them in Close.
func New(ctx context.Context, cfg *config.Config, vision Vision, recognizer Recognizer) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		vision:     vision,
		recognizer: recognizer,
		hub:        sse.NewHub(),
		snapshots:  snapshots.NewStore(len(cfg.Cameras)),
	}

	database, err := db.Open(cfg.DB)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	e.db = database
	e.repo = repository.NewSQLiteRepository(database)

	source := gallery.NewDirectorySource(cfg.Gallery.ReferenceDir, cfg.Gallery.Extensions)
	g, err := gallery.Build(ctx, source, recognizer, gallery.MultiFacePolicy(cfg.Gallery.MultiFacePolicy))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to build gallery: %w", err)
	}
	e.gallery = g
	if g.Len() == 0 {
		log.Warn("Gallery is empty, no face will ever be matched")
	}

	notifiers := attendance.MultiNotifier{e.hub}
	if cfg.MQTT.Enabled {
		e.mqtt = mqtt.NewClient(cfg.MQTT)
		e.publisher = homeassistant.NewPublisher(e.mqtt, cfg.MQTT.TopicPrefix, cfg.MQTT.PublishFrames)
		e.discovery = homeassistant.NewDiscoveryManager(e.mqtt, cfg.MQTT.TopicPrefix)
		notifiers = append(notifiers, e.publisher)
		if cfg.MQTT.CommandControl {
			e.commands = mqtt.NewCommandListener(e.mqtt.Topic("command"))
			e.mqtt.RegisterHandler(e.commands)
		}
	}

	e.reconciler = attendance.NewReconciler(e.repo, e.repo,
		attendance.WithStoreTimeout(cfg.Attendance.StoreTimeout),
		attendance.WithMinUpdateInterval(cfg.Attendance.MinUpdateInterval),
		attendance.WithLocation(timezone.Location()),
		attendance.WithNotifier(notifiers),
	)

	if err := e.openCameras(); err != nil {
		e.Close()
		return nil, err
	}

	e.cleanup = cleanup.NewCleanupService(e.repo, cfg.Cleanup)
	return e, nil
}

// openCameras baut eine Pipeline pro Kamera. Kameras, die sich nicht öffnen
// lassen, werden übersprungen.
func (e *Engine) openCameras() error {
	matcher := recognition.NewMatcher(e.cfg.Recognition.Tolerance)
	snapshotSink := e.vision.SnapshotSink(e.snapshots)

	for _, cam := range e.cfg.Cameras {
		logger := log.WithField("camera", cam.Name)

		source, window, stop, err := e.vision.Camera(cam)
		if err != nil {
			logger.Errorf("Failed to open camera %s: %v", cam.Device, err)
			continue
		}

		sinks := pipeline.MultiSink{e.hub, snapshotSink}
		if window != nil {
			sinks = append(sinks, window)
		}
		if e.publisher != nil {
			sinks = append(sinks, e.publisher)
		}

		stops := pipeline.AnyStop{}
		if stop != nil {
			stops = append(stops, stop)
		}
		if e.commands != nil {
			stops = append(stops, e.commands)
		}

		p, err := pipeline.New(cam.Name, cam.Downscale, pipeline.Components{
			Source:     source,
			Scaler:     e.vision.Scaler(),
			Locator:    e.vision.Locator(),
			Extractor:  e.recognizer,
			Matcher:    matcher,
			Gallery:    e.gallery,
			Reconciler: e.reconciler,
			Sink:       sinks,
			Stop:       stops,
		})
		if err != nil {
			logger.Errorf("Failed to create pipeline: %v", err)
			continue
		}
		e.pipelines = append(e.pipelines, p)
		logger.Infof("Camera ready (device %s, downscale %.2f)", cam.Device, cam.Downscale)
	}

	if len(e.pipelines) == 0 {
		return ErrNoCameras
	}
	return nil
}

// Repository returns the identity directory and attendance store.
func (e *Engine) Repository() repository.Repository { return e.repo }

// Gallery returns the gallery built at startup.
func (e *Engine) Gallery() *gallery.Gallery { return e.gallery }

// Reconciler returns the shared attendance reconciler.
func (e *Engine) Reconciler() *attendance.Reconciler { return e.reconciler }

// Summaries returns the live counters of every camera.
func (e *Engine) Summaries() []pipeline.Summary {
	out := make([]pipeline.Summary, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		out = append(out, p.Stats().Snapshot())
	}
	return out
}

// Shutdown stops a running engine as if its context had been cancelled.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Router builds the HTTP router for the API, the SSE stream and snapshots.
func (e *Engine) Router() *gin.Engine {
	return api.NewRouter(
		[]api.RouteRegistrar{
			handlers.NewAPIHandler(e.repo, e.gallery),
			handlers.NewSystemHandler(e, e.Shutdown),
			handlers.NewStreamHandler(e.hub),
		},
		[]api.RootRegistrar{e.snapshots},
	)
}

// Run starts every camera plus the supporting services and blocks until ctx is
// cancelled, Shutdown is called or all cameras have stopped. A camera that
// fails to read is logged and ends on its own; the other cameras continue.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.startMQTT()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		e.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		e.cleanup.Start(gctx)
		return nil
	})
	if e.publisher != nil {
		e.publisher.StartResetTimers(gctx)
	}
	if e.cfg.Server.Enabled {
		server := api.NewServer(e.cfg.Server, e.Router())
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	g.Go(func() error {
		// Wenn alle Kameras beendet sind, endet auch der Rest
		defer cancel()
		var cameras errgroup.Group
		for _, p := range e.pipelines {
			cameras.Go(func() error {
				summary, err := p.Run(gctx)
				entry := log.WithFields(log.Fields{
					"camera":  summary.Camera,
					"reason":  summary.Reason,
					"frames":  summary.Frames,
					"matches": summary.Matches,
				})
				if err != nil {
					entry.Errorf("Camera stopped: %v", err)
				} else {
					entry.Info("Camera stopped")
				}
				return nil
			})
		}
		return cameras.Wait()
	})

	return g.Wait()
}

func (e *Engine) startMQTT() {
	if e.mqtt == nil {
		return
	}
	if err := e.mqtt.Start(); err != nil {
		log.Errorf("MQTT client error: %v", err)
		return
	}

	people, err := e.repo.ListPeople(context.Background())
	if err != nil {
		log.Warnf("Failed to list people for Home Assistant discovery: %v", err)
	}
	e.discovery.RegisterPeople(people)
	names := make([]string, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		names = append(names, p.Name())
	}
	e.discovery.RegisterCameras(names)
	if err := e.discovery.PublishAvailability(true); err != nil {
		log.Warnf("Failed to publish availability: %v", err)
	}
}

// Close releases cameras, models, the MQTT connection and the database.
func (e *Engine) Close() error {
	var errs []error
	if e.vision != nil {
		errs = append(errs, e.vision.Close())
	}
	if e.recognizer != nil {
		errs = append(errs, e.recognizer.Close())
	}
	if e.mqtt != nil {
		if e.mqtt.IsConnected() {
			if err := e.discovery.PublishAvailability(false); err != nil {
				log.Warnf("Failed to publish availability: %v", err)
			}
		}
		e.mqtt.Stop()
	}
	if e.db != nil {
		errs = append(errs, db.Close(e.db))
		e.db = nil
	}
	return errors.Join(errs...)
}
