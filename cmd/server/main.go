package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"face-attendance/config"
	"face-attendance/internal/engine"
	"face-attendance/internal/integrations/dlib"
	"face-attendance/internal/integrations/opencv"
	"face-attendance/internal/logger"
	"face-attendance/internal/util/timezone"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "/config/config.yaml", "path to the configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logFile, err := logger.Init(cfg.Log)
	if err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}
	defer logFile.Close()

	timezone.Initialize(cfg.Server.Timezone)
	if log.GetLevel() < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Errorf("Face attendance stopped with error: %v", err)
		os.Exit(1)
	}
	log.Info("Face attendance stopped.")
}

func run(ctx context.Context, cfg *config.Config) error {
	vision, err := opencv.NewService(cfg.Detector)
	if err != nil {
		return err
	}

	recognizer, err := dlib.NewRecognizer(cfg.Recognition.ModelDir, cfg.Recognition.CropPad)
	if err != nil {
		vision.Close()
		return err
	}

	log.Info("Building gallery and opening cameras...")
	e, err := engine.New(ctx, cfg, vision, recognizer)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Warnf("Failed to close engine cleanly: %v", err)
		}
	}()

	log.Infof("Gallery contains %d identities, %d cameras configured", e.Gallery().Len(), len(cfg.Cameras))
	return e.Run(ctx)
}
