package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config repräsentiert die Hauptkonfiguration der Anwendung
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	DB          DBConfig          `mapstructure:"db"`
	Gallery     GalleryConfig     `mapstructure:"gallery"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Detector    DetectorConfig    `mapstructure:"detector"`
	Cameras     []CameraConfig    `mapstructure:"cameras"`
	Attendance  AttendanceConfig  `mapstructure:"attendance"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup"`
}

// ServerConfig enthält Server-bezogene Einstellungen
type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DataDir  string `mapstructure:"data_dir"`
	Timezone string `mapstructure:"timezone"`
}

// LogConfig enthält Log-Einstellungen
type LogConfig struct {
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"`
	Format string `mapstructure:"format"` // "text" oder "json"
}

// DBConfig enthält Datenbankeinstellungen
type DBConfig struct {
	File string `mapstructure:"file"` // SQLite-Datei
}

// GalleryConfig beschreibt die Sammlung der Referenzbilder
type GalleryConfig struct {
	ReferenceDir    string   `mapstructure:"reference_dir"`
	Extensions      []string `mapstructure:"extensions"`
	MultiFacePolicy string   `mapstructure:"multi_face_policy"` // "first" oder "reject"
}

// RecognitionConfig enthält Einstellungen für den Abgleich der Gesichtsvektoren
type RecognitionConfig struct {
	ModelDir  string  `mapstructure:"model_dir"` // dlib-Modelle für go-face
	Tolerance float64 `mapstructure:"tolerance"`
	CropPad   float64 `mapstructure:"crop_pad"` // Rand um die Gesichtsregion beim Extrahieren
}

// DetectorConfig enthält Einstellungen für die OpenCV-Gesichtserkennung
type DetectorConfig struct {
	Method              string  `mapstructure:"method"` // "haar" oder "dnn"
	UseGPU              bool    `mapstructure:"use_gpu"`
	CascadePath         string  `mapstructure:"cascade_path"`
	ModelPath           string  `mapstructure:"model_path"`
	ConfigPath          string  `mapstructure:"config_path"`
	Backend             string  `mapstructure:"backend"` // "default", "cuda", "opencl"
	Target              string  `mapstructure:"target"`  // "cpu", "cuda", "opencl"
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	ScaleFactor         float64 `mapstructure:"scale_factor"`
	MinNeighbors        int     `mapstructure:"min_neighbors"`
	MinSizeWidth        int     `mapstructure:"min_size_width"`
	MinSizeHeight       int     `mapstructure:"min_size_height"`
}

// CameraConfig beschreibt eine Videoquelle
type CameraConfig struct {
	Name      string  `mapstructure:"name"`
	Device    string  `mapstructure:"device"`    // Geräteindex ("0") oder Stream-URL
	Downscale float64 `mapstructure:"downscale"` // 0 < f <= 1, 1 = keine Verkleinerung
	Display   bool    `mapstructure:"display"`   // Overlay-Fenster anzeigen
}

// AttendanceConfig enthält Einstellungen für die Anwesenheitsbuchung
type AttendanceConfig struct {
	StoreTimeout      time.Duration `mapstructure:"store_timeout"`
	MinUpdateInterval time.Duration `mapstructure:"min_update_interval"`
}

// MQTTConfig enthält die Konfiguration für den MQTT-Client
type MQTTConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Broker         string `mapstructure:"broker"`
	Port           int    `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	ClientID       string `mapstructure:"client_id"`
	TopicPrefix    string `mapstructure:"topic_prefix"`
	PublishFrames  bool   `mapstructure:"publish_frames"`
	CommandControl bool   `mapstructure:"command_control"` // Stopp über <prefix>/command
}

// CleanupConfig enthält Bereinigungseinstellungen
type CleanupConfig struct {
	RetentionDays int `mapstructure:"retention_days"` // 0 = nie löschen
}

// Load lädt die Konfiguration aus Datei, Umgebungsvariablen und Standardwerten
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Standardwerte festlegen
	setDefaults(v)

	// Konfigurationsdatei laden, wenn vorhanden
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	// Umgebungsvariablen überlagern die Konfiguration
	v.SetEnvPrefix("ATTENDANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Cameras) == 0 {
		cfg.Cameras = []CameraConfig{{Name: "default", Device: "0", Downscale: 0.25, Display: true}}
	}
	for i := range cfg.Cameras {
		if cfg.Cameras[i].Name == "" {
			cfg.Cameras[i].Name = fmt.Sprintf("camera-%d", i)
		}
		if cfg.Cameras[i].Downscale <= 0 || cfg.Cameras[i].Downscale > 1 {
			log.Warnf("Camera %s: invalid downscale %.2f, using 1", cfg.Cameras[i].Name, cfg.Cameras[i].Downscale)
			cfg.Cameras[i].Downscale = 1
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Sicherstellen, dass erforderliche Verzeichnisse existieren
	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// Validate prüft Werte, für die es keinen sinnvollen Ersatz gibt
func (c *Config) Validate() error {
	if c.Recognition.Tolerance <= 0 {
		return fmt.Errorf("recognition.tolerance must be positive, got %v", c.Recognition.Tolerance)
	}
	switch c.Gallery.MultiFacePolicy {
	case "first", "reject":
	default:
		return fmt.Errorf("gallery.multi_face_policy must be \"first\" or \"reject\", got %q", c.Gallery.MultiFacePolicy)
	}
	if c.Attendance.StoreTimeout <= 0 {
		return fmt.Errorf("attendance.store_timeout must be positive")
	}
	if c.Attendance.MinUpdateInterval < 0 {
		return fmt.Errorf("attendance.min_update_interval must not be negative")
	}
	return nil
}

// setDefaults legt Standardwerte für die Konfiguration fest
func setDefaults(v *viper.Viper) {
	// Server-Standardwerte
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.data_dir", "/data")
	v.SetDefault("server.timezone", "UTC")

	// Log-Standardwerte
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "/data/logs/attendance.log")

	// DB-Standardwerte
	v.SetDefault("db.file", "/data/attendance.db")

	// Galerie
	v.SetDefault("gallery.reference_dir", "/data/references")
	v.SetDefault("gallery.extensions", []string{".jpg", ".jpeg"})
	v.SetDefault("gallery.multi_face_policy", "first")

	// Erkennung
	v.SetDefault("recognition.model_dir", "/models/dlib")
	v.SetDefault("recognition.tolerance", 0.6)
	v.SetDefault("recognition.crop_pad", 0.25)

	// Gesichtsdetektor
	v.SetDefault("detector.method", "haar")
	v.SetDefault("detector.use_gpu", false)
	v.SetDefault("detector.cascade_path", "/models/opencv/haarcascade_frontalface_default.xml")
	v.SetDefault("detector.model_path", "/models/opencv/res10_300x300_ssd_iter_140000.caffemodel")
	v.SetDefault("detector.config_path", "/models/opencv/deploy.prototxt")
	v.SetDefault("detector.backend", "default")
	v.SetDefault("detector.target", "cpu")
	v.SetDefault("detector.confidence_threshold", 0.5)
	v.SetDefault("detector.scale_factor", 1.1)
	v.SetDefault("detector.min_neighbors", 5)
	v.SetDefault("detector.min_size_width", 20)
	v.SetDefault("detector.min_size_height", 20)

	// Anwesenheit
	v.SetDefault("attendance.store_timeout", 2*time.Second)
	v.SetDefault("attendance.min_update_interval", time.Duration(0))

	// MQTT-Standardwerte
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "face-attendance")
	v.SetDefault("mqtt.topic_prefix", "attendance")
	v.SetDefault("mqtt.publish_frames", false)
	v.SetDefault("mqtt.command_control", true)

	// Cleanup-Standardwerte
	v.SetDefault("cleanup.retention_days", 0)
}

// ensureDirectories stellt sicher, dass alle erforderlichen Verzeichnisse existieren
func ensureDirectories(cfg *Config) error {
	if cfg.Server.DataDir != "" {
		if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// Log-Verzeichnis
	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	// Datenbank-Verzeichnis (für SQLite)
	if cfg.DB.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.File), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
