package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config repräsentiert die Hauptkonfiguration der Anwendung
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	DB          DBConfig          `mapstructure:"db"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	OpenCV      OpenCVConfig      `mapstructure:"opencv"`
	Dlib        DlibConfig        `mapstructure:"dlib"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup"`
	I18n        I18nConfig        `mapstructure:"i18n"`
}

// ServerConfig enthält Server- und Verzeichniseinstellungen
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	DataDir      string `mapstructure:"data_dir"`
	GalleryDir   string `mapstructure:"gallery_dir"`   // Ein Bild pro Identität
	SnapshotDir  string `mapstructure:"snapshot_dir"`  // Automatisch gespeicherte Aufnahmen
	SettingsFile string `mapstructure:"settings_file"` // Benutzereinstellungen (JSON)
	Timezone     string `mapstructure:"timezone"`
}

// LogConfig enthält Log-Einstellungen
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DBConfig enthält Datenbankeinstellungen
type DBConfig struct {
	File string `mapstructure:"file"`
}

// RecognitionConfig enthält Einstellungen für Gallery und Erkennung
type RecognitionConfig struct {
	Provider      string  `mapstructure:"provider"`       // "lbph" oder "dlib"
	MaxDimension  int     `mapstructure:"max_dimension"`  // Maximale Kantenlänge importierter Bilder
	CaptureMargin int     `mapstructure:"capture_margin"` // Rand um erkannte Gesichter in Pixeln
	JPEGQuality   int     `mapstructure:"jpeg_quality"`
	LBPHThreshold float64 `mapstructure:"lbph_threshold"` // LBPH-Distanz, ab der ein Gesicht unbekannt ist
	ImportWorkers int     `mapstructure:"import_workers"` // 0 = automatisch
	PreviewFrames int     `mapstructure:"preview_frames"` // Größe des Vorschau-Ringpuffers
}

// OpenCVConfig enthält Einstellungen für die OpenCV-Integration
type OpenCVConfig struct {
	CascadePath   string  `mapstructure:"cascade_path"`
	ScaleFactor   float64 `mapstructure:"scale_factor"`
	MinNeighbors  int     `mapstructure:"min_neighbors"`
	MinSizeWidth  int     `mapstructure:"min_size_width"`
	MinSizeHeight int     `mapstructure:"min_size_height"`
	LowPower      bool    `mapstructure:"low_power"` // Kleinere Kameraauflösung für schwache Hardware
}

// DlibConfig enthält Einstellungen für die dlib-Integration (go-face)
type DlibConfig struct {
	ModelsDir string `mapstructure:"models_dir"`
}

// MQTTConfig enthält die Konfiguration für den MQTT-Client
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"` // Basis-Topic für Erkennungsereignisse

	HomeAssistantDiscovery bool   `mapstructure:"homeassistant_discovery"`
	DiscoveryPrefix        string `mapstructure:"discovery_prefix"`
}

// CleanupConfig enthält Bereinigungseinstellungen
type CleanupConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
	IntervalHours int `mapstructure:"interval_hours"`
}

// I18nConfig enthält Spracheinstellungen der API
type I18nConfig struct {
	DefaultLanguage string `mapstructure:"default_language"`
}

// Load lädt die Konfiguration aus Datei, Umgebungsvariablen und Standardwerten
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

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
	v.SetEnvPrefix("FACE_GALLERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// setDefaults legt Standardwerte für die Konfiguration fest
func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.data_dir", "data")
	v.SetDefault("server.gallery_dir", "data/faces")
	v.SetDefault("server.snapshot_dir", "data/captures")
	v.SetDefault("server.settings_file", "config/settings.json")
	v.SetDefault("server.timezone", "UTC")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "logs/face-gallery.log")

	// DB
	v.SetDefault("db.file", "data/face-gallery.db")

	// Erkennung
	v.SetDefault("recognition.provider", "lbph")
	v.SetDefault("recognition.max_dimension", 800)
	v.SetDefault("recognition.capture_margin", 20)
	v.SetDefault("recognition.jpeg_quality", 90)
	v.SetDefault("recognition.lbph_threshold", 100.0)
	v.SetDefault("recognition.import_workers", 0)
	v.SetDefault("recognition.preview_frames", 30)

	// OpenCV
	v.SetDefault("opencv.cascade_path", "models/opencv/haarcascade_frontalface_default.xml")
	v.SetDefault("opencv.scale_factor", 1.1)
	v.SetDefault("opencv.min_neighbors", 5)
	v.SetDefault("opencv.min_size_width", 30)
	v.SetDefault("opencv.min_size_height", 30)
	v.SetDefault("opencv.low_power", false)

	// dlib
	v.SetDefault("dlib.models_dir", "models/dlib")

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "face-gallery-go")
	v.SetDefault("mqtt.topic", "face-gallery")
	v.SetDefault("mqtt.homeassistant_discovery", false)
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")

	// Bereinigung
	v.SetDefault("cleanup.retention_days", 30)
	v.SetDefault("cleanup.interval_hours", 24)

	// Sprache
	v.SetDefault("i18n.default_language", "en")
}

// validate prüft Werte, für die es keinen sinnvollen Rückfall gibt
func (c *Config) validate() error {
	switch c.Recognition.Provider {
	case "lbph", "dlib":
	default:
		return fmt.Errorf("unknown recognition provider %q (expected lbph or dlib)", c.Recognition.Provider)
	}
	if c.Recognition.MaxDimension <= 0 {
		return fmt.Errorf("recognition.max_dimension must be positive, got %d", c.Recognition.MaxDimension)
	}
	if c.Recognition.CaptureMargin < 0 {
		return fmt.Errorf("recognition.capture_margin must not be negative, got %d", c.Recognition.CaptureMargin)
	}
	if c.Recognition.JPEGQuality < 1 || c.Recognition.JPEGQuality > 100 {
		c.Recognition.JPEGQuality = 90
	}
	return nil
}

// ensureDirectories stellt sicher, dass alle erforderlichen Verzeichnisse existieren
func ensureDirectories(cfg *Config) error {
	dirs := []string{cfg.Server.DataDir, cfg.Server.GalleryDir, cfg.Server.SnapshotDir}
	if cfg.Server.SettingsFile != "" {
		dirs = append(dirs, filepath.Dir(cfg.Server.SettingsFile))
	}
	if cfg.Log.File != "" {
		dirs = append(dirs, filepath.Dir(cfg.Log.File))
	}
	if cfg.DB.File != "" {
		dirs = append(dirs, filepath.Dir(cfg.DB.File))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
