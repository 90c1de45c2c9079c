package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Schlüssel der Einstellungsdatei
const (
	KeyCameraIndex       = "camera_index"
	KeyDetectionModel    = "detection_model"
	KeyFaceTolerance     = "face_tolerance"
	KeyAutoSaveCaptures  = "auto_save_captures"
	KeyLogDetections     = "log_detections"
	KeyDetectionInterval = "detection_interval"
	KeySampleRate        = "sample_rate"
)

// Grenzen für die Validierung
const (
	MinFaceTolerance     = 0.3
	MaxFaceTolerance     = 1.0
	MinDetectionInterval = 10
	MaxDetectionInterval = 1000
)

// ErrInvalidSettings wird von Apply bei ungültigen Werten zurückgegeben
var ErrInvalidSettings = errors.New("invalid settings")

// Settings sind die vom Benutzer änderbaren Laufzeiteinstellungen
type Settings struct {
	CameraIndex       int     `mapstructure:"camera_index" json:"camera_index"`
	DetectionModel    string  `mapstructure:"detection_model" json:"detection_model"` // "hog" oder "cnn"
	FaceTolerance     float64 `mapstructure:"face_tolerance" json:"face_tolerance"`
	AutoSaveCaptures  bool    `mapstructure:"auto_save_captures" json:"auto_save_captures"`
	LogDetections     bool    `mapstructure:"log_detections" json:"log_detections"`
	DetectionInterval int     `mapstructure:"detection_interval" json:"detection_interval"` // Millisekunden
	SampleRate        int     `mapstructure:"sample_rate" json:"sample_rate"`               // jedes n-te Bild wird ausgewertet
}

// Defaults liefert die Standardeinstellungen
func Defaults() Settings {
	return Settings{
		CameraIndex:       0,
		DetectionModel:    "hog",
		FaceTolerance:     0.6,
		AutoSaveCaptures:  true,
		LogDetections:     true,
		DetectionInterval: 30,
		SampleRate:        2,
	}
}

// Interval gibt das Abfrageintervall des Monitors zurück
func (s Settings) Interval() time.Duration {
	return time.Duration(s.DetectionInterval) * time.Millisecond
}

// Validate prüft alle Werte und meldet den ersten Verstoß
func (s Settings) Validate() error {
	if problems := s.violations(); len(problems) > 0 {
		return fmt.Errorf("%s: %w", problems[0], ErrInvalidSettings)
	}
	return nil
}

func (s Settings) violations() []string {
	var v []string
	if s.CameraIndex < 0 {
		v = append(v, fmt.Sprintf("%s must be >= 0, got %d", KeyCameraIndex, s.CameraIndex))
	}
	if s.DetectionModel != "hog" && s.DetectionModel != "cnn" {
		v = append(v, fmt.Sprintf("%s must be hog or cnn, got %q", KeyDetectionModel, s.DetectionModel))
	}
	if s.FaceTolerance < MinFaceTolerance || s.FaceTolerance > MaxFaceTolerance {
		v = append(v, fmt.Sprintf("%s must be between %.1f and %.1f, got %g", KeyFaceTolerance, MinFaceTolerance, MaxFaceTolerance, s.FaceTolerance))
	}
	if s.DetectionInterval < MinDetectionInterval || s.DetectionInterval > MaxDetectionInterval {
		v = append(v, fmt.Sprintf("%s must be between %d and %d ms, got %d", KeyDetectionInterval, MinDetectionInterval, MaxDetectionInterval, s.DetectionInterval))
	}
	if s.SampleRate < 1 {
		v = append(v, fmt.Sprintf("%s must be >= 1, got %d", KeySampleRate, s.SampleRate))
	}
	return v
}

// sanitize ersetzt ungültige Werte einzeln durch ihren Standardwert
func (s Settings) sanitize() Settings {
	d := Defaults()
	if s.CameraIndex < 0 {
		s.CameraIndex = d.CameraIndex
	}
	if s.DetectionModel != "hog" && s.DetectionModel != "cnn" {
		s.DetectionModel = d.DetectionModel
	}
	if s.FaceTolerance < MinFaceTolerance || s.FaceTolerance > MaxFaceTolerance {
		s.FaceTolerance = d.FaceTolerance
	}
	if s.DetectionInterval < MinDetectionInterval || s.DetectionInterval > MaxDetectionInterval {
		s.DetectionInterval = d.DetectionInterval
	}
	if s.SampleRate < 1 {
		s.SampleRate = d.SampleRate
	}
	return s
}

// Store lädt und speichert die Einstellungsdatei (flaches JSON-Objekt).
// Unbekannte Schlüssel aus der Datei bleiben beim Speichern erhalten.
type Store struct {
	path string

	mu        sync.RWMutex
	v         *viper.Viper
	current   Settings
	listeners []func(Settings)
}

// NewStore erstellt einen Store für die angegebene Datei mit Standardwerten
func NewStore(path string) *Store {
	s := &Store{path: path}
	s.v = newViper()
	s.current = Defaults()
	return s
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	d := Defaults()
	v.SetDefault(KeyCameraIndex, d.CameraIndex)
	v.SetDefault(KeyDetectionModel, d.DetectionModel)
	v.SetDefault(KeyFaceTolerance, d.FaceTolerance)
	v.SetDefault(KeyAutoSaveCaptures, d.AutoSaveCaptures)
	v.SetDefault(KeyLogDetections, d.LogDetections)
	v.SetDefault(KeyDetectionInterval, d.DetectionInterval)
	v.SetDefault(KeySampleRate, d.SampleRate)
	return v
}

// Path gibt den Pfad der Einstellungsdatei zurück
func (s *Store) Path() string {
	return s.path
}

// Load liest die Datei und legt sie über die Standardwerte. Eine fehlende
// oder unlesbare Datei ergibt die Standardwerte, ungültige Einzelwerte
// fallen auf ihren Standard zurück.
func (s *Store) Load() Settings {
	v := newViper()

	if _, err := os.Stat(s.path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("Settings file %s not accessible, using defaults: %v", s.path, err)
		} else {
			log.Infof("Settings file %s not found, using defaults", s.path)
		}
	} else {
		v.SetConfigFile(s.path)
		if err := v.ReadInConfig(); err != nil {
			log.Warnf("Failed to read settings file %s, using defaults: %v", s.path, err)
			v = newViper()
		}
	}

	var loaded Settings
	if err := v.Unmarshal(&loaded); err != nil {
		log.Warnf("Settings file %s has invalid values, using defaults: %v", s.path, err)
		v = newViper()
		loaded = Defaults()
	}
	for _, problem := range loaded.violations() {
		log.Warnf("Settings: %s, using default", problem)
	}
	loaded = loaded.sanitize()

	s.mu.Lock()
	s.v = v
	s.setLocked(loaded)
	s.mu.Unlock()

	s.notify(loaded)
	return loaded
}

// Get gibt die aktuellen Einstellungen zurück
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Apply übernimmt neue Einstellungen im Speicher. Persistiert wird erst mit Save.
func (s *Store) Apply(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.setLocked(next)
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"camera_index":       next.CameraIndex,
		"detection_model":    next.DetectionModel,
		"face_tolerance":     next.FaceTolerance,
		"detection_interval": next.DetectionInterval,
		"sample_rate":        next.SampleRate,
	}).Info("Settings applied")
	s.notify(next)
	return nil
}

// RestoreDefaults setzt alle bekannten Schlüssel auf ihre Standardwerte
func (s *Store) RestoreDefaults() Settings {
	d := Defaults()
	s.mu.Lock()
	s.setLocked(d)
	s.mu.Unlock()

	log.Info("Settings restored to defaults")
	s.notify(d)
	return d
}

// Save schreibt die Einstellungen atomar als flaches JSON-Objekt
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	data, err := json.MarshalIndent(s.v.AllSettings(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := renameio.WriteFile(s.path, append(data, '\n'), 0644, renameio.WithTempDir(dir)); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	log.Infof("Settings saved to %s", s.path)
	return nil
}

// Subscribe registriert einen Listener für geänderte Einstellungen
func (s *Store) Subscribe(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) setLocked(next Settings) {
	s.current = next
	s.v.Set(KeyCameraIndex, next.CameraIndex)
	s.v.Set(KeyDetectionModel, next.DetectionModel)
	s.v.Set(KeyFaceTolerance, next.FaceTolerance)
	s.v.Set(KeyAutoSaveCaptures, next.AutoSaveCaptures)
	s.v.Set(KeyLogDetections, next.LogDetections)
	s.v.Set(KeyDetectionInterval, next.DetectionInterval)
	s.v.Set(KeySampleRate, next.SampleRate)
}

func (s *Store) notify(next Settings) {
	s.mu.RLock()
	listeners := append([]func(Settings){}, s.listeners...)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(next)
	}
}
