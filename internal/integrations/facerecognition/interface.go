package facerecognition

import (
	"context"
	"errors"
	"image"
	"sort"
	"sync"
)

// ProviderType definiert den Typ des Gesichtserkennungsadapters
type ProviderType string

const (
	// ProviderLBPH steht für OpenCV Haar-Kaskade + LBPH-Histogramme
	ProviderLBPH ProviderType = "lbph"

	// ProviderDlib steht für dlib-Gesichtsvektoren über go-face
	ProviderDlib ProviderType = "dlib"
)

// UnknownIdentity ist das Label für Gesichter ohne Treffer
const UnknownIdentity = "unknown"

// Detection-Modelle für den dlib-Adapter
const (
	DetectionModelHOG = "hog"
	DetectionModelCNN = "cnn"
)

var (
	// ErrNoModel: Identify wurde ohne geladenes Modell aufgerufen
	ErrNoModel = errors.New("no model loaded")
	// ErrLabelMismatch: das Modell liefert Label-Indizes außerhalb der Label-Tabelle
	ErrLabelMismatch = errors.New("model labels do not match label table")
)

// Region ist der Begrenzungsrahmen eines Gesichts in Bildkoordinaten
type Region = image.Rectangle

// Recognition ist ein erkanntes Gesicht mit seiner Zuordnung
type Recognition struct {
	Region   Region  `json:"region"`
	Identity string  `json:"identity"`
	Known    bool    `json:"known"`
	Distance float64 `json:"distance"` // adapterspezifisch, kleiner ist ähnlicher
}

// TrainingImage ist ein Gallery-Bild als Trainingseingabe
type TrainingImage struct {
	Identity string
	Path     string
}

// TrainResult ist das Ergebnis eines Trainings.
// Labels[i] gehört zum internen Label-Index i im Modell.
type TrainResult struct {
	Labels  []string
	Model   []byte
	Skipped []string // Identitäten ohne erkennbares Gesicht
}

// Options steuert Erkennung und Zuordnung pro Aufruf
type Options struct {
	DetectionModel string  // "hog" oder "cnn", nur dlib
	Tolerance      float64 // maximale Distanz für einen Treffer, nur dlib
}

// Adapter ist die Schnittstelle zu einer externen Erkennungsbibliothek.
// Implementierungen sind nicht threadsicher, Aufrufer serialisieren den Zugriff.
// Aufrufe können beliebig lange dauern, es gibt keine Zeitbegrenzung.
type Adapter interface {
	// Name gibt den Typ des Adapters zurück
	Name() ProviderType

	// Detect liefert die Gesichtsregionen in einem Bild
	Detect(ctx context.Context, img image.Image, opts Options) ([]Region, error)

	// Train trainiert ein Modell aus den Gallery-Bildern. Bilder ohne Gesicht
	// werden übersprungen, keine verwertbaren Bilder ergeben ein leeres Ergebnis.
	Train(ctx context.Context, images []TrainingImage) (*TrainResult, error)

	// Load aktiviert ein zuvor trainiertes Modell
	Load(labels []string, model []byte) error

	// Identify erkennt Gesichter und ordnet sie dem geladenen Modell zu
	Identify(ctx context.Context, img image.Image, opts Options) ([]Recognition, error)

	// Close gibt native Ressourcen frei
	Close() error
}

// ProviderManager verwaltet die registrierten Adapter
type ProviderManager struct {
	mu        sync.RWMutex
	providers map[ProviderType]Adapter
	active    ProviderType
}

// NewProviderManager erstellt einen neuen ProviderManager
func NewProviderManager() *ProviderManager {
	return &ProviderManager{
		providers: make(map[ProviderType]Adapter),
	}
}

// RegisterProvider registriert einen Adapter
func (m *ProviderManager) RegisterProvider(adapter Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[adapter.Name()] = adapter
}

// SetActiveProvider setzt den aktiven Adapter
func (m *ProviderManager) SetActiveProvider(providerType ProviderType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[providerType]; exists {
		m.active = providerType
		return true
	}
	return false
}

// GetActiveProviderName gibt den Namen des aktiven Adapters zurück
func (m *ProviderManager) GetActiveProviderName() ProviderType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// GetProvider gibt den Adapter mit dem angegebenen Namen zurück
func (m *ProviderManager) GetProvider(providerType ProviderType) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	adapter, exists := m.providers[providerType]
	return adapter, exists
}

// GetActiveProvider gibt den aktiven Adapter zurück
func (m *ProviderManager) GetActiveProvider() (Adapter, bool) {
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()
	if active == "" {
		return nil, false
	}
	return m.GetProvider(active)
}

// GetAvailableProviders gibt die registrierten Adapter sortiert zurück
func (m *ProviderManager) GetAvailableProviders() []ProviderType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	available := make([]ProviderType, 0, len(m.providers))
	for name := range m.providers {
		available = append(available, name)
	}
	sort.Slice(available, func(i, j int) bool { return available[i] < available[j] })
	return available
}

// Close schließt alle registrierten Adapter und gibt den ersten Fehler zurück
func (m *ProviderManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, adapter := range m.providers {
		if err := adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
