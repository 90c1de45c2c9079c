package recognition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"face-gallery-go/internal/gallery"
	"face-gallery-go/internal/integrations/facerecognition"

	log "github.com/sirupsen/logrus"
)

// State ist der Zustand des Erkennungsmodells
type State string

const (
	// StateUntrained: kein Modell, es gibt keine bekannten Identitäten
	StateUntrained State = "untrained"
	// StateTrained: Modell passt zur Gallery
	StateTrained State = "trained"
	// StateStale: Gallery hat sich geändert, vor der nächsten Erkennung wird neu trainiert
	StateStale State = "stale"
)

// ErrNoKnownIdentities wird von Identify im Zustand Untrained zurückgegeben.
// Die erkannten Regionen werden trotzdem (alle als unbekannt) geliefert.
var ErrNoKnownIdentities = errors.New("no known identities")

// GalleryStore ist der Teil der Gallery, den die Engine benötigt
type GalleryStore interface {
	List() ([]gallery.Entry, error)
	SaveModel(a *gallery.Artifact) error
	LoadModel() (*gallery.Artifact, error)
	InvalidateModel() error
	Subscribe(fn func(gallery.Change))
}

// Status beschreibt den aktuellen Modellzustand
type Status struct {
	State     State     `json:"state"`
	Adapter   string    `json:"adapter"`
	Labels    []string  `json:"labels"`
	Skipped   []string  `json:"skipped,omitempty"`
	TrainedAt time.Time `json:"trained_at,omitempty"`
}

// Engine verwaltet den Lebenszyklus des Erkennungsmodells und serialisiert
// alle Zugriffe auf den Adapter. Adapteraufrufe sind nicht zeitlich begrenzt.
type Engine struct {
	store   GalleryStore
	adapter facerecognition.Adapter

	mu        sync.Mutex
	state     State
	labels    []string
	skipped   []string
	trainedAt time.Time
}

// NewEngine erstellt eine Engine im Zustand Untrained und abonniert Gallery-Änderungen
func NewEngine(store GalleryStore, adapter facerecognition.Adapter) *Engine {
	e := &Engine{
		store:   store,
		adapter: adapter,
		state:   StateUntrained,
	}
	store.Subscribe(e.onGalleryChange)
	return e
}

func (e *Engine) onGalleryChange(c gallery.Change) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateTrained:
		e.state = StateStale
	case StateUntrained:
		// Entfernen kann aus "keine Identitäten" nichts Neues machen
		if c.Kind != gallery.ChangeRemoved {
			e.state = StateStale
		}
	}
	log.WithFields(log.Fields{"change": c.Kind, "identity": c.Identity, "state": e.state}).Debug("Gallery changed")
}

// Bootstrap lädt ein vorhandenes Modell oder trainiert aus der Gallery
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	artifact, err := e.store.LoadModel()
	switch {
	case errors.Is(err, gallery.ErrNotFound):
		log.Info("No recognition model found, training from gallery")
		return e.retrainLocked(ctx)
	case errors.Is(err, gallery.ErrModelInconsistency):
		log.Warnf("Recognition model is inconsistent, retraining: %v", err)
		return e.discardAndRetrainLocked(ctx)
	case err != nil:
		return err
	}

	if artifact.Adapter != string(e.adapter.Name()) {
		log.Warnf("Recognition model was trained by %s, active adapter is %s, retraining", artifact.Adapter, e.adapter.Name())
		return e.discardAndRetrainLocked(ctx)
	}
	if err := e.adapter.Load(artifact.Labels, artifact.Model); err != nil {
		log.Warnf("Recognition model could not be loaded, retraining: %v", err)
		return e.discardAndRetrainLocked(ctx)
	}

	e.state = StateTrained
	e.labels = append([]string(nil), artifact.Labels...)
	e.skipped = nil
	log.Infof("Recognition model loaded with %d identities", len(e.labels))
	return nil
}

// Retrain trainiert das Modell aus allen Gallery-Bildern neu
func (e *Engine) Retrain(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retrainLocked(ctx)
}

// Identify erkennt Gesichter in img. Ein veraltetes Modell wird vorher neu
// trainiert, ohne Modell liefert Identify ErrNoKnownIdentities zusammen mit
// den (unbekannten) Regionen.
func (e *Engine) Identify(ctx context.Context, img image.Image, opts facerecognition.Options) ([]facerecognition.Recognition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateStale {
		if err := e.retrainLocked(ctx); err != nil {
			return nil, err
		}
	}

	if e.state == StateUntrained {
		regions, err := e.adapter.Detect(ctx, img, opts)
		if err != nil {
			return nil, err
		}
		recognitions := make([]facerecognition.Recognition, len(regions))
		for i, r := range regions {
			recognitions[i] = facerecognition.Recognition{Region: r, Identity: facerecognition.UnknownIdentity}
		}
		return recognitions, ErrNoKnownIdentities
	}

	recognitions, err := e.adapter.Identify(ctx, img, opts)
	if errors.Is(err, facerecognition.ErrLabelMismatch) || errors.Is(err, facerecognition.ErrNoModel) {
		log.Warnf("Recognition model does not match its labels, retraining: %v", err)
		if err := e.discardAndRetrainLocked(ctx); err != nil {
			return nil, err
		}
		if e.state != StateTrained {
			return nil, ErrNoKnownIdentities
		}
		recognitions, err = e.adapter.Identify(ctx, img, opts)
	}
	if err != nil {
		return nil, err
	}
	return recognitions, nil
}

// Detect liefert die Gesichtsregionen ohne Zuordnung
func (e *Engine) Detect(ctx context.Context, img image.Image, opts facerecognition.Options) ([]facerecognition.Region, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adapter.Detect(ctx, img, opts)
}

// State gibt den aktuellen Modellzustand zurück
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Labels gibt die Identitäten des geladenen Modells zurück
func (e *Engine) Labels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.labels...)
}

// Status gibt eine Momentaufnahme des Modellzustands zurück
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:     e.state,
		Adapter:   string(e.adapter.Name()),
		Labels:    append([]string(nil), e.labels...),
		Skipped:   append([]string(nil), e.skipped...),
		TrainedAt: e.trainedAt,
	}
}

// AdapterName gibt den Namen des aktiven Adapters zurück
func (e *Engine) AdapterName() string {
	return string(e.adapter.Name())
}

func (e *Engine) discardAndRetrainLocked(ctx context.Context) error {
	if err := e.store.InvalidateModel(); err != nil {
		log.Errorf("Failed to remove inconsistent model: %v", err)
	}
	return e.retrainLocked(ctx)
}

func (e *Engine) retrainLocked(ctx context.Context) error {
	entries, err := e.store.List()
	if err != nil {
		return fmt.Errorf("list gallery: %w", err)
	}

	images := make([]facerecognition.TrainingImage, len(entries))
	for i, entry := range entries {
		images[i] = facerecognition.TrainingImage{Identity: entry.Identity, Path: entry.Path}
	}

	start := time.Now()
	result, err := e.adapter.Train(ctx, images)
	if err != nil {
		log.Errorf("Training failed: %v", err)
		return fmt.Errorf("train: %w", err)
	}

	e.skipped = append([]string(nil), result.Skipped...)
	if len(result.Labels) == 0 {
		if err := e.store.InvalidateModel(); err != nil {
			log.Errorf("Failed to remove model artifact: %v", err)
		}
		e.state = StateUntrained
		e.labels = nil
		e.trainedAt = time.Time{}
		log.Warnf("No enrollable faces in gallery (%d images, %d skipped), model is untrained", len(images), len(result.Skipped))
		return nil
	}

	e.state = StateTrained
	e.labels = append([]string(nil), result.Labels...)
	e.trainedAt = time.Now()

	log.WithFields(log.Fields{
		"identities": len(result.Labels),
		"skipped":    len(result.Skipped),
		"duration":   time.Since(start).Round(time.Millisecond),
	}).Info("Recognition model trained")

	artifact := &gallery.Artifact{
		Adapter: string(e.adapter.Name()),
		Labels:  result.Labels,
		Model:   result.Model,
	}
	if err := e.store.SaveModel(artifact); err != nil {
		// Das Modell ist im Adapter aktiv, beim nächsten Start wird neu trainiert
		log.Errorf("Failed to persist recognition model: %v", err)
		return err
	}
	return nil
}
