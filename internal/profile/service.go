package profile

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"face-gallery-go/config"
	"face-gallery-go/internal/capture"
	"face-gallery-go/internal/gallery"
	"face-gallery-go/internal/integrations/facerecognition"

	"github.com/disintegration/imaging"
	"github.com/google/renameio/v2"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNoFaceRegion: im Bild wurde kein Gesicht gefunden
	ErrNoFaceRegion = errors.New("no face region")
	// ErrNotConfirmed: der Benutzer hat Überschreiben oder Löschen abgelehnt
	ErrNotConfirmed = errors.New("not confirmed")
	// ErrNoLiveFrame: der Monitor hat noch kein Bild geliefert
	ErrNoLiveFrame = errors.New("no live frame available")
	// ErrExportIntoGallery: das Exportziel ist das Gallery-Verzeichnis selbst
	ErrExportIntoGallery = errors.New("export target is the gallery directory")
)

// Action ist eine Aktion, die eine Bestätigung erfordert
type Action string

const (
	ActionOverwrite Action = "overwrite"
	ActionDelete    Action = "delete"
)

// Confirmer entscheidet über Überschreiben und Löschen
type Confirmer interface {
	Confirm(action Action, identity string) bool
}

// ConfirmFunc erlaubt einfache Funktionen als Confirmer
type ConfirmFunc func(action Action, identity string) bool

// Confirm ruft f(action, identity) auf
func (f ConfirmFunc) Confirm(action Action, identity string) bool {
	return f(action, identity)
}

var (
	AlwaysConfirm Confirmer = ConfirmFunc(func(Action, string) bool { return true })
	NeverConfirm  Confirmer = ConfirmFunc(func(Action, string) bool { return false })
)

// GalleryStore ist der Teil der Gallery, den die Profilverwaltung benötigt
type GalleryStore interface {
	List() ([]gallery.Entry, error)
	Exists(identity string) bool
	AddOrReplace(identity string, imageBytes []byte) error
	Remove(identity string) error
	Rename(oldIdentity, newIdentity string, overwrite bool) error
	Dir() string
}

// FrameSource liefert das zuletzt gelesene Kamerabild
type FrameSource interface {
	LastFrame() *capture.Frame
}

// Detector findet Gesichter in einem Bild
type Detector interface {
	Detect(ctx context.Context, img image.Image, opts facerecognition.Options) ([]facerecognition.Region, error)
}

// Service bündelt die Profiloperationen über der Gallery. Schreibende
// Operationen laufen nacheinander, damit Prüfung und Schreiben einer
// Identität nicht mit einem parallelen Upload verzahnt werden.
type Service struct {
	mu sync.Mutex

	store    GalleryStore
	frames   FrameSource
	detector Detector
	pool     *WorkerPool

	maxDimension int
	margin       int
	quality      int
}

// NewService erstellt die Profilverwaltung. frames und detector dürfen nil
// sein, dann ist CaptureFromCamera nicht verfügbar.
func NewService(store GalleryStore, frames FrameSource, detector Detector, cfg config.RecognitionConfig) *Service {
	s := &Service{
		store:        store,
		frames:       frames,
		detector:     detector,
		maxDimension: cfg.MaxDimension,
		margin:       cfg.CaptureMargin,
		quality:      cfg.JPEGQuality,
	}
	if s.maxDimension <= 0 {
		s.maxDimension = DefaultMaxDimension
	}
	if s.quality <= 0 {
		s.quality = DefaultJPEGQuality
	}
	s.pool = NewWorkerPool(cfg.ImportWorkers, s.decodeAndNormalize)
	return s
}

// Close beendet den Import-Pool
func (s *Service) Close() {
	s.pool.Shutdown()
}

// List gibt alle Profile zurück
func (s *Service) List() ([]gallery.Entry, error) {
	return s.store.List()
}

// CaptureFromLive schneidet region samt Rand aus frame aus und speichert
// es als Bild der Identität
func (s *Service) CaptureFromLive(identity string, frame image.Image, region *image.Rectangle, margin int, confirm Confirmer) error {
	if err := gallery.ValidateIdentity(identity); err != nil {
		return err
	}
	if frame == nil || region == nil || region.Empty() {
		log.Infof("Capture for %s: no face region in frame", identity)
		return fmt.Errorf("capture %s: %w", identity, ErrNoFaceRegion)
	}

	crop := expandRegion(*region, frame.Bounds(), margin)
	if crop.Empty() {
		return fmt.Errorf("capture %s: region outside frame: %w", identity, ErrNoFaceRegion)
	}

	data, err := normalize(imaging.Crop(frame, crop), s.maxDimension, s.quality)
	if err != nil {
		return err
	}
	return s.write(identity, data, confirm)
}

// CaptureFromCamera speichert das größte Gesicht des letzten Live-Bildes
func (s *Service) CaptureFromCamera(ctx context.Context, identity string, opts facerecognition.Options, confirm Confirmer) error {
	if s.frames == nil || s.detector == nil {
		return fmt.Errorf("capture %s: %w", identity, ErrNoLiveFrame)
	}
	frame := s.frames.LastFrame()
	if frame == nil {
		return fmt.Errorf("capture %s: %w", identity, ErrNoLiveFrame)
	}

	regions, err := s.detector.Detect(ctx, frame.Image, opts)
	if err != nil {
		return fmt.Errorf("detect faces: %w", err)
	}

	var region *image.Rectangle
	if len(regions) > 0 {
		region = &regions[0]
	}
	return s.CaptureFromLive(identity, frame.Image, region, s.margin, confirm)
}

// ImportFile liest eine beliebige Bilddatei und speichert sie normalisiert
func (s *Service) ImportFile(path, identity string, confirm Confirmer) error {
	if err := gallery.ValidateIdentity(identity); err != nil {
		return err
	}
	data, err := s.decodeAndNormalize(path)
	if err != nil {
		log.Warnf("Import of %s failed: %v", path, err)
		return err
	}
	if err := s.write(identity, data, confirm); err != nil {
		return err
	}
	log.Infof("Imported %s as %s", path, identity)
	return nil
}

// ImportReader liest ein Bild aus r, z.B. einem Upload
func (s *Service) ImportReader(r io.Reader, identity string, confirm Confirmer) error {
	if err := gallery.ValidateIdentity(identity); err != nil {
		return err
	}
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode upload: %v: %w", err, gallery.ErrDecodeFailure)
	}
	data, err := normalize(img, s.maxDimension, s.quality)
	if err != nil {
		return err
	}
	return s.write(identity, data, confirm)
}

// ExportAll kopiert alle Gallery-Bilder nach dest und gibt die Anzahl
// erfolgreich kopierter Dateien zurück
func (s *Service) ExportAll(dest string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, fmt.Errorf("create %s: %v: %w", dest, err, gallery.ErrIOFailure)
	}
	same, err := sameDir(dest, s.store.Dir())
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %v: %w", dest, err, gallery.ErrIOFailure)
	}
	if same {
		return 0, fmt.Errorf("export to %s: %w", dest, ErrExportIntoGallery)
	}
	entries, err := s.store.List()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, e := range entries {
		target := filepath.Join(dest, filepath.Base(e.Path))
		if err := copyFile(e.Path, target); err != nil {
			log.Errorf("Export of %s failed: %v", e.Identity, err)
			continue
		}
		count++
	}

	log.Infof("Exported %d of %d profiles to %s", count, len(entries), dest)
	return count, nil
}

// ImportDirectory importiert alle Bilder aus src, die Identität ist der
// Dateiname ohne Endung. Fehler einzelner Dateien brechen den Import nicht ab.
func (s *Service) ImportDirectory(ctx context.Context, src string, confirm Confirmer) (int, error) {
	dirEntries, err := os.ReadDir(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("directory %s: %w", src, gallery.ErrNotFound)
		}
		return 0, fmt.Errorf("read %s: %v: %w", src, err, gallery.ErrIOFailure)
	}

	var names []string
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") || !gallery.IsImageFile(de.Name()) {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(src, name)
	}
	results := s.pool.DecodeAll(ctx, paths)

	count := 0
	for i, name := range names {
		identity := strings.TrimSuffix(name, filepath.Ext(name))
		if results[i].Err != nil {
			log.Warnf("Skipping %s: %v", name, results[i].Err)
			continue
		}
		if err := gallery.ValidateIdentity(identity); err != nil {
			log.Warnf("Skipping %s: %v", name, err)
			continue
		}
		if err := s.write(identity, results[i].Data, confirm); err != nil {
			log.Warnf("Skipping %s: %v", name, err)
			continue
		}
		count++
	}

	log.Infof("Imported %d of %d images from %s", count, len(names), src)
	return count, nil
}

// Rename benennt ein Profil um. Ein vorhandenes Ziel wird nur nach
// Bestätigung überschrieben.
func (s *Service) Rename(oldIdentity, newIdentity string, confirm Confirmer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	overwrite := false
	if oldIdentity != newIdentity && s.store.Exists(newIdentity) {
		if !confirm.Confirm(ActionOverwrite, newIdentity) {
			return fmt.Errorf("overwrite %s: %w", newIdentity, ErrNotConfirmed)
		}
		overwrite = true
	}
	return s.store.Rename(oldIdentity, newIdentity, overwrite)
}

// Delete löscht ein Profil nach Bestätigung
func (s *Service) Delete(identity string, confirm Confirmer) error {
	if err := gallery.ValidateIdentity(identity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.store.Exists(identity) {
		return fmt.Errorf("identity %s: %w", identity, gallery.ErrNotFound)
	}
	if !confirm.Confirm(ActionDelete, identity) {
		return fmt.Errorf("delete %s: %w", identity, ErrNotConfirmed)
	}
	return s.store.Remove(identity)
}

func (s *Service) write(identity string, data []byte, confirm Confirmer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store.Exists(identity) && !confirm.Confirm(ActionOverwrite, identity) {
		log.Infof("Overwrite of %s declined", identity)
		return fmt.Errorf("overwrite %s: %w", identity, ErrNotConfirmed)
	}
	return s.store.AddOrReplace(identity, data)
}

func (s *Service) decodeAndNormalize(path string) ([]byte, error) {
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	return normalize(img, s.maxDimension, s.quality)
}

// sameDir meldet, ob a und b nach Auflösen von Symlinks dasselbe Verzeichnis sind
func sameDir(a, b string) (bool, error) {
	ia, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	ib, err := os.Stat(b)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return os.SameFile(ia, ib), nil
}

// copyFile kopiert src atomar nach dst und übernimmt Dateirechte und
// Änderungszeit. Zeigen beide auf dieselbe Datei, wird nichts geschrieben.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if dstInfo, err := os.Stat(dst); err == nil && os.SameFile(info, dstInfo) {
		return fmt.Errorf("%s: %w", dst, ErrExportIntoGallery)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := renameio.NewPendingFile(dst, renameio.WithTempDir(filepath.Dir(dst)), renameio.WithStaticPermissions(info.Mode().Perm()))
	if err != nil {
		return err
	}
	defer out.Cleanup()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
