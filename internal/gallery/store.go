package gallery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/renameio/v2"
	log "github.com/sirupsen/logrus"
)

const (
	// ModelFileName ist der Dateiname des Modell-Artefakts im Gallery-Verzeichnis
	ModelFileName = "recognition.fgma"

	canonicalExt = ".jpg"
)

// imageExtensions sind die Endungen, die beim Scannen als Gesichtsbild gelten
var imageExtensions = []string{".jpg", ".jpeg", ".png"}

// Entry beschreibt ein gespeichertes Gesichtsbild
type Entry struct {
	Identity string    `json:"identity"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
}

// ChangeKind beschreibt die Art einer Änderung an der Gallery
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeReplaced ChangeKind = "replaced"
	ChangeRemoved  ChangeKind = "removed"
	ChangeRenamed  ChangeKind = "renamed"
)

// Change wird nach jeder Mutation an die Listener verteilt
type Change struct {
	Kind        ChangeKind
	Identity    string
	NewIdentity string // nur bei ChangeRenamed
}

// Store verwaltet das Verzeichnis mit einem kanonischen Bild pro Identität
// sowie das zugehörige Modell-Artefakt.
type Store struct {
	dir string

	mu        sync.Mutex
	listeners []func(Change)
}

// NewStore erstellt einen Store für das angegebene Verzeichnis.
// Das Verzeichnis wird erst beim ersten Schreibzugriff angelegt.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir gibt das Gallery-Verzeichnis zurück
func (s *Store) Dir() string {
	return s.dir
}

// Subscribe registriert einen Listener für Änderungen an der Identitätsmenge.
// Listener werden synchron und außerhalb der Store-Sperre aufgerufen.
func (s *Store) Subscribe(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(c Change) {
	s.mu.Lock()
	listeners := append([]func(Change){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(c)
	}
}

// ValidateIdentity prüft, ob ein Schlüssel als Dateiname taugt
func ValidateIdentity(identity string) error {
	switch {
	case identity == "", identity == ".", identity == "..":
		return fmt.Errorf("%q: %w", identity, ErrInvalidIdentity)
	case strings.HasPrefix(identity, "."):
		return fmt.Errorf("%q must not start with a dot: %w", identity, ErrInvalidIdentity)
	case strings.ContainsAny(identity, `/\`+"\x00"):
		return fmt.Errorf("%q contains a path separator: %w", identity, ErrInvalidIdentity)
	}
	return nil
}

// IsImageFile meldet, ob der Dateiname eine unterstützte Bildendung trägt.
// Die Endung wird in Kleinbuchstaben verglichen.
func IsImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range imageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// List liefert alle Gesichtsbilder sortiert nach Identität.
// Nicht lesbare Einträge und Nicht-Bilder werden übersprungen.
func (s *Store) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("read gallery %s: %v: %w", s.dir, err, ErrIOFailure)
	}

	seen := make(map[string]bool)
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !IsImageFile(name) {
			continue
		}
		info, err := de.Info()
		if err != nil || !info.Mode().IsRegular() {
			log.Debugf("Skipping gallery entry %s: not a readable regular file", name)
			continue
		}
		identity := strings.TrimSuffix(name, filepath.Ext(name))
		if seen[identity] {
			log.Warnf("Duplicate image for identity %s ignored: %s", identity, name)
			continue
		}
		seen[identity] = true
		entries = append(entries, Entry{
			Identity: identity,
			Path:     filepath.Join(s.dir, name),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Identity < entries[j].Identity })
	return entries, nil
}

// ImagePath gibt den Pfad des Bildes einer Identität zurück
func (s *Store) ImagePath(identity string) (string, bool) {
	if ValidateIdentity(identity) != nil {
		return "", false
	}
	return s.findImage(identity)
}

// Exists meldet, ob für die Identität ein Bild existiert
func (s *Store) Exists(identity string) bool {
	_, ok := s.ImagePath(identity)
	return ok
}

// ReadImage liest die Bytes des Bildes einer Identität
func (s *Store) ReadImage(identity string) ([]byte, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}
	path, ok := s.findImage(identity)
	if !ok {
		return nil, fmt.Errorf("identity %s: %w", identity, ErrNotFound)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v: %w", path, err, ErrIOFailure)
	}
	return data, nil
}

// AddOrReplace schreibt das kanonische Bild einer Identität atomar.
// Die Bestätigung eines Überschreibens ist Sache des Aufrufers.
func (s *Store) AddOrReplace(identity string, imageBytes []byte) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}
	if len(imageBytes) == 0 {
		return fmt.Errorf("empty image for %s: %w", identity, ErrDecodeFailure)
	}

	existed := s.Exists(identity)

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		log.Errorf("Failed to create gallery directory %s: %v", s.dir, err)
		return fmt.Errorf("create gallery dir: %v: %w", err, ErrIOFailure)
	}

	target := filepath.Join(s.dir, identity+canonicalExt)
	if err := s.writeAtomic(target, imageBytes); err != nil {
		log.Errorf("Failed to write image for %s: %v", identity, err)
		return err
	}
	s.removeVariants(identity, target)

	kind := ChangeAdded
	if existed {
		kind = ChangeReplaced
	}
	log.WithFields(log.Fields{"identity": identity, "bytes": len(imageBytes)}).Infof("Gallery image %s", kind)
	s.notify(Change{Kind: kind, Identity: identity})
	return nil
}

// Remove löscht das Bild einer Identität und das davon abgeleitete Modell.
func (s *Store) Remove(identity string) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}
	path, ok := s.findImage(identity)
	if !ok {
		log.Infof("Remove: identity %s not found in gallery", identity)
		return fmt.Errorf("identity %s: %w", identity, ErrNotFound)
	}

	if err := os.Remove(path); err != nil {
		log.Errorf("Failed to remove %s: %v", path, err)
		return fmt.Errorf("remove %s: %v: %w", path, err, ErrIOFailure)
	}
	s.removeVariants(identity, "")

	if err := s.InvalidateModel(); err != nil {
		log.Warnf("Removed %s but could not delete model artifact: %v", identity, err)
	}

	log.WithField("identity", identity).Info("Gallery image removed")
	s.notify(Change{Kind: ChangeRemoved, Identity: identity})
	return nil
}

// Rename benennt eine Identität um. Existiert das Ziel bereits, ist overwrite nötig.
func (s *Store) Rename(oldIdentity, newIdentity string, overwrite bool) error {
	if err := ValidateIdentity(oldIdentity); err != nil {
		return err
	}
	if err := ValidateIdentity(newIdentity); err != nil {
		return err
	}

	src, ok := s.findImage(oldIdentity)
	if !ok {
		log.Infof("Rename: identity %s not found in gallery", oldIdentity)
		return fmt.Errorf("identity %s: %w", oldIdentity, ErrNotFound)
	}
	if oldIdentity == newIdentity {
		return nil
	}
	if s.Exists(newIdentity) && !overwrite {
		return fmt.Errorf("identity %s: %w", newIdentity, ErrExists)
	}

	dst := filepath.Join(s.dir, newIdentity+filepath.Ext(src))
	if err := os.Rename(src, dst); err != nil {
		log.Errorf("Failed to rename %s to %s: %v", src, dst, err)
		return fmt.Errorf("rename %s: %v: %w", oldIdentity, err, ErrIOFailure)
	}
	s.removeVariants(newIdentity, dst)
	// weitere Bilder der alten Identität aus abgebrochenen Schreibvorgängen
	s.removeVariants(oldIdentity, "")

	log.WithFields(log.Fields{"from": oldIdentity, "to": newIdentity}).Info("Gallery image renamed")
	s.notify(Change{Kind: ChangeRenamed, Identity: oldIdentity, NewIdentity: newIdentity})
	return nil
}

// SaveModel schreibt das Modell-Artefakt atomar
func (s *Store) SaveModel(a *Artifact) error {
	data, err := a.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create gallery dir: %v: %w", err, ErrIOFailure)
	}
	return s.writeAtomic(s.modelPath(), data)
}

// LoadModel liest das Modell-Artefakt. ErrNotFound, wenn keines existiert.
func (s *Store) LoadModel() (*Artifact, error) {
	data, err := os.ReadFile(s.modelPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("model artifact: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("read model: %v: %w", err, ErrIOFailure)
	}
	return UnmarshalArtifact(data)
}

// InvalidateModel entfernt das Modell-Artefakt, falls vorhanden
func (s *Store) InvalidateModel() error {
	err := os.Remove(s.modelPath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove model: %v: %w", err, ErrIOFailure)
	}
	return nil
}

// RecoverInterrupted entfernt temporäre Dateien abgebrochener Schreibvorgänge,
// die älter als minAge sind, und gibt deren Anzahl zurück. Jüngere Dateien
// können zu einem laufenden Schreibvorgang gehören.
func (s *Store) RecoverInterrupted(minAge time.Duration) (int, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read gallery %s: %v: %w", s.dir, err, ErrIOFailure)
	}

	removed := 0
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !isPendingWrite(name) {
			continue
		}
		if minAge > 0 {
			info, err := de.Info()
			if err != nil || time.Since(info.ModTime()) < minAge {
				continue
			}
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			log.Warnf("Failed to remove leftover temp file %s: %v", name, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Infof("Removed %d leftover temp files from interrupted writes", removed)
	}
	return removed, nil
}

func (s *Store) modelPath() string {
	return filepath.Join(s.dir, ModelFileName)
}

func (s *Store) findImage(identity string) (string, bool) {
	for _, ext := range imageExtensions {
		path := filepath.Join(s.dir, identity+ext)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// removeVariants löscht alle Bilder der Identität außer keep
func (s *Store) removeVariants(identity, keep string) {
	for _, ext := range imageExtensions {
		path := filepath.Join(s.dir, identity+ext)
		if path == keep {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warnf("Failed to remove stale image %s: %v", path, err)
		}
	}
}

// writeAtomic schreibt über eine temporäre Datei im Gallery-Verzeichnis und
// ersetzt das Ziel erst nach vollständigem Schreiben.
func (s *Store) writeAtomic(target string, data []byte) error {
	pending, err := renameio.NewPendingFile(target, renameio.WithTempDir(s.dir), renameio.WithStaticPermissions(0644))
	if err != nil {
		return fmt.Errorf("create temp file: %v: %w", err, ErrIOFailure)
	}
	defer pending.Cleanup()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write temp file: %v: %w", err, ErrIOFailure)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %v: %w", filepath.Base(target), err, ErrIOFailure)
	}
	return nil
}

// isPendingWrite erkennt temporäre Dateien von writeAtomic:
// "." + Zieldateiname + Zufallszahl
func isPendingWrite(name string) bool {
	if !strings.HasPrefix(name, ".") {
		return false
	}
	base := strings.TrimRightFunc(name[1:], unicode.IsDigit)
	if len(base) == len(name)-1 {
		return false
	}
	return base == ModelFileName || IsImageFile(base)
}
