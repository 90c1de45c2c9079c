package capture

import (
	"fmt"
	"image"
	"sync"
	"time"

	"face-gallery-go/internal/gallery"
	"face-gallery-go/internal/util/timezone"

	log "github.com/sirupsen/logrus"
)

// Device ist eine geöffnete Kamera
type Device interface {
	// Read liefert das nächste Bild, false bei einem (vorübergehenden) Lesefehler
	Read() (image.Image, bool)
	Close() error
}

// Opener öffnet die Kamera mit dem angegebenen Index
type Opener func(index int) (Device, error)

// Frame ist ein gelesenes Kamerabild
type Frame struct {
	Image      image.Image
	Seq        uint64
	CapturedAt time.Time
}

// Session ist der exklusive Besitzer des Kamerageräts
type Session struct {
	open Opener

	mu    sync.Mutex
	dev   Device
	index int
	seq   uint64
}

// NewSession erstellt eine geschlossene Session
func NewSession(open Opener) *Session {
	return &Session{open: open, index: -1}
}

// Open gibt ein bereits geöffnetes Gerät frei und öffnet dann index
func (s *Session) Open(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()

	dev, err := s.open(index)
	if err != nil {
		log.Errorf("Failed to open camera %d: %v", index, err)
		return fmt.Errorf("camera %d: %v: %w", index, err, gallery.ErrDeviceUnavailable)
	}
	if dev == nil {
		return fmt.Errorf("camera %d: %w", index, gallery.ErrDeviceUnavailable)
	}

	s.dev = dev
	s.index = index
	log.Infof("Camera %d opened", index)
	return nil
}

// ReadFrame liest ein Bild. false, wenn die Session geschlossen ist oder
// das Gerät kein Bild liefert.
func (s *Session) ReadFrame() (frame *Frame, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil, false
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Camera %d read panicked: %v", s.index, r)
			frame, ok = nil, false
		}
	}()

	img, ok := s.dev.Read()
	if !ok || img == nil {
		return nil, false
	}
	s.seq++
	return &Frame{Image: img, Seq: s.seq, CapturedAt: timezone.Now()}, true
}

// Close gibt das Gerät frei. Mehrfacher Aufruf ist erlaubt.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

// IsOpen meldet, ob ein Gerät geöffnet ist
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev != nil
}

// Index gibt den Index des geöffneten Geräts zurück, -1 wenn geschlossen
func (s *Session) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

func (s *Session) closeLocked() error {
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	if err != nil {
		log.Warnf("Failed to close camera %d: %v", s.index, err)
	} else {
		log.Infof("Camera %d released", s.index)
	}
	s.dev = nil
	s.index = -1
	return err
}
