package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"face-gallery-go/internal/settings"

	log "github.com/sirupsen/logrus"
)

// ErrAlreadyRunning wird von Start zurückgegeben, wenn der Monitor bereits läuft
var ErrAlreadyRunning = errors.New("monitor already running")

// FrameHandler verarbeitet die ausgewählten Bilder im Monitor-Goroutine
type FrameHandler interface {
	HandleFrame(ctx context.Context, frame *Frame)
}

// FrameHandlerFunc erlaubt einfache Funktionen als FrameHandler
type FrameHandlerFunc func(ctx context.Context, frame *Frame)

// HandleFrame ruft f(ctx, frame) auf
func (f FrameHandlerFunc) HandleFrame(ctx context.Context, frame *Frame) {
	f(ctx, frame)
}

// SettingsSource liefert die aktuellen Einstellungen (Intervall, Abtastrate)
type SettingsSource interface {
	Get() settings.Settings
}

// Stats sind die Zähler des laufenden oder letzten Monitor-Laufs
type Stats struct {
	Running         bool   `json:"running"`
	CameraIndex     int    `json:"camera_index"`
	FramesRead      uint64 `json:"frames_read"`
	FramesProcessed uint64 `json:"frames_processed"`
	FramesSkipped   uint64 `json:"frames_skipped"`
	ReadFailures    uint64 `json:"read_failures"`
}

// Monitor liest in einem einzigen Hintergrund-Goroutine Bilder aus der
// Session und reicht jedes n-te an den FrameHandler weiter.
type Monitor struct {
	session  *Session
	handler  FrameHandler
	settings SettingsSource

	lifecycle sync.Mutex // Start/Stop
	cancel    context.CancelFunc
	done      chan struct{}

	lastMu sync.RWMutex
	last   *Frame

	read, processed, skipped, failures atomic.Uint64
}

// NewMonitor erstellt einen gestoppten Monitor
func NewMonitor(session *Session, handler FrameHandler, src SettingsSource) *Monitor {
	return &Monitor{
		session:  session,
		handler:  handler,
		settings: src,
	}
}

// Start öffnet die Kamera und startet die Schleife
func (m *Monitor) Start(ctx context.Context, index int) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.runningLocked() {
		return ErrAlreadyRunning
	}
	if err := m.session.Open(index); err != nil {
		return err
	}

	m.read.Store(0)
	m.processed.Store(0)
	m.skipped.Store(0)
	m.failures.Store(0)

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx, m.done)

	log.Infof("Live monitor started on camera %d", index)
	return nil
}

// Stop beendet die Schleife, wartet auf ihr Ende und gibt die Kamera frei.
// Nach der Rückkehr ist das Gerät geschlossen und LastFrame liefert nil.
func (m *Monitor) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
		log.WithFields(log.Fields{
			"read":      m.read.Load(),
			"processed": m.processed.Load(),
			"skipped":   m.skipped.Load(),
			"failures":  m.failures.Load(),
		}).Info("Live monitor stopped")
	}

	m.lastMu.Lock()
	m.last = nil
	m.lastMu.Unlock()
	return m.session.Close()
}

// Running meldet, ob die Schleife läuft
func (m *Monitor) Running() bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.runningLocked()
}

// LastFrame gibt das zuletzt gelesene Bild zurück (nil, wenn keines)
func (m *Monitor) LastFrame() *Frame {
	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	return m.last
}

// Stats gibt die aktuellen Zähler zurück
func (m *Monitor) Stats() Stats {
	return Stats{
		Running:         m.Running(),
		CameraIndex:     m.session.Index(),
		FramesRead:      m.read.Load(),
		FramesProcessed: m.processed.Load(),
		FramesSkipped:   m.skipped.Load(),
		ReadFailures:    m.failures.Load(),
	}
}

func (m *Monitor) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	var n uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		current := m.settings.Get()
		rate := uint64(current.SampleRate)
		if rate < 1 {
			rate = 1
		}

		if frame, ok := m.session.ReadFrame(); !ok {
			m.failures.Add(1)
		} else {
			m.read.Add(1)
			m.lastMu.Lock()
			m.last = frame
			m.lastMu.Unlock()

			if n%rate == 0 {
				m.handle(ctx, frame)
				m.processed.Add(1)
			} else {
				m.skipped.Add(1)
			}
			n++
		}

		timer.Reset(current.Interval())
	}
}

func (m *Monitor) handle(ctx context.Context, frame *Frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Frame handler panicked on frame %d: %v", frame.Seq, r)
		}
	}()
	m.handler.HandleFrame(ctx, frame)
}
