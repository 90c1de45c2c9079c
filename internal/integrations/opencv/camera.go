package opencv

import (
	"fmt"
	"image"
	"sync"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
)

// Kameraauflösungen
const (
	defaultFrameWidth   = 640
	defaultFrameHeight  = 480
	lowPowerFrameWidth  = 320
	lowPowerFrameHeight = 240
)

// Camera kapselt eine gocv.VideoCapture als Bildquelle
type Camera struct {
	index   int
	capture *gocv.VideoCapture
	frame   gocv.Mat
	mu      sync.Mutex
	closed  bool
}

// OpenCamera öffnet das Kameragerät mit dem angegebenen Index.
// Im Low-Power-Modus wird eine kleinere Auflösung angefordert.
func OpenCamera(index int, lowPower bool) (*Camera, error) {
	capture, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("konnte Kamera %d nicht öffnen: %w", index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("kamera %d ist nicht verfügbar", index)
	}

	width, height := defaultFrameWidth, defaultFrameHeight
	if lowPower {
		width, height = lowPowerFrameWidth, lowPowerFrameHeight
	}
	capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(height))

	log.Infof("Kamera %d geöffnet (%dx%d angefordert)", index, width, height)
	return &Camera{
		index:   index,
		capture: capture,
		frame:   gocv.NewMat(),
	}, nil
}

// Read liest ein Bild. false bedeutet, dass in diesem Zyklus kein Bild vorlag.
func (c *Camera) Read() (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false
	}
	if ok := c.capture.Read(&c.frame); !ok || c.frame.Empty() {
		return nil, false
	}

	img, err := c.frame.ToImage()
	if err != nil {
		log.Debugf("Kamera %d: Bild konnte nicht konvertiert werden: %v", c.index, err)
		return nil, false
	}
	return img, true
}

// Close gibt das Gerät frei und kann mehrfach aufgerufen werden
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.frame.Close()
	err := c.capture.Close()
	log.Infof("Kamera %d freigegeben", c.index)
	return err
}
