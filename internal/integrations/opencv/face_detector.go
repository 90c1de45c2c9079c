package opencv

import (
	"fmt"
	"image"
	"os"
	"sort"
	"sync"

	"face-gallery-go/config"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
)

// Standardwerte für die Haar-Kaskade
const (
	DefaultScaleFactor  = 1.1
	DefaultMinNeighbors = 5
	DefaultMinFaceSize  = 30

	// FaceSize ist die Kantenlänge, auf die Gesichter für LBPH skaliert werden
	FaceSize = 100

	// maxDetectDimension begrenzt die Bildgröße für die Kaskade
	maxDetectDimension = 800
)

// FaceDetector erkennt Gesichter mit einer Haar-Kaskade
type FaceDetector struct {
	classifier   gocv.CascadeClassifier
	scaleFactor  float64
	minNeighbors int
	minSize      image.Point
	mu           sync.Mutex // CascadeClassifier ist nicht threadsicher
}

// NewFaceDetector lädt die Kaskade aus der Konfiguration
func NewFaceDetector(cfg config.OpenCVConfig) (*FaceDetector, error) {
	if _, err := os.Stat(cfg.CascadePath); err != nil {
		return nil, fmt.Errorf("cascade file %s: %w", cfg.CascadePath, err)
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cfg.CascadePath) {
		classifier.Close()
		return nil, fmt.Errorf("konnte Haar-Kaskade nicht laden: %s", cfg.CascadePath)
	}

	fd := &FaceDetector{
		classifier:   classifier,
		scaleFactor:  cfg.ScaleFactor,
		minNeighbors: cfg.MinNeighbors,
		minSize:      image.Pt(cfg.MinSizeWidth, cfg.MinSizeHeight),
	}
	if fd.scaleFactor <= 1.0 {
		fd.scaleFactor = DefaultScaleFactor
	}
	if fd.minNeighbors <= 0 {
		fd.minNeighbors = DefaultMinNeighbors
	}
	if fd.minSize.X <= 0 || fd.minSize.Y <= 0 {
		fd.minSize = image.Pt(DefaultMinFaceSize, DefaultMinFaceSize)
	}

	log.Infof("Haar-Kaskade geladen: %s (scale %.2f, neighbors %d, min %v)",
		cfg.CascadePath, fd.scaleFactor, fd.minNeighbors, fd.minSize)
	return fd, nil
}

// DetectGray erkennt Gesichter in einem Graustufenbild. Große Bilder werden
// für die Erkennung verkleinert, die Rechtecke beziehen sich aber immer auf
// das Originalbild. Das Ergebnis ist nach Fläche absteigend sortiert.
func (fd *FaceDetector) DetectGray(gray gocv.Mat) []image.Rectangle {
	width, height := gray.Cols(), gray.Rows()
	if width == 0 || height == 0 {
		return nil
	}

	work := gray
	scale := 1.0
	if width > maxDetectDimension || height > maxDetectDimension {
		scale = float64(maxDetectDimension) / float64(max(width, height))
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(gray, &resized, image.Pt(int(float64(width)*scale), int(float64(height)*scale)), 0, 0, gocv.InterpolationArea)
		work = resized
	}

	equalized := gocv.NewMat()
	defer equalized.Close()
	gocv.EqualizeHist(work, &equalized)

	fd.mu.Lock()
	rects := fd.classifier.DetectMultiScaleWithParams(equalized, fd.scaleFactor, fd.minNeighbors, 0, fd.minSize, image.Point{})
	fd.mu.Unlock()

	bounds := image.Rect(0, 0, width, height)
	faces := make([]image.Rectangle, 0, len(rects))
	for _, r := range rects {
		if scale != 1.0 {
			r = image.Rect(
				int(float64(r.Min.X)/scale),
				int(float64(r.Min.Y)/scale),
				int(float64(r.Max.X)/scale),
				int(float64(r.Max.Y)/scale),
			)
		}
		r = r.Intersect(bounds)
		if !r.Empty() {
			faces = append(faces, r)
		}
	}

	sort.SliceStable(faces, func(i, j int) bool {
		return area(faces[i]) > area(faces[j])
	})
	return faces
}

// Close gibt die Kaskade frei
func (fd *FaceDetector) Close() error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.classifier.Close()
}

// cropFace schneidet ein Gesicht aus und skaliert es auf FaceSize x FaceSize.
// Der Aufrufer muss die zurückgegebene Mat schließen.
func cropFace(gray gocv.Mat, r image.Rectangle) gocv.Mat {
	region := gray.Region(r)
	defer region.Close()

	face := gocv.NewMat()
	gocv.Resize(region, &face, image.Pt(FaceSize, FaceSize), 0, 0, gocv.InterpolationLinear)
	return face
}

// toGray wandelt ein Go-Bild in eine Graustufen-Mat um
func toGray(img image.Image) (gocv.Mat, error) {
	rgb, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("konnte Bild nicht konvertieren: %w", err)
	}
	defer rgb.Close()

	gray := gocv.NewMat()
	gocv.CvtColor(rgb, &gray, gocv.ColorBGRToGray)
	return gray, nil
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
