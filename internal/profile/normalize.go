package profile

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	// Zusätzliche Decoder für importierte Dateien
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"face-gallery-go/internal/gallery"

	"github.com/disintegration/imaging"
)

// DefaultMaxDimension begrenzt Breite und Höhe gespeicherter Bilder
const DefaultMaxDimension = 800

// DefaultJPEGQuality ist die Qualität gespeicherter Gallery-Bilder
const DefaultJPEGQuality = 90

// decodeFile öffnet eine Bilddatei unter Berücksichtigung der EXIF-Orientierung
func decodeFile(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %v: %w", path, err, gallery.ErrDecodeFailure)
	}
	return img, nil
}

// normalize bringt ein Bild in die Gallery-Form: deckendes RGB auf weißem
// Grund, höchstens maxDim Pixel pro Seite, JPEG-kodiert.
func normalize(img image.Image, maxDim, quality int) ([]byte, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("empty image: %w", gallery.ErrDecodeFailure)
	}
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	flat := imaging.Overlay(imaging.New(b.Dx(), b.Dy(), color.White), img, image.Pt(0, 0), 1.0)
	var out image.Image = flat
	if b.Dx() > maxDim || b.Dy() > maxDim {
		out = imaging.Fit(flat, maxDim, maxDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// expandRegion vergrößert r um margin Pixel und beschneidet auf bounds
func expandRegion(r, bounds image.Rectangle, margin int) image.Rectangle {
	if margin < 0 {
		margin = 0
	}
	return r.Inset(-margin).Intersect(bounds)
}
