package opencv

import (
	"fmt"
	"image"
	"image/color"

	"face-gallery-go/internal/integrations/facerecognition"

	gocv "gocv.io/x/gocv"
)

var (
	colorKnown   = color.RGBA{0, 255, 0, 0}
	colorUnknown = color.RGBA{255, 0, 0, 0}
	colorLabel   = color.RGBA{255, 255, 255, 0}
)

// labelBarHeight ist die Höhe des Namensbalkens am unteren Rand des Rahmens
const labelBarHeight = 35

// Annotator zeichnet Erkennungsergebnisse in ein Bild und kodiert es als JPEG
type Annotator struct {
	fontScale float64
}

// NewAnnotator erstellt einen Annotator, im Low-Power-Modus mit kleinerer Schrift
func NewAnnotator(lowPower bool) *Annotator {
	scale := 0.6
	if lowPower {
		scale = 0.4
	}
	return &Annotator{fontScale: scale}
}

// Annotate zeichnet Rahmen (grün bekannt, rot unbekannt) mit Namensbalken
func (a *Annotator) Annotate(img image.Image, recognitions []facerecognition.Recognition) ([]byte, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("konnte Bild nicht konvertieren: %w", err)
	}
	defer mat.Close()

	for _, rec := range recognitions {
		r := rec.Region
		c := colorUnknown
		if rec.Known {
			c = colorKnown
		}
		gocv.Rectangle(&mat, r, c, 2)

		bar := image.Rect(r.Min.X, r.Max.Y-labelBarHeight, r.Max.X, r.Max.Y)
		gocv.Rectangle(&mat, bar, c, -1)
		gocv.PutText(&mat, rec.Identity, image.Pt(r.Min.X+6, r.Max.Y-6),
			gocv.FontHersheyDuplex, a.fontScale, colorLabel, 1)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("konnte Bild nicht encodieren: %w", err)
	}
	defer buf.Close()

	return append([]byte(nil), buf.GetBytes()...), nil
}
