package dlib

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	"face-gallery-go/config"
	"face-gallery-go/internal/integrations/facerecognition"

	"github.com/Kagami/go-face"
	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
)

// DefaultTolerance ist die maximale euklidische Distanz für einen Treffer
const DefaultTolerance = 0.6

const descriptorBytes = len(face.Descriptor{}) * 4

// Service ist der dlib-Adapter: go-face berechnet 128-dimensionale
// Gesichtsvektoren, die Zuordnung wählt den nächsten gespeicherten Vektor.
type Service struct {
	rec         *face.Recognizer
	labels      []string
	descriptors []face.Descriptor
	mu          sync.Mutex
}

// NewService lädt die dlib-Modelle aus dem konfigurierten Verzeichnis
func NewService(cfg config.DlibConfig) (*Service, error) {
	log.Infof("Lade dlib-Modelle aus %s", cfg.ModelsDir)
	rec, err := face.NewRecognizer(cfg.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("konnte dlib-Modelle nicht laden: %w", err)
	}
	return &Service{rec: rec}, nil
}

// Name gibt den Adaptertyp zurück
func (s *Service) Name() facerecognition.ProviderType {
	return facerecognition.ProviderDlib
}

// Detect liefert die Gesichtsregionen, größtes Gesicht zuerst
func (s *Service) Detect(ctx context.Context, img image.Image, opts facerecognition.Options) ([]facerecognition.Region, error) {
	faces, err := s.recognize(img, opts.DetectionModel)
	if err != nil {
		return nil, err
	}
	regions := make([]facerecognition.Region, len(faces))
	for i, f := range faces {
		regions[i] = f.Rectangle
	}
	return regions, nil
}

// Train berechnet einen Vektor pro Identität aus dem größten Gesicht im Bild
func (s *Service) Train(ctx context.Context, images []facerecognition.TrainingImage) (*facerecognition.TrainResult, error) {
	result := &facerecognition.TrainResult{}
	var descriptors []face.Descriptor

	for _, ti := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := imaging.Open(ti.Path, imaging.AutoOrientation(true))
		if err != nil {
			log.Warnf("dlib: konnte %s nicht lesen, überspringe: %v", ti.Path, err)
			result.Skipped = append(result.Skipped, ti.Identity)
			continue
		}

		faces, err := s.recognize(img, facerecognition.DetectionModelHOG)
		if err != nil || len(faces) == 0 {
			log.Warnf("dlib: kein Gesicht in %s gefunden, überspringe", ti.Identity)
			result.Skipped = append(result.Skipped, ti.Identity)
			continue
		}

		descriptors = append(descriptors, faces[0].Descriptor)
		result.Labels = append(result.Labels, ti.Identity)
	}

	if len(descriptors) == 0 {
		return result, nil
	}
	result.Model = encodeDescriptors(descriptors)

	s.mu.Lock()
	s.labels = append([]string(nil), result.Labels...)
	s.descriptors = descriptors
	s.mu.Unlock()

	log.Infof("dlib: %d Identitäten trainiert (%d übersprungen)", len(result.Labels), len(result.Skipped))
	return result, nil
}

// Load aktiviert gespeicherte Vektoren. Anzahl der Vektoren und Labels müssen übereinstimmen.
func (s *Service) Load(labels []string, model []byte) error {
	descriptors, err := decodeDescriptors(model)
	if err != nil {
		return err
	}
	if len(descriptors) != len(labels) || len(labels) == 0 {
		return fmt.Errorf("dlib: %d descriptors for %d labels: %w", len(descriptors), len(labels), facerecognition.ErrLabelMismatch)
	}

	s.mu.Lock()
	s.labels = append([]string(nil), labels...)
	s.descriptors = descriptors
	s.mu.Unlock()
	return nil
}

// Identify ordnet jedes Gesicht dem nächsten Vektor zu, sofern die
// Distanz die Toleranz nicht überschreitet
func (s *Service) Identify(ctx context.Context, img image.Image, opts facerecognition.Options) ([]facerecognition.Recognition, error) {
	s.mu.Lock()
	loaded := len(s.descriptors) > 0
	s.mu.Unlock()
	if !loaded {
		return nil, facerecognition.ErrNoModel
	}

	faces, err := s.recognize(img, opts.DetectionModel)
	if err != nil {
		return nil, err
	}

	tolerance := opts.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]facerecognition.Recognition, 0, len(faces))
	for _, f := range faces {
		idx, distance := nearest(s.descriptors, f.Descriptor)
		rec := facerecognition.Recognition{
			Region:   f.Rectangle,
			Identity: facerecognition.UnknownIdentity,
			Distance: distance,
		}
		if idx >= 0 && distance <= tolerance {
			rec.Identity = s.labels[idx]
			rec.Known = true
		}
		results = append(results, rec)
	}
	return results, nil
}

// Close gibt den dlib-Recognizer frei
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec != nil {
		s.rec.Close()
		s.rec = nil
	}
	return nil
}

// recognize kodiert das Bild als JPEG und lässt go-face Gesichter samt Vektoren
// berechnen. Das Ergebnis ist nach Fläche absteigend sortiert.
func (s *Service) recognize(img image.Image, model string) ([]face.Face, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("dlib: encode frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, fmt.Errorf("dlib: recognizer closed")
	}

	var faces []face.Face
	var err error
	if model == facerecognition.DetectionModelCNN {
		faces, err = s.rec.RecognizeCNN(buf.Bytes())
	} else {
		faces, err = s.rec.Recognize(buf.Bytes())
	}
	if err != nil {
		return nil, fmt.Errorf("dlib: recognize: %w", err)
	}

	sortByArea(faces)
	return faces, nil
}

func sortByArea(faces []face.Face) {
	sort.SliceStable(faces, func(i, j int) bool {
		return area(faces[i].Rectangle) > area(faces[j].Rectangle)
	})
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}

// nearest gibt Index und euklidische Distanz des ähnlichsten Vektors zurück
func nearest(known []face.Descriptor, d face.Descriptor) (int, float64) {
	best, bestDist := -1, math.Inf(1)
	for i, k := range known {
		var sum float64
		for j := range d {
			diff := float64(d[j] - k[j])
			sum += diff * diff
		}
		if dist := math.Sqrt(sum); dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best, bestDist
}

func encodeDescriptors(descriptors []face.Descriptor) []byte {
	out := make([]byte, 0, len(descriptors)*descriptorBytes)
	for _, d := range descriptors {
		for _, v := range d {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return out
}

func decodeDescriptors(model []byte) ([]face.Descriptor, error) {
	if len(model)%descriptorBytes != 0 {
		return nil, fmt.Errorf("dlib: model size %d is not a multiple of %d: %w", len(model), descriptorBytes, facerecognition.ErrLabelMismatch)
	}
	descriptors := make([]face.Descriptor, len(model)/descriptorBytes)
	for i := range descriptors {
		chunk := model[i*descriptorBytes:]
		for j := range descriptors[i] {
			descriptors[i][j] = math.Float32frombits(binary.LittleEndian.Uint32(chunk[j*4:]))
		}
	}
	return descriptors, nil
}
