package opencv

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"face-gallery-go/config"
	"face-gallery-go/internal/integrations/facerecognition"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
	"gocv.io/x/gocv/contrib"
)

// DefaultLBPHThreshold ist die Distanz, ab der ein Gesicht als unbekannt gilt
const DefaultLBPHThreshold = 100.0

// Service ist der LBPH-Adapter: Haar-Kaskade für die Erkennung und
// LBPH-Histogramme für die Zuordnung
type Service struct {
	detector   *FaceDetector
	recognizer *contrib.LBPHFaceRecognizer
	labels     []string
	threshold  float64
	mutex      sync.Mutex
}

// NewService erstellt den LBPH-Adapter
func NewService(cvCfg config.OpenCVConfig, recCfg config.RecognitionConfig) (*Service, error) {
	detector, err := NewFaceDetector(cvCfg)
	if err != nil {
		return nil, fmt.Errorf("fehler beim Initialisieren des OpenCV-Service: %w", err)
	}

	threshold := recCfg.LBPHThreshold
	if threshold <= 0 {
		threshold = DefaultLBPHThreshold
	}

	return &Service{
		detector:  detector,
		threshold: threshold,
	}, nil
}

// Name gibt den Adaptertyp zurück
func (s *Service) Name() facerecognition.ProviderType {
	return facerecognition.ProviderLBPH
}

// Detect liefert die Gesichtsregionen, größtes Gesicht zuerst
func (s *Service) Detect(ctx context.Context, img image.Image, _ facerecognition.Options) ([]facerecognition.Region, error) {
	gray, err := toGray(img)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	return s.detector.DetectGray(gray), nil
}

// Train trainiert ein LBPH-Modell mit dem größten Gesicht jedes Gallery-Bildes
func (s *Service) Train(ctx context.Context, images []facerecognition.TrainingImage) (*facerecognition.TrainResult, error) {
	result := &facerecognition.TrainResult{}

	var faces []gocv.Mat
	var indices []int
	defer func() {
		for _, f := range faces {
			f.Close()
		}
	}()

	for _, ti := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		gray := gocv.IMRead(ti.Path, gocv.IMReadGrayScale)
		if gray.Empty() {
			gray.Close()
			log.Warnf("LBPH: konnte Bild nicht lesen, überspringe %s (%s)", ti.Identity, ti.Path)
			result.Skipped = append(result.Skipped, ti.Identity)
			continue
		}

		rects := s.detector.DetectGray(gray)
		if len(rects) == 0 {
			gray.Close()
			log.Warnf("LBPH: kein Gesicht in %s gefunden, überspringe", ti.Identity)
			result.Skipped = append(result.Skipped, ti.Identity)
			continue
		}

		faces = append(faces, cropFace(gray, rects[0]))
		gray.Close()
		indices = append(indices, len(result.Labels))
		result.Labels = append(result.Labels, ti.Identity)
	}

	if len(faces) == 0 {
		return result, nil
	}

	recognizer := contrib.NewLBPHFaceRecognizer()
	recognizer.Train(faces, indices)

	model, err := saveRecognizer(recognizer)
	if err != nil {
		return nil, err
	}
	result.Model = model

	s.mutex.Lock()
	s.recognizer = recognizer
	s.labels = append([]string(nil), result.Labels...)
	s.mutex.Unlock()

	log.Infof("LBPH: Modell mit %d Identitäten trainiert (%d übersprungen)", len(result.Labels), len(result.Skipped))
	return result, nil
}

// Load aktiviert ein gespeichertes LBPH-Modell
func (s *Service) Load(labels []string, model []byte) error {
	if len(labels) == 0 || len(model) == 0 {
		return fmt.Errorf("lbph: empty model or label table")
	}

	recognizer, err := loadRecognizer(model)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	s.recognizer = recognizer
	s.labels = append([]string(nil), labels...)
	s.mutex.Unlock()
	return nil
}

// Identify erkennt Gesichter und ordnet sie per LBPH zu
func (s *Service) Identify(ctx context.Context, img image.Image, _ facerecognition.Options) ([]facerecognition.Recognition, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.recognizer == nil {
		return nil, facerecognition.ErrNoModel
	}

	gray, err := toGray(img)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	rects := s.detector.DetectGray(gray)
	results := make([]facerecognition.Recognition, 0, len(rects))
	for _, r := range rects {
		face := cropFace(gray, r)
		resp := s.recognizer.PredictExtendedResponse(face)
		face.Close()

		rec := facerecognition.Recognition{
			Region:   r,
			Identity: facerecognition.UnknownIdentity,
			Distance: float64(resp.Confidence),
		}
		idx := int(resp.Label)
		switch {
		case idx < 0 || idx >= len(s.labels):
			return nil, fmt.Errorf("lbph: label index %d outside table of %d: %w", idx, len(s.labels), facerecognition.ErrLabelMismatch)
		case rec.Distance < s.threshold:
			rec.Identity = s.labels[idx]
			rec.Known = true
		}
		results = append(results, rec)
	}
	return results, nil
}

// Close gibt die Kaskade frei
func (s *Service) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.recognizer = nil
	return s.detector.Close()
}

// saveRecognizer serialisiert das Modell über eine temporäre YAML-Datei,
// da gocv nur dateibasiertes Speichern anbietet
func saveRecognizer(r *contrib.LBPHFaceRecognizer) ([]byte, error) {
	f, err := os.CreateTemp("", "lbph-*.yml")
	if err != nil {
		return nil, fmt.Errorf("lbph: temp file: %w", err)
	}
	name := f.Name()
	f.Close()
	defer os.Remove(name)

	r.SaveFile(name)
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("lbph: read model: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("lbph: recognizer wrote an empty model")
	}
	return data, nil
}

func loadRecognizer(model []byte) (*contrib.LBPHFaceRecognizer, error) {
	f, err := os.CreateTemp("", "lbph-*.yml")
	if err != nil {
		return nil, fmt.Errorf("lbph: temp file: %w", err)
	}
	name := f.Name()
	defer os.Remove(name)

	if _, err := f.Write(model); err != nil {
		f.Close()
		return nil, fmt.Errorf("lbph: write model: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("lbph: write model: %w", err)
	}

	r := contrib.NewLBPHFaceRecognizer()
	r.LoadFile(name)
	return r, nil
}
