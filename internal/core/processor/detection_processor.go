package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"face-gallery-go/internal/capture"
	"face-gallery-go/internal/core/models"
	"face-gallery-go/internal/integrations/facerecognition"
	"face-gallery-go/internal/recognition"
	"face-gallery-go/internal/server/sse"
	"face-gallery-go/internal/settings"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Identifier ordnet Gesichter in einem Bild Identitäten zu
type Identifier interface {
	Identify(ctx context.Context, img image.Image, opts facerecognition.Options) ([]facerecognition.Recognition, error)
	AdapterName() string
}

// Annotator zeichnet Erkennungsergebnisse ein und liefert ein JPEG
type Annotator interface {
	Annotate(img image.Image, recognitions []facerecognition.Recognition) ([]byte, error)
}

// PreviewSink nimmt annotierte Vorschaubilder entgegen
type PreviewSink interface {
	AddPreview(seq uint64, capturedAt time.Time, data []byte, faces int, known []string)
}

// DetectionStore speichert Erkennungsereignisse
type DetectionStore interface {
	SaveDetection(event *models.DetectionEvent) error
}

// DetectionPublisher veröffentlicht Erkennungsereignisse (MQTT)
type DetectionPublisher interface {
	PublishDetection(event *models.DetectionEvent) error
}

// Broadcaster verteilt Ergebnisse an SSE-Clients
type Broadcaster interface {
	BroadcastDetection(data sse.DetectionData)
}

// SettingsSource liefert die aktuellen Einstellungen
type SettingsSource interface {
	Get() settings.Settings
}

// Dependencies sind die Senken des Prozessors. Alles außer Identifier und
// Settings ist optional.
type Dependencies struct {
	Identifier  Identifier
	Settings    SettingsSource
	Annotator   Annotator
	Preview     PreviewSink
	Store       DetectionStore
	Publisher   DetectionPublisher
	Broadcaster Broadcaster
	SnapshotDir string
}

// DetectionProcessor verarbeitet die vom Monitor ausgewählten Bilder:
// Erkennung, Vorschau, automatische Aufnahmen und Erkennungsprotokoll.
type DetectionProcessor struct {
	deps Dependencies
}

// NewDetectionProcessor erstellt einen neuen Prozessor
func NewDetectionProcessor(deps Dependencies) *DetectionProcessor {
	return &DetectionProcessor{deps: deps}
}

var _ capture.FrameHandler = (*DetectionProcessor)(nil)

// HandleFrame implementiert capture.FrameHandler
func (p *DetectionProcessor) HandleFrame(ctx context.Context, frame *capture.Frame) {
	current := p.deps.Settings.Get()
	opts := facerecognition.Options{
		DetectionModel: current.DetectionModel,
		Tolerance:      current.FaceTolerance,
	}

	recognitions, err := p.deps.Identifier.Identify(ctx, frame.Image, opts)
	if err != nil && !errors.Is(err, recognition.ErrNoKnownIdentities) {
		log.Warnf("Recognition failed on frame %d: %v", frame.Seq, err)
		return
	}

	known := knownIdentities(recognitions)

	var annotated []byte
	wantSnapshot := current.AutoSaveCaptures && len(recognitions) > 0 && p.deps.SnapshotDir != ""
	if p.deps.Annotator != nil && (p.deps.Preview != nil || wantSnapshot) {
		annotated, err = p.deps.Annotator.Annotate(frame.Image, recognitions)
		if err != nil {
			log.Warnf("Failed to annotate frame %d: %v", frame.Seq, err)
		}
	}

	if p.deps.Preview != nil && annotated != nil {
		p.deps.Preview.AddPreview(frame.Seq, frame.CapturedAt, annotated, len(recognitions), known)
	}

	var snapshotPath string
	if wantSnapshot && annotated != nil {
		snapshotPath, err = p.saveSnapshot(frame, annotated)
		if err != nil {
			log.Errorf("Failed to save snapshot for frame %d: %v", frame.Seq, err)
		}
	}

	if !current.LogDetections || len(recognitions) == 0 {
		return
	}

	for _, rec := range recognitions {
		event := newDetectionEvent(rec, frame, p.deps.Identifier.AdapterName(), snapshotPath)

		log.WithFields(log.Fields{
			"identity": rec.Identity,
			"known":    rec.Known,
			"distance": fmt.Sprintf("%.2f", rec.Distance),
			"frame":    frame.Seq,
		}).Info("Face detected")

		if p.deps.Store != nil {
			if err := p.deps.Store.SaveDetection(event); err != nil {
				log.Errorf("Failed to store detection: %v", err)
			}
		}
		if p.deps.Publisher != nil {
			if err := p.deps.Publisher.PublishDetection(event); err != nil {
				log.Warnf("Failed to publish detection: %v", err)
			}
		}
	}

	if p.deps.Broadcaster != nil {
		data := sse.DetectionData{
			FrameSeq:   frame.Seq,
			Timestamp:  frame.CapturedAt,
			FacesCount: len(recognitions),
			Faces:      recognitions,
		}
		if annotated != nil && p.deps.Preview != nil {
			data.PreviewURL = fmt.Sprintf("/api/preview/%d", frame.Seq)
		}
		if snapshotPath != "" {
			data.SnapshotURL = "/snapshots/" + filepath.ToSlash(snapshotPath)
		}
		p.deps.Broadcaster.BroadcastDetection(data)
	}
}

// saveSnapshot legt das annotierte Bild unter <snapshot_dir>/<datum>/ ab
// und gibt den Pfad relativ zum Snapshot-Verzeichnis zurück
func (p *DetectionProcessor) saveSnapshot(frame *capture.Frame, data []byte) (string, error) {
	day := frame.CapturedAt.Format("2006-01-02")
	name := fmt.Sprintf("%s_%06d.jpg", frame.CapturedAt.Format("150405.000"), frame.Seq)
	relPath := filepath.Join(day, name)

	dir := filepath.Join(p.deps.SnapshotDir, day)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(p.deps.SnapshotDir, relPath), data, 0644); err != nil {
		return "", err
	}
	log.Debugf("Snapshot saved: %s", relPath)
	return relPath, nil
}

func newDetectionEvent(rec facerecognition.Recognition, frame *capture.Frame, adapter, snapshotPath string) *models.DetectionEvent {
	box, _ := json.Marshal(models.BoundingBox{
		XMin: rec.Region.Min.X,
		YMin: rec.Region.Min.Y,
		XMax: rec.Region.Max.X,
		YMax: rec.Region.Max.Y,
	})
	return &models.DetectionEvent{
		Identity:     rec.Identity,
		Known:        rec.Known,
		BoundingBox:  datatypes.JSON(box),
		Distance:     rec.Distance,
		Adapter:      adapter,
		FrameSeq:     frame.Seq,
		DetectedAt:   frame.CapturedAt,
		SnapshotPath: snapshotPath,
	}
}

func knownIdentities(recognitions []facerecognition.Recognition) []string {
	var known []string
	for _, r := range recognitions {
		if r.Known {
			known = append(known, r.Identity)
		}
	}
	return known
}
