package opencv

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// PreviewImage ist ein annotiertes Bild aus dem Live-Monitor
type PreviewImage struct {
	ID        string    // Eindeutige ID (Frame-Sequenz)
	Timestamp time.Time // Zeitpunkt der Aufnahme
	ImageData []byte    // JPEG mit eingezeichneten Rahmen
	Faces     int       // Anzahl erkannter Gesichter
	Known     []string  // erkannte Identitäten
}

// PreviewService hält die letzten annotierten Bilder im Speicher
type PreviewService struct {
	images     map[string]*PreviewImage
	imagesList []*PreviewImage // zeitlich sortiert, ältestes zuerst
	maxImages  int
	mutex      sync.RWMutex
}

// NewPreviewService erstellt einen Ringpuffer für maxImages Bilder
func NewPreviewService(maxImages int) *PreviewService {
	if maxImages <= 0 {
		maxImages = 20
	}

	return &PreviewService{
		images:     make(map[string]*PreviewImage),
		imagesList: make([]*PreviewImage, 0, maxImages),
		maxImages:  maxImages,
	}
}

// AddPreview fügt ein Bild hinzu und verdrängt bei Bedarf das älteste
func (s *PreviewService) AddPreview(seq uint64, capturedAt time.Time, data []byte, faces int, known []string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	img := &PreviewImage{
		ID:        strconv.FormatUint(seq, 10),
		Timestamp: capturedAt,
		ImageData: data,
		Faces:     faces,
		Known:     known,
	}

	if _, exists := s.images[img.ID]; exists {
		for i, existing := range s.imagesList {
			if existing.ID == img.ID {
				s.imagesList[i] = img
				break
			}
		}
		s.images[img.ID] = img
		return
	}

	s.images[img.ID] = img
	s.imagesList = append(s.imagesList, img)
	if len(s.imagesList) > s.maxImages {
		oldest := s.imagesList[0]
		delete(s.images, oldest.ID)
		s.imagesList = s.imagesList[1:]
	}

	log.Debugf("Vorschau hinzugefügt: %s mit %d Gesichtern", img.ID, faces)
}

// GetLatestImages gibt die neuesten count Bilder zurück, neuestes zuletzt
func (s *PreviewService) GetLatestImages(count int) []*PreviewImage {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if count <= 0 || count > len(s.imagesList) {
		count = len(s.imagesList)
	}

	result := make([]*PreviewImage, count)
	copy(result, s.imagesList[len(s.imagesList)-count:])
	return result
}

// GetImage gibt ein Bild anhand seiner ID zurück
func (s *PreviewService) GetImage(id string) *PreviewImage {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.images[id]
}

// RegisterRoutes registriert die Vorschau-Endpunkte
func (s *PreviewService) RegisterRoutes(router gin.IRouter) {
	router.GET("/preview", s.handleGetLatestImages)
	router.GET("/preview/:id", s.handleGetImage)
}

func (s *PreviewService) handleGetLatestImages(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "10"))
	if err != nil {
		count = 10
	}

	type imageMetadata struct {
		ID        string    `json:"id"`
		Timestamp time.Time `json:"timestamp"`
		Faces     int       `json:"faces"`
		Known     []string  `json:"known"`
		URL       string    `json:"url"`
	}

	images := s.GetLatestImages(count)
	metadata := make([]imageMetadata, len(images))
	for i, img := range images {
		metadata[i] = imageMetadata{
			ID:        img.ID,
			Timestamp: img.Timestamp,
			Faces:     img.Faces,
			Known:     img.Known,
			URL:       "/api/preview/" + img.ID,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"count":  len(metadata),
		"images": metadata,
	})
}

func (s *PreviewService) handleGetImage(c *gin.Context) {
	image := s.GetImage(c.Param("id"))
	if image == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "preview not found", "id": c.Param("id")})
		return
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Data(http.StatusOK, "image/jpeg", image.ImageData)
}
