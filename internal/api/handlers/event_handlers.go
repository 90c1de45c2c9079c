package handlers

import (
	"io"
	"net/http"
	"strconv"

	"face-gallery-go/internal/core/models"
	"face-gallery-go/internal/server/sse"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// DetectionQuery liest das Erkennungsprotokoll
type DetectionQuery interface {
	GetDetections(limit, offset int, identity string) ([]models.DetectionEvent, int64, error)
	GetDetectionByID(id uint) (*models.DetectionEvent, error)
	GetGalleryChanges(limit int) ([]models.GalleryChange, error)
	GetStatistics() (models.Statistics, error)
}

// EventHub verteilt Live-Ereignisse an SSE-Clients
type EventHub interface {
	Register(client sse.Client)
	Unregister(client sse.Client)
}

// EventHandler behandelt das Erkennungsprotokoll und den SSE-Stream
type EventHandler struct {
	repo DetectionQuery
	hub  EventHub
}

// NewEventHandler erstellt einen neuen Event-Handler
func NewEventHandler(repo DetectionQuery, hub EventHub) *EventHandler {
	return &EventHandler{repo: repo, hub: hub}
}

// RegisterRoutes registriert die Routen für Erkennungen und Live-Ereignisse
func (h *EventHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/detections", h.ListDetections)
	router.GET("/detections/:id", h.GetDetection)
	router.GET("/statistics", h.GetStatistics)
	router.GET("/gallery/changes", h.ListGalleryChanges)
	router.GET("/events", h.Stream)
}

// ListDetections gibt Erkennungen seitenweise zurück, neueste zuerst
func (h *EventHandler) ListDetections(c *gin.Context) {
	limit := queryInt(c, "limit", 50, 1, 500)
	offset := queryInt(c, "offset", 0, 0, -1)
	identity := c.Query("identity")

	events, total, err := h.repo.GetDetections(limit, offset, identity)
	if err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":      total,
		"limit":      limit,
		"offset":     offset,
		"detections": events,
	})
}

// GetDetection gibt eine einzelne Erkennung zurück
func (h *EventHandler) GetDetection(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	event, err := h.repo.GetDetectionByID(uint(id))
	if err != nil {
		respondError(c, err, "")
		return
	}
	if event == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "detection not found"})
		return
	}
	c.JSON(http.StatusOK, event)
}

// GetStatistics gibt eine Zusammenfassung des Protokolls zurück
func (h *EventHandler) GetStatistics(c *gin.Context) {
	stats, err := h.repo.GetStatistics()
	if err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListGalleryChanges gibt die letzten Änderungen an der Gallery zurück
func (h *EventHandler) ListGalleryChanges(c *gin.Context) {
	changes, err := h.repo.GetGalleryChanges(queryInt(c, "limit", 50, 1, 500))
	if err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

// Stream sendet Live-Ereignisse als Server-Sent Events
func (h *EventHandler) Stream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	client := make(sse.Client, 10)
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	log.Debug("SSE stream opened")
	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-client:
			if !ok {
				return false
			}
			c.SSEvent(msg.Event, string(msg.Data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// queryInt liest einen ganzzahligen Query-Parameter mit Grenzen (hi < 0: offen)
func queryInt(c *gin.Context, key string, def, lo, hi int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	if v < lo {
		v = lo
	}
	if hi >= 0 && v > hi {
		v = hi
	}
	return v
}
