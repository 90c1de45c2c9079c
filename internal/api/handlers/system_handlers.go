package handlers

import (
	"net/http"
	"time"

	"face-gallery-go/internal/utils"

	"github.com/gin-gonic/gin"
)

// SystemHandler liefert System- und Zustandsinformationen
type SystemHandler struct {
	monitor   utils.MonitorStats
	model     Model
	startedAt time.Time
}

// NewSystemHandler erstellt einen neuen System-Handler
func NewSystemHandler(monitor utils.MonitorStats, model Model) *SystemHandler {
	return &SystemHandler{monitor: monitor, model: model, startedAt: time.Now()}
}

// RegisterRoutes registriert die System-Routen
func (h *SystemHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/system", h.GetSystemStats)
	router.GET("/health", h.Health)
}

// GetSystemStats gibt aktuelle Systemstatistiken als JSON zurück
func (h *SystemHandler) GetSystemStats(c *gin.Context) {
	c.JSON(http.StatusOK, utils.GetSystemStats(h.monitor))
}

// Health meldet Laufzeit, Modellzustand und Sprache der Anfrage
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(h.startedAt).Round(time.Second).String(),
		"model":    h.model.Status().State,
		"language": c.GetString("language"),
	})
}
