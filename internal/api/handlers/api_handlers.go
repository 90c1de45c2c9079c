package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"face-gallery-go/internal/api/middleware"
	"face-gallery-go/internal/capture"
	"face-gallery-go/internal/gallery"
	"face-gallery-go/internal/integrations/facerecognition"
	"face-gallery-go/internal/profile"
	"face-gallery-go/internal/recognition"
	"face-gallery-go/internal/settings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ProfileService sind die Profiloperationen hinter der API
type ProfileService interface {
	List() ([]gallery.Entry, error)
	ImportReader(r io.Reader, identity string, confirm profile.Confirmer) error
	CaptureFromCamera(ctx context.Context, identity string, opts facerecognition.Options, confirm profile.Confirmer) error
	ImportDirectory(ctx context.Context, src string, confirm profile.Confirmer) (int, error)
	ExportAll(dest string) (int, error)
	Rename(oldIdentity, newIdentity string, confirm profile.Confirmer) error
	Delete(identity string, confirm profile.Confirmer) error
}

// ImageLocator findet das Bild einer Identität
type ImageLocator interface {
	ImagePath(identity string) (string, bool)
}

// Camera steuert den Live-Monitor
type Camera interface {
	Start(ctx context.Context, index int) error
	Stop() error
	Stats() capture.Stats
}

// Model gibt Zugriff auf das Erkennungsmodell
type Model interface {
	Status() recognition.Status
	Retrain(ctx context.Context) error
}

// SettingsStore verwaltet die Benutzereinstellungen
type SettingsStore interface {
	Get() settings.Settings
	Apply(next settings.Settings) error
	Save() error
	RestoreDefaults() settings.Settings
}

// APIHandler behandelt die JSON-API für Profile, Kamera, Modell und Einstellungen
type APIHandler struct {
	profiles ProfileService
	images   ImageLocator
	camera   Camera
	model    Model
	settings SettingsStore

	// Lebensdauer des Prozesses, nicht der Anfrage: der Monitor läuft weiter
	baseCtx context.Context
}

// NewAPIHandler erstellt einen neuen API-Handler
func NewAPIHandler(baseCtx context.Context, profiles ProfileService, images ImageLocator, camera Camera, model Model, store SettingsStore) *APIHandler {
	return &APIHandler{
		profiles: profiles,
		images:   images,
		camera:   camera,
		model:    model,
		settings: store,
		baseCtx:  baseCtx,
	}
}

// RegisterRoutes registriert alle API-Routen
func (h *APIHandler) RegisterRoutes(router *gin.RouterGroup) {
	// Profile
	router.GET("/profiles", h.ListProfiles)
	router.POST("/profiles/import", h.ImportProfiles)
	router.POST("/profiles/export", h.ExportProfiles)
	router.POST("/profiles/:name", h.UploadProfile)
	router.PUT("/profiles/:name", h.RenameProfile)
	router.DELETE("/profiles/:name", h.DeleteProfile)
	router.GET("/profiles/:name/image", h.GetProfileImage)
	router.POST("/profiles/:name/capture", h.CaptureProfile)

	// Kamera
	router.POST("/camera/start", h.StartCamera)
	router.POST("/camera/stop", h.StopCamera)
	router.GET("/camera/status", h.CameraStatus)

	// Modell
	router.GET("/model", h.ModelStatus)
	router.POST("/model/retrain", h.RetrainModel)

	// Einstellungen
	router.GET("/settings", h.GetSettings)
	router.PUT("/settings", h.UpdateSettings)
	router.POST("/settings/defaults", h.RestoreDefaultSettings)
}

// ListProfiles gibt alle Profile zurück
func (h *APIHandler) ListProfiles(c *gin.Context) {
	entries, err := h.profiles.List()
	if err != nil {
		respondError(c, err, "")
		return
	}

	type profileData struct {
		gallery.Entry
		ImageURL string `json:"image_url"`
	}
	out := make([]profileData, len(entries))
	for i, e := range entries {
		out[i] = profileData{Entry: e, ImageURL: "/api/profiles/" + e.Identity + "/image"}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "profiles": out})
}

// UploadProfile importiert ein hochgeladenes Bild (Formularfeld "image")
func (h *APIHandler) UploadProfile(c *gin.Context) {
	name := c.Param("name")
	header, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": middleware.T(c, "error.invalid_request", nil), "detail": err.Error()})
		return
	}
	file, err := header.Open()
	if err != nil {
		respondError(c, err, name)
		return
	}
	defer file.Close()

	if err := h.profiles.ImportReader(file, name, confirmFromQuery(c, "overwrite")); err != nil {
		respondError(c, err, name)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":  true,
		"identity": name,
		"message":  middleware.T(c, "msg.profile_saved", map[string]interface{}{"Identity": name}),
	})
}

// CaptureProfile speichert das größte Gesicht im aktuellen Kamerabild
func (h *APIHandler) CaptureProfile(c *gin.Context) {
	name := c.Param("name")
	current := h.settings.Get()
	opts := facerecognition.Options{DetectionModel: current.DetectionModel, Tolerance: current.FaceTolerance}

	if err := h.profiles.CaptureFromCamera(c.Request.Context(), name, opts, confirmFromQuery(c, "overwrite")); err != nil {
		respondError(c, err, name)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":  true,
		"identity": name,
		"message":  middleware.T(c, "msg.profile_saved", map[string]interface{}{"Identity": name}),
	})
}

type renameRequest struct {
	Name      string `json:"name" binding:"required"`
	Overwrite bool   `json:"overwrite"`
}

// RenameProfile benennt ein Profil um
func (h *APIHandler) RenameProfile(c *gin.Context) {
	oldName := c.Param("name")
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": middleware.T(c, "error.invalid_request", nil), "detail": err.Error()})
		return
	}

	confirm := profile.NeverConfirm
	if req.Overwrite {
		confirm = profile.AlwaysConfirm
	}
	if err := h.profiles.Rename(oldName, req.Name, confirm); err != nil {
		identity := oldName
		if errors.Is(err, profile.ErrNotConfirmed) || errors.Is(err, gallery.ErrExists) {
			identity = req.Name
		}
		respondError(c, err, identity)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"identity": req.Name,
		"message":  middleware.T(c, "msg.profile_renamed", map[string]interface{}{"Identity": req.Name}),
	})
}

// DeleteProfile löscht ein Profil, erfordert ?confirm=true
func (h *APIHandler) DeleteProfile(c *gin.Context) {
	name := c.Param("name")
	if err := h.profiles.Delete(name, confirmFromQuery(c, "confirm")); err != nil {
		respondError(c, err, name)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": middleware.T(c, "msg.profile_deleted", map[string]interface{}{"Identity": name}),
	})
}

// GetProfileImage liefert das gespeicherte Bild eines Profils
func (h *APIHandler) GetProfileImage(c *gin.Context) {
	name := c.Param("name")
	path, ok := h.images.ImagePath(name)
	if !ok {
		respondError(c, gallery.ErrNotFound, name)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.File(path)
}

type directoryRequest struct {
	Dir       string `json:"dir" binding:"required"`
	Overwrite bool   `json:"overwrite"`
}

// ImportProfiles importiert alle Bilder eines Verzeichnisses
func (h *APIHandler) ImportProfiles(c *gin.Context) {
	var req directoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": middleware.T(c, "error.invalid_request", nil), "detail": err.Error()})
		return
	}

	confirm := profile.NeverConfirm
	if req.Overwrite {
		confirm = profile.AlwaysConfirm
	}
	count, err := h.profiles.ImportDirectory(c.Request.Context(), req.Dir, confirm)
	if err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   count,
		"message": middleware.T(c, "msg.profiles_imported", map[string]interface{}{"Count": count}),
	})
}

// ExportProfiles kopiert alle Profilbilder in ein Verzeichnis
func (h *APIHandler) ExportProfiles(c *gin.Context) {
	var req directoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": middleware.T(c, "error.invalid_request", nil), "detail": err.Error()})
		return
	}
	count, err := h.profiles.ExportAll(req.Dir)
	if err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   count,
		"message": middleware.T(c, "msg.profiles_exported", map[string]interface{}{"Count": count}),
	})
}

type startCameraRequest struct {
	CameraIndex *int `json:"camera_index"`
}

// StartCamera startet den Live-Monitor, ohne Angabe mit camera_index aus den Einstellungen
func (h *APIHandler) StartCamera(c *gin.Context) {
	index := h.settings.Get().CameraIndex
	var req startCameraRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": middleware.T(c, "error.invalid_request", nil), "detail": err.Error()})
			return
		}
	}
	if req.CameraIndex != nil {
		index = *req.CameraIndex
	}
	if q := c.Query("index"); q != "" {
		if i, err := strconv.Atoi(q); err == nil {
			index = i
		}
	}

	if err := h.camera.Start(h.baseCtx, index); err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  h.camera.Stats(),
		"message": middleware.T(c, "msg.camera_started", nil),
	})
}

// StopCamera stoppt den Live-Monitor und gibt die Kamera frei
func (h *APIHandler) StopCamera(c *gin.Context) {
	if err := h.camera.Stop(); err != nil {
		log.Warnf("Camera stop reported: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  h.camera.Stats(),
		"message": middleware.T(c, "msg.camera_stopped", nil),
	})
}

// CameraStatus gibt die Monitor-Zähler zurück
func (h *APIHandler) CameraStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.camera.Stats())
}

// ModelStatus gibt den Zustand des Erkennungsmodells zurück
func (h *APIHandler) ModelStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.model.Status())
}

// RetrainModel trainiert das Modell sofort neu
func (h *APIHandler) RetrainModel(c *gin.Context) {
	if err := h.model.Retrain(c.Request.Context()); err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model":   h.model.Status(),
		"message": middleware.T(c, "msg.model_retrained", nil),
	})
}

// GetSettings gibt die aktuellen Einstellungen zurück
func (h *APIHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Get())
}

// UpdateSettings übernimmt die übergebenen Felder und speichert die Datei
func (h *APIHandler) UpdateSettings(c *gin.Context) {
	next := h.settings.Get()
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": middleware.T(c, "error.invalid_request", nil), "detail": err.Error()})
		return
	}
	if err := h.settings.Apply(next); err != nil {
		respondError(c, err, "")
		return
	}
	if err := h.settings.Save(); err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settings": h.settings.Get(),
		"message":  middleware.T(c, "msg.settings_saved", nil),
	})
}

// RestoreDefaultSettings setzt alle Einstellungen zurück und speichert sie
func (h *APIHandler) RestoreDefaultSettings(c *gin.Context) {
	restored := h.settings.RestoreDefaults()
	if err := h.settings.Save(); err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settings": restored,
		"message":  middleware.T(c, "msg.settings_restored", nil),
	})
}

func confirmFromQuery(c *gin.Context, key string) profile.Confirmer {
	if ok, _ := strconv.ParseBool(c.Query(key)); ok {
		return profile.AlwaysConfirm
	}
	return profile.NeverConfirm
}

// respondError bildet Fehler auf HTTP-Statuscodes und übersetzte Meldungen ab
func respondError(c *gin.Context, err error, identity string) {
	status, id := http.StatusInternalServerError, "error.internal"

	switch {
	case errors.Is(err, gallery.ErrNotFound):
		status, id = http.StatusNotFound, "error.not_found"
	case errors.Is(err, gallery.ErrExists):
		status, id = http.StatusConflict, "error.exists"
	case errors.Is(err, profile.ErrNotConfirmed):
		status, id = http.StatusConflict, "error.not_confirmed"
	case errors.Is(err, capture.ErrAlreadyRunning):
		status, id = http.StatusConflict, "error.already_running"
	case errors.Is(err, profile.ErrNoLiveFrame):
		status, id = http.StatusConflict, "error.no_live_frame"
	case errors.Is(err, profile.ErrExportIntoGallery):
		status, id = http.StatusConflict, "error.export_into_gallery"
	case errors.Is(err, gallery.ErrInvalidIdentity):
		status, id = http.StatusBadRequest, "error.invalid_identity"
	case errors.Is(err, settings.ErrInvalidSettings):
		status, id = http.StatusBadRequest, "error.invalid_settings"
	case errors.Is(err, gallery.ErrDecodeFailure):
		status, id = http.StatusUnprocessableEntity, "error.decode_failure"
	case errors.Is(err, profile.ErrNoFaceRegion):
		status, id = http.StatusUnprocessableEntity, "error.no_face_region"
	case errors.Is(err, gallery.ErrDeviceUnavailable):
		status, id = http.StatusServiceUnavailable, "error.device_unavailable"
	}

	if status == http.StatusInternalServerError {
		log.WithError(err).Errorf("%s %s failed", c.Request.Method, c.Request.URL.Path)
	} else {
		log.Debugf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}

	c.JSON(status, gin.H{
		"error":  middleware.T(c, id, map[string]interface{}{"Identity": identity}),
		"code":   id,
		"detail": err.Error(),
	})
}
