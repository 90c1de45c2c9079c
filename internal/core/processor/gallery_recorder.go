package processor

import (
	"face-gallery-go/internal/core/models"
	"face-gallery-go/internal/gallery"
	"face-gallery-go/internal/server/sse"
	"face-gallery-go/internal/util/timezone"

	log "github.com/sirupsen/logrus"
)

// GalleryChangeStore speichert das Änderungsprotokoll der Gallery
type GalleryChangeStore interface {
	SaveGalleryChange(change *models.GalleryChange) error
}

// GalleryBroadcaster verteilt Gallery-Änderungen an SSE-Clients
type GalleryBroadcaster interface {
	BroadcastGalleryChange(data sse.GalleryData)
}

// GalleryRecorder protokolliert Änderungen an der Gallery und meldet sie live
type GalleryRecorder struct {
	store       GalleryChangeStore
	broadcaster GalleryBroadcaster
}

// NewGalleryRecorder erstellt einen Recorder; beide Senken dürfen nil sein
func NewGalleryRecorder(store GalleryChangeStore, broadcaster GalleryBroadcaster) *GalleryRecorder {
	return &GalleryRecorder{store: store, broadcaster: broadcaster}
}

// OnChange ist der Listener für gallery.Store.Subscribe
func (r *GalleryRecorder) OnChange(c gallery.Change) {
	log.WithFields(log.Fields{
		"kind":     c.Kind,
		"identity": c.Identity,
	}).Info("Gallery changed")

	if r.store != nil {
		change := &models.GalleryChange{
			Kind:        string(c.Kind),
			Identity:    c.Identity,
			NewIdentity: c.NewIdentity,
			CreatedAt:   timezone.Now(),
		}
		if err := r.store.SaveGalleryChange(change); err != nil {
			log.Errorf("Failed to store gallery change: %v", err)
		}
	}
	if r.broadcaster != nil {
		r.broadcaster.BroadcastGalleryChange(sse.GalleryData{
			Kind:        string(c.Kind),
			Identity:    c.Identity,
			NewIdentity: c.NewIdentity,
		})
	}
}
