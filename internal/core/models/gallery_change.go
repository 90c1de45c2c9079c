package models

import (
	"time"
)

// GalleryChange protokolliert eine Änderung an der Gesichts-Gallery
// (Profil angelegt, ersetzt, umbenannt oder gelöscht)
type GalleryChange struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Kind        string    `gorm:"index;not null" json:"kind"` // siehe GalleryChange*-Konstanten
	Identity    string    `gorm:"index;not null" json:"identity"`
	NewIdentity string    `json:"new_identity,omitempty"` // nur bei Umbenennung
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// Arten von Gallery-Änderungen
const (
	GalleryChangeAdded    = "added"
	GalleryChangeReplaced = "replaced"
	GalleryChangeRemoved  = "removed"
	GalleryChangeRenamed  = "renamed"
)
