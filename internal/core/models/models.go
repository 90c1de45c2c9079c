package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DetectionEvent ist ein protokolliertes Erkennungsergebnis aus dem Live-Monitor
type DetectionEvent struct {
	gorm.Model
	Identity     string         `gorm:"index;not null" json:"identity"` // Identität oder "unknown"
	Known        bool           `gorm:"index" json:"known"`
	BoundingBox  datatypes.JSON `gorm:"type:json" json:"bounding_box"` // {"x_min","y_min","x_max","y_max"}
	Distance     float64        `json:"distance"`                      // adapterspezifisch, kleiner ist ähnlicher
	Adapter      string         `gorm:"index" json:"adapter"`          // "lbph" oder "dlib"
	FrameSeq     uint64         `json:"frame_seq"`
	DetectedAt   time.Time      `gorm:"index" json:"detected_at"`
	SnapshotPath string         `json:"snapshot_path,omitempty"` // automatisch gespeicherte Aufnahme
}

// BoundingBox ist die JSON-Form eines Gesichtsrahmens
type BoundingBox struct {
	XMin int `json:"x_min"`
	YMin int `json:"y_min"`
	XMax int `json:"x_max"`
	YMax int `json:"y_max"`
}

// Statistics fasst das Erkennungsprotokoll zusammen
type Statistics struct {
	TotalDetections   int64            `json:"total_detections"`
	KnownDetections   int64            `json:"known_detections"`
	UnknownDetections int64            `json:"unknown_detections"`
	LatestDetection   *time.Time       `json:"latest_detection,omitempty"`
	PerIdentity       map[string]int64 `json:"per_identity"`
	GalleryChanges    int64            `json:"gallery_changes"`
}
