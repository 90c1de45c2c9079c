package repository

import (
	"errors"
	"time"

	"face-gallery-go/internal/core/models"

	"gorm.io/gorm"
)

// Repository definiert die Schnittstelle für die Datenbank-Operationen
type Repository interface {
	// Erkennungsprotokoll
	SaveDetection(event *models.DetectionEvent) error
	GetDetectionByID(id uint) (*models.DetectionEvent, error)
	GetDetections(limit, offset int, identity string) ([]models.DetectionEvent, int64, error)
	SnapshotPathsBefore(cutoff time.Time) ([]string, error)
	DeleteDetectionsBefore(cutoff time.Time) (int64, error)

	// Gallery-Änderungen
	SaveGalleryChange(change *models.GalleryChange) error
	GetGalleryChanges(limit int) ([]models.GalleryChange, error)

	// Statistik
	GetStatistics() (models.Statistics, error)
}

// SQLiteRepository implementiert die Repository-Schnittstelle für SQLite
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository erstellt eine neue SQLite-Repository-Instanz
func NewSQLiteRepository(db *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveDetection speichert ein Erkennungsereignis
func (r *SQLiteRepository) SaveDetection(event *models.DetectionEvent) error {
	return r.db.Create(event).Error
}

// GetDetectionByID holt ein Ereignis anhand seiner ID, nil wenn nicht vorhanden
func (r *SQLiteRepository) GetDetectionByID(id uint) (*models.DetectionEvent, error) {
	var event models.DetectionEvent
	result := r.db.First(&event, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &event, nil
}

// GetDetections holt Ereignisse mit Pagination, neueste zuerst.
// Ein leerer identity-Filter liefert alle Ereignisse.
func (r *SQLiteRepository) GetDetections(limit, offset int, identity string) ([]models.DetectionEvent, int64, error) {
	var events []models.DetectionEvent
	var total int64

	byIdentity := func(tx *gorm.DB) *gorm.DB {
		if identity != "" {
			return tx.Where("identity = ?", identity)
		}
		return tx
	}

	if err := r.db.Model(&models.DetectionEvent{}).Scopes(byIdentity).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	result := r.db.Scopes(byIdentity).Order("detected_at DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&events)
	if result.Error != nil {
		return nil, 0, result.Error
	}
	return events, total, nil
}

// SnapshotPathsBefore liefert die Aufnahmepfade von Ereignissen vor cutoff
func (r *SQLiteRepository) SnapshotPathsBefore(cutoff time.Time) ([]string, error) {
	var paths []string
	err := r.db.Model(&models.DetectionEvent{}).
		Where("detected_at < ? AND snapshot_path <> ''", cutoff).
		Distinct().
		Pluck("snapshot_path", &paths).Error
	return paths, err
}

// DeleteDetectionsBefore löscht Ereignisse vor cutoff endgültig
func (r *SQLiteRepository) DeleteDetectionsBefore(cutoff time.Time) (int64, error) {
	result := r.db.Unscoped().Where("detected_at < ?", cutoff).Delete(&models.DetectionEvent{})
	return result.RowsAffected, result.Error
}

// SaveGalleryChange speichert eine Gallery-Änderung
func (r *SQLiteRepository) SaveGalleryChange(change *models.GalleryChange) error {
	return r.db.Create(change).Error
}

// GetGalleryChanges holt die letzten Gallery-Änderungen, neueste zuerst
func (r *SQLiteRepository) GetGalleryChanges(limit int) ([]models.GalleryChange, error) {
	var changes []models.GalleryChange
	err := r.db.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&changes).Error
	return changes, err
}

// GetStatistics gibt Statistiken über das Erkennungsprotokoll zurück
func (r *SQLiteRepository) GetStatistics() (models.Statistics, error) {
	stats := models.Statistics{PerIdentity: make(map[string]int64)}

	if err := r.db.Model(&models.DetectionEvent{}).Count(&stats.TotalDetections).Error; err != nil {
		return stats, err
	}
	if err := r.db.Model(&models.DetectionEvent{}).Where("known = ?", true).Count(&stats.KnownDetections).Error; err != nil {
		return stats, err
	}
	stats.UnknownDetections = stats.TotalDetections - stats.KnownDetections

	if err := r.db.Model(&models.GalleryChange{}).Count(&stats.GalleryChanges).Error; err != nil {
		return stats, err
	}

	var latest models.DetectionEvent
	if err := r.db.Order("detected_at DESC").First(&latest).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return stats, err
		}
	} else {
		stats.LatestDetection = &latest.DetectedAt
	}

	var rows []struct {
		Identity string
		Count    int64
	}
	if err := r.db.Model(&models.DetectionEvent{}).
		Select("identity, COUNT(*) AS count").
		Where("known = ?", true).
		Group("identity").
		Scan(&rows).Error; err != nil {
		return stats, err
	}
	for _, row := range rows {
		stats.PerIdentity[row.Identity] = row.Count
	}

	return stats, nil
}
