package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"face-gallery-go/config"

	log "github.com/sirupsen/logrus"
)

// TempFileGrace ist das Mindestalter temporärer Gallery-Dateien, bevor der
// periodische Lauf sie entfernt. Jüngere gehören evtl. zu einem laufenden Schreibvorgang.
const TempFileGrace = 15 * time.Minute

// DetectionLog ist der Teil des Repositorys, den die Bereinigung benötigt
type DetectionLog interface {
	SnapshotPathsBefore(cutoff time.Time) ([]string, error)
	DeleteDetectionsBefore(cutoff time.Time) (int64, error)
}

// TempRecoverer entfernt Reste abgebrochener Schreibvorgänge
type TempRecoverer interface {
	RecoverInterrupted(minAge time.Duration) (int, error)
}

// Result fasst einen Bereinigungslauf zusammen
type Result struct {
	DetectionsDeleted int64 `json:"detections_deleted"`
	SnapshotsDeleted  int   `json:"snapshots_deleted"`
	TempFilesRemoved  int   `json:"temp_files_removed"`
	Errors            int   `json:"errors"`
}

// CleanupService ist verantwortlich für die automatische Bereinigung alter Daten
type CleanupService struct {
	detections    DetectionLog
	gallery       TempRecoverer
	config        config.CleanupConfig
	snapshotDir   string
	checkInterval time.Duration
	now           func() time.Time
}

// NewCleanupService erstellt einen neuen Cleanup-Service
func NewCleanupService(detections DetectionLog, gallery TempRecoverer, cfg config.CleanupConfig, snapshotDir string) *CleanupService {
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &CleanupService{
		detections:    detections,
		gallery:       gallery,
		config:        cfg,
		snapshotDir:   snapshotDir,
		checkInterval: interval,
		now:           time.Now,
	}
}

// Start führt sofort eine Bereinigung durch und wiederholt sie periodisch,
// bis ctx beendet wird
func (s *CleanupService) Start(ctx context.Context) {
	log.Info("Cleanup service started")

	s.RunCleanup(ctx)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Info("Running scheduled cleanup")
			s.RunCleanup(ctx)
		case <-ctx.Done():
			log.Info("Cleanup service stopped")
			return
		}
	}
}

// RunCleanup entfernt temporäre Dateien in der Gallery sowie Erkennungen
// und Aufnahmen, die älter als die Aufbewahrungsdauer sind
func (s *CleanupService) RunCleanup(ctx context.Context) Result {
	var result Result

	if s.gallery != nil {
		removed, err := s.gallery.RecoverInterrupted(TempFileGrace)
		if err != nil {
			log.Errorf("Failed to recover interrupted gallery writes: %v", err)
			result.Errors++
		}
		result.TempFilesRemoved = removed
	}

	if s.config.RetentionDays <= 0 {
		log.Debug("Retention cleanup disabled (retention days <= 0)")
		return result
	}

	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)
	log.Infof("Cleaning up data older than %s", cutoff.Format("2006-01-02"))

	if s.detections != nil {
		paths, err := s.detections.SnapshotPathsBefore(cutoff)
		if err != nil {
			log.Errorf("Failed to find old snapshots: %v", err)
			result.Errors++
		}
		for _, p := range paths {
			if ctx.Err() != nil {
				return result
			}
			if err := os.Remove(filepath.Join(s.snapshotDir, p)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				log.Warnf("Failed to delete snapshot %s: %v", p, err)
				result.Errors++
				continue
			}
			result.SnapshotsDeleted++
		}

		deleted, err := s.detections.DeleteDetectionsBefore(cutoff)
		if err != nil {
			log.Errorf("Failed to delete old detections: %v", err)
			result.Errors++
		}
		result.DetectionsDeleted = deleted
	}

	result.SnapshotsDeleted += s.removeOldSnapshots(cutoff, &result)
	s.removeEmptyDirs()

	log.Infof("Cleanup completed: %d detections, %d snapshots, %d temp files removed, %d errors",
		result.DetectionsDeleted, result.SnapshotsDeleted, result.TempFilesRemoved, result.Errors)
	return result
}

// removeOldSnapshots löscht Aufnahmen ohne Protokolleintrag anhand der Änderungszeit
func (s *CleanupService) removeOldSnapshots(cutoff time.Time, result *Result) int {
	if s.snapshotDir == "" {
		return 0
	}
	count := 0
	err := filepath.WalkDir(s.snapshotDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".jpg" {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			log.Warnf("Failed to delete snapshot %s: %v", path, err)
			result.Errors++
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		log.Warnf("Failed to scan snapshot directory: %v", err)
	}
	return count
}

// removeEmptyDirs entfernt leere Tagesverzeichnisse
func (s *CleanupService) removeEmptyDirs() {
	entries, err := os.ReadDir(s.snapshotDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.snapshotDir, e.Name())
		if children, err := os.ReadDir(dir); err == nil && len(children) == 0 {
			_ = os.Remove(dir)
		}
	}
}
