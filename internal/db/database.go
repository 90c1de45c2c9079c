package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"face-gallery-go/config"
	"face-gallery-go/internal/core/models"

	"github.com/glebarez/sqlite" // Pure Go SQLite Treiber
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open öffnet die SQLite-Datenbank und führt die Migrationen aus.
// ":memory:" als Dateiname liefert eine In-Memory-Datenbank (Tests).
func Open(cfg config.DBConfig) (*gorm.DB, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("database file is not configured")
	}
	if cfg.File != ":memory:" {
		dbDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			log.Errorf("Failed to create database directory '%s': %v", dbDir, err)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// GORM loggt über den konfigurierten logrus-Logger
	gormLogger := logger.New(
		log.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second * 2,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Infof("Connecting to database: %s", cfg.File)
	database, err := gorm.Open(sqlite.Open(cfg.File), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		log.Errorf("Failed to connect to database: %v", err)
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	// SQLite verträgt nur einen Schreiber, eine In-Memory-DB existiert nur pro Verbindung
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("Running database migrations...")
	if err := database.AutoMigrate(
		&models.DetectionEvent{},
		&models.GalleryChange{},
	); err != nil {
		log.Errorf("Database migration failed: %v", err)
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	log.Info("Database ready")
	return database, nil
}

// Close schließt die zugrunde liegende Verbindung
func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
