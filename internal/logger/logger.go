package logger

import (
	"io"
	"os"
	"path/filepath"

	"face-gallery-go/config"

	log "github.com/sirupsen/logrus"
)

// Init konfiguriert den globalen logrus-Logger anhand der Log-Konfiguration.
// Die zurückgegebene Datei (nil ohne Dateilogging) muss beim Beenden geschlossen werden.
func Init(cfg config.LogConfig) *os.File {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("Invalid log level '%s', defaulting to 'info': %v", cfg.Level, err)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	writers := []io.Writer{os.Stdout}
	var file *os.File

	if cfg.File != "" {
		logDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(logDir, 0750); err != nil {
			log.Errorf("Failed to create log directory '%s': %v", logDir, err)
		} else {
			file, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
			if err != nil {
				log.Errorf("Failed to open log file '%s': %v", cfg.File, err)
				file = nil
			} else {
				writers = append(writers, file)
			}
		}
	}

	log.SetOutput(io.MultiWriter(writers...))
	if file != nil {
		log.Infof("Logging additionally to file: %s", cfg.File)
	}

	log.Info("Logger initialized")
	return file
}
