package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"face-gallery-go/config"
	"face-gallery-go/internal/api/handlers"
	"face-gallery-go/internal/api/middleware"
	"face-gallery-go/internal/capture"
	"face-gallery-go/internal/core/processor"
	"face-gallery-go/internal/db"
	"face-gallery-go/internal/db/repository"
	"face-gallery-go/internal/gallery"
	"face-gallery-go/internal/integrations/homeassistant"
	"face-gallery-go/internal/integrations/mqtt"
	"face-gallery-go/internal/integrations/opencv"
	"face-gallery-go/internal/integrations/provider"
	"face-gallery-go/internal/logger"
	"face-gallery-go/internal/profile"
	"face-gallery-go/internal/recognition"
	"face-gallery-go/internal/server/sse"
	"face-gallery-go/internal/services/cleanup"
	"face-gallery-go/internal/settings"
	"face-gallery-go/internal/util/timezone"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "/config/config.yaml", "Pfad zur Konfigurationsdatei")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logFile := logger.Init(cfg.Log)
	if logFile != nil {
		defer logFile.Close()
	}
	timezone.Initialize(cfg.Server.Timezone)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Datenbank für Erkennungsprotokoll und Gallery-Änderungen
	database, err := db.Open(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close(database)
	repo := repository.NewSQLiteRepository(database)

	// Gallery
	store := gallery.NewStore(cfg.Server.GalleryDir)
	if n, err := store.RecoverInterrupted(0); err != nil {
		log.Warnf("Recovering interrupted gallery writes failed: %v", err)
	} else if n > 0 {
		log.Infof("Removed %d leftover temporary files from gallery", n)
	}

	hub := sse.NewHub()
	go hub.Run(ctx)

	store.Subscribe(processor.NewGalleryRecorder(repo, hub).OnChange)

	// Erkennungsmodell
	manager, err := provider.CreateManager(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize face recognition provider: %v", err)
	}
	defer manager.Close()

	adapter, ok := manager.GetActiveProvider()
	if !ok {
		log.Fatal("No active face recognition provider")
	}
	engine := recognition.NewEngine(store, adapter)
	if err := engine.Bootstrap(ctx); err != nil {
		log.Errorf("Model bootstrap failed, recognition starts untrained: %v", err)
	}

	// Benutzereinstellungen
	settingsStore := settings.NewStore(cfg.Server.SettingsFile)
	settingsStore.Load()

	// MQTT
	mqttClient := mqtt.NewClient(cfg.MQTT)
	if err := mqttClient.Start(); err != nil {
		log.Warnf("Failed to start MQTT client: %v. Continuing without MQTT.", err)
	}
	defer mqttClient.Stop()

	if cfg.MQTT.HomeAssistantDiscovery {
		discovery := homeassistant.NewDiscoveryManager(mqttClient, cfg.MQTT)
		store.Subscribe(discovery.OnChange)
		if entries, err := store.List(); err == nil {
			identities := make([]string, len(entries))
			for i, e := range entries {
				identities[i] = e.Identity
			}
			if err := discovery.RegisterIdentities(identities); err != nil {
				log.Warnf("Home Assistant discovery incomplete: %v", err)
			}
		}
	}

	// Live-Erkennung
	previews := opencv.NewPreviewService(cfg.Recognition.PreviewFrames)
	detections := processor.NewDetectionProcessor(processor.Dependencies{
		Identifier:  engine,
		Settings:    settingsStore,
		Annotator:   opencv.NewAnnotator(cfg.OpenCV.LowPower),
		Preview:     previews,
		Store:       repo,
		Publisher:   mqttClient,
		Broadcaster: hub,
		SnapshotDir: cfg.Server.SnapshotDir,
	})

	session := capture.NewSession(func(index int) (capture.Device, error) {
		cam, err := opencv.OpenCamera(index, cfg.OpenCV.LowPower)
		if err != nil {
			return nil, err
		}
		return cam, nil
	})
	monitor := capture.NewMonitor(session, detections, settingsStore)
	defer func() {
		if err := monitor.Stop(); err != nil {
			log.Warnf("Stopping camera monitor failed: %v", err)
		}
	}()

	settingsStore.Subscribe(processor.RestartOnCameraChange(ctx, monitor))
	mqttClient.RegisterHandler(processor.NewCommandHandler(ctx, monitor, engine, settingsStore))

	profiles := profile.NewService(store, monitor, engine, cfg.Recognition)
	defer profiles.Close()

	// Aufräumen
	cleanupService := cleanup.NewCleanupService(repo, store, cfg.Cleanup, cfg.Server.SnapshotDir)
	go cleanupService.Start(ctx)

	// HTTP
	if log.GetLevel() < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	translator, err := middleware.NewTranslator(cfg.I18n.DefaultLanguage)
	if err != nil {
		log.Fatalf("Failed to load translations: %v", err)
	}

	router := gin.New()
	router.Use(gin.LoggerWithWriter(log.StandardLogger().Writer()), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "HEAD"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Content-Length", "Accept-Language"},
		AllowAllOrigins: true,
		MaxAge:          12 * time.Hour,
	}))
	router.Use(middleware.I18n(translator))

	api := router.Group("/api")
	handlers.NewAPIHandler(ctx, profiles, store, monitor, engine, settingsStore).RegisterRoutes(api)
	handlers.NewEventHandler(repo, hub).RegisterRoutes(api)
	handlers.NewSystemHandler(monitor, engine).RegisterRoutes(api)
	previews.RegisterRoutes(api)

	router.Static("/snapshots", cfg.Server.SnapshotDir)
	log.Infof("Serving snapshots from %s under /snapshots/", cfg.Server.SnapshotDir)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	go func() {
		log.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	stop()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Info("Server stopped.")
}
