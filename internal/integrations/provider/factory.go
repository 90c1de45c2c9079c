package provider

import (
	"fmt"

	"face-gallery-go/config"
	"face-gallery-go/internal/integrations/dlib"
	"face-gallery-go/internal/integrations/facerecognition"
	"face-gallery-go/internal/integrations/opencv"

	log "github.com/sirupsen/logrus"
)

// CreateManager erstellt den ProviderManager mit dem konfigurierten Adapter.
// Der nicht gewählte Adapter wird nicht geladen, da beide native Modelle benötigen.
func CreateManager(cfg *config.Config) (*facerecognition.ProviderManager, error) {
	manager := facerecognition.NewProviderManager()

	active := facerecognition.ProviderType(cfg.Recognition.Provider)
	switch active {
	case facerecognition.ProviderLBPH:
		log.Info("Registriere OpenCV LBPH als Gesichtserkennungsanbieter")
		svc, err := opencv.NewService(cfg.OpenCV, cfg.Recognition)
		if err != nil {
			return nil, err
		}
		manager.RegisterProvider(svc)

	case facerecognition.ProviderDlib:
		log.Info("Registriere dlib (go-face) als Gesichtserkennungsanbieter")
		svc, err := dlib.NewService(cfg.Dlib)
		if err != nil {
			return nil, err
		}
		manager.RegisterProvider(svc)

	default:
		return nil, fmt.Errorf("unbekannter Gesichtserkennungsanbieter: %s", active)
	}

	if !manager.SetActiveProvider(active) {
		return nil, fmt.Errorf("konnte Anbieter %s nicht aktivieren", active)
	}
	log.Infof("Aktiver Gesichtserkennungsanbieter: %s", active)
	return manager, nil
}
