package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"face-gallery-go/internal/capture"
	"face-gallery-go/internal/settings"

	log "github.com/sirupsen/logrus"
)

// Befehle, die über MQTT angenommen werden
const (
	CommandStart   = "start"
	CommandStop    = "stop"
	CommandRetrain = "retrain"
)

// CameraControl startet und stoppt den Live-Monitor
type CameraControl interface {
	Start(ctx context.Context, index int) error
	Stop() error
}

// Retrainer trainiert das Erkennungsmodell neu
type Retrainer interface {
	Retrain(ctx context.Context) error
}

type command struct {
	Action      string `json:"action"`
	CameraIndex *int   `json:"camera_index,omitempty"`
}

// CommandHandler führt Steuerbefehle aus. Angenommen werden ein einfaches
// Wort ("start") oder JSON ({"action":"start","camera_index":1}).
type CommandHandler struct {
	ctx      context.Context
	camera   CameraControl
	model    Retrainer
	settings SettingsSource
}

// NewCommandHandler erstellt einen Handler, ctx begrenzt die Lebensdauer
// eines gestarteten Monitors
func NewCommandHandler(ctx context.Context, camera CameraControl, model Retrainer, src SettingsSource) *CommandHandler {
	return &CommandHandler{ctx: ctx, camera: camera, model: model, settings: src}
}

// HandleMessage implementiert mqtt.MessageHandler
func (h *CommandHandler) HandleMessage(topic string, payload []byte) {
	cmd, err := parseCommand(payload)
	if err != nil {
		log.Warnf("Ignoring MQTT command on %s: %v", topic, err)
		return
	}
	if err := h.execute(cmd); err != nil {
		log.Warnf("MQTT command %q failed: %v", cmd.Action, err)
	}
}

// execute führt einen einzelnen Befehl aus
func (h *CommandHandler) execute(cmd command) error {
	switch cmd.Action {
	case CommandStart:
		index := h.settings.Get().CameraIndex
		if cmd.CameraIndex != nil {
			index = *cmd.CameraIndex
		}
		err := h.camera.Start(h.ctx, index)
		if errors.Is(err, capture.ErrAlreadyRunning) {
			log.Info("Camera already running, start command ignored")
			return nil
		}
		return err
	case CommandStop:
		return h.camera.Stop()
	case CommandRetrain:
		return h.model.Retrain(h.ctx)
	default:
		return errors.New("unknown action " + cmd.Action)
	}
}

func parseCommand(payload []byte) (command, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return command{}, errors.New("empty payload")
	}

	var cmd command
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &cmd); err != nil {
			return command{}, err
		}
	} else {
		cmd.Action = text
	}
	cmd.Action = strings.ToLower(strings.TrimSpace(cmd.Action))
	return cmd, nil
}

// RestartOnCameraChange gibt einen Settings-Listener zurück, der einen
// laufenden Monitor auf den neuen Kameraindex umschaltet
func RestartOnCameraChange(ctx context.Context, monitor interface {
	CameraControl
	Stats() capture.Stats
}) func(settings.Settings) {
	return func(next settings.Settings) {
		stats := monitor.Stats()
		if !stats.Running || stats.CameraIndex == next.CameraIndex {
			return
		}
		log.Infof("Camera index changed from %d to %d, restarting monitor", stats.CameraIndex, next.CameraIndex)
		if err := monitor.Stop(); err != nil {
			log.Warnf("Stopping monitor failed: %v", err)
		}
		if err := monitor.Start(ctx, next.CameraIndex); err != nil {
			log.Errorf("Restarting monitor on camera %d failed: %v", next.CameraIndex, err)
		}
	}
}
