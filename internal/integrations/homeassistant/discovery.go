package homeassistant

import (
	"fmt"
	"strings"

	"face-gallery-go/config"
	"face-gallery-go/internal/gallery"

	log "github.com/sirupsen/logrus"
)

// Konstanten für Home Assistant MQTT Discovery
const (
	ComponentSensor = "sensor"
	NodeID          = "face_gallery"
)

// SensorConfig ist die Discovery-Konfiguration eines Sensors in Home Assistant
type SensorConfig struct {
	Name                string  `json:"name"`
	UniqueID            string  `json:"unique_id"`
	StateTopic          string  `json:"state_topic"`
	JSONAttributesTopic string  `json:"json_attributes_topic,omitempty"`
	ValueTemplate       string  `json:"value_template,omitempty"`
	DeviceClass         string  `json:"device_class,omitempty"`
	Icon                string  `json:"icon,omitempty"`
	AvailabilityTopic   string  `json:"availability_topic,omitempty"`
	PayloadAvailable    string  `json:"payload_available,omitempty"`
	PayloadNotAvailable string  `json:"payload_not_available,omitempty"`
	Device              *Device `json:"device,omitempty"`
}

// Device sind die Geräteinformationen für Home Assistant
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// Publisher ist der Teil des MQTT-Clients, den die Discovery braucht
type Publisher interface {
	IsConnected() bool
	PublishMessage(topic string, payload interface{}, retain bool) error
}

// DiscoveryManager meldet für jede Identität der Gallery einen Sensor
// "zuletzt gesehen" an. Der Zustand kommt aus den retained Nachrichten
// unter <topic>/identities/<name>.
type DiscoveryManager struct {
	publisher Publisher
	prefix    string
	baseTopic string
	device    *Device
}

// NewDiscoveryManager erstellt einen neuen Manager für Home Assistant Discovery
func NewDiscoveryManager(publisher Publisher, cfg config.MQTTConfig) *DiscoveryManager {
	prefix := cfg.DiscoveryPrefix
	if prefix == "" {
		prefix = "homeassistant"
	}
	return &DiscoveryManager{
		publisher: publisher,
		prefix:    strings.TrimSuffix(prefix, "/"),
		baseTopic: strings.TrimSuffix(cfg.Topic, "/"),
		device: &Device{
			Identifiers:  []string{NodeID},
			Name:         "Face Gallery",
			Manufacturer: "face-gallery-go",
			Model:        "Live Face Recognition",
		},
	}
}

// RegisterIdentities veröffentlicht Discovery-Konfigurationen für alle Identitäten
func (dm *DiscoveryManager) RegisterIdentities(identities []string) error {
	if !dm.publisher.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	var failed int
	for _, identity := range identities {
		if err := dm.registerIdentity(identity); err != nil {
			log.Errorf("Failed to register sensor for identity %s: %v", identity, err)
			failed++
		}
	}
	log.Infof("Registered %d Home Assistant sensors", len(identities)-failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d sensors failed", failed, len(identities))
	}
	return nil
}

// OnChange hält die Sensoren bei Gallery-Änderungen aktuell
func (dm *DiscoveryManager) OnChange(c gallery.Change) {
	if !dm.publisher.IsConnected() {
		return
	}

	var err error
	switch c.Kind {
	case gallery.ChangeAdded:
		err = dm.registerIdentity(c.Identity)
	case gallery.ChangeRemoved:
		err = dm.removeIdentity(c.Identity)
	case gallery.ChangeRenamed:
		if err = dm.removeIdentity(c.Identity); err == nil {
			err = dm.registerIdentity(c.NewIdentity)
		}
	}
	if err != nil {
		log.Warnf("Home Assistant discovery update for %s failed: %v", c.Identity, err)
	}
}

func (dm *DiscoveryManager) registerIdentity(identity string) error {
	id := objectID(identity)
	sensor := SensorConfig{
		Name:                identity,
		UniqueID:            NodeID + "_" + id,
		StateTopic:          dm.baseTopic + "/identities/" + identity,
		JSONAttributesTopic: dm.baseTopic + "/identities/" + identity,
		ValueTemplate:       "{{ value_json.detected_at }}",
		DeviceClass:         "timestamp",
		Icon:                "mdi:face-recognition",
		AvailabilityTopic:   dm.baseTopic + "/available",
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
		Device:              dm.device,
	}
	log.Debugf("Registering Home Assistant sensor for identity: %s", identity)
	return dm.publisher.PublishMessage(dm.configTopic(id), sensor, true)
}

// removeIdentity löscht den Sensor durch eine leere retained Nachricht
func (dm *DiscoveryManager) removeIdentity(identity string) error {
	log.Debugf("Removing Home Assistant sensor for identity: %s", identity)
	return dm.publisher.PublishMessage(dm.configTopic(objectID(identity)), []byte{}, true)
}

func (dm *DiscoveryManager) configTopic(id string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", dm.prefix, ComponentSensor, NodeID, id)
}

// objectID normalisiert einen Namen für Topics und IDs (Kleinbuchstaben,
// alles außer a-z0-9 wird zu Unterstrich)
func objectID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
