package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"face-gallery-go/config"
	"face-gallery-go/internal/core/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Topic-Suffixe unterhalb des konfigurierten Basis-Topics
const (
	topicAvailability = "available"
	topicDetections   = "detections"
	topicIdentities   = "identities"
	topicCommand      = "command"
)

// MessageHandler verarbeitet Befehle, die über MQTT eintreffen
type MessageHandler interface {
	HandleMessage(topic string, payload []byte)
}

// Client veröffentlicht Erkennungsereignisse und empfängt Steuerbefehle
type Client struct {
	config   config.MQTTConfig
	client   mqtt.Client
	mu       sync.RWMutex
	handlers []MessageHandler
}

// NewClient erstellt einen neuen MQTT-Client
func NewClient(cfg config.MQTTConfig) *Client {
	cfg.Topic = strings.TrimSuffix(cfg.Topic, "/")
	return &Client{config: cfg}
}

// RegisterHandler registriert einen Handler für Befehle auf <topic>/command
func (c *Client) RegisterHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Start verbindet den Client mit dem Broker
func (c *Client) Start() error {
	if !c.config.Enabled {
		log.Info("MQTT client is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	// Broker meldet "offline", falls die Verbindung abreißt
	opts.SetWill(c.topic(topicAvailability), "offline", 1, true)
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Errorf("MQTT connection lost: %v", err)
	})
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	c.client = mqtt.NewClient(opts)

	log.Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		log.Errorf("Failed to connect to MQTT broker: %v", token.Error())
		return token.Error()
	}

	log.Info("MQTT client connected successfully")
	return nil
}

// Stop meldet "offline" und trennt die Verbindung
func (c *Client) Stop() {
	if !c.IsConnected() {
		return
	}
	if err := c.PublishMessage(c.topic(topicAvailability), "offline", true); err != nil {
		log.Warnf("Failed to publish MQTT availability: %v", err)
	}
	log.Info("Disconnecting MQTT client...")
	c.client.Disconnect(250)
}

// IsConnected prüft, ob der Client verbunden ist
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

func (c *Client) onConnectHandler(client mqtt.Client) {
	log.Infof("Connected to MQTT broker at %s:%d", c.config.Broker, c.config.Port)

	if err := c.PublishMessage(c.topic(topicAvailability), "online", true); err != nil {
		log.Warnf("Failed to publish MQTT availability: %v", err)
	}

	commandTopic := c.topic(topicCommand)
	if token := client.Subscribe(commandTopic, 1, c.messageHandler); token.Wait() && token.Error() != nil {
		log.Errorf("Failed to subscribe to topic %s: %v", commandTopic, token.Error())
	} else {
		log.Infof("Subscribed to MQTT topic: %s", commandTopic)
	}
}

func (c *Client) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	log.Debugf("Received MQTT message on topic: %s", msg.Topic())

	c.mu.RLock()
	handlers := append([]MessageHandler(nil), c.handlers...)
	c.mu.RUnlock()

	for _, handler := range handlers {
		go handler.HandleMessage(msg.Topic(), msg.Payload())
	}
}

// PublishDetection veröffentlicht ein Erkennungsereignis auf <topic>/detections
// und für bekannte Gesichter zusätzlich retained auf <topic>/identities/<name>
func (c *Client) PublishDetection(event *models.DetectionEvent) error {
	if !c.IsConnected() {
		return nil
	}
	if err := c.PublishMessage(c.topic(topicDetections), event, false); err != nil {
		return err
	}
	if event.Known {
		return c.PublishMessage(c.topic(topicIdentities, event.Identity), event, true)
	}
	return nil
}

// PublishMessage veröffentlicht eine Nachricht an ein MQTT-Topic
func (c *Client) PublishMessage(topic string, payload interface{}, retain bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	var payloadBytes []byte
	switch p := payload.(type) {
	case string:
		payloadBytes = []byte(p)
	case []byte:
		payloadBytes = p
	default:
		var err error
		payloadBytes, err = json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal payload to JSON: %w", err)
		}
	}

	token := c.client.Publish(topic, 1, retain, payloadBytes)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish message to topic %s: %w", topic, token.Error())
	}

	log.Debugf("Published message to topic: %s", topic)
	return nil
}

func (c *Client) topic(parts ...string) string {
	return c.config.Topic + "/" + strings.Join(parts, "/")
}
