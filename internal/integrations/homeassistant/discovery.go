package homeassistant

import (
	"fmt"
	"strings"

	"face-attendance/internal/core/models"
	"face-attendance/internal/integrations/mqtt"

	log "github.com/sirupsen/logrus"
)

// Constants for Home Assistant MQTT Discovery
const (
	// Discovery-Präfix für Home Assistant (Standard ist "homeassistant")
	DiscoveryPrefix = "homeassistant"

	ComponentSensor = "sensor"

	NodeID = "face_attendance"
)

// SensorConfig repräsentiert die MQTT-Discovery-Konfiguration für einen Sensor in Home Assistant
type SensorConfig struct {
	Name                string  `json:"name"`
	UniqueID            string  `json:"unique_id"`
	StateTopic          string  `json:"state_topic"`
	Icon                string  `json:"icon,omitempty"`
	JSONAttributesTopic string  `json:"json_attributes_topic,omitempty"`
	AvailabilityTopic   string  `json:"availability_topic,omitempty"`
	PayloadAvailable    string  `json:"payload_available,omitempty"`
	PayloadNotAvailable string  `json:"payload_not_available,omitempty"`
	Device              *Device `json:"device,omitempty"`
}

// Device repräsentiert die Geräteinformationen für Home Assistant
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// DiscoveryManager verwaltet die Home Assistant MQTT Discovery
type DiscoveryManager struct {
	client Messenger
	prefix string
	device *Device
}

// NewDiscoveryManager erstellt einen neuen Manager für Home Assistant Discovery
func NewDiscoveryManager(client Messenger, prefix string) *DiscoveryManager {
	return &DiscoveryManager{
		client: client,
		prefix: prefix,
		device: &Device{
			Identifiers:  []string{NodeID},
			Name:         "Face Attendance",
			Manufacturer: "Face Attendance",
			Model:        "Go Edition",
		},
	}
}

func (dm *DiscoveryManager) sensor(name, uniqueID, stateTopic, attributesTopic, icon string) SensorConfig {
	return SensorConfig{
		Name:                name,
		UniqueID:            uniqueID,
		StateTopic:          stateTopic,
		JSONAttributesTopic: attributesTopic,
		Icon:                icon,
		AvailabilityTopic:   mqtt.Topic(dm.prefix, "status"),
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
		Device:              dm.device,
	}
}

// RegisterPeople veröffentlicht einen Anwesenheitssensor pro Person
func (dm *DiscoveryManager) RegisterPeople(people []models.Person) {
	for _, person := range people {
		id := normalize(person.RollNumber)
		name := person.Name
		if name == "" {
			name = person.RollNumber
		}
		cfg := dm.sensor(
			fmt.Sprintf("Attendance %s", name),
			fmt.Sprintf("%s_%s", NodeID, id),
			mqtt.Topic(dm.prefix, fmt.Sprintf("attendance/%s/state", person.RollNumber)),
			mqtt.Topic(dm.prefix, fmt.Sprintf("attendance/%s", person.RollNumber)),
			"mdi:account-check",
		)
		if err := dm.publish(id, cfg); err != nil {
			log.Errorf("Failed to register sensor for %s: %v", person.RollNumber, err)
		}
	}
}

// RegisterCameras veröffentlicht einen Gesichtszähler pro Kamera
func (dm *DiscoveryManager) RegisterCameras(cameras []string) {
	for _, camera := range cameras {
		id := "camera_" + normalize(camera)
		cfg := dm.sensor(
			fmt.Sprintf("Faces %s", camera),
			fmt.Sprintf("%s_%s", NodeID, id),
			mqtt.Topic(dm.prefix, fmt.Sprintf("cameras/%s/person", camera)),
			mqtt.Topic(dm.prefix, fmt.Sprintf("cameras/%s", camera)),
			"mdi:face-recognition",
		)
		if err := dm.publish(id, cfg); err != nil {
			log.Errorf("Failed to register sensor for camera %s: %v", camera, err)
		}
	}
}

func (dm *DiscoveryManager) publish(objectID string, cfg SensorConfig) error {
	topic := fmt.Sprintf("%s/%s/%s/%s/config", DiscoveryPrefix, ComponentSensor, NodeID, objectID)
	log.Debugf("Registering Home Assistant sensor %s", topic)
	if err := dm.client.PublishRetain(topic, cfg); err != nil {
		return fmt.Errorf("failed to publish discovery configuration: %w", err)
	}
	return nil
}

// PublishAvailability veröffentlicht den Online-Status
func (dm *DiscoveryManager) PublishAvailability(online bool) error {
	status := "offline"
	if online {
		status = "online"
	}
	return dm.client.PublishRetain(mqtt.Topic(dm.prefix, "status"), status)
}

// normalize macht einen Namen topic-tauglich (Kleinbuchstaben, Leerzeichen durch Unterstriche)
func normalize(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
}
