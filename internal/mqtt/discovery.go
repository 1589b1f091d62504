//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"hass-sync/internal/entity"
)

const discoveryPrefix = "homeassistant"

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/hass_sync_sensor_temp/sensor/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Model       string   `json:"model,omitempty"`
	Name        string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	StateValueTmpl    string   `json:"state_value_template,omitempty"`
	JSONAttributes    string   `json:"json_attributes_topic,omitempty"`
	JSONAttrTemplate  string   `json:"json_attributes_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	StateOn           string   `json:"state_on,omitempty"`
	StateOff          string   `json:"state_off,omitempty"`
	Device            haDevice `json:"device"`
}

// nodeID returns the identifier used for an entity in discovery topics.
func nodeID(entityID string) string {
	return "hass_sync_" + strings.ReplaceAll(entityID, ".", "_")
}

// stateTopic is where the retained state of an entity is published.
func stateTopic(prefix, entityID string) string {
	return prefix + "/" + entityID + "/state"
}

func commandTopic(prefix, entityID string) string {
	return prefix + "/" + entityID + "/set"
}

// component maps an entity kind to the HA discovery component, or "" for
// kinds that are not announced.
func component(k entity.Kind) string {
	switch k {
	case entity.KindLight:
		return "light"
	case entity.KindSwitch, entity.KindFan, entity.KindInputBoolean:
		return "switch"
	case entity.KindSensor:
		return "sensor"
	case entity.KindBinarySensor:
		return "binary_sensor"
	default:
		return ""
	}
}

// buildDiscovery generates the discovery message announcing one entity.
// Before the first fetch unit and device class are unknown and left out.
func buildDiscovery(c *entity.Client, prefix string) (discoveryMsg, bool) {
	comp := component(c.Kind())
	if comp == "" {
		return discoveryMsg{}, false
	}

	id := c.EntityID()
	node := nodeID(id)
	cur := c.Current()
	payload := haDiscovery{
		Name:              c.FriendlyName(),
		UniqueID:          node,
		StateTopic:        stateTopic(prefix, id),
		AvailabilityTopic: prefix + "/bridge/state",
		JSONAttributes:    stateTopic(prefix, id),
		JSONAttrTemplate:  "{{ value_json.attributes | tojson }}",
		Device: haDevice{
			Identifiers: []string{node},
			Model:       c.TypeLabel(),
			Name:        c.FriendlyName(),
		},
	}

	switch comp {
	case "light":
		payload.CommandTopic = commandTopic(prefix, id)
		payload.StateValueTmpl = "{{ value_json.state | upper }}"
		payload.PayloadOn = "ON"
		payload.PayloadOff = "OFF"
	case "switch":
		payload.CommandTopic = commandTopic(prefix, id)
		payload.ValueTemplate = "{{ value_json.state }}"
		payload.PayloadOn = "ON"
		payload.PayloadOff = "OFF"
		payload.StateOn = "on"
		payload.StateOff = "off"
	case "sensor":
		payload.ValueTemplate = "{{ value_json.state }}"
		payload.UnitOfMeasurement = cur.AttributeString("unit_of_measurement", "")
		payload.DeviceClass = cur.AttributeString("device_class", "")
		if payload.UnitOfMeasurement != "" {
			payload.StateClass = "measurement"
		}
	case "binary_sensor":
		payload.ValueTemplate = "{{ value_json.state }}"
		payload.PayloadOn = "on"
		payload.PayloadOff = "off"
		payload.DeviceClass = cur.AttributeString("device_class", "")
	}

	topic := fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, comp, node, comp)
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}, true
}

// buildRemoveDiscovery generates the empty retained message removing an
// entity from HA.
func buildRemoveDiscovery(entityID string, k entity.Kind) (discoveryMsg, bool) {
	comp := component(k)
	if comp == "" {
		return discoveryMsg{}, false
	}
	node := nodeID(entityID)
	return discoveryMsg{
		Topic: fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, comp, node, comp),
	}, true
}
