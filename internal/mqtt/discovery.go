//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"kc868-go-home/internal/hal"
	"kc868-go-home/internal/sensors"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/kc868_a16/relay_1/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// board describes the controller in HA terms.
type board struct {
	nodeID  string
	name    string
	prefix  string
	version string
}

// nodeID sanitizes a client id into an HA node id.
func nodeID(id string) string {
	id = strings.ToLower(id)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, id)
}

func (b board) device() haDevice {
	return haDevice{
		Identifiers:  []string{b.nodeID},
		Manufacturer: "KinCony",
		Model:        "KC868-A16",
		Name:         b.name,
		SWVersion:    b.version,
	}
}

func (b board) availability() string {
	return b.prefix + "/bridge/state"
}

func (b board) configTopic(component, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s/%s/config", component, b.nodeID, objectID)
}

// buildDiscovery generates the discovery messages for every board entity.
// HT slots configured as digital inputs publish binary sensors; the others
// publish temperature (and humidity for DHT sensors) and remove the rest.
func buildDiscovery(b board, types [sensors.NumSlots]sensors.Type) []discoveryMsg {
	var msgs []discoveryMsg
	for i := 1; i <= hal.NumOutputs; i++ {
		msgs = append(msgs, b.relay(i))
	}
	for i := 1; i <= hal.NumInputs; i++ {
		msgs = append(msgs, b.binarySensor(fmt.Sprintf("input_%d", i), fmt.Sprintf("Input %d", i),
			fmt.Sprintf("%s/input/%d", b.prefix, i)))
	}
	for i := 1; i <= hal.NumAnalog; i++ {
		msgs = append(msgs, b.sensor(fmt.Sprintf("analog_%d", i), fmt.Sprintf("Analog %d", i),
			fmt.Sprintf("%s/analog/%d", b.prefix, i), "voltage", "V", "{{ value_json.voltage }}"))
	}

	for i, t := range types {
		n := i + 1
		htID := fmt.Sprintf("ht_%d", n)
		tempID := fmt.Sprintf("ht_%d_temperature", n)
		humID := fmt.Sprintf("ht_%d_humidity", n)
		sensorTopic := fmt.Sprintf("%s/sensor/%d", b.prefix, n)

		if t == sensors.Digital {
			msgs = append(msgs, b.binarySensor(htID, fmt.Sprintf("HT%d", n), fmt.Sprintf("%s/ht/%d", b.prefix, n)))
			msgs = append(msgs, b.remove("sensor", tempID), b.remove("sensor", humID))
			continue
		}
		msgs = append(msgs, b.remove("binary_sensor", htID))
		msgs = append(msgs, b.sensor(tempID, fmt.Sprintf("HT%d Temperature", n), sensorTopic,
			"temperature", "°C", "{{ value_json.temperature }}"))
		if t.HasHumidity() {
			msgs = append(msgs, b.sensor(humID, fmt.Sprintf("HT%d Humidity", n), sensorTopic,
				"humidity", "%", "{{ value_json.humidity }}"))
		} else {
			msgs = append(msgs, b.remove("sensor", humID))
		}
	}
	return msgs
}

func (b board) relay(n int) discoveryMsg {
	objectID := fmt.Sprintf("relay_%d", n)
	state := fmt.Sprintf("%s/relay/%d", b.prefix, n)
	payload := haDiscovery{
		Name:              fmt.Sprintf("Relay %d", n),
		UniqueID:          b.nodeID + "_" + objectID,
		StateTopic:        state,
		CommandTopic:      state + "/set",
		AvailabilityTopic: b.availability(),
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            b.device(),
	}
	return discoveryMsg{Topic: b.configTopic("switch", objectID), Payload: mustJSON(payload)}
}

func (b board) binarySensor(objectID, name, stateTopic string) discoveryMsg {
	payload := haDiscovery{
		Name:              name,
		UniqueID:          b.nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: b.availability(),
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            b.device(),
	}
	return discoveryMsg{Topic: b.configTopic("binary_sensor", objectID), Payload: mustJSON(payload)}
}

func (b board) sensor(objectID, name, stateTopic, deviceClass, unit, valueTmpl string) discoveryMsg {
	payload := haDiscovery{
		Name:              name,
		UniqueID:          b.nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: b.availability(),
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        "measurement",
		Device:            b.device(),
	}
	return discoveryMsg{Topic: b.configTopic("sensor", objectID), Payload: mustJSON(payload)}
}

// remove is an empty retained message, which deletes the entity in HA.
func (b board) remove(component, objectID string) discoveryMsg {
	return discoveryMsg{Topic: b.configTopic(component, objectID)}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
