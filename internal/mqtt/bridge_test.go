//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"kc868-go-home/internal/automation"
	"kc868-go-home/internal/controller"
	"kc868-go-home/internal/hal"
	"kc868-go-home/internal/sensors"
)

type fakeController struct {
	events *controller.EventBus
	status controller.Status
	relays map[int]automation.Action
	evals  int
	setErr error
}

func (f *fakeController) Events() *controller.EventBus { return f.events }
func (f *fakeController) Status() controller.Status    { return f.status }
func (f *fakeController) EvaluateInputSchedules() int  { f.evals++; return 0 }
func (f *fakeController) SetRelay(i int, a automation.Action) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.relays[i] = a
	return nil
}

type published struct {
	payload  string
	retained bool
}

type recorder struct {
	mu    sync.Mutex
	msgs  map[string]published
	count int
}

func (r *recorder) publish(topic string, payload []byte, retained bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[topic] = published{string(payload), retained}
	r.count++
}

func newTestBridge(t *testing.T) (*Bridge, *fakeController, *recorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctrl := &fakeController{
		events: controller.NewEventBus(logger),
		relays: make(map[int]automation.Action),
	}
	for i := 0; i < sensors.NumSlots; i++ {
		ctrl.status.Sensors = append(ctrl.status.Sensors, sensors.Status{Slot: i})
	}
	rec := &recorder{msgs: make(map[string]published)}
	b := newBridge(ctrl, Config{TopicPrefix: "kc868", ClientID: "KC868-A16 Hall"}, logger)
	b.send = rec.publish
	b.Start()
	t.Cleanup(b.unsub)
	return b, ctrl, rec
}

func TestNodeID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"kc868-a16", "kc868_a16"},
		{"KC868-A16 Hall", "kc868_a16_hall"},
		{"board_1", "board_1"},
	}
	for _, tt := range tests {
		if got := nodeID(tt.in); got != tt.want {
			t.Errorf("nodeID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDiscoveryEntities(t *testing.T) {
	b := board{nodeID: "kc868_a16", name: "Hall", prefix: "kc868"}
	types := [sensors.NumSlots]sensors.Type{sensors.Digital, sensors.DHT22, sensors.DS18B20}
	msgs := buildDiscovery(b, types)

	created := make(map[string]haDiscovery)
	removed := make(map[string]bool)
	for _, m := range msgs {
		if len(m.Payload) == 0 {
			removed[m.Topic] = true
			continue
		}
		var d haDiscovery
		if err := json.Unmarshal(m.Payload, &d); err != nil {
			t.Fatalf("%s: %v", m.Topic, err)
		}
		created[m.Topic] = d
	}

	count := func(component string) int {
		n := 0
		for topic := range created {
			if strings.HasPrefix(topic, "homeassistant/"+component+"/") {
				n++
			}
		}
		return n
	}
	if n := count("switch"); n != hal.NumOutputs {
		t.Errorf("switches = %d, want %d", n, hal.NumOutputs)
	}
	// 16 inputs plus HT1 as a digital input.
	if n := count("binary_sensor"); n != hal.NumInputs+1 {
		t.Errorf("binary sensors = %d, want %d", n, hal.NumInputs+1)
	}
	// 4 analog, HT2 temperature and humidity, HT3 temperature.
	if n := count("sensor"); n != hal.NumAnalog+3 {
		t.Errorf("sensors = %d, want %d", n, hal.NumAnalog+3)
	}

	relay := created["homeassistant/switch/kc868_a16/relay_5/config"]
	if relay.StateTopic != "kc868/relay/5" || relay.CommandTopic != "kc868/relay/5/set" {
		t.Errorf("relay 5 topics = %q %q", relay.StateTopic, relay.CommandTopic)
	}
	if relay.AvailabilityTopic != "kc868/bridge/state" || relay.UniqueID != "kc868_a16_relay_5" {
		t.Errorf("relay 5 = %+v", relay)
	}
	if relay.Device.Model != "KC868-A16" || relay.Device.Name != "Hall" {
		t.Errorf("device = %+v", relay.Device)
	}

	hum := created["homeassistant/sensor/kc868_a16/ht_2_humidity/config"]
	if hum.StateTopic != "kc868/sensor/2" || hum.UnitOfMeasurement != "%" {
		t.Errorf("humidity = %+v", hum)
	}

	for _, topic := range []string{
		"homeassistant/sensor/kc868_a16/ht_1_temperature/config",
		"homeassistant/binary_sensor/kc868_a16/ht_2/config",
		"homeassistant/sensor/kc868_a16/ht_3_humidity/config",
	} {
		if !removed[topic] {
			t.Errorf("%s not removed", topic)
		}
	}
}

func TestRelayFromTopic(t *testing.T) {
	tests := []struct {
		topic   string
		want    int
		wantErr bool
	}{
		{"kc868/relay/1/set", 1, false},
		{"kc868/relay/16/set", 16, false},
		{"kc868/relay/0/set", 0, true},
		{"kc868/relay/17/set", 0, true},
		{"kc868/relay/x/set", 0, true},
		{"kc868/relay/3", 0, true},
		{"other/relay/3/set", 0, true},
	}
	for _, tt := range tests {
		got, err := relayFromTopic("kc868", tt.topic)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("relayFromTopic(%q) = %d, %v", tt.topic, got, err)
		}
	}
}

func TestRelayCommand(t *testing.T) {
	b, ctrl, _ := newTestBridge(t)

	b.handleRelayCommand("kc868/relay/3/set", []byte("ON"))
	b.handleRelayCommand("kc868/relay/4/set", []byte(" toggle\n"))
	b.handleRelayCommand("kc868/relay/5/set", []byte("BLINK"))

	if ctrl.relays[2] != automation.ActionOn {
		t.Errorf("relay 3 = %v", ctrl.relays[2])
	}
	if ctrl.relays[3] != automation.ActionToggle {
		t.Errorf("relay 4 = %v", ctrl.relays[3])
	}
	if _, ok := ctrl.relays[4]; ok {
		t.Error("invalid payload reached the controller")
	}

	ctrl.setErr = errors.New("nack")
	b.handleRelayCommand("kc868/relay/6/set", []byte("OFF")) // logged, no panic
}

func TestStatePublishedOnChangeOnly(t *testing.T) {
	_, ctrl, rec := newTestBridge(t)

	var relays [hal.NumOutputs]bool
	relays[0] = true
	ctrl.events.Emit(controller.Event{Type: controller.EventOutputs, Data: relays})

	if got := rec.msgs["kc868/relay/1"]; got.payload != "ON" || !got.retained {
		t.Errorf("relay 1 = %+v", got)
	}
	if got := rec.msgs["kc868/relay/2"]; got.payload != "OFF" {
		t.Errorf("relay 2 = %+v", got)
	}
	n := rec.count

	relays[1] = true
	ctrl.events.Emit(controller.Event{Type: controller.EventOutputs, Data: relays})
	if rec.count != n+1 {
		t.Errorf("published %d messages, want 1", rec.count-n)
	}
}

func TestInputsAndSensorsPublished(t *testing.T) {
	_, ctrl, rec := newTestBridge(t)

	var in controller.InputStates
	in.Inputs[15] = true
	in.HTInputs[2] = true
	ctrl.events.Emit(controller.Event{Type: controller.EventInputs, Data: in})
	if rec.msgs["kc868/input/16"].payload != "ON" || rec.msgs["kc868/ht/3"].payload != "ON" {
		t.Errorf("inputs = %+v", rec.msgs)
	}

	st := []sensors.Status{
		{Slot: 0, Type: sensors.Digital},
		{Slot: 1, Type: sensors.DHT11, Valid: true, Temperature: 22.5, Humidity: 40},
		{Slot: 2, Type: sensors.DS18B20, Valid: false},
	}
	ctrl.events.Emit(controller.Event{Type: controller.EventSensors, Data: st})

	var payload map[string]any
	if err := json.Unmarshal([]byte(rec.msgs["kc868/sensor/2"].payload), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["temperature"] != 22.5 || payload["humidity"] != 40.0 || payload["type"] != "dht11" {
		t.Errorf("sensor 2 = %v", payload)
	}
	if _, ok := rec.msgs["kc868/sensor/1"]; ok {
		t.Error("digital slot published as sensor")
	}
	if _, ok := rec.msgs["kc868/sensor/3"]; ok {
		t.Error("invalid reading published")
	}
}

func TestRuleEventsNotRetained(t *testing.T) {
	_, ctrl, rec := newTestBridge(t)
	f := automation.Firing{Rule: "schedule", Slot: 1, Name: "porch", Message: "fired"}
	ctrl.events.Emit(controller.Event{Type: controller.EventRuleFired, Data: f})
	ctrl.events.Emit(controller.Event{Type: controller.EventOutputError, Data: f})

	got, ok := rec.msgs["kc868/events"]
	if !ok || got.retained {
		t.Fatalf("events = %+v", got)
	}
	if rec.count != 1 {
		t.Errorf("published %d messages, want 1", rec.count)
	}
}

func TestOnConnectPublishesEverything(t *testing.T) {
	b, ctrl, rec := newTestBridge(t)
	ctrl.status.Relays[7] = true
	ctrl.status.Analog = []controller.AnalogStatus{{Raw: 2048, Voltage: 2.5, Percent: 50}}

	b.onConnect()

	if rec.msgs["kc868/bridge/state"].payload != "online" {
		t.Error("bridge state not online")
	}
	if rec.msgs["kc868/relay/8"].payload != "ON" {
		t.Error("relay 8 not published")
	}
	if rec.msgs["kc868/analog/1"].payload == "" {
		t.Error("analog 1 not published")
	}
	if _, ok := rec.msgs["homeassistant/switch/kc868_a16_hall/relay_1/config"]; !ok {
		t.Error("discovery not published")
	}

	// A reconnect republishes retained state even if unchanged.
	n := rec.count
	b.onConnect()
	if rec.count <= n {
		t.Error("reconnect published nothing")
	}
}

func TestSensorConfigChangeRepublishesDiscovery(t *testing.T) {
	_, ctrl, rec := newTestBridge(t)
	ctrl.status.Sensors[0].Type = sensors.DHT22
	ctrl.events.Emit(controller.Event{Type: controller.EventConfigChanged,
		Data: controller.ConfigChange{Kind: "sensor", Slot: 0}})

	if _, ok := rec.msgs["homeassistant/sensor/kc868_a16_hall/ht_1_humidity/config"]; !ok {
		t.Error("humidity discovery not published after type change")
	}
}
