//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"kc868-go-home/internal/automation"
	"kc868-go-home/internal/controller"
	"kc868-go-home/internal/hal"
	"kc868-go-home/internal/sensors"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
	DeviceName  string
	Version     string
}

// Controller is the part of the controller the bridge drives.
type Controller interface {
	Events() *controller.EventBus
	Status() controller.Status
	SetRelay(i int, action automation.Action) error
	EvaluateInputSchedules() int
}

type publishFunc func(topic string, payload []byte, retained bool)

// Bridge mirrors board state to MQTT, accepts relay commands and publishes
// Home Assistant discovery.
type Bridge struct {
	client pahomqtt.Client
	ctrl   Controller
	board  board
	logger *slog.Logger
	unsub  func()
	send   publishFunc

	// last holds the payload last published per state topic.
	mu   sync.Mutex
	last map[string]string
}

func newBridge(ctrl Controller, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "kc868"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "kc868-a16"
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "KC868-A16"
	}
	return &Bridge{
		ctrl: ctrl,
		board: board{
			nodeID:  nodeID(cfg.ClientID),
			name:    cfg.DeviceName,
			prefix:  cfg.TopicPrefix,
			version: cfg.Version,
		},
		logger: logger.With("component", "mqtt"),
		last:   make(map[string]string),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(ctrl, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(b.board.nodeID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.board.availability(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	b.send = b.pahoPublish

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to controller events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.ctrl.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.board.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.board.availability(), []byte("offline"), true)
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

// onConnect republishes everything a fresh broker session needs.
func (b *Bridge) onConnect() {
	b.mu.Lock()
	clear(b.last)
	b.mu.Unlock()

	b.publish(b.board.availability(), []byte("online"), true)
	st := b.ctrl.Status()
	b.publishDiscovery(st.Sensors)
	b.publishRelays(st.Relays)
	b.publishInputs(controller.InputStates{Inputs: st.Inputs, HTInputs: st.HTInputs})
	b.publishAnalog(st.Analog)
	b.publishSensors(st.Sensors)
}

func (b *Bridge) handleEvent(event controller.Event) {
	switch data := event.Data.(type) {
	case [hal.NumOutputs]bool:
		b.publishRelays(data)
	case controller.InputStates:
		b.publishInputs(data)
	case []controller.AnalogStatus:
		b.publishAnalog(data)
	case []sensors.Status:
		b.publishSensors(data)
	case automation.Firing:
		if event.Type == controller.EventRuleFired {
			b.publish(b.board.prefix+"/events", mustJSON(data), false)
		}
	case controller.ConfigChange:
		if data.Kind == "sensor" {
			b.publishDiscovery(b.ctrl.Status().Sensors)
		}
	}
}

func (b *Bridge) publishDiscovery(st []sensors.Status) {
	var types [sensors.NumSlots]sensors.Type
	for _, s := range st {
		if s.Slot >= 0 && s.Slot < sensors.NumSlots {
			types[s.Slot] = s.Type
		}
	}
	for _, msg := range buildDiscovery(b.board, types) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "node", b.board.nodeID)
}

func (b *Bridge) publishRelays(relays [hal.NumOutputs]bool) {
	for i, on := range relays {
		b.publishState(fmt.Sprintf("relay/%d", i+1), onOff(on))
	}
}

func (b *Bridge) publishInputs(in controller.InputStates) {
	for i, on := range in.Inputs {
		b.publishState(fmt.Sprintf("input/%d", i+1), onOff(on))
	}
	for i, on := range in.HTInputs {
		b.publishState(fmt.Sprintf("ht/%d", i+1), onOff(on))
	}
}

func (b *Bridge) publishAnalog(analog []controller.AnalogStatus) {
	for i, a := range analog {
		b.publishState(fmt.Sprintf("analog/%d", i+1), string(mustJSON(a)))
	}
}

func (b *Bridge) publishSensors(st []sensors.Status) {
	for _, s := range st {
		if s.Type == sensors.Digital || !s.Valid {
			continue
		}
		payload := map[string]any{"type": s.Type, "temperature": s.Temperature}
		if s.Type.HasHumidity() {
			payload["humidity"] = s.Humidity
		}
		b.publishState(fmt.Sprintf("sensor/%d", s.Slot+1), string(mustJSON(payload)))
	}
}

// publishState publishes a retained state topic when its payload changed.
func (b *Bridge) publishState(sub, payload string) {
	topic := b.board.prefix + "/" + sub
	b.mu.Lock()
	if b.last[topic] == payload {
		b.mu.Unlock()
		return
	}
	b.last[topic] = payload
	b.mu.Unlock()
	b.publish(topic, []byte(payload), true)
}

func (b *Bridge) subscribeCommands() {
	b.client.Subscribe(b.board.prefix+"/relay/+/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleRelayCommand(msg.Topic(), msg.Payload())
	})
	b.client.Subscribe(b.board.prefix+"/schedules/evaluate", 1, func(_ pahomqtt.Client, _ pahomqtt.Message) {
		n := b.ctrl.EvaluateInputSchedules()
		b.logger.Info("schedules evaluated", "fired", n)
	})
}

// handleRelayCommand handles <prefix>/relay/<n>/set with ON, OFF or TOGGLE.
func (b *Bridge) handleRelayCommand(topic string, payload []byte) {
	n, err := relayFromTopic(b.board.prefix, topic)
	if err != nil {
		b.logger.Warn("invalid relay topic", "topic", topic, "err", err)
		return
	}
	action, err := parseAction(payload)
	if err != nil {
		b.logger.Warn("invalid relay command", "relay", n, "payload", string(payload))
		return
	}
	if err := b.ctrl.SetRelay(n-1, action); err != nil {
		b.logger.Warn("relay command failed", "relay", n, "err", err)
	}
}

func relayFromTopic(prefix, topic string) (int, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/relay/")
	if !ok {
		return 0, fmt.Errorf("not a relay topic")
	}
	rest, ok = strings.CutSuffix(rest, "/set")
	if !ok {
		return 0, fmt.Errorf("not a command topic")
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > hal.NumOutputs {
		return 0, fmt.Errorf("relay %d out of range", n)
	}
	return n, nil
}

func parseAction(payload []byte) (automation.Action, error) {
	var a automation.Action
	err := a.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(string(payload)))))
	return a, err
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.send != nil {
		b.send(topic, payload, retained)
	}
}

func (b *Bridge) pahoPublish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
