// Package sensors manages the three HT sensor slots of the board.
package sensors

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kc868-go-home/internal/store"
)

// NumSlots is the number of HT sensor pins.
const NumSlots = 3

// ErrInvalid is returned for bad slot indexes or sensor types.
var ErrInvalid = errors.New("invalid sensor config")

// Type is what is attached to an HT pin.
type Type uint8

const (
	Digital Type = iota // plain digital input, no readings
	DHT11
	DHT22
	DS18B20
)

var typeNames = []string{"digital", "dht11", "dht22", "ds18b20"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", t)
}

func (t Type) MarshalText() ([]byte, error) {
	if int(t) >= len(typeNames) {
		return nil, fmt.Errorf("sensor type %d: %w", t, ErrInvalid)
	}
	return []byte(typeNames[t]), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	for i, n := range typeNames {
		if string(b) == n {
			*t = Type(i)
			return nil
		}
	}
	return fmt.Errorf("sensor type %q: %w", b, ErrInvalid)
}

// HasHumidity reports whether the sensor measures humidity.
func (t Type) HasHumidity() bool { return t == DHT11 || t == DHT22 }

// MinInterval is the shortest time between two reads of this sensor type.
func (t Type) MinInterval() time.Duration {
	switch t {
	case DHT11, DHT22:
		return 2 * time.Second
	case DS18B20:
		return time.Second
	}
	return 0
}

// Reading is one measurement. Humidity is zero for sensors without it.
type Reading struct {
	Temperature float64
	Humidity    float64
}

// Driver reads the sensor attached to a slot.
type Driver interface {
	Read(slot int, t Type) (Reading, error)
}

// Status is the externally visible state of one slot.
type Status struct {
	Slot        int       `json:"slot"`
	Type        Type      `json:"type"`
	Valid       bool      `json:"valid"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity,omitempty"`
	LastRead    time.Time `json:"last_read"`
}

type slotRecord struct {
	Type Type `json:"type"`
}

// Manager keeps the sensor types and their latest readings.
type Manager struct {
	driver Driver
	store  store.Persister
	logger *slog.Logger

	mu       sync.RWMutex
	types    [NumSlots]Type
	readings [NumSlots]Reading
	valid    [NumSlots]bool
	lastRead [NumSlots]time.Time
	errCount int
	lastErr  string
}

// NewManager creates a Manager with every slot configured as digital.
func NewManager(driver Driver, p store.Persister, logger *slog.Logger) *Manager {
	return &Manager{
		driver: driver,
		store:  p,
		logger: logger.With("component", "sensors"),
	}
}

// Load restores the slot types. Missing or invalid records leave slots digital.
func (m *Manager) Load() {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.store.Load(store.KeySensors)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		m.logger.Warn("load sensor config failed, using defaults", "err", err)
		return
	}
	var rec struct {
		Sensors []json.RawMessage `json:"sensors"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		m.logger.Warn("corrupt sensor config, using defaults", "err", err)
		return
	}
	for i, raw := range rec.Sensors {
		if i >= NumSlots {
			break
		}
		var s slotRecord
		if err := json.Unmarshal(raw, &s); err != nil {
			m.logger.Warn("sensor slot reset to digital", "slot", i, "err", err)
			continue
		}
		m.types[i] = s.Type
	}
}

// Configure sets slot types without persisting them, for config-file overrides.
func (m *Manager) Configure(types [NumSlots]Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types = types
	m.readings = [NumSlots]Reading{}
	m.valid = [NumSlots]bool{}
}

// UpdateType changes the sensor type of slot i and persists all slots.
func (m *Manager) UpdateType(i int, t Type) error {
	if i < 0 || i >= NumSlots {
		return fmt.Errorf("sensor slot %d: %w", i, ErrInvalid)
	}
	if int(t) >= len(typeNames) {
		return fmt.Errorf("sensor type %d: %w", t, ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.types[i]
	m.types[i] = t
	if err := m.save(); err != nil {
		m.types[i] = prev
		return err
	}
	m.readings[i] = Reading{}
	m.valid[i] = false
	m.lastRead[i] = time.Time{}
	m.logger.Info("sensor type updated", "slot", i, "type", t)
	return nil
}

func (m *Manager) save() error {
	recs := make([]slotRecord, NumSlots)
	for i, t := range m.types {
		recs[i] = slotRecord{Type: t}
	}
	data, err := json.Marshal(struct {
		Sensors []slotRecord `json:"sensors"`
	}{recs})
	if err != nil {
		return fmt.Errorf("marshal sensor config: %w", err)
	}
	if err := m.store.Save(store.KeySensors, data); err != nil {
		return fmt.Errorf("save sensor config: %w", err)
	}
	return nil
}

// ReadAll reads every non-digital slot whose minimum interval has elapsed.
// A failed read keeps the previous value. It reports whether any reading
// changed.
func (m *Manager) ReadAll(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for i, t := range m.types {
		if t == Digital {
			continue
		}
		if !m.lastRead[i].IsZero() && now.Sub(m.lastRead[i]) < t.MinInterval() {
			continue
		}
		m.lastRead[i] = now
		r, err := m.driver.Read(i, t)
		if err != nil {
			m.errCount++
			m.lastErr = fmt.Sprintf("HT%d: %v", i+1, err)
			m.logger.Warn("sensor read failed", "slot", i, "type", t, "err", err, "count", m.errCount)
			continue
		}
		if !t.HasHumidity() {
			r.Humidity = 0
		}
		if !m.valid[i] || r != m.readings[i] {
			changed = true
		}
		m.readings[i] = r
		m.valid[i] = true
	}
	return changed
}

func (m *Manager) SensorType(i int) Type {
	if i < 0 || i >= NumSlots {
		return Digital
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[i]
}

func (m *Manager) Temperature(i int) float64 {
	if i < 0 || i >= NumSlots {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readings[i].Temperature
}

func (m *Manager) Humidity(i int) float64 {
	if i < 0 || i >= NumSlots {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readings[i].Humidity
}

// Status returns the state of every slot.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, NumSlots)
	for i := range out {
		out[i] = Status{
			Slot:        i,
			Type:        m.types[i],
			Valid:       m.valid[i],
			Temperature: m.readings[i].Temperature,
			Humidity:    m.readings[i].Humidity,
			LastRead:    m.lastRead[i],
		}
	}
	return out
}

// Errors returns the read error count and the last error message.
func (m *Manager) Errors() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errCount, m.lastErr
}
