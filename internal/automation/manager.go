package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"kc868-go-home/internal/store"
)

type schedulesRecord struct {
	Schedules []json.RawMessage `json:"schedules"`
}

type triggersRecord struct {
	Triggers []json.RawMessage `json:"triggers"`
}

// Manager is the rule store: fixed arrays of schedules and analog triggers,
// persisted as whole arrays after every change.
type Manager struct {
	store  store.Persister
	logger *slog.Logger

	mu        sync.RWMutex
	schedules [MaxSchedules]Schedule
	triggers  [MaxAnalogTriggers]AnalogTrigger
}

// NewManager creates a rule store with every slot at its default.
func NewManager(p store.Persister, logger *slog.Logger) *Manager {
	m := &Manager{
		store:  p,
		logger: logger.With("component", "rules"),
	}
	for i := range m.schedules {
		m.schedules[i] = DefaultSchedule(i)
	}
	for i := range m.triggers {
		m.triggers[i] = DefaultAnalogTrigger(i)
	}
	return m
}

// Load replaces the in-memory rules with the persisted ones. Missing or
// unreadable records leave defaults in place; a single invalid entry resets
// only its own slot.
func (m *Manager) Load() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.schedules {
		m.schedules[i] = DefaultSchedule(i)
	}
	for i := range m.triggers {
		m.triggers[i] = DefaultAnalogTrigger(i)
	}

	var sr schedulesRecord
	if m.loadRecord(store.KeySchedules, &sr) {
		for i, raw := range sr.Schedules {
			if i >= MaxSchedules {
				m.logger.Warn("ignoring extra schedules", "count", len(sr.Schedules))
				break
			}
			s := DefaultSchedule(i)
			if err := json.Unmarshal(raw, &s); err != nil {
				m.logger.Warn("schedule reset to default", "slot", i, "err", err)
				continue
			}
			if err := s.Validate(); err != nil {
				m.logger.Warn("schedule reset to default", "slot", i, "err", err)
				continue
			}
			m.schedules[i] = s
		}
	}

	var tr triggersRecord
	if m.loadRecord(store.KeyAnalogTriggers, &tr) {
		for i, raw := range tr.Triggers {
			if i >= MaxAnalogTriggers {
				m.logger.Warn("ignoring extra analog triggers", "count", len(tr.Triggers))
				break
			}
			a := DefaultAnalogTrigger(i)
			if err := json.Unmarshal(raw, &a); err != nil {
				m.logger.Warn("analog trigger reset to default", "slot", i, "err", err)
				continue
			}
			if err := a.Validate(); err != nil {
				m.logger.Warn("analog trigger reset to default", "slot", i, "err", err)
				continue
			}
			m.triggers[i] = a
		}
	}
}

func (m *Manager) loadRecord(key string, v any) bool {
	data, err := m.store.Load(key)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Info("no stored record, using defaults", "key", key)
		return false
	}
	if err != nil {
		m.logger.Warn("load record failed, using defaults", "key", key, "err", err)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		m.logger.Warn("corrupt record, using defaults", "key", key, "err", err)
		return false
	}
	return true
}

// SaveSchedules persists the whole schedule array.
func (m *Manager) SaveSchedules() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveSchedules()
}

// SaveAnalogTriggers persists the whole analog trigger array.
func (m *Manager) SaveAnalogTriggers() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveTriggers()
}

func (m *Manager) saveSchedules() error {
	data, err := json.Marshal(struct {
		Schedules []Schedule `json:"schedules"`
	}{m.schedules[:]})
	if err != nil {
		return fmt.Errorf("marshal schedules: %w", err)
	}
	if err := m.store.Save(store.KeySchedules, data); err != nil {
		return fmt.Errorf("save schedules: %w", err)
	}
	return nil
}

func (m *Manager) saveTriggers() error {
	data, err := json.Marshal(struct {
		Triggers []AnalogTrigger `json:"triggers"`
	}{m.triggers[:]})
	if err != nil {
		return fmt.Errorf("marshal analog triggers: %w", err)
	}
	if err := m.store.Save(store.KeyAnalogTriggers, data); err != nil {
		return fmt.Errorf("save analog triggers: %w", err)
	}
	return nil
}

// Schedule returns a copy of slot i.
func (m *Manager) Schedule(i int) (Schedule, error) {
	if i < 0 || i >= MaxSchedules {
		return Schedule{}, fmt.Errorf("schedule %d: %w", i, ErrInvalid)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.schedules[i], nil
}

// Schedules returns a copy of every slot.
func (m *Manager) Schedules() []Schedule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Schedule, MaxSchedules)
	copy(out, m.schedules[:])
	return out
}

// UpdateSchedule validates s, stores it in slot i and persists the array.
// On a persistence failure the slot keeps its previous content.
func (m *Manager) UpdateSchedule(i int, s Schedule) error {
	if i < 0 || i >= MaxSchedules {
		return fmt.Errorf("schedule %d: %w", i, ErrInvalid)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.schedules[i]
	m.schedules[i] = s
	if err := m.saveSchedules(); err != nil {
		m.schedules[i] = prev
		return err
	}
	m.logger.Info("schedule updated", "slot", i, "name", s.Name, "enabled", s.Enabled, "trigger", s.TriggerType)
	return nil
}

// DeleteSchedule frees slot i by disabling it.
func (m *Manager) DeleteSchedule(i int) error {
	s, err := m.Schedule(i)
	if err != nil {
		return err
	}
	s.Enabled = false
	return m.UpdateSchedule(i, s)
}

// AnalogTrigger returns a copy of trigger slot i.
func (m *Manager) AnalogTrigger(i int) (AnalogTrigger, error) {
	if i < 0 || i >= MaxAnalogTriggers {
		return AnalogTrigger{}, fmt.Errorf("analog trigger %d: %w", i, ErrInvalid)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.triggers[i], nil
}

// AnalogTriggers returns a copy of every trigger slot.
func (m *Manager) AnalogTriggers() []AnalogTrigger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AnalogTrigger, MaxAnalogTriggers)
	copy(out, m.triggers[:])
	return out
}

// UpdateAnalogTrigger validates a, stores it in slot i and persists the array.
func (m *Manager) UpdateAnalogTrigger(i int, a AnalogTrigger) error {
	if i < 0 || i >= MaxAnalogTriggers {
		return fmt.Errorf("analog trigger %d: %w", i, ErrInvalid)
	}
	if err := a.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.triggers[i]
	m.triggers[i] = a
	if err := m.saveTriggers(); err != nil {
		m.triggers[i] = prev
		return err
	}
	m.logger.Info("analog trigger updated", "slot", i, "name", a.Name, "enabled", a.Enabled)
	return nil
}

// DeleteAnalogTrigger frees trigger slot i by disabling it.
func (m *Manager) DeleteAnalogTrigger(i int) error {
	a, err := m.AnalogTrigger(i)
	if err != nil {
		return err
	}
	a.Enabled = false
	return m.UpdateAnalogTrigger(i, a)
}

// ForEachSchedule calls fn for every slot under the read lock. fn must not
// call back into the Manager.
func (m *Manager) ForEachSchedule(fn func(i int, s *Schedule)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.schedules {
		fn(i, &m.schedules[i])
	}
}

// ForEachAnalogTrigger calls fn for every trigger slot under the read lock.
func (m *Manager) ForEachAnalogTrigger(fn func(i int, a *AnalogTrigger)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.triggers {
		fn(i, &m.triggers[i])
	}
}

// EnabledCounts returns the number of enabled schedules and analog triggers.
func (m *Manager) EnabledCounts() (schedules, triggers int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.schedules {
		if m.schedules[i].Enabled {
			schedules++
		}
	}
	for i := range m.triggers {
		if m.triggers[i].Enabled {
			triggers++
		}
	}
	return schedules, triggers
}
