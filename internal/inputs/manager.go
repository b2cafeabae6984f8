package inputs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kc868-go-home/internal/hal"
	"kc868-go-home/internal/store"
)

// PollInterval is the minimum time between two polls of priority-none inputs.
const PollInterval = 20 * time.Millisecond

// Handler receives a dispatched input and its current state. It runs
// synchronously: any action it takes is committed before the next input is
// dispatched.
type Handler func(index int, state bool)

var dispatchOrder = [...]Priority{PriorityHigh, PriorityMedium, PriorityLow}

// Manager owns the input configs and runs the priority dispatcher.
type Manager struct {
	reader  hal.InputReader
	sampler *Sampler
	store   store.Persister
	handler Handler
	logger  *slog.Logger

	mu       sync.RWMutex
	configs  [NumConfigs]Config
	pending  [NumConfigs]bool
	lastPoll time.Time
}

// NewManager creates a Manager with every input at its default config.
func NewManager(r hal.InputReader, p store.Persister, handler Handler, logger *slog.Logger) *Manager {
	m := &Manager{
		reader:  r,
		sampler: NewSampler(r),
		store:   p,
		handler: handler,
		logger:  logger.With("component", "inputs"),
	}
	for i := range m.configs {
		m.configs[i] = DefaultConfig(i)
	}
	return m
}

// Load restores the persisted configs. Missing or invalid records leave
// defaults in place.
func (m *Manager) Load() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.configs {
		m.configs[i] = DefaultConfig(i)
	}
	m.pending = [NumConfigs]bool{}

	data, err := m.store.Load(store.KeyInterrupts)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Info("no stored input configs, using defaults")
		return
	}
	if err != nil {
		m.logger.Warn("load input configs failed, using defaults", "err", err)
		return
	}
	var rec struct {
		Interrupts []json.RawMessage `json:"interrupts"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		m.logger.Warn("corrupt input configs, using defaults", "err", err)
		return
	}
	for i, raw := range rec.Interrupts {
		if i >= NumConfigs {
			break
		}
		c := DefaultConfig(i)
		if err := json.Unmarshal(raw, &c); err != nil {
			m.logger.Warn("input config reset to default", "input", i, "err", err)
			continue
		}
		if err := c.Validate(); err != nil {
			m.logger.Warn("input config reset to default", "input", i, "err", err)
			continue
		}
		m.configs[i] = c
	}
	m.logger.Info("input configs loaded", "active", m.active())
}

func (m *Manager) save() error {
	data, err := json.Marshal(struct {
		Interrupts []Config `json:"interrupts"`
	}{m.configs[:]})
	if err != nil {
		return fmt.Errorf("marshal input configs: %w", err)
	}
	if err := m.store.Save(store.KeyInterrupts, data); err != nil {
		return fmt.Errorf("save input configs: %w", err)
	}
	return nil
}

// Config returns the config of input i.
func (m *Manager) Config(i int) (Config, error) {
	if i < 0 || i >= NumConfigs {
		return Config{}, fmt.Errorf("input %d: %w", i, ErrInvalid)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configs[i], nil
}

// Configs returns a copy of every config.
func (m *Manager) Configs() []Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Config, NumConfigs)
	copy(out, m.configs[:])
	return out
}

// UpdateConfig replaces the config of input i and persists all configs.
func (m *Manager) UpdateConfig(i int, c Config) error {
	if i < 0 || i >= NumConfigs {
		return fmt.Errorf("input %d: %w", i, ErrInvalid)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(func() { m.configs[i] = c })
}

// Enable switches dispatch for input i on or off.
func (m *Manager) Enable(i int, on bool) error {
	if i < 0 || i >= NumConfigs {
		return fmt.Errorf("input %d: %w", i, ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(func() { m.configs[i].Enabled = on })
}

// EnableAll switches dispatch for every input on or off.
func (m *Manager) EnableAll(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(func() {
		for i := range m.configs {
			m.configs[i].Enabled = on
		}
	})
}

// apply runs change, persists, and rolls back if persisting fails. Pending
// flags are dropped since they were classified under the old configs. The
// sampler stops while the dispatcher is inactive, so its history is stale
// when dispatch comes back and the next sample starts a new baseline.
func (m *Manager) apply(change func()) error {
	prev := m.configs
	wasActive := m.active()
	change()
	if err := m.save(); err != nil {
		m.configs = prev
		return err
	}
	m.pending = [NumConfigs]bool{}
	if !wasActive && m.active() {
		m.sampler.Reset()
	}
	m.logger.Info("input configs updated", "active", m.active())
	return nil
}

// Active reports whether the interrupt dispatcher has anything to do: at
// least one enabled input with a priority.
func (m *Manager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active()
}

func (m *Manager) active() bool {
	for _, c := range m.configs {
		if c.Enabled && c.Priority != PriorityNone {
			return true
		}
	}
	return false
}

// ProcessInterrupts samples the inputs once, flags every input whose trigger
// fired and dispatches the flagged inputs high priority first. It returns the
// number of dispatched inputs.
func (m *Manager) ProcessInterrupts() (int, error) {
	m.mu.Lock()
	if !m.active() {
		m.mu.Unlock()
		return 0, nil
	}
	frame, err := m.sampler.Sample()
	if err != nil {
		m.logger.Debug("input sample incomplete", "err", err)
	}
	m.classify(frame)

	// Drain the flags in tier order. The handler runs without the config lock
	// so it may read configs.
	var batch []int
	for _, p := range dispatchOrder {
		for i := range m.configs {
			if m.pending[i] && m.configs[i].Priority == p {
				m.pending[i] = false
				batch = append(batch, i)
			}
		}
	}
	for i := range m.pending {
		m.pending[i] = false
	}
	m.mu.Unlock()

	for _, i := range batch {
		m.dispatch(i, frame.State(i))
	}
	return len(batch), err
}

// classify sets the pending flag of every enabled, prioritized input whose
// trigger matches the frame. Edge triggers need history and are skipped on
// the baseline frame.
func (m *Manager) classify(f Frame) {
	for i, c := range m.configs {
		if !c.Enabled || c.Priority == PriorityNone {
			continue
		}
		if f.Baseline && c.Trigger.edge() {
			continue
		}
		prev := f.Prev&(1<<i) != 0
		if ShouldDispatch(c.Trigger, prev, f.State(i)) {
			m.pending[i] = true
		}
	}
}

// PollNonInterrupt handles inputs without a priority. At most once per
// PollInterval it reads the inputs and dispatches every priority-none input
// that is active. Without such inputs it returns without touching hardware.
func (m *Manager) PollNonInterrupt(now time.Time) (int, error) {
	m.mu.Lock()
	if !m.lastPoll.IsZero() && now.Sub(m.lastPoll) < PollInterval {
		m.mu.Unlock()
		return 0, nil
	}
	m.lastPoll = now

	var polled []int
	for i, c := range m.configs {
		if c.Priority == PriorityNone {
			polled = append(polled, i)
		}
	}
	m.mu.Unlock()

	if len(polled) == 0 {
		return 0, nil
	}
	_, err := m.reader.ReadInputs()
	n := 0
	for _, i := range polled {
		if m.reader.InputState(i) {
			m.dispatch(i, true)
			n++
		}
	}
	return n, err
}

func (m *Manager) dispatch(i int, state bool) {
	m.logger.Debug("input dispatched", "input", i+1, "state", state)
	if m.handler != nil {
		m.handler(i, state)
	}
}
