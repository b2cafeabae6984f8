// Package controller runs the board's control loop and serializes every
// evaluation and every external change behind one lock.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kc868-go-home/internal/automation"
	"kc868-go-home/internal/clock"
	"kc868-go-home/internal/hal"
	"kc868-go-home/internal/inputs"
	"kc868-go-home/internal/sensors"
	"kc868-go-home/internal/store"
)

// Board is the hardware driven by the controller.
type Board interface {
	automation.Board
	hal.InputReader
	Init() error
	SetAllOutputs(on bool)
	OutputMask() uint16
	ReadAnalog() (bool, error)
	AnalogVoltage(i int) float64
	AnalogPercent(i int) float64
	ErrorCount() int
	LastError() string
}

// Clock is the time source.
type Clock interface {
	Now() time.Time
	Sync(ctx context.Context) error
	Set(t time.Time) error
	Status() clock.Status
}

// Config holds the loop timings. Zero fields take the defaults.
type Config struct {
	Tick              time.Duration
	InputInterval     time.Duration
	AnalogInterval    time.Duration
	SensorInterval    time.Duration
	ScheduleInterval  time.Duration
	BroadcastInterval time.Duration
	// NTPInterval is the resync period; zero disables periodic sync.
	NTPInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Tick <= 0 {
		c.Tick = 10 * time.Millisecond
	}
	if c.InputInterval <= 0 {
		c.InputInterval = 100 * time.Millisecond
	}
	if c.AnalogInterval <= 0 {
		c.AnalogInterval = 100 * time.Millisecond
	}
	if c.SensorInterval <= 0 {
		c.SensorInterval = time.Second
	}
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = time.Second
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = time.Second
	}
}

// Controller owns the rule store, the engine and the input dispatcher and
// drives them from a single loop.
type Controller struct {
	cfg     Config
	board   Board
	rules   *automation.Manager
	engine  *automation.Engine
	act     *automation.Actuator
	inputs  *inputs.Manager
	sensors *sensors.Manager
	clock   Clock
	events  *EventBus
	logger  *slog.Logger

	// mu guards every field below and every call into board, rules, engine
	// and inputs.
	mu        sync.Mutex
	pending   []Event
	started   time.Time
	lastInput time.Time
	lastAna   time.Time
	lastSens  time.Time
	lastSched time.Time
	lastBcast time.Time
	inMask    uint32
	outMask   uint16
}

// New wires a Controller. Call Start before Run.
func New(cfg Config, board Board, st store.Persister, sens *sensors.Manager, clk Clock, events *EventBus, logger *slog.Logger) *Controller {
	cfg.setDefaults()
	c := &Controller{
		cfg:     cfg,
		board:   board,
		act:     automation.NewActuator(board),
		sensors: sens,
		clock:   clk,
		events:  events,
		logger:  logger.With("component", "controller"),
	}
	c.rules = automation.NewManager(st, logger)
	c.engine = automation.NewEngine(c.rules, board, sens, clk, logger)
	c.engine.OnFire(c.onFire)
	c.inputs = inputs.NewManager(board, st, c.onInput, logger)
	return c
}

// Events returns the controller's event bus.
func (c *Controller) Events() *EventBus {
	return c.events
}

// onInput runs inside a dispatcher pass, with mu held.
func (c *Controller) onInput(index int, state bool) {
	c.engine.CheckInputChange(index, state)
}

// onFire runs inside an engine pass, with mu held.
func (c *Controller) onFire(f automation.Firing) {
	c.queue(EventRuleFired, f)
	if f.Error != "" {
		c.queue(EventOutputError, f)
	}
}

func (c *Controller) queue(typ string, data any) {
	c.pending = append(c.pending, Event{Type: typ, Data: data})
}

// locked runs fn under mu, then emits the events fn queued. Handlers
// therefore never run with mu held and may call back into the Controller.
func (c *Controller) locked(fn func()) {
	c.mu.Lock()
	fn()
	c.trackChanges()
	events := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, e := range events {
		c.events.Emit(e)
	}
}

// trackChanges queues outputs/inputs events when the board state moved.
func (c *Controller) trackChanges() {
	if m := c.board.OutputMask(); m != c.outMask {
		c.outMask = m
		c.queue(EventOutputs, c.relays())
	}
	if m := hal.InputMask(c.board); m != c.inMask {
		c.inMask = m
		c.queue(EventInputs, c.inputStates())
	}
}

// Start restores persisted state, drives every relay off and takes the
// initial input and analog readings.
func (c *Controller) Start() error {
	var err error
	c.locked(func() {
		c.rules.Load()
		c.inputs.Load()
		c.sensors.Load()
		c.started = time.Now()

		if err = c.board.Init(); err != nil {
			err = fmt.Errorf("init board: %w", err)
			return
		}
		if _, rerr := c.board.ReadInputs(); rerr != nil {
			c.logger.Warn("initial input read", "err", rerr)
		}
		if _, rerr := c.board.ReadAnalog(); rerr != nil {
			c.logger.Warn("initial analog read", "err", rerr)
		}
		schedules, triggers := c.rules.EnabledCounts()
		c.logger.Info("controller started",
			"schedules", schedules, "analog_triggers", triggers, "interrupts", c.inputs.Active())
	})
	return err
}

// Run drives the loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c.cfg.NTPInterval > 0 {
		go c.syncLoop(ctx)
	}

	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("controller stopped")
			return
		case now := <-ticker.C:
			c.Tick(now)
		}
	}
}

// syncLoop keeps the clock synchronized. It runs outside the loop lock.
func (c *Controller) syncLoop(ctx context.Context) {
	for {
		if err := c.clock.Sync(ctx); err == nil {
			c.events.Emit(Event{Type: EventTimeSync, Data: c.clock.Status()})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.NTPInterval):
		}
	}
}

// Tick runs one loop iteration at monotonic time now.
func (c *Controller) Tick(now time.Time) {
	c.locked(func() { c.tick(now) })
}

func (c *Controller) tick(now time.Time) {
	active := c.inputs.Active()
	if active {
		if _, err := c.inputs.ProcessInterrupts(); err != nil {
			c.logger.Debug("interrupt pass", "err", err)
		}
	}
	if _, err := c.inputs.PollNonInterrupt(now); err != nil {
		c.logger.Debug("input poll", "err", err)
	}
	if !active && due(now, &c.lastInput, c.cfg.InputInterval) {
		if _, err := c.board.ReadInputs(); err != nil {
			c.logger.Debug("input read", "err", err)
		}
	}

	if due(now, &c.lastSens, c.cfg.SensorInterval) {
		if c.sensors.ReadAll(now) {
			c.queue(EventSensors, c.sensors.Status())
		}
	}

	if due(now, &c.lastAna, c.cfg.AnalogInterval) {
		changed, err := c.board.ReadAnalog()
		if err != nil {
			c.logger.Debug("analog read", "err", err)
		}
		if changed {
			c.queue(EventAnalog, c.analog())
			if c.engine.CheckAnalogTriggers() > 0 {
				c.engine.CheckInputSchedules()
			}
		}
	}

	if due(now, &c.lastSched, c.cfg.ScheduleInterval) {
		c.engine.CheckSchedules()
	}

	if due(now, &c.lastBcast, c.cfg.BroadcastInterval) {
		c.queue(EventStatus, c.status())
	}
}

// due reports whether interval has elapsed since *last and, if so, advances it.
func due(now time.Time, last *time.Time, interval time.Duration) bool {
	if !last.IsZero() && now.Sub(*last) < interval {
		return false
	}
	*last = now
	return true
}
