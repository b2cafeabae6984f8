package controller

import (
	"context"
	"fmt"
	"time"

	"kc868-go-home/internal/automation"
	"kc868-go-home/internal/clock"
	"kc868-go-home/internal/hal"
	"kc868-go-home/internal/inputs"
	"kc868-go-home/internal/sensors"
)

// AnalogStatus is one analog channel.
type AnalogStatus struct {
	Raw     int     `json:"raw"`
	Voltage float64 `json:"voltage"`
	Percent float64 `json:"percent"`
}

// Status is a snapshot of the whole controller.
type Status struct {
	Time              time.Time                 `json:"time"`
	UptimeSeconds     int64                     `json:"uptime_seconds"`
	Relays            [hal.NumOutputs]bool      `json:"relays"`
	Inputs            [hal.NumInputs]bool       `json:"inputs"`
	HTInputs          [hal.NumDirectInputs]bool `json:"ht_inputs"`
	Analog            []AnalogStatus            `json:"analog"`
	Sensors           []sensors.Status          `json:"sensors"`
	InterruptsActive  bool                      `json:"interrupts_active"`
	Schedules         int                       `json:"schedules_enabled"`
	AnalogTriggers    int                       `json:"analog_triggers_enabled"`
	HardwareErrors    int                       `json:"hardware_errors"`
	LastHardwareError string                    `json:"last_hardware_error,omitempty"`
	SensorErrors      int                       `json:"sensor_errors"`
	LastRuleError     string                    `json:"last_rule_error,omitempty"`
}

// InputStates is the payload of an inputs event.
type InputStates struct {
	Inputs   [hal.NumInputs]bool       `json:"inputs"`
	HTInputs [hal.NumDirectInputs]bool `json:"ht_inputs"`
}

// ConfigChange is the payload of a config_changed event.
type ConfigChange struct {
	Kind string `json:"kind"` // "schedule", "analog_trigger", "interrupt" or "sensor"
	Slot int    `json:"slot"` // -1 for all slots
}

// Status returns the current controller state.
func (c *Controller) Status() Status {
	var s Status
	c.locked(func() { s = c.status() })
	return s
}

func (c *Controller) status() Status {
	in := c.inputStates()
	schedules, triggers := c.rules.EnabledCounts()
	sensorErrs, _ := c.sensors.Errors()
	s := Status{
		Time:              c.clock.Now(),
		Relays:            c.relays(),
		Inputs:            in.Inputs,
		HTInputs:          in.HTInputs,
		Analog:            c.analog(),
		Sensors:           c.sensors.Status(),
		InterruptsActive:  c.inputs.Active(),
		Schedules:         schedules,
		AnalogTriggers:    triggers,
		HardwareErrors:    c.board.ErrorCount(),
		LastHardwareError: c.board.LastError(),
		SensorErrors:      sensorErrs,
	}
	if !c.started.IsZero() {
		s.UptimeSeconds = int64(time.Since(c.started).Seconds())
	}
	if err := c.engine.LastError(); err != nil {
		s.LastRuleError = err.Error()
	}
	return s
}

func (c *Controller) relays() [hal.NumOutputs]bool {
	var r [hal.NumOutputs]bool
	for i := range r {
		r[i] = c.board.OutputState(i)
	}
	return r
}

func (c *Controller) inputStates() InputStates {
	var s InputStates
	for i := range s.Inputs {
		s.Inputs[i] = c.board.InputState(i)
	}
	for i := range s.HTInputs {
		s.HTInputs[i] = c.board.DirectInputState(i)
	}
	return s
}

func (c *Controller) analog() []AnalogStatus {
	out := make([]AnalogStatus, hal.NumAnalog)
	for i := range out {
		out[i] = AnalogStatus{
			Raw:     c.board.AnalogValue(i),
			Voltage: c.board.AnalogVoltage(i),
			Percent: c.board.AnalogPercent(i),
		}
	}
	return out
}

// Relays returns the staged relay states.
func (c *Controller) Relays() [hal.NumOutputs]bool {
	var r [hal.NumOutputs]bool
	c.locked(func() { r = c.relays() })
	return r
}

// SetRelay applies action to relay index i (0-15).
func (c *Controller) SetRelay(i int, action automation.Action) error {
	if i < 0 || i >= hal.NumOutputs {
		return fmt.Errorf("relay %d: %w", i+1, automation.ErrInvalid)
	}
	var err error
	c.locked(func() {
		err = c.act.Apply(automation.TargetSingle, uint16(i), action)
	})
	return err
}

// SetAllRelays switches every relay on or off in one commit.
func (c *Controller) SetAllRelays(on bool) error {
	var err error
	c.locked(func() {
		c.board.SetAllOutputs(on)
		if err = c.board.WriteOutputs(); err != nil {
			err = fmt.Errorf("commit outputs: %w", err)
		}
	})
	return err
}

// EvaluateInputSchedules runs a full input scan on demand and returns the
// number of actions dispatched.
func (c *Controller) EvaluateInputSchedules() int {
	var n int
	c.locked(func() { n = c.engine.CheckInputSchedules() })
	return n
}

// Schedules returns every schedule slot.
func (c *Controller) Schedules() []automation.Schedule {
	return c.rules.Schedules()
}

// Schedule returns schedule slot i.
func (c *Controller) Schedule(i int) (automation.Schedule, error) {
	return c.rules.Schedule(i)
}

// UpdateSchedule replaces schedule slot i.
func (c *Controller) UpdateSchedule(i int, s automation.Schedule) error {
	var err error
	c.locked(func() {
		if err = c.rules.UpdateSchedule(i, s); err == nil {
			c.queue(EventConfigChanged, ConfigChange{Kind: "schedule", Slot: i})
		}
	})
	return err
}

// DeleteSchedule disables schedule slot i.
func (c *Controller) DeleteSchedule(i int) error {
	var err error
	c.locked(func() {
		if err = c.rules.DeleteSchedule(i); err == nil {
			c.queue(EventConfigChanged, ConfigChange{Kind: "schedule", Slot: i})
		}
	})
	return err
}

// AnalogTriggers returns every analog trigger slot.
func (c *Controller) AnalogTriggers() []automation.AnalogTrigger {
	return c.rules.AnalogTriggers()
}

// AnalogTrigger returns analog trigger slot i.
func (c *Controller) AnalogTrigger(i int) (automation.AnalogTrigger, error) {
	return c.rules.AnalogTrigger(i)
}

// UpdateAnalogTrigger replaces analog trigger slot i.
func (c *Controller) UpdateAnalogTrigger(i int, a automation.AnalogTrigger) error {
	var err error
	c.locked(func() {
		if err = c.rules.UpdateAnalogTrigger(i, a); err == nil {
			c.queue(EventConfigChanged, ConfigChange{Kind: "analog_trigger", Slot: i})
		}
	})
	return err
}

// DeleteAnalogTrigger disables analog trigger slot i.
func (c *Controller) DeleteAnalogTrigger(i int) error {
	var err error
	c.locked(func() {
		if err = c.rules.DeleteAnalogTrigger(i); err == nil {
			c.queue(EventConfigChanged, ConfigChange{Kind: "analog_trigger", Slot: i})
		}
	})
	return err
}

// InputConfigs returns the dispatch config of every input.
func (c *Controller) InputConfigs() []inputs.Config {
	return c.inputs.Configs()
}

// UpdateInputConfig replaces the dispatch config of input i.
func (c *Controller) UpdateInputConfig(i int, cfg inputs.Config) error {
	var err error
	c.locked(func() {
		if err = c.inputs.UpdateConfig(i, cfg); err == nil {
			c.queue(EventConfigChanged, ConfigChange{Kind: "interrupt", Slot: i})
		}
	})
	return err
}

// EnableAllInputs switches dispatch for every input on or off.
func (c *Controller) EnableAllInputs(on bool) error {
	var err error
	c.locked(func() {
		if err = c.inputs.EnableAll(on); err == nil {
			c.queue(EventConfigChanged, ConfigChange{Kind: "interrupt", Slot: -1})
		}
	})
	return err
}

// Sensors returns the state of every HT sensor slot.
func (c *Controller) Sensors() []sensors.Status {
	return c.sensors.Status()
}

// UpdateSensorType changes what is attached to HT slot i.
func (c *Controller) UpdateSensorType(i int, t sensors.Type) error {
	var err error
	c.locked(func() {
		if err = c.sensors.UpdateType(i, t); err == nil {
			c.queue(EventConfigChanged, ConfigChange{Kind: "sensor", Slot: i})
		}
	})
	return err
}

// Time returns the clock status.
func (c *Controller) Time() clock.Status {
	return c.clock.Status()
}

// SetTime sets the wall clock manually.
func (c *Controller) SetTime(t time.Time) error {
	var err error
	c.locked(func() {
		if err = c.clock.Set(t); err == nil {
			c.logger.Info("time set manually", "time", t)
			c.queue(EventTimeSync, c.clock.Status())
		}
	})
	return err
}

// SyncTime queries the configured NTP servers once.
func (c *Controller) SyncTime(ctx context.Context) error {
	if err := c.clock.Sync(ctx); err != nil {
		return err
	}
	c.events.Emit(Event{Type: EventTimeSync, Data: c.clock.Status()})
	return nil
}
