package automation

import (
	"fmt"
	"log/slog"
	"time"

	"kc868-go-home/internal/hal"
	"kc868-go-home/internal/sensors"
)

// Evaluation paths, reported in Firing.Path.
const (
	PathTime        = "time"
	PathInputScan   = "input_scan"
	PathInputChange = "input_change"
	PathAnalog      = "analog"
)

// Board is the hardware the engine reads and drives.
type Board interface {
	hal.Outputs
	hal.Inputs
	hal.Analog
}

// Sensors exposes the latest HT sensor readings.
type Sensors interface {
	SensorType(i int) sensors.Type
	Temperature(i int) float64
	Humidity(i int) float64
}

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}

// Firing describes one dispatched rule action.
type Firing struct {
	Rule       string     `json:"rule"` // "schedule" or "analog_trigger"
	Slot       int        `json:"slot"`
	Name       string     `json:"name"`
	Path       string     `json:"path"`
	TargetType TargetType `json:"target_type"`
	Target     uint16     `json:"target"`
	Action     Action     `json:"action"`
	Time       time.Time  `json:"time"`

	// Reason is the condition that matched, with the values it saw.
	Reason  string `json:"reason"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

type dispatch struct {
	rule   string
	slot   int
	name   string
	reason string
	tt     TargetType
	target uint16
	action Action
}

// Engine evaluates the rule store against the current board state and
// dispatches matching actions. Engine is not safe for concurrent use; the
// caller serializes every Check call with any other board access.
type Engine struct {
	rules   *Manager
	board   Board
	act     *Actuator
	sensors Sensors
	clock   Clock
	logger  *slog.Logger
	notify  func(Firing)

	// lastFired holds, per schedule slot, the minute (unix seconds) the time
	// pass last fired it. Zero means never.
	lastFired [MaxSchedules]int64
	lastErr   error
}

// NewEngine creates an evaluation engine.
func NewEngine(rules *Manager, board Board, sens Sensors, clock Clock, logger *slog.Logger) *Engine {
	return &Engine{
		rules:   rules,
		board:   board,
		act:     NewActuator(board),
		sensors: sens,
		clock:   clock,
		logger:  logger.With("component", "engine"),
	}
}

// OnFire registers the notification sink for dispatched actions.
func (e *Engine) OnFire(fn func(Firing)) {
	e.notify = fn
}

// LastError returns the most recent dispatch failure, or nil.
func (e *Engine) LastError() error {
	return e.lastErr
}

// Snapshot captures the state every pass evaluates against.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Inputs: hal.InputMask(e.board),
		Time:   e.clock.Now(),
	}
	for i := 0; i < hal.NumDirectInputs; i++ {
		snap.SensorTypes[i] = e.sensors.SensorType(i)
		snap.Temperature[i] = e.sensors.Temperature(i)
		snap.Humidity[i] = e.sensors.Humidity(i)
	}
	for i := 0; i < hal.NumAnalog; i++ {
		snap.Analog[i] = e.board.AnalogValue(i)
	}
	return snap
}

// CheckSchedules runs the time pass. Time schedules fire on their minute
// within the first seconds of it, at most once per minute. Combined schedules
// evaluate their input condition at that point. It returns the number of
// actions dispatched.
func (e *Engine) CheckSchedules() int {
	snap := e.Snapshot()
	if !inTimeWindow(snap.Time) {
		return 0
	}
	minute := snap.Time.Truncate(time.Minute).Unix()

	var pending []dispatch
	e.rules.ForEachSchedule(func(i int, s *Schedule) {
		if !s.Enabled || !s.TriggerType.usesTime() {
			return
		}
		if e.lastFired[i] == minute || !matchDayTime(s.Days, s.Hour, s.Minute, snap.Time) {
			return
		}
		var out []dispatch
		if s.TriggerType == TriggerTime {
			out = []dispatch{scheduleDispatch(i, s, s.TargetID, timeReason(s, snap.Time))}
		} else {
			out = e.evalInputSchedule(i, s, &snap)
		}
		if len(out) > 0 {
			e.lastFired[i] = minute
			pending = append(pending, out...)
		}
	})
	return e.run(pending, PathTime, snap.Time)
}

// CheckInputSchedules runs the full input scan over input, combined and
// sensor schedules.
func (e *Engine) CheckInputSchedules() int {
	snap := e.Snapshot()

	var pending []dispatch
	e.rules.ForEachSchedule(func(i int, s *Schedule) {
		if !s.Enabled {
			return
		}
		switch s.TriggerType {
		case TriggerInput, TriggerCombined:
			pending = append(pending, e.evalInputSchedule(i, s, &snap)...)
		case TriggerSensor:
			match, ok := evalSensor(s, &snap)
			if !ok {
				return
			}
			var high, low uint32
			if match {
				high = 1
			} else {
				low = 1
			}
			pending = append(pending, splitTargets(i, s, high, low, sensorReason(s, &snap, match))...)
		}
	})
	return e.run(pending, PathInputScan, snap.Time)
}

// CheckInputChange evaluates the input and combined schedules that watch
// input index, which just changed to state.
func (e *Engine) CheckInputChange(index int, state bool) int {
	if index < 0 || index >= hal.InputBits {
		return 0
	}
	snap := e.Snapshot()
	bit := uint32(1) << index

	e.logger.Debug("input changed", "input", index, "state", state)

	var pending []dispatch
	e.rules.ForEachSchedule(func(i int, s *Schedule) {
		if !s.Enabled || !s.TriggerType.usesInputs() || s.InputMask&bit == 0 {
			return
		}
		pending = append(pending, e.evalInputSchedule(i, s, &snap)...)
	})
	return e.run(pending, PathInputChange, snap.Time)
}

// CheckAnalogTriggers evaluates every enabled analog trigger. The caller runs
// a full input scan when the result is non-zero.
func (e *Engine) CheckAnalogTriggers() int {
	snap := e.Snapshot()

	var pending []dispatch
	e.rules.ForEachAnalogTrigger(func(i int, a *AnalogTrigger) {
		if !a.Enabled || !evalAnalog(a, &snap) {
			return
		}
		pending = append(pending, dispatch{
			rule:   "analog_trigger",
			slot:   i,
			name:   a.Name,
			reason: fmt.Sprintf("analog %d = %d %s %d", a.AnalogInput+1, snap.Analog[a.AnalogInput], a.Condition, a.Threshold),
			tt:     a.TargetType,
			target: a.TargetID,
			action: a.Action,
		})
	})
	return e.run(pending, PathAnalog, snap.Time)
}

// evalInputSchedule evaluates the (optionally time gated) input condition of
// an input or combined schedule.
func (e *Engine) evalInputSchedule(i int, s *Schedule, snap *Snapshot) []dispatch {
	if s.InputMask == 0 {
		return nil
	}
	if s.TriggerType == TriggerCombined && !matchDayTime(s.Days, s.Hour, s.Minute, snap.Time) {
		return nil
	}
	match, high, low := evalInputs(s.InputMask, s.InputStates, snap.Inputs, s.Logic)
	if !match {
		return nil
	}
	reason := fmt.Sprintf("inputs 0x%05x want 0x%05x mask 0x%05x (%s)",
		snap.Inputs&s.InputMask, s.InputStates&s.InputMask, s.InputMask, s.Logic)
	if s.TriggerType == TriggerCombined {
		reason = timeReason(s, snap.Time) + ", " + reason
	}
	return splitTargets(i, s, high, low, reason)
}

// splitTargets applies the dual-target rule: the primary target when any
// matching input is high, the low target when any is low. A zero target id
// means no target.
func splitTargets(i int, s *Schedule, high, low uint32, reason string) []dispatch {
	var out []dispatch
	if high != 0 && s.TargetID > 0 {
		out = append(out, scheduleDispatch(i, s, s.TargetID, reason+", high side"))
	}
	if low != 0 && s.TargetIDLow > 0 {
		out = append(out, scheduleDispatch(i, s, s.TargetIDLow, reason+", low side"))
	}
	return out
}

func timeReason(s *Schedule, t time.Time) string {
	return fmt.Sprintf("time %02d:%02d %s", s.Hour, s.Minute, t.Weekday())
}

func sensorReason(s *Schedule, snap *Snapshot, match bool) string {
	v := snap.Temperature[s.SensorIndex]
	if s.SensorTrigger == SensorHumidity {
		v = snap.Humidity[s.SensorIndex]
	}
	verdict := "true"
	if !match {
		verdict = "false"
	}
	return fmt.Sprintf("HT%d %s %.1f %s %.1f is %s", s.SensorIndex+1, s.SensorTrigger, v, s.SensorCondition, s.SensorThreshold, verdict)
}

func scheduleDispatch(i int, s *Schedule, target uint16, reason string) dispatch {
	return dispatch{
		rule:   "schedule",
		slot:   i,
		name:   s.Name,
		reason: reason,
		tt:     s.TargetType,
		target: target,
		action: s.Action,
	}
}

func (e *Engine) run(pending []dispatch, path string, now time.Time) int {
	for _, d := range pending {
		f := Firing{
			Rule:       d.rule,
			Slot:       d.slot,
			Name:       d.name,
			Path:       path,
			Reason:     d.reason,
			TargetType: d.tt,
			Target:     d.target,
			Action:     d.action,
			Time:       now,
		}
		if err := e.act.Apply(d.tt, d.target, d.action); err != nil {
			e.lastErr = err
			f.Error = err.Error()
			e.logger.Error("rule action failed", "rule", d.rule, "slot", d.slot, "name", d.name, "err", err)
		} else {
			e.logger.Info("rule fired", "rule", d.rule, "slot", d.slot, "name", d.name, "path", path,
				"reason", d.reason, "target", d.target, "action", d.action)
		}
		f.Message = f.describe()
		if e.notify != nil {
			e.notify(f)
		}
	}
	return len(pending)
}

func (f Firing) describe() string {
	var target string
	if f.TargetType == TargetSingle {
		target = fmt.Sprintf("relay %d", f.Target+1)
	} else {
		target = fmt.Sprintf("relays 0x%04x", f.Target)
	}
	msg := fmt.Sprintf("%s %d %q (%s): %s -> %s %s", f.Rule, f.Slot, f.Name, f.Path, f.Reason, target, f.Action)
	if f.Error != "" {
		msg += " failed: " + f.Error
	}
	return msg
}
