package automation

import (
	"errors"
	"fmt"
	"math"

	"kc868-go-home/internal/hal"
)

// Rule store capacities.
const (
	MaxSchedules      = 30
	MaxAnalogTriggers = 16

	// MaxNameLen is the longest rule name accepted, in bytes.
	MaxNameLen = 31
)

// DefaultSensorThreshold is the threshold of a fresh schedule slot.
const DefaultSensorThreshold = 25.0

// DefaultAnalogThreshold is the threshold of a fresh analog trigger slot.
const DefaultAnalogThreshold = 2048

// ErrInvalid is returned for out-of-range rule fields or slot indexes.
var ErrInvalid = errors.New("invalid rule")

// TriggerType selects which condition family a schedule evaluates.
type TriggerType uint8

const (
	TriggerTime TriggerType = iota
	TriggerInput
	TriggerCombined
	TriggerSensor
)

var triggerTypeNames = []string{"time", "input", "combined", "sensor"}

func (t TriggerType) String() string { return enumString(triggerTypeNames, uint8(t)) }
func (t TriggerType) MarshalText() ([]byte, error) {
	return marshalEnum(triggerTypeNames, "trigger type", uint8(t))
}
func (t *TriggerType) UnmarshalText(b []byte) error {
	return unmarshalEnum(triggerTypeNames, "trigger type", b, (*uint8)(t))
}

// usesTime reports whether the day/hour/minute fields apply.
func (t TriggerType) usesTime() bool { return t == TriggerTime || t == TriggerCombined }

// usesInputs reports whether the input mask fields apply.
func (t TriggerType) usesInputs() bool { return t == TriggerInput || t == TriggerCombined }

// Logic combines the per-bit input comparisons.
type Logic uint8

const (
	LogicAnd Logic = iota
	LogicOr
)

var logicNames = []string{"and", "or"}

func (l Logic) String() string { return enumString(logicNames, uint8(l)) }
func (l Logic) MarshalText() ([]byte, error) {
	return marshalEnum(logicNames, "logic", uint8(l))
}
func (l *Logic) UnmarshalText(b []byte) error {
	return unmarshalEnum(logicNames, "logic", b, (*uint8)(l))
}

// Action is applied to every targeted relay.
type Action uint8

const (
	ActionOff Action = iota
	ActionOn
	ActionToggle
)

var actionNames = []string{"off", "on", "toggle"}

func (a Action) String() string { return enumString(actionNames, uint8(a)) }
func (a Action) MarshalText() ([]byte, error) {
	return marshalEnum(actionNames, "action", uint8(a))
}
func (a *Action) UnmarshalText(b []byte) error {
	return unmarshalEnum(actionNames, "action", b, (*uint8)(a))
}

// TargetType selects how a target id is interpreted: a relay index (0-15)
// or a 16-bit relay mask.
type TargetType uint8

const (
	TargetSingle TargetType = iota
	TargetBitmask
)

var targetTypeNames = []string{"single", "bitmask"}

func (t TargetType) String() string { return enumString(targetTypeNames, uint8(t)) }
func (t TargetType) MarshalText() ([]byte, error) {
	return marshalEnum(targetTypeNames, "target type", uint8(t))
}
func (t *TargetType) UnmarshalText(b []byte) error {
	return unmarshalEnum(targetTypeNames, "target type", b, (*uint8)(t))
}

// SensorTrigger selects the measured quantity of a sensor schedule.
type SensorTrigger uint8

const (
	SensorTemperature SensorTrigger = iota
	SensorHumidity
)

var sensorTriggerNames = []string{"temperature", "humidity"}

func (s SensorTrigger) String() string { return enumString(sensorTriggerNames, uint8(s)) }
func (s SensorTrigger) MarshalText() ([]byte, error) {
	return marshalEnum(sensorTriggerNames, "sensor trigger", uint8(s))
}
func (s *SensorTrigger) UnmarshalText(b []byte) error {
	return unmarshalEnum(sensorTriggerNames, "sensor trigger", b, (*uint8)(s))
}

// Condition compares a reading against a threshold.
type Condition uint8

const (
	CondAbove Condition = iota
	CondBelow
	CondEqual
)

var conditionNames = []string{"above", "below", "equal"}

func (c Condition) String() string { return enumString(conditionNames, uint8(c)) }
func (c Condition) MarshalText() ([]byte, error) {
	return marshalEnum(conditionNames, "condition", uint8(c))
}
func (c *Condition) UnmarshalText(b []byte) error {
	return unmarshalEnum(conditionNames, "condition", b, (*uint8)(c))
}

func enumString(names []string, v uint8) string {
	if int(v) < len(names) {
		return names[v]
	}
	return fmt.Sprintf("unknown(%d)", v)
}

func marshalEnum(names []string, kind string, v uint8) ([]byte, error) {
	if int(v) >= len(names) {
		return nil, fmt.Errorf("%s %d: %w", kind, v, ErrInvalid)
	}
	return []byte(names[v]), nil
}

func unmarshalEnum(names []string, kind string, b []byte, dst *uint8) error {
	for i, n := range names {
		if string(b) == n {
			*dst = uint8(i)
			return nil
		}
	}
	return fmt.Errorf("%s %q: %w", kind, b, ErrInvalid)
}

// Schedule is one rule slot. The slot index is its identity; a disabled
// slot is free.
//
// Day and time fields apply to time and combined schedules, the input
// fields to input and combined schedules, the sensor fields to sensor
// schedules only.
type Schedule struct {
	Enabled     bool        `json:"enabled"`
	Name        string      `json:"name"`
	TriggerType TriggerType `json:"trigger_type"`

	Days   uint8 `json:"days"` // bit 0 = Sunday
	Hour   uint8 `json:"hour"`
	Minute uint8 `json:"minute"`

	InputMask   uint32 `json:"input_mask"`   // bits 0-15 inputs, 16-18 HT1-HT3
	InputStates uint32 `json:"input_states"` // desired state per masked bit
	Logic       Logic  `json:"logic"`

	SensorIndex     uint8         `json:"sensor_index"`
	SensorTrigger   SensorTrigger `json:"sensor_trigger"`
	SensorCondition Condition     `json:"sensor_condition"`
	SensorThreshold float64       `json:"sensor_threshold"`

	Action      Action     `json:"action"`
	TargetType  TargetType `json:"target_type"`
	TargetID    uint16     `json:"target_id"`
	TargetIDLow uint16     `json:"target_id_low"`
}

// DefaultSchedule returns the content of an unused slot.
func DefaultSchedule(i int) Schedule {
	return Schedule{
		Name:            fmt.Sprintf("Schedule %d", i+1),
		SensorThreshold: DefaultSensorThreshold,
	}
}

// Validate checks every field range.
func (s *Schedule) Validate() error {
	switch {
	case len(s.Name) > MaxNameLen:
		return fmt.Errorf("name longer than %d bytes: %w", MaxNameLen, ErrInvalid)
	case s.TriggerType > TriggerSensor:
		return fmt.Errorf("trigger type %d: %w", s.TriggerType, ErrInvalid)
	case s.Days >= 1<<7:
		return fmt.Errorf("days 0x%x: %w", s.Days, ErrInvalid)
	case s.Hour > 23:
		return fmt.Errorf("hour %d: %w", s.Hour, ErrInvalid)
	case s.Minute > 59:
		return fmt.Errorf("minute %d: %w", s.Minute, ErrInvalid)
	case s.InputMask >= 1<<hal.InputBits || s.InputStates >= 1<<hal.InputBits:
		return fmt.Errorf("input mask wider than %d bits: %w", hal.InputBits, ErrInvalid)
	case s.Logic > LogicOr:
		return fmt.Errorf("logic %d: %w", s.Logic, ErrInvalid)
	case s.SensorIndex >= hal.NumDirectInputs:
		return fmt.Errorf("sensor index %d: %w", s.SensorIndex, ErrInvalid)
	case s.SensorTrigger > SensorHumidity:
		return fmt.Errorf("sensor trigger %d: %w", s.SensorTrigger, ErrInvalid)
	case s.SensorCondition > CondEqual:
		return fmt.Errorf("sensor condition %d: %w", s.SensorCondition, ErrInvalid)
	case math.IsNaN(s.SensorThreshold) || math.IsInf(s.SensorThreshold, 0):
		return fmt.Errorf("sensor threshold: %w", ErrInvalid)
	}
	return validateTarget(s.Action, s.TargetType, s.TargetID, s.TargetIDLow)
}

// AnalogTrigger fires an action when an analog channel crosses a threshold.
type AnalogTrigger struct {
	Enabled     bool       `json:"enabled"`
	Name        string     `json:"name"`
	AnalogInput uint8      `json:"analog_input"`
	Threshold   uint16     `json:"threshold"`
	Condition   Condition  `json:"condition"`
	Action      Action     `json:"action"`
	TargetType  TargetType `json:"target_type"`
	TargetID    uint16     `json:"target_id"`
}

// DefaultAnalogTrigger returns the content of an unused trigger slot.
func DefaultAnalogTrigger(i int) AnalogTrigger {
	return AnalogTrigger{
		Name:      fmt.Sprintf("Trigger %d", i+1),
		Threshold: DefaultAnalogThreshold,
	}
}

// Validate checks every field range.
func (a *AnalogTrigger) Validate() error {
	switch {
	case len(a.Name) > MaxNameLen:
		return fmt.Errorf("name longer than %d bytes: %w", MaxNameLen, ErrInvalid)
	case a.AnalogInput >= hal.NumAnalog:
		return fmt.Errorf("analog input %d: %w", a.AnalogInput, ErrInvalid)
	case a.Threshold > hal.AnalogMax:
		return fmt.Errorf("threshold %d: %w", a.Threshold, ErrInvalid)
	case a.Condition > CondEqual:
		return fmt.Errorf("condition %d: %w", a.Condition, ErrInvalid)
	}
	return validateTarget(a.Action, a.TargetType, a.TargetID, 0)
}

func validateTarget(action Action, tt TargetType, ids ...uint16) error {
	if action > ActionToggle {
		return fmt.Errorf("action %d: %w", action, ErrInvalid)
	}
	switch tt {
	case TargetSingle:
		for _, id := range ids {
			if id >= hal.NumOutputs {
				return fmt.Errorf("relay index %d: %w", id, ErrInvalid)
			}
		}
	case TargetBitmask:
	default:
		return fmt.Errorf("target type %d: %w", tt, ErrInvalid)
	}
	return nil
}
