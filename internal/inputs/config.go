// Package inputs detects input changes and dispatches them to the rule
// engine in priority order.
package inputs

import (
	"errors"
	"fmt"
)

// NumConfigs is the number of configurable inputs (the expander inputs).
const NumConfigs = 16

// MaxNameLen is the longest input name accepted, in bytes.
const MaxNameLen = 31

// ErrInvalid is returned for bad input indexes or config fields.
var ErrInvalid = errors.New("invalid input config")

// Priority orders dispatch within one pass. PriorityNone inputs are never
// dispatched by the interrupt pass; they are handled by the poll instead.
type Priority uint8

const (
	PriorityNone Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

var priorityNames = []string{"none", "high", "medium", "low"}

func (p Priority) String() string { return name(priorityNames, uint8(p)) }
func (p Priority) MarshalText() ([]byte, error) {
	return marshal(priorityNames, "priority", uint8(p))
}
func (p *Priority) UnmarshalText(b []byte) error {
	return unmarshal(priorityNames, "priority", b, (*uint8)(p))
}

// Trigger selects which sample transitions dispatch an input.
type Trigger uint8

const (
	TriggerRising Trigger = iota
	TriggerFalling
	TriggerChange
	TriggerHighLevel
	TriggerLowLevel
)

var triggerNames = []string{"rising", "falling", "change", "high_level", "low_level"}

func (t Trigger) String() string { return name(triggerNames, uint8(t)) }
func (t Trigger) MarshalText() ([]byte, error) {
	return marshal(triggerNames, "trigger", uint8(t))
}
func (t *Trigger) UnmarshalText(b []byte) error {
	return unmarshal(triggerNames, "trigger", b, (*uint8)(t))
}

// edge reports whether the trigger needs a previous sample.
func (t Trigger) edge() bool {
	return t == TriggerRising || t == TriggerFalling || t == TriggerChange
}

// ShouldDispatch classifies one input transition.
func ShouldDispatch(t Trigger, prev, cur bool) bool {
	switch t {
	case TriggerRising:
		return !prev && cur
	case TriggerFalling:
		return prev && !cur
	case TriggerChange:
		return prev != cur
	case TriggerHighLevel:
		return cur
	case TriggerLowLevel:
		return !cur
	}
	return false
}

// Config is the dispatch configuration of one input.
type Config struct {
	Enabled  bool     `json:"enabled"`
	Name     string   `json:"name"`
	Priority Priority `json:"priority"`
	Trigger  Trigger  `json:"trigger"`
}

// DefaultConfig returns the config of an unconfigured input.
func DefaultConfig(i int) Config {
	return Config{
		Name:     fmt.Sprintf("Input %d", i+1),
		Priority: PriorityMedium,
		Trigger:  TriggerChange,
	}
}

// Validate checks every field range.
func (c *Config) Validate() error {
	switch {
	case len(c.Name) > MaxNameLen:
		return fmt.Errorf("name longer than %d bytes: %w", MaxNameLen, ErrInvalid)
	case c.Priority > PriorityLow:
		return fmt.Errorf("priority %d: %w", c.Priority, ErrInvalid)
	case c.Trigger > TriggerLowLevel:
		return fmt.Errorf("trigger %d: %w", c.Trigger, ErrInvalid)
	}
	return nil
}

func name(names []string, v uint8) string {
	if int(v) < len(names) {
		return names[v]
	}
	return fmt.Sprintf("unknown(%d)", v)
}

func marshal(names []string, kind string, v uint8) ([]byte, error) {
	if int(v) >= len(names) {
		return nil, fmt.Errorf("%s %d: %w", kind, v, ErrInvalid)
	}
	return []byte(names[v]), nil
}

func unmarshal(names []string, kind string, b []byte, dst *uint8) error {
	for i, n := range names {
		if string(b) == n {
			*dst = uint8(i)
			return nil
		}
	}
	return fmt.Errorf("%s %q: %w", kind, b, ErrInvalid)
}
