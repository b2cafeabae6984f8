package automation

import (
	"fmt"

	"kc868-go-home/internal/hal"
)

// Actuator applies rule actions to the relay outputs. Every call stages all
// affected relays and then commits them with a single write.
type Actuator struct {
	out hal.Outputs
}

// NewActuator creates an Actuator over out.
func NewActuator(out hal.Outputs) *Actuator {
	return &Actuator{out: out}
}

// Apply performs action on target. A failed commit is returned, but the staged
// states remain the logical target and are written again on the next commit.
func (a *Actuator) Apply(tt TargetType, target uint16, action Action) error {
	if action > ActionToggle {
		return fmt.Errorf("action %d: %w", action, ErrInvalid)
	}
	switch tt {
	case TargetSingle:
		if target >= hal.NumOutputs {
			return fmt.Errorf("relay index %d: %w", target, ErrInvalid)
		}
		a.stage(int(target), action)
	case TargetBitmask:
		for i := 0; i < hal.NumOutputs; i++ {
			if target&(1<<i) != 0 {
				a.stage(i, action)
			}
		}
	default:
		return fmt.Errorf("target type %d: %w", tt, ErrInvalid)
	}
	if err := a.out.WriteOutputs(); err != nil {
		return fmt.Errorf("commit outputs: %w", err)
	}
	return nil
}

func (a *Actuator) stage(i int, action Action) {
	switch action {
	case ActionOff:
		a.out.SetOutputState(i, false)
	case ActionOn:
		a.out.SetOutputState(i, true)
	case ActionToggle:
		a.out.SetOutputState(i, !a.out.OutputState(i))
	}
}
