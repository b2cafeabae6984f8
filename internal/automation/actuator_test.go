package automation

import (
	"errors"
	"testing"
)

func TestActuatorSingle(t *testing.T) {
	b := &fakeBoard{}
	a := NewActuator(b)

	if err := a.Apply(TargetSingle, 5, ActionOn); err != nil {
		t.Fatal(err)
	}
	if !b.outputs[5] {
		t.Error("relay 5 not on")
	}
	if b.writes != 1 {
		t.Errorf("writes = %d, want 1", b.writes)
	}

	if err := a.Apply(TargetSingle, 16, ActionOn); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
	if b.writes != 1 {
		t.Error("invalid target must not commit")
	}
}

func TestActuatorToggleTwiceRestores(t *testing.T) {
	b := &fakeBoard{}
	b.outputs[3] = true
	a := NewActuator(b)

	a.Apply(TargetSingle, 3, ActionToggle)
	if b.outputs[3] {
		t.Fatal("first toggle did not switch off")
	}
	a.Apply(TargetSingle, 3, ActionToggle)
	if !b.outputs[3] {
		t.Error("second toggle did not restore")
	}
}

func TestActuatorBitmaskSingleCommit(t *testing.T) {
	b := &fakeBoard{}
	b.outputs[1] = true
	a := NewActuator(b)

	if err := a.Apply(TargetBitmask, 0b1000_0000_0000_0011, ActionToggle); err != nil {
		t.Fatal(err)
	}
	if !b.outputs[0] || b.outputs[1] || !b.outputs[15] {
		t.Errorf("outputs = %v", b.outputs)
	}
	if b.writes != 1 {
		t.Errorf("writes = %d, want exactly one commit", b.writes)
	}
}

func TestActuatorCommitFailureKeepsStaged(t *testing.T) {
	b := &fakeBoard{writeErr: errors.New("i2c nack")}
	a := NewActuator(b)

	if err := a.Apply(TargetSingle, 2, ActionOn); err == nil {
		t.Fatal("expected error")
	}
	if !b.outputs[2] {
		t.Error("staged state lost after failed commit")
	}
}
