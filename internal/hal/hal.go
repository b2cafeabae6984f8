// Package hal models the KC868-A16 board: 16 relay outputs and 16 digital
// inputs on PCF8574 expanders, 3 direct HT pins and 4 analog channels.
package hal

import "errors"

// Board dimensions.
const (
	NumOutputs      = 16
	NumInputs       = 16
	NumDirectInputs = 3
	NumAnalog       = 4

	// InputBits is the width of the combined input vector: bits 0-15 are
	// the expander inputs, bits 16-18 the HT pins.
	InputBits = NumInputs + NumDirectInputs

	// AnalogMax is the full-scale raw ADC reading.
	AnalogMax = 4095
)

// Default PCF8574 addresses on the KC868-A16.
const (
	AddrInputsLow   = 0x22 // inputs 1-8
	AddrInputsHigh  = 0x21 // inputs 9-16
	AddrOutputsLow  = 0x24 // relays 1-8
	AddrOutputsHigh = 0x25 // relays 9-16
)

// ErrIndex is returned for out-of-range channel numbers.
var ErrIndex = errors.New("channel index out of range")

// Outputs is the staged relay state plus its commit operation.
type Outputs interface {
	OutputState(i int) bool
	SetOutputState(i int, on bool)
	// WriteOutputs commits every staged state to the hardware in one pass.
	WriteOutputs() error
}

// Inputs exposes the cached input states. Both methods return false for
// indexes out of range.
type Inputs interface {
	InputState(i int) bool
	DirectInputState(i int) bool
}

// InputReader refreshes the input cache from hardware.
type InputReader interface {
	Inputs
	// ReadInputs samples all inputs once and reports whether any changed.
	ReadInputs() (bool, error)
}

// Analog exposes the cached raw analog readings (0-4095).
type Analog interface {
	AnalogValue(i int) int
}

// Port is one 8-bit expander port. Values are raw pin levels.
type Port interface {
	Read() (byte, error)
	Write(v byte) error
}

// DirectReader reads the raw levels of the HT pins.
type DirectReader interface {
	Levels() ([NumDirectInputs]bool, error)
	Close() error
}

// ADC reads one raw sample from an analog channel.
type ADC interface {
	ReadRaw(ch int) (int, error)
}

// InputMask packs the 19 input states into a bit vector.
func InputMask(in Inputs) uint32 {
	var m uint32
	for i := 0; i < NumInputs; i++ {
		if in.InputState(i) {
			m |= 1 << i
		}
	}
	for i := 0; i < NumDirectInputs; i++ {
		if in.DirectInputState(i) {
			m |= 1 << (NumInputs + i)
		}
	}
	return m
}
