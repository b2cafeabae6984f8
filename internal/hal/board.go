package hal

import (
	"fmt"
	"log/slog"
)

// Default number of ADC samples averaged per reading.
const DefaultAnalogSamples = 10

// analogDeadband is the minimum change in raw counts reported by ReadAnalog.
const analogDeadband = 10

// Calibration table: raw ADC counts to volts.
var (
	calRaw  = [...]int{0, 820, 1640, 2460, 3270, 4095}
	calVolt = [...]float64{0, 1, 2, 3, 4, 5}
)

// Board holds the state vectors of the controller hardware. Relays and
// expander inputs are active low: a logical "on" is a low pin.
//
// Board is not safe for concurrent use; callers serialize access.
type Board struct {
	inLow, inHigh   Port
	outLow, outHigh Port
	direct          DirectReader
	adc             ADC
	samples         int
	logger          *slog.Logger

	outputs [NumOutputs]bool
	inputs  [NumInputs]bool
	htIn [NumDirectInputs]bool
	analog  [NumAnalog]int
	volts   [NumAnalog]float64

	errCount int
	lastErr  string
}

// BoardConfig wires the hardware backends into a Board. Any nil backend is
// treated as absent: its inputs read inactive and writes are dropped.
type BoardConfig struct {
	InputsLow, InputsHigh   Port
	OutputsLow, OutputsHigh Port
	Direct                  DirectReader
	ADC                     ADC
	AnalogSamples           int
}

// NewBoard creates a Board. Call Init before use.
func NewBoard(cfg BoardConfig, logger *slog.Logger) *Board {
	samples := cfg.AnalogSamples
	if samples <= 0 {
		samples = DefaultAnalogSamples
	}
	return &Board{
		inLow:   cfg.InputsLow,
		inHigh:  cfg.InputsHigh,
		outLow:  cfg.OutputsLow,
		outHigh: cfg.OutputsHigh,
		direct:  cfg.Direct,
		adc:     cfg.ADC,
		samples: samples,
		logger:  logger.With("component", "board"),
	}
}

// Init releases the input ports and drives every relay off.
func (b *Board) Init() error {
	// PCF8574 pins must be written high before they can be read as inputs.
	for _, p := range []Port{b.inLow, b.inHigh} {
		if p == nil {
			continue
		}
		if err := p.Write(0xFF); err != nil {
			b.recordError(fmt.Errorf("init input port: %w", err))
			return err
		}
	}
	b.outputs = [NumOutputs]bool{}
	return b.WriteOutputs()
}

func (b *Board) OutputState(i int) bool {
	if i < 0 || i >= NumOutputs {
		return false
	}
	return b.outputs[i]
}

func (b *Board) SetOutputState(i int, on bool) {
	if i < 0 || i >= NumOutputs {
		return
	}
	b.outputs[i] = on
}

// SetAllOutputs stages every relay to the same state.
func (b *Board) SetAllOutputs(on bool) {
	for i := range b.outputs {
		b.outputs[i] = on
	}
}

// OutputMask returns the staged relay states, bit i = relay i+1.
func (b *Board) OutputMask() uint16 {
	var m uint16
	for i, on := range b.outputs {
		if on {
			m |= 1 << i
		}
	}
	return m
}

func (b *Board) WriteOutputs() error {
	m := b.OutputMask()
	// Active low.
	if err := writePort(b.outLow, ^byte(m)); err != nil {
		b.recordError(fmt.Errorf("write relays 1-8: %w", err))
		return err
	}
	if err := writePort(b.outHigh, ^byte(m>>8)); err != nil {
		b.recordError(fmt.Errorf("write relays 9-16: %w", err))
		return err
	}
	return nil
}

func (b *Board) InputState(i int) bool {
	if i < 0 || i >= NumInputs {
		return false
	}
	return b.inputs[i]
}

func (b *Board) DirectInputState(i int) bool {
	if i < 0 || i >= NumDirectInputs {
		return false
	}
	return b.htIn[i]
}

// ReadInputs refreshes the expander and HT inputs. A port that fails to read
// keeps its previous states.
func (b *Board) ReadInputs() (bool, error) {
	prev, prevDirect := b.inputs, b.htIn
	var firstErr error

	if v, err := readPort(b.inLow); err != nil {
		b.recordError(fmt.Errorf("read inputs 1-8: %w", err))
		firstErr = err
	} else {
		for i := 0; i < 8; i++ {
			b.inputs[i] = v&(1<<i) == 0
		}
	}
	if v, err := readPort(b.inHigh); err != nil {
		b.recordError(fmt.Errorf("read inputs 9-16: %w", err))
		if firstErr == nil {
			firstErr = err
		}
	} else {
		for i := 0; i < 8; i++ {
			b.inputs[8+i] = v&(1<<i) == 0
		}
	}
	if b.direct != nil {
		levels, err := b.direct.Levels()
		if err != nil {
			b.recordError(fmt.Errorf("read HT pins: %w", err))
			if firstErr == nil {
				firstErr = err
			}
		} else {
			for i, high := range levels {
				b.htIn[i] = !high
			}
		}
	}

	changed := prev != b.inputs || prevDirect != b.htIn
	return changed, firstErr
}

func (b *Board) AnalogValue(i int) int {
	if i < 0 || i >= NumAnalog {
		return 0
	}
	return b.analog[i]
}

// AnalogVoltage returns the calibrated voltage of channel i.
func (b *Board) AnalogVoltage(i int) float64 {
	if i < 0 || i >= NumAnalog {
		return 0
	}
	return b.volts[i]
}

// AnalogPercent returns channel i as a percentage of the 5 V range.
func (b *Board) AnalogPercent(i int) float64 {
	return b.AnalogVoltage(i) / 5 * 100
}

// ReadAnalog averages a burst of samples per channel. It reports a change only
// when a channel moved by more than the deadband; smaller moves are not stored.
func (b *Board) ReadAnalog() (bool, error) {
	if b.adc == nil {
		return false, nil
	}
	changed := false
	var firstErr error
	for ch := 0; ch < NumAnalog; ch++ {
		sum := 0
		var err error
		for n := 0; n < b.samples; n++ {
			var v int
			v, err = b.adc.ReadRaw(ch)
			if err != nil {
				break
			}
			sum += v
		}
		if err != nil {
			b.recordError(fmt.Errorf("read analog %d: %w", ch+1, err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		avg := clampRaw(sum / b.samples)
		if abs(avg-b.analog[ch]) > analogDeadband {
			b.analog[ch] = avg
			b.volts[ch] = RawToVolts(avg)
			changed = true
		}
	}
	return changed, firstErr
}

// ErrorCount returns the number of hardware errors seen since start.
func (b *Board) ErrorCount() int { return b.errCount }

// LastError returns the most recent hardware error message, or "".
func (b *Board) LastError() string { return b.lastErr }

func (b *Board) recordError(err error) {
	b.errCount++
	b.lastErr = err.Error()
	b.logger.Warn("hardware error", "err", err, "count", b.errCount)
}

// RawToVolts converts a raw reading with the board calibration table.
func RawToVolts(raw int) float64 {
	raw = clampRaw(raw)
	for i := 1; i < len(calRaw); i++ {
		if raw <= calRaw[i] {
			lo, hi := calRaw[i-1], calRaw[i]
			frac := float64(raw-lo) / float64(hi-lo)
			return calVolt[i-1] + frac*(calVolt[i]-calVolt[i-1])
		}
	}
	return calVolt[len(calVolt)-1]
}

func readPort(p Port) (byte, error) {
	if p == nil {
		return 0xFF, nil
	}
	return p.Read()
}

func writePort(p Port, v byte) error {
	if p == nil {
		return nil
	}
	return p.Write(v)
}

func clampRaw(v int) int {
	if v < 0 {
		return 0
	}
	if v > AnalogMax {
		return AnalogMax
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
