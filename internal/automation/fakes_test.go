package automation

import (
	"log/slog"
	"os"
	"time"

	"kc868-go-home/internal/hal"
	"kc868-go-home/internal/sensors"
	"kc868-go-home/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeBoard struct {
	outputs  [hal.NumOutputs]bool
	inputs   uint32 // hal.InputMask layout
	analog   [hal.NumAnalog]int
	writes   int
	writeErr error
}

func (b *fakeBoard) OutputState(i int) bool        { return i >= 0 && i < hal.NumOutputs && b.outputs[i] }
func (b *fakeBoard) SetOutputState(i int, on bool) { b.outputs[i] = on }
func (b *fakeBoard) WriteOutputs() error {
	if b.writeErr != nil {
		return b.writeErr
	}
	b.writes++
	return nil
}
func (b *fakeBoard) InputState(i int) bool       { return i < hal.NumInputs && b.inputs&(1<<i) != 0 }
func (b *fakeBoard) DirectInputState(i int) bool { return b.inputs&(1<<(hal.NumInputs+i)) != 0 }
func (b *fakeBoard) AnalogValue(i int) int       { return b.analog[i] }

func (b *fakeBoard) setInput(i int, on bool) {
	if on {
		b.inputs |= 1 << i
	} else {
		b.inputs &^= 1 << i
	}
}

type fakeSensors struct {
	types [sensors.NumSlots]sensors.Type
	temp  [sensors.NumSlots]float64
	hum   [sensors.NumSlots]float64
}

func (s *fakeSensors) SensorType(i int) sensors.Type { return s.types[i] }
func (s *fakeSensors) Temperature(i int) float64     { return s.temp[i] }
func (s *fakeSensors) Humidity(i int) float64        { return s.hum[i] }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

// monday is 2026-10-19, a Monday.
func monday(hour, minute, second int) time.Time {
	return time.Date(2026, 10, 19, hour, minute, second, 0, time.UTC)
}

const (
	daySunday = 1 << iota
	dayMonday
	dayTuesday
)

type testEngine struct {
	*Engine
	rules   *Manager
	board   *fakeBoard
	sensors *fakeSensors
	clock   *fakeClock
	fired   []Firing
}

func newTestEngine() *testEngine {
	te := &testEngine{
		rules:   NewManager(store.NewMemoryStore(), testLogger()),
		board:   &fakeBoard{},
		sensors: &fakeSensors{},
		clock:   &fakeClock{t: monday(12, 0, 30)},
	}
	te.Engine = NewEngine(te.rules, te.board, te.sensors, te.clock, testLogger())
	te.OnFire(func(f Firing) { te.fired = append(te.fired, f) })
	return te
}

func (te *testEngine) mustSchedule(i int, s Schedule) {
	s.Enabled = true
	if err := te.rules.UpdateSchedule(i, s); err != nil {
		panic(err)
	}
}
