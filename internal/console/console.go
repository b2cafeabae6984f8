// Package console implements the line-oriented command interface served on
// the USB or RS485 serial port.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"kc868-go-home/internal/automation"
	"kc868-go-home/internal/clock"
	"kc868-go-home/internal/controller"
	"kc868-go-home/internal/hal"
	"kc868-go-home/internal/sensors"
)

const unknownCommand = "ERROR: Unknown command. Type HELP for commands."

// Controller is the part of the controller the console drives.
type Controller interface {
	Status() controller.Status
	SetRelay(i int, action automation.Action) error
	SetAllRelays(on bool) error
	EvaluateInputSchedules() int
	Time() clock.Status
}

// Option configures a Console.
type Option func(*Console)

// WithVersion sets the firmware version reported by VERSION.
func WithVersion(v string) Option {
	return func(c *Console) { c.version = v }
}

// WithI2CScan enables SCAN I2C.
func WithI2CScan(scan func() []uint16) Option {
	return func(c *Console) { c.scan = scan }
}

// Console executes text commands against the controller.
type Console struct {
	ctrl    Controller
	version string
	scan    func() []uint16
	logger  *slog.Logger
}

// New creates a Console.
func New(ctrl Controller, logger *slog.Logger, opts ...Option) *Console {
	c := &Console{
		ctrl:    ctrl,
		version: "dev",
		logger:  logger.With("component", "console"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Serve reads commands from rw line by line and writes one response per
// command until rw is exhausted or ctx is cancelled.
func (c *Console) Serve(ctx context.Context, rw io.ReadWriter) error {
	sc := bufio.NewScanner(rw)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		resp := c.Execute(line)
		c.logger.Debug("command", "line", line)
		if _, err := io.WriteString(rw, resp+"\r\n"); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read command: %w", err)
	}
	return ctx.Err()
}

// Execute runs one command line and returns the response text. Commands are
// case-insensitive.
func (c *Console) Execute(line string) string {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(line)))
	if len(fields) == 0 {
		return unknownCommand
	}

	switch fields[0] {
	case "RELAY":
		return c.relay(fields[1:])
	case "INPUT":
		if len(fields) == 2 && fields[1] == "STATUS" {
			return c.inputStatus()
		}
	case "ANALOG":
		if len(fields) == 2 && fields[1] == "STATUS" {
			return c.analogStatus()
		}
	case "SENSOR":
		if len(fields) == 2 && fields[1] == "STATUS" {
			return c.sensorStatus()
		}
	case "SCAN":
		if len(fields) == 2 && fields[1] == "I2C" {
			return c.scanI2C()
		}
	case "STATUS":
		if len(fields) == 1 {
			return c.systemStatus()
		}
	case "TIME":
		if len(fields) == 1 {
			return c.timeStatus()
		}
	case "EVAL":
		if len(fields) == 1 {
			return fmt.Sprintf("OK: %d action(s) dispatched", c.ctrl.EvaluateInputSchedules())
		}
	case "VERSION":
		if len(fields) == 1 {
			return "KC868-A16 firmware " + c.version
		}
	case "HELP":
		if len(fields) == 1 {
			return help
		}
	}
	return unknownCommand
}

func (c *Console) relay(args []string) string {
	switch {
	case len(args) == 1 && args[0] == "STATUS":
		return c.relayStatus()
	case len(args) == 2 && args[0] == "ALL" && (args[1] == "ON" || args[1] == "OFF"):
		on := args[1] == "ON"
		if err := c.ctrl.SetAllRelays(on); err != nil {
			return "ERROR: " + err.Error()
		}
		return "OK: all relays " + args[1]
	case len(args) == 2:
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > hal.NumOutputs {
			return fmt.Sprintf("ERROR: Relay number must be 1-%d", hal.NumOutputs)
		}
		var action automation.Action
		if err := action.UnmarshalText([]byte(strings.ToLower(args[1]))); err != nil {
			return "ERROR: Action must be ON, OFF or TOGGLE"
		}
		if err := c.ctrl.SetRelay(n-1, action); err != nil {
			return "ERROR: " + err.Error()
		}
		state := c.ctrl.Status().Relays[n-1]
		return fmt.Sprintf("OK: relay %d %s", n, onOff(state))
	}
	return unknownCommand
}

func (c *Console) relayStatus() string {
	st := c.ctrl.Status()
	var b strings.Builder
	b.WriteString("RELAY STATUS:\n")
	for i, on := range st.Relays {
		fmt.Fprintf(&b, "Relay %d: %s\n", i+1, onOff(on))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Console) inputStatus() string {
	st := c.ctrl.Status()
	var b strings.Builder
	b.WriteString("INPUT STATUS:\n")
	for i, on := range st.Inputs {
		fmt.Fprintf(&b, "Input %d: %s\n", i+1, highLow(on))
	}
	for i, on := range st.HTInputs {
		fmt.Fprintf(&b, "HT%d: %s\n", i+1, highLow(on))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Console) analogStatus() string {
	st := c.ctrl.Status()
	var b strings.Builder
	b.WriteString("ANALOG STATUS:\n")
	for i, a := range st.Analog {
		fmt.Fprintf(&b, "A%d: %d (%.2fV, %.1f%%)\n", i+1, a.Raw, a.Voltage, a.Percent)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Console) sensorStatus() string {
	st := c.ctrl.Status()
	var b strings.Builder
	b.WriteString("SENSOR STATUS:\n")
	for _, s := range st.Sensors {
		fmt.Fprintf(&b, "HT%d: %s", s.Slot+1, s.Type)
		switch {
		case s.Type == sensors.Digital:
		case !s.Valid:
			b.WriteString(" (no reading)")
		case s.Type.HasHumidity():
			fmt.Fprintf(&b, " %.1f°C %.1f%%", s.Temperature, s.Humidity)
		default:
			fmt.Fprintf(&b, " %.1f°C", s.Temperature)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Console) scanI2C() string {
	if c.scan == nil {
		return "ERROR: I2C bus not available"
	}
	found := c.scan()
	var b strings.Builder
	b.WriteString("I2C DEVICES:\n")
	for _, addr := range found {
		fmt.Fprintf(&b, "0x%02x\n", addr)
	}
	fmt.Fprintf(&b, "Found %d device(s)", len(found))
	return b.String()
}

func (c *Console) systemStatus() string {
	st := c.ctrl.Status()
	on := 0
	for _, r := range st.Relays {
		if r {
			on++
		}
	}
	active := 0
	for _, in := range st.Inputs {
		if in {
			active++
		}
	}

	var b strings.Builder
	b.WriteString("KC868-A16 System Status\n---------------------\n")
	fmt.Fprintf(&b, "Firmware: %s\n", c.version)
	fmt.Fprintf(&b, "Time: %s\n", st.Time.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Uptime: %ds\n", st.UptimeSeconds)
	fmt.Fprintf(&b, "Relays on: %d/%d\n", on, len(st.Relays))
	fmt.Fprintf(&b, "Inputs active: %d/%d\n", active, len(st.Inputs))
	fmt.Fprintf(&b, "Schedules enabled: %d\n", st.Schedules)
	fmt.Fprintf(&b, "Analog triggers enabled: %d\n", st.AnalogTriggers)
	fmt.Fprintf(&b, "Interrupts: %s\n", enabled(st.InterruptsActive))
	fmt.Fprintf(&b, "Hardware errors: %d", st.HardwareErrors)
	if st.LastHardwareError != "" {
		fmt.Fprintf(&b, " (last: %s)", st.LastHardwareError)
	}
	return b.String()
}

func (c *Console) timeStatus() string {
	ts := c.ctrl.Time()
	s := fmt.Sprintf("TIME: %s (source: %s)", ts.Time.Format("2006-01-02 15:04:05 MST"), ts.Source)
	if !ts.LastSync.IsZero() {
		s += "\nLast sync: " + ts.LastSync.Format("2006-01-02 15:04:05")
	}
	if ts.LastError != "" {
		s += "\nLast error: " + ts.LastError
	}
	return s
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func highLow(on bool) string {
	if on {
		return "HIGH"
	}
	return "LOW"
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

const help = `KC868-A16 Controller Command Help
---------------------
RELAY STATUS - Show all relay states
RELAY ALL ON - Turn all relays on
RELAY ALL OFF - Turn all relays off
RELAY <num> ON - Turn relay on (1-16)
RELAY <num> OFF - Turn relay off (1-16)
RELAY <num> TOGGLE - Toggle relay (1-16)
INPUT STATUS - Show all input states
ANALOG STATUS - Show all analog input values
SENSOR STATUS - Show HT sensor readings
SCAN I2C - Scan for I2C devices
STATUS - Show system status
TIME - Show current time and sync state
EVAL - Evaluate input schedules now
VERSION - Show firmware version`
