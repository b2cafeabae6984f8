package hal

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// OpenI2C initializes the host drivers and opens the named I2C bus.
// An empty name selects the first available bus.
func OpenI2C(name string) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init host drivers: %w", err)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", name, err)
	}
	return bus, nil
}

// PCF8574 is an 8-bit quasi-bidirectional I2C port expander.
type PCF8574 struct {
	dev *i2c.Dev
}

// NewPCF8574 returns a port for the expander at addr on bus.
func NewPCF8574(bus i2c.Bus, addr uint16) *PCF8574 {
	return &PCF8574{dev: &i2c.Dev{Bus: bus, Addr: addr}}
}

func (p *PCF8574) Read() (byte, error) {
	var buf [1]byte
	if err := p.dev.Tx(nil, buf[:]); err != nil {
		return 0, fmt.Errorf("pcf8574 0x%02x read: %w", p.dev.Addr, err)
	}
	return buf[0], nil
}

func (p *PCF8574) Write(v byte) error {
	if err := p.dev.Tx([]byte{v}, nil); err != nil {
		return fmt.Errorf("pcf8574 0x%02x write: %w", p.dev.Addr, err)
	}
	return nil
}

// Probe reports whether a device acknowledges at addr.
func Probe(bus i2c.Bus, addr uint16) bool {
	var buf [1]byte
	return bus.Tx(addr, nil, buf[:]) == nil
}

// Scan returns every 7-bit address on bus that acknowledges a read.
func Scan(bus i2c.Bus) []uint16 {
	var found []uint16
	for addr := uint16(0x01); addr < 0x7F; addr++ {
		if Probe(bus, addr) {
			found = append(found, addr)
		}
	}
	return found
}
