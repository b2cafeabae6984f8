package sensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsDriver reads sensors exposed by Linux kernel drivers: DS18B20 through
// w1_therm (a device directory with a "temperature" file) and DHT11/DHT22
// through the dht11 IIO driver (an IIO device directory).
type SysfsDriver struct {
	dirs [NumSlots]string
}

// NewSysfsDriver maps each slot to its device directory. Empty entries mean
// no device is attached.
func NewSysfsDriver(dirs [NumSlots]string) *SysfsDriver {
	return &SysfsDriver{dirs: dirs}
}

func (d *SysfsDriver) Read(slot int, t Type) (Reading, error) {
	if slot < 0 || slot >= NumSlots {
		return Reading{}, fmt.Errorf("sensor slot %d: %w", slot, ErrInvalid)
	}
	dir := d.dirs[slot]
	if dir == "" {
		return Reading{}, errors.New("no device configured")
	}
	switch t {
	case DS18B20:
		v, err := readMilli(filepath.Join(dir, "temperature"))
		if err != nil {
			return Reading{}, err
		}
		return Reading{Temperature: v}, nil
	case DHT11, DHT22:
		temp, err := readMilli(filepath.Join(dir, "in_temp_input"))
		if err != nil {
			return Reading{}, err
		}
		hum, err := readMilli(filepath.Join(dir, "in_humidityrelative_input"))
		if err != nil {
			return Reading{}, err
		}
		return Reading{Temperature: temp, Humidity: hum}, nil
	}
	return Reading{}, fmt.Errorf("sensor type %s: %w", t, ErrInvalid)
}

// readMilli reads an integer file holding thousandths of a unit.
func readMilli(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return float64(v) / 1000, nil
}

// MemDriver returns fixed readings, for simulation and tests.
type MemDriver struct {
	Readings [NumSlots]Reading
	Errs     [NumSlots]error
	Reads    int
}

func (d *MemDriver) Read(slot int, t Type) (Reading, error) {
	if slot < 0 || slot >= NumSlots {
		return Reading{}, fmt.Errorf("sensor slot %d: %w", slot, ErrInvalid)
	}
	d.Reads++
	if d.Errs[slot] != nil {
		return Reading{}, d.Errs[slot]
	}
	return d.Readings[slot], nil
}
