package hal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsADC reads raw samples from a Linux IIO device
// (e.g. /sys/bus/iio/devices/iio:device0).
type SysfsADC struct {
	dir      string
	channels [NumAnalog]int
}

// NewSysfsADC maps board channels 1-4 to IIO voltage channels.
func NewSysfsADC(dir string, channels [NumAnalog]int) *SysfsADC {
	return &SysfsADC{dir: dir, channels: channels}
}

func (a *SysfsADC) ReadRaw(ch int) (int, error) {
	if ch < 0 || ch >= NumAnalog {
		return 0, ErrIndex
	}
	path := filepath.Join(a.dir, fmt.Sprintf("in_voltage%d_raw", a.channels[ch]))
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}
