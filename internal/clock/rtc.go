package clock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SysfsRTC reads a Linux RTC through /sys/class/rtc/<name>/since_epoch.
// It is read-only; corrections are kept as an offset by Source.
type SysfsRTC struct {
	path string
}

// NewSysfsRTC returns an RTC for the named device, e.g. "rtc0".
func NewSysfsRTC(name string) *SysfsRTC {
	return &SysfsRTC{path: filepath.Join("/sys/class/rtc", name, "since_epoch")}
}

func (r *SysfsRTC) Read() (time.Time, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return time.Time{}, fmt.Errorf("read %s: %w", r.path, err)
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", r.path, err)
	}
	return time.Unix(secs, 0), nil
}
