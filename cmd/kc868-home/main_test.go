package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "hardware:\n  i2c_bus: \"1\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hardware.InputsLow != 0x22 || cfg.Hardware.InputsHigh != 0x21 ||
		cfg.Hardware.OutputsLow != 0x24 || cfg.Hardware.OutputsHigh != 0x25 {
		t.Errorf("addresses = %+v", cfg.Hardware)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.MQTT.TopicPrefix != "kc868" || cfg.Console.Baud != 115200 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if len(cfg.NTP.Servers) == 0 {
		t.Error("no default NTP servers")
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigDurations(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
hardware:
  simulate: true
ntp:
  interval: 1h
  timezone: Europe/Berlin
loop:
  tick: 5ms
  schedule_interval: 500ms
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NTP.Interval != time.Hour || cfg.Loop.Tick != 5*time.Millisecond || cfg.Loop.ScheduleInterval != 500*time.Millisecond {
		t.Errorf("durations = %v %v %v", cfg.NTP.Interval, cfg.Loop.Tick, cfg.Loop.ScheduleInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"no bus", func(c *Config) { c.Hardware.I2CBus = "" }, "i2c_bus"},
		{"simulated without bus", func(c *Config) { c.Hardware.I2CBus = ""; c.Hardware.Simulate = true }, ""},
		{"duplicate address", func(c *Config) { c.Hardware.OutputsHigh = 0x24 }, "used twice"},
		{"address too high", func(c *Config) { c.Hardware.InputsLow = 0x80 }, "out of range"},
		{"ht pins", func(c *Config) { c.Hardware.HTPins = []int{1, 2} }, "ht_pins"},
		{"adc channels", func(c *Config) { c.Hardware.ADCChannels = []int{1} }, "adc_channels"},
		{"console port", func(c *Config) { c.Console.Enabled = true }, "console.port"},
		{"mqtt broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"timezone", func(c *Config) { c.NTP.Timezone = "Mars/Olympus" }, "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.Hardware.I2CBus = "1"
			applyDefaults(&cfg)
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
