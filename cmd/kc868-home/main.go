package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/i2c"

	"kc868-go-home/internal/clock"
	"kc868-go-home/internal/console"
	"kc868-go-home/internal/controller"
	"kc868-go-home/internal/hal"
	"kc868-go-home/internal/sensors"
	"kc868-go-home/internal/store"
	"kc868-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Hardware struct {
		// Simulate runs against in-memory ports instead of the I2C bus.
		Simulate      bool   `yaml:"simulate"`
		I2CBus        string `yaml:"i2c_bus"`
		InputsLow     uint16 `yaml:"inputs_low"`
		InputsHigh    uint16 `yaml:"inputs_high"`
		OutputsLow    uint16 `yaml:"outputs_low"`
		OutputsHigh   uint16 `yaml:"outputs_high"`
		GPIOChip      string `yaml:"gpio_chip"`
		HTPins        []int  `yaml:"ht_pins"`
		ADCDir        string `yaml:"adc_dir"`
		ADCChannels   []int  `yaml:"adc_channels"`
		AnalogSamples int    `yaml:"analog_samples"`
	} `yaml:"hardware"`
	Sensors struct {
		Dirs []string `yaml:"dirs"` // w1 or IIO device directory per HT slot
	} `yaml:"sensors"`
	Console struct {
		Enabled bool   `yaml:"enabled"`
		Port    string `yaml:"port"`
		Baud    int    `yaml:"baud"`
	} `yaml:"console"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
		DeviceName  string `yaml:"device_name"`
	} `yaml:"mqtt"`
	NTP struct {
		Servers  []string      `yaml:"servers"`
		Interval time.Duration `yaml:"interval"`
		Timezone string        `yaml:"timezone"`
		RTC      string        `yaml:"rtc"` // e.g. "rtc0"; empty uses the system clock
	} `yaml:"ntp"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Loop struct {
		Tick             time.Duration `yaml:"tick"`
		InputInterval    time.Duration `yaml:"input_interval"`
		AnalogInterval   time.Duration `yaml:"analog_interval"`
		SensorInterval   time.Duration `yaml:"sensor_interval"`
		ScheduleInterval time.Duration `yaml:"schedule_interval"`
		StatusInterval   time.Duration `yaml:"status_interval"`
	} `yaml:"loop"`
}

func (c *Config) validate() error {
	if !c.Hardware.Simulate {
		if c.Hardware.I2CBus == "" {
			return fmt.Errorf("hardware.i2c_bus is required")
		}
		seen := make(map[uint16]bool)
		for _, addr := range []uint16{c.Hardware.InputsLow, c.Hardware.InputsHigh, c.Hardware.OutputsLow, c.Hardware.OutputsHigh} {
			if addr == 0 || addr > 0x7F {
				return fmt.Errorf("hardware: I2C address 0x%02x out of range", addr)
			}
			if seen[addr] {
				return fmt.Errorf("hardware: I2C address 0x%02x used twice", addr)
			}
			seen[addr] = true
		}
	}
	if n := len(c.Hardware.HTPins); n != 0 && n != hal.NumDirectInputs {
		return fmt.Errorf("hardware.ht_pins needs %d entries, got %d", hal.NumDirectInputs, n)
	}
	if n := len(c.Hardware.ADCChannels); n != 0 && n != hal.NumAnalog {
		return fmt.Errorf("hardware.adc_channels needs %d entries, got %d", hal.NumAnalog, n)
	}
	if len(c.Sensors.Dirs) > sensors.NumSlots {
		return fmt.Errorf("sensors.dirs has more than %d entries", sensors.NumSlots)
	}
	if c.Console.Enabled && c.Console.Port == "" {
		return fmt.Errorf("console.port is required when the console is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.NTP.Interval < 0 {
		return fmt.Errorf("ntp.interval must not be negative")
	}
	if _, err := time.LoadLocation(c.NTP.Timezone); err != nil {
		return fmt.Errorf("ntp.timezone: %w", err)
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("kc868-home starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	hw, err := openHardware(cfg, logger)
	if err != nil {
		logger.Error("open hardware", "err", err)
		os.Exit(1)
	}
	defer hw.Close()

	loc, _ := time.LoadLocation(cfg.NTP.Timezone)
	clockCfg := clock.Config{Servers: cfg.NTP.Servers, Location: loc}
	if cfg.NTP.RTC != "" {
		clockCfg.RTC = clock.NewSysfsRTC(cfg.NTP.RTC)
	}
	clk := clock.New(clockCfg, logger)

	sens := sensors.NewManager(hw.sensors, db, logger)
	events := controller.NewEventBus(logger)
	ctrl := controller.New(controller.Config{
		Tick:              cfg.Loop.Tick,
		InputInterval:     cfg.Loop.InputInterval,
		AnalogInterval:    cfg.Loop.AnalogInterval,
		SensorInterval:    cfg.Loop.SensorInterval,
		ScheduleInterval:  cfg.Loop.ScheduleInterval,
		BroadcastInterval: cfg.Loop.StatusInterval,
		NTPInterval:       cfg.NTP.Interval,
	}, hw.board, db, sens, clk, events, logger)

	if err := ctrl.Start(); err != nil {
		logger.Error("start controller", "err", err)
		hw.Close()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctrl.Run(ctx)
	}()

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webServer := web.NewServer(ctrl, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	if cfg.Console.Enabled {
		con := console.New(ctrl, logger, console.WithVersion(version), console.WithI2CScan(hw.scan))
		wg.Add(1)
		go func() {
			defer wg.Done()
			con.RunSerial(ctx, cfg.Console.Port, cfg.Console.Baud)
		}()
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(ctrl, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	cancel()
	wg.Wait()

	logger.Info("goodbye")
}

// hardware is the opened board plus the resources backing it.
type hardware struct {
	board   *hal.Board
	sensors sensors.Driver
	closers []func() error
	bus     i2c.Bus
}

func (h *hardware) Close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		_ = h.closers[i]()
	}
	h.closers = nil
}

// scan probes the I2C bus; nil without one.
func (h *hardware) scan() []uint16 {
	if h.bus == nil {
		return nil
	}
	return hal.Scan(h.bus)
}

func openHardware(cfg *Config, logger *slog.Logger) (*hardware, error) {
	hw := &hardware{}
	bc := hal.BoardConfig{AnalogSamples: cfg.Hardware.AnalogSamples}

	if cfg.Hardware.Simulate {
		logger.Warn("hardware simulation enabled, no I/O is performed")
		bc.InputsLow, bc.InputsHigh = hal.NewMemPort(), hal.NewMemPort()
		bc.OutputsLow, bc.OutputsHigh = hal.NewMemPort(), hal.NewMemPort()
		bc.Direct = hal.NewMemDirect()
		bc.ADC = &hal.MemADC{}
		hw.sensors = &sensors.MemDriver{}
		hw.board = hal.NewBoard(bc, logger)
		return hw, nil
	}

	bus, err := hal.OpenI2C(cfg.Hardware.I2CBus)
	if err != nil {
		return nil, err
	}
	hw.bus = bus
	hw.closers = append(hw.closers, bus.Close)
	for name, addr := range map[string]uint16{
		"inputs low": cfg.Hardware.InputsLow, "inputs high": cfg.Hardware.InputsHigh,
		"outputs low": cfg.Hardware.OutputsLow, "outputs high": cfg.Hardware.OutputsHigh,
	} {
		if !hal.Probe(bus, addr) {
			logger.Warn("PCF8574 not responding", "port", name, "addr", fmt.Sprintf("0x%02x", addr))
		}
	}
	bc.InputsLow = hal.NewPCF8574(bus, cfg.Hardware.InputsLow)
	bc.InputsHigh = hal.NewPCF8574(bus, cfg.Hardware.InputsHigh)
	bc.OutputsLow = hal.NewPCF8574(bus, cfg.Hardware.OutputsLow)
	bc.OutputsHigh = hal.NewPCF8574(bus, cfg.Hardware.OutputsHigh)

	if cfg.Hardware.GPIOChip != "" && len(cfg.Hardware.HTPins) == hal.NumDirectInputs {
		var pins [hal.NumDirectInputs]int
		copy(pins[:], cfg.Hardware.HTPins)
		direct, err := hal.NewGPIODirect(cfg.Hardware.GPIOChip, pins)
		if err != nil {
			logger.Warn("HT inputs unavailable", "chip", cfg.Hardware.GPIOChip, "err", err)
		} else {
			bc.Direct = direct
			hw.closers = append(hw.closers, direct.Close)
		}
	}

	if cfg.Hardware.ADCDir != "" {
		var channels [hal.NumAnalog]int
		copy(channels[:], cfg.Hardware.ADCChannels)
		bc.ADC = hal.NewSysfsADC(cfg.Hardware.ADCDir, channels)
	}

	var dirs [sensors.NumSlots]string
	copy(dirs[:], cfg.Sensors.Dirs)
	hw.sensors = sensors.NewSysfsDriver(dirs)

	hw.board = hal.NewBoard(bc, logger)
	return hw, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Hardware.InputsLow == 0 {
		cfg.Hardware.InputsLow = hal.AddrInputsLow
	}
	if cfg.Hardware.InputsHigh == 0 {
		cfg.Hardware.InputsHigh = hal.AddrInputsHigh
	}
	if cfg.Hardware.OutputsLow == 0 {
		cfg.Hardware.OutputsLow = hal.AddrOutputsLow
	}
	if cfg.Hardware.OutputsHigh == 0 {
		cfg.Hardware.OutputsHigh = hal.AddrOutputsHigh
	}
	if len(cfg.Hardware.ADCChannels) == 0 {
		cfg.Hardware.ADCChannels = []int{0, 1, 2, 3}
	}
	if cfg.Console.Baud == 0 {
		cfg.Console.Baud = 115200
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "kc868-home.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "kc868"
	}
	if len(cfg.NTP.Servers) == 0 {
		cfg.NTP.Servers = []string{"pool.ntp.org", "time.nist.gov"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
