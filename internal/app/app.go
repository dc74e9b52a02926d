package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/cycle"
	"cloudpico-node/internal/db"
	"cloudpico-node/internal/display"
	"cloudpico-node/internal/migrate"
	"cloudpico-node/internal/mqtt"
	"cloudpico-node/internal/outbox"
	"cloudpico-node/internal/power"
	"cloudpico-node/internal/sensor"
	"cloudpico-node/internal/wifi"

	"github.com/godbus/dbus/v5"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Run repeats duty cycles until ctx is cancelled. Hardware that is missing
// fails individual cycles, which are retried after the next sleep.
func Run(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()
	logger.Info("initializing node",
		"ssid", cfg.WiFiSSID,
		"ap_enabled", cfg.WiFiAPEnabled,
		"mqtt_broker", cfg.MQTTBroker,
		"mqtt_port", cfg.MQTTPort,
		"sleep", cfg.SleepDuration,
		"sleep_mode", cfg.SleepMode,
	)

	if _, err := host.Init(); err != nil {
		logger.Warn("periph host init failed; sensor and display will be unavailable", "error", err)
	}
	buses := &busSet{logger: logger}
	defer buses.Close()

	deps, closeDeps, err := buildDeps(ctx, cfg, buses, logger)
	if err != nil {
		return err
	}
	defer closeDeps()

	ctrl := cycle.NewController(cycle.Config{
		Credentials:    wifi.Credentials{SSID: cfg.WiFiSSID, Passphrase: cfg.WiFiPassphrase},
		ConnectTimeout: cfg.WiFiConnectTimeout,
		Schedule:       power.Schedule{Duration: cfg.SleepDuration},
		Retry: cycle.RetryPolicy{
			MaxAttempts:     cfg.RetryMaxAttempts,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
		},
	}, deps, logger)

	for n := 1; ; n++ {
		logger.Info("cycle starting", "cycle", n)
		res := ctrl.Run(ctx)
		if res.SleepErr != nil && !errors.Is(res.SleepErr, context.Canceled) {
			logger.Error("sleep failed", "error", res.SleepErr)
		}
		if res.Class == cycle.ClassShutdown || ctx.Err() != nil {
			logger.Info("node shutting down", "cycles", n)
			return ctx.Err()
		}
	}
}

func buildDeps(ctx context.Context, cfg config.Config, buses *busSet, logger *slog.Logger) (cycle.Deps, func(), error) {
	sensorReader := sensor.NewReader(func() (sensor.Device, error) {
		bus, err := buses.Open(cfg.SensorI2CBus)
		if err != nil {
			return nil, err
		}
		return sensor.BME280(bus, cfg.BME280Address)()
	}, logger)

	presenter := display.NewPresenter(func() (display.Panel, error) {
		bus, err := buses.Open(cfg.DisplayI2CBus)
		if err != nil {
			return nil, err
		}
		return display.SSD1306(bus)()
	}, logger)

	var apProfile *wifi.AccessPointProfile
	if cfg.WiFiAPEnabled {
		apProfile = &wifi.AccessPointProfile{SSID: cfg.WiFiAPSSID, Channel: cfg.WiFiAPChannel}
	}
	radio := wifi.NewNetworkManager(dbus.SystemBus, cfg.WiFiInterface, cfg.WiFiAPInterface, logger)
	prober := wifi.ICMPProber{
		Count:      cfg.WiFiPingCount,
		Timeout:    cfg.WiFiPingTimeout,
		Privileged: true,
		Logger:     logger,
	}
	connector := wifi.NewConnector(radio, prober, wifi.Options{
		AccessPoint:     apProfile,
		FallbackChannel: cfg.WiFiAPChannel,
	}, logger)

	dialer := mqtt.Dialer{
		Options: mqtt.Options{
			Broker:         cfg.MQTTBroker,
			Port:           cfg.MQTTPort,
			ClientID:       cfg.MQTTClientID,
			SubscribeTopic: cfg.MQTTSubscribeTopic,
			ConnectTimeout: cfg.MQTTConnectTimeout,
			PublishTimeout: cfg.MQTTPublishTimeout,
		},
		Logger: logger,
	}

	var sleeper power.Sleeper = &power.ProcessSleeper{Logger: logger}
	if cfg.SleepMode == config.SleepModeRTC {
		sleeper = &power.FallbackSleeper{
			Primary:  &power.RTCSleeper{Logger: logger},
			Fallback: sleeper,
			Logger:   logger,
		}
	}

	deps := cycle.Deps{
		Sensor:  sensorReader,
		Display: presenter,
		Network: connector,
		Broker: func(ctx context.Context) (cycle.Publisher, error) {
			s, err := dialer.Open(ctx)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Sleeper: sleeper,
	}

	closeAll := func() {
		if err := presenter.Close(); err != nil {
			logger.Warn("close display", "error", err)
		}
		if err := sensorReader.Close(); err != nil {
			logger.Warn("close sensor", "error", err)
		}
	}

	if cfg.OutboxPath == "" {
		return deps, closeAll, nil
	}

	store, err := db.Open(ctx, cfg.OutboxPath, logger)
	if err != nil {
		closeAll()
		return cycle.Deps{}, nil, fmt.Errorf("open outbox: %w", err)
	}
	if _, err := migrate.Run(ctx, store, logger); err != nil {
		_ = db.Close(store)
		closeAll()
		return cycle.Deps{}, nil, fmt.Errorf("migrate outbox: %w", err)
	}
	deps.Outbox = outbox.NewRepository(store, cfg.OutboxMaxEntries, logger)
	logger.Info("outbox enabled", "path", cfg.OutboxPath, "max_entries", cfg.OutboxMaxEntries)

	return deps, func() {
		closeAll()
		if err := db.Close(store); err != nil {
			logger.Warn("close outbox", "error", err)
		}
	}, nil
}

// busSet opens each named I²C bus once and keeps it for the process lifetime.
type busSet struct {
	logger *slog.Logger

	mu    sync.Mutex
	buses map[string]i2c.BusCloser
}

func (b *busSet) Open(name string) (i2c.Bus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bus, ok := b.buses[name]; ok {
		return bus, nil
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", name, err)
	}
	if b.buses == nil {
		b.buses = make(map[string]i2c.BusCloser)
	}
	b.buses[name] = bus
	b.logger.Debug("i2c bus opened", "bus", bus.String())
	return bus, nil
}

func (b *busSet) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, bus := range b.buses {
		if err := bus.Close(); err != nil {
			b.logger.Warn("close i2c bus", "bus", name, "error", err)
		}
	}
	b.buses = nil
}
