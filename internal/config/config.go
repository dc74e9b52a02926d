package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level

	WiFiSSID           string
	WiFiPassphrase     string
	WiFiInterface      string
	WiFiAPEnabled      bool
	WiFiAPSSID         string
	WiFiAPInterface    string
	WiFiAPChannel      uint8
	WiFiConnectTimeout time.Duration
	WiFiPingCount      int
	WiFiPingTimeout    time.Duration

	MQTTBroker         string
	MQTTPort           int
	MQTTClientID       string
	MQTTSubscribeTopic string
	MQTTConnectTimeout time.Duration
	MQTTPublishTimeout time.Duration

	SensorI2CBus  string
	BME280Address uint16
	DisplayI2CBus string

	SleepDuration time.Duration
	SleepMode     string

	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// OutboxPath enables the store-and-forward buffer when non-empty.
	OutboxPath       string
	OutboxMaxEntries int
}

const (
	SleepModeRTC     = "rtc"
	SleepModeProcess = "process"
)

func LoadFromEnv() (Config, error) {
	appEnv := env("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(env("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:   appEnv,
		LogLevel: level,

		WiFiSSID:        env("WIFI_SSID", ""),
		WiFiPassphrase:  os.Getenv("WIFI_PASSPHRASE"),
		WiFiInterface:   env("WIFI_INTERFACE", "wlan0"),
		WiFiAPSSID:      env("WIFI_AP_SSID", "aptest"),
		WiFiAPInterface: env("WIFI_AP_INTERFACE", "uap0"),

		MQTTBroker:         env("MQTT_BROKER", "localhost"),
		MQTTClientID:       env("MQTT_CLIENT_ID", "cloudpico-node"),
		MQTTSubscribeTopic: env("MQTT_SUBSCRIBE_TOPIC", ""),

		SensorI2CBus:  env("SENSOR_I2C_BUS", ""),
		DisplayI2CBus: env("DISPLAY_I2C_BUS", ""),

		SleepMode:  env("SLEEP_MODE", SleepModeRTC),
		OutboxPath: env("OUTBOX_PATH", ""),
	}

	if cfg.WiFiSSID == "" {
		return Config{}, fmt.Errorf("WIFI_SSID is required")
	}
	switch cfg.SleepMode {
	case SleepModeRTC, SleepModeProcess:
	default:
		return Config{}, fmt.Errorf("invalid SLEEP_MODE %q (allowed: rtc, process)", cfg.SleepMode)
	}

	apEnabledStr := env("WIFI_AP_ENABLED", "true")
	cfg.WiFiAPEnabled, err = strconv.ParseBool(apEnabledStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid WIFI_AP_ENABLED %q: %w", apEnabledStr, err)
	}

	apChannelStr := env("WIFI_AP_CHANNEL", "1")
	apChannel, err := strconv.ParseUint(apChannelStr, 10, 8)
	if err != nil {
		return Config{}, fmt.Errorf("invalid WIFI_AP_CHANNEL %q: %w", apChannelStr, err)
	}
	if apChannel == 0 {
		return Config{}, fmt.Errorf("WIFI_AP_CHANNEL must be positive, got %d", apChannel)
	}
	cfg.WiFiAPChannel = uint8(apChannel)

	bme280AddressStr := env("BME280_ADDRESS", "0x76")
	bme280Address, err := strconv.ParseUint(bme280AddressStr, 0, 16)
	if err != nil {
		return Config{}, fmt.Errorf("invalid BME280_ADDRESS %q: %w", bme280AddressStr, err)
	}
	cfg.BME280Address = uint16(bme280Address)

	ints := []struct {
		key string
		def string
		min int
		dst *int
	}{
		{"WIFI_PING_COUNT", "5", 1, &cfg.WiFiPingCount},
		{"MQTT_PORT", "1883", 1, &cfg.MQTTPort},
		{"RETRY_MAX_ATTEMPTS", "3", 1, &cfg.RetryMaxAttempts},
		{"OUTBOX_MAX_ENTRIES", "100", 1, &cfg.OutboxMaxEntries},
	}
	for _, it := range ints {
		s := env(it.key, it.def)
		v, err := strconv.Atoi(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", it.key, s, err)
		}
		if v < it.min {
			return Config{}, fmt.Errorf("%s must be at least %d, got %d", it.key, it.min, v)
		}
		*it.dst = v
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"WIFI_CONNECT_TIMEOUT", "20s", &cfg.WiFiConnectTimeout},
		{"WIFI_PING_TIMEOUT", "5s", &cfg.WiFiPingTimeout},
		{"MQTT_CONNECT_TIMEOUT", "10s", &cfg.MQTTConnectTimeout},
		{"MQTT_PUBLISH_TIMEOUT", "5s", &cfg.MQTTPublishTimeout},
		{"SLEEP_DURATION", "60s", &cfg.SleepDuration},
		{"RETRY_INITIAL_INTERVAL", "2s", &cfg.RetryInitialInterval},
		{"RETRY_MAX_INTERVAL", "10s", &cfg.RetryMaxInterval},
	}
	for _, d := range durations {
		s := env(d.key, d.def)
		v, err := time.ParseDuration(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", d.key, s, err)
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive, got %v", d.key, v)
		}
		*d.dst = v
	}

	if cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		return Config{}, fmt.Errorf("RETRY_MAX_INTERVAL (%v) must not be below RETRY_INITIAL_INTERVAL (%v)",
			cfg.RetryMaxInterval, cfg.RetryInitialInterval)
	}

	return cfg, nil
}

// env returns the trimmed value of key, or def when it is unset or blank.
func env(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
