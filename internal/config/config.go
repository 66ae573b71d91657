// v0
// internal/config/config.go
package config

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config captures the process configuration of the floor controller.
// Values are layered: defaults, then a properties file, then FLOORCTL_*
// environment variables. Runtime-tunable business values live in the
// settings store instead.
type Config struct {
	// ListenAddress is the HTTP gateway address.
	ListenAddress string
	// DeviceListenAddress is the TCP address devices connect to.
	DeviceListenAddress string
	LogFilePath         string
	LogLevel            string
	HTTPReadTimeout     time.Duration
	HTTPWriteTimeout    time.Duration
	ShutdownTimeout     time.Duration
	// DeviceReadTimeout closes device sessions that stay silent this long.
	DeviceReadTimeout time.Duration
	PropertiesPath    string

	SettingsPath          string
	LubricationPolicyPath string
	TensionPolicyPath     string
	PolicyWatchInterval   time.Duration

	AnalyticsInterval time.Duration
	AnalyticsWindow   time.Duration
	DefaultGateway    string
	AlertSustainTicks int
	AlertClearTicks   int
	// IdleThresholdKW marks grid power below it as idle. Zero derives the
	// threshold from each window.
	IdleThresholdKW float64

	// Telemetry store written by device sessions. An empty URL disables it.
	InfluxURL         string
	InfluxToken       string
	InfluxOrg         string
	InfluxBucket      string
	InfluxReconnect   time.Duration
	TelemetryQueueLen int

	// Grid monitor store read by the analytics loop. An empty URL disables it.
	MonitorURL    string
	MonitorToken  string
	MonitorOrg    string
	MonitorBucket string

	EventDBPath string

	// KafkaBrokers enables the command ingress and event egress when set.
	KafkaBrokers   []string
	CommandTopic   string
	CommandGroupID string
	EventTopic     string

	MQTTBroker  string
	MQTTTopic   string
	WebhookURL  string
	ForecastURL string

	ControlPassword string
}

const (
	defaultListenAddress       = ":8000"
	defaultDeviceListenAddress = ":8012"
	defaultLogFile             = "logs/floorctl.log"
	defaultReadTimeout         = 5 * time.Second
	defaultWriteTimeout        = 10 * time.Second
	defaultShutdown            = 5 * time.Second
	defaultDeviceReadTimeout   = 2 * time.Minute
	defaultPropsPath           = "floorctl.properties"
	defaultSettingsPath        = "config/settings.yaml"
	defaultLubricationPolicy   = "models/lubrication_policy.cbor"
	defaultTensionPolicy       = "models/tension_policy.cbor"
	defaultPolicyWatch         = 5 * time.Second
	defaultAnalyticsInterval   = 60 * time.Second
	defaultAnalyticsWindow     = 1440 * time.Minute
	defaultGateway             = "energy*1*1"
	defaultSustainTicks        = 1
	defaultClearTicks          = 2
	defaultInfluxReconnect     = 30 * time.Second
	defaultTelemetryQueue      = 1024
	defaultSensorBucket        = "energy_save_data"
	defaultMonitorBucket       = "energy"
	defaultEventDB             = "data/events.db"
	defaultCommandTopic        = "floorctl.commands"
	defaultCommandGroup        = "floorctl-control"
	defaultEventTopic          = "floorctl.events"
	defaultMQTTTopic           = "floorctl/alerts"
	defaultControlPassword     = "admin123"
)

// propertyKeys lists every key accepted from the properties file. Each key
// is also read from the environment as FLOORCTL_<KEY>.
var propertyKeys = []string{
	"listen_address", "device_listen_address", "log_path", "log_level",
	"http_read_timeout_ms", "http_write_timeout_ms", "shutdown_timeout_ms", "device_read_timeout_ms",
	"settings_path", "lubrication_policy_path", "tension_policy_path", "policy_watch_interval_ms",
	"analytics_interval_ms", "analytics_window_minutes", "default_gateway",
	"alert_sustain_ticks", "alert_clear_ticks", "idle_threshold_kw",
	"influx_url", "influx_token", "influx_org", "influx_bucket", "influx_reconnect_ms", "telemetry_queue_len",
	"monitor_url", "monitor_token", "monitor_org", "monitor_bucket",
	"event_db_path",
	"kafka_brokers", "command_topic", "command_group_id", "event_topic",
	"mqtt_broker", "mqtt_topic", "webhook_url", "forecast_url",
	"control_password",
}

// Load resolves configuration. The properties file location can be
// overridden with FLOORCTL_PROPERTIES_PATH; a missing file is ignored.
func Load() (Config, error) {
	cfg := Config{
		ListenAddress:         defaultListenAddress,
		DeviceListenAddress:   defaultDeviceListenAddress,
		LogFilePath:           filepath.Clean(defaultLogFile),
		LogLevel:              "info",
		HTTPReadTimeout:       defaultReadTimeout,
		HTTPWriteTimeout:      defaultWriteTimeout,
		ShutdownTimeout:       defaultShutdown,
		DeviceReadTimeout:     defaultDeviceReadTimeout,
		SettingsPath:          defaultSettingsPath,
		LubricationPolicyPath: defaultLubricationPolicy,
		TensionPolicyPath:     defaultTensionPolicy,
		PolicyWatchInterval:   defaultPolicyWatch,
		AnalyticsInterval:     defaultAnalyticsInterval,
		AnalyticsWindow:       defaultAnalyticsWindow,
		DefaultGateway:        defaultGateway,
		AlertSustainTicks:     defaultSustainTicks,
		AlertClearTicks:       defaultClearTicks,
		InfluxBucket:          defaultSensorBucket,
		InfluxReconnect:       defaultInfluxReconnect,
		TelemetryQueueLen:     defaultTelemetryQueue,
		MonitorBucket:         defaultMonitorBucket,
		EventDBPath:           defaultEventDB,
		CommandTopic:          defaultCommandTopic,
		CommandGroupID:        defaultCommandGroup,
		EventTopic:            defaultEventTopic,
		MQTTTopic:             defaultMQTTTopic,
		ControlPassword:       defaultControlPassword,
	}

	propsPath := strings.TrimSpace(os.Getenv("FLOORCTL_PROPERTIES_PATH"))
	if propsPath == "" {
		propsPath = defaultPropsPath
	}
	cfg.PropertiesPath = propsPath

	if err := applyProperties(&cfg, propsPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyProperties(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, ";") {
			continue
		}
		key, value, ok := strings.Cut(raw, "=")
		if !ok {
			return fmt.Errorf("invalid properties entry on line %d", line)
		}
		key = strings.TrimSpace(key)
		if err := setProperty(cfg, key, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("property %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read properties: %w", err)
	}
	return nil
}

func setProperty(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "listen_address":
		cfg.ListenAddress, err = required(key, value)
	case "device_listen_address":
		cfg.DeviceListenAddress, err = required(key, value)
	case "log_path":
		var p string
		if p, err = required(key, value); err == nil {
			cfg.LogFilePath = filepath.Clean(p)
		}
	case "log_level":
		cfg.LogLevel = value
	case "http_read_timeout_ms":
		cfg.HTTPReadTimeout, err = parsePositiveMillis(value)
	case "http_write_timeout_ms":
		cfg.HTTPWriteTimeout, err = parsePositiveMillis(value)
	case "shutdown_timeout_ms":
		cfg.ShutdownTimeout, err = parsePositiveMillis(value)
	case "device_read_timeout_ms":
		cfg.DeviceReadTimeout, err = parsePositiveMillis(value)
	case "settings_path":
		cfg.SettingsPath, err = required(key, value)
	case "lubrication_policy_path":
		cfg.LubricationPolicyPath, err = required(key, value)
	case "tension_policy_path":
		cfg.TensionPolicyPath, err = required(key, value)
	case "policy_watch_interval_ms":
		cfg.PolicyWatchInterval, err = parsePositiveMillis(value)
	case "analytics_interval_ms":
		cfg.AnalyticsInterval, err = parsePositiveMillis(value)
	case "analytics_window_minutes":
		var n int
		if n, err = parsePositiveInt(value); err == nil {
			cfg.AnalyticsWindow = time.Duration(n) * time.Minute
		}
	case "default_gateway":
		cfg.DefaultGateway, err = required(key, value)
	case "alert_sustain_ticks":
		cfg.AlertSustainTicks, err = parsePositiveInt(value)
	case "alert_clear_ticks":
		cfg.AlertClearTicks, err = parsePositiveInt(value)
	case "idle_threshold_kw":
		cfg.IdleThresholdKW, err = parseNonNegativeFloat(value)
	case "influx_url":
		cfg.InfluxURL = value
	case "influx_token":
		cfg.InfluxToken = value
	case "influx_org":
		cfg.InfluxOrg = value
	case "influx_bucket":
		cfg.InfluxBucket, err = required(key, value)
	case "influx_reconnect_ms":
		cfg.InfluxReconnect, err = parsePositiveMillis(value)
	case "telemetry_queue_len":
		cfg.TelemetryQueueLen, err = parsePositiveInt(value)
	case "monitor_url":
		cfg.MonitorURL = value
	case "monitor_token":
		cfg.MonitorToken = value
	case "monitor_org":
		cfg.MonitorOrg = value
	case "monitor_bucket":
		cfg.MonitorBucket, err = required(key, value)
	case "event_db_path":
		cfg.EventDBPath = value
	case "kafka_brokers":
		cfg.KafkaBrokers = splitAndTrim(value)
	case "command_topic":
		cfg.CommandTopic, err = required(key, value)
	case "command_group_id":
		cfg.CommandGroupID, err = required(key, value)
	case "event_topic":
		cfg.EventTopic, err = required(key, value)
	case "mqtt_broker":
		cfg.MQTTBroker = value
	case "mqtt_topic":
		cfg.MQTTTopic, err = required(key, value)
	case "webhook_url":
		cfg.WebhookURL = value
	case "forecast_url":
		cfg.ForecastURL = value
	case "control_password":
		cfg.ControlPassword, err = required(key, value)
	default:
		// Unknown keys are ignored to keep the loader forward-compatible.
	}
	return err
}

func applyEnv(cfg *Config) error {
	for _, key := range propertyKeys {
		name := "FLOORCTL_" + strings.ToUpper(key)
		v, ok := lookupEnvTrimmed(name)
		if !ok {
			continue
		}
		if err := setProperty(cfg, key, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, ok := os.LookupEnv("FLOORCTL_KAFKA_BROKERS"); !ok {
		if v, ok := lookupEnvTrimmed("KAFKA_BROKERS"); ok {
			cfg.KafkaBrokers = splitAndTrim(v)
		}
	}
	if _, ok := os.LookupEnv("FLOORCTL_WEBHOOK_URL"); !ok {
		if v, ok := lookupEnvTrimmed("DINGTALK_WEBHOOK"); ok {
			cfg.WebhookURL = v
		}
	}
	return nil
}

func required(key, value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("%s cannot be empty", key)
	}
	return value, nil
}

func lookupEnvTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitAndTrim(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return n, nil
}

func parseNonNegativeFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %w", err)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("value must be a finite number >= 0")
	}
	return f, nil
}

func parsePositiveMillis(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	ms, err := parsePositiveInt(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
