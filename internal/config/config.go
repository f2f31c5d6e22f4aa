// Package config manages drivemonitord configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete drivemonitord configuration.
type Config struct {
	Ctl       CtlConfig       `koanf:"ctl"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Analyzer  AnalyzerConfig  `koanf:"analyzer"`
	PLC       PLCConfig       `koanf:"plc"`
	Modem     ModemConfig     `koanf:"modem"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Offline   OfflineConfig   `koanf:"offline"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
}

// CtlConfig holds the read-only HTTP/JSON control-plane server configuration.
type CtlConfig struct {
	// Addr is the control-plane listen address (e.g., ":8080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// AnalyzerConfig holds the behavior analyzer's scoring parameters
// (spec §4.G). Behavior weights are keyed by label name.
type AnalyzerConfig struct {
	Weights                    map[string]float64 `koanf:"weights"`
	MinConfidence              float64             `koanf:"min_confidence"`
	FatigueMinConfidence       float64             `koanf:"fatigue_min_confidence"`
	FocusedMinConfidence       float64             `koanf:"focused_min_confidence"`
	DurationThreshold          time.Duration       `koanf:"duration_threshold"`
	FatigueDurationThreshold   time.Duration       `koanf:"fatigue_duration_threshold"`
	MinDetectionsForDuration   int                 `koanf:"min_detections_for_duration"`
	WindowSize                 time.Duration       `koanf:"window_size"`
	CountThreshold             int                 `koanf:"count_threshold"`
	ScoreThreshold             float64             `koanf:"score_threshold"`
	ProgressIncrement          float64             `koanf:"progress_increment"`
	ProgressDecrementFocused   float64             `koanf:"progress_decrement_focused"`
	ProgressDecrementNormal    float64             `koanf:"progress_decrement_normal"`
	SafeDrivingConfirmTime     time.Duration       `koanf:"safe_driving_confirm_time"`
	LevelResetThreshold        time.Duration       `koanf:"level_reset_threshold"`
	MultiEventCooldown         time.Duration       `koanf:"multi_event_cooldown"`
	Level3Cooldown             time.Duration       `koanf:"level3_cooldown"`
	ContinuousDistractedWindow time.Duration       `koanf:"continuous_distracted_window"`
	ContinuousDistractedCount  int                 `koanf:"continuous_distracted_count"`
	EventMergeWindow           time.Duration       `koanf:"event_merge_window"`
}

// PLCConfig holds the Modbus/TCP PLC bridge configuration (spec §4.B, §6).
type PLCConfig struct {
	// Host is the PLC's Modbus/TCP address.
	Host string `koanf:"host"`
	// Port is the Modbus/TCP port, overridable via the PLC_MODBUS_PORT
	// environment variable per spec §6.
	Port int `koanf:"port"`
	// UnitID is the Modbus unit identifier.
	UnitID byte `koanf:"unit_id"`
	// WriteTimeout bounds every coil write (spec §4.B: hard 2s timeout).
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// DialTimeout is loaded but not passed to the PLC bridge: the Modbus
	// connect uses WriteTimeout, and the reachability probe a fixed 1s.
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// ModemConfig holds the LTE modem serial transport configuration (spec §4.A, §6).
type ModemConfig struct {
	Port       string        `koanf:"port"`
	BaudRate   int           `koanf:"baud_rate"`
	APN        string        `koanf:"apn"`
	NTPServer  string        `koanf:"ntp_server"`
	ATTimeout  time.Duration `koanf:"at_timeout"`
	HTTPTimeout time.Duration `koanf:"http_timeout"`
}

// TelemetryConfig holds the network manager's device identity, server and
// timing configuration (spec §4.F, §6).
type TelemetryConfig struct {
	BaseURL       string        `koanf:"base_url"`
	DeviceID      string        `koanf:"device_id"`
	DeviceType    string        `koanf:"device_type"`
	Username      string        `koanf:"username"`
	Password      string        `koanf:"password"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	GPSInterval   time.Duration `koanf:"gps_interval"`
	EventCooldown time.Duration `koanf:"event_cooldown"`
	RetryInterval time.Duration `koanf:"retry_interval"`
	DefaultLat    float64       `koanf:"default_lat"`
	DefaultLng    float64       `koanf:"default_lng"`
	MaxGPSFailures int          `koanf:"max_gps_failures"`
	GPSRetries    int           `koanf:"gps_retries"`
	GPSRetryDelay time.Duration `koanf:"gps_retry_delay"`
}

// OfflineConfig holds the offline store configuration (spec §4.D).
type OfflineConfig struct {
	// FilePath is where the pending-item queue is persisted.
	FilePath string `koanf:"file_path"`
	// Capacity bounds the in-memory FIFO (recommended 10,000 per spec §4.D).
	Capacity int `koanf:"capacity"`
	// MaxRetries is the per-item retry ceiling before the item is dropped.
	MaxRetries int `koanf:"max_retries"`
	// EncryptionKeyPath is the 32-byte AES key file generated on first start.
	EncryptionKeyPath string `koanf:"encryption_key_path"`
}

// SchedulerConfig holds periodic job cadences (spec §4.C, §5).
type SchedulerConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the defaults from spec §4.G's
// parameter table and §6's external interface description.
func DefaultConfig() *Config {
	return &Config{
		Ctl: CtlConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Analyzer: AnalyzerConfig{
			Weights: map[string]float64{
				"eyes_closed":            0.8,
				"yawning":                0.7,
				"eyes_closed_head_left":  0.6,
				"eyes_closed_head_right": 0.6,
				"head_up":                0.3,
				"head_down":              0.5,
				"seeing_left":            0.4,
				"seeing_right":           0.4,
				"focused":                0.0,
			},
			MinConfidence:              0.80,
			FatigueMinConfidence:       0.85,
			FocusedMinConfidence:       0.72,
			DurationThreshold:          1500 * time.Millisecond,
			FatigueDurationThreshold:   2 * time.Second,
			MinDetectionsForDuration:   2,
			WindowSize:                 30 * time.Second,
			CountThreshold:             3,
			ScoreThreshold:             0.8,
			ProgressIncrement:          3.0,
			ProgressDecrementFocused:   5.0,
			ProgressDecrementNormal:    0.5,
			SafeDrivingConfirmTime:     3 * time.Second,
			LevelResetThreshold:        10 * time.Second,
			MultiEventCooldown:         10 * time.Second,
			Level3Cooldown:             5 * time.Second,
			ContinuousDistractedWindow: 90 * time.Second,
			ContinuousDistractedCount:  7,
			EventMergeWindow:           5 * time.Second,
		},
		PLC: PLCConfig{
			Host:         "127.0.0.1",
			Port:         502,
			UnitID:       1,
			WriteTimeout: 2 * time.Second,
			DialTimeout:  1 * time.Second,
		},
		Modem: ModemConfig{
			Port:        "/dev/ttyUSB2",
			BaudRate:    115200,
			NTPServer:   "ntp.aliyun.com",
			ATTimeout:   5 * time.Second,
			HTTPTimeout: 60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			RequestTimeout: 20 * time.Second,
			GPSInterval:    30 * time.Second,
			EventCooldown:  5 * time.Second,
			RetryInterval:  60 * time.Second,
			MaxGPSFailures: 3,
			GPSRetries:     3,
			GPSRetryDelay:  time.Second,
		},
		Offline: OfflineConfig{
			FilePath:          "offline_data.json",
			Capacity:          10000,
			MaxRetries:        3,
			EncryptionKeyPath: "network_key.bin",
		},
		Scheduler: SchedulerConfig{
			HeartbeatInterval: 10 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for drivemonitord configuration.
// Variables are named DRIVEMON_<section>_<key>, e.g., DRIVEMON_PLC_PORT.
// spec §6 additionally recognizes the bare PLC_MODBUS_PORT variable as an
// override of plc.port; Load applies it after the DRIVEMON_ layer so it
// always wins, matching plc_bridge.py's PLC_MODBUS_PORT precedence.
const envPrefix = "DRIVEMON_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides, and merges on top of DefaultConfig(). Missing fields
// inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyPLCPortOverride(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms DRIVEMON_PLC_PORT -> plc.port.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"ctl.addr":                                defaults.Ctl.Addr,
		"metrics.addr":                             defaults.Metrics.Addr,
		"metrics.path":                             defaults.Metrics.Path,
		"log.level":                                defaults.Log.Level,
		"log.format":                                defaults.Log.Format,
		"plc.host":                                  defaults.PLC.Host,
		"plc.port":                                  defaults.PLC.Port,
		"plc.unit_id":                               defaults.PLC.UnitID,
		"plc.write_timeout":                         defaults.PLC.WriteTimeout.String(),
		"plc.dial_timeout":                          defaults.PLC.DialTimeout.String(),
		"modem.port":                                defaults.Modem.Port,
		"modem.baud_rate":                           defaults.Modem.BaudRate,
		"modem.apn":                                 defaults.Modem.APN,
		"modem.ntp_server":                          defaults.Modem.NTPServer,
		"modem.at_timeout":                          defaults.Modem.ATTimeout.String(),
		"modem.http_timeout":                        defaults.Modem.HTTPTimeout.String(),
		"telemetry.base_url":                        defaults.Telemetry.BaseURL,
		"telemetry.device_id":                       defaults.Telemetry.DeviceID,
		"telemetry.device_type":                     defaults.Telemetry.DeviceType,
		"telemetry.username":                        defaults.Telemetry.Username,
		"telemetry.password":                        defaults.Telemetry.Password,
		"telemetry.request_timeout":                 defaults.Telemetry.RequestTimeout.String(),
		"telemetry.gps_interval":                    defaults.Telemetry.GPSInterval.String(),
		"telemetry.event_cooldown":                  defaults.Telemetry.EventCooldown.String(),
		"telemetry.retry_interval":                  defaults.Telemetry.RetryInterval.String(),
		"telemetry.default_lat":                     defaults.Telemetry.DefaultLat,
		"telemetry.default_lng":                     defaults.Telemetry.DefaultLng,
		"telemetry.max_gps_failures":                defaults.Telemetry.MaxGPSFailures,
		"telemetry.gps_retries":                     defaults.Telemetry.GPSRetries,
		"telemetry.gps_retry_delay":                 defaults.Telemetry.GPSRetryDelay.String(),
		"offline.file_path":                         defaults.Offline.FilePath,
		"offline.capacity":                          defaults.Offline.Capacity,
		"offline.max_retries":                       defaults.Offline.MaxRetries,
		"offline.encryption_key_path":                defaults.Offline.EncryptionKeyPath,
		"scheduler.heartbeat_interval":               defaults.Scheduler.HeartbeatInterval.String(),
		"analyzer.min_confidence":                   defaults.Analyzer.MinConfidence,
		"analyzer.fatigue_min_confidence":            defaults.Analyzer.FatigueMinConfidence,
		"analyzer.focused_min_confidence":            defaults.Analyzer.FocusedMinConfidence,
		"analyzer.duration_threshold":                defaults.Analyzer.DurationThreshold.String(),
		"analyzer.fatigue_duration_threshold":        defaults.Analyzer.FatigueDurationThreshold.String(),
		"analyzer.min_detections_for_duration":       defaults.Analyzer.MinDetectionsForDuration,
		"analyzer.window_size":                       defaults.Analyzer.WindowSize.String(),
		"analyzer.count_threshold":                   defaults.Analyzer.CountThreshold,
		"analyzer.score_threshold":                   defaults.Analyzer.ScoreThreshold,
		"analyzer.progress_increment":                defaults.Analyzer.ProgressIncrement,
		"analyzer.progress_decrement_focused":        defaults.Analyzer.ProgressDecrementFocused,
		"analyzer.progress_decrement_normal":         defaults.Analyzer.ProgressDecrementNormal,
		"analyzer.safe_driving_confirm_time":         defaults.Analyzer.SafeDrivingConfirmTime.String(),
		"analyzer.level_reset_threshold":             defaults.Analyzer.LevelResetThreshold.String(),
		"analyzer.multi_event_cooldown":              defaults.Analyzer.MultiEventCooldown.String(),
		"analyzer.level3_cooldown":                   defaults.Analyzer.Level3Cooldown.String(),
		"analyzer.continuous_distracted_window":      defaults.Analyzer.ContinuousDistractedWindow.String(),
		"analyzer.continuous_distracted_count":       defaults.Analyzer.ContinuousDistractedCount,
		"analyzer.event_merge_window":                defaults.Analyzer.EventMergeWindow.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	for label, w := range defaults.Analyzer.Weights {
		if err := k.Set("analyzer.weights."+label, w); err != nil {
			return fmt.Errorf("set default weight %s: %w", label, err)
		}
	}

	return nil
}

// applyPLCPortOverride honors the bare PLC_MODBUS_PORT environment variable
// (spec §6), which takes precedence over plc.port from file/DRIVEMON_ env.
func applyPLCPortOverride(cfg *Config) {
	raw, ok := os.LookupEnv("PLC_MODBUS_PORT")
	if !ok || raw == "" {
		return
	}
	var port int
	if _, err := fmt.Sscanf(raw, "%d", &port); err == nil && port > 0 {
		cfg.PLC.Port = port
	}
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors (spec §7: ConfigError — fatal at startup only).
var (
	ErrEmptyCtlAddr          = errors.New("ctl.addr must not be empty")
	ErrInvalidPLCPort        = errors.New("plc.port must be > 0")
	ErrEmptyModemPort        = errors.New("modem.port must not be empty")
	ErrInvalidOfflineCap     = errors.New("offline.capacity must be > 0")
	ErrInvalidAnalyzerWindow = errors.New("analyzer.window_size must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Ctl.Addr == "" {
		return ErrEmptyCtlAddr
	}
	if cfg.PLC.Port <= 0 {
		return ErrInvalidPLCPort
	}
	if cfg.Modem.Port == "" {
		return ErrEmptyModemPort
	}
	if cfg.Offline.Capacity <= 0 {
		return ErrInvalidOfflineCap
	}
	if cfg.Analyzer.WindowSize <= 0 {
		return ErrInvalidAnalyzerWindow
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
