package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	insights "plant-insights/internal/insights/domain"
)

// Ledger drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Range sources.
const (
	RangesPostgres = "postgres"
	RangesYAML     = "yaml"
)

// Config is the process configuration.
type Config struct {
	HTTPAddr       string
	DatabaseURL    string
	LedgerDriver   string
	SQLitePath     string
	RangesSource   string
	RangesFile     string
	RangesRefresh  time.Duration
	BufferCapacity int

	PumpSchedule       string
	PumpSimulate       bool
	PumpRetryMaxElapse time.Duration

	Severity insights.SeverityPolicy

	StreamHeartbeat time.Duration
	ChannelIdleTTL  time.Duration

	MQTTBroker   string
	MQTTTopic    string
	RedisAddr    string
	RedisChannel string

	WebhookURL         string
	NotifyMinSeverity  insights.Severity
	NotifyCooldown     time.Duration
	NotifyDedupeWindow time.Duration
	NotifyTimeout      time.Duration

	LogLevel       string
	LogDevelopment bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("LEDGER_DRIVER", "")
	v.SetDefault("SQLITE_PATH", "file:insights.db")
	v.SetDefault("RANGES_SOURCE", "")
	v.SetDefault("RANGES_FILE", "ranges.yaml")
	v.SetDefault("RANGES_REFRESH", "5m")
	v.SetDefault("BUFFER_CAPACITY", 10000)
	v.SetDefault("PUMP_SCHEDULE", "@every 30s")
	v.SetDefault("PUMP_SIMULATE", true)
	v.SetDefault("PUMP_RETRY_MAX_ELAPSED", "20s")
	v.SetDefault("SEVERITY_MEDIUM_RATIO", 0.10)
	v.SetDefault("SEVERITY_HIGH_RATIO", 0.25)
	v.SetDefault("STREAM_HEARTBEAT", "15s")
	v.SetDefault("CHANNEL_IDLE_TTL", "10m")
	v.SetDefault("MQTT_BROKER", "")
	v.SetDefault("MQTT_TOPIC", "plant/readings")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_CHANNEL", "facility-wakes")
	v.SetDefault("INSIGHT_WEBHOOK_URL", "")
	v.SetDefault("INSIGHT_NOTIFY_MIN_SEVERITY", string(insights.SeverityMedium))
	v.SetDefault("INSIGHT_NOTIFY_COOLDOWN", "0s")
	v.SetDefault("INSIGHT_NOTIFY_DEDUP_WINDOW", "0s")
	v.SetDefault("INSIGHT_NOTIFY_TIMEOUT", "5s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEVELOPMENT", false)
}

// Load reads defaults, the optional CONFIG_FILE and the environment, in increasing priority.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPAddr:           v.GetString("HTTP_ADDR"),
		DatabaseURL:        v.GetString("DATABASE_URL"),
		LedgerDriver:       strings.ToLower(v.GetString("LEDGER_DRIVER")),
		SQLitePath:         v.GetString("SQLITE_PATH"),
		RangesSource:       strings.ToLower(v.GetString("RANGES_SOURCE")),
		RangesFile:         v.GetString("RANGES_FILE"),
		RangesRefresh:      v.GetDuration("RANGES_REFRESH"),
		BufferCapacity:     v.GetInt("BUFFER_CAPACITY"),
		PumpSchedule:       v.GetString("PUMP_SCHEDULE"),
		PumpSimulate:       v.GetBool("PUMP_SIMULATE"),
		PumpRetryMaxElapse: v.GetDuration("PUMP_RETRY_MAX_ELAPSED"),
		Severity: insights.SeverityPolicy{
			MediumRatio: v.GetFloat64("SEVERITY_MEDIUM_RATIO"),
			HighRatio:   v.GetFloat64("SEVERITY_HIGH_RATIO"),
		},
		StreamHeartbeat:    v.GetDuration("STREAM_HEARTBEAT"),
		ChannelIdleTTL:     v.GetDuration("CHANNEL_IDLE_TTL"),
		MQTTBroker:         v.GetString("MQTT_BROKER"),
		MQTTTopic:          v.GetString("MQTT_TOPIC"),
		RedisAddr:          v.GetString("REDIS_ADDR"),
		RedisChannel:       v.GetString("REDIS_CHANNEL"),
		WebhookURL:         v.GetString("INSIGHT_WEBHOOK_URL"),
		NotifyCooldown:     v.GetDuration("INSIGHT_NOTIFY_COOLDOWN"),
		NotifyDedupeWindow: v.GetDuration("INSIGHT_NOTIFY_DEDUP_WINDOW"),
		NotifyTimeout:      v.GetDuration("INSIGHT_NOTIFY_TIMEOUT"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogDevelopment:     v.GetBool("LOG_DEVELOPMENT"),
	}
	severity, err := insights.ParseSeverity(v.GetString("INSIGHT_NOTIFY_MIN_SEVERITY"))
	if err != nil {
		return Config{}, fmt.Errorf("config: INSIGHT_NOTIFY_MIN_SEVERITY: %w", err)
	}
	cfg.NotifyMinSeverity = severity

	if cfg.LedgerDriver == "" {
		cfg.LedgerDriver = DriverSQLite
		if cfg.DatabaseURL != "" {
			cfg.LedgerDriver = DriverPostgres
		}
	}
	if cfg.RangesSource == "" {
		cfg.RangesSource = RangesYAML
		if cfg.DatabaseURL != "" {
			cfg.RangesSource = RangesPostgres
		}
	}
	return cfg, cfg.Validate()
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR is required"))
	}
	switch c.LedgerDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("LEDGER_DRIVER=postgres requires DATABASE_URL"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("LEDGER_DRIVER=sqlite requires SQLITE_PATH"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_DRIVER %q", c.LedgerDriver))
	}
	switch c.RangesSource {
	case RangesPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("RANGES_SOURCE=postgres requires DATABASE_URL"))
		}
	case RangesYAML:
		if c.RangesFile == "" {
			errs = append(errs, errors.New("RANGES_SOURCE=yaml requires RANGES_FILE"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RANGES_SOURCE %q", c.RangesSource))
	}
	if c.PumpSchedule == "" {
		errs = append(errs, errors.New("PUMP_SCHEDULE is required"))
	}
	if c.BufferCapacity <= 0 {
		errs = append(errs, fmt.Errorf("BUFFER_CAPACITY must be > 0, got %d", c.BufferCapacity))
	}
	for name, d := range map[string]time.Duration{
		"RANGES_REFRESH":         c.RangesRefresh,
		"PUMP_RETRY_MAX_ELAPSED": c.PumpRetryMaxElapse,
		"STREAM_HEARTBEAT":       c.StreamHeartbeat,
		"CHANNEL_IDLE_TTL":       c.ChannelIdleTTL,
		"INSIGHT_NOTIFY_TIMEOUT": c.NotifyTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if err := c.Severity.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
