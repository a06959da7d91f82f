// Package config loads the patrold daemon configuration from a JSON
// file applied over built-in defaults. Deploy-time knobs (listen
// address, DSNs, broker URL) are overridden from the environment in
// main; everything else comes from the file.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/sentinel-robotics/patrolcore/internal/debounce"
	"github.com/sentinel-robotics/patrolcore/internal/patrol"
)

type Config struct {
	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
	Server struct {
		Address string `koanf:"address"`
	} `koanf:"server"`
	Postgres struct {
		DSN string `koanf:"dsn"`
	} `koanf:"postgres"`
	ClickHouse struct {
		DSN string `koanf:"dsn"`
	} `koanf:"clickhouse"`
	MQTT struct {
		BrokerURL string `koanf:"broker_url"` // empty runs the in-memory simulator
		ClientID  string `koanf:"client_id"`
		Username  string `koanf:"username"`
		Password  string `koanf:"password"`
	} `koanf:"mqtt"`
	Patrol struct {
		WaypointTimeoutSeconds   float64 `koanf:"waypoint_timeout_seconds"`
		WaypointAttempts         int     `koanf:"waypoint_attempts"`
		InspectionTimeoutSeconds float64 `koanf:"inspection_timeout_seconds"`
		QuietPeriodSeconds       float64 `koanf:"quiet_period_seconds"`
		BatteryThreshold         int     `koanf:"battery_threshold"`
		LowBatteryAction         string  `koanf:"low_battery_action"`
	} `koanf:"patrol"`
	Debounce struct {
		WindowSeconds       float64 `koanf:"window_seconds"`
		MinObservations     int     `koanf:"min_observations"`
		MinConfidence       float64 `koanf:"min_confidence"`
		OutlierStdThreshold float64 `koanf:"outlier_std_threshold"`
		EMAAlpha            float64 `koanf:"ema_alpha"`
	} `koanf:"debounce"`
	Relay struct {
		HistoryCap int `koanf:"history_cap"`
	} `koanf:"relay"`
	RouteCacheTTLSeconds float64 `koanf:"route_cache_ttl_seconds"`
}

// Default returns the built-in configuration. Patrol and debounce
// sections mirror the package defaults so a missing file changes
// nothing.
func Default() Config {
	var cfg Config
	cfg.Log.Level = "info"
	cfg.Server.Address = ":8080"
	cfg.MQTT.ClientID = "patrolcore"

	pc := patrol.DefaultConfig()
	cfg.Patrol.WaypointTimeoutSeconds = pc.WaypointTimeout.Seconds()
	cfg.Patrol.WaypointAttempts = pc.WaypointAttempts
	cfg.Patrol.InspectionTimeoutSeconds = pc.InspectionTimeout.Seconds()
	cfg.Patrol.QuietPeriodSeconds = pc.QuietPeriod.Seconds()
	cfg.Patrol.BatteryThreshold = pc.BatteryThreshold
	cfg.Patrol.LowBatteryAction = pc.LowBatteryAction

	dc := debounce.DefaultConfig()
	cfg.Debounce.WindowSeconds = dc.Window.Seconds()
	cfg.Debounce.MinObservations = dc.MinObservations
	cfg.Debounce.MinConfidence = dc.MinConfidence
	cfg.Debounce.OutlierStdThreshold = dc.OutlierStdThreshold
	cfg.Debounce.EMAAlpha = dc.EMAAlpha

	cfg.Relay.HistoryCap = 256
	cfg.RouteCacheTTLSeconds = 60
	return cfg
}

// Load reads the configuration file at path over Default(). An empty
// path skips the file and returns validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := k.Unmarshal("", &cfg); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("config: unknown log level %q", c.Log.Level)
	}
	if c.Server.Address == "" {
		return errors.New("config: server.address is required")
	}
	if c.Patrol.WaypointAttempts < 1 {
		return errors.Errorf("config: patrol.waypoint_attempts must be >= 1, got %d", c.Patrol.WaypointAttempts)
	}
	if c.Patrol.WaypointTimeoutSeconds <= 0 {
		return errors.Errorf("config: patrol.waypoint_timeout_seconds must be > 0, got %v", c.Patrol.WaypointTimeoutSeconds)
	}
	if c.Patrol.InspectionTimeoutSeconds <= 0 {
		return errors.Errorf("config: patrol.inspection_timeout_seconds must be > 0, got %v", c.Patrol.InspectionTimeoutSeconds)
	}
	if c.Patrol.QuietPeriodSeconds < 0 {
		return errors.Errorf("config: patrol.quiet_period_seconds must be >= 0, got %v", c.Patrol.QuietPeriodSeconds)
	}
	if c.Patrol.BatteryThreshold < 0 || c.Patrol.BatteryThreshold > 100 {
		return errors.Errorf("config: patrol.battery_threshold must be 0..100, got %d", c.Patrol.BatteryThreshold)
	}
	switch c.Patrol.LowBatteryAction {
	case patrol.LowBatteryCompleteCurrent, patrol.LowBatteryReturnImmediately:
	default:
		return errors.Errorf("config: unknown patrol.low_battery_action %q", c.Patrol.LowBatteryAction)
	}
	if c.Debounce.WindowSeconds <= 0 {
		return errors.Errorf("config: debounce.window_seconds must be > 0, got %v", c.Debounce.WindowSeconds)
	}
	if c.Debounce.MinObservations < 1 {
		return errors.Errorf("config: debounce.min_observations must be >= 1, got %d", c.Debounce.MinObservations)
	}
	if c.Debounce.MinConfidence < 0 || c.Debounce.MinConfidence > 1 {
		return errors.Errorf("config: debounce.min_confidence must be 0..1, got %v", c.Debounce.MinConfidence)
	}
	if c.Debounce.OutlierStdThreshold <= 0 {
		return errors.Errorf("config: debounce.outlier_std_threshold must be > 0, got %v", c.Debounce.OutlierStdThreshold)
	}
	if c.Debounce.EMAAlpha <= 0 || c.Debounce.EMAAlpha > 1 {
		return errors.Errorf("config: debounce.ema_alpha must be in (0, 1], got %v", c.Debounce.EMAAlpha)
	}
	if c.Relay.HistoryCap < 1 {
		return errors.Errorf("config: relay.history_cap must be >= 1, got %d", c.Relay.HistoryCap)
	}
	return nil
}

// PatrolConfig converts the patrol section to the engine's config type.
func (c *Config) PatrolConfig() patrol.Config {
	return patrol.Config{
		WaypointTimeout:   secondsToDuration(c.Patrol.WaypointTimeoutSeconds),
		WaypointAttempts:  c.Patrol.WaypointAttempts,
		InspectionTimeout: secondsToDuration(c.Patrol.InspectionTimeoutSeconds),
		QuietPeriod:       secondsToDuration(c.Patrol.QuietPeriodSeconds),
		BatteryThreshold:  c.Patrol.BatteryThreshold,
		LowBatteryAction:  c.Patrol.LowBatteryAction,
	}
}

// DebounceConfig converts the debounce section to the debouncer's
// config type.
func (c *Config) DebounceConfig() debounce.Config {
	return debounce.Config{
		Window:              secondsToDuration(c.Debounce.WindowSeconds),
		MinObservations:     c.Debounce.MinObservations,
		MinConfidence:       c.Debounce.MinConfidence,
		OutlierStdThreshold: c.Debounce.OutlierStdThreshold,
		EMAAlpha:            c.Debounce.EMAAlpha,
	}
}

// RouteCacheTTL converts the cache TTL to a duration.
func (c *Config) RouteCacheTTL() time.Duration {
	return secondsToDuration(c.RouteCacheTTLSeconds)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
