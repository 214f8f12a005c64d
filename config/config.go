// Package config loads the service configuration: a YAML file for the
// instrument universe and policy knobs, with environment-variable overrides
// for deployment-specific values (addresses, credentials, paths).
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can say "30s" or "250ms".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// InstrumentConfig is one subscribed instrument as declared in YAML.
type InstrumentConfig struct {
	Exchange    string  `yaml:"exchange"` // e.g. "TWF"
	Product     string  `yaml:"product"`  // e.g. "FITX"
	Expiry      string  `yaml:"expiry"`   // contract-selection rule, e.g. "HOT"
	Security    string  `yaml:"security"` // human-readable code
	TickSize    float64 `yaml:"tick_size"`
	Decimals    int     `yaml:"decimals"`
	SessionRule string  `yaml:"session_rule"` // "day-only", "night-roll-2200", "night-roll-0045"

	MinutePeriods []int `yaml:"minute_periods"` // aggregation periods, minutes
	DayPeriods    []int `yaml:"day_periods"`    // aggregation periods, days
}

// GatewayConfig holds the upstream feed connection settings.
type GatewayConfig struct {
	Host       string `yaml:"host"`
	ReqPort    int    `yaml:"req_port"`
	AppID      string `yaml:"app_id"`
	ServiceKey string `yaml:"service_key"`
	TOTPSecret string `yaml:"totp_secret"` // optional second login factor
}

// Config is the whole service configuration.
type Config struct {
	Service  string `yaml:"service"`
	LogLevel string `yaml:"log_level"`

	Gateway     GatewayConfig      `yaml:"gateway"`
	Instruments []InstrumentConfig `yaml:"instruments"`

	// Policy knobs. Durations use Go syntax ("30s", "250ms").
	CacheWindow      int      `yaml:"cache_window"`      // bars kept per (security, interval)
	RefetchInterval  Duration `yaml:"refetch_interval"`  // stalled-subscription scan period
	RequestCooldown  Duration `yaml:"request_cooldown"`  // silence before a re-request
	MinSendInterval  Duration `yaml:"min_send_interval"` // market-px send gate
	RecomputeWorkers int      `yaml:"recompute_workers"` // bar-fetch pool size
	HistoryBackfill  Duration `yaml:"history_backfill"`  // minute-history depth at startup

	MAPeriods []int `yaml:"ma_periods"`
	FastEMA   int   `yaml:"fast_ema"`
	SlowEMA   int   `yaml:"slow_ema"`
	SignalEMA int   `yaml:"signal_ema"`

	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

// Load reads the YAML file at path (optional; "" skips it), applies
// defaults, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Service:          "datasrv",
		LogLevel:         "info",
		CacheWindow:      500,
		RefetchInterval:  Duration(10 * time.Second),
		RequestCooldown:  Duration(30 * time.Second),
		MinSendInterval:  Duration(250 * time.Millisecond),
		RecomputeWorkers: 4,
		HistoryBackfill:  Duration(24 * time.Hour),
		MAPeriods:        []int{5, 10, 20, 60},
		FastEMA:          12,
		SlowEMA:          26,
		SignalEMA:        9,
		SQLitePath:       "data/kl.db",
		RedisAddr:        "localhost:6379",
		MetricsAddr:      ":9090",
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Gateway.Host = getEnv("FEED_HOST", c.Gateway.Host)
	c.Gateway.ReqPort = getEnvInt("FEED_REQ_PORT", c.Gateway.ReqPort)
	c.Gateway.AppID = getEnv("FEED_APP_ID", c.Gateway.AppID)
	c.Gateway.ServiceKey = getEnv("FEED_SERVICE_KEY", c.Gateway.ServiceKey)
	c.Gateway.TOTPSecret = getEnv("FEED_TOTP_SECRET", c.Gateway.TOTPSecret)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
}

func (c *Config) validate() error {
	if c.Gateway.Host == "" {
		return fmt.Errorf("config: gateway host not set")
	}
	if c.Gateway.ReqPort == 0 {
		return fmt.Errorf("config: gateway req_port not set")
	}
	if c.Gateway.AppID == "" || c.Gateway.ServiceKey == "" {
		return fmt.Errorf("config: gateway credentials not set")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("config: no instruments configured")
	}
	for i, in := range c.Instruments {
		if in.Security == "" || in.Exchange == "" || in.Product == "" || in.Expiry == "" {
			return fmt.Errorf("config: instrument %d incomplete", i)
		}
		if len(in.MinutePeriods) == 0 && len(in.DayPeriods) == 0 {
			return fmt.Errorf("config: instrument %s names no periods", in.Security)
		}
	}
	if c.CacheWindow <= 0 {
		return fmt.Errorf("config: cache_window must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return n
}
