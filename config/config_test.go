package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
service: datasrv
log_level: debug
gateway:
  host: 10.0.0.5
  req_port: 51237
  app_id: charting
  service_key: abc123
cache_window: 300
request_cooldown: 45s
min_send_interval: 500ms
instruments:
  - exchange: TWF
    product: FITX
    expiry: HOT
    security: FITX
    tick_size: 1
    decimals: 0
    session_rule: day-only
    minute_periods: [1, 3, 5]
    day_periods: [1]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "datasrv.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_YAMLAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Gateway.Host != "10.0.0.5" || cfg.Gateway.ReqPort != 51237 {
		t.Fatalf("gateway = %+v", cfg.Gateway)
	}
	if cfg.CacheWindow != 300 {
		t.Fatalf("cache_window = %d", cfg.CacheWindow)
	}
	if cfg.RequestCooldown.Std() != 45*time.Second {
		t.Fatalf("request_cooldown = %v", cfg.RequestCooldown.Std())
	}
	if cfg.MinSendInterval.Std() != 500*time.Millisecond {
		t.Fatalf("min_send_interval = %v", cfg.MinSendInterval.Std())
	}
	// Untouched knobs keep defaults.
	if cfg.RefetchInterval.Std() != 10*time.Second {
		t.Fatalf("refetch_interval default = %v", cfg.RefetchInterval.Std())
	}
	if cfg.SlowEMA != 26 || cfg.FastEMA != 12 || cfg.SignalEMA != 9 {
		t.Fatalf("ema defaults = %d/%d/%d", cfg.FastEMA, cfg.SlowEMA, cfg.SignalEMA)
	}
	if len(cfg.Instruments) != 1 || len(cfg.Instruments[0].MinutePeriods) != 3 {
		t.Fatalf("instruments = %+v", cfg.Instruments)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FEED_HOST", "192.168.1.9")
	t.Setenv("FEED_REQ_PORT", "6000")
	t.Setenv("REDIS_ADDR", "redis-prod:6379")
	t.Setenv("FEED_TOTP_SECRET", "JBSWY3DP")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Host != "192.168.1.9" || cfg.Gateway.ReqPort != 6000 {
		t.Fatalf("env override lost: %+v", cfg.Gateway)
	}
	if cfg.RedisAddr != "redis-prod:6379" {
		t.Fatalf("redis addr = %s", cfg.RedisAddr)
	}
	if cfg.Gateway.TOTPSecret != "JBSWY3DP" {
		t.Fatalf("totp secret not applied")
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no instruments", `
gateway: {host: h, req_port: 1, app_id: a, service_key: k}
`},
		{"instrument without periods", `
gateway: {host: h, req_port: 1, app_id: a, service_key: k}
instruments:
  - {exchange: TWF, product: FITX, expiry: HOT, security: FITX}
`},
		{"missing credentials", `
gateway: {host: h, req_port: 1}
instruments:
  - {exchange: TWF, product: FITX, expiry: HOT, security: FITX, minute_periods: [1]}
`},
		{"bad duration", `
gateway: {host: h, req_port: 1, app_id: a, service_key: k}
request_cooldown: soonish
instruments:
  - {exchange: TWF, product: FITX, expiry: HOT, security: FITX, minute_periods: [1]}
`},
		{"bad cache window", `
gateway: {host: h, req_port: 1, app_id: a, service_key: k}
cache_window: -5
instruments:
  - {exchange: TWF, product: FITX, expiry: HOT, security: FITX, minute_periods: [1]}
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestLoad_MissingFileIsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
