// Package config loads service settings from a YAML or JSON file, a .env file, and the environment.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"

	"tgtg-notifier/retention"
	"tgtg-notifier/schedule"
	"tgtg-notifier/storage"
	"tgtg-notifier/upstream"
)

// Config is the full service configuration.
type Config struct {
	location   *time.Location
	Timezone   string    `json:"timezone"`
	DateFormat string    `json:"date_format"`
	Log        Log       `json:"log"`
	HTTP       HTTP      `json:"http"`
	Storage    Storage   `json:"storage"`
	Telegram   Telegram  `json:"telegram"`
	Upstream   Upstream  `json:"upstream"`
	Retention  Retention `json:"retention"`
	Login      Login     `json:"login"`
	Scan       Scan      `json:"scan"`
}

// Scan controls pass frequency.
type Scan struct {
	IntervalSeconds         int     `json:"interval_seconds"`
	LowHoursIntervalSeconds int     `json:"low_hours_interval_seconds"`
	LowHoursStart           int     `json:"low_hours_start"`
	LowHoursEnd             int     `json:"low_hours_end"`
	SettleSeconds           float64 `json:"settle_seconds"` // Pause after a session is rebuilt
}

// Login controls the email sign-in flow.
type Login struct {
	TimeoutMinutes      int `json:"timeout_minutes"`
	PollIntervalSeconds int `json:"poll_interval_seconds"`
}

// Upstream configures the Too Good To Go API client.
type Upstream struct {
	BaseURL              string  `json:"base_url"`
	Language             string  `json:"language"`
	UserAgent            string  `json:"user_agent"`
	RequestsPerSecond    float64 `json:"requests_per_second"`
	TimeoutSeconds       int     `json:"timeout_seconds"`
	TokenLifetimeMinutes int     `json:"token_lifetime_minutes"`
}

// Telegram configures message delivery. An empty token logs messages instead of sending them.
type Telegram struct {
	Token             string  `json:"token"`
	MessagesPerSecond float64 `json:"messages_per_second"`
}

// Storage selects the persistence backend.
type Storage struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	Bucket        string `json:"bucket"`
	Endpoint      string `json:"endpoint"`
	Prefix        string `json:"prefix"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

// Retention controls snapshot eviction.
type Retention struct {
	Schedule    string `json:"schedule"`
	MaxAgeHours int    `json:"max_age_hours"`
}

// HTTP configures the operator API.
type HTTP struct {
	Port       string `json:"port"`
	Token      string `json:"token"`       // Bearer token for mutating routes; empty disables auth
	TrustProxy bool   `json:"trust_proxy"` // Rate limit by X-Forwarded-For; only behind a proxy that sets it
}

// Log configures the logger.
type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or text
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Timezone:   "UTC",
		DateFormat: "Mon 02.01 at 15:04",
		Scan: Scan{
			IntervalSeconds:         60,
			LowHoursIntervalSeconds: 1800,
			LowHoursStart:           23,
			LowHoursEnd:             6,
			SettleSeconds:           2,
		},
		Login: Login{
			TimeoutMinutes:      5,
			PollIntervalSeconds: 5,
		},
		Upstream: Upstream{
			BaseURL:              upstream.DefaultBaseURL,
			Language:             "en-GB",
			UserAgent:            upstream.DefaultUserAgent,
			RequestsPerSecond:    1,
			TimeoutSeconds:       30,
			TokenLifetimeMinutes: 240,
		},
		Telegram: Telegram{MessagesPerSecond: 25},
		Storage: Storage{
			Driver: storage.DriverLocal,
			Path:   "./data",
		},
		Retention: Retention{
			Schedule:    retention.DefaultSchedule,
			MaxAgeHours: 720,
		},
		HTTP: HTTP{Port: "8080"},
		Log:  Log{Level: "info", Format: "json"},
	}
}

// Load reads .env (if present), then path (if present), then environment overrides, and
// returns the validated result with floors applied.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseFile decodes path over the defaults. A missing file yields the defaults.
func parseFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	jb, err := coerceToJSON(path, data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// coerceToJSON converts YAML to JSON so both formats share the strict JSON decoder.
func coerceToJSON(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		return []byte("{}"), nil
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML makes every map key a string so the value can be marshaled as JSON.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// applyEnv overrides cfg with environment variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}

	num("TGTG_INTERVAL_SECONDS", &cfg.Scan.IntervalSeconds)
	num("TGTG_LOW_HOURS_INTERVAL_SECONDS", &cfg.Scan.LowHoursIntervalSeconds)
	num("TGTG_LOW_HOURS_START", &cfg.Scan.LowHoursStart)
	num("TGTG_LOW_HOURS_END", &cfg.Scan.LowHoursEnd)
	float("TGTG_SETTLE_SECONDS", &cfg.Scan.SettleSeconds)
	num("TGTG_LOGIN_TIMEOUT_MINUTES", &cfg.Login.TimeoutMinutes)
	str("TGTG_TIMEZONE", &cfg.Timezone)
	str("TGTG_BASE_URL", &cfg.Upstream.BaseURL)
	str("TGTG_LANGUAGE", &cfg.Upstream.Language)
	str("TGTG_USER_AGENT", &cfg.Upstream.UserAgent)
	str("TELEGRAM_TOKEN", &cfg.Telegram.Token)
	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("STORAGE_BUCKET", &cfg.Storage.Bucket)
	str("LOCAL_STORAGE", &cfg.Storage.Path)
	str("REDIS_ADDR", &cfg.Storage.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Storage.RedisPassword)
	num("REDIS_DB", &cfg.Storage.RedisDB)
	num("TGTG_RETENTION_MAX_AGE_HOURS", &cfg.Retention.MaxAgeHours)
	str("PORT", &cfg.HTTP.Port)
	str("HTTP_TOKEN", &cfg.HTTP.Token)
	flag("TRUST_PROXY", &cfg.HTTP.TrustProxy)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}

// normalize applies floors and clamps and resolves the time zone.
func (c *Config) normalize() error {
	c.Scan.IntervalSeconds = max(5, c.Scan.IntervalSeconds)
	c.Scan.LowHoursIntervalSeconds = max(c.Scan.IntervalSeconds, c.Scan.LowHoursIntervalSeconds)
	c.Scan.LowHoursStart = clampHour(c.Scan.LowHoursStart)
	c.Scan.LowHoursEnd = clampHour(c.Scan.LowHoursEnd)
	c.Scan.SettleSeconds = max(0, c.Scan.SettleSeconds)
	c.Login.TimeoutMinutes = max(2, c.Login.TimeoutMinutes)
	if c.Login.PollIntervalSeconds <= 0 {
		c.Login.PollIntervalSeconds = 5
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	c.Retention.MaxAgeHours = max(0, c.Retention.MaxAgeHours)

	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.location = loc

	switch c.Storage.Driver {
	case storage.DriverLocal, storage.DriverGCS, storage.DriverSQLite, storage.DriverRedis:
	case "":
		c.Storage.Driver = storage.DriverLocal
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

func clampHour(h int) int {
	return max(0, min(23, h))
}

// Location returns the configured time zone.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Policy returns the scan scheduling policy.
func (c *Config) Policy() schedule.Policy {
	return schedule.Policy{
		Location:         c.Location(),
		Interval:         time.Duration(c.Scan.IntervalSeconds) * time.Second,
		LowHoursInterval: time.Duration(c.Scan.LowHoursIntervalSeconds) * time.Second,
		LowHoursStart:    c.Scan.LowHoursStart,
		LowHoursEnd:      c.Scan.LowHoursEnd,
	}
}

// Settle returns the pause applied after a session is rebuilt.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.Scan.SettleSeconds * float64(time.Second))
}

// LoginTimeout returns how long a sign-in may wait for confirmation.
func (c *Config) LoginTimeout() time.Duration {
	return time.Duration(c.Login.TimeoutMinutes) * time.Minute
}

// UpstreamConfig returns the API client settings.
func (c *Config) UpstreamConfig() upstream.Config {
	return upstream.Config{
		BaseURL:           c.Upstream.BaseURL,
		Language:          c.Upstream.Language,
		UserAgent:         c.Upstream.UserAgent,
		RequestsPerSecond: c.Upstream.RequestsPerSecond,
		PollInterval:      time.Duration(c.Login.PollIntervalSeconds) * time.Second,
		LoginTimeout:      c.LoginTimeout(),
	}
}

// StorageOptions returns the backend selection.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Driver:        c.Storage.Driver,
		Path:          c.Storage.Path,
		Bucket:        c.Storage.Bucket,
		Endpoint:      c.Storage.Endpoint,
		Prefix:        c.Storage.Prefix,
		RedisAddr:     c.Storage.RedisAddr,
		RedisPassword: c.Storage.RedisPassword,
		RedisDB:       c.Storage.RedisDB,
	}
}

// RetentionConfig returns the snapshot retention settings.
func (c *Config) RetentionConfig() retention.Config {
	return retention.Config{
		Location: c.Location(),
		Schedule: c.Retention.Schedule,
		MaxAge:   time.Duration(c.Retention.MaxAgeHours) * time.Hour,
	}
}

// LogLevel parses the configured level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
