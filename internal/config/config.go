package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"stockyard/internal/constants"
)

const EnvPrefix = "STOCKYARD_"

type Config struct {
	API     APIConfig     `yaml:"api" envPrefix:"API_"`
	Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Notify  NotifyConfig  `yaml:"notify" envPrefix:"NOTIFY_"`
	Unread  UnreadConfig  `yaml:"unread" envPrefix:"UNREAD_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Backend BackendConfig `yaml:"backend" envPrefix:"BACKEND_"`
}

type APIConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// WSURL defaults to BaseURL with a ws(s) scheme.
	WSURL string `yaml:"ws_url" env:"WS_URL"`
	// MediaURL resolves relative avatar paths; defaults to BaseURL.
	MediaURL string        `yaml:"media_url" env:"MEDIA_URL"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type StoreConfig struct {
	// Driver is one of sqlite, redis or memory.
	Driver        string        `yaml:"driver" env:"DRIVER"`
	Path          string        `yaml:"path" env:"PATH"`
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	Namespace     string        `yaml:"namespace" env:"NAMESPACE"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type NotifyConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	MaxAttempts uint64        `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	StableAfter time.Duration `yaml:"stable_after" env:"STABLE_AFTER"`
}

type UnreadConfig struct {
	MinInterval time.Duration `yaml:"min_interval" env:"MIN_INTERVAL"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// BackendConfig configures cmd/fakeapi.
type BackendConfig struct {
	Host           string        `yaml:"host" env:"HOST"`
	Port           int           `yaml:"port" env:"PORT"`
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	JWTSecret      string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL"`
	AuthRateLimit  int           `yaml:"auth_rate_limit" env:"AUTH_RATE_LIMIT"`
	// UploadDir keeps avatars on disk. Empty keeps them in memory.
	UploadDir string     `yaml:"upload_dir" env:"UPLOAD_DIR"`
	SMTP      SMTPConfig `yaml:"smtp" envPrefix:"SMTP_"`
}

// SMTPConfig enables reset-code mail when Host is set.
type SMTPConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	From     string `yaml:"from" env:"FROM"`
}

// Load reads path, applies STOCKYARD_* overrides from a .env file next to it
// and then from the environment, validates and fills defaults. Missing files
// are not an error.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	dotenv := ".env"
	if path != "" {
		dotenv = filepath.Join(filepath.Dir(path), ".env")
	}
	if err := cfg.applyEnvOverrides(dotenv); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides layers the process environment over the dotenv file. The
// process environment itself is never modified.
func (c *Config) applyEnvOverrides(dotenvPath string) error {
	vars, err := godotenv.Read(dotenvPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		vars = make(map[string]string)
	case err != nil:
		return fmt.Errorf("reading %s: %w", dotenvPath, err)
	}
	for k, v := range env.ToMap(os.Environ()) {
		vars[k] = v
	}
	return env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix, Environment: vars})
}

func (c *Config) validate() error {
	if err := checkURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("api.ws_url", c.API.WSURL, "ws", "wss", "http", "https"); err != nil {
		return err
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite, redis or memory, got %q", c.Store.Driver)
	}

	if c.Notify.MaxDelay < c.Notify.BaseDelay {
		return fmt.Errorf("notify.max_delay must not be less than notify.base_delay")
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Backend.JWTSecret != "" && len(c.Backend.JWTSecret) < 32 {
		return fmt.Errorf("backend.jwt_secret must be at least 32 characters")
	}
	if c.Backend.SMTP.Host != "" && c.Backend.SMTP.From == "" {
		return fmt.Errorf("backend.smtp.from is required when smtp.host is set")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://localhost:8000"
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.WSURL == "" {
		c.API.WSURL = wsFromHTTP(c.API.BaseURL)
	}
	if c.API.MediaURL == "" {
		c.API.MediaURL = c.API.BaseURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = constants.DefaultRequestTimeout
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data/stockyard.db"
	}
	if c.Store.Namespace == "" {
		c.Store.Namespace = constants.DefaultStoreNamespace
	}
	if c.Store.Timeout == 0 {
		c.Store.Timeout = constants.DefaultStoreTimeout
	}

	if c.Notify.BaseDelay == 0 {
		c.Notify.BaseDelay = 500 * time.Millisecond
	}
	if c.Notify.MaxDelay == 0 {
		c.Notify.MaxDelay = 30 * time.Second
	}
	if c.Notify.StableAfter == 0 {
		c.Notify.StableAfter = 30 * time.Second
	}

	if c.Unread.MinInterval == 0 {
		c.Unread.MinInterval = time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Backend.Host == "" {
		c.Backend.Host = "127.0.0.1"
	}
	if c.Backend.Port == 0 {
		c.Backend.Port = 8000
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = fmt.Sprintf("http://%s:%d", c.Backend.Host, c.Backend.Port)
	}
	if c.Backend.AccessTokenTTL == 0 {
		c.Backend.AccessTokenTTL = 30 * time.Minute
	}
	if c.Backend.AuthRateLimit == 0 {
		c.Backend.AuthRateLimit = 30
	}
	if c.Backend.SMTP.Host != "" && c.Backend.SMTP.Port == 0 {
		c.Backend.SMTP.Port = 587
	}
}

func (c *Config) BackendAddr() string {
	return fmt.Sprintf("%s:%d", c.Backend.Host, c.Backend.Port)
}

// NewLogger builds the slog handler described by c, writing to w.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q is not a valid level", s)
	}
	return level, nil
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", field, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s has unsupported scheme %q", field, u.Scheme)
}

func wsFromHTTP(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
