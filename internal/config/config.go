package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/perplexo/gateway/internal/database"
	"github.com/perplexo/gateway/internal/limiter"
	"github.com/perplexo/gateway/internal/logger"
	"github.com/perplexo/gateway/internal/quota"
	"github.com/perplexo/gateway/internal/relay"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "gateway.yaml"

// Config is the top-level gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Limiter  LimiterConfig  `yaml:"limiter"`
	Storage  StorageConfig  `yaml:"storage"`
	Relay    relay.Config   `yaml:"relay"`
	Log      LogConfig      `yaml:"log"`
	QueryLog QueryLogConfig `yaml:"querylog"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// LimiterConfig is the quota policy.
type LimiterConfig struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// Window returns the window length as a duration.
func (l LimiterConfig) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

// Policy converts the config into a limiter policy.
func (l LimiterConfig) Policy() limiter.Policy {
	return limiter.Policy{MaxRequests: l.MaxRequests, Window: l.Window()}
}

// StorageConfig selects and configures the quota store.
type StorageConfig struct {
	Backend string            `yaml:"backend"`
	SQLite  SQLiteConfig      `yaml:"sqlite"`
	Redis   quota.RedisConfig `yaml:"redis"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// QueryLogConfig controls analytics retention and event recording.
type QueryLogConfig struct {
	RetentionDays int    `yaml:"retention_days"`
	EventsFile    string `yaml:"events_file"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every zero field with its default.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Limiter.MaxRequests == 0 {
		c.Limiter.MaxRequests = limiter.DefaultMaxRequests
	}
	if c.Limiter.WindowSeconds == 0 {
		c.Limiter.WindowSeconds = int(limiter.DefaultWindow / time.Second)
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = quota.BackendSQLite
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = database.DefaultPath
	}
	if c.Storage.Redis.Host == "" && !c.Storage.Redis.Cluster {
		c.Storage.Redis.Host = "localhost"
	}
	if c.Storage.Redis.Port == 0 {
		c.Storage.Redis.Port = 6379
	}
	if c.Relay.BaseURL == "" {
		c.Relay.BaseURL = relay.DefaultBaseURL
	}
	if c.Relay.AskTimeout == 0 {
		c.Relay.AskTimeout = relay.DefaultAskTimeout
	}
	if c.Relay.UploadTimeout == 0 {
		c.Relay.UploadTimeout = relay.DefaultUploadTimeout
	}
	if c.Relay.ProbeTimeout == 0 {
		c.Relay.ProbeTimeout = relay.DefaultProbeTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = logger.FormatText
	}
	if c.QueryLog.RetentionDays == 0 {
		c.QueryLog.RetentionDays = 30
	}
}

// Load reads the YAML file at path over the defaults, then applies .env
// files and environment overrides. A missing file is not an error. Values
// set explicitly, zero included, are left for Validate to judge.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := LoadEnvFiles(".env.local", ".env"); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFiles loads variables from the given .env files without overriding
// ones already set. Earlier files win. Missing files are skipped.
func LoadEnvFiles(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	if c.Limiter.MaxRequests <= 0 {
		return fmt.Errorf("limiter.max_requests must be positive, got %d", c.Limiter.MaxRequests)
	}
	if c.Limiter.WindowSeconds <= 0 {
		return fmt.Errorf("limiter.window_seconds must be positive, got %d", c.Limiter.WindowSeconds)
	}
	switch c.Storage.Backend {
	case quota.BackendMemory, quota.BackendSQLite, quota.BackendRedis:
	default:
		return fmt.Errorf("unknown storage backend %q, must be one of: memory, sqlite, redis", c.Storage.Backend)
	}
	if c.Storage.Backend == quota.BackendSQLite && strings.TrimSpace(c.Storage.SQLite.Path) == "" {
		return errors.New("storage.sqlite.path cannot be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.QueryLog.RetentionDays < 0 {
		return fmt.Errorf("querylog.retention_days must not be negative, got %d", c.QueryLog.RetentionDays)
	}
	return nil
}

func applyEnvOverrides(c *Config) error {
	setString(&c.Relay.SessionToken, "PERPLEXITY_SESSION_TOKEN")
	setString(&c.Relay.BaseURL, "PERPLEXITY_BASE_URL")
	setInt(&c.Limiter.MaxRequests, "RATE_LIMIT_MESSAGES")
	setInt(&c.Limiter.WindowSeconds, "RATE_LIMIT_WINDOW")
	setString(&c.Storage.SQLite.Path, "DATABASE_PATH")
	setString(&c.Storage.Backend, "GATEWAY_STORAGE")
	setString(&c.Storage.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Server.Host, "MCP_HOST")
	setInt(&c.Server.Port, "MCP_PORT")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	if v, ok := os.LookupEnv("REDIS_ADDR"); ok && v != "" {
		host, port, err := net.SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("REDIS_ADDR: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("REDIS_ADDR port: %w", err)
		}
		c.Storage.Redis.Host = host
		c.Storage.Redis.Port = p
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// WriteExample writes an example config file to path.
func WriteExample(path string) error {
	example := `# Gateway configuration. Environment variables override these values.
server:
  host: 127.0.0.1
  port: 5000

limiter:
  max_requests: 20
  window_seconds: 3600

storage:
  backend: sqlite # memory | sqlite | redis
  sqlite:
    path: data/perplexo.db
  redis:
    host: localhost
    port: 6379
    db: 0

relay:
  base_url: https://www.perplexity.ai
  session_token: "" # or PERPLEXITY_SESSION_TOKEN
  ask_timeout: 60s
  upload_timeout: 30s
  probe_timeout: 10s

log:
  level: info
  format: text # text | json

querylog:
  retention_days: 30
  events_file: ""
`
	return os.WriteFile(path, []byte(example), 0o644)
}
