package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is shared by the sync daemon and the relay. Each binary reads
// the sections it needs.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logger   LoggerConfig   `yaml:"logger"`
	Sync     SyncConfig     `yaml:"sync"`
	Persist  PersistConfig  `yaml:"persist"`
	Identity IdentityConfig `yaml:"identity"`
	Project  ProjectConfig  `yaml:"project"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Relay    RelayConfig    `yaml:"relay"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	Mode            string        `yaml:"mode"`
	BasePath        string        `yaml:"base_path"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
}

// SyncConfig tunes the client sync core
type SyncConfig struct {
	ServerURL         string        `yaml:"server_url"`
	Transport         string        `yaml:"transport"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max"`
	CommitTimeout     time.Duration `yaml:"commit_timeout"`
	CommitAttempts    int           `yaml:"commit_attempts"`
	AutosaveDelay     time.Duration `yaml:"autosave_delay"`
}

// PersistConfig points at the backend that stores board snapshots
type PersistConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// IdentityConfig is the local user of the sync daemon
type IdentityConfig struct {
	ID    string `yaml:"id"`
	Email string `yaml:"email"`
	Role  string `yaml:"role"`
	Token string `yaml:"token"`
}

type ProjectConfig struct {
	IDs       []string `yaml:"ids"`
	CompanyID string   `yaml:"company_id"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a redis url or host was configured
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Host != ""
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RelayConfig tunes the reference relay server
type RelayConfig struct {
	PollWait        time.Duration `yaml:"poll_wait"`
	SessionIdle     time.Duration `yaml:"session_idle"`
	SweepSchedule   string        `yaml:"sweep_schedule"`
	FanoutChannel   string        `yaml:"fanout_channel"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

// Default returns the configuration used when no file or env override is present
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8090",
			Mode:            "debug",
			BasePath:        "/api",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Logger: LoggerConfig{
			Level: "info",
		},
		Sync: SyncConfig{
			ServerURL:         "ws://localhost:8080/api/ws",
			Transport:         "websocket",
			ReconnectAttempts: 5,
			ReconnectDelay:    time.Second,
			ReconnectDelayMax: 5 * time.Second,
			CommitTimeout:     10 * time.Second,
			CommitAttempts:    1,
			AutosaveDelay:     1500 * time.Millisecond,
		},
		Persist: PersistConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: 10 * time.Second,
		},
		Identity: IdentityConfig{
			Role: "member",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			URL:             "file:relay.db?cache=shared",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Port: 6379,
		},
		Relay: RelayConfig{
			PollWait:        25 * time.Second,
			SessionIdle:     60 * time.Second,
			SweepSchedule:   "@every 30s",
			FanoutChannel:   "room",
			MaxMessageBytes: 64 * 1024,
		},
	}
}

// Load reads the yaml file at path over the defaults, then applies env overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if basePath := os.Getenv("SERVER_BASE_PATH"); basePath != "" {
		c.Server.BasePath = basePath
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Logger.Level = logLevel
	}

	if url := os.Getenv("SYNC_SERVER_URL"); url != "" {
		c.Sync.ServerURL = url
	}
	if transport := os.Getenv("SYNC_TRANSPORT"); transport != "" {
		c.Sync.Transport = transport
	}
	if d, ok := envDuration("SYNC_COMMIT_TIMEOUT"); ok {
		c.Sync.CommitTimeout = d
	}
	if d, ok := envDuration("SYNC_AUTOSAVE_DELAY"); ok {
		c.Sync.AutosaveDelay = d
	}
	if n, ok := envInt("SYNC_RECONNECT_ATTEMPTS"); ok {
		c.Sync.ReconnectAttempts = n
	}

	if url := os.Getenv("PERSIST_BASE_URL"); url != "" {
		c.Persist.BaseURL = url
	}

	if id := os.Getenv("USER_ID"); id != "" {
		c.Identity.ID = id
	}
	if email := os.Getenv("USER_EMAIL"); email != "" {
		c.Identity.Email = email
	}
	if role := os.Getenv("USER_ROLE"); role != "" {
		c.Identity.Role = role
	}
	if token := os.Getenv("AUTH_TOKEN"); token != "" {
		c.Identity.Token = token
	}

	if ids := os.Getenv("PROJECT_ID"); ids != "" {
		c.Project.IDs = splitList(ids)
	}
	if companyID := os.Getenv("COMPANY_ID"); companyID != "" {
		c.Project.CompanyID = companyID
	}

	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		c.Database.URL = dbURL
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.URL = redisURL
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		c.Redis.Host = redisHost
	}
	if n, ok := envInt("REDIS_PORT"); ok {
		c.Redis.Port = n
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		c.Redis.Password = redisPassword
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}

// Validate rejects settings the sync core cannot run with
func (c *Config) Validate() error {
	switch c.Sync.Transport {
	case "websocket", "polling":
	default:
		return fmt.Errorf("invalid sync.transport %q: must be websocket or polling", c.Sync.Transport)
	}
	if c.Sync.ReconnectAttempts < 0 {
		return fmt.Errorf("sync.reconnect_attempts must not be negative")
	}
	if c.Sync.ReconnectDelay <= 0 {
		return fmt.Errorf("sync.reconnect_delay must be positive")
	}
	if c.Sync.ReconnectDelayMax < c.Sync.ReconnectDelay {
		return fmt.Errorf("sync.reconnect_delay_max must not be below sync.reconnect_delay")
	}
	if c.Sync.CommitTimeout <= 0 {
		return fmt.Errorf("sync.commit_timeout must be positive")
	}
	if c.Sync.CommitAttempts < 1 {
		return fmt.Errorf("sync.commit_attempts must be at least 1")
	}
	if c.Sync.AutosaveDelay < 0 {
		return fmt.Errorf("sync.autosave_delay must not be negative")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid database.driver %q: must be postgres or sqlite", c.Database.Driver)
	}
	return nil
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
