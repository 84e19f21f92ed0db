// Package config defines runtime defaults, validation, and loading of the
// roomchat server configuration from files, environment variables and flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override, e.g.
// ROOMCHAT_SERVER_ADDRESS.
const EnvPrefix = "ROOMCHAT"

// MinMessageSize is the smallest accepted read limit, in bytes. A frame
// carrying 4096 characters escaped as JSON surrogate pairs (12 bytes each)
// plus its other fields must fit.
const MinMessageSize = 64 << 10

// Backend names accepted by the presence, ratelimit and notify sections.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendLog    = "log"
)

// Config holds the complete server configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Store     StoreConfig     `mapstructure:"store"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Transport TransportConfig `mapstructure:"transport"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds HTTP listener and handshake settings.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
	MaxMessageSize  int64         `mapstructure:"maxMessageSize"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	HandshakeLimit  int           `mapstructure:"handshakeLimit"`
	HandshakeWindow time.Duration `mapstructure:"handshakeWindow"`
}

// AuthConfig holds the token verification secret.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwtSecret"`
	TokenTTL  time.Duration `mapstructure:"tokenTTL"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PresenceConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// RateLimitConfig defines the sliding window applied to inbound frames,
// keyed by authenticated user id.
type RateLimitConfig struct {
	Backend  string        `mapstructure:"backend"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type FilterConfig struct {
	BannedWords []string `mapstructure:"bannedWords"`
}

// NotifyConfig selects the task queue that offline notifications are
// handed to and sizes the dispatcher worker pool.
type NotifyConfig struct {
	Backend        string        `mapstructure:"backend"`
	RedisKey       string        `mapstructure:"redisKey"`
	NATSURL        string        `mapstructure:"natsURL"`
	Subject        string        `mapstructure:"subject"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queueSize"`
	EnqueueTimeout time.Duration `mapstructure:"enqueueTimeout"`
}

// TransportConfig holds per-connection WebSocket timings and buffers.
type TransportConfig struct {
	SendBuffer int           `mapstructure:"sendBuffer"`
	WriteWait  time.Duration `mapstructure:"writeWait"`
	PongWait   time.Duration `mapstructure:"pongWait"`
	PingPeriod time.Duration `mapstructure:"pingPeriod"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			AllowedOrigins:  []string{"http://localhost:8080"},
			MaxMessageSize:  MinMessageSize,
			ShutdownTimeout: 10 * time.Second,
			HandshakeLimit:  30,
			HandshakeWindow: time.Minute,
		},
		Auth: AuthConfig{
			TokenTTL: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Presence: PresenceConfig{
			Backend: BackendRedis,
			TTL:     60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Backend:  BackendRedis,
			Requests: 100,
			Window:   60 * time.Second,
		},
		Store: StoreConfig{
			DSN: "file:roomchat.db?_foreign_keys=on",
		},
		Filter: FilterConfig{
			BannedWords: []string{"spam", "offensive", "banned"},
		},
		Notify: NotifyConfig{
			Backend:        BackendLog,
			RedisKey:       "roomchat:tasks",
			NATSURL:        "nats://localhost:4222",
			Subject:        "roomchat.tasks",
			Workers:        4,
			QueueSize:      1024,
			EnqueueTimeout: 2 * time.Second,
		},
		Transport: TransportConfig{
			SendBuffer: 256,
			WriteWait:  10 * time.Second,
			PongWait:   60 * time.Second,
			PingPeriod: 54 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every default value with v so that environment
// variables can override keys that no config file mentions.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.allowedOrigins", d.Server.AllowedOrigins)
	v.SetDefault("server.maxMessageSize", d.Server.MaxMessageSize)
	v.SetDefault("server.shutdownTimeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.handshakeLimit", d.Server.HandshakeLimit)
	v.SetDefault("server.handshakeWindow", d.Server.HandshakeWindow)
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenTTL", d.Auth.TokenTTL)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("presence.backend", d.Presence.Backend)
	v.SetDefault("presence.ttl", d.Presence.TTL)
	v.SetDefault("ratelimit.backend", d.RateLimit.Backend)
	v.SetDefault("ratelimit.requests", d.RateLimit.Requests)
	v.SetDefault("ratelimit.window", d.RateLimit.Window)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("filter.bannedWords", d.Filter.BannedWords)
	v.SetDefault("notify.backend", d.Notify.Backend)
	v.SetDefault("notify.redisKey", d.Notify.RedisKey)
	v.SetDefault("notify.natsURL", d.Notify.NATSURL)
	v.SetDefault("notify.subject", d.Notify.Subject)
	v.SetDefault("notify.workers", d.Notify.Workers)
	v.SetDefault("notify.queueSize", d.Notify.QueueSize)
	v.SetDefault("notify.enqueueTimeout", d.Notify.EnqueueTimeout)
	v.SetDefault("transport.sendBuffer", d.Transport.SendBuffer)
	v.SetDefault("transport.writeWait", d.Transport.WriteWait)
	v.SetDefault("transport.pongWait", d.Transport.PongWait)
	v.SetDefault("transport.pingPeriod", d.Transport.PingPeriod)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// New returns a viper instance prepared with defaults and environment
// handling. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and unmarshals the result.
// An empty file name searches for roomchat.yaml in the working directory;
// a missing file is not an error.
func Load(logger *slog.Logger, v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("roomchat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("Config file not found, relying on defaults and environment")
	} else {
		logger.Info("Loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg = Sanitize(cfg)
	return &cfg, nil
}

// Sanitize replaces missing or invalid values with their defaults.
func Sanitize(cfg Config) Config {
	d := Default()

	if cfg.Server.Address == "" {
		cfg.Server.Address = d.Server.Address
	}
	if cfg.Server.MaxMessageSize <= 0 {
		cfg.Server.MaxMessageSize = d.Server.MaxMessageSize
	} else if cfg.Server.MaxMessageSize < MinMessageSize {
		cfg.Server.MaxMessageSize = MinMessageSize
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if cfg.Server.HandshakeLimit <= 0 {
		cfg.Server.HandshakeLimit = d.Server.HandshakeLimit
	}
	if cfg.Server.HandshakeWindow <= 0 {
		cfg.Server.HandshakeWindow = d.Server.HandshakeWindow
	}
	cfg.Server.AllowedOrigins = trimAll(cfg.Server.AllowedOrigins)

	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = d.Auth.TokenTTL
	}

	cfg.Presence.Backend = backendOr(cfg.Presence.Backend, d.Presence.Backend, BackendRedis, BackendMemory)
	if cfg.Presence.TTL <= 0 {
		cfg.Presence.TTL = d.Presence.TTL
	}

	cfg.RateLimit.Backend = backendOr(cfg.RateLimit.Backend, d.RateLimit.Backend, BackendRedis, BackendMemory)
	if cfg.RateLimit.Requests <= 0 {
		cfg.RateLimit.Requests = d.RateLimit.Requests
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = d.RateLimit.Window
	}

	if cfg.Store.DSN == "" {
		cfg.Store.DSN = d.Store.DSN
	}

	cfg.Filter.BannedWords = trimAll(cfg.Filter.BannedWords)

	cfg.Notify.Backend = backendOr(cfg.Notify.Backend, d.Notify.Backend, BackendRedis, BackendNATS, BackendLog)
	if cfg.Notify.RedisKey == "" {
		cfg.Notify.RedisKey = d.Notify.RedisKey
	}
	if cfg.Notify.NATSURL == "" {
		cfg.Notify.NATSURL = d.Notify.NATSURL
	}
	if cfg.Notify.Subject == "" {
		cfg.Notify.Subject = d.Notify.Subject
	}
	if cfg.Notify.Workers <= 0 {
		cfg.Notify.Workers = d.Notify.Workers
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = d.Notify.QueueSize
	}
	if cfg.Notify.EnqueueTimeout <= 0 {
		cfg.Notify.EnqueueTimeout = d.Notify.EnqueueTimeout
	}

	if cfg.Transport.SendBuffer <= 0 {
		cfg.Transport.SendBuffer = d.Transport.SendBuffer
	}
	if cfg.Transport.WriteWait <= 0 {
		cfg.Transport.WriteWait = d.Transport.WriteWait
	}
	if cfg.Transport.PongWait <= 0 {
		cfg.Transport.PongWait = d.Transport.PongWait
	}
	if cfg.Transport.PingPeriod <= 0 || cfg.Transport.PingPeriod >= cfg.Transport.PongWait {
		cfg.Transport.PingPeriod = cfg.Transport.PongWait * 9 / 10
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = d.Log.Format
	}

	return cfg
}

func backendOr(value, fallback string, allowed ...string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, a := range allowed {
		if value == a {
			return value
		}
	}
	return fallback
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		// env overrides arrive as a single comma separated string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
