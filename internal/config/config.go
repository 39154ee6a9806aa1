// Package config provides Viper-based configuration loading for the match server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Event sink names accepted in events.sinks.
const (
	SinkLog      = "log"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name identifies this instance in logs and health responses.
	Name string `mapstructure:"name"`
	// ShutdownTimeout bounds how long services get to stop.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ListenerConfig holds the framed TCP listener settings.
type ListenerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// ReadTimeout is the per-read deadline; zero means no deadline.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-write deadline; zero means no deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
func (l ListenerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// WebsocketConfig holds the HTTP bridge settings.
type WebsocketConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	// OriginPatterns are passed to the websocket handshake; empty allows
	// same-origin requests only.
	OriginPatterns []string `mapstructure:"origin_patterns"`
	// ReadLimit caps the size of one websocket message in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
}

// Addr returns the "host:port" listen address.
func (w WebsocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// AdminConfig holds the gRPC health service settings.
type AdminConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Reflection bool   `mapstructure:"reflection"`
	// ProbeInterval is how often the registry is probed for liveness.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// Addr returns the "host:port" listen address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// SessionConfig holds per-connection actor settings.
type SessionConfig struct {
	MailboxSize int `mapstructure:"mailbox_size"`
	// RequestTimeout bounds every registry or lobby request a session makes.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// ReadBufferSize is the socket read chunk size.
	ReadBufferSize int `mapstructure:"read_buffer_size"`
}

// RegistryConfig holds lobby registry settings.
type RegistryConfig struct {
	MailboxSize int `mapstructure:"mailbox_size"`
	// SweepInterval is the dead-entry sweep period; zero disables the sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LobbyConfig holds lobby actor settings.
type LobbyConfig struct {
	MailboxSize int `mapstructure:"mailbox_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// EventsConfig selects where lobby and match events go.
type EventsConfig struct {
	// Sinks lists enabled sinks: "log", "postgres", "redis".
	Sinks []string `mapstructure:"sinks"`
	// BufferSize is the async publish queue length.
	BufferSize int `mapstructure:"buffer_size"`
	// PublishTimeout bounds a single sink publish.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// Enabled reports whether sink is listed.
func (e EventsConfig) Enabled(sink string) bool {
	for _, s := range e.Sinks {
		if s == sink {
			return true
		}
	}
	return false
}

// DatabaseConfig holds PostgreSQL connection settings for the match journal.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RedisConfig holds the match event queue settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// QueueKey is the list events are pushed onto.
	QueueKey string `mapstructure:"queue_key"`
	// DialTimeout bounds the startup ping.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Listener  ListenerConfig  `mapstructure:"listener"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Session   SessionConfig   `mapstructure:"session"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Lobby     LobbyConfig     `mapstructure:"lobby"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Events    EventsConfig    `mapstructure:"events"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// Validate checks all configuration invariants. Database and redis settings
// are only checked when their sink is enabled.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	checks := []error{
		validateServer(c.Server),
		validateListener(c.Listener),
		validateWebsocket(c.Websocket),
		validateAdmin(c.Admin),
		validateActors(c.Session, c.Registry, c.Lobby),
		validateLogging(c.Logging),
		validateEvents(c.Events),
	}
	if c.Events.Enabled(SinkPostgres) {
		checks = append(checks, validateDatabase(c.Database))
	}
	if c.Events.Enabled(SinkRedis) {
		checks = append(checks, validateRedis(c.Redis))
	}
	for _, err := range checks {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

func joined(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Name == "" {
		errs = append(errs, "server.name must not be empty")
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	return joined(errs)
}

func validateListener(l ListenerConfig) error {
	var errs []string
	if !validPort(l.Port) {
		errs = append(errs, fmt.Sprintf("listener.port must be 1-65535, got %d", l.Port))
	}
	if l.ReadTimeout < 0 {
		errs = append(errs, "listener.read_timeout must not be negative")
	}
	if l.WriteTimeout < 0 {
		errs = append(errs, "listener.write_timeout must not be negative")
	}
	return joined(errs)
}

func validateWebsocket(w WebsocketConfig) error {
	if !w.Enabled {
		return nil
	}
	var errs []string
	if !validPort(w.Port) {
		errs = append(errs, fmt.Sprintf("websocket.port must be 1-65535, got %d", w.Port))
	}
	if w.ReadLimit < 4 {
		errs = append(errs, fmt.Sprintf("websocket.read_limit must be >= 4, got %d", w.ReadLimit))
	}
	return joined(errs)
}

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	var errs []string
	if !validPort(a.Port) {
		errs = append(errs, fmt.Sprintf("admin.port must be 1-65535, got %d", a.Port))
	}
	if a.ProbeInterval <= 0 {
		errs = append(errs, "admin.probe_interval must be positive")
	}
	return joined(errs)
}

func validateActors(s SessionConfig, r RegistryConfig, l LobbyConfig) error {
	var errs []string
	if s.MailboxSize < 1 {
		errs = append(errs, fmt.Sprintf("session.mailbox_size must be >= 1, got %d", s.MailboxSize))
	}
	if s.RequestTimeout <= 0 {
		errs = append(errs, "session.request_timeout must be positive")
	}
	if s.ReadBufferSize < 1 {
		errs = append(errs, fmt.Sprintf("session.read_buffer_size must be >= 1, got %d", s.ReadBufferSize))
	}
	if r.MailboxSize < 1 {
		errs = append(errs, fmt.Sprintf("registry.mailbox_size must be >= 1, got %d", r.MailboxSize))
	}
	if r.SweepInterval < 0 {
		errs = append(errs, "registry.sweep_interval must not be negative")
	}
	if l.MailboxSize < 1 {
		errs = append(errs, fmt.Sprintf("lobby.mailbox_size must be >= 1, got %d", l.MailboxSize))
	}
	return joined(errs)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateEvents(e EventsConfig) error {
	var errs []string
	valid := map[string]bool{SinkLog: true, SinkPostgres: true, SinkRedis: true}
	for _, s := range e.Sinks {
		if !valid[s] {
			errs = append(errs, fmt.Sprintf("events.sinks entries must be one of [log, postgres, redis], got %q", s))
		}
	}
	if e.BufferSize < 1 {
		errs = append(errs, fmt.Sprintf("events.buffer_size must be >= 1, got %d", e.BufferSize))
	}
	if e.PublishTimeout <= 0 {
		errs = append(errs, "events.publish_timeout must be positive")
	}
	return joined(errs)
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if !validPort(d.Port) {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	return joined(errs)
}

func validateRedis(r RedisConfig) error {
	var errs []string
	if r.Addr == "" {
		errs = append(errs, "redis.addr must not be empty")
	}
	if r.DB < 0 {
		errs = append(errs, fmt.Sprintf("redis.db must be >= 0, got %d", r.DB))
	}
	if r.QueueKey == "" {
		errs = append(errs, "redis.queue_key must not be empty")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and
// environment overrides only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with MULTICHESS_ prefix
	v.SetEnvPrefix("MULTICHESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "multichess")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("listener.host", "0.0.0.0")
	v.SetDefault("listener.port", 8080)
	v.SetDefault("listener.read_timeout", "0s")
	v.SetDefault("listener.write_timeout", "10s")

	v.SetDefault("websocket.enabled", false)
	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 8081)
	v.SetDefault("websocket.origin_patterns", []string{})
	v.SetDefault("websocket.read_limit", 65539)

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 50051)
	v.SetDefault("admin.reflection", true)
	v.SetDefault("admin.probe_interval", "5s")

	v.SetDefault("session.mailbox_size", 64)
	v.SetDefault("session.request_timeout", "5s")
	v.SetDefault("session.read_buffer_size", 4096)

	v.SetDefault("registry.mailbox_size", 256)
	v.SetDefault("registry.sweep_interval", "1m")

	v.SetDefault("lobby.mailbox_size", 32)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("events.sinks", []string{SinkLog})
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.publish_timeout", "2s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "multichess")
	v.SetDefault("database.password", "multichess")
	v.SetDefault("database.name", "multichess")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue_key", "multichess_events")
	v.SetDefault("redis.dial_timeout", "5s")
}
