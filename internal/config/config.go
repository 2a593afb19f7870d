// Package config provides Viper-based configuration loading for the gateway.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Empty-room policies.
const (
	EmptyPolicyDestroy = "destroy"
	EmptyPolicyKeep    = "keep"
)

// Level store backends.
const (
	LevelBackendFile     = "file"
	LevelBackendPostgres = "postgres"
	LevelBackendSQLite   = "sqlite"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name identifies this gateway instance in logs and traces.
	Name string `mapstructure:"name"`
}

// GatewayConfig holds websocket acceptor settings.
type GatewayConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// Path is the HTTP path that upgrades to a websocket.
	Path string `mapstructure:"path"`
	// Codec selects the envelope encoding: "json" or "msgpack".
	Codec string `mapstructure:"codec"`
	// ReadTimeout closes a connection that stays silent for this long.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// SendBuffer is the number of outbound frames queued per connection.
	SendBuffer int `mapstructure:"send_buffer"`
	// MaxMessageBytes caps inbound frame size.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// LoadTimeout bounds level loading during room creation and level saves.
	LoadTimeout time.Duration `mapstructure:"load_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// RoomConfig holds per-room cadence and teardown settings.
type RoomConfig struct {
	// TickInterval is the room update cadence.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// PingInterval is the minimum spacing between latency probes.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// KeyframeInterval forces a full state collection every N ticks; 0 disables.
	KeyframeInterval int `mapstructure:"keyframe_interval"`
	// EmptyPolicy is "keep" (the default) or "destroy".
	EmptyPolicy string `mapstructure:"empty_policy"`
	// EmptyGrace delays destruction of an empty room; 0 destroys immediately.
	EmptyGrace time.Duration `mapstructure:"empty_grace"`
}

// LevelsConfig selects where levels and entity templates come from.
type LevelsConfig struct {
	// Backend is "file", "postgres" or "sqlite".
	Backend string `mapstructure:"backend"`
	// Dir holds <level>.yaml files for the file backend.
	Dir string `mapstructure:"dir"`
	// TemplatesDir holds entity template YAML files.
	TemplatesDir string `mapstructure:"templates_dir"`
	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DatabaseConfig holds PostgreSQL connection settings.
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

// ScriptingConfig holds room script settings.
type ScriptingConfig struct {
	// Dir is the root directory level scripts are resolved against; empty disables scripting.
	Dir string `mapstructure:"dir"`
	// InstructionLimit caps Lua opcodes per hook call; 0 uses the default.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// AdminConfig holds the admin gRPC listener settings.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" gRPC address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// TracingConfig holds OpenTelemetry export settings. Tracing is off when Endpoint is empty.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Room      RoomConfig      `mapstructure:"room"`
	Levels    LevelsConfig    `mapstructure:"levels"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scripting ScriptingConfig `mapstructure:"scripting"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if c.Server.Name == "" {
		errs = append(errs, "server.name must not be empty")
	}
	if err := validateGateway(c.Gateway); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRoom(c.Room); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLevels(c.Levels); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Levels.Backend == LevelBackendPostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Scripting.InstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("scripting.instruction_limit must be >= 0, got %d", c.Scripting.InstructionLimit))
	}
	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		errs = append(errs, fmt.Sprintf("admin.port must be 1-65535, got %d", c.Admin.Port))
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGateway(g GatewayConfig) error {
	var errs []string
	if g.Port < 0 || g.Port > 65535 {
		errs = append(errs, fmt.Sprintf("gateway.port must be 0-65535, got %d", g.Port))
	}
	if !strings.HasPrefix(g.Path, "/") {
		errs = append(errs, fmt.Sprintf("gateway.path must start with '/', got %q", g.Path))
	}
	validCodecs := map[string]bool{"json": true, "msgpack": true}
	if !validCodecs[g.Codec] {
		errs = append(errs, fmt.Sprintf("gateway.codec must be one of [json, msgpack], got %q", g.Codec))
	}
	if g.ReadTimeout < 0 {
		errs = append(errs, "gateway.read_timeout must not be negative")
	}
	if g.WriteTimeout < 0 {
		errs = append(errs, "gateway.write_timeout must not be negative")
	}
	if g.LoadTimeout < 0 {
		errs = append(errs, "gateway.load_timeout must not be negative")
	}
	if g.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("gateway.send_buffer must be >= 1, got %d", g.SendBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRoom(r RoomConfig) error {
	var errs []string
	if r.TickInterval <= 0 {
		errs = append(errs, "room.tick_interval must be > 0")
	}
	if r.PingInterval <= 0 {
		errs = append(errs, "room.ping_interval must be > 0")
	}
	if r.KeyframeInterval < 0 {
		errs = append(errs, fmt.Sprintf("room.keyframe_interval must be >= 0, got %d", r.KeyframeInterval))
	}
	if r.EmptyPolicy != EmptyPolicyDestroy && r.EmptyPolicy != EmptyPolicyKeep {
		errs = append(errs, fmt.Sprintf("room.empty_policy must be one of [destroy, keep], got %q", r.EmptyPolicy))
	}
	if r.EmptyGrace < 0 {
		errs = append(errs, "room.empty_grace must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLevels(l LevelsConfig) error {
	switch l.Backend {
	case LevelBackendFile:
		if l.Dir == "" {
			return errors.New("levels.dir must not be empty for the file backend")
		}
	case LevelBackendSQLite:
		if l.SQLitePath == "" {
			return errors.New("levels.sqlite_path must not be empty for the sqlite backend")
		}
	case LevelBackendPostgres:
	default:
		return fmt.Errorf("levels.backend must be one of [file, postgres, sqlite], got %q", l.Backend)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
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
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
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

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with PLAYNET_ prefix
	v.SetEnvPrefix("PLAYNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
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

// Defaults returns a Viper instance populated only with default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "playnet")

	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.path", "/websocket")
	v.SetDefault("gateway.codec", "json")
	v.SetDefault("gateway.read_timeout", "60s")
	v.SetDefault("gateway.write_timeout", "10s")
	v.SetDefault("gateway.send_buffer", 256)
	v.SetDefault("gateway.max_message_bytes", 1<<20)
	v.SetDefault("gateway.load_timeout", "10s")

	v.SetDefault("room.tick_interval", "50ms")
	v.SetDefault("room.ping_interval", "2s")
	v.SetDefault("room.keyframe_interval", 0)
	v.SetDefault("room.empty_policy", EmptyPolicyKeep)
	v.SetDefault("room.empty_grace", "0s")

	v.SetDefault("levels.backend", LevelBackendFile)
	v.SetDefault("levels.dir", "content/levels")
	v.SetDefault("levels.templates_dir", "content/templates")
	v.SetDefault("levels.sqlite_path", "data/levels.db")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "playnet")
	v.SetDefault("database.password", "playnet")
	v.SetDefault("database.name", "playnet")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("scripting.dir", "content/scripts")
	v.SetDefault("scripting.instruction_limit", 100_000)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 50061)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.endpoint", "")
}
