// Package config loads the service configuration. Sources are applied in
// order, later ones winning: built-in defaults, an optional YAML file, a
// .env file, then CHOPSTICKS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pgolbus/chopsticks/sticks"
	"github.com/pgolbus/chopsticks/store"
)

const envPrefix = "CHOPSTICKS_"

type Config struct {
	Server ServerConfig `yaml:"server"`
	Broker BrokerConfig `yaml:"broker"`
	Store  StoreConfig  `yaml:"store"`
	Auth   AuthConfig   `yaml:"auth"`
	Game   GameConfig   `yaml:"game"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type BrokerConfig struct {
	MaxGames           int           `yaml:"max_games"`
	MatchmakingTimeout time.Duration `yaml:"matchmaking_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AuthConfig struct {
	// Secret signs seat tokens. Empty disables authentication.
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type GameConfig struct {
	Modulus int `yaml:"modulus"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:3000"},
			ShutdownTimeout: 30 * time.Second,
		},
		Broker: BrokerConfig{
			MaxGames:           1000,
			MatchmakingTimeout: 30 * time.Second,
			IdleTimeout:        30 * time.Minute,
			CleanupInterval:    time.Minute,
			MonitorInterval:    10 * time.Second,
		},
		Store: StoreConfig{Driver: store.DriverMemory},
		Auth:  AuthConfig{TokenTTL: 24 * time.Hour},
		Game:  GameConfig{Modulus: sticks.DefaultModulus},
		Log:   LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds a Config. path names a YAML file and may be empty; envFile
// names a dotenv file and is skipped when missing.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		// godotenv never overrides variables already set in the process
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(envPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Server.Addr)
	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	dur("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	num("MAX_GAMES", &c.Broker.MaxGames)
	dur("MATCHMAKING_TIMEOUT", &c.Broker.MatchmakingTimeout)
	dur("IDLE_TIMEOUT", &c.Broker.IdleTimeout)
	dur("CLEANUP_INTERVAL", &c.Broker.CleanupInterval)
	dur("MONITOR_INTERVAL", &c.Broker.MonitorInterval)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("AUTH_SECRET", &c.Auth.Secret)
	dur("TOKEN_TTL", &c.Auth.TokenTTL)
	num("MODULUS", &c.Game.Modulus)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Broker.MaxGames < 1 {
		errs = append(errs, fmt.Errorf("broker.max_games must be positive, got %d", c.Broker.MaxGames))
	}
	for name, d := range map[string]time.Duration{
		"broker.matchmaking_timeout": c.Broker.MatchmakingTimeout,
		"broker.idle_timeout":        c.Broker.IdleTimeout,
		"broker.cleanup_interval":    c.Broker.CleanupInterval,
		"broker.monitor_interval":    c.Broker.MonitorInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	switch c.Store.Driver {
	case store.DriverMemory, store.DriverSQLite:
	case store.DriverRedis, store.DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Auth.Secret != "" && c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Game.Modulus < 2 || c.Game.Modulus > sticks.MaxModulus {
		errs = append(errs, fmt.Errorf("game.modulus must be in [2, %d], got %d", sticks.MaxModulus, c.Game.Modulus))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Logger builds a slog logger writing to w.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
