package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "ROOMCHAT"

type Config struct {
	ServerAddr      string        `mapstructure:"addr"`
	DatabaseDSN     string        `mapstructure:"dsn"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", "localhost:8765")
	v.SetDefault("dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("history_limit", 50)
	v.SetDefault("send_timeout", "5s")
	v.SetDefault("store_timeout", "5s")
	v.SetDefault("ping_interval", "20s")
	v.SetDefault("pong_timeout", "20s")
	v.SetDefault("max_message_size", 4096)
	v.SetDefault("shutdown_timeout", "10s")
}

// NewFlagSet declares the command line flags understood by Load.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("addr", "", "server address")
	fs.String("dsn", "", "database connection string (postgres or mongodb://)")
	fs.StringSlice("allowed-origins", nil, "comma-separated list of allowed websocket origins")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (console, json)")
	fs.Int("history-limit", 0, "number of messages replayed on join")
	return fs
}

// Load builds a Config from defaults, an optional config file, ROOMCHAT_*
// environment variables and fs, in increasing order of precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		bind := map[string]string{
			"addr":            "addr",
			"dsn":             "dsn",
			"allowed_origins": "allowed-origins",
			"log_level":       "log-level",
			"log_format":      "log-format",
			"history_limit":   "history-limit",
		}
		for key, flagName := range bind {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %q: %w", flagName, err)
				}
			}
		}

		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.ServerAddr == "" {
		errs = append(errs, errors.New("server address cannot be empty"))
	}
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("database DSN cannot be empty"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("history limit must be positive, got %d", c.HistoryLimit))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize))
	}
	for name, d := range map[string]time.Duration{
		"send timeout":     c.SendTimeout,
		"store timeout":    c.StoreTimeout,
		"ping interval":    c.PingInterval,
		"pong timeout":     c.PongTimeout,
		"shutdown timeout": c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}
