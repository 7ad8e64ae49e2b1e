package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8765", cfg.ServerAddr)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, 5*time.Second, cfg.SendTimeout)
	assert.Equal(t, 20*time.Second, cfg.PingInterval)
	assert.Equal(t, 20*time.Second, cfg.PongTimeout)
	assert.Equal(t, int64(4096), cfg.MaxMessageSize)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoad_Flags(t *testing.T) {
	fs := NewFlagSet("test")
	require.NoError(t, fs.Parse([]string{
		"--addr", "0.0.0.0:9000",
		"--dsn", "mongodb://localhost:27017",
		"--allowed-origins", "http://a.example,http://b.example",
		"--history-limit", "20",
	}))

	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ServerAddr)
	assert.Equal(t, "mongodb://localhost:27017", cfg.DatabaseDSN)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 20, cfg.HistoryLimit)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("ROOMCHAT_ADDR", "127.0.0.1:7000")
	t.Setenv("ROOMCHAT_SEND_TIMEOUT", "250ms")

	cfg, err := Load(NewFlagSet("test"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.ServerAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.SendTimeout)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \"localhost:9999\"\nlog_format: json\nstore_timeout: 2s\n"), 0o600))

	fs := NewFlagSet("test")
	require.NoError(t, fs.Parse([]string{"--config", path}))

	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, "localhost:9999", cfg.ServerAddr)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	fs := NewFlagSet("test")
	require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}))

	cfg, err := Load(fs)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			ServerAddr:      "localhost:8765",
			DatabaseDSN:     "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable",
			LogFormat:       "console",
			HistoryLimit:    50,
			SendTimeout:     time.Second,
			StoreTimeout:    time.Second,
			PingInterval:    time.Second,
			PongTimeout:     time.Second,
			MaxMessageSize:  1024,
			ShutdownTimeout: time.Second,
		}
	}

	tcases := []struct {
		name   string
		modify func(c *Config)
		err    bool
	}{
		{name: "valid config", modify: func(c *Config) {}, err: false},
		{name: "empty address", modify: func(c *Config) { c.ServerAddr = "" }, err: true},
		{name: "empty DSN", modify: func(c *Config) { c.DatabaseDSN = "" }, err: true},
		{name: "zero history limit", modify: func(c *Config) { c.HistoryLimit = 0 }, err: true},
		{name: "negative send timeout", modify: func(c *Config) { c.SendTimeout = -time.Second }, err: true},
		{name: "zero max message size", modify: func(c *Config) { c.MaxMessageSize = 0 }, err: true},
		{name: "unknown log format", modify: func(c *Config) { c.LogFormat = "xml" }, err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.modify(&cfg)

			err := cfg.Validate()
			if tc.err {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
