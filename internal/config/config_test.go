package config

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "localhost:9090", cfg.ListenAddress)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	require.Equal(t, "cipherchat", cfg.Mongo.Database)
	require.Equal(t, "localhost:6379", cfg.Redis.Address)
	require.Equal(t, "data/media", cfg.MediaRoot)
	require.Equal(t, 30*time.Second, cfg.CallTimeout)
	require.Equal(t, 5*time.Second, cfg.SweepInterval)
	require.Equal(t, time.Hour, cfg.GhostSessionTTL)
	require.Equal(t, 2*time.Minute, cfg.GhostCodeTTL)
	require.Equal(t, 90*time.Second, cfg.HeartbeatWindow)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
listen_address: 0.0.0.0:8443
log_level: debug
call_timeout: 45s
ghost_session_ttl: 30m
mongo:
  database: chat_test
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8443", cfg.ListenAddress)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 45*time.Second, cfg.CallTimeout)
	require.Equal(t, 30*time.Minute, cfg.GhostSessionTTL)
	require.Equal(t, "chat_test", cfg.Mongo.Database)
	// Untouched keys keep their defaults.
	require.Equal(t, 5*time.Second, cfg.SweepInterval)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("call_timeout: soonish\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CIPHERCHAT_LISTEN_ADDRESS", "127.0.0.1:7777")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7777", cfg.ListenAddress)
}

func TestMasterKey(t *testing.T) {
	key := bytes.Repeat([]byte{0xab}, 32)

	restore := getenv
	defer func() { getenv = restore }()

	env := map[string]string{"CIPHERCHAT_MASTER_KEY": hex.EncodeToString(key)}
	getenv = func(name string) string { return env[name] }

	cfg := Config{MasterKeyEnv: "CIPHERCHAT_MASTER_KEY"}
	got, err := cfg.MasterKey()
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestMasterKeyValidation(t *testing.T) {
	restore := getenv
	defer func() { getenv = restore }()

	cases := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"not hex", "zz"},
		{"wrong length", hex.EncodeToString([]byte("short"))},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			getenv = func(string) string { return c.value }
			_, err := Config{}.MasterKey()
			require.Error(t, err)
		})
	}
}
