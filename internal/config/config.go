package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	ListenAddress string      `mapstructure:"listen_address"`
	LogLevel      string      `mapstructure:"log_level"`
	Mongo         MongoConfig `mapstructure:"mongo"`
	Redis         RedisConfig `mapstructure:"redis"`

	// MediaRoot is the directory holding uploaded media; the deletion
	// sweep removes files under it when their message is purged.
	MediaRoot string `mapstructure:"media_root"`

	// MasterKeyEnv names the environment variable holding the hex-encoded
	// 32-byte master key used for the outer envelope layer and for
	// at-rest field encryption.
	MasterKeyEnv string `mapstructure:"master_key_env"`

	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	GhostSessionTTL     time.Duration `mapstructure:"ghost_session_ttl"`
	GhostCodeTTL        time.Duration `mapstructure:"ghost_code_ttl"`
	HeartbeatWindow     time.Duration `mapstructure:"heartbeat_window"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

const (
	defaultListenAddress       = "localhost:9090"
	defaultLogLevel            = "info"
	defaultMongoURI            = "mongodb://localhost:27017"
	defaultMongoDatabase       = "cipherchat"
	defaultRedisAddress        = "localhost:6379"
	defaultMediaRoot           = "data/media"
	defaultMasterKeyEnv        = "CIPHERCHAT_MASTER_KEY"
	defaultCallTimeout         = 30 * time.Second
	defaultSweepInterval       = 5 * time.Second
	defaultGhostSessionTTL     = time.Hour
	defaultGhostCodeTTL        = 2 * time.Minute
	defaultHeartbeatWindow     = 90 * time.Second
	defaultShutdownGracePeriod = 10 * time.Second
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with CIPHERCHAT_ and
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CIPHERCHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("mongo.uri", defaultMongoURI)
	v.SetDefault("mongo.database", defaultMongoDatabase)
	v.SetDefault("redis.address", defaultRedisAddress)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("media_root", defaultMediaRoot)
	v.SetDefault("master_key_env", defaultMasterKeyEnv)
	v.SetDefault("call_timeout", defaultCallTimeout.String())
	v.SetDefault("sweep_interval", defaultSweepInterval.String())
	v.SetDefault("ghost_session_ttl", defaultGhostSessionTTL.String())
	v.SetDefault("ghost_code_ttl", defaultGhostCodeTTL.String())
	v.SetDefault("heartbeat_window", defaultHeartbeatWindow.String())
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"call_timeout", &cfg.CallTimeout, defaultCallTimeout},
		{"sweep_interval", &cfg.SweepInterval, defaultSweepInterval},
		{"ghost_session_ttl", &cfg.GhostSessionTTL, defaultGhostSessionTTL},
		{"ghost_code_ttl", &cfg.GhostCodeTTL, defaultGhostCodeTTL},
		{"heartbeat_window", &cfg.HeartbeatWindow, defaultHeartbeatWindow},
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
	} {
		if v.IsSet(d.key) {
			dur, err := time.ParseDuration(v.GetString(d.key))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = dur
		} else {
			*d.dst = d.def
		}
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = defaultMongoURI
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = defaultMongoDatabase
	}
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = defaultRedisAddress
	}
	if cfg.MediaRoot == "" {
		cfg.MediaRoot = defaultMediaRoot
	}
	if cfg.MasterKeyEnv == "" {
		cfg.MasterKeyEnv = defaultMasterKeyEnv
	}

	return cfg, nil
}

// MasterKey fetches and decodes the 32-byte master key from the configured
// environment variable.
func (c Config) MasterKey() ([]byte, error) {
	env := c.MasterKeyEnv
	if env == "" {
		env = defaultMasterKeyEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return nil, fmt.Errorf("master key env %s is empty", env)
	}
	key, err := hex.DecodeString(val)
	if err != nil {
		return nil, fmt.Errorf("master key env %s is not valid hex: %w", env, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// split out for testing.
var getenv = os.Getenv
