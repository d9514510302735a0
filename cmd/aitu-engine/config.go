package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration.
// Priority: AITU_* env vars > settings file > defaults.
type Config struct {
	DBPath        string        `mapstructure:"db_path"`
	IdentityPath  string        `mapstructure:"identity_path"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PoolSize      int           `mapstructure:"pool_size"`
	RetentionTTL  time.Duration `mapstructure:"retention_ttl"`
	RetentionSpec string        `mapstructure:"retention_spec"`

	ProviderBaseURL string `mapstructure:"provider_base_url"`
	ProviderAPIKey  string `mapstructure:"provider_api_key"`
	ImageModel      string `mapstructure:"image_model"`
	VideoModel      string `mapstructure:"video_model"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func aituDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aitu"
	}
	return filepath.Join(home, ".aitu")
}

// loadConfig layers defaults, an optional settings file and AITU_* env vars.
func loadConfig() (Config, error) {
	v := viper.New()

	v.SetDefault("db_path", filepath.Join(aituDir(), "engine.db"))
	v.SetDefault("identity_path", filepath.Join(aituDir(), "identity.json"))
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("pool_size", 4)
	v.SetDefault("retention_ttl", 24*time.Hour)
	v.SetDefault("retention_spec", "0 * * * *")
	v.SetDefault("provider_base_url", "")
	v.SetDefault("provider_api_key", "")
	v.SetDefault("image_model", "")
	v.SetDefault("video_model", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetConfigName("settings")
	v.SetConfigType("json")
	v.AddConfigPath(aituDir())
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		// Missing settings file is fine; anything else is a real error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("AITU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
