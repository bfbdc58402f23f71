package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	DataDir             string        `mapstructure:"data_dir"`
	StaticDir           string        `mapstructure:"static_dir"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	MaxImageBytes       int64         `mapstructure:"max_image_bytes"`
	MaxTextLength       int           `mapstructure:"max_text_length"`
	TrustedImageDomains []string      `mapstructure:"trusted_image_domains"`
}

const (
	defaultListenAddress = ":8080"
	defaultDataDir       = "data/chatterbox"
	defaultStaticDir     = "static"
	defaultLogLevel      = "info"
	defaultShutdownGrace = 10 * time.Second
	defaultMaxImageBytes = 5 << 20
	defaultMaxTextLength = 2000
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with CHATTERBOX_ and
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATTERBOX")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("static_dir", defaultStaticDir)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGrace.String())
	v.SetDefault("max_image_bytes", defaultMaxImageBytes)
	v.SetDefault("max_text_length", defaultMaxTextLength)
	v.SetDefault("trusted_image_domains", []string{})

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

	// Durations arrive as strings from files and the environment.
	dur, err := time.ParseDuration(v.GetString("shutdown_grace_period"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid shutdown_grace_period: %w", err)
	}
	cfg.ShutdownGracePeriod = dur

	if cfg.MaxImageBytes <= 0 {
		return Config{}, fmt.Errorf("max_image_bytes must be positive, got %d", cfg.MaxImageBytes)
	}
	if cfg.MaxTextLength <= 0 {
		return Config{}, fmt.Errorf("max_text_length must be positive, got %d", cfg.MaxTextLength)
	}

	return cfg, nil
}
