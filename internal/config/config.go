// Package config loads the twinedit process configuration from a YAML file
// and LOCALFIRST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LOCALFIRST_HTTP_ADDR
const EnvPrefix = "LOCALFIRST"

// Config is the process configuration
type Config struct {
	Actors struct {
		A string `mapstructure:"a"`
		B string `mapstructure:"b"`
	} `mapstructure:"actors"`
	Storage struct {
		Driver string `mapstructure:"driver"` // memory, bolt or redis
		Path   string `mapstructure:"path"`
		Redis  struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			Prefix   string `mapstructure:"prefix"`
		} `mapstructure:"redis"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"storage"`
	Shell struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"shell"`
	HTTP struct {
		Addr         string   `mapstructure:"addr"`
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"http"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("actors.a", "")
	v.SetDefault("actors.b", "")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.path", "twinedit.db")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "twinedit")
	v.SetDefault("storage.timeout", 5*time.Second)
	v.SetDefault("shell.addr", "127.0.0.1:6390")
	v.SetDefault("shell.password", "")
	v.SetDefault("http.addr", "127.0.0.1:8080")
	v.SetDefault("http.allow_origins", []string{})
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "localfirst.changes")
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.enabled", true)
}

// Load reads the configuration. With an empty path it looks for
// twinedit.yaml in ./config and the working directory and carries on with
// defaults when there is none.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("twinedit")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "bolt", "redis":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "bolt" && c.Storage.Path == "" {
		return errors.New("storage.path: required by the bolt driver")
	}
	if c.Storage.Timeout <= 0 {
		return fmt.Errorf("storage.timeout: must be positive, got %s", c.Storage.Timeout)
	}
	if c.Shell.Password != "" && c.Shell.Addr == "" {
		return errors.New("shell.password: set without shell.addr")
	}
	if c.Actors.A != "" && c.Actors.A == c.Actors.B {
		return fmt.Errorf("actors: both replicas use %q", c.Actors.A)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic: required when brokers are set")
	}
	return nil
}
