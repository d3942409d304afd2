package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	precache "github.com/always-cache/precache"
	"github.com/always-cache/precache/cache"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PRECACHE_"

type Config struct {
	CacheName    string        `yaml:"cacheName" env:"CACHE_NAME"`
	Manifest     []string      `yaml:"manifest" env:"MANIFEST" envSeparator:","`
	Origin       string        `yaml:"origin" env:"ORIGIN"`
	Host         string        `yaml:"host" env:"HOST"`
	Port         int           `yaml:"port" env:"PORT"`
	MetricsAddr  string        `yaml:"metricsAddr" env:"METRICS_ADDR"`
	Concurrency  int           `yaml:"concurrency" env:"CONCURRENCY"`
	InstallRetry time.Duration `yaml:"installRetry" env:"INSTALL_RETRY"`
	LogFile      string        `yaml:"logFile" env:"LOG_FILE"`
	Store        StoreConfig   `yaml:"store" envPrefix:"STORE_"`
}

type StoreConfig struct {
	// sqlite, memory or redis
	Provider string      `yaml:"provider" env:"PROVIDER"`
	DSN      string      `yaml:"dsn" env:"DSN"`
	Redis    RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"keyPrefix" env:"KEY_PREFIX"`
}

func defaultConfig() Config {
	return Config{
		Port:         8080,
		Concurrency:  precache.DefaultConcurrency,
		InstallRetry: 30 * time.Second,
		Store: StoreConfig{
			Provider: "sqlite",
			DSN:      "cache.db",
		},
	}
}

// loadConfig reads the config file, if any, and applies environment overrides.
func loadConfig(filename string, environ map[string]string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{
		Prefix:      envPrefix,
		Environment: environ,
	}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.CacheName == "" {
		errs = append(errs, errors.New("cacheName is required"))
	}
	if c.Origin == "" {
		errs = append(errs, errors.New("origin is required"))
	} else if u, err := url.Parse(c.Origin); err != nil || !u.IsAbs() {
		errs = append(errs, fmt.Errorf("origin %q is not an absolute URL", c.Origin))
	}
	seen := make(map[string]bool, len(c.Manifest))
	for _, entry := range c.Manifest {
		if seen[entry] {
			errs = append(errs, fmt.Errorf("duplicate manifest entry %q", entry))
		}
		seen[entry] = true
	}
	switch c.Store.Provider {
	case "sqlite", "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store provider %q", c.Store.Provider))
	}
	if c.Port <= 0 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", precache.ErrInvalidConfig, err)
	}
	return nil
}

// openProvider creates the cache provider the store config names.
func openProvider(c StoreConfig) (cache.Provider, error) {
	switch c.Provider {
	case "sqlite":
		p, err := cache.NewSQLiteProvider(c.DSN)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "memory":
		return cache.NewMemProvider(), nil
	case "redis":
		return cache.NewRedisProvider(cache.RedisProviderConfig{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			KeyPrefix: c.Redis.KeyPrefix,
		}), nil
	}
	return nil, fmt.Errorf("%w: unknown store provider %q", precache.ErrInvalidConfig, c.Provider)
}
