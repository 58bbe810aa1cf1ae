package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aluiziolira/go-catalog-crawler/source"
)

// PlatformConfig carries the static, per-platform adapter settings.
type PlatformConfig struct {
	BaseURL  string            `mapstructure:"base_url"`
	Headers  map[string]string `mapstructure:"headers"`
	Requests int               `mapstructure:"requests"`
	Per      time.Duration     `mapstructure:"per"`
}

// Config holds crawler configuration.
type Config struct {
	OutputDir         string                    `mapstructure:"output_dir"`
	OutputFormat      string                    `mapstructure:"output_format"` // csv or dual
	Workers           int                       `mapstructure:"workers"`
	Timeout           time.Duration             `mapstructure:"timeout"`
	MaxRetries        int                       `mapstructure:"max_retries"`
	RetryBackoff      time.Duration             `mapstructure:"retry_backoff"`
	RetryBackoffMax   time.Duration             `mapstructure:"retry_backoff_max"`
	RateLimitCooldown time.Duration             `mapstructure:"rate_limit_cooldown"`
	RateLimitMaxWait  time.Duration             `mapstructure:"rate_limit_max_wait"`
	DedupeMaxSize     int                       `mapstructure:"dedupe_max_size"`
	MaxPages          int                       `mapstructure:"max_pages"` // 0 means unlimited
	UserAgent         string                    `mapstructure:"user_agent"`
	MetricsAddr       string                    `mapstructure:"metrics_addr"`
	PostgresURL       string                    `mapstructure:"postgres_url"`
	Verbose           bool                      `mapstructure:"verbose"`
	Platforms         map[string]PlatformConfig `mapstructure:"platforms"`
}

// DefaultConfig returns conservative defaults for a catalog run.
func DefaultConfig() *Config {
	return &Config{
		OutputDir:         "output",
		OutputFormat:      "csv",
		Workers:           3,
		Timeout:           15 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      time.Second,
		RetryBackoffMax:   30 * time.Second,
		RateLimitCooldown: 30 * time.Second,
		RateLimitMaxWait:  5 * time.Minute,
		DedupeMaxSize:     100_000,
		MaxPages:          0,
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		MetricsAddr:       "",
		PostgresURL:       "",
		Verbose:           false,
		Platforms:         map[string]PlatformConfig{},
	}
}

// Load merges an optional config file and CRAWLER_* environment variables over
// DefaultConfig. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("output_dir", def.OutputDir)
	v.SetDefault("output_format", def.OutputFormat)
	v.SetDefault("workers", def.Workers)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("retry_backoff", def.RetryBackoff)
	v.SetDefault("retry_backoff_max", def.RetryBackoffMax)
	v.SetDefault("rate_limit_cooldown", def.RateLimitCooldown)
	v.SetDefault("rate_limit_max_wait", def.RateLimitMaxWait)
	v.SetDefault("dedupe_max_size", def.DedupeMaxSize)
	v.SetDefault("max_pages", def.MaxPages)
	v.SetDefault("user_agent", def.UserAgent)
	v.SetDefault("metrics_addr", def.MetricsAddr)
	v.SetDefault("postgres_url", def.PostgresURL)
	v.SetDefault("verbose", def.Verbose)

	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Platforms == nil {
		cfg.Platforms = map[string]PlatformConfig{}
	}
	return cfg, nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output dir cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv or dual")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.RateLimitCooldown <= 0 {
		return fmt.Errorf("rate limit cooldown must be positive")
	}
	if c.RateLimitMaxWait < 0 {
		return fmt.Errorf("rate limit max wait cannot be negative")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages cannot be negative")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	var errs []error
	for name, p := range c.Platforms {
		if p.Requests < 0 {
			errs = append(errs, fmt.Errorf("platform %s: requests cannot be negative", name))
		}
		if p.Requests > 0 && p.Per <= 0 {
			errs = append(errs, fmt.Errorf("platform %s: per must be positive when requests is set", name))
		}
	}
	return errors.Join(errs...)
}

// AdapterOptions returns the construction options for one adapter. Settings
// absent from the platforms section leave the adapter's defaults in place.
func (c *Config) AdapterOptions(name string) source.Options {
	opts := source.Options{
		UserAgent: c.UserAgent,
		Timeout:   c.Timeout,
	}

	p, ok := c.Platforms[strings.ToLower(name)]
	if !ok {
		return opts
	}
	opts.BaseURL = p.BaseURL
	if len(p.Headers) > 0 {
		opts.Headers = make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			opts.Headers[k] = v
		}
	}
	if p.Requests > 0 {
		opts.RateLimit = &source.RateLimit{Requests: p.Requests, Per: p.Per}
	}
	return opts
}
