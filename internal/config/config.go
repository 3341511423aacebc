// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DBUser      string `mapstructure:"db_user"`
	DBPassword  string `mapstructure:"db_password"`
	DBHost      string `mapstructure:"db_host"`
	DBPort      int    `mapstructure:"db_port"`
	DBName      string `mapstructure:"db_name"`
	DBSSLMode   string `mapstructure:"db_sslmode"`
	DatabaseURL string `mapstructure:"database_url"`

	HTTPAddr  string `mapstructure:"http_addr"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	TickInterval       time.Duration `mapstructure:"tick_interval"`
	TickBatchSize      int           `mapstructure:"tick_batch_size"`
	WorkerConcurrency  int           `mapstructure:"worker_concurrency"`
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	ClaimLease         time.Duration `mapstructure:"claim_lease"`
	StartGuardWindow   time.Duration `mapstructure:"start_guard_window"`
	ExecutionJitterMax time.Duration `mapstructure:"execution_jitter_max"`

	AMQPURL     string `mapstructure:"amqp_url"`
	BounceQueue string `mapstructure:"bounce_queue"`
	RedisAddr   string `mapstructure:"redis_addr"`

	Gateway        string `mapstructure:"gateway"`
	SMTPHost       string `mapstructure:"smtp_host"`
	SMTPPort       int    `mapstructure:"smtp_port"`
	SMTPUsername   string `mapstructure:"smtp_username"`
	SMTPPassword   string `mapstructure:"smtp_password"`
	SMTPFromDomain string `mapstructure:"smtp_from_domain"`
}

var defaults = map[string]any{
	"db_user":              "postgres",
	"db_password":          "",
	"db_host":              "localhost",
	"db_port":              5432,
	"db_name":              "outreach",
	"db_sslmode":           "disable",
	"database_url":         "",
	"http_addr":            ":8080",
	"log_level":            "info",
	"log_format":           "json",
	"tick_interval":        time.Minute,
	"tick_batch_size":      200,
	"worker_concurrency":   8,
	"send_timeout":         30 * time.Second,
	"max_attempts":         3,
	"claim_lease":          10 * time.Minute,
	"start_guard_window":   10 * time.Second,
	"execution_jitter_max": 2 * time.Minute,
	"amqp_url":             "",
	"bounce_queue":         "campaign_bounces",
	"redis_addr":           "",
	"gateway":              "smtp",
	"smtp_host":            "localhost",
	"smtp_port":            587,
	"smtp_username":        "",
	"smtp_password":        "",
	"smtp_from_domain":     "localhost",
}

// Load reads .env files (missing files are ignored) and then the process
// environment. Every key has a default so AutomaticEnv can see it.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables already set.
		_ = godotenv.Load(f)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"TICK_INTERVAL":      c.TickInterval,
		"SEND_TIMEOUT":       c.SendTimeout,
		"CLAIM_LEASE":        c.ClaimLease,
		"START_GUARD_WINDOW": c.StartGuardWindow,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.ExecutionJitterMax < 0 {
		errs = append(errs, fmt.Errorf("EXECUTION_JITTER_MAX must not be negative"))
	}
	if c.TickBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("TICK_BATCH_SIZE must be positive"))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be positive"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be positive"))
	}
	if c.ClaimLease <= c.SendTimeout+c.ExecutionJitterMax {
		errs = append(errs, fmt.Errorf("CLAIM_LEASE (%s) must exceed SEND_TIMEOUT + EXECUTION_JITTER_MAX (%s)",
			c.ClaimLease, c.SendTimeout+c.ExecutionJitterMax))
	}
	switch c.Gateway {
	case "smtp", "mock":
	default:
		errs = append(errs, fmt.Errorf("GATEWAY must be smtp or mock, got %q", c.Gateway))
	}
	return errors.Join(errs...)
}

// DSN returns DATABASE_URL when set, otherwise a postgres URL built from the
// DB_* keys.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     c.DBName,
		RawQuery: url.Values{"sslmode": []string{c.DBSSLMode}}.Encode(),
	}
	return u.String()
}
