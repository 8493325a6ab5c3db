// Package config loads daemon configuration. Environment variables are
// the primary source; a JSON file fills in anything the environment
// leaves unset. Credentials live only in the Config value and are never
// written to logs; the /config endpoint serves the Redacted view.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	pkgerrs "github.com/jamesprial/go-reddit-scraper/pkg/errors"
)

// Environment variable names.
const (
	EnvClientID      = "REDDIT_CLIENT_ID"
	EnvClientSecret  = "REDDIT_CLIENT_SECRET"
	EnvUsername      = "REDDIT_USERNAME"
	EnvPassword      = "REDDIT_PASSWORD"
	EnvUserAgent     = "REDDIT_USER_AGENT"
	EnvStorePath     = "SCRAPER_STORE_PATH"
	EnvListenAddr    = "SCRAPER_LISTEN_ADDR"
	EnvWorkers       = "SCRAPER_WORKERS"
	EnvRateLimit     = "SCRAPER_RATE_LIMIT"
	EnvMaxRateLimit  = "SCRAPER_MAX_RATE_LIMIT"
	EnvExtractPages  = "SCRAPER_EXTRACT_CONTENT"
	EnvSharedLimiter = "SCRAPER_SHARED_LIMITER_PATH"
	EnvConfigFile    = "SCRAPER_CONFIG_FILE"
	EnvRetentionDays = "SCRAPER_RETENTION_DAYS"
)

// Defaults.
const (
	DefaultStorePath  = "reddit_scraper.db"
	DefaultListenAddr = ":8112"
	DefaultUserAgent  = "golang:reddit-scraper:v1.0"
	DefaultWorkers    = 3
	DefaultRateLimit  = 1.0
	DefaultMaxRate    = 2.0
)

// Config is the full daemon configuration.
type Config struct {
	// Reddit credentials. ClientID and ClientSecret are required;
	// Username/Password switch auth to the password grant.
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	UserAgent    string `json:"user_agent"`

	StorePath  string `json:"store_path"`
	ListenAddr string `json:"listen_addr"`

	// Workers caps concurrent per-subreddit workers per session.
	Workers int `json:"workers"`
	// RateLimit is the steady-state request rate against the forum.
	RateLimit float64 `json:"rate_limit"`
	// MaxRateLimit caps adaptive growth.
	MaxRateLimit float64 `json:"max_rate_limit"`

	// ExtractContent enables following external links for page metadata.
	ExtractContent bool `json:"extract_content"`
	// SharedLimiterPath, when set, paces requests across processes
	// through a lock file at this path.
	SharedLimiterPath string `json:"shared_limiter_path"`

	// RetentionDays, when positive, garbage-collects posts, users, and
	// metrics older than this many days.
	RetentionDays int `json:"retention_days"`
}

// Redacted is the shape served by GET /config. Secrets are masked, not
// omitted, so operators can see which ones are set.
type Redacted struct {
	ClientID          string  `json:"client_id"`
	ClientSecret      string  `json:"client_secret"`
	Username          string  `json:"username"`
	UserAgent         string  `json:"user_agent"`
	StorePath         string  `json:"store_path"`
	ListenAddr        string  `json:"listen_addr"`
	Workers           int     `json:"workers"`
	RateLimit         float64 `json:"rate_limit"`
	MaxRateLimit      float64 `json:"max_rate_limit"`
	ExtractContent    bool    `json:"extract_content"`
	SharedLimiterPath string  `json:"shared_limiter_path,omitempty"`
	RetentionDays     int     `json:"retention_days,omitempty"`
}

// Load builds a Config: defaults, then the JSON file (path from
// SCRAPER_CONFIG_FILE or the filePath argument), then environment
// variables. Later sources win.
func Load(filePath string) (*Config, error) {
	cfg := &Config{
		UserAgent:    DefaultUserAgent,
		StorePath:    DefaultStorePath,
		ListenAddr:   DefaultListenAddr,
		Workers:      DefaultWorkers,
		RateLimit:    DefaultRateLimit,
		MaxRateLimit: DefaultMaxRate,
	}

	if env := os.Getenv(EnvConfigFile); env != "" {
		filePath = env
	}
	if filePath != "" {
		if err := cfg.mergeFile(filePath); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &pkgerrs.ConfigError{Field: "config_file", Err: err}
	}
	if err := json.Unmarshal(data, c); err != nil {
		return &pkgerrs.ConfigError{Field: "config_file", Err: err}
	}
	return nil
}

func (c *Config) mergeEnv() error {
	setString(&c.ClientID, EnvClientID)
	setString(&c.ClientSecret, EnvClientSecret)
	setString(&c.Username, EnvUsername)
	setString(&c.Password, EnvPassword)
	setString(&c.UserAgent, EnvUserAgent)
	setString(&c.StorePath, EnvStorePath)
	setString(&c.ListenAddr, EnvListenAddr)
	setString(&c.SharedLimiterPath, EnvSharedLimiter)

	if err := setInt(&c.Workers, EnvWorkers); err != nil {
		return err
	}
	if err := setInt(&c.RetentionDays, EnvRetentionDays); err != nil {
		return err
	}
	if err := setFloat(&c.RateLimit, EnvRateLimit); err != nil {
		return err
	}
	if err := setFloat(&c.MaxRateLimit, EnvMaxRateLimit); err != nil {
		return err
	}
	if v := os.Getenv(EnvExtractPages); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return &pkgerrs.ConfigError{Field: EnvExtractPages, Err: err}
		}
		c.ExtractContent = enabled
	}
	return nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return &pkgerrs.ConfigError{Field: "client_id", Err: fmt.Errorf("required; set %s", EnvClientID)}
	}
	if c.ClientSecret == "" {
		return &pkgerrs.ConfigError{Field: "client_secret", Err: fmt.Errorf("required; set %s", EnvClientSecret)}
	}
	if c.Workers <= 0 {
		return &pkgerrs.ConfigError{Field: "workers", Err: fmt.Errorf("must be positive, got %d", c.Workers)}
	}
	if c.RateLimit <= 0 {
		return &pkgerrs.ConfigError{Field: "rate_limit", Err: fmt.Errorf("must be positive, got %v", c.RateLimit)}
	}
	if c.MaxRateLimit < c.RateLimit {
		return &pkgerrs.ConfigError{Field: "max_rate_limit", Err: fmt.Errorf("must be >= rate_limit")}
	}
	return nil
}

// Retention converts RetentionDays to a duration; zero means keep
// everything.
func (c *Config) Retention() time.Duration {
	if c.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Redact returns the masked view for the /config endpoint.
func (c *Config) Redact() Redacted {
	return Redacted{
		ClientID:          mask(c.ClientID),
		ClientSecret:      mask(c.ClientSecret),
		Username:          mask(c.Username),
		UserAgent:         c.UserAgent,
		StorePath:         c.StorePath,
		ListenAddr:        c.ListenAddr,
		Workers:           c.Workers,
		RateLimit:         c.RateLimit,
		MaxRateLimit:      c.MaxRateLimit,
		ExtractContent:    c.ExtractContent,
		SharedLimiterPath: c.SharedLimiterPath,
		RetentionDays:     c.RetentionDays,
	}
}

// mask keeps the first two characters so operators can tell credentials
// apart without exposing them.
func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 2 {
		return "****"
	}
	return s[:2] + "****"
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &pkgerrs.ConfigError{Field: key, Err: err}
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return &pkgerrs.ConfigError{Field: key, Err: err}
	}
	*dst = f
	return nil
}
