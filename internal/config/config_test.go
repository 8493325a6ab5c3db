package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jamesprial/go-reddit-scraper/pkg/errors"
)

// clearEnv blanks every config variable so host environment leakage
// cannot skew a test. t.Setenv restores originals afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvClientID, EnvClientSecret, EnvUsername, EnvPassword,
		EnvUserAgent, EnvStorePath, EnvListenAddr, EnvWorkers,
		EnvRateLimit, EnvMaxRateLimit, EnvExtractPages,
		EnvSharedLimiter, EnvConfigFile, EnvRetentionDays,
	} {
		t.Setenv(key, "")
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvClientID, "abc123")
	t.Setenv(EnvClientSecret, "topsecret")
	t.Setenv(EnvWorkers, "7")
	t.Setenv(EnvRateLimit, "0.5")
	t.Setenv(EnvMaxRateLimit, "1.5")
	t.Setenv(EnvExtractPages, "true")
	t.Setenv(EnvRetentionDays, "30")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClientID != "abc123" || cfg.ClientSecret != "topsecret" {
		t.Error("credentials not picked up from env")
	}
	if cfg.Workers != 7 || cfg.RateLimit != 0.5 || cfg.MaxRateLimit != 1.5 {
		t.Errorf("numeric fields = %d/%v/%v", cfg.Workers, cfg.RateLimit, cfg.MaxRateLimit)
	}
	if !cfg.ExtractContent {
		t.Error("ExtractContent should be enabled")
	}
	if cfg.Retention() != 30*24*time.Hour {
		t.Errorf("Retention() = %v, want 720h", cfg.Retention())
	}
	// Untouched fields keep their defaults.
	if cfg.ListenAddr != DefaultListenAddr || cfg.StorePath != DefaultStorePath {
		t.Errorf("defaults lost: %q %q", cfg.ListenAddr, cfg.StorePath)
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `{
		"client_id": "file_id",
		"client_secret": "file_secret",
		"listen_addr": ":9000",
		"workers": 5
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClientID != "file_id" || cfg.ListenAddr != ":9000" || cfg.Workers != 5 {
		t.Errorf("file values not applied: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `{
		"client_id": "file_id",
		"client_secret": "file_secret",
		"workers": 5
	}`)
	t.Setenv(EnvClientID, "env_id")
	t.Setenv(EnvWorkers, "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClientID != "env_id" {
		t.Errorf("ClientID = %q, env should win over file", cfg.ClientID)
	}
	if cfg.Workers != 9 {
		t.Errorf("Workers = %d, env should win over file", cfg.Workers)
	}
	// Fields only the file sets survive.
	if cfg.ClientSecret != "file_secret" {
		t.Errorf("ClientSecret = %q, want the file value", cfg.ClientSecret)
	}
}

func TestConfigFileEnvVarPointsAtFile(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `{"client_id": "pointed", "client_secret": "s3cret"}`)
	t.Setenv(EnvConfigFile, path)

	cfg, err := Load("ignored-argument.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClientID != "pointed" {
		t.Errorf("ClientID = %q, want the env-pointed file to win", cfg.ClientID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	var cfgErr *errors.ConfigError
	if !stderrors.As(err, &cfgErr) {
		t.Errorf("error = %v, want ConfigError", err)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `{not json`)
	if _, err := Load(path); err == nil {
		t.Error("malformed JSON should fail")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ClientID: "id", ClientSecret: "secret",
			Workers: 3, RateLimit: 1, MaxRateLimit: 2,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing client id", func(c *Config) { c.ClientID = "" }, true},
		{"missing client secret", func(c *Config) { c.ClientSecret = "" }, true},
		{"zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"zero rate", func(c *Config) { c.RateLimit = 0 }, true},
		{"max below base rate", func(c *Config) { c.MaxRateLimit = 0.5 }, true},
		{"max equals base rate", func(c *Config) { c.MaxRateLimit = c.RateLimit }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.IsFatal(err) {
				t.Errorf("config errors classify Fatal, got %v", errors.Classify(err))
			}
		})
	}
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvClientID, "id")
	t.Setenv(EnvClientSecret, "secret")
	t.Setenv(EnvWorkers, "three")

	_, err := Load("")
	var cfgErr *errors.ConfigError
	if !stderrors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want ConfigError", err)
	}
	if cfgErr.Field != EnvWorkers {
		t.Errorf("Field = %q, want %q", cfgErr.Field, EnvWorkers)
	}
}

func TestRedact(t *testing.T) {
	cfg := &Config{
		ClientID:     "abcdef",
		ClientSecret: "hunter2",
		Username:     "me",
		Password:     "pw",
		UserAgent:    "test-agent",
		ListenAddr:   ":8112",
	}
	r := cfg.Redact()

	if r.ClientID != "ab****" {
		t.Errorf("ClientID = %q, want ab****", r.ClientID)
	}
	if r.ClientSecret != "hu****" {
		t.Errorf("ClientSecret = %q, want hu****", r.ClientSecret)
	}
	// Short values are fully masked so length leaks nothing.
	if r.Username != "****" {
		t.Errorf("Username = %q, want ****", r.Username)
	}
	if r.UserAgent != "test-agent" || r.ListenAddr != ":8112" {
		t.Error("non-secret fields should pass through unmasked")
	}
}

func TestRedactEmptySecrets(t *testing.T) {
	r := (&Config{}).Redact()
	if r.ClientID != "" || r.ClientSecret != "" || r.Username != "" {
		t.Errorf("unset secrets should stay empty: %+v", r)
	}
}

func TestRetentionDisabledByDefault(t *testing.T) {
	if got := (&Config{}).Retention(); got != 0 {
		t.Errorf("Retention() = %v, want 0 when unset", got)
	}
}
