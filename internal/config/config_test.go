package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"getitdone/internal/models"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("GETITDONE_TEST_BASE_URL", "https://api.example.com")

	yamlContent := `
database:
  path: "test.db"
remote:
  base_url: "${GETITDONE_TEST_BASE_URL}"
feed:
  enabled: true
  url: "wss://api.example.com/realtime"
queue:
  max_retries: 5
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Remote.BaseURL != "https://api.example.com" {
		t.Errorf("expected expanded base_url, got %s", cfg.Remote.BaseURL)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("expected max_retries 5, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.BaseDelay != models.DefaultQueueBaseDelay {
		t.Errorf("expected default base delay, got %s", cfg.Queue.BaseDelay)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		c := Config{
			Database: DatabaseConfig{Path: "path"},
			Remote:   RemoteConfig{BaseURL: "https://api.example.com"},
		}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "missing base url", mutate: func(c *Config) { c.Remote.BaseURL = "" }, wantErr: true},
		{name: "relative base url", mutate: func(c *Config) { c.Remote.BaseURL = "api" }, wantErr: true},
		{
			name: "feed with http scheme",
			mutate: func(c *Config) {
				c.Feed.Enabled = true
				c.Feed.URL = "http://api.example.com/realtime"
			},
			wantErr: true,
		},
		{
			name: "feed disabled ignores url",
			mutate: func(c *Config) {
				c.Feed.URL = "nonsense"
			},
		},
		{name: "multiplier below one", mutate: func(c *Config) { c.Queue.BackoffMultiplier = 0.5 }, wantErr: true},
		{name: "max delay below base", mutate: func(c *Config) { c.Queue.MaxDelay = 100 * time.Millisecond }, wantErr: true},
		{
			name: "duplicate api key",
			mutate: func(c *Config) {
				c.API.Auth.APIKeys = []APIClientKey{{Key: "k", Name: "a"}, {Key: "k", Name: "b"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.Remote.ReadTimeout != 7*time.Second {
		t.Errorf("expected read timeout 7s, got %s", cfg.Remote.ReadTimeout)
	}
	if cfg.Remote.WriteTimeout != 10*time.Second {
		t.Errorf("expected write timeout 10s, got %s", cfg.Remote.WriteTimeout)
	}
	if cfg.Sync.InFlightTTL != 8*time.Second {
		t.Errorf("expected in-flight ttl 8s, got %s", cfg.Sync.InFlightTTL)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.MaxDelay != 30*time.Second {
		t.Errorf("expected max delay 30s, got %s", cfg.Queue.MaxDelay)
	}
	if cfg.Queue.Pace != 500*time.Millisecond {
		t.Errorf("expected pace 500ms, got %s", cfg.Queue.Pace)
	}
	if cfg.API.Auth.HeaderAPIKey != "x-api-key" {
		t.Errorf("expected default api key header, got %s", cfg.API.Auth.HeaderAPIKey)
	}
}

func TestValidateAPIKeys(t *testing.T) {
	tests := []struct {
		name    string
		keys    []APIClientKey
		wantErr bool
	}{
		{name: "valid keys", keys: []APIClientKey{{Key: "a", Name: "one"}, {Key: "b", Name: "two"}}},
		{name: "empty key", keys: []APIClientKey{{Key: "  ", Name: "blank"}}, wantErr: true},
		{name: "duplicate key", keys: []APIClientKey{{Key: "a", Name: "one"}, {Key: "a", Name: "two"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPIKeys(tt.keys)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIKeys() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
