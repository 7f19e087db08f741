package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.URL == "" {
		t.Fatalf("expected default server url")
	}
	if cfg.Server.BackoffBaseMS != 1000 || cfg.Server.BackoffCapMS != 30000 {
		t.Fatalf("unexpected backoff defaults: %+v", cfg.Server)
	}
	if !cfg.STT.AutoSubmit {
		t.Fatalf("expected auto_submit default true")
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_STT_KEY", "secret-123")
	path := writeConfig(t, `
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${TEST_STT_KEY}
  tts:
    provider: mock
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "secret-123" {
		t.Fatalf("expected env expansion, got %v", got)
	}
}

func TestLoadConfigRejectsMissingProvider(t *testing.T) {
	path := writeConfig(t, `
stt:
  enabled: true
vendors:
  tts:
    provider: mock
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for missing stt provider")
	}
}

func TestLoadConfigRejectsBadHighWater(t *testing.T) {
	path := writeConfig(t, `
audio:
  queue_capacity: 10
  high_water: 20
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for high_water above capacity")
	}
}

func TestDecodeSettings(t *testing.T) {
	var out struct {
		APIKey     string `mapstructure:"api_key"`
		SampleRate int    `mapstructure:"sample_rate"`
	}
	err := DecodeSettings(map[string]any{
		"API-Key":     "abc",
		"sample_rate": "16000",
	}, &out)
	if err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if out.APIKey != "abc" || out.SampleRate != 16000 {
		t.Fatalf("unexpected decode result: %+v", out)
	}
}
