package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", cfg.Host)
	}
	if cfg.DefaultModelName != "autoglm-phone-9b" {
		t.Errorf("DefaultModelName = %q", cfg.DefaultModelName)
	}
	if cfg.ScrcpyMaxSize != 1280 || cfg.ScrcpyBitRate != 4_000_000 {
		t.Errorf("scrcpy defaults = %d/%d", cfg.ScrcpyMaxSize, cfg.ScrcpyBitRate)
	}
	if cfg.ADBPath != "adb" {
		t.Errorf("ADBPath = %q", cfg.ADBPath)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PHONE_CONSOLE_PORT", "9090")
	t.Setenv("AUTOGLM_BASE_URL", "http://model.local/v1")
	t.Setenv("ALLOWED_ORIGINS", "http://a.local, http://b.local")
	t.Setenv("ADB_EXEC_TIMEOUT", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.DefaultBaseURL != "http://model.local/v1" {
		t.Errorf("DefaultBaseURL = %q", cfg.DefaultBaseURL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.local" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.ADBExecTimeout != 30*time.Second {
		t.Errorf("ADBExecTimeout = %v", cfg.ADBExecTimeout)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("PHONE_CONSOLE_PORT", "not-a-number")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want fallback 8080", cfg.Port)
	}
	if cfg.HTTPReadTimeout != 15*time.Second {
		t.Errorf("HTTPReadTimeout = %v, want fallback 15s", cfg.HTTPReadTimeout)
	}
}
