package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPAddr != ":6095" {
		t.Fatalf("HTTPAddr = %q, want :6095", cfg.HTTPAddr)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("PollInterval = %s, want 30s", cfg.PollInterval)
	}
	if cfg.PollMaxInterval != 5*time.Minute {
		t.Fatalf("PollMaxInterval = %s, want 5m", cfg.PollMaxInterval)
	}
	if cfg.FailureThreshold != 3 {
		t.Fatalf("FailureThreshold = %d, want 3", cfg.FailureThreshold)
	}
	if cfg.StreamQuality != "best" {
		t.Fatalf("StreamQuality = %q, want best", cfg.StreamQuality)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("YT_CHANNEL", "@somechannel")
	t.Setenv("POLL_INTERVAL", "10s")
	t.Setenv("POLL_MAX_INTERVAL", "1m")
	t.Setenv("POLL_FAILURE_THRESHOLD", "5")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.Channel != "@somechannel" {
		t.Fatalf("Channel = %q", cfg.Channel)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Fatalf("PollInterval = %s", cfg.PollInterval)
	}
	if cfg.PollMaxInterval != time.Minute {
		t.Fatalf("PollMaxInterval = %s", cfg.PollMaxInterval)
	}
	if cfg.FailureThreshold != 5 {
		t.Fatalf("FailureThreshold = %d", cfg.FailureThreshold)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want lowercased debug", cfg.LogLevel)
	}
}

func TestLoadClampsBadValues(t *testing.T) {
	t.Setenv("POLL_MAX_INTERVAL", "1s")
	t.Setenv("POLL_FAILURE_THRESHOLD", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.PollMaxInterval != cfg.PollInterval {
		t.Fatalf("PollMaxInterval = %s, want clamped to PollInterval %s", cfg.PollMaxInterval, cfg.PollInterval)
	}
	if cfg.FailureThreshold != 1 {
		t.Fatalf("FailureThreshold = %d, want clamped to 1", cfg.FailureThreshold)
	}
}
