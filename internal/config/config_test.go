package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(nil, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Interval != DefaultIntervalMs*time.Millisecond {
		t.Fatalf("Interval = %v, want %v", cfg.Interval, DefaultIntervalMs*time.Millisecond)
	}
	if cfg.ParsedLogLevel().String() != "info" {
		t.Fatalf("ParsedLogLevel() = %v, want info", cfg.ParsedLogLevel())
	}
}

func TestIntervalMsDecodedAsMilliseconds(t *testing.T) {
	v := viper.New()
	v.Set("interval", 2500)

	cfg, err := Load(v, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Interval != 2500*time.Millisecond {
		t.Fatalf("Interval = %v, want 2500ms", cfg.Interval)
	}
}

func TestIntervalBelowMinimumIsClamped(t *testing.T) {
	v := viper.New()
	v.Set("interval", 1)

	cfg, err := Load(v, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Interval != MinIntervalMs*time.Millisecond {
		t.Fatalf("Interval = %v, want the clamped minimum %v", cfg.Interval, MinIntervalMs*time.Millisecond)
	}
}

func TestParsedLogLevelFallsBackToInfoOnGarbage(t *testing.T) {
	cfg := Config{LogLevel: "not-a-level"}
	if cfg.ParsedLogLevel().String() != "info" {
		t.Fatalf("ParsedLogLevel() = %v, want info for an unparseable level", cfg.ParsedLogLevel())
	}
}
