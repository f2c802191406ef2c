package config

import (
	"testing"
	"time"
)

func TestParseEnvDefaults(t *testing.T) {
	type cfg struct {
		Name    string        `env:"CREDENCE_TEST_NAME" envDefault:"credence"`
		Timeout time.Duration `env:"CREDENCE_TEST_TIMEOUT" envDefault:"5m"`
	}

	var c cfg
	if err := ParseEnv(&c); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if c.Name != "credence" {
		t.Fatalf("expected default name, got %q", c.Name)
	}
	if c.Timeout != 5*time.Minute {
		t.Fatalf("expected default timeout, got %v", c.Timeout)
	}
}

func TestParseEnvOverride(t *testing.T) {
	type cfg struct {
		Interval time.Duration `env:"CREDENCE_TEST_INTERVAL" envDefault:"1m"`
	}

	t.Setenv("CREDENCE_TEST_INTERVAL", "30s")

	var c cfg
	if err := ParseEnv(&c); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if c.Interval != 30*time.Second {
		t.Fatalf("expected 30s, got %v", c.Interval)
	}
}
