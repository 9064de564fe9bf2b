// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("DRAFTWIRE_RESUME_SECRET", "s3cret")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("default listen addr: %q", cfg.ListenAddr)
	}
	if cfg.BufferTTL != 15*time.Minute {
		t.Errorf("default buffer TTL: %v", cfg.BufferTTL)
	}
	if cfg.StreamingRPM != 10 {
		t.Errorf("default streaming RPM: %d", cfg.StreamingRPM)
	}
}

func TestFromEnvRequiresSecret(t *testing.T) {
	t.Setenv("DRAFTWIRE_RESUME_SECRET", "")
	t.Setenv("DRAFTWIRE_SHARED_SECRET", "")

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error without any signing secret")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DRAFTWIRE_SHARED_SECRET", "fallback")
	t.Setenv("DRAFTWIRE_STREAMING_RPM", "1")
	t.Setenv("DRAFTWIRE_BUFFER_TTL", "1m")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.StreamingRPM != 1 {
		t.Errorf("streaming RPM override: %d", cfg.StreamingRPM)
	}
	if cfg.BufferTTL != time.Minute {
		t.Errorf("buffer TTL override: %v", cfg.BufferTTL)
	}
}

func TestFromEnvYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "draftwire.yaml")
	overlay := "listen_addr: \":9090\"\nstreaming_rpm: 3\nresume_secret: from-file\n"
	if err := os.WriteFile(path, []byte(overlay), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("DRAFTWIRE_CONFIG", path)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("overlay listen addr: %q", cfg.ListenAddr)
	}
	if cfg.StreamingRPM != 3 {
		t.Errorf("overlay streaming RPM: %d", cfg.StreamingRPM)
	}

	// Environment still wins over the file.
	t.Setenv("DRAFTWIRE_STREAMING_RPM", "7")
	cfg, err = FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.StreamingRPM != 7 {
		t.Errorf("env should win over file, got %d", cfg.StreamingRPM)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := defaults()
	base.ResumeSecret = "x"

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.ListenAddr = "" }},
		{"zero buffer cap", func(c *Config) { c.BufferMaxEvents = 0 }},
		{"zero token ttl", func(c *Config) { c.TokenTTL = 0 }},
		{"zero streaming rpm", func(c *Config) { c.StreamingRPM = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
