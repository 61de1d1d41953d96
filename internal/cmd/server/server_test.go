package server

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "localhost:8080" {
		t.Fatalf("http addr = %q, want localhost:8080", cfg.HTTPAddr)
	}
	if cfg.DBPath != "data/lockhaven.db" {
		t.Fatalf("db path = %q, want data/lockhaven.db", cfg.DBPath)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("session ttl = %v, want 24h", cfg.SessionTTL)
	}
	if cfg.SessionRememberTTL != 720*time.Hour {
		t.Fatalf("remember ttl = %v, want 720h", cfg.SessionRememberTTL)
	}
}

func TestParseConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("LOCKHAVEN_HTTP_ADDR", "env:9000")
	t.Setenv("LOCKHAVEN_DB_PATH", "env/path.db")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-http-addr", "flag:9001"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag:9001" {
		t.Fatalf("http addr = %q, want flag value", cfg.HTTPAddr)
	}
	if cfg.DBPath != "env/path.db" {
		t.Fatalf("db path = %q, want env value", cfg.DBPath)
	}
}
