package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationField("sweep.cadence", "90s")
	if err != nil {
		t.Fatalf("ParseDurationField: %v", err)
	}
	if d != 90*time.Second {
		t.Fatalf("d = %v, want 90s", d)
	}

	if _, err := ParseDurationField("sweep.cadence", "soon"); err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if _, err := ParseDurationField("sweep.cadence", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if d, err := ParseDurationField("sweep.cadence", ""); err != nil || d != 0 {
		t.Fatalf("empty = (%v, %v), want (0, nil)", d, err)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("sweep.cadence", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("default = (%v, %v), want (1m, nil)", d, err)
	}
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAMLConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "remindd.yaml", `
server:
  addr: ":8080"
  api_tokens:
    - token: "secret"
      caller: "mobile-app"
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: sqlite
  path: ./remindd.db
sweep:
  enabled: true
  cadence: 1m
notify:
  enabled: true
  telegram:
    token: "123:abc"
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if len(cfg.Server.APITokens) != 1 || cfg.Server.APITokens[0].Caller != "mobile-app" {
		t.Fatalf("api_tokens = %+v", cfg.Server.APITokens)
	}
	if cfg.Sweep.Cadence != "1m" {
		t.Fatalf("cadence = %q", cfg.Sweep.Cadence)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "remindd.json", `{"server": {"addr": ":8080", "api_tokens": []}, "surprise": true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected strict decoder to reject unknown fields")
	}
}

func TestHashConfigStable(t *testing.T) {
	t.Parallel()
	a := &Config{Server: ServerConfig{Addr: ":8080"}}
	b := &Config{Server: ServerConfig{Addr: ":8080"}}
	if hashConfig(a) != hashConfig(b) {
		t.Fatal("identical configs must hash equal")
	}
	c := &Config{Server: ServerConfig{Addr: ":9090"}}
	if hashConfig(a) == hashConfig(c) {
		t.Fatal("different configs should hash differently")
	}
}
